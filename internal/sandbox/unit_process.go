package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"toolforge/internal/logging"
	"toolforge/internal/tactile"
)

// ProcessUnit hands generated code to an external runner, typically an
// interpreter provisioned in the environment image. For each call it writes
// the code and a call file, runs `<runner...> <call.json>`, and reads the
// runner's output file.
//
// The call file holds {"code_path", "name", "args", "output_path"}. The
// runner writes {"result": ...} on success or {"error": {"kind", "message",
// "trace"}} when the function raises.
type ProcessUnit struct {
	module   Module
	out      Output
	runner   []string
	workDir  string
	executor tactile.Executor
}

type processCall struct {
	CodePath   string                 `json:"code_path"`
	Name       string                 `json:"name"`
	Args       map[string]interface{} `json:"args"`
	OutputPath string                 `json:"output_path"`
}

type processOutput struct {
	Result interface{} `json:"result"`
	Error  *ErrorInfo  `json:"error,omitempty"`
}

// NewProcessUnit prepares a process unit. The code is written on each call,
// so loading never fails for syntax reasons; the runner reports those.
func NewProcessUnit(m Module, out Output, runner []string, workDir string) (*ProcessUnit, error) {
	if len(runner) == 0 {
		return nil, fmt.Errorf("process unit requires a runner command")
	}
	if workDir == "" {
		workDir = os.TempDir()
	}
	executor := tactile.NewDirectExecutor()
	executor.SetAuditCallback(tactile.LogAudit)
	return &ProcessUnit{
		module:   m,
		out:      out.withDefaults(),
		runner:   runner,
		workDir:  workDir,
		executor: executor,
	}, nil
}

// WithExecutor replaces the executor used to run the runner.
func (u *ProcessUnit) WithExecutor(e tactile.Executor) *ProcessUnit {
	u.executor = e
	return u
}

// Call runs the runner once for function.
func (u *ProcessUnit) Call(ctx context.Context, function string, args map[string]interface{}) (interface{}, error) {
	dir := filepath.Join(u.workDir, "call-"+uuid.NewString())
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create call directory: %w", err)
	}
	defer os.RemoveAll(dir)

	call := processCall{
		CodePath:   filepath.Join(dir, u.module.Name+".src"),
		Name:       function,
		Args:       args,
		OutputPath: filepath.Join(dir, "output.json"),
	}
	if err := os.WriteFile(call.CodePath, []byte(u.module.Source), 0644); err != nil {
		return nil, fmt.Errorf("failed to write code: %w", err)
	}
	data, err := json.Marshal(call)
	if err != nil {
		return nil, &CodeError{Kind: "TypeError", Message: fmt.Sprintf("arguments are not JSON encodable: %v", err)}
	}
	callPath := filepath.Join(dir, "call.json")
	if err := os.WriteFile(callPath, data, 0644); err != nil {
		return nil, fmt.Errorf("failed to write call file: %w", err)
	}

	cmd := tactile.Command{
		Binary:           u.runner[0],
		Arguments:        append(append([]string{}, u.runner[1:]...), callPath),
		WorkingDirectory: dir,
	}
	if deadline, ok := ctx.Deadline(); ok {
		cmd.Limits = &tactile.ResourceLimits{TimeoutMs: time.Until(deadline).Milliseconds() + 1}
	}

	res, err := u.executor.Execute(ctx, cmd)
	if err != nil {
		return nil, fmt.Errorf("runner failed to start: %w", err)
	}
	io.WriteString(u.out.Stdout, res.Stdout)
	io.WriteString(u.out.Stderr, res.Stderr)
	if res.Killed {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("call %s: %w", function, ctx.Err())
		}
		return nil, fmt.Errorf("call %s: %w", function, context.DeadlineExceeded)
	}
	if res.IsError() {
		return nil, fmt.Errorf("runner error: %s", res.Error)
	}

	raw, readErr := os.ReadFile(call.OutputPath)
	if readErr != nil {
		logging.SandboxDebug("Runner produced no output file (exit=%d)", res.ExitCode)
		return nil, &CodeError{
			Kind:    "ProcessError",
			Message: fmt.Sprintf("runner exited with code %d without writing a result", res.ExitCode),
			Trace:   res.Stderr,
		}
	}
	var out processOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, &CodeError{Kind: "ProcessError", Message: fmt.Sprintf("runner output is not valid JSON: %v", err)}
	}
	if out.Error != nil {
		return nil, &CodeError{Kind: out.Error.Kind, Message: out.Error.Message, Trace: out.Error.Trace}
	}
	if res.ExitCode != 0 {
		return nil, &CodeError{
			Kind:    "ProcessError",
			Message: fmt.Sprintf("runner exited with code %d", res.ExitCode),
			Trace:   res.Stderr,
		}
	}
	return out.Result, nil
}

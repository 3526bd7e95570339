package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"toolforge/internal/tactile"
)

var testGoImports = []string{"fmt", "strings", "math"}

const goAdd = `package main

import "fmt"

func add(args map[string]interface{}) (interface{}, error) {
	a, ok := args["a"].(int64)
	if !ok {
		return nil, fmt.Errorf("a must be an integer, got %T", args["a"])
	}
	b, ok := args["b"].(int64)
	if !ok {
		return nil, fmt.Errorf("b must be an integer, got %T", args["b"])
	}
	fmt.Println("adding", a, b)
	return a + b, nil
}

func boom(args map[string]interface{}) (interface{}, error) {
	panic("boom")
}
`

func requireCodeError(t *testing.T, err error) *CodeError {
	t.Helper()
	require.Error(t, err)
	var codeErr *CodeError
	require.True(t, errors.As(err, &codeErr), "expected CodeError, got %T: %v", err, err)
	return codeErr
}

func TestGoUnitCall(t *testing.T) {
	var stdout bytes.Buffer
	u, err := NewGoUnit(Module{Name: "adapter", Language: LanguageGo, Source: goAdd}, Output{Stdout: &stdout}, testGoImports)
	require.NoError(t, err)

	got, err := u.Call(context.Background(), "add", map[string]interface{}{"a": int64(2), "b": int64(3)})
	require.NoError(t, err)
	assert.Equal(t, int64(5), got)
	assert.Contains(t, stdout.String(), "adding 2 3")

	_, err = u.Call(context.Background(), "add", map[string]interface{}{"a": "2", "b": int64(3)})
	codeErr := requireCodeError(t, err)
	assert.Equal(t, "error", codeErr.Kind)
	assert.Contains(t, codeErr.Message, "a must be an integer")

	_, err = u.Call(context.Background(), "boom", map[string]interface{}{})
	codeErr = requireCodeError(t, err)
	assert.Equal(t, "panic", codeErr.Kind)
	assert.Contains(t, codeErr.Message, "boom")
	assert.NotEmpty(t, codeErr.Trace)

	_, err = u.Call(context.Background(), "missing", nil)
	assert.Equal(t, "NameError", requireCodeError(t, err).Kind)
}

func TestGoUnitLoadErrors(t *testing.T) {
	tests := []struct {
		name     string
		source   string
		wantKind string
	}{
		{
			name:     "forbidden import",
			source:   "import \"os/exec\"\n\nfunc run(args map[string]interface{}) (interface{}, error) { return exec.Command(\"ls\").Run(), nil }\n",
			wantKind: "ImportError",
		},
		{
			name:     "syntax error",
			source:   "import \"fmt\n\nfunc run(args map[string]interface{}) (interface{}, error) { return nil, nil }\n",
			wantKind: "SyntaxError",
		},
		{
			name:     "undefined name",
			source:   "func run(args map[string]interface{}) (interface{}, error) { return undefinedVar, nil }\n",
			wantKind: "CompileError",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewGoUnit(Module{Name: "adapter", Language: LanguageGo, Source: tt.source}, Output{}, testGoImports)
			assert.Equal(t, tt.wantKind, requireCodeError(t, err).Kind)
		})
	}
}

const starlarkAdapter = `
def add(a, b):
    return a + b

def describe():
    print("hi")
    return {"k": [1, 2.5, None, True], "t": (1, "x")}

def reject(a):
    fail("bad input: %s" % a)

def spin():
    while True:
        pass

def divide(a, b):
    return a // b

def kind(a):
    return type(a)
`

func newStarlark(t *testing.T, stdout *bytes.Buffer) *StarlarkUnit {
	t.Helper()
	out := Output{}
	if stdout != nil {
		out.Stdout = stdout
	}
	u, err := NewStarlarkUnit(Module{Name: "adapter", Language: LanguageStarlark, Source: starlarkAdapter}, out)
	require.NoError(t, err)
	return u
}

func TestStarlarkUnitCall(t *testing.T) {
	var stdout bytes.Buffer
	u := newStarlark(t, &stdout)
	ctx := context.Background()

	got, err := u.Call(ctx, "add", map[string]interface{}{"a": int64(2), "b": int64(3)})
	require.NoError(t, err)
	assert.Equal(t, int64(5), got)

	got, err = u.Call(ctx, "add", map[string]interface{}{"a": 1.5, "b": 1.0})
	require.NoError(t, err)
	assert.Equal(t, 2.5, got)

	// Whole floats stay floats.
	got, err = u.Call(ctx, "add", map[string]interface{}{"a": 2.0, "b": 3.0})
	require.NoError(t, err)
	assert.Equal(t, 5.0, got)

	got, err = u.Call(ctx, "kind", map[string]interface{}{"a": 2.0})
	require.NoError(t, err)
	assert.Equal(t, "float", got)

	got, err = u.Call(ctx, "describe", nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{
		"k": []interface{}{int64(1), 2.5, nil, true},
		"t": []interface{}{int64(1), "x"},
	}, got)
	assert.Equal(t, "hi\n", stdout.String())
}

func TestStarlarkUnitErrors(t *testing.T) {
	u := newStarlark(t, nil)
	ctx := context.Background()

	_, err := u.Call(ctx, "reject", map[string]interface{}{"a": "x"})
	codeErr := requireCodeError(t, err)
	assert.Equal(t, "EvalError", codeErr.Kind)
	assert.Contains(t, codeErr.Message, "bad input: x")
	assert.Contains(t, codeErr.Trace, "reject")

	_, err = u.Call(ctx, "add", map[string]interface{}{"a": "x", "b": int64(1)})
	assert.Equal(t, "EvalError", requireCodeError(t, err).Kind)

	_, err = u.Call(ctx, "divide", map[string]interface{}{"a": int64(1), "b": int64(0)})
	assert.Contains(t, requireCodeError(t, err).Message, "division by zero")

	_, err = u.Call(ctx, "nope", nil)
	assert.Equal(t, "NameError", requireCodeError(t, err).Kind)

	_, err = NewStarlarkUnit(Module{Name: "bad", Source: "def broken(:\n"}, Output{})
	assert.Equal(t, "SyntaxError", requireCodeError(t, err).Kind)
}

func TestStarlarkUnitCancellation(t *testing.T) {
	u := newStarlark(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := u.Call(ctx, "spin", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestLoaderUnknownLanguage(t *testing.T) {
	l := NewDefaultLoader(LoaderConfig{AllowedGoImports: testGoImports})
	assert.Equal(t, []string{LanguageGo, LanguageStarlark}, l.Languages())

	_, err := l.Load(Module{Name: "x", Language: "cobol", Source: "DISPLAY"}, Output{})
	assert.Equal(t, "UnsupportedLanguage", requireCodeError(t, err).Kind)

	l = NewDefaultLoader(LoaderConfig{Runner: []string{"python3", "/runner.py"}})
	assert.Contains(t, l.Languages(), LanguageProcess)
}

func TestProcessUnit(t *testing.T) {
	exec := &mockExecutor{}
	exec.ExecuteFunc = func(ctx context.Context, cmd tactile.Command) (*tactile.ExecutionResult, error) {
		raw, err := os.ReadFile(cmd.Arguments[len(cmd.Arguments)-1])
		if err != nil {
			return nil, err
		}
		var call processCall
		if err := json.Unmarshal(raw, &call); err != nil {
			return nil, err
		}
		code, _ := os.ReadFile(call.CodePath)

		var out processOutput
		switch call.Name {
		case "add":
			out.Result = call.Args["a"].(float64) + call.Args["b"].(float64)
		case "fails":
			out.Error = &ErrorInfo{Kind: "ValueError", Message: "negative input", Trace: "Traceback..."}
		case "crash":
			return &tactile.ExecutionResult{Success: true, ExitCode: 139, Stderr: "Segmentation fault"}, nil
		case "hang":
			return &tactile.ExecutionResult{Success: true, Killed: true, KillReason: "timeout"}, nil
		}
		data, _ := json.Marshal(out)
		if err := os.WriteFile(call.OutputPath, data, 0644); err != nil {
			return nil, err
		}
		return &tactile.ExecutionResult{Success: true, Stdout: "ran " + string(code)}, nil
	}

	var stdout bytes.Buffer
	workDir := t.TempDir()
	pu, err := NewProcessUnit(Module{Name: "adapter", Language: LanguageProcess, Source: "def add(a, b): return a + b"},
		Output{Stdout: &stdout}, []string{"python3", "/runner.py"}, workDir)
	require.NoError(t, err)
	u := pu.WithExecutor(exec)

	got, err := u.Call(context.Background(), "add", map[string]interface{}{"a": 2.0, "b": 3.0})
	require.NoError(t, err)
	assert.Equal(t, 5.0, got)
	assert.Contains(t, stdout.String(), "ran def add")
	require.Len(t, exec.calls, 1)
	assert.Equal(t, "python3", exec.calls[0].Binary)
	assert.Equal(t, "/runner.py", exec.calls[0].Arguments[0])

	_, err = u.Call(context.Background(), "fails", nil)
	codeErr := requireCodeError(t, err)
	assert.Equal(t, "ValueError", codeErr.Kind)
	assert.Equal(t, "Traceback...", codeErr.Trace)

	_, err = u.Call(context.Background(), "crash", nil)
	codeErr = requireCodeError(t, err)
	assert.Equal(t, "ProcessError", codeErr.Kind)
	assert.Equal(t, "Segmentation fault", codeErr.Trace)

	_, err = u.Call(context.Background(), "hang", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// Per-call directories are removed.
	entries, err := os.ReadDir(workDir)
	require.NoError(t, err)
	assert.Empty(t, entries)

	_, err = NewProcessUnit(Module{}, Output{}, nil, "")
	assert.Error(t, err)
}

func TestResolvePaths(t *testing.T) {
	root := filepath.Join("/mount", "input")
	got, err := ResolvePaths(map[string]interface{}{
		"image":  map[string]interface{}{PathKey: "scans/a.png"},
		"escape": map[string]interface{}{PathKey: "../../etc/passwd"},
		"nested": []interface{}{map[string]interface{}{PathKey: "b.csv"}, 3},
		"plain":  map[string]interface{}{PathKey: "x", "other": 1},
		"n":      1.5,
	}, root)
	require.NoError(t, err)
	assert.Equal(t, "/mount/input/scans/a.png", got["image"])
	assert.Equal(t, "/mount/input/etc/passwd", got["escape"])
	assert.Equal(t, []interface{}{"/mount/input/b.csv", 3}, got["nested"])
	assert.Equal(t, map[string]interface{}{PathKey: "x", "other": 1}, got["plain"])
	assert.Equal(t, 1.5, got["n"])

	_, err = ResolvePaths(map[string]interface{}{"f": map[string]interface{}{PathKey: ""}}, root)
	assert.Error(t, err)
}

func TestOutcomeSummary(t *testing.T) {
	o := &Outcome{Kind: OutcomeRuntimeError, ErrorKind: "TypeError", Message: "bad operand\nmore detail"}
	assert.Equal(t, "RuntimeError: TypeError: bad operand", o.Summary())
	assert.False(t, o.Recyclable())
	assert.True(t, (&Outcome{Kind: OutcomeTimeout}).Recyclable())
	assert.True(t, (&Outcome{Kind: OutcomeEnvironmentError}).Recyclable())
	assert.True(t, (&Outcome{Kind: OutcomeSuccess}).Succeeded())
	var nilOutcome *Outcome
	assert.Equal(t, "no outcome", nilOutcome.Summary())
}

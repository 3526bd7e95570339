// Package validation scores a finished tool against its test cases. Every
// run restores a fresh environment from the artifact's installed snapshot,
// invokes the adapter through the sandbox boundary and compares the result
// under the test case's policy.
package validation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"toolforge/internal/config"
	"toolforge/internal/contract"
	"toolforge/internal/environment"
	"toolforge/internal/logging"
	"toolforge/internal/sandbox"
	"toolforge/internal/store"
	"toolforge/internal/trajectory"
)

// ErrValidationFailed is the sentinel every ValidationFailure unwraps to.
var ErrValidationFailed = errors.New("validation failed")

// TestResult is the outcome of running one test case.
type TestResult struct {
	Tool     string           `json:"tool"`
	TestCase string           `json:"test_case"`
	Pass     bool             `json:"pass"`
	Actual   interface{}      `json:"actual"`
	Expected interface{}      `json:"expected"`
	Diff     string           `json:"diff,omitempty"`
	Outcome  *sandbox.Outcome `json:"outcome"`
	// Cached is set when the run was answered from the run cache.
	Cached bool `json:"cached"`
}

// ValidationFailure is returned by RunAll when any test case fails.
type ValidationFailure struct {
	Tool    string
	Total   int
	Results []*TestResult
}

// Failed returns the failing results.
func (e *ValidationFailure) Failed() []*TestResult {
	var out []*TestResult
	for _, r := range e.Results {
		if !r.Pass {
			out = append(out, r)
		}
	}
	return out
}

func (e *ValidationFailure) Error() string {
	failed := e.Failed()
	msg := fmt.Sprintf("validation of %s failed: %d of %d test cases failed", e.Tool, len(failed), e.Total)
	if len(failed) > 0 {
		msg += fmt.Sprintf(" (%s: %s)", failed[0].TestCase, firstLine(failed[0].Diff))
	}
	return msg
}

func (e *ValidationFailure) Unwrap() error {
	return ErrValidationFailed
}

// Cache stores runs by key. *store.Store implements it.
type Cache interface {
	GetRun(ctx context.Context, key string) (*store.RunRecord, error)
	PutRun(ctx context.Context, rec *store.RunRecord) error
}

// Options configures an Engine.
type Options struct {
	// InvokeTimeout is the client deadline of one invocation.
	InvokeTimeout time.Duration
	// NoCache bypasses the run cache for reads and writes.
	NoCache bool
}

// OptionsFrom extracts engine options from cfg.
func OptionsFrom(cfg *config.Config) Options {
	return Options{InvokeTimeout: cfg.GetInvokeTimeout() + time.Minute}
}

// Engine runs test cases.
type Engine struct {
	provider environment.Provider
	cache    Cache
	log      *trajectory.Log
	opts     Options
}

// NewEngine creates an engine. cache and log may be nil.
func NewEngine(provider environment.Provider, cache Cache, log *trajectory.Log, opts Options) *Engine {
	return &Engine{provider: provider, cache: cache, log: log, opts: opts}
}

// CacheKey identifies a run: the tool's code, the installed snapshot it runs
// against and the canonical arguments.
func CacheKey(a *store.ToolArtifact, args map[string]interface{}) (string, error) {
	canonical, err := contract.Canonical(args)
	if err != nil {
		return "", err
	}
	encoded, err := json.Marshal(canonical)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(a.Digest + ":" + a.Snapshot.Digest + ":" + string(encoded)))
	return hex.EncodeToString(sum[:]), nil
}

// Run runs the named test case of artifact a. Failing outcomes are reported
// in the result; the error is reserved for problems that prevent running.
func (e *Engine) Run(ctx context.Context, a *store.ToolArtifact, testCase string) (*TestResult, error) {
	tc, ok := a.Contract.TestCase(testCase)
	if !ok {
		return nil, fmt.Errorf("tool %s has no test case %q", a.Name, testCase)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	reqLog := logging.WithRequestID(logging.CategoryValidation, a.Name).WithField("test_case", tc.Name)
	end := e.log.Span(trajectory.ActorOrchestrator, "validate", map[string]string{"tool": a.Name, "test_case": tc.Name})

	key, err := CacheKey(a, tc.Arguments)
	if err != nil {
		err = fmt.Errorf("test case %s: arguments: %w", tc.Name, err)
		end(nil, err)
		return nil, err
	}

	outcome, cached := e.cached(ctx, key)
	if !cached {
		outcome = e.invoke(ctx, a, tc)
	}

	verdict, err := Compare(tc, outcome)
	if err != nil {
		end(nil, err)
		return nil, err
	}
	res := &TestResult{
		Tool:     a.Name,
		TestCase: tc.Name,
		Pass:     verdict.Pass,
		Actual:   verdict.Actual,
		Expected: verdict.Expected,
		Diff:     verdict.Diff,
		Outcome:  outcome,
		Cached:   cached,
	}

	if !cached && cacheable(outcome) {
		e.store(ctx, key, res)
	}

	if res.Pass {
		reqLog.Info("Passed (cached=%v)", cached)
		end(map[string]interface{}{"pass": true, "cached": cached}, nil)
	} else {
		reqLog.Warn("Failed: %s", firstLine(res.Diff))
		end(map[string]interface{}{"pass": false, "cached": cached, "diff": res.Diff}, errors.New(firstLine(res.Diff)))
	}
	return res, nil
}

// RunAll runs every test case in declaration order. When any fails the
// error is a *ValidationFailure; the results are returned either way.
func (e *Engine) RunAll(ctx context.Context, a *store.ToolArtifact) ([]*TestResult, error) {
	timer := logging.StartTimer(logging.CategoryValidation, "RunAll")
	defer timer.Stop()

	if len(a.Contract.TestCases) == 0 {
		return nil, fmt.Errorf("tool %s has no test cases", a.Name)
	}
	results := make([]*TestResult, 0, len(a.Contract.TestCases))
	failed := false
	for _, tc := range a.Contract.TestCases {
		res, err := e.Run(ctx, a, tc.Name)
		if err != nil {
			return results, err
		}
		results = append(results, res)
		failed = failed || !res.Pass
	}
	if failed {
		return results, &ValidationFailure{Tool: a.Name, Total: len(results), Results: results}
	}
	logging.Validation("All %d test cases of %s passed", len(results), a.Name)
	return results, nil
}

// invoke runs tc in a fresh environment restored from the artifact's
// snapshot. The environment is destroyed before returning.
func (e *Engine) invoke(ctx context.Context, a *store.ToolArtifact, tc *contract.TestCase) *sandbox.Outcome {
	h, err := e.provider.Restore(ctx, a.Snapshot)
	if err != nil {
		return &sandbox.Outcome{Kind: sandbox.OutcomeEnvironmentError, Message: err.Error()}
	}
	defer func() {
		if err := e.provider.Destroy(context.WithoutCancel(ctx), h); err != nil {
			logging.ValidationWarn("Failed to destroy environment %s: %v", h.Name, err)
		}
	}()

	end := e.log.Span(trajectory.ActorRuntime, "invoke", map[string]interface{}{"test_case": tc.Name, "arguments": tc.Arguments})
	o := h.Client(e.opts.InvokeTimeout).Invoke(ctx, sandbox.Request{
		Module:       sandbox.Module{Name: a.Name, Language: a.Language, Source: a.Code},
		FunctionName: a.Contract.Name,
		Arguments:    tc.Arguments,
	})

	// The output mount goes away with the environment, so a result written
	// to a file is read now.
	if o.Succeeded() && o.ResultPath != "" {
		v, err := ResultValue(o)
		if err != nil {
			logging.ValidationWarn("%s: %v", tc.Name, err)
		} else {
			o.Result = v
		}
	}

	var callErr error
	if !o.Succeeded() {
		callErr = errors.New(o.Summary())
	}
	end(o, callErr)
	return o
}

// cacheable reports whether an outcome is a property of the code rather
// than of the environment it ran in.
func cacheable(o *sandbox.Outcome) bool {
	return o.Kind == sandbox.OutcomeSuccess || o.Kind == sandbox.OutcomeRuntimeError
}

func (e *Engine) cached(ctx context.Context, key string) (*sandbox.Outcome, bool) {
	if e.cache == nil || e.opts.NoCache {
		return nil, false
	}
	rec, err := e.cache.GetRun(ctx, key)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			logging.ValidationWarn("Run cache read failed: %v", err)
		}
		return nil, false
	}
	var o sandbox.Outcome
	if err := json.Unmarshal(rec.Result, &o); err != nil {
		logging.ValidationWarn("Ignoring corrupt cached run %s: %v", key, err)
		return nil, false
	}
	logging.ValidationDebug("Run cache hit %s", key[:12])
	return &o, true
}

func (e *Engine) store(ctx context.Context, key string, res *TestResult) {
	if e.cache == nil || e.opts.NoCache {
		return
	}
	data, err := json.Marshal(res.Outcome)
	if err != nil {
		logging.ValidationWarn("Run not cached: %v", err)
		return
	}
	rec := &store.RunRecord{Key: key, Tool: res.Tool, TestCase: res.TestCase, Pass: res.Pass, Result: data}
	if err := e.cache.PutRun(ctx, rec); err != nil {
		logging.ValidationWarn("Run not cached: %v", err)
	}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

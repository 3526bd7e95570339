// Package synthesis produces adapter code for a task contract by driving the
// oracle through a generate, execute, diagnose and repair loop. Every
// execution happens through the sandbox boundary of an environment restored
// from the installed snapshot, so the code is judged only by what it does.
package synthesis

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"toolforge/internal/config"
	"toolforge/internal/sandbox"
	"toolforge/internal/validation"
)

// ErrSynthesisFailed is the sentinel every SynthesisFailed unwraps to.
var ErrSynthesisFailed = errors.New("synthesis failed")

// State is a step of the synthesis state machine.
type State int

const (
	StatePlan State = iota
	StateGenerate
	StateExecute
	StateDiagnose
	StateRepair
	StateSucceeded
	StateExhausted
)

// String returns the state name used in logs and trajectories.
func (s State) String() string {
	switch s {
	case StatePlan:
		return "plan"
	case StateGenerate:
		return "generate"
	case StateExecute:
		return "execute"
	case StateDiagnose:
		return "diagnose"
	case StateRepair:
		return "repair"
	case StateSucceeded:
		return "succeeded"
	case StateExhausted:
		return "exhausted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether the machine stops in s.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateExhausted
}

// DiagnosticAssessment marks an attempt whose code ran but returned the
// wrong value for a sample drawn from a test case.
const DiagnosticAssessment = "AssessmentFailure"

// Attempt is one version of the code and what executing it produced.
type Attempt struct {
	Index int    `json:"index"`
	Code  string `json:"code"`
	// Sample is the input that failed, or the last input run on success.
	Sample  string           `json:"sample"`
	Outcome *sandbox.Outcome `json:"outcome"`
	// Assessment is set when the self-check against a test case failed.
	Assessment *validation.Comparison `json:"assessment,omitempty"`
	// DiagnosticKind is the outcome's error kind, or AssessmentFailure.
	DiagnosticKind string `json:"diagnostic_kind,omitempty"`
	Diagnostic     string `json:"diagnostic,omitempty"`
	Summary        string `json:"summary"`
}

// Failed reports whether the attempt needs a repair.
func (a *Attempt) Failed() bool {
	return !a.Outcome.Succeeded() || a.Assessment != nil
}

// SynthesisFailed is returned when K_synthesis attempts all failed.
type SynthesisFailed struct {
	Tool     string
	Attempts []Attempt
}

func (e *SynthesisFailed) Error() string {
	return fmt.Sprintf("synthesis of %s failed after %d attempts: %s", e.Tool, len(e.Attempts), e.LastDiagnostic())
}

func (e *SynthesisFailed) Unwrap() error {
	return ErrSynthesisFailed
}

// Count returns the number of attempts made.
func (e *SynthesisFailed) Count() int {
	return len(e.Attempts)
}

// LastDiagnostic returns the first line of the final diagnostic.
func (e *SynthesisFailed) LastDiagnostic() string {
	if len(e.Attempts) == 0 {
		return "no attempts"
	}
	last := e.Attempts[len(e.Attempts)-1]
	d := strings.TrimSpace(last.Diagnostic)
	if i := strings.IndexByte(d, '\n'); i >= 0 {
		d = d[:i]
	}
	if d == "" {
		return last.Summary
	}
	return d
}

// Options configures a Loop.
type Options struct {
	// Budget is K_synthesis.
	Budget int
	// SampleInputs is how many inputs each Execute step runs.
	SampleInputs  int
	MaxTraceChars int
	// Language is used when the contract names none.
	Language      string
	InvokeTimeout time.Duration
	// Plan asks for a step plan before the first generation. The plan call
	// does not count against Budget.
	Plan bool
	// AllowIncompatible skips the repository check between the contract and
	// the installed environment.
	AllowIncompatible bool
}

// OptionsFrom extracts loop options from cfg.
func OptionsFrom(cfg *config.Config) Options {
	return Options{
		Budget:        cfg.Synthesis.Budget,
		SampleInputs:  cfg.Synthesis.SampleInputs,
		MaxTraceChars: cfg.Synthesis.MaxTraceChars,
		Language:      cfg.Synthesis.Language,
		Plan:          cfg.Synthesis.Plan,
		InvokeTimeout: cfg.GetInvokeTimeout() + time.Minute,
	}
}

func (o Options) withDefaults() Options {
	if o.Budget <= 0 {
		o.Budget = 10
	}
	if o.SampleInputs <= 0 {
		o.SampleInputs = 1
	}
	if o.MaxTraceChars <= 0 {
		o.MaxTraceChars = 15000
	}
	if o.Language == "" {
		o.Language = sandbox.LanguageStarlark
	}
	return o
}

package sandbox

import (
	"fmt"
	"time"
)

// OutcomeKind classifies the result of one invocation.
type OutcomeKind string

const (
	OutcomeSuccess          OutcomeKind = "Success"
	OutcomeRuntimeError     OutcomeKind = "RuntimeError"
	OutcomeTimeout          OutcomeKind = "Timeout"
	OutcomeEnvironmentError OutcomeKind = "EnvironmentError"
)

// Outcome is the structured result of invoking generated code through the
// boundary. Exactly one of Result or ResultPath is meaningful on success.
type Outcome struct {
	Kind       OutcomeKind   `json:"kind"`
	Result     interface{}   `json:"result,omitempty"`
	ResultPath string        `json:"result_path,omitempty"`
	Stdout     string        `json:"stdout,omitempty"`
	Stderr     string        `json:"stderr,omitempty"`
	Duration   time.Duration `json:"duration"`

	// ErrorKind is the exception kind raised by the code, e.g. "TypeError" or
	// "panic". Empty on success.
	ErrorKind string `json:"error_kind,omitempty"`
	Message   string `json:"message,omitempty"`
	Trace     string `json:"trace,omitempty"`
}

// Succeeded reports whether the invocation returned a value.
func (o *Outcome) Succeeded() bool {
	return o != nil && o.Kind == OutcomeSuccess
}

// Recyclable reports whether the environment that produced this outcome
// should be discarded before the next invocation.
func (o *Outcome) Recyclable() bool {
	return o != nil && (o.Kind == OutcomeTimeout || o.Kind == OutcomeEnvironmentError)
}

// Summary is a one-line description used in logs and attempt histories.
func (o *Outcome) Summary() string {
	if o == nil {
		return "no outcome"
	}
	switch o.Kind {
	case OutcomeSuccess:
		return fmt.Sprintf("success in %s", o.Duration.Round(time.Millisecond))
	case OutcomeTimeout:
		return fmt.Sprintf("timeout after %s", o.Duration.Round(time.Millisecond))
	default:
		if o.ErrorKind != "" {
			return fmt.Sprintf("%s: %s: %s", o.Kind, o.ErrorKind, firstLine(o.Message))
		}
		return fmt.Sprintf("%s: %s", o.Kind, firstLine(o.Message))
	}
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}

func environmentError(format string, args ...interface{}) *Outcome {
	return &Outcome{Kind: OutcomeEnvironmentError, Message: fmt.Sprintf(format, args...)}
}

// Package sandbox is the runtime boundary between toolforge and the generated
// code it executes. A Server runs inside an isolated environment and invokes
// one function of a submitted module per request; a Client on the host side
// talks to it and classifies every call into an Outcome.
package sandbox

import (
	"fmt"
	"path/filepath"
)

// ============================================================================
// WIRE CONTRACT
// ============================================================================

// Response statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// ErrorKindTimeout is the error kind the server reports when an invocation
// exceeds its timeout.
const ErrorKindTimeout = "Timeout"

// ErrorKindBadRequest is reported with HTTP 400 when the request itself is
// unusable, e.g. an empty module.
const ErrorKindBadRequest = "BadRequest"

// PathKey marks an argument that refers to a file under the input mount:
// {"$path": "images/a.png"}.
const PathKey = "$path"

// Module is a unit of generated source.
type Module struct {
	Name     string `json:"name"`
	Language string `json:"language"`
	Source   string `json:"source"`
}

// Request is the body of POST /invoke.
type Request struct {
	Module       Module                 `json:"module"`
	FunctionName string                 `json:"function_name"`
	Arguments    map[string]interface{} `json:"arguments"`
}

// ErrorInfo describes an error raised by an invocation.
type ErrorInfo struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Trace   string `json:"trace,omitempty"`
}

// Response is the body returned by POST /invoke.
type Response struct {
	Status       string      `json:"status"`
	InvocationID string      `json:"invocation_id,omitempty"`
	Result       interface{} `json:"result,omitempty"`
	// ResultPath is set instead of Result when the result was too large to
	// return inline. It is relative to the output mount.
	ResultPath string     `json:"result_path,omitempty"`
	Stdout     string     `json:"stdout,omitempty"`
	Stderr     string     `json:"stderr,omitempty"`
	DurationMs int64      `json:"duration_ms"`
	Error      *ErrorInfo `json:"error,omitempty"`
}

// AliveResponse is the body returned by GET /alive.
type AliveResponse struct {
	Status string `json:"status"`
}

// Validate checks a request is well formed before it is dispatched.
func (r *Request) Validate() error {
	if r.FunctionName == "" {
		return fmt.Errorf("function_name is required")
	}
	if r.Module.Source == "" {
		return fmt.Errorf("module source is empty")
	}
	if r.Module.Language == "" {
		return fmt.Errorf("module language is required")
	}
	return nil
}

// ResolvePaths replaces {"$path": rel} arguments with absolute paths under
// root. Paths that escape root are rejected.
func ResolvePaths(args map[string]interface{}, root string) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(args))
	for k, v := range args {
		resolved, err := resolvePath(v, root)
		if err != nil {
			return nil, fmt.Errorf("argument %s: %w", k, err)
		}
		out[k] = resolved
	}
	return out, nil
}

func resolvePath(v interface{}, root string) (interface{}, error) {
	switch t := v.(type) {
	case map[string]interface{}:
		if rel, ok := t[PathKey].(string); ok && len(t) == 1 {
			if rel == "" {
				return nil, fmt.Errorf("empty %s argument", PathKey)
			}
			// Cleaning against "/" first keeps ".." from climbing out of root.
			return filepath.Join(root, filepath.Clean("/"+rel)), nil
		}
		m := make(map[string]interface{}, len(t))
		for k, val := range t {
			r, err := resolvePath(val, root)
			if err != nil {
				return nil, err
			}
			m[k] = r
		}
		return m, nil
	case []interface{}:
		s := make([]interface{}, len(t))
		for i, val := range t {
			r, err := resolvePath(val, root)
			if err != nil {
				return nil, err
			}
			s[i] = r
		}
		return s, nil
	default:
		return v, nil
	}
}

package synthesis

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"toolforge/internal/oracle"
	"toolforge/internal/sandbox"
)

// diagnose fills the diagnostic fields of a failed attempt. The diagnostic
// is what the next repair sees, so it carries everything about this failure
// and nothing about earlier ones.
func diagnose(a *Attempt, maxChars int) {
	o := a.Outcome
	var b strings.Builder

	switch {
	case a.Assessment != nil:
		a.DiagnosticKind = DiagnosticAssessment
		fmt.Fprintf(&b, "The function returned a value for input %q, but it is not the expected output.\n", a.Sample)
		fmt.Fprintf(&b, "Expected: %s\nActual: %s\n", compact(a.Assessment.Expected), compact(a.Assessment.Actual))
		if a.Assessment.Diff != "" {
			fmt.Fprintf(&b, "Difference (-expected +actual):\n%s\n", oracle.Truncate(a.Assessment.Diff, maxChars))
		}
		a.Summary = fmt.Sprintf("attempt %d: %s on %s", a.Index, DiagnosticAssessment, a.Sample)
	case o == nil:
		a.DiagnosticKind = string(sandbox.OutcomeEnvironmentError)
		b.WriteString("The code was never run.\n")
		a.Summary = fmt.Sprintf("attempt %d: not run", a.Index)
	default:
		a.DiagnosticKind = o.ErrorKind
		if a.DiagnosticKind == "" {
			a.DiagnosticKind = string(o.Kind)
		}
		switch o.Kind {
		case sandbox.OutcomeTimeout:
			fmt.Fprintf(&b, "Calling the function with input %q timed out after %s. Make it faster or check for an endless loop.\n",
				a.Sample, o.Duration.Round(time.Millisecond))
		case sandbox.OutcomeEnvironmentError:
			fmt.Fprintf(&b, "The environment failed while running input %q: %s\nThe environment has been restarted from the installed snapshot.\n",
				a.Sample, o.Message)
		default:
			fmt.Fprintf(&b, "Calling the function with input %q raised %s: %s\n", a.Sample, a.DiagnosticKind, o.Message)
			if o.Trace != "" {
				fmt.Fprintf(&b, "Traceback:\n%s\n", oracle.Truncate(o.Trace, maxChars))
			}
		}
		a.Summary = fmt.Sprintf("attempt %d: %s", a.Index, o.Summary())
	}

	if o != nil {
		if s := strings.TrimSpace(o.Stdout); s != "" {
			fmt.Fprintf(&b, "Stdout:\n%s\n", oracle.Truncate(s, maxChars))
		}
		if s := strings.TrimSpace(o.Stderr); s != "" {
			fmt.Fprintf(&b, "Stderr:\n%s\n", oracle.Truncate(s, maxChars))
		}
	}
	a.Diagnostic = strings.TrimRight(b.String(), "\n")
}

func compact(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}

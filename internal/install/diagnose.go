package install

import (
	"fmt"
	"strings"

	"toolforge/internal/tactile"
)

// tailLines returns the last n lines of s.
func tailLines(s string, n int) string {
	s = strings.TrimRight(s, "\n")
	if n <= 0 || s == "" {
		return s
	}
	lines := strings.Split(s, "\n")
	if len(lines) <= n {
		return s
	}
	return strings.Join(lines[len(lines)-n:], "\n")
}

// failingCommand returns the command of the last bash -x trace line, which
// under -e is the one that failed. Nested traces use repeated '+'.
func failingCommand(output string) string {
	lines := strings.Split(output, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimRight(lines[i], "\r")
		trimmed := strings.TrimLeft(line, "+")
		if len(trimmed) < len(line) && strings.HasPrefix(trimmed, " ") {
			return strings.TrimSpace(trimmed)
		}
	}
	return ""
}

// describeFailure fills the diagnostic fields of a failed attempt from the
// command result.
func describeFailure(a *Attempt, res *tactile.ExecutionResult, n int) {
	out := res.Output()
	a.ExitCode = res.ExitCode
	a.Tail = tailLines(out, n)
	a.FailingCommand = failingCommand(out)

	var b strings.Builder
	switch {
	case res.Killed:
		fmt.Fprintf(&b, "The script was killed (%s).\n", res.KillReason)
	case res.Error != "":
		fmt.Fprintf(&b, "The script could not run: %s\n", res.Error)
	default:
		fmt.Fprintf(&b, "The script exited with code %d.\n", res.ExitCode)
	}
	if a.FailingCommand != "" {
		fmt.Fprintf(&b, "Failing command: %s\n", a.FailingCommand)
	}
	if res.Truncated {
		fmt.Fprintf(&b, "Output was truncated by %d bytes.\n", res.TruncatedBytes)
	}
	if a.Tail != "" {
		fmt.Fprintf(&b, "Last %d lines of output:\n%s", n, a.Tail)
	}
	a.Diagnostic = strings.TrimRight(b.String(), "\n")

	switch {
	case a.FailingCommand != "":
		a.Summary = fmt.Sprintf("attempt %d: %s at `%s`", a.Index, exitSummary(a, res), a.FailingCommand)
	default:
		a.Summary = fmt.Sprintf("attempt %d: %s", a.Index, exitSummary(a, res))
	}
}

func exitSummary(a *Attempt, res *tactile.ExecutionResult) string {
	if res.Killed {
		return "killed (" + res.KillReason + ")"
	}
	return fmt.Sprintf("exit code %d", a.ExitCode)
}

package oracle

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// ExtractCode strips Markdown fences from oracle output. When the whole
// answer is fenced the fence is removed; when prose surrounds a fenced
// block, the first block is returned.
func ExtractCode(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") && strings.HasSuffix(text, "```") && len(text) >= 6 {
		body := strings.TrimSuffix(text[3:], "```")
		// Drop the info string (```python, ```go).
		if nl := strings.IndexByte(body, '\n'); nl >= 0 {
			if info := strings.TrimSpace(body[:nl]); !strings.ContainsAny(info, " \t(") {
				body = body[nl+1:]
			}
		}
		return strings.TrimSpace(body)
	}

	open := strings.Index(text, "```")
	if open < 0 {
		return text
	}
	rest := text[open+3:]
	nl := strings.IndexByte(rest, '\n')
	if nl < 0 {
		return text
	}
	rest = rest[nl+1:]
	end := strings.Index(rest, "```")
	if end < 0 {
		return strings.TrimSpace(rest)
	}
	return strings.TrimSpace(rest[:end])
}

// ErrNoCode is wrapped by the failure RequireCode returns.
var ErrNoCode = errors.New("answer contains no code")

// RequireCode is ExtractCode for callers that cannot use an empty answer.
// An answer with nothing left after extraction is an Unusable
// GenerationFailure.
func RequireCode(text string) (string, error) {
	code := ExtractCode(text)
	if code == "" {
		return "", &GenerationFailure{Reason: Unusable, Err: ErrNoCode}
	}
	return code, nil
}

// ErrNoPlan is wrapped by the failure RequirePlan returns.
var ErrNoPlan = errors.New("answer contains no plan")

// RequirePlan trims a plan answer. A whole-answer fence is removed; prose is
// kept as written. A blank answer is an Unusable GenerationFailure.
func RequirePlan(text string) (string, error) {
	plan := strings.TrimSpace(text)
	if strings.HasPrefix(plan, "```") {
		plan = ExtractCode(plan)
	}
	if plan == "" {
		return "", &GenerationFailure{Reason: Unusable, Err: ErrNoPlan}
	}
	return plan, nil
}

// Truncate keeps the head and tail of s when it exceeds max bytes, with a
// marker in place of the omitted middle.
func Truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	head := runeBoundary(s, max/2)
	tail := len(s) - max/2
	for tail < len(s) && !utf8.RuneStart(s[tail]) {
		tail++
	}
	return fmt.Sprintf("%s\n... [%d characters truncated] ...\n%s", s[:head], tail-head, s[tail:])
}

func runeBoundary(s string, i int) int {
	for i > 0 && !utf8.RuneStart(s[i]) {
		i--
	}
	return i
}

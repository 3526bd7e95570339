package validation

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"toolforge/internal/contract"
	"toolforge/internal/sandbox"
)

// DefaultTolerance is the relative tolerance used when a tolerance test case
// sets neither tolerance nor margin.
const DefaultTolerance = 1e-6

// Comparison is the verdict of one output against a test case.
type Comparison struct {
	Pass     bool        `json:"pass"`
	Actual   interface{} `json:"actual"`
	Expected interface{} `json:"expected"`
	// Diff is a go-cmp diff (-expected +actual), or the failure reason when
	// there was nothing to compare.
	Diff string `json:"diff,omitempty"`
}

// Compare checks an invocation outcome against tc. Any outcome other than
// Success fails. A result written to a file is read from its path.
func Compare(tc *contract.TestCase, o *sandbox.Outcome) (*Comparison, error) {
	expected, err := contract.Canonical(tc.Expected)
	if err != nil {
		return nil, fmt.Errorf("test case %s: expected value: %w", tc.Name, err)
	}
	c := &Comparison{Expected: expected}

	if !o.Succeeded() {
		c.Diff = o.Summary()
		return c, nil
	}

	raw, err := ResultValue(o)
	if err != nil {
		c.Diff = err.Error()
		return c, nil
	}
	actual, err := contract.Canonical(raw)
	if err != nil {
		c.Diff = fmt.Sprintf("result is not JSON encodable: %v", err)
		return c, nil
	}
	c.Actual = actual

	policy := tc.Policy
	if policy == "" {
		policy = contract.PolicyExact
	}
	var opts []cmp.Option
	want, got := expected, actual
	switch policy {
	case contract.PolicyExact:
	case contract.PolicyTolerance:
		if tc.Tolerance < 0 || tc.Margin < 0 {
			return nil, fmt.Errorf("test case %s: tolerance and margin must not be negative", tc.Name)
		}
		fraction, margin := tc.Tolerance, tc.Margin
		if fraction == 0 && margin == 0 {
			fraction = DefaultTolerance
		}
		opts = append(opts, cmpopts.EquateApprox(fraction, margin))
	case contract.PolicyStructural:
		want, got = shape(expected), shape(actual)
	default:
		return nil, fmt.Errorf("test case %s: unknown policy %q", tc.Name, policy)
	}

	if cmp.Equal(want, got, opts...) {
		c.Pass = true
		return c, nil
	}
	c.Diff = cmp.Diff(want, got, opts...)
	return c, nil
}

// ResultValue returns the result of a successful outcome, reading and
// decoding the result file when the boundary wrote one.
func ResultValue(o *sandbox.Outcome) (interface{}, error) {
	if o.ResultPath == "" || o.Result != nil {
		return o.Result, nil
	}
	data, err := os.ReadFile(o.ResultPath)
	if err != nil {
		return nil, fmt.Errorf("result file %s is missing: %w", o.ResultPath, err)
	}
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("result file %s is not JSON: %w", o.ResultPath, err)
	}
	return v, nil
}

// shape reduces a canonical value to its keys, lengths and JSON kinds.
func shape(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		m := make(map[string]interface{}, len(t))
		for k, x := range t {
			m[k] = shape(x)
		}
		return m
	case []interface{}:
		s := make([]interface{}, len(t))
		for i, x := range t {
			s[i] = shape(x)
		}
		return s
	case float64:
		return "number"
	case string:
		return "string"
	case bool:
		return "bool"
	case nil:
		return "null"
	default:
		return fmt.Sprintf("%T", v)
	}
}

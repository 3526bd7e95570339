// Package contract defines the task contract a synthesized tool must satisfy:
// the function signature, the repository it adapts, and the test cases it is
// validated against.
package contract

import (
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"strings"
)

// Policy is how a test case compares actual and expected output.
type Policy string

const (
	PolicyExact      Policy = "exact"
	PolicyTolerance  Policy = "tolerance"
	PolicyStructural Policy = "structural"
)

// Parameter is one typed function parameter.
type Parameter struct {
	Name        string      `yaml:"name" json:"name"`
	Type        string      `yaml:"type" json:"type"`
	Description string      `yaml:"description" json:"description,omitempty"`
	Example     interface{} `yaml:"example" json:"example,omitempty"`
}

// Repository references the code repository the tool adapts.
type Repository struct {
	URL  string `yaml:"url" json:"url"`
	Ref  string `yaml:"ref" json:"ref,omitempty"`
	Name string `yaml:"name" json:"name,omitempty"`
}

// FriendlyName returns a filesystem and image-tag safe name for the repository.
func (r Repository) FriendlyName() string {
	name := r.Name
	if name == "" {
		name = strings.TrimSuffix(r.URL, ".git")
		name = strings.TrimPrefix(name, "https://")
		name = strings.TrimPrefix(name, "http://")
		name = strings.TrimPrefix(name, "github.com/")
	}
	name = strings.ReplaceAll(name, "/", "__")
	name = strings.ToLower(name)
	return unsafeTagChars.ReplaceAllString(name, "-")
}

var unsafeTagChars = regexp.MustCompile(`[^a-z0-9_.-]`)

// TestCase is a named input with an expected output.
type TestCase struct {
	Name      string                 `yaml:"name" json:"name"`
	Arguments map[string]interface{} `yaml:"arguments" json:"arguments"`
	Expected  interface{}            `yaml:"expected" json:"expected"`
	Policy    Policy                 `yaml:"policy" json:"policy"`
	// Tolerance is the relative difference allowed by PolicyTolerance.
	Tolerance float64 `yaml:"tolerance" json:"tolerance,omitempty"`
	// Margin is the absolute difference allowed by PolicyTolerance.
	Margin float64 `yaml:"margin" json:"margin,omitempty"`
}

// TaskContract declares the function a synthesized tool must implement.
type TaskContract struct {
	Name        string      `yaml:"name" json:"name"`
	Description string      `yaml:"description" json:"description"`
	Parameters  []Parameter `yaml:"parameters" json:"parameters"`
	ReturnType  string      `yaml:"return_type" json:"return_type"`
	Repository  Repository  `yaml:"repository" json:"repository"`
	// Language selects the executable unit the adapter is written for.
	Language  string     `yaml:"language" json:"language,omitempty"`
	TestCases []TestCase `yaml:"test_cases" json:"test_cases,omitempty"`
}

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Validate checks the contract is complete enough to synthesize against.
func (c *TaskContract) Validate() error {
	if !identifier.MatchString(c.Name) {
		return fmt.Errorf("invalid function name %q", c.Name)
	}
	if c.Repository.URL == "" && c.Repository.Name == "" {
		return fmt.Errorf("task %s: repository reference is required", c.Name)
	}
	seen := make(map[string]bool, len(c.Parameters))
	for _, p := range c.Parameters {
		if !identifier.MatchString(p.Name) {
			return fmt.Errorf("task %s: invalid parameter name %q", c.Name, p.Name)
		}
		if seen[p.Name] {
			return fmt.Errorf("task %s: duplicate parameter %q", c.Name, p.Name)
		}
		seen[p.Name] = true
	}
	names := make(map[string]bool, len(c.TestCases))
	for i := range c.TestCases {
		tc := &c.TestCases[i]
		if tc.Name == "" {
			return fmt.Errorf("task %s: test case %d has no name", c.Name, i)
		}
		if names[tc.Name] {
			return fmt.Errorf("task %s: duplicate test case %q", c.Name, tc.Name)
		}
		names[tc.Name] = true
		switch tc.Policy {
		case "":
			tc.Policy = PolicyExact
		case PolicyExact, PolicyTolerance, PolicyStructural:
		default:
			return fmt.Errorf("task %s: test case %s: unknown policy %q", c.Name, tc.Name, tc.Policy)
		}
		for arg := range tc.Arguments {
			if !seen[arg] {
				return fmt.Errorf("task %s: test case %s: unknown argument %q", c.Name, tc.Name, arg)
			}
		}
	}
	return nil
}

// Signature renders the contract as name(a: T, ...) -> R.
func (c *TaskContract) Signature() string {
	parts := make([]string, len(c.Parameters))
	for i, p := range c.Parameters {
		parts[i] = fmt.Sprintf("%s: %s", p.Name, p.Type)
	}
	ret := c.ReturnType
	if ret == "" {
		ret = "any"
	}
	return fmt.Sprintf("%s(%s) -> %s", c.Name, strings.Join(parts, ", "), ret)
}

// TestCase returns the named test case.
func (c *TaskContract) TestCase(name string) (*TestCase, bool) {
	for i := range c.TestCases {
		if c.TestCases[i].Name == name {
			return &c.TestCases[i], true
		}
	}
	return nil, false
}

// Sample is one input used while synthesizing. TestCase is set when the
// sample was drawn from a test case, so its output can be self-checked.
type Sample struct {
	Name      string
	Arguments map[string]interface{}
	TestCase  *TestCase
}

// ExampleArguments builds arguments from the parameter examples. ok is false
// when any parameter lacks an example.
func (c *TaskContract) ExampleArguments() (args map[string]interface{}, ok bool) {
	if len(c.Parameters) == 0 {
		return map[string]interface{}{}, true
	}
	args = make(map[string]interface{}, len(c.Parameters))
	for _, p := range c.Parameters {
		if p.Example == nil {
			return nil, false
		}
		args[p.Name] = p.Example
	}
	return args, true
}

// Samples returns up to n inputs for the Execute step: the parameter examples
// first, then test cases in declaration order.
func (c *TaskContract) Samples(n int) []Sample {
	if n < 1 {
		n = 1
	}
	var samples []Sample
	used := make(map[string]bool)
	if args, ok := c.ExampleArguments(); ok && len(c.Parameters) > 0 {
		s := Sample{Name: "examples", Arguments: args}
		// An example that matches a test case can be self-checked against it.
		if tc := c.matchingTestCase(args); tc != nil {
			s.TestCase = tc
			used[tc.Name] = true
		}
		samples = append(samples, s)
	}
	for i := range c.TestCases {
		if len(samples) >= n {
			break
		}
		tc := &c.TestCases[i]
		if used[tc.Name] {
			continue
		}
		samples = append(samples, Sample{Name: tc.Name, Arguments: tc.Arguments, TestCase: tc})
	}
	if len(samples) == 0 {
		samples = append(samples, Sample{Name: "empty", Arguments: map[string]interface{}{}})
	}
	if len(samples) > n {
		samples = samples[:n]
	}
	return samples
}

func (c *TaskContract) matchingTestCase(args map[string]interface{}) *TestCase {
	want, err := Canonical(args)
	if err != nil {
		return nil
	}
	for i := range c.TestCases {
		got, err := Canonical(c.TestCases[i].Arguments)
		if err == nil && reflect.DeepEqual(want, got) {
			return &c.TestCases[i]
		}
	}
	return nil
}

// Canonical converts v to the shape it has after a JSON round trip
// (float64 numbers, map[string]interface{}, []interface{}) so values from
// YAML and values from the wire compare equal.
func Canonical(v interface{}) (interface{}, error) {
	data, err := json.Marshal(normalizeYAML(v))
	if err != nil {
		return nil, fmt.Errorf("value is not JSON encodable: %w", err)
	}
	var out interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// normalizeYAML rewrites map[interface{}]interface{} nodes, which
// encoding/json refuses, into string-keyed maps.
func normalizeYAML(v interface{}) interface{} {
	switch t := v.(type) {
	case map[interface{}]interface{}:
		m := make(map[string]interface{}, len(t))
		for k, val := range t {
			m[fmt.Sprint(k)] = normalizeYAML(val)
		}
		return m
	case map[string]interface{}:
		m := make(map[string]interface{}, len(t))
		for k, val := range t {
			m[k] = normalizeYAML(val)
		}
		return m
	case []interface{}:
		s := make([]interface{}, len(t))
		for i, val := range t {
			s[i] = normalizeYAML(val)
		}
		return s
	default:
		return v
	}
}

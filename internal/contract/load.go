package contract

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// DefaultEnvAllowlist names the variables ${env:VAR} may reference when the
// caller does not supply its own list.
var DefaultEnvAllowlist = []string{"HF_TOKEN"}

var envRef = regexp.MustCompile(`\$\{env:([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads a task contract from a YAML file, expands ${env:VAR}
// references in examples and test arguments, and validates it.
func Load(path string, envAllow []string) (*TaskContract, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read task %s: %w", path, err)
	}
	return Parse(data, envAllow)
}

// Parse decodes a task contract from YAML bytes.
func Parse(data []byte, envAllow []string) (*TaskContract, error) {
	var c TaskContract
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse task: %w", err)
	}
	if envAllow == nil {
		envAllow = DefaultEnvAllowlist
	}
	allow := make(map[string]bool, len(envAllow))
	for _, name := range envAllow {
		allow[name] = true
	}

	for i := range c.Parameters {
		v, err := SubstituteEnv(c.Parameters[i].Example, allow)
		if err != nil {
			return nil, fmt.Errorf("parameter %s: %w", c.Parameters[i].Name, err)
		}
		c.Parameters[i].Example = v
	}
	for i := range c.TestCases {
		v, err := SubstituteEnv(c.TestCases[i].Arguments, allow)
		if err != nil {
			return nil, fmt.Errorf("test case %s: %w", c.TestCases[i].Name, err)
		}
		if m, ok := v.(map[string]interface{}); ok {
			c.TestCases[i].Arguments = m
		}
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// SubstituteEnv walks v and replaces ${env:VAR} in every string with the
// value of VAR. Variables outside allow, or unset, are an error.
func SubstituteEnv(v interface{}, allow map[string]bool) (interface{}, error) {
	switch t := v.(type) {
	case string:
		var firstErr error
		out := envRef.ReplaceAllStringFunc(t, func(ref string) string {
			name := envRef.FindStringSubmatch(ref)[1]
			if !allow[name] {
				if firstErr == nil {
					firstErr = fmt.Errorf("environment variable %s is not in the allowlist", name)
				}
				return ref
			}
			val, ok := os.LookupEnv(name)
			if !ok {
				if firstErr == nil {
					firstErr = fmt.Errorf("environment variable %s is not set", name)
				}
				return ref
			}
			return val
		})
		return out, firstErr
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			sub, err := SubstituteEnv(val, allow)
			if err != nil {
				return nil, err
			}
			out[k] = sub
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			sub, err := SubstituteEnv(val, allow)
			if err != nil {
				return nil, err
			}
			out[i] = sub
		}
		return out, nil
	default:
		return v, nil
	}
}

package session

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"toolforge/internal/config"
	"toolforge/internal/contract"
	"toolforge/internal/environment/envtest"
	"toolforge/internal/oracle"
	"toolforge/internal/store"
	"toolforge/internal/synthesis"
	"toolforge/internal/validation"
)

// mockOracle answers install prompts with a script, plan prompts with a
// fixed step list and code prompts with the entry of Code for the function
// being asked about.
type mockOracle struct {
	Code map[string]string

	mu       sync.Mutex
	installs int
	plans    int
	codes    int
}

func (m *mockOracle) Generate(ctx context.Context, p oracle.Prompt) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if strings.Contains(p.User, "Write a bash script") {
		m.installs++
		return "```bash\ngit clone https://github.com/example/calculator\n```", nil
	}
	if strings.HasPrefix(p.User, "Plan the implementation") {
		m.plans++
		return "1. Call the calculator with both arguments.", nil
	}
	m.codes++
	for name, code := range m.Code {
		if strings.Contains(p.User, "`"+name+"`") {
			return code, nil
		}
	}
	return "def unknown():\n    pass\n", nil
}

func (m *mockOracle) counts() (installs, codes int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.installs, m.codes
}

func (m *mockOracle) planCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.plans
}

func newOracle() *mockOracle {
	return &mockOracle{Code: map[string]string{
		"add":    "def add(a, b):\n    return a + b\n",
		"mul":    "def mul(a, b):\n    return a * b\n",
		"broken": "def broken(a, b):\n    fail(\"always\")\n",
	}}
}

func calculatorTask(name string, expected int) Task {
	return Task{Contract: &contract.TaskContract{
		Name: name,
		Parameters: []contract.Parameter{
			{Name: "a", Type: "int", Example: 2},
			{Name: "b", Type: "int", Example: 3},
		},
		ReturnType: "int",
		Repository: contract.Repository{URL: "https://github.com/example/calculator"},
		TestCases: []contract.TestCase{
			{Name: "sample", Arguments: map[string]interface{}{"a": 2, "b": 3}, Expected: expected, Policy: contract.PolicyExact},
		},
	}}
}

func newStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), config.StoreConfig{Root: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newProvider(t *testing.T) *envtest.Provider {
	t.Helper()
	p := envtest.New()
	t.Cleanup(p.Close)
	return p
}

func testOptions() Options {
	return Options{
		Concurrency: 2,
		Synthesis:   synthesis.Options{Budget: 3},
		Validation:  validation.Options{},
	}
}

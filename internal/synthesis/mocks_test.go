package synthesis

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"toolforge/internal/contract"
	"toolforge/internal/environment/envtest"
	"toolforge/internal/install"
	"toolforge/internal/oracle"
)

// mockOracle records prompts and answers through GenerateFunc.
type mockOracle struct {
	GenerateFunc func(ctx context.Context, p oracle.Prompt) (string, error)

	mu      sync.Mutex
	prompts []oracle.Prompt
}

func (m *mockOracle) Generate(ctx context.Context, p oracle.Prompt) (string, error) {
	m.mu.Lock()
	m.prompts = append(m.prompts, p)
	m.mu.Unlock()
	return m.GenerateFunc(ctx, p)
}

func (m *mockOracle) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.prompts)
}

func (m *mockOracle) prompt(i int) oracle.Prompt {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.prompts[i]
}

// scripted answers with each code in turn, repeating the last one.
func scripted(codes ...string) *mockOracle {
	m := &mockOracle{}
	m.GenerateFunc = func(ctx context.Context, p oracle.Prompt) (string, error) {
		n := m.calls() - 1
		if n >= len(codes) {
			n = len(codes) - 1
		}
		return "```python\n" + codes[n] + "```", nil
	}
	return m
}

const (
	failingCode = "def add(a, b):\n    fail(\"boom\")\n"
	wrongCode   = "def add(a, b):\n    return a - b\n"
	correctCode = "def add(a, b):\n    print(\"adding\", a, b)\n    return a + b\n"
	endlessCode = "def add(a, b):\n    while True:\n        pass\n"
)

func testContract() *contract.TaskContract {
	return &contract.TaskContract{
		Name:        "add",
		Description: "Add two integers with the calculator library.",
		Parameters: []contract.Parameter{
			{Name: "a", Type: "int", Example: 2},
			{Name: "b", Type: "int", Example: 3},
		},
		ReturnType: "int",
		Repository: contract.Repository{URL: "https://github.com/example/calculator"},
		TestCases: []contract.TestCase{
			{Name: "simple", Arguments: map[string]interface{}{"a": 2, "b": 3}, Expected: 5, Policy: contract.PolicyExact},
		},
	}
}

// installed returns a fake provider holding the snapshot of an installed
// calculator repository.
func installed(t *testing.T) (*envtest.Provider, *install.InstalledEnvironment) {
	t.Helper()
	p := envtest.New()
	t.Cleanup(p.Close)
	ctx := context.Background()
	h, err := p.Allocate(ctx, "toolforge/base:test")
	require.NoError(t, err)
	c := testContract()
	snap, err := p.Snapshot(ctx, h, install.SnapshotName(c.Repository))
	require.NoError(t, err)
	require.NoError(t, p.Destroy(ctx, h))
	return p, &install.InstalledEnvironment{
		ID:         "installed-1",
		Repository: c.Repository,
		Path:       oracle.InstallPath("/workspace", c),
		Snapshot:   *snap,
		Script:     "git clone https://github.com/example/calculator /workspace/example__calculator",
	}
}

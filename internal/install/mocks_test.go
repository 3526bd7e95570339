package install

import (
	"context"
	"sync"

	"toolforge/internal/contract"
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
	if m.GenerateFunc != nil {
		return m.GenerateFunc(ctx, p)
	}
	return "```bash\necho installed\n```", nil
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
	}
}

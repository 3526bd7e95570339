package sandbox

import (
	"context"

	"toolforge/internal/tactile"
)

// mockExecutor implements tactile.Executor for process unit tests.
type mockExecutor struct {
	ExecuteFunc func(ctx context.Context, cmd tactile.Command) (*tactile.ExecutionResult, error)
	calls       []tactile.Command
}

func (m *mockExecutor) Execute(ctx context.Context, cmd tactile.Command) (*tactile.ExecutionResult, error) {
	m.calls = append(m.calls, cmd)
	if m.ExecuteFunc != nil {
		return m.ExecuteFunc(ctx, cmd)
	}
	return &tactile.ExecutionResult{Success: true}, nil
}

func (m *mockExecutor) Capabilities() tactile.ExecutorCapabilities {
	return tactile.ExecutorCapabilities{Name: "mock"}
}

func (m *mockExecutor) Validate(cmd tactile.Command) error {
	return nil
}

package tactile

import (
	"context"

	"toolforge/internal/logging"
)

// Executor runs one command to completion.
type Executor interface {
	Execute(ctx context.Context, cmd Command) (*ExecutionResult, error)
	Capabilities() ExecutorCapabilities
	Validate(cmd Command) error
}

// Auditable is implemented by executors and drivers that report every
// command they run.
type Auditable interface {
	SetAuditCallback(callback func(AuditEvent))
}

// LogAudit writes an audit event to the environment log. Kills and
// infrastructure errors are warnings; everything else is debug output.
func LogAudit(ev AuditEvent) {
	switch ev.Type {
	case AuditEventKilled, AuditEventError:
		reason := ""
		if ev.Result != nil {
			reason = ev.Result.KillReason
			if reason == "" {
				reason = ev.Result.Error
			}
		}
		logging.EnvironmentWarn("[%s] %s %s: %s", ev.ExecutorName, ev.Type, ev.Command.CommandString(), reason)
	default:
		logging.EnvironmentDebug("[%s] %s %s", ev.ExecutorName, ev.Type, ev.Command.CommandString())
	}
}

var (
	_ Auditable = (*DirectExecutor)(nil)
	_ Auditable = (*DockerDriver)(nil)
	_ Executor  = (*DirectExecutor)(nil)
)

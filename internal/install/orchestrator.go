package install

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"toolforge/internal/config"
	"toolforge/internal/contract"
	"toolforge/internal/environment"
	"toolforge/internal/logging"
	"toolforge/internal/oracle"
	"toolforge/internal/sandbox"
	"toolforge/internal/store"
	"toolforge/internal/tactile"
	"toolforge/internal/trajectory"
)

// Registry records installed environments. *store.Store implements it.
type Registry interface {
	LookupInstalled(ctx context.Context, repository string) (*store.InstalledRecord, error)
	SaveInstalled(ctx context.Context, rec *store.InstalledRecord) error
	DeleteInstalled(ctx context.Context, id string) error
}

// Config holds the orchestrator settings.
type Config struct {
	// Budget is K_install.
	Budget         int
	Timeout        time.Duration
	MaxOutputBytes int64
	TailLines      int
	Workdir        string
	BaseImage      string
	// Force reinstalls even when the repository is already installed, and
	// discards the previous snapshot.
	Force bool
}

// ConfigFrom extracts the orchestrator settings from cfg.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		Budget:         cfg.Install.Budget,
		Timeout:        cfg.GetInstallTimeout(),
		MaxOutputBytes: cfg.Install.MaxOutputBytes,
		TailLines:      cfg.Install.TailLines,
		Workdir:        cfg.Install.Workdir,
		BaseImage:      cfg.Environment.BaseImage,
	}
}

// Orchestrator runs the install loop.
type Orchestrator struct {
	provider environment.Provider
	oracle   oracle.Oracle
	registry Registry
	log      *trajectory.Log
	cfg      Config
}

// NewOrchestrator creates an orchestrator. registry and log may be nil.
func NewOrchestrator(provider environment.Provider, o oracle.Oracle, registry Registry, log *trajectory.Log, cfg Config) *Orchestrator {
	if cfg.Budget <= 0 {
		cfg.Budget = 5
	}
	if cfg.TailLines <= 0 {
		cfg.TailLines = 80
	}
	if cfg.Workdir == "" {
		cfg.Workdir = "/workspace"
	}
	return &Orchestrator{provider: provider, oracle: o, registry: registry, log: log, cfg: cfg}
}

// Install returns an installed environment for repo, reusing a recorded one
// unless Force is set. The task contract only informs the install script.
// When every attempt fails the error is an *InstallFailed.
func (o *Orchestrator) Install(ctx context.Context, repo contract.Repository, c *contract.TaskContract) (*InstalledEnvironment, error) {
	timer := logging.StartTimer(logging.CategoryInstall, "Install")
	defer timer.Stop()

	task := *c
	task.Repository = repo
	key := RepositoryKey(repo)

	if o.registry != nil {
		existing, err := o.reuse(ctx, key)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
	}

	end := o.log.Span(trajectory.ActorOrchestrator, "install", map[string]interface{}{
		"repository": key,
		"budget":     o.cfg.Budget,
	})

	var (
		attempts []Attempt
		previous *Attempt
	)
	for i := 1; i <= o.cfg.Budget; i++ {
		if err := ctx.Err(); err != nil {
			end(nil, err)
			return nil, err
		}

		script, err := o.requestScript(ctx, &task, previous, attempts)
		if err != nil {
			err = fmt.Errorf("install attempt %d: %w", i, err)
			end(nil, err)
			return nil, err
		}

		attempt, snap := o.runAttempt(ctx, i, script, &task)
		attempts = append(attempts, attempt)
		if snap == nil {
			logging.InstallWarn("%s: %s", key, attempt.Summary)
			previous = &attempts[len(attempts)-1]
			continue
		}

		env := &InstalledEnvironment{
			ID:          uuid.New().String(),
			Repository:  repo,
			BaseImage:   o.cfg.BaseImage,
			Path:        oracle.InstallPath(o.cfg.Workdir, &task),
			Steps:       attempts,
			Snapshot:    *snap,
			Script:      script,
			Fingerprint: Fingerprint(repo),
			CreatedAt:   time.Now().UTC(),
		}
		if o.registry != nil {
			rec, err := env.Record()
			if err == nil {
				err = o.registry.SaveInstalled(ctx, rec)
			}
			if err != nil {
				err = fmt.Errorf("failed to record installed environment: %w", err)
				end(nil, err)
				return nil, err
			}
		}
		logging.Install("Installed %s in %d attempt(s), snapshot %s", key, i, snap.Ref)
		end(map[string]interface{}{"installed_id": env.ID, "snapshot": snap.Ref, "attempts": i}, nil)
		return env, nil
	}

	failed := &InstallFailed{Repository: key, Attempts: attempts}
	logging.InstallError("%v", failed)
	end(map[string]interface{}{"attempts": len(attempts)}, failed)
	return nil, failed
}

// reuse returns the recorded environment for key, or nil when there is none
// or Force discarded it.
func (o *Orchestrator) reuse(ctx context.Context, key string) (*InstalledEnvironment, error) {
	rec, err := o.registry.LookupInstalled(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up installed environment: %w", err)
	}

	if o.cfg.Force {
		logging.Install("Force reinstall of %s, discarding snapshot %s", key, rec.Snapshot.Ref)
		if err := o.provider.Discard(ctx, rec.Snapshot); err != nil {
			logging.InstallWarn("Failed to discard snapshot %s: %v", rec.Snapshot.Ref, err)
		}
		if err := o.registry.DeleteInstalled(ctx, rec.ID); err != nil {
			return nil, fmt.Errorf("failed to forget installed environment: %w", err)
		}
		o.log.Event(trajectory.ActorOrchestrator, "install_discard", map[string]string{"installed_id": rec.ID, "snapshot": rec.Snapshot.Ref})
		return nil, nil
	}

	env, err := FromRecord(rec)
	if err != nil {
		return nil, err
	}
	env.Reused = true
	logging.Install("Reusing installed environment %s for %s", env.ID, key)
	o.log.Event(trajectory.ActorOrchestrator, "install_reuse", map[string]string{"installed_id": env.ID, "snapshot": env.Snapshot.Ref})
	return env, nil
}

func (o *Orchestrator) requestScript(ctx context.Context, task *contract.TaskContract, previous *Attempt, attempts []Attempt) (string, error) {
	in := oracle.InstallInput{Contract: task, Workdir: o.cfg.Workdir}
	if previous != nil {
		in.PreviousScript = previous.Script
		in.Diagnostic = previous.Diagnostic
		for _, a := range attempts {
			in.History = append(in.History, a.Summary)
		}
	}
	prompt := oracle.InstallPrompt(in)

	action := "install_script"
	if previous != nil {
		action = "install_revision"
	}
	end := o.log.Span(trajectory.ActorOracle, action, prompt.User)
	text, err := o.oracle.Generate(ctx, prompt)
	if err != nil {
		end(nil, err)
		return "", err
	}
	script, err := oracle.RequireCode(text)
	if err != nil {
		end(text, err)
		return "", err
	}
	end(script, nil)
	return script, nil
}

// runAttempt runs script in a fresh environment. It returns the snapshot on
// success. The environment is destroyed either way.
func (o *Orchestrator) runAttempt(ctx context.Context, index int, script string, task *contract.TaskContract) (a Attempt, snap *environment.Snapshot) {
	a = Attempt{Index: index, Script: script}
	start := time.Now()
	end := o.log.Span(trajectory.ActorRuntime, "install_exec", map[string]int{"attempt": index})
	defer func() {
		a.Duration = time.Since(start)
		var err error
		if !a.Succeeded() {
			err = errors.New(a.Summary)
		}
		end(map[string]interface{}{"outcome": a.Outcome, "exit_code": a.ExitCode, "failing_command": a.FailingCommand}, err)
	}()

	h, err := o.provider.Allocate(ctx, o.cfg.BaseImage)
	if err != nil {
		environmentFailure(&a, err)
		return a, nil
	}
	defer func() {
		if err := o.provider.Destroy(context.WithoutCancel(ctx), h); err != nil {
			logging.InstallWarn("Failed to destroy environment %s: %v", h.Name, err)
		}
	}()

	res, err := o.provider.Exec(ctx, h, tactile.Command{
		Binary:    "bash",
		Arguments: []string{"-x", "-e", "-o", "pipefail", "-s"},
		Stdin:     script,
		Limits: &tactile.ResourceLimits{
			TimeoutMs:      o.cfg.Timeout.Milliseconds(),
			MaxOutputBytes: o.cfg.MaxOutputBytes,
		},
	})
	if err != nil {
		environmentFailure(&a, err)
		if res != nil {
			a.Tail = tailLines(res.Output(), o.cfg.TailLines)
		}
		return a, nil
	}

	if !res.Succeeded() {
		a.Outcome = sandbox.OutcomeRuntimeError
		if res.Killed && strings.Contains(res.KillReason, "timeout") {
			a.Outcome = sandbox.OutcomeTimeout
		}
		describeFailure(&a, res, o.cfg.TailLines)
		return a, nil
	}

	snap, err = o.provider.Snapshot(ctx, h, SnapshotName(task.Repository))
	if err != nil {
		environmentFailure(&a, err)
		return a, nil
	}
	a.Outcome = sandbox.OutcomeSuccess
	a.Tail = tailLines(res.Output(), o.cfg.TailLines)
	a.Summary = fmt.Sprintf("attempt %d: success", index)
	return a, snap
}

func environmentFailure(a *Attempt, err error) {
	a.Outcome = sandbox.OutcomeEnvironmentError
	a.Diagnostic = "The environment failed before the script could finish: " + err.Error()
	a.Summary = fmt.Sprintf("attempt %d: environment error: %v", a.Index, err)
}

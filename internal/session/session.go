// Package session runs forge sessions. A session takes one task contract
// through install, synthesis and optional validation with its own
// trajectory log; a Runner runs independent sessions in parallel, bounded by
// the number of environments available.
package session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"toolforge/internal/config"
	"toolforge/internal/contract"
	"toolforge/internal/environment"
	"toolforge/internal/install"
	"toolforge/internal/logging"
	"toolforge/internal/oracle"
	"toolforge/internal/store"
	"toolforge/internal/synthesis"
	"toolforge/internal/trajectory"
	"toolforge/internal/validation"
)

// Task is a contract and where it came from.
type Task struct {
	// Path is the task file, empty for contracts built in memory.
	Path     string
	Contract *contract.TaskContract
}

// Name identifies the task in logs and results.
func (t Task) Name() string {
	if t.Path != "" {
		return filepath.Base(t.Path)
	}
	if t.Contract != nil {
		return t.Contract.Name
	}
	return "unnamed"
}

// LoadTasks reads every path as a task file.
func LoadTasks(paths []string, envAllow []string) ([]Task, error) {
	tasks := make([]Task, 0, len(paths))
	for _, p := range paths {
		c, err := contract.Load(p, envAllow)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, Task{Path: p, Contract: c})
	}
	return tasks, nil
}

// Stage is how far a session got.
type Stage string

const (
	StageInstall   Stage = "install"
	StageSynthesis Stage = "synthesis"
	StageSave      Stage = "save"
	StageValidate  Stage = "validate"
	StageDone      Stage = "done"
)

// Result is what one session produced. Err is set when the session stopped
// before StageDone; Stage says where.
type Result struct {
	Session    string
	Task       string
	Stage      Stage
	Installed  *install.InstalledEnvironment
	Artifact   *store.ToolArtifact
	Validation []*validation.TestResult
	Err        error
	Duration   time.Duration
}

// Options configures a Runner.
type Options struct {
	// Concurrency bounds parallel sessions.
	Concurrency int
	// Validate runs every test case after synthesis.
	Validate bool
	// ForceInstall reinstalls repositories that are already recorded.
	ForceInstall bool
	NoCache      bool
	Install      install.Config
	Synthesis    synthesis.Options
	Validation   validation.Options
}

// OptionsFrom extracts runner options from cfg.
func OptionsFrom(cfg *config.Config) Options {
	return Options{
		Concurrency: cfg.Session.Concurrency,
		Install:     install.ConfigFrom(cfg),
		Synthesis:   synthesis.OptionsFrom(cfg),
		Validation:  validation.OptionsFrom(cfg),
	}
}

// Runner runs sessions against one provider, oracle and store.
type Runner struct {
	provider     environment.Provider
	oracle       oracle.Oracle
	store        *store.Store
	trajectories trajectory.Store
	opts         Options

	// slots bounds live sessions across RunAll and direct Run calls.
	slots chan struct{}

	// Sessions for the same repository install one at a time so the
	// second finds the first one's environment.
	mu        sync.Mutex
	repoLocks map[string]*sync.Mutex
}

// NewRunner creates a runner. trajectories may be nil to skip trajectory
// recording.
func NewRunner(provider environment.Provider, o oracle.Oracle, st *store.Store, trajectories trajectory.Store, opts Options) *Runner {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	return &Runner{
		provider:     provider,
		oracle:       o,
		store:        st,
		trajectories: trajectories,
		opts:         opts,
		slots:        make(chan struct{}, opts.Concurrency),
		repoLocks:    make(map[string]*sync.Mutex),
	}
}

// RunAll runs every task, at most Concurrency at a time. Results are in
// task order. The error joins the failures of every failed session;
// cancelling ctx stops sessions between steps.
func (r *Runner) RunAll(ctx context.Context, tasks []Task) ([]*Result, error) {
	timer := logging.StartTimer(logging.CategorySession, "RunAll")
	defer timer.Stop()

	results := make([]*Result, len(tasks))
	var g errgroup.Group
	g.SetLimit(r.opts.Concurrency)
	for i, t := range tasks {
		g.Go(func() error {
			results[i] = r.Run(ctx, t)
			return nil
		})
	}
	g.Wait()

	var errs []error
	for _, res := range results {
		if res.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", res.Task, res.Err))
		}
	}
	logging.Session("Finished %d sessions, %d failed", len(results), len(errs))
	return results, errors.Join(errs...)
}

// Run takes one task through a full session.
func (r *Runner) Run(ctx context.Context, t Task) *Result {
	start := time.Now()
	res := &Result{Session: uuid.New().String(), Task: t.Name(), Stage: StageInstall}
	log := logging.WithRequestID(logging.CategorySession, res.Session).WithField("task", res.Task)

	if err := ctx.Err(); err != nil {
		res.Err = err
		return res
	}
	select {
	case r.slots <- struct{}{}:
		defer func() { <-r.slots }()
	case <-ctx.Done():
		res.Err = ctx.Err()
		return res
	}
	log.Info("Session started")

	tl, err := r.openLog(res.Session)
	if err != nil {
		res.Err = err
		return res
	}
	defer func() {
		if err := tl.Close(); err != nil {
			logging.SessionWarn("Session %s: %v", res.Session, err)
		}
	}()

	end := tl.Span(trajectory.ActorOrchestrator, "session", map[string]string{"task": res.Task})
	res.Err = r.run(ctx, t, tl, res)
	res.Duration = time.Since(start)
	end(map[string]interface{}{"stage": res.Stage}, res.Err)

	if res.Err != nil {
		log.Warn("Session stopped at %s after %s: %v", res.Stage, res.Duration.Round(time.Millisecond), res.Err)
	} else {
		log.Info("Session finished in %s", res.Duration.Round(time.Millisecond))
	}
	return res
}

func (r *Runner) run(ctx context.Context, t Task, tl *trajectory.Log, res *Result) error {
	if t.Contract == nil {
		return fmt.Errorf("task %s has no contract", res.Task)
	}
	c := t.Contract

	installed, err := r.install(ctx, c, tl)
	if err != nil {
		return err
	}
	res.Installed = installed

	res.Stage = StageSynthesis
	artifact, err := synthesis.NewLoop(r.provider, r.oracle, tl, r.opts.Synthesis).Synthesize(ctx, c, installed)
	if err != nil {
		return err
	}
	res.Artifact = artifact

	res.Stage = StageSave
	if err := r.store.SaveArtifact(ctx, artifact); err != nil {
		return err
	}
	if n, err := r.store.InvalidateRuns(ctx, artifact.Name); err != nil {
		logging.SessionWarn("Failed to invalidate cached runs of %s: %v", artifact.Name, err)
	} else if n > 0 {
		logging.SessionDebug("Invalidated %d cached runs of %s", n, artifact.Name)
	}

	if r.opts.Validate && len(c.TestCases) > 0 {
		res.Stage = StageValidate
		vopts := r.opts.Validation
		vopts.NoCache = vopts.NoCache || r.opts.NoCache
		results, err := validation.NewEngine(r.provider, r.store, tl, vopts).RunAll(ctx, artifact)
		res.Validation = results
		if err != nil {
			return err
		}
	}
	res.Stage = StageDone
	return nil
}

// install returns the installed environment for c, installing at most once
// per repository across concurrent sessions.
func (r *Runner) install(ctx context.Context, c *contract.TaskContract, tl *trajectory.Log) (*install.InstalledEnvironment, error) {
	lock := r.repoLock(install.RepositoryKey(c.Repository))
	lock.Lock()
	defer lock.Unlock()

	cfg := r.opts.Install
	cfg.Force = r.opts.ForceInstall
	env, err := install.NewOrchestrator(r.provider, r.oracle, r.store, tl, cfg).Install(ctx, c.Repository, c)
	if err != nil {
		return nil, err
	}
	return env, nil
}

func (r *Runner) repoLock(key string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.repoLocks[key]
	if !ok {
		l = &sync.Mutex{}
		r.repoLocks[key] = l
	}
	return l
}

func (r *Runner) openLog(session string) (*trajectory.Log, error) {
	if r.trajectories == nil {
		return nil, nil
	}
	return trajectory.Open(session, r.trajectories)
}

// Summary renders results as one line per session.
func Summary(results []*Result) string {
	var b strings.Builder
	for _, res := range results {
		status := "ok"
		if res.Err != nil {
			status = fmt.Sprintf("failed at %s: %v", res.Stage, res.Err)
		} else if res.Artifact != nil {
			status = fmt.Sprintf("ok: %s (%d attempts, digest %s)", res.Artifact.Name, res.Artifact.Attempts, shortDigest(res.Artifact.Digest))
		}
		fmt.Fprintf(&b, "%-8.8s  %s  %s\n", res.Session, res.Task, status)
	}
	return b.String()
}

func shortDigest(d string) string {
	if len(d) > 12 {
		return d[:12]
	}
	return d
}

package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"toolforge/internal/environment"
	"toolforge/internal/oracle"
	"toolforge/internal/session"
	"toolforge/internal/store"
	"toolforge/internal/tactile"
	"toolforge/internal/trajectory"
)

// app holds the long-lived collaborators a command needs.
type app struct {
	store    *store.Store
	provider environment.Provider
	oracle   oracle.Oracle
	backend  *trajectory.Backend

	docker *environment.DockerProvider
}

type need int

const (
	needStore need = 1 << iota
	needProvider
	needOracle
	needTrajectory
)

func openApp(ctx context.Context, n need) (*app, error) {
	a := &app{}
	fail := func(err error) (*app, error) {
		a.Close()
		return nil, err
	}

	if n&needStore != 0 {
		st, err := store.Open(ctx, cfg.Store)
		if err != nil {
			return fail(err)
		}
		a.store = st
	}
	if n&needProvider != 0 {
		driver := tactile.NewDockerDriver()
		if !driver.IsAvailable() {
			return fail(errors.New("docker is not available; environments cannot be allocated"))
		}
		driver.SetAuditCallback(tactile.LogAudit)
		a.docker = environment.NewDockerProvider(driver, environment.DockerConfigFrom(cfg))
		a.provider = a.docker
	}
	if n&needOracle != 0 {
		o, err := oracle.New(cfg)
		if err != nil {
			return fail(err)
		}
		a.oracle = o
	}
	if n&needTrajectory != 0 {
		b, err := trajectory.OpenBackend(cfg)
		if err != nil {
			return fail(err)
		}
		a.backend = b
	}
	return a, nil
}

func (a *app) trajectories() trajectory.Store {
	if a.backend == nil {
		return nil
	}
	return a.backend.Store
}

func (a *app) runner(opts session.Options) *session.Runner {
	return session.NewRunner(a.provider, a.oracle, a.store, a.trajectories(), opts)
}

// Close releases everything opened, destroying environments left behind by
// an interrupted command.
func (a *app) Close() {
	if a.docker != nil {
		a.docker.DestroyAll(context.Background())
	}
	if a.backend != nil {
		if err := a.backend.Close(); err != nil {
			logger.Warn("Failed to close trajectory store", zap.Error(err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			logger.Warn("Failed to close store", zap.Error(err))
		}
	}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

package main

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"toolforge/internal/install"
	"toolforge/internal/session"
	"toolforge/internal/trajectory"
)

var forceInstall bool

var installCmd = &cobra.Command{
	Use:   "install <task.yaml>",
	Short: "Install the task's repository into a snapshotted environment",
	Long: `Asks the oracle for an install script, runs it in a fresh environment
and revises it from the failure output until it succeeds or the install
budget runs out. The resulting snapshot is recorded and reused by later
sessions for the same repository.`,
	Args: cobra.ExactArgs(1),
	RunE: runInstall,
}

func init() {
	installCmd.Flags().BoolVar(&forceInstall, "force", false, "Reinstall even if the repository is already installed")
}

func runInstall(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	tasks, err := session.LoadTasks(args, nil)
	if err != nil {
		return err
	}
	c := tasks[0].Contract

	a, err := openApp(ctx, needStore|needProvider|needOracle|needTrajectory)
	if err != nil {
		return err
	}
	defer a.Close()

	tl, err := trajectory.Open(uuid.New().String(), a.trajectories())
	if err != nil {
		return err
	}
	defer tl.Close()

	icfg := install.ConfigFrom(cfg)
	icfg.Force = forceInstall
	logger.Info("Installing repository",
		zap.String("repository", install.RepositoryKey(c.Repository)),
		zap.Int("budget", icfg.Budget),
		zap.String("session", tl.Session()))

	start := time.Now()
	env, err := install.NewOrchestrator(a.provider, a.oracle, a.store, tl, icfg).Install(ctx, c.Repository, c)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if env.Reused {
		fmt.Fprintf(out, "Reusing installed environment %s (snapshot %s)\n", env.ID, env.Snapshot.Ref)
		return nil
	}
	fmt.Fprintf(out, "Installed %s in %d attempt(s), %s\n", install.RepositoryKey(c.Repository), len(env.Steps), time.Since(start).Round(time.Second))
	fmt.Fprintf(out, "  environment: %s\n  snapshot:    %s\n  path:        %s\n", env.ID, env.Snapshot.Ref, env.Path)
	return nil
}

package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"toolforge/internal/session"
)

var (
	createValidate bool
	createForce    bool
)

var createCmd = &cobra.Command{
	Use:   "create <task.yaml>",
	Short: "Install (or reuse) the repository and synthesize the tool",
	Long: `Runs one full session: install, then the generate, execute, diagnose and
repair loop against the installed snapshot. The verified tool is stored by
name; --validate also runs its test cases.`,
	Args: cobra.ExactArgs(1),
	RunE: runCreate,
}

func init() {
	createCmd.Flags().BoolVar(&createValidate, "validate", true, "Run the task's test cases after synthesis")
	createCmd.Flags().BoolVar(&createForce, "force-install", false, "Reinstall the repository")
}

func runCreate(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	tasks, err := session.LoadTasks(args, nil)
	if err != nil {
		return err
	}

	a, err := openApp(ctx, needStore|needProvider|needOracle|needTrajectory)
	if err != nil {
		return err
	}
	defer a.Close()

	opts := session.OptionsFrom(cfg)
	opts.Validate = createValidate
	opts.ForceInstall = createForce

	res := a.runner(opts).Run(ctx, tasks[0])
	logger.Info("Session finished",
		zap.String("session", res.Session),
		zap.String("stage", string(res.Stage)),
		zap.Duration("duration", res.Duration))

	out := cmd.OutOrStdout()
	if res.Artifact != nil {
		fmt.Fprintf(out, "Created %s in %d attempt(s) (session %s)\n", res.Artifact.Name, res.Artifact.Attempts, res.Session)
	}
	printResults(out, res.Validation)
	return res.Err
}

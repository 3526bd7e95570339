package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"toolforge/internal/session"
)

var (
	batchConcurrency int
	batchValidate    bool
)

var batchCmd = &cobra.Command{
	Use:   "batch <task.yaml>...",
	Short: "Run many sessions in parallel",
	Long: `Runs one session per task file, at most --concurrency at a time. Sessions
for the same repository share one install.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runBatch,
}

func init() {
	batchCmd.Flags().IntVar(&batchConcurrency, "concurrency", 0, "Parallel sessions (default: session.concurrency)")
	batchCmd.Flags().BoolVar(&batchValidate, "validate", true, "Run test cases after synthesis")
}

func runBatch(cmd *cobra.Command, args []string) error {
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
	opts.Validate = batchValidate
	if batchConcurrency > 0 {
		opts.Concurrency = batchConcurrency
	}

	results, err := a.runner(opts).RunAll(ctx, tasks)
	fmt.Fprint(cmd.OutOrStdout(), session.Summary(results))
	if err != nil {
		failed := 0
		for _, r := range results {
			if r.Err != nil {
				failed++
			}
		}
		return fmt.Errorf("%d of %d sessions failed", failed, len(results))
	}
	return nil
}

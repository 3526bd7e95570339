package main

import (
	"fmt"
	"sync"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"toolforge/internal/session"
)

var watchCmd = &cobra.Command{
	Use:   "watch <dir>",
	Short: "Re-run a session whenever a task file in dir changes",
	Args:  cobra.ExactArgs(1),
	RunE:  runWatch,
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	a, err := openApp(ctx, needStore|needProvider|needOracle|needTrajectory)
	if err != nil {
		return err
	}
	defer a.Close()

	opts := session.OptionsFrom(cfg)
	opts.Validate = true
	w, err := session.NewWatcher(args[0], a.runner(opts), cfg.GetWatchDebounce(), nil)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	var mu sync.Mutex
	w.OnResult = func(res *session.Result) {
		if res.Err != nil {
			logger.Warn("Session failed", zap.String("task", res.Task), zap.Error(res.Err))
		}
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprint(out, session.Summary([]*session.Result{res}))
	}

	if err := w.Start(ctx); err != nil {
		return err
	}
	fmt.Fprintf(out, "Watching %s for task files (Ctrl-C to stop)\n", args[0])
	<-ctx.Done()
	w.Stop()
	return nil
}

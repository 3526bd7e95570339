package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"toolforge/internal/validation"
)

var runNoCache bool

var runCmd = &cobra.Command{
	Use:   "run <tool> [test-case]",
	Short: "Validate a stored tool against one or all of its test cases",
	Long: `Restores a fresh environment from the tool's installed snapshot for every
test case, invokes the tool and compares the result with the case's policy.
Results are cached by tool, snapshot and arguments; --no-cache forces a run.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runTool,
}

func init() {
	runCmd.Flags().BoolVar(&runNoCache, "no-cache", false, "Ignore and do not write cached results")
}

func runTool(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	a, err := openApp(ctx, needStore|needProvider)
	if err != nil {
		return err
	}
	defer a.Close()

	artifact, err := a.store.Artifact(ctx, args[0])
	if err != nil {
		return fmt.Errorf("tool %s: %w", args[0], err)
	}

	opts := validation.OptionsFrom(cfg)
	opts.NoCache = runNoCache
	engine := validation.NewEngine(a.provider, a.store, nil, opts)

	out := cmd.OutOrStdout()
	if len(args) == 2 {
		res, err := engine.Run(ctx, artifact, args[1])
		if err != nil {
			return err
		}
		printResults(out, []*validation.TestResult{res})
		if !res.Pass {
			return fmt.Errorf("test case %s failed", res.TestCase)
		}
		return nil
	}

	results, err := engine.RunAll(ctx, artifact)
	printResults(out, results)
	return err
}

func printResults(out io.Writer, results []*validation.TestResult) {
	for _, r := range results {
		status := "PASS"
		if !r.Pass {
			status = "FAIL"
		}
		cached := ""
		if r.Cached {
			cached = " (cached)"
		}
		fmt.Fprintf(out, "%s  %s/%s%s\n", status, r.Tool, r.TestCase, cached)
		if !r.Pass {
			fmt.Fprintf(out, "      expected: %s\n      actual:   %s\n", compactJSON(r.Expected), compactJSON(r.Actual))
			if r.Diff != "" {
				for _, line := range strings.Split(strings.TrimRight(r.Diff, "\n"), "\n") {
					fmt.Fprintf(out, "      %s\n", line)
				}
			}
		}
	}
}

func compactJSON(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	if len(data) > 200 {
		return string(data[:200]) + "..."
	}
	return string(data)
}

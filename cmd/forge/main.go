// Command forge turns a task contract and a reference repository into a
// verified, callable tool.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"toolforge/internal/config"
	"toolforge/internal/logging"
)

var (
	// Global flags
	verbose    bool
	workspace  string
	configPath string

	logger *zap.Logger
	cfg    *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "forge",
	Short: "toolforge - synthesize verified tools from code repositories",
	Long: `toolforge installs a reference repository into an isolated environment,
asks a code-generation model for an adapter implementing a task contract,
and repairs the adapter against real execution until it works.

Typical use:
  forge install task.yaml      # stand up and snapshot the environment
  forge create task.yaml       # install (or reuse) and synthesize the tool
  forge run add                # validate the tool against its test cases`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zc := zap.NewProductionConfig()
		if verbose {
			zc.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zc.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		cfg, err = loadConfig()
		if err != nil {
			return err
		}
		opts := logging.Options{
			DebugMode:  cfg.Logging.DebugMode,
			Categories: cfg.Logging.Categories,
			Level:      cfg.Logging.Level,
			JSONFormat: cfg.Logging.IsJSON(),
		}
		if verbose {
			opts.Level = "debug"
		}
		if err := logging.Initialize(workspaceDir(), opts); err != nil {
			logger.Warn("Category logging disabled", zap.Error(err))
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAll()
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace directory (default: current directory)")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: <workspace>/.toolforge/config.yaml)")

	rootCmd.AddCommand(
		installCmd,
		createCmd,
		runCmd,
		serveCmd,
		batchCmd,
		watchCmd,
		artifactsCmd,
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func workspaceDir() string {
	if workspace != "" {
		return workspace
	}
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}

// inWorkspace resolves a relative config path against the workspace.
func inWorkspace(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(workspaceDir(), p)
}

// loadConfig reads the config file, resolves workspace-relative paths and
// validates the result. A missing file yields the defaults.
func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = filepath.Join(workspaceDir(), ".toolforge", "config.yaml")
	}
	c, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	c.Store.Root = inWorkspace(c.Store.Root)
	c.Trajectory.Dir = inWorkspace(c.Trajectory.Dir)
	c.Environment.MountRoot = inWorkspace(c.Environment.MountRoot)
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return c, nil
}

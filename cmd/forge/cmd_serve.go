package main

import (
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"toolforge/internal/sandbox"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sandbox boundary (inside an environment)",
	Long: `Serves GET /alive and POST /invoke. This is the main process of every
environment container; generated code runs in this process, one
invocation at a time.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (default: sandbox.addr)")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	sc := serverConfig()
	if serveAddr != "" {
		sc.Addr = serveAddr
	}
	loader := sandbox.NewDefaultLoader(sandbox.LoaderConfig{
		AllowedGoImports: cfg.Sandbox.AllowedGoImports,
		Runner:           cfg.Sandbox.Runner,
		WorkDir:          os.TempDir(),
	})
	logger.Info("Starting sandbox boundary",
		zap.String("addr", sc.Addr),
		zap.Strings("languages", loader.Languages()),
		zap.Bool("auth", len(sc.Secret) > 0))
	return sandbox.NewServer(sc, loader).ListenAndServe(ctx)
}

// serverConfig builds the boundary settings. The auth secret comes from the
// variable named by sandbox.auth_secret_env, set by the provider.
func serverConfig() sandbox.ServerConfig {
	sc := sandbox.DefaultServerConfig()
	if cfg.Sandbox.Addr != "" {
		sc.Addr = cfg.Sandbox.Addr
	}
	sc.InvokeTimeout = cfg.GetInvokeTimeout()
	if cfg.Sandbox.InlineResultLimit > 0 {
		sc.InlineResultLimit = cfg.Sandbox.InlineResultLimit
	}
	if cfg.Sandbox.InputRoot != "" {
		sc.InputRoot = cfg.Sandbox.InputRoot
	}
	if cfg.Sandbox.OutputRoot != "" {
		sc.OutputRoot = cfg.Sandbox.OutputRoot
	}
	if cfg.Sandbox.AuthSecretEnv != "" {
		if secret := os.Getenv(cfg.Sandbox.AuthSecretEnv); secret != "" {
			sc.Secret = []byte(secret)
		}
	}
	return sc
}

package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// rootOptions is the state shared by every subcommand.
type rootOptions struct {
	settingsPath string
	envFile      string
	cfg          Config
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "crewflow",
		Short: "crewflow - multi-agent workflow orchestration",
		Long: `crewflow runs workflows of LLM agents step by step, streaming
progress over SSE and websockets, with retries, cancellation and an
archive of every event.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" || cmd.Name() == "help" {
				return nil
			}
			cfg, err := loadConfig(loadOptions{
				SettingsPath: opts.settingsPath,
				EnvFile:      opts.envFile,
				Flags:        cmd.Flags(),
			})
			if err != nil {
				return &exitError{code: ExitUsage, err: err}
			}
			opts.cfg = cfg
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&opts.settingsPath, "config", "", "settings file (default ~/.crewflow/settings.json)")
	pf.StringVar(&opts.envFile, "env-file", "", "dotenv file (default .env when present)")
	pf.String("listen", "", "HTTP listen address")
	pf.String("log-level", "", "log level: debug, info, warn, error")
	pf.String("db", "", "libSQL archive path (empty keeps the archive in memory)")
	pf.String("catalog", "", "workflow type catalog YAML merged over the built-in one")
	pf.String("provider", "", "LLM backend: anthropic, openai, gemini, static")
	pf.String("model", "", "model name for the LLM backend")
	pf.String("tracing", "", "span exporter: none, stdout")
	pf.Int("max-workflows", 0, "workflows executing at once")

	root.AddCommand(
		newServeCmd(opts),
		newMCPCmd(opts),
		newRunCmd(opts),
		newValidateCmd(opts),
		newVersionCmd(),
	)
	return root
}

// Execute runs root with SIGINT and SIGTERM cancelling the command context.
func Execute(ctx context.Context, root *cobra.Command) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	return root.ExecuteContext(ctx)
}

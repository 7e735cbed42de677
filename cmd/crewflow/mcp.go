package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/rendis/crewflow/pkg/mcp"
)

func newMCPCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the crewflow tools over MCP stdio",
		Long: `Serve the crewflow tools to an MCP client over stdin/stdout.
Logs go to stderr so they never corrupt the protocol stream.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMCP(cmd.Context(), opts)
		},
	}
}

func runMCP(ctx context.Context, opts *rootOptions) error {
	a, err := newApp(ctx, opts.cfg, os.Stderr)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.close(sctx); err != nil {
			a.logger.Error("shutdown", "error", err)
		}
	}()

	srv := mcp.NewServer(mcp.ServerDeps{
		Engine:  a.engine,
		Catalog: a.catalog,
		Logger:  a.logger,
		Version: version,
	})
	a.logger.Info("mcp server listening on stdio")
	return srv.Serve(ctx)
}

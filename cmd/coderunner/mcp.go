package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	mcpgateway "github.com/jkaninda/coderunner/internal/gateway/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve run_code and check_code over MCP on stdio",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		sc, err := initShared(ctx, sharedOptions{history: true})
		if err != nil {
			return err
		}
		defer sc.Close()

		srv := mcpgateway.NewServer(sc.Service, version, sc.Logger)
		return srv.Serve(ctx, os.Stdin, os.Stdout)
	},
}

// coderunner runs TypeScript and Python tools inside a sandbox, either once
// from the command line or behind an HTTP or MCP server.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "coderunner",
	Short: "Sandboxed tool execution for TypeScript and Python",
	Long: `coderunner executes tool code written in TypeScript (Deno) or Python (uv) under an
explicit capability set, either directly on the host or inside a container, and returns
the tool's JSON result.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	_ = godotenv.Load()

	rootCmd.PersistentFlags().StringVar(&configPath, "config-file", "", "path to config file (default ~/.coderunner/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")

	rootCmd.AddCommand(runCmd, checkCmd, definitionCmd, probeCmd, serveCmd, mcpCmd, sweepCmd, versionCmd)
}

// exitCodeError ends the process with code without printing anything more.
type exitCodeError struct {
	code int
}

func (e *exitCodeError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		var ec *exitCodeError
		if errors.As(err, &ec) {
			os.Exit(ec.code)
		}
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

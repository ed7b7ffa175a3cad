package main

import (
	"github.com/spf13/cobra"
)

var checkCode codeFlags

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Type-check or lint a tool and print its diagnostics",
	Long: `check runs the language's static checker over the tool (deno check for TypeScript,
a ruff-based check for Python). It exits with status 1 when any diagnostic is reported.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		req, err := checkCode.request()
		if err != nil {
			return err
		}

		sc, err := initShared(cmd.Context(), sharedOptions{})
		if err != nil {
			return err
		}
		defer sc.Close()

		diagnostics, err := sc.Service.Check(cmd.Context(), req)
		if err != nil {
			return err
		}
		if diagnostics == nil {
			diagnostics = []string{}
		}
		if err := writeJSON(cmd.OutOrStdout(), map[string][]string{"diagnostics": diagnostics}); err != nil {
			return err
		}
		if len(diagnostics) > 0 {
			return &exitCodeError{code: 1}
		}
		return nil
	},
}

func init() {
	checkCode.register(checkCmd)
}

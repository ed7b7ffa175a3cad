package main

import (
	"github.com/spf13/cobra"
)

var definitionCode codeFlags

var definitionCmd = &cobra.Command{
	Use:   "definition",
	Short: "Print the tool's declared definition as JSON",
	RunE: func(cmd *cobra.Command, _ []string) error {
		req, err := definitionCode.request()
		if err != nil {
			return err
		}

		sc, err := initShared(cmd.Context(), sharedOptions{})
		if err != nil {
			return err
		}
		defer sc.Close()

		def, err := sc.Service.Definition(cmd.Context(), req)
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), def)
	},
}

func init() {
	definitionCode.register(definitionCmd)
}

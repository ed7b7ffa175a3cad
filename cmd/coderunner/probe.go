package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Report whether the container engine is available",
	Long:  `probe prints one of running, not_running or not_installed.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		sc, err := initShared(cmd.Context(), sharedOptions{})
		if err != nil {
			return err
		}
		defer sc.Close()

		_, err = fmt.Fprintln(cmd.OutOrStdout(), sc.Runtime.Probe(cmd.Context()))
		return err
	},
}

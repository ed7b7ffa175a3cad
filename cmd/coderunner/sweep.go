package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/jkaninda/coderunner/internal/janitor"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Remove stale code directories, logs and history once",
	RunE: func(cmd *cobra.Command, _ []string) error {
		sc, err := initShared(cmd.Context(), sharedOptions{history: true})
		if err != nil {
			return err
		}
		defer sc.Close()

		report, err := newJanitor(sc).Sweep(cmd.Context())
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), report)
	},
}

// newJanitor builds the janitor for the configured storage root.
func newJanitor(sc *SharedComponents) *janitor.Janitor {
	cfg := sc.Config.Janitor
	opts := []janitor.Option{janitor.WithSchedule(cfg.Spec())}
	if sc.Store != nil {
		opts = append(opts, janitor.WithPruner(sc.Store))
	}
	if m := sc.Obs.MetricsOrNil(); m != nil {
		opts = append(opts, janitor.WithRemovedFunc(m.RecordJanitorRemoval))
	}
	return janitor.New(sc.Config.ResolvedStorageRoot(), cfg.Age(), sc.Logger.With(slog.String("component", "janitor")), opts...)
}

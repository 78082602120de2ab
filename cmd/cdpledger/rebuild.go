package main

import (
	"CDPLedger/internal/projection"

	"github.com/spf13/cobra"
)

var rebuildUpTo int64

var rebuildCmd = &cobra.Command{
	Use:   "rebuild-projections",
	Short: "Regenerate every projection table from the event log",
	Long: `rebuild-projections replays the event log through a scratch core and rewrites
the projection tables in one transaction. Run it with the service stopped, or
let the running service repair gaps on its own.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, newLogger, err := loadConfig()
		if err != nil {
			return err
		}
		logger := newLogger("rebuild")
		genesis, err := cfg.CoreGenesis()
		if err != nil {
			return err
		}

		db, err := openDB(cmd.Context(), cfg.Postgres)
		if err != nil {
			return err
		}
		defer db.Close()

		watermark, err := projection.NewRebuilder(db, genesis, logger).Rebuild(cmd.Context(), rebuildUpTo)
		if err != nil {
			return err
		}
		logger.Info().Int64("watermark", watermark).Msg("projections rebuilt")
		return nil
	},
}

func init() {
	rebuildCmd.Flags().Int64Var(&rebuildUpTo, "up-to", 0, "last sequence to project (0 = head of the log)")
}

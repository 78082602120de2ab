package main

import (
	"CDPLedger/internal/persistence"
	"CDPLedger/migrations"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply or roll back the Postgres schema",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runMigration(cmd, true)
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the last applied migration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runMigration(cmd, false)
	},
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "List migrations and whether each is applied",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, newLogger, err := loadConfig()
		if err != nil {
			return err
		}
		db, err := openDB(cmd.Context(), cfg.Postgres)
		if err != nil {
			return err
		}
		defer db.Close()

		statuses, err := persistence.NewMigrator(db, migrations.FS, newLogger("migrate")).Status(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, st := range statuses {
			state := "pending"
			switch {
			case st.Drifted:
				state = "applied, script changed since"
			case st.Applied:
				state = "applied " + st.AppliedAt.UTC().Format(time.RFC3339)
			}
			fmt.Fprintf(out, "%06d  %-24s %s\n", st.Version, st.Name, state)
		}
		return nil
	},
}

func init() {
	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd, migrateStatusCmd)
}

func runMigration(cmd *cobra.Command, up bool) error {
	cfg, newLogger, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger("migrate")
	ctx := cmd.Context()

	db, err := openDB(ctx, cfg.Postgres)
	if err != nil {
		return err
	}
	defer db.Close()

	migrator := persistence.NewMigrator(db, migrations.FS, logger)
	if up {
		if err := migrator.Up(ctx); err != nil {
			return err
		}
		logger.Info().Msg("all migrations applied")
		return nil
	}
	if err := migrator.Down(ctx); err != nil {
		return err
	}
	logger.Info().Msg("last migration rolled back")
	return nil
}

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/helixir/doicache/internal/database"
)

type migrateAction struct {
	up      bool
	down    bool
	steps   int
	version bool
	force   int
}

// validate checks that exactly one action was requested.
func (m migrateAction) validate() error {
	count := 0
	for _, set := range []bool{m.up, m.down, m.steps != 0, m.version, m.force >= 0} {
		if set {
			count++
		}
	}
	switch {
	case count == 0:
		return fmt.Errorf("specify one of --up, --down, --steps N, --version, --force V")
	case count > 1:
		return fmt.Errorf("specify only one action at a time")
	}
	return nil
}

func newMigrateCommand(a *app) *cobra.Command {
	action := migrateAction{force: -1}
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or inspect run journal schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := action.validate(); err != nil {
				return err
			}
			return a.migrate(cmd.Context(), action)
		},
	}

	flags := cmd.Flags()
	flags.BoolVar(&action.up, "up", false, "run all pending migrations")
	flags.BoolVar(&action.down, "down", false, "roll back all migrations")
	flags.IntVar(&action.steps, "steps", 0, "run N migration steps (positive=up, negative=down)")
	flags.BoolVar(&action.version, "version", false, "print the current migration version")
	flags.IntVar(&action.force, "force", -1, "force set migration version (use to recover from failed migrations)")
	return cmd
}

func (a *app) migrate(ctx context.Context, action migrateAction) error {
	logger := a.logger.With().Str("component", "migrate").Logger()

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	db, err := database.New(ctx, &a.cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer db.Close()

	migrator, err := database.NewMigrator(db, logger)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	defer func() {
		if closeErr := migrator.Close(); closeErr != nil {
			logger.Error().Err(closeErr).Msg("failed to close migrator")
		}
	}()

	switch {
	case action.up:
		logger.Info().Msg("running all pending migrations")
		if err := migrator.Up(); err != nil {
			return fmt.Errorf("migrate up: %w", err)
		}
	case action.down:
		logger.Warn().Msg("rolling back all migrations")
		if err := migrator.Down(); err != nil {
			return fmt.Errorf("migrate down: %w", err)
		}
	case action.steps != 0:
		logger.Info().Int("steps", action.steps).Msg("running migration steps")
		if err := migrator.Steps(action.steps); err != nil {
			return fmt.Errorf("migrate steps: %w", err)
		}
	case action.force >= 0:
		logger.Warn().Int("version", action.force).Msg("forcing migration version")
		if err := migrator.Force(action.force); err != nil {
			return fmt.Errorf("force version: %w", err)
		}
	}

	logVersion(migrator, logger)
	return nil
}

func logVersion(migrator *database.Migrator, logger zerolog.Logger) {
	v, dirty, err := migrator.Version()
	if err != nil {
		logger.Warn().Err(err).Msg("could not determine migration version")
		return
	}
	logger.Info().Uint("version", v).Bool("dirty", dirty).Msg("current migration version")
}

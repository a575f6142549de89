package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-dismissal-api/migrations"
	"github.com/noah-isme/sma-dismissal-api/pkg/config"
	"github.com/noah-isme/sma-dismissal-api/pkg/database"
)

type migrateCommand struct {
	cfg    *config.Config
	logger *zap.Logger
}

func (cmd migrateCommand) Command(ctx context.Context) *cobra.Command {
	return &cobra.Command{
		Use:       "migrate [up|down]",
		Short:     "apply or roll back the database schema",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{string(database.Up), string(database.Down)},
		RunE: func(_ *cobra.Command, args []string) error {
			return cmd.run(ctx, args[0])
		},
	}
}

func (cmd migrateCommand) run(ctx context.Context, arg string) error {
	direction, err := database.ParseDirection(arg)
	if err != nil {
		return err
	}

	db, err := database.NewPostgres(ctx, cmd.cfg.Database)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer db.Close()

	if err := database.Migrate(db, cmd.cfg.Database.Name, migrations.FS, direction); err != nil {
		return fmt.Errorf("migrate %s: %w", direction, err)
	}
	cmd.logger.Info("migrations applied", zap.String("direction", string(direction)))
	return nil
}

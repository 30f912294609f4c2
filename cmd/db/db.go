package db

import (
	"context"
	"database/sql"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	// postgres driver for database/sql
	_ "github.com/lib/pq"

	"github.com/tichaonax/go-sync-infra/internal/config"
	"github.com/tichaonax/go-sync-infra/internal/storage"
	"github.com/tichaonax/go-sync-infra/internal/util/command"
)

func New() *cobra.Command {
	return command.NewSubcommandGroup("db",
		newMigrate(),
	)
}

func newMigrate() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the sync schema to the configured database",
		Run: func(_ *cobra.Command, _ []string) {
			cfg := config.DefaultServerConfigFromEnv()
			if cfg.Database.DSN == "" {
				log.Fatal().Msg("SYNC_DATABASE_DSN is not set")
			}

			db, err := sql.Open("postgres", cfg.Database.DSN)
			if err != nil {
				log.Fatal().Err(err).Msg("Failed to open database")
			}
			defer db.Close()

			if err := storage.NewPostgresStore(db).Migrate(context.Background()); err != nil {
				log.Fatal().Err(err).Msg("Migration failed")
			}
			log.Info().Msg("Sync schema is up to date")
		},
	}
}

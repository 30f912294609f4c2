package main

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tichaonax/go-sync-infra/cmd/db"
	"github.com/tichaonax/go-sync-infra/cmd/keys"
	"github.com/tichaonax/go-sync-infra/cmd/server"
	"github.com/tichaonax/go-sync-infra/internal/util"
)

func main() {
	configureLogger()

	root := &cobra.Command{
		Use:   "sync-infra",
		Short: "Peer-to-peer data synchronization node",
		Run: func(cmd *cobra.Command, _ []string) {
			_ = cmd.Help()
		},
	}
	root.AddCommand(
		server.New(),
		db.New(),
		keys.New(),
	)

	if err := root.Execute(); err != nil {
		log.Fatal().Err(err).Msg("Command failed")
	}
}

func configureLogger() {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	level, err := zerolog.ParseLevel(util.GetEnv("SYNC_LOG_LEVEL", "info"))
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if util.GetEnvAsBool("SYNC_LOG_PRETTY", false) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}

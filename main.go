package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"slack-archive-bot/internal/config"
	"slack-archive-bot/internal/logging"
	"slack-archive-bot/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "slack-archive-bot",
	Short: "Archive a Slack workspace and search it by direct message",
	Long: `Records every message in the channels the bot is a member of into a
local SQLite archive, answers searches sent to the bot by direct message,
and exports the archive as HTML pages or to Google Sheets.

Configuration is read from the environment or a .env file; only
SLACK_API_TOKEN is required.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, syncCmd, searchCmd, statsCmd, exportCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// env is what every command starts from.
type env struct {
	cfg   *config.Config
	log   zerolog.Logger
	store *store.Store
}

func setup() (*env, error) {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := logging.New(cfg.LogLevel, cfg.IsDevelopment())

	scfg := store.DefaultConfig()
	scfg.Path = cfg.DBPath
	st, err := store.New(scfg)
	if err != nil {
		return nil, err
	}
	log.Debug().Str("path", cfg.DBPath).Msg("archive opened")

	return &env{cfg: cfg, log: log, store: st}, nil
}

func (e *env) Close() {
	if err := e.store.Close(); err != nil {
		e.log.Warn().Err(err).Msg("closing archive")
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"slack-archive-bot/internal/archive"
	"slack-archive-bot/internal/bot"
	"slack-archive-bot/internal/directory"
	"slack-archive-bot/internal/export"
	"slack-archive-bot/internal/progress"
	"slack-archive-bot/internal/query"
	"slack-archive-bot/internal/server"
	"slack-archive-bot/internal/sheets"
	"slack-archive-bot/internal/slack"
)

// Events waiting for the dispatcher; beyond this Slack is told to retry.
const eventQueueSize = 256

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bot: catch up, then record and answer messages",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := setup()
		if err != nil {
			return err
		}
		defer e.Close()
		return serve(cmd.Context(), e)
	},
}

func serve(ctx context.Context, e *env) error {
	if e.cfg.SlackSigningSecret == "" {
		return errors.New("SLACK_SIGNING_SECRET is required to receive events")
	}
	log := e.log

	client := slack.NewClient(e.cfg.SlackAPIToken, slack.WithLogger(log))
	self, err := client.AuthTest(ctx)
	if err != nil {
		return fmt.Errorf("connection failed, invalid token? %w", err)
	}
	log.Info().Str("user", self.UserID).Str("bot", self.BotID).Msg("authenticated")

	dir := directory.New(client, e.store, log)
	if err := dir.Refresh(ctx); err != nil {
		log.Warn().Err(err).Msg("initial directory refresh failed")
	}

	syncer := archive.NewSynchronizer(client, e.store, self, log)
	engine := query.New(e.store, dir, query.Options{
		HelpInterval: e.cfg.HelpInterval,
		MaxLimit:     e.cfg.SearchMaxLimit,
	}, log)
	dispatcher := bot.New(self, e.store, syncer, engine, client, log)

	if err := dispatcher.LoadKnownChannels(ctx); err != nil {
		return err
	}
	dispatcher.CatchUp(ctx)

	queue := make(chan slack.Message, eventQueueSize)
	router := server.NewRouter(log, slack.NewEventHandler(e.cfg.SlackSigningSecret, queue, log))

	srv := &http.Server{
		Addr:         ":" + e.cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		dispatcher.Run(ctx, queue, e.cfg.CatchUpInterval)
	}()

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("port", e.cfg.Port).Str("env", e.cfg.Env).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var failed error
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			failed = fmt.Errorf("server failed: %w", err)
		}
	}

	log.Info().Msg("shutting down server...")
	shutdownCtx, stop := context.WithTimeout(context.Background(), 30*time.Second)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	// the dispatcher owns the archive connection until it returns
	cancel()
	wg.Wait()

	if failed != nil {
		return failed
	}
	log.Info().Msg("server stopped")
	return nil
}

var syncChannel string

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Catch up archived channels and backfill newly joined ones, or one with --channel",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := setup()
		if err != nil {
			return err
		}
		defer e.Close()
		ctx := cmd.Context()

		client := slack.NewClient(e.cfg.SlackAPIToken, slack.WithLogger(e.log))
		self, err := client.AuthTest(ctx)
		if err != nil {
			return err
		}
		dir := directory.New(client, e.store, e.log)
		if err := dir.Refresh(ctx); err != nil {
			e.log.Warn().Err(err).Msg("directory refresh failed")
		}
		syncer := archive.NewSynchronizer(client, e.store, self, e.log)

		if syncChannel != "" {
			id := strings.TrimPrefix(syncChannel, "#")
			if resolved, ok := dir.ResolveChannelID(ctx, id); ok {
				id = resolved
			}
			if !dir.IsSubscribed(id) {
				e.log.Warn().Str("channel", id).Msg("bot is not a member of this channel, history may be refused")
			}
			n, err := syncer.SyncChannel(ctx, id, "")
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d messages fetched\n", id, n)
			return nil
		}

		report, err := syncer.UpdateChannelHistory(ctx)
		for id, n := range report.Synced {
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d new messages\n", id, n)
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		fresh, backfillErr := syncer.BackfillNew(ctx, dir.Subscribed())
		for id, n := range fresh.Synced {
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d messages fetched\n", id, n)
		}
		return errors.Join(err, backfillErr)
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <query> [flags]",
	Short: "Search the archive from the command line",
	Long: `Runs a search the way the bot would answer it, without the help nudge.

  slack-archive-bot search "smart planner" from:alice limit:3`,
	// the query grammar has its own flags
	DisableFlagParsing: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, a := range args {
			if a == "-h" || a == "--help" {
				return cmd.Help()
			}
		}
		e, err := setup()
		if err != nil {
			return err
		}
		defer e.Close()
		ctx := cmd.Context()

		req, err := query.ParseArgs(args, e.cfg.SearchMaxLimit)
		if err != nil {
			return err
		}

		client := slack.NewClient(e.cfg.SlackAPIToken, slack.WithLogger(e.log))
		dir := directory.New(client, e.store, e.log)
		engine := query.New(e.store, dir, query.Options{
			HelpInterval: e.cfg.HelpInterval,
			MaxLimit:     e.cfg.SearchMaxLimit,
		}, e.log)

		results, err := engine.Search(ctx, req)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), engine.FormatResults(ctx, results))
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show how many messages are archived and over what period",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := setup()
		if err != nil {
			return err
		}
		defer e.Close()

		st, err := e.store.Stats(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), query.FormatStatsText(st))
		return nil
	},
}

var (
	exportOut    string
	exportWatch  bool
	exportSheets bool
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write the archive as HTML pages, and optionally to Google Sheets",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := setup()
		if err != nil {
			return err
		}
		defer e.Close()
		ctx := cmd.Context()

		out := exportOut
		if out == "" {
			out = e.cfg.ExportDir
		}
		html := export.NewHTMLExporter(e.store, out, e.log)

		var sheetExporter *sheets.Exporter
		if exportSheets {
			if !e.cfg.SheetsConfigured() {
				return errors.New("GOOGLE_SHEETS_CREDENTIALS and SPREADSHEET_ID are required for --sheets")
			}
			client, err := sheets.NewClient(ctx, e.cfg.GoogleSheetsCredentials, e.log)
			if err != nil {
				return err
			}
			sheetExporter = sheets.NewExporter(e.store, client,
				progress.NewManager(e.cfg.ExportStateDir, e.log), e.cfg.SpreadsheetID, e.log)
		}

		run := func(ctx context.Context) error {
			err := html.ExportAll(ctx)
			if sheetExporter != nil {
				err = errors.Join(err, sheetExporter.ExportAll(ctx))
			}
			return err
		}

		if exportWatch {
			return export.Watch(ctx, e.cfg.DBPath, 2*time.Second, run, e.log)
		}
		return run(ctx)
	},
}

func init() {
	syncCmd.Flags().StringVar(&syncChannel, "channel", "", "backfill the full history of one channel (name or id)")

	exportCmd.Flags().StringVar(&exportOut, "out", "", "directory for the HTML pages (default $EXPORT_DIR)")
	exportCmd.Flags().BoolVar(&exportWatch, "watch", false, "re-export whenever the archive changes")
	exportCmd.Flags().BoolVar(&exportSheets, "sheets", false, "also append new messages to Google Sheets")
}

// Package bot routes incoming Slack messages to the archive or the query
// engine.
package bot

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"

	"slack-archive-bot/internal/archive"
	"slack-archive-bot/internal/metrics"
	"slack-archive-bot/internal/slack"
	"slack-archive-bot/internal/store"
)

type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	UpsertMessage(ctx context.Context, m store.Message) error
	KnownChannels(ctx context.Context) ([]string, error)
}

type Synchronizer interface {
	SyncChannel(ctx context.Context, channelID, oldest string) (int, error)
	UpdateChannelHistory(ctx context.Context) (archive.Report, error)
}

type Responder interface {
	Respond(ctx context.Context, channel, text string) (string, error)
}

type Poster interface {
	PostMessage(ctx context.Context, channel, text string) error
}

// Outcome is what Dispatch did with an event.
type Outcome string

const (
	Ignored  Outcome = "ignored"
	Archived Outcome = "archived"
	Answered Outcome = "query"
)

// Dispatcher handles one event at a time. It is not safe for concurrent
// use; Run is its only caller in the server.
type Dispatcher struct {
	self    slack.Identity
	store   Store
	sync    Synchronizer
	queries Responder
	poster  Poster
	log     zerolog.Logger

	known map[string]struct{}
}

func New(self slack.Identity, st Store, sync Synchronizer, queries Responder, poster Poster, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		self:    self,
		store:   st,
		sync:    sync,
		queries: queries,
		poster:  poster,
		log:     log.With().Str("component", "dispatcher").Logger(),
		known:   make(map[string]struct{}),
	}
}

// LoadKnownChannels seeds the set of channels whose history is already
// archived, so their next message does not trigger a backfill.
func (d *Dispatcher) LoadKnownChannels(ctx context.Context) error {
	ids, err := d.store.KnownChannels(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		d.known[id] = struct{}{}
	}
	d.log.Info().Int("channels", len(ids)).Msg("known channels loaded")
	return nil
}

// Dispatch handles a single message event.
func (d *Dispatcher) Dispatch(ctx context.Context, m slack.Message) (Outcome, error) {
	edit := false
	switch m.Subtype {
	case slack.SubtypeMessageDeleted:
		return Ignored, nil
	case slack.SubtypeMessageChanged:
		if m.Message == nil {
			return Ignored, nil
		}
		channel := m.Channel
		m = *m.Message
		m.Channel = channel
		edit = true
	}

	if m.Text == "" {
		return Ignored, nil
	}
	if d.self.Owns(m) {
		return Ignored, nil
	}
	if m.IsDirect() {
		if edit {
			return Ignored, nil
		}
		return Answered, d.answer(ctx, m)
	}
	if m.User == "" {
		d.log.Debug().Str("channel", m.Channel).Msg("no valid user, event not saved")
		return Ignored, nil
	}
	return Archived, d.archive(ctx, m, edit)
}

func (d *Dispatcher) answer(ctx context.Context, m slack.Message) error {
	var reply string
	err := d.store.WithTx(ctx, func(ctx context.Context) error {
		var err error
		reply, err = d.queries.Respond(ctx, m.Channel, m.Text)
		return err
	})
	if err != nil {
		return fmt.Errorf("query in %s: %w", m.Channel, err)
	}
	if err := d.poster.PostMessage(ctx, m.Channel, reply); err != nil {
		return fmt.Errorf("reply to %s: %w", m.Channel, err)
	}
	return nil
}

func (d *Dispatcher) archive(ctx context.Context, m slack.Message, edit bool) error {
	rec, ok := archive.Record(m, d.self)
	if !ok {
		return nil
	}

	_, known := d.known[m.Channel]
	err := d.store.WithTx(ctx, func(ctx context.Context) error {
		if !known {
			d.log.Info().Str("channel", m.Channel).Msg("new channel, syncing its history")
			if _, err := d.sync.SyncChannel(ctx, m.Channel, ""); err != nil {
				return err
			}
		}
		return d.store.UpsertMessage(ctx, rec)
	})
	if err != nil {
		return err
	}

	// only after commit, so a failed backfill is retried by the next message
	d.known[m.Channel] = struct{}{}

	source := "live"
	if edit {
		source = "edit"
	}
	metrics.MessagesArchived.WithLabelValues(source).Inc()
	return nil
}

// CatchUp pulls whatever was posted while the bot was not listening.
func (d *Dispatcher) CatchUp(ctx context.Context) {
	start := time.Now()
	report, err := d.sync.UpdateChannelHistory(ctx)
	if err != nil {
		d.log.Warn().Err(err).Int("failed", len(report.Failed)).Msg("catch-up finished with errors")
	}
	d.log.Info().
		Int("channels", len(report.Synced)).
		Dur("took", time.Since(start)).
		Msg("catch-up complete")
}

// Run handles events in arrival order until ctx is done or events is
// closed. When catchUp is positive, a catch-up pass runs on that interval
// between events. A failing or panicking event is logged and skipped.
func (d *Dispatcher) Run(ctx context.Context, events <-chan slack.Message, catchUp time.Duration) {
	var tick <-chan time.Time
	if catchUp > 0 {
		ticker := time.NewTicker(catchUp)
		defer ticker.Stop()
		tick = ticker.C
	}

	d.log.Info().Msg("archive bot online, messages will now be recorded")
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-events:
			if !ok {
				return
			}
			d.handle(ctx, m)
		case <-tick:
			d.CatchUp(ctx)
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, m slack.Message) {
	start := time.Now()
	defer func() {
		metrics.EventDuration.Observe(time.Since(start).Seconds())
		if r := recover(); r != nil {
			metrics.EventsProcessed.WithLabelValues("error").Inc()
			d.log.Error().
				Interface("panic", r).
				Str("channel", m.Channel).
				Str("stack", string(debug.Stack())).
				Msg("event handler panicked")
		}
	}()

	outcome, err := d.Dispatch(ctx, m)
	if err != nil {
		metrics.EventsProcessed.WithLabelValues("error").Inc()
		d.log.Error().Err(err).Str("channel", m.Channel).Str("ts", m.Timestamp).Msg("event failed")
		return
	}
	metrics.EventsProcessed.WithLabelValues(string(outcome)).Inc()
}

// Package archive imports channel history from Slack into the store.
package archive

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/rs/zerolog"

	"slack-archive-bot/internal/metrics"
	"slack-archive-bot/internal/slack"
	"slack-archive-bot/internal/store"
)

// HistoryAPI is the conversations.history call.
type HistoryAPI interface {
	History(ctx context.Context, channelID, oldest, latest string) (*slack.HistoryPage, error)
}

// Store is what the synchronizer needs from the archive.
type Store interface {
	UpsertMessages(ctx context.Context, msgs []store.Message) error
	LatestPerChannel(ctx context.Context) (map[string]string, error)
}

// UpstreamError is a channel sync aborted by Slack.
type UpstreamError struct {
	ChannelID string
	Err       error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("sync %s: %v", e.ChannelID, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

type Synchronizer struct {
	api   HistoryAPI
	store Store
	self  slack.Identity
	log   zerolog.Logger
}

func NewSynchronizer(api HistoryAPI, st Store, self slack.Identity, log zerolog.Logger) *Synchronizer {
	return &Synchronizer{
		api:   api,
		store: st,
		self:  self,
		log:   log.With().Str("component", "sync").Logger(),
	}
}

// SyncChannel reads a channel's history backwards from now until Slack
// reports no more pages, upserting every archivable message. A non-empty
// oldest limits the walk to messages after that timestamp. It returns the
// number of messages fetched.
func (s *Synchronizer) SyncChannel(ctx context.Context, channelID, oldest string) (int, error) {
	log := s.log.With().Str("channel", channelID).Logger()
	log.Info().Str("oldest", oldest).Msg("checking channel")

	var (
		latest  string
		total   int
		hasMore = true
	)
	for hasMore {
		page, err := s.api.History(ctx, channelID, oldest, latest)
		if err != nil {
			metrics.SyncFailures.Inc()
			return total, &UpstreamError{ChannelID: channelID, Err: err}
		}
		metrics.SyncPages.Inc()

		msgs := make([]store.Message, 0, len(page.Messages))
		minTS := ""
		for _, m := range page.Messages {
			if minTS == "" || lessTS(m.Timestamp, minTS) {
				minTS = m.Timestamp
			}
			m.Channel = channelID
			if rec, ok := Record(m, s.self); ok {
				msgs = append(msgs, rec)
			}
		}

		// one transaction per page, or the caller's if it holds one
		if err := s.store.UpsertMessages(ctx, msgs); err != nil {
			return total, err
		}
		metrics.MessagesArchived.WithLabelValues("backfill").Add(float64(len(msgs)))

		total += len(page.Messages)
		log.Info().Int("total", total).Msg("processed messages so far")

		hasMore = page.HasMore
		if minTS == "" || minTS == latest {
			// nothing left to page past
			break
		}
		latest = minTS
	}
	return total, nil
}

// Report is the outcome of a catch-up pass.
type Report struct {
	Synced map[string]int
	Failed map[string]error
}

// UpdateChannelHistory resumes every archived channel from its newest
// stored message. A failing channel does not stop the others, unless
// Slack is rate limiting: then the remaining channels wait for the next
// pass. All failures are returned joined.
func (s *Synchronizer) UpdateChannelHistory(ctx context.Context) (Report, error) {
	report := Report{Synced: map[string]int{}, Failed: map[string]error{}}

	latest, err := s.store.LatestPerChannel(ctx)
	if err != nil {
		return report, err
	}

	channels := make([]string, 0, len(latest))
	for id := range latest {
		channels = append(channels, id)
	}
	sort.Strings(channels)

	var errs []error
	for _, id := range channels {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		n, err := s.SyncChannel(ctx, id, latest[id])
		if err != nil {
			report.Failed[id] = err
			errs = append(errs, err)
			if rateLimited(err) {
				s.log.Warn().Err(err).Str("channel", id).Msg("rate limited, ending catch-up pass")
				break
			}
			s.log.Warn().Err(err).Str("channel", id).Msg("catch-up failed, skipping channel")
			continue
		}
		report.Synced[id] = n
	}
	return report, errors.Join(errs...)
}

// BackfillNew fetches the full history of each channel in ids that has
// nothing archived yet, such as channels the bot joined while it was not
// running. Failures are isolated the same way as in UpdateChannelHistory.
func (s *Synchronizer) BackfillNew(ctx context.Context, ids []string) (Report, error) {
	report := Report{Synced: map[string]int{}, Failed: map[string]error{}}

	archived, err := s.store.LatestPerChannel(ctx)
	if err != nil {
		return report, err
	}

	fresh := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := archived[id]; !ok {
			fresh = append(fresh, id)
		}
	}
	sort.Strings(fresh)

	var errs []error
	for _, id := range fresh {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		n, err := s.SyncChannel(ctx, id, "")
		if err != nil {
			report.Failed[id] = err
			errs = append(errs, err)
			if rateLimited(err) {
				s.log.Warn().Err(err).Str("channel", id).Msg("rate limited, ending backfill")
				break
			}
			s.log.Warn().Err(err).Str("channel", id).Msg("backfill failed, skipping channel")
			continue
		}
		report.Synced[id] = n
	}
	return report, errors.Join(errs...)
}

func rateLimited(err error) bool {
	var apiErr *slack.APIError
	return errors.As(err, &apiErr) && apiErr.IsRateLimited()
}

// Record converts a Slack message to an archive row. Messages without
// text, without an author, or posted by the bot itself are not archived.
func Record(m slack.Message, self slack.Identity) (store.Message, bool) {
	if m.Text == "" || m.User == "" || self.Owns(m) {
		return store.Message{}, false
	}
	rec := store.Message{
		Text:      m.Text,
		UserID:    m.User,
		ChannelID: m.Channel,
		Timestamp: m.Timestamp,
	}
	if m.ThreadTS != "" {
		thread := m.ThreadTS
		rec.ThreadTimestamp = &thread
	}
	return rec, true
}

// lessTS compares Slack timestamps numerically, falling back to string
// order for malformed values.
func lessTS(a, b string) bool {
	fa, errA := strconv.ParseFloat(a, 64)
	fb, errB := strconv.ParseFloat(b, 64)
	if errA != nil || errB != nil {
		return a < b
	}
	return fa < fb
}

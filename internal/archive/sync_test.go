package archive

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"slack-archive-bot/internal/slack"
	"slack-archive-bot/internal/store"
)

type historyCall struct {
	channel, oldest, latest string
}

// fakeHistory serves pages keyed by channel and the latest bound.
type fakeHistory struct {
	pages map[string]map[string]*slack.HistoryPage
	errs  map[string]error
	calls []historyCall
}

func (f *fakeHistory) History(ctx context.Context, channelID, oldest, latest string) (*slack.HistoryPage, error) {
	f.calls = append(f.calls, historyCall{channelID, oldest, latest})
	if err := f.errs[channelID]; err != nil {
		return nil, err
	}
	if page, ok := f.pages[channelID][latest]; ok {
		return page, nil
	}
	return &slack.HistoryPage{}, nil
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	cfg := store.DefaultConfig()
	cfg.Path = filepath.Join(t.TempDir(), "slack.sqlite")
	s, err := store.New(cfg)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func msg(user, text, ts string) slack.Message {
	return slack.Message{Type: "message", User: user, Text: text, Timestamp: ts}
}

func count(t *testing.T, s *store.Store) int64 {
	t.Helper()
	st, err := s.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	return st.Count
}

func TestSyncChannelPagesBackwards(t *testing.T) {
	s := newTestStore(t)
	api := &fakeHistory{pages: map[string]map[string]*slack.HistoryPage{
		"C1": {
			"": {HasMore: true, Messages: []slack.Message{
				msg("U1", "five", "1700000300.000500"),
				msg("U2", "four", "1700000250.000400"),
				msg("U1", "three", "1700000200.000300"),
			}},
			"1700000200.000300": {HasMore: false, Messages: []slack.Message{
				msg("U2", "two", "1700000150.000200"),
				msg("U1", "one", "1700000100.000100"),
			}},
		},
	}}
	sync := NewSynchronizer(api, s, slack.Identity{}, zerolog.Nop())

	n, err := sync.SyncChannel(context.Background(), "C1", "")
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if n != 5 {
		t.Fatalf("fetched %d messages, want 5", n)
	}
	if got := count(t, s); got != 5 {
		t.Fatalf("stored %d messages, want 5", got)
	}

	want := []historyCall{{"C1", "", ""}, {"C1", "", "1700000200.000300"}}
	if len(api.calls) != len(want) {
		t.Fatalf("calls = %+v", api.calls)
	}
	for i := range want {
		if api.calls[i] != want[i] {
			t.Fatalf("call %d = %+v, want %+v", i, api.calls[i], want[i])
		}
	}

	// re-running over the same range is idempotent
	if _, err := sync.SyncChannel(context.Background(), "C1", ""); err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if got := count(t, s); got != 5 {
		t.Fatalf("stored %d messages after re-sync, want 5", got)
	}
}

func TestSyncChannelSkipsUnarchivableMessages(t *testing.T) {
	s := newTestStore(t)
	self := slack.Identity{UserID: "UBOT", BotID: "BBOT"}
	api := &fakeHistory{pages: map[string]map[string]*slack.HistoryPage{
		"C1": {"": {Messages: []slack.Message{
			msg("U1", "keep me", "5"),
			msg("", "integration post", "4"),
			msg("U2", "", "3"),
			{Type: "message", User: "UBOT", Text: "search results", Timestamp: "2"},
			{Type: "message", BotID: "BBOT", Text: "more results", Timestamp: "1"},
		}}},
	}}

	n, err := NewSynchronizer(api, s, self, zerolog.Nop()).SyncChannel(context.Background(), "C1", "")
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if n != 5 {
		t.Fatalf("fetched %d, want 5", n)
	}
	if got := count(t, s); got != 1 {
		t.Fatalf("stored %d messages, want only the human one", got)
	}
}

func TestSyncChannelStopsWhenPagingStalls(t *testing.T) {
	s := newTestStore(t)
	api := &fakeHistory{pages: map[string]map[string]*slack.HistoryPage{
		"C1": {
			"":  {HasMore: true, Messages: []slack.Message{msg("U1", "only", "10")}},
			"10": {HasMore: true}, // claims more but returns nothing
		},
	}}

	if _, err := NewSynchronizer(api, s, slack.Identity{}, zerolog.Nop()).SyncChannel(context.Background(), "C1", ""); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(api.calls) != 2 {
		t.Fatalf("expected to stop after the empty page, got %d calls", len(api.calls))
	}
}

func TestSyncChannelWrapsUpstreamError(t *testing.T) {
	s := newTestStore(t)
	api := &fakeHistory{errs: map[string]error{
		"C9": &slack.APIError{Method: "conversations.history", Code: "channel_not_found"},
	}}

	_, err := NewSynchronizer(api, s, slack.Identity{}, zerolog.Nop()).SyncChannel(context.Background(), "C9", "")

	var upErr *UpstreamError
	if !errors.As(err, &upErr) || upErr.ChannelID != "C9" {
		t.Fatalf("expected UpstreamError for C9, got %v", err)
	}
	var apiErr *slack.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != "channel_not_found" {
		t.Fatalf("expected wrapped APIError, got %v", err)
	}
}

func TestUpdateChannelHistoryResumesAndIsolatesFailures(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seed := []store.Message{
		{Text: "a", UserID: "U1", ChannelID: "C1", Timestamp: "100.000001"},
		{Text: "b", UserID: "U1", ChannelID: "C1", Timestamp: "200.000001"},
		{Text: "c", UserID: "U1", ChannelID: "C2", Timestamp: "300.000001"},
		{Text: "d", UserID: "U1", ChannelID: "C3", Timestamp: "400.000001"},
	}
	if err := s.UpsertMessages(ctx, seed); err != nil {
		t.Fatalf("seed: %v", err)
	}

	api := &fakeHistory{
		pages: map[string]map[string]*slack.HistoryPage{
			"C1": {"": {Messages: []slack.Message{msg("U2", "new in C1", "250.000001")}}},
			"C3": {"": {Messages: []slack.Message{msg("U2", "new in C3", "450.000001")}}},
		},
		errs: map[string]error{
			"C2": &slack.APIError{Method: "conversations.history", Code: "is_archived"},
		},
	}

	report, err := NewSynchronizer(api, s, slack.Identity{}, zerolog.Nop()).UpdateChannelHistory(ctx)
	if err == nil {
		t.Fatalf("expected joined error for C2")
	}
	var upErr *UpstreamError
	if !errors.As(err, &upErr) || upErr.ChannelID != "C2" {
		t.Fatalf("expected C2 failure, got %v", err)
	}
	if report.Synced["C1"] != 1 || report.Synced["C3"] != 1 || report.Failed["C2"] == nil {
		t.Fatalf("unexpected report: %+v", report)
	}

	oldest := map[string]string{}
	for _, c := range api.calls {
		oldest[c.channel] = c.oldest
	}
	if oldest["C1"] != "200.000001" || oldest["C2"] != "300.000001" || oldest["C3"] != "400.000001" {
		t.Fatalf("catch-up must resume from the newest stored message, got %v", oldest)
	}

	if got := count(t, s); got != 6 {
		t.Fatalf("stored %d messages, want 6", got)
	}
}

func TestUpdateChannelHistoryStopsWhenRateLimited(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seed := []store.Message{
		{Text: "a", UserID: "U1", ChannelID: "C1", Timestamp: "100"},
		{Text: "b", UserID: "U1", ChannelID: "C2", Timestamp: "200"},
		{Text: "c", UserID: "U1", ChannelID: "C3", Timestamp: "300"},
	}
	if err := s.UpsertMessages(ctx, seed); err != nil {
		t.Fatalf("seed: %v", err)
	}

	api := &fakeHistory{errs: map[string]error{
		"C2": &slack.APIError{Method: "conversations.history", Code: "ratelimited"},
	}}

	report, err := NewSynchronizer(api, s, slack.Identity{}, zerolog.Nop()).UpdateChannelHistory(ctx)
	var apiErr *slack.APIError
	if !errors.As(err, &apiErr) || !apiErr.IsRateLimited() {
		t.Fatalf("expected rate limit error, got %v", err)
	}
	if _, ok := report.Synced["C1"]; !ok || report.Failed["C2"] == nil {
		t.Fatalf("unexpected report: %+v", report)
	}
	for _, c := range api.calls {
		if c.channel == "C3" {
			t.Fatalf("C3 must wait for the next pass, calls = %+v", api.calls)
		}
	}
}

func TestBackfillNewSkipsArchivedChannels(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpsertMessages(ctx, []store.Message{
		{Text: "old", UserID: "U1", ChannelID: "C1", Timestamp: "100"},
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	api := &fakeHistory{pages: map[string]map[string]*slack.HistoryPage{
		"C2": {"": {Messages: []slack.Message{
			msg("U1", "second", "20"),
			msg("U2", "first", "10"),
		}}},
	}}

	report, err := NewSynchronizer(api, s, slack.Identity{}, zerolog.Nop()).BackfillNew(ctx, []string{"C2", "C1"})
	if err != nil {
		t.Fatalf("backfill: %v", err)
	}
	if report.Synced["C2"] != 2 || len(report.Synced) != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
	want := []historyCall{{"C2", "", ""}}
	if len(api.calls) != 1 || api.calls[0] != want[0] {
		t.Fatalf("calls = %+v, want %+v", api.calls, want)
	}
	if got := count(t, s); got != 3 {
		t.Fatalf("stored %d messages, want 3", got)
	}
}

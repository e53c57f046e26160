package export

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"slack-archive-bot/internal/store"
)

func newTestStore(t *testing.T, dir string) *store.Store {
	t.Helper()
	cfg := store.DefaultConfig()
	cfg.Path = filepath.Join(dir, "slack.sqlite")
	s, err := store.New(cfg)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestHTMLExport(t *testing.T) {
	st := newTestStore(t, t.TempDir())
	ctx := context.Background()

	root := "1700000100.000100"
	if err := st.UpsertMessages(ctx, []store.Message{
		{Text: "plan for <#C2> & <@U2>", UserID: "U1", ChannelID: "C1", Timestamp: root, ThreadTimestamp: &root},
		{Text: "<script>alert(1)</script>", UserID: "U2", ChannelID: "C1", Timestamp: "1700000200.000100", ThreadTimestamp: &root},
		{Text: "orphan channel", UserID: "U9", ChannelID: "C9", Timestamp: "1700000300.000100"},
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := st.ReplaceChannels(ctx, []store.Channel{{ID: "C1", Name: "general"}, {ID: "C2", Name: "random"}}); err != nil {
		t.Fatalf("channels: %v", err)
	}
	if err := st.ReplaceUsers(ctx, []store.User{
		{ID: "U1", Name: "alice", Avatar: "https://example.com/a.png"},
		{ID: "U2", Name: "bob"},
	}); err != nil {
		t.Fatalf("users: %v", err)
	}

	out := t.TempDir()
	if err := NewHTMLExporter(st, out, zerolog.Nop()).ExportAll(ctx); err != nil {
		t.Fatalf("export: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(out, "general.html"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	html := string(data)

	for _, want := range []string{
		"<title>#general</title>",
		"plan for #random &amp; @bob",
		`class="message thread"`,
		`class="message reply"`,
		`src="https://example.com/a.png"`,
		"&lt;script&gt;",
	} {
		if !strings.Contains(html, want) {
			t.Errorf("general.html missing %q", want)
		}
	}
	if strings.Contains(html, "<script>") {
		t.Errorf("message text must be escaped")
	}
	if strings.Index(html, "plan for") > strings.Index(html, "alert(1)") {
		t.Errorf("thread root should come before its reply")
	}

	orphan, err := os.ReadFile(filepath.Join(out, "C9.html"))
	if err != nil {
		t.Fatalf("channel without a name should be exported under its id: %v", err)
	}
	if !strings.Contains(string(orphan), "unknown") {
		t.Errorf("unknown author should be labelled")
	}
}

func TestFormatterText(t *testing.T) {
	f := newFormatter(
		[]store.User{{ID: "U1", Name: "alice"}},
		[]store.Channel{{ID: "C1", Name: "general"}},
	)
	cases := []struct{ in, want string }{
		{"hi <@U1>", "hi @alice"},
		{"hi <@U404>", "hi <@U404>"},
		{"see <#C1>", "see #general"},
		{"see <#C7|ops>", "see #ops"},
		{"<https://example.com|docs> and <https://go.dev>", "docs (https://example.com) and https://go.dev"},
		{"a &lt;b&gt; &amp; c", "a <b> & c"},
	}
	for _, tc := range cases {
		if got := f.text(tc.in); got != tc.want {
			t.Errorf("text(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestWatchReexportsOnWrite(t *testing.T) {
	dir := t.TempDir()
	st := newTestStore(t, dir)

	var runs atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, st.Path(), 50*time.Millisecond, func(context.Context) error {
			runs.Add(1)
			return nil
		}, zerolog.Nop())
	}()

	waitFor(t, func() bool { return runs.Load() == 1 })

	if err := st.UpsertMessage(context.Background(), store.Message{Text: "x", UserID: "U1", ChannelID: "C1", Timestamp: "1.0"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	waitFor(t, func() bool { return runs.Load() >= 2 })

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("watch: %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

package query

import (
	"context"
	"fmt"
	"strings"
	"time"

	"slack-archive-bot/internal/store"
)

const NoResults = "No results found"

// FormatResults renders search results as Slack mrkdwn, one block per
// message.
func (e *Engine) FormatResults(ctx context.Context, results []store.MessageView) string {
	if len(results) == 0 {
		return NoResults
	}
	blocks := make([]string, 0, len(results))
	for _, r := range results {
		blocks = append(blocks, e.formatResult(ctx, r))
	}
	return strings.Join(blocks, "\n\n")
}

func (e *Engine) formatResult(ctx context.Context, r store.MessageView) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*%s* <#%s> %s", e.dir.UserLabel(ctx, r.UserID), r.ChannelID, renderTimestamp(r.Timestamp))

	if r.ThreadTimestamp != nil && *r.ThreadTimestamp != r.Timestamp {
		fmt.Fprintf(&b, "\nin thread %s", renderTimestamp(*r.ThreadTimestamp))
		if r.ThreadTitle != nil {
			fmt.Fprintf(&b, " _%s_", firstLine(*r.ThreadTitle))
		}
	}

	b.WriteByte('\n')
	b.WriteString(quote(r.Text))
	return b.String()
}

// FormatStats renders the archive summary as Slack mrkdwn.
func FormatStats(st store.Stats) string {
	return formatStats(st, renderTime)
}

// FormatStatsText is FormatStats for a terminal.
func FormatStatsText(st store.Stats) string {
	return formatStats(st, plainTime)
}

func formatStats(st store.Stats, render func(time.Time) string) string {
	if st.Count == 0 {
		return "The archive is empty"
	}
	return fmt.Sprintf("%d messages from %s to %s",
		st.Count, render(st.Earliest), render(st.Latest))
}

// renderTimestamp shows a Slack ts in the reader's own timezone.
func renderTimestamp(ts string) string {
	t := store.TSToTime(ts)
	if t.IsZero() {
		return ts
	}
	return renderTime(t.Round(time.Second))
}

func renderTime(t time.Time) string {
	return fmt.Sprintf("<!date^%d^{date_short} {time_secs}|%s>", t.Unix(), plainTime(t))
}

func plainTime(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04:05 UTC")
}

func quote(text string) string {
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = "> " + l
	}
	return strings.Join(lines, "\n")
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

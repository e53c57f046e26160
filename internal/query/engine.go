// Package query answers search commands sent to the bot by direct message.
package query

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"slack-archive-bot/internal/metrics"
	"slack-archive-bot/internal/store"
)

// Usage is the reply to "help" and the periodic nudge.
const Usage = "Usage:\n\n" +
	"    <query> from:<user> in:<channel> sort:asc|desc limit:<number>\n\n" +
	"    query: The text to search for. Use quotes around multi-word strings\n" +
	"    user: If you want to limit the search to one user, the username.\n" +
	"    channel: If you want to limit the search to one channel, the channel name.\n" +
	"    sort: Either asc if you want to search starting with the oldest messages,\n" +
	"        or desc if you want to start from the newest. Default asc.\n" +
	"    limit: The number of responses to return. Default 10.\n\n" +
	"    e.g. \"smart planner\" limit:3\n" +
	"    would search all channels for the term \"smart planner\" (without the quotes)\n" +
	"    and show the 3 oldest entries.\n\n" +
	"    Send `stats` for the size of the archive."

// Store is the archive as seen by the query engine.
type Store interface {
	SearchMessages(ctx context.Context, p store.SearchParams) ([]store.MessageView, error)
	Stats(ctx context.Context) (store.Stats, error)
	LastQuery(ctx context.Context, channel string) (time.Time, bool, error)
	TouchLastQuery(ctx context.Context, channel string, at time.Time) error
}

// Directory resolves the names typed in a query.
type Directory interface {
	ResolveUserID(ctx context.Context, name string) (string, bool)
	ResolveChannelID(ctx context.Context, name string) (string, bool)
	UserLabel(ctx context.Context, id string) string
}

type Options struct {
	// HelpInterval is how long a channel may stay quiet before the next
	// query is answered with Usage instead.
	HelpInterval time.Duration
	MaxLimit     int
}

func DefaultOptions() Options {
	return Options{
		HelpInterval: 30 * 24 * time.Hour,
		MaxLimit:     100,
	}
}

type Engine struct {
	store Store
	dir   Directory
	opts  Options
	log   zerolog.Logger
	now   func() time.Time
}

func New(st Store, dir Directory, opts Options, log zerolog.Logger) *Engine {
	return &Engine{
		store: st,
		dir:   dir,
		opts:  opts,
		log:   log.With().Str("component", "query").Logger(),
		now:   time.Now,
	}
}

// Search resolves the request's names and runs it against the archive.
// A sender the directory does not know is searched as typed, which
// matches nobody.
func (e *Engine) Search(ctx context.Context, req Request) ([]store.MessageView, error) {
	params := store.SearchParams{
		Text:  req.Text,
		Sort:  req.Sort,
		Limit: req.Limit,
	}
	if req.Sender != "" {
		if id, ok := e.dir.ResolveUserID(ctx, req.Sender); ok {
			params.UserID = id
		} else {
			e.log.Debug().Str("sender", req.Sender).Msg("unknown sender")
			params.UserID = req.Sender
		}
	}
	if req.Channel != "" {
		if id, ok := e.dir.ResolveChannelID(ctx, req.Channel); ok {
			params.ChannelID = id
		} else {
			params.ChannelID = req.Channel
		}
	}

	e.log.Info().
		Str("text", params.Text).
		Str("user", params.UserID).
		Str("channel", params.ChannelID).
		Str("sort", string(params.Sort)).
		Int("limit", params.Limit).
		Msg("processing query")

	return e.store.SearchMessages(ctx, params)
}

// Respond produces the reply to a direct message. Malformed queries are
// answered with their error text; only store failures are returned.
func (e *Engine) Respond(ctx context.Context, channel, text string) (string, error) {
	showHelp, err := e.helpDue(ctx, channel, text)
	if err != nil {
		return "", err
	}
	if showHelp {
		metrics.Queries.WithLabelValues("help").Inc()
		return Usage, nil
	}

	if strings.EqualFold(strings.TrimSpace(text), "stats") {
		metrics.Queries.WithLabelValues("stats").Inc()
		st, err := e.store.Stats(ctx)
		if err != nil {
			return "", err
		}
		return FormatStats(st), nil
	}

	req, err := Parse(text, e.opts.MaxLimit)
	if err != nil {
		var qe *QueryError
		if errors.As(err, &qe) {
			metrics.Queries.WithLabelValues("invalid").Inc()
			return qe.Message, nil
		}
		return "", err
	}

	metrics.Queries.WithLabelValues("search").Inc()
	results, err := e.Search(ctx, req)
	if err != nil {
		return "", err
	}
	return e.FormatResults(ctx, results), nil
}

// helpDue records this request and reports whether the channel should
// get Usage: on first contact, after HelpInterval of silence, or when
// asked for.
func (e *Engine) helpDue(ctx context.Context, channel, text string) (bool, error) {
	now := e.now()
	last, ok, err := e.store.LastQuery(ctx, channel)
	if err != nil {
		return false, err
	}
	if err := e.store.TouchLastQuery(ctx, channel, now); err != nil {
		return false, err
	}

	if strings.EqualFold(strings.TrimSpace(text), "help") {
		return true, nil
	}
	return !ok || now.Sub(last) > e.opts.HelpInterval, nil
}

// Package export writes the archive out as static HTML, one page per
// channel.
package export

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"slack-archive-bot/internal/store"
)

type Source interface {
	KnownChannels(ctx context.Context) ([]string, error)
	Channels(ctx context.Context) ([]store.Channel, error)
	Users(ctx context.Context) ([]store.User, error)
	ChannelMessages(ctx context.Context, channelID, after string) ([]store.ExportRow, error)
}

var page = template.Must(template.New("channel").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>#{{.Name}}</title>
<style>
body { font-family: sans-serif; max-width: 50em; margin: 2em auto; }
.message { margin: .5em 0; }
.reply { margin-left: 3em; }
.thread > .meta { font-weight: bold; }
.avatar { width: 24px; height: 24px; vertical-align: middle; }
.time { color: #888; font-size: .85em; }
.text { white-space: pre-wrap; }
</style>
</head>
<body>
<h1>#{{.Name}}</h1>
{{- range .Messages}}
<div class="message{{if .IsReply}} reply{{end}}{{if .IsThreadRoot}} thread{{end}}" id="m{{.Timestamp}}">
<div class="meta">{{if .Avatar}}<img class="avatar" src="{{.Avatar}}" alt=""> {{end}}<span class="user">{{.UserName}}</span> <span class="time">{{.Posted}}</span></div>
<div class="text">{{.Text}}</div>
</div>
{{- end}}
</body>
</html>
`))

type pageData struct {
	Name     string
	Messages []messageData
}

type messageData struct {
	store.ExportRow
	IsReply bool
	Posted  string
}

// HTMLExporter renders every archived channel to <dir>/<channel name>.html.
type HTMLExporter struct {
	source Source
	dir    string
	log    zerolog.Logger
}

func NewHTMLExporter(source Source, dir string, log zerolog.Logger) *HTMLExporter {
	return &HTMLExporter{
		source: source,
		dir:    dir,
		log:    log.With().Str("component", "html-export").Logger(),
	}
}

// ExportAll rewrites the page of every archived channel. A channel that
// fails does not stop the others.
func (e *HTMLExporter) ExportAll(ctx context.Context) error {
	if err := os.MkdirAll(e.dir, 0755); err != nil {
		return fmt.Errorf("create export dir: %w", err)
	}

	ids, err := e.source.KnownChannels(ctx)
	if err != nil {
		return err
	}
	channels, err := e.source.Channels(ctx)
	if err != nil {
		return err
	}
	users, err := e.source.Users(ctx)
	if err != nil {
		return err
	}

	f := newFormatter(users, channels)

	var errs []error
	for _, id := range ids {
		name, ok := f.channels[id]
		if !ok {
			e.log.Warn().Str("channel", id).Msg("using the channel id instead of its name")
			name = id
		}
		if err := e.exportChannel(ctx, f, id, name); err != nil {
			e.log.Error().Err(err).Str("channel", id).Msg("html export failed")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *HTMLExporter) exportChannel(ctx context.Context, f *formatter, id, name string) error {
	e.log.Info().Str("channel", name).Msg("dumping channel")

	rows, err := e.source.ChannelMessages(ctx, id, "")
	if err != nil {
		return err
	}

	data := pageData{Name: name, Messages: make([]messageData, 0, len(rows))}
	for _, r := range rows {
		if r.UserName == "" {
			r.UserName = "unknown"
		}
		r.Text = f.text(r.Text)
		data.Messages = append(data.Messages, messageData{
			ExportRow: r,
			IsReply:   r.ThreadTimestamp != nil && !r.IsThreadRoot,
			Posted:    store.TSToTime(r.Timestamp).Format("2006-01-02 15:04:05 UTC"),
		})
	}

	path := filepath.Join(e.dir, fileName(name))
	tmp, err := os.CreateTemp(e.dir, ".export-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := page.Execute(tmp, data); err != nil {
		tmp.Close()
		return fmt.Errorf("render %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

var unsafeFileChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

func fileName(channel string) string {
	return unsafeFileChars.ReplaceAllString(channel, "_") + ".html"
}

var (
	userMentionRe    = regexp.MustCompile(`<@([UW][A-Z0-9]+)(?:\|[^>]*)?>`)
	namedChannelRe   = regexp.MustCompile(`<#[CDG][A-Z0-9]+\|([^>]+)>`)
	channelMentionRe = regexp.MustCompile(`<#([CDG][A-Z0-9]+)>`)
	linkRe           = regexp.MustCompile(`<(https?://[^|>]+)(?:\|([^>]+))?>`)
)

type formatter struct {
	users    map[string]string
	channels map[string]string
}

func newFormatter(users []store.User, channels []store.Channel) *formatter {
	f := &formatter{
		users:    make(map[string]string, len(users)),
		channels: make(map[string]string, len(channels)),
	}
	for _, u := range users {
		f.users[u.ID] = u.Name
	}
	for _, c := range channels {
		f.channels[c.ID] = c.Name
	}
	return f
}

// text turns Slack markup into plain text: mentions become @name and
// #channel, links their label, and entities are decoded.
func (f *formatter) text(text string) string {
	text = userMentionRe.ReplaceAllStringFunc(text, func(match string) string {
		id := userMentionRe.FindStringSubmatch(match)[1]
		if name, ok := f.users[id]; ok {
			return "@" + name
		}
		return match
	})

	text = namedChannelRe.ReplaceAllString(text, "#$1")

	text = channelMentionRe.ReplaceAllStringFunc(text, func(match string) string {
		id := channelMentionRe.FindStringSubmatch(match)[1]
		if name, ok := f.channels[id]; ok {
			return "#" + name
		}
		return match
	})

	text = linkRe.ReplaceAllStringFunc(text, func(match string) string {
		m := linkRe.FindStringSubmatch(match)
		if m[2] != "" {
			return m[2] + " (" + m[1] + ")"
		}
		return m[1]
	})

	text = strings.ReplaceAll(text, "&lt;", "<")
	text = strings.ReplaceAll(text, "&gt;", ">")
	text = strings.ReplaceAll(text, "&amp;", "&")

	return text
}


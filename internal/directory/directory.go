// Package directory keeps the in-memory name↔id maps for workspace users
// and channels.
//
// Lookups that miss trigger a single bulk refresh from Slack before giving
// up; a persistent miss is reported as unresolved, never as an error.
package directory

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"slack-archive-bot/internal/slack"
	"slack-archive-bot/internal/store"
)

// Unknown is shown in place of names that could not be resolved.
const Unknown = "unknown"

// Used when a profile has no avatar.
const defaultAvatar = "https://secure.gravatar.com/avatar/c3a07fba0c4787b0ef1d417838eae9c5.jpg?s=32&d=https%3A%2F%2Ffst.slack-edge.com%2F66f9%2Fimg%2Favatars%2Fava_0024-32.png"

// Upstream is the part of the Slack client the directory reads from.
type Upstream interface {
	ListUsers(ctx context.Context) ([]slack.User, error)
	ListChannels(ctx context.Context, includePrivate bool) ([]slack.Channel, error)
}

// Persister receives every refreshed snapshot.
type Persister interface {
	ReplaceUsers(ctx context.Context, users []store.User) error
	ReplaceChannels(ctx context.Context, channels []store.Channel) error
}

type Directory struct {
	upstream Upstream
	persist  Persister
	log      zerolog.Logger

	mu           sync.Mutex
	userIDs      map[string]string // name -> id
	userNames    map[string]string // id -> name
	channelIDs   map[string]string // name -> id
	channelNames map[string]string // id -> name
	subscribed   map[string]struct{}
}

// New returns an empty directory. persist may be nil.
func New(upstream Upstream, persist Persister, log zerolog.Logger) *Directory {
	return &Directory{
		upstream:     upstream,
		persist:      persist,
		log:          log.With().Str("component", "directory").Logger(),
		userIDs:      make(map[string]string),
		userNames:    make(map[string]string),
		channelIDs:   make(map[string]string),
		channelNames: make(map[string]string),
		subscribed:   make(map[string]struct{}),
	}
}

// Refresh reloads users and channels from Slack.
func (d *Directory) Refresh(ctx context.Context) error {
	if err := d.refreshUsers(ctx); err != nil {
		return err
	}
	return d.refreshChannels(ctx)
}

func (d *Directory) refreshUsers(ctx context.Context) error {
	users, err := d.upstream.ListUsers(ctx)
	if err != nil {
		return err
	}

	rows := make([]store.User, 0, len(users))
	d.mu.Lock()
	for _, u := range users {
		d.userIDs[u.Name] = u.ID
		d.userNames[u.ID] = u.Name

		avatar := u.Profile.Image72
		if avatar == "" {
			avatar = defaultAvatar
		}
		rows = append(rows, store.User{ID: u.ID, Name: u.Name, Avatar: avatar})
	}
	d.mu.Unlock()

	if d.persist != nil {
		if err := d.persist.ReplaceUsers(ctx, rows); err != nil {
			return err
		}
	}
	d.log.Info().Int("users", len(users)).Msg("users updated")
	return nil
}

func (d *Directory) refreshChannels(ctx context.Context) error {
	channels, err := d.upstream.ListChannels(ctx, true)
	if err != nil {
		return err
	}

	rows := make([]store.Channel, 0, len(channels))
	d.mu.Lock()
	for _, c := range channels {
		d.channelIDs[c.Name] = c.ID
		d.channelNames[c.ID] = c.Name
		if c.IsMember {
			d.subscribed[c.ID] = struct{}{}
		}
		rows = append(rows, store.Channel{ID: c.ID, Name: c.Name})
	}
	d.mu.Unlock()

	if d.persist != nil {
		if err := d.persist.ReplaceChannels(ctx, rows); err != nil {
			return err
		}
	}
	d.log.Info().Int("channels", len(channels)).Msg("channels updated")
	return nil
}

func (d *Directory) lookup(m map[string]string, key string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := m[key]
	return v, ok
}

// resolve checks m, refreshes once on a miss, then checks again.
func (d *Directory) resolve(ctx context.Context, m map[string]string, key string, refresh func(context.Context) error) (string, bool) {
	if v, ok := d.lookup(m, key); ok {
		return v, true
	}
	if err := refresh(ctx); err != nil {
		d.log.Warn().Err(err).Str("key", key).Msg("directory refresh failed")
	}
	return d.lookup(m, key)
}

func (d *Directory) ResolveUserID(ctx context.Context, name string) (string, bool) {
	return d.resolve(ctx, d.userIDs, name, d.refreshUsers)
}

func (d *Directory) ResolveUserName(ctx context.Context, id string) (string, bool) {
	return d.resolve(ctx, d.userNames, id, d.refreshUsers)
}

func (d *Directory) ResolveChannelID(ctx context.Context, name string) (string, bool) {
	return d.resolve(ctx, d.channelIDs, name, d.refreshChannels)
}

func (d *Directory) ResolveChannelName(ctx context.Context, id string) (string, bool) {
	return d.resolve(ctx, d.channelNames, id, d.refreshChannels)
}

// UserLabel is ResolveUserName with the Unknown fallback for display.
func (d *Directory) UserLabel(ctx context.Context, id string) string {
	if name, ok := d.ResolveUserName(ctx, id); ok {
		return name
	}
	return Unknown
}

// IsSubscribed reports whether the bot is a member of the channel.
func (d *Directory) IsSubscribed(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.subscribed[id]
	return ok
}

// Subscribed lists the channels the bot is a member of.
func (d *Directory) Subscribed() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]string, 0, len(d.subscribed))
	for id := range d.subscribed {
		ids = append(ids, id)
	}
	return ids
}

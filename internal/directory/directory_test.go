package directory

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"slack-archive-bot/internal/slack"
	"slack-archive-bot/internal/store"
)

type fakeUpstream struct {
	users        []slack.User
	channels     []slack.Channel
	userCalls    int
	channelCalls int
	err          error
}

func (f *fakeUpstream) ListUsers(ctx context.Context) ([]slack.User, error) {
	f.userCalls++
	return f.users, f.err
}

func (f *fakeUpstream) ListChannels(ctx context.Context, includePrivate bool) ([]slack.Channel, error) {
	f.channelCalls++
	if !includePrivate {
		return nil, errors.New("private channels must be included")
	}
	return f.channels, f.err
}

type recordingPersister struct {
	users    []store.User
	channels []store.Channel
}

func (p *recordingPersister) ReplaceUsers(ctx context.Context, users []store.User) error {
	p.users = users
	return nil
}

func (p *recordingPersister) ReplaceChannels(ctx context.Context, channels []store.Channel) error {
	p.channels = channels
	return nil
}

func newFixture() *fakeUpstream {
	return &fakeUpstream{
		users: []slack.User{
			{ID: "U1", Name: "alice", Profile: slack.UserProfile{Image72: "alice.png"}},
			{ID: "U2", Name: "bob"},
		},
		channels: []slack.Channel{
			{ID: "C1", Name: "general", IsMember: true},
			{ID: "C2", Name: "random"},
			{ID: "G1", Name: "secret", IsPrivate: true, IsMember: true},
		},
	}
}

func TestRefreshPopulatesMapsAndPersists(t *testing.T) {
	up := newFixture()
	p := &recordingPersister{}
	d := New(up, p, zerolog.Nop())
	ctx := context.Background()

	if err := d.Refresh(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	if id, ok := d.ResolveUserID(ctx, "alice"); !ok || id != "U1" {
		t.Fatalf("ResolveUserID(alice) = %q, %v", id, ok)
	}
	if name, ok := d.ResolveChannelName(ctx, "G1"); !ok || name != "secret" {
		t.Fatalf("ResolveChannelName(G1) = %q, %v", name, ok)
	}
	if id, ok := d.ResolveChannelID(ctx, "random"); !ok || id != "C2" {
		t.Fatalf("ResolveChannelID(random) = %q, %v", id, ok)
	}
	if up.userCalls != 1 || up.channelCalls != 1 {
		t.Fatalf("hits must not refresh, got %d user / %d channel calls", up.userCalls, up.channelCalls)
	}

	if !d.IsSubscribed("C1") || !d.IsSubscribed("G1") || d.IsSubscribed("C2") {
		t.Fatalf("unexpected subscriptions: %v", d.Subscribed())
	}

	if len(p.users) != 2 || p.users[0].Avatar != "alice.png" || p.users[1].Avatar != defaultAvatar {
		t.Fatalf("unexpected persisted users: %+v", p.users)
	}
	if len(p.channels) != 3 {
		t.Fatalf("expected 3 persisted channels, got %d", len(p.channels))
	}
}

func TestMissRefreshesExactlyOnce(t *testing.T) {
	up := newFixture()
	d := New(up, nil, zerolog.Nop())
	ctx := context.Background()

	if _, ok := d.ResolveUserID(ctx, "nonexistentuser"); ok {
		t.Fatalf("expected unresolved user")
	}
	if up.userCalls != 1 {
		t.Fatalf("expected one refresh on miss, got %d", up.userCalls)
	}
	if up.channelCalls != 0 {
		t.Fatalf("a user miss must not refresh channels")
	}

	// the refresh loaded alice, so this is a hit
	if name, ok := d.ResolveUserName(ctx, "U1"); !ok || name != "alice" {
		t.Fatalf("ResolveUserName(U1) = %q, %v", name, ok)
	}
	if up.userCalls != 1 {
		t.Fatalf("hit after refresh must not call upstream, got %d", up.userCalls)
	}
}

func TestUpstreamFailureIsNotFatal(t *testing.T) {
	up := &fakeUpstream{err: errors.New("slack down")}
	d := New(up, nil, zerolog.Nop())
	ctx := context.Background()

	if _, ok := d.ResolveChannelID(ctx, "general"); ok {
		t.Fatalf("expected unresolved channel")
	}
	if got := d.UserLabel(ctx, "U404"); got != Unknown {
		t.Fatalf("UserLabel = %q, want %q", got, Unknown)
	}
	if err := d.Refresh(ctx); err == nil {
		t.Fatalf("explicit refresh should report the upstream error")
	}
}

func TestDirectoryGrowsMonotonically(t *testing.T) {
	up := newFixture()
	d := New(up, nil, zerolog.Nop())
	ctx := context.Background()

	if err := d.Refresh(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	// bob leaves, carol joins
	up.users = []slack.User{{ID: "U3", Name: "carol"}}
	if id, ok := d.ResolveUserID(ctx, "carol"); !ok || id != "U3" {
		t.Fatalf("expected carol after refresh on miss, got %q %v", id, ok)
	}
	if id, ok := d.ResolveUserID(ctx, "bob"); !ok || id != "U2" {
		t.Fatalf("expected bob to remain cached, got %q %v", id, ok)
	}
}

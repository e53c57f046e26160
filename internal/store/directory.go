package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ─── Users & channels ────────────────────────────────────────────────────────

// ReplaceUsers upserts the given users keyed by id.
func (s *Store) ReplaceUsers(ctx context.Context, users []User) error {
	return s.WithTx(ctx, func(ctx context.Context) error {
		for _, u := range users {
			if _, err := s.conn(ctx).ExecContext(ctx,
				`INSERT OR REPLACE INTO users (name, id, avatar) VALUES (?, ?, ?)`,
				u.Name, u.ID, u.Avatar,
			); err != nil {
				return fmt.Errorf("store: replace user %s: %w", u.ID, err)
			}
		}
		return nil
	})
}

// ReplaceChannels upserts the given channels keyed by id.
func (s *Store) ReplaceChannels(ctx context.Context, channels []Channel) error {
	return s.WithTx(ctx, func(ctx context.Context) error {
		for _, c := range channels {
			if _, err := s.conn(ctx).ExecContext(ctx,
				`INSERT OR REPLACE INTO channels (name, id) VALUES (?, ?)`,
				c.Name, c.ID,
			); err != nil {
				return fmt.Errorf("store: replace channel %s: %w", c.ID, err)
			}
		}
		return nil
	})
}

// Channels lists the persisted channel directory ordered by name.
func (s *Store) Channels(ctx context.Context) ([]Channel, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, `SELECT COALESCE(name, ''), id FROM channels ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("store: list channels: %w", err)
	}
	defer rows.Close()

	var out []Channel
	for rows.Next() {
		var c Channel
		if err := rows.Scan(&c.Name, &c.ID); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Users lists the persisted user directory ordered by name.
func (s *Store) Users(ctx context.Context) ([]User, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, `SELECT COALESCE(name, ''), id, COALESCE(avatar, '') FROM users ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("store: list users: %w", err)
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.Name, &u.ID, &u.Avatar); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// ─── Last query ──────────────────────────────────────────────────────────────

// LastQuery returns when someone last queried the bot from channel. The
// boolean is false when no query was ever recorded.
func (s *Store) LastQuery(ctx context.Context, channel string) (time.Time, bool, error) {
	var ts sql.NullInt64
	err := s.conn(ctx).QueryRowContext(ctx,
		`SELECT timestamp FROM last_query WHERE channel = ?`, channel,
	).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("store: last query %s: %w", channel, err)
	}
	if !ts.Valid {
		return time.Time{}, false, nil
	}
	return time.Unix(ts.Int64, 0).UTC(), true, nil
}

// TouchLastQuery records at as the channel's last query time.
func (s *Store) TouchLastQuery(ctx context.Context, channel string, at time.Time) error {
	_, err := s.conn(ctx).ExecContext(ctx,
		`INSERT OR REPLACE INTO last_query (channel, timestamp) VALUES (?, ?)`,
		channel, at.Unix(),
	)
	if err != nil {
		return fmt.Errorf("store: touch last query %s: %w", channel, err)
	}
	return nil
}

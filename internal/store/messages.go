package store

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// ─── Writes ──────────────────────────────────────────────────────────────────

// UpsertMessage inserts m, replacing any row with the same channel and
// timestamp.
func (s *Store) UpsertMessage(ctx context.Context, m Message) error {
	_, err := s.conn(ctx).ExecContext(ctx,
		`INSERT OR REPLACE INTO messages (message, user, channel, timestamp, thread_timestamp)
		 VALUES (?, ?, ?, ?, ?)`,
		m.Text, m.UserID, m.ChannelID, m.Timestamp, nullableString(m.ThreadTimestamp),
	)
	if err != nil {
		return fmt.Errorf("store: upsert message %s/%s: %w", m.ChannelID, m.Timestamp, err)
	}
	return nil
}

// UpsertMessages writes a batch in a single transaction.
func (s *Store) UpsertMessages(ctx context.Context, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}
	return s.WithTx(ctx, func(ctx context.Context) error {
		for _, m := range msgs {
			if err := s.UpsertMessage(ctx, m); err != nil {
				return err
			}
		}
		return nil
	})
}

// ─── Sync bookkeeping ────────────────────────────────────────────────────────

// LatestPerChannel maps every archived channel to its newest stored
// timestamp, in the form Slack returned it.
func (s *Store) LatestPerChannel(ctx context.Context) (map[string]string, error) {
	// SQLite returns the bare timestamp column from the row holding the MAX.
	rows, err := s.conn(ctx).QueryContext(ctx, `
		SELECT channel, timestamp, MAX(CAST(timestamp AS REAL))
		FROM messages
		WHERE channel IS NOT NULL
		GROUP BY channel`)
	if err != nil {
		return nil, fmt.Errorf("store: latest per channel: %w", err)
	}
	defer rows.Close()

	latest := make(map[string]string)
	for rows.Next() {
		var (
			channel, ts string
			maxTS       float64
		)
		if err := rows.Scan(&channel, &ts, &maxTS); err != nil {
			return nil, err
		}
		latest[channel] = ts
	}
	return latest, rows.Err()
}

// KnownChannels returns the ids of channels with at least one archived
// message.
func (s *Store) KnownChannels(ctx context.Context) ([]string, error) {
	rows, err := s.conn(ctx).QueryContext(ctx,
		`SELECT DISTINCT channel FROM messages WHERE channel IS NOT NULL ORDER BY channel`)
	if err != nil {
		return nil, fmt.Errorf("store: known channels: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ─── Search ──────────────────────────────────────────────────────────────────

type SortOrder string

const (
	Ascending  SortOrder = "asc"
	Descending SortOrder = "desc"
)

// SearchParams are the already validated filters of a search. Empty
// fields are not filtered on.
type SearchParams struct {
	Text      string
	UserID    string
	ChannelID string
	Sort      SortOrder
	Limit     int
}

// SearchMessages runs a substring search. Every value is bound as a
// parameter; the only interpolated fragments are fixed predicates and the
// sort keyword chosen from a whitelist.
func (s *Store) SearchMessages(ctx context.Context, p SearchParams) ([]MessageView, error) {
	var (
		where []string
		args  []any
	)

	if p.Text != "" {
		where = append(where, `ulower(m.message) LIKE ? ESCAPE '\'`)
		args = append(args, "%"+escapeLike(strings.ToLower(p.Text))+"%")
	}
	if p.UserID != "" {
		where = append(where, "m.user = ?")
		args = append(args, p.UserID)
	}
	if p.ChannelID != "" {
		where = append(where, "m.channel = ?")
		args = append(args, p.ChannelID)
	}

	dir := "ASC"
	if p.Sort == Descending {
		dir = "DESC"
	}

	query := `
		SELECT COALESCE(m.message, ''), m.user, m.channel, m.timestamp, m.thread_timestamp,
		       tm.message AS thread_title
		FROM messages m
		LEFT OUTER JOIN messages tm
		    ON m.thread_timestamp = tm.timestamp AND m.channel = tm.channel`
	if len(where) > 0 {
		query += "\n\t\tWHERE " + strings.Join(where, " AND ")
	}
	query += fmt.Sprintf(`
		ORDER BY CAST(COALESCE(m.thread_timestamp, m.timestamp) AS REAL) %[1]s,
		         CAST(m.timestamp AS REAL) %[1]s
		LIMIT ?`, dir)
	args = append(args, p.Limit)

	rows, err := s.conn(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: search messages: %w", err)
	}
	defer rows.Close()

	var results []MessageView
	for rows.Next() {
		var (
			v       MessageView
			user    sql.NullString
			channel sql.NullString
			thread  sql.NullString
			title   sql.NullString
		)
		if err := rows.Scan(&v.Text, &user, &channel, &v.Timestamp, &thread, &title); err != nil {
			return nil, err
		}
		v.UserID = user.String
		v.ChannelID = channel.String
		v.ThreadTimestamp = fromNull(thread)
		v.ThreadTitle = fromNull(title)
		results = append(results, v)
	}
	return results, rows.Err()
}

// Stats summarizes the whole archive. Earliest and Latest are zero when
// nothing is archived.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var (
		st       Stats
		earliest sql.NullFloat64
		latest   sql.NullFloat64
	)
	err := s.conn(ctx).QueryRowContext(ctx, `
		SELECT COUNT(*),
		       MIN(CAST(timestamp AS REAL)),
		       MAX(CAST(timestamp AS REAL))
		FROM messages`).Scan(&st.Count, &earliest, &latest)
	if err != nil {
		return st, fmt.Errorf("store: stats: %w", err)
	}
	if earliest.Valid {
		st.Earliest = epochToTime(earliest.Float64)
	}
	if latest.Valid {
		st.Latest = epochToTime(latest.Float64)
	}
	return st, nil
}

// ─── Export ──────────────────────────────────────────────────────────────────

// ExportRow is a message joined with its author for static rendering.
type ExportRow struct {
	Message
	UserName     string
	Avatar       string
	IsThreadRoot bool
}

// ChannelMessages returns a channel's archive in timestamp order, optionally
// only the messages newer than after.
func (s *Store) ChannelMessages(ctx context.Context, channelID, after string) ([]ExportRow, error) {
	query := `
		SELECT COALESCE(m.message, ''), m.user, m.channel, m.timestamp, m.thread_timestamp,
		       COALESCE(u.name, ''), COALESCE(u.avatar, '')
		FROM messages m
		LEFT OUTER JOIN users u ON m.user = u.id
		WHERE m.channel = ?`
	args := []any{channelID}
	if after != "" {
		query += " AND CAST(m.timestamp AS REAL) > CAST(? AS REAL)"
		args = append(args, after)
	}
	query += " ORDER BY CAST(COALESCE(m.thread_timestamp, m.timestamp) AS REAL), CAST(m.timestamp AS REAL)"

	rows, err := s.conn(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: channel messages %s: %w", channelID, err)
	}
	defer rows.Close()

	var out []ExportRow
	for rows.Next() {
		var (
			r      ExportRow
			user   sql.NullString
			thread sql.NullString
		)
		if err := rows.Scan(&r.Text, &user, &r.ChannelID, &r.Timestamp, &thread, &r.UserName, &r.Avatar); err != nil {
			return nil, err
		}
		r.UserID = user.String
		r.ThreadTimestamp = fromNull(thread)
		r.IsThreadRoot = r.ThreadTimestamp != nil && *r.ThreadTimestamp == r.Timestamp
		out = append(out, r)
	}
	return out, rows.Err()
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func nullableString(s *string) any {
	if s == nil || *s == "" {
		return nil
	}
	return *s
}

func fromNull(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

// TSToTime converts a Slack timestamp to UTC time, or the zero time when
// ts is not a number.
func TSToTime(ts string) time.Time {
	f, err := strconv.ParseFloat(ts, 64)
	if err != nil {
		return time.Time{}
	}
	return epochToTime(f)
}

func epochToTime(f float64) time.Time {
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}

package sheets

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/rs/zerolog"

	"slack-archive-bot/internal/progress"
	"slack-archive-bot/internal/store"
)

// rows per Append call; progress is saved after each batch
const batchSize = 500

type Source interface {
	KnownChannels(ctx context.Context) ([]string, error)
	Channels(ctx context.Context) ([]store.Channel, error)
	ChannelMessages(ctx context.Context, channelID, after string) ([]store.ExportRow, error)
}

type Writer interface {
	EnsureChannelSheet(ctx context.Context, spreadsheetID, channelID, channelName string) (string, error)
	AppendRows(ctx context.Context, spreadsheetID, sheetName string, rows [][]interface{}) error
}

type Progress interface {
	LastExported(channelID string) (string, error)
	MarkExported(channelID, channelName, ts string, n int, phase string) error
}

// Exporter mirrors the archive into one spreadsheet, a tab per channel,
// appending only what was archived since the previous run.
type Exporter struct {
	source        Source
	writer        Writer
	progress      Progress
	spreadsheetID string
	log           zerolog.Logger
}

func NewExporter(source Source, writer Writer, p Progress, spreadsheetID string, log zerolog.Logger) *Exporter {
	return &Exporter{
		source:        source,
		writer:        writer,
		progress:      p,
		spreadsheetID: spreadsheetID,
		log:           log.With().Str("component", "sheets-export").Logger(),
	}
}

// ExportAll exports every archived channel, continuing past failures.
func (e *Exporter) ExportAll(ctx context.Context) error {
	ids, err := e.source.KnownChannels(ctx)
	if err != nil {
		return err
	}
	channels, err := e.source.Channels(ctx)
	if err != nil {
		return err
	}
	names := make(map[string]string, len(channels))
	for _, c := range channels {
		names[c.ID] = c.Name
	}

	var errs []error
	for _, id := range ids {
		name, ok := names[id]
		if !ok {
			e.log.Warn().Str("channel", id).Msg("channel name unknown, using its id")
			name = id
		}
		n, err := e.ExportChannel(ctx, id, name)
		if err != nil {
			e.log.Error().Err(err).Str("channel", id).Msg("sheet export failed")
			errs = append(errs, err)
			continue
		}
		e.log.Info().Str("channel", id).Int("rows", n).Msg("channel exported")
	}
	return errors.Join(errs...)
}

// ExportChannel appends the channel's new messages and returns how many
// rows were written.
func (e *Exporter) ExportChannel(ctx context.Context, channelID, channelName string) (int, error) {
	after, err := e.progress.LastExported(channelID)
	if err != nil {
		return 0, err
	}
	rows, err := e.source.ChannelMessages(ctx, channelID, after)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}

	sheetName, err := e.writer.EnsureChannelSheet(ctx, e.spreadsheetID, channelID, channelName)
	if err != nil {
		return 0, err
	}

	// sheets are append-only, so rows go in posting order and the
	// high-water mark only moves forward
	sort.SliceStable(rows, func(i, j int) bool { return tsAfter(rows[j].Timestamp, rows[i].Timestamp) })

	written := 0
	newest := after
	for start := 0; start < len(rows); start += batchSize {
		end := min(start+batchSize, len(rows))
		batch := make([][]interface{}, 0, end-start)
		for _, r := range rows[start:end] {
			batch = append(batch, BuildRow(r))
			newest = r.Timestamp
		}

		if err := e.writer.AppendRows(ctx, e.spreadsheetID, sheetName, batch); err != nil {
			return written, fmt.Errorf("append to %s: %w", sheetName, err)
		}
		written += len(batch)

		phase := progress.PhaseWriting
		if end == len(rows) {
			phase = progress.PhaseCompleted
		}
		if err := e.progress.MarkExported(channelID, channelName, newest, len(batch), phase); err != nil {
			return written, err
		}
	}
	return written, nil
}

// BuildRow lays out one message in the column order of headers.
func BuildRow(r store.ExportRow) []interface{} {
	thread := ""
	if r.ThreadTimestamp != nil && *r.ThreadTimestamp != r.Timestamp {
		thread = *r.ThreadTimestamp
	}
	handle := r.UserName
	if handle == "" {
		handle = "unknown"
	}
	return []interface{}{
		store.TSToTime(r.Timestamp).Format("2006-01-02 15:04:05"),
		handle,
		r.UserID,
		r.Text,
		thread,
		r.Timestamp,
	}
}


func tsAfter(a, b string) bool {
	fa, errA := strconv.ParseFloat(a, 64)
	fb, errB := strconv.ParseFloat(b, 64)
	if errA != nil || errB != nil {
		return a > b
	}
	return fa > fb
}

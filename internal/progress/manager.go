package progress

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// ChannelProgress is how far a channel has been exported to a sheet.
type ChannelProgress struct {
	ChannelID        string    `json:"channel_id"`
	ChannelName      string    `json:"channel_name"`
	LastExportedTS   string    `json:"last_exported_ts"`
	ExportedMessages int       `json:"exported_messages"`
	LastUpdated      time.Time `json:"last_updated"`
	Phase            string    `json:"phase"` // "writing", "completed"
}

const (
	PhaseWriting   = "writing"
	PhaseCompleted = "completed"
)

// Manager handles progress persistence for sheet exports
type Manager struct {
	dir string
	log zerolog.Logger
}

// NewManager stores progress files under dir
func NewManager(dir string, log zerolog.Logger) *Manager {
	return &Manager{
		dir: dir,
		log: log.With().Str("component", "progress").Logger(),
	}
}

func (m *Manager) ensureDir() error {
	if err := os.MkdirAll(m.dir, 0755); err != nil {
		return fmt.Errorf("failed to create progress directory: %w", err)
	}
	return nil
}

func (m *Manager) getProgressFilePath(channelID string) string {
	return filepath.Join(m.dir, fmt.Sprintf("channel_%s.json", channelID))
}

// SaveProgress writes the progress atomically
func (m *Manager) SaveProgress(progress *ChannelProgress) error {
	if err := m.ensureDir(); err != nil {
		return err
	}

	progress.LastUpdated = time.Now()

	data, err := json.MarshalIndent(progress, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal progress: %w", err)
	}

	filePath := m.getProgressFilePath(progress.ChannelID)
	tmp := filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write progress file: %w", err)
	}
	if err := os.Rename(tmp, filePath); err != nil {
		return fmt.Errorf("failed to replace progress file: %w", err)
	}

	m.log.Debug().
		Str("channel", progress.ChannelID).
		Str("last_ts", progress.LastExportedTS).
		Int("exported", progress.ExportedMessages).
		Str("phase", progress.Phase).
		Msg("progress saved")
	return nil
}

// LoadProgress returns nil without error when the channel was never exported
func (m *Manager) LoadProgress(channelID string) (*ChannelProgress, error) {
	data, err := os.ReadFile(m.getProgressFilePath(channelID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read progress file: %w", err)
	}

	var progress ChannelProgress
	if err := json.Unmarshal(data, &progress); err != nil {
		return nil, fmt.Errorf("failed to unmarshal progress: %w", err)
	}
	return &progress, nil
}

// HasProgress checks if there's existing progress for a channel
func (m *Manager) HasProgress(channelID string) bool {
	_, err := os.Stat(m.getProgressFilePath(channelID))
	return err == nil
}

// DeleteProgress forgets a channel so the next export starts over
func (m *Manager) DeleteProgress(channelID string) error {
	err := os.Remove(m.getProgressFilePath(channelID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete progress file: %w", err)
	}
	return nil
}

// LastExported is the newest timestamp written for the channel, or ""
func (m *Manager) LastExported(channelID string) (string, error) {
	progress, err := m.LoadProgress(channelID)
	if err != nil || progress == nil {
		return "", err
	}
	return progress.LastExportedTS, nil
}

// MarkExported records that rows up to ts have been written
func (m *Manager) MarkExported(channelID, channelName, ts string, n int, phase string) error {
	progress, err := m.LoadProgress(channelID)
	if err != nil {
		return err
	}
	if progress == nil {
		progress = &ChannelProgress{ChannelID: channelID}
	}
	progress.ChannelName = channelName
	if ts != "" {
		progress.LastExportedTS = ts
	}
	progress.ExportedMessages += n
	progress.Phase = phase
	return m.SaveProgress(progress)
}

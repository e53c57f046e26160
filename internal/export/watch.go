package export

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watch calls fn once at start and again after each burst of writes to the
// database at dbPath (including its -wal and -journal files) has been
// quiet for debounce. fn errors are logged, not returned. Watch returns when
// ctx is done.
func Watch(ctx context.Context, dbPath string, debounce time.Duration, fn func(context.Context) error, log zerolog.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	// SQLite replaces its side files, so watch the directory, not the file
	dir := filepath.Dir(dbPath)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	base := filepath.Base(dbPath)
	log.Info().Str("path", dbPath).Msg("watching database for changes")

	run := func() {
		if err := fn(ctx); err != nil {
			log.Error().Err(err).Msg("export failed")
		}
	}
	run()

	timer := time.NewTimer(debounce)
	if !timer.Stop() {
		<-timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if !strings.HasPrefix(filepath.Base(event.Name), base) {
				continue
			}
			log.Debug().Str("file", event.Name).Msg("database modified")
			timer.Reset(debounce)
		case <-timer.C:
			run()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("watcher error")
		}
	}
}

package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultDebounce coalesces bursts of file events into one notification.
const DefaultDebounce = 500 * time.Millisecond

// Watcher notifies when configuration files change.
type Watcher struct {
	logger   zerolog.Logger
	debounce time.Duration
}

// NewWatcher creates a watcher. A zero debounce uses DefaultDebounce.
func NewWatcher(logger zerolog.Logger, debounce time.Duration) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Watcher{
		logger:   logger.With().Str("component", "config-watcher").Logger(),
		debounce: debounce,
	}
}

// Watch calls onChange after any of paths is written, created, removed or
// renamed. Parent directories are watched so editors that replace files are
// seen. onChange runs on the calling goroutine, so calls never overlap and
// none starts after Watch returns. Watch blocks until ctx is done.
func (w *Watcher) Watch(ctx context.Context, paths []string, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	targets := make(map[string]bool, len(paths))
	dirs := make(map[string]bool)
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return fmt.Errorf("failed to resolve %s: %w", p, err)
		}
		targets[abs] = true
		dirs[filepath.Dir(abs)] = true
	}

	added := 0
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			w.logger.Warn().Err(err).Str("path", dir).Msg("Failed to watch directory")
			continue
		}
		added++
	}
	if added == 0 {
		return fmt.Errorf("none of %d paths could be watched", len(paths))
	}

	w.logger.Info().Int("paths", len(paths)).Msg("Started watching configuration")

	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-fire:
			fire = nil
			if ctx.Err() != nil {
				return nil
			}
			onChange()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !targets[filepath.Clean(event.Name)] {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}

			w.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Configuration file changed")

			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// Store holds the active settings snapshot. Readers call Current once per
// admission and thread the snapshot through every stage; Reload swaps the
// pointer atomically so in-flight admissions keep their snapshot.
type Store struct {
	path    string
	current atomic.Pointer[Settings]
	log     *slog.Logger
}

// NewStore loads the settings file at path and returns a store serving it.
func NewStore(path string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	store := &Store{path: path, log: log}
	if err := store.Reload(); err != nil {
		return nil, err
	}
	return store, nil
}

// NewStaticStore wraps an already-built snapshot; used by tests and by
// callers that manage reloading themselves.
func NewStaticStore(settings *Settings) *Store {
	store := &Store{log: slog.Default()}
	store.current.Store(settings)
	return store
}

// Current returns the active snapshot.
func (s *Store) Current() *Settings {
	return s.current.Load()
}

// Replace swaps the active snapshot.
func (s *Store) Replace(settings *Settings) {
	s.current.Store(settings)
}

// Reload re-reads the settings file. On any error the previous snapshot
// stays active.
func (s *Store) Reload() error {
	settings, err := Load(s.path)
	if err != nil {
		return err
	}
	for _, warning := range settings.Warnings() {
		s.log.Warn("settings warning", slog.String("detail", warning))
	}
	s.current.Store(settings)
	return nil
}

// Watch reloads the settings file whenever it changes on disk, until ctx is
// cancelled. Parse failures are logged and the previous snapshot kept.
func (s *Store) Watch(ctx context.Context) error {
	if s.path == "" {
		return fmt.Errorf("settings store has no backing file")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("settings watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: editors and config maps replace the file, which
	// drops a watch registered on the file itself.
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(s.path), err)
	}

	target := filepath.Clean(s.path)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if err := s.Reload(); err != nil {
				s.log.Error("settings reload failed; keeping previous snapshot",
					slog.String("path", s.path),
					slog.String("error", err.Error()))
				continue
			}
			s.log.Info("settings reloaded", slog.String("path", s.path))
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.log.Error("settings watcher error", slog.String("error", err.Error()))
		}
	}
}

package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Service watches the operator policy file and reloads it on change. The
// parent directory is watched rather than the file itself so atomic
// rename-over-save from editors and configuration tooling is picked up.
type Service struct {
	path     string
	loader   *Loader
	logger   *slog.Logger
	watcher  *fsnotify.Watcher
	debounce time.Duration
}

func New(path string, loader *Loader, logger *slog.Logger) (*Service, error) {
	fileWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		path:     filepath.Clean(path),
		loader:   loader,
		logger:   logger,
		watcher:  fileWatcher,
		debounce: 250 * time.Millisecond,
	}, nil
}

func (s *Service) Start(ctx context.Context) error {
	defer s.watcher.Close()

	if err := s.watcher.Add(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("watch policy directory %s: %w", filepath.Dir(s.path), err)
	}
	s.logger.Info("policy watcher started", "path", s.path)

	var pending *time.Timer
	var pendingCh <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("policy watcher stopped")
			return nil
		case event := <-s.watcher.Events:
			if !s.relevant(event) {
				continue
			}
			// Coalesce the write/rename burst a single save produces.
			if pending == nil {
				pending = time.NewTimer(s.debounce)
				pendingCh = pending.C
			} else {
				pending.Reset(s.debounce)
			}
		case <-pendingCh:
			pending = nil
			pendingCh = nil
			if _, err := s.loader.Load(s.path); err != nil {
				s.logger.Error("policy reload failed", "path", s.path, "error", err)
				continue
			}
			s.logger.Info("policy file reloaded", "path", s.path)
		case err := <-s.watcher.Errors:
			if err != nil {
				s.logger.Error("policy watcher error", "error", err)
			}
		}
	}
}

func (s *Service) relevant(event fsnotify.Event) bool {
	if filepath.Clean(event.Name) != s.path {
		return false
	}
	return event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0
}

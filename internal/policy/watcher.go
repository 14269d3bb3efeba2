package policy

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/rendis/homeos/pkg/schema"
)

const reloadDebounce = 200 * time.Millisecond

// Store holds the active Policy and swaps it when the backing file changes.
// A file that fails to parse or compile leaves the previous policy in place.
type Store struct {
	path   string
	logger *slog.Logger

	mu      sync.RWMutex
	current *Policy
}

// NewStore serves the built-in policy until Load succeeds.
func NewStore(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{logger: logger, current: Default()}
}

// NewStaticStore always serves p.
func NewStaticStore(p *Policy) *Store {
	return &Store{logger: slog.Default(), current: p}
}

// Current returns the active policy.
func (s *Store) Current() *Policy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Load reads and compiles path, then makes it the active policy.
func (s *Store) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeNotFound, "read policy %s", path).WithCause(err)
	}
	f, err := Parse(data)
	if err != nil {
		return err
	}
	p, err := Compile(f)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.path = path
	s.current = p
	s.mu.Unlock()
	return nil
}

// Watch reloads the loaded file on every change until ctx ends. The parent
// directory is watched so editors that replace the file atomically still
// trigger a reload.
func (s *Store) Watch(ctx context.Context) error {
	s.mu.RLock()
	path := s.path
	s.mu.RUnlock()
	if path == "" {
		return schema.NewError(schema.ErrCodeValidation, "no policy file loaded")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		var debounce *time.Timer
		defer func() {
			if debounce != nil {
				debounce.Stop()
			}
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(path) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(reloadDebounce, func() { s.reload(path) })
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Warn("policy watcher error", "error", err)
			}
		}
	}()
	return nil
}

func (s *Store) reload(path string) {
	if err := s.Load(path); err != nil {
		s.logger.Warn("policy reload rejected, keeping previous policy", "path", path, "error", err)
		return
	}
	s.logger.Info("policy reloaded", "path", path)
}

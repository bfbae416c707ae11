package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// FileStore keeps the whole key/value map in one JSON file, rewritten
// atomically on every mutation. When watching is enabled, external
// rewrites of the file (another process sharing the same offline queue)
// are folded back into the in-memory map.
type FileStore struct {
	path    string
	logger  zerolog.Logger
	mu      sync.Mutex
	values  map[string]string
	watcher *fsnotify.Watcher
	done    chan struct{}
}

type FileStoreOptions struct {
	Path   string
	Watch  bool
	Logger zerolog.Logger
}

func NewFileStore(opts FileStoreOptions) (*FileStore, error) {
	path := strings.TrimSpace(opts.Path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	s := &FileStore{
		path:   path,
		logger: opts.Logger,
		values: map[string]string{},
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	if opts.Watch {
		if err := s.startWatcher(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *FileStore) Get(ctx context.Context, key string) (string, bool, error) {
	if key == "" {
		return "", false, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.values[key]
	return value, ok, nil
}

func (s *FileStore) Set(ctx context.Context, key, value string) error {
	if key == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	previous, existed := s.values[key]
	s.values[key] = value
	if err := s.saveLocked(); err != nil {
		if existed {
			s.values[key] = previous
		} else {
			delete(s.values, key)
		}
		return err
	}
	return nil
}

func (s *FileStore) Delete(ctx context.Context, key string) error {
	if key == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	previous, existed := s.values[key]
	if !existed {
		return nil
	}
	delete(s.values, key)
	if err := s.saveLocked(); err != nil {
		s.values[key] = previous
		return err
	}
	return nil
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	watcher := s.watcher
	done := s.done
	s.watcher = nil
	s.done = nil
	s.mu.Unlock()
	if watcher == nil {
		return nil
	}
	err := watcher.Close()
	if done != nil {
		<-done
	}
	return err
}

func (s *FileStore) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *FileStore) loadLocked() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var values map[string]string
	if err := json.Unmarshal(data, &values); err != nil {
		return err
	}
	if values == nil {
		values = map[string]string{}
	}
	s.values = values
	return nil
}

func (s *FileStore) saveLocked() error {
	data, err := json.Marshal(s.values)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *FileStore) startWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		_ = watcher.Close()
		return err
	}
	// Watch the directory, not the file: atomic rename replaces the
	// inode, which would silently detach a file-level watch.
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return err
	}
	done := make(chan struct{})
	s.watcher = watcher
	s.done = done
	go s.watchLoop(watcher, done)
	return nil
}

func (s *FileStore) watchLoop(watcher *fsnotify.Watcher, done chan struct{}) {
	defer close(done)
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(s.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			s.mu.Lock()
			if err := s.loadLocked(); err != nil {
				s.logger.Warn().Err(err).Str("path", s.path).Msg("reload after external change failed")
			}
			s.mu.Unlock()
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn().Err(err).Str("path", s.path).Msg("file watcher error")
		}
	}
}

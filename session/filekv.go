package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gofrs/flock"
	"github.com/sirupsen/logrus"
)

const (
	fileLockTimeout    = 5 * time.Second
	fileLockRetryDelay = 100 * time.Millisecond
)

// FileKV is a KV backed by a single JSON file. Several processes may share the
// same file: writes take an exclusive lock on "<path>.lock", merge into whatever
// is on disk, and replace the file atomically.
type FileKV struct {
	path string
	mu   sync.Mutex
	log  logrus.FieldLogger
}

type fileContents struct {
	Entries map[string]json.RawMessage `json:"entries"`
}

// NewFileKV creates a FileKV at path, creating the parent directory if needed.
func NewFileKV(path string, logger logrus.FieldLogger) (*FileKV, error) {
	if path == "" {
		return nil, errors.New("session file path cannot be empty")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}
	return &FileKV{path: path, log: logger}, nil
}

// Path returns the backing file path.
func (f *FileKV) Path() string {
	return f.path
}

func (f *FileKV) Get(key string) ([]byte, bool, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read session file: %w", err)
	}

	var contents fileContents
	if err := json.Unmarshal(data, &contents); err != nil {
		f.log.WithError(err).Warn("session file is corrupt, treating it as empty")
		return nil, false, nil
	}

	value, ok := contents.Entries[key]
	if !ok {
		return nil, false, nil
	}
	return []byte(value), true, nil
}

func (f *FileKV) Set(key string, value []byte) error {
	if !json.Valid(value) {
		return fmt.Errorf("value for %q is not valid JSON", key)
	}
	return f.update(func(entries map[string]json.RawMessage) {
		entries[key] = json.RawMessage(value)
	})
}

func (f *FileKV) Delete(key string) error {
	return f.update(func(entries map[string]json.RawMessage) {
		delete(entries, key)
	})
}

// update applies mutate to the on-disk entries under the file lock.
func (f *FileKV) update(mutate func(entries map[string]json.RawMessage)) (err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	lock := flock.New(f.path + ".lock")
	ctx, cancel := context.WithTimeout(context.Background(), fileLockTimeout)
	defer cancel()

	locked, err := lock.TryLockContext(ctx, fileLockRetryDelay)
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !locked {
		return errors.New("failed to acquire lock: held by another process")
	}
	defer func() {
		if unlockErr := lock.Unlock(); unlockErr != nil {
			err = errors.Join(err, fmt.Errorf("failed to release lock: %w", unlockErr))
		}
	}()

	// Read inside the lock so another process's keys are preserved.
	var contents fileContents
	if existing, readErr := os.ReadFile(f.path); readErr == nil {
		if jsonErr := json.Unmarshal(existing, &contents); jsonErr != nil {
			f.log.WithError(jsonErr).Warn("session file is corrupt, starting over")
			contents.Entries = nil
		}
	}
	if contents.Entries == nil {
		contents.Entries = make(map[string]json.RawMessage)
	}

	mutate(contents.Entries)

	data, err := json.MarshalIndent(contents, "", "  ")
	if err != nil {
		return err
	}

	tempFile := f.path + ".tmp"
	if err := os.WriteFile(tempFile, data, 0o600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	if err := os.Rename(tempFile, f.path); err != nil {
		if removeErr := os.Remove(tempFile); removeErr != nil {
			return fmt.Errorf(
				"failed to rename temp file: %v; additionally failed to remove temp file: %w",
				err,
				removeErr,
			)
		}
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}

// Watch calls onChange each time the session file is written, replaced or
// removed, by this or any other process, until ctx is done.
func (f *FileKV) Watch(ctx context.Context, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	// The file is replaced by rename, so watch the directory rather than the inode.
	if err := watcher.Add(filepath.Dir(f.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch session directory: %w", err)
	}

	target := filepath.Clean(f.path)
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) ||
					event.Has(fsnotify.Rename) || event.Has(fsnotify.Remove) {
					onChange()
				}
			case werr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				f.log.WithError(werr).Warn("session file watcher error")
			}
		}
	}()

	return nil
}

package core

// storage.go — durable append-only/rewrite files with advisory locking and
// an mtime+size freshness cache (spec.md §4.2). Each manager owns one
// FileStorage. The advisory lock is a real flock(2)-backed lock
// (github.com/gofrs/flock) guarding a companion ".lock" file; writers hold
// it for the full rewrite/append, readers may read without it since they
// only need a consistent snapshot of whatever is currently on disk. The
// mtime+size cache lets independent sibling processes (or goroutines
// inside one process) notice writes made elsewhere without re-reading on
// every access — grounded on the teacher's disk-LRU cache shape in the
// original core/storage.go.

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

const lockBackoff = time.Millisecond

// FileStorage wraps a single on-disk file with advisory locking and a
// freshness cache. It has no notion of the file's internal format — that
// is each manager's concern.
type FileStorage struct {
	path string
	lock *flock.Flock

	mu       sync.Mutex
	lastSize int64
	lastMod  time.Time
	loaded   bool
}

// NewFileStorage wraps path (created empty if absent).
func NewFileStorage(path string) (*FileStorage, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if f, cerr := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644); cerr != nil {
			return nil, NewStorageError(fmt.Sprintf("create %s: %v", path, cerr))
		} else {
			_ = f.Close()
		}
	}
	return &FileStorage{
		path: path,
		lock: flock.New(path + ".lock"),
	}, nil
}

// IsUpToDate reports whether the in-memory mirror (as recorded by the last
// Load/Dump/Update) still matches the file's (mtime, size) on disk.
func (s *FileStorage) IsUpToDate() (bool, error) {
	info, err := os.Stat(s.path)
	if err != nil {
		return false, NewStorageError(fmt.Sprintf("stat %s: %v", s.path, err))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loaded && info.Size() == s.lastSize && info.ModTime().Equal(s.lastMod), nil
}

// Load reads the full file contents and records the freshness marker.
func (s *FileStorage) Load() ([]byte, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, NewStorageError(fmt.Sprintf("read %s: %v", s.path, err))
	}
	s.recordFreshness()
	return data, nil
}

// Dump rewrites the file's full contents under the advisory lock.
func (s *FileStorage) Dump(all []byte) error {
	s.acquireLock()
	defer s.releaseLock()

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, all, 0o644); err != nil {
		return NewStorageError(fmt.Sprintf("write %s: %v", tmp, err))
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return NewStorageError(fmt.Sprintf("rename %s: %v", tmp, err))
	}
	s.recordFreshness()
	return nil
}

// Update appends delta under the advisory lock. Only valid for storages
// whose serialization is append-safe (blockchain, node roster, trust
// history, verified-tx log); pending-tx and validator-set storages must
// use Dump instead.
func (s *FileStorage) Update(delta []byte) error {
	s.acquireLock()
	defer s.releaseLock()

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return NewStorageError(fmt.Sprintf("open %s for append: %v", s.path, err))
	}
	defer f.Close()
	if _, err := f.Write(delta); err != nil {
		return NewStorageError(fmt.Sprintf("append %s: %v", s.path, err))
	}
	if err := f.Sync(); err != nil {
		return NewStorageError(fmt.Sprintf("sync %s: %v", s.path, err))
	}
	s.recordFreshness()
	return nil
}

func (s *FileStorage) recordFreshness() {
	info, err := os.Stat(s.path)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.lastSize = info.Size()
	s.lastMod = info.ModTime()
	s.loaded = true
	s.mu.Unlock()
}

func (s *FileStorage) acquireLock() {
	for {
		ok, err := s.lock.TryLock()
		if err == nil && ok {
			return
		}
		time.Sleep(lockBackoff)
	}
}

func (s *FileStorage) releaseLock() {
	_ = s.lock.Unlock()
}

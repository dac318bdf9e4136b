package kvstore

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
)

const valueSuffix = ".kv"

// FileStore keeps one file per key under a directory. Keys are encoded into
// file names so they may contain any character.
type FileStore struct {
	dir   string
	quota int64
	mu    sync.Mutex
}

// NewFileStore opens a store rooted at dir, creating it if needed.
func NewFileStore(dir string, quota int64) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("kvstore: empty dir")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create kv directory: %w", err)
	}
	return &FileStore{dir: dir, quota: quota}, nil
}

func (s *FileStore) Dir() string { return s.dir }

func (s *FileStore) Quota() int64 { return s.quota }

func (s *FileStore) path(key string) string {
	return filepath.Join(s.dir, base64.RawURLEncoding.EncodeToString([]byte(key))+valueSuffix)
}

func (s *FileStore) Get(key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to read key %q: %w", key, err)
	}
	return data, true, nil
}

func (s *FileStore) Set(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.path(key)
	usage, err := s.usage()
	if err != nil {
		return err
	}
	var replaced int64
	if fi, err := os.Stat(path); err == nil {
		replaced = fi.Size()
	}
	if err := checkQuota(s.quota, usage, replaced, int64(len(value))); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.dir, "kv-*.tmp")
	if err != nil {
		return s.writeError(key, err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(value); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return s.writeError(key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return s.writeError(key, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return s.writeError(key, err)
	}
	return nil
}

func (s *FileStore) Remove(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path(key)); err != nil && !os.IsNotExist(err) {
		return s.writeError(key, err)
	}
	return nil
}

func (s *FileStore) Usage() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage()
}

func (s *FileStore) usage() (int64, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("failed to list kv directory: %w", err)
	}
	var total int64
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), valueSuffix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		total += info.Size()
	}
	return total, nil
}

// writeError classifies a failed write. Disk-full surfaces as a quota error
// and a read-only or permission-denied directory as ErrReadOnly.
func (s *FileStore) writeError(key string, err error) error {
	switch {
	case errors.Is(err, syscall.ENOSPC):
		return fmt.Errorf("failed to write key %q: %w: %v", key, ErrQuotaExceeded, err)
	case errors.Is(err, syscall.EROFS), errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("failed to write key %q: %w: %v", key, ErrReadOnly, err)
	}
	return fmt.Errorf("failed to write key %q: %w", key, err)
}

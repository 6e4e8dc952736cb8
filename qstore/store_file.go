package qstore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// FileDataStore implements DataStore using filesystem storage.
type FileDataStore struct {
	dir    string
	sealer *Sealer
	mu     sync.RWMutex
}

var _ DataStore = (*FileDataStore)(nil)

// NewFileDataStore creates a new file-based data store in dir.
// The sealer is required for encrypted keys and may be nil otherwise.
func NewFileDataStore(dir string, sealer *Sealer) (*FileDataStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("directory is required")
	}
	dir = os.Expand(dir, os.Getenv)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create data store directory: %w", err)
	}

	return &FileDataStore{dir: dir, sealer: sealer}, nil
}

// Get retrieves a value by key.
func (s *FileDataStore) Get(key string, decrypt bool) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	path := filepath.Join(s.dir, key)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if !decrypt {
		return data, nil
	}
	if s.sealer == nil {
		return nil, fmt.Errorf("decrypt %s: no sealer configured", key)
	}
	decrypted, err := s.sealer.Open(data)
	if err != nil {
		return nil, fmt.Errorf("decrypt %s: %w", key, err)
	}
	return decrypted, nil
}

// Set stores a value by key.
func (s *FileDataStore) Set(key string, encrypt bool, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	data := value
	if encrypt {
		if s.sealer == nil {
			return fmt.Errorf("encrypt %s: no sealer configured", key)
		}
		encrypted, err := s.sealer.Seal(value)
		if err != nil {
			return fmt.Errorf("encrypt %s: %w", key, err)
		}
		data = encrypted
	}

	path := filepath.Join(s.dir, key)
	return atomicWriteFile(path, data, 0600)
}

// Remove deletes a key.
func (s *FileDataStore) Remove(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(filepath.Join(s.dir, key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// Exists reports whether key is present.
func (s *FileDataStore) Exists(key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, err := os.Stat(filepath.Join(s.dir, key))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}

// Path returns the storage location for display purposes.
func (s *FileDataStore) Path() string {
	return s.dir
}

// FilePath returns the full path of key.
func (s *FileDataStore) FilePath(key string) string {
	return filepath.Join(s.dir, key)
}

// atomicWriteFile writes data to a temp file and renames it to the target path.
func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}

	return os.Rename(tmpName, path)
}

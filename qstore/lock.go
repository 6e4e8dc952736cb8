package qstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const lockFile = ".lock"

const lockPollInterval = 50 * time.Millisecond

var errLocked = errors.New("qstore: data directory locked")

// DirLock is an exclusive advisory lock on a data directory. It keeps two
// agent processes sharing a directory from registering the same device twice.
type DirLock struct {
	f *os.File
}

// Lock takes an exclusive lock on dir, polling until it is free or ctx is done.
func Lock(ctx context.Context, dir string) (*DirLock, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, lockFile), os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	for {
		err := tryLock(f)
		if err == nil {
			return &DirLock{f: f}, nil
		}
		if !errors.Is(err, errLocked) {
			f.Close()
			return nil, fmt.Errorf("lock %s: %w", dir, err)
		}
		select {
		case <-ctx.Done():
			f.Close()
			return nil, fmt.Errorf("lock %s: %w", dir, ctx.Err())
		case <-time.After(lockPollInterval):
		}
	}
}

// Unlock releases the lock. It is safe to call more than once.
func (l *DirLock) Unlock() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := unlock(l.f)
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	l.f = nil
	return err
}

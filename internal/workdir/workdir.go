// Package workdir manages the per-run working directory that holds
// transient segment files.
package workdir

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
)

const lockName = ".lock"

// ErrBusy is returned when another run already owns the directory.
var ErrBusy = errors.New("working directory is owned by another run")

// Dir is an exclusively owned working directory.
type Dir struct {
	ID   string
	Path string
	lock *flock.Flock
}

// New creates a fresh uuid-named directory under root and locks it.
// An empty root uses the system temp directory.
func New(root string) (*Dir, error) {
	return Acquire(root, uuid.NewString())
}

// Acquire creates (if needed) and locks root/id. It fails with ErrBusy when
// the lock is held by another run, in this or another process.
func Acquire(root, id string) (*Dir, error) {
	if root == "" {
		root = os.TempDir()
	}
	path := filepath.Join(root, "mpdecrypt-"+id)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create working directory: %w", err)
	}

	lock := flock.New(filepath.Join(path, lockName))
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBusy, path)
	}
	return &Dir{ID: id, Path: path, lock: lock}, nil
}

// Entries lists the files in the directory, excluding the lock file.
func (d *Dir) Entries() ([]string, error) {
	des, err := os.ReadDir(d.Path)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(des))
	for _, de := range des {
		if de.Name() == lockName {
			continue
		}
		names = append(names, de.Name())
	}
	return names, nil
}

// Remove deletes the directory and everything in it, then releases the lock.
// It is safe to call more than once.
func (d *Dir) Remove() error {
	if d == nil || d.lock == nil {
		return nil
	}
	rmErr := os.RemoveAll(d.Path)
	unlockErr := d.lock.Unlock()
	d.lock = nil
	if rmErr != nil {
		return fmt.Errorf("remove working directory: %w", rmErr)
	}
	if unlockErr != nil {
		return fmt.Errorf("release lock: %w", unlockErr)
	}
	return nil
}

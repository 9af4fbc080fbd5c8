package taskstore

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/gofrs/flock"
	"go.uber.org/zap"
)

const lockFile = ".render-queue.lock"

// ErrLocked is returned by Lock while another process owns the directory
var ErrLocked = errors.New("task directory is in use by another process")

// Lock claims the task directory for this process. Only the owner may
// change task files; it holds the lock until the returned func is called.
func (s *Store) Lock() (func(), error) {
	fl := flock.New(filepath.Join(s.dir, lockFile))
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("locking %s: %w", s.dir, err)
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", s.dir, ErrLocked)
	}
	return func() {
		if err := fl.Unlock(); err != nil {
			s.logger.Warn("releasing task directory lock", zap.String("dir", s.dir), zap.Error(err))
		}
	}, nil
}

package lock

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// FileLock serialises runs that replicate the same source/destination pair.
type FileLock struct {
	fl   *flock.Flock
	path string
}

// New returns the lock for a volume pair at DIR/rbdsync_<hash>.lock. An
// empty dir means the system temp directory.
func New(dir, source, destination string) *FileLock {
	if dir == "" {
		dir = os.TempDir()
	}
	sum := sha256.Sum256([]byte(source + "\x00" + destination))
	name := filepath.Join(dir, fmt.Sprintf("rbdsync_%s.lock", hex.EncodeToString(sum[:8])))
	return &FileLock{fl: flock.New(name), path: name}
}

// Path of the lock file.
func (l *FileLock) Path() string { return l.path }

// TryLock attempts non-blocking lock.
func (l *FileLock) TryLock() (bool, error) {
	return l.fl.TryLock()
}

// Unlock releases.
func (l *FileLock) Unlock() error {
	if err := l.fl.Unlock(); err != nil {
		return err
	}
	// another process may already have removed it
	_ = os.Remove(l.path)
	return nil
}

package sqlitestore

import (
	"fmt"
	"path/filepath"

	"github.com/gofrs/flock"
)

// VersionLock is an advisory, filesystem-based lock scoped to one
// (snapshot name, version) pair. SQLite's own locking serializes writes to
// the database file, but evaluating a snapshot (running its query against
// the engine, then recording the resulting intervals) spans multiple
// engine round trips that the database transaction can't span; the lock
// guarantees only one evaluator is mid-flight for a given physical table at
// a time.
type VersionLock struct {
	flock *flock.Flock
}

// NewVersionLock returns a lock for name@version, storing its lockfile
// under dir (typically the state database's directory).
func NewVersionLock(dir, name, version string) *VersionLock {
	path := filepath.Join(dir, fmt.Sprintf(".%s@%s.lock", sanitizeForFilename(name), version))
	return &VersionLock{flock: flock.New(path)}
}

// TryLock attempts to acquire the lock without blocking. ok is false if
// another process already holds it.
func (l *VersionLock) TryLock() (ok bool, err error) {
	return l.flock.TryLock()
}

// Unlock releases the lock. Safe to call even if TryLock never succeeded.
func (l *VersionLock) Unlock() error {
	return l.flock.Unlock()
}

func sanitizeForFilename(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}

package material

import (
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"
)

// ProfileLock guards the reusable browser profile directory so only one
// process drives the automation session at a time. Two sessions sharing a
// profile corrupt each other's login state.
type ProfileLock struct {
	fl *flock.Flock
}

// AcquireProfileLock takes a non-blocking exclusive lock on the profile
// directory. It fails immediately when another process holds it.
func AcquireProfileLock(profileDir string) (*ProfileLock, error) {
	if err := os.MkdirAll(profileDir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create profile dir %s", profileDir)
	}
	fl := flock.New(filepath.Join(profileDir, ".session.lock"))
	ok, err := fl.TryLock()
	if err != nil {
		return nil, errors.Wrap(err, "acquire profile lock")
	}
	if !ok {
		return nil, errors.Errorf("browser profile %s is in use by another process", profileDir)
	}
	return &ProfileLock{fl: fl}, nil
}

// Release drops the lock.
func (l *ProfileLock) Release() error {
	if l == nil || l.fl == nil {
		return nil
	}
	return l.fl.Unlock()
}

package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/denisbrodbeck/machineid"
	"github.com/gofrs/flock"
)

// ErrProfileLocked means another process owns the browser profile.
var ErrProfileLocked = errors.New("profile locked by another process")

const (
	lockFile  = "profile.lock"
	ownerFile = "profile.owner"
)

// Owner identifies the process holding a profile lock.
type Owner struct {
	Host     string    `json:"host"`
	PID      int       `json:"pid"`
	LockedAt time.Time `json:"locked_at"`
}

// ProfileLock is an exclusive cross-process lock on a profile directory.
type ProfileLock struct {
	dir string
	fl  *flock.Flock
}

// LockProfile takes the profile lock without blocking.
func LockProfile(dir string) (*ProfileLock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create profile dir: %w", err)
	}
	fl := flock.New(filepath.Join(dir, lockFile))
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock profile %s: %w", dir, err)
	}
	if !ok {
		if owner, err := ReadOwner(dir); err == nil {
			return nil, fmt.Errorf("%w: %s held by %s pid %d since %s",
				ErrProfileLocked, dir, owner.Host, owner.PID, owner.LockedAt.Format(time.RFC3339))
		}
		return nil, fmt.Errorf("%w: %s", ErrProfileLocked, dir)
	}

	owner := Owner{Host: hostID(), PID: os.Getpid(), LockedAt: time.Now().UTC()}
	data, _ := json.Marshal(owner)
	if err := os.WriteFile(filepath.Join(dir, ownerFile), data, 0o644); err != nil {
		_ = fl.Unlock()
		return nil, fmt.Errorf("write profile owner: %w", err)
	}
	return &ProfileLock{dir: dir, fl: fl}, nil
}

// Release drops the lock. Safe to call more than once.
func (l *ProfileLock) Release() error {
	if l == nil || !l.fl.Locked() {
		return nil
	}
	_ = os.Remove(filepath.Join(l.dir, ownerFile))
	return l.fl.Unlock()
}

// ReadOwner reports who last took the lock on dir.
func ReadOwner(dir string) (Owner, error) {
	var o Owner
	data, err := os.ReadFile(filepath.Join(dir, ownerFile))
	if err != nil {
		return o, err
	}
	err = json.Unmarshal(data, &o)
	return o, err
}

// hostID prefers a stable machine id so owners survive hostname changes.
func hostID() string {
	if id, err := machineid.ProtectedID("execution-core"); err == nil {
		return id[:16]
	}
	if h, err := os.Hostname(); err == nil {
		return h
	}
	return "unknown"
}

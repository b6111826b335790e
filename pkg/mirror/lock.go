package mirror

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/daviddao/switchboard/pkg/model"
)

// LockPath returns the lock file location under dir.
func LockPath(dir string) string {
	return filepath.Join(dir, MetaDir, LockFile)
}

// ReadLock loads the lock record. It returns nil and no error when there is
// no lock file.
func ReadLock(dir string) (*model.MirrorLock, error) {
	data, err := os.ReadFile(LockPath(dir))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var l model.MirrorLock
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("parse %s: %w", LockFile, err)
	}
	return &l, nil
}

// AcquireLock writes a fresh lock for instanceID. The lock is advisory: when
// another instance's lock is still fresh it is returned as held so the
// caller can warn, and it is overwritten regardless. An unreadable lock
// counts as absent.
func AcquireLock(dir, instanceID string, now time.Time, stale time.Duration) (held *model.MirrorLock, err error) {
	prev, err := ReadLock(dir)
	if err == nil && prev != nil && prev.InstanceID != instanceID && !prev.Stale(now, stale) {
		held = prev
	}
	now = now.UTC()
	if err := writeLock(dir, model.MirrorLock{InstanceID: instanceID, StartedAt: now, LastHeartbeat: now}); err != nil {
		return nil, err
	}
	return held, nil
}

// Heartbeat refreshes last_heartbeat for instanceID. If the file is missing
// or was taken over by another instance it is rewritten for instanceID and
// the previous owner is returned.
func Heartbeat(dir, instanceID string, startedAt, now time.Time) (*model.MirrorLock, error) {
	prev, err := ReadLock(dir)
	if err != nil {
		prev = nil
	}
	l := model.MirrorLock{InstanceID: instanceID, StartedAt: startedAt.UTC(), LastHeartbeat: now.UTC()}
	if err := writeLock(dir, l); err != nil {
		return nil, err
	}
	if prev != nil && prev.InstanceID != instanceID {
		return prev, nil
	}
	return nil, nil
}

func writeLock(dir string, l model.MirrorLock) error {
	if err := os.MkdirAll(filepath.Join(dir, MetaDir), 0o755); err != nil {
		return err
	}
	data, err := marshalFile(l)
	if err != nil {
		return err
	}
	return writeFileAtomic(LockPath(dir), data)
}

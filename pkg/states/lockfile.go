package states

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/user"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/terrane-io/terrane/pkg/engine"
)

// LockInfo identifies the holder of a state lock. It is the JSON body of
// the lockfile, shown to whoever runs into the lock.
type LockInfo struct {
	// ID is the lock instance, required to release the lock again.
	ID string `json:"id"`

	// Operation names what the holder is doing, "apply" or "destroy".
	Operation string `json:"operation"`

	// Who is the holding user and host.
	Who string `json:"who"`

	// Created is when the lock was taken.
	Created time.Time `json:"created"`
}

// LockPath returns the lockfile location for a statefile path.
func LockPath(statePath string) string {
	return statePath + ".lock"
}

// Lock takes the statefile lock for a mutating run and returns the lock ID
// to release it with. The lockfile is created exclusively, so two
// concurrent runs cannot both hold it; losing reports the holder's
// metadata under ErrCodeStateLocked.
func (s *FileStore) Lock(operation string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := &LockInfo{
		ID:        uuid.New().String(),
		Operation: operation,
		Who:       lockWho(),
		Created:   time.Now().UTC(),
	}
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return "", engine.NewPermanentError("encoding lock info", err).
			WithCode(engine.ErrCodeStateLocked)
	}
	data = append(data, '\n')

	lockPath := LockPath(s.path)
	if err := os.MkdirAll(filepath.Dir(lockPath), 0755); err != nil {
		return "", engine.NewPermanentError("creating state directory", err).
			WithCode(engine.ErrCodeStateLocked)
	}

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if errors.Is(err, fs.ErrExist) {
		holder, readErr := readLockInfo(lockPath)
		if readErr != nil {
			return "", engine.NewConflictError("state is locked and the lockfile is unreadable", readErr).
				WithCode(engine.ErrCodeStateLocked)
		}
		return "", lockedError(holder)
	}
	if err != nil {
		return "", engine.NewPermanentError("creating lockfile", err).
			WithCode(engine.ErrCodeStateLocked)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(lockPath)
		return "", engine.NewPermanentError("writing lockfile", err).
			WithCode(engine.ErrCodeStateLocked)
	}
	if err := f.Close(); err != nil {
		os.Remove(lockPath)
		return "", engine.NewPermanentError("closing lockfile", err).
			WithCode(engine.ErrCodeStateLocked)
	}
	return info.ID, nil
}

// Unlock releases the lock taken with the given ID. Unlocking a lock held
// by someone else is refused, the lockfile stays.
func (s *FileStore) Unlock(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lockPath := LockPath(s.path)
	holder, err := readLockInfo(lockPath)
	if errors.Is(err, fs.ErrNotExist) {
		return engine.NewPermanentError("state is not locked", nil).
			WithCode(engine.ErrCodeStateLocked)
	}
	if err != nil {
		return engine.NewPermanentError("reading lockfile", err).
			WithCode(engine.ErrCodeStateLocked)
	}
	if holder.ID != id {
		return engine.NewConflictError(
			fmt.Sprintf("lock ID mismatch, state is locked by %s for %s", holder.Who, holder.Operation), nil).
			WithCode(engine.ErrCodeStateLocked).
			WithDetail("lock_id", holder.ID)
	}

	if err := os.Remove(lockPath); err != nil {
		return engine.NewPermanentError("removing lockfile", err).
			WithCode(engine.ErrCodeStateLocked)
	}
	return nil
}

func readLockInfo(path string) (*LockInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	info := &LockInfo{}
	if err := json.Unmarshal(data, info); err != nil {
		return nil, fmt.Errorf("lockfile %s is malformed: %w", path, err)
	}
	return info, nil
}

func lockedError(holder *LockInfo) error {
	return engine.NewConflictError(
		fmt.Sprintf("state is locked by %s for %s since %s",
			holder.Who, holder.Operation, holder.Created.Format(time.RFC3339)), nil).
		WithCode(engine.ErrCodeStateLocked).
		WithDetail("lock_id", holder.ID).
		WithDetail("who", holder.Who).
		WithDetail("operation", holder.Operation)
}

func lockWho() string {
	who := "unknown"
	if u, err := user.Current(); err == nil && u.Username != "" {
		who = u.Username
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		who += "@" + host
	}
	return who
}

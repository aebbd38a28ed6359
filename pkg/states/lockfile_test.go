package states

import (
	"encoding/json"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/terrane-io/terrane/pkg/engine"
)

func TestLockUnlock(t *testing.T) {
	path := testStatePath(t)
	store := loadedStore(t, path)

	id, err := store.Lock("apply")
	if err != nil {
		t.Fatalf("Lock() error = %v", err)
	}
	if id == "" {
		t.Fatal("Lock() returned empty ID")
	}

	data, err := os.ReadFile(LockPath(path))
	if err != nil {
		t.Fatalf("lockfile missing: %v", err)
	}
	var info LockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		t.Fatalf("lockfile is not valid JSON: %v", err)
	}
	if info.ID != id {
		t.Errorf("lockfile ID = %q, want %q", info.ID, id)
	}
	if info.Operation != "apply" {
		t.Errorf("operation = %q, want apply", info.Operation)
	}
	if info.Who == "" {
		t.Error("holder is empty")
	}
	if time.Since(info.Created) > time.Minute || info.Created.IsZero() {
		t.Errorf("created = %v, want recent timestamp", info.Created)
	}

	if err := store.Unlock(id); err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}
	if _, err := os.Stat(LockPath(path)); !os.IsNotExist(err) {
		t.Error("lockfile still present after unlock")
	}

	if _, err := store.Lock("destroy"); err != nil {
		t.Fatalf("relock after unlock failed: %v", err)
	}
}

func TestLockHeldByAnotherRun(t *testing.T) {
	path := testStatePath(t)
	first := loadedStore(t, path)
	second := NewFileStore(path)

	firstID, err := first.Lock("apply")
	if err != nil {
		t.Fatalf("Lock() error = %v", err)
	}

	_, err = second.Lock("destroy")
	if err == nil {
		t.Fatal("second Lock() succeeded while held")
	}
	if !engine.IsCode(err, engine.ErrCodeStateLocked) {
		t.Errorf("error = %v, want code %s", err, engine.ErrCodeStateLocked)
	}
	if !engine.IsConflict(err) {
		t.Errorf("error class = %v, want conflict", err)
	}
	if !strings.Contains(err.Error(), "apply") {
		t.Errorf("error = %v, want holder operation in message", err)
	}

	var engineErr *engine.EngineError
	if !errors.As(err, &engineErr) {
		t.Fatal("not an EngineError")
	}
	if engineErr.Details["lock_id"] != firstID {
		t.Errorf("lock_id detail = %v, want %s", engineErr.Details["lock_id"], firstID)
	}

	if err := first.Unlock(firstID); err != nil {
		t.Fatal(err)
	}
	if _, err := second.Lock("destroy"); err != nil {
		t.Errorf("Lock() after release failed: %v", err)
	}
}

func TestUnlockWrongID(t *testing.T) {
	path := testStatePath(t)
	store := loadedStore(t, path)

	id, err := store.Lock("apply")
	if err != nil {
		t.Fatal(err)
	}

	if err := store.Unlock("not-the-id"); err == nil {
		t.Fatal("Unlock() with wrong ID succeeded")
	}
	if _, err := os.Stat(LockPath(path)); err != nil {
		t.Error("lockfile removed despite refused unlock")
	}

	if err := store.Unlock(id); err != nil {
		t.Fatalf("Unlock() with right ID failed: %v", err)
	}
}

func TestUnlockNotLocked(t *testing.T) {
	store := loadedStore(t, testStatePath(t))

	err := store.Unlock("anything")
	if err == nil {
		t.Fatal("Unlock() on unlocked state succeeded")
	}
	if !engine.IsCode(err, engine.ErrCodeStateLocked) {
		t.Errorf("error = %v, want code %s", err, engine.ErrCodeStateLocked)
	}
}

func TestLockUnreadableLockfile(t *testing.T) {
	path := testStatePath(t)
	store := loadedStore(t, path)

	if err := os.WriteFile(LockPath(path), []byte("garbage{"), 0644); err != nil {
		t.Fatal(err)
	}

	_, err := store.Lock("apply")
	if err == nil {
		t.Fatal("Lock() succeeded over malformed lockfile")
	}
	if !engine.IsCode(err, engine.ErrCodeStateLocked) {
		t.Errorf("error = %v, want code %s", err, engine.ErrCodeStateLocked)
	}
}

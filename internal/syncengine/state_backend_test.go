package syncengine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestPersistentMemoryStoreSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "clubsync.json")
	store, err := NewPersistentMemoryStore(NewJSONFileStateBackend(path))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ctx := context.Background()
	if _, err := store.MarkSyncPending(ctx, MarkPendingRequest{Entity: testEventRef, Target: TargetCalendarPublic, Action: ActionUpsert, Now: testBaseTime}); err != nil {
		t.Fatalf("mark pending: %v", err)
	}
	queued, _, err := store.EnqueueNotification(ctx, testNotification("sup_1", "new_event:evt_1:sup_1", testBaseTime))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	reopened, err := NewPersistentMemoryStore(NewJSONFileStateBackend(path))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	state, err := reopened.GetSyncState(ctx, testEventRef, TargetCalendarPublic)
	if err != nil || state.Status != StatusPending {
		t.Fatalf("expected the pending row to survive, got %+v err=%v", state, err)
	}
	if _, inserted, err := reopened.EnqueueNotification(ctx, testNotification("sup_1", "new_event:evt_1:sup_1", testBaseTime.Add(time.Hour))); err != nil || inserted {
		t.Fatalf("expected the dedup index to be rebuilt, inserted=%v err=%v", inserted, err)
	}
	if got, err := reopened.GetNotification(ctx, queued.ID); err != nil || got.DedupKey != queued.DedupKey {
		t.Fatalf("expected the queued notification, got %+v err=%v", got, err)
	}
	if err := reopened.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestJSONFileStateBackendRejectsNewerSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	if err := os.WriteFile(path, []byte(`{"version":99}`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := NewPersistentMemoryStore(NewJSONFileStateBackend(path)); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected a newer snapshot to be refused, got %v", err)
	}
}

func TestJSONFileStateBackendMissingFileIsEmpty(t *testing.T) {
	backend := NewJSONFileStateBackend(filepath.Join(t.TempDir(), "nothing-yet.json"))
	snapshot, err := backend.Load()
	if err != nil || snapshot != nil {
		t.Fatalf("expected an empty load, got %+v err=%v", snapshot, err)
	}
}

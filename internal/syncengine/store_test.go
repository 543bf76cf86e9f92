package syncengine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// storeBackends runs a test body against every Store implementation that
// needs no external service.
func storeBackends(t *testing.T, fn func(t *testing.T, store Store)) {
	t.Helper()
	backends := map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemoryStore() },
		"file": func(t *testing.T) Store {
			store, err := NewPersistentMemoryStore(NewJSONFileStateBackend(filepath.Join(t.TempDir(), "state.json")))
			if err != nil {
				t.Fatalf("new file store: %v", err)
			}
			return store
		},
		"sqlite": func(t *testing.T) Store {
			store, err := NewSQLiteStore(":memory:")
			if err != nil {
				t.Fatalf("new sqlite store: %v", err)
			}
			return store
		},
	}
	for name, build := range backends {
		build := build
		t.Run(name, func(t *testing.T) {
			store := build(t)
			t.Cleanup(func() { _ = store.Close() })
			fn(t, store)
		})
	}
}

var (
	testEventRef = EntityRef{Kind: EntityEvent, ID: "evt_1"}
	testBaseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

func testNotification(recipient, dedupKey string, scheduledFor time.Time) Notification {
	return Notification{
		RecipientID:  recipient,
		Kind:         NotifyNewEvent,
		Payload:      NotificationPayload{To: recipient + "@example.com", Subject: "New event", Text: "hello"},
		ScheduledFor: scheduledFor,
		DedupKey:     dedupKey,
	}
}

func TestStoreSyncStateLifecycle(t *testing.T) {
	storeBackends(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		state, err := store.MarkSyncPending(ctx, MarkPendingRequest{
			Entity: testEventRef,
			Target: TargetCalendarPublic,
			Action: ActionUpsert,
			Now:    testBaseTime,
		})
		if err != nil {
			t.Fatalf("mark pending: %v", err)
		}
		if state.Status != StatusPending || state.Generation != 1 {
			t.Fatalf("unexpected fresh row: %+v", state)
		}

		claimed, err := store.ClaimSyncState(ctx, testEventRef, TargetCalendarPublic, "worker-a", testBaseTime, time.Minute)
		if err != nil {
			t.Fatalf("claim: %v", err)
		}
		if _, err := store.ClaimSyncState(ctx, testEventRef, TargetCalendarPublic, "worker-b", testBaseTime, time.Minute); !errors.Is(err, ErrClaimed) {
			t.Fatalf("expected ErrClaimed for a live claim, got %v", err)
		}

		result := claimed
		result.Status = StatusSynced
		result.ExternalID = "gcal-123"
		result.AttemptCount = 0
		merged, err := store.FinishSyncAttempt(ctx, "worker-a", result)
		if err != nil {
			t.Fatalf("finish: %v", err)
		}
		if merged.Status != StatusSynced || merged.ExternalID != "gcal-123" || merged.ClaimedBy != "" {
			t.Fatalf("unexpected merged row: %+v", merged)
		}

		failed, err := store.ListSyncStatesByStatus(ctx, StatusFailed, 10)
		if err != nil {
			t.Fatalf("list failed: %v", err)
		}
		if len(failed) != 0 {
			t.Fatalf("expected no failed rows, got %d", len(failed))
		}
	})
}

func TestStoreClaimExpires(t *testing.T) {
	storeBackends(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		if _, err := store.MarkSyncPending(ctx, MarkPendingRequest{Entity: testEventRef, Target: TargetSocialPage, Action: ActionUpsert, Now: testBaseTime}); err != nil {
			t.Fatalf("mark pending: %v", err)
		}
		if _, err := store.ClaimSyncState(ctx, testEventRef, TargetSocialPage, "worker-a", testBaseTime, time.Minute); err != nil {
			t.Fatalf("claim: %v", err)
		}
		later := testBaseTime.Add(2 * time.Minute)
		if _, err := store.ClaimSyncState(ctx, testEventRef, TargetSocialPage, "worker-b", later, time.Minute); err != nil {
			t.Fatalf("expected expired claim to be taken over, got %v", err)
		}
		if _, err := store.FinishSyncAttempt(ctx, "worker-a", SyncState{Entity: testEventRef, Target: TargetSocialPage, Status: StatusSynced, Generation: 1}); !errors.Is(err, ErrClaimed) {
			t.Fatalf("expected the previous owner to lose its claim, got %v", err)
		}

		due, err := store.ListDueSyncStates(ctx, later.Add(time.Hour), 10)
		if err != nil {
			t.Fatalf("list due: %v", err)
		}
		if len(due) != 1 {
			t.Fatalf("expected the pair to be due once the new claim expires, got %d", len(due))
		}
	})
}

func TestStoreNewerGenerationWinsOverFinishedAttempt(t *testing.T) {
	storeBackends(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		if _, err := store.MarkSyncPending(ctx, MarkPendingRequest{Entity: testEventRef, Target: TargetCalendarInternal, Action: ActionUpsert, Now: testBaseTime}); err != nil {
			t.Fatalf("mark pending: %v", err)
		}
		claimed, err := store.ClaimSyncState(ctx, testEventRef, TargetCalendarInternal, "worker-a", testBaseTime, time.Minute)
		if err != nil {
			t.Fatalf("claim: %v", err)
		}
		// the entity changes again while the attempt is in flight
		if _, err := store.MarkSyncPending(ctx, MarkPendingRequest{Entity: testEventRef, Target: TargetCalendarInternal, Action: ActionUpsert, Now: testBaseTime.Add(time.Second)}); err != nil {
			t.Fatalf("re-mark pending: %v", err)
		}
		result := claimed
		result.Status = StatusSynced
		result.ExternalID = "gcal-1"
		merged, err := store.FinishSyncAttempt(ctx, "worker-a", result)
		if err != nil {
			t.Fatalf("finish: %v", err)
		}
		if merged.Status != StatusPending || merged.ExternalID != "gcal-1" {
			t.Fatalf("expected pending row that keeps the external id, got %+v", merged)
		}
	})
}

func TestStoreFailedRowsNeedForce(t *testing.T) {
	storeBackends(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		if _, err := store.MarkSyncPending(ctx, MarkPendingRequest{Entity: testEventRef, Target: TargetSocialGroup, Action: ActionUpsert, Now: testBaseTime}); err != nil {
			t.Fatalf("mark pending: %v", err)
		}
		claimed, err := store.ClaimSyncState(ctx, testEventRef, TargetSocialGroup, "worker-a", testBaseTime, time.Minute)
		if err != nil {
			t.Fatalf("claim: %v", err)
		}
		result := claimed
		result.Status = StatusFailed
		result.AttemptCount = 8
		result.LastError = "rejected"
		if _, err := store.FinishSyncAttempt(ctx, "worker-a", result); err != nil {
			t.Fatalf("finish: %v", err)
		}

		if _, err := store.MarkSyncPending(ctx, MarkPendingRequest{Entity: testEventRef, Target: TargetSocialGroup, Action: ActionUpsert, Now: testBaseTime}); !errors.Is(err, ErrInvalidState) {
			t.Fatalf("expected failed row to stay put, got %v", err)
		}
		forced, err := store.MarkSyncPending(ctx, MarkPendingRequest{Entity: testEventRef, Target: TargetSocialGroup, Action: ActionUpsert, Force: true, Now: testBaseTime})
		if err != nil {
			t.Fatalf("forced mark: %v", err)
		}
		if forced.Status != StatusPending || forced.AttemptCount != 0 || forced.LastError != "" {
			t.Fatalf("expected reset pending row, got %+v", forced)
		}
	})
}

func TestStoreNotificationDedupAndTerminalStates(t *testing.T) {
	storeBackends(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		first, inserted, err := store.EnqueueNotification(ctx, testNotification("sup_1", "new_event:evt_1:sup_1", testBaseTime))
		if err != nil || !inserted {
			t.Fatalf("enqueue: inserted=%v err=%v", inserted, err)
		}
		again, inserted, err := store.EnqueueNotification(ctx, testNotification("sup_1", "new_event:evt_1:sup_1", testBaseTime))
		if err != nil {
			t.Fatalf("re-enqueue: %v", err)
		}
		if inserted || again.ID != first.ID {
			t.Fatalf("expected dedup to return the existing row, got inserted=%v id=%s", inserted, again.ID)
		}

		claimed, err := store.ClaimNotifications(ctx, "notifier", testBaseTime, time.Minute, 10)
		if err != nil {
			t.Fatalf("claim: %v", err)
		}
		if len(claimed) != 1 || claimed[0].Status != NotificationSending {
			t.Fatalf("expected one sending row, got %+v", claimed)
		}
		sent, err := store.MarkNotificationSent(ctx, first.ID, "notifier", testBaseTime)
		if err != nil {
			t.Fatalf("mark sent: %v", err)
		}
		if sent.Status != NotificationSent || sent.SentAt == nil {
			t.Fatalf("unexpected sent row: %+v", sent)
		}
		if _, err := store.CancelNotification(ctx, first.ID, testBaseTime); !errors.Is(err, ErrInvalidState) {
			t.Fatalf("expected cancel of a sent row to fail, got %v", err)
		}
		if _, err := store.RetryNotification(ctx, first.ID, testBaseTime); !errors.Is(err, ErrInvalidState) {
			t.Fatalf("expected retry of a sent row to fail, got %v", err)
		}
		if _, err := store.MarkNotificationFailed(ctx, first.ID, "notifier", "late", nil, testBaseTime); !errors.Is(err, ErrInvalidState) {
			t.Fatalf("expected a sent row to stay sent, got %v", err)
		}
		if _, err := store.GetNotification(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestStoreNotificationFailureAndRetry(t *testing.T) {
	storeBackends(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		n, _, err := store.EnqueueNotification(ctx, testNotification("sup_2", "", testBaseTime))
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		if _, err := store.ClaimNotifications(ctx, "notifier", testBaseTime, time.Minute, 10); err != nil {
			t.Fatalf("claim: %v", err)
		}
		retryAt := testBaseTime.Add(time.Minute)
		pending, err := store.MarkNotificationFailed(ctx, n.ID, "notifier", "smtp down", &retryAt, testBaseTime)
		if err != nil {
			t.Fatalf("mark failed: %v", err)
		}
		if pending.Status != NotificationPending || pending.AttemptCount != 1 {
			t.Fatalf("expected pending retry, got %+v", pending)
		}
		claimed, err := store.ClaimNotifications(ctx, "notifier", testBaseTime, time.Minute, 10)
		if err != nil {
			t.Fatalf("claim before retry time: %v", err)
		}
		if len(claimed) != 0 {
			t.Fatalf("expected nothing due before the retry time, got %d", len(claimed))
		}
		if _, err := store.ClaimNotifications(ctx, "notifier", retryAt, time.Minute, 10); err != nil {
			t.Fatalf("claim at retry time: %v", err)
		}
		failed, err := store.MarkNotificationFailed(ctx, n.ID, "notifier", "smtp down", nil, retryAt)
		if err != nil {
			t.Fatalf("final failure: %v", err)
		}
		if failed.Status != NotificationFailed || failed.AttemptCount != 2 {
			t.Fatalf("expected failed row, got %+v", failed)
		}
		retried, err := store.RetryNotification(ctx, n.ID, retryAt)
		if err != nil {
			t.Fatalf("retry: %v", err)
		}
		if retried.Status != NotificationPending || retried.AttemptCount != 0 {
			t.Fatalf("expected fresh pending row, got %+v", retried)
		}
	})
}

func TestStoreConcurrentClaimsNeverOverlap(t *testing.T) {
	storeBackends(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		const total = 40
		for i := 0; i < total; i++ {
			if _, _, err := store.EnqueueNotification(ctx, testNotification(fmt.Sprintf("sup_%d", i), "", testBaseTime)); err != nil {
				t.Fatalf("enqueue: %v", err)
			}
		}
		var (
			mu   sync.Mutex
			seen = map[string]string{}
			wg   sync.WaitGroup
		)
		for w := 0; w < 4; w++ {
			owner := fmt.Sprintf("notifier-%d", w)
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					claimed, err := store.ClaimNotifications(ctx, owner, testBaseTime, time.Minute, 7)
					if err != nil {
						t.Errorf("claim: %v", err)
						return
					}
					if len(claimed) == 0 {
						return
					}
					mu.Lock()
					for _, n := range claimed {
						if previous, dup := seen[n.ID]; dup {
							t.Errorf("notification %s claimed by %s and %s", n.ID, previous, owner)
						}
						seen[n.ID] = owner
					}
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		if len(seen) != total {
			t.Fatalf("expected %d claimed notifications, got %d", total, len(seen))
		}
	})
}

func TestStoreReleaseStaleNotifications(t *testing.T) {
	storeBackends(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		if _, _, err := store.EnqueueNotification(ctx, testNotification("sup_1", "", testBaseTime)); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		if _, err := store.ClaimNotifications(ctx, "crashed", testBaseTime, time.Minute, 10); err != nil {
			t.Fatalf("claim: %v", err)
		}
		released, err := store.ReleaseStaleNotifications(ctx, testBaseTime.Add(30*time.Second))
		if err != nil || released != 0 {
			t.Fatalf("expected live claim to stay, released=%d err=%v", released, err)
		}
		released, err = store.ReleaseStaleNotifications(ctx, testBaseTime.Add(2*time.Minute))
		if err != nil || released != 1 {
			t.Fatalf("expected one stale claim released, released=%d err=%v", released, err)
		}
		pending, err := store.ListNotifications(ctx, NotificationFilter{Status: NotificationPending})
		if err != nil || len(pending) != 1 {
			t.Fatalf("expected one pending row again, got %d err=%v", len(pending), err)
		}
	})
}

func TestStoreCancelPendingNotificationsKeepsPrefix(t *testing.T) {
	storeBackends(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		keys := []string{
			"event_reminder:evt_1:100:sup_1",
			"event_reminder:evt_1:200:sup_1",
			"event_reminder:evt_10:100:sup_1",
		}
		for _, key := range keys {
			if _, _, err := store.EnqueueNotification(ctx, testNotification("sup_1", key, testBaseTime.Add(time.Hour))); err != nil {
				t.Fatalf("enqueue %s: %v", key, err)
			}
		}
		cancelled, err := store.CancelPendingNotifications(ctx, "event_reminder:evt_1:", "event_reminder:evt_1:200:", testBaseTime)
		if err != nil {
			t.Fatalf("cancel pending: %v", err)
		}
		if cancelled != 1 {
			t.Fatalf("expected only the stale version cancelled, got %d", cancelled)
		}
		pending, err := store.ListNotifications(ctx, NotificationFilter{Status: NotificationPending})
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(pending) != 2 {
			t.Fatalf("expected two pending rows, got %d", len(pending))
		}
	})
}

func TestStoreRecordWebhookOnce(t *testing.T) {
	storeBackends(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		receipt := WebhookReceipt{Provider: "patreon", ProviderEventID: "evt_42", EventType: "members:create", ReceivedAt: testBaseTime}

		failing := errors.New("apply failed")
		if _, err := store.RecordWebhook(ctx, receipt, func(tx TxStore) error {
			if _, err := tx.AppendLog(ctx, IntegrationLogEntry{Target: TargetSubscriptionProvider, Action: LogWebhookIn, Status: LogSuccess}); err != nil {
				return err
			}
			return failing
		}); !errors.Is(err, failing) {
			t.Fatalf("expected apply error, got %v", err)
		}
		entries, err := store.ListLog(ctx, LogFilter{})
		if err != nil {
			t.Fatalf("list log: %v", err)
		}
		if len(entries) != 0 {
			t.Fatalf("expected rolled back log entry, got %d", len(entries))
		}

		calls := 0
		apply := func(tx TxStore) error {
			calls++
			if _, err := tx.AppendLog(ctx, IntegrationLogEntry{Target: TargetSubscriptionProvider, Action: LogWebhookIn, Status: LogSuccess, ProviderEventID: "evt_42"}); err != nil {
				return err
			}
			_, _, err := tx.EnqueueNotification(ctx, testNotification("sup_1", "system:patreon:evt_42", testBaseTime))
			return err
		}
		duplicate, err := store.RecordWebhook(ctx, receipt, apply)
		if err != nil || duplicate {
			t.Fatalf("first delivery: duplicate=%v err=%v", duplicate, err)
		}
		duplicate, err = store.RecordWebhook(ctx, receipt, apply)
		if err != nil || !duplicate {
			t.Fatalf("second delivery: duplicate=%v err=%v", duplicate, err)
		}
		if calls != 1 {
			t.Fatalf("expected apply to run once, ran %d times", calls)
		}
		entries, err = store.ListLog(ctx, LogFilter{Action: LogWebhookIn})
		if err != nil || len(entries) != 1 {
			t.Fatalf("expected one webhook_in entry, got %d err=%v", len(entries), err)
		}
		notifications, err := store.ListNotifications(ctx, NotificationFilter{})
		if err != nil || len(notifications) != 1 {
			t.Fatalf("expected one notification, got %d err=%v", len(notifications), err)
		}
	})
}

func TestStoreLogFilters(t *testing.T) {
	storeBackends(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		other := EntityRef{Kind: EntityEvent, ID: "evt_2"}
		entries := []IntegrationLogEntry{
			{Entity: testEventRef, Target: TargetCalendarPublic, Action: LogCreate, Status: LogSuccess},
			{Entity: testEventRef, Target: TargetSocialPage, Action: LogCreate, Status: LogError},
			{Entity: other, Target: TargetSocialPage, Action: LogUpdate, Status: LogError},
		}
		for i, entry := range entries {
			entry.CreatedAt = testBaseTime.Add(time.Duration(i) * time.Second)
			if _, err := store.AppendLog(ctx, entry); err != nil {
				t.Fatalf("append: %v", err)
			}
		}
		got, err := store.ListLog(ctx, LogFilter{Entity: &testEventRef})
		if err != nil || len(got) != 2 {
			t.Fatalf("expected two entries for the entity, got %d err=%v", len(got), err)
		}
		got, err = store.ListLog(ctx, LogFilter{Target: TargetSocialPage, Status: LogError, Limit: 1})
		if err != nil || len(got) != 1 {
			t.Fatalf("expected the limit to apply, got %d err=%v", len(got), err)
		}
		if got[0].Entity != other {
			t.Fatalf("expected newest entry first, got %+v", got[0])
		}
	})
}

package syncengine

import (
	"context"
	"time"
)

// TxStore is the subset of the store a webhook handler may write to while
// the receipt insert is still uncommitted.
type TxStore interface {
	AppendLog(ctx context.Context, entry IntegrationLogEntry) (IntegrationLogEntry, error)
	EnqueueNotification(ctx context.Context, n Notification) (Notification, bool, error)
}

// Store is the single source of truth for sync state, the integration log,
// the notification queue and the webhook receipt ledger. Every claim and
// state transition goes through it.
type Store interface {
	TxStore

	GetSyncState(ctx context.Context, ref EntityRef, target SyncTarget) (SyncState, error)
	ListSyncStates(ctx context.Context, ref EntityRef) ([]SyncState, error)
	ListSyncStatesByStatus(ctx context.Context, status SyncStatus, limit int) ([]SyncState, error)
	ListDueSyncStates(ctx context.Context, now time.Time, limit int) ([]SyncState, error)
	MarkSyncPending(ctx context.Context, req MarkPendingRequest) (SyncState, error)
	ClaimSyncState(ctx context.Context, ref EntityRef, target SyncTarget, owner string, now time.Time, lease time.Duration) (SyncState, error)
	ReleaseSyncClaim(ctx context.Context, ref EntityRef, target SyncTarget, owner string) error
	FinishSyncAttempt(ctx context.Context, owner string, result SyncState) (SyncState, error)

	ListLog(ctx context.Context, filter LogFilter) ([]IntegrationLogEntry, error)

	GetNotification(ctx context.Context, id string) (Notification, error)
	ListNotifications(ctx context.Context, filter NotificationFilter) ([]Notification, error)
	ClaimNotifications(ctx context.Context, owner string, now time.Time, lease time.Duration, limit int) ([]Notification, error)
	MarkNotificationSent(ctx context.Context, id, owner string, now time.Time) (Notification, error)
	MarkNotificationFailed(ctx context.Context, id, owner, message string, retryAt *time.Time, now time.Time) (Notification, error)
	ReleaseStaleNotifications(ctx context.Context, now time.Time) (int, error)
	CancelNotification(ctx context.Context, id string, now time.Time) (Notification, error)
	// CancelPendingNotifications cancels pending rows whose dedup key starts
	// with dedupPrefix, sparing those that also start with keepPrefix.
	CancelPendingNotifications(ctx context.Context, dedupPrefix, keepPrefix string, now time.Time) (int, error)
	RetryNotification(ctx context.Context, id string, now time.Time) (Notification, error)

	// RecordWebhook inserts the receipt and runs apply in one transaction.
	// It reports duplicate=true without calling apply when the receipt exists.
	// An error from apply rolls the receipt back.
	RecordWebhook(ctx context.Context, receipt WebhookReceipt, apply func(tx TxStore) error) (duplicate bool, err error)

	Ping(ctx context.Context) error
	Close() error
}

type MarkPendingRequest struct {
	Entity EntityRef
	Target SyncTarget
	Action SyncAction
	// Force re-opens failed rows and resets their attempt counter.
	Force bool
	Now   time.Time
}

// nextPendingState applies a mark-pending request to the current row, or to
// a fresh row when exists is false. It is shared by every store backend.
func nextPendingState(current SyncState, exists bool, req MarkPendingRequest) (SyncState, error) {
	now := req.Now.UTC()
	if !exists {
		return SyncState{
			Entity:        req.Entity,
			Target:        req.Target,
			Status:        StatusPending,
			PendingAction: req.Action,
			Generation:    1,
			CreatedAt:     now,
			UpdatedAt:     now,
		}, nil
	}
	if current.Status == StatusDeleted {
		return current, ErrInvalidState
	}
	// failed rows stay put until an operator forces them, except that a
	// delete must still reach a remote copy to avoid orphaning it
	if current.Status == StatusFailed && !req.Force && !(req.Action == ActionDelete && current.ExternalID != "") {
		return current, ErrInvalidState
	}
	next := current
	if current.Status == StatusFailed || req.Force {
		next.AttemptCount = 0
		next.LastError = ""
		next.LastErrorCode = ""
	}
	next.Status = StatusPending
	next.PendingAction = req.Action
	next.Generation = current.Generation + 1
	next.NextAttemptAt = nil
	next.UpdatedAt = now
	return next, nil
}

// mergeAttemptResult folds a finished attempt into the stored row. When the
// row was marked pending again while the attempt ran, the newer request wins
// and the pair stays pending so it is synced again.
func mergeAttemptResult(stored, result SyncState, now time.Time) SyncState {
	merged := stored
	merged.ExternalID = result.ExternalID
	merged.Status = result.Status
	merged.PendingAction = result.PendingAction
	merged.AttemptCount = result.AttemptCount
	merged.LastErrorCode = result.LastErrorCode
	merged.LastError = result.LastError
	merged.LastAttemptAt = result.LastAttemptAt
	merged.LastSuccessAt = result.LastSuccessAt
	merged.NextAttemptAt = result.NextAttemptAt
	merged.ClaimedBy = ""
	merged.ClaimExpiresAt = nil
	merged.UpdatedAt = now.UTC()
	if stored.Generation != result.Generation && result.Status != StatusDeleted {
		merged.Status = StatusPending
		merged.PendingAction = stored.PendingAction
		merged.NextAttemptAt = nil
		if result.Status != StatusPending {
			merged.AttemptCount = 0
		}
	}
	return merged
}

func claimAvailable(claimedBy string, expiresAt *time.Time, now time.Time) bool {
	if claimedBy == "" {
		return true
	}
	return expiresAt == nil || !expiresAt.After(now)
}

func normalizeLimit(limit, fallback, max int) int {
	if limit <= 0 {
		return fallback
	}
	if limit > max {
		return max
	}
	return limit
}

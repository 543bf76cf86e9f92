package syncengine

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps every table in process memory. With a StateBackend it
// snapshots itself after each mutation, which is enough for single-node local
// deployments.
type MemoryStore struct {
	mu            sync.Mutex
	webhookMu     sync.Mutex
	states        map[string]SyncState
	log           []IntegrationLogEntry
	notifications map[string]Notification
	dedupIndex    map[string]string
	receipts      map[string]WebhookReceipt
	backend       StateBackend
}

type persistedState struct {
	Version       int                   `json:"version"`
	SyncStates    []SyncState           `json:"syncStates"`
	Log           []IntegrationLogEntry `json:"log"`
	Notifications []Notification        `json:"notifications"`
	Receipts      []WebhookReceipt      `json:"receipts"`
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		states:        map[string]SyncState{},
		notifications: map[string]Notification{},
		dedupIndex:    map[string]string{},
		receipts:      map[string]WebhookReceipt{},
	}
}

func NewPersistentMemoryStore(backend StateBackend) (*MemoryStore, error) {
	s := NewMemoryStore()
	s.backend = backend
	if backend == nil {
		return s, nil
	}
	snapshot, err := backend.Load()
	if err != nil {
		return nil, err
	}
	if snapshot != nil {
		for _, state := range snapshot.SyncStates {
			s.states[state.Key()] = state
		}
		s.log = append(s.log, snapshot.Log...)
		for _, n := range snapshot.Notifications {
			s.notifications[n.ID] = n
			if n.DedupKey != "" {
				s.dedupIndex[n.DedupKey] = n.ID
			}
		}
		for _, receipt := range snapshot.Receipts {
			s.receipts[receiptKey(receipt.Provider, receipt.ProviderEventID)] = receipt
		}
	}
	return s, nil
}

func (s *MemoryStore) saveLocked() error {
	if s.backend == nil {
		return nil
	}
	snapshot := &persistedState{
		SyncStates:    make([]SyncState, 0, len(s.states)),
		Log:           append([]IntegrationLogEntry(nil), s.log...),
		Notifications: make([]Notification, 0, len(s.notifications)),
		Receipts:      make([]WebhookReceipt, 0, len(s.receipts)),
	}
	for _, state := range s.states {
		snapshot.SyncStates = append(snapshot.SyncStates, state)
	}
	for _, n := range s.notifications {
		snapshot.Notifications = append(snapshot.Notifications, n)
	}
	for _, receipt := range s.receipts {
		snapshot.Receipts = append(snapshot.Receipts, receipt)
	}
	return s.backend.Save(snapshot)
}

func (s *MemoryStore) GetSyncState(ctx context.Context, ref EntityRef, target SyncTarget) (SyncState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[pairKey(ref, target)]
	if !ok {
		return SyncState{}, ErrNotFound
	}
	return state, nil
}

func (s *MemoryStore) ListSyncStates(ctx context.Context, ref EntityRef) ([]SyncState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]SyncState, 0)
	for _, state := range s.states {
		if state.Entity == ref {
			items = append(items, state)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Target < items[j].Target })
	return items, nil
}

func (s *MemoryStore) ListSyncStatesByStatus(ctx context.Context, status SyncStatus, limit int) ([]SyncState, error) {
	limit = normalizeLimit(limit, 100, 1000)
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]SyncState, 0)
	for _, state := range s.states {
		if state.Status == status {
			items = append(items, state)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].UpdatedAt.After(items[j].UpdatedAt) })
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (s *MemoryStore) ListDueSyncStates(ctx context.Context, now time.Time, limit int) ([]SyncState, error) {
	limit = normalizeLimit(limit, 100, 1000)
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]SyncState, 0)
	for _, state := range s.states {
		if state.Status != StatusPending {
			continue
		}
		if state.NextAttemptAt != nil && state.NextAttemptAt.After(now) {
			continue
		}
		if !claimAvailable(state.ClaimedBy, state.ClaimExpiresAt, now) {
			continue
		}
		items = append(items, state)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].UpdatedAt.Before(items[j].UpdatedAt) })
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (s *MemoryStore) MarkSyncPending(ctx context.Context, req MarkPendingRequest) (SyncState, error) {
	if !req.Entity.Valid() || req.Target == "" {
		return SyncState{}, ErrInvalidInput
	}
	if req.Now.IsZero() {
		req.Now = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := pairKey(req.Entity, req.Target)
	current, exists := s.states[key]
	next, err := nextPendingState(current, exists, req)
	if err != nil {
		return next, err
	}
	s.states[key] = next
	if err := s.saveLocked(); err != nil {
		return SyncState{}, err
	}
	return next, nil
}

func (s *MemoryStore) ClaimSyncState(ctx context.Context, ref EntityRef, target SyncTarget, owner string, now time.Time, lease time.Duration) (SyncState, error) {
	if strings.TrimSpace(owner) == "" {
		return SyncState{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := pairKey(ref, target)
	state, ok := s.states[key]
	if !ok {
		return SyncState{}, ErrNotFound
	}
	if state.Status != StatusPending {
		return state, ErrInvalidState
	}
	if state.ClaimedBy != owner && !claimAvailable(state.ClaimedBy, state.ClaimExpiresAt, now) {
		return state, ErrClaimed
	}
	state.ClaimedBy = owner
	state.ClaimExpiresAt = timePtr(now.Add(lease).UTC())
	s.states[key] = state
	if err := s.saveLocked(); err != nil {
		return SyncState{}, err
	}
	return state, nil
}

func (s *MemoryStore) ReleaseSyncClaim(ctx context.Context, ref EntityRef, target SyncTarget, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := pairKey(ref, target)
	state, ok := s.states[key]
	if !ok {
		return ErrNotFound
	}
	if state.ClaimedBy != owner {
		return ErrClaimed
	}
	state.ClaimedBy = ""
	state.ClaimExpiresAt = nil
	s.states[key] = state
	return s.saveLocked()
}

func (s *MemoryStore) FinishSyncAttempt(ctx context.Context, owner string, result SyncState) (SyncState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := result.Key()
	stored, ok := s.states[key]
	if !ok {
		return SyncState{}, ErrNotFound
	}
	if stored.Status == StatusDeleted {
		return stored, ErrInvalidState
	}
	if stored.ClaimedBy != owner {
		return stored, ErrClaimed
	}
	merged := mergeAttemptResult(stored, result, time.Now())
	s.states[key] = merged
	if err := s.saveLocked(); err != nil {
		return SyncState{}, err
	}
	return merged, nil
}

func (s *MemoryStore) AppendLog(ctx context.Context, entry IntegrationLogEntry) (IntegrationLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry = prepareLogEntry(entry)
	s.log = append(s.log, entry)
	if err := s.saveLocked(); err != nil {
		return IntegrationLogEntry{}, err
	}
	return entry, nil
}

func (s *MemoryStore) ListLog(ctx context.Context, filter LogFilter) ([]IntegrationLogEntry, error) {
	limit := normalizeLimit(filter.Limit, 100, 1000)
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]IntegrationLogEntry, 0)
	for i := len(s.log) - 1; i >= 0 && len(items) < limit; i-- {
		if filter.Matches(s.log[i]) {
			items = append(items, s.log[i])
		}
	}
	return items, nil
}

func (s *MemoryStore) EnqueueNotification(ctx context.Context, n Notification) (Notification, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n.DedupKey != "" {
		if id, ok := s.dedupIndex[n.DedupKey]; ok {
			return s.notifications[id], false, nil
		}
	}
	n, err := prepareNotification(n)
	if err != nil {
		return Notification{}, false, err
	}
	s.notifications[n.ID] = n
	if n.DedupKey != "" {
		s.dedupIndex[n.DedupKey] = n.ID
	}
	if err := s.saveLocked(); err != nil {
		return Notification{}, false, err
	}
	return n, true, nil
}

func (s *MemoryStore) GetNotification(ctx context.Context, id string) (Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notifications[id]
	if !ok {
		return Notification{}, ErrNotFound
	}
	return n, nil
}

func (s *MemoryStore) ListNotifications(ctx context.Context, filter NotificationFilter) ([]Notification, error) {
	limit := normalizeLimit(filter.Limit, 100, 1000)
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]Notification, 0)
	for _, n := range s.notifications {
		if filter.Status != "" && n.Status != filter.Status {
			continue
		}
		items = append(items, n)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].ScheduledFor.Equal(items[j].ScheduledFor) {
			return items[i].ID < items[j].ID
		}
		return items[i].ScheduledFor.Before(items[j].ScheduledFor)
	})
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (s *MemoryStore) ClaimNotifications(ctx context.Context, owner string, now time.Time, lease time.Duration, limit int) ([]Notification, error) {
	if strings.TrimSpace(owner) == "" {
		return nil, ErrInvalidInput
	}
	limit = normalizeLimit(limit, 50, 500)
	s.mu.Lock()
	defer s.mu.Unlock()
	due := make([]Notification, 0)
	for _, n := range s.notifications {
		if n.Status == NotificationPending && !n.ScheduledFor.After(now) {
			due = append(due, n)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].ScheduledFor.Equal(due[j].ScheduledFor) {
			return due[i].ID < due[j].ID
		}
		return due[i].ScheduledFor.Before(due[j].ScheduledFor)
	})
	if len(due) > limit {
		due = due[:limit]
	}
	expires := now.Add(lease).UTC()
	for i := range due {
		due[i].Status = NotificationSending
		due[i].ClaimedBy = owner
		due[i].ClaimExpiresAt = timePtr(expires)
		due[i].UpdatedAt = now.UTC()
		s.notifications[due[i].ID] = due[i]
	}
	if len(due) > 0 {
		if err := s.saveLocked(); err != nil {
			return nil, err
		}
	}
	return due, nil
}

func (s *MemoryStore) MarkNotificationSent(ctx context.Context, id, owner string, now time.Time) (Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notifications[id]
	if !ok {
		return Notification{}, ErrNotFound
	}
	if n.Status != NotificationSending {
		return n, ErrInvalidState
	}
	if n.ClaimedBy != owner {
		return n, ErrClaimed
	}
	n.Status = NotificationSent
	n.SentAt = timePtr(now.UTC())
	n.ErrorMessage = ""
	n.ClaimedBy = ""
	n.ClaimExpiresAt = nil
	n.UpdatedAt = now.UTC()
	s.notifications[id] = n
	return n, s.saveLocked()
}

func (s *MemoryStore) MarkNotificationFailed(ctx context.Context, id, owner, message string, retryAt *time.Time, now time.Time) (Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notifications[id]
	if !ok {
		return Notification{}, ErrNotFound
	}
	if n.Status != NotificationSending {
		return n, ErrInvalidState
	}
	if n.ClaimedBy != owner {
		return n, ErrClaimed
	}
	n.AttemptCount++
	n.ErrorMessage = truncateMessage(message, 1024)
	n.ClaimedBy = ""
	n.ClaimExpiresAt = nil
	n.UpdatedAt = now.UTC()
	if retryAt != nil {
		n.Status = NotificationPending
		n.ScheduledFor = retryAt.UTC()
	} else {
		n.Status = NotificationFailed
	}
	s.notifications[id] = n
	return n, s.saveLocked()
}

func (s *MemoryStore) ReleaseStaleNotifications(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	released := 0
	for id, n := range s.notifications {
		if n.Status != NotificationSending || n.ClaimExpiresAt == nil || n.ClaimExpiresAt.After(now) {
			continue
		}
		n.Status = NotificationPending
		n.ClaimedBy = ""
		n.ClaimExpiresAt = nil
		n.UpdatedAt = now.UTC()
		s.notifications[id] = n
		released++
	}
	if released == 0 {
		return 0, nil
	}
	return released, s.saveLocked()
}

func (s *MemoryStore) CancelNotification(ctx context.Context, id string, now time.Time) (Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notifications[id]
	if !ok {
		return Notification{}, ErrNotFound
	}
	if n.Status != NotificationPending {
		return n, ErrInvalidState
	}
	n.Status = NotificationCancelled
	n.UpdatedAt = now.UTC()
	s.notifications[id] = n
	return n, s.saveLocked()
}

func (s *MemoryStore) CancelPendingNotifications(ctx context.Context, dedupPrefix, keepPrefix string, now time.Time) (int, error) {
	if strings.TrimSpace(dedupPrefix) == "" {
		return 0, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cancelled := 0
	for id, n := range s.notifications {
		if n.Status != NotificationPending || !strings.HasPrefix(n.DedupKey, dedupPrefix) {
			continue
		}
		if keepPrefix != "" && strings.HasPrefix(n.DedupKey, keepPrefix) {
			continue
		}
		n.Status = NotificationCancelled
		n.UpdatedAt = now.UTC()
		s.notifications[id] = n
		cancelled++
	}
	if cancelled == 0 {
		return 0, nil
	}
	return cancelled, s.saveLocked()
}

func (s *MemoryStore) RetryNotification(ctx context.Context, id string, now time.Time) (Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notifications[id]
	if !ok {
		return Notification{}, ErrNotFound
	}
	if n.Status != NotificationFailed {
		return n, ErrInvalidState
	}
	n.Status = NotificationPending
	n.AttemptCount = 0
	n.ScheduledFor = now.UTC()
	n.UpdatedAt = now.UTC()
	s.notifications[id] = n
	return n, s.saveLocked()
}

type memoryTx struct {
	store         *MemoryStore
	log           []IntegrationLogEntry
	notifications []Notification
}

func (tx *memoryTx) AppendLog(ctx context.Context, entry IntegrationLogEntry) (IntegrationLogEntry, error) {
	entry = prepareLogEntry(entry)
	tx.log = append(tx.log, entry)
	return entry, nil
}

func (tx *memoryTx) EnqueueNotification(ctx context.Context, n Notification) (Notification, bool, error) {
	if n.DedupKey != "" {
		for _, pending := range tx.notifications {
			if pending.DedupKey == n.DedupKey {
				return pending, false, nil
			}
		}
		tx.store.mu.Lock()
		id, exists := tx.store.dedupIndex[n.DedupKey]
		existing := tx.store.notifications[id]
		tx.store.mu.Unlock()
		if exists {
			return existing, false, nil
		}
	}
	n, err := prepareNotification(n)
	if err != nil {
		return Notification{}, false, err
	}
	tx.notifications = append(tx.notifications, n)
	return n, true, nil
}

func (s *MemoryStore) RecordWebhook(ctx context.Context, receipt WebhookReceipt, apply func(tx TxStore) error) (bool, error) {
	if strings.TrimSpace(receipt.Provider) == "" || strings.TrimSpace(receipt.ProviderEventID) == "" {
		return false, ErrInvalidInput
	}
	s.webhookMu.Lock()
	defer s.webhookMu.Unlock()
	key := receiptKey(receipt.Provider, receipt.ProviderEventID)
	s.mu.Lock()
	_, exists := s.receipts[key]
	s.mu.Unlock()
	if exists {
		return true, nil
	}
	tx := &memoryTx{store: s}
	if apply != nil {
		if err := apply(tx); err != nil {
			return false, err
		}
	}
	if receipt.ReceivedAt.IsZero() {
		receipt.ReceivedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receipts[key] = receipt
	s.log = append(s.log, tx.log...)
	for _, n := range tx.notifications {
		if n.DedupKey != "" {
			if _, taken := s.dedupIndex[n.DedupKey]; taken {
				continue
			}
			s.dedupIndex[n.DedupKey] = n.ID
		}
		s.notifications[n.ID] = n
	}
	return false, s.saveLocked()
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	if pinger, ok := s.backend.(interface{ Ping(context.Context) error }); ok {
		return pinger.Ping(ctx)
	}
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func prepareLogEntry(entry IntegrationLogEntry) IntegrationLogEntry {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	entry.CreatedAt = entry.CreatedAt.UTC()
	return entry
}

func prepareNotification(n Notification) (Notification, error) {
	if strings.TrimSpace(n.RecipientID) == "" || strings.TrimSpace(n.Payload.To) == "" {
		return Notification{}, invalidInputf("notification needs a recipient and an address")
	}
	switch n.Kind {
	case NotifyEventReminder, NotifyNewEvent, NotifyDigest, NotifySystem:
	default:
		return Notification{}, invalidInputf("unknown notification kind %q", n.Kind)
	}
	now := time.Now().UTC()
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.ScheduledFor.IsZero() {
		n.ScheduledFor = now
	}
	n.ScheduledFor = n.ScheduledFor.UTC()
	n.Status = NotificationPending
	n.AttemptCount = 0
	n.ClaimedBy = ""
	n.ClaimExpiresAt = nil
	n.SentAt = nil
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}
	n.UpdatedAt = now
	return n, nil
}

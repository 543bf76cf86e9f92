package syncengine

import (
	"context"
	"sync"
	"time"
)

// SyncIntent asks a worker to reconcile one (entity, target) pair. The store
// row is authoritative; the intent only carries which pair to look at.
type SyncIntent struct {
	Entity     EntityRef  `json:"entity"`
	Target     SyncTarget `json:"target"`
	EnqueuedAt time.Time  `json:"enqueuedAt"`
}

func (i SyncIntent) Key() string {
	return pairKey(i.Entity, i.Target)
}

func (i SyncIntent) valid() bool {
	return i.Entity.Valid() && i.Target != ""
}

type IntentQueue interface {
	TryEnqueue(intent SyncIntent) bool
	Enqueue(ctx context.Context, intent SyncIntent) bool
	Dequeue(ctx context.Context) (SyncIntent, bool)
	Depth() int
	Capacity() int
	Close() error
}

type intentQueueSnapshotter interface {
	SnapshotIntents() []SyncIntent
}

type inMemoryIntentQueue struct {
	ch    chan SyncIntent
	mu    sync.Mutex
	items map[string]SyncIntent
}

func NewInMemoryIntentQueue(capacity int) IntentQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &inMemoryIntentQueue{
		ch:    make(chan SyncIntent, capacity),
		items: make(map[string]SyncIntent),
	}
}

func (q *inMemoryIntentQueue) TryEnqueue(intent SyncIntent) bool {
	if q == nil || !intent.valid() {
		return false
	}
	select {
	case q.ch <- intent:
		q.track(intent)
		return true
	default:
		return false
	}
}

func (q *inMemoryIntentQueue) Enqueue(ctx context.Context, intent SyncIntent) bool {
	if q == nil || !intent.valid() {
		return false
	}
	select {
	case q.ch <- intent:
		q.track(intent)
		return true
	case <-ctx.Done():
		return false
	}
}

func (q *inMemoryIntentQueue) track(intent SyncIntent) {
	q.mu.Lock()
	q.items[intent.Key()] = intent
	q.mu.Unlock()
}

func (q *inMemoryIntentQueue) Dequeue(ctx context.Context) (SyncIntent, bool) {
	if q == nil {
		return SyncIntent{}, false
	}
	select {
	case intent := <-q.ch:
		q.mu.Lock()
		delete(q.items, intent.Key())
		q.mu.Unlock()
		return intent, true
	case <-ctx.Done():
		return SyncIntent{}, false
	}
}

func (q *inMemoryIntentQueue) SnapshotIntents() []SyncIntent {
	if q == nil {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]SyncIntent, 0, len(q.items))
	for _, intent := range q.items {
		out = append(out, intent)
	}
	return out
}

func (q *inMemoryIntentQueue) Depth() int {
	if q == nil {
		return 0
	}
	return len(q.ch)
}

func (q *inMemoryIntentQueue) Capacity() int {
	if q == nil {
		return 0
	}
	return cap(q.ch)
}

func (q *inMemoryIntentQueue) Close() error {
	return nil
}

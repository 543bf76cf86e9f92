package syncengine

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// fileIntentQueue keeps the backlog in a JSON file rewritten on every change,
// so queued intents survive a restart of a single-node deployment.
type fileIntentQueue struct {
	path         string
	capacity     int
	pollInterval time.Duration
	mu           sync.Mutex
	items        []SyncIntent
}

type fileIntentQueueState struct {
	Items []SyncIntent `json:"items"`
}

func NewFileIntentQueue(path string, capacity int) (IntentQueue, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = 1024
	}
	q := &fileIntentQueue{
		path:         path,
		capacity:     capacity,
		pollInterval: 10 * time.Millisecond,
		items:        []SyncIntent{},
	}
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *fileIntentQueue) TryEnqueue(intent SyncIntent) bool {
	if !intent.valid() {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		return false
	}
	q.items = append(q.items, intent)
	if err := q.saveLocked(); err != nil {
		q.items = q.items[:len(q.items)-1]
		return false
	}
	return true
}

func (q *fileIntentQueue) Enqueue(ctx context.Context, intent SyncIntent) bool {
	for {
		if q.TryEnqueue(intent) {
			return true
		}
		if !intent.valid() {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *fileIntentQueue) Dequeue(ctx context.Context) (SyncIntent, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items = q.items[1:]
			if err := q.saveLocked(); err != nil {
				q.items = append([]SyncIntent{item}, q.items...)
				q.mu.Unlock()
				select {
				case <-ctx.Done():
					return SyncIntent{}, false
				case <-time.After(q.pollInterval):
					continue
				}
			}
			q.mu.Unlock()
			return item, true
		}
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return SyncIntent{}, false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *fileIntentQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *fileIntentQueue) Capacity() int {
	return q.capacity
}

func (q *fileIntentQueue) SnapshotIntents() []SyncIntent {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]SyncIntent(nil), q.items...)
}

func (q *fileIntentQueue) Close() error {
	return nil
}

func (q *fileIntentQueue) load() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	data, err := os.ReadFile(q.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot fileIntentQueueState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	// keep the newest entries when the file outgrew a smaller capacity
	if len(snapshot.Items) > q.capacity {
		q.items = append([]SyncIntent(nil), snapshot.Items[len(snapshot.Items)-q.capacity:]...)
		return q.saveLocked()
	}
	q.items = append([]SyncIntent(nil), snapshot.Items...)
	return nil
}

func (q *fileIntentQueue) saveLocked() error {
	data, err := json.Marshal(fileIntentQueueState{Items: q.items})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return err
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, q.path)
}

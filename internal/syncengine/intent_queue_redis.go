package syncengine

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisIntentQueueKey   = "clubsync:sync_intents"
	redisDequeueBlockTime = time.Second
	redisOperationTimeout = 2 * time.Second
)

// pushIfRoom keeps the capacity check and the push atomic on the server.
var pushIfRoom = redis.NewScript(`
if redis.call("LLEN", KEYS[1]) >= tonumber(ARGV[1]) then
	return 0
end
redis.call("LPUSH", KEYS[1], ARGV[2])
return 1
`)

// RedisIntentQueue is a list-backed queue: producers LPUSH, workers BRPOP.
type RedisIntentQueue struct {
	client       *redis.Client
	key          string
	capacity     int
	pollInterval time.Duration
}

func NewRedisIntentQueue(dsn string, capacity int) (IntentQueue, error) {
	opts, err := redis.ParseURL(strings.TrimSpace(dsn))
	if err != nil {
		return nil, err
	}
	return NewRedisIntentQueueFromClient(redis.NewClient(opts), capacity), nil
}

func NewRedisIntentQueueFromClient(client *redis.Client, capacity int) *RedisIntentQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &RedisIntentQueue{
		client:       client,
		key:          redisIntentQueueKey,
		capacity:     capacity,
		pollInterval: 50 * time.Millisecond,
	}
}

func (q *RedisIntentQueue) TryEnqueue(intent SyncIntent) bool {
	if q == nil || q.client == nil || !intent.valid() {
		return false
	}
	payload, err := json.Marshal(intent)
	if err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisOperationTimeout)
	defer cancel()
	pushed, err := pushIfRoom.Run(ctx, q.client, []string{q.key}, q.capacity, string(payload)).Int()
	return err == nil && pushed == 1
}

func (q *RedisIntentQueue) Enqueue(ctx context.Context, intent SyncIntent) bool {
	if q == nil || q.client == nil || !intent.valid() {
		return false
	}
	for {
		if q.TryEnqueue(intent) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *RedisIntentQueue) Dequeue(ctx context.Context) (SyncIntent, bool) {
	if q == nil || q.client == nil {
		return SyncIntent{}, false
	}
	for {
		if ctx.Err() != nil {
			return SyncIntent{}, false
		}
		result, err := q.client.BRPop(ctx, redisDequeueBlockTime, q.key).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			select {
			case <-ctx.Done():
				return SyncIntent{}, false
			case <-time.After(q.pollInterval):
				continue
			}
		}
		if len(result) != 2 {
			continue
		}
		var intent SyncIntent
		if err := json.Unmarshal([]byte(result[1]), &intent); err != nil || !intent.valid() {
			continue
		}
		return intent, true
	}
}

func (q *RedisIntentQueue) Depth() int {
	if q == nil || q.client == nil {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisOperationTimeout)
	defer cancel()
	depth, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0
	}
	return int(depth)
}

func (q *RedisIntentQueue) Capacity() int {
	if q == nil {
		return 0
	}
	return q.capacity
}

// SnapshotIntents lists queued intents oldest first.
func (q *RedisIntentQueue) SnapshotIntents() []SyncIntent {
	if q == nil || q.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisOperationTimeout)
	defer cancel()
	raw, err := q.client.LRange(ctx, q.key, 0, -1).Result()
	if err != nil {
		return nil
	}
	items := make([]SyncIntent, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		var intent SyncIntent
		if json.Unmarshal([]byte(raw[i]), &intent) != nil || !intent.valid() {
			continue
		}
		items = append(items, intent)
	}
	return items
}

func (q *RedisIntentQueue) Close() error {
	if q == nil || q.client == nil {
		return nil
	}
	return q.client.Close()
}

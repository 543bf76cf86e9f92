package syncengine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"
)

const (
	postgresIntentTableName   = "sync_intent_queue"
	postgresIntentQueueKey    = "default"
	postgresQueuePollInterval = 25 * time.Millisecond
)

// PostgresIntentQueue shares one backlog between every process pointed at the
// same database. Capacity checks hold an advisory lock per queue key and
// dequeues skip rows another consumer has locked.
type PostgresIntentQueue struct {
	dsn          string
	tableName    string
	queueKey     string
	capacity     int
	pollInterval time.Duration
	openDB       sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresIntentQueue(dsn string, capacity int) (IntentQueue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = 1024
	}
	return &PostgresIntentQueue{
		dsn:          dsn,
		tableName:    postgresIntentTableName,
		queueKey:     postgresIntentQueueKey,
		capacity:     capacity,
		pollInterval: postgresQueuePollInterval,
		openDB:       sql.Open,
	}, nil
}

func (q *PostgresIntentQueue) ensureReady() error {
	if q == nil {
		return ErrInvalidInput
	}
	q.initOnce.Do(func() {
		db, err := q.openDB("postgres", q.dsn)
		if err != nil {
			q.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
		defer cancel()

		table := postgresQuoteIdentifier(q.tableName)
		statements := []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				id BIGSERIAL PRIMARY KEY,
				queue_key TEXT NOT NULL,
				payload TEXT NOT NULL,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, table),
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (queue_key, id)",
				postgresQuoteIdentifier(q.tableName+"_queue_key_id_idx"), table),
		}
		for _, statement := range statements {
			if _, err := db.ExecContext(ctx, statement); err != nil {
				_ = db.Close()
				q.initErr = err
				return
			}
		}
		q.db = db
	})
	return q.initErr
}

func (q *PostgresIntentQueue) TryEnqueue(intent SyncIntent) bool {
	if q == nil || !intent.valid() {
		return false
	}
	payload, err := json.Marshal(intent)
	if err != nil {
		return false
	}
	if err := q.ensureReady(); err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
	defer cancel()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return false
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	table := postgresQuoteIdentifier(q.tableName)
	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", postgresQueueLockKey(q.tableName, q.queueKey)); err != nil {
		return false
	}
	var depth int
	if err := tx.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE queue_key = $1", table), q.queueKey).Scan(&depth); err != nil {
		return false
	}
	if depth >= q.capacity {
		return false
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("INSERT INTO %s (queue_key, payload) VALUES ($1, $2)", table), q.queueKey, string(payload)); err != nil {
		return false
	}
	if err := tx.Commit(); err != nil {
		return false
	}
	committed = true
	return true
}

func (q *PostgresIntentQueue) Enqueue(ctx context.Context, intent SyncIntent) bool {
	if q == nil || !intent.valid() {
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

func (q *PostgresIntentQueue) Dequeue(ctx context.Context) (SyncIntent, bool) {
	if q == nil {
		return SyncIntent{}, false
	}
	for {
		payload, ok := q.tryDequeue(ctx)
		if ok {
			var intent SyncIntent
			if err := json.Unmarshal([]byte(payload), &intent); err == nil && intent.valid() {
				return intent, true
			}
			continue
		}
		select {
		case <-ctx.Done():
			return SyncIntent{}, false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *PostgresIntentQueue) tryDequeue(ctx context.Context) (string, bool) {
	if err := q.ensureReady(); err != nil {
		return "", false
	}
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	table := postgresQuoteIdentifier(q.tableName)
	var id int64
	var payload string
	err = tx.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT id, payload FROM %s
		WHERE queue_key = $1
		ORDER BY id ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`, table), q.queueKey).Scan(&id, &payload)
	if err != nil {
		return "", false
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = $1", table), id); err != nil {
		return "", false
	}
	if err := tx.Commit(); err != nil {
		return "", false
	}
	committed = true
	return payload, true
}

func (q *PostgresIntentQueue) Depth() int {
	if q == nil {
		return 0
	}
	if err := q.ensureReady(); err != nil {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
	defer cancel()
	var depth int
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE queue_key = $1", postgresQuoteIdentifier(q.tableName))
	if err := q.db.QueryRowContext(ctx, query, q.queueKey).Scan(&depth); err != nil {
		return 0
	}
	return depth
}

func (q *PostgresIntentQueue) Capacity() int {
	if q == nil {
		return 0
	}
	return q.capacity
}

func (q *PostgresIntentQueue) SnapshotIntents() []SyncIntent {
	if q == nil {
		return nil
	}
	if err := q.ensureReady(); err != nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
	defer cancel()
	query := fmt.Sprintf("SELECT payload FROM %s WHERE queue_key = $1 ORDER BY id ASC", postgresQuoteIdentifier(q.tableName))
	rows, err := q.db.QueryContext(ctx, query, q.queueKey)
	if err != nil {
		return nil
	}
	defer rows.Close()
	items := make([]SyncIntent, 0)
	for rows.Next() {
		var payload string
		if rows.Scan(&payload) != nil {
			continue
		}
		var intent SyncIntent
		if json.Unmarshal([]byte(payload), &intent) != nil || !intent.valid() {
			continue
		}
		items = append(items, intent)
	}
	return items
}

func (q *PostgresIntentQueue) Close() error {
	if q == nil || q.db == nil {
		return nil
	}
	return q.db.Close()
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

func postgresQueueLockKey(tableName, queueKey string) int64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(strings.TrimSpace(tableName)))
	_, _ = hasher.Write([]byte{0})
	_, _ = hasher.Write([]byte(strings.TrimSpace(queueKey)))
	return int64(hasher.Sum64())
}

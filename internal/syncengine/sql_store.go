package syncengine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

type sqlDialect string

const (
	dialectPostgres sqlDialect = "postgres"
	dialectSQLite   sqlDialect = "sqlite3"

	sqlOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type sqlQueryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

// SQLStore implements Store on postgres (lib/pq) or sqlite (go-sqlite3).
// Timestamps are stored as unix microseconds so both dialects compare them
// the same way.
type SQLStore struct {
	dialect sqlDialect
	dsn     string
	openDB  sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresStore(dsn string) (*SQLStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &SQLStore{dialect: dialectPostgres, dsn: dsn, openDB: sql.Open}, nil
}

// NewSQLiteStore opens path, or a private in-memory database for ":memory:".
func NewSQLiteStore(path string) (*SQLStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_busy_timeout=5000&_foreign_keys=on"
	}
	return &SQLStore{dialect: dialectSQLite, dsn: dsn, openDB: sql.Open}, nil
}

func (s *SQLStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB(string(s.dialect), s.dsn)
		if err != nil {
			s.initErr = fmt.Errorf("failed to open %s store: %w", s.dialect, err)
			return
		}
		if s.dialect == dialectSQLite {
			db.SetMaxOpenConns(1)
		}
		ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
		defer cancel()
		for _, statement := range sqlSchema {
			if _, err := db.ExecContext(ctx, statement); err != nil {
				_ = db.Close()
				s.initErr = fmt.Errorf("failed to migrate %s store: %w", s.dialect, err)
				return
			}
		}
		s.db = db
	})
	return s.initErr
}

var sqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS sync_state (
		entity_kind TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		target TEXT NOT NULL,
		external_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		pending_action TEXT NOT NULL DEFAULT '',
		generation BIGINT NOT NULL DEFAULT 0,
		attempt_count INTEGER NOT NULL DEFAULT 0,
		last_error_code TEXT NOT NULL DEFAULT '',
		last_error TEXT NOT NULL DEFAULT '',
		last_attempt_at BIGINT,
		last_success_at BIGINT,
		next_attempt_at BIGINT,
		claimed_by TEXT NOT NULL DEFAULT '',
		claim_expires_at BIGINT,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL,
		PRIMARY KEY (entity_kind, entity_id, target)
	)`,
	`CREATE INDEX IF NOT EXISTS sync_state_status_idx ON sync_state (status, next_attempt_at)`,
	`CREATE TABLE IF NOT EXISTS integration_log (
		id TEXT PRIMARY KEY,
		entity_kind TEXT NOT NULL DEFAULT '',
		entity_id TEXT NOT NULL DEFAULT '',
		target TEXT NOT NULL DEFAULT '',
		action TEXT NOT NULL,
		status TEXT NOT NULL,
		request_snapshot TEXT NOT NULL DEFAULT '',
		response_snapshot TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		provider TEXT NOT NULL DEFAULT '',
		provider_event_id TEXT NOT NULL DEFAULT '',
		created_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS integration_log_entity_idx ON integration_log (entity_kind, entity_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS notification_queue (
		id TEXT PRIMARY KEY,
		recipient_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		payload TEXT NOT NULL,
		scheduled_for BIGINT NOT NULL,
		status TEXT NOT NULL,
		attempt_count INTEGER NOT NULL DEFAULT 0,
		error_message TEXT NOT NULL DEFAULT '',
		dedup_key TEXT UNIQUE,
		claimed_by TEXT NOT NULL DEFAULT '',
		claim_expires_at BIGINT,
		sent_at BIGINT,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS notification_queue_due_idx ON notification_queue (status, scheduled_for)`,
	`CREATE TABLE IF NOT EXISTS webhook_receipts (
		provider TEXT NOT NULL,
		provider_event_id TEXT NOT NULL,
		event_type TEXT NOT NULL DEFAULT '',
		received_at BIGINT NOT NULL,
		PRIMARY KEY (provider, provider_event_id)
	)`,
}

const syncStateColumns = `entity_kind, entity_id, target, external_id, status, pending_action, generation,
	attempt_count, last_error_code, last_error, last_attempt_at, last_success_at, next_attempt_at,
	claimed_by, claim_expires_at, created_at, updated_at`

const logColumns = `id, entity_kind, entity_id, target, action, status, request_snapshot, response_snapshot,
	error_message, provider, provider_event_id, created_at`

const notificationColumns = `id, recipient_id, kind, payload, scheduled_for, status, attempt_count, error_message,
	dedup_key, claimed_by, claim_expires_at, sent_at, created_at, updated_at`

// rebind rewrites ? placeholders into the $n form postgres expects.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) forUpdate() string {
	if s.dialect == dialectPostgres {
		return " FOR UPDATE"
	}
	return ""
}

func (s *SQLStore) skipLocked() string {
	if s.dialect == dialectPostgres {
		return " FOR UPDATE SKIP LOCKED"
	}
	return ""
}

func (s *SQLStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func toMicros(t time.Time) int64 {
	return t.UTC().UnixMicro()
}

func nullMicros(t *time.Time) any {
	if t == nil {
		return nil
	}
	return toMicros(*t)
}

func fromMicros(v int64) time.Time {
	return time.UnixMicro(v).UTC()
}

func fromNullMicros(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMicros(v.Int64)
	return &t
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func scanSyncState(row rowScanner) (SyncState, error) {
	var (
		state                                                 SyncState
		kind, target, status, action                          string
		lastAttempt, lastSuccess, nextAttempt, claimExpiresAt sql.NullInt64
		createdAt, updatedAt                                  int64
	)
	err := row.Scan(&kind, &state.Entity.ID, &target, &state.ExternalID, &status, &action, &state.Generation,
		&state.AttemptCount, &state.LastErrorCode, &state.LastError, &lastAttempt, &lastSuccess, &nextAttempt,
		&state.ClaimedBy, &claimExpiresAt, &createdAt, &updatedAt)
	if err != nil {
		return SyncState{}, err
	}
	state.Entity.Kind = EntityKind(kind)
	state.Target = SyncTarget(target)
	state.Status = SyncStatus(status)
	state.PendingAction = SyncAction(action)
	state.LastAttemptAt = fromNullMicros(lastAttempt)
	state.LastSuccessAt = fromNullMicros(lastSuccess)
	state.NextAttemptAt = fromNullMicros(nextAttempt)
	state.ClaimExpiresAt = fromNullMicros(claimExpiresAt)
	state.CreatedAt = fromMicros(createdAt)
	state.UpdatedAt = fromMicros(updatedAt)
	return state, nil
}

func scanLogEntry(row rowScanner) (IntegrationLogEntry, error) {
	var (
		entry                        IntegrationLogEntry
		kind, target, action, status string
		createdAt                    int64
	)
	err := row.Scan(&entry.ID, &kind, &entry.Entity.ID, &target, &action, &status, &entry.RequestSnapshot,
		&entry.ResponseSnapshot, &entry.ErrorMessage, &entry.Provider, &entry.ProviderEventID, &createdAt)
	if err != nil {
		return IntegrationLogEntry{}, err
	}
	entry.Entity.Kind = EntityKind(kind)
	entry.Target = SyncTarget(target)
	entry.Action = LogAction(action)
	entry.Status = LogStatus(status)
	entry.CreatedAt = fromMicros(createdAt)
	return entry, nil
}

func scanNotification(row rowScanner) (Notification, error) {
	var (
		n                                Notification
		kind, payload, status            string
		dedupKey                         sql.NullString
		scheduledFor, createdAt, updated int64
		claimExpiresAt, sentAt           sql.NullInt64
	)
	err := row.Scan(&n.ID, &n.RecipientID, &kind, &payload, &scheduledFor, &status, &n.AttemptCount, &n.ErrorMessage,
		&dedupKey, &n.ClaimedBy, &claimExpiresAt, &sentAt, &createdAt, &updated)
	if err != nil {
		return Notification{}, err
	}
	if err := json.Unmarshal([]byte(payload), &n.Payload); err != nil {
		return Notification{}, fmt.Errorf("failed to decode notification payload %s: %w", n.ID, err)
	}
	n.Kind = NotificationKind(kind)
	n.Status = NotificationStatus(status)
	n.DedupKey = dedupKey.String
	n.ScheduledFor = fromMicros(scheduledFor)
	n.ClaimExpiresAt = fromNullMicros(claimExpiresAt)
	n.SentAt = fromNullMicros(sentAt)
	n.CreatedAt = fromMicros(createdAt)
	n.UpdatedAt = fromMicros(updated)
	return n, nil
}

func (s *SQLStore) selectSyncState(ctx context.Context, q sqlQueryer, ref EntityRef, target SyncTarget, lock bool) (SyncState, error) {
	query := "SELECT " + syncStateColumns + " FROM sync_state WHERE entity_kind = ? AND entity_id = ? AND target = ?"
	if lock {
		query += s.forUpdate()
	}
	state, err := scanSyncState(q.QueryRowContext(ctx, s.rebind(query), string(ref.Kind), ref.ID, string(target)))
	if errors.Is(err, sql.ErrNoRows) {
		return SyncState{}, ErrNotFound
	}
	return state, err
}

func (s *SQLStore) writeSyncState(ctx context.Context, q sqlQueryer, state SyncState) error {
	query := `INSERT INTO sync_state (` + syncStateColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (entity_kind, entity_id, target) DO UPDATE SET
			external_id = EXCLUDED.external_id,
			status = EXCLUDED.status,
			pending_action = EXCLUDED.pending_action,
			generation = EXCLUDED.generation,
			attempt_count = EXCLUDED.attempt_count,
			last_error_code = EXCLUDED.last_error_code,
			last_error = EXCLUDED.last_error,
			last_attempt_at = EXCLUDED.last_attempt_at,
			last_success_at = EXCLUDED.last_success_at,
			next_attempt_at = EXCLUDED.next_attempt_at,
			claimed_by = EXCLUDED.claimed_by,
			claim_expires_at = EXCLUDED.claim_expires_at,
			updated_at = EXCLUDED.updated_at`
	_, err := q.ExecContext(ctx, s.rebind(query),
		string(state.Entity.Kind), state.Entity.ID, string(state.Target), state.ExternalID, string(state.Status),
		string(state.PendingAction), state.Generation, state.AttemptCount, state.LastErrorCode, state.LastError,
		nullMicros(state.LastAttemptAt), nullMicros(state.LastSuccessAt), nullMicros(state.NextAttemptAt),
		state.ClaimedBy, nullMicros(state.ClaimExpiresAt), toMicros(state.CreatedAt), toMicros(state.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to write sync state %s: %w", state.Key(), err)
	}
	return nil
}

func (s *SQLStore) querySyncStates(ctx context.Context, query string, args ...any) ([]SyncState, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := make([]SyncState, 0)
	for rows.Next() {
		state, err := scanSyncState(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, state)
	}
	return items, rows.Err()
}

func (s *SQLStore) GetSyncState(ctx context.Context, ref EntityRef, target SyncTarget) (SyncState, error) {
	if err := s.ensureReady(); err != nil {
		return SyncState{}, err
	}
	return s.selectSyncState(ctx, s.db, ref, target, false)
}

func (s *SQLStore) ListSyncStates(ctx context.Context, ref EntityRef) ([]SyncState, error) {
	return s.querySyncStates(ctx,
		"SELECT "+syncStateColumns+" FROM sync_state WHERE entity_kind = ? AND entity_id = ? ORDER BY target ASC",
		string(ref.Kind), ref.ID)
}

func (s *SQLStore) ListSyncStatesByStatus(ctx context.Context, status SyncStatus, limit int) ([]SyncState, error) {
	limit = normalizeLimit(limit, 100, 1000)
	return s.querySyncStates(ctx,
		"SELECT "+syncStateColumns+" FROM sync_state WHERE status = ? ORDER BY updated_at DESC LIMIT ?",
		string(status), limit)
}

func (s *SQLStore) ListDueSyncStates(ctx context.Context, now time.Time, limit int) ([]SyncState, error) {
	limit = normalizeLimit(limit, 100, 1000)
	nowMicros := toMicros(now)
	return s.querySyncStates(ctx, "SELECT "+syncStateColumns+` FROM sync_state
		WHERE status = ?
			AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
			AND (claimed_by = '' OR claim_expires_at IS NULL OR claim_expires_at <= ?)
		ORDER BY updated_at ASC LIMIT ?`,
		string(StatusPending), nowMicros, nowMicros, limit)
}

func (s *SQLStore) MarkSyncPending(ctx context.Context, req MarkPendingRequest) (SyncState, error) {
	if !req.Entity.Valid() || req.Target == "" {
		return SyncState{}, ErrInvalidInput
	}
	if req.Now.IsZero() {
		req.Now = time.Now().UTC()
	}
	var next SyncState
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := s.selectSyncState(ctx, tx, req.Entity, req.Target, true)
		exists := err == nil
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		next, err = nextPendingState(current, exists, req)
		if err != nil {
			return err
		}
		return s.writeSyncState(ctx, tx, next)
	})
	return next, err
}

func (s *SQLStore) ClaimSyncState(ctx context.Context, ref EntityRef, target SyncTarget, owner string, now time.Time, lease time.Duration) (SyncState, error) {
	if strings.TrimSpace(owner) == "" {
		return SyncState{}, ErrInvalidInput
	}
	var state SyncState
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		state, err = s.selectSyncState(ctx, tx, ref, target, true)
		if err != nil {
			return err
		}
		if state.Status != StatusPending {
			return ErrInvalidState
		}
		if state.ClaimedBy != owner && !claimAvailable(state.ClaimedBy, state.ClaimExpiresAt, now) {
			return ErrClaimed
		}
		state.ClaimedBy = owner
		state.ClaimExpiresAt = timePtr(now.Add(lease).UTC())
		return s.writeSyncState(ctx, tx, state)
	})
	return state, err
}

func (s *SQLStore) ReleaseSyncClaim(ctx context.Context, ref EntityRef, target SyncTarget, owner string) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx, s.rebind(`UPDATE sync_state SET claimed_by = '', claim_expires_at = NULL
		WHERE entity_kind = ? AND entity_id = ? AND target = ? AND claimed_by = ?`),
		string(ref.Kind), ref.ID, string(target), owner)
	if err != nil {
		return err
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		if _, err := s.GetSyncState(ctx, ref, target); err != nil {
			return err
		}
		return ErrClaimed
	}
	return nil
}

func (s *SQLStore) FinishSyncAttempt(ctx context.Context, owner string, result SyncState) (SyncState, error) {
	var merged SyncState
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		stored, err := s.selectSyncState(ctx, tx, result.Entity, result.Target, true)
		if err != nil {
			return err
		}
		merged = stored
		if stored.Status == StatusDeleted {
			return ErrInvalidState
		}
		if stored.ClaimedBy != owner {
			return ErrClaimed
		}
		merged = mergeAttemptResult(stored, result, time.Now())
		return s.writeSyncState(ctx, tx, merged)
	})
	return merged, err
}

func (s *SQLStore) appendLog(ctx context.Context, q sqlQueryer, entry IntegrationLogEntry) (IntegrationLogEntry, error) {
	entry = prepareLogEntry(entry)
	_, err := q.ExecContext(ctx, s.rebind(`INSERT INTO integration_log (`+logColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		entry.ID, string(entry.Entity.Kind), entry.Entity.ID, string(entry.Target), string(entry.Action),
		string(entry.Status), entry.RequestSnapshot, entry.ResponseSnapshot, entry.ErrorMessage, entry.Provider,
		entry.ProviderEventID, toMicros(entry.CreatedAt))
	if err != nil {
		return IntegrationLogEntry{}, fmt.Errorf("failed to append integration log entry: %w", err)
	}
	return entry, nil
}

func (s *SQLStore) AppendLog(ctx context.Context, entry IntegrationLogEntry) (IntegrationLogEntry, error) {
	if err := s.ensureReady(); err != nil {
		return IntegrationLogEntry{}, err
	}
	return s.appendLog(ctx, s.db, entry)
}

func (s *SQLStore) ListLog(ctx context.Context, filter LogFilter) ([]IntegrationLogEntry, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	clauses := make([]string, 0, 4)
	args := make([]any, 0, 6)
	if filter.Entity != nil {
		clauses = append(clauses, "entity_kind = ? AND entity_id = ?")
		args = append(args, string(filter.Entity.Kind), filter.Entity.ID)
	}
	if filter.Target != "" {
		clauses = append(clauses, "target = ?")
		args = append(args, string(filter.Target))
	}
	if filter.Action != "" {
		clauses = append(clauses, "action = ?")
		args = append(args, string(filter.Action))
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(filter.Status))
	}
	query := "SELECT " + logColumns + " FROM integration_log"
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, normalizeLimit(filter.Limit, 100, 1000))

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := make([]IntegrationLogEntry, 0)
	for rows.Next() {
		entry, err := scanLogEntry(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, entry)
	}
	return items, rows.Err()
}

func (s *SQLStore) enqueueNotification(ctx context.Context, q sqlQueryer, n Notification) (Notification, bool, error) {
	n, err := prepareNotification(n)
	if err != nil {
		return Notification{}, false, err
	}
	payload, err := json.Marshal(n.Payload)
	if err != nil {
		return Notification{}, false, err
	}
	query := `INSERT INTO notification_queue (` + notificationColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if n.DedupKey != "" {
		query += " ON CONFLICT (dedup_key) DO NOTHING"
	}
	result, err := q.ExecContext(ctx, s.rebind(query),
		n.ID, n.RecipientID, string(n.Kind), string(payload), toMicros(n.ScheduledFor), string(n.Status),
		n.AttemptCount, n.ErrorMessage, nullString(n.DedupKey), n.ClaimedBy, nil, nil,
		toMicros(n.CreatedAt), toMicros(n.UpdatedAt))
	if err != nil {
		return Notification{}, false, fmt.Errorf("failed to enqueue notification: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		existing, err := scanNotification(q.QueryRowContext(ctx,
			s.rebind("SELECT "+notificationColumns+" FROM notification_queue WHERE dedup_key = ?"), n.DedupKey))
		if err != nil {
			return Notification{}, false, err
		}
		return existing, false, nil
	}
	return n, true, nil
}

func (s *SQLStore) EnqueueNotification(ctx context.Context, n Notification) (Notification, bool, error) {
	if err := s.ensureReady(); err != nil {
		return Notification{}, false, err
	}
	return s.enqueueNotification(ctx, s.db, n)
}

func (s *SQLStore) GetNotification(ctx context.Context, id string) (Notification, error) {
	if err := s.ensureReady(); err != nil {
		return Notification{}, err
	}
	n, err := scanNotification(s.db.QueryRowContext(ctx,
		s.rebind("SELECT "+notificationColumns+" FROM notification_queue WHERE id = ?"), id))
	if errors.Is(err, sql.ErrNoRows) {
		return Notification{}, ErrNotFound
	}
	return n, err
}

func (s *SQLStore) queryNotifications(ctx context.Context, q sqlQueryer, query string, args ...any) ([]Notification, error) {
	rows, err := q.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := make([]Notification, 0)
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, n)
	}
	return items, rows.Err()
}

func (s *SQLStore) ListNotifications(ctx context.Context, filter NotificationFilter) ([]Notification, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	limit := normalizeLimit(filter.Limit, 100, 1000)
	if filter.Status != "" {
		return s.queryNotifications(ctx, s.db, "SELECT "+notificationColumns+
			" FROM notification_queue WHERE status = ? ORDER BY scheduled_for ASC, id ASC LIMIT ?",
			string(filter.Status), limit)
	}
	return s.queryNotifications(ctx, s.db, "SELECT "+notificationColumns+
		" FROM notification_queue ORDER BY scheduled_for ASC, id ASC LIMIT ?", limit)
}

func (s *SQLStore) ClaimNotifications(ctx context.Context, owner string, now time.Time, lease time.Duration, limit int) ([]Notification, error) {
	if strings.TrimSpace(owner) == "" {
		return nil, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	limit = normalizeLimit(limit, 50, 500)
	query := `UPDATE notification_queue
		SET status = ?, claimed_by = ?, claim_expires_at = ?, updated_at = ?
		WHERE status = ? AND id IN (
			SELECT id FROM notification_queue
			WHERE status = ? AND scheduled_for <= ?
			ORDER BY scheduled_for ASC, id ASC
			LIMIT ?` + s.skipLocked() + `
		)
		RETURNING ` + notificationColumns
	claimed, err := s.queryNotifications(ctx, s.db, query,
		string(NotificationSending), owner, toMicros(now.Add(lease)), toMicros(now),
		string(NotificationPending), string(NotificationPending), toMicros(now), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim notifications: %w", err)
	}
	sort.Slice(claimed, func(i, j int) bool {
		if claimed[i].ScheduledFor.Equal(claimed[j].ScheduledFor) {
			return claimed[i].ID < claimed[j].ID
		}
		return claimed[i].ScheduledFor.Before(claimed[j].ScheduledFor)
	})
	return claimed, nil
}

// transitionNotification runs a guarded single-row update and explains a miss.
func (s *SQLStore) transitionNotification(ctx context.Context, id, owner string, requireStatus NotificationStatus, query string, args ...any) (Notification, error) {
	if err := s.ensureReady(); err != nil {
		return Notification{}, err
	}
	updated, err := s.queryNotifications(ctx, s.db, query+" RETURNING "+notificationColumns, args...)
	if err != nil {
		return Notification{}, err
	}
	if len(updated) == 1 {
		return updated[0], nil
	}
	current, err := s.GetNotification(ctx, id)
	if err != nil {
		return Notification{}, err
	}
	if current.Status != requireStatus {
		return current, ErrInvalidState
	}
	if owner != "" && current.ClaimedBy != owner {
		return current, ErrClaimed
	}
	return current, ErrInvalidState
}

func (s *SQLStore) MarkNotificationSent(ctx context.Context, id, owner string, now time.Time) (Notification, error) {
	return s.transitionNotification(ctx, id, owner, NotificationSending, `UPDATE notification_queue
		SET status = ?, sent_at = ?, error_message = '', claimed_by = '', claim_expires_at = NULL, updated_at = ?
		WHERE id = ? AND status = ? AND claimed_by = ?`,
		string(NotificationSent), toMicros(now), toMicros(now), id, string(NotificationSending), owner)
}

func (s *SQLStore) MarkNotificationFailed(ctx context.Context, id, owner, message string, retryAt *time.Time, now time.Time) (Notification, error) {
	message = truncateMessage(message, 1024)
	if retryAt != nil {
		return s.transitionNotification(ctx, id, owner, NotificationSending, `UPDATE notification_queue
			SET status = ?, scheduled_for = ?, attempt_count = attempt_count + 1, error_message = ?,
				claimed_by = '', claim_expires_at = NULL, updated_at = ?
			WHERE id = ? AND status = ? AND claimed_by = ?`,
			string(NotificationPending), toMicros(*retryAt), message, toMicros(now), id, string(NotificationSending), owner)
	}
	return s.transitionNotification(ctx, id, owner, NotificationSending, `UPDATE notification_queue
		SET status = ?, attempt_count = attempt_count + 1, error_message = ?,
			claimed_by = '', claim_expires_at = NULL, updated_at = ?
		WHERE id = ? AND status = ? AND claimed_by = ?`,
		string(NotificationFailed), message, toMicros(now), id, string(NotificationSending), owner)
}

func (s *SQLStore) ReleaseStaleNotifications(ctx context.Context, now time.Time) (int, error) {
	if err := s.ensureReady(); err != nil {
		return 0, err
	}
	result, err := s.db.ExecContext(ctx, s.rebind(`UPDATE notification_queue
		SET status = ?, claimed_by = '', claim_expires_at = NULL, updated_at = ?
		WHERE status = ? AND claim_expires_at IS NOT NULL AND claim_expires_at <= ?`),
		string(NotificationPending), toMicros(now), string(NotificationSending), toMicros(now))
	if err != nil {
		return 0, err
	}
	affected, err := result.RowsAffected()
	return int(affected), err
}

func (s *SQLStore) CancelNotification(ctx context.Context, id string, now time.Time) (Notification, error) {
	return s.transitionNotification(ctx, id, "", NotificationPending, `UPDATE notification_queue
		SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(NotificationCancelled), toMicros(now), id, string(NotificationPending))
}

func (s *SQLStore) CancelPendingNotifications(ctx context.Context, dedupPrefix, keepPrefix string, now time.Time) (int, error) {
	if strings.TrimSpace(dedupPrefix) == "" {
		return 0, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return 0, err
	}
	query := `UPDATE notification_queue SET status = ?, updated_at = ?
		WHERE status = ? AND dedup_key LIKE ? ESCAPE '\'`
	args := []any{string(NotificationCancelled), toMicros(now), string(NotificationPending), likePrefix(dedupPrefix)}
	if keepPrefix != "" {
		query += ` AND dedup_key NOT LIKE ? ESCAPE '\'`
		args = append(args, likePrefix(keepPrefix))
	}
	result, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return 0, err
	}
	affected, err := result.RowsAffected()
	return int(affected), err
}

func likePrefix(prefix string) string {
	return strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`).Replace(prefix) + "%"
}

func (s *SQLStore) RetryNotification(ctx context.Context, id string, now time.Time) (Notification, error) {
	return s.transitionNotification(ctx, id, "", NotificationFailed, `UPDATE notification_queue
		SET status = ?, attempt_count = 0, scheduled_for = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(NotificationPending), toMicros(now), toMicros(now), id, string(NotificationFailed))
}

type sqlTx struct {
	store *SQLStore
	tx    *sql.Tx
}

func (t *sqlTx) AppendLog(ctx context.Context, entry IntegrationLogEntry) (IntegrationLogEntry, error) {
	return t.store.appendLog(ctx, t.tx, entry)
}

func (t *sqlTx) EnqueueNotification(ctx context.Context, n Notification) (Notification, bool, error) {
	return t.store.enqueueNotification(ctx, t.tx, n)
}

func (s *SQLStore) RecordWebhook(ctx context.Context, receipt WebhookReceipt, apply func(tx TxStore) error) (bool, error) {
	if strings.TrimSpace(receipt.Provider) == "" || strings.TrimSpace(receipt.ProviderEventID) == "" {
		return false, ErrInvalidInput
	}
	if receipt.ReceivedAt.IsZero() {
		receipt.ReceivedAt = time.Now().UTC()
	}
	duplicate := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO webhook_receipts (provider, provider_event_id, event_type, received_at)
			VALUES (?, ?, ?, ?) ON CONFLICT (provider, provider_event_id) DO NOTHING`),
			receipt.Provider, receipt.ProviderEventID, receipt.EventType, toMicros(receipt.ReceivedAt))
		if err != nil {
			return fmt.Errorf("failed to insert webhook receipt: %w", err)
		}
		if affected, _ := result.RowsAffected(); affected == 0 {
			duplicate = true
			return nil
		}
		if apply == nil {
			return nil
		}
		return apply(&sqlTx{store: s, tx: tx})
	})
	if err != nil {
		return false, err
	}
	return duplicate, nil
}

func (s *SQLStore) Ping(ctx context.Context) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

package syncengine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
)

// MySQLEntityStore reads events and supporters from the CRUD database.
// The CRUD layer tells the engine about its own writes through the internal
// entity-changes endpoint; supporter changes applied here publish directly.
type MySQLEntityStore struct {
	*ChangeFeed
	db *sql.DB
}

// NewMySQLEntityStore opens dsn with parseTime forced on and UTC as the
// session location, since every timestamp column is stored in UTC.
func NewMySQLEntityStore(dsn string) (*MySQLEntityStore, error) {
	cfg, err := mysql.ParseDSN(strings.TrimSpace(dsn))
	if err != nil {
		return nil, fmt.Errorf("invalid mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	db, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(time.Minute)
	return NewMySQLEntityStoreFromDB(db), nil
}

func NewMySQLEntityStoreFromDB(db *sql.DB) *MySQLEntityStore {
	return &MySQLEntityStore{ChangeFeed: NewChangeFeed(), db: db}
}

func (s *MySQLEntityStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *MySQLEntityStore) Close() error {
	return s.db.Close()
}

const mysqlEventColumns = `id, title, description, starts_at, ends_at, timezone, location_label, url,
	visibility, published, announce_on_social, deleted_at, updated_at`

// last_change is owned by the engine: a JSON SupporterChangeMark written with
// every webhook-driven change.
const mysqlSupporterColumns = `id, email, display_name, tier, active, provider_member_id, notify_opt_in,
	deleted_at, updated_at, last_change`

func scanMySQLEvent(row rowScanner) (Entity, error) {
	var (
		entity      Entity
		details     EventDetails
		description sql.NullString
		endsAt      sql.NullTime
		location    sql.NullString
		link        sql.NullString
		visibility  string
		deletedAt   sql.NullTime
	)
	err := row.Scan(&entity.Ref.ID, &details.Title, &description, &details.StartsAt, &endsAt, &details.Timezone,
		&location, &link, &visibility, &details.Published, &details.AnnounceOnSocial, &deletedAt, &entity.UpdatedAt)
	if err != nil {
		return Entity{}, err
	}
	entity.Ref.Kind = EntityEvent
	details.Description = description.String
	details.LocationLabel = location.String
	details.URL = link.String
	details.Visibility = Visibility(visibility)
	if endsAt.Valid {
		details.EndsAt = endsAt.Time
	}
	entity.Deleted = deletedAt.Valid
	entity.Event = &details
	return entity, nil
}

func scanMySQLSupporter(row rowScanner) (Entity, error) {
	var (
		entity     Entity
		details    SupporterDetails
		tier       sql.NullString
		memberID   sql.NullString
		deletedAt  sql.NullTime
		lastChange sql.NullString
	)
	err := row.Scan(&entity.Ref.ID, &details.Email, &details.DisplayName, &tier, &details.Active, &memberID,
		&details.NotifyOptIn, &deletedAt, &entity.UpdatedAt, &lastChange)
	if err != nil {
		return Entity{}, err
	}
	if lastChange.Valid && strings.TrimSpace(lastChange.String) != "" {
		if err := json.Unmarshal([]byte(lastChange.String), &details.LastChange); err != nil {
			return Entity{}, fmt.Errorf("failed to decode last_change of supporter %s: %w", entity.Ref.ID, err)
		}
	}
	entity.Ref.Kind = EntitySupporter
	details.Tier = tier.String
	details.ProviderMemberID = memberID.String
	entity.Deleted = deletedAt.Valid
	entity.Supporter = &details
	return entity, nil
}

func (s *MySQLEntityStore) Get(ctx context.Context, ref EntityRef) (Entity, error) {
	var (
		entity Entity
		err    error
	)
	switch ref.Kind {
	case EntityEvent:
		entity, err = scanMySQLEvent(s.db.QueryRowContext(ctx, "SELECT "+mysqlEventColumns+" FROM events WHERE id = ?", ref.ID))
	case EntitySupporter:
		entity, err = scanMySQLSupporter(s.db.QueryRowContext(ctx, "SELECT "+mysqlSupporterColumns+" FROM supporters WHERE id = ?", ref.ID))
	default:
		return Entity{}, ErrInvalidInput
	}
	if errors.Is(err, sql.ErrNoRows) {
		return Entity{}, ErrNotFound
	}
	return entity, err
}

func (s *MySQLEntityStore) ApplySupporterChange(ctx context.Context, change SupporterChange) (SupporterChangeResult, error) {
	memberID := strings.TrimSpace(change.ProviderMemberID)
	email := strings.TrimSpace(change.Email)
	if memberID == "" && email == "" {
		return SupporterChangeResult{}, invalidInputf("supporter change needs a member id or an email")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return SupporterChangeResult{}, err
	}
	defer func() { _ = tx.Rollback() }()

	existing, err := scanMySQLSupporter(tx.QueryRowContext(ctx, "SELECT "+mysqlSupporterColumns+`
		FROM supporters
		WHERE (provider_member_id = ? AND provider_member_id <> '') OR (email = ? AND email <> '')
		ORDER BY provider_member_id = ? DESC
		LIMIT 1 FOR UPDATE`, memberID, email, memberID))
	if err == nil {
		if replay, ok := replayedSupporterChange(existing, change); ok {
			s.Publish(ctx, existing.Ref)
			return replay, nil
		}
	}
	result := SupporterChangeResult{}
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if change.Deleted {
			return SupporterChangeResult{}, ErrNotFound
		}
		existing = Entity{
			Ref:       EntityRef{Kind: EntitySupporter, ID: uuid.NewString()},
			Supporter: &SupporterDetails{NotifyOptIn: true},
		}
		result.Created = true
	case err != nil:
		return SupporterChangeResult{}, err
	default:
		previous := *existing.Supporter
		result.Previous = &previous
	}

	details := applySupporterChange(*existing.Supporter, change, result.Created)
	now := time.Now().UTC()
	var deletedAt any
	if change.Deleted {
		deletedAt = now
	}
	var lastChange any
	if details.LastChange.EventID != "" {
		encoded, err := json.Marshal(details.LastChange)
		if err != nil {
			return SupporterChangeResult{}, err
		}
		lastChange = string(encoded)
	}
	if result.Created {
		_, err = tx.ExecContext(ctx, `INSERT INTO supporters
			(id, email, display_name, tier, active, provider_member_id, notify_opt_in, deleted_at, updated_at, last_change)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			existing.Ref.ID, details.Email, details.DisplayName, details.Tier, details.Active,
			details.ProviderMemberID, details.NotifyOptIn, deletedAt, now, lastChange)
	} else {
		_, err = tx.ExecContext(ctx, `UPDATE supporters
			SET email = ?, display_name = ?, tier = ?, active = ?, provider_member_id = ?, deleted_at = ?, updated_at = ?,
				last_change = COALESCE(?, last_change)
			WHERE id = ?`,
			details.Email, details.DisplayName, details.Tier, details.Active, details.ProviderMemberID,
			deletedAt, now, lastChange, existing.Ref.ID)
	}
	if err != nil {
		return SupporterChangeResult{}, fmt.Errorf("failed to write supporter %s: %w", existing.Ref.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return SupporterChangeResult{}, err
	}

	existing.Supporter = &details
	existing.Deleted = change.Deleted
	existing.UpdatedAt = now
	result.Ref = existing.Ref
	result.Current = existing
	s.Publish(ctx, existing.Ref)
	return result, nil
}

func (s *MySQLEntityStore) ListSubscribers(ctx context.Context) ([]Recipient, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, email, display_name FROM supporters
		WHERE deleted_at IS NULL AND active = TRUE AND notify_opt_in = TRUE AND email <> ''
		ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Recipient, 0)
	for rows.Next() {
		var r Recipient
		if err := rows.Scan(&r.ID, &r.Email, &r.Name); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *MySQLEntityStore) ListUpcomingEvents(ctx context.Context, from, to time.Time) ([]Entity, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+mysqlEventColumns+` FROM events
		WHERE deleted_at IS NULL AND published = TRUE AND starts_at >= ? AND starts_at < ?
		ORDER BY starts_at`, from.UTC(), to.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Entity, 0)
	for rows.Next() {
		entity, err := scanMySQLEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, entity)
	}
	return out, rows.Err()
}

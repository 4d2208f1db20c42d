package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/drblury/eventflow/internal/runtime/envelope"
	errorspkg "github.com/drblury/eventflow/internal/runtime/errors"
	idspkg "github.com/drblury/eventflow/internal/runtime/ids"
)

// Supported database/sql driver names.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
)

const analyticsColumns = `id, event_id, user_id, event_type, page_url, user_agent, session_id,
	event_timestamp, event_metadata, processed_at, created_at`

const researchColumns = `id, event_id, molecule_id, researcher, experiment_type, data, properties,
	results, llm_properties, event_timestamp, processed_at, created_at`

const statusColumns = `id, event_id, event_type, status, error_message, retry_count, max_retries,
	created_at, updated_at`

const upsertAnalyticsSQL = `
INSERT INTO user_analytics_events (` + analyticsColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (event_id)
DO UPDATE SET processed_at = excluded.processed_at`

const upsertResearchSQL = `
INSERT INTO chemical_research_events (` + researchColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (event_id)
DO UPDATE SET processed_at = excluded.processed_at,
	llm_properties = COALESCE(excluded.llm_properties, chemical_research_events.llm_properties)`

const insertStatusSQL = `
INSERT INTO event_processing_status (` + statusColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

const latestStatusSQL = `
SELECT ` + statusColumns + `
FROM event_processing_status
WHERE event_id = ?
ORDER BY seq DESC
LIMIT 1`

// SQLStore implements Store on postgres or sqlite through sqlx.
type SQLStore struct {
	db      *sqlx.DB
	driver  string
	dsn     string
	now     func() time.Time
	ownedDB bool
}

// OpenSQL connects to dsn with driver ("postgres" or "sqlite3").
func OpenSQL(ctx context.Context, driver, dsn string, maxOpenConns int) (*SQLStore, error) {
	switch driver {
	case DriverPostgres, DriverSQLite:
	default:
		return nil, fmt.Errorf("storage: unsupported driver %q", driver)
	}

	db, err := sqlx.ConnectContext(ctx, driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: connect %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		// sqlite allows one writer; a single connection avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	} else if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
	}

	store := NewSQLStore(db, dsn)
	store.ownedDB = true
	return store, nil
}

// NewSQLStore wraps an existing connection pool. dsn is only needed for Migrate.
func NewSQLStore(db *sqlx.DB, dsn string) *SQLStore {
	return &SQLStore{
		db:     db,
		driver: db.DriverName(),
		dsn:    dsn,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// DB exposes the underlying pool.
func (s *SQLStore) DB() *sqlx.DB { return s.db }

func (s *SQLStore) Save(ctx context.Context, rec Record) (uuid.UUID, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return uuid.Nil, transient("save", err)
	}
	defer tx.Rollback()

	var table string
	switch r := rec.(type) {
	case *AnalyticsEvent:
		table = "user_analytics_events"
		id := r.ID
		if id == uuid.Nil {
			id = idspkg.NewRecordID()
		}
		created := r.CreatedAt
		if created.IsZero() {
			created = s.now()
		}
		_, err = tx.ExecContext(ctx, tx.Rebind(upsertAnalyticsSQL),
			id, r.EventID, r.UserID, r.EventType, r.PageURL, r.UserAgent, r.SessionID,
			r.Timestamp.UTC(), r.EventMetadata, utcPtr(r.ProcessedAt), created)
	case *ResearchEvent:
		table = "chemical_research_events"
		id := r.ID
		if id == uuid.Nil {
			id = idspkg.NewRecordID()
		}
		created := r.CreatedAt
		if created.IsZero() {
			created = s.now()
		}
		_, err = tx.ExecContext(ctx, tx.Rebind(upsertResearchSQL),
			id, r.EventID, r.MoleculeID, r.Researcher, r.ExperimentType, r.Data, r.Properties,
			r.Results, r.LLMProperties, r.Timestamp.UTC(), utcPtr(r.ProcessedAt), created)
	default:
		return uuid.Nil, errorspkg.Permanent(fmt.Errorf("storage: unsupported record %T", rec))
	}
	if err != nil {
		return uuid.Nil, transient("save", err)
	}

	var id uuid.UUID
	query := tx.Rebind("SELECT id FROM " + table + " WHERE event_id = ?")
	if err := tx.GetContext(ctx, &id, query, rec.RecordEventID()); err != nil {
		return uuid.Nil, transient("save", err)
	}
	if err := tx.Commit(); err != nil {
		return uuid.Nil, transient("save", err)
	}
	return id, nil
}

func (s *SQLStore) Get(ctx context.Context, f Filter, limit int) ([]Record, error) {
	var (
		conds []string
		args  []any
	)
	if f.EventID != uuid.Nil {
		conds = append(conds, "event_id = ?")
		args = append(args, f.EventID)
	}

	var table, columns string
	switch f.Kind {
	case envelope.KindAnalytics:
		table, columns = "user_analytics_events", analyticsColumns
		if f.UserID != "" {
			conds = append(conds, "user_id = ?")
			args = append(args, f.UserID)
		}
	case envelope.KindResearch:
		table, columns = "chemical_research_events", researchColumns
		if f.Researcher != "" {
			conds = append(conds, "researcher = ?")
			args = append(args, f.Researcher)
		}
		if f.MoleculeID != "" {
			conds = append(conds, "molecule_id = ?")
			args = append(args, f.MoleculeID)
		}
	default:
		return nil, fmt.Errorf("storage: unknown record kind %q", f.Kind)
	}

	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(columns)
	b.WriteString(" FROM ")
	b.WriteString(table)
	if len(conds) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(conds, " AND "))
	}
	b.WriteString(" ORDER BY event_timestamp DESC, seq DESC")
	if limit > 0 {
		b.WriteString(" LIMIT ?")
		args = append(args, limit)
	}
	query := s.db.Rebind(b.String())

	switch f.Kind {
	case envelope.KindAnalytics:
		var rows []*AnalyticsEvent
		if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
			return nil, transient("get", err)
		}
		out := make([]Record, len(rows))
		for i, r := range rows {
			out[i] = r
		}
		return out, nil
	default:
		var rows []*ResearchEvent
		if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
			return nil, transient("get", err)
		}
		out := make([]Record, len(rows))
		for i, r := range rows {
			out[i] = r
		}
		return out, nil
	}
}

func (s *SQLStore) CreateStatus(ctx context.Context, eventID uuid.UUID, kind string, maxRetries int) (uuid.UUID, error) {
	now := s.now()
	id := idspkg.NewRecordID()
	_, err := s.db.ExecContext(ctx, s.db.Rebind(insertStatusSQL),
		id, eventID, kind, StatusPending, nil, 0, maxRetries, now, now)
	if err != nil {
		return uuid.Nil, transient("create status", err)
	}
	return id, nil
}

func (s *SQLStore) UpdateStatus(ctx context.Context, eventID uuid.UUID, status Status, errMsg string) error {
	_, err := s.mutateLatest(ctx, "update status", eventID, status, func(tx *sqlx.Tx, rec StatusRecord) error {
		_, err := tx.ExecContext(ctx,
			tx.Rebind("UPDATE event_processing_status SET status = ?, error_message = ?, updated_at = ? WHERE id = ?"),
			status, stringPtr(errMsg), s.now(), rec.ID)
		return err
	})
	return err
}

func (s *SQLStore) RecordRetry(ctx context.Context, eventID uuid.UUID, errMsg string) (StatusRecord, error) {
	return s.mutateLatest(ctx, "record retry", eventID, StatusPending, func(tx *sqlx.Tx, rec StatusRecord) error {
		_, err := tx.ExecContext(ctx,
			tx.Rebind(`UPDATE event_processing_status
				SET status = ?, retry_count = retry_count + 1, error_message = ?, updated_at = ?
				WHERE id = ?`),
			StatusPending, stringPtr(errMsg), s.now(), rec.ID)
		return err
	})
}

// mutateLatest loads the latest status row of eventID, checks the transition
// to target, applies update and returns the row as written.
func (s *SQLStore) mutateLatest(ctx context.Context, op string, eventID uuid.UUID, target Status, update func(*sqlx.Tx, StatusRecord) error) (StatusRecord, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return StatusRecord{}, transient(op, err)
	}
	defer tx.Rollback()

	var rec StatusRecord
	if err := tx.GetContext(ctx, &rec, tx.Rebind(latestStatusSQL), eventID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return StatusRecord{}, errorspkg.ErrNotFound
		}
		return StatusRecord{}, transient(op, err)
	}
	if !CanTransition(rec.Status, target) {
		return StatusRecord{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, rec.Status, target)
	}
	if err := update(tx, rec); err != nil {
		return StatusRecord{}, transient(op, err)
	}

	var written StatusRecord
	if err := tx.GetContext(ctx, &written, tx.Rebind("SELECT "+statusColumns+" FROM event_processing_status WHERE id = ?"), rec.ID); err != nil {
		return StatusRecord{}, transient(op, err)
	}
	if err := tx.Commit(); err != nil {
		return StatusRecord{}, transient(op, err)
	}
	return written, nil
}

func (s *SQLStore) LatestStatus(ctx context.Context, eventID uuid.UUID) (StatusRecord, error) {
	var rec StatusRecord
	if err := s.db.GetContext(ctx, &rec, s.db.Rebind(latestStatusSQL), eventID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return StatusRecord{}, errorspkg.ErrNotFound
		}
		return StatusRecord{}, transient("latest status", err)
	}
	return rec, nil
}

func (s *SQLStore) ListStatuses(ctx context.Context, eventID uuid.UUID) ([]StatusRecord, error) {
	var out []StatusRecord
	query := s.db.Rebind("SELECT " + statusColumns + " FROM event_processing_status WHERE event_id = ? ORDER BY seq DESC")
	if err := s.db.SelectContext(ctx, &out, query, eventID); err != nil {
		return nil, transient("list statuses", err)
	}
	return out, nil
}

func (s *SQLStore) ListStale(ctx context.Context, status Status, before time.Time, limit int) ([]StatusRecord, error) {
	query := "SELECT " + statusColumns + " FROM event_processing_status WHERE status = ? AND updated_at < ? ORDER BY seq ASC"
	args := []any{status, before.UTC()}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	var out []StatusRecord
	if err := s.db.SelectContext(ctx, &out, s.db.Rebind(query), args...); err != nil {
		return nil, transient("list stale", err)
	}
	return out, nil
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return transient("ping", s.db.PingContext(ctx))
}

// Close closes the pool when the store opened it.
func (s *SQLStore) Close() error {
	if !s.ownedDB {
		return nil
	}
	return s.db.Close()
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

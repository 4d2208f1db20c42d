// Package storage persists event records and processing status records. The
// pipeline depends only on the Store interface; MemoryStore and SQLStore are
// the implementations selected at startup.
package storage

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/drblury/eventflow/internal/runtime/envelope"
	errorspkg "github.com/drblury/eventflow/internal/runtime/errors"
	"github.com/drblury/eventflow/internal/runtime/jsoncodec"
)

// Status is the processing state of one delivery of an event.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// ErrInvalidTransition is returned when a status change would leave a
// terminal state.
var ErrInvalidTransition = errors.New("storage: invalid status transition")

// Terminal reports whether s ends the lifecycle of a status record.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether a record in from may move to to. Terminal
// states only accept themselves, which keeps repeated updates idempotent.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending, StatusProcessing:
		return to == StatusPending || to == StatusProcessing || to == StatusCompleted || to == StatusFailed
	case StatusCompleted, StatusFailed:
		return from == to
	default:
		return false
	}
}

// Record is a persisted event of one of the known kinds.
type Record interface {
	RecordKind() string
	RecordEventID() uuid.UUID
}

// AnalyticsEvent is a persisted user analytics event.
type AnalyticsEvent struct {
	ID            uuid.UUID  `db:"id" json:"id"`
	EventID       uuid.UUID  `db:"event_id" json:"event_id"`
	UserID        string     `db:"user_id" json:"user_id"`
	EventType     string     `db:"event_type" json:"event_type"`
	PageURL       *string    `db:"page_url" json:"page_url,omitempty"`
	UserAgent     *string    `db:"user_agent" json:"user_agent,omitempty"`
	SessionID     *string    `db:"session_id" json:"session_id,omitempty"`
	Timestamp     time.Time  `db:"event_timestamp" json:"timestamp"`
	EventMetadata JSONMap    `db:"event_metadata" json:"event_metadata,omitempty"`
	ProcessedAt   *time.Time `db:"processed_at" json:"processed_at,omitempty"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
}

func (e *AnalyticsEvent) RecordKind() string        { return envelope.KindAnalytics }
func (e *AnalyticsEvent) RecordEventID() uuid.UUID { return e.EventID }

// ResearchEvent is a persisted chemical research event.
type ResearchEvent struct {
	ID             uuid.UUID  `db:"id" json:"id"`
	EventID        uuid.UUID  `db:"event_id" json:"event_id"`
	MoleculeID     string     `db:"molecule_id" json:"molecule_id"`
	Researcher     string     `db:"researcher" json:"researcher"`
	ExperimentType *string    `db:"experiment_type" json:"experiment_type,omitempty"`
	Data           JSONMap    `db:"data" json:"data"`
	Properties     JSONMap    `db:"properties" json:"properties,omitempty"`
	Results        JSONMap    `db:"results" json:"results,omitempty"`
	LLMProperties  JSONMap    `db:"llm_properties" json:"llm_properties,omitempty"`
	Timestamp      time.Time  `db:"event_timestamp" json:"timestamp"`
	ProcessedAt    *time.Time `db:"processed_at" json:"processed_at,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
}

func (e *ResearchEvent) RecordKind() string        { return envelope.KindResearch }
func (e *ResearchEvent) RecordEventID() uuid.UUID { return e.EventID }

// StatusRecord tracks one delivery of an event through processing.
type StatusRecord struct {
	ID           uuid.UUID `db:"id" json:"id"`
	EventID      uuid.UUID `db:"event_id" json:"event_id"`
	EventType    string    `db:"event_type" json:"event_type"`
	Status       Status    `db:"status" json:"status"`
	ErrorMessage *string   `db:"error_message" json:"error_message,omitempty"`
	RetryCount   int       `db:"retry_count" json:"retry_count"`
	MaxRetries   int       `db:"max_retries" json:"max_retries"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// Filter selects persisted records. Kind is required; other fields narrow.
type Filter struct {
	Kind       string
	EventID    uuid.UUID
	UserID     string
	Researcher string
	MoleculeID string
}

// Store is the storage capability the pipeline depends on. Every call
// acquires and releases its own connection. Infrastructure failures are
// returned as *errors.TransientError.
type Store interface {
	// Save upserts rec keyed by its event id and returns the row id. Saving
	// the same event again only refreshes processed_at and enrichment data.
	Save(ctx context.Context, rec Record) (uuid.UUID, error)
	// Get returns records matching f, newest first. limit <= 0 means no limit.
	Get(ctx context.Context, f Filter, limit int) ([]Record, error)

	// CreateStatus opens a pending status record for eventID.
	CreateStatus(ctx context.Context, eventID uuid.UUID, kind string, maxRetries int) (uuid.UUID, error)
	// UpdateStatus moves the latest status record of eventID to status.
	UpdateStatus(ctx context.Context, eventID uuid.UUID, status Status, errMsg string) error
	// RecordRetry puts the latest status record back to pending and
	// increments its retry count.
	RecordRetry(ctx context.Context, eventID uuid.UUID, errMsg string) (StatusRecord, error)
	// LatestStatus returns the newest status record of eventID, or
	// errors.ErrNotFound.
	LatestStatus(ctx context.Context, eventID uuid.UUID) (StatusRecord, error)
	// ListStatuses returns every status record of eventID, newest first.
	ListStatuses(ctx context.Context, eventID uuid.UUID) ([]StatusRecord, error)
	// ListStale returns records in status not updated since before, oldest first.
	ListStale(ctx context.Context, status Status, before time.Time, limit int) ([]StatusRecord, error)

	Ping(ctx context.Context) error
	Close() error
}

// JSONMap is a JSON object column.
type JSONMap map[string]any

// Value encodes the map as JSON text. lib/pq sends []byte as bytea, so text
// is required for jsonb columns.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	data, err := jsoncodec.Marshal(map[string]any(m))
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan decodes a JSON text or bytes column.
func (m *JSONMap) Scan(src any) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*m = nil
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("storage: cannot scan %T into JSONMap", src)
	}
	if len(data) == 0 {
		*m = nil
		return nil
	}
	obj, err := jsoncodec.UnmarshalObject(data)
	if err != nil {
		return err
	}
	*m = obj
	return nil
}

func stringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func transient(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, errorspkg.ErrNotFound) || errors.Is(err, ErrInvalidTransition) {
		return err
	}
	return errorspkg.Transient(op, err)
}

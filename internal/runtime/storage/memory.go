package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/drblury/eventflow/internal/runtime/envelope"
	errorspkg "github.com/drblury/eventflow/internal/runtime/errors"
	idspkg "github.com/drblury/eventflow/internal/runtime/ids"
)

// MemoryStore keeps everything in process memory. It is meant for tests and
// local development.
type MemoryStore struct {
	mu  sync.RWMutex
	now func() time.Time
	seq int64

	analytics map[uuid.UUID]*memoryRow[AnalyticsEvent]
	research  map[uuid.UUID]*memoryRow[ResearchEvent]
	statuses  []*memoryRow[StatusRecord]
	closed    bool
}

type memoryRow[T any] struct {
	seq int64
	val T
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:       func() time.Time { return time.Now().UTC() },
		analytics: make(map[uuid.UUID]*memoryRow[AnalyticsEvent]),
		research:  make(map[uuid.UUID]*memoryRow[ResearchEvent]),
	}
}

func (s *MemoryStore) nextSeq() int64 {
	s.seq++
	return s.seq
}

func (s *MemoryStore) Save(ctx context.Context, rec Record) (uuid.UUID, error) {
	if err := ctx.Err(); err != nil {
		return uuid.Nil, transient("save", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return uuid.Nil, transient("save", errorspkg.ErrStoreRequired)
	}

	switch r := rec.(type) {
	case *AnalyticsEvent:
		if existing, ok := s.analytics[r.EventID]; ok {
			existing.val.ProcessedAt = r.ProcessedAt
			return existing.val.ID, nil
		}
		row := *r
		if row.ID == uuid.Nil {
			row.ID = idspkg.NewRecordID()
		}
		if row.CreatedAt.IsZero() {
			row.CreatedAt = s.now()
		}
		s.analytics[r.EventID] = &memoryRow[AnalyticsEvent]{seq: s.nextSeq(), val: row}
		return row.ID, nil
	case *ResearchEvent:
		if existing, ok := s.research[r.EventID]; ok {
			existing.val.ProcessedAt = r.ProcessedAt
			if r.LLMProperties != nil {
				existing.val.LLMProperties = r.LLMProperties
			}
			return existing.val.ID, nil
		}
		row := *r
		if row.ID == uuid.Nil {
			row.ID = idspkg.NewRecordID()
		}
		if row.CreatedAt.IsZero() {
			row.CreatedAt = s.now()
		}
		s.research[r.EventID] = &memoryRow[ResearchEvent]{seq: s.nextSeq(), val: row}
		return row.ID, nil
	default:
		return uuid.Nil, errorspkg.Permanent(fmt.Errorf("storage: unsupported record %T", rec))
	}
}

func (s *MemoryStore) Get(ctx context.Context, f Filter, limit int) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, transient("get", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	type candidate struct {
		seq int64
		ts  time.Time
		rec Record
	}
	var out []candidate

	switch f.Kind {
	case envelope.KindAnalytics:
		for _, row := range s.analytics {
			v := row.val
			if f.EventID != uuid.Nil && v.EventID != f.EventID {
				continue
			}
			if f.UserID != "" && v.UserID != f.UserID {
				continue
			}
			out = append(out, candidate{seq: row.seq, ts: v.Timestamp, rec: &v})
		}
	case envelope.KindResearch:
		for _, row := range s.research {
			v := row.val
			if f.EventID != uuid.Nil && v.EventID != f.EventID {
				continue
			}
			if f.Researcher != "" && v.Researcher != f.Researcher {
				continue
			}
			if f.MoleculeID != "" && v.MoleculeID != f.MoleculeID {
				continue
			}
			out = append(out, candidate{seq: row.seq, ts: v.Timestamp, rec: &v})
		}
	default:
		return nil, fmt.Errorf("storage: unknown record kind %q", f.Kind)
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].ts.Equal(out[j].ts) {
			return out[i].ts.After(out[j].ts)
		}
		return out[i].seq > out[j].seq
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	records := make([]Record, len(out))
	for i, c := range out {
		records[i] = c.rec
	}
	return records, nil
}

func (s *MemoryStore) CreateStatus(ctx context.Context, eventID uuid.UUID, kind string, maxRetries int) (uuid.UUID, error) {
	if err := ctx.Err(); err != nil {
		return uuid.Nil, transient("create status", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	rec := StatusRecord{
		ID:         idspkg.NewRecordID(),
		EventID:    eventID,
		EventType:  kind,
		Status:     StatusPending,
		MaxRetries: maxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.statuses = append(s.statuses, &memoryRow[StatusRecord]{seq: s.nextSeq(), val: rec})
	return rec.ID, nil
}

// latest returns the newest status row of eventID. Callers hold the lock.
func (s *MemoryStore) latest(eventID uuid.UUID) *memoryRow[StatusRecord] {
	for i := len(s.statuses) - 1; i >= 0; i-- {
		if s.statuses[i].val.EventID == eventID {
			return s.statuses[i]
		}
	}
	return nil
}

func (s *MemoryStore) UpdateStatus(ctx context.Context, eventID uuid.UUID, status Status, errMsg string) error {
	if err := ctx.Err(); err != nil {
		return transient("update status", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.latest(eventID)
	if row == nil {
		return errorspkg.ErrNotFound
	}
	if !CanTransition(row.val.Status, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, row.val.Status, status)
	}
	row.val.Status = status
	row.val.ErrorMessage = stringPtr(errMsg)
	row.val.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) RecordRetry(ctx context.Context, eventID uuid.UUID, errMsg string) (StatusRecord, error) {
	if err := ctx.Err(); err != nil {
		return StatusRecord{}, transient("record retry", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.latest(eventID)
	if row == nil {
		return StatusRecord{}, errorspkg.ErrNotFound
	}
	if !CanTransition(row.val.Status, StatusPending) {
		return StatusRecord{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, row.val.Status, StatusPending)
	}
	row.val.Status = StatusPending
	row.val.RetryCount++
	row.val.ErrorMessage = stringPtr(errMsg)
	row.val.UpdatedAt = s.now()
	return row.val, nil
}

func (s *MemoryStore) LatestStatus(ctx context.Context, eventID uuid.UUID) (StatusRecord, error) {
	if err := ctx.Err(); err != nil {
		return StatusRecord{}, transient("latest status", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.latest(eventID)
	if row == nil {
		return StatusRecord{}, errorspkg.ErrNotFound
	}
	return row.val, nil
}

func (s *MemoryStore) ListStatuses(ctx context.Context, eventID uuid.UUID) ([]StatusRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, transient("list statuses", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []StatusRecord
	for i := len(s.statuses) - 1; i >= 0; i-- {
		if s.statuses[i].val.EventID == eventID {
			out = append(out, s.statuses[i].val)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListStale(ctx context.Context, status Status, before time.Time, limit int) ([]StatusRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, transient("list stale", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []StatusRecord
	for _, row := range s.statuses {
		if row.val.Status == status && row.val.UpdatedAt.Before(before) {
			out = append(out, row.val)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return transient("ping", errorspkg.ErrStoreRequired)
	}
	return ctx.Err()
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

package processing

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/drblury/eventflow/internal/runtime/envelope"
	"github.com/drblury/eventflow/internal/runtime/storage"
)

// analyticsRecord maps a validated analytics envelope to its storage row.
func analyticsRecord(env *envelope.Envelope, eventID uuid.UUID, ts, now time.Time) *storage.AnalyticsEvent {
	return &storage.AnalyticsEvent{
		EventID:       eventID,
		UserID:        env.StringField("user_id"),
		EventType:     env.StringField("event_type"),
		PageURL:       optional(env, "page_url"),
		UserAgent:     optional(env, "user_agent"),
		SessionID:     optional(env, "session_id"),
		Timestamp:     ts,
		EventMetadata: object(env, "metadata"),
		ProcessedAt:   &now,
	}
}

// researchRecord maps a validated research envelope to its storage row.
func researchRecord(env *envelope.Envelope, eventID uuid.UUID, ts, now time.Time) *storage.ResearchEvent {
	data := object(env, "data")
	if data == nil {
		if v, ok := env.Field("data"); ok {
			data = storage.JSONMap{"value": v}
		} else {
			data = storage.JSONMap{}
		}
	}
	return &storage.ResearchEvent{
		EventID:        eventID,
		MoleculeID:     env.StringField("molecule_id"),
		Researcher:     env.StringField("researcher"),
		ExperimentType: optional(env, "experiment_type"),
		Data:           data,
		Properties:     object(env, "properties"),
		Results:        object(env, "results"),
		Timestamp:      ts,
		ProcessedAt:    &now,
	}
}

func optional(env *envelope.Envelope, field string) *string {
	v, ok := env.Field(field)
	if !ok || v == nil {
		return nil
	}
	s, ok := v.(string)
	if !ok {
		s = fmt.Sprint(v)
	}
	if s == "" {
		return nil
	}
	return &s
}

func object(env *envelope.Envelope, field string) storage.JSONMap {
	v, ok := env.Field(field)
	if !ok {
		return nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	return storage.JSONMap(m)
}

// Package envelope defines the wire representation of an event: a kind tag,
// an opaque structured payload and the metadata stamped by the publisher.
//
// Envelopes are versioned and tolerant of producer/consumer skew. Unknown
// top-level keys survive a decode/encode cycle in Extras, and envelopes written
// in the flat legacy layout (fields next to "type" instead of under
// "payload") are still understood.
package envelope

import (
	"fmt"
	"time"

	"github.com/drblury/eventflow/internal/runtime/jsoncodec"
)

// Version is the envelope layout version written by this package.
const Version = 1

// Reserved top-level keys of the JSON layout.
const (
	keyVersion        = "version"
	keyType           = "type"
	keyPayload        = "payload"
	keyTimestamp      = "timestamp"
	keyPublishedAt    = "published_at"
	keyServiceVersion = "service_version"
	keyEventID        = "event_id"
	keyPartitionKey   = "partition_key"
)

var reservedKeys = map[string]bool{
	keyVersion:        true,
	keyType:           true,
	keyPayload:        true,
	keyTimestamp:      true,
	keyPublishedAt:    true,
	keyServiceVersion: true,
	keyEventID:        true,
	keyPartitionKey:   true,
}

// Envelope is the canonical form of an event on the log.
type Envelope struct {
	Version int
	// Type is the event kind, one of the kinds known to a Registry.
	Type string
	// Payload holds the kind-specific fields.
	Payload map[string]any
	// Timestamp is when the event occurred, as supplied by the producer.
	Timestamp string

	// Stamped by the publisher.
	PublishedAt    time.Time
	ServiceVersion string
	EventID        string
	PartitionKey   string

	// Extras preserves top-level keys this version does not know about.
	Extras map[string]any
}

// New creates an envelope for kind with a copy of payload. A "timestamp" entry
// in payload is lifted into Timestamp when ts is empty.
func New(kind string, payload map[string]any, ts string) *Envelope {
	env := &Envelope{
		Version:   Version,
		Type:      kind,
		Payload:   cloneMap(payload),
		Timestamp: ts,
	}
	if env.Timestamp == "" {
		if s, ok := env.Payload[keyTimestamp].(string); ok {
			env.Timestamp = s
		}
	}
	return env
}

// Field returns a payload value.
func (e *Envelope) Field(name string) (any, bool) {
	if e == nil || e.Payload == nil {
		return nil, false
	}
	v, ok := e.Payload[name]
	return v, ok
}

// StringField returns a payload value rendered as a string; missing and nil
// values yield "".
func (e *Envelope) StringField(name string) string {
	v, ok := e.Field(name)
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Clone returns a deep copy of the envelope's maps.
func (e *Envelope) Clone() *Envelope {
	if e == nil {
		return nil
	}
	cloned := *e
	cloned.Payload = cloneMap(e.Payload)
	cloned.Extras = cloneMap(e.Extras)
	return &cloned
}

// MarshalJSON writes the versioned layout with Extras flattened alongside the
// known keys.
func (e Envelope) MarshalJSON() ([]byte, error) {
	return jsoncodec.Marshal(e.toMap())
}

// UnmarshalJSON reads both the versioned layout and the flat legacy layout.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	m, err := jsoncodec.UnmarshalObject(data)
	if err != nil {
		return err
	}
	return e.fromMap(m)
}

func (e Envelope) toMap() map[string]any {
	m := make(map[string]any, len(e.Extras)+8)
	for k, v := range e.Extras {
		if !reservedKeys[k] {
			m[k] = v
		}
	}

	version := e.Version
	if version == 0 {
		version = Version
	}
	m[keyVersion] = version
	m[keyType] = e.Type
	payload := e.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	m[keyPayload] = payload
	if e.Timestamp != "" {
		m[keyTimestamp] = e.Timestamp
	}
	if !e.PublishedAt.IsZero() {
		m[keyPublishedAt] = e.PublishedAt.UTC().Format(time.RFC3339Nano)
	}
	if e.ServiceVersion != "" {
		m[keyServiceVersion] = e.ServiceVersion
	}
	if e.EventID != "" {
		m[keyEventID] = e.EventID
	}
	if e.PartitionKey != "" {
		m[keyPartitionKey] = e.PartitionKey
	}
	return m
}

func (e *Envelope) fromMap(m map[string]any) error {
	*e = Envelope{}

	kind, ok := m[keyType].(string)
	if !ok || kind == "" {
		return fmt.Errorf("envelope: %q must be a non-empty string", keyType)
	}
	e.Type = kind

	e.Version = Version
	if raw, ok := m[keyVersion]; ok {
		n, ok := raw.(float64)
		if !ok || n < 1 {
			return fmt.Errorf("envelope: invalid %q %v", keyVersion, raw)
		}
		e.Version = int(n)
	}

	var err error
	if e.Timestamp, err = optionalString(m, keyTimestamp); err != nil {
		return err
	}
	if e.ServiceVersion, err = optionalString(m, keyServiceVersion); err != nil {
		return err
	}
	if e.EventID, err = optionalString(m, keyEventID); err != nil {
		return err
	}
	if e.PartitionKey, err = optionalString(m, keyPartitionKey); err != nil {
		return err
	}
	publishedAt, err := optionalString(m, keyPublishedAt)
	if err != nil {
		return err
	}
	if publishedAt != "" {
		t, err := ParseTimestamp(publishedAt)
		if err != nil {
			return fmt.Errorf("envelope: invalid %q: %w", keyPublishedAt, err)
		}
		e.PublishedAt = t
	}

	rawPayload, nested := m[keyPayload]
	if nested {
		payload, ok := rawPayload.(map[string]any)
		if !ok && rawPayload != nil {
			return fmt.Errorf("envelope: %q must be an object", keyPayload)
		}
		e.Payload = payload
		for k, v := range m {
			if reservedKeys[k] {
				continue
			}
			if e.Extras == nil {
				e.Extras = make(map[string]any)
			}
			e.Extras[k] = v
		}
	} else {
		// Flat legacy layout: everything that is not envelope metadata is payload.
		e.Payload = make(map[string]any, len(m))
		for k, v := range m {
			if k == keyType || k == keyVersion || k == keyPublishedAt || k == keyServiceVersion || k == keyEventID || k == keyPartitionKey {
				continue
			}
			e.Payload[k] = v
		}
	}
	if e.Payload == nil {
		e.Payload = map[string]any{}
	}
	return nil
}

func optionalString(m map[string]any, key string) (string, error) {
	raw, ok := m[key]
	if !ok || raw == nil {
		return "", nil
	}
	s, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("envelope: %q must be a string", key)
	}
	return s, nil
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cloned := make(map[string]any, len(m))
	for k, v := range m {
		cloned[k] = v
	}
	return cloned
}

package envelope

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	errorspkg "github.com/drblury/eventflow/internal/runtime/errors"
	idspkg "github.com/drblury/eventflow/internal/runtime/ids"
	"github.com/drblury/eventflow/internal/runtime/jsoncodec"
)

// Built-in event kinds.
const (
	KindAnalytics = "user_analytics"
	KindResearch  = "chemical_research"
)

// Kind describes the contract of one event kind.
type Kind struct {
	Name string
	// Required lists payload fields that must be present and non-empty. The
	// envelope timestamp is always required and is not listed here.
	Required []string
	// PartitionKeyField names the payload field that orders related events.
	PartitionKeyField string
	// NaturalKey lists the payload fields that, with the timestamp, identify a
	// logical event.
	NaturalKey []string
	// Enrich marks kinds whose processing calls the enrichment collaborator.
	Enrich bool
}

// AnalyticsKind is the user analytics event kind.
var AnalyticsKind = Kind{
	Name:              KindAnalytics,
	Required:          []string{"user_id", "event_type"},
	PartitionKeyField: "user_id",
	NaturalKey:        []string{"user_id", "event_type"},
}

// ResearchKind is the chemical research event kind.
var ResearchKind = Kind{
	Name:              KindResearch,
	Required:          []string{"molecule_id", "researcher", "data"},
	PartitionKeyField: "molecule_id",
	NaturalKey:        []string{"molecule_id", "researcher"},
	Enrich:            true,
}

// Registry is the closed, extensible set of known event kinds.
type Registry struct {
	mu    sync.RWMutex
	kinds map[string]Kind
}

// NewRegistry creates a registry holding kinds.
func NewRegistry(kinds ...Kind) *Registry {
	r := &Registry{kinds: make(map[string]Kind, len(kinds))}
	for _, k := range kinds {
		r.kinds[k.Name] = k
	}
	return r
}

// DefaultRegistry returns a registry with the built-in kinds.
func DefaultRegistry() *Registry {
	return NewRegistry(AnalyticsKind, ResearchKind)
}

// Register adds a kind. Re-registering an existing name is an error.
func (r *Registry) Register(k Kind) error {
	if k.Name == "" {
		return fmt.Errorf("envelope: kind name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.kinds[k.Name]; exists {
		return fmt.Errorf("envelope: kind %q already registered", k.Name)
	}
	r.kinds[k.Name] = k
	return nil
}

// Lookup returns the kind registered under name.
func (r *Registry) Lookup(name string) (Kind, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.kinds[name]
	return k, ok
}

// Names returns the registered kind names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.kinds))
	for name := range r.kinds {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks env against its kind's contract. Unknown kinds, missing
// fields and unparseable timestamps all yield a *errors.ValidationError.
func (r *Registry) Validate(env *Envelope) error {
	if env == nil {
		return errorspkg.ErrEnvelopeRequired
	}
	kind, ok := r.Lookup(env.Type)
	if !ok {
		return &errorspkg.ValidationError{Kind: env.Type, Reason: fmt.Sprintf("unknown event kind (known: %v)", r.Names())}
	}
	return kind.Validate(env)
}

// Prepare validates env and fills in its derived identity: a normalised
// payload, the partition key and the deterministic event id.
func (r *Registry) Prepare(env *Envelope) error {
	if err := r.Validate(env); err != nil {
		return err
	}
	kind, _ := r.Lookup(env.Type)

	payload, err := normalizePayload(env.Payload)
	if err != nil {
		return &errorspkg.ValidationError{Kind: env.Type, Reason: fmt.Sprintf("payload is not JSON-serialisable: %v", err)}
	}
	env.Payload = payload
	if env.Version == 0 {
		env.Version = Version
	}
	env.PartitionKey = kind.PartitionKey(env)

	if env.EventID != "" {
		if _, err := uuid.Parse(env.EventID); err != nil {
			return &errorspkg.ValidationError{Kind: env.Type, Reason: fmt.Sprintf("event_id %q is not a UUID", env.EventID)}
		}
		return nil
	}
	env.EventID = kind.Identify(env).String()
	return nil
}

// Validate checks the required payload fields and the timestamp.
func (k Kind) Validate(env *Envelope) error {
	var missing []string
	for _, field := range k.Required {
		if isMissing(env.Payload, field) {
			missing = append(missing, field)
		}
	}
	if env.Timestamp == "" {
		missing = append(missing, keyTimestamp)
	}
	if len(missing) > 0 {
		return &errorspkg.ValidationError{Kind: k.Name, Missing: missing}
	}
	if _, err := ParseTimestamp(env.Timestamp); err != nil {
		return &errorspkg.ValidationError{Kind: k.Name, Reason: fmt.Sprintf("timestamp %q is not ISO-8601", env.Timestamp)}
	}
	return nil
}

// PartitionKey returns the ordering key of env, or "" when the kind has none.
func (k Kind) PartitionKey(env *Envelope) string {
	if k.PartitionKeyField == "" {
		return ""
	}
	return env.StringField(k.PartitionKeyField)
}

// Identify derives the event id of env. The natural key is used when all of
// its fields are present; otherwise the canonical payload encoding stands in,
// so that even invalid events get a stable identity.
func (k Kind) Identify(env *Envelope) uuid.UUID {
	ts := env.Timestamp
	if normalized, err := NormalizeTimestamp(ts); err == nil {
		ts = normalized
	}

	parts := make([]string, 0, len(k.NaturalKey)+1)
	complete := len(k.NaturalKey) > 0
	for _, field := range k.NaturalKey {
		if isMissing(env.Payload, field) {
			complete = false
			break
		}
		parts = append(parts, env.StringField(field))
	}
	if !complete {
		encoded, err := jsoncodec.Marshal(env.Payload)
		if err != nil {
			encoded = []byte(fmt.Sprint(env.Payload))
		}
		parts = []string{string(encoded)}
	}
	parts = append(parts, ts)
	return idspkg.EventID(k.Name, parts...)
}

func isMissing(payload map[string]any, field string) bool {
	v, ok := payload[field]
	if !ok || v == nil {
		return true
	}
	if s, ok := v.(string); ok && s == "" {
		return true
	}
	return false
}

// normalizePayload round-trips payload through JSON so every value has a
// JSON-native Go type.
func normalizePayload(payload map[string]any) (map[string]any, error) {
	if payload == nil {
		return map[string]any{}, nil
	}
	data, err := jsoncodec.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return jsoncodec.UnmarshalObject(data)
}

package envelope

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errorspkg "github.com/drblury/eventflow/internal/runtime/errors"
)

func analyticsEnvelope() *Envelope {
	return New(KindAnalytics, map[string]any{
		"user_id":    "u1",
		"event_type": "click",
	}, "2024-01-01T00:00:00Z")
}

func TestDecodePreservesUnknownFields(t *testing.T) {
	raw := []byte(`{"version":1,"type":"user_analytics","payload":{"user_id":"u1","event_type":"click"},` +
		`"timestamp":"2024-01-01T00:00:00Z","schema_hint":"v2","trace":{"id":"abc"}}`)

	env, err := JSONCodec{}.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, "v2", env.Extras["schema_hint"])

	encoded, err := JSONCodec{}.Encode(env)
	require.NoError(t, err)
	assert.Contains(t, string(encoded), `"schema_hint":"v2"`)
	assert.Contains(t, string(encoded), `"trace":{"id":"abc"}`)
}

func TestDecodeFlatLegacyLayout(t *testing.T) {
	raw := []byte(`{"type":"chemical_research","molecule_id":"m1","researcher":"ada",` +
		`"data":{"formula":"H2O"},"timestamp":"2024-01-01T00:00:00","service_version":"1.0.0"}`)

	env, err := JSONCodec{}.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, KindResearch, env.Type)
	assert.Equal(t, "m1", env.StringField("molecule_id"))
	assert.Equal(t, "2024-01-01T00:00:00", env.Timestamp)
	assert.Equal(t, "1.0.0", env.ServiceVersion)
	assert.Empty(t, env.Extras)
	assert.NotContains(t, env.Payload, "service_version")
}

func TestDecodeToleratesNewerVersion(t *testing.T) {
	env, err := JSONCodec{}.Decode([]byte(`{"version":7,"type":"user_analytics","payload":{}}`))
	require.NoError(t, err)
	assert.Equal(t, 7, env.Version)
}

func TestDecodeFailures(t *testing.T) {
	tests := map[string]string{
		"not json":        `{"type":`,
		"array":           `[1,2,3]`,
		"missing type":    `{"payload":{}}`,
		"numeric type":    `{"type":5}`,
		"payload scalar":  `{"type":"user_analytics","payload":"x"}`,
		"bad published":   `{"type":"user_analytics","published_at":"yesterday"}`,
		"bad version":     `{"type":"user_analytics","version":"one"}`,
		"non string meta": `{"type":"user_analytics","event_id":12}`,
	}
	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := JSONCodec{}.Decode([]byte(raw))
			var decodeErr *errorspkg.DecodeError
			require.ErrorAs(t, err, &decodeErr)
		})
	}
}

func TestProtoCodecMatchesJSON(t *testing.T) {
	env := analyticsEnvelope()
	require.NoError(t, DefaultRegistry().Prepare(env))
	env.PublishedAt = time.Date(2024, 1, 1, 0, 0, 1, 0, time.UTC)
	env.ServiceVersion = "1.0.0"

	data, err := ProtoCodec{}.Encode(env)
	require.NoError(t, err)
	decoded, err := ProtoCodec{}.Decode(data)
	require.NoError(t, err)

	assert.Equal(t, env.EventID, decoded.EventID)
	assert.Equal(t, env.PartitionKey, decoded.PartitionKey)
	assert.Equal(t, env.Payload, decoded.Payload)
	assert.True(t, env.PublishedAt.Equal(decoded.PublishedAt))

	_, err = ProtoCodec{}.Decode([]byte{0xff, 0xff, 0xff})
	var decodeErr *errorspkg.DecodeError
	assert.ErrorAs(t, err, &decodeErr)
}

func TestCodecSelection(t *testing.T) {
	c, err := CodecByName("protobuf")
	require.NoError(t, err)
	assert.Equal(t, ContentTypeProtobuf, c.ContentType())

	_, err = CodecByName("xml")
	assert.Error(t, err)

	c, err = CodecForContentType("")
	require.NoError(t, err)
	assert.Equal(t, ContentTypeJSON, c.ContentType())

	_, err = CodecForContentType("text/csv")
	var decodeErr *errorspkg.DecodeError
	assert.ErrorAs(t, err, &decodeErr)
}

func TestPrepareStampsIdentity(t *testing.T) {
	reg := DefaultRegistry()
	a := analyticsEnvelope()
	b := New(KindAnalytics, map[string]any{"user_id": "u1", "event_type": "click"}, "2024-01-01T00:00:00+00:00")

	require.NoError(t, reg.Prepare(a))
	require.NoError(t, reg.Prepare(b))

	assert.Equal(t, "u1", a.PartitionKey)
	assert.NotEmpty(t, a.EventID)
	assert.Equal(t, a.EventID, b.EventID, "equivalent timestamps must give one identity")
}

func TestPrepareKeepsSuppliedEventID(t *testing.T) {
	env := analyticsEnvelope()
	env.EventID = "0f8fad5b-d9cb-469f-a165-70867728950e"
	require.NoError(t, DefaultRegistry().Prepare(env))
	assert.Equal(t, "0f8fad5b-d9cb-469f-a165-70867728950e", env.EventID)

	env.EventID = "not-a-uuid"
	var validation *errorspkg.ValidationError
	assert.ErrorAs(t, DefaultRegistry().Prepare(env), &validation)
}

func TestValidateRejectsUnknownKind(t *testing.T) {
	err := DefaultRegistry().Validate(New("unknown_kind", map[string]any{}, "2024-01-01T00:00:00Z"))
	var validation *errorspkg.ValidationError
	require.ErrorAs(t, err, &validation)
	assert.Contains(t, err.Error(), "unknown event kind")
}

func TestValidateReportsMissingFields(t *testing.T) {
	env := New(KindResearch, map[string]any{"molecule_id": "m1", "researcher": ""}, "")
	err := DefaultRegistry().Validate(env)

	var validation *errorspkg.ValidationError
	require.ErrorAs(t, err, &validation)
	assert.Equal(t, []string{"researcher", "data", "timestamp"}, validation.Missing)
}

func TestValidateRejectsBadTimestamp(t *testing.T) {
	env := analyticsEnvelope()
	env.Timestamp = "last tuesday"
	err := DefaultRegistry().Validate(env)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "ISO-8601"))
}

func TestIdentifyFallsBackToPayload(t *testing.T) {
	a := New(KindAnalytics, map[string]any{"user_id": "u1"}, "2024-01-01T00:00:00Z")
	b := New(KindAnalytics, map[string]any{"user_id": "u2"}, "2024-01-01T00:00:00Z")
	assert.NotEqual(t, AnalyticsKind.Identify(a), AnalyticsKind.Identify(b))
	assert.Equal(t, AnalyticsKind.Identify(a), AnalyticsKind.Identify(a.Clone()))
}

func TestRegistryRegister(t *testing.T) {
	reg := DefaultRegistry()
	require.NoError(t, reg.Register(Kind{Name: "order_placed", Required: []string{"order_id"}}))
	assert.Error(t, reg.Register(Kind{Name: "order_placed"}))
	assert.Error(t, reg.Register(Kind{}))
	assert.Equal(t, []string{"chemical_research", "order_placed", "user_analytics"}, reg.Names())
}

func TestNewLiftsPayloadTimestamp(t *testing.T) {
	env := New(KindAnalytics, map[string]any{"timestamp": "2024-02-02T10:00:00Z"}, "")
	assert.Equal(t, "2024-02-02T10:00:00Z", env.Timestamp)
}

func TestNormalizeTimestamp(t *testing.T) {
	got, err := NormalizeTimestamp("2024-01-01T02:00:00+02:00")
	require.NoError(t, err)
	assert.Equal(t, "2024-01-01T00:00:00Z", got)

	_, err = NormalizeTimestamp("2024/01/01")
	assert.Error(t, err)
}

package eventflow

import (
	"context"

	runtimepkg "github.com/drblury/eventflow/internal/runtime"
	configpkg "github.com/drblury/eventflow/internal/runtime/config"
	"github.com/drblury/eventflow/internal/runtime/dispatch"
	"github.com/drblury/eventflow/internal/runtime/enrichment"
	"github.com/drblury/eventflow/internal/runtime/envelope"
	errspkg "github.com/drblury/eventflow/internal/runtime/errors"
	idspkg "github.com/drblury/eventflow/internal/runtime/ids"
	jsoncodec "github.com/drblury/eventflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/eventflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/eventflow/internal/runtime/metadata"
	"github.com/drblury/eventflow/internal/runtime/storage"
	"github.com/drblury/eventflow/transport"
)

type (
	Config              = configpkg.Config
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies
	Health              = runtimepkg.Health

	Envelope      = envelope.Envelope
	EventKind     = envelope.Kind
	KindRegistry  = envelope.Registry
	Codec         = envelope.Codec
	Publisher     = runtimepkg.Publisher
	Receipt       = runtimepkg.Receipt
	Consumer      = runtimepkg.Consumer
	ConsumerState = runtimepkg.ConsumerState

	Dispatcher  = dispatch.Dispatcher
	Task        = dispatch.Task
	Routine     = dispatch.Routine
	RetryPolicy = dispatch.RetryPolicy
	TaskHooks   = dispatch.TaskHooks
	TaskContext = dispatch.TaskContext

	Store          = storage.Store
	Record         = storage.Record
	AnalyticsEvent = storage.AnalyticsEvent
	ResearchEvent  = storage.ResearchEvent
	StatusRecord   = storage.StatusRecord
	Status         = storage.Status
	Filter         = storage.Filter

	Extractor  = enrichment.Extractor
	Attributes = enrichment.Attributes

	UserSummary       = runtimepkg.UserSummary
	ResearcherSummary = runtimepkg.ResearcherSummary

	Metadata = metadatapkg.Metadata

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	ValidationError = errspkg.ValidationError
	DecodeError     = errspkg.DecodeError
	DispatchError   = errspkg.DispatchError
	PublishError    = errspkg.PublishError
	ErrorClass      = errspkg.Class

	Transport         = transport.Transport
	TransportBuilder  = transport.Builder
	TransportRegistry = transport.Registry
	Capabilities      = transport.Capabilities
)

var (
	NewService     = runtimepkg.NewService
	OpenStore      = runtimepkg.OpenStore
	DefaultConfig  = configpkg.Default
	LoadConfig     = configpkg.Load
	ValidateConfig = configpkg.ValidateConfig

	NewEnvelope         = envelope.New
	DefaultKindRegistry = envelope.DefaultRegistry
	NewKindRegistry     = envelope.NewRegistry

	NewMemoryStore = storage.NewMemoryStore
	Migrate        = storage.Migrate

	ExponentialPolicy = dispatch.ExponentialPolicy
	ConstantPolicy    = dispatch.ConstantPolicy

	NewLocalExtractor = enrichment.NewLocalExtractor

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode
	Decode        = jsoncodec.Decode

	Classify    = errspkg.Classify
	IsRetryable = errspkg.IsRetryable

	ErrConfigRequired     = errspkg.ErrConfigRequired
	ErrLoggerRequired     = errspkg.ErrLoggerRequired
	ErrPublisherRequired  = errspkg.ErrPublisherRequired
	ErrSubscriberRequired = errspkg.ErrSubscriberRequired
	ErrTopicRequired      = errspkg.ErrTopicRequired
	ErrStoreRequired      = errspkg.ErrStoreRequired
	ErrEnvelopeRequired   = errspkg.ErrEnvelopeRequired
	ErrDispatcherClosed   = errspkg.ErrDispatcherClosed
	ErrNotFound           = errspkg.ErrNotFound
	ErrDuplicate          = errspkg.ErrDuplicate
	ErrUnknownTransport   = transport.ErrUnknownTransport

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NewNopLogger         = loggingpkg.NewNopLogger

	NewMetadata = metadatapkg.New

	CreateULID = idspkg.CreateULID

	RegisterTransport = transport.Register
	GetCapabilities   = transport.GetCapabilities
)

// Event kinds understood by the default registry.
const (
	KindAnalytics = envelope.KindAnalytics
	KindResearch  = envelope.KindResearch
)

// Processing states of a status record.
const (
	StatusPending    = storage.StatusPending
	StatusProcessing = storage.StatusProcessing
	StatusCompleted  = storage.StatusCompleted
	StatusFailed     = storage.StatusFailed
)

// Metadata keys stamped on every published record.
const (
	MetadataKeyEventID       = metadatapkg.KeyEventID
	MetadataKeyEventKind     = metadatapkg.KeyEventKind
	MetadataKeyPartitionKey  = metadatapkg.KeyPartitionKey
	MetadataKeyContentType   = metadatapkg.KeyContentType
	MetadataKeyCorrelationID = metadatapkg.KeyCorrelationID
)

// Error classes returned by Classify.
const (
	ClassNone       = errspkg.ClassNone
	ClassValidation = errspkg.ClassValidation
	ClassDecode     = errspkg.ClassDecode
	ClassDispatch   = errspkg.ClassDispatch
	ClassTransient  = errspkg.ClassTransient
	ClassPermanent  = errspkg.ClassPermanent
)

// Publish builds an envelope of the given kind and publishes it through svc.
// ts may be empty when payload carries a "timestamp" field.
func Publish(ctx context.Context, svc *Service, kind string, payload map[string]any, ts string) (Receipt, error) {
	if svc == nil {
		return Receipt{}, ErrPublisherRequired
	}
	return svc.Publisher().Publish(ctx, envelope.New(kind, payload, ts), nil)
}

// SummarizeUser aggregates the stored analytics of one user.
func SummarizeUser(ctx context.Context, store Store, userID string) (UserSummary, error) {
	return runtimepkg.SummarizeUser(ctx, store, userID)
}

// SummarizeResearcher aggregates the stored experiments of one researcher.
func SummarizeResearcher(ctx context.Context, store Store, researcher string) (ResearcherSummary, error) {
	return runtimepkg.SummarizeResearcher(ctx, store, researcher)
}

package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	configpkg "github.com/drblury/eventflow/internal/runtime/config"
	"github.com/drblury/eventflow/internal/runtime/dispatch"
	"github.com/drblury/eventflow/internal/runtime/enrichment"
	"github.com/drblury/eventflow/internal/runtime/envelope"
	errspkg "github.com/drblury/eventflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/eventflow/internal/runtime/logging"
	metricspkg "github.com/drblury/eventflow/internal/runtime/metrics"
	"github.com/drblury/eventflow/internal/runtime/processing"
	"github.com/drblury/eventflow/internal/runtime/storage"
	"github.com/drblury/eventflow/transport"
	"github.com/drblury/eventflow/transport/transports"
)

// httpShutdownTimeout bounds the graceful stop of HTTP servers.
const httpShutdownTimeout = 10 * time.Second

var registerTransports sync.Once

// ServiceDependencies holds optional collaborators. Nil fields are built
// from the configuration.
type ServiceDependencies struct {
	// Transports resolves cfg.PubSubSystem. Nil uses the default registry
	// with every built-in transport.
	Transports *transport.Registry
	// Transport skips the registry entirely.
	Transport *transport.Transport
	Store     storage.Store
	Extractor enrichment.Extractor
	Kinds     *envelope.Registry

	// Registerer and Gatherer default to the prometheus globals.
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
}

// Service wires the publisher, consumer, dispatcher and processing machine
// around one transport and one store.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	transport    transport.Transport
	capabilities transport.Capabilities
	store        storage.Store
	ownsStore    bool
	kinds        *envelope.Registry
	metrics      *metricspkg.Metrics
	gatherer     prometheus.Gatherer

	publisher  *Publisher
	extractor  enrichment.Extractor
	machine    *processing.Machine
	dispatcher *dispatch.Dispatcher
	consumer   *Consumer

	httpServers   map[string]*http.ServeMux
	httpServersMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

// NewService validates conf and builds every component. Nothing runs until
// RunWorker or ServeHTTP is called.
func NewService(ctx context.Context, conf *configpkg.Config, log loggingpkg.ServiceLogger, deps ServiceDependencies) (_ *Service, err error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	log.Info("Creating event service", loggingpkg.LogFields{
		"pubsub_system": conf.PubSubSystem,
		"config":        conf.String(),
	})

	s := &Service{
		Conf:   conf,
		Logger: log,
		kinds:  deps.Kinds,
	}
	if s.kinds == nil {
		s.kinds = envelope.DefaultRegistry()
	}
	defer func() {
		if err != nil {
			_ = s.Close()
		}
	}()

	if err := s.initMetrics(deps); err != nil {
		return nil, err
	}
	if err := s.initStore(ctx, deps); err != nil {
		return nil, err
	}
	if err := s.initTransport(ctx, deps); err != nil {
		return nil, err
	}

	codec, err := envelope.CodecByName(conf.Codec)
	if err != nil {
		return nil, err
	}
	s.publisher, err = NewPublisher(s.transport.Publisher, PublisherConfig{
		Topic:           conf.Topic,
		ServiceVersion:  conf.ServiceVersion,
		Timeout:         conf.PublishTimeout,
		MaxRetries:      conf.PublishMaxRetries,
		InitialBackoff:  conf.PublishRetryBackoff,
		MaxBackoff:      conf.PublishMaxRetryBackoff,
		DeliveryTimeout: conf.DeliveryTimeout,
	},
		WithPublisherLogger(log),
		WithPublisherMetrics(s.metrics),
		WithRegistry(s.kinds),
		WithCodec(codec),
	)
	if err != nil {
		return nil, err
	}

	s.extractor = deps.Extractor
	if s.extractor == nil {
		s.extractor = buildExtractor(conf, log, s.metrics)
	}

	s.machine, err = processing.New(s.store, s.extractor,
		processing.WithRegistry(s.kinds),
		processing.WithLogger(log),
		processing.WithMetrics(s.metrics),
	)
	if err != nil {
		return nil, err
	}

	s.dispatcher, err = dispatch.New(dispatch.Config{
		Workers:       conf.Workers,
		QueueDepth:    conf.QueueDepth,
		ShutdownGrace: conf.ShutdownGrace,
		Retry:         dispatch.ExponentialPolicy(conf.MaxRetries, conf.RetryInitialInterval, conf.RetryMaxInterval),
	}, s.machine.Routines(),
		dispatch.WithLogger(log),
		dispatch.WithMetrics(s.metrics),
		dispatch.WithHooks(dispatch.LoggingHooks(log).Merge(dispatch.MetricsHooks(s.metrics))),
		dispatch.WithAdmission(s.machine.Admit),
		dispatch.WithFailureHandler(s.machine.Fail),
	)
	if err != nil {
		return nil, err
	}

	s.consumer, err = NewConsumer(s.transport.Subscriber, s.dispatcher, ConsumerConfig{
		Topic:       conf.Topic,
		PoisonQueue: conf.PoisonQueue,
		PollTimeout: conf.PollTimeout,
	},
		WithConsumerLogger(log),
		WithConsumerMetrics(s.metrics),
		WithPoisonPublisher(s.transport.Publisher),
	)
	if err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Service) initMetrics(deps ServiceDependencies) error {
	if !s.Conf.MetricsEnabled {
		return nil
	}
	s.metrics = metricspkg.New(deps.Registerer)
	if err := s.metrics.Register(); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	s.gatherer = deps.Gatherer
	if s.gatherer == nil {
		s.gatherer = prometheus.DefaultGatherer
	}
	return nil
}

func (s *Service) initStore(ctx context.Context, deps ServiceDependencies) error {
	if deps.Store != nil {
		s.store = deps.Store
		return nil
	}
	store, err := OpenStore(ctx, s.Conf)
	if err != nil {
		return err
	}
	s.store = store
	s.ownsStore = true
	return nil
}

// OpenStore opens the store selected by conf and applies migrations when
// AutoMigrate is set.
func OpenStore(ctx context.Context, conf *configpkg.Config) (storage.Store, error) {
	if conf.StorageDriver == "memory" {
		return storage.NewMemoryStore(), nil
	}
	store, err := storage.OpenSQL(ctx, conf.StorageDriver, conf.DatabaseURL, conf.DBMaxOpenConns)
	if err != nil {
		return nil, err
	}
	if conf.AutoMigrate {
		if err := store.Migrate(); err != nil {
			return nil, errors.Join(err, store.Close())
		}
	}
	return store, nil
}

func (s *Service) initTransport(ctx context.Context, deps ServiceDependencies) error {
	if deps.Transport != nil {
		s.transport = *deps.Transport
		s.capabilities = capabilitiesOf(s.transport, transport.Capabilities{Name: s.Conf.PubSubSystem})
	} else {
		registry := deps.Transports
		if registry == nil {
			registerTransports.Do(transports.RegisterAll)
			registry = transport.DefaultRegistry
		}
		tr, err := registry.Build(ctx, s.Conf, loggingpkg.NewWatermillAdapter(s.Logger))
		if err != nil {
			return err
		}
		s.transport = tr
		s.capabilities = capabilitiesOf(tr, registry.Capabilities(s.Conf.PubSubSystem))
	}
	if s.transport.Publisher == nil {
		return errspkg.ErrPublisherRequired
	}
	if s.transport.Subscriber == nil {
		return errspkg.ErrSubscriberRequired
	}
	s.warnCapabilities()
	return nil
}

func capabilitiesOf(tr transport.Transport, fallback transport.Capabilities) transport.Capabilities {
	if p, ok := tr.Publisher.(transport.CapabilitiesProvider); ok {
		return p.Capabilities()
	}
	return fallback
}

func (s *Service) warnCapabilities() {
	fields := loggingpkg.LogFields{"transport": s.capabilities.Name}
	if !s.capabilities.PreservesKeyOrder() {
		s.Logger.Info("Transport does not guarantee per-key ordering", fields)
	}
	if !s.capabilities.SupportsReliableDelivery() {
		s.Logger.Info("Transport cannot redeliver unacknowledged messages", fields)
	}
	if !s.capabilities.Durable {
		s.Logger.Info("Transport is not durable; accepted events are lost on restart", fields)
	}
}

func buildExtractor(conf *configpkg.Config, log loggingpkg.ServiceLogger, m *metricspkg.Metrics) enrichment.Extractor {
	local := enrichment.NewLocalExtractor()
	if conf.EnrichmentURL == "" {
		return local
	}
	remote := enrichment.NewRemoteExtractor(conf.EnrichmentURL, conf.EnrichmentAPIKey, conf.EnrichmentTimeout)
	return enrichment.NewFallbackExtractor(remote, local, enrichment.BreakerSettings{
		ConsecutiveFailures: uint32(conf.EnrichmentBreakerFailures),
		OpenTimeout:         conf.EnrichmentBreakerCooldown,
	}, log, m)
}

func (s *Service) Publisher() *Publisher                    { return s.publisher }
func (s *Service) Store() storage.Store                     { return s.store }
func (s *Service) Kinds() *envelope.Registry                { return s.kinds }
func (s *Service) Capabilities() transport.Capabilities     { return s.capabilities }
func (s *Service) ConsumerState() ConsumerState             { return s.consumer.State() }
func (s *Service) Dispatcher() *dispatch.Dispatcher         { return s.dispatcher }
func (s *Service) Machine() *processing.Machine             { return s.machine }
func (s *Service) Metrics() (*metricspkg.Metrics, prometheus.Gatherer) {
	return s.metrics, s.gatherer
}

// RunWorker consumes the log until ctx is cancelled, then drains the
// dispatcher within the shutdown grace period.
func (s *Service) RunWorker(ctx context.Context) error {
	s.dispatcher.Start(ctx)
	runErr := s.consumer.Run(ctx)

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.Conf.ShutdownGrace+httpShutdownTimeout)
	defer cancel()
	closeErr := s.dispatcher.Close(closeCtx)
	if errors.Is(closeErr, dispatch.ErrShutdownTimeout) {
		s.Logger.Info("Unfinished events stay pending for recovery", loggingpkg.LogFields{
			"shutdown_grace": s.Conf.ShutdownGrace.String(),
		})
	}
	return errors.Join(runErr, closeErr)
}

// Recover lists deliveries left pending or processing for longer than
// RecoverAfter. They are logged for replay; redelivery comes from the log.
func (s *Service) Recover(ctx context.Context) ([]storage.StatusRecord, error) {
	before := time.Now().UTC().Add(-s.Conf.RecoverAfter)

	var stale []storage.StatusRecord
	for _, status := range []storage.Status{storage.StatusPending, storage.StatusProcessing} {
		records, err := s.store.ListStale(ctx, status, before, 0)
		if err != nil {
			return nil, fmt.Errorf("list stale %s records: %w", status, err)
		}
		stale = append(stale, records...)
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].UpdatedAt.Before(stale[j].UpdatedAt) })

	for _, rec := range stale {
		s.Logger.Info("Stale processing status", loggingpkg.LogFields{
			loggingpkg.FieldEventID: rec.EventID.String(),
			loggingpkg.FieldKind:    rec.EventType,
			loggingpkg.FieldStatus:  string(rec.Status),
			"retry_count":           rec.RetryCount,
			"updated_at":            rec.UpdatedAt.Format(time.RFC3339),
		})
	}
	s.Logger.Info("Recovery scan finished", loggingpkg.LogFields{
		"stale":  len(stale),
		"before": before.Format(time.RFC3339),
	})
	return stale, nil
}

// Health describes the state of the dependencies.
type Health struct {
	Status    string `json:"status"`
	Storage   string `json:"storage"`
	Transport string `json:"transport"`
	Consumer  string `json:"consumer"`
}

// Health pings storage. The result is "ok" or "degraded".
func (s *Service) Health(ctx context.Context) (Health, error) {
	h := Health{
		Status:    "ok",
		Storage:   "ok",
		Transport: s.capabilities.Name,
		Consumer:  s.consumer.State().String(),
	}
	if err := s.store.Ping(ctx); err != nil {
		h.Status = "degraded"
		h.Storage = err.Error()
		return h, err
	}
	return h, nil
}

// RegisterHTTPHandler mounts handler on the server listening on addr.
func (s *Service) RegisterHTTPHandler(addr, pattern string, handler http.Handler) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	if s.httpServers == nil {
		s.httpServers = make(map[string]*http.ServeMux)
	}

	mux, ok := s.httpServers[addr]
	if !ok {
		mux = http.NewServeMux()
		s.httpServers[addr] = mux
	}

	mux.Handle(pattern, handler)
}

// ServeHTTP runs every registered server until ctx is cancelled.
func (s *Service) ServeHTTP(ctx context.Context) error {
	s.httpServersMu.Lock()
	servers := make([]*http.Server, 0, len(s.httpServers))
	for addr, mux := range s.httpServers {
		servers = append(servers, &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		})
	}
	s.httpServersMu.Unlock()

	if len(servers) == 0 {
		<-ctx.Done()
		return nil
	}

	errs := make(chan error, len(servers))
	for _, srv := range servers {
		s.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": srv.Addr})
		go func(srv *http.Server) {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errs <- fmt.Errorf("http server %s: %w", srv.Addr, err)
				return
			}
			errs <- nil
		}(srv)
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errs:
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), httpShutdownTimeout)
	defer cancel()
	var shutdownErrs []error
	for _, srv := range servers {
		shutdownErrs = append(shutdownErrs, srv.Shutdown(shutdownCtx))
	}
	return errors.Join(runErr, errors.Join(shutdownErrs...))
}

// Run serves HTTP and, when worker is true, consumes the log in the same
// process. It returns once both have stopped.
func (s *Service) Run(ctx context.Context, worker bool) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		runErrs []error
	)
	start := func(fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				mu.Lock()
				runErrs = append(runErrs, err)
				mu.Unlock()
				cancel()
			}
		}()
	}

	start(s.ServeHTTP)
	if worker {
		start(s.RunWorker)
	}
	wg.Wait()
	return errors.Join(runErrs...)
}

// Close releases the transport and, when the service opened it, the store.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		var errs []error
		if s.dispatcher != nil {
			errs = append(errs, s.dispatcher.Close(context.Background()))
		}
		errs = append(errs, s.transport.Close())
		if s.ownsStore && s.store != nil {
			errs = append(errs, s.store.Close())
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

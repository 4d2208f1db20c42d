// Package eventflow ingests analytics and chemical research events, appends
// them to an ordered log and processes them with per-key ordering, bounded
// retries and a persisted status trail.
//
// A Publisher validates an event against its kind, derives a partition key and
// a deterministic event id, and appends the envelope to the configured log
// (Kafka, RabbitMQ, NATS JetStream, or Go channels for tests). The Consumer
// reads the log and hands each envelope to the Dispatcher, which keeps events
// with the same partition key in order while distinct keys run in parallel.
// Processing stores the event, enriches research payloads and walks the
// pending, processing, completed or failed status states in the Store.
//
// # Getting started
//
//	cfg := eventflow.DefaultConfig()
//	cfg.PubSubSystem = "channel"
//	cfg.StorageDriver = "memory"
//
//	svc, err := eventflow.NewService(ctx, cfg, logger, eventflow.ServiceDependencies{})
//	if err != nil {
//		return err
//	}
//	defer svc.Close()
//
//	go svc.Run(ctx, true)
//
//	receipt, err := eventflow.Publish(ctx, svc, eventflow.KindAnalytics, map[string]any{
//		"user_id":    "u1",
//		"event_type": "click",
//	}, time.Now().UTC().Format(time.RFC3339))
//
// # Transports
//
// Transports register themselves in a registry keyed by name:
//   - channel: in-memory Go channels for tests
//   - kafka: partitioned log, ordering per key
//   - rabbitmq: durable queue with prefetch 1
//   - nats-jetstream: stream with message-id deduplication
//
// Capabilities reports what a transport guarantees. The service warns when the
// selected transport cannot preserve per-key order.
//
// # Storage
//
// Events and status records live in PostgreSQL, SQLite or memory. SQL schemas
// are applied with golang-migrate, either at startup (AutoMigrate) or through
// "eventflow migrate".
package eventflow

/*
Package runtime wires the eventflow ingestion pipeline.

# Architecture Overview

Producers append envelopes to an ordered log through the Publisher. One
Consumer per process reads the log, decodes each message and hands it to the
dispatch.Dispatcher, which runs the processing.Machine routine registered for
the event kind on a worker chosen by partition key. The machine records status
transitions, enriches research events and persists the result through a
storage.Store.

# Package Structure

## Core Service (service.go)

Service builds every component from a config.Config:
  - Transport (kafka, channel, nats-jetstream or rabbitmq)
  - Store (postgres, sqlite3 or memory)
  - Enrichment extractor with circuit-broken remote fallback
  - Publisher, Dispatcher, Machine and Consumer
  - HTTP servers registered with RegisterHTTPHandler

## Publishing (publisher.go)

Publisher validates and stamps envelopes, sets the reserved headers and
retries transient broker failures. It returns a Receipt once the log accepts
the event.

## Consuming (consumer.go, middleware.go)

Consumer polls with a timeout and reports its state. Each message runs through
correlation id, tracing, debug logging, poison queue and panic recovery
middleware before it is dispatched.

## Queries (analytics.go)

Per-user and per-researcher summaries over persisted events.

# Sub-packages

  - config/: configuration loading (viper) and validation
  - dispatch/: keyed worker pool with retry scheduling and task hooks
  - enrichment/: chemical property extraction
  - envelope/: event envelope, kind registry and codecs
  - errors/: sentinel errors and the failure taxonomy
  - ids/: ULID generation for message IDs
  - jsoncodec/: JSON marshaling utilities
  - logging/: logger interface and adapters
  - metadata/: message metadata utilities
  - metrics/: Prometheus collectors
  - processing/: the per-event state machine
  - storage/: status and event persistence

# Usage Example

	cfg, err := config.Load("")
	if err != nil {
		return err
	}
	svc, err := runtime.NewService(ctx, cfg, logger, runtime.ServiceDependencies{})
	if err != nil {
		return err
	}
	defer svc.Close()

	receipt, err := svc.Publisher().Publish(ctx, envelope.New(envelope.KindAnalytics, payload, ""), nil)
*/
package runtime

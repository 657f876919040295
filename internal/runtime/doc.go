/*
Package runtime provides the core messaging and observability infrastructure
for ipcflow.

# Architecture Overview

The runtime package implements a channel-addressed messaging layer built on
top of Watermill, with a streaming protocol and a trace/metrics pipeline
layered over it.

# Package Structure

## Core Service (service.go)

The Service struct is the central orchestrator that wires together:
  - Message router (Watermill)
  - Publisher and subscriber connections
  - The call bus, stream registry, and upload coordinator
  - Trace recorder with optional Prometheus mirroring
  - HTTP servers for metrics and the inspection API

## Middleware (middleware.go)

The middleware system provides composable message processing stages:
  - CorrelationID: Ensures message traceability
  - LogMessages: Debug logging of message payloads
  - Tracer: OpenTelemetry distributed tracing
  - Metrics: Prometheus metrics collection
  - Retry: Exponential backoff retry logic
  - PoisonQueue: Dead letter forwarding (opt-in)
  - Recoverer: Panic recovery

## Inspection (inspect.go, resources.go)

HTTP API for introspecting the trace buffer, computed metrics, and process
resource usage, plus the preview-mode control endpoint.

# Sub-packages

  - config/: Service configuration with validation and koanf loading
  - errors/: Sentinel errors
  - ids/: ULID and stream id generation
  - ipc/: The call bus: invoke, send, handle, subscribe
  - jsoncodec/: JSON marshaling utilities
  - logging/: Logger interface and adapters
  - metrics/: Metric aggregation engine and Prometheus collectors
  - ringbuf/: Bounded ring buffer backing the trace recorder
  - stream/: Stream protocol: producer registry, upload coordinator, consumers
  - trace/: Trace contexts, envelopes, events, recorder, payload previews
  - transport/: Transport factory bridging config to the registry

# Usage Example

	cfg := &config.Config{
		PubSubSystem:   "kafka",
		KafkaBrokers:   []string{"localhost:9092"},
		MetricsEnabled: true,
		MetricsPort:    9090,
	}

	svc := runtime.NewService(cfg, logger, ctx, runtime.ServiceDependencies{})

	svc.Streams().ServeDownload(ctx, "reports", buildReportStream)

	svc.Start(ctx)
*/
package runtime

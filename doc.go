// Package ipcflow is a small layer on top of Watermill that turns named
// channels into a call fabric: request/response invokes, fire-and-forget
// sends, and chunked streams in both directions, with every exchange recorded
// as a trace event. It reads the target transport (Kafka, RabbitMQ, NATS,
// HTTP, or Go channels) from Config, bootstraps the Watermill router, and
// registers the default middleware chain for correlation IDs, logging,
// tracing, metrics, retries, and panic recovery.
//
// Service hosts the router and exposes the protocol surface: Bus() for
// invoke/send/handle, Streams() for serving downloads, Uploads() for
// receiving uploads, and the package-level Download, InvokeStream, and Upload
// helpers for the consuming side. A minimal setup therefore involves filling
// Config, creating a Service, registering handlers, and calling Start.
//
// # Transports
//
// ipcflow supports 5 message transports out of the box:
//   - channel: In-memory Go channels for single-process use and testing
//   - kafka: High-throughput streaming with consumer groups
//   - rabbitmq: AMQP-based durable queues
//   - nats: High-performance messaging
//   - http: Request/response messaging over plain HTTP
//
// Streams need ordered delivery; Capabilities.SupportsOrderedStreams reports
// whether a transport provides it.
//
// # Observability
//
// Every invoke, send, and stream feeds a bounded in-memory trace buffer and,
// over the reserved __ipcTraceEvents channel, the buffers of connected peers.
// Payload previews honour the process-wide preview mode (none, redacted,
// full), switchable at runtime locally, over the wire, or through the
// inspection API. The metrics engine folds the buffer into per-channel rows
// with percentile latencies and stream throughput.
//
// # Stream Hooks
//
// ServiceDependencies.StreamHooks provides OnStreamStart, OnChunk,
// OnStreamEnd, and OnStreamError callbacks for custom logging, metrics
// collection, and alerting around stream sessions.
package ipcflow

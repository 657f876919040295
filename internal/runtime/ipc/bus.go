package ipc

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"

	errspkg "github.com/ipcflow/ipcflow/internal/runtime/errors"
	idspkg "github.com/ipcflow/ipcflow/internal/runtime/ids"
	loggingpkg "github.com/ipcflow/ipcflow/internal/runtime/logging"
	tracepkg "github.com/ipcflow/ipcflow/internal/runtime/trace"
)

const defaultInvokeTimeout = 30 * time.Second

// HandlerFunc serves one invoke request and returns the response payload.
type HandlerFunc func(ctx context.Context, payload []byte) ([]byte, error)

// EventFunc consumes one fire-and-forget message.
type EventFunc func(ctx context.Context, payload []byte)

// BusConfig carries the collaborators a Bus needs.
type BusConfig struct {
	// PeerID identifies this process on the wire. Generated when empty.
	PeerID        string
	Publisher     message.Publisher
	Subscriber    message.Subscriber
	Logger        loggingpkg.ServiceLogger
	Recorder      *tracepkg.Recorder
	InvokeTimeout time.Duration
}

// Bus is the channel-addressed message primitive: invoke with response,
// fire-and-forget send, and subscription. One Bus per peer.
type Bus struct {
	peerID        string
	publisher     message.Publisher
	subscriber    message.Subscriber
	logger        loggingpkg.ServiceLogger
	recorder      *tracepkg.Recorder
	invokeTimeout time.Duration
}

// NewBus validates cfg and builds a Bus.
func NewBus(cfg BusConfig) (*Bus, error) {
	if cfg.Publisher == nil {
		return nil, errspkg.ErrPublisherRequired
	}
	if cfg.Subscriber == nil {
		return nil, errspkg.ErrBusRequired
	}
	if cfg.PeerID == "" {
		cfg.PeerID = idspkg.NewULID()
	}
	if cfg.Logger == nil {
		cfg.Logger = loggingpkg.Nop()
	}
	if cfg.InvokeTimeout <= 0 {
		cfg.InvokeTimeout = defaultInvokeTimeout
	}
	return &Bus{
		peerID:        cfg.PeerID,
		publisher:     cfg.Publisher,
		subscriber:    cfg.Subscriber,
		logger:        cfg.Logger,
		recorder:      cfg.Recorder,
		invokeTimeout: cfg.InvokeTimeout,
	}, nil
}

// PeerID returns this bus's wire identity.
func (b *Bus) PeerID() string { return b.peerID }

// Publisher exposes the underlying publisher for components that publish on
// derived channels directly.
func (b *Bus) Publisher() message.Publisher { return b.publisher }

// Invoke publishes payload on channel and waits for the correlated response.
// The call is traced: a span context is derived from ctx (or a new chain is
// started) and rides inside the payload envelope.
func (b *Bus) Invoke(ctx context.Context, channel string, payload []byte) ([]byte, error) {
	if channel == "" {
		return nil, errspkg.ErrChannelRequired
	}

	tc := b.deriveContext(ctx)
	replyChannel := channel + ".reply." + idspkg.NewULID()
	correlationID := idspkg.NewULID()

	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	responses, err := b.subscriber.Subscribe(subCtx, replyChannel)
	if err != nil {
		return nil, err
	}

	out := message.NewMessage(idspkg.NewULID(), b.wrapOutgoing(channel, payload, &tc))
	out.Metadata.Set(MetadataKeyPeerID, b.peerID)
	out.Metadata.Set(MetadataKeyCorrelationID, correlationID)
	out.Metadata.Set(MetadataKeyReplyTo, replyChannel)
	out.SetContext(ctx)

	start := tracepkg.NowMillis()
	b.record(tracepkg.Event{
		ID:           tc.SpanID,
		Kind:         tracepkg.KindInvoke,
		Direction:    tracepkg.DirectionOutbound,
		Channel:      channel,
		Status:       tracepkg.StatusOK,
		TsStart:      start,
		TraceID:      tc.TraceID,
		ParentSpanID: tc.ParentSpanID,
		PeerID:       b.peerID,
		Request:      b.preview(channel, payload),
	})

	if err := b.publisher.Publish(channel, out); err != nil {
		b.recordInvokeEnd(tc, channel, payload, nil, start, tracepkg.StatusError, err)
		return nil, err
	}

	timer := time.NewTimer(b.invokeTimeout)
	defer timer.Stop()

	for {
		select {
		case msg, ok := <-responses:
			if !ok {
				return nil, errspkg.ErrBusClosed
			}
			msg.Ack()
			if msg.Metadata.Get(MetadataKeyCorrelationID) != correlationID {
				continue
			}
			response, _ := tracepkg.Unwrap(msg.Payload)
			if msg.Metadata.Get(MetadataKeyError) != "" {
				wireErr := DecodeWireError(response)
				b.recordInvokeEnd(tc, channel, payload, nil, start, tracepkg.StatusError, wireErr)
				return nil, wireErr
			}
			b.recordInvokeEnd(tc, channel, payload, response, start, tracepkg.StatusOK, nil)
			return response, nil

		case <-timer.C:
			b.recordInvokeEnd(tc, channel, payload, nil, start, tracepkg.StatusTimeout, errspkg.ErrInvokeTimeout)
			return nil, errspkg.ErrInvokeTimeout

		case <-ctx.Done():
			b.recordInvokeEnd(tc, channel, payload, nil, start, tracepkg.StatusCancelled, ctx.Err())
			return nil, ctx.Err()
		}
	}
}

// Send publishes a fire-and-forget message on channel.
func (b *Bus) Send(ctx context.Context, channel string, payload []byte) error {
	return b.send(ctx, channel, payload, tracepkg.KindEvent)
}

// Broadcast is Send recorded under the broadcast kind, for callers fanning the
// same payload out to multiple peers.
func (b *Bus) Broadcast(ctx context.Context, channel string, payload []byte) error {
	return b.send(ctx, channel, payload, tracepkg.KindBroadcast)
}

func (b *Bus) send(ctx context.Context, channel string, payload []byte, kind tracepkg.Kind) error {
	if channel == "" {
		return errspkg.ErrChannelRequired
	}

	tc := b.deriveContext(ctx)
	out := message.NewMessage(idspkg.NewULID(), b.wrapOutgoing(channel, payload, &tc))
	out.Metadata.Set(MetadataKeyPeerID, b.peerID)
	out.SetContext(ctx)

	if err := b.publisher.Publish(channel, out); err != nil {
		return err
	}
	b.record(tracepkg.Event{
		ID:           tc.SpanID,
		Kind:         kind,
		Direction:    tracepkg.DirectionOutbound,
		Channel:      channel,
		Status:       tracepkg.StatusOK,
		TsStart:      tracepkg.NowMillis(),
		TraceID:      tc.TraceID,
		ParentSpanID: tc.ParentSpanID,
		PeerID:       b.peerID,
		Payload:      b.preview(channel, payload),
	})
	return nil
}

// Handle subscribes handler as the responder on channel. The subscription
// lives until ctx is cancelled. Handler failures are serialized onto the
// reply channel; they never escape.
func (b *Bus) Handle(ctx context.Context, channel string, handler HandlerFunc) error {
	if channel == "" {
		return errspkg.ErrChannelRequired
	}
	if handler == nil {
		return errspkg.ErrHandlerRequired
	}

	requests, err := b.subscriber.Subscribe(ctx, channel)
	if err != nil {
		return err
	}

	go func() {
		for msg := range requests {
			// Ack on receipt: the outcome travels back on the reply channel,
			// so redelivery would only duplicate handler invocations.
			msg.Ack()
			b.serveInvoke(channel, msg, handler)
		}
	}()
	return nil
}

// On subscribes fn to fire-and-forget messages on channel.
func (b *Bus) On(ctx context.Context, channel string, fn EventFunc) error {
	if channel == "" {
		return errspkg.ErrChannelRequired
	}
	if fn == nil {
		return errspkg.ErrHandlerRequired
	}

	events, err := b.subscriber.Subscribe(ctx, channel)
	if err != nil {
		return err
	}

	go func() {
		for msg := range events {
			payload, tc := tracepkg.Unwrap(msg.Payload)
			hctx := b.ingressContext(msg, tc)

			span := tracepkg.NewContext(tc)
			b.record(tracepkg.Event{
				ID:           span.SpanID,
				Kind:         tracepkg.KindEvent,
				Direction:    tracepkg.DirectionInbound,
				Channel:      channel,
				Status:       tracepkg.StatusOK,
				TsStart:      tracepkg.NowMillis(),
				TraceID:      span.TraceID,
				ParentSpanID: span.ParentSpanID,
				PeerID:       msg.Metadata.Get(MetadataKeyPeerID),
				Payload:      b.preview(channel, payload),
			})

			fn(hctx, payload)
			msg.Ack()
		}
	}()
	return nil
}

// Listen is On without trace recording. Protocol internals (stream suffixes,
// reserved control channels) subscribe here so bookkeeping traffic does not
// show up as application events.
func (b *Bus) Listen(ctx context.Context, channel string, fn EventFunc) error {
	if channel == "" {
		return errspkg.ErrChannelRequired
	}
	if fn == nil {
		return errspkg.ErrHandlerRequired
	}

	msgs, err := b.subscriber.Subscribe(ctx, channel)
	if err != nil {
		return err
	}

	go func() {
		for msg := range msgs {
			payload, tc := tracepkg.Unwrap(msg.Payload)
			fn(b.ingressContext(msg, tc), payload)
			msg.Ack()
		}
	}()
	return nil
}

// Emit publishes payload on channel with extra metadata and no trace
// recording. Like Listen, it exists for protocol-internal traffic.
func (b *Bus) Emit(ctx context.Context, channel string, payload []byte, metadata map[string]string) error {
	if channel == "" {
		return errspkg.ErrChannelRequired
	}
	out := message.NewMessage(idspkg.NewULID(), payload)
	out.Metadata.Set(MetadataKeyPeerID, b.peerID)
	for k, v := range metadata {
		out.Metadata.Set(k, v)
	}
	out.SetContext(ctx)
	return b.publisher.Publish(channel, out)
}

func (b *Bus) serveInvoke(channel string, msg *message.Message, handler HandlerFunc) {
	payload, tc := tracepkg.Unwrap(msg.Payload)
	hctx := b.ingressContext(msg, tc)

	tracer := otel.Tracer("ipcflow-bus")
	hctx, otelSpan := tracer.Start(hctx, "ServeInvoke",
		oteltrace.WithSpanKind(oteltrace.SpanKindConsumer))
	otelSpan.SetAttributes(
		attribute.String("ipc.channel", channel),
		attribute.String("message.uuid", msg.UUID),
	)
	defer otelSpan.End()

	span := tracepkg.NewContext(tc)
	start := tracepkg.NowMillis()
	b.record(tracepkg.Event{
		ID:           span.SpanID,
		Kind:         tracepkg.KindInvoke,
		Direction:    tracepkg.DirectionInbound,
		Channel:      channel,
		Status:       tracepkg.StatusOK,
		TsStart:      start,
		TraceID:      span.TraceID,
		ParentSpanID: span.ParentSpanID,
		PeerID:       msg.Metadata.Get(MetadataKeyPeerID),
		Request:      b.preview(channel, payload),
	})

	response, err := handler(hctx, payload)

	end := tracepkg.NowMillis()
	ev := tracepkg.Event{
		ID:           span.SpanID,
		Kind:         tracepkg.KindInvoke,
		Direction:    tracepkg.DirectionInbound,
		Channel:      channel,
		TsStart:      start,
		TsEnd:        end,
		DurationMs:   float64(end - start),
		TraceID:      span.TraceID,
		ParentSpanID: span.ParentSpanID,
		PeerID:       msg.Metadata.Get(MetadataKeyPeerID),
		Request:      b.preview(channel, payload),
	}
	if err != nil {
		ev.Status = tracepkg.StatusError
		ev.Error = err.Error()
	} else {
		ev.Status = tracepkg.StatusOK
		ev.Response = b.preview(channel, response)
	}
	b.record(ev)

	replyTo := msg.Metadata.Get(MetadataKeyReplyTo)
	if replyTo == "" {
		return
	}

	var reply *message.Message
	if err != nil {
		reply = message.NewMessage(idspkg.NewULID(), EncodeWireError(err))
		reply.Metadata.Set(MetadataKeyError, "1")
	} else {
		reply = message.NewMessage(idspkg.NewULID(), b.wrapOutgoing(channel, response, &span))
	}
	reply.Metadata.Set(MetadataKeyPeerID, b.peerID)
	reply.Metadata.Set(MetadataKeyCorrelationID, msg.Metadata.Get(MetadataKeyCorrelationID))

	if pubErr := b.publisher.Publish(replyTo, reply); pubErr != nil {
		b.logger.Error("Failed to publish invoke response", pubErr, loggingpkg.LogFields{
			"channel":  channel,
			"reply_to": replyTo,
		})
	}
}

// ingressContext rebuilds the handler-side context: the sender identity and
// the received trace context are attached so nested calls continue the chain.
func (b *Bus) ingressContext(msg *message.Message, tc *tracepkg.Context) context.Context {
	hctx := msg.Context()
	if hctx == nil {
		hctx = context.Background()
	}
	if tc != nil {
		hctx = tracepkg.WithContext(hctx, *tc)
	}
	if peerID := msg.Metadata.Get(MetadataKeyPeerID); peerID != "" {
		hctx = WithPeerID(hctx, peerID)
	}
	return hctx
}

func (b *Bus) deriveContext(ctx context.Context) tracepkg.Context {
	if parent, ok := tracepkg.FromContext(ctx); ok {
		return tracepkg.NewContext(&parent)
	}
	return tracepkg.NewContext(nil)
}

// wrapOutgoing applies the trace envelope except on the reserved control
// channels, which must stay untraced.
func (b *Bus) wrapOutgoing(channel string, payload []byte, tc *tracepkg.Context) []byte {
	if tracepkg.IsReservedChannel(channel) {
		return payload
	}
	return tracepkg.Wrap(payload, tc)
}

func (b *Bus) preview(channel string, payload []byte) *tracepkg.Preview {
	if tracepkg.IsReservedChannel(channel) {
		return nil
	}
	return tracepkg.MakePreview(payload)
}

func (b *Bus) record(ev tracepkg.Event) {
	if b.recorder == nil {
		return
	}
	b.recorder.Record(ev)
}

func (b *Bus) recordInvokeEnd(tc tracepkg.Context, channel string, request, response []byte, start int64, status tracepkg.Status, err error) {
	end := tracepkg.NowMillis()
	ev := tracepkg.Event{
		ID:           tc.SpanID,
		Kind:         tracepkg.KindInvoke,
		Direction:    tracepkg.DirectionOutbound,
		Channel:      channel,
		Status:       status,
		TsStart:      start,
		TsEnd:        end,
		DurationMs:   float64(end - start),
		TraceID:      tc.TraceID,
		ParentSpanID: tc.ParentSpanID,
		PeerID:       b.peerID,
		Request:      b.preview(channel, request),
	}
	if response != nil {
		ev.Response = b.preview(channel, response)
	}
	if err != nil && status != tracepkg.StatusOK {
		ev.Error = err.Error()
	}
	b.record(ev)
}

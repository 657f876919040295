package stream

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	errspkg "github.com/ipcflow/ipcflow/internal/runtime/errors"
	idspkg "github.com/ipcflow/ipcflow/internal/runtime/ids"
	ipcpkg "github.com/ipcflow/ipcflow/internal/runtime/ipc"
	jsoncodec "github.com/ipcflow/ipcflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/ipcflow/ipcflow/internal/runtime/logging"
	tracepkg "github.com/ipcflow/ipcflow/internal/runtime/trace"
)

type sessionKey struct {
	peerID  string
	channel string
}

// session is the bookkeeping for one live producer stream. The pull loop,
// cancellation, and replacement all race for retirement; the retired flag
// picks exactly one terminal path and releaseOnce guarantees a single release
// regardless of which paths run.
type session struct {
	key       sessionKey
	streamID  string
	kind      tracepkg.Kind
	producer  Producer
	tc        tracepkg.Context
	startedAt time.Time
	startMs   int64

	cancelPull  context.CancelFunc
	retired     atomic.Bool
	releaseOnce sync.Once

	mu         sync.Mutex
	chunkCount int
	totalBytes int
}

func (s *session) release() {
	s.releaseOnce.Do(s.producer.Release)
}

// retire marks the session terminal. Only the first caller wins; later
// callers get false and must not emit terminal messages or events.
func (s *session) retire() bool {
	return s.retired.CompareAndSwap(false, true)
}

func (s *session) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chunkCount, s.totalBytes
}

func (s *session) addChunk(size int) (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunkCount++
	s.totalBytes += size
	return s.chunkCount, s.totalBytes
}

func (s *session) streamContext() StreamContext {
	chunks, bytes := s.counts()
	return StreamContext{
		PeerID:     s.key.peerID,
		Channel:    s.key.channel,
		StreamID:   s.streamID,
		Kind:       s.kind,
		StartedAt:  s.startedAt,
		ChunkCount: chunks,
		TotalBytes: bytes,
		Duration:   time.Since(s.startedAt),
	}
}

// Registry owns the server-side producer sessions, at most one live session
// per (peer, channel) key.
type Registry struct {
	mu       sync.Mutex
	sessions map[sessionKey]*session

	bus      *ipcpkg.Bus
	recorder *tracepkg.Recorder
	logger   loggingpkg.ServiceLogger
	hooks    Hooks
}

// NewRegistry builds a Registry. The recorder may be nil to disable tracing.
func NewRegistry(bus *ipcpkg.Bus, recorder *tracepkg.Recorder, logger loggingpkg.ServiceLogger, hooks Hooks) (*Registry, error) {
	if bus == nil {
		return nil, errspkg.ErrBusRequired
	}
	if logger == nil {
		logger = loggingpkg.Nop()
	}
	return &Registry{
		sessions: make(map[sessionKey]*session),
		bus:      bus,
		recorder: recorder,
		logger:   logger,
		hooks:    hooks,
	}, nil
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// BeginSession registers a new producer session for (peerID, channel) and
// starts driving it. An existing live session for the key is cancelled first,
// best effort. Returns the new stream's id.
func (r *Registry) BeginSession(ctx context.Context, peerID, channel string, kind tracepkg.Kind, producer Producer) (string, error) {
	if peerID == "" {
		return "", errspkg.ErrPeerIDRequired
	}
	if channel == "" {
		return "", errspkg.ErrChannelRequired
	}
	if producer == nil {
		return "", errspkg.ErrProducerRequired
	}

	var parent *tracepkg.Context
	if tc, ok := tracepkg.FromContext(ctx); ok {
		parent = &tc
	}

	// The pull loop must outlive the originating request context, but keep
	// its values for tracing.
	pullCtx, cancelPull := context.WithCancel(context.WithoutCancel(ctx))

	sess := &session{
		key:        sessionKey{peerID: peerID, channel: channel},
		streamID:   idspkg.NewStreamID(),
		kind:       kind,
		producer:   producer,
		tc:         tracepkg.NewContext(parent),
		startedAt:  time.Now(),
		startMs:    tracepkg.NowMillis(),
		cancelPull: cancelPull,
	}

	r.mu.Lock()
	previous := r.sessions[sess.key]
	r.sessions[sess.key] = sess
	r.mu.Unlock()

	if previous != nil {
		r.cancelSession(context.WithoutCancel(ctx), previous)
	}

	r.record(tracepkg.Event{
		ID:           sess.tc.SpanID,
		Kind:         kind,
		Direction:    tracepkg.DirectionOutbound,
		Channel:      channel,
		Status:       tracepkg.StatusStreaming,
		TsStart:      sess.startMs,
		TraceID:      sess.tc.TraceID,
		ParentSpanID: sess.tc.ParentSpanID,
		PeerID:       peerID,
		StreamID:     sess.streamID,
	})
	r.hooks.start(sess.streamContext())

	go r.drive(pullCtx, sess)
	return sess.streamID, nil
}

// Cancel handles a `-cancel` control message: it retires the session for the
// key if one is live and asks its producer to stop. Cancelling a missing or
// already-retired session is a no-op, never an error: the message may simply
// have raced a final `-end` on another channel.
func (r *Registry) Cancel(ctx context.Context, peerID, channel string) {
	r.mu.Lock()
	sess := r.sessions[sessionKey{peerID: peerID, channel: channel}]
	r.mu.Unlock()
	if sess == nil {
		return
	}
	r.cancelSession(ctx, sess)
}

func (r *Registry) cancelSession(ctx context.Context, sess *session) {
	if !sess.retire() {
		return
	}

	// The cancel hook is best effort: failures are swallowed and only logged
	// at debug level. The session is retired regardless of the hook outcome.
	if err := sess.producer.Cancel(ctx); err != nil {
		r.logger.Debug("Stream cancel hook failed", loggingpkg.LogFields{
			"channel":   sess.key.channel,
			"peer_id":   sess.key.peerID,
			"stream_id": sess.streamID,
			"error":     err.Error(),
		})
	}
	sess.cancelPull()
	sess.release()
	r.remove(sess)

	r.recordTerminal(sess, tracepkg.StatusCancelled, tracepkg.EndReasonCancelled, "")
	// Cancellation resolves cleanly, it is not an error.
	r.hooks.end(sess.streamContext())
}

// drive is the pull loop: it forwards chunks until the producer is exhausted,
// fails, or the session is cancelled.
func (r *Registry) drive(ctx context.Context, sess *session) {
	defer sess.release()

	for {
		chunk, err := sess.producer.Next(ctx)
		switch {
		case err == nil:
			if !r.forwardChunk(ctx, sess, chunk) {
				return
			}

		case errors.Is(err, io.EOF):
			r.finishOK(ctx, sess)
			return

		case ctx.Err() != nil || errors.Is(err, context.Canceled):
			// Cancellation already did the bookkeeping; just stop pulling.
			return

		default:
			r.finishError(ctx, sess, err)
			return
		}
	}
}

func (r *Registry) forwardChunk(ctx context.Context, sess *session, chunk []byte) bool {
	if sess.retired.Load() {
		return false
	}

	payload := tracepkg.Wrap(chunk, &sess.tc)
	meta := map[string]string{MetadataKeyStreamID: sess.streamID}
	if err := r.bus.Emit(ctx, DataChannel(sess.key.channel), payload, meta); err != nil {
		r.logger.Error("Failed to forward stream chunk", err, loggingpkg.LogFields{
			"channel":   sess.key.channel,
			"stream_id": sess.streamID,
		})
		if sess.retire() {
			sess.release()
			r.remove(sess)
			r.recordTerminal(sess, tracepkg.StatusError, tracepkg.EndReasonError, err.Error())
			r.hooks.fail(sess.streamContext(), err)
		}
		return false
	}

	chunks, bytes := sess.addChunk(len(chunk))
	r.record(tracepkg.Event{
		ID:           idspkg.NewULID(),
		Kind:         sess.kind,
		Direction:    tracepkg.DirectionOutbound,
		Channel:      sess.key.channel,
		Status:       tracepkg.StatusStreaming,
		TsStart:      tracepkg.NowMillis(),
		TraceID:      sess.tc.TraceID,
		ParentSpanID: sess.tc.SpanID,
		PeerID:       sess.key.peerID,
		StreamID:     sess.streamID,
		ChunkCount:   chunks,
		TotalBytes:   bytes,
		Payload:      tracepkg.MakePreview(chunk),
	})
	r.hooks.chunk(sess.streamContext(), chunk)
	return true
}

func (r *Registry) finishOK(ctx context.Context, sess *session) {
	if !sess.retire() {
		return
	}
	meta := map[string]string{MetadataKeyStreamID: sess.streamID}
	if err := r.bus.Emit(ctx, EndChannel(sess.key.channel), []byte(`{}`), meta); err != nil {
		r.logger.Error("Failed to emit stream end", err, loggingpkg.LogFields{
			"channel":   sess.key.channel,
			"stream_id": sess.streamID,
		})
	}
	r.remove(sess)
	r.recordTerminal(sess, tracepkg.StatusOK, tracepkg.EndReasonComplete, "")
	r.hooks.end(sess.streamContext())
}

func (r *Registry) finishError(ctx context.Context, sess *session, cause error) {
	if !sess.retire() {
		return
	}
	meta := map[string]string{MetadataKeyStreamID: sess.streamID}
	if err := r.bus.Emit(ctx, ErrorChannel(sess.key.channel), ipcpkg.EncodeWireError(cause), meta); err != nil {
		r.logger.Error("Failed to emit stream error", err, loggingpkg.LogFields{
			"channel":   sess.key.channel,
			"stream_id": sess.streamID,
		})
	}
	r.remove(sess)
	r.recordTerminal(sess, tracepkg.StatusError, tracepkg.EndReasonError, cause.Error())
	r.hooks.fail(sess.streamContext(), cause)
}

func (r *Registry) remove(sess *session) {
	r.mu.Lock()
	if r.sessions[sess.key] == sess {
		delete(r.sessions, sess.key)
	}
	r.mu.Unlock()
}

func (r *Registry) recordTerminal(sess *session, status tracepkg.Status, endReason, errMsg string) {
	chunks, bytes := sess.counts()
	end := tracepkg.NowMillis()
	r.record(tracepkg.Event{
		ID:           idspkg.NewULID(),
		Kind:         sess.kind,
		Direction:    tracepkg.DirectionOutbound,
		Channel:      sess.key.channel,
		Status:       status,
		TsStart:      sess.startMs,
		TsEnd:        end,
		DurationMs:   float64(end - sess.startMs),
		TraceID:      sess.tc.TraceID,
		ParentSpanID: sess.tc.SpanID,
		PeerID:       sess.key.peerID,
		StreamID:     sess.streamID,
		ChunkCount:   chunks,
		TotalBytes:   bytes,
		EndReason:    endReason,
		Error:        errMsg,
	})
}

func (r *Registry) record(ev tracepkg.Event) {
	if r.recorder != nil {
		r.recorder.Record(ev)
	}
}

// ProducerHandler builds the stream for one accepted request.
type ProducerHandler func(ctx context.Context, request []byte) (Producer, error)

// ServeDownload registers handler as the producer for download requests on
// channel and wires the `-cancel` listener. The invoke response acknowledges
// the stream start and carries the stream id.
func (r *Registry) ServeDownload(ctx context.Context, channel string, handler ProducerHandler) error {
	return r.serve(ctx, channel, tracepkg.KindStreamDownload, handler)
}

// ServeInvokeStream is ServeDownload for the invoke-with-stream-response
// shape. The wire protocol is identical; only the recorded kind differs.
func (r *Registry) ServeInvokeStream(ctx context.Context, channel string, handler ProducerHandler) error {
	return r.serve(ctx, channel, tracepkg.KindStreamInvoke, handler)
}

func (r *Registry) serve(ctx context.Context, channel string, kind tracepkg.Kind, handler ProducerHandler) error {
	if handler == nil {
		return errspkg.ErrHandlerRequired
	}
	if err := r.ListenCancel(ctx, channel); err != nil {
		return err
	}

	return r.bus.Handle(ctx, channel, func(hctx context.Context, request []byte) ([]byte, error) {
		peerID := ipcpkg.PeerIDFromContext(hctx)
		if peerID == "" {
			peerID = "unknown-peer"
		}

		producer, err := handler(hctx, request)
		if err != nil {
			return nil, err
		}
		if producer == nil {
			// Invalid stream object: fixed message on -error, nothing else.
			wireErr := &ipcpkg.WireError{Name: "TypeError", Message: ErrNotAStream}
			if emitErr := r.bus.Emit(hctx, ErrorChannel(channel), ipcpkg.EncodeWireError(wireErr), nil); emitErr != nil {
				r.logger.Error("Failed to report invalid stream", emitErr, loggingpkg.LogFields{"channel": channel})
			}
			return []byte(`{}`), nil
		}

		streamID, err := r.BeginSession(hctx, peerID, channel, kind, producer)
		if err != nil {
			return nil, err
		}
		return jsoncodec.Marshal(startAck{StreamID: streamID})
	})
}

// ListenCancel subscribes the `-cancel` control listener for channel.
func (r *Registry) ListenCancel(ctx context.Context, channel string) error {
	return r.bus.Listen(ctx, CancelChannel(channel), func(cctx context.Context, _ []byte) {
		peerID := ipcpkg.PeerIDFromContext(cctx)
		if peerID == "" {
			peerID = "unknown-peer"
		}
		r.Cancel(cctx, peerID, channel)
	})
}

type startAck struct {
	StreamID string `json:"streamId"`
}

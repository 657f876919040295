package stream

import (
	"context"
	"sync"
	"time"

	errspkg "github.com/ipcflow/ipcflow/internal/runtime/errors"
	idspkg "github.com/ipcflow/ipcflow/internal/runtime/ids"
	ipcpkg "github.com/ipcflow/ipcflow/internal/runtime/ipc"
	loggingpkg "github.com/ipcflow/ipcflow/internal/runtime/logging"
	tracepkg "github.com/ipcflow/ipcflow/internal/runtime/trace"
)

// UploadState tracks the explicit lifecycle of one upload session. Illegal
// transitions (data after end, a second terminal message) are dropped.
type UploadState int

const (
	UploadIdle UploadState = iota
	UploadStarted
	UploadReceiving
	UploadEnded
	UploadErrored
)

func (s UploadState) String() string {
	switch s {
	case UploadIdle:
		return "idle"
	case UploadStarted:
		return "started"
	case UploadReceiving:
		return "receiving"
	case UploadEnded:
		return "ended"
	case UploadErrored:
		return "errored"
	}
	return "unknown"
}

func (s UploadState) terminal() bool {
	return s == UploadEnded || s == UploadErrored
}

// UploadCallbacks is what an upload handler installs to consume the stream.
// The handler cannot return a live stream across the transport boundary, so
// control is inverted: it registers callbacks instead of receiving a reader.
type UploadCallbacks struct {
	mu      sync.Mutex
	onData  func(ctx context.Context, chunk []byte)
	onEnd   func(ctx context.Context)
	onError func(ctx context.Context, wireErr *ipcpkg.WireError)
}

func (c *UploadCallbacks) SetOnData(fn func(ctx context.Context, chunk []byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onData = fn
}

func (c *UploadCallbacks) SetOnEnd(fn func(ctx context.Context)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onEnd = fn
}

func (c *UploadCallbacks) SetOnError(fn func(ctx context.Context, wireErr *ipcpkg.WireError)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = fn
}

func (c *UploadCallbacks) data(ctx context.Context, chunk []byte) {
	c.mu.Lock()
	fn := c.onData
	c.mu.Unlock()
	if fn != nil {
		fn(ctx, chunk)
	}
}

func (c *UploadCallbacks) end(ctx context.Context) {
	c.mu.Lock()
	fn := c.onEnd
	c.mu.Unlock()
	if fn != nil {
		fn(ctx)
	}
}

func (c *UploadCallbacks) fail(ctx context.Context, wireErr *ipcpkg.WireError) {
	c.mu.Lock()
	fn := c.onError
	c.mu.Unlock()
	if fn != nil {
		fn(ctx, wireErr)
	}
}

// UploadHandler is invoked when an upload starts. It installs its consumption
// callbacks on cb before returning.
type UploadHandler func(ctx context.Context, request []byte, cb *UploadCallbacks)

type uploadSession struct {
	state      UploadState
	callbacks  *UploadCallbacks
	request    []byte
	streamID   string
	peerID     string
	tc         tracepkg.Context
	startedAt  time.Time
	startMs    int64
	chunkCount int
	totalBytes int
}

// UploadCoordinator owns the server side of upload streams, keyed by channel.
// Messages for channels with no live session are dropped silently: the peer
// may legitimately have raced a terminal message.
type UploadCoordinator struct {
	mu       sync.Mutex
	sessions map[string]*uploadSession

	bus      *ipcpkg.Bus
	recorder *tracepkg.Recorder
	logger   loggingpkg.ServiceLogger
	hooks    Hooks
}

// NewUploadCoordinator builds an UploadCoordinator.
func NewUploadCoordinator(bus *ipcpkg.Bus, recorder *tracepkg.Recorder, logger loggingpkg.ServiceLogger, hooks Hooks) (*UploadCoordinator, error) {
	if bus == nil {
		return nil, errspkg.ErrBusRequired
	}
	if logger == nil {
		logger = loggingpkg.Nop()
	}
	return &UploadCoordinator{
		sessions: make(map[string]*uploadSession),
		bus:      bus,
		recorder: recorder,
		logger:   logger,
		hooks:    hooks,
	}, nil
}

// Serve registers handler for uploads on channel and subscribes the four
// derived channels.
func (u *UploadCoordinator) Serve(ctx context.Context, channel string, handler UploadHandler) error {
	if channel == "" {
		return errspkg.ErrChannelRequired
	}
	if handler == nil {
		return errspkg.ErrHandlerRequired
	}

	if err := u.bus.Listen(ctx, StartChannel(channel), func(hctx context.Context, request []byte) {
		u.OnStart(hctx, channel, request, handler)
	}); err != nil {
		return err
	}
	if err := u.bus.Listen(ctx, DataChannel(channel), func(hctx context.Context, chunk []byte) {
		u.OnData(hctx, channel, chunk)
	}); err != nil {
		return err
	}
	if err := u.bus.Listen(ctx, EndChannel(channel), func(hctx context.Context, _ []byte) {
		u.OnEnd(hctx, channel)
	}); err != nil {
		return err
	}
	return u.bus.Listen(ctx, ErrorChannel(channel), func(hctx context.Context, payload []byte) {
		u.OnError(hctx, channel, payload)
	})
}

// OnStart creates the session for channel and lets the handler install its
// callbacks. A still-live previous session is dropped; its terminal message
// will never come.
func (u *UploadCoordinator) OnStart(ctx context.Context, channel string, request []byte, handler UploadHandler) {
	var parent *tracepkg.Context
	if tc, ok := tracepkg.FromContext(ctx); ok {
		parent = &tc
	}

	sess := &uploadSession{
		state:     UploadStarted,
		callbacks: &UploadCallbacks{},
		request:   request,
		streamID:  idspkg.NewStreamID(),
		peerID:    ipcpkg.PeerIDFromContext(ctx),
		tc:        tracepkg.NewContext(parent),
		startedAt: time.Now(),
		startMs:   tracepkg.NowMillis(),
	}

	u.mu.Lock()
	previous := u.sessions[channel]
	u.sessions[channel] = sess
	u.mu.Unlock()

	if previous != nil && !previous.state.terminal() {
		u.logger.Debug("Replacing live upload session", loggingpkg.LogFields{
			"channel":   channel,
			"stream_id": previous.streamID,
		})
	}

	u.record(tracepkg.Event{
		ID:           sess.tc.SpanID,
		Kind:         tracepkg.KindStreamUpload,
		Direction:    tracepkg.DirectionInbound,
		Channel:      channel,
		Status:       tracepkg.StatusStreaming,
		TsStart:      sess.startMs,
		TraceID:      sess.tc.TraceID,
		ParentSpanID: sess.tc.ParentSpanID,
		PeerID:       sess.peerID,
		StreamID:     sess.streamID,
		Request:      tracepkg.MakePreview(request),
	})
	u.hooks.start(u.streamContext(channel, sess))

	handler(ctx, request, sess.callbacks)
}

// OnData delivers a chunk to the installed onData callback. No session, or a
// session already terminal, makes this a no-op.
func (u *UploadCoordinator) OnData(ctx context.Context, channel string, chunk []byte) {
	u.mu.Lock()
	sess := u.sessions[channel]
	if sess == nil || sess.state.terminal() {
		u.mu.Unlock()
		return
	}
	sess.state = UploadReceiving
	sess.chunkCount++
	sess.totalBytes += len(chunk)
	chunks, bytes := sess.chunkCount, sess.totalBytes
	u.mu.Unlock()

	u.record(tracepkg.Event{
		ID:           idspkg.NewULID(),
		Kind:         tracepkg.KindStreamUpload,
		Direction:    tracepkg.DirectionInbound,
		Channel:      channel,
		Status:       tracepkg.StatusStreaming,
		TsStart:      tracepkg.NowMillis(),
		TraceID:      sess.tc.TraceID,
		ParentSpanID: sess.tc.SpanID,
		PeerID:       sess.peerID,
		StreamID:     sess.streamID,
		ChunkCount:   chunks,
		TotalBytes:   bytes,
		Payload:      tracepkg.MakePreview(chunk),
	})
	u.hooks.chunk(u.streamContext(channel, sess), chunk)

	sess.callbacks.data(ctx, chunk)
}

// OnEnd terminates the session normally and clears the slot. Orphan ends are
// no-ops.
func (u *UploadCoordinator) OnEnd(ctx context.Context, channel string) {
	sess := u.finish(channel, UploadEnded)
	if sess == nil {
		return
	}
	u.recordTerminal(channel, sess, tracepkg.StatusOK, tracepkg.EndReasonComplete, "")
	u.hooks.end(u.streamContext(channel, sess))
	sess.callbacks.end(ctx)
}

// OnError terminates the session with the peer's serialized failure and
// clears the slot. Orphan errors are no-ops.
func (u *UploadCoordinator) OnError(ctx context.Context, channel string, payload []byte) {
	sess := u.finish(channel, UploadErrored)
	if sess == nil {
		return
	}
	wireErr := ipcpkg.DecodeWireError(payload)
	u.recordTerminal(channel, sess, tracepkg.StatusError, tracepkg.EndReasonError, wireErr.Error())
	u.hooks.fail(u.streamContext(channel, sess), wireErr)
	sess.callbacks.fail(ctx, wireErr)
}

// finish moves the session to a terminal state and removes it, or returns nil
// when there is nothing to finish.
func (u *UploadCoordinator) finish(channel string, state UploadState) *uploadSession {
	u.mu.Lock()
	defer u.mu.Unlock()

	sess := u.sessions[channel]
	if sess == nil || sess.state.terminal() {
		return nil
	}
	sess.state = state
	delete(u.sessions, channel)
	return sess
}

// Session reports the state of the live session for channel, UploadIdle when
// there is none.
func (u *UploadCoordinator) Session(channel string) UploadState {
	u.mu.Lock()
	defer u.mu.Unlock()
	if sess := u.sessions[channel]; sess != nil {
		return sess.state
	}
	return UploadIdle
}

func (u *UploadCoordinator) streamContext(channel string, sess *uploadSession) StreamContext {
	u.mu.Lock()
	chunks, bytes := sess.chunkCount, sess.totalBytes
	u.mu.Unlock()
	return StreamContext{
		PeerID:     sess.peerID,
		Channel:    channel,
		StreamID:   sess.streamID,
		Kind:       tracepkg.KindStreamUpload,
		StartedAt:  sess.startedAt,
		ChunkCount: chunks,
		TotalBytes: bytes,
		Duration:   time.Since(sess.startedAt),
	}
}

func (u *UploadCoordinator) recordTerminal(channel string, sess *uploadSession, status tracepkg.Status, endReason, errMsg string) {
	end := tracepkg.NowMillis()
	u.record(tracepkg.Event{
		ID:           idspkg.NewULID(),
		Kind:         tracepkg.KindStreamUpload,
		Direction:    tracepkg.DirectionInbound,
		Channel:      channel,
		Status:       status,
		TsStart:      sess.startMs,
		TsEnd:        end,
		DurationMs:   float64(end - sess.startMs),
		TraceID:      sess.tc.TraceID,
		ParentSpanID: sess.tc.SpanID,
		PeerID:       sess.peerID,
		StreamID:     sess.streamID,
		ChunkCount:   sess.chunkCount,
		TotalBytes:   sess.totalBytes,
		EndReason:    endReason,
		Error:        errMsg,
	})
}

func (u *UploadCoordinator) record(ev tracepkg.Event) {
	if u.recorder != nil {
		u.recorder.Record(ev)
	}
}

package stream

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	errspkg "github.com/ipcflow/ipcflow/internal/runtime/errors"
	idspkg "github.com/ipcflow/ipcflow/internal/runtime/ids"
	ipcpkg "github.com/ipcflow/ipcflow/internal/runtime/ipc"
	jsoncodec "github.com/ipcflow/ipcflow/internal/runtime/jsoncodec"
	tracepkg "github.com/ipcflow/ipcflow/internal/runtime/trace"
)

// ConsumerHandlers receives the initiating side of a download or
// invoke-stream. OnEnd fires once on normal completion or after a local
// cancel; OnError fires once on a producer failure. After either, further
// chunks are dropped.
type ConsumerHandlers struct {
	OnData  func(chunk []byte)
	OnEnd   func()
	OnError func(wireErr *ipcpkg.WireError)
}

// Remote is the initiator's handle on an open stream.
type Remote struct {
	bus     *ipcpkg.Bus
	channel string
	settled *atomic.Bool
	stop    context.CancelFunc
	ack     startAck
}

// StreamID returns the producer-assigned stream id from the start
// acknowledgement, empty if the producer did not supply one.
func (r *Remote) StreamID() string { return r.ack.StreamID }

// Cancel asks the producer to stop and resolves the stream cleanly. Safe to
// call after completion; a late cancel is a no-op on both sides.
func (r *Remote) Cancel(ctx context.Context, h ConsumerHandlers) error {
	if !r.settled.CompareAndSwap(false, true) {
		return nil
	}
	err := r.bus.Emit(ctx, CancelChannel(r.channel), []byte(`{}`), nil)
	r.stop()
	if h.OnEnd != nil {
		h.OnEnd()
	}
	return err
}

// Open initiates a download or invoke-stream on channel: it subscribes the
// derived channels, then issues the plain invoke that starts production.
func Open(ctx context.Context, bus *ipcpkg.Bus, channel string, request []byte, h ConsumerHandlers) (*Remote, error) {
	if bus == nil {
		return nil, errspkg.ErrBusRequired
	}
	if channel == "" {
		return nil, errspkg.ErrChannelRequired
	}

	subCtx, stop := context.WithCancel(ctx)
	settled := &atomic.Bool{}

	if err := bus.Listen(subCtx, DataChannel(channel), func(_ context.Context, chunk []byte) {
		// Deliver-then-drop: chunks racing a terminal message are discarded.
		if settled.Load() {
			return
		}
		if h.OnData != nil {
			h.OnData(chunk)
		}
	}); err != nil {
		stop()
		return nil, err
	}

	if err := bus.Listen(subCtx, EndChannel(channel), func(context.Context, []byte) {
		if !settled.CompareAndSwap(false, true) {
			return
		}
		stop()
		if h.OnEnd != nil {
			h.OnEnd()
		}
	}); err != nil {
		stop()
		return nil, err
	}

	if err := bus.Listen(subCtx, ErrorChannel(channel), func(_ context.Context, payload []byte) {
		if !settled.CompareAndSwap(false, true) {
			return
		}
		stop()
		if h.OnError != nil {
			h.OnError(ipcpkg.DecodeWireError(payload))
		}
	}); err != nil {
		stop()
		return nil, err
	}

	response, err := bus.Invoke(ctx, channel, request)
	if err != nil {
		stop()
		return nil, err
	}

	remote := &Remote{bus: bus, channel: channel, settled: settled, stop: stop}
	// The ack is advisory; a missing stream id does not fail the open.
	_ = jsoncodec.Unmarshal(response, &remote.ack)
	return remote, nil
}

// Upload pushes the chunks of source to the upload consumer on channel:
// `-start` with the initiating request, `-data` per chunk, then exactly one of
// `-end` or `-error`. Uploads have no cancel control; an aborted source is
// reported as an error.
func Upload(ctx context.Context, bus *ipcpkg.Bus, channel string, request []byte, source Producer) error {
	if bus == nil {
		return errspkg.ErrBusRequired
	}
	if channel == "" {
		return errspkg.ErrChannelRequired
	}
	if source == nil {
		return errspkg.ErrProducerRequired
	}
	defer source.Release()

	var parent *tracepkg.Context
	if tc, ok := tracepkg.FromContext(ctx); ok {
		parent = &tc
	}
	tc := tracepkg.NewContext(parent)
	meta := map[string]string{MetadataKeyStreamID: idspkg.NewStreamID()}

	if err := bus.Emit(ctx, StartChannel(channel), tracepkg.Wrap(request, &tc), meta); err != nil {
		return err
	}

	for {
		chunk, err := source.Next(ctx)
		switch {
		case err == nil:
			if emitErr := bus.Emit(ctx, DataChannel(channel), tracepkg.Wrap(chunk, &tc), meta); emitErr != nil {
				return emitErr
			}

		case errors.Is(err, io.EOF):
			return bus.Emit(ctx, EndChannel(channel), []byte(`{}`), meta)

		default:
			emitErr := bus.Emit(ctx, ErrorChannel(channel), ipcpkg.EncodeWireError(err), meta)
			if emitErr != nil {
				return emitErr
			}
			return err
		}
	}
}

// ChunkCollector is a ConsumerHandlers helper that gathers a whole stream,
// used by tests and small consumers that do not need incremental delivery.
type ChunkCollector struct {
	mu     sync.Mutex
	chunks [][]byte
	done   chan struct{}
	err    *ipcpkg.WireError
	once   sync.Once
}

func NewChunkCollector() *ChunkCollector {
	return &ChunkCollector{done: make(chan struct{})}
}

func (c *ChunkCollector) Handlers() ConsumerHandlers {
	return ConsumerHandlers{
		OnData: func(chunk []byte) {
			c.mu.Lock()
			c.chunks = append(c.chunks, chunk)
			c.mu.Unlock()
		},
		OnEnd: func() {
			c.once.Do(func() { close(c.done) })
		},
		OnError: func(wireErr *ipcpkg.WireError) {
			c.mu.Lock()
			c.err = wireErr
			c.mu.Unlock()
			c.once.Do(func() { close(c.done) })
		},
	}
}

// Done is closed when the stream resolves.
func (c *ChunkCollector) Done() <-chan struct{} { return c.done }

// Chunks returns the chunks received so far.
func (c *ChunkCollector) Chunks() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.chunks...)
}

// Err returns the stream failure, nil on clean resolution.
func (c *ChunkCollector) Err() *ipcpkg.WireError {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

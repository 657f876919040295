package stream

import (
	"time"

	tracepkg "github.com/ipcflow/ipcflow/internal/runtime/trace"
)

// StreamContext describes one stream session to lifecycle hooks.
type StreamContext struct {
	// PeerID is the initiating peer, empty for uploads arriving without one.
	PeerID string
	// Channel is the logical channel, without suffixes.
	Channel string
	// StreamID identifies this stream instance.
	StreamID string
	// Kind is the stream kind being served.
	Kind tracepkg.Kind
	// StartedAt is when the session was created.
	StartedAt time.Time
	// ChunkCount and TotalBytes are running totals at the time of the call.
	ChunkCount int
	TotalBytes int
	// Duration is set on end/error hooks.
	Duration time.Duration
}

// Hooks defines callbacks for stream lifecycle events. All hooks are optional;
// nil hooks are simply not called. Hooks run on the session goroutine, so slow
// hooks delay chunk delivery.
type Hooks struct {
	// OnStreamStart fires when a session is created, before the first chunk.
	OnStreamStart func(sc StreamContext)

	// OnChunk fires for every chunk forwarded or received.
	OnChunk func(sc StreamContext, chunk []byte)

	// OnStreamEnd fires on normal completion or cancellation.
	OnStreamEnd func(sc StreamContext)

	// OnStreamError fires when the producer or uploader fails.
	OnStreamError func(sc StreamContext, err error)
}

// Merge combines two hook sets; other's callbacks run after h's.
func (h Hooks) Merge(other Hooks) Hooks {
	return Hooks{
		OnStreamStart: chain(h.OnStreamStart, other.OnStreamStart),
		OnChunk:       chainChunk(h.OnChunk, other.OnChunk),
		OnStreamEnd:   chain(h.OnStreamEnd, other.OnStreamEnd),
		OnStreamError: chainErr(h.OnStreamError, other.OnStreamError),
	}
}

func chain(a, b func(StreamContext)) func(StreamContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(sc StreamContext) {
		a(sc)
		b(sc)
	}
}

func chainChunk(a, b func(StreamContext, []byte)) func(StreamContext, []byte) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(sc StreamContext, chunk []byte) {
		a(sc, chunk)
		b(sc, chunk)
	}
}

func chainErr(a, b func(StreamContext, error)) func(StreamContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(sc StreamContext, err error) {
		a(sc, err)
		b(sc, err)
	}
}

func (h Hooks) start(sc StreamContext) {
	if h.OnStreamStart != nil {
		h.OnStreamStart(sc)
	}
}

func (h Hooks) chunk(sc StreamContext, chunk []byte) {
	if h.OnChunk != nil {
		h.OnChunk(sc, chunk)
	}
}

func (h Hooks) end(sc StreamContext) {
	if h.OnStreamEnd != nil {
		h.OnStreamEnd(sc)
	}
}

func (h Hooks) fail(sc StreamContext, err error) {
	if h.OnStreamError != nil {
		h.OnStreamError(sc, err)
	}
}

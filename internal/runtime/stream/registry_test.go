package stream

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ipcpkg "github.com/ipcflow/ipcflow/internal/runtime/ipc"
	tracepkg "github.com/ipcflow/ipcflow/internal/runtime/trace"
)

func newStreamBus(t *testing.T, recorder *tracepkg.Recorder) *ipcpkg.Bus {
	t.Helper()
	// Blocking until ack keeps chunk delivery and terminal messages ordered
	// across the derived channels.
	pubSub := gochannel.NewGoChannel(gochannel.Config{
		BlockPublishUntilSubscriberAck: true,
	}, watermill.NopLogger{})
	t.Cleanup(func() { _ = pubSub.Close() })

	bus, err := ipcpkg.NewBus(ipcpkg.BusConfig{
		PeerID:        "test-peer",
		Publisher:     pubSub,
		Subscriber:    pubSub,
		Recorder:      recorder,
		InvokeTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	return bus
}

func newTestRegistry(t *testing.T, recorder *tracepkg.Recorder, hooks Hooks) (*Registry, *ipcpkg.Bus) {
	t.Helper()
	bus := newStreamBus(t, recorder)
	reg, err := NewRegistry(bus, recorder, nil, hooks)
	require.NoError(t, err)
	return reg, bus
}

func TestDownloadEndToEnd(t *testing.T) {
	reg, bus := newTestRegistry(t, nil, Hooks{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	producer := NewSliceProducer([]byte(`{"n":1}`), []byte(`{"n":2}`), []byte(`{"n":3}`))
	require.NoError(t, reg.ServeDownload(ctx, "files:read", func(context.Context, []byte) (Producer, error) {
		return producer, nil
	}))

	collector := NewChunkCollector()
	remote, err := Open(ctx, bus, "files:read", []byte(`{"path":"a.txt"}`), collector.Handlers())
	require.NoError(t, err)
	assert.NotEmpty(t, remote.StreamID())

	select {
	case <-collector.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not resolve")
	}

	assert.Nil(t, collector.Err())
	chunks := collector.Chunks()
	require.Len(t, chunks, 3)
	assert.JSONEq(t, `{"n":1}`, string(chunks[0]))
	assert.JSONEq(t, `{"n":3}`, string(chunks[2]))

	assert.Eventually(t, producer.Released, time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return reg.Len() == 0 }, time.Second, 10*time.Millisecond)
}

func TestProducerErrorReachesConsumer(t *testing.T) {
	reg, bus := newTestRegistry(t, nil, Hooks{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls int
	require.NoError(t, reg.ServeInvokeStream(ctx, "query:rows", func(context.Context, []byte) (Producer, error) {
		return &FuncProducer{
			NextFunc: func(context.Context) ([]byte, error) {
				calls++
				if calls == 1 {
					return []byte(`{"row":1}`), nil
				}
				return nil, errors.New("disk on fire")
			},
		}, nil
	}))

	collector := NewChunkCollector()
	_, err := Open(ctx, bus, "query:rows", []byte(`{}`), collector.Handlers())
	require.NoError(t, err)

	select {
	case <-collector.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not resolve")
	}

	require.NotNil(t, collector.Err())
	assert.Equal(t, "disk on fire", collector.Err().Message)
	assert.Len(t, collector.Chunks(), 1)
}

func TestBeginSessionReplacesExisting(t *testing.T) {
	reg, _ := newTestRegistry(t, nil, Hooks{})
	ctx := context.Background()

	blocked := &FuncProducer{
		NextFunc: func(ctx context.Context) ([]byte, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	var cancelled atomic.Bool
	first := &FuncProducer{
		NextFunc:   blocked.NextFunc,
		CancelFunc: func(context.Context) error { cancelled.Store(true); return nil },
	}

	_, err := reg.BeginSession(ctx, "peer-a", "feed", tracepkg.KindStreamDownload, first)
	require.NoError(t, err)
	require.Equal(t, 1, reg.Len())

	_, err = reg.BeginSession(ctx, "peer-a", "feed", tracepkg.KindStreamDownload, blocked)
	require.NoError(t, err)

	assert.True(t, cancelled.Load(), "replaced session must be cancelled")
	assert.Equal(t, 1, reg.Len())

	// A different peer on the same channel gets its own slot.
	_, err = reg.BeginSession(ctx, "peer-b", "feed", tracepkg.KindStreamDownload, NewSliceProducer())
	require.NoError(t, err)
}

func TestCancelMissingSessionIsNoOp(t *testing.T) {
	reg, _ := newTestRegistry(t, nil, Hooks{})
	reg.Cancel(context.Background(), "nobody", "nothing")
	assert.Equal(t, 0, reg.Len())
}

func TestCancelAfterCompletionIsNoOp(t *testing.T) {
	var ended atomic.Int32
	reg, _ := newTestRegistry(t, nil, Hooks{
		OnStreamEnd: func(StreamContext) { ended.Add(1) },
	})
	ctx := context.Background()

	producer := NewSliceProducer([]byte(`{}`))
	_, err := reg.BeginSession(ctx, "peer-a", "short", tracepkg.KindStreamDownload, producer)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return reg.Len() == 0 }, time.Second, 10*time.Millisecond)
	endsBefore := ended.Load()

	reg.Cancel(ctx, "peer-a", "short")
	assert.Equal(t, endsBefore, ended.Load(), "late cancel must not re-resolve the stream")
}

func TestCancelSwallowsProducerCancelError(t *testing.T) {
	reg, _ := newTestRegistry(t, nil, Hooks{})
	ctx := context.Background()

	var released atomic.Bool
	producer := &FuncProducer{
		NextFunc: func(ctx context.Context) ([]byte, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
		CancelFunc:  func(context.Context) error { return errors.New("cleanup blew up") },
		ReleaseFunc: func() { released.Store(true) },
	}

	_, err := reg.BeginSession(ctx, "peer-a", "noisy", tracepkg.KindStreamDownload, producer)
	require.NoError(t, err)

	reg.Cancel(ctx, "peer-a", "noisy")
	assert.Equal(t, 0, reg.Len(), "session must be retired despite the failing cancel hook")
	assert.True(t, released.Load())
}

func TestReleaseRunsExactlyOnce(t *testing.T) {
	reg, _ := newTestRegistry(t, nil, Hooks{})
	ctx := context.Background()

	var releases atomic.Int32
	producer := &FuncProducer{
		NextFunc: func(ctx context.Context) ([]byte, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
		ReleaseFunc: func() { releases.Add(1) },
	}

	_, err := reg.BeginSession(ctx, "peer-a", "oneshot", tracepkg.KindStreamDownload, producer)
	require.NoError(t, err)

	// Cancel releases synchronously; the pull loop's deferred release must
	// not fire a second time.
	reg.Cancel(ctx, "peer-a", "oneshot")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), releases.Load())
}

func TestInvalidProducerEmitsFixedError(t *testing.T) {
	reg, bus := newTestRegistry(t, nil, Hooks{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, reg.ServeDownload(ctx, "broken:feed", func(context.Context, []byte) (Producer, error) {
		return nil, nil
	}))

	collector := NewChunkCollector()
	_, err := Open(ctx, bus, "broken:feed", []byte(`{}`), collector.Handlers())
	require.NoError(t, err)

	select {
	case <-collector.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not resolve")
	}

	require.NotNil(t, collector.Err())
	assert.Equal(t, ErrNotAStream, collector.Err().Message)
	assert.Empty(t, collector.Chunks(), "no partial data before the failure report")
	assert.Equal(t, 0, reg.Len())
}

func TestRemoteCancelStopsProducer(t *testing.T) {
	reg, bus := newTestRegistry(t, nil, Hooks{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var cancelled atomic.Bool
	require.NoError(t, reg.ServeDownload(ctx, "ticks", func(context.Context, []byte) (Producer, error) {
		return &FuncProducer{
			NextFunc: func(ctx context.Context) ([]byte, error) {
				if cancelled.Load() {
					return nil, io.EOF
				}
				time.Sleep(5 * time.Millisecond)
				return []byte(`{"tick":true}`), nil
			},
			CancelFunc: func(context.Context) error { cancelled.Store(true); return nil },
		}, nil
	}))

	collector := NewChunkCollector()
	remote, err := Open(ctx, bus, "ticks", []byte(`{}`), collector.Handlers())
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(collector.Chunks()) > 0 }, time.Second, 5*time.Millisecond)
	require.NoError(t, remote.Cancel(ctx, collector.Handlers()))

	select {
	case <-collector.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("cancel did not resolve the stream")
	}
	assert.Nil(t, collector.Err(), "cancellation resolves cleanly")

	assert.Eventually(t, cancelled.Load, time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return reg.Len() == 0 }, time.Second, 10*time.Millisecond)

	// A second cancel is a no-op.
	require.NoError(t, remote.Cancel(ctx, collector.Handlers()))
}

func TestStreamEventsRecorded(t *testing.T) {
	pubSub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	t.Cleanup(func() { _ = pubSub.Close() })
	recorder, err := tracepkg.NewRecorder(64, pubSub, nil)
	require.NoError(t, err)

	reg, bus := newTestRegistry(t, recorder, Hooks{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, reg.ServeDownload(ctx, "traced:feed", func(context.Context, []byte) (Producer, error) {
		return NewSliceProducer([]byte(`{"a":1}`), []byte(`{"b":2}`)), nil
	}))

	collector := NewChunkCollector()
	_, err = Open(ctx, bus, "traced:feed", []byte(`{}`), collector.Handlers())
	require.NoError(t, err)
	<-collector.Done()

	require.Eventually(t, func() bool {
		for _, ev := range recorder.Events() {
			if ev.Kind == tracepkg.KindStreamDownload && ev.Status == tracepkg.StatusOK {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)

	var chunkEvents, terminal int
	var terminalEv tracepkg.Event
	for _, ev := range recorder.Events() {
		if ev.Kind != tracepkg.KindStreamDownload {
			continue
		}
		switch ev.Status {
		case tracepkg.StatusStreaming:
			if ev.ChunkCount > 0 {
				chunkEvents++
			}
		case tracepkg.StatusOK:
			terminal++
			terminalEv = ev
		}
	}
	assert.Equal(t, 2, chunkEvents)
	require.Equal(t, 1, terminal)
	assert.Equal(t, 2, terminalEv.ChunkCount)
	assert.Equal(t, len(`{"a":1}`)+len(`{"b":2}`), terminalEv.TotalBytes)
	assert.Equal(t, tracepkg.EndReasonComplete, terminalEv.EndReason)
}

func TestBaseChannel(t *testing.T) {
	base, ok := BaseChannel("files:read-data")
	assert.True(t, ok)
	assert.Equal(t, "files:read", base)

	base, ok = BaseChannel("files:read")
	assert.False(t, ok)
	assert.Equal(t, "files:read", base)
}

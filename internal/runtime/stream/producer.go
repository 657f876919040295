package stream

import (
	"context"
	"io"
	"sync"
)

// Producer is the server-side source of a download or invoke-stream. Next
// returns io.EOF on normal exhaustion. Cancel asks the producer to stop early;
// it is a request, not a guarantee. Release frees underlying resources and is
// called exactly once by the session that owns the producer.
type Producer interface {
	Next(ctx context.Context) ([]byte, error)
	Cancel(ctx context.Context) error
	Release()
}

// SliceProducer yields a fixed set of chunks. Useful in tests and for small
// in-memory downloads.
type SliceProducer struct {
	mu        sync.Mutex
	chunks    [][]byte
	pos       int
	cancelled bool
	released  bool
}

func NewSliceProducer(chunks ...[]byte) *SliceProducer {
	return &SliceProducer{chunks: chunks}
}

func (p *SliceProducer) Next(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancelled || p.pos >= len(p.chunks) {
		return nil, io.EOF
	}
	chunk := p.chunks[p.pos]
	p.pos++
	return chunk, nil
}

func (p *SliceProducer) Cancel(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelled = true
	return nil
}

func (p *SliceProducer) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.released = true
}

// Released reports whether the owning session released this producer.
func (p *SliceProducer) Released() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.released
}

// FuncProducer adapts three closures into a Producer. Nil CancelFunc and
// ReleaseFunc are no-ops.
type FuncProducer struct {
	NextFunc    func(ctx context.Context) ([]byte, error)
	CancelFunc  func(ctx context.Context) error
	ReleaseFunc func()

	releaseOnce sync.Once
}

func (p *FuncProducer) Next(ctx context.Context) ([]byte, error) {
	if p.NextFunc == nil {
		return nil, io.EOF
	}
	return p.NextFunc(ctx)
}

func (p *FuncProducer) Cancel(ctx context.Context) error {
	if p.CancelFunc == nil {
		return nil
	}
	return p.CancelFunc(ctx)
}

func (p *FuncProducer) Release() {
	p.releaseOnce.Do(func() {
		if p.ReleaseFunc != nil {
			p.ReleaseFunc()
		}
	})
}

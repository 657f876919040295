// Package trace implements correlation contexts, the payload envelope that
// carries them across the transport, and the event pipeline feeding the
// observability layer.
package trace

import (
	"context"

	idspkg "github.com/ipcflow/ipcflow/internal/runtime/ids"
)

// Context identifies one hop of a causal chain. TraceID is stable for the
// entire chain; SpanID identifies this hop. Contexts are immutable: deriving a
// child mints a fresh SpanID and records the parent's SpanID.
type Context struct {
	TraceID      string `json:"traceId"`
	SpanID       string `json:"spanId"`
	ParentSpanID string `json:"parentSpanId,omitempty"`
}

// NewContext derives a context from parent, or starts a new chain when parent
// is nil.
func NewContext(parent *Context) Context {
	tc := Context{SpanID: idspkg.NewULID()}
	if parent != nil {
		tc.TraceID = parent.TraceID
		tc.ParentSpanID = parent.SpanID
	} else {
		tc.TraceID = idspkg.NewULID()
	}
	return tc
}

type ctxKey struct{}

// WithContext attaches tc to ctx so code further down the call chain can read
// it via FromContext. This is the Go rendering of continuation-scoped ambient
// state: the value travels with the context, not a global.
func WithContext(ctx context.Context, tc Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, tc)
}

// FromContext returns the trace context attached to ctx, if any.
func FromContext(ctx context.Context) (Context, bool) {
	tc, ok := ctx.Value(ctxKey{}).(Context)
	return tc, ok
}

// Run executes fn with tc attached to the context for the dynamic extent of
// the call.
func Run(ctx context.Context, tc Context, fn func(context.Context)) {
	fn(WithContext(ctx, tc))
}

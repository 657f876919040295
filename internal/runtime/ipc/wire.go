// Package ipc implements the call layer on top of the watermill transport:
// request/response invokes via reply channels, fire-and-forget sends, and
// channel subscriptions, with trace envelopes applied at the boundary.
package ipc

import (
	"context"

	jsoncodec "github.com/ipcflow/ipcflow/internal/runtime/jsoncodec"
)

// Metadata keys stamped onto every message.
const (
	MetadataKeyPeerID        = "ipcflow_peer_id"
	MetadataKeyCorrelationID = "ipcflow_correlation_id"
	MetadataKeyReplyTo       = "ipcflow_reply_to"
	MetadataKeyError         = "ipcflow_error"
)

// WireError is the serialized form of a handler or producer failure. Stack is
// optional and only populated when the failing side chose to expose it.
type WireError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

func (e *WireError) Error() string {
	if e.Name == "" {
		return e.Message
	}
	return e.Name + ": " + e.Message
}

// EncodeWireError serializes err for the wire. Existing WireErrors pass
// through so names survive a round trip.
func EncodeWireError(err error) []byte {
	we, ok := err.(*WireError)
	if !ok {
		we = &WireError{Name: "Error", Message: err.Error()}
	}
	payload, marshalErr := jsoncodec.Marshal(we)
	if marshalErr != nil {
		return []byte(`{"name":"Error","message":"unserializable error"}`)
	}
	return payload
}

// DecodeWireError parses a serialized failure, falling back to a plain
// message when the payload is not the expected shape.
func DecodeWireError(payload []byte) *WireError {
	var we WireError
	if err := jsoncodec.Unmarshal(payload, &we); err != nil || we.Message == "" {
		return &WireError{Name: "Error", Message: string(payload)}
	}
	return &we
}

type peerIDKey struct{}

// WithPeerID tags ctx with the identity of the message sender.
func WithPeerID(ctx context.Context, peerID string) context.Context {
	return context.WithValue(ctx, peerIDKey{}, peerID)
}

// PeerIDFromContext returns the sender identity attached by the ingress path.
func PeerIDFromContext(ctx context.Context) string {
	peerID, _ := ctx.Value(peerIDKey{}).(string)
	return peerID
}

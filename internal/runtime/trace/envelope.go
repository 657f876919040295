package trace

import (
	"encoding/json"

	jsoncodec "github.com/ipcflow/ipcflow/internal/runtime/jsoncodec"
)

// Wire format markers. Any payload carrying both keys is treated as an
// envelope; everything else passes through untouched.
const (
	envelopeTraceKey = "__ipcTrace"
	envelopeDataKey  = "__ipcData"
)

type envelope struct {
	Trace *Context        `json:"__ipcTrace"`
	Data  json.RawMessage `json:"__ipcData"`
}

// Wrap embeds tc into payload using the envelope wire format. A nil tc, a
// payload that is already an envelope, or a payload that is not valid JSON is
// returned unchanged, so wrapping is idempotent and never corrupts data.
func Wrap(payload []byte, tc *Context) []byte {
	if tc == nil {
		return payload
	}
	if len(payload) == 0 || !jsoncodec.Valid(payload) {
		return payload
	}
	if isEnvelope(payload) {
		return payload
	}

	wrapped, err := jsoncodec.Marshal(envelope{Trace: tc, Data: json.RawMessage(payload)})
	if err != nil {
		return payload
	}
	return wrapped
}

// Unwrap is the inverse of Wrap. Payloads that do not carry both envelope
// markers, including malformed JSON, come back unchanged with no context.
func Unwrap(payload []byte) ([]byte, *Context) {
	env, ok := decodeEnvelope(payload)
	if !ok {
		return payload, nil
	}
	return []byte(env.Data), env.Trace
}

func isEnvelope(payload []byte) bool {
	_, ok := decodeEnvelope(payload)
	return ok
}

func decodeEnvelope(payload []byte) (envelope, bool) {
	var probe map[string]json.RawMessage
	if err := jsoncodec.Unmarshal(payload, &probe); err != nil {
		return envelope{}, false
	}
	rawTrace, hasTrace := probe[envelopeTraceKey]
	rawData, hasData := probe[envelopeDataKey]
	if !hasTrace || !hasData {
		return envelope{}, false
	}

	var tc Context
	if err := jsoncodec.Unmarshal(rawTrace, &tc); err != nil || tc.TraceID == "" || tc.SpanID == "" {
		return envelope{}, false
	}
	return envelope{Trace: &tc, Data: rawData}, true
}

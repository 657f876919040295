package trace

import "time"

// Kind discriminates what sort of exchange an Event describes.
type Kind string

const (
	KindInvoke         Kind = "invoke"
	KindEvent          Kind = "event"
	KindBroadcast      Kind = "broadcast"
	KindStreamInvoke   Kind = "streamInvoke"
	KindStreamUpload   Kind = "streamUpload"
	KindStreamDownload Kind = "streamDownload"
)

// IsStream reports whether the kind describes a chunked exchange.
func (k Kind) IsStream() bool {
	switch k {
	case KindStreamInvoke, KindStreamUpload, KindStreamDownload:
		return true
	}
	return false
}

// Status is the outcome recorded on an Event.
type Status string

const (
	StatusOK        Status = "ok"
	StatusError     Status = "error"
	StatusTimeout   Status = "timeout"
	StatusCancelled Status = "cancelled"
	StatusStreaming Status = "streaming"
)

// Direction tells which side of the exchange recorded the event.
type Direction string

const (
	DirectionOutbound Direction = "out"
	DirectionInbound  Direction = "in"
)

// End reasons recorded on the terminal event of a stream.
const (
	EndReasonComplete  = "complete"
	EndReasonError     = "error"
	EndReasonCancelled = "cancelled"
)

// Reserved control channels. Exchanges on these channels are never traced so
// the pipeline cannot feed itself.
const (
	EventChannel       = "__ipcTraceEvents"
	PreviewModeChannel = "__ipcPreviewMode"
)

// IsReservedChannel reports whether channel belongs to the observability
// pipeline itself.
func IsReservedChannel(channel string) bool {
	return channel == EventChannel || channel == PreviewModeChannel
}

// Event is one append-only fact about an exchange. A logical stream shows up
// as many events sharing a channel: a start, one per chunk (status streaming),
// and a terminal event. There is no mutable stream object, only the sequence.
type Event struct {
	ID         string    `json:"id"`
	Kind       Kind      `json:"kind"`
	Direction  Direction `json:"direction"`
	Channel    string    `json:"channel"`
	Status     Status    `json:"status"`
	TsStart    int64     `json:"tsStart"`
	TsEnd      int64     `json:"tsEnd,omitempty"`
	DurationMs float64   `json:"durationMs,omitempty"`

	TraceID      string `json:"traceId,omitempty"`
	ParentSpanID string `json:"parentSpanId,omitempty"`
	PeerID       string `json:"peerId,omitempty"`

	// Non-stream kinds.
	Request  *Preview `json:"request,omitempty"`
	Response *Preview `json:"response,omitempty"`
	Payload  *Preview `json:"payload,omitempty"`
	Error    string   `json:"error,omitempty"`

	// Stream kinds.
	StreamID   string `json:"streamId,omitempty"`
	ChunkCount int    `json:"chunkCount,omitempty"`
	TotalBytes int    `json:"totalBytes,omitempty"`
	EndReason  string `json:"endReason,omitempty"`
}

// NowMillis returns the wall clock in the millisecond resolution events use.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// Duration returns the event's duration in milliseconds, falling back to the
// timestamp span when the explicit field is absent. ok is false when neither
// is available.
func (e Event) Duration() (float64, bool) {
	if e.DurationMs > 0 {
		return e.DurationMs, true
	}
	if e.TsEnd > 0 && e.TsEnd >= e.TsStart {
		return float64(e.TsEnd - e.TsStart), true
	}
	return 0, false
}

package trace

import (
	"github.com/ThreeDotsLabs/watermill/message"

	idspkg "github.com/ipcflow/ipcflow/internal/runtime/ids"
	jsoncodec "github.com/ipcflow/ipcflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/ipcflow/ipcflow/internal/runtime/logging"
	ringbufpkg "github.com/ipcflow/ipcflow/internal/runtime/ringbuf"
)

// Observer receives every recorded event. Implemented by the Prometheus
// mirror; more observers can be chained.
type Observer interface {
	ObserveEvent(ev Event)
}

// Recorder is the sink of the trace event stream. Events land in a fixed
// ring buffer and, when a publisher is configured, are mirrored onto the
// reserved trace channel as fire-and-forget messages.
type Recorder struct {
	buf       *ringbufpkg.Buffer[Event]
	publisher message.Publisher
	logger    loggingpkg.ServiceLogger
	observers []Observer
}

// NewRecorder builds a Recorder with a ring buffer of the given capacity.
// Capacity must be positive.
func NewRecorder(capacity int, publisher message.Publisher, logger loggingpkg.ServiceLogger, observers ...Observer) (*Recorder, error) {
	buf, err := ringbufpkg.New[Event](capacity)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = loggingpkg.Nop()
	}
	return &Recorder{
		buf:       buf,
		publisher: publisher,
		logger:    logger,
		observers: observers,
	}, nil
}

// Record stores ev and forwards it to the reserved trace channel. Events for
// the reserved channels themselves are dropped so the pipeline never traces
// its own traffic.
func (r *Recorder) Record(ev Event) {
	if IsReservedChannel(ev.Channel) {
		return
	}

	r.buf.Push(ev)
	for _, obs := range r.observers {
		obs.ObserveEvent(ev)
	}

	if r.publisher == nil {
		return
	}
	payload, err := jsoncodec.Marshal(ev)
	if err != nil {
		r.logger.Error("Failed to marshal trace event", err, loggingpkg.LogFields{
			"channel": ev.Channel,
			"kind":    ev.Kind,
		})
		return
	}
	msg := message.NewMessage(idspkg.NewULID(), payload)
	if err := r.publisher.Publish(EventChannel, msg); err != nil {
		// Observability must never perturb the application; drop and log.
		r.logger.Debug("Failed to publish trace event", loggingpkg.LogFields{
			"channel": ev.Channel,
			"error":   err.Error(),
		})
	}
}

// Ingest stores an event received from a remote peer over the reserved trace
// channel. Same path as Record minus the re-publish, so one intermediary hop
// does not echo events back and forth.
func (r *Recorder) Ingest(ev Event) {
	if IsReservedChannel(ev.Channel) {
		return
	}
	r.buf.Push(ev)
	for _, obs := range r.observers {
		obs.ObserveEvent(ev)
	}
}

// Events returns the buffered events oldest to newest.
func (r *Recorder) Events() []Event {
	return r.buf.Items()
}

// Recent returns the newest n buffered events oldest to newest.
func (r *Recorder) Recent(n int) []Event {
	return r.buf.Recent(n)
}

// Clear drops all buffered events.
func (r *Recorder) Clear() {
	r.buf.Clear()
}

package trace

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	errspkg "github.com/ipcflow/ipcflow/internal/runtime/errors"
	jsoncodec "github.com/ipcflow/ipcflow/internal/runtime/jsoncodec"
)

func TestNewRecorderRejectsBadCapacity(t *testing.T) {
	if _, err := NewRecorder(0, nil, nil); !errors.Is(err, errspkg.ErrInvalidCapacity) {
		t.Fatalf("expected ErrInvalidCapacity, got %v", err)
	}
}

func TestRecordBuffersAndPublishes(t *testing.T) {
	pubSub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	defer pubSub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	msgs, err := pubSub.Subscribe(ctx, EventChannel)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	rec, err := NewRecorder(8, pubSub, nil)
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}

	ev := Event{
		ID:      "span-1",
		Kind:    KindInvoke,
		Channel: "user:get",
		Status:  StatusOK,
		TsStart: NowMillis(),
	}
	rec.Record(ev)

	if got := rec.Events(); len(got) != 1 || got[0].ID != "span-1" {
		t.Fatalf("expected buffered event, got %v", got)
	}

	msg := <-msgs
	msg.Ack()
	var published Event
	if err := jsoncodec.Unmarshal(msg.Payload, &published); err != nil {
		t.Fatalf("unmarshal published event: %v", err)
	}
	if published.ID != "span-1" || published.Channel != "user:get" {
		t.Fatalf("published event = %+v", published)
	}
}

func TestRecordSkipsReservedChannels(t *testing.T) {
	rec, err := NewRecorder(4, nil, nil)
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}

	rec.Record(Event{ID: "a", Kind: KindEvent, Channel: EventChannel})
	rec.Record(Event{ID: "b", Kind: KindEvent, Channel: PreviewModeChannel})
	if got := rec.Events(); len(got) != 0 {
		t.Fatalf("reserved channels must never be traced, got %v", got)
	}
}

type countingObserver struct{ seen int }

func (c *countingObserver) ObserveEvent(Event) { c.seen++ }

func TestIngestDoesNotRepublish(t *testing.T) {
	obs := &countingObserver{}
	rec, err := NewRecorder(4, failingPublisher{}, nil, obs)
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}

	rec.Ingest(Event{ID: "remote", Kind: KindEvent, Channel: "notify"})
	if obs.seen != 1 {
		t.Fatalf("observer saw %d events, want 1", obs.seen)
	}
	if got := rec.Recent(1); len(got) != 1 || got[0].ID != "remote" {
		t.Fatalf("ingested event missing from buffer: %v", got)
	}
}

type failingPublisher struct{}

func (failingPublisher) Publish(string, ...*message.Message) error {
	return errors.New("publisher must not be used by Ingest")
}
func (failingPublisher) Close() error { return nil }

func TestRecordSurvivesPublishFailure(t *testing.T) {
	rec, err := NewRecorder(4, failingPublisher{}, nil)
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}
	rec.Record(Event{ID: "x", Kind: KindEvent, Channel: "notify"})
	if got := rec.Events(); len(got) != 1 {
		t.Fatalf("publish failure must not drop the buffered event, got %v", got)
	}
}

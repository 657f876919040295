package logging

import (
	"testing"

	"github.com/ThreeDotsLabs/watermill"
)

func TestWatermillRoundTrip(t *testing.T) {
	captured := watermill.NewCaptureLogger()
	svc := NewWatermillServiceLogger(captured)

	svc.Info("hello", LogFields{"k": "v"})
	if !captured.Has(watermill.CapturedMessage{
		Level:  watermill.InfoLogLevel,
		Msg:    "hello",
		Fields: watermill.LogFields{"k": "v"},
	}) {
		t.Fatalf("expected info message to reach the underlying adapter")
	}

	adapter := NewWatermillAdapter(svc)
	adapter.Debug("ping", nil)
	if !captured.Has(watermill.CapturedMessage{
		Level:  watermill.DebugLogLevel,
		Msg:    "ping",
		Fields: watermill.LogFields{},
	}) {
		t.Fatalf("expected debug message to round-trip through the adapter")
	}
}

func TestWithAddsFields(t *testing.T) {
	captured := watermill.NewCaptureLogger()
	svc := NewWatermillServiceLogger(captured).With(LogFields{"peer": "a"})

	svc.Debug("scoped", nil)
	if !captured.Has(watermill.CapturedMessage{
		Level:  watermill.DebugLogLevel,
		Msg:    "scoped",
		Fields: watermill.LogFields{"peer": "a"},
	}) {
		t.Fatalf("expected field added by With to be present")
	}
}

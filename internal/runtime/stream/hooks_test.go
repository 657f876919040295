package stream

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHooksMergeChainsInOrder(t *testing.T) {
	var order []string
	merged := Hooks{
		OnStreamStart: func(StreamContext) { order = append(order, "first") },
		OnStreamError: func(StreamContext, error) { order = append(order, "first-err") },
	}.Merge(Hooks{
		OnStreamStart: func(StreamContext) { order = append(order, "second") },
	})

	merged.start(StreamContext{})
	merged.fail(StreamContext{}, errors.New("x"))
	assert.Equal(t, []string{"first", "second", "first-err"}, order)
}

func TestHooksNilCallbacksAreSkipped(t *testing.T) {
	var h Hooks
	h.start(StreamContext{})
	h.chunk(StreamContext{}, nil)
	h.end(StreamContext{})
	h.fail(StreamContext{}, errors.New("x"))
}

func TestUploadStateString(t *testing.T) {
	assert.Equal(t, "idle", UploadIdle.String())
	assert.Equal(t, "receiving", UploadReceiving.String())
	assert.True(t, UploadEnded.terminal())
	assert.True(t, UploadErrored.terminal())
	assert.False(t, UploadReceiving.terminal())
}

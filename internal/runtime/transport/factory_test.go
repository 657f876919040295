package transport

import (
	"context"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ipcflow/ipcflow/internal/runtime/config"
)

func TestDefaultFactoryRequiresConfig(t *testing.T) {
	_, err := DefaultFactory().Build(context.Background(), nil, watermill.NopLogger{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config is required")
}

func TestDefaultFactoryBuildsChannelTransport(t *testing.T) {
	conf := &config.Config{PubSubSystem: "channel"}

	tr, err := DefaultFactory().Build(context.Background(), conf, watermill.NopLogger{})
	require.NoError(t, err)
	assert.NotNil(t, tr.Publisher)
	assert.NotNil(t, tr.Subscriber)
}

func TestDefaultFactoryRejectsUnknownSystem(t *testing.T) {
	conf := &config.Config{PubSubSystem: "carrier-pigeon"}

	_, err := DefaultFactory().Build(context.Background(), conf, watermill.NopLogger{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown transport")
}

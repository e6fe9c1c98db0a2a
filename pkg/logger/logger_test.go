package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestInitRejectsBadLevel(t *testing.T) {
	err := Init(Config{Level: "loud"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid log level")
}

func TestWithContextAddsFields(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	prev := Get()
	Set(zap.New(core))
	t.Cleanup(func() { Set(prev) })

	ctx := ContextWith(context.Background(), TableKey, "videos")
	ctx = ContextWith(ctx, OperatorKey, "quasar.operators.Identity")
	WithContext(ctx).Info("batch written")

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "videos", fields["table"])
	assert.Equal(t, "quasar.operators.Identity", fields["operator"])
	assert.NotContains(t, fields, "resource")
}

func TestGetReturnsDefault(t *testing.T) {
	assert.NotNil(t, Get())
	assert.NotNil(t, With(zap.String("component", "test")))
}

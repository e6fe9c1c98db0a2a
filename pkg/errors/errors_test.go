package errors

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapNil(t *testing.T) {
	assert.Nil(t, Wrap(nil, ErrorTypeInternal, "nothing"))
	assert.Nil(t, Wrapf(nil, ErrorTypeInternal, "nothing %d", 1))
	assert.NoError(t, FromContext(nil, "nothing"))
}

func TestWrapPreservesStack(t *testing.T) {
	inner := New(ErrorTypeParse, "bad record")
	outer := Wrap(inner, ErrorTypeInternal, "load failed")

	require.NotEmpty(t, inner.Stack)
	assert.Equal(t, inner.Stack, outer.Stack)
	assert.Equal(t, "internal: load failed: parse: bad record", outer.Error())
}

func TestIsTypeWalksChain(t *testing.T) {
	base := New(ErrorTypeLocationNotFound, "missing unit")
	wrapped := fmt.Errorf("resolve: %w", Wrap(base, ErrorTypeValidation, "resolution failed"))

	assert.True(t, IsLocationNotFound(wrapped))
	assert.True(t, IsType(wrapped, ErrorTypeValidation))
	assert.False(t, IsNotFound(wrapped))
	assert.False(t, IsType(fmt.Errorf("plain"), ErrorTypeValidation))
}

func TestDetail(t *testing.T) {
	err := New(ErrorTypeParse, "bad").WithDetail("line", 7)

	v, ok := Detail(err, "line")
	require.True(t, ok)
	assert.Equal(t, 7, v)

	_, ok = Detail(err, "offset")
	assert.False(t, ok)
}

func TestFromContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := FromContext(ctx.Err(), "read aborted")
	assert.True(t, IsType(err, ErrorTypeCanceled))
	assert.False(t, IsRetryable(err))

	err = FromContext(context.DeadlineExceeded, "read aborted")
	assert.True(t, IsType(err, ErrorTypeTimeout))
	assert.True(t, IsRetryable(err))
}

package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemory_GetMiss(t *testing.T) {
	c := NewInMemory()

	_, err := c.Get(context.Background(), "PrintTime:abc:1.0.0")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestInMemory_PutThenGet(t *testing.T) {
	ctx := context.Background()
	c := NewInMemory()

	require.NoError(t, c.Put(ctx, "PrintTime:abc:1.0.0", []byte("payload"), time.Hour))

	val, err := c.Get(ctx, "PrintTime:abc:1.0.0")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), val)
}

func TestInMemory_ExpiredEntryIsMiss(t *testing.T) {
	ctx := context.Background()
	c := NewInMemory()

	require.NoError(t, c.Put(ctx, "k", []byte("v"), -time.Second))

	_, err := c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestInMemory_InvalidateByVersionPrefix(t *testing.T) {
	ctx := context.Background()
	c := NewInMemory()

	require.NoError(t, c.Put(ctx, "PrintTime:fp1:1.0.0", []byte("a"), time.Hour))
	require.NoError(t, c.Put(ctx, "PrintTime:fp2:1.0.0", []byte("b"), time.Hour))
	require.NoError(t, c.Put(ctx, "PrintTime:fp1:1.1.0", []byte("c"), time.Hour))

	require.NoError(t, c.Invalidate(ctx, "PrintTime:*:1.0.0"))

	_, err := c.Get(ctx, "PrintTime:fp1:1.0.0")
	assert.ErrorIs(t, err, ErrMiss)

	_, err = c.Get(ctx, "PrintTime:fp2:1.0.0")
	assert.ErrorIs(t, err, ErrMiss)

	val, err := c.Get(ctx, "PrintTime:fp1:1.1.0")
	require.NoError(t, err)
	assert.Equal(t, []byte("c"), val)
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	payload := []byte(`{"predictedValue":42}`)

	stored, err := Encode(payload)
	require.NoError(t, err)

	out, err := Decode(stored)
	require.NoError(t, err)
	assert.JSONEq(t, string(payload), string(out))
}

func TestDecode_UnsupportedFormat(t *testing.T) {
	_, err := Decode([]byte(`{"format":99,"payload":{}}`))
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

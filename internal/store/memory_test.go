package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryPutGetDelete(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, ok, err := m.Get(ctx, "tunnel:instance:srv-1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.Put(ctx, "tunnel:instance:srv-1", `{"server_id":"srv-1"}`))
	v, ok, err := m.Get(ctx, "tunnel:instance:srv-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `{"server_id":"srv-1"}`, v)

	require.NoError(t, m.Delete(ctx, "tunnel:instance:srv-1"))
	_, ok, err = m.Get(ctx, "tunnel:instance:srv-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryScanPrefix(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.Put(ctx, "tunnel:instance:a", "1"))
	require.NoError(t, m.Put(ctx, "tunnel:instance:b", "2"))
	require.NoError(t, m.Put(ctx, "other:key", "3"))

	got, err := m.Scan(ctx, "tunnel:instance:")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"tunnel:instance:a": "1",
		"tunnel:instance:b": "2",
	}, got)
}

func TestMemoryHashOps(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	got, err := m.HGetAll(ctx, "tunnel:ports:control")
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, m.HSet(ctx, "tunnel:ports:control", "5000", "srv-1"))
	require.NoError(t, m.HSet(ctx, "tunnel:ports:control", "5001", "srv-2"))

	got, err = m.HGetAll(ctx, "tunnel:ports:control")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"5000": "srv-1", "5001": "srv-2"}, got)

	require.NoError(t, m.HDel(ctx, "tunnel:ports:control", "5000"))
	got, err = m.HGetAll(ctx, "tunnel:ports:control")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"5001": "srv-2"}, got)

	// deleting an absent field is a no-op
	require.NoError(t, m.HDel(ctx, "tunnel:ports:control", "9999"))
}

package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryProcessedStore_MarkAndCheck(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryProcessedStore()

	seen, err := s.IsProcessed(ctx, "ws_CO_123")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, s.MarkProcessed(ctx, "ws_CO_123", time.Hour))

	seen, err = s.IsProcessed(ctx, "ws_CO_123")
	require.NoError(t, err)
	assert.True(t, seen)

	seen, err = s.IsProcessed(ctx, "ws_CO_999")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestMemoryProcessedStore_TTL(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryProcessedStore()

	require.NoError(t, s.MarkProcessed(ctx, "evt-1", time.Hour))

	s.clock = func() time.Time { return time.Now().Add(2 * time.Hour) }

	seen, err := s.IsProcessed(ctx, "evt-1")
	require.NoError(t, err)
	assert.False(t, seen, "entry expired with its ttl")
}

func TestMemoryProcessedStore_IdempotentMark(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryProcessedStore()

	require.NoError(t, s.MarkProcessed(ctx, "evt-1", time.Hour))
	require.NoError(t, s.MarkProcessed(ctx, "evt-1", time.Hour))

	seen, err := s.IsProcessed(ctx, "evt-1")
	require.NoError(t, err)
	assert.True(t, seen)
}

package verify

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eventsync/internal/model"
)

func TestSlidingWindowAdmitsUpToLimit(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	rl := NewSlidingWindow(2, time.Minute)
	rl.now = func() time.Time { return now }
	ctx := context.Background()

	_, ok, _ := rl.Allow(ctx, "room:a")
	assert.True(t, ok)
	_, ok, _ = rl.Allow(ctx, "room:a")
	assert.True(t, ok)
	_, ok, _ = rl.Allow(ctx, "room:a")
	assert.False(t, ok)

	_, ok, _ = rl.Allow(ctx, "room:b")
	assert.True(t, ok, "keys are independent")

	now = now.Add(time.Minute)
	_, ok, _ = rl.Allow(ctx, "room:a")
	assert.True(t, ok, "window slid past the first attempts")
}

func TestSlidingWindowRelease(t *testing.T) {
	rl := NewSlidingWindow(1, time.Minute)
	ctx := context.Background()

	ticket, ok, err := rl.Allow(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	_, ok, _ = rl.Allow(ctx, "k")
	require.False(t, ok)

	require.NoError(t, rl.Release(ctx, ticket))
	_, ok, _ = rl.Allow(ctx, "k")
	assert.True(t, ok)
}

func TestMemoryCacheExpires(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	c := NewMemoryCache(time.Hour, 2)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "h1", model.VerificationResult{Confidence: 0.5}))
	res, ok, err := c.Get(ctx, "h1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, 0.5, res.Confidence, 1e-9)

	now = now.Add(2 * time.Hour)
	_, ok, _ = c.Get(ctx, "h1")
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, "h2", model.VerificationResult{}))
	require.NoError(t, c.Set(ctx, "h3", model.VerificationResult{}))
	require.NoError(t, c.Set(ctx, "h4", model.VerificationResult{}))
	assert.LessOrEqual(t, c.Len(), 2)
}

package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHostLimiterSeparatesHosts(t *testing.T) {
	l := NewHostLimiter(10, 1)
	ctx := context.Background()

	require.NoError(t, l.WaitURL(ctx, "https://a.example/p/1"))
	require.NoError(t, l.WaitURL(ctx, "https://b.example/p/1"))
	require.NoError(t, l.WaitURL(ctx, "https://A.example/p/2"))

	assert.Equal(t, 2, l.Hosts())
}

func TestHostLimiterHonorsContext(t *testing.T) {
	l := NewHostLimiter(0.01, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	require.NoError(t, l.WaitURL(ctx, "https://slow.example/"))
	err := l.WaitURL(ctx, "https://slow.example/again")
	assert.Error(t, err)
}

func TestHostLimiterUnlimited(t *testing.T) {
	l := NewHostLimiter(0, 0)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 20; i++ {
		require.NoError(t, l.WaitURL(ctx, "https://fast.example/"))
	}
	assert.Less(t, time.Since(start), time.Second)
}

func TestNilHostLimiterIsNoop(t *testing.T) {
	var l *HostLimiter
	assert.NoError(t, l.WaitURL(context.Background(), "https://x.example/"))
}

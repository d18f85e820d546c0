package resource

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestControllerMemory(t *testing.T) {
	c := NewController(Config{MemoryLimitBytes: 100})

	require.NoError(t, c.AcquireMemory(context.Background(), 50))
	require.NoError(t, c.AcquireMemory(context.Background(), 40))
	assert.Equal(t, int64(90), c.MemoryUsage())

	assert.False(t, c.TryAcquireMemory(20))
	assert.Equal(t, int64(90), c.MemoryUsage())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.AcquireMemory(ctx, 20), context.DeadlineExceeded)

	c.ReleaseMemory(50)
	assert.Equal(t, int64(40), c.MemoryUsage())
	require.NoError(t, c.AcquireMemory(context.Background(), 20))
	assert.Equal(t, int64(60), c.MemoryUsage())
}

func TestControllerOversizedRequestFailsFast(t *testing.T) {
	c := NewController(Config{MemoryLimitBytes: 1 << 20})
	err := c.AcquireMemory(context.Background(), 2<<20)
	require.ErrorIs(t, err, ErrMemoryLimit)
	assert.Contains(t, err.Error(), "2.0 MiB")
	assert.Zero(t, c.MemoryUsage())
}

func TestControllerUnlimitedMemory(t *testing.T) {
	c := NewController(Config{})
	require.NoError(t, c.AcquireMemory(context.Background(), 1000))
	assert.Equal(t, int64(1000), c.MemoryUsage())
	c.ReleaseMemory(500)
	assert.Equal(t, int64(500), c.MemoryUsage())
}

func TestNilControllerIsUnlimited(t *testing.T) {
	var c *Controller
	require.NoError(t, c.AcquireMemory(context.Background(), 10))
	assert.True(t, c.TryAcquireMemory(10))
	c.ReleaseMemory(10)
	require.NoError(t, c.AcquireIO(context.Background(), 1<<30))
	assert.Zero(t, c.MemoryUsage())
}

func TestControllerWorkers(t *testing.T) {
	c := NewController(Config{MaxWorkers: 1})
	require.NoError(t, c.AcquireWorker(context.Background()))
	assert.False(t, c.TryAcquireWorker())
	c.ReleaseWorker()
	assert.True(t, c.TryAcquireWorker())
}

func TestControllerIOChunksLargeRequests(t *testing.T) {
	c := NewController(Config{IOLimitBytesPerSec: 1 << 30})
	// Larger than the burst; must be split rather than rejected.
	require.NoError(t, c.AcquireIO(context.Background(), 4<<20))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	slow := NewController(Config{IOLimitBytesPerSec: 10})
	assert.Error(t, slow.AcquireIO(ctx, 1000))
}

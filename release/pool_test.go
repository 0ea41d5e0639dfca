package release

import (
	"context"
	"testing"
	"time"

	"github.com/ruteri/tee-sealing-key-provider/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPool(t *testing.T) {
	pool := NewWorkerPool(0, 20*time.Millisecond)
	assert.Equal(t, int64(1), pool.Size())

	done, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	start := time.Now()
	_, err = pool.Acquire(context.Background())
	require.Error(t, err)
	code, ok := interfaces.RejectCodeOf(err)
	require.True(t, ok)
	assert.Equal(t, interfaces.Timeout, code)
	assert.Less(t, time.Since(start), time.Second, "waiting is bounded by maxWait")

	done()
	done, err = pool.Acquire(context.Background())
	require.NoError(t, err)
	done()
}

func TestWorkerPool_Cancelled(t *testing.T) {
	pool := NewWorkerPool(1, 0)
	done, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	defer done()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = pool.Acquire(ctx)
	code, _ := interfaces.RejectCodeOf(err)
	assert.Equal(t, interfaces.Timeout, code)
}

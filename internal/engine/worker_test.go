package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStepPool_BoundsConcurrency(t *testing.T) {
	sp := NewStepPool(2)
	defer sp.Shutdown()

	var active, peak int64
	var mu sync.Mutex
	release := make(chan struct{})

	for i := 0; i < 5; i++ {
		err := sp.Submit(context.Background(), func(ctx context.Context) error {
			cur := atomic.AddInt64(&active, 1)
			mu.Lock()
			if cur > peak {
				peak = cur
			}
			mu.Unlock()
			<-release
			atomic.AddInt64(&active, -1)
			return nil
		})
		if i < 2 {
			require.NoError(t, err)
		}
		if i == 1 {
			// The pool is full; unblock before the third submit can land.
			close(release)
		}
	}
	sp.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, peak, int64(2))
}

func TestStepPool_SubmitAfterShutdown(t *testing.T) {
	sp := NewStepPool(1)
	sp.Shutdown()

	err := sp.Submit(context.Background(), func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrPoolShutdown)
}

func TestStepPool_RecoversFromPanic(t *testing.T) {
	sp := NewStepPool(1)
	defer sp.Shutdown()

	require.NoError(t, sp.Submit(context.Background(), func(ctx context.Context) error {
		panic("step exploded")
	}))
	sp.Wait()

	m := sp.Metrics()
	assert.Equal(t, int64(1), m.Panics)
	assert.Equal(t, int64(1), m.Failed)
}

func TestStepPool_Metrics(t *testing.T) {
	sp := NewStepPool(4)
	defer sp.Shutdown()

	for i := 0; i < 3; i++ {
		require.NoError(t, sp.Submit(context.Background(), func(ctx context.Context) error { return nil }))
	}
	sp.Wait()

	m := sp.Metrics()
	assert.Equal(t, int64(3), m.Completed)
	assert.Equal(t, int64(0), m.InFlight)
}

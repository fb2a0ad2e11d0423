package rpsession

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestOpQueueSerializesSameDevice(t *testing.T) {
	q := NewOpQueue()
	var order []int
	var mu sync.Mutex

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := q.Run(context.Background(), "dev-1", time.Millisecond, func(ctx context.Context) error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				time.Sleep(5 * time.Millisecond)
				return nil
			})
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	require.Len(t, order, 5)
}

func TestOpQueueAllowsConcurrentDifferentDevices(t *testing.T) {
	q := NewOpQueue()
	var inFlight atomic.Int32
	var maxInFlight atomic.Int32

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		deviceID := "dev"
		if i%2 == 0 {
			deviceID = "dev-a"
		} else {
			deviceID = "dev-b"
		}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_ = q.Run(context.Background(), id, time.Millisecond, func(ctx context.Context) error {
				n := inFlight.Add(1)
				for {
					cur := maxInFlight.Load()
					if n <= cur || maxInFlight.CompareAndSwap(cur, n) {
						break
					}
				}
				time.Sleep(20 * time.Millisecond)
				inFlight.Add(-1)
				return nil
			})
		}(deviceID)
	}
	wg.Wait()

	require.GreaterOrEqual(t, maxInFlight.Load(), int32(2))
}

func TestOpQueueRespectsContextCancellation(t *testing.T) {
	q := NewOpQueue()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := q.Run(ctx, "dev-1", time.Hour, func(ctx context.Context) error {
		t.Fatal("fn should not run once the rate limiter wait is cancelled")
		return nil
	})
	require.Error(t, err)
}

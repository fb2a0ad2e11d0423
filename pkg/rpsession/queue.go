package rpsession

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// deviceLock serializes operations for one device_id and rate limits how
// often a fresh Start can be attempted against it, so a flapping client
// can't hammer a console with back-to-back discovery/wake/regist cycles.
type deviceLock struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	refs    int
}

// OpQueue enforces spec's "at most one active SessionContext per
// device_id" invariant. It is the per-device analogue of the teacher's
// CommandQueue: instead of one global priority queue feeding a single
// rate-limited worker, each device_id gets its own mutex-plus-limiter
// pair, so unrelated devices never block on each other.
type OpQueue struct {
	mu    sync.Mutex
	locks map[string]*deviceLock
}

// NewOpQueue builds an empty queue. Run's minInterval, as given on the
// first Run for a device_id, bounds how often a new Run can begin for
// that device_id (e.g. 2s keeps a reconnect loop
// from re-waking a console every tick).
func NewOpQueue() *OpQueue {
	return &OpQueue{locks: make(map[string]*deviceLock)}
}

func (q *OpQueue) acquire(deviceID string, minInterval time.Duration) *deviceLock {
	q.mu.Lock()
	defer q.mu.Unlock()

	dl, ok := q.locks[deviceID]
	if !ok {
		if minInterval <= 0 {
			minInterval = 2 * time.Second
		}
		dl = &deviceLock{limiter: rate.NewLimiter(rate.Every(minInterval), 1)}
		q.locks[deviceID] = dl
	}
	dl.refs++
	return dl
}

func (q *OpQueue) release(deviceID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if dl, ok := q.locks[deviceID]; ok {
		dl.refs--
	}
}

// Run serializes fn against every other Run call sharing the same
// device_id: a second caller blocks until the first returns, then waits
// out the rate limiter before fn starts. Calls against different
// device_ids never block each other.
func (q *OpQueue) Run(ctx context.Context, deviceID string, minInterval time.Duration, fn func(ctx context.Context) error) error {
	dl := q.acquire(deviceID, minInterval)
	defer q.release(deviceID)

	dl.mu.Lock()
	defer dl.mu.Unlock()

	if err := dl.limiter.Wait(ctx); err != nil {
		return err
	}
	return fn(ctx)
}

package takion

import (
	"sync"
	"time"
)

// pendingControl tracks one in-flight control-channel message awaiting
// cumulative ack, for the RTO-based retransmission described in spec
// §4.6: initial RTO 300ms, exponential backoff to 2s, max 5 attempts
// before TakionStalled.
type pendingControl struct {
	seq      uint32
	raw      []byte
	attempts int
	nextFire time.Time
	rto      time.Duration
}

// retransmitter owns the set of unacknowledged control messages for one
// transport and decides when each is due for resend or has exhausted its
// attempt budget.
type retransmitter struct {
	mu       sync.Mutex
	pending  map[uint32]*pendingControl
	initial  time.Duration
	max      time.Duration
	maxTries int
}

func newRetransmitter(initial, max time.Duration, maxTries int) *retransmitter {
	return &retransmitter{
		pending:  make(map[uint32]*pendingControl),
		initial:  initial,
		max:      max,
		maxTries: maxTries,
	}
}

func (r *retransmitter) track(seq uint32, raw []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending[seq] = &pendingControl{
		seq:      seq,
		raw:      raw,
		attempts: 1,
		nextFire: time.Now().Add(r.initial),
		rto:      r.initial,
	}
}

// ack removes a message once its cumulative ack arrives. Per spec §4.6
// delivery is cumulative; acking seq also retires everything at or
// before it.
func (r *retransmitter) ack(seq uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for s := range r.pending {
		if s <= seq {
			delete(r.pending, s)
		}
	}
}

// due returns messages whose RTO has elapsed, bumping their backoff and
// attempt count. stalled reports which messages exhausted maxTries — the
// caller should treat the transport as TakionStalled once any appear
// here.
func (r *retransmitter) due(now time.Time) (resend [][]byte, stalled []uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for seq, p := range r.pending {
		if now.Before(p.nextFire) {
			continue
		}
		if p.attempts >= r.maxTries {
			stalled = append(stalled, seq)
			continue
		}
		p.attempts++
		p.rto *= 2
		if p.rto > r.max {
			p.rto = r.max
		}
		p.nextFire = now.Add(p.rto)
		resend = append(resend, p.raw)
	}
	return resend, stalled
}

func (r *retransmitter) pendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

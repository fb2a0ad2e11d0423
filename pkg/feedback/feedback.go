package feedback

import (
	"context"
	"sync"
	"time"

	"github.com/nwire/rpbridge/pkg/logger"
)

// Sender is the takion control/feedback-channel transmit boundary;
// satisfied by pkg/takion's Transport.Send bound to the feedback and
// control channels.
type Sender interface {
	SendFeedbackState(payload []byte) error
	SendFeedbackHistory(payload []byte) error
	SendControlRequestIDR() error
}

// Handle is the operator-facing controller handle named in spec §4.8:
// press/release/tap/set_stick/set_trigger plus an internal ticker that
// packages state into on-wire packets at the 8ms/100ms/200ms cadences.
type Handle struct {
	sender Sender
	log    *logger.Logger

	mu       sync.Mutex
	current  State
	dirty    bool
	history  []State
	lastSeq  uint32

	stateInterval   time.Duration
	heartbeatInterval time.Duration
	historyInterval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHandle builds a feedback handle that ticks on the spec-default
// cadences unless overridden via Config.
func NewHandle(sender Sender, stateInterval, heartbeatInterval, historyInterval time.Duration, log *logger.Logger) *Handle {
	if log == nil {
		log = logger.Default()
	}
	if stateInterval <= 0 {
		stateInterval = 8 * time.Millisecond
	}
	if heartbeatInterval <= 0 {
		heartbeatInterval = 100 * time.Millisecond
	}
	if historyInterval <= 0 {
		historyInterval = 200 * time.Millisecond
	}
	return &Handle{
		sender:            sender,
		log:               log,
		stateInterval:     stateInterval,
		heartbeatInterval: heartbeatInterval,
		historyInterval:   historyInterval,
	}
}

// Run starts the state/heartbeat and history tickers; it blocks until
// ctx is cancelled.
func (h *Handle) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	h.cancel = cancel

	h.wg.Add(2)
	go h.stateLoop(ctx)
	go h.historyLoop(ctx)
	h.wg.Wait()
}

// Stop cancels the running ticker goroutines and waits for them to exit.
func (h *Handle) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
	h.wg.Wait()
}

func (h *Handle) stateLoop(ctx context.Context) {
	defer h.wg.Done()
	ticker := time.NewTicker(h.stateInterval)
	defer ticker.Stop()

	lastSent := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			h.mu.Lock()
			dueToChange := h.dirty
			dueToHeartbeat := now.Sub(lastSent) >= h.heartbeatInterval
			if !dueToChange && !dueToHeartbeat {
				h.mu.Unlock()
				continue
			}
			h.lastSeq++
			h.current.Seq = h.lastSeq
			snap := h.current
			h.dirty = false
			h.history = append(h.history, snap)
			if len(h.history) > 30 {
				h.history = h.history[len(h.history)-30:]
			}
			h.mu.Unlock()

			if err := h.sender.SendFeedbackState(EncodeState(snap)); err != nil {
				h.log.DebugFeedback("send state packet failed", "error", err)
				continue
			}
			lastSent = now
		}
	}
}

func (h *Handle) historyLoop(ctx context.Context) {
	defer h.wg.Done()
	ticker := time.NewTicker(h.historyInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.mu.Lock()
			batch := append([]State(nil), h.history...)
			h.mu.Unlock()
			if len(batch) == 0 {
				continue
			}
			if err := h.sender.SendFeedbackHistory(EncodeHistory(batch)); err != nil {
				h.log.DebugFeedback("send history packet failed", "error", err)
			}
		}
	}
}

func (h *Handle) markDirty() { h.dirty = true }

// Press sets a bit in the main button bitmap; the PS/touchpad extras are
// set with PressExtra.
func (h *Handle) Press(button uint16) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.current.Buttons |= button
	h.markDirty()
}

// Release clears a button bit.
func (h *Handle) Release(button uint16) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.current.Buttons &^= button
	h.markDirty()
}

// PressExtra sets a PS/touchpad-click extra bit.
func (h *Handle) PressExtra(bit uint8) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.current.Extra |= bit
	h.markDirty()
}

// ReleaseExtra clears a PS/touchpad-click extra bit.
func (h *Handle) ReleaseExtra(bit uint8) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.current.Extra &^= bit
	h.markDirty()
}

// Tap presses then schedules a release after holdMs (default 100ms).
func (h *Handle) Tap(button uint16, holdMs int) {
	if holdMs <= 0 {
		holdMs = 100
	}
	h.Press(button)
	time.AfterFunc(time.Duration(holdMs)*time.Millisecond, func() {
		h.Release(button)
	})
}

// SetStick sets one analog stick's x,y position.
func (h *Handle) SetStick(side Side, x, y int8) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if side == SideLeft {
		h.current.LeftStick = Stick{X: x, Y: y}
	} else {
		h.current.RightStick = Stick{X: x, Y: y}
	}
	h.markDirty()
}

// SetTrigger sets one analog trigger's pressure (0-255).
func (h *Handle) SetTrigger(side Side, pressure uint8) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if side == SideLeft {
		h.current.LeftTrigger = pressure
	} else {
		h.current.RightTrigger = pressure
	}
	h.markDirty()
}

// SetTouch sets or clears one of the two touchpad contact points.
func (h *Handle) SetTouch(slot int, point TouchPoint) {
	if slot < 0 || slot > 1 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.current.Touch[slot] = point
	h.markDirty()
}

// RequestIDR sends a dedicated control message asking the console for a
// key frame; C7 calls this on key-frame loss thresholds (spec §4.7/§4.8).
func (h *Handle) RequestIDR() {
	if err := h.sender.SendControlRequestIDR(); err != nil {
		h.log.DebugFeedback("request_idr failed", "error", err)
	}
}

// Snapshot returns the current controller state, for diagnostics/tests.
func (h *Handle) Snapshot() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current
}

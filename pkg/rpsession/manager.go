package rpsession

import (
	"context"
	"sync"
	"time"

	"github.com/nwire/rpbridge/pkg/config"
	"github.com/nwire/rpbridge/pkg/logger"
	"github.com/nwire/rpbridge/pkg/media"
	"github.com/nwire/rpbridge/pkg/store"
)

// DeviceState is the Manager's view of one device's lifecycle, distinct
// from a session's own State: it additionally tracks whether a session
// that reached Ready later needs recovery.
type DeviceState int

const (
	DeviceStarting DeviceState = iota
	DeviceRunning
	DeviceFailed
	DeviceDegraded
	DeviceStopped
)

func (s DeviceState) String() string {
	switch s {
	case DeviceStarting:
		return "starting"
	case DeviceRunning:
		return "running"
	case DeviceFailed:
		return "failed"
	case DeviceDegraded:
		return "degraded"
	case DeviceStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// managedDevice tracks one device's session plus recovery bookkeeping.
type managedDevice struct {
	deviceID     string
	hostIP       string
	session      *RemoteSession
	state        DeviceState
	failureCount int
	lastError    error
	lastAttempt  time.Time
}

// ManagerConfig tunes the staggered-startup and recovery-backoff
// behavior, mirroring the teacher's MultiStreamConfig shape.
type ManagerConfig struct {
	StaggerInterval   time.Duration // delay between device startups, default 3s
	MaxFailures       int           // consecutive failures before Degraded, default 5
	DegradedRetry     time.Duration // retry interval once degraded, default 5m
	RecoveryBaseDelay time.Duration // base exponential backoff delay, default 2s
	MinStartInterval  time.Duration // per-device OpQueue rate limit, default 2s
}

// DefaultManagerConfig returns sensible defaults for a handful of
// consoles reconnecting independently.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		StaggerInterval:   3 * time.Second,
		MaxFailures:       5,
		DegradedRetry:     5 * time.Minute,
		RecoveryBaseDelay: 2 * time.Second,
		MinStartInterval:  2 * time.Second,
	}
}

// SinkFactory builds the AVSink a freshly-created session should push
// decoded output to; the Manager calls it once per device_id.
type SinkFactory func(deviceID string) media.AVSink

// Manager reconciles several RemoteSessions concurrently: staggered
// startup, per-device operation serialization via OpQueue, and
// exponential-backoff recovery on failure — adapted from the teacher's
// MultiStreamManager/CameraState reconciliation loop, generalized from
// camera streams to console sessions.
type Manager struct {
	cfg   *config.Config
	mcfg  ManagerConfig
	store store.Store
	sinks SinkFactory
	log   *logger.Logger
	queue *OpQueue

	mu      sync.RWMutex
	devices map[string]*managedDevice

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager builds a Manager bound to a shared store and AVSink
// factory. cfg is shared by every session the manager creates.
func NewManager(cfg *config.Config, st store.Store, sinks SinkFactory, mcfg ManagerConfig, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Default()
	}
	if cfg == nil {
		cfg = config.Default()
	}
	if mcfg.StaggerInterval <= 0 {
		mcfg = DefaultManagerConfig()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:     cfg,
		mcfg:    mcfg,
		store:   st,
		sinks:   sinks,
		log:     log,
		queue:   NewOpQueue(),
		devices: make(map[string]*managedDevice),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// StartDevices brings up sessions for every deviceID->hostIP pair,
// staggering startup so a LAN full of consoles doesn't get hit with
// discovery/wake traffic all at once.
func (m *Manager) StartDevices(ctx context.Context, hosts map[string]string) {
	i := 0
	for deviceID, hostIP := range hosts {
		m.mu.Lock()
		m.devices[deviceID] = &managedDevice{deviceID: deviceID, hostIP: hostIP, state: DeviceStarting}
		m.mu.Unlock()

		m.wg.Add(1)
		go m.bringUp(deviceID, StartOptions{HostIP: hostIP})

		i++
		if i < len(hosts) {
			select {
			case <-time.After(m.mcfg.StaggerInterval):
			case <-ctx.Done():
				return
			}
		}
	}
}

// AddDevice starts (or restarts) one device outside the initial
// StartDevices batch, e.g. when an operator registers a new console at
// runtime.
func (m *Manager) AddDevice(deviceID string, opts StartOptions) {
	m.mu.Lock()
	m.devices[deviceID] = &managedDevice{deviceID: deviceID, hostIP: opts.HostIP, state: DeviceStarting}
	m.mu.Unlock()

	m.wg.Add(1)
	go m.bringUp(deviceID, opts)
}

// idrAttachable lets an AVSink accept its IDRRequester after
// construction. SinkFactory builds a sink before the RemoteSession that
// will serve as its IDRRequester exists, so the dependency has to flow
// backwards once the session is available; AVSink implementations that
// don't need key-frame requests (or drive them some other way) simply
// don't implement this.
type idrAttachable interface {
	SetIDRRequester(media.IDRRequester)
}

func (m *Manager) bringUp(deviceID string, opts StartOptions) {
	defer m.wg.Done()

	sink := m.sinks(deviceID)
	session := NewRemoteSession(deviceID, m.cfg, m.store, sink, m.log)
	if attachable, ok := sink.(idrAttachable); ok {
		attachable.SetIDRRequester(session)
	}

	m.mu.Lock()
	if dev, ok := m.devices[deviceID]; ok {
		dev.session = session
	}
	m.mu.Unlock()

	err := m.queue.Run(m.ctx, deviceID, m.mcfg.MinStartInterval, func(ctx context.Context) error {
		return session.Start(ctx, opts)
	})

	if err != nil {
		m.onFailure(deviceID, opts, err)
		return
	}

	m.mu.Lock()
	if dev, ok := m.devices[deviceID]; ok {
		dev.state = DeviceRunning
		dev.failureCount = 0
		dev.lastError = nil
	}
	m.mu.Unlock()

	m.log.DebugSession("device session ready", "device_id", deviceID)

	m.wg.Add(1)
	go m.monitor(deviceID, opts)
}

// monitor waits for a Ready session to leave Ready (Closed or Failed)
// and reacts: Closed means someone called Stop intentionally and
// nothing recovers it; Failed feeds the recovery loop.
func (m *Manager) monitor(deviceID string, opts StartOptions) {
	defer m.wg.Done()

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.mu.RLock()
			dev, ok := m.devices[deviceID]
			m.mu.RUnlock()
			if !ok || dev.session == nil {
				return
			}
			switch dev.session.State() {
			case StateReady, StateDiscovering, StateWaking, StateRegistering, StateHandshaking, StateConnecting:
				continue
			case StateClosed:
				m.mu.Lock()
				dev.state = DeviceStopped
				m.mu.Unlock()
				return
			case StateFailed:
				kind, ferr := dev.session.Failure()
				m.onFailure(deviceID, opts, &Error{Kind: kind, Err: ferr})
				return
			default:
				continue
			}
		}
	}
}

func (m *Manager) onFailure(deviceID string, opts StartOptions, err error) {
	m.mu.Lock()
	dev, ok := m.devices[deviceID]
	if !ok {
		m.mu.Unlock()
		return
	}
	dev.failureCount++
	dev.lastError = err
	dev.lastAttempt = time.Now()
	dev.state = DeviceFailed
	if dev.failureCount >= m.mcfg.MaxFailures {
		dev.state = DeviceDegraded
	}
	state := dev.state
	failureCount := dev.failureCount
	m.mu.Unlock()

	m.log.DebugSession("device session failed", "device_id", deviceID, "state", state.String(), "failure_count", failureCount, "error", err)

	m.wg.Add(1)
	go m.recover(deviceID, opts)
}

// recover retries bringUp after a backoff delay: exponential while
// merely Failed, fixed-interval once Degraded, matching the teacher's
// recoveryLoop policy.
func (m *Manager) recover(deviceID string, opts StartOptions) {
	defer m.wg.Done()

	m.mu.RLock()
	dev, ok := m.devices[deviceID]
	m.mu.RUnlock()
	if !ok {
		return
	}

	var delay time.Duration
	if dev.state == DeviceDegraded {
		delay = m.mcfg.DegradedRetry
	} else {
		delay = m.mcfg.RecoveryBaseDelay * time.Duration(1<<uint(minInt(dev.failureCount, 10)))
		if delay > 5*time.Minute {
			delay = 5 * time.Minute
		}
	}

	select {
	case <-time.After(delay):
	case <-m.ctx.Done():
		return
	}

	m.mu.RLock()
	dev, ok = m.devices[deviceID]
	m.mu.RUnlock()
	if !ok || dev.state == DeviceStopped {
		return
	}

	m.wg.Add(1)
	go m.bringUp(deviceID, opts)
}

// StopDevice tears down one device's session and removes it from
// future recovery.
func (m *Manager) StopDevice(deviceID string) error {
	m.mu.Lock()
	dev, ok := m.devices[deviceID]
	if ok {
		dev.state = DeviceStopped
	}
	m.mu.Unlock()
	if !ok || dev.session == nil {
		return nil
	}
	return dev.session.Stop()
}

// Stop tears down every managed device and waits for in-flight
// goroutines to exit.
func (m *Manager) Stop() {
	m.cancel()

	m.mu.RLock()
	sessions := make([]*RemoteSession, 0, len(m.devices))
	for _, dev := range m.devices {
		if dev.session != nil {
			sessions = append(sessions, dev.session)
		}
	}
	m.mu.RUnlock()

	var stopWG sync.WaitGroup
	for _, s := range sessions {
		stopWG.Add(1)
		go func(s *RemoteSession) {
			defer stopWG.Done()
			_ = s.Stop()
		}(s)
	}
	stopWG.Wait()
	m.wg.Wait()
}

// Snapshot returns the current state of every managed device, keyed by
// device_id.
func (m *Manager) Snapshot() map[string]DeviceState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]DeviceState, len(m.devices))
	for id, dev := range m.devices {
		out[id] = dev.state
	}
	return out
}

// SessionInfo is a point-in-time snapshot of one managed device for the
// status API, combining the Manager's recovery bookkeeping with the
// underlying session's own lifecycle state and media statistics.
type SessionInfo struct {
	DeviceID     string
	HostIP       string
	DeviceState  DeviceState
	SessionState State
	FailureCount int
	LastError    error
	Stats        media.StreamStats
}

// SessionInfo returns a snapshot for one device, or false if unknown.
func (m *Manager) SessionInfo(deviceID string) (SessionInfo, bool) {
	m.mu.RLock()
	dev, ok := m.devices[deviceID]
	m.mu.RUnlock()
	if !ok {
		return SessionInfo{}, false
	}
	return m.toSessionInfo(dev), true
}

// SessionInfos returns a snapshot for every managed device.
func (m *Manager) SessionInfos() []SessionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]SessionInfo, 0, len(m.devices))
	for _, dev := range m.devices {
		out = append(out, m.toSessionInfo(dev))
	}
	return out
}

func (m *Manager) toSessionInfo(dev *managedDevice) SessionInfo {
	info := SessionInfo{
		DeviceID:     dev.deviceID,
		HostIP:       dev.hostIP,
		DeviceState:  dev.state,
		FailureCount: dev.failureCount,
		LastError:    dev.lastError,
	}
	if dev.session != nil {
		info.SessionState = dev.session.State()
		info.Stats = dev.session.Stats()
	}
	return info
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

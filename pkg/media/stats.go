package media

import (
	"sync"
	"time"
)

// Stats is the surfaced-to-observers snapshot named in spec §4.7.
type Stats struct {
	TotalFrames        uint64
	TotalBytes         uint64
	MeasuredMbps       float64
	ConsecutiveFailures uint64
	FECAttempts        uint64
	FECSuccess         uint64
	FECFailure         uint64
	IDRRequestsTotal   uint64
	IDRRequestsWindow  uint64
	OutputFPS          float64
	AvgFrameIntervalMs float64
	FramesLost         uint64
	AudioTimeoutDropped uint64
}

// statTracker accumulates the raw counters behind Stats and derives the
// windowed/rate fields on snapshot(), mirroring the teacher pacer's
// statsMu-guarded counters plus periodic derived-rate logging.
type statTracker struct {
	mu sync.Mutex

	totalFrames uint64
	totalBytes  uint64

	consecutiveFailures uint64

	fecAttempts uint64
	fecSuccess  uint64
	fecFailure  uint64

	idrTotal uint64
	idrWindow []time.Time

	framesLost          uint64
	audioTimeoutDropped uint64

	bitrateWindow []bitrateSample
	lastFrameAt   time.Time
	frameIntervals []time.Duration
}

type bitrateSample struct {
	at    time.Time
	bytes int
}

func newStatTracker() *statTracker {
	return &statTracker{}
}

func (s *statTracker) recordFrame(size int, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalFrames++
	s.totalBytes += uint64(size)
	s.consecutiveFailures = 0

	if !s.lastFrameAt.IsZero() {
		s.frameIntervals = append(s.frameIntervals, now.Sub(s.lastFrameAt))
		if len(s.frameIntervals) > 120 {
			s.frameIntervals = s.frameIntervals[len(s.frameIntervals)-120:]
		}
	}
	s.lastFrameAt = now

	s.bitrateWindow = append(s.bitrateWindow, bitrateSample{at: now, bytes: size})
	s.pruneBitrateLocked(now)
}

func (s *statTracker) pruneBitrateLocked(now time.Time) {
	cutoff := now.Add(-1 * time.Second)
	i := 0
	for i < len(s.bitrateWindow) && s.bitrateWindow[i].at.Before(cutoff) {
		i++
	}
	s.bitrateWindow = s.bitrateWindow[i:]
}

func (s *statTracker) recordFrameLost() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.framesLost++
	s.consecutiveFailures++
}

func (s *statTracker) recordFECAttempt(success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fecAttempts++
	if success {
		s.fecSuccess++
	} else {
		s.fecFailure++
	}
}

func (s *statTracker) recordIDRRequest(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.idrTotal++
	s.idrWindow = append(s.idrWindow, now)
	cutoff := now.Add(-10 * time.Second)
	i := 0
	for i < len(s.idrWindow) && s.idrWindow[i].Before(cutoff) {
		i++
	}
	s.idrWindow = s.idrWindow[i:]
}

func (s *statTracker) recordAudioTimeoutDropped() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audioTimeoutDropped++
}

func (s *statTracker) snapshot(now time.Time) Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneBitrateLocked(now)

	var windowBytes int
	for _, b := range s.bitrateWindow {
		windowBytes += b.bytes
	}
	mbps := float64(windowBytes*8) / 1_000_000.0

	var avgInterval time.Duration
	if len(s.frameIntervals) > 0 {
		var sum time.Duration
		for _, d := range s.frameIntervals {
			sum += d
		}
		avgInterval = sum / time.Duration(len(s.frameIntervals))
	}
	var fps float64
	if avgInterval > 0 {
		fps = float64(time.Second) / float64(avgInterval)
	}

	return Stats{
		TotalFrames:         s.totalFrames,
		TotalBytes:          s.totalBytes,
		MeasuredMbps:        mbps,
		ConsecutiveFailures: s.consecutiveFailures,
		FECAttempts:         s.fecAttempts,
		FECSuccess:          s.fecSuccess,
		FECFailure:          s.fecFailure,
		IDRRequestsTotal:    s.idrTotal,
		IDRRequestsWindow:   uint64(len(s.idrWindow)),
		OutputFPS:           fps,
		AvgFrameIntervalMs:  float64(avgInterval) / float64(time.Millisecond),
		FramesLost:          s.framesLost,
		AudioTimeoutDropped: s.audioTimeoutDropped,
	}
}

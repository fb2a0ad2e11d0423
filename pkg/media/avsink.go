package media

// StreamStats bundles both pipelines' statistics for the AVSink's
// periodic on_stream_stats callback (spec §6).
type StreamStats struct {
	Video Stats
	Audio Stats
}

// AVSink is the decoded-output boundary handed to each RemoteSession;
// the reference implementation is pkg/avsink's pion/webrtc adapter, but
// any consumer satisfying this interface can be attached instead (spec
// §6: "AVSink" external interface).
type AVSink interface {
	OnVideo(frameBytes []byte, codec string, isKey bool, pts uint32) error
	OnAudio(opusBytes []byte, pts uint32) error
	OnStreamStats(stats StreamStats)
}

// IDRRequester lets C7 ask the feedback channel for a key frame once
// loss thresholds are crossed, without importing pkg/feedback directly.
type IDRRequester interface {
	RequestIDR()
}

package capability

import "sync/atomic"

// DownloadProgress is emitted while a capability's model is downloading.
type DownloadProgress struct {
	Kind          Kind
	PercentLoaded float64
}

// ProgressSink receives download progress. Publish must not block.
type ProgressSink interface {
	Publish(p DownloadProgress)
}

// ChannelSink delivers progress on a buffered channel. Events are dropped
// when the consumer falls behind.
type ChannelSink struct {
	ch      chan DownloadProgress
	dropped atomic.Int64
}

// NewChannelSink creates a sink with the given buffer size.
func NewChannelSink(buffer int) *ChannelSink {
	if buffer <= 0 {
		buffer = 64
	}
	return &ChannelSink{ch: make(chan DownloadProgress, buffer)}
}

func (s *ChannelSink) Publish(p DownloadProgress) {
	select {
	case s.ch <- p:
	default:
		s.dropped.Add(1)
	}
}

// Events returns the receive side of the sink.
func (s *ChannelSink) Events() <-chan DownloadProgress { return s.ch }

// Dropped reports how many events were discarded.
func (s *ChannelSink) Dropped() int64 { return s.dropped.Load() }

// SinkFunc adapts a function to ProgressSink.
type SinkFunc func(DownloadProgress)

func (f SinkFunc) Publish(p DownloadProgress) { f(p) }

type discardSink struct{}

func (discardSink) Publish(DownloadProgress) {}

// monitorFor converts a host monitor callback into sink events.
func monitorFor(kind Kind, sink ProgressSink) Monitor {
	return func(loaded float64) {
		sink.Publish(DownloadProgress{Kind: kind, PercentLoaded: min(max(loaded*100, 0), 100)})
	}
}

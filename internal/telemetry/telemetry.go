// Package telemetry carries the pipeline's outbound event streams: lossy
// per-frame progress and lossless lifecycle transitions.
package telemetry

import (
	"sync"
)

// State mirrors the pipeline state machine for lifecycle events.
type State string

const (
	StateInit    State = "initializing"
	StateReady   State = "ready"
	StateRunning State = "running"
	StatePaused  State = "paused"
	StateStopped State = "stopped"
	StateFailed  State = "failed"
)

// EventKind distinguishes lifecycle payloads.
type EventKind string

const (
	// KindTransition marks a state change.
	KindTransition EventKind = "transition"
	// KindMilestone marks an initialization progress step.
	KindMilestone EventKind = "milestone"
	// KindWarning marks a non-fatal advisory (window warming up, stale depth).
	KindWarning EventKind = "warning"
	// KindRejected marks a policy-rejected command.
	KindRejected EventKind = "rejected"
)

// StageShares is the rolling share of each pipeline stage, in percent.
type StageShares struct {
	Grab         float64 `json:"grab"`
	Infer        float64 `json:"infer"`
	Depth        float64 `json:"depth"`
	Housekeeping float64 `json:"housekeeping"`
	WarmingUp    bool    `json:"warming_up"`
}

// DepthSummary condenses the frame's depth outcome for display.
type DepthSummary struct {
	// MeanMeters is the mean of the per-detection mean depths that carried
	// valid samples; -1 when none did.
	MeanMeters float64 `json:"mean_m"`
	// WithDepth counts detections with valid depth stats.
	WithDepth int `json:"with_depth"`
	// StaleFrames is the age of the reused depth map in frames, 0 when the
	// map was computed on this frame.
	StaleFrames int `json:"stale_frames"`
}

// FrameProgress is emitted once per processed frame. Subscribers must
// tolerate dropped events.
type FrameProgress struct {
	SessionID      string       `json:"session_id"`
	Index          int          `json:"index"`
	GlobalFPS      float64      `json:"global_fps"`
	Shares         StageShares  `json:"stage_shares"`
	DetectionCount int          `json:"detection_count"`
	Depth          DepthSummary `json:"depth"`
	WallMs         float64      `json:"wall_ms"`
}

// Lifecycle is emitted on every state transition, milestone, warning, and
// command rejection. Delivery is lossless.
type Lifecycle struct {
	SessionID string    `json:"session_id"`
	Kind      EventKind `json:"kind"`
	State     State     `json:"state"`
	Reason    string    `json:"reason,omitempty"`
}

// Stream fans the two event kinds out to at most one consumer each.
// Progress emission is an O(1) non-blocking enqueue; the pipeline is never
// delayed by a slow subscriber.
type Stream struct {
	progress  chan FrameProgress
	lifecycle chan Lifecycle

	mu           sync.Mutex
	dropped      int64
	lifecycleLog []Lifecycle
}

// NewStream sizes the progress buffer; lifecycle delivery is unbounded via
// an in-memory log plus a buffered channel.
func NewStream(progressBuffer int) *Stream {
	if progressBuffer <= 0 {
		progressBuffer = 16
	}
	return &Stream{
		progress:  make(chan FrameProgress, progressBuffer),
		lifecycle: make(chan Lifecycle, 256),
	}
}

// Progress returns the lossy per-frame channel.
func (s *Stream) Progress() <-chan FrameProgress { return s.progress }

// Lifecycle returns the buffered lifecycle channel. Sends never block: an
// event that does not fit the buffer is not delivered here but is still kept
// in LifecycleLog.
func (s *Stream) Lifecycle() <-chan Lifecycle { return s.lifecycle }

// EmitProgress enqueues without blocking, dropping on a full buffer.
func (s *Stream) EmitProgress(ev FrameProgress) {
	select {
	case s.progress <- ev:
	default:
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
	}
}

// EmitLifecycle records the event and delivers it to the consumer. The
// channel is buffered generously; if a consumer still falls behind, the event
// is preserved in the log rather than lost.
func (s *Stream) EmitLifecycle(ev Lifecycle) {
	s.mu.Lock()
	s.lifecycleLog = append(s.lifecycleLog, ev)
	s.mu.Unlock()

	select {
	case s.lifecycle <- ev:
	default:
	}
}

// LifecycleLog returns a copy of every lifecycle event emitted so far.
func (s *Stream) LifecycleLog() []Lifecycle {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Lifecycle, len(s.lifecycleLog))
	copy(out, s.lifecycleLog)
	return out
}

// DroppedProgress reports how many progress events were discarded.
func (s *Stream) DroppedProgress() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close releases the channels. Emit must not be called afterwards.
func (s *Stream) Close() {
	close(s.progress)
	close(s.lifecycle)
}

// Package timing maintains the pipeline's rolling performance windows and
// whole-run counters.
package timing

import (
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"
)

const (
	// WindowCapacity is the fixed size of every rolling window.
	WindowCapacity = 60

	// warmupMinSamples is the minimum per-stage sample count before stage
	// shares are reported; below it the snapshot flags warming-up instead of
	// emitting noisy percentages.
	warmupMinSamples = 5

	// significanceMinSamples gates the detection-vs-empty comparison.
	significanceMinSamples = 30

	// HistogramBucket is the width of one frame-interval histogram bucket.
	HistogramBucket = 5 * time.Millisecond

	// HistogramBuckets is the bucket count; the last bucket absorbs overflow.
	HistogramBuckets = 50
)

// Stage identifies one of the four pipeline stages.
type Stage int

const (
	StageGrab Stage = iota
	StageInfer
	StageDepth
	StageHousekeeping
	numStages
)

func (s Stage) String() string {
	switch s {
	case StageGrab:
		return "grab"
	case StageInfer:
		return "infer"
	case StageDepth:
		return "depth"
	case StageHousekeeping:
		return "housekeeping"
	}
	return "unknown"
}

// StageRecord carries the four stage durations of one frame.
type StageRecord struct {
	Grab         time.Duration
	Infer        time.Duration
	Depth        time.Duration
	Housekeeping time.Duration
}

func (r StageRecord) get(s Stage) time.Duration {
	switch s {
	case StageGrab:
		return r.Grab
	case StageInfer:
		return r.Infer
	case StageDepth:
		return r.Depth
	case StageHousekeeping:
		return r.Housekeeping
	}
	return 0
}

// Sum returns the total of the four stage durations.
func (r StageRecord) Sum() time.Duration {
	return r.Grab + r.Infer + r.Depth + r.Housekeeping
}

// window is a fixed-capacity FIFO of millisecond samples. Push is O(1);
// values copies out for aggregation.
type window struct {
	buf  []float64
	next int
	n    int
}

func newWindow() *window {
	return &window{buf: make([]float64, WindowCapacity)}
}

func (w *window) push(ms float64) {
	w.buf[w.next] = ms
	w.next = (w.next + 1) % WindowCapacity
	if w.n < WindowCapacity {
		w.n++
	}
}

func (w *window) values() []float64 {
	out := make([]float64, w.n)
	if w.n < WindowCapacity {
		copy(out, w.buf[:w.n])
	} else {
		copy(out, w.buf[w.next:])
		copy(out[WindowCapacity-w.next:], w.buf[:w.next])
	}
	return out
}

func (w *window) mean() float64 {
	if w.n == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range w.values() {
		sum += v
	}
	return sum / float64(w.n)
}

// StageSnapshot is the rolling view of one stage.
type StageSnapshot struct {
	MeanMs   float64
	SharePct float64
	Samples  int
}

// Snapshot is a consistent view of all rolling windows.
type Snapshot struct {
	Stages [4]StageSnapshot

	// WarmingUp is set while any stage window has too few samples for the
	// share percentages to be meaningful; all shares are zero then.
	WarmingUp bool

	DetectionMeanMs float64
	EmptyMeanMs     float64
	DeltaMs         float64
	DeltaPct        float64
	Significant     bool

	WallMeanMs float64
	WallP50Ms  float64
	WallP95Ms  float64
	WallMinMs  float64
	WallMaxMs  float64
}

// Tracker owns the rolling windows and whole-run accumulators. All methods
// are safe for concurrent use; Snapshot observes a consistent state.
type Tracker struct {
	mu sync.Mutex

	stages   [4]*window
	detWin   *window // per-frame wall time, frames with >= 1 detection
	emptyWin *window // per-frame wall time, frames without detections
	wallWin  *window // frame-to-frame intervals

	// Whole-run accumulators backing the end-of-session summary.
	frames    int64
	stageSums [4]time.Duration
	histogram [HistogramBuckets]int64
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	t := &Tracker{}
	t.resetLocked()
	return t
}

func (t *Tracker) resetLocked() {
	for i := range t.stages {
		t.stages[i] = newWindow()
	}
	t.detWin = newWindow()
	t.emptyWin = newWindow()
	t.wallWin = newWindow()
}

// Reset atomically replaces the rolling window set. Whole-run accumulators
// are cleared as well; this starts a fresh session.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resetLocked()
	t.frames = 0
	for i := range t.stageSums {
		t.stageSums[i] = 0
	}
	for i := range t.histogram {
		t.histogram[i] = 0
	}
}

// Push records one frame. wall is the frame's wall time; interval is the gap
// to the previous frame and is ignored when non-positive (first frame).
func (t *Tracker) Push(rec StageRecord, wall, interval time.Duration, hadDetections bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for s := Stage(0); s < numStages; s++ {
		d := rec.get(s)
		t.stages[s].push(durToMs(d))
		t.stageSums[s] += d
	}
	if hadDetections {
		t.detWin.push(durToMs(wall))
	} else {
		t.emptyWin.push(durToMs(wall))
	}
	if interval > 0 {
		t.wallWin.push(durToMs(interval))
		bucket := int(interval / HistogramBucket)
		if bucket >= HistogramBuckets {
			bucket = HistogramBuckets - 1
		}
		t.histogram[bucket]++
	}
	t.frames++
}

// Frames returns the number of frames pushed since the last reset.
func (t *Tracker) Frames() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.frames
}

// CumulativeStageMeanMs returns the whole-run mean of one stage in
// milliseconds, zero before the first frame.
func (t *Tracker) CumulativeStageMeanMs(s Stage) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.frames == 0 {
		return 0
	}
	return durToMs(t.stageSums[s]) / float64(t.frames)
}

// Histogram returns a copy of the frame-interval histogram.
func (t *Tracker) Histogram() []int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]int64, HistogramBuckets)
	copy(out, t.histogram[:])
	return out
}

// Snapshot computes the rolling view under the lock, so concurrent pushes
// never expose a partially updated window set.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	var snap Snapshot

	sumOfMeans := 0.0
	warming := false
	for s := Stage(0); s < numStages; s++ {
		w := t.stages[s]
		snap.Stages[s] = StageSnapshot{MeanMs: w.mean(), Samples: w.n}
		sumOfMeans += snap.Stages[s].MeanMs
		if w.n < warmupMinSamples {
			warming = true
		}
	}
	snap.WarmingUp = warming
	if !warming && sumOfMeans > 0 {
		for s := range snap.Stages {
			snap.Stages[s].SharePct = snap.Stages[s].MeanMs / sumOfMeans * 100
		}
	}

	snap.DetectionMeanMs = t.detWin.mean()
	snap.EmptyMeanMs = t.emptyWin.mean()
	snap.DeltaMs = snap.DetectionMeanMs - snap.EmptyMeanMs
	if snap.EmptyMeanMs > 0 {
		snap.DeltaPct = snap.DeltaMs / snap.EmptyMeanMs * 100
	}
	snap.Significant = t.detWin.n >= significanceMinSamples && t.emptyWin.n >= significanceMinSamples

	if t.wallWin.n > 0 {
		vals := t.wallWin.values()
		snap.WallMeanMs = stat.Mean(vals, nil)
		sorted := make([]float64, len(vals))
		copy(sorted, vals)
		sortFloats(sorted)
		snap.WallP50Ms = stat.Quantile(0.5, stat.Empirical, sorted, nil)
		snap.WallP95Ms = stat.Quantile(0.95, stat.Empirical, sorted, nil)
		snap.WallMinMs = sorted[0]
		snap.WallMaxMs = sorted[len(sorted)-1]
	}

	return snap
}

func durToMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func sortFloats(v []float64) {
	// Insertion sort: windows hold at most 60 samples.
	for i := 1; i < len(v); i++ {
		for j := i; j > 0 && v[j] < v[j-1]; j-- {
			v[j], v[j-1] = v[j-1], v[j]
		}
	}
}

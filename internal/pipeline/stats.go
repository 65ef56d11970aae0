package pipeline

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/skyward-uas/perception/internal/artifact"
	"github.com/skyward-uas/perception/internal/timing"
)

// Num is a JSON number that marshals NaN and infinities as null so the
// summary file stays strictly valid JSON.
type Num float64

// MarshalJSON implements json.Marshaler.
func (n Num) MarshalJSON() ([]byte, error) {
	f := float64(n)
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return []byte("null"), nil
	}
	return json.Marshal(f)
}

// Outcome is the terminal classification of a session.
type Outcome string

const (
	OutcomeStopped Outcome = "stopped" // user-initiated stop
	OutcomeEnded   Outcome = "ended"   // recorded source exhausted
	OutcomeFailed  Outcome = "failed"
)

// SessionSummary is the stats.json document.
type SessionSummary struct {
	Session struct {
		StartedUTC string  `json:"started_utc"`
		EndedUTC   string  `json:"ended_utc"`
		Outcome    Outcome `json:"outcome"`
		Reason     string  `json:"reason,omitempty"`
	} `json:"session"`

	Counts struct {
		FramesProcessed      int64 `json:"frames_processed"`
		FramesSkipped        int64 `json:"frames_skipped"`
		FramesWithDetections int64 `json:"frames_with_detections"`
		FramesEmpty          int64 `json:"frames_empty"`
		DetectionsTotal      int64 `json:"detections_total"`
	} `json:"counts"`

	TimingMs struct {
		Grab         StageSummary `json:"grab"`
		Infer        StageSummary `json:"infer"`
		Depth        StageSummary `json:"depth"`
		Housekeeping StageSummary `json:"housekeeping"`
		WallMean     Num          `json:"wall_mean"`
		WallP50      Num          `json:"wall_p50"`
		WallP95      Num          `json:"wall_p95"`
		FPSGlobal    Num          `json:"fps_global"`
	} `json:"timing_ms"`

	DetectionVsEmptyMs struct {
		DetectionMean Num  `json:"detection_mean"`
		EmptyMean     Num  `json:"empty_mean"`
		DeltaMs       Num  `json:"delta_ms"`
		DeltaPct      Num  `json:"delta_pct"`
		Significant   bool `json:"significant"`
	} `json:"detection_vs_empty_ms"`

	Writer struct {
		JPEGWritten int64 `json:"jpeg_written"`
		TxtWritten  int64 `json:"txt_written"`
		Drops       int64 `json:"drops"`
	} `json:"writer"`

	// Errors counts non-fatal failures by cause. Grab and infer transients
	// are the skipped frames; depth retrieval and writer failures do not skip
	// a frame.
	Errors struct {
		GrabTransient  int64 `json:"grab_transient"`
		InferTransient int64 `json:"infer_transient"`
		DepthRetrieve  int64 `json:"depth_retrieve"`
		WriterIO       int64 `json:"writer_io"`
	} `json:"errors"`

	// IntervalHistogram is the discrete frame-to-frame interval histogram;
	// bucket i counts intervals in [i*width, (i+1)*width), the last bucket
	// absorbs overflow.
	IntervalHistogram struct {
		BucketWidthMs float64 `json:"bucket_width_ms"`
		Counts        []int64 `json:"counts"`
	} `json:"interval_histogram"`
}

// StageSummary is one stage's whole-run timing.
type StageSummary struct {
	Mean     Num `json:"mean"`
	SharePct Num `json:"share_pct"`
}

type sessionCounters struct {
	framesProcessed      int64
	framesSkipped        int64
	framesWithDetections int64
	framesEmpty          int64
	detectionsTotal      int64

	grabTransient  int64
	inferTransient int64
	depthRetrieve  int64
}

// buildSummary assembles the stats.json document from the trackers.
func buildSummary(
	started, ended time.Time,
	outcome Outcome, reason string,
	counters sessionCounters,
	tracker *timing.Tracker,
	writerCounts artifact.Counts,
	elapsed time.Duration,
) *SessionSummary {
	s := &SessionSummary{}
	s.Session.StartedUTC = started.UTC().Format(time.RFC3339)
	s.Session.EndedUTC = ended.UTC().Format(time.RFC3339)
	s.Session.Outcome = outcome
	if outcome == OutcomeFailed {
		s.Session.Reason = reason
	}

	s.Counts.FramesProcessed = counters.framesProcessed
	s.Counts.FramesSkipped = counters.framesSkipped
	s.Counts.FramesWithDetections = counters.framesWithDetections
	s.Counts.FramesEmpty = counters.framesEmpty
	s.Counts.DetectionsTotal = counters.detectionsTotal

	means := [4]float64{
		tracker.CumulativeStageMeanMs(timing.StageGrab),
		tracker.CumulativeStageMeanMs(timing.StageInfer),
		tracker.CumulativeStageMeanMs(timing.StageDepth),
		tracker.CumulativeStageMeanMs(timing.StageHousekeeping),
	}
	sum := means[0] + means[1] + means[2] + means[3]
	share := func(m float64) Num {
		if sum <= 0 {
			return 0
		}
		return Num(m / sum * 100)
	}
	s.TimingMs.Grab = StageSummary{Mean: Num(means[0]), SharePct: share(means[0])}
	s.TimingMs.Infer = StageSummary{Mean: Num(means[1]), SharePct: share(means[1])}
	s.TimingMs.Depth = StageSummary{Mean: Num(means[2]), SharePct: share(means[2])}
	s.TimingMs.Housekeeping = StageSummary{Mean: Num(means[3]), SharePct: share(means[3])}

	snap := tracker.Snapshot()
	s.TimingMs.WallMean = Num(snap.WallMeanMs)
	s.TimingMs.WallP50 = Num(snap.WallP50Ms)
	s.TimingMs.WallP95 = Num(snap.WallP95Ms)
	if elapsed > 0 {
		s.TimingMs.FPSGlobal = Num(float64(counters.framesProcessed) / elapsed.Seconds())
	}

	s.DetectionVsEmptyMs.DetectionMean = Num(snap.DetectionMeanMs)
	s.DetectionVsEmptyMs.EmptyMean = Num(snap.EmptyMeanMs)
	s.DetectionVsEmptyMs.DeltaMs = Num(snap.DeltaMs)
	s.DetectionVsEmptyMs.DeltaPct = Num(snap.DeltaPct)
	s.DetectionVsEmptyMs.Significant = snap.Significant

	s.Writer.JPEGWritten = writerCounts.JPEGWritten
	s.Writer.TxtWritten = writerCounts.TxtWritten
	s.Writer.Drops = writerCounts.Drops

	s.Errors.GrabTransient = counters.grabTransient
	s.Errors.InferTransient = counters.inferTransient
	s.Errors.DepthRetrieve = counters.depthRetrieve
	s.Errors.WriterIO = writerCounts.Failures

	s.IntervalHistogram.BucketWidthMs = float64(timing.HistogramBucket.Milliseconds())
	s.IntervalHistogram.Counts = tracker.Histogram()

	return s
}

// writeSummary persists stats.json into the session directory.
func writeSummary(dir string, s *SessionSummary) error {
	raw, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "stats.json"), raw, 0o644)
}

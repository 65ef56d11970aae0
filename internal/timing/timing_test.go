package timing

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func msRec(grab, infer, depth, housekeeping float64) StageRecord {
	ms := func(v float64) time.Duration { return time.Duration(v * float64(time.Millisecond)) }
	return StageRecord{Grab: ms(grab), Infer: ms(infer), Depth: ms(depth), Housekeeping: ms(housekeeping)}
}

func TestSnapshotWarmingUp(t *testing.T) {
	tr := NewTracker()
	for i := 0; i < warmupMinSamples-1; i++ {
		tr.Push(msRec(1, 2, 3, 4), 10*time.Millisecond, time.Millisecond, false)
	}

	snap := tr.Snapshot()
	assert.True(t, snap.WarmingUp)
	for _, s := range snap.Stages {
		assert.Equal(t, 0.0, s.SharePct, "shares must be zero while warming up")
	}
}

func TestSnapshotSharesSumToHundred(t *testing.T) {
	tr := NewTracker()
	for i := 0; i < 10; i++ {
		tr.Push(msRec(2, 10, 5, 3), 20*time.Millisecond, 20*time.Millisecond, true)
	}

	snap := tr.Snapshot()
	assert.False(t, snap.WarmingUp)

	total := 0.0
	for _, s := range snap.Stages {
		total += s.SharePct
	}
	assert.InDelta(t, 100.0, total, 0.1)

	// Shares reflect the stage means: infer dominates.
	assert.InDelta(t, 50.0, snap.Stages[StageInfer].SharePct, 0.1)
	assert.InDelta(t, 10.0, snap.Stages[StageGrab].SharePct, 0.1)
}

func TestWindowEvictsOldest(t *testing.T) {
	tr := NewTracker()
	// Fill the window with 100ms grabs, then overwrite completely with 10ms.
	for i := 0; i < WindowCapacity; i++ {
		tr.Push(msRec(100, 1, 1, 1), time.Millisecond, time.Millisecond, false)
	}
	for i := 0; i < WindowCapacity; i++ {
		tr.Push(msRec(10, 1, 1, 1), time.Millisecond, time.Millisecond, false)
	}

	snap := tr.Snapshot()
	assert.InDelta(t, 10.0, snap.Stages[StageGrab].MeanMs, 1e-9,
		"old samples must be fully evicted")
	assert.Equal(t, WindowCapacity, snap.Stages[StageGrab].Samples)
}

func TestDetectionVsEmptySignificance(t *testing.T) {
	tr := NewTracker()
	for i := 0; i < significanceMinSamples-1; i++ {
		tr.Push(msRec(1, 1, 1, 1), 30*time.Millisecond, time.Millisecond, true)
		tr.Push(msRec(1, 1, 1, 1), 20*time.Millisecond, time.Millisecond, false)
	}
	assert.False(t, tr.Snapshot().Significant)

	tr.Push(msRec(1, 1, 1, 1), 30*time.Millisecond, time.Millisecond, true)
	tr.Push(msRec(1, 1, 1, 1), 20*time.Millisecond, time.Millisecond, false)

	snap := tr.Snapshot()
	assert.True(t, snap.Significant)
	assert.InDelta(t, 30.0, snap.DetectionMeanMs, 1e-9)
	assert.InDelta(t, 20.0, snap.EmptyMeanMs, 1e-9)
	assert.InDelta(t, 10.0, snap.DeltaMs, 1e-9)
	assert.InDelta(t, 50.0, snap.DeltaPct, 1e-9)
}

func TestWallIntervalStats(t *testing.T) {
	tr := NewTracker()
	// First frame has no interval.
	tr.Push(msRec(1, 1, 1, 1), 5*time.Millisecond, 0, false)
	for i := 1; i <= 20; i++ {
		tr.Push(msRec(1, 1, 1, 1), 5*time.Millisecond, time.Duration(i)*time.Millisecond, false)
	}

	snap := tr.Snapshot()
	assert.InDelta(t, 10.5, snap.WallMeanMs, 1e-9)
	assert.InDelta(t, 1.0, snap.WallMinMs, 1e-9)
	assert.InDelta(t, 20.0, snap.WallMaxMs, 1e-9)
	assert.True(t, snap.WallP50Ms >= snap.WallMinMs && snap.WallP50Ms <= snap.WallMaxMs)
	assert.True(t, snap.WallP95Ms >= snap.WallP50Ms)
}

func TestHistogramBuckets(t *testing.T) {
	tr := NewTracker()
	tr.Push(StageRecord{}, 0, 3*time.Millisecond, false)  // bucket 0
	tr.Push(StageRecord{}, 0, 12*time.Millisecond, false) // bucket 2
	tr.Push(StageRecord{}, 0, 10*time.Second, false)      // overflow bucket

	hist := tr.Histogram()
	assert.Equal(t, int64(1), hist[0])
	assert.Equal(t, int64(1), hist[2])
	assert.Equal(t, int64(1), hist[HistogramBuckets-1])
}

func TestCumulativeMeansSurviveWindowEviction(t *testing.T) {
	tr := NewTracker()
	for i := 0; i < 2*WindowCapacity; i++ {
		v := 10.0
		if i < WindowCapacity {
			v = 20.0
		}
		tr.Push(msRec(v, 0, 0, 0), time.Millisecond, time.Millisecond, false)
	}

	// Rolling mean sees only the last 60 samples; the cumulative mean sees
	// the whole run.
	assert.InDelta(t, 10.0, tr.Snapshot().Stages[StageGrab].MeanMs, 1e-9)
	assert.InDelta(t, 15.0, tr.CumulativeStageMeanMs(StageGrab), 1e-9)
	assert.Equal(t, int64(2*WindowCapacity), tr.Frames())
}

func TestResetClearsEverything(t *testing.T) {
	tr := NewTracker()
	for i := 0; i < 10; i++ {
		tr.Push(msRec(1, 1, 1, 1), time.Millisecond, time.Millisecond, true)
	}
	tr.Reset()

	assert.Equal(t, int64(0), tr.Frames())
	snap := tr.Snapshot()
	assert.True(t, snap.WarmingUp)
	assert.Equal(t, 0.0, snap.DetectionMeanMs)
	for _, n := range tr.Histogram() {
		assert.Equal(t, int64(0), n)
	}
}

func TestStageRecordSum(t *testing.T) {
	rec := msRec(1, 2, 3, 4)
	assert.Equal(t, 10*time.Millisecond, rec.Sum())
	assert.False(t, math.Signbit(float64(rec.Sum())))
}

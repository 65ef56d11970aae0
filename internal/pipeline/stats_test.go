package pipeline

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyward-uas/perception/internal/artifact"
	"github.com/skyward-uas/perception/internal/timing"
)

func TestNumMarshalsNonFiniteAsNull(t *testing.T) {
	cases := map[string]Num{
		"null": Num(math.NaN()),
	}
	for want, n := range cases {
		raw, err := json.Marshal(n)
		require.NoError(t, err)
		assert.Equal(t, want, string(raw))
	}
	for _, inf := range []Num{Num(math.Inf(1)), Num(math.Inf(-1))} {
		raw, err := json.Marshal(inf)
		require.NoError(t, err)
		assert.Equal(t, "null", string(raw))
	}

	raw, err := json.Marshal(Num(1.5))
	require.NoError(t, err)
	assert.Equal(t, "1.5", string(raw))
}

func TestBuildSummary(t *testing.T) {
	tracker := timing.NewTracker()
	ms := func(v float64) time.Duration { return time.Duration(v * float64(time.Millisecond)) }
	for i := 0; i < 10; i++ {
		tracker.Push(timing.StageRecord{
			Grab: ms(2), Infer: ms(10), Depth: ms(5), Housekeeping: ms(3),
		}, ms(20), ms(20), i%2 == 0)
	}

	counters := sessionCounters{
		framesProcessed:      10,
		framesSkipped:        1,
		framesWithDetections: 5,
		framesEmpty:          5,
		detectionsTotal:      12,
		grabTransient:        1,
	}
	started := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	ended := started.Add(2 * time.Second)

	s := buildSummary(started, ended, OutcomeEnded, "", counters, tracker,
		artifact.Counts{JPEGWritten: 4, TxtWritten: 4, Drops: 2, Failures: 1},
		2*time.Second)

	assert.Equal(t, "2025-06-01T10:00:00Z", s.Session.StartedUTC)
	assert.Equal(t, "2025-06-01T10:00:02Z", s.Session.EndedUTC)
	assert.Equal(t, OutcomeEnded, s.Session.Outcome)
	assert.Empty(t, s.Session.Reason)

	assert.Equal(t, int64(10), s.Counts.FramesProcessed)
	assert.Equal(t, int64(12), s.Counts.DetectionsTotal)

	total := float64(s.TimingMs.Grab.SharePct) + float64(s.TimingMs.Infer.SharePct) +
		float64(s.TimingMs.Depth.SharePct) + float64(s.TimingMs.Housekeeping.SharePct)
	assert.InDelta(t, 100.0, total, 0.1)
	assert.InDelta(t, 50.0, float64(s.TimingMs.Infer.SharePct), 0.1)
	assert.InDelta(t, 5.0, float64(s.TimingMs.FPSGlobal), 1e-9)

	assert.Equal(t, int64(4), s.Writer.JPEGWritten)
	assert.Equal(t, int64(2), s.Writer.Drops)
	assert.Equal(t, int64(1), s.Errors.WriterIO)
	assert.Equal(t, int64(1), s.Errors.GrabTransient)

	// The reason field appears only for failed sessions.
	f := buildSummary(started, ended, OutcomeFailed, "EngineLoadFailure: boom",
		counters, tracker, artifact.Counts{}, time.Second)
	assert.Equal(t, "EngineLoadFailure: boom", f.Session.Reason)

	// The document must survive a JSON round trip without NaN leakage.
	raw, err := json.Marshal(s)
	require.NoError(t, err)
	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &doc))
}

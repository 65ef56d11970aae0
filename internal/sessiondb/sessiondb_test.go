package sessiondb

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyward-uas/perception/internal/pipeline"
)

func testSummary(started string, outcome pipeline.Outcome, frames int64) *pipeline.SessionSummary {
	s := &pipeline.SessionSummary{}
	s.Session.StartedUTC = started
	s.Session.EndedUTC = started
	s.Session.Outcome = outcome
	s.Counts.FramesProcessed = frames
	s.TimingMs.FPSGlobal = 25.5
	s.TimingMs.Infer.Mean = 12.0
	return s
}

func TestRecordAndList(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.RecordSession("a", testSummary("2025-06-01T10:00:00Z", pipeline.OutcomeEnded, 100)))
	require.NoError(t, db.RecordSession("b", testSummary("2025-06-01T11:00:00Z", pipeline.OutcomeStopped, 50)))

	rows, err := db.RecentSessions(10)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "b", rows[0].SessionID, "newest first")
	assert.Equal(t, int64(50), rows[0].FramesProcessed)
	assert.Equal(t, "ended", rows[1].Outcome)
	assert.InDelta(t, 25.5, rows[0].FPSGlobal, 1e-9)
}

func TestRecordIsIdempotent(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	defer db.Close()

	s := testSummary("2025-06-01T10:00:00Z", pipeline.OutcomeEnded, 100)
	require.NoError(t, db.RecordSession("a", s))
	require.NoError(t, db.RecordSession("a", s))

	rows, err := db.RecentSessions(10)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

package artifact

import (
	"image"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyward-uas/perception/internal/camera"
	"github.com/skyward-uas/perception/internal/depth"
	"github.com/skyward-uas/perception/internal/detect"
)

func testFrame() (*camera.Image, []detect.Detection, []depth.Stats) {
	img := camera.NewImage(32, 24)
	dets := []detect.Detection{
		{ClassID: 0, Box: image.Rect(2, 2, 10, 10), Confidence: 0.8},
	}
	stats := []depth.Stats{{ValidCount: 4, Mean: 5, Min: 4, Max: 6, Stdev: 0.1}}
	return img, dets, stats
}

func waitForCounts(t *testing.T, w *Writer, pred func(Counts) bool) Counts {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c := w.Counts()
		if pred(c) {
			return c
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("writer counts never converged: %+v", w.Counts())
	return Counts{}
}

func TestWriterLabelFiles(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(WriterConfig{Dir: dir, SaveLabels: true})
	require.NoError(t, err)

	img, dets, stats := testFrame()
	w.Dispatch(7, img, dets, stats)
	waitForCounts(t, w, func(c Counts) bool { return c.TxtWritten == 1 })
	w.Close()

	raw, err := os.ReadFile(filepath.Join(dir, "frame_000007.txt"))
	require.NoError(t, err)
	labels, err := DecodeLabels(raw)
	require.NoError(t, err)
	require.Len(t, labels, 1)
	assert.Equal(t, 0, labels[0].ClassID)
}

func TestWriterEmptyLabelFile(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(WriterConfig{Dir: dir, SaveLabels: true})
	require.NoError(t, err)

	img, _, _ := testFrame()
	w.Dispatch(0, img, nil, nil)
	waitForCounts(t, w, func(c Counts) bool { return c.TxtWritten == 1 })
	w.Close()

	// Frames without detections still produce a (zero-byte) label file so
	// the frame sequence stays dense.
	raw, err := os.ReadFile(filepath.Join(dir, "frame_000000.txt"))
	require.NoError(t, err)
	assert.Empty(t, raw)
}

func TestWriterDropsWhenBusy(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(WriterConfig{Dir: dir, SaveLabels: true})
	require.NoError(t, err)

	img, dets, stats := testFrame()
	// Flood the single-slot buffer faster than files can possibly land.
	const n = 200
	for i := 0; i < n; i++ {
		w.Dispatch(i, img, dets, stats)
	}
	w.Close()

	c := w.Counts()
	assert.Equal(t, int64(n), c.TxtWritten+c.Drops,
		"every dispatch is either written or counted as dropped")
	assert.Zero(t, c.Failures)
}

func TestWriterCountsFailures(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(WriterConfig{Dir: dir, SaveLabels: true})
	require.NoError(t, err)

	// Remove the directory out from under the writer: writes fail, the
	// writer keeps running and counts them.
	require.NoError(t, os.RemoveAll(dir))

	img, dets, stats := testFrame()
	w.Dispatch(1, img, dets, stats)
	waitForCounts(t, w, func(c Counts) bool { return c.Failures == 1 })
	w.Close()
}

func TestWriterConfigEnabled(t *testing.T) {
	assert.False(t, WriterConfig{}.Enabled())
	assert.True(t, WriterConfig{SaveLabels: true}.Enabled())
	assert.True(t, WriterConfig{SaveAnnotated: true}.Enabled())
}

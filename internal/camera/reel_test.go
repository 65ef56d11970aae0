package camera

import (
	"image"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestReel(t *testing.T, frames int, depthEvery int) string {
	t.Helper()
	dir := t.TempDir()
	w, err := NewReelWriter(dir, 64, 48, 30, 1700000000000000000)
	require.NoError(t, err)

	for i := 0; i < frames; i++ {
		img := NewImage(64, 48)
		for p := range img.Pix {
			img.Pix[p] = 0x40
		}
		var depth []float32
		if depthEvery > 0 && i%depthEvery == 0 {
			depth = make([]float32, 64*48)
			for p := range depth {
				depth[p] = float32(5 + i)
			}
		}
		require.NoError(t, w.Append(img, depth))
	}
	require.NoError(t, w.Close())
	return dir
}

func TestReelRoundTrip(t *testing.T) {
	dir := writeTestReel(t, 5, 1)

	header, err := DescribeReel(dir)
	require.NoError(t, err)
	assert.Equal(t, 5, header.TotalFrames)
	assert.Equal(t, 64, header.Width)
	assert.Equal(t, 48, header.Height)
	assert.Equal(t, 30.0, header.FPS)

	cam, err := Open(SourceDescriptor{Kind: SourceReel, Path: dir}, DefaultConfig())
	require.NoError(t, err)
	defer cam.Close()

	assert.Equal(t, -1, cam.CurrentIndex())
	total, known := cam.FramesTotal()
	assert.True(t, known)
	assert.Equal(t, 5, total)

	for i := 0; i < 5; i++ {
		res := cam.Grab()
		require.Equal(t, GrabOk, res.Status, "frame %d", i)
		assert.Equal(t, i, cam.CurrentIndex())

		img, err := cam.RetrieveLeft()
		require.NoError(t, err)
		assert.Equal(t, 64, img.Width)
		assert.Equal(t, 48, img.Height)

		depth, err := cam.RetrieveDepth(nil)
		require.NoError(t, err)
		assert.InDelta(t, float64(5+i), float64(depth.At(10, 10)), 1e-6)
	}

	res := cam.Grab()
	assert.Equal(t, GrabEndOfSession, res.Status)
}

func TestReelSeekDeliversTargetOnNextGrab(t *testing.T) {
	dir := writeTestReel(t, 10, 1)
	cam, err := Open(SourceDescriptor{Kind: SourceReel, Path: dir}, DefaultConfig())
	require.NoError(t, err)
	defer cam.Close()

	require.Equal(t, GrabOk, cam.Grab().Status)
	require.Equal(t, 0, cam.CurrentIndex())

	require.NoError(t, cam.Seek(7))
	require.Equal(t, GrabOk, cam.Grab().Status)
	assert.Equal(t, 7, cam.CurrentIndex())

	// Seek to the final frame: one more grab succeeds, the next reports end.
	require.NoError(t, cam.Seek(9))
	require.Equal(t, GrabOk, cam.Grab().Status)
	assert.Equal(t, 9, cam.CurrentIndex())
	assert.Equal(t, GrabEndOfSession, cam.Grab().Status)
}

func TestReelSeekOutOfRange(t *testing.T) {
	dir := writeTestReel(t, 3, 1)
	cam, err := Open(SourceDescriptor{Kind: SourceReel, Path: dir}, DefaultConfig())
	require.NoError(t, err)
	defer cam.Close()

	assert.ErrorIs(t, cam.Seek(3), ErrOutOfRange)
	assert.ErrorIs(t, cam.Seek(-1), ErrOutOfRange)
}

func TestReelDepthDiscipline(t *testing.T) {
	dir := writeTestReel(t, 4, 2) // depth on frames 0 and 2 only
	cam, err := Open(SourceDescriptor{Kind: SourceReel, Path: dir}, DefaultConfig())
	require.NoError(t, err)
	defer cam.Close()

	// Before any grab.
	_, err = cam.RetrieveDepth(nil)
	assert.ErrorIs(t, err, ErrNoGrabbedFrame)

	require.Equal(t, GrabOk, cam.Grab().Status)
	_, err = cam.RetrieveDepth(nil)
	require.NoError(t, err)

	// At most once per grabbed frame.
	_, err = cam.RetrieveDepth(nil)
	assert.ErrorIs(t, err, ErrDepthConsumed)

	// Frame 1 carries no plane.
	require.Equal(t, GrabOk, cam.Grab().Status)
	_, err = cam.RetrieveDepth(nil)
	assert.ErrorIs(t, err, ErrDepthUnavailable)
}

func TestReelDepthROI(t *testing.T) {
	dir := writeTestReel(t, 1, 1)
	cam, err := Open(SourceDescriptor{Kind: SourceReel, Path: dir}, DefaultConfig())
	require.NoError(t, err)
	defer cam.Close()

	require.Equal(t, GrabOk, cam.Grab().Status)
	roi := image.Rect(10, 10, 20, 20)
	depth, err := cam.RetrieveDepth(&roi)
	require.NoError(t, err)

	// Inside the region: the recorded value. Outside: NaN.
	assert.False(t, math.IsNaN(float64(depth.At(15, 15))))
	assert.True(t, math.IsNaN(float64(depth.At(5, 5))))
	assert.True(t, math.IsNaN(float64(depth.At(25, 25))))
}

func TestOpenRejectsBadConfig(t *testing.T) {
	dir := writeTestReel(t, 1, 1)

	cfg := DefaultConfig()
	cfg.DepthMin = 10
	cfg.DepthMax = 5
	_, err := Open(SourceDescriptor{Kind: SourceReel, Path: dir}, cfg)
	assert.ErrorIs(t, err, ErrConfigurationRejected)

	cfg = DefaultConfig()
	cfg.Preset = "turbo"
	_, err = Open(SourceDescriptor{Kind: SourceReel, Path: dir}, cfg)
	assert.ErrorIs(t, err, ErrConfigurationRejected)
}

func TestOpenMissingReel(t *testing.T) {
	_, err := Open(SourceDescriptor{Kind: SourceReel, Path: t.TempDir()}, DefaultConfig())
	assert.ErrorIs(t, err, ErrInvalidSession)
}

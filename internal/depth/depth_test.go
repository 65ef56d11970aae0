package depth

import (
	"image"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/skyward-uas/perception/internal/camera"
	"github.com/skyward-uas/perception/internal/detect"
)

var testLimits = Limits{Min: 1.0, Max: 40.0}

func mapFilled(w, h int, v float64) *camera.DepthMap {
	m := camera.NewDepthMap(w, h)
	for i := range m.Data {
		m.Data[i] = float32(v)
	}
	return m
}

func TestRegionUniform(t *testing.T) {
	m := mapFilled(10, 10, 7.5)
	s := Region(m, image.Rect(2, 2, 6, 6), testLimits)

	assert.Equal(t, 16, s.ValidCount)
	assert.InDelta(t, 7.5, s.Mean, 1e-9)
	assert.InDelta(t, 7.5, s.Min, 1e-9)
	assert.InDelta(t, 7.5, s.Max, 1e-9)
	assert.InDelta(t, 0.0, s.Stdev, 1e-9)
}

func TestRegionClipsToFrame(t *testing.T) {
	// Box extends past the left and top edges of a 10x10 frame; the clipped
	// region (0,0)-(2,2) holds at most 4 samples.
	m := mapFilled(10, 10, 3.0)
	s := Region(m, image.Rect(-5, 0, 2, 2), testLimits)
	assert.Equal(t, 4, s.ValidCount)

	// Entirely outside the frame: sentinel, not an error.
	s = Region(m, image.Rect(50, 50, 60, 60), testLimits)
	assert.False(t, s.Valid())
	assert.Equal(t, Sentinel(), s)
}

func TestRegionInvalidSamples(t *testing.T) {
	m := camera.NewDepthMap(4, 4) // all NaN
	s := Region(m, image.Rect(0, 0, 4, 4), testLimits)
	assert.Equal(t, Sentinel(), s)

	// Mix of invalid classes around a single good sample.
	m.Set(0, 0, float32(math.Inf(1)))
	m.Set(1, 0, float32(math.Inf(-1)))
	m.Set(2, 0, -3)
	m.Set(3, 0, 0)
	m.Set(0, 1, 0.5)  // below DepthMin
	m.Set(1, 1, 55.0) // above DepthMax
	m.Set(2, 1, 12.25)

	s = Region(m, image.Rect(0, 0, 4, 4), testLimits)
	assert.Equal(t, 1, s.ValidCount)
	assert.InDelta(t, 12.25, s.Mean, 1e-9)
	assert.InDelta(t, 12.25, s.Min, 1e-9)
	assert.InDelta(t, 12.25, s.Max, 1e-9)
	assert.Equal(t, 0.0, s.Stdev, "stdev must be zero for a single sample")
}

func TestRegionSampleStdev(t *testing.T) {
	m := camera.NewDepthMap(2, 2)
	m.Set(0, 0, 2)
	m.Set(1, 0, 4)
	m.Set(0, 1, 6)
	m.Set(1, 1, 8)

	s := Region(m, image.Rect(0, 0, 2, 2), testLimits)
	assert.Equal(t, 4, s.ValidCount)
	assert.InDelta(t, 5.0, s.Mean, 1e-9)
	// Sample (unbiased) standard deviation of {2,4,6,8}.
	assert.InDelta(t, math.Sqrt(20.0/3.0), s.Stdev, 1e-9)
	assert.InDelta(t, 2.0, s.Min, 1e-9)
	assert.InDelta(t, 8.0, s.Max, 1e-9)
}

func TestExtractSkipsFarClass(t *testing.T) {
	m := mapFilled(10, 10, 5)
	dets := []detect.Detection{
		{ClassID: detect.ClassTargetClose, Box: image.Rect(0, 0, 4, 4), Confidence: 0.9},
		{ClassID: detect.ClassTargetFar, Box: image.Rect(0, 0, 4, 4), Confidence: 0.8},
		{ClassID: 7, Box: image.Rect(0, 0, 4, 4), Confidence: 0.7}, // unknown class passes through
	}

	stats := Extract(m, dets, testLimits)
	assert.Len(t, stats, 3)
	assert.True(t, stats[0].Valid())
	assert.False(t, stats[1].Valid(), "target_far never carries depth stats")
	assert.True(t, stats[2].Valid())
}

func TestExtractBounds(t *testing.T) {
	m := mapFilled(10, 10, 5)
	dets := []detect.Detection{{ClassID: 0, Box: image.Rect(0, 0, 10, 10)}}
	s := Extract(m, dets, testLimits)[0]

	assert.GreaterOrEqual(t, s.Mean, testLimits.Min)
	assert.LessOrEqual(t, s.Mean, testLimits.Max)
	assert.LessOrEqual(t, s.Min, s.Mean)
	assert.LessOrEqual(t, s.Mean, s.Max)
}

func TestSentinelForEach(t *testing.T) {
	dets := []detect.Detection{{}, {}}
	stats := SentinelForEach(dets)
	assert.Len(t, stats, 2)
	for _, s := range stats {
		assert.Equal(t, Sentinel(), s)
	}
	assert.Empty(t, SentinelForEach(nil))
}

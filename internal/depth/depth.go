// Package depth aggregates depth-map samples inside detection boxes.
//
// Depth-map invalidity is pervasive (sensor noise, occlusion, reflective
// surfaces), so every aggregate is computed over an explicit valid mask and
// "no depth" is a first-class outcome, not an error.
package depth

import (
	"image"
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/skyward-uas/perception/internal/camera"
	"github.com/skyward-uas/perception/internal/detect"
)

// NoDepth is the sentinel aggregate value used when a detection has no valid
// samples.
const NoDepth = -1.0

// Limits is the usable depth interval in meters.
type Limits struct {
	Min float64
	Max float64
}

// Stats is the per-detection depth aggregate. When ValidCount is zero every
// aggregate field (Mean, Min, Max, Stdev) carries NoDepth.
type Stats struct {
	ValidCount int
	Mean       float64
	Min        float64
	Max        float64
	Stdev      float64
}

// Sentinel returns the distinguished no-depth outcome.
func Sentinel() Stats {
	return Stats{ValidCount: 0, Mean: NoDepth, Min: NoDepth, Max: NoDepth, Stdev: NoDepth}
}

// Valid reports whether the aggregate carries real measurements.
func (s Stats) Valid() bool { return s.ValidCount > 0 }

// Extract computes one Stats per detection, aligned by index. Out-of-range
// class detections (target_far) always get the sentinel; the map may be a
// reused one from an earlier frame, the boxes are re-clipped and
// re-aggregated against it regardless.
func Extract(m *camera.DepthMap, dets []detect.Detection, lim Limits) []Stats {
	out := make([]Stats, len(dets))
	for i, det := range dets {
		if det.ClassID == detect.ClassTargetFar {
			out[i] = Sentinel()
			continue
		}
		out[i] = Region(m, det.Box, lim)
	}
	return out
}

// SentinelForEach returns sentinels aligned with dets, for frames where no
// depth map exists at all.
func SentinelForEach(dets []detect.Detection) []Stats {
	out := make([]Stats, len(dets))
	for i := range out {
		out[i] = Sentinel()
	}
	return out
}

// Region aggregates the valid samples of m inside box. The box is clipped to
// the map bounds first; a zero-area clip yields the sentinel.
func Region(m *camera.DepthMap, box image.Rectangle, lim Limits) Stats {
	clip := box.Canon().Intersect(image.Rect(0, 0, m.Width, m.Height))
	if clip.Empty() {
		return Sentinel()
	}

	valid := make([]float64, 0, clip.Dx()*clip.Dy())
	for y := clip.Min.Y; y < clip.Max.Y; y++ {
		row := m.Data[y*m.Width : (y+1)*m.Width]
		for x := clip.Min.X; x < clip.Max.X; x++ {
			v := float64(row[x])
			if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
				continue
			}
			if v < lim.Min || v > lim.Max {
				continue
			}
			valid = append(valid, v)
		}
	}
	if len(valid) == 0 {
		return Sentinel()
	}

	min, max := valid[0], valid[0]
	for _, v := range valid[1:] {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}

	stdev := 0.0
	if len(valid) > 1 {
		stdev = stat.StdDev(valid, nil)
	}

	return Stats{
		ValidCount: len(valid),
		Mean:       stat.Mean(valid, nil),
		Min:        min,
		Max:        max,
		Stdev:      stdev,
	}
}

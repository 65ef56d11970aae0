// Package detect wraps a prebuilt inference engine behind a minimal
// detection interface. The engine file is opaque; it is only ever handed to
// the DNN backend.
package detect

import (
	"errors"
	"fmt"
	"image"
	"sort"
	"time"

	"gocv.io/x/gocv"

	"github.com/skyward-uas/perception/internal/camera"
	"github.com/skyward-uas/perception/internal/monitoring"
)

var logf = monitoring.Component("detect")

// ErrEngineLoad is returned when the engine file cannot be loaded. It is
// always fatal for the session.
var ErrEngineLoad = errors.New("engine load failure")

// ErrInferTransient marks a recoverable single-frame inference failure.
var ErrInferTransient = errors.New("transient inference failure")

// Known class identifiers. The enumeration is open: other IDs pass through
// untouched.
const (
	ClassTargetClose = 0 // within sensor range, paired with depth stats
	ClassTargetFar   = 1 // beyond range, never paired with depth stats
)

// Detection is one detected object in source-pixel coordinates.
type Detection struct {
	ClassID    int
	Box        image.Rectangle // x1 < x2, y1 < y2
	Confidence float64         // post-NMS, in [0, 1]
}

// Options configure engine loading.
type Options struct {
	// ConfThreshold drops candidates below this confidence. This is the only
	// confidence filter in the system; downstream stages must not filter.
	ConfThreshold float64
	// NMSThreshold is the IoU threshold for non-maximum suppression.
	NMSThreshold float64
	// InputSize is the square network input edge in pixels.
	InputSize int
	// PreferAccelerator requests the CUDA backend with CPU fallback.
	PreferAccelerator bool
}

// DefaultOptions returns the standard detector options.
func DefaultOptions() Options {
	return Options{
		ConfThreshold:     0.25,
		NMSThreshold:      0.45,
		InputSize:         640,
		PreferAccelerator: true,
	}
}

// Detector runs the loaded engine over left rectified frames. Not safe for
// concurrent use; the pipeline goroutine owns it.
type Detector struct {
	net     gocv.Net
	opts    Options
	backend string
	closed  bool
}

// Load reads the engine file and prepares the backend. Failure here is fatal
// for the session.
func Load(enginePath string, opts Options) (*Detector, error) {
	if opts.InputSize <= 0 {
		opts.InputSize = 640
	}
	if opts.ConfThreshold <= 0 {
		opts.ConfThreshold = 0.25
	}
	if opts.NMSThreshold <= 0 {
		opts.NMSThreshold = 0.45
	}

	start := time.Now()
	net := gocv.ReadNet(enginePath, "")
	if net.Empty() {
		return nil, fmt.Errorf("%w: cannot read %s", ErrEngineLoad, enginePath)
	}

	d := &Detector{net: net, opts: opts, backend: "cpu"}
	if opts.PreferAccelerator {
		net.SetPreferableBackend(gocv.NetBackendCUDA)
		net.SetPreferableTarget(gocv.NetTargetCUDA)
		// A test inference proves the accelerator actually works before the
		// session commits to it.
		if d.testInference() {
			d.backend = "cuda"
		}
	}
	if d.backend == "cpu" {
		net.SetPreferableBackend(gocv.NetBackendDefault)
		net.SetPreferableTarget(gocv.NetTargetCPU)
	}

	logf("engine %s loaded on %s backend in %v", enginePath, d.backend, time.Since(start))
	return d, nil
}

// testInference runs the engine once over a blank frame.
func (d *Detector) testInference() bool {
	probe := camera.NewImage(d.opts.InputSize, d.opts.InputSize)
	_, err := d.Infer(probe)
	return err == nil
}

// Backend reports which backend the engine runs on ("cuda" or "cpu").
func (d *Detector) Backend() string { return d.backend }

// Infer runs the engine over one frame and returns post-NMS detections in the
// frame's pixel coordinates. The input buffer is not retained.
func (d *Detector) Infer(img *camera.Image) ([]Detection, error) {
	if d.closed {
		return nil, fmt.Errorf("%w: detector closed", ErrInferTransient)
	}

	mat, err := gocv.NewMatFromBytes(img.Height, img.Width, gocv.MatTypeCV8UC3, img.Pix)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInferTransient, err)
	}
	defer mat.Close()

	size := d.opts.InputSize
	blob := gocv.BlobFromImage(mat, 1.0/255.0, image.Pt(size, size), gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	d.net.SetInput(blob, "")
	output := d.net.Forward("")
	defer output.Close()
	if output.Empty() {
		return nil, fmt.Errorf("%w: empty network output", ErrInferTransient)
	}

	return d.decode(output, img.Width, img.Height)
}

// decode maps raw rows [cx cy w h score class-scores...] in letterboxed
// network space back to source pixels, thresholds, and applies NMS.
func (d *Detector) decode(output gocv.Mat, frameW, frameH int) ([]Detection, error) {
	size := float32(d.opts.InputSize)

	// Letterbox parameters: the frame is scaled by r to fit the square
	// input, the remainder is padding split evenly on both sides.
	r := size / float32(frameW)
	if rh := size / float32(frameH); rh < r {
		r = rh
	}
	padX := (size - float32(frameW)*r) / 2
	padY := (size - float32(frameH)*r) / 2

	var boxes []image.Rectangle
	var scores []float32
	var classIDs []int

	rows := output.Rows()
	cols := output.Cols()
	if cols < 6 {
		return nil, fmt.Errorf("%w: output has %d columns", ErrInferTransient, cols)
	}
	for i := 0; i < rows; i++ {
		row := output.RowRange(i, i+1)
		data := row.Clone()
		classScores := data.ColRange(5, cols)
		_, maxVal, _, maxLoc := gocv.MinMaxLoc(classScores)
		objectness := data.GetFloatAt(0, 4)
		conf := objectness * maxVal

		if float64(conf) >= d.opts.ConfThreshold {
			cx := (data.GetFloatAt(0, 0)*size - padX) / r
			cy := (data.GetFloatAt(0, 1)*size - padY) / r
			w := data.GetFloatAt(0, 2) * size / r
			h := data.GetFloatAt(0, 3) * size / r

			x1 := int(cx - w/2)
			y1 := int(cy - h/2)
			boxes = append(boxes, image.Rect(x1, y1, x1+int(w), y1+int(h)))
			scores = append(scores, conf)
			classIDs = append(classIDs, maxLoc.X)
		}

		classScores.Close()
		data.Close()
		row.Close()
	}

	if len(boxes) == 0 {
		return nil, nil
	}

	keep := gocv.NMSBoxes(boxes, scores, float32(d.opts.ConfThreshold), float32(d.opts.NMSThreshold))
	dets := make([]Detection, 0, len(keep))
	for _, idx := range keep {
		dets = append(dets, Detection{
			ClassID:    classIDs[idx],
			Box:        boxes[idx].Canon(),
			Confidence: float64(scores[idx]),
		})
	}
	// Stable output order: by confidence descending; equal confidences keep
	// the order NMS returned them in.
	sort.SliceStable(dets, func(i, j int) bool {
		return dets[i].Confidence > dets[j].Confidence
	})
	return dets, nil
}

// Close releases the engine. Safe to call more than once.
func (d *Detector) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	return d.net.Close()
}

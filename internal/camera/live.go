package camera

import (
	"encoding/binary"
	"fmt"
	"image"

	"gocv.io/x/gocv"
)

// ZED-family cameras enumerate over UVC as a single side-by-side stereo
// stream: the left rectified view occupies the left half of each frame. The
// live adapter crops the left half for imagery and runs OpenCV's block
// matcher over the two halves for depth. Rows are already rectified, so
// correspondence is purely horizontal.
const stereoBaselineMeters = 0.12

// disparity values from StereoBM are CV_16S fixed point with 4 fractional
// bits; non-positive values mark pixels the matcher rejected.
const disparityFractionBits = 4

// liveCamera wraps a UVC stereo capture device. Frames are unbounded; the
// index is a session-local counter starting at zero.
type liveCamera struct {
	cfg     Config
	capture *gocv.VideoCapture
	matcher gocv.StereoBM

	width  int // single-view width (half the captured frame)
	height int
	fps    float64

	current       int
	pendingLeft   *Image
	grayLeft      gocv.Mat
	grayRight     gocv.Mat
	havePending   bool
	depthConsumed bool
	closed        bool
}

func openLive(device int, cfg Config) (Camera, error) {
	capture, err := gocv.OpenVideoCapture(device)
	if err != nil {
		return nil, fmt.Errorf("%w: device %d: %v", ErrCameraUnavailable, device, err)
	}
	if !capture.IsOpened() {
		capture.Close()
		return nil, fmt.Errorf("%w: device %d", ErrCameraUnavailable, device)
	}

	if cfg.ResolutionHint.X > 0 && cfg.ResolutionHint.Y > 0 {
		// The capture delivers both views side by side, so the requested
		// width is doubled at the device.
		capture.Set(gocv.VideoCaptureFrameWidth, float64(2*cfg.ResolutionHint.X))
		capture.Set(gocv.VideoCaptureFrameHeight, float64(cfg.ResolutionHint.Y))
	}
	if cfg.TargetFPS > 0 {
		capture.Set(gocv.VideoCaptureFPS, float64(cfg.TargetFPS))
	}

	fullWidth := int(capture.Get(gocv.VideoCaptureFrameWidth))
	height := int(capture.Get(gocv.VideoCaptureFrameHeight))
	fps := capture.Get(gocv.VideoCaptureFPS)
	if fullWidth < 2 || height < 1 {
		capture.Close()
		return nil, fmt.Errorf("%w: device %d reports %dx%d", ErrCameraUnavailable, device, fullWidth, height)
	}

	logf("opened live device %d: %dx%d side-by-side at %.1f fps, preset %s",
		device, fullWidth, height, fps, cfg.Preset)

	return &liveCamera{
		cfg:       cfg,
		capture:   capture,
		matcher:   gocv.NewStereoBM(),
		width:     fullWidth / 2,
		height:    height,
		fps:       fps,
		current:   -1,
		grayLeft:  gocv.NewMat(),
		grayRight: gocv.NewMat(),
	}, nil
}

func (l *liveCamera) Grab() GrabResult {
	if l.closed {
		return grabFatal(fmt.Errorf("live camera closed"))
	}

	frame := gocv.NewMat()
	defer frame.Close()
	if ok := l.capture.Read(&frame); !ok {
		// A live device has no end-of-stream; a failed read is a device
		// fault. One bad read is recoverable, a closed device is not.
		if l.capture.IsOpened() {
			l.current++
			l.havePending = false
			return grabTransient(fmt.Errorf("frame read failed"))
		}
		return grabFatal(fmt.Errorf("%w: device disconnected", ErrCameraUnavailable))
	}
	if frame.Empty() {
		l.current++
		l.havePending = false
		return grabTransient(fmt.Errorf("empty frame from device"))
	}

	half := frame.Cols() / 2
	rows := frame.Rows()
	leftRegion := frame.Region(image.Rect(0, 0, half, rows))
	rightRegion := frame.Region(image.Rect(half, 0, frame.Cols(), rows))
	defer leftRegion.Close()
	defer rightRegion.Close()

	rgb := gocv.NewMat()
	defer rgb.Close()
	gocv.CvtColor(leftRegion, &rgb, gocv.ColorBGRToRGB)
	img := NewImage(half, rows)
	copy(img.Pix, rgb.ToBytes())

	gocv.CvtColor(leftRegion, &l.grayLeft, gocv.ColorBGRToGray)
	gocv.CvtColor(rightRegion, &l.grayRight, gocv.ColorBGRToGray)

	l.current++
	l.pendingLeft = img
	l.havePending = true
	l.depthConsumed = false
	return grabOk()
}

func (l *liveCamera) RetrieveLeft() (*Image, error) {
	if !l.havePending {
		return nil, ErrNoGrabbedFrame
	}
	return l.pendingLeft, nil
}

// RetrieveDepth matches the grabbed stereo pair and converts the disparity
// plane to meters. The fast preset matches at half resolution; best smooths
// the disparity before conversion; balanced is the plain full-resolution run.
func (l *liveCamera) RetrieveDepth(roi *image.Rectangle) (*DepthMap, error) {
	if !l.havePending {
		return nil, ErrNoGrabbedFrame
	}
	if l.depthConsumed {
		return nil, ErrDepthConsumed
	}
	l.depthConsumed = true

	left := l.grayLeft
	right := l.grayRight
	scale := 1
	if l.cfg.Preset == DepthFast {
		scale = 2
		small := gocv.NewMat()
		smallR := gocv.NewMat()
		defer small.Close()
		defer smallR.Close()
		gocv.Resize(left, &small, image.Pt(left.Cols()/2, left.Rows()/2), 0, 0, gocv.InterpolationLinear)
		gocv.Resize(right, &smallR, image.Pt(right.Cols()/2, right.Rows()/2), 0, 0, gocv.InterpolationLinear)
		left, right = small, smallR
	}

	disparity := gocv.NewMat()
	defer disparity.Close()
	l.matcher.Compute(left, right, &disparity)

	if l.cfg.Preset == DepthBest {
		smoothed := gocv.NewMat()
		defer smoothed.Close()
		gocv.MedianBlur(disparity, &smoothed, 5)
		smoothed.CopyTo(&disparity)
	}

	clip := image.Rect(0, 0, l.width, l.height)
	if roi != nil {
		clip = roi.Intersect(clip)
	}
	raw := disparityPlane(disparity)
	return depthFromDisparity(raw, disparity.Cols(), scale, clip, l.width, l.height), nil
}

// disparityPlane copies a CV_16S Mat into an int16 slice.
func disparityPlane(m gocv.Mat) []int16 {
	buf := m.ToBytes()
	out := make([]int16, len(buf)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(buf[i*2:]))
	}
	return out
}

// depthFromDisparity converts fixed-point disparities into metric depth via
// depth = f * B / d. The focal length in pixels is approximated from the view
// width assuming the 90 degree horizontal FOV of the wide factory
// rectification. Pixels the matcher rejected stay NaN.
func depthFromDisparity(raw []int16, dispW, scale int, clip image.Rectangle, viewW, viewH int) *DepthMap {
	focalPx := 0.5 * float64(viewW)
	depth := NewDepthMap(viewW, viewH)

	for y := clip.Min.Y; y < clip.Max.Y; y++ {
		rowOff := (y / scale) * dispW
		for x := clip.Min.X; x < clip.Max.X; x++ {
			idx := rowOff + x/scale
			if idx >= len(raw) {
				continue
			}
			d := raw[idx]
			if d <= 0 {
				continue // stays NaN
			}
			disp := float64(d) / (1 << disparityFractionBits) * float64(scale)
			depth.Set(x, y, float32(focalPx*stereoBaselineMeters/disp))
		}
	}
	return depth
}

func (l *liveCamera) Seek(int) error { return ErrSeekUnsupported }

func (l *liveCamera) CurrentIndex() int { return l.current }

func (l *liveCamera) FramesTotal() (int, bool) { return 0, false }

func (l *liveCamera) NativeFPS() float64 { return l.fps }

func (l *liveCamera) Close() error {
	if l.closed {
		return nil
	}
	l.closed = true
	l.matcher.Close()
	l.grayLeft.Close()
	l.grayRight.Close()
	return l.capture.Close()
}

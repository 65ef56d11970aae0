package camera

import (
	"fmt"
	"image"
	"math"
)

// SimConfig describes a synthetic session used by tests.
type SimConfig struct {
	Width       int
	Height      int
	TotalFrames int
	FPS         float64
	// DepthFill is the uniform depth value in meters for frames that carry a
	// plane. NaN leaves the plane invalid.
	DepthFill float64
	// NoDepth disables depth planes entirely; RetrieveDepth fails.
	NoDepth bool
	// TransientAt lists frame indices whose Grab reports a transient error.
	TransientAt []int
	// FatalAt is a frame index whose Grab reports a fatal error; 0 or -1
	// means none, so frame 0 cannot be made fatal.
	FatalAt int
	// Live makes the source behave like a live device: unknown length and
	// no seeking. TotalFrames still bounds the stream so tests terminate.
	Live bool
}

// SimCamera is a deterministic in-memory source. By default it behaves like a
// reel: fixed length, seekable, full grab/retrieve discipline. With Live set
// it reports no length and rejects Seek.
type SimCamera struct {
	cfg SimConfig

	cursor        int
	current       int
	havePending   bool
	depthConsumed bool

	grabs           int // total Grab calls, for test assertions
	depthRetrievals int
	closed          bool
}

// NewSim builds a synthetic camera.
func NewSim(cfg SimConfig) *SimCamera {
	if cfg.FatalAt == 0 {
		cfg.FatalAt = -1
	}
	return &SimCamera{cfg: cfg, current: -1}
}

func (s *SimCamera) Grab() GrabResult {
	if s.closed {
		return grabFatal(fmt.Errorf("sim camera closed"))
	}
	s.grabs++
	if s.cursor >= s.cfg.TotalFrames {
		return grabEnd()
	}
	idx := s.cursor
	s.cursor++
	s.current = idx
	s.depthConsumed = false

	if idx == s.cfg.FatalAt {
		s.havePending = false
		return grabFatal(fmt.Errorf("injected fatal at frame %d", idx))
	}
	for _, t := range s.cfg.TransientAt {
		if t == idx {
			s.havePending = false
			return grabTransient(fmt.Errorf("injected transient at frame %d", idx))
		}
	}
	s.havePending = true
	return grabOk()
}

func (s *SimCamera) RetrieveLeft() (*Image, error) {
	if !s.havePending {
		return nil, ErrNoGrabbedFrame
	}
	img := NewImage(s.cfg.Width, s.cfg.Height)
	// A flat gray field with the frame index encoded in the first pixel so
	// tests can tell frames apart.
	for i := range img.Pix {
		img.Pix[i] = 0x80
	}
	img.Pix[0] = uint8(s.current % 256)
	return img, nil
}

func (s *SimCamera) RetrieveDepth(roi *image.Rectangle) (*DepthMap, error) {
	if !s.havePending {
		return nil, ErrNoGrabbedFrame
	}
	if s.depthConsumed {
		return nil, ErrDepthConsumed
	}
	if s.cfg.NoDepth {
		return nil, ErrDepthUnavailable
	}
	s.depthConsumed = true
	s.depthRetrievals++

	d := NewDepthMap(s.cfg.Width, s.cfg.Height)
	fill := s.cfg.DepthFill
	if math.IsNaN(fill) {
		return d, nil
	}
	clip := image.Rect(0, 0, s.cfg.Width, s.cfg.Height)
	if roi != nil {
		clip = roi.Intersect(clip)
	}
	for y := clip.Min.Y; y < clip.Max.Y; y++ {
		for x := clip.Min.X; x < clip.Max.X; x++ {
			d.Set(x, y, float32(fill))
		}
	}
	return d, nil
}

func (s *SimCamera) Seek(target int) error {
	if s.cfg.Live {
		return ErrSeekUnsupported
	}
	if target < 0 || target >= s.cfg.TotalFrames {
		return fmt.Errorf("%w: %d not in [0, %d)", ErrOutOfRange, target, s.cfg.TotalFrames)
	}
	s.cursor = target
	return nil
}

func (s *SimCamera) CurrentIndex() int { return s.current }

func (s *SimCamera) FramesTotal() (int, bool) {
	if s.cfg.Live {
		return 0, false
	}
	return s.cfg.TotalFrames, true
}

func (s *SimCamera) NativeFPS() float64 { return s.cfg.FPS }

// Grabs reports how many Grab calls were made, warm-ups included.
func (s *SimCamera) Grabs() int { return s.grabs }

// DepthRetrievals reports how many depth maps were actually computed.
func (s *SimCamera) DepthRetrievals() int { return s.depthRetrievals }

func (s *SimCamera) Close() error {
	s.closed = true
	return nil
}

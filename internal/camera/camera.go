// Package camera provides the acquisition layer for stereo sources: a narrow
// blocking interface over live devices and recorded reel sessions. All images
// are delivered in the left rectified coordinate space; pixel (x, y) in the
// image corresponds to depth sample (x, y) in the depth map.
package camera

import (
	"errors"
	"fmt"
	"image"
	"math"

	"github.com/skyward-uas/perception/internal/monitoring"
)

var logf = monitoring.Component("camera")

// Setup errors.
var (
	ErrCameraUnavailable     = errors.New("camera unavailable")
	ErrInvalidSession        = errors.New("invalid session file")
	ErrConfigurationRejected = errors.New("configuration rejected")
)

// Operation errors.
var (
	ErrSeekUnsupported  = errors.New("seek unsupported on live source")
	ErrOutOfRange       = errors.New("seek target out of range")
	ErrNoGrabbedFrame   = errors.New("no frame grabbed yet")
	ErrDepthConsumed    = errors.New("depth already retrieved for this frame")
	ErrDepthUnavailable = errors.New("depth unavailable")
)

// DepthPreset selects the depth backend quality/latency trade-off. Backend
// specific mode identifiers never leave this package.
type DepthPreset string

const (
	DepthFast     DepthPreset = "fast"
	DepthBalanced DepthPreset = "balanced"
	DepthBest     DepthPreset = "best"
)

// ParseDepthPreset validates a preset label.
func ParseDepthPreset(s string) (DepthPreset, error) {
	switch DepthPreset(s) {
	case DepthFast, DepthBalanced, DepthBest:
		return DepthPreset(s), nil
	}
	return "", fmt.Errorf("%w: unknown depth preset %q", ErrConfigurationRejected, s)
}

// SourceKind distinguishes live devices from recorded sessions.
type SourceKind int

const (
	SourceLive SourceKind = iota
	SourceReel
)

// SourceDescriptor identifies what to open.
type SourceDescriptor struct {
	Kind   SourceKind
	Device int    // live: capture device ID
	Path   string // reel: session directory on the local filesystem
}

// Config carries the open-time camera configuration.
type Config struct {
	// ResolutionHint is advisory for live sources; reels dictate their own.
	ResolutionHint image.Point
	// TargetFPS is the requested native framerate for live sources.
	TargetFPS int
	// Preset selects the depth backend quality.
	Preset DepthPreset
	// DepthMin and DepthMax clip the usable depth interval, in meters.
	DepthMin float64
	DepthMax float64
}

// DefaultConfig returns the standard camera configuration.
func DefaultConfig() Config {
	return Config{
		TargetFPS: 30,
		Preset:    DepthBest,
		DepthMin:  1.0,
		DepthMax:  40.0,
	}
}

func (c Config) validate() error {
	if c.DepthMin <= 0 || c.DepthMax <= c.DepthMin {
		return fmt.Errorf("%w: depth interval [%.2f, %.2f]", ErrConfigurationRejected, c.DepthMin, c.DepthMax)
	}
	if _, err := ParseDepthPreset(string(c.Preset)); err != nil {
		return err
	}
	return nil
}

// Image is an 8-bit RGB frame in a plain Go buffer. Stride is in bytes and is
// always 3*Width for frames produced by this package.
type Image struct {
	Width  int
	Height int
	Stride int
	Pix    []uint8
}

// NewImage allocates a zeroed RGB image.
func NewImage(w, h int) *Image {
	return &Image{Width: w, Height: h, Stride: 3 * w, Pix: make([]uint8, 3*w*h)}
}

// Bounds returns the pixel bounds of the image.
func (im *Image) Bounds() image.Rectangle {
	return image.Rect(0, 0, im.Width, im.Height)
}

// DepthMap is a float32 distance plane in meters, aligned with Image.
type DepthMap struct {
	Width  int
	Height int
	Data   []float32
}

// NewDepthMap allocates a depth plane filled with NaN (no measurement).
func NewDepthMap(w, h int) *DepthMap {
	d := &DepthMap{Width: w, Height: h, Data: make([]float32, w*h)}
	nan := float32(math.NaN())
	for i := range d.Data {
		d.Data[i] = nan
	}
	return d
}

// At returns the depth sample at (x, y). Callers must stay in bounds.
func (d *DepthMap) At(x, y int) float32 {
	return d.Data[y*d.Width+x]
}

// Set writes the depth sample at (x, y).
func (d *DepthMap) Set(x, y int, v float32) {
	d.Data[y*d.Width+x] = v
}

// GrabStatus is the outcome class of a Grab call.
type GrabStatus int

const (
	GrabOk GrabStatus = iota
	GrabEndOfSession
	GrabTransient
	GrabFatal
)

func (s GrabStatus) String() string {
	switch s {
	case GrabOk:
		return "ok"
	case GrabEndOfSession:
		return "end-of-session"
	case GrabTransient:
		return "transient"
	case GrabFatal:
		return "fatal"
	}
	return fmt.Sprintf("grab-status(%d)", int(s))
}

// GrabResult is the sum-typed outcome of advancing the source by one frame.
// End-of-stream and errors are values, never panics.
type GrabResult struct {
	Status GrabStatus
	Err    error // set for transient and fatal outcomes
}

func grabOk() GrabResult  { return GrabResult{Status: GrabOk} }
func grabEnd() GrabResult { return GrabResult{Status: GrabEndOfSession} }

func grabTransient(err error) GrabResult {
	return GrabResult{Status: GrabTransient, Err: err}
}

func grabFatal(err error) GrabResult {
	return GrabResult{Status: GrabFatal, Err: err}
}

// Camera is the narrow blocking interface over a stereo source. It is not
// safe for concurrent use; the pipeline goroutine owns the handle exclusively.
type Camera interface {
	// Grab advances the cursor by one frame and blocks until it is available.
	Grab() GrabResult

	// RetrieveLeft returns the left rectified image of the grabbed frame.
	RetrieveLeft() (*Image, error)

	// RetrieveDepth computes or fetches the depth map for the grabbed frame,
	// optionally restricted to roi. At most one call per grabbed frame.
	RetrieveDepth(roi *image.Rectangle) (*DepthMap, error)

	// Seek positions the cursor so the next Grab returns target. Recorded
	// sources only; forward or backward relative to the cursor is irrelevant
	// to the adapter, the orchestrator enforces forward-only.
	Seek(target int) error

	// CurrentIndex is the index of the most recently grabbed frame, -1 before
	// the first grab.
	CurrentIndex() int

	// FramesTotal reports the session length when known (recorded sources).
	FramesTotal() (int, bool)

	// NativeFPS reports the source framerate when known, 0 otherwise.
	NativeFPS() float64

	// Close releases the underlying handle. Safe to call more than once.
	Close() error
}

// Open creates a Camera for the descriptor. Live sources are backed by a UVC
// stereo capture; recorded sessions by a reel directory.
func Open(desc SourceDescriptor, cfg Config) (Camera, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	switch desc.Kind {
	case SourceReel:
		return openReel(desc.Path, cfg)
	case SourceLive:
		return openLive(desc.Device, cfg)
	}
	return nil, fmt.Errorf("%w: unknown source kind %d", ErrConfigurationRejected, desc.Kind)
}

package camera

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"math"
	"os"
	"path/filepath"
)

// A reel is a recorded stereo session laid out as a directory:
//
//	<dir>/header.json   session metadata
//	<dir>/frames.bin    per-frame records, variable length
//	<dir>/index.bin     one uint64 frames.bin offset per frame
//
// Each frames.bin record is: uint32 JPEG length, JPEG bytes of the left
// rectified image, uint32 depth length (0 when the frame carries no depth
// plane), then width*height little-endian float32 meters. Only this package
// interprets the layout.

const (
	reelVersion    = "1"
	headerFileName = "header.json"
	framesFileName = "frames.bin"
	indexFileName  = "index.bin"
)

// ReelHeader is the metadata block of a recorded session.
type ReelHeader struct {
	Version     string  `json:"version"`
	Width       int     `json:"width"`
	Height      int     `json:"height"`
	FPS         float64 `json:"fps"`
	TotalFrames int     `json:"total_frames"`
	CreatedNs   int64   `json:"created_ns"`
}

// DescribeReel reads the header of a reel without opening it for playback.
func DescribeReel(dir string) (ReelHeader, error) {
	var h ReelHeader
	raw, err := os.ReadFile(filepath.Join(dir, headerFileName))
	if err != nil {
		return h, fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}
	if err := json.Unmarshal(raw, &h); err != nil {
		return h, fmt.Errorf("%w: bad header: %v", ErrInvalidSession, err)
	}
	if h.Version != reelVersion {
		return h, fmt.Errorf("%w: unsupported reel version %q", ErrInvalidSession, h.Version)
	}
	return h, nil
}

// reelCamera plays back a recorded session. The cursor holds the index of the
// next frame to deliver; Grab post-increments it after a successful read, so
// Seek stores the target directly and the next Grab returns exactly that frame.
type reelCamera struct {
	dir    string
	cfg    Config
	header ReelHeader
	frames *os.File
	index  []uint64

	cursor  int // index of the next frame Grab will deliver
	current int // index of the most recently grabbed frame, -1 initially

	pendingImage  *Image
	pendingDepth  []float32 // nil when the record carried no depth plane
	depthConsumed bool
	closed        bool
}

func openReel(dir string, cfg Config) (Camera, error) {
	header, err := DescribeReel(dir)
	if err != nil {
		return nil, err
	}

	idxRaw, err := os.ReadFile(filepath.Join(dir, indexFileName))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}
	if len(idxRaw)%8 != 0 {
		return nil, fmt.Errorf("%w: truncated index", ErrInvalidSession)
	}
	index := make([]uint64, len(idxRaw)/8)
	for i := range index {
		index[i] = binary.LittleEndian.Uint64(idxRaw[i*8:])
	}
	if len(index) != header.TotalFrames {
		return nil, fmt.Errorf("%w: index has %d entries, header says %d frames",
			ErrInvalidSession, len(index), header.TotalFrames)
	}

	frames, err := os.Open(filepath.Join(dir, framesFileName))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}

	logf("opened reel %s: %dx%d, %d frames, %.1f fps",
		dir, header.Width, header.Height, header.TotalFrames, header.FPS)

	return &reelCamera{
		dir:     dir,
		cfg:     cfg,
		header:  header,
		frames:  frames,
		index:   index,
		current: -1,
	}, nil
}

func (r *reelCamera) Grab() GrabResult {
	if r.closed {
		return grabFatal(fmt.Errorf("reel closed"))
	}
	if r.cursor >= r.header.TotalFrames {
		return grabEnd()
	}

	idx := r.cursor
	r.cursor++

	img, depth, err := r.readRecord(idx)
	if err != nil {
		// Corrupt record: report and let the orchestrator skip the frame.
		// The cursor has already advanced past it.
		r.current = idx
		r.pendingImage = nil
		r.pendingDepth = nil
		return grabTransient(fmt.Errorf("frame %d: %w", idx, err))
	}

	r.current = idx
	r.pendingImage = img
	r.pendingDepth = depth
	r.depthConsumed = false
	return grabOk()
}

func (r *reelCamera) readRecord(idx int) (*Image, []float32, error) {
	if _, err := r.frames.Seek(int64(r.index[idx]), io.SeekStart); err != nil {
		return nil, nil, err
	}

	var jpegLen uint32
	if err := binary.Read(r.frames, binary.LittleEndian, &jpegLen); err != nil {
		return nil, nil, err
	}
	jpegBuf := make([]byte, jpegLen)
	if _, err := io.ReadFull(r.frames, jpegBuf); err != nil {
		return nil, nil, err
	}
	img, err := decodeRGB(jpegBuf)
	if err != nil {
		return nil, nil, err
	}
	if img.Width != r.header.Width || img.Height != r.header.Height {
		return nil, nil, fmt.Errorf("frame size %dx%d does not match session %dx%d",
			img.Width, img.Height, r.header.Width, r.header.Height)
	}

	var depthLen uint32
	if err := binary.Read(r.frames, binary.LittleEndian, &depthLen); err != nil {
		return nil, nil, err
	}
	if depthLen == 0 {
		return img, nil, nil
	}
	want := uint32(4 * r.header.Width * r.header.Height)
	if depthLen != want {
		return nil, nil, fmt.Errorf("depth plane is %d bytes, want %d", depthLen, want)
	}
	raw := make([]byte, depthLen)
	if _, err := io.ReadFull(r.frames, raw); err != nil {
		return nil, nil, err
	}
	depth := make([]float32, r.header.Width*r.header.Height)
	for i := range depth {
		depth[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return img, depth, nil
}

func (r *reelCamera) RetrieveLeft() (*Image, error) {
	if r.pendingImage == nil {
		return nil, ErrNoGrabbedFrame
	}
	return r.pendingImage, nil
}

func (r *reelCamera) RetrieveDepth(roi *image.Rectangle) (*DepthMap, error) {
	if r.current < 0 {
		return nil, ErrNoGrabbedFrame
	}
	if r.depthConsumed {
		return nil, ErrDepthConsumed
	}
	if r.pendingDepth == nil {
		return nil, fmt.Errorf("%w: frame %d has no depth plane", ErrDepthUnavailable, r.current)
	}
	r.depthConsumed = true

	w, h := r.header.Width, r.header.Height
	if roi == nil {
		d := &DepthMap{Width: w, Height: h, Data: r.pendingDepth}
		return d, nil
	}

	// Restricting to a sub-region keeps the delivered map full-size so it
	// stays aligned with the image; samples outside the region are NaN.
	clip := roi.Intersect(image.Rect(0, 0, w, h))
	d := NewDepthMap(w, h)
	for y := clip.Min.Y; y < clip.Max.Y; y++ {
		copy(d.Data[y*w+clip.Min.X:y*w+clip.Max.X], r.pendingDepth[y*w+clip.Min.X:y*w+clip.Max.X])
	}
	return d, nil
}

func (r *reelCamera) Seek(target int) error {
	if target < 0 || target >= r.header.TotalFrames {
		return fmt.Errorf("%w: %d not in [0, %d)", ErrOutOfRange, target, r.header.TotalFrames)
	}
	r.cursor = target
	return nil
}

func (r *reelCamera) CurrentIndex() int { return r.current }

func (r *reelCamera) FramesTotal() (int, bool) { return r.header.TotalFrames, true }

func (r *reelCamera) NativeFPS() float64 { return r.header.FPS }

func (r *reelCamera) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	return r.frames.Close()
}

func decodeRGB(buf []byte) (*Image, error) {
	src, err := jpeg.Decode(bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	b := src.Bounds()
	img := NewImage(b.Dx(), b.Dy())
	for y := 0; y < img.Height; y++ {
		for x := 0; x < img.Width; x++ {
			r, g, bl, _ := src.At(b.Min.X+x, b.Min.Y+y).RGBA()
			off := y*img.Stride + 3*x
			img.Pix[off] = uint8(r >> 8)
			img.Pix[off+1] = uint8(g >> 8)
			img.Pix[off+2] = uint8(bl >> 8)
		}
	}
	return img, nil
}

//
// ReelWriter - authors recorded sessions for tests and offline tooling
//

// ReelWriter appends frames to a new reel directory.
type ReelWriter struct {
	dir     string
	header  ReelHeader
	frames  *os.File
	index   []uint64
	offset  uint64
	quality int
	closed  bool
}

// NewReelWriter creates an empty reel at dir. Width/height are fixed for the
// session; fps may be 0 for sources without a known rate.
func NewReelWriter(dir string, width, height int, fps float64, createdNs int64) (*ReelWriter, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid reel dimensions %dx%d", width, height)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	frames, err := os.Create(filepath.Join(dir, framesFileName))
	if err != nil {
		return nil, err
	}
	return &ReelWriter{
		dir: dir,
		header: ReelHeader{
			Version:   reelVersion,
			Width:     width,
			Height:    height,
			FPS:       fps,
			CreatedNs: createdNs,
		},
		frames:  frames,
		quality: 90,
	}, nil
}

// Append writes one frame record. depth may be nil for frames without a plane.
func (w *ReelWriter) Append(img *Image, depth []float32) error {
	if w.closed {
		return fmt.Errorf("reel writer closed")
	}
	if img.Width != w.header.Width || img.Height != w.header.Height {
		return fmt.Errorf("frame size %dx%d does not match reel %dx%d",
			img.Width, img.Height, w.header.Width, w.header.Height)
	}
	if depth != nil && len(depth) != w.header.Width*w.header.Height {
		return fmt.Errorf("depth plane has %d samples, want %d",
			len(depth), w.header.Width*w.header.Height)
	}

	jpegBuf, err := encodeJPEG(img, w.quality)
	if err != nil {
		return err
	}

	record := new(bytes.Buffer)
	binary.Write(record, binary.LittleEndian, uint32(len(jpegBuf)))
	record.Write(jpegBuf)
	if depth == nil {
		binary.Write(record, binary.LittleEndian, uint32(0))
	} else {
		binary.Write(record, binary.LittleEndian, uint32(4*len(depth)))
		raw := make([]byte, 4*len(depth))
		for i, v := range depth {
			binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(v))
		}
		record.Write(raw)
	}

	n, err := w.frames.Write(record.Bytes())
	if err != nil {
		return err
	}
	w.index = append(w.index, w.offset)
	w.offset += uint64(n)
	w.header.TotalFrames++
	return nil
}

// Close finalizes the index and header.
func (w *ReelWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.frames.Close(); err != nil {
		return err
	}

	idxRaw := make([]byte, 8*len(w.index))
	for i, off := range w.index {
		binary.LittleEndian.PutUint64(idxRaw[i*8:], off)
	}
	if err := os.WriteFile(filepath.Join(w.dir, indexFileName), idxRaw, 0o644); err != nil {
		return err
	}

	headerRaw, err := json.MarshalIndent(w.header, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(w.dir, headerFileName), headerRaw, 0o644)
}

func encodeJPEG(img *Image, quality int) ([]byte, error) {
	rgba := image.NewRGBA(image.Rect(0, 0, img.Width, img.Height))
	for y := 0; y < img.Height; y++ {
		for x := 0; x < img.Width; x++ {
			src := y*img.Stride + 3*x
			dst := rgba.PixOffset(x, y)
			rgba.Pix[dst] = img.Pix[src]
			rgba.Pix[dst+1] = img.Pix[src+1]
			rgba.Pix[dst+2] = img.Pix[src+2]
			rgba.Pix[dst+3] = 0xff
		}
	}
	buf := new(bytes.Buffer)
	if err := jpeg.Encode(buf, rgba, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

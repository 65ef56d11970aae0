package artifact

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/skyward-uas/perception/internal/camera"
	"github.com/skyward-uas/perception/internal/depth"
	"github.com/skyward-uas/perception/internal/detect"
	"github.com/skyward-uas/perception/internal/monitoring"
)

var logf = monitoring.Component("artifact")

// WriterConfig selects which artifacts to produce.
type WriterConfig struct {
	Dir           string // frames output directory
	SaveAnnotated bool
	SaveLabels    bool
	JPEGQuality   int // defaults to 90
}

// Enabled reports whether any artifact kind is switched on.
func (c WriterConfig) Enabled() bool { return c.SaveAnnotated || c.SaveLabels }

// Counts are the writer's session counters.
type Counts struct {
	JPEGWritten int64
	TxtWritten  int64
	Drops       int64
	Failures    int64
}

type job struct {
	index int
	img   *camera.Image
	dets  []detect.Detection
	stats []depth.Stats
}

// Writer persists per-frame artifacts off the pipeline goroutine. The hand-off
// is a single-slot buffer that stays busy until the write completes: at most
// one artifact is in flight, a new one arriving meanwhile is dropped and
// counted, and the pipeline never blocks on I/O.
type Writer struct {
	cfg  WriterConfig
	slot chan job
	done chan struct{}

	mu     sync.Mutex
	busy   bool
	counts Counts
}

// NewWriter creates the output directory and starts the write goroutine.
func NewWriter(cfg WriterConfig) (*Writer, error) {
	if cfg.JPEGQuality <= 0 {
		cfg.JPEGQuality = 90
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	w := &Writer{
		cfg:  cfg,
		slot: make(chan job, 1),
		done: make(chan struct{}),
	}
	go w.run()
	return w, nil
}

// Dispatch hands a frame to the writer. Fire and forget: returns immediately,
// dropping the frame while a previous write is still in flight. The busy flag
// clears only after that write finishes, so the in-flight depth is exactly one.
func (w *Writer) Dispatch(index int, img *camera.Image, dets []detect.Detection, stats []depth.Stats) {
	w.mu.Lock()
	if w.busy {
		w.counts.Drops++
		w.mu.Unlock()
		return
	}
	w.busy = true
	w.mu.Unlock()

	w.slot <- job{index: index, img: img, dets: dets, stats: stats}
}

// Counts returns a copy of the session counters.
func (w *Writer) Counts() Counts {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.counts
}

// Close drains the slot and stops the write goroutine.
func (w *Writer) Close() {
	close(w.slot)
	<-w.done
}

func (w *Writer) run() {
	defer close(w.done)
	for j := range w.slot {
		w.write(j)
		w.mu.Lock()
		w.busy = false
		w.mu.Unlock()
	}
}

func (w *Writer) write(j job) {
	if w.cfg.SaveAnnotated {
		name := filepath.Join(w.cfg.Dir, fmt.Sprintf("frame_%06d.jpg", j.index))
		if err := w.writeJPEG(name, j); err != nil {
			w.fail("jpeg %s: %v", name, err)
		} else {
			w.mu.Lock()
			w.counts.JPEGWritten++
			w.mu.Unlock()
		}
	}
	if w.cfg.SaveLabels {
		name := filepath.Join(w.cfg.Dir, fmt.Sprintf("frame_%06d.txt", j.index))
		labels := FromDetections(j.dets, j.img.Width, j.img.Height)
		if err := os.WriteFile(name, EncodeLabels(labels), 0o644); err != nil {
			w.fail("labels %s: %v", name, err)
		} else {
			w.mu.Lock()
			w.counts.TxtWritten++
			w.mu.Unlock()
		}
	}
}

func (w *Writer) writeJPEG(name string, j job) error {
	buf, err := EncodeAnnotated(j.img, j.dets, j.stats, w.cfg.JPEGQuality)
	if err != nil {
		return err
	}
	return os.WriteFile(name, buf, 0o644)
}

// fail logs and counts a per-frame write failure; the pipeline continues.
func (w *Writer) fail(format string, v ...interface{}) {
	logf("write failed: "+format, v...)
	w.mu.Lock()
	w.counts.Failures++
	w.mu.Unlock()
}

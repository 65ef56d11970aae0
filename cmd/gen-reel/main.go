// Command gen-reel generates a synthetic recorded session for testing the
// pipeline without a camera: a target drifts across the frame with a
// plausible depth plane behind it.
package main

import (
	"flag"
	"log"
	"math"
	"time"

	"github.com/skyward-uas/perception/internal/camera"
)

func main() {
	output := flag.String("o", "sample.reel", "output reel directory")
	frames := flag.Int("n", 300, "number of frames")
	width := flag.Int("width", 640, "frame width")
	height := flag.Int("height", 360, "frame height")
	fps := flag.Float64("fps", 30, "native framerate to record")
	depthEvery := flag.Int("depth-every", 1, "record a depth plane every k frames")
	flag.Parse()

	w, err := camera.NewReelWriter(*output, *width, *height, *fps, time.Now().UnixNano())
	if err != nil {
		log.Fatalf("create reel: %v", err)
	}

	for i := 0; i < *frames; i++ {
		img, depth := synthFrame(*width, *height, i, *frames)
		if *depthEvery > 1 && i%*depthEvery != 0 {
			depth = nil
		}
		if err := w.Append(img, depth); err != nil {
			log.Fatalf("frame %d: %v", i, err)
		}
		if (i+1)%100 == 0 {
			log.Printf("%d/%d frames", i+1, *frames)
		}
	}
	if err := w.Close(); err != nil {
		log.Fatalf("finalize reel: %v", err)
	}
	log.Printf("created %s: %d frames at %dx%d", *output, *frames, *width, *height)
}

// synthFrame paints a sky gradient with a dark square target moving left to
// right, and a depth plane where the target sits nearer than the background.
func synthFrame(w, h, index, total int) (*camera.Image, []float32) {
	img := camera.NewImage(w, h)
	for y := 0; y < h; y++ {
		shade := uint8(180 - 60*y/h)
		for x := 0; x < w; x++ {
			off := y*img.Stride + 3*x
			img.Pix[off] = shade
			img.Pix[off+1] = shade
			img.Pix[off+2] = uint8(220 - 40*y/h)
		}
	}

	// Target track: horizontal sweep with a slow vertical bob.
	size := w / 16
	cx := size + (w-3*size)*index/total
	cy := h/2 + int(float64(h)/8*math.Sin(float64(index)/20))
	for y := cy - size/2; y < cy+size/2; y++ {
		for x := cx - size/2; x < cx+size/2; x++ {
			if x < 0 || x >= w || y < 0 || y >= h {
				continue
			}
			off := y*img.Stride + 3*x
			img.Pix[off] = 30
			img.Pix[off+1] = 30
			img.Pix[off+2] = 30
		}
	}

	// Background beyond range, target approaching from 35m down to 5m.
	depth := make([]float32, w*h)
	targetDepth := float32(35 - 30*index/total)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			d := float32(math.NaN())
			if x >= cx-size/2 && x < cx+size/2 && y >= cy-size/2 && y < cy+size/2 {
				d = targetDepth
			}
			depth[y*w+x] = d
		}
	}
	return img, depth
}

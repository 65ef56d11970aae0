package artifact

import (
	"fmt"
	"image"
	"image/color"

	"gocv.io/x/gocv"

	"github.com/skyward-uas/perception/internal/camera"
	"github.com/skyward-uas/perception/internal/depth"
	"github.com/skyward-uas/perception/internal/detect"
)

// Rectangle colors are fixed for the session: within-range targets green,
// out-of-range red, anything else blue.
var (
	colorClose = color.RGBA{0, 200, 0, 255}
	colorFar   = color.RGBA{200, 0, 0, 255}
	colorOther = color.RGBA{0, 120, 200, 255}
)

func classColor(classID int) color.RGBA {
	switch classID {
	case detect.ClassTargetClose:
		return colorClose
	case detect.ClassTargetFar:
		return colorFar
	}
	return colorOther
}

// DetectionLabel renders the overlay text for one detection:
// "C:<conf> D:<mean>m" when depth stats are available, "C:<conf> D:--"
// otherwise.
func DetectionLabel(conf float64, stats depth.Stats) string {
	if stats.Valid() {
		return fmt.Sprintf("C:%.2f D:%.2fm", conf, stats.Mean)
	}
	return fmt.Sprintf("C:%.2f D:--", conf)
}

// EncodeAnnotated draws the detections onto the left image and encodes it as
// JPEG at the given quality. stats must be aligned with dets.
func EncodeAnnotated(img *camera.Image, dets []detect.Detection, stats []depth.Stats, quality int) ([]byte, error) {
	rgb, err := gocv.NewMatFromBytes(img.Height, img.Width, gocv.MatTypeCV8UC3, img.Pix)
	if err != nil {
		return nil, err
	}
	defer rgb.Close()

	bgr := gocv.NewMat()
	defer bgr.Close()
	gocv.CvtColor(rgb, &bgr, gocv.ColorRGBToBGR)

	for i, det := range dets {
		c := classColor(det.ClassID)
		box := det.Box.Canon()
		gocv.Rectangle(&bgr, box, c, 2)

		label := DetectionLabel(det.Confidence, stats[i])
		textSize := gocv.GetTextSize(label, gocv.FontHersheySimplex, 0.5, 1)
		bgRect := image.Rect(box.Min.X, box.Min.Y-20, box.Min.X+textSize.X, box.Min.Y)
		gocv.Rectangle(&bgr, bgRect, c, -1)
		gocv.PutText(&bgr, label, image.Pt(box.Min.X, box.Min.Y-5),
			gocv.FontHersheySimplex, 0.5, color.RGBA{255, 255, 255, 255}, 1)
	}

	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, bgr, []int{gocv.IMWriteJpegQuality, quality})
	if err != nil {
		return nil, err
	}
	defer buf.Close()

	out := make([]byte, len(buf.GetBytes()))
	copy(out, buf.GetBytes())
	return out, nil
}

// Package artifact produces the optional per-frame outputs: annotated JPEGs
// and YOLO-format label files.
package artifact

import (
	"fmt"
	"image"
	"strconv"
	"strings"

	"github.com/skyward-uas/perception/internal/detect"
)

// Label is one detection in normalized YOLO form: bbox center and size
// divided by the image width/height.
type Label struct {
	ClassID int
	Cx      float64
	Cy      float64
	W       float64
	H       float64
}

// FromDetections converts pixel-space detections to normalized labels.
func FromDetections(dets []detect.Detection, width, height int) []Label {
	out := make([]Label, 0, len(dets))
	for _, d := range dets {
		b := d.Box.Canon()
		out = append(out, Label{
			ClassID: d.ClassID,
			Cx:      (float64(b.Min.X) + float64(b.Dx())/2) / float64(width),
			Cy:      (float64(b.Min.Y) + float64(b.Dy())/2) / float64(height),
			W:       float64(b.Dx()) / float64(width),
			H:       float64(b.Dy()) / float64(height),
		})
	}
	return out
}

// ToRect maps a normalized label back to pixel coordinates.
func (l Label) ToRect(width, height int) image.Rectangle {
	w := l.W * float64(width)
	h := l.H * float64(height)
	x1 := l.Cx*float64(width) - w/2
	y1 := l.Cy*float64(height) - h/2
	return image.Rect(int(x1), int(y1), int(x1+w), int(y1+h))
}

// EncodeLabels renders labels as YOLO text: one line per detection,
// "class cx cy w h", locale-independent 6-digit floats, trailing newline per
// line. Zero labels encode to an empty byte slice; the file is still written
// so downstream tooling sees a dense frame sequence.
func EncodeLabels(labels []Label) []byte {
	var sb strings.Builder
	for _, l := range labels {
		fmt.Fprintf(&sb, "%d %.6f %.6f %.6f %.6f\n", l.ClassID, l.Cx, l.Cy, l.W, l.H)
	}
	return []byte(sb.String())
}

// DecodeLabels parses YOLO label text. Decoding then re-encoding is
// byte-stable for files produced by EncodeLabels.
func DecodeLabels(data []byte) ([]Label, error) {
	var out []Label
	for lineNo, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 5 {
			return nil, fmt.Errorf("line %d: want 5 fields, got %d", lineNo+1, len(fields))
		}
		classID, err := strconv.Atoi(fields[0])
		if err != nil || classID < 0 {
			return nil, fmt.Errorf("line %d: bad class id %q", lineNo+1, fields[0])
		}
		var vals [4]float64
		for i, f := range fields[1:] {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: bad float %q", lineNo+1, f)
			}
			vals[i] = v
		}
		out = append(out, Label{ClassID: classID, Cx: vals[0], Cy: vals[1], W: vals[2], H: vals[3]})
	}
	return out, nil
}

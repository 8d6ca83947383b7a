package adapter

import (
	"fmt"
	"image"

	"github.com/fogleman/gg"
)

// palette cycles per class so adjacent classes stay visually distinct.
var palette = [][3]float64{
	{0.91, 0.26, 0.21},
	{0.26, 0.52, 0.96},
	{0.06, 0.62, 0.35},
	{0.98, 0.74, 0.02},
	{0.61, 0.15, 0.69},
	{0.00, 0.67, 0.76},
	{1.00, 0.44, 0.00},
	{0.38, 0.49, 0.55},
}

func classColor(classID int) [3]float64 {
	return palette[((classID%len(palette))+len(palette))%len(palette)]
}

// DrawDetections renders boxes with track/label captions onto a copy of the
// frame. A nil or empty detection list returns the untouched frame.
func DrawDetections(img image.Image, dets Detections) image.Image {
	if len(dets) == 0 {
		return img
	}
	dc := gg.NewContextForImage(img)
	dc.SetLineWidth(2)
	for _, d := range dets {
		c := classColor(d.ClassID)
		dc.SetRGB(c[0], c[1], c[2])
		dc.DrawRectangle(d.Box.X1, d.Box.Y1, d.Box.X2-d.Box.X1, d.Box.Y2-d.Box.Y1)
		dc.Stroke()
		caption := fmt.Sprintf("%s #%d %.2f", d.Label, d.TrackID, d.Confidence)
		dc.DrawString(caption, d.Box.X1+2, d.Box.Y1+12)
	}
	return dc.Image()
}

// DrawMasks renders translucent mask polygons onto a copy of the frame.
func DrawMasks(img image.Image, dets Detections) image.Image {
	if len(dets) == 0 {
		return img
	}
	dc := gg.NewContextForImage(img)
	for _, d := range dets {
		if len(d.Mask) < 3 {
			continue
		}
		c := classColor(d.ClassID)
		dc.SetRGBA(c[0], c[1], c[2], 0.4)
		dc.MoveTo(d.Mask[0][0], d.Mask[0][1])
		for _, pt := range d.Mask[1:] {
			dc.LineTo(pt[0], pt[1])
		}
		dc.ClosePath()
		dc.Fill()
	}
	return dc.Image()
}

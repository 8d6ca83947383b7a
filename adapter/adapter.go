// Package adapter binds trained model artifacts to a fixed inference
// configuration and exposes a uniform per-frame tracking operation.
package adapter

import (
	"image"
)

// Config is the inference parameter bundle attached to one adapter at
// construction time. It is never mutated afterward; changing behavior means
// constructing a new adapter.
type Config struct {
	ImageSize   int
	Conf        float64
	IOU         float64
	Tracker     string
	Persist     bool
	Augment     bool
	AgnosticNMS bool
	Half        bool
}

// DefaultConfig mirrors the serving defaults the models were tuned with.
func DefaultConfig() Config {
	return Config{
		ImageSize:   640,
		Conf:        0.1,
		IOU:         0.5,
		Tracker:     "bytetrack",
		Persist:     true,
		Augment:     true,
		AgnosticNMS: false,
		Half:        false,
	}
}

// Box is an axis-aligned bounding box in original-image pixel coordinates.
type Box struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// Center returns the box midpoint, used as the point prompt for segmentation.
func (b Box) Center() (float64, float64) {
	return (b.X1 + b.X2) / 2, (b.Y1 + b.Y2) / 2
}

// Area returns the box area, zero for degenerate boxes.
func (b Box) Area() float64 {
	w := b.X2 - b.X1
	h := b.Y2 - b.Y1
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// IOU returns the intersection-over-union of two boxes.
func (b Box) IOU(o Box) float64 {
	inter := Box{
		X1: maxF(b.X1, o.X1),
		Y1: maxF(b.Y1, o.Y1),
		X2: minF(b.X2, o.X2),
		Y2: minF(b.Y2, o.Y2),
	}.Area()
	if inter == 0 {
		return 0
	}
	return inter / (b.Area() + o.Area() - inter)
}

// Detection is one tracked object in one frame. All fields marshal to
// portable scalar/array forms; nothing model-runtime specific crosses the
// wire.
type Detection struct {
	TrackID    int          `json:"track_id"`
	ClassID    int          `json:"class_id"`
	Label      string       `json:"name"`
	Confidence float64      `json:"confidence"`
	Box        Box          `json:"box"`
	Mask       [][2]float64 `json:"segments,omitempty"`
}

// Detections is the ordered result of one inference call.
type Detections []Detection

// Boxes returns just the bounding boxes, in order.
func (d Detections) Boxes() []Box {
	boxes := make([]Box, len(d))
	for i, det := range d {
		boxes[i] = det.Box
	}
	return boxes
}

// Detector runs one detection forward pass per frame with fixed
// configuration. Track is not safe for concurrent use: tracker identity
// state advances with every call, so callers must serialize frames.
type Detector interface {
	Track(img image.Image) (Detections, error)
	Labels() map[int]string
	Close() error
}

// Segmenter refines detector boxes into masks. It never runs standalone;
// the proposal boxes (and their centers) from a prior detection pass are
// required inputs.
type Segmenter interface {
	Track(img image.Image, proposals []Box) (Detections, error)
	Labels() map[int]string
	Close() error
}

// Reclaimer is implemented by adapters that can release transient compute
// buffers between streams.
type Reclaimer interface {
	Reclaim()
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxF(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

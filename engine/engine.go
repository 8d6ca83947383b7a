// Package engine runs the per-upload streaming inference pipeline: decode
// the uploaded buffer, run inference frame by frame, and publish
// incremental results to the job's channel.
package engine

import (
	"bytes"
	"context"
	"encoding/base64"
	"image"
	_ "image/gif" // registered for image uploads
	"image/jpeg"
	_ "image/png" // registered for image uploads
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/vistream/detection-relay/adapter"
	"github.com/vistream/detection-relay/pubsub"
)

var (
	// ErrDecode marks an image upload that could not be decoded.
	ErrDecode = errors.New("engine: could not decode image source")
	// ErrSourceOpen marks a video upload that could not be opened as a
	// frame source.
	ErrSourceOpen = errors.New("engine: could not open video source")
)

const jpegQuality = 80

// Publisher is the engine's outbound side, satisfied by *pubsub.Hub.
type Publisher interface {
	Publish(channel string, ev pubsub.Event)
}

// Option configures an Engine.
type Option func(*Engine)

// WithTempDir places scoped video temp files under dir instead of the
// system default.
func WithTempDir(dir string) Option {
	return func(e *Engine) { e.tmpDir = dir }
}

// WithFFmpeg sets the ffmpeg binary used to decode non-MJPEG containers.
func WithFFmpeg(binary string) Option {
	return func(e *Engine) { e.ffmpeg = binary }
}

// Engine binds one detector (and optionally one segmenter) to a publish
// handle. One engine serves one active pipeline; frame processing within it
// is serialized because the adapters' tracker state is not safe for
// concurrent frames.
type Engine struct {
	detector  adapter.Detector
	segmenter adapter.Segmenter
	pub       Publisher
	logger    *zap.SugaredLogger
	tmpDir    string
	ffmpeg    string

	mu sync.Mutex
}

// New builds an engine. segmenter may be nil for the detection-only
// variant.
func New(detector adapter.Detector, segmenter adapter.Segmenter, pub Publisher, logger *zap.SugaredLogger, opts ...Option) *Engine {
	e := &Engine{
		detector:  detector,
		segmenter: segmenter,
		pub:       pub,
		logger:    logger,
		ffmpeg:    "ffmpeg",
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Process runs one upload to completion: decode, stream frames through the
// adapters, publish results on the channel, then a terminal message.
// Fatal failures publish processing_failed and release whatever resources
// were acquired. The context is checked before every frame.
func (e *Engine) Process(ctx context.Context, src []byte, isImage bool, channel string) error {
	if len(src) == 0 {
		return e.fail(channel, errors.New("engine: empty source buffer"))
	}

	if isImage {
		img, _, err := image.Decode(bytes.NewReader(src))
		if err != nil {
			return e.fail(channel, errors.Wrap(ErrDecode, err.Error()))
		}
		if err := ctx.Err(); err != nil {
			return e.fail(channel, err)
		}
		e.processFrame(img, channel)
		return e.drain(channel, 1)
	}

	// videos go through a scoped temp file so ffmpeg can seek the
	// container; removal is guaranteed on every exit path
	tmp, err := os.CreateTemp(e.tmpDir, "relay-*.video")
	if err != nil {
		return e.fail(channel, errors.Wrap(err, "engine: create temp file"))
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(src); err != nil {
		tmp.Close()
		return e.fail(channel, errors.Wrap(err, "engine: write temp file"))
	}
	if err := tmp.Close(); err != nil {
		return e.fail(channel, errors.Wrap(err, "engine: close temp file"))
	}

	source, err := e.openSource(ctx, src, tmpPath)
	if err != nil {
		return e.fail(channel, errors.Wrap(ErrSourceOpen, err.Error()))
	}
	defer source.Close()

	frames := 0
	for {
		if err := ctx.Err(); err != nil {
			return e.fail(channel, err)
		}
		img, err := source.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			// frames the source fails to deliver are skipped, not fatal
			e.logger.Warnw("skipping undecodable frame", "channel", channel, "error", err)
			continue
		}
		e.processFrame(img, channel)
		frames++
	}
	if frames == 0 {
		// ffmpeg starts successfully even on containers it cannot read
		// and only its exit status tells the two apart; an empty stream
		// is a failed open, not an empty success
		reason := errors.New("no frames decoded")
		if closeErr := source.Close(); closeErr != nil {
			reason = closeErr
		}
		return e.fail(channel, errors.Wrap(ErrSourceOpen, reason.Error()))
	}
	return e.drain(channel, frames)
}

func (e *Engine) openSource(ctx context.Context, src []byte, tmpPath string) (FrameSource, error) {
	if looksLikeMJPEG(src) {
		return openFileSource(tmpPath)
	}
	return openFFmpegSource(ctx, e.ffmpeg, tmpPath)
}

// processFrame runs the adapters on one frame under the engine lock and
// publishes the frame's message set in emission order: raw, detection
// frame, detection results, then the segmentation pair when configured.
func (e *Engine) processFrame(img image.Image, channel string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	dets, err := e.detector.Track(img)
	detImg := img
	if err != nil {
		// one bad frame must not kill the stream: empty detections, raw
		// frame stands in for the annotated one
		e.logger.Errorw("detection failed", "channel", channel, "error", err)
		dets = nil
	} else {
		detImg = adapter.DrawDetections(img, dets)
	}

	e.publishImage(channel, pubsub.EventFrame, img)
	e.publishImage(channel, pubsub.EventDetectionFrame, detImg)
	e.publishResults(channel, pubsub.EventDetectionJSON, dets)

	if e.segmenter == nil {
		return
	}

	var segs adapter.Detections
	segImg := img
	if len(dets) > 0 {
		segs, err = e.segmenter.Track(img, dets.Boxes())
		if err != nil {
			// independent fallback: segmentation failure does not undo
			// the detector's results
			e.logger.Errorw("segmentation failed", "channel", channel, "error", err)
			segs = nil
		} else {
			segImg = adapter.DrawMasks(img, segs)
		}
	}
	e.publishImage(channel, pubsub.EventSegmentationFrame, segImg)
	e.publishResults(channel, pubsub.EventSegmentationJSON, segs)
}

func (e *Engine) publishImage(channel, kind string, img image.Image) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		e.logger.Errorw("frame encode failed", "channel", channel, "kind", kind, "error", err)
		return
	}
	e.pub.Publish(channel, pubsub.Event{
		Kind: kind,
		Data: base64.StdEncoding.EncodeToString(buf.Bytes()),
	})
}

func (e *Engine) publishResults(channel, kind string, dets adapter.Detections) {
	if dets == nil {
		dets = adapter.Detections{}
	}
	e.pub.Publish(channel, pubsub.Event{Kind: kind, Data: dets})
}

// drain releases transient adapter state and publishes the terminal
// completion message.
func (e *Engine) drain(channel string, frames int) error {
	e.reclaim()
	e.pub.Publish(channel, pubsub.Event{
		Kind: pubsub.EventComplete,
		Data: map[string]interface{}{"file_key": channel, "frames": frames},
	})
	e.logger.Infow("processing complete", "channel", channel, "frames", frames)
	return nil
}

// fail releases transient adapter state, publishes the terminal failure
// message and propagates the error.
func (e *Engine) fail(channel string, err error) error {
	e.reclaim()
	e.pub.Publish(channel, pubsub.Event{
		Kind: pubsub.EventFailed,
		Data: map[string]interface{}{"file_key": channel, "reason": err.Error()},
	})
	e.logger.Errorw("processing failed", "channel", channel, "error", err)
	return err
}

func (e *Engine) reclaim() {
	if r, ok := e.detector.(adapter.Reclaimer); ok {
		r.Reclaim()
	}
	if r, ok := e.segmenter.(adapter.Reclaimer); ok {
		r.Reclaim()
	}
}

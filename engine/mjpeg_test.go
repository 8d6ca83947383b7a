package engine

import (
	"bytes"
	"image/color"
	"io"
	"testing"

	"go.viam.com/test"
)

func TestMJPEGReaderSplitsFrames(t *testing.T) {
	video := mjpegVideo(t, red, green, blue)
	r := newMJPEGReader(bytes.NewReader(video))

	for i := 0; i < 3; i++ {
		img, err := r.Next()
		test.That(t, err, test.ShouldBeNil)
		test.That(t, img.Bounds().Dx(), test.ShouldEqual, 32)
	}

	_, err := r.Next()
	test.That(t, err, test.ShouldEqual, io.EOF)
}

func TestMJPEGReaderEmptyInput(t *testing.T) {
	r := newMJPEGReader(bytes.NewReader(nil))
	_, err := r.Next()
	test.That(t, err, test.ShouldEqual, io.EOF)
}

func TestMJPEGReaderGarbageBetweenFrames(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("leading garbage")
	buf.Write(encodeJPEG(t, solidFrame(color.RGBA{R: 255, A: 255})))
	buf.WriteString("trailing garbage without a frame")

	r := newMJPEGReader(&buf)
	img, err := r.Next()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, img, test.ShouldNotBeNil)

	_, err = r.Next()
	test.That(t, err, test.ShouldEqual, io.EOF)
}

func TestMJPEGReaderTruncatedFrame(t *testing.T) {
	frame := encodeJPEG(t, solidFrame(color.RGBA{G: 255, A: 255}))
	r := newMJPEGReader(bytes.NewReader(frame[:len(frame)/2]))
	_, err := r.Next()
	test.That(t, err, test.ShouldEqual, io.EOF)
}

func TestLooksLikeMJPEG(t *testing.T) {
	test.That(t, looksLikeMJPEG(encodeJPEG(t, solidFrame(color.RGBA{B: 255, A: 255}))), test.ShouldBeTrue)
	test.That(t, looksLikeMJPEG([]byte("RIFF....")), test.ShouldBeFalse)
	test.That(t, looksLikeMJPEG(nil), test.ShouldBeFalse)
}

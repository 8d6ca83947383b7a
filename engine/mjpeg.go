package engine

import (
	"bufio"
	"bytes"
	"image"
	"image/jpeg"
	"io"
)

// JPEG stream markers.
const (
	markerPrefix byte = 0xff
	markerSOI    byte = 0xd8
	markerEOI    byte = 0xd9
)

// mjpegReader splits a concatenated-JPEG byte stream into frames. This is
// the shape ffmpeg emits with `-f mjpeg`, and also the synthetic video
// format used in tests.
type mjpegReader struct {
	br *bufio.Reader
}

func newMJPEGReader(r io.Reader) *mjpegReader {
	return &mjpegReader{br: bufio.NewReaderSize(r, 1<<16)}
}

// Next scans to the following start-of-image marker, collects bytes through
// end-of-image and decodes them. io.EOF signals exhaustion; a frame that
// fails to decode is reported as an error so the caller can skip it.
func (m *mjpegReader) Next() (image.Image, error) {
	if err := m.seekSOI(); err != nil {
		return nil, err
	}

	var frame bytes.Buffer
	frame.WriteByte(markerPrefix)
	frame.WriteByte(markerSOI)

	var prev byte
	for {
		b, err := m.br.ReadByte()
		if err != nil {
			// truncated trailing frame counts as exhaustion
			return nil, io.EOF
		}
		frame.WriteByte(b)
		if prev == markerPrefix && b == markerEOI {
			break
		}
		prev = b
	}

	return jpeg.Decode(&frame)
}

func (m *mjpegReader) seekSOI() error {
	var prev byte
	for {
		b, err := m.br.ReadByte()
		if err != nil {
			return io.EOF
		}
		if prev == markerPrefix && b == markerSOI {
			return nil
		}
		prev = b
	}
}

// looksLikeMJPEG reports whether the buffer starts with a JPEG SOI marker,
// meaning it can be demuxed directly without ffmpeg.
func looksLikeMJPEG(data []byte) bool {
	return len(data) >= 2 && data[0] == markerPrefix && data[1] == markerSOI
}

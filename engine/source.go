package engine

import (
	"context"
	"image"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/pkg/errors"
)

// FrameSource yields a video's frames in native order. Next returns io.EOF
// on exhaustion; any other error means that single frame failed to decode
// and reading may continue.
type FrameSource interface {
	Next() (image.Image, error)
	Close() error
}

// fileSource demuxes an MJPEG file directly.
type fileSource struct {
	f    *os.File
	r    *mjpegReader
	once sync.Once
}

func openFileSource(path string) (*fileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &fileSource{f: f, r: newMJPEGReader(f)}, nil
}

func (s *fileSource) Next() (image.Image, error) { return s.r.Next() }

func (s *fileSource) Close() error {
	s.once.Do(func() { s.f.Close() })
	return nil
}

// ffmpegSource decodes an arbitrary container through an ffmpeg child
// process transcoding to MJPEG on stdout.
type ffmpegSource struct {
	cmd     *exec.Cmd
	stdout  io.ReadCloser
	r       *mjpegReader
	once    sync.Once
	waitErr error
}

func openFFmpegSource(ctx context.Context, binary, path string) (*ffmpegSource, error) {
	cmd := exec.CommandContext(ctx, binary,
		"-hide_banner", "-loglevel", "error",
		"-i", path,
		"-f", "mjpeg", "-q:v", "2",
		"pipe:1",
	)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "ffmpeg stdout pipe")
	}
	if err := cmd.Start(); err != nil {
		stdout.Close()
		return nil, errors.Wrap(err, "starting ffmpeg")
	}
	return &ffmpegSource{cmd: cmd, stdout: stdout, r: newMJPEGReader(stdout)}, nil
}

func (s *ffmpegSource) Next() (image.Image, error) { return s.r.Next() }

// Close reaps the child and reports its exit status. A non-zero exit after
// frames were already delivered is not actionable, but for a stream that
// produced nothing it is the only evidence the container was unreadable.
func (s *ffmpegSource) Close() error {
	s.once.Do(func() {
		s.stdout.Close()
		if err := s.cmd.Wait(); err != nil {
			s.waitErr = errors.Wrap(err, "ffmpeg")
		}
	})
	return s.waitErr
}

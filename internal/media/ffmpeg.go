package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"

	ffmpeg "github.com/u2takey/ffmpeg-go"

	"github.com/heimdex/gifmaker/internal/toolchain"
)

const (
	maxStderrBytes = 8 * 1024
	// maxSeekBack bounds how many frames FrameAt steps back when the
	// container over-reports its frame count and the last index yields nothing.
	maxSeekBack = 4
)

var errNoFrame = errors.New("no frame decoded")

// FFmpegSource is a Source backed by the ffmpeg/ffprobe binaries. Every
// frame request spawns one ffmpeg process that writes raw RGBA to a pipe.
type FFmpegSource struct {
	path   string
	bin    string
	info   Info
	probe  *ProbeResult
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
}

// Open probes path and returns a handle for frame access.
func Open(ctx context.Context, path string, logger *slog.Logger) (*FFmpegSource, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	probe, err := Probe(path)
	if err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("video opened",
			"codec", probe.Codec,
			"format", probe.Format,
			"width", probe.Width,
			"height", probe.Height,
			"duration", probe.Duration,
			"fps", probe.FrameRate,
		)
	}

	return &FFmpegSource{
		path:   path,
		bin:    "ffmpeg",
		info:   probe.info(),
		probe:  probe,
		logger: logger,
	}, nil
}

func (s *FFmpegSource) Info() Info { return s.info }

// Probe returns the raw probe data the handle was opened with.
func (s *FFmpegSource) Probe() ProbeResult { return *s.probe }

// Close marks the handle released. It holds no long-lived process.
func (s *FFmpegSource) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *FFmpegSource) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("%w: source closed", ErrDecode)
	}
	return nil
}

func (s *FFmpegSource) FrameAt(ctx context.Context, t float64) (image.Image, error) {
	if err := s.info.CheckTime(t); err != nil {
		return nil, err
	}
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	idx := s.info.FrameIndex(t)
	for back := 0; back <= maxSeekBack && idx-back >= 0; back++ {
		img, err := s.decodeAt(ctx, s.info.FrameTime(idx-back))
		if err == nil {
			return img, nil
		}
		if !errors.Is(err, errNoFrame) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: no frame at or before t=%g", ErrDecode, t)
}

func (s *FFmpegSource) decodeAt(ctx context.Context, ts float64) (image.Image, error) {
	args := ffmpeg.Input(s.path, ffmpeg.KwArgs{"ss": seconds(ts)}).
		Output("pipe:", ffmpeg.KwArgs{
			"map":      "0:v:0",
			"frames:v": 1,
			"f":        "rawvideo",
			"pix_fmt":  "rgba",
			"loglevel": "error",
		}).
		GetArgs()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, s.bin, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = toolchain.NewTailBuffer(&stderr, maxStderrBytes)

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: ffmpeg frame at %ss: %v: %s", ErrDecode, seconds(ts), err, stderr.String())
	}

	size := frameSize(s.info.Width, s.info.Height)
	switch {
	case stdout.Len() == 0:
		return nil, errNoFrame
	case stdout.Len() < size:
		return nil, fmt.Errorf("%w: short frame (%d of %d bytes)", ErrDecode, stdout.Len(), size)
	}
	return rgbaImage(stdout.Bytes()[:size], s.info.Width, s.info.Height), nil
}

// Frames starts one ffmpeg process streaming every native frame of the range.
func (s *FFmpegSource) Frames(ctx context.Context, start, end float64) (FrameIterator, error) {
	if err := s.info.CheckTime(start); err != nil {
		return nil, err
	}
	if err := s.info.CheckTime(end); err != nil {
		return nil, err
	}
	if end < start {
		return nil, fmt.Errorf("%w: end %g before start %g", ErrRange, end, start)
	}
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	first := s.info.FrameIndex(start)
	origin := s.info.FrameTime(first)
	span := end - origin
	if step := 1 / s.info.FPS; span < step {
		span = step
	}

	args := ffmpeg.Input(s.path, ffmpeg.KwArgs{"ss": seconds(origin)}).
		Output("pipe:", ffmpeg.KwArgs{
			"t":        seconds(span),
			"map":      "0:v:0",
			"f":        "rawvideo",
			"pix_fmt":  "rgba",
			"loglevel": "error",
		}).
		GetArgs()

	cmd := exec.CommandContext(ctx, s.bin, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = toolchain.NewTailBuffer(&stderr, maxStderrBytes)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start ffmpeg: %v", ErrDecode, err)
	}

	if s.logger != nil {
		s.logger.Debug("frame stream started", "start", origin, "span", span)
	}

	it := newRawIterator(stdout, s.info.Width, s.info.Height, origin, 1/s.info.FPS)
	it.finish = func(drained bool) error {
		if !drained && cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		werr := cmd.Wait()
		if drained && werr != nil && ctx.Err() == nil {
			return fmt.Errorf("%w: ffmpeg stream: %v: %s", ErrDecode, werr, stderr.String())
		}
		return nil
	}
	return it, nil
}

func seconds(t float64) string {
	return strconv.FormatFloat(t, 'f', 6, 64)
}

func frameSize(w, h int) int { return w * h * 4 }

func rgbaImage(pix []byte, w, h int) *image.NRGBA {
	return &image.NRGBA{
		Pix:    pix,
		Stride: 4 * w,
		Rect:   image.Rect(0, 0, w, h),
	}
}

// rawIterator slices a stream of packed RGBA frames.
type rawIterator struct {
	r      io.Reader
	width  int
	height int
	origin float64
	step   float64

	index  int
	buf    []byte
	handed bool
	img    image.Image
	err    error
	done   bool

	// finish is called once, with drained=true when the stream hit EOF.
	finish func(drained bool) error
}

func newRawIterator(r io.Reader, w, h int, origin, step float64) *rawIterator {
	return &rawIterator{r: r, width: w, height: h, origin: origin, step: step, index: -1}
}

func (it *rawIterator) Next() bool {
	if it.done {
		return false
	}

	size := frameSize(it.width, it.height)
	// Reuse the buffer unless the previous raster escaped through Image().
	if it.buf == nil || it.handed {
		it.buf = make([]byte, size)
	}
	it.handed = false
	it.img = nil

	_, err := io.ReadFull(it.r, it.buf)
	switch {
	case err == nil:
		it.index++
		return true
	case errors.Is(err, io.EOF):
		it.end(true)
	case errors.Is(err, io.ErrUnexpectedEOF):
		it.err = fmt.Errorf("%w: truncated frame after index %d", ErrDecode, it.index)
		it.end(true)
	default:
		it.err = fmt.Errorf("%w: read frame: %v", ErrDecode, err)
		it.end(false)
	}
	return false
}

func (it *rawIterator) end(drained bool) {
	it.done = true
	if it.finish != nil {
		if ferr := it.finish(drained); ferr != nil && it.err == nil {
			it.err = ferr
		}
		it.finish = nil
	}
}

func (it *rawIterator) Time() float64 {
	return it.origin + float64(it.index)*it.step
}

func (it *rawIterator) Image() (image.Image, error) {
	if it.index < 0 || it.done {
		return nil, fmt.Errorf("%w: no current frame", ErrDecode)
	}
	if it.img == nil {
		it.img = rgbaImage(it.buf, it.width, it.height)
		it.handed = true
	}
	return it.img, nil
}

func (it *rawIterator) Err() error { return it.err }

func (it *rawIterator) Close() error {
	if !it.done {
		it.end(false)
	}
	return nil
}

// Package pipeline turns an opened video into previews and looping GIFs.
//
// Export applies its stages in a fixed order: resize, trim, speed retiming,
// then sampling at the target frame rate. Resizing first keeps the per-frame
// cost proportional to the output resolution. Parameters are validated in
// full before any frame is decoded.
package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"log/slog"
	"math"
	"time"

	"github.com/heimdex/gifmaker/internal/logging"
	"github.com/heimdex/gifmaker/internal/media"
)

// Options configures a Pipeline.
type Options struct {
	// MaxFrames rejects exports above this many frames. Zero disables the cap.
	MaxFrames int
	// Dither enables Floyd-Steinberg error diffusion when quantising frames.
	Dither bool
	Logger *slog.Logger
}

// Pipeline holds no per-video state; the same value serves every session.
type Pipeline struct {
	opts   Options
	logger *slog.Logger
}

func New(opts Options) *Pipeline {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Pipeline{opts: opts, logger: logger}
}

// Preview is a single resized raster.
type Preview struct {
	Image  image.Image
	Width  int
	Height int
	Time   float64
}

// Artifact is an encoded GIF plus what it was made from.
type Artifact struct {
	Data   []byte
	Width  int
	Height int
	Frames int
	Delay  int // centiseconds per frame
	Params Params
}

func (a *Artifact) Size() int { return len(a.Data) }

// Preview renders the frame at or before pp.Time at the requested scale.
func (p *Pipeline) Preview(ctx context.Context, src media.Source, pp PreviewParams) (*Preview, error) {
	info := src.Info()
	rs := ResizeSpec{Scale: pp.Scale}
	if err := rs.Validate(info); err != nil {
		return nil, err
	}
	if err := info.CheckTime(pp.Time); err != nil {
		return nil, err
	}

	w, h := rs.Size(info.Width, info.Height)
	view, err := media.Resize(src, w, h)
	if err != nil {
		return nil, err
	}

	img, err := view.FrameAt(ctx, pp.Time)
	if err != nil {
		return nil, fmt.Errorf("preview at %gs: %w", pp.Time, err)
	}
	return &Preview{Image: img, Width: w, Height: h, Time: pp.Time}, nil
}

// Plan validates params against info and returns the output frame count.
func (p *Pipeline) Plan(info media.Info, params Params) (int, error) {
	if err := params.Validate(info); err != nil {
		return 0, err
	}
	f := params.frames()
	if math.IsNaN(f) || f <= 0 {
		return 0, fmt.Errorf("%w: [%g, %g] at speed %g and %d fps", ErrEmptyExport, params.Start, params.End, params.Speed, params.FPS)
	}
	limit := maxFrameCount
	if p.opts.MaxFrames > 0 && p.opts.MaxFrames < limit {
		limit = p.opts.MaxFrames
	}
	if f > float64(limit) {
		return 0, invalid("frames", f, fmt.Sprintf("exceeds limit of %d", limit))
	}
	return int(f), nil
}

// Export renders params into a GIF held in memory. Nothing is returned on
// any failure, so callers never see a partial artifact.
func (p *Pipeline) Export(ctx context.Context, src media.Source, params Params) (*Artifact, error) {
	info := src.Info()
	n, err := p.Plan(info, params)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	w, h := params.Resize().Size(info.Width, info.Height)
	view, err := media.Resize(src, w, h)
	if err != nil {
		return nil, err
	}

	frames, err := p.sample(ctx, view, params, n)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := EncodeGIF(&buf, frames, params.FPS, p.opts.Dither); err != nil {
		return nil, err
	}

	p.logger.Info("export encoded",
		"frames", n,
		"width", w,
		"height", h,
		"bytes", buf.Len(),
		"duration_ms", time.Since(started).Milliseconds(),
	)

	return &Artifact{
		Data:   buf.Bytes(),
		Width:  w,
		Height: h,
		Frames: n,
		Delay:  FrameDelay(params.FPS),
		Params: params,
	}, nil
}

// sample walks the trimmed source once. Native frame k covers
// [t_k, t_k + 1/nativeFPS); every output index whose retimed source
// timestamp falls inside that window reuses frame k's raster, so frames
// the output skips are never resized.
func (p *Pipeline) sample(ctx context.Context, view media.Source, params Params, n int) ([]image.Image, error) {
	it, err := view.Frames(ctx, params.Start, params.End)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	step := 1 / view.Info().FPS
	frames := make([]image.Image, 0, n)

	i := 0
	for i < n && it.Next() {
		limit := it.Time() + step - frameEpsilon
		for i < n && params.SourceTime(i) < limit {
			img, err := it.Image()
			if err != nil {
				return nil, err
			}
			frames = append(frames, img)
			i++
		}
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if len(frames) == 0 {
		return nil, fmt.Errorf("%w: no frames in [%g, %g]", media.ErrDecode, params.Start, params.End)
	}
	if short := n - len(frames); short > 0 {
		p.logger.Debug("stream ended early, holding last frame", "missing", short)
		last := frames[len(frames)-1]
		for len(frames) < n {
			frames = append(frames, last)
		}
	}
	return frames, nil
}

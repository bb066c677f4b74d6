package pipeline

import (
	"errors"
	"fmt"
	"math"

	"github.com/heimdex/gifmaker/internal/media"
)

var (
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrEmptyExport      = errors.New("export has no frames")
	ErrEncode           = errors.New("encode error")
)

// frameEpsilon keeps floor() from dropping a frame to float error,
// e.g. (0.3/0.1)*10 = 29.999999999999996.
const frameEpsilon = 1e-9

// ParamError names the parameter that failed validation.
type ParamError struct {
	Field  string
	Value  any
	Reason string
}

func (e *ParamError) Error() string {
	return fmt.Sprintf("invalid %s=%v: %s", e.Field, e.Value, e.Reason)
}

func (e *ParamError) Unwrap() error { return ErrInvalidParameter }

func invalid(field string, value any, reason string) error {
	return &ParamError{Field: field, Value: value, Reason: reason}
}

// ResizeSpec scales both dimensions by the same factor.
type ResizeSpec struct {
	Scale float64
}

// Size returns floor(w*scale) x floor(h*scale).
func (r ResizeSpec) Size(w, h int) (int, int) {
	return int(math.Floor(float64(w) * r.Scale)), int(math.Floor(float64(h) * r.Scale))
}

func (r ResizeSpec) Validate(info media.Info) error {
	if math.IsNaN(r.Scale) || r.Scale <= 0 || r.Scale > 1 {
		return invalid("scale", r.Scale, "must be in (0, 1]")
	}
	w, h := r.Size(info.Width, info.Height)
	if w < 1 || h < 1 {
		return invalid("scale", r.Scale, fmt.Sprintf("%dx%d scales to an empty raster", info.Width, info.Height))
	}
	return nil
}

// TrimRange is the closed interval [Start, End] in source seconds.
type TrimRange struct {
	Start float64
	End   float64
}

func (r TrimRange) Duration() float64 { return r.End - r.Start }

func (r TrimRange) Validate(info media.Info) error {
	if math.IsNaN(r.Start) || math.IsNaN(r.End) {
		return invalid("range", r, "not a number")
	}
	if r.Start > r.End {
		return invalid("start", r.Start, fmt.Sprintf("after end %g", r.End))
	}
	if r.Start < 0 || r.End > info.Duration {
		return fmt.Errorf("%w: range [%g, %g] outside [0, %g]", media.ErrRange, r.Start, r.End, info.Duration)
	}
	return nil
}

// Params drives one export.
type Params struct {
	Scale float64
	Speed float64
	Start float64
	End   float64
	FPS   int
}

func (p Params) Resize() ResizeSpec { return ResizeSpec{Scale: p.Scale} }

func (p Params) Trim() TrimRange { return TrimRange{Start: p.Start, End: p.End} }

// SourceTime maps output frame i onto the source timeline.
func (p Params) SourceTime(i int) float64 {
	return p.Start + (float64(i)/float64(p.FPS))*p.Speed
}

// maxFrameCount bounds any export when no tighter limit is configured.
const maxFrameCount = math.MaxInt32

// frames is floor(((end-start)/speed)*fps) before any int conversion. Tiny
// speeds or huge rates push it past int range or to +Inf.
func (p Params) frames() float64 {
	adjusted := p.Trim().Duration() / p.Speed
	return math.Floor(adjusted*float64(p.FPS) + frameEpsilon)
}

// FrameCount is floor(((end-start)/speed)*fps), saturating at
// maxFrameCount. Parameters must be valid.
func (p Params) FrameCount() int {
	f := p.frames()
	switch {
	case math.IsNaN(f) || f <= 0:
		return 0
	case f > maxFrameCount:
		return maxFrameCount
	}
	return int(f)
}

// Validate checks every parameter against info. It never touches frames.
func (p Params) Validate(info media.Info) error {
	if err := p.Resize().Validate(info); err != nil {
		return err
	}
	if math.IsNaN(p.Speed) || math.IsInf(p.Speed, 0) || p.Speed <= 0 {
		return invalid("speed", p.Speed, "must be positive")
	}
	if p.FPS <= 0 {
		return invalid("fps", p.FPS, "must be positive")
	}
	return p.Trim().Validate(info)
}

// PreviewParams selects one instant at one scale.
type PreviewParams struct {
	Scale float64
	Time  float64
}

// Metrics is the informational block shown next to the controls.
type Metrics struct {
	Width    int     `json:"width"`
	Height   int     `json:"height"`
	Duration float64 `json:"duration"`
	FPS      int     `json:"fps"`
	// TotalFrames is duration*fps over the whole source. Trim and speed are
	// not applied, so it differs from the exported count.
	TotalFrames float64 `json:"total_frames"`
}

func ComputeMetrics(info media.Info, scale float64, fps int) (Metrics, error) {
	rs := ResizeSpec{Scale: scale}
	if err := rs.Validate(info); err != nil {
		return Metrics{}, err
	}
	if fps <= 0 {
		return Metrics{}, invalid("fps", fps, "must be positive")
	}
	w, h := rs.Size(info.Width, info.Height)
	return Metrics{
		Width:       w,
		Height:      h,
		Duration:    info.Duration,
		FPS:         fps,
		TotalFrames: info.Duration * float64(fps),
	}, nil
}

// Package media opens decoded videos and exposes their frames as rasters.
//
// A Source is read-only once opened. Frames come out one at a time, either
// by timestamp (FrameAt) or by walking a time range (Frames). Resize wraps
// any Source in a lazy Lanczos view that resamples a raster only when it is
// asked for.
package media

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"
)

var (
	// ErrDecode marks sources that cannot be opened or frames that cannot be decoded.
	ErrDecode = errors.New("decode error")
	// ErrRange marks timestamps outside [0, duration].
	ErrRange = errors.New("out of range")
)

// gridEpsilon absorbs float error when snapping seconds onto the frame grid.
const gridEpsilon = 1e-9

// Info describes an opened video.
type Info struct {
	Width      int
	Height     int
	Duration   float64 // seconds
	FPS        float64 // native frame rate
	FrameCount int     // 0 when the container does not report it
}

// Source is an opened, decoded video.
type Source interface {
	Info() Info
	// FrameAt returns the frame nearest at or before t.
	FrameAt(ctx context.Context, t float64) (image.Image, error)
	// Frames walks native frames from the one at or before start up to end.
	Frames(ctx context.Context, start, end float64) (FrameIterator, error)
}

// FrameIterator is a pull-style cursor over decoded frames, used like sql.Rows.
//
//	for it.Next() {
//		img, err := it.Image()
//	}
//	if err := it.Err(); err != nil { ... }
type FrameIterator interface {
	Next() bool
	// Time is the source timestamp of the current frame in seconds.
	Time() float64
	// Image materialises the current frame. It may be called at most once per
	// frame cheaply; later calls return the same raster.
	Image() (image.Image, error)
	Err() error
	Close() error
}

// CheckTime reports ErrRange when t lies outside [0, duration].
func (i Info) CheckTime(t float64) error {
	if math.IsNaN(t) || t < 0 || t > i.Duration {
		return fmt.Errorf("%w: t=%g outside [0, %g]", ErrRange, t, i.Duration)
	}
	return nil
}

// LastFrame is the index of the last decodable frame.
func (i Info) LastFrame() int {
	if i.FrameCount > 0 {
		return i.FrameCount - 1
	}
	n := int(math.Ceil(i.Duration*i.FPS-gridEpsilon)) - 1
	if n < 0 {
		return 0
	}
	return n
}

// FrameIndex snaps t down onto the native frame grid, clamped to the decodable frames.
func (i Info) FrameIndex(t float64) int {
	if i.FPS <= 0 || t <= 0 {
		return 0
	}
	idx := int(math.Floor(t*i.FPS + gridEpsilon))
	if last := i.LastFrame(); idx > last {
		idx = last
	}
	return idx
}

// FrameTime is the timestamp of frame idx.
func (i Info) FrameTime(idx int) float64 {
	if i.FPS <= 0 {
		return 0
	}
	return float64(idx) / i.FPS
}

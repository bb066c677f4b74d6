package media

import (
	"context"
	"fmt"
	"image"
	"sync/atomic"
)

// RenderFunc draws native frame idx.
type RenderFunc func(idx int) image.Image

// Static is an in-memory Source that draws frames on demand. It stands in
// for a real decoder wherever ffmpeg is not available.
type Static struct {
	info   Info
	render RenderFunc

	// Available caps how many frames actually decode; 0 means all of them.
	// Setting it below the reported count simulates a stream that ends early.
	Available int

	decodes atomic.Int64
}

func NewStatic(info Info, render RenderFunc) *Static {
	return &Static{info: info, render: render}
}

// Decodes reports how many frames have been materialised.
func (s *Static) Decodes() int64 { return s.decodes.Load() }

func (s *Static) Info() Info { return s.info }

func (s *Static) limit() int {
	last := s.info.LastFrame()
	if s.Available > 0 && s.Available-1 < last {
		return s.Available - 1
	}
	return last
}

func (s *Static) FrameAt(ctx context.Context, t float64) (image.Image, error) {
	if err := s.info.CheckTime(t); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	idx := s.info.FrameIndex(t)
	if lim := s.limit(); idx > lim {
		idx = lim
	}
	if idx < 0 {
		return nil, fmt.Errorf("%w: no frames", ErrDecode)
	}
	s.decodes.Add(1)
	return s.render(idx), nil
}

func (s *Static) Frames(ctx context.Context, start, end float64) (FrameIterator, error) {
	if err := s.info.CheckTime(start); err != nil {
		return nil, err
	}
	if err := s.info.CheckTime(end); err != nil {
		return nil, err
	}
	if end < start {
		return nil, fmt.Errorf("%w: end %g before start %g", ErrRange, end, start)
	}
	first := s.info.FrameIndex(start)
	return &staticIterator{ctx: ctx, src: s, next: first, first: first, end: end}, nil
}

type staticIterator struct {
	ctx   context.Context
	src   *Static
	first int
	next  int
	cur   int
	end   float64
	img   image.Image
	err   error
	done  bool
}

func (it *staticIterator) Next() bool {
	if it.done {
		return false
	}
	if err := it.ctx.Err(); err != nil {
		it.err = err
		it.done = true
		return false
	}
	idx := it.next
	if idx > it.src.limit() || (idx > it.first && it.src.info.FrameTime(idx) >= it.end) {
		it.done = true
		return false
	}
	it.cur = idx
	it.next++
	it.img = nil
	return true
}

func (it *staticIterator) Time() float64 { return it.src.info.FrameTime(it.cur) }

func (it *staticIterator) Image() (image.Image, error) {
	if it.done {
		return nil, fmt.Errorf("%w: no current frame", ErrDecode)
	}
	if it.img == nil {
		it.src.decodes.Add(1)
		it.img = it.src.render(it.cur)
	}
	return it.img, nil
}

func (it *staticIterator) Err() error { return it.err }

func (it *staticIterator) Close() error {
	it.done = true
	return nil
}

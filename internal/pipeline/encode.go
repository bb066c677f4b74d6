package pipeline

import (
	"fmt"
	"image"
	"image/color"
	"image/color/palette"
	"image/draw"
	"image/gif"
	"io"
	"math"
)

// FrameDelay is the per-frame display time in GIF centiseconds.
func FrameDelay(fps int) int {
	d := int(math.Round(100 / float64(fps)))
	if d < 1 {
		d = 1
	}
	return d
}

// EncodeGIF writes frames as an infinitely looping GIF. The first frame sets
// the logical screen; all frames share the Plan9 palette so the output is
// deterministic for identical input.
func EncodeGIF(w io.Writer, frames []image.Image, fps int, dither bool) error {
	if len(frames) == 0 {
		return ErrEmptyExport
	}
	if fps <= 0 {
		return invalid("fps", fps, "must be positive")
	}

	pal := color.Palette(palette.Plan9)
	bounds := frames[0].Bounds()
	delay := FrameDelay(fps)

	anim := &gif.GIF{
		Image:     make([]*image.Paletted, 0, len(frames)),
		Delay:     make([]int, 0, len(frames)),
		LoopCount: 0,
		Config: image.Config{
			ColorModel: pal,
			Width:      bounds.Dx(),
			Height:     bounds.Dy(),
		},
	}

	var (
		prev    image.Image
		prevPal *image.Paletted
	)
	for i, f := range frames {
		if f.Bounds().Size() != bounds.Size() {
			return fmt.Errorf("%w: frame %d is %v, first frame is %v", ErrEncode, i, f.Bounds().Size(), bounds.Size())
		}
		// Repeated rasters (slow playback) are quantised once.
		if prevPal == nil || f != prev {
			prevPal = quantize(f, pal, dither)
			prev = f
		}
		anim.Image = append(anim.Image, prevPal)
		anim.Delay = append(anim.Delay, delay)
	}

	if err := gif.EncodeAll(w, anim); err != nil {
		return fmt.Errorf("%w: %v", ErrEncode, err)
	}
	return nil
}

func quantize(src image.Image, pal color.Palette, dither bool) *image.Paletted {
	b := src.Bounds()
	dst := image.NewPaletted(image.Rect(0, 0, b.Dx(), b.Dy()), pal)
	if dither {
		draw.FloydSteinberg.Draw(dst, dst.Bounds(), src, b.Min)
	} else {
		draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
	}
	return dst
}

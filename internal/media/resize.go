package media

import (
	"context"
	"fmt"
	"image"

	"github.com/disintegration/imaging"
)

// ResizedView presents a Source at a fixed raster size. Frames are resampled
// with a Lanczos filter one at a time, only when a caller asks for pixels.
type ResizedView struct {
	src    Source
	width  int
	height int
}

// Resize wraps src. Dimensions are taken as given; aspect ratio is the caller's concern.
func Resize(src Source, width, height int) (*ResizedView, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("media: invalid resize target %dx%d", width, height)
	}
	return &ResizedView{src: src, width: width, height: height}, nil
}

func (v *ResizedView) Info() Info {
	info := v.src.Info()
	info.Width = v.width
	info.Height = v.height
	return info
}

func (v *ResizedView) FrameAt(ctx context.Context, t float64) (image.Image, error) {
	img, err := v.src.FrameAt(ctx, t)
	if err != nil {
		return nil, err
	}
	return v.resample(img), nil
}

func (v *ResizedView) Frames(ctx context.Context, start, end float64) (FrameIterator, error) {
	inner, err := v.src.Frames(ctx, start, end)
	if err != nil {
		return nil, err
	}
	return &resizedIterator{inner: inner, view: v}, nil
}

func (v *ResizedView) resample(img image.Image) image.Image {
	b := img.Bounds()
	if b.Dx() == v.width && b.Dy() == v.height {
		return img
	}
	return imaging.Resize(img, v.width, v.height, imaging.Lanczos)
}

type resizedIterator struct {
	inner FrameIterator
	view  *ResizedView
	img   image.Image
}

func (it *resizedIterator) Next() bool {
	it.img = nil
	return it.inner.Next()
}

func (it *resizedIterator) Time() float64 { return it.inner.Time() }

func (it *resizedIterator) Image() (image.Image, error) {
	if it.img != nil {
		return it.img, nil
	}
	src, err := it.inner.Image()
	if err != nil {
		return nil, err
	}
	it.img = it.view.resample(src)
	return it.img, nil
}

func (it *resizedIterator) Err() error   { return it.inner.Err() }
func (it *resizedIterator) Close() error { return it.inner.Close() }

package ui

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"sync"
)

const iconSize = 22

var (
	iconOnce sync.Once
	iconData []byte
)

// iconBytes renders the tray icon: a film frame with sprocket holes.
func iconBytes() []byte {
	iconOnce.Do(func() {
		iconData = renderIcon(iconSize)
	})
	return iconData
}

func renderIcon(size int) []byte {
	img := image.NewNRGBA(image.Rect(0, 0, size, size))
	frame := color.NRGBA{R: 0x22, G: 0x22, B: 0x22, A: 0xff}
	screen := color.NRGBA{R: 0x3d, G: 0xa5, B: 0xd9, A: 0xff}

	border := size / 5
	for y := 2; y < size-2; y++ {
		for x := 0; x < size; x++ {
			c := frame
			inStrip := x < border || x >= size-border
			if inStrip && (y/3)%2 == 1 && x%border != 0 && x%border != border-1 {
				continue
			}
			if !inStrip {
				c = screen
			}
			img.SetNRGBA(x, y, c)
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil
	}
	return buf.Bytes()
}

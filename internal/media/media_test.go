package media

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleProbe = `{
  "streams": [
    {"codec_type": "audio", "codec_name": "aac"},
    {"codec_type": "video", "codec_name": "h264", "width": 640, "height": 360,
     "avg_frame_rate": "30000/1001", "r_frame_rate": "30/1",
     "duration": "10.010000", "nb_frames": "300"}
  ],
  "format": {"format_name": "mov,mp4,m4a,3gp,3g2,mj2", "duration": "10.050000"}
}`

func TestParseProbe(t *testing.T) {
	res, err := parseProbe([]byte(sampleProbe))
	require.NoError(t, err)

	assert.Equal(t, 640, res.Width)
	assert.Equal(t, 360, res.Height)
	assert.Equal(t, "h264", res.Codec)
	assert.InDelta(t, 29.97, res.FrameRate, 0.01)
	assert.InDelta(t, 10.01, res.Duration, 1e-9)
	assert.Equal(t, 300, res.FrameCount)
}

func TestParseProbe_Fallbacks(t *testing.T) {
	data := `{"streams":[{"codec_type":"video","width":4,"height":2,
		"avg_frame_rate":"0/0","r_frame_rate":"25/1"}],
		"format":{"duration":"2.0"}}`

	res, err := parseProbe([]byte(data))
	require.NoError(t, err)
	assert.Equal(t, 25.0, res.FrameRate)
	assert.Equal(t, 2.0, res.Duration)
	assert.Equal(t, 0, res.FrameCount)
}

func TestParseProbe_Errors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", `nope`},
		{"no video", `{"streams":[{"codec_type":"audio"}]}`},
		{"no size", `{"streams":[{"codec_type":"video","avg_frame_rate":"25/1","duration":"1"}]}`},
		{"no rate", `{"streams":[{"codec_type":"video","width":2,"height":2,"duration":"1"}]}`},
		{"no duration", `{"streams":[{"codec_type":"video","width":2,"height":2,"avg_frame_rate":"25/1"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseProbe([]byte(tt.data))
			assert.ErrorIs(t, err, ErrDecode)
		})
	}
}

func TestParseRate(t *testing.T) {
	assert.InDelta(t, 29.97, parseRate("30000/1001"), 0.001)
	assert.Equal(t, 25.0, parseRate("25"))
	assert.Equal(t, 0.0, parseRate("1/0"))
	assert.Equal(t, 0.0, parseRate(""))
	assert.Equal(t, 0.0, parseRate("x/2"))
}

func TestInfo_Grid(t *testing.T) {
	info := Info{Width: 8, Height: 8, Duration: 10, FPS: 10}

	assert.Equal(t, 99, info.LastFrame())
	assert.Equal(t, 0, info.FrameIndex(0))
	assert.Equal(t, 3, info.FrameIndex(0.3))
	assert.Equal(t, 3, info.FrameIndex(0.39))
	assert.Equal(t, 99, info.FrameIndex(10))
	assert.InDelta(t, 0.5, info.FrameTime(5), 1e-12)

	info.FrameCount = 90
	assert.Equal(t, 89, info.FrameIndex(10))
}

func TestInfo_CheckTime(t *testing.T) {
	info := Info{Duration: 5, FPS: 25}
	assert.NoError(t, info.CheckTime(0))
	assert.NoError(t, info.CheckTime(5))
	assert.ErrorIs(t, info.CheckTime(-0.01), ErrRange)
	assert.ErrorIs(t, info.CheckTime(5.01), ErrRange)
}

func TestRawIterator(t *testing.T) {
	const w, h = 2, 1
	var stream bytes.Buffer
	for i := 0; i < 3; i++ {
		stream.Write(bytes.Repeat([]byte{byte(i * 10), 0, 0, 255}, w*h))
	}

	finished := false
	it := newRawIterator(&stream, w, h, 1.0, 0.5)
	it.finish = func(drained bool) error {
		finished = drained
		return nil
	}

	var times []float64
	var reds []uint8
	for it.Next() {
		times = append(times, it.Time())
		img, err := it.Image()
		require.NoError(t, err)
		reds = append(reds, img.(*image.NRGBA).Pix[0])
	}
	require.NoError(t, it.Err())
	assert.Equal(t, []float64{1.0, 1.5, 2.0}, times)
	assert.Equal(t, []uint8{0, 10, 20}, reds)
	assert.True(t, finished)
}

func TestRawIterator_Truncated(t *testing.T) {
	stream := bytes.NewReader(make([]byte, 4*3+2))
	it := newRawIterator(stream, 3, 1, 0, 1)

	require.True(t, it.Next())
	assert.False(t, it.Next())
	assert.ErrorIs(t, it.Err(), ErrDecode)
}

func TestRawIterator_ImageIsStableAcrossNext(t *testing.T) {
	stream := bytes.NewReader([]byte{1, 1, 1, 255, 2, 2, 2, 255})
	it := newRawIterator(stream, 1, 1, 0, 1)

	require.True(t, it.Next())
	first, err := it.Image()
	require.NoError(t, err)
	require.True(t, it.Next())

	assert.Equal(t, uint8(1), first.(*image.NRGBA).Pix[0])
}

func solid(idx int) image.Image {
	img := image.NewNRGBA(image.Rect(0, 0, 40, 20))
	c := color.NRGBA{R: uint8(idx), A: 255}
	for y := 0; y < 20; y++ {
		for x := 0; x < 40; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}

func TestResize_Dimensions(t *testing.T) {
	src := NewStatic(Info{Width: 40, Height: 20, Duration: 1, FPS: 10}, solid)
	view, err := Resize(src, 10, 5)
	require.NoError(t, err)

	assert.Equal(t, 10, view.Info().Width)
	assert.Equal(t, 5, view.Info().Height)

	img, err := view.FrameAt(context.Background(), 0.5)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 10, 5), img.Bounds())

	_, err = Resize(src, 0, 5)
	assert.Error(t, err)
}

func TestResize_IteratorIsLazy(t *testing.T) {
	src := NewStatic(Info{Width: 40, Height: 20, Duration: 1, FPS: 10}, solid)
	view, err := Resize(src, 20, 10)
	require.NoError(t, err)

	it, err := view.Frames(context.Background(), 0, 1)
	require.NoError(t, err)
	defer it.Close()

	count := 0
	for it.Next() {
		if count%2 == 0 {
			img, err := it.Image()
			require.NoError(t, err)
			again, _ := it.Image()
			assert.Same(t, img, again)
			assert.Equal(t, 20, img.Bounds().Dx())
		}
		count++
	}
	require.NoError(t, it.Err())
	assert.Equal(t, 10, count)
	assert.Equal(t, int64(5), src.Decodes())
}

func TestStatic_Frames(t *testing.T) {
	src := NewStatic(Info{Width: 40, Height: 20, Duration: 2, FPS: 4}, solid)

	it, err := src.Frames(context.Background(), 0.3, 1.0)
	require.NoError(t, err)

	var times []float64
	for it.Next() {
		times = append(times, it.Time())
	}
	assert.Equal(t, []float64{0.25, 0.5, 0.75}, times)

	_, err = src.Frames(context.Background(), 0, 3)
	assert.ErrorIs(t, err, ErrRange)
}

func TestStatic_Available(t *testing.T) {
	src := NewStatic(Info{Width: 40, Height: 20, Duration: 2, FPS: 4}, solid)
	src.Available = 2

	it, err := src.Frames(context.Background(), 0, 2)
	require.NoError(t, err)
	n := 0
	for it.Next() {
		n++
	}
	assert.Equal(t, 2, n)
}

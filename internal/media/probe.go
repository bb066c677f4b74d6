package media

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	ffmpeg "github.com/u2takey/ffmpeg-go"
)

// ProbeResult is the subset of ffprobe output the adapter needs.
type ProbeResult struct {
	Duration   float64
	Width      int
	Height     int
	Codec      string
	FrameRate  float64
	FrameCount int
	Format     string
}

type probeOutput struct {
	Streams []struct {
		CodecType    string `json:"codec_type"`
		CodecName    string `json:"codec_name"`
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		AvgFrameRate string `json:"avg_frame_rate"`
		RFrameRate   string `json:"r_frame_rate"`
		Duration     string `json:"duration"`
		NbFrames     string `json:"nb_frames"`
	} `json:"streams"`
	Format struct {
		FormatName string `json:"format_name"`
		Duration   string `json:"duration"`
	} `json:"format"`
}

// Probe runs ffprobe against path.
func Probe(path string) (*ProbeResult, error) {
	out, err := ffmpeg.Probe(path)
	if err != nil {
		return nil, fmt.Errorf("%w: ffprobe %s: %v", ErrDecode, path, err)
	}
	return parseProbe([]byte(out))
}

func parseProbe(data []byte) (*ProbeResult, error) {
	var po probeOutput
	if err := json.Unmarshal(data, &po); err != nil {
		return nil, fmt.Errorf("%w: parse ffprobe output: %v", ErrDecode, err)
	}

	for _, s := range po.Streams {
		if s.CodecType != "video" {
			continue
		}

		res := &ProbeResult{
			Width:     s.Width,
			Height:    s.Height,
			Codec:     s.CodecName,
			Format:    po.Format.FormatName,
			FrameRate: parseRate(s.AvgFrameRate),
		}
		if res.FrameRate <= 0 {
			res.FrameRate = parseRate(s.RFrameRate)
		}

		res.Duration, _ = strconv.ParseFloat(s.Duration, 64)
		if res.Duration <= 0 {
			res.Duration, _ = strconv.ParseFloat(po.Format.Duration, 64)
		}
		res.FrameCount, _ = strconv.Atoi(s.NbFrames)

		if res.Width <= 0 || res.Height <= 0 {
			return nil, fmt.Errorf("%w: video stream has no dimensions", ErrDecode)
		}
		if res.FrameRate <= 0 {
			return nil, fmt.Errorf("%w: video stream has no frame rate", ErrDecode)
		}
		if res.Duration <= 0 {
			return nil, fmt.Errorf("%w: video has no duration", ErrDecode)
		}
		return res, nil
	}

	return nil, fmt.Errorf("%w: no video stream", ErrDecode)
}

// parseRate reads ffprobe rationals such as "30000/1001" or "25".
func parseRate(s string) float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	num, den, ok := strings.Cut(s, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	if !ok {
		return n
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0
	}
	return n / d
}

func (p *ProbeResult) info() Info {
	return Info{
		Width:      p.Width,
		Height:     p.Height,
		Duration:   p.Duration,
		FPS:        p.FrameRate,
		FrameCount: p.FrameCount,
	}
}

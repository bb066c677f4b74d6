// Package export names and stores rendered GIFs.
package export

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/heimdex/gifmaker/internal/pipeline"
)

// Filename renders the download name for an export:
//
//	{base}_scaling-{scale}_fps-{fps}_speed-{speed}_duration-{start}-{end}.gif
func Filename(base string, p pipeline.Params) string {
	return fmt.Sprintf("%s_scaling-%s_fps-%d_speed-%s_duration-%s-%s.gif",
		base,
		floatLiteral(p.Scale),
		p.FPS,
		floatLiteral(p.Speed),
		seconds(p.Start),
		seconds(p.End),
	)
}

// floatLiteral always keeps a fractional part: 5 -> "5.0", 0.5 -> "0.5".
func floatLiteral(v float64) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.ContainsAny(s, ".eEnN") {
		s += ".0"
	}
	return s
}

// seconds drops the fractional part of whole values: 10 -> "10", 2.5 -> "2.5".
func seconds(v float64) string {
	if v == math.Trunc(v) && math.Abs(v) < 1e15 {
		return strconv.FormatInt(int64(v), 10)
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

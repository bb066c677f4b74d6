package catalog

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/heimdex/gifmaker/internal/pipeline"
)

const (
	SessionStatusOpen   = "open"
	SessionStatusClosed = "closed"

	ExportStatusReady   = "ready"
	ExportStatusExpired = "expired"

	CloseReasonUser     = "closed by user"
	CloseReasonIdle     = "idle timeout"
	CloseReasonShutdown = "agent stopped"
)

// Session is the context object for one uploaded video: the decoded
// handle lives in the Service, this is its persisted description.
type Session struct {
	ID          string     `json:"id"`
	Filename    string     `json:"filename"`
	SourcePath  string     `json:"-"`
	Fingerprint string     `json:"fingerprint,omitempty"`
	Size        int64      `json:"size_bytes"`
	Width       int        `json:"width"`
	Height      int        `json:"height"`
	Duration    float64    `json:"duration"`
	FPS         float64    `json:"fps"`
	FrameCount  int        `json:"frame_count,omitempty"`
	Codec       string     `json:"codec,omitempty"`
	Status      string     `json:"status"`
	CloseReason string     `json:"close_reason,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	LastUsedAt  time.Time  `json:"last_used_at"`
	ClosedAt    *time.Time `json:"closed_at,omitempty"`
}

// ExportRecord describes one rendered GIF.
type ExportRecord struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Filename  string    `json:"filename"`
	Path      string    `json:"-"`
	Scale     float64   `json:"scale"`
	Speed     float64   `json:"speed"`
	Start     float64   `json:"start"`
	End       float64   `json:"end"`
	FPS       int       `json:"fps"`
	Width     int       `json:"width"`
	Height    int       `json:"height"`
	Frames    int       `json:"frames"`
	Size      int64     `json:"size_bytes"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

func (e *ExportRecord) Params() pipeline.Params {
	return pipeline.Params{Scale: e.Scale, Speed: e.Speed, Start: e.Start, End: e.End, FPS: e.FPS}
}

type ConfigEntry struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

var VideoExtensions = map[string]bool{
	".mp4": true,
	".mov": true,
	".m4v": true,
}

func NewID() string {
	return uuid.NewString()
}

func IsVideoFile(filename string) bool {
	return VideoExtensions[strings.ToLower(filepath.Ext(filename))]
}

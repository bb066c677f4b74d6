package api

import (
	"time"

	"github.com/dustin/go-humanize"
	"github.com/heimdex/gifmaker/internal/catalog"
	"github.com/heimdex/gifmaker/internal/pipeline"
)

type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	UptimeS  int64  `json:"uptime_s"`
	DeviceID string `json:"device_id"`
}

type StatusResponse struct {
	State          string                   `json:"state"`
	OpenSessions   int                      `json:"open_sessions"`
	ExportsCount   int                      `json:"exports_count"`
	JanitorPaused  bool                     `json:"janitor_paused"`
	IdleClosed     int64                    `json:"idle_closed"`
	MaxUploadBytes int64                    `json:"max_upload_bytes,omitempty"`
	MaxUploadHuman string                   `json:"max_upload_human,omitempty"`
	Toolchain      *ToolchainStatusResponse `json:"toolchain,omitempty"`
}

type ToolchainStatusResponse struct {
	HasDecode   bool              `json:"has_decode"`
	LastProbeAt string            `json:"last_probe_at,omitempty"`
	Versions    map[string]string `json:"versions,omitempty"`
	ToolsAvail  int               `json:"tools_available"`
	ToolsTotal  int               `json:"tools_total"`
}

type SessionResponse struct {
	ID          string  `json:"id"`
	Filename    string  `json:"filename"`
	Size        int64   `json:"size_bytes"`
	SizeHuman   string  `json:"size_human"`
	Width       int     `json:"width"`
	Height      int     `json:"height"`
	Duration    float64 `json:"duration"`
	FPS         float64 `json:"fps"`
	Codec       string  `json:"codec,omitempty"`
	Status      string  `json:"status"`
	CloseReason string  `json:"close_reason,omitempty"`
	CreatedAt   string  `json:"created_at"`
	LastUsedAt  string  `json:"last_used_at"`
	ClosedAt    string  `json:"closed_at,omitempty"`
}

type SessionsResponse struct {
	Sessions []SessionResponse `json:"sessions"`
}

type MetricsResponse struct {
	pipeline.Metrics
	Scale float64 `json:"scale"`
}

// ExportRequest carries the five export parameters. All are required.
type ExportRequest struct {
	Scale *float64 `json:"scale"`
	Speed *float64 `json:"speed"`
	Start *float64 `json:"start"`
	End   *float64 `json:"end"`
	FPS   *int     `json:"fps"`
}

type ExportResponse struct {
	ID          string  `json:"id"`
	SessionID   string  `json:"session_id"`
	Filename    string  `json:"filename"`
	Scale       float64 `json:"scale"`
	Speed       float64 `json:"speed"`
	Start       float64 `json:"start"`
	End         float64 `json:"end"`
	FPS         int     `json:"fps"`
	Width       int     `json:"width"`
	Height      int     `json:"height"`
	Frames      int     `json:"frames"`
	Size        int64   `json:"size_bytes"`
	SizeHuman   string  `json:"size_human"`
	Status      string  `json:"status"`
	DownloadURL string  `json:"download_url,omitempty"`
	CreatedAt   string  `json:"created_at"`
}

type ExportsResponse struct {
	Exports []ExportResponse `json:"exports"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func SessionToResponse(s *catalog.Session) SessionResponse {
	resp := SessionResponse{
		ID:          s.ID,
		Filename:    s.Filename,
		Size:        s.Size,
		SizeHuman:   humanizeBytes(s.Size),
		Width:       s.Width,
		Height:      s.Height,
		Duration:    s.Duration,
		FPS:         s.FPS,
		Codec:       s.Codec,
		Status:      s.Status,
		CloseReason: s.CloseReason,
		CreatedAt:   s.CreatedAt.Format(time.RFC3339),
		LastUsedAt:  s.LastUsedAt.Format(time.RFC3339),
	}
	if s.ClosedAt != nil {
		resp.ClosedAt = s.ClosedAt.Format(time.RFC3339)
	}
	return resp
}

func ExportToResponse(e *catalog.ExportRecord) ExportResponse {
	resp := ExportResponse{
		ID:        e.ID,
		SessionID: e.SessionID,
		Filename:  e.Filename,
		Scale:     e.Scale,
		Speed:     e.Speed,
		Start:     e.Start,
		End:       e.End,
		FPS:       e.FPS,
		Width:     e.Width,
		Height:    e.Height,
		Frames:    e.Frames,
		Size:      e.Size,
		SizeHuman: humanizeBytes(e.Size),
		Status:    e.Status,
		CreatedAt: e.CreatedAt.Format(time.RFC3339),
	}
	if e.Status == catalog.ExportStatusReady {
		resp.DownloadURL = "/exports/" + e.ID + "/download"
	}
	return resp
}

func humanizeBytes(n int64) string {
	return humanize.Bytes(uint64(max(n, 0)))
}

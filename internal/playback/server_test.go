package playback

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func writeArtifact(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "e1.gif")
	if err := os.WriteFile(path, []byte("GIF89a-0123456789"), 0o644); err != nil {
		t.Fatalf("write artifact: %v", err)
	}
	return path
}

func TestServeArtifact_Full(t *testing.T) {
	path := writeArtifact(t)
	srv := NewServer(nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/exports/e1/download", nil)
	if err := srv.ServeArtifact(rec, req, path, "clip_scaling-0.5_fps-20_speed-5.0_duration-0-10.gif"); err != nil {
		t.Fatalf("ServeArtifact() error = %v", err)
	}

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); got != "image/gif" {
		t.Errorf("Content-Type = %q", got)
	}
	want := `attachment; filename=clip_scaling-0.5_fps-20_speed-5.0_duration-0-10.gif`
	if got := rec.Header().Get("Content-Disposition"); got != want {
		t.Errorf("Content-Disposition = %q, want %q", got, want)
	}
	if rec.Body.String() != "GIF89a-0123456789" {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestServeArtifact_Range(t *testing.T) {
	path := writeArtifact(t)
	srv := NewServer(nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Range", "bytes=0-5")
	if err := srv.ServeArtifact(rec, req, path, "a.gif"); err != nil {
		t.Fatalf("ServeArtifact() error = %v", err)
	}

	if rec.Code != http.StatusPartialContent {
		t.Fatalf("status = %d, want 206", rec.Code)
	}
	if got := rec.Header().Get("Content-Range"); got != "bytes 0-5/17" {
		t.Errorf("Content-Range = %q", got)
	}
	if rec.Body.String() != "GIF89a" {
		t.Errorf("body = %q, want GIF89a", rec.Body.String())
	}
}

func TestServeArtifact_Unsatisfiable(t *testing.T) {
	path := writeArtifact(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Range", "bytes=100-")

	if err := NewServer(nil).ServeArtifact(rec, req, path, ""); err != nil {
		t.Fatalf("ServeArtifact() error = %v", err)
	}
	if rec.Code != http.StatusRequestedRangeNotSatisfiable {
		t.Fatalf("status = %d, want 416", rec.Code)
	}
	if got := rec.Header().Get("Content-Range"); got != "bytes */17" {
		t.Errorf("Content-Range = %q", got)
	}
}

func TestServeArtifact_NotModified(t *testing.T) {
	path := writeArtifact(t)
	srv := NewServer(nil)

	first := httptest.NewRecorder()
	srv.ServeArtifact(first, httptest.NewRequest(http.MethodGet, "/", nil), path, "")
	etag := first.Header().Get("ETag")
	if etag == "" {
		t.Fatal("no ETag on response")
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("If-None-Match", etag)
	srv.ServeArtifact(rec, req, path, "")
	if rec.Code != http.StatusNotModified {
		t.Errorf("status = %d, want 304", rec.Code)
	}
}

func TestServeArtifact_Head(t *testing.T) {
	path := writeArtifact(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodHead, "/", nil)

	NewServer(nil).ServeArtifact(rec, req, path, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("HEAD wrote %d body bytes", rec.Body.Len())
	}
	if got := rec.Header().Get("Content-Length"); got != "17" {
		t.Errorf("Content-Length = %q, want 17", got)
	}
}

func TestServeArtifact_Missing(t *testing.T) {
	rec := httptest.NewRecorder()
	err := NewServer(nil).ServeArtifact(rec, httptest.NewRequest(http.MethodGet, "/", nil), filepath.Join(t.TempDir(), "gone.gif"), "")
	if err != nil {
		t.Fatalf("ServeArtifact() error = %v", err)
	}
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/heimdex/gifmaker/internal/catalog"
	"github.com/heimdex/gifmaker/internal/export"
	"github.com/heimdex/gifmaker/internal/media"
	"github.com/heimdex/gifmaker/internal/pipeline"
	"github.com/heimdex/gifmaker/internal/toolchain"
)

const testToken = "test-token"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(svc *fakeService) ServerConfig {
	return ServerConfig{
		Version:        "test",
		SessionService: svc,
		Playback:       &fakePlayback{},
		Repository:     &fakeRepo{config: map[string]string{"auth_token": testToken}},
		Logger:         testLogger(),
		StartTime:      time.Now(),
		DeviceID:       "test-device",
		MaxUploadBytes: 1 << 20,
	}
}

func do(t *testing.T, cfg ServerConfig, method, target string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	req.Header.Set("Authorization", "Bearer "+testToken)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rr := httptest.NewRecorder()
	NewRouter(cfg).ServeHTTP(rr, req)
	return rr
}

func decodeJSONBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decode response body: %v", err)
	}
	return body
}

func TestHealthRoute_NoAuth(t *testing.T) {
	cfg := testConfig(&fakeService{})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	NewRouter(cfg).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("ACAO = %q", got)
	}
	body := decodeJSONBody(t, rr)
	if body["device_id"] != "test-device" || body["version"] != "test" {
		t.Errorf("health body = %v", body)
	}
}

func TestSessionsRoute_RequiresAuth(t *testing.T) {
	cfg := testConfig(&fakeService{})

	rr := httptest.NewRecorder()
	NewRouter(cfg).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/sessions", nil))

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusUnauthorized)
	}
}

func TestStatusHandler_NilDoctor(t *testing.T) {
	cfg := testConfig(&fakeService{open: 2})

	rr := do(t, cfg, http.MethodGet, "/status", nil, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	body := decodeJSONBody(t, rr)
	if _, ok := body["toolchain"]; ok {
		t.Fatal("toolchain should be omitted when doctor is nil")
	}
	if body["state"] != "active" {
		t.Errorf("state = %v, want active", body["state"])
	}
	if body["open_sessions"] != float64(2) {
		t.Errorf("open_sessions = %v", body["open_sessions"])
	}
	if body["max_upload_human"] != "1.0 MB" {
		t.Errorf("max_upload_human = %v", body["max_upload_human"])
	}
}

func TestStatusHandler_WithCachedCaps(t *testing.T) {
	doctor := toolchain.NewCachedDoctor(&fakeDoctorRunner{caps: &toolchain.Capabilities{
		Executables: map[string]toolchain.ToolInfo{
			"ffmpeg":  {Available: true, Version: "6.1"},
			"ffprobe": {Available: false, Error: "not found"},
		},
		ProbedAt: time.Now(),
	}}, testLogger())
	if _, err := doctor.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	cfg := testConfig(&fakeService{})
	cfg.Doctor = doctor

	body := decodeJSONBody(t, do(t, cfg, http.MethodGet, "/status", nil, ""))
	if body["state"] != "degraded" {
		t.Errorf("state = %v, want degraded", body["state"])
	}
	tc, ok := body["toolchain"].(map[string]any)
	if !ok {
		t.Fatal("toolchain missing from response")
	}
	if tc["tools_available"] != float64(1) || tc["tools_total"] != float64(2) {
		t.Errorf("toolchain = %v", tc)
	}
	versions, _ := tc["versions"].(map[string]any)
	if versions["ffmpeg"] != "6.1" {
		t.Errorf("versions = %v", versions)
	}
}

func TestUploadHandler(t *testing.T) {
	svc := &fakeService{}
	cfg := testConfig(svc)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.WriteField("note", "ignored")
	fw, _ := mw.CreateFormFile("file", "clip.mp4")
	fw.Write([]byte("video"))
	mw.Close()

	rr := do(t, cfg, http.MethodPost, "/sessions", &buf, mw.FormDataContentType())
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	if svc.uploaded != "clip.mp4:video" {
		t.Errorf("uploaded = %q", svc.uploaded)
	}
	body := decodeJSONBody(t, rr)
	if body["id"] != "s1" || body["size_human"] != "5 B" {
		t.Errorf("body = %v", body)
	}
}

func TestUploadHandler_MissingFile(t *testing.T) {
	cfg := testConfig(&fakeService{})

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.WriteField("other", "x")
	mw.Close()

	rr := do(t, cfg, http.MethodPost, "/sessions", &buf, mw.FormDataContentType())
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestUploadHandler_NotMultipart(t *testing.T) {
	cfg := testConfig(&fakeService{})

	rr := do(t, cfg, http.MethodPost, "/sessions", strings.NewReader("{}"), "application/json")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("wrap: %w", pipeline.ErrInvalidParameter), http.StatusBadRequest, "INVALID_PARAMETER"},
		{&pipeline.ParamError{Field: "scale", Value: 0.0, Reason: "must be in (0, 1]"}, http.StatusBadRequest, "INVALID_PARAMETER"},
		{media.ErrRange, http.StatusBadRequest, "OUT_OF_RANGE"},
		{pipeline.ErrEmptyExport, http.StatusUnprocessableEntity, "EMPTY_EXPORT"},
		{media.ErrDecode, http.StatusUnprocessableEntity, "DECODE_ERROR"},
		{pipeline.ErrEncode, http.StatusInternalServerError, "ENCODE_ERROR"},
		{catalog.ErrSessionNotFound, http.StatusNotFound, "NOT_FOUND"},
		{catalog.ErrSessionClosed, http.StatusGone, "SESSION_CLOSED"},
		{catalog.ErrUnsupportedFile, http.StatusUnsupportedMediaType, "UNSUPPORTED_FILE"},
		{export.ErrTooLarge, http.StatusRequestEntityTooLarge, "TOO_LARGE"},
		{catalog.ErrNoDecoder, http.StatusServiceUnavailable, "DECODER_UNAVAILABLE"},
		{errors.New("disk on fire"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}

	for _, tc := range cases {
		cfg := testConfig(&fakeService{err: tc.err})
		rr := do(t, cfg, http.MethodGet, "/sessions/s1/metrics?scale=0.5&fps=10", nil, "")
		if rr.Code != tc.status {
			t.Errorf("%v: status = %d, want %d", tc.err, rr.Code, tc.status)
			continue
		}
		body := decodeJSONBody(t, rr)
		if body["code"] != tc.code {
			t.Errorf("%v: code = %v, want %s", tc.err, body["code"], tc.code)
		}
	}
}

func TestMetricsHandler(t *testing.T) {
	svc := &fakeService{}
	cfg := testConfig(svc)

	rr := do(t, cfg, http.MethodGet, "/sessions/s1/metrics?scale=0.5&fps=20", nil, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	if svc.scale != 0.5 || svc.fps != 20 {
		t.Errorf("service got scale=%v fps=%d", svc.scale, svc.fps)
	}
	body := decodeJSONBody(t, rr)
	if body["width"] != float64(320) || body["total_frames"] != float64(200) {
		t.Errorf("body = %v", body)
	}
}

func TestMetricsHandler_Defaults(t *testing.T) {
	svc := &fakeService{}
	do(t, testConfig(svc), http.MethodGet, "/sessions/s1/metrics", nil, "")

	if svc.scale != 0.5 || svc.fps != 20 {
		t.Errorf("defaults: scale=%v fps=%d, want 0.5 and 20", svc.scale, svc.fps)
	}
}

func TestMetricsHandler_BadNumber(t *testing.T) {
	rr := do(t, testConfig(&fakeService{}), http.MethodGet, "/sessions/s1/metrics?fps=ten", nil, "")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestPreviewHandler(t *testing.T) {
	svc := &fakeService{}
	rr := do(t, testConfig(svc), http.MethodGet, "/sessions/s1/preview?scale=0.5&t=2.5", nil, "")

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	if got := rr.Header().Get("Content-Type"); got != "image/png" {
		t.Errorf("Content-Type = %q", got)
	}
	if rr.Header().Get("X-Frame-Width") != "4" || rr.Header().Get("X-Frame-Height") != "3" {
		t.Errorf("frame headers = %v", rr.Header())
	}
	img, err := png.Decode(rr.Body)
	if err != nil {
		t.Fatalf("png.Decode() error = %v", err)
	}
	if b := img.Bounds(); b.Dx() != 4 || b.Dy() != 3 {
		t.Errorf("preview bounds = %v", b)
	}
	if svc.t == nil || *svc.t != 2.5 {
		t.Errorf("service got t = %v", svc.t)
	}
}

func TestPreviewHandler_DefaultTime(t *testing.T) {
	svc := &fakeService{}
	do(t, testConfig(svc), http.MethodGet, "/sessions/s1/preview", nil, "")

	if svc.t != nil {
		t.Errorf("t = %v, want nil so the service picks the default", *svc.t)
	}
	if svc.scale != 0.5 {
		t.Errorf("scale = %v, want 0.5", svc.scale)
	}
}

func TestExportHandler(t *testing.T) {
	svc := &fakeService{}
	body := `{"scale":0.5,"speed":5.0,"start":0,"end":10,"fps":20}`

	rr := do(t, testConfig(svc), http.MethodPost, "/sessions/s1/exports", strings.NewReader(body), "application/json")
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	want := pipeline.Params{Scale: 0.5, Speed: 5, Start: 0, End: 10, FPS: 20}
	if svc.params != want {
		t.Errorf("params = %+v, want %+v", svc.params, want)
	}
	resp := decodeJSONBody(t, rr)
	if resp["download_url"] != "/exports/e1/download" {
		t.Errorf("download_url = %v", resp["download_url"])
	}
	if resp["filename"] != "clip_scaling-0.5_fps-20_speed-5.0_duration-0-10.gif" {
		t.Errorf("filename = %v", resp["filename"])
	}
}

func TestExportHandler_Defaults(t *testing.T) {
	svc := &fakeService{}
	body := `{"start":1,"end":3}`

	rr := do(t, testConfig(svc), http.MethodPost, "/sessions/s1/exports", strings.NewReader(body), "application/json")
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	want := pipeline.Params{Scale: 0.5, Speed: 5, Start: 1, End: 3, FPS: 20}
	if svc.params != want {
		t.Errorf("params = %+v, want %+v", svc.params, want)
	}
}

func TestExportHandler_MissingField(t *testing.T) {
	svc := &fakeService{}
	body := `{"scale":0.5,"speed":1,"start":0,"fps":20}`

	rr := do(t, testConfig(svc), http.MethodPost, "/sessions/s1/exports", strings.NewReader(body), "application/json")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
	if resp := decodeJSONBody(t, rr); !strings.Contains(resp["error"].(string), "end") {
		t.Errorf("error = %v, want it to name end", resp["error"])
	}
	if svc.exported {
		t.Error("service called despite missing field")
	}
}

func TestExportHandler_UnknownField(t *testing.T) {
	body := `{"scale":0.5,"speed":1,"start":0,"end":10,"fps":10,"loop":true}`
	rr := do(t, testConfig(&fakeService{}), http.MethodPost, "/sessions/s1/exports", strings.NewReader(body), "application/json")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestCloseSessionHandler(t *testing.T) {
	svc := &fakeService{}
	rr := do(t, testConfig(svc), http.MethodDelete, "/sessions/s1", nil, "")

	if rr.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rr.Code)
	}
	if svc.closedReason != catalog.CloseReasonUser {
		t.Errorf("reason = %q", svc.closedReason)
	}
}

func TestListExportsHandler(t *testing.T) {
	svc := &fakeService{}
	rr := do(t, testConfig(svc), http.MethodGet, "/exports?session_id=s1", nil, "")

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if svc.listedFor != "s1" {
		t.Errorf("listed exports for %q", svc.listedFor)
	}
	var resp ExportsResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Exports) != 1 || resp.Exports[0].ID != "e1" {
		t.Errorf("exports = %+v", resp.Exports)
	}
}

func TestDownloadHandler(t *testing.T) {
	playback := &fakePlayback{}
	cfg := testConfig(&fakeService{})
	cfg.Playback = playback

	server := httptest.NewServer(NewRouter(cfg))
	defer server.Close()

	req, _ := http.NewRequest(http.MethodGet, server.URL+"/exports/e1/download", nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request error: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200 (loopback request via httptest should be allowed)", resp.StatusCode)
	}
	if playback.path != "/cache/s1/e1.gif" || playback.name != "clip_scaling-0.5_fps-20_speed-5.0_duration-0-10.gif" {
		t.Errorf("served %q as %q", playback.path, playback.name)
	}
}

func TestDownloadHandler_Expired(t *testing.T) {
	cfg := testConfig(&fakeService{err: catalog.ErrExportExpired})
	rr := do(t, cfg, http.MethodGet, "/exports/e1/download", nil, "")

	// httptest.NewRequest uses 192.0.2.1 as the remote address.
	if rr.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403 for non-loopback client", rr.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/exports/e1/download", nil)
	req.RemoteAddr = "127.0.0.1:5555"
	req.Header.Set("Authorization", "Bearer "+testToken)
	rr = httptest.NewRecorder()
	NewRouter(cfg).ServeHTTP(rr, req)
	if rr.Code != http.StatusGone {
		t.Fatalf("status = %d, want 410", rr.Code)
	}
}

type fakeService struct {
	err  error
	open int

	uploaded     string
	closedReason string
	scale        float64
	fps          int
	t            *float64
	params       pipeline.Params
	exported     bool
	listedFor    string
}

func testSession() *catalog.Session {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return &catalog.Session{
		ID: "s1", Filename: "clip.mp4", Size: 5, Width: 640, Height: 480,
		Duration: 10, FPS: 30, Status: catalog.SessionStatusOpen, CreatedAt: now, LastUsedAt: now,
	}
}

func testExport() *catalog.ExportRecord {
	return &catalog.ExportRecord{
		ID: "e1", SessionID: "s1", Filename: "clip_scaling-0.5_fps-20_speed-5.0_duration-0-10.gif",
		Path: "/cache/s1/e1.gif", Scale: 0.5, Speed: 5, End: 10, FPS: 20, Width: 320, Height: 240,
		Frames: 40, Size: 2048, Status: catalog.ExportStatusReady,
	}
}

func (f *fakeService) Upload(ctx context.Context, filename string, r io.Reader) (*catalog.Session, error) {
	if f.err != nil {
		return nil, f.err
	}
	data, _ := io.ReadAll(r)
	f.uploaded = filename + ":" + string(data)
	return testSession(), nil
}

func (f *fakeService) GetSession(ctx context.Context, id string) (*catalog.Session, error) {
	if f.err != nil {
		return nil, f.err
	}
	return testSession(), nil
}

func (f *fakeService) ListSessions(ctx context.Context) ([]*catalog.Session, error) {
	return []*catalog.Session{testSession()}, f.err
}

func (f *fakeService) CloseSession(ctx context.Context, id, reason string) error {
	f.closedReason = reason
	return f.err
}

func (f *fakeService) Metrics(ctx context.Context, id string, scale float64, fps int) (pipeline.Metrics, error) {
	f.scale, f.fps = scale, fps
	if f.err != nil {
		return pipeline.Metrics{}, f.err
	}
	return pipeline.Metrics{Width: 320, Height: 240, Duration: 10, FPS: fps, TotalFrames: float64(10 * fps)}, nil
}

func (f *fakeService) Preview(ctx context.Context, id string, scale float64, t *float64) (*pipeline.Preview, error) {
	f.scale, f.t = scale, t
	if f.err != nil {
		return nil, f.err
	}
	img := image.NewRGBA(image.Rect(0, 0, 4, 3))
	img.Set(1, 1, color.RGBA{R: 255, A: 255})
	return &pipeline.Preview{Image: img, Width: 4, Height: 3}, nil
}

func (f *fakeService) Export(ctx context.Context, id string, params pipeline.Params) (*catalog.ExportRecord, error) {
	f.params, f.exported = params, true
	if f.err != nil {
		return nil, f.err
	}
	return testExport(), nil
}

func (f *fakeService) GetExport(ctx context.Context, id string) (*catalog.ExportRecord, error) {
	if f.err != nil {
		return nil, f.err
	}
	return testExport(), nil
}

func (f *fakeService) ListExports(ctx context.Context, sessionID string) ([]*catalog.ExportRecord, error) {
	f.listedFor = sessionID
	return []*catalog.ExportRecord{testExport()}, f.err
}

func (f *fakeService) Artifact(ctx context.Context, exportID string) (*catalog.ExportRecord, error) {
	if f.err != nil {
		return nil, f.err
	}
	return testExport(), nil
}

func (f *fakeService) OpenCount() int { return f.open }

type fakeRepo struct {
	config map[string]string
}

func (f *fakeRepo) CreateSession(ctx context.Context, session *catalog.Session) error { return nil }

func (f *fakeRepo) GetSession(ctx context.Context, id string) (*catalog.Session, error) {
	return nil, nil
}

func (f *fakeRepo) ListSessions(ctx context.Context, status string) ([]*catalog.Session, error) {
	return nil, nil
}

func (f *fakeRepo) TouchSession(ctx context.Context, id string, at time.Time) error { return nil }

func (f *fakeRepo) CloseSession(ctx context.Context, id, reason string) error { return nil }

func (f *fakeRepo) CountSessions(ctx context.Context, status string) (int, error) { return 0, nil }

func (f *fakeRepo) CreateExport(ctx context.Context, export *catalog.ExportRecord) error {
	return nil
}

func (f *fakeRepo) GetExport(ctx context.Context, id string) (*catalog.ExportRecord, error) {
	return nil, nil
}

func (f *fakeRepo) ListExports(ctx context.Context, sessionID string, limit int) ([]*catalog.ExportRecord, error) {
	return nil, nil
}

func (f *fakeRepo) CountExports(ctx context.Context) (int, error) { return 3, nil }

func (f *fakeRepo) GetConfig(ctx context.Context, key string) (string, error) {
	return f.config[key], nil
}

func (f *fakeRepo) SetConfig(ctx context.Context, key, value string) error {
	if f.config == nil {
		f.config = make(map[string]string)
	}
	f.config[key] = value
	return nil
}

type fakePlayback struct {
	path string
	name string
}

func (f *fakePlayback) ServeArtifact(w http.ResponseWriter, r *http.Request, path, downloadName string) error {
	f.path, f.name = path, downloadName
	w.Header().Set("Content-Type", "image/gif")
	w.WriteHeader(http.StatusOK)
	return nil
}

type fakeDoctorRunner struct {
	caps *toolchain.Capabilities
}

func (f *fakeDoctorRunner) RunDoctor(ctx context.Context) (*toolchain.Capabilities, error) {
	if f.caps == nil {
		return nil, errors.New("doctor unavailable")
	}
	return f.caps, nil
}

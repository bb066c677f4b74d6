package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/disintegration/imaging"
	"github.com/go-chi/chi/v5"
	"github.com/heimdex/gifmaker/internal/catalog"
	"github.com/heimdex/gifmaker/internal/export"
	"github.com/heimdex/gifmaker/internal/media"
	"github.com/heimdex/gifmaker/internal/pipeline"
)

// Control defaults applied when a request leaves a value out.
const (
	defaultScale = 0.5
	defaultFPS   = 20
	defaultSpeed = 5.0
)

func NewRouter(cfg ServerConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware())
	r.Use(RecoveryMiddleware(cfg.Logger))
	r.Use(LoggingMiddleware(cfg.Logger))
	r.Use(CORSAllowlist())

	r.Get("/health", healthHandler(cfg))

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.Repository, cfg.Logger))

		r.Get("/status", statusHandler(cfg))

		r.Get("/sessions", listSessionsHandler(cfg))
		r.Post("/sessions", uploadHandler(cfg))
		r.Get("/sessions/{id}", getSessionHandler(cfg))
		r.Delete("/sessions/{id}", closeSessionHandler(cfg))
		r.Get("/sessions/{id}/metrics", metricsHandler(cfg))
		r.Get("/sessions/{id}/preview", previewHandler(cfg))
		r.Post("/sessions/{id}/exports", exportHandler(cfg))

		r.Get("/exports", listExportsHandler(cfg))
		r.Get("/exports/{id}", getExportHandler(cfg))

		r.With(LoopbackGuard()).Get("/exports/{id}/download", downloadHandler(cfg))
		r.With(LoopbackGuard()).Head("/exports/{id}/download", downloadHandler(cfg))
	})

	return r
}

func healthHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uptime := int64(time.Since(cfg.StartTime).Seconds())
		WriteJSON(w, http.StatusOK, HealthResponse{
			Status:   "ok",
			Version:  cfg.Version,
			UptimeS:  uptime,
			DeviceID: cfg.DeviceID,
		})
	}
}

func statusHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		open := cfg.SessionService.OpenCount()
		exports, _ := cfg.Repository.CountExports(ctx)

		state := "idle"
		if open > 0 {
			state = "active"
		}

		resp := StatusResponse{
			State:        state,
			OpenSessions: open,
			ExportsCount: exports,
		}
		if cfg.MaxUploadBytes > 0 {
			resp.MaxUploadBytes = cfg.MaxUploadBytes
			resp.MaxUploadHuman = humanizeBytes(cfg.MaxUploadBytes)
		}
		if cfg.Janitor != nil {
			resp.JanitorPaused = cfg.Janitor.IsPaused()
			resp.IdleClosed = cfg.Janitor.ClosedCount()
		}

		if cfg.Doctor != nil {
			if caps := cfg.Doctor.Peek(); caps != nil {
				tc := &ToolchainStatusResponse{
					HasDecode:  caps.HasDecode,
					ToolsAvail: caps.Available(),
					ToolsTotal: len(caps.Executables),
					Versions:   make(map[string]string),
				}
				if !caps.ProbedAt.IsZero() {
					tc.LastProbeAt = caps.ProbedAt.Format(time.RFC3339)
				}
				for name, info := range caps.Executables {
					if info.Available && info.Version != "" {
						tc.Versions[name] = info.Version
					}
				}
				resp.Toolchain = tc
				if !caps.HasDecode {
					state = "degraded"
					resp.State = state
				}
			}
		}

		WriteJSON(w, http.StatusOK, resp)
	}
}

func listSessionsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessions, err := cfg.SessionService.ListSessions(r.Context())
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to list sessions", "INTERNAL_ERROR")
			return
		}

		resp := SessionsResponse{Sessions: make([]SessionResponse, len(sessions))}
		for i, s := range sessions {
			resp.Sessions[i] = SessionToResponse(s)
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func uploadHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cfg.MaxUploadBytes > 0 {
			// Multipart framing adds a little on top of the file itself.
			r.Body = http.MaxBytesReader(w, r.Body, cfg.MaxUploadBytes+1<<20)
		}

		reader, err := r.MultipartReader()
		if err != nil {
			WriteError(w, http.StatusBadRequest, "expected multipart/form-data body", "BAD_REQUEST")
			return
		}

		for {
			part, err := reader.NextPart()
			if err != nil {
				var maxErr *http.MaxBytesError
				if errors.As(err, &maxErr) {
					WriteError(w, http.StatusRequestEntityTooLarge, "upload exceeds size limit", "TOO_LARGE")
					return
				}
				WriteError(w, http.StatusBadRequest, "multipart field \"file\" is required", "BAD_REQUEST")
				return
			}
			if part.FormName() != "file" {
				part.Close()
				continue
			}

			session, err := cfg.SessionService.Upload(r.Context(), part.FileName(), part)
			part.Close()
			if err != nil {
				writeServiceError(w, cfg, err)
				return
			}
			WriteJSON(w, http.StatusCreated, SessionToResponse(session))
			return
		}
	}
}

func getSessionHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		session, err := cfg.SessionService.GetSession(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeServiceError(w, cfg, err)
			return
		}
		WriteJSON(w, http.StatusOK, SessionToResponse(session))
	}
}

func closeSessionHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := cfg.SessionService.CloseSession(r.Context(), chi.URLParam(r, "id"), catalog.CloseReasonUser); err != nil {
			writeServiceError(w, cfg, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func metricsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		scale, err := floatParam(q.Get("scale"), "scale", defaultScale)
		if err != nil {
			writeServiceError(w, cfg, err)
			return
		}
		fps, err := intParam(q.Get("fps"), "fps", defaultFPS)
		if err != nil {
			writeServiceError(w, cfg, err)
			return
		}

		m, err := cfg.SessionService.Metrics(r.Context(), chi.URLParam(r, "id"), scale, fps)
		if err != nil {
			writeServiceError(w, cfg, err)
			return
		}
		WriteJSON(w, http.StatusOK, MetricsResponse{Metrics: m, Scale: scale})
	}
}

func previewHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		scale, err := floatParam(q.Get("scale"), "scale", defaultScale)
		if err != nil {
			writeServiceError(w, cfg, err)
			return
		}
		var t *float64
		if raw := q.Get("t"); raw != "" {
			v, err := floatParam(raw, "t", 0)
			if err != nil {
				writeServiceError(w, cfg, err)
				return
			}
			t = &v
		}

		preview, err := cfg.SessionService.Preview(r.Context(), chi.URLParam(r, "id"), scale, t)
		if err != nil {
			writeServiceError(w, cfg, err)
			return
		}

		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("X-Frame-Width", strconv.Itoa(preview.Width))
		w.Header().Set("X-Frame-Height", strconv.Itoa(preview.Height))
		w.Header().Set("X-Frame-Time", strconv.FormatFloat(preview.Time, 'f', -1, 64))
		w.WriteHeader(http.StatusOK)
		if err := imaging.Encode(w, preview.Image, imaging.PNG); err != nil {
			cfg.Logger.Error("failed to encode preview", "error", err)
		}
	}
}

func exportHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ExportRequest
		dec := json.NewDecoder(r.Body)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}

		params, err := req.params()
		if err != nil {
			writeServiceError(w, cfg, err)
			return
		}

		record, err := cfg.SessionService.Export(r.Context(), chi.URLParam(r, "id"), params)
		if err != nil {
			writeServiceError(w, cfg, err)
			return
		}
		WriteJSON(w, http.StatusCreated, ExportToResponse(record))
	}
}

func listExportsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		exports, err := cfg.SessionService.ListExports(r.Context(), r.URL.Query().Get("session_id"))
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to list exports", "INTERNAL_ERROR")
			return
		}

		resp := ExportsResponse{Exports: make([]ExportResponse, len(exports))}
		for i, e := range exports {
			resp.Exports[i] = ExportToResponse(e)
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func getExportHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		record, err := cfg.SessionService.GetExport(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeServiceError(w, cfg, err)
			return
		}
		WriteJSON(w, http.StatusOK, ExportToResponse(record))
	}
}

func downloadHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		record, err := cfg.SessionService.Artifact(r.Context(), id)
		if err != nil {
			writeServiceError(w, cfg, err)
			return
		}

		if err := cfg.Playback.ServeArtifact(w, r, record.Path, record.Filename); err != nil {
			cfg.Logger.Error("download error", "error", err, "export_id", id)
		}
	}
}

// params fills scale, speed and fps from the control defaults. The trim
// range depends on the video and is always required.
func (req ExportRequest) params() (pipeline.Params, error) {
	missing := func(field string) error {
		return &pipeline.ParamError{Field: field, Reason: "is required"}
	}
	switch {
	case req.Start == nil:
		return pipeline.Params{}, missing("start")
	case req.End == nil:
		return pipeline.Params{}, missing("end")
	}
	params := pipeline.Params{
		Scale: defaultScale,
		Speed: defaultSpeed,
		Start: *req.Start,
		End:   *req.End,
		FPS:   defaultFPS,
	}
	if req.Scale != nil {
		params.Scale = *req.Scale
	}
	if req.Speed != nil {
		params.Speed = *req.Speed
	}
	if req.FPS != nil {
		params.FPS = *req.FPS
	}
	return params, nil
}

func floatParam(raw, field string, def float64) (float64, error) {
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, &pipeline.ParamError{Field: field, Value: raw, Reason: "is not a number"}
	}
	return v, nil
}

func intParam(raw, field string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, &pipeline.ParamError{Field: field, Value: raw, Reason: "is not an integer"}
	}
	return v, nil
}

// writeServiceError maps domain errors onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, cfg ServerConfig, err error) {
	status, code := http.StatusInternalServerError, "INTERNAL_ERROR"
	msg := err.Error()

	var maxErr *http.MaxBytesError
	switch {
	case errors.Is(err, pipeline.ErrInvalidParameter):
		status, code = http.StatusBadRequest, "INVALID_PARAMETER"
	case errors.Is(err, media.ErrRange):
		status, code = http.StatusBadRequest, "OUT_OF_RANGE"
	case errors.Is(err, pipeline.ErrEmptyExport):
		status, code = http.StatusUnprocessableEntity, "EMPTY_EXPORT"
	case errors.Is(err, media.ErrDecode):
		status, code = http.StatusUnprocessableEntity, "DECODE_ERROR"
	case errors.Is(err, pipeline.ErrEncode):
		status, code = http.StatusInternalServerError, "ENCODE_ERROR"
	case errors.Is(err, catalog.ErrSessionNotFound), errors.Is(err, catalog.ErrExportNotFound):
		status, code = http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, catalog.ErrSessionClosed):
		status, code = http.StatusGone, "SESSION_CLOSED"
	case errors.Is(err, catalog.ErrExportExpired):
		status, code = http.StatusGone, "EXPORT_EXPIRED"
	case errors.Is(err, catalog.ErrUnsupportedFile):
		status, code = http.StatusUnsupportedMediaType, "UNSUPPORTED_FILE"
	case errors.Is(err, export.ErrTooLarge), errors.As(err, &maxErr):
		status, code = http.StatusRequestEntityTooLarge, "TOO_LARGE"
	case errors.Is(err, catalog.ErrNoDecoder):
		status, code = http.StatusServiceUnavailable, "DECODER_UNAVAILABLE"
	}

	if status == http.StatusInternalServerError {
		cfg.Logger.Error("request failed", "error", err)
		if code == "INTERNAL_ERROR" {
			msg = "internal server error"
		}
	}
	WriteError(w, status, msg, code)
}

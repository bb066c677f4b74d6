package catalog

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/heimdex/gifmaker/internal/export"
	"github.com/heimdex/gifmaker/internal/logging"
	"github.com/heimdex/gifmaker/internal/media"
	"github.com/heimdex/gifmaker/internal/pipeline"
	"github.com/heimdex/gifmaker/internal/toolchain"
)

const fingerprintSize = 64 * 1024

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionClosed   = errors.New("session closed")
	ErrExportNotFound  = errors.New("export not found")
	ErrExportExpired   = errors.New("export expired")
	ErrUnsupportedFile = errors.New("unsupported file type")
	ErrNoDecoder       = errors.New("ffmpeg not available")
)

// Opener opens a decoded video at path.
type Opener func(ctx context.Context, path string) (media.Source, error)

type SessionService interface {
	Upload(ctx context.Context, filename string, r io.Reader) (*Session, error)
	GetSession(ctx context.Context, id string) (*Session, error)
	ListSessions(ctx context.Context) ([]*Session, error)
	CloseSession(ctx context.Context, id, reason string) error
	Metrics(ctx context.Context, id string, scale float64, fps int) (pipeline.Metrics, error)
	Preview(ctx context.Context, id string, scale float64, t *float64) (*pipeline.Preview, error)
	Export(ctx context.Context, id string, params pipeline.Params) (*ExportRecord, error)
	GetExport(ctx context.Context, id string) (*ExportRecord, error)
	ListExports(ctx context.Context, sessionID string) ([]*ExportRecord, error)
	Artifact(ctx context.Context, exportID string) (*ExportRecord, error)
	OpenCount() int
}

type Options struct {
	Repo           Repository
	Store          *export.Store
	Pipeline       *pipeline.Pipeline
	Open           Opener
	Doctor         *toolchain.CachedDoctor
	MaxUploadBytes int64
	Logger         *slog.Logger
}

// Service owns the open video handles. Calls on one session are serialised
// by that session's lock; different sessions proceed in parallel.
type Service struct {
	repo      Repository
	store     *export.Store
	pipe      *pipeline.Pipeline
	open      Opener
	doctor    *toolchain.CachedDoctor
	maxUpload int64
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	handles map[string]*handle
}

type handle struct {
	mu       sync.Mutex
	src      media.Source
	base     string
	closed   bool
	lastUsed time.Time
}

func NewService(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	open := opts.Open
	if open == nil {
		open = func(ctx context.Context, path string) (media.Source, error) {
			return media.Open(ctx, path, logger)
		}
	}
	pipe := opts.Pipeline
	if pipe == nil {
		pipe = pipeline.New(pipeline.Options{Logger: logger})
	}
	return &Service{
		repo:      opts.Repo,
		store:     opts.Store,
		pipe:      pipe,
		open:      open,
		doctor:    opts.Doctor,
		maxUpload: opts.MaxUploadBytes,
		logger:    logger,
		now:       time.Now,
		handles:   make(map[string]*handle),
	}
}

// Upload stores the video, opens it and starts a session.
func (s *Service) Upload(ctx context.Context, filename string, r io.Reader) (*Session, error) {
	if !IsVideoFile(filename) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFile, filename)
	}
	if s.doctor != nil {
		caps, err := s.doctor.Get(ctx)
		if err != nil || !caps.HasDecode {
			return nil, ErrNoDecoder
		}
	}

	id := NewID()
	logger := logging.WithSessionID(s.logger, id)

	path, size, err := s.store.SaveUpload(id, filename, r, s.maxUpload)
	if err != nil {
		s.store.RemoveSession(id)
		return nil, err
	}

	fingerprint, err := computeFingerprint(path)
	if err != nil {
		s.store.RemoveSession(id)
		return nil, fmt.Errorf("fingerprint upload: %w", err)
	}

	src, err := s.open(ctx, path)
	if err != nil {
		s.store.RemoveSession(id)
		logger.Warn("upload could not be opened", "filename", filename, "path", logging.SanitizePath(path), "error", err)
		return nil, err
	}
	info := src.Info()

	now := s.now()
	session := &Session{
		ID:          id,
		Filename:    filename,
		SourcePath:  path,
		Fingerprint: fingerprint,
		Size:        size,
		Width:       info.Width,
		Height:      info.Height,
		Duration:    info.Duration,
		FPS:         info.FPS,
		FrameCount:  info.FrameCount,
		Status:      SessionStatusOpen,
		CreatedAt:   now,
		LastUsedAt:  now,
	}
	if p, ok := src.(interface{ Probe() media.ProbeResult }); ok {
		session.Codec = p.Probe().Codec
	}

	if err := s.repo.CreateSession(ctx, session); err != nil {
		closeSource(src)
		s.store.RemoveSession(id)
		return nil, fmt.Errorf("create session: %w", err)
	}

	s.mu.Lock()
	s.handles[id] = &handle{src: src, base: export.BaseName(filename), lastUsed: now}
	s.mu.Unlock()

	logger.Info("session opened",
		"filename", filename,
		"path", logging.SanitizePath(path),
		"size", humanize.Bytes(uint64(size)),
		"width", info.Width,
		"height", info.Height,
		"duration", info.Duration,
		"fps", info.FPS,
	)
	return session, nil
}

func (s *Service) GetSession(ctx context.Context, id string) (*Session, error) {
	session, err := s.repo.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

func (s *Service) ListSessions(ctx context.Context) ([]*Session, error) {
	return s.repo.ListSessions(ctx, "")
}

// CloseSession releases the handle and deletes the upload and artifacts.
// It waits for any preview or export in flight on the session.
func (s *Service) CloseSession(ctx context.Context, id, reason string) error {
	return s.closeSession(ctx, id, reason, time.Time{})
}

// errNotIdle reports a session that was used after the idle sweep picked it.
var errNotIdle = errors.New("session no longer idle")

// closeSession closes id. A non-zero idleBefore closes it only if it was
// last used before then, checked while holding the handle.
func (s *Service) closeSession(ctx context.Context, id, reason string, idleBefore time.Time) error {
	s.mu.Lock()
	h, ok := s.handles[id]
	s.mu.Unlock()

	if !ok {
		if _, err := s.GetSession(ctx, id); err != nil {
			return err
		}
		return ErrSessionClosed
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrSessionClosed
	}
	s.mu.Lock()
	if !idleBefore.IsZero() && !h.lastUsed.Before(idleBefore) {
		s.mu.Unlock()
		h.mu.Unlock()
		return errNotIdle
	}
	if s.handles[id] == h {
		delete(s.handles, id)
	}
	s.mu.Unlock()
	h.closed = true
	closeSource(h.src)
	h.mu.Unlock()

	if err := s.store.RemoveSession(id); err != nil {
		s.logger.Warn("failed to remove session files", "session_id", id, "error", err)
	}
	if err := s.repo.CloseSession(ctx, id, reason); err != nil {
		return fmt.Errorf("close session: %w", err)
	}

	s.logger.Info("session closed", "session_id", id, "reason", reason)
	return nil
}

// acquire locks the session's handle. The caller must call release.
func (s *Service) acquire(ctx context.Context, id string) (*handle, func(), error) {
	s.mu.Lock()
	h, ok := s.handles[id]
	s.mu.Unlock()
	if !ok {
		if _, err := s.GetSession(ctx, id); err != nil {
			return nil, nil, err
		}
		return nil, nil, ErrSessionClosed
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, nil, ErrSessionClosed
	}
	s.mu.Lock()
	h.lastUsed = s.now()
	s.mu.Unlock()

	release := func() {
		now := s.now()
		s.mu.Lock()
		h.lastUsed = now
		s.mu.Unlock()
		h.mu.Unlock()
		if err := s.repo.TouchSession(context.Background(), id, now); err != nil {
			s.logger.Warn("failed to touch session", "session_id", id, "error", err)
		}
	}
	return h, release, nil
}

func (s *Service) Metrics(ctx context.Context, id string, scale float64, fps int) (pipeline.Metrics, error) {
	h, release, err := s.acquire(ctx, id)
	if err != nil {
		return pipeline.Metrics{}, err
	}
	defer release()
	return pipeline.ComputeMetrics(h.src.Info(), scale, fps)
}

// Preview renders one frame. A nil t selects floor(duration).
func (s *Service) Preview(ctx context.Context, id string, scale float64, t *float64) (*pipeline.Preview, error) {
	h, release, err := s.acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	at := math.Floor(h.src.Info().Duration)
	if t != nil {
		at = *t
	}
	return s.pipe.Preview(ctx, h.src, pipeline.PreviewParams{Scale: scale, Time: at})
}

// Export renders params and stores the GIF under the session.
func (s *Service) Export(ctx context.Context, id string, params pipeline.Params) (*ExportRecord, error) {
	h, release, err := s.acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	logger := logging.WithSessionID(s.logger, id)
	started := s.now()

	art, err := s.pipe.Export(ctx, h.src, params)
	if err != nil {
		logger.Warn("export failed", "error", err)
		return nil, err
	}

	exportID := NewID()
	path, err := s.store.SaveArtifact(id, exportID, art.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", pipeline.ErrEncode, err)
	}

	record := &ExportRecord{
		ID:        exportID,
		SessionID: id,
		Filename:  export.Filename(h.base, params),
		Path:      path,
		Scale:     params.Scale,
		Speed:     params.Speed,
		Start:     params.Start,
		End:       params.End,
		FPS:       params.FPS,
		Width:     art.Width,
		Height:    art.Height,
		Frames:    art.Frames,
		Size:      int64(art.Size()),
		Status:    ExportStatusReady,
		CreatedAt: s.now(),
	}
	if err := s.repo.CreateExport(ctx, record); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("record export: %w", err)
	}

	logging.WithExportID(logger, exportID).Info("export stored",
		"filename", record.Filename,
		"frames", record.Frames,
		"size", humanize.Bytes(uint64(record.Size)),
		"duration_ms", s.now().Sub(started).Milliseconds(),
	)
	return record, nil
}

func (s *Service) GetExport(ctx context.Context, id string) (*ExportRecord, error) {
	e, err := s.repo.GetExport(ctx, id)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, ErrExportNotFound
	}
	return e, nil
}

func (s *Service) ListExports(ctx context.Context, sessionID string) ([]*ExportRecord, error) {
	return s.repo.ListExports(ctx, sessionID, 100)
}

// Artifact returns an export whose file can still be served.
func (s *Service) Artifact(ctx context.Context, exportID string) (*ExportRecord, error) {
	e, err := s.GetExport(ctx, exportID)
	if err != nil {
		return nil, err
	}
	if e.Status != ExportStatusReady {
		return nil, ErrExportExpired
	}
	if _, err := os.Stat(e.Path); err != nil {
		return nil, ErrExportExpired
	}
	return e, nil
}

func (s *Service) OpenCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

// CloseIdle closes sessions unused for longer than ttl.
func (s *Service) CloseIdle(ctx context.Context, ttl time.Duration) int {
	cutoff := s.now().Add(-ttl)

	s.mu.Lock()
	var idle []string
	for id, h := range s.handles {
		if h.lastUsed.Before(cutoff) {
			idle = append(idle, id)
		}
	}
	s.mu.Unlock()

	closed := 0
	for _, id := range idle {
		err := s.closeSession(ctx, id, CloseReasonIdle, cutoff)
		if errors.Is(err, errNotIdle) {
			continue
		}
		if err != nil {
			s.logger.Warn("failed to close idle session", "session_id", id, "error", err)
			continue
		}
		closed++
	}
	return closed
}

// Shutdown closes every open session.
func (s *Service) Shutdown(ctx context.Context) {
	s.closeAll(ctx, CloseReasonShutdown)
}

// CloseAll closes every open session on behalf of the user.
func (s *Service) CloseAll(ctx context.Context) int {
	return s.closeAll(ctx, CloseReasonUser)
}

func (s *Service) closeAll(ctx context.Context, reason string) int {
	s.mu.Lock()
	ids := make([]string, 0, len(s.handles))
	for id := range s.handles {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	closed := 0
	for _, id := range ids {
		if err := s.CloseSession(ctx, id, reason); err != nil {
			s.logger.Warn("failed to close session", "session_id", id, "reason", reason, "error", err)
			continue
		}
		closed++
	}
	return closed
}

// Recover clears cached files left behind by a previous run.
func (s *Service) Recover() error {
	n, err := s.store.Purge()
	if err != nil {
		return err
	}
	if n > 0 {
		s.logger.Info("removed stale session files", "count", n)
	}
	return nil
}

func closeSource(src media.Source) {
	if c, ok := src.(io.Closer); ok {
		c.Close()
	}
}

func computeFingerprint(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	lr := io.LimitReader(f, fingerprintSize)
	if _, err := io.Copy(h, lr); err != nil {
		return "", err
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

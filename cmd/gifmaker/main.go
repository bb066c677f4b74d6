package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/heimdex/gifmaker/internal/api"
	"github.com/heimdex/gifmaker/internal/catalog"
	"github.com/heimdex/gifmaker/internal/config"
	"github.com/heimdex/gifmaker/internal/db"
	"github.com/heimdex/gifmaker/internal/export"
	"github.com/heimdex/gifmaker/internal/logging"
	"github.com/heimdex/gifmaker/internal/pipeline"
	"github.com/heimdex/gifmaker/internal/playback"
	"github.com/heimdex/gifmaker/internal/toolchain"
	"github.com/heimdex/gifmaker/internal/ui"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("fatal error: %v", err)
	}
}

func run() error {
	startTime := time.Now()

	cfg, err := config.New()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := os.MkdirAll(cfg.DataDir(), 0755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}

	logger := logging.NewLogger(cfg.LogLevel())
	logger.Info("starting gifmaker",
		"version", config.Version,
		"commit", config.GitCommit,
		"data_dir", logging.SanitizePath(cfg.DataDir()),
	)

	database, err := db.New(cfg.DBPath(), logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer database.Close()

	repo := catalog.NewRepository(database.Conn())

	deviceID, err := ensureDeviceID(repo)
	if err != nil {
		return fmt.Errorf("failed to ensure device ID: %w", err)
	}

	authToken, err := ensureAuthToken(repo)
	if err != nil {
		return fmt.Errorf("failed to ensure auth token: %w", err)
	}

	fmt.Println()
	fmt.Println("╔═══════════════════════════════════════════════════════════╗")
	fmt.Printf("║                     GIFMAKER v%-27s ║\n", config.Version)
	fmt.Println("╠═══════════════════════════════════════════════════════════╣")
	fmt.Printf("║  API URL:    http://127.0.0.1:%-27d ║\n", cfg.Port())
	fmt.Printf("║  Auth Token: %-45s ║\n", authToken)
	fmt.Printf("║  Device ID:  %-45s ║\n", deviceID[:16]+"...")
	fmt.Println("╚═══════════════════════════════════════════════════════════╝")
	fmt.Println()

	runner := toolchain.NewRunner(toolchain.Config{
		Timeout: cfg.DoctorTimeout(),
		Logger:  logger,
	})
	doctor := toolchain.NewCachedDoctor(runner, logger)

	initCtx, initCancel := context.WithTimeout(context.Background(), 2*cfg.DoctorTimeout())
	if caps, err := doctor.Refresh(initCtx); err != nil {
		logger.Warn("initial toolchain probe failed", "error", err)
	} else if !caps.HasDecode {
		logger.Warn("ffmpeg/ffprobe not found, uploads will be rejected until they are installed",
			"tools", fmt.Sprintf("%d/%d", caps.Available(), len(caps.Executables)),
		)
	} else {
		logger.Info("toolchain detected",
			"ffmpeg", caps.Executables["ffmpeg"].Version,
			"ffprobe", caps.Executables["ffprobe"].Version,
		)
	}
	initCancel()

	store, err := export.NewStore(cfg.CacheDir())
	if err != nil {
		return fmt.Errorf("failed to initialize cache: %w", err)
	}

	pipe := pipeline.New(pipeline.Options{
		MaxFrames: cfg.MaxExportFrames(),
		Dither:    cfg.Dither(),
		Logger:    logging.WithComponent(logger, "pipeline"),
	})

	sessionSvc := catalog.NewService(catalog.Options{
		Repo:           repo,
		Store:          store,
		Pipeline:       pipe,
		Doctor:         doctor,
		MaxUploadBytes: cfg.MaxUploadBytes(),
		Logger:         logger,
	})
	if err := sessionSvc.Recover(); err != nil {
		logger.Warn("failed to clear stale cache", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	janitor := catalog.NewJanitor(sessionSvc, cfg.SessionTTL(), logging.WithComponent(logger, "janitor"))
	go janitor.Start(ctx)

	apiServer := api.NewServer(api.ServerConfig{
		Port:           cfg.Port(),
		Version:        config.Version,
		SessionService: sessionSvc,
		Playback:       playback.NewServer(logger),
		Repository:     repo,
		Janitor:        janitor,
		Doctor:         doctor,
		Logger:         logger,
		StartTime:      startTime,
		DeviceID:       deviceID,
		MaxUploadBytes: cfg.MaxUploadBytes(),
	})

	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Error("HTTP server error", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	quitCh := make(chan struct{})

	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("received shutdown signal", "signal", sig)
			close(quitCh)
		case <-quitCh:
		}
	}()

	if cfg.Headless() {
		logger.Info("running in headless mode (no system tray)")
	} else {
		tray := ui.NewTray(ui.TrayConfig{
			SessionService: sessionSvc,
			Janitor:        janitor,
			APIURL:         fmt.Sprintf("http://127.0.0.1:%d", cfg.Port()),
			Logger:         logger,
			OnCloseAll: func() {
				n := sessionSvc.CloseAll(ctx)
				logger.Info("closed all sessions from tray", "count", n)
			},
			OnQuit: func() {
				close(quitCh)
			},
		})
		go tray.Run()
	}

	<-quitCh

	logger.Info("initiating graceful shutdown")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown HTTP server", "error", err)
	}
	sessionSvc.Shutdown(shutdownCtx)

	logger.Info("shutdown complete")
	return nil
}

func ensureDeviceID(repo catalog.Repository) (string, error) {
	return ensureSecret(repo, "device_id", 16)
}

func ensureAuthToken(repo catalog.Repository) (string, error) {
	return ensureSecret(repo, "auth_token", 32)
}

// ensureSecret returns the stored value for key, generating and persisting
// n random bytes (hex encoded) on first run.
func ensureSecret(repo catalog.Repository, key string, n int) (string, error) {
	ctx := context.Background()

	existing, err := repo.GetConfig(ctx, key)
	if err == nil && existing != "" {
		return existing, nil
	}

	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	value := hex.EncodeToString(b)

	if err := repo.SetConfig(ctx, key, value); err != nil {
		return "", err
	}

	return value, nil
}

// Package config provides configuration management for the gifmaker agent.
// Configuration is loaded from environment variables with sensible defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

const (
	// Default values
	DefaultPort            = 8797
	DefaultLogLevel        = "info"
	DefaultDataDir         = ".gifmaker"
	DefaultMaxUploadMB     = 512
	DefaultMaxExportFrames = 1800
	DefaultSessionTTL      = 30 * time.Minute
	DefaultDoctorTimeout   = 10 * time.Second

	// Environment variable names
	EnvPort            = "GIFMAKER_PORT"
	EnvLogLevel        = "GIFMAKER_LOG_LEVEL"
	EnvDataDir         = "GIFMAKER_DATA_DIR"
	EnvHeadless        = "GIFMAKER_HEADLESS"
	EnvMaxUploadMB     = "GIFMAKER_MAX_UPLOAD_MB"
	EnvMaxExportFrames = "GIFMAKER_MAX_EXPORT_FRAMES"
	EnvSessionTTL      = "GIFMAKER_SESSION_TTL"
	EnvDither          = "GIFMAKER_DITHER"

	// Database filename
	DBFilename = "gifmaker.db"
)

// Config defines the application configuration interface
type Config interface {
	Port() int
	LogLevel() string
	DataDir() string
	DBPath() string
	CacheDir() string
	Headless() bool
	MaxUploadBytes() int64
	MaxExportFrames() int
	SessionTTL() time.Duration
	Dither() bool
	DoctorTimeout() time.Duration
}

// EnvConfig reads configuration from environment variables
type EnvConfig struct {
	port            int
	logLevel        string
	dataDir         string
	headless        bool
	maxUploadMB     int
	maxExportFrames int
	sessionTTL      time.Duration
	dither          bool
}

// New creates a new EnvConfig with defaults and environment variable overrides
func New() (*EnvConfig, error) {
	cfg := &EnvConfig{
		port:            DefaultPort,
		logLevel:        DefaultLogLevel,
		dataDir:         defaultDataDir(),
		maxUploadMB:     DefaultMaxUploadMB,
		maxExportFrames: DefaultMaxExportFrames,
		sessionTTL:      DefaultSessionTTL,
		dither:          true,
	}

	if p := os.Getenv(EnvPort); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", EnvPort, err)
		}
		if port < 1 || port > 65535 {
			return nil, fmt.Errorf("invalid %s: port must be between 1 and 65535", EnvPort)
		}
		cfg.port = port
	}

	if ll := os.Getenv(EnvLogLevel); ll != "" {
		cfg.logLevel = ll
	}

	if dd := os.Getenv(EnvDataDir); dd != "" {
		cfg.dataDir = dd
	}

	if h := os.Getenv(EnvHeadless); h != "" {
		headless, err := strconv.ParseBool(h)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", EnvHeadless, err)
		}
		cfg.headless = headless
	}

	if mb := os.Getenv(EnvMaxUploadMB); mb != "" {
		n, err := strconv.Atoi(mb)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", EnvMaxUploadMB, err)
		}
		if n <= 0 {
			return nil, fmt.Errorf("invalid %s: must be positive", EnvMaxUploadMB)
		}
		cfg.maxUploadMB = n
	}

	if mf := os.Getenv(EnvMaxExportFrames); mf != "" {
		n, err := strconv.Atoi(mf)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", EnvMaxExportFrames, err)
		}
		if n < 0 {
			return nil, fmt.Errorf("invalid %s: must not be negative", EnvMaxExportFrames)
		}
		cfg.maxExportFrames = n
	}

	if ttl := os.Getenv(EnvSessionTTL); ttl != "" {
		d, err := time.ParseDuration(ttl)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", EnvSessionTTL, err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("invalid %s: must be positive", EnvSessionTTL)
		}
		cfg.sessionTTL = d
	}

	if d := os.Getenv(EnvDither); d != "" {
		dither, err := strconv.ParseBool(d)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", EnvDither, err)
		}
		cfg.dither = dither
	}

	return cfg, nil
}

// Port returns the HTTP server port
func (c *EnvConfig) Port() int {
	return c.port
}

// LogLevel returns the log level (debug, info, warn, error)
func (c *EnvConfig) LogLevel() string {
	return c.logLevel
}

// DataDir returns the data directory path
func (c *EnvConfig) DataDir() string {
	return c.dataDir
}

// DBPath returns the full path to the SQLite database file
func (c *EnvConfig) DBPath() string {
	return filepath.Join(c.dataDir, DBFilename)
}

// CacheDir holds uploaded sources and rendered artifacts of open sessions.
func (c *EnvConfig) CacheDir() string {
	return filepath.Join(c.dataDir, "cache")
}

func (c *EnvConfig) Headless() bool {
	return c.headless
}

// MaxUploadBytes bounds the multipart body accepted for one upload.
func (c *EnvConfig) MaxUploadBytes() int64 {
	return int64(c.maxUploadMB) * 1024 * 1024
}

// MaxExportFrames caps the sampled frame count of one export. Zero disables the cap.
func (c *EnvConfig) MaxExportFrames() int {
	return c.maxExportFrames
}

func (c *EnvConfig) SessionTTL() time.Duration {
	return c.sessionTTL
}

func (c *EnvConfig) Dither() bool {
	return c.dither
}

func (c *EnvConfig) DoctorTimeout() time.Duration {
	return DefaultDoctorTimeout
}

// defaultDataDir returns the default data directory path
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		// Fallback to current directory if home is not available
		return DefaultDataDir
	}
	return filepath.Join(home, DefaultDataDir)
}

// Version information (set at build time via ldflags)
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

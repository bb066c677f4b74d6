package toolchain

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

const (
	maxStderrBytes = 8 * 1024 // 8 KB tail of stderr kept for diagnostics
	maxStdoutBytes = 4 * 1024
)

// Tools probed by the doctor. The media adapter needs both.
var Tools = []string{"ffprobe", "ffmpeg"}

// Runner probes the external toolchain.
type Runner interface {
	// RunDoctor resolves every tool on PATH and asks it for its version.
	RunDoctor(ctx context.Context) (*Capabilities, error)
}

// Config holds the runner's configuration.
type Config struct {
	Timeout time.Duration // per-tool timeout for `<tool> -version`
	Logger  *slog.Logger
}

// SubprocessRunner is the production implementation of Runner.
type SubprocessRunner struct {
	cfg      Config
	lookPath func(string) (string, error)
}

func NewRunner(cfg Config) *SubprocessRunner {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &SubprocessRunner{cfg: cfg, lookPath: exec.LookPath}
}

// RunDoctor never fails as a whole: missing tools are reported per tool.
func (r *SubprocessRunner) RunDoctor(ctx context.Context) (*Capabilities, error) {
	caps := &Capabilities{Executables: make(map[string]ToolInfo, len(Tools))}

	for _, name := range Tools {
		caps.Executables[name] = r.probeTool(ctx, name)
	}

	caps.HasDecode = caps.Executables["ffprobe"].Available && caps.Executables["ffmpeg"].Available
	caps.ProbedAt = time.Now()

	if r.cfg.Logger != nil {
		r.cfg.Logger.Info("toolchain probe complete",
			"has_decode", caps.HasDecode,
			"available", caps.Available(),
			"total", len(Tools),
		)
	}
	return caps, nil
}

func (r *SubprocessRunner) probeTool(ctx context.Context, name string) ToolInfo {
	path, err := r.lookPath(name)
	if err != nil {
		return ToolInfo{Error: fmt.Sprintf("%s not found on PATH", name)}
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	result := r.exec(ctx, path, "-version")
	if !result.IsSuccess() {
		return ToolInfo{
			Path:  path,
			Error: fmt.Sprintf("exited %d: %s", result.ExitCode, truncate(result.StderrTail, 256)),
		}
	}

	return ToolInfo{Available: true, Path: path, Version: parseVersion(result.Stdout)}
}

func (r *SubprocessRunner) exec(ctx context.Context, bin string, args ...string) RunResult {
	start := time.Now()

	cmd := exec.CommandContext(ctx, bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = NewTailBuffer(&stdout, maxStdoutBytes)
	cmd.Stderr = NewTailBuffer(&stderr, maxStderrBytes)

	err := cmd.Run()
	elapsed := time.Since(start)

	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
			stderr.WriteString(err.Error())
		}
	}

	if exitCode != 0 && r.cfg.Logger != nil {
		r.cfg.Logger.Warn("tool command failed",
			"bin", bin,
			"exit_code", exitCode,
			"duration_ms", elapsed.Milliseconds(),
			"stderr_tail", truncate(stderr.String(), 512),
		)
	}

	return RunResult{
		ExitCode:   exitCode,
		Stdout:     stdout.String(),
		StderrTail: stderr.String(),
		Duration:   elapsed,
	}
}

// parseVersion pulls "6.1.1" out of "ffmpeg version 6.1.1-3ubuntu5 Copyright ...".
func parseVersion(out string) string {
	sc := bufio.NewScanner(strings.NewReader(out))
	if !sc.Scan() {
		return ""
	}
	fields := strings.Fields(sc.Text())
	for i, f := range fields {
		if f == "version" && i+1 < len(fields) {
			v := fields[i+1]
			if idx := strings.IndexByte(v, '-'); idx > 0 {
				v = v[:idx]
			}
			return v
		}
	}
	return ""
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return "..." + s[len(s)-maxLen:]
}

// TailBuffer is an io.Writer that keeps only the last limit bytes written.
type TailBuffer struct {
	w     *bytes.Buffer
	limit int
}

var _ io.Writer = (*TailBuffer)(nil)

func NewTailBuffer(w *bytes.Buffer, limit int) *TailBuffer {
	return &TailBuffer{w: w, limit: limit}
}

func (lw *TailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	lw.w.Write(p)
	if lw.w.Len() > lw.limit {
		b := lw.w.Bytes()
		tail := append([]byte(nil), b[len(b)-lw.limit:]...)
		lw.w.Reset()
		lw.w.Write(tail)
	}
	return n, nil
}

func (lw *TailBuffer) String() string {
	return lw.w.String()
}

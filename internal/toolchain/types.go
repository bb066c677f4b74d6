// Package toolchain locates and probes the external ffmpeg/ffprobe binaries
// the media adapter shells out to, and caches what it finds.
package toolchain

import "time"

// Capabilities reports which external tools are usable on this machine.
type Capabilities struct {
	Executables map[string]ToolInfo `json:"executables"`

	// HasDecode is true when both ffprobe (open/probe) and ffmpeg
	// (frame decode) resolved and answered -version.
	HasDecode bool      `json:"has_decode"`
	ProbedAt  time.Time `json:"probed_at"`
}

// ToolInfo is the availability of one executable.
type ToolInfo struct {
	Available bool   `json:"available"`
	Version   string `json:"version,omitempty"`
	Path      string `json:"path,omitempty"`
	Error     string `json:"error,omitempty"`
}

// RunResult is the structured outcome of executing a tool subprocess.
type RunResult struct {
	ExitCode   int           `json:"exit_code"`
	Stdout     string        `json:"stdout,omitempty"`
	StderrTail string        `json:"stderr_tail,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// IsSuccess returns true when the subprocess exited cleanly.
func (r RunResult) IsSuccess() bool { return r.ExitCode == 0 }

// Available counts the resolved executables.
func (c *Capabilities) Available() int {
	n := 0
	for _, t := range c.Executables {
		if t.Available {
			n++
		}
	}
	return n
}

// Package probe reads local video metadata with ffprobe.
package probe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"os/exec"
	"strconv"
	"strings"
)

// ErrNoDuration is returned when ffprobe reports no usable duration.
var ErrNoDuration = errors.New("video has no readable duration")

// Runner executes a command and returns its stdout.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// FFProbe reads durations by shelling out to ffprobe.
type FFProbe struct {
	path string
	run  Runner
}

// New returns an FFProbe that executes the binary at path.
func New(path string) *FFProbe {
	if path == "" {
		path = "ffprobe"
	}
	return &FFProbe{path: path, run: execRunner}
}

// WithRunner replaces the command runner.
func (p *FFProbe) WithRunner(run Runner) *FFProbe {
	p.run = run
	return p
}

// Duration returns the whole number of seconds of the video at file.
func (p *FFProbe) Duration(ctx context.Context, file string) (int, error) {
	out, err := p.run(ctx, p.path,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		file,
	)
	if err != nil {
		return 0, fmt.Errorf("ffprobe %s: %w", file, err)
	}
	raw := strings.TrimSpace(string(out))
	if raw == "" || raw == "N/A" {
		return 0, ErrNoDuration
	}
	seconds, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(seconds) || math.IsInf(seconds, 0) || seconds < 0 {
		return 0, fmt.Errorf("%w: %q", ErrNoDuration, raw)
	}
	return int(math.Floor(seconds)), nil
}

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%w: %s", err, msg)
		}
		return nil, err
	}
	return out, nil
}

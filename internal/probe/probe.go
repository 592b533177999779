// Package probe answers questions about the remote host without side
// effects.
//
// Every query runs a lightweight read-only command over the Executor
// and parses the output into structured fields. A command that fails or
// produces unparseable output yields "absent", never an error: the
// convergence engine fails toward re-installation, which is idempotent,
// rather than toward skipping a component that may be broken.
package probe

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"sentinelctl/internal/remote"
)

// Prober gathers host facts over a remote executor.
type Prober struct {
	exec remote.Executor
	log  zerolog.Logger
}

// New creates a Prober.
func New(exec remote.Executor, log zerolog.Logger) *Prober {
	return &Prober{exec: exec, log: log.With().Str("component", "probe").Logger()}
}

// Gather takes a full snapshot of the host. Individual probe failures
// are logged and leave their field absent; only a transport failure on
// the very first command is fatal, since it means the host is
// unreachable rather than unconfigured.
func (p *Prober) Gather(ctx context.Context) (*Facts, error) {
	facts := &Facts{}

	res, err := p.exec.Run(ctx, "cat /etc/os-release")
	if err != nil {
		return nil, fmt.Errorf("probe os-release: %w", err)
	}
	parseOSRelease(res.Stdout, facts)

	if res, err := p.exec.Run(ctx, "hostname -f 2>/dev/null || hostname"); err == nil {
		facts.Hostname = strings.TrimSpace(res.Stdout)
	}
	if res, err := p.exec.Run(ctx, "uname -r"); err == nil {
		facts.Kernel = strings.TrimSpace(res.Stdout)
	}
	if res, err := p.exec.Run(ctx, "dpkg --print-architecture 2>/dev/null"); err == nil && res.OK() {
		facts.Architecture = strings.TrimSpace(res.Stdout)
	}

	facts.DockerVersion = p.version(ctx, "docker --version", parseDockerVersion)
	facts.ComposeVersion = p.short(ctx, "docker compose version --short 2>/dev/null")
	facts.BuildxVersion = p.version(ctx, "docker buildx version 2>/dev/null", parseBuildxVersion)

	facts.GPUPresent = p.gpuPresent(ctx)
	facts.DriverVersion = p.short(ctx,
		"nvidia-smi --query-gpu=driver_version --format=csv,noheader 2>/dev/null | head -1")
	facts.CTKVersion = p.short(ctx,
		"nvidia-ctk --version 2>/dev/null | grep -o 'version [0-9][0-9.]*' | cut -d' ' -f2")

	p.log.Debug().
		Str("host", facts.Hostname).
		Str("platform", facts.Platform()).
		Str("docker", facts.DockerVersion).
		Bool("gpu", facts.GPUPresent).
		Str("driver", facts.DriverVersion).
		Msg("host snapshot gathered")

	return facts, nil
}

// version runs cmd and feeds stdout through parse; any failure means
// absent.
func (p *Prober) version(ctx context.Context, cmd string, parse func(string) string) string {
	res, err := p.exec.Run(ctx, cmd)
	if err != nil || !res.OK() {
		return ""
	}
	return parse(res.Stdout)
}

// short runs cmd and returns trimmed stdout, or "" on any failure.
func (p *Prober) short(ctx context.Context, cmd string) string {
	res, err := p.exec.Run(ctx, cmd)
	if err != nil || !res.OK() {
		return ""
	}
	return strings.TrimSpace(res.Stdout)
}

func (p *Prober) gpuPresent(ctx context.Context) bool {
	res, err := p.exec.Run(ctx, "lspci 2>/dev/null | grep -ci nvidia")
	if err != nil {
		return false
	}
	count := strings.TrimSpace(res.Stdout)
	return count != "" && count != "0"
}

// FileContains reports whether a remote file exists and contains the
// marker. Ambiguity (unreadable file) reads as false.
func (p *Prober) FileContains(ctx context.Context, path, marker string) bool {
	res, err := p.exec.Run(ctx, fmt.Sprintf("grep -qF %q %q 2>/dev/null && echo yes", marker, path))
	if err != nil {
		return false
	}
	return strings.TrimSpace(res.Stdout) == "yes"
}

// ReadFile returns the content of a remote file. The second return is
// false when the file does not exist or cannot be read.
func (p *Prober) ReadFile(ctx context.Context, path string) (string, bool) {
	res, err := p.exec.Run(ctx, fmt.Sprintf("cat %q 2>/dev/null", path))
	if err != nil || !res.OK() {
		return "", false
	}
	return res.Stdout, true
}

// CommandExists reports whether a binary resolves on the remote PATH.
func (p *Prober) CommandExists(ctx context.Context, name string) bool {
	res, err := p.exec.Run(ctx, fmt.Sprintf("command -v %q >/dev/null 2>&1 && echo yes", name))
	if err != nil {
		return false
	}
	return strings.TrimSpace(res.Stdout) == "yes"
}

// Package pipeline orchestrates a deployment: sync the source tree,
// build on the host, restart the service group, report status.
//
// Steps run sequentially and each is independently invokable, so the
// CLI's partial commands (sync-only, build-only, restart-only) reuse
// the exact operations the full run performs. A sync or build failure
// aborts before restart: services are never restarted against an
// unsynced or half-built artifact.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"sentinelctl/internal/builder"
	"sentinelctl/internal/compose"
	"sentinelctl/internal/remote"
	"sentinelctl/internal/syncer"
)

// Run is one deployment invocation's settings, built from configuration
// plus any per-invocation flag overrides. Not persisted.
type Run struct {
	BuildRemote     bool
	RestartServices bool
	CopyEnv         bool
}

// Step records one pipeline step's outcome.
type Step struct {
	Name     string
	Status   string // "ok", "skipped", "failed"
	Detail   string
	Duration time.Duration
}

// Report is the outcome of a deployment.
type Report struct {
	Steps  []Step
	Status string // final service group status listing
}

// Options fixes the target the pipeline operates on.
type Options struct {
	RemotePath  string
	ComposeFile string // relative to RemotePath
	DataDirs    []string
	EnvFile     string // local env file copied when CopyEnv is set
	BuilderName string
	// LocalComposeFile, when readable, validates service names for the
	// logs command.
	LocalComposeFile string
}

// Pipeline deploys over a remote executor.
type Pipeline struct {
	exec     remote.Executor
	strategy syncer.Strategy
	builders *builder.Manager
	opts     Options
	log      zerolog.Logger
}

// New creates a Pipeline.
func New(exec remote.Executor, strategy syncer.Strategy, opts Options, log zerolog.Logger) *Pipeline {
	if opts.ComposeFile == "" {
		opts.ComposeFile = "docker-compose.yml"
	}
	return &Pipeline{
		exec:     exec,
		strategy: strategy,
		builders: builder.New(exec, log),
		opts:     opts,
		log:      log.With().Str("component", "pipeline").Logger(),
	}
}

// Deploy runs the full sequence. The returned report always lists the
// steps that ran, including the failed one.
func (p *Pipeline) Deploy(ctx context.Context, run Run) (*Report, error) {
	report := &Report{}

	steps := []struct {
		name string
		skip bool
		fn   func(context.Context) error
	}{
		{name: "ensure-dirs", fn: p.EnsureDirs},
		{name: "sync", fn: p.Sync},
		{name: "copy-env", skip: !run.CopyEnv, fn: p.CopyEnv},
		{name: "build", skip: !run.BuildRemote, fn: p.Build},
		// Directories again: a data dir created mid-run by a prior
		// failed deployment must exist before services start.
		{name: "ensure-dirs", fn: p.EnsureDirs},
		{name: "restart", skip: !run.RestartServices, fn: p.Restart},
	}

	for _, s := range steps {
		if s.skip {
			report.Steps = append(report.Steps, Step{Name: s.name, Status: "skipped"})
			continue
		}
		start := time.Now()
		err := s.fn(ctx)
		step := Step{Name: s.name, Status: "ok", Duration: time.Since(start)}
		if err != nil {
			step.Status = "failed"
			step.Detail = err.Error()
			report.Steps = append(report.Steps, step)
			return report, fmt.Errorf("%s: %w", s.name, err)
		}
		p.log.Info().Str("step", s.name).Dur("took", step.Duration).Msg("step done")
		report.Steps = append(report.Steps, step)
	}

	status, err := p.Status(ctx)
	if err != nil {
		// The deployment itself succeeded; a status query failure is
		// reported but does not fail the run.
		p.log.Warn().Err(err).Msg("status query failed after deployment")
		status = "status unavailable: " + err.Error()
	}
	report.Status = status
	return report, nil
}

// EnsureDirs creates the data subdirectories under the remote path.
func (p *Pipeline) EnsureDirs(ctx context.Context) error {
	for _, dir := range p.opts.DataDirs {
		target := path.Join(p.opts.RemotePath, dir)
		res, err := p.exec.Run(ctx, fmt.Sprintf("mkdir -p %q", target))
		if err != nil {
			return err
		}
		if !res.OK() {
			return fmt.Errorf("mkdir %s: %s", target, res.Output())
		}
	}
	return nil
}

// Sync runs the configured synchronization strategy.
func (p *Pipeline) Sync(ctx context.Context) error {
	p.log.Info().Str("strategy", p.strategy.Name()).Msg("synchronizing source tree")
	return p.strategy.Sync(ctx)
}

// CopyEnv uploads the local environment file to the remote path as
// .env, where compose picks it up.
func (p *Pipeline) CopyEnv(ctx context.Context) error {
	if p.opts.EnvFile == "" {
		return errors.New("copy-env requested but no env file configured")
	}
	content, err := os.ReadFile(p.opts.EnvFile)
	if err != nil {
		return fmt.Errorf("read env file: %w", err)
	}
	return p.exec.Upload(ctx, content, path.Join(p.opts.RemotePath, ".env"), 0o600)
}

// Build ensures the builder and runs a compose build on the host.
func (p *Pipeline) Build(ctx context.Context) error {
	record, err := p.builders.Ensure(ctx, p.opts.BuilderName, "")
	if err != nil {
		return err
	}
	if record.Fallback {
		p.log.Warn().Msg("building on the default builder, no persistent cache")
	}

	res, err := p.exec.Run(ctx, p.composeCmd("build"))
	if err != nil {
		return err
	}
	if !res.OK() {
		return fmt.Errorf("remote build failed: %s", lastLines(res.Output(), 20))
	}
	return nil
}

// Restart stops then starts the service group. Stop failure is
// non-fatal since the group may simply not be running yet; start
// failure is fatal and carries the last remote output.
func (p *Pipeline) Restart(ctx context.Context) error {
	if res, err := p.exec.Run(ctx, p.composeCmd("down --remove-orphans")); err != nil {
		return err
	} else if !res.OK() {
		p.log.Warn().Str("output", lastLines(res.Output(), 5)).Msg("stop failed, group may not have been running")
	}

	res, err := p.exec.Run(ctx, p.composeCmd("up -d"))
	if err != nil {
		return err
	}
	if !res.OK() {
		return fmt.Errorf("service start failed: %s", lastLines(res.Output(), 20))
	}
	return nil
}

// Status returns the service group listing.
func (p *Pipeline) Status(ctx context.Context) (string, error) {
	res, err := p.exec.Run(ctx, p.composeCmd("ps"))
	if err != nil {
		return "", err
	}
	if !res.OK() {
		return "", fmt.Errorf("status query: %s", res.Output())
	}
	return res.Stdout, nil
}

// Logs prints service logs to w. With follow the output streams until
// the context ends, which requires a streaming-capable transport.
func (p *Pipeline) Logs(ctx context.Context, w io.Writer, service string, follow bool) error {
	if err := p.validateService(service); err != nil {
		return err
	}

	cmd := p.composeCmd("logs --tail 100")
	if follow {
		cmd = p.composeCmd("logs --tail 100 -f")
	}
	if service != "" {
		cmd += " " + service
	}

	if follow {
		streamer, ok := p.exec.(interface {
			Stream(ctx context.Context, cmd string, w io.Writer) error
		})
		if !ok {
			return errors.New("transport cannot stream logs, drop -f")
		}
		return streamer.Stream(ctx, cmd, w)
	}

	res, err := p.exec.Run(ctx, cmd)
	if err != nil {
		return err
	}
	if !res.OK() {
		return fmt.Errorf("fetch logs: %s", res.Output())
	}
	_, err = io.WriteString(w, res.Stdout)
	return err
}

// Shell attaches an interactive session starting in the remote path.
func (p *Pipeline) Shell() error {
	interactive, ok := p.exec.(interface{ Interactive(initialDir string) error })
	if !ok {
		return errors.New("transport cannot open an interactive session")
	}
	return interactive.Interactive(p.opts.RemotePath)
}

// validateService checks a service name against the local compose file
// when one is readable; an unreadable file skips validation rather than
// blocking the command.
func (p *Pipeline) validateService(service string) error {
	if service == "" || p.opts.LocalComposeFile == "" {
		return nil
	}
	file, err := compose.Load(p.opts.LocalComposeFile)
	if err != nil {
		p.log.Debug().Err(err).Msg("service definition unreadable, skipping name validation")
		return nil
	}
	if !file.HasService(service) {
		return fmt.Errorf("unknown service %q, defined services: %s",
			service, strings.Join(file.ServiceNames(), ", "))
	}
	return nil
}

func (p *Pipeline) composeCmd(args string) string {
	return fmt.Sprintf("cd %q && docker compose -f %q %s",
		p.opts.RemotePath, p.opts.ComposeFile, args)
}

// lastLines trims noisy build output down to its tail for error
// messages.
func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

// Package converge drives a remote host from an unknown state to the
// desired state through ordered, idempotent steps.
//
// Each managed component follows the same contract: probe, install if
// absent, re-probe to verify. Install functions are safe to call when
// the component is already present; calling twice produces the same end
// state as calling once. The recovery path for any aborted run is
// running convergence again.
package converge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"sentinelctl/internal/aptrepo"
	"sentinelctl/internal/builder"
	"sentinelctl/internal/daemoncfg"
	"sentinelctl/internal/probe"
	"sentinelctl/internal/remote"
)

// ErrRebootRequired signals that a driver was installed but needs a
// reboot to activate. It is a clean stop, not a failure: the run exits
// successfully and resumes past the satisfied components next time.
var ErrRebootRequired = errors.New("converge: reboot required to activate driver")

// Status classifies the outcome of one component.
type Status string

const (
	// StatusSatisfied means the probe found the component already
	// present at an acceptable version and verification passed;
	// nothing was changed.
	StatusSatisfied Status = "satisfied"
	// StatusConverged means the component was installed or changed
	// this run and verified afterward.
	StatusConverged Status = "converged"
	// StatusSkipped means the component does not apply to this host
	// (no GPU) or is blocked behind a pending reboot.
	StatusSkipped Status = "skipped"
	// StatusWarning means a non-fatal component failed verification.
	StatusWarning Status = "warning"
	// StatusFailed means a fatal component failed verification.
	StatusFailed Status = "failed"
	// StatusRebootPending means the component installed but needs a
	// host reboot before it can verify.
	StatusRebootPending Status = "reboot-pending"
)

// Component is one unit of desired state.
type Component struct {
	Name  string
	Fatal bool
	// NeedsGPU components are skipped with an informational note on
	// GPU-less hosts.
	NeedsGPU bool
	// NeedsDriver components are skipped while a driver reboot is
	// pending.
	NeedsDriver bool

	// Probe reports presence plus a human-readable detail. Ambiguity
	// reads as absent: reinstalling is idempotent, skipping a broken
	// component is not.
	Probe func(ctx context.Context, facts *probe.Facts) (bool, string)
	// Install converges the component. Must be safe when the
	// component is already present.
	Install func(ctx context.Context) error
	// Verify runs when the probe reports present and again after any
	// install, against refreshed facts in the latter case. Nil means
	// "re-run Probe and require presence" after install. May return
	// ErrRebootRequired.
	Verify func(ctx context.Context, facts *probe.Facts) error
}

// StepResult records one component's outcome.
type StepResult struct {
	Name     string
	Status   Status
	Detail   string
	Err      error
	Duration time.Duration
}

// Report is the outcome of a convergence run.
type Report struct {
	Steps          []StepResult
	RebootRequired bool
	Failed         *StepResult
}

// Warnings counts non-fatal failures.
func (r *Report) Warnings() int {
	n := 0
	for _, s := range r.Steps {
		if s.Status == StatusWarning {
			n++
		}
	}
	return n
}

// Options tune the desired state.
type Options struct {
	DNSServers []string
	// GPUDefaultRuntime makes the GPU runtime the engine-wide default
	// execution backend instead of an opt-in per container. Policy
	// choice, set per deployment.
	GPUDefaultRuntime bool
	BuilderName       string
}

// Engine orchestrates convergence over one remote host.
type Engine struct {
	exec     remote.Executor
	prober   *probe.Prober
	resolver *aptrepo.Resolver
	merger   *daemoncfg.Merger
	builders *builder.Manager
	opts     Options
	log      zerolog.Logger

	// set during a run when the daemon configuration was rewritten,
	// which is what makes an engine restart necessary
	daemonChanged bool
}

// New creates an Engine.
func New(exec remote.Executor, opts Options, log zerolog.Logger) *Engine {
	if len(opts.DNSServers) == 0 {
		opts.DNSServers = []string{"1.1.1.1", "8.8.8.8"}
	}
	if opts.BuilderName == "" {
		opts.BuilderName = "sentinel-builder"
	}

	engineLog := log.With().Str("component", "converge").Logger()
	return &Engine{
		exec:     exec,
		prober:   probe.New(exec, log),
		resolver: aptrepo.New(exec, log),
		merger:   daemoncfg.New(exec, log),
		builders: builder.New(exec, log),
		opts:     opts,
		log:      engineLog,
	}
}

// Converge runs every managed component in declared order and returns
// the report. The error is non-nil only for fatal failures; a host
// that needs a reboot converges "successfully, so far" and says so in
// the report.
func (e *Engine) Converge(ctx context.Context) (*Report, error) {
	e.daemonChanged = false

	facts, err := e.prober.Gather(ctx)
	if err != nil {
		return nil, fmt.Errorf("initial probe: %w", err)
	}
	e.log.Info().
		Str("host", facts.Hostname).
		Str("platform", facts.Platform()).
		Bool("gpu", facts.GPUPresent).
		Msg("starting convergence")

	report := &Report{}
	for _, c := range e.components() {
		step := e.runComponent(ctx, c, &facts)
		report.Steps = append(report.Steps, step)

		switch step.Status {
		case StatusRebootPending:
			report.RebootRequired = true
		case StatusFailed:
			report.Failed = &report.Steps[len(report.Steps)-1]
			e.log.Error().Str("step", step.Name).Err(step.Err).Msg("fatal component failed, aborting run")
			return report, fmt.Errorf("component %s: %w", step.Name, step.Err)
		}
	}

	if report.RebootRequired {
		e.log.Info().Msg("reboot required to activate the GPU driver; re-run after rebooting to finish")
	} else {
		e.log.Info().Int("warnings", report.Warnings()).Msg("convergence complete")
	}
	return report, nil
}

func (e *Engine) runComponent(ctx context.Context, c Component, facts **probe.Facts) StepResult {
	start := time.Now()
	step := StepResult{Name: c.Name}

	defer func() {
		step.Duration = time.Since(start)
		e.log.Info().
			Str("step", step.Name).
			Str("status", string(step.Status)).
			Str("detail", step.Detail).
			Msg("component done")
	}()

	if c.NeedsGPU && !(*facts).GPUPresent {
		step.Status = StatusSkipped
		step.Detail = "no GPU detected on this host"
		return step
	}
	if c.NeedsDriver && !(*facts).DriverActive() {
		// Either the driver step just went reboot-pending or the GPU
		// probe lied; both read the same way here.
		step.Status = StatusSkipped
		step.Detail = "GPU driver not active yet"
		return step
	}

	if present, detail := c.Probe(ctx, *facts); present {
		// Present still gets verified: the probe checks existence, the
		// verifier checks health.
		if c.Verify != nil {
			switch err := c.Verify(ctx, *facts); {
			case errors.Is(err, ErrRebootRequired):
				step.Status = StatusRebootPending
				step.Detail = "present; reboot required to activate"
				return step
			case err != nil:
				return e.failStep(step, c, err)
			}
		}
		step.Status = StatusSatisfied
		step.Detail = detail
		return step
	}

	if err := c.Install(ctx); err != nil {
		return e.failStep(step, c, err)
	}

	// Re-probe against a fresh snapshot; install may have changed
	// anything.
	refreshed, err := e.prober.Gather(ctx)
	if err != nil {
		return e.failStep(step, c, fmt.Errorf("re-probe: %w", err))
	}
	*facts = refreshed

	if c.Verify != nil {
		switch err := c.Verify(ctx, refreshed); {
		case errors.Is(err, ErrRebootRequired):
			step.Status = StatusRebootPending
			step.Detail = "installed; reboot required to activate"
			return step
		case err != nil:
			return e.failStep(step, c, err)
		}
	} else if present, detail := c.Probe(ctx, refreshed); !present {
		return e.failStep(step, c, fmt.Errorf("still absent after install: %s", detail))
	}

	step.Status = StatusConverged
	return step
}

func (e *Engine) failStep(step StepResult, c Component, err error) StepResult {
	step.Err = err
	if c.Fatal {
		step.Status = StatusFailed
		step.Detail = remediation(c.Name)
	} else {
		step.Status = StatusWarning
		step.Detail = err.Error()
		e.log.Warn().Str("step", c.Name).Err(err).Msg("non-fatal component failed, continuing")
	}
	return step
}

// remediation gives the operator a starting point for fatal failures.
func remediation(component string) string {
	switch component {
	case "docker-engine":
		return "install the container engine manually (https://get.docker.com) and re-run"
	case "nvidia-container-toolkit":
		return "check " + aptrepo.ListPath + " and apt output on the host, then re-run"
	case "daemon-config":
		return "inspect " + daemoncfg.Path + " (a timestamped backup sits next to it) and re-run"
	case "engine-restart":
		return "check 'systemctl status docker' on the host, then re-run"
	default:
		return "re-run after fixing the reported error; completed components will be skipped"
	}
}

// Package builder ensures a named, cache-capable buildx builder exists
// on the host and is selected as active.
//
// Recreating a builder discards its layer cache, so Ensure reuses an
// existing healthy builder, replaces a corrupt one, and only when
// creation is impossible falls back to the host's default builder
// rather than aborting the run.
package builder

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"sentinelctl/internal/fallback"
	"sentinelctl/internal/remote"
)

// DefaultDriver is the cache-capable driver used for new builders.
const DefaultDriver = "docker-container"

// Record describes the builder selected as active.
type Record struct {
	Name   string
	Driver string
	Active bool
	// Reused is true when an existing builder was selected rather
	// than created.
	Reused bool
	// Fallback is true when the host default builder had to stand in
	// for the requested one.
	Fallback bool
}

// Manager drives buildx over the remote executor.
type Manager struct {
	exec remote.Executor
	log  zerolog.Logger
}

// New creates a Manager.
func New(exec remote.Executor, log zerolog.Logger) *Manager {
	return &Manager{exec: exec, log: log.With().Str("component", "builder").Logger()}
}

// Ensure makes a builder with the given name active, creating it with
// the requested driver when absent. Strategies in order: reuse the
// existing builder, replace a corrupt one, create fresh; when all fail
// the host default builder is selected and a warning recorded, never an
// error.
func (m *Manager) Ensure(ctx context.Context, name, driver string) (Record, error) {
	if driver == "" {
		driver = DefaultDriver
	}

	strategies := []fallback.Strategy[Record]{
		{Name: "existing-builder", Try: func(ctx context.Context) (Record, error) {
			return m.reuse(ctx, name, driver)
		}},
		{Name: "create-builder", Try: func(ctx context.Context) (Record, error) {
			return m.create(ctx, name, driver)
		}},
	}

	record, source := fallback.Resolve(ctx, m.log, strategies, func() Record {
		return Record{Name: "default", Active: true, Fallback: true}
	})

	if record.Fallback {
		// Best effort: select the default builder so later builds go
		// somewhere sane.
		if res, err := m.exec.Run(ctx, "docker buildx use default"); err != nil || !res.OK() {
			m.log.Warn().Msg("could not select default builder either; builds will use whatever is active")
		}
		m.log.Warn().
			Str("requested", name).
			Msg("builder creation failed, using host default builder without persistent cache")
	} else {
		m.log.Debug().Str("builder", record.Name).Str("via", source).Msg("builder ensured")
	}

	return record, nil
}

// reuse selects an existing builder. A builder that exists but cannot
// be inspected with bootstrap is corrupt; it is removed so the create
// strategy can replace it under the same name.
func (m *Manager) reuse(ctx context.Context, name, driver string) (Record, error) {
	res, err := m.exec.Run(ctx, fmt.Sprintf("docker buildx inspect %q", name))
	if err != nil {
		return Record{}, err
	}
	if !res.OK() {
		return Record{}, fmt.Errorf("builder %q not found", name)
	}

	boot, err := m.exec.Run(ctx, fmt.Sprintf("docker buildx inspect --bootstrap %q", name))
	if err != nil {
		return Record{}, err
	}
	if !boot.OK() {
		m.log.Warn().Str("builder", name).Msg("existing builder is corrupt, removing for recreation")
		if rm, err := m.exec.Run(ctx, fmt.Sprintf("docker buildx rm %q", name)); err != nil {
			return Record{}, err
		} else if !rm.OK() {
			return Record{}, fmt.Errorf("remove corrupt builder: %s", rm.Output())
		}
		return Record{}, fmt.Errorf("builder %q was corrupt", name)
	}

	use, err := m.exec.Run(ctx, fmt.Sprintf("docker buildx use %q", name))
	if err != nil {
		return Record{}, err
	}
	if !use.OK() {
		return Record{}, fmt.Errorf("select builder: %s", use.Output())
	}

	return Record{
		Name:   name,
		Driver: driverFromInspect(res.Stdout, driver),
		Active: true,
		Reused: true,
	}, nil
}

func (m *Manager) create(ctx context.Context, name, driver string) (Record, error) {
	cmd := fmt.Sprintf("docker buildx create --name %q --driver %q --use", name, driver)
	res, err := m.exec.Run(ctx, cmd)
	if err != nil {
		return Record{}, err
	}
	if !res.OK() {
		return Record{}, fmt.Errorf("create builder: %s", res.Output())
	}

	return Record{Name: name, Driver: driver, Active: true}, nil
}

// driverFromInspect pulls the driver line out of buildx inspect output,
// falling back to the requested driver when absent.
func driverFromInspect(output, requested string) string {
	for _, line := range strings.Split(output, "\n") {
		if after, found := strings.CutPrefix(strings.TrimSpace(line), "Driver:"); found {
			if d := strings.TrimSpace(after); d != "" {
				return d
			}
		}
	}
	return requested
}

// Prune trims the active builder's cache down to the given size, e.g.
// "20GB". Used by long-lived hosts where the cache grows unbounded.
func (m *Manager) Prune(ctx context.Context, keepStorage string) error {
	cmd := "docker buildx prune -f"
	if keepStorage != "" {
		cmd = fmt.Sprintf("docker buildx prune -f --keep-storage %q", keepStorage)
	}
	res, err := m.exec.Run(ctx, cmd)
	if err != nil {
		return err
	}
	if !res.OK() {
		return fmt.Errorf("prune builder cache: %s", res.Output())
	}
	return nil
}

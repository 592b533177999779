package converge

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"sentinelctl/internal/aptrepo"
	"sentinelctl/internal/daemoncfg"
	"sentinelctl/internal/probe"
)

// prereqPackages are host tools every later component leans on.
var prereqPackages = []string{"curl", "ca-certificates", "gnupg", "rsync", "git"}

// aptIndexMaxAgeMins is how stale the apt index may be before it gets
// refreshed at the start of a run.
const aptIndexMaxAgeMins = 60

// components returns the managed components in dependency order. The
// order is load-bearing: the engine must exist before its plugins, the
// driver before the toolkit, the toolkit before the daemon
// configuration that registers its runtime.
func (e *Engine) components() []Component {
	return []Component{
		{
			Name:  "apt-index",
			Fatal: true,
			Probe: func(ctx context.Context, _ *probe.Facts) (bool, string) {
				cmd := fmt.Sprintf(
					"test -n \"$(find /var/lib/apt/lists -maxdepth 1 -name '*Packages*' -mmin -%d 2>/dev/null | head -1)\" && echo fresh",
					aptIndexMaxAgeMins)
				if e.check(ctx, cmd, "fresh") {
					return true, "package index is fresh"
				}
				return false, "package index is stale or missing"
			},
			Install: func(ctx context.Context) error {
				return e.run(ctx, "sudo apt-get update -qq")
			},
			Verify: noVerify,
		},
		{
			Name:  "prereq-packages",
			Fatal: true,
			Probe: func(ctx context.Context, _ *probe.Facts) (bool, string) {
				cmd := fmt.Sprintf("dpkg -s %s >/dev/null 2>&1 && echo present",
					strings.Join(prereqPackages, " "))
				if e.check(ctx, cmd, "present") {
					return true, "all prerequisite packages installed"
				}
				return false, "one or more prerequisite packages missing"
			},
			Install: func(ctx context.Context) error {
				return e.run(ctx, "sudo DEBIAN_FRONTEND=noninteractive apt-get install -y -qq "+
					strings.Join(prereqPackages, " "))
			},
			Verify: noVerify,
		},
		{
			Name:  "docker-engine",
			Fatal: true,
			Probe: func(_ context.Context, facts *probe.Facts) (bool, string) {
				if facts.HasDocker() {
					return true, "engine " + facts.DockerVersion
				}
				return false, "container engine not installed"
			},
			Install: func(ctx context.Context) error {
				// The vendor convenience script handles the repository,
				// keyring and engine packages for every distro it knows.
				if err := e.run(ctx, "curl -fsSL https://get.docker.com | sudo sh"); err != nil {
					return err
				}
				if err := e.run(ctx, "sudo systemctl enable --now docker"); err != nil {
					return err
				}
				// Group membership takes effect on next login; sudo
				// covers this session.
				return e.run(ctx, "sudo usermod -aG docker \"$USER\"")
			},
		},
		{
			Name:  "compose-plugin",
			Fatal: true,
			Probe: func(_ context.Context, facts *probe.Facts) (bool, string) {
				if facts.HasCompose() {
					return true, "compose " + facts.ComposeVersion
				}
				return false, "compose plugin not installed"
			},
			Install: func(ctx context.Context) error {
				return e.run(ctx,
					"sudo DEBIAN_FRONTEND=noninteractive apt-get install -y -qq docker-compose-plugin")
			},
		},
		{
			Name:  "buildx-plugin",
			Fatal: true,
			Probe: func(_ context.Context, facts *probe.Facts) (bool, string) {
				if facts.HasBuildx() {
					return true, "buildx " + facts.BuildxVersion
				}
				return false, "buildx plugin not installed"
			},
			Install: e.installBuildx,
		},
		{
			Name:     "nvidia-driver",
			Fatal:    true,
			NeedsGPU: true,
			Probe: func(_ context.Context, facts *probe.Facts) (bool, string) {
				if facts.DriverActive() {
					return true, "driver " + facts.DriverVersion
				}
				return false, "GPU driver not active"
			},
			Install: func(ctx context.Context) error {
				if err := e.run(ctx,
					"sudo DEBIAN_FRONTEND=noninteractive apt-get install -y -qq ubuntu-drivers-common"); err != nil {
					return err
				}
				return e.run(ctx, "sudo ubuntu-drivers autoinstall")
			},
			Verify: func(ctx context.Context, facts *probe.Facts) error {
				if facts.DriverActive() {
					return nil
				}
				// Installed but not loaded means the kernel needs a
				// restart to pick the module up.
				if e.check(ctx, "modinfo nvidia >/dev/null 2>&1 && echo yes", "yes") {
					return ErrRebootRequired
				}
				return errors.New("driver install produced no usable module")
			},
		},
		{
			Name:        "nvidia-container-toolkit",
			Fatal:       true,
			NeedsGPU:    true,
			NeedsDriver: true,
			Probe: func(ctx context.Context, facts *probe.Facts) (bool, string) {
				if !facts.HasCTK() {
					return false, "toolkit not installed"
				}
				// An installed toolkit with a broken repository file
				// still poisons later apt runs, so both must hold.
				content, ok := e.prober.ReadFile(ctx, aptrepo.ListPath)
				if !ok || !strings.Contains(content, "signed-by=") {
					return false, "repository descriptor missing or unsigned"
				}
				return true, "toolkit " + facts.CTKVersion
			},
			Install: e.installToolkit,
		},
		{
			Name:  "daemon-config",
			Fatal: true,
			Probe: func(ctx context.Context, facts *probe.Facts) (bool, string) {
				raw, ok := e.prober.ReadFile(ctx, daemoncfg.Path)
				if !ok {
					return false, "daemon configuration missing"
				}
				merged := daemoncfg.Merge(daemoncfg.Parse([]byte(raw)), e.daemonFragment(facts.HasCTK()))
				rendered, err := daemoncfg.Render(merged)
				if err != nil || string(rendered) != raw {
					return false, "daemon configuration drifted from desired state"
				}
				return true, "daemon configuration converged"
			},
			Install: e.installDaemonConfig,
			Verify:  noVerify,
		},
		{
			Name:  "engine-restart",
			Fatal: true,
			Probe: func(_ context.Context, _ *probe.Facts) (bool, string) {
				if !e.daemonChanged {
					return true, "daemon configuration unchanged, no restart needed"
				}
				return false, "daemon configuration changed this run"
			},
			Install: func(ctx context.Context) error {
				return e.run(ctx, "sudo systemctl restart docker")
			},
			Verify: func(ctx context.Context, _ *probe.Facts) error {
				if !e.check(ctx, "docker info >/dev/null 2>&1 && echo up", "up") {
					return errors.New("engine did not come back after restart")
				}
				return nil
			},
		},
		{
			Name: "buildx-builder",
			Probe: func(ctx context.Context, facts *probe.Facts) (bool, string) {
				if !facts.HasBuildx() {
					return false, "buildx unavailable"
				}
				cmd := fmt.Sprintf("docker buildx inspect --bootstrap %q >/dev/null 2>&1 && echo healthy",
					e.opts.BuilderName)
				if e.check(ctx, cmd, "healthy") {
					return true, "builder " + e.opts.BuilderName + " healthy"
				}
				return false, "builder absent or unhealthy"
			},
			Install: func(ctx context.Context) error {
				record, err := e.builders.Ensure(ctx, e.opts.BuilderName, "")
				if err != nil {
					return err
				}
				if record.Fallback {
					return errors.New("using host default builder without a persistent cache")
				}
				return nil
			},
			Verify: noVerify,
		},
		{
			Name: "dns-selftest",
			Probe: func(_ context.Context, _ *probe.Facts) (bool, string) {
				// Resolution inside build containers is exactly what
				// breaks silently, so it is exercised every run.
				return false, "build-time DNS is verified on every run"
			},
			Install: func(ctx context.Context) error {
				cmd := "printf 'FROM alpine:3.20\\nRUN nslookup registry-1.docker.io\\n'" +
					" | docker buildx build --no-cache -q - >/dev/null"
				if err := e.run(ctx, cmd); err != nil {
					return fmt.Errorf("build-time DNS resolution failed: %w", err)
				}
				return nil
			},
			Verify: noVerify,
		},
	}
}

// installBuildx prefers the apt package; on older distributions where
// the package does not exist the plugin binary is fetched from the
// release page into the user's cli-plugins directory.
func (e *Engine) installBuildx(ctx context.Context) error {
	aptErr := e.run(ctx,
		"sudo DEBIAN_FRONTEND=noninteractive apt-get install -y -qq docker-buildx-plugin")
	if aptErr == nil {
		return nil
	}
	e.log.Warn().Err(aptErr).Msg("buildx apt package unavailable, fetching release binary")

	arch, err := e.buildxArch(ctx)
	if err != nil {
		return err
	}
	url := fmt.Sprintf(
		"https://github.com/docker/buildx/releases/download/v0.17.1/buildx-v0.17.1.linux-%s", arch)
	script := fmt.Sprintf(
		"mkdir -p ~/.docker/cli-plugins && curl -fsSL --max-time 120 %q -o ~/.docker/cli-plugins/docker-buildx && chmod +x ~/.docker/cli-plugins/docker-buildx",
		url)
	if err := e.run(ctx, script); err != nil {
		return fmt.Errorf("fetch buildx release binary: %w", err)
	}
	return nil
}

// buildxArch maps dpkg architecture names onto release asset names.
func (e *Engine) buildxArch(ctx context.Context) (string, error) {
	res, err := e.exec.Run(ctx, "dpkg --print-architecture")
	if err != nil {
		return "", err
	}
	switch arch := strings.TrimSpace(res.Stdout); arch {
	case "amd64", "":
		return "amd64", nil
	case "arm64":
		return "arm64", nil
	case "armhf":
		return "arm-v7", nil
	default:
		return "", fmt.Errorf("no buildx release asset for architecture %q", arch)
	}
}

// installToolkit resolves the vendor repository, persists it, and
// installs the toolkit package from it.
func (e *Engine) installToolkit(ctx context.Context) error {
	if err := e.resolver.EnsureKeyring(ctx); err != nil {
		return fmt.Errorf("keyring: %w", err)
	}

	facts, err := e.prober.Gather(ctx)
	if err != nil {
		return err
	}
	desc, err := e.resolver.Resolve(ctx, facts.DistroID, facts.VersionID, facts.Architecture)
	if err != nil {
		return err
	}
	if err := e.resolver.Persist(ctx, desc); err != nil {
		return fmt.Errorf("persist repository list: %w", err)
	}

	if err := e.run(ctx, "sudo apt-get update -qq"); err != nil {
		return err
	}
	return e.run(ctx,
		"sudo DEBIAN_FRONTEND=noninteractive apt-get install -y -qq nvidia-container-toolkit")
}

// installDaemonConfig registers the GPU runtime when the toolkit is
// present, then merges the deployment's required keys.
func (e *Engine) installDaemonConfig(ctx context.Context) error {
	hasCTK := e.prober.CommandExists(ctx, "nvidia-ctk")
	if hasCTK {
		// Registers the runtime stanza; the merge below layers the
		// rest on top without disturbing it.
		if err := e.run(ctx, "sudo nvidia-ctk runtime configure --runtime=docker"); err != nil {
			return fmt.Errorf("register GPU runtime: %w", err)
		}
	}

	changed, err := e.merger.Apply(ctx, e.daemonFragment(hasCTK))
	if err != nil {
		return err
	}
	if changed {
		e.daemonChanged = true
	}
	return nil
}

// daemonFragment is the declarative slice of daemon.json this
// deployment owns.
func (e *Engine) daemonFragment(hasCTK bool) daemoncfg.Document {
	dns := make([]any, 0, len(e.opts.DNSServers))
	for _, s := range e.opts.DNSServers {
		dns = append(dns, s)
	}

	fragment := daemoncfg.Document{
		"dns": dns,
		"features": map[string]any{
			"buildkit": true,
		},
	}
	if hasCTK {
		fragment["runtimes"] = map[string]any{
			"nvidia": map[string]any{
				"path":        "nvidia-container-runtime",
				"runtimeArgs": []any{},
			},
		}
		if e.opts.GPUDefaultRuntime {
			fragment["default-runtime"] = "nvidia"
		}
	}
	return fragment
}

// run executes a mutating command and folds a non-zero exit into the
// error.
func (e *Engine) run(ctx context.Context, cmd string) error {
	res, err := e.exec.Run(ctx, cmd)
	if err != nil {
		return err
	}
	if !res.OK() {
		return fmt.Errorf("%s: exit %d: %s", firstWords(cmd), res.ExitCode, res.Output())
	}
	return nil
}

// check runs a read-only command and compares trimmed stdout.
func (e *Engine) check(ctx context.Context, cmd, want string) bool {
	res, err := e.exec.Run(ctx, cmd)
	if err != nil {
		return false
	}
	return strings.TrimSpace(res.Stdout) == want
}

// noVerify accepts the install outcome as-is, for components whose
// install path already verifies its own work.
func noVerify(context.Context, *probe.Facts) error { return nil }

// firstWords keeps error prefixes readable for long shell pipelines.
func firstWords(cmd string) string {
	fields := strings.Fields(cmd)
	if len(fields) > 4 {
		fields = fields[:4]
	}
	return strings.Join(fields, " ")
}

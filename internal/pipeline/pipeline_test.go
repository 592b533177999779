package pipeline

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"sentinelctl/internal/logging"
	"sentinelctl/internal/remote"
	"sentinelctl/internal/remote/remotetest"
)

type stubStrategy struct {
	calls int
	err   error
}

func (s *stubStrategy) Name() string                 { return "stub" }
func (s *stubStrategy) Sync(context.Context) error   { s.calls++; return s.err }

func testOptions(t *testing.T) Options {
	t.Helper()
	return Options{
		RemotePath:  "/opt/sentinel",
		ComposeFile: "docker-compose.yml",
		DataDirs:    []string{"data", "models"},
		BuilderName: "sentinel-builder",
	}
}

func commandIndex(fake *remotetest.Fake, substr string) int {
	for i, cmd := range fake.Commands {
		if strings.Contains(cmd, substr) {
			return i
		}
	}
	return -1
}

func stepStatus(t *testing.T, r *Report, name string) string {
	t.Helper()
	for _, s := range r.Steps {
		if s.Name == name {
			return s.Status
		}
	}
	t.Fatalf("no step %q in report %+v", name, r.Steps)
	return ""
}

func TestDeployFullSequence(t *testing.T) {
	fake := remotetest.NewFake(
		remotetest.Rule{Contains: "compose -f \"docker-compose.yml\" ps", Result: remote.Result{Stdout: "sentinel running\n"}},
	)
	strategy := &stubStrategy{}
	p := New(fake, strategy, testOptions(t), logging.Discard())

	report, err := p.Deploy(context.Background(), Run{BuildRemote: true, RestartServices: true})
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}

	if strategy.calls != 1 {
		t.Errorf("sync ran %d times, want 1", strategy.calls)
	}
	if report.Status != "sentinel running\n" {
		t.Errorf("Status = %q", report.Status)
	}
	for _, name := range []string{"ensure-dirs", "sync", "build", "restart"} {
		if got := stepStatus(t, report, name); got != "ok" {
			t.Errorf("step %s = %q, want ok", name, got)
		}
	}
	if got := stepStatus(t, report, "copy-env"); got != "skipped" {
		t.Errorf("copy-env = %q, want skipped", got)
	}

	// Ordering: dirs before build, build before stop, stop before start.
	dirs := commandIndex(fake, `mkdir -p "/opt/sentinel/data"`)
	build := commandIndex(fake, `"docker-compose.yml" build`)
	stop := commandIndex(fake, "down --remove-orphans")
	start := commandIndex(fake, "up -d")
	if dirs == -1 || build == -1 || stop == -1 || start == -1 {
		t.Fatalf("missing pipeline commands: %v", fake.Commands)
	}
	if !(dirs < build && build < stop && stop < start) {
		t.Errorf("steps out of order: dirs=%d build=%d stop=%d start=%d", dirs, build, stop, start)
	}
}

func TestDeploySkipsBuildWhenDisabled(t *testing.T) {
	fake := remotetest.NewFake()
	p := New(fake, &stubStrategy{}, testOptions(t), logging.Discard())

	report, err := p.Deploy(context.Background(), Run{BuildRemote: false, RestartServices: true})
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}

	if got := stepStatus(t, report, "build"); got != "skipped" {
		t.Errorf("build = %q, want skipped", got)
	}
	if fake.Ran(`"docker-compose.yml" build`) {
		t.Error("remote build ran despite build-remote=false")
	}
	if fake.Ran("buildx create") || fake.Ran("buildx inspect") {
		t.Error("builder touched despite build-remote=false")
	}
	if !fake.Ran("up -d") {
		t.Error("restart skipped even though restart-services=true")
	}
}

func TestDeployAbortsOnSyncFailure(t *testing.T) {
	fake := remotetest.NewFake()
	strategy := &stubStrategy{err: errors.New("rsync exploded")}
	p := New(fake, strategy, testOptions(t), logging.Discard())

	report, err := p.Deploy(context.Background(), Run{BuildRemote: true, RestartServices: true})
	if err == nil {
		t.Fatal("Deploy succeeded despite sync failure")
	}
	if got := stepStatus(t, report, "sync"); got != "failed" {
		t.Errorf("sync = %q, want failed", got)
	}
	if fake.Ran("build") || fake.Ran("up -d") {
		t.Error("pipeline continued past a failed sync")
	}
}

func TestDeployCopyEnvUploads(t *testing.T) {
	envPath := filepath.Join(t.TempDir(), "prod.env")
	if err := os.WriteFile(envPath, []byte("MQTT_HOST=10.0.0.2\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	fake := remotetest.NewFake()
	opts := testOptions(t)
	opts.EnvFile = envPath
	p := New(fake, &stubStrategy{}, opts, logging.Discard())

	if _, err := p.Deploy(context.Background(), Run{CopyEnv: true}); err != nil {
		t.Fatalf("Deploy: %v", err)
	}

	got, ok := fake.Uploads["/opt/sentinel/.env"]
	if !ok {
		t.Fatalf("env file never uploaded, uploads: %v", fake.Uploads)
	}
	if string(got) != "MQTT_HOST=10.0.0.2\n" {
		t.Errorf("uploaded content = %q", got)
	}
}

func TestRestartSwallowsStopFailure(t *testing.T) {
	fake := remotetest.NewFake(
		remotetest.Rule{Contains: "down --remove-orphans", Result: remote.Result{ExitCode: 1, Stderr: "no such project"}},
	)
	p := New(fake, &stubStrategy{}, testOptions(t), logging.Discard())

	if err := p.Restart(context.Background()); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if !fake.Ran("up -d") {
		t.Error("start never attempted after swallowed stop failure")
	}
}

func TestRestartStartFailureIsFatal(t *testing.T) {
	fake := remotetest.NewFake(
		remotetest.Rule{Contains: "up -d", Result: remote.Result{ExitCode: 1, Stderr: "port already allocated"}},
	)
	p := New(fake, &stubStrategy{}, testOptions(t), logging.Discard())

	err := p.Restart(context.Background())
	if err == nil {
		t.Fatal("Restart succeeded despite start failure")
	}
	if !strings.Contains(err.Error(), "port already allocated") {
		t.Errorf("error %q missing captured remote output", err)
	}
}

func TestLogsValidatesServiceName(t *testing.T) {
	composePath := filepath.Join(t.TempDir(), "docker-compose.yml")
	def := "services:\n  sentinel:\n    image: sentinel:latest\n  mqtt:\n    image: eclipse-mosquitto:2\n"
	if err := os.WriteFile(composePath, []byte(def), 0o644); err != nil {
		t.Fatal(err)
	}

	fake := remotetest.NewFake(
		remotetest.Rule{Contains: "logs --tail", Result: remote.Result{Stdout: "sentinel | ready\n"}},
	)
	opts := testOptions(t)
	opts.LocalComposeFile = composePath
	p := New(fake, &stubStrategy{}, opts, logging.Discard())

	var out bytes.Buffer
	if err := p.Logs(context.Background(), &out, "sentinel", false); err != nil {
		t.Fatalf("Logs: %v", err)
	}
	if out.String() != "sentinel | ready\n" {
		t.Errorf("logs output = %q", out.String())
	}

	err := p.Logs(context.Background(), &out, "ghost", false)
	if err == nil {
		t.Fatal("unknown service accepted")
	}
	if !strings.Contains(err.Error(), "mqtt") {
		t.Errorf("error %q does not list known services", err)
	}
}

package probe

import (
	"context"
	"testing"

	"sentinelctl/internal/logging"
	"sentinelctl/internal/remote"
	"sentinelctl/internal/remote/remotetest"
)

const osRelease = `NAME="Ubuntu"
VERSION="22.04.4 LTS (Jammy Jellyfish)"
ID=ubuntu
ID_LIKE=debian
VERSION_ID="22.04"
VERSION_CODENAME=jammy
`

func TestParseOSRelease(t *testing.T) {
	facts := &Facts{}
	parseOSRelease(osRelease, facts)

	if facts.DistroID != "ubuntu" {
		t.Errorf("DistroID = %q, want ubuntu", facts.DistroID)
	}
	if facts.VersionID != "22.04" {
		t.Errorf("VersionID = %q, want 22.04", facts.VersionID)
	}
	if facts.Codename != "jammy" {
		t.Errorf("Codename = %q, want jammy", facts.Codename)
	}
	if got := facts.Platform(); got != "ubuntu22.04" {
		t.Errorf("Platform() = %q, want ubuntu22.04", got)
	}
}

func TestParseDockerVersion(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"Docker version 27.3.1, build ce12230", "27.3.1"},
		{"Docker version 24.0.7", "24.0.7"},
		{"", ""},
		{"command not found", ""},
	}

	for _, tt := range tests {
		if got := parseDockerVersion(tt.input); got != tt.want {
			t.Errorf("parseDockerVersion(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestParseBuildxVersion(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"github.com/docker/buildx v0.17.1 257815a", "0.17.1"},
		{"", ""},
	}

	for _, tt := range tests {
		if got := parseBuildxVersion(tt.input); got != tt.want {
			t.Errorf("parseBuildxVersion(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestGatherFullHost(t *testing.T) {
	fake := remotetest.NewFake(
		remotetest.Rule{Contains: "os-release", Result: remote.Result{Stdout: osRelease}},
		remotetest.Rule{Contains: "hostname", Result: remote.Result{Stdout: "gpu-box.lan\n"}},
		remotetest.Rule{Contains: "uname -r", Result: remote.Result{Stdout: "6.8.0-45-generic\n"}},
		remotetest.Rule{Contains: "print-architecture", Result: remote.Result{Stdout: "amd64\n"}},
		remotetest.Rule{Contains: "docker --version", Result: remote.Result{Stdout: "Docker version 27.3.1, build ce12230\n"}},
		remotetest.Rule{Contains: "compose version", Result: remote.Result{Stdout: "2.29.7\n"}},
		remotetest.Rule{Contains: "buildx version", Result: remote.Result{Stdout: "github.com/docker/buildx v0.17.1 257815a\n"}},
		remotetest.Rule{Contains: "lspci", Result: remote.Result{Stdout: "1\n"}},
		remotetest.Rule{Contains: "nvidia-smi", Result: remote.Result{Stdout: "550.127.05\n"}},
		remotetest.Rule{Contains: "nvidia-ctk", Result: remote.Result{Stdout: "1.16.2\n"}},
	)

	facts, err := New(fake, logging.Discard()).Gather(context.Background())
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}

	if facts.Hostname != "gpu-box.lan" {
		t.Errorf("Hostname = %q", facts.Hostname)
	}
	if facts.Architecture != "amd64" {
		t.Errorf("Architecture = %q", facts.Architecture)
	}
	if !facts.HasDocker() || facts.DockerVersion != "27.3.1" {
		t.Errorf("DockerVersion = %q, want 27.3.1", facts.DockerVersion)
	}
	if !facts.HasCompose() || facts.ComposeVersion != "2.29.7" {
		t.Errorf("ComposeVersion = %q", facts.ComposeVersion)
	}
	if !facts.HasBuildx() {
		t.Errorf("BuildxVersion = %q", facts.BuildxVersion)
	}
	if !facts.GPUPresent || !facts.DriverActive() {
		t.Errorf("GPU = %v driver = %q", facts.GPUPresent, facts.DriverVersion)
	}
	if !facts.HasCTK() {
		t.Errorf("CTKVersion = %q", facts.CTKVersion)
	}
}

func TestGatherBareHost(t *testing.T) {
	// Commands the fake has no rule for succeed with empty output,
	// which must read as "absent", never as an error.
	fake := remotetest.NewFake(
		remotetest.Rule{Contains: "os-release", Result: remote.Result{Stdout: osRelease}},
		remotetest.Rule{Contains: "docker", Result: remote.Result{ExitCode: 127, Stderr: "docker: command not found"}},
		remotetest.Rule{Contains: "lspci", Result: remote.Result{Stdout: "0\n"}},
	)

	facts, err := New(fake, logging.Discard()).Gather(context.Background())
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}

	if facts.HasDocker() || facts.HasCompose() || facts.HasBuildx() {
		t.Error("bare host should report no docker components")
	}
	if facts.GPUPresent || facts.DriverActive() {
		t.Error("bare host should report no GPU")
	}
}

func TestFileContains(t *testing.T) {
	fake := remotetest.NewFake(
		remotetest.Rule{Contains: "daemon.json", Result: remote.Result{Stdout: "yes\n"}},
	)
	p := New(fake, logging.Discard())

	if !p.FileContains(context.Background(), "/etc/docker/daemon.json", "nvidia") {
		t.Error("FileContains should report true")
	}
	if p.FileContains(context.Background(), "/etc/other.conf", "nvidia") {
		t.Error("FileContains should report false for unmatched file")
	}
}

package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseEnv(t *testing.T) {
	data := []byte(`
# deployment target
REMOTE_HOST=gpu-box.lan
REMOTE_USER="sentinel"
REMOTE_PATH='/opt/home-sentinel'

DEPLOY_METHOD=mirror
BUILD_REMOTE=yes
not-a-pair
EMPTY=
`)

	vars := ParseEnv(data)

	tests := []struct {
		key  string
		want string
	}{
		{"REMOTE_HOST", "gpu-box.lan"},
		{"REMOTE_USER", "sentinel"},
		{"REMOTE_PATH", "/opt/home-sentinel"},
		{"DEPLOY_METHOD", "mirror"},
		{"BUILD_REMOTE", "yes"},
		{"EMPTY", ""},
	}

	for _, tt := range tests {
		if got := vars[tt.key]; got != tt.want {
			t.Errorf("vars[%q] = %q, want %q", tt.key, got, tt.want)
		}
	}

	if _, ok := vars["not-a-pair"]; ok {
		t.Error("line without '=' should be ignored")
	}
	if _, ok := vars["# deployment target"]; ok {
		t.Error("comment line should be ignored")
	}
}

func TestParseBool(t *testing.T) {
	tests := []struct {
		input    string
		fallback bool
		want     bool
	}{
		{"true", false, true},
		{"YES", false, true},
		{"1", false, true},
		{"on", false, true},
		{"false", true, false},
		{"no", true, false},
		{"0", true, false},
		{"", true, true},
		{"", false, false},
		{"garbage", true, true},
	}

	for _, tt := range tests {
		if got := parseBool(tt.input, tt.fallback); got != tt.want {
			t.Errorf("parseBool(%q, %v) = %v, want %v", tt.input, tt.fallback, got, tt.want)
		}
	}
}

func writeEnv(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "env")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadFromPath(t *testing.T) {
	path := writeEnv(t, `
REMOTE_HOST=10.0.0.5
REMOTE_USER=ubuntu
REMOTE_PATH=/srv/sentinel
SSH_PORT=2222
DEPLOY_METHOD=git
RESTART_SERVICES=false
DATA_DIRS=data, models ,cache
COMMAND_TIMEOUT=5m
`)

	cfg, used, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath: %v", err)
	}
	if used != path {
		t.Errorf("used path = %q, want %q", used, path)
	}

	if cfg.RemotePort != 2222 {
		t.Errorf("RemotePort = %d, want 2222", cfg.RemotePort)
	}
	if cfg.Method != SyncGit {
		t.Errorf("Method = %q, want git", cfg.Method)
	}
	if cfg.RestartServices {
		t.Error("RestartServices should be false")
	}
	if !cfg.BuildRemote {
		t.Error("BuildRemote should default to true")
	}
	if len(cfg.DataDirs) != 3 || cfg.DataDirs[1] != "models" {
		t.Errorf("DataDirs = %v, want [data models cache]", cfg.DataDirs)
	}
	if cfg.CommandTimeout != 5*time.Minute {
		t.Errorf("CommandTimeout = %s, want 5m", cfg.CommandTimeout)
	}
	if cfg.Addr() != "10.0.0.5:2222" {
		t.Errorf("Addr() = %q", cfg.Addr())
	}
}

func TestLoadDefaults(t *testing.T) {
	path := writeEnv(t, `
REMOTE_HOST=host
REMOTE_USER=user
REMOTE_PATH=/srv/app
`)

	cfg, _, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath: %v", err)
	}

	if cfg.RemotePort != 22 {
		t.Errorf("RemotePort = %d, want 22", cfg.RemotePort)
	}
	if cfg.Method != SyncMirror {
		t.Errorf("Method = %q, want mirror", cfg.Method)
	}
	if cfg.Branch != "main" || cfg.FallbackBranch != "master" {
		t.Errorf("branches = %q/%q, want main/master", cfg.Branch, cfg.FallbackBranch)
	}
	if cfg.ComposeFile != "docker-compose.yml" {
		t.Errorf("ComposeFile = %q", cfg.ComposeFile)
	}
	if cfg.GPUDefaultRuntime {
		t.Error("GPUDefaultRuntime should default to false")
	}
}

func TestValidateMissingKeys(t *testing.T) {
	path := writeEnv(t, "REMOTE_HOST=host\n")

	_, _, err := LoadFromPath(path)
	if !errors.Is(err, ErrMissingRequired) {
		t.Fatalf("err = %v, want ErrMissingRequired", err)
	}
}

func TestValidateBadMethod(t *testing.T) {
	path := writeEnv(t, `
REMOTE_HOST=host
REMOTE_USER=user
REMOTE_PATH=/srv/app
DEPLOY_METHOD=teleport
`)

	_, _, err := LoadFromPath(path)
	if err == nil {
		t.Fatal("expected error for unknown DEPLOY_METHOD")
	}
}

func TestValidateBadPort(t *testing.T) {
	tests := []string{"not-a-number", "0", "-5", "70000"}
	for _, port := range tests {
		path := writeEnv(t, `
REMOTE_HOST=host
REMOTE_USER=user
REMOTE_PATH=/srv/app
SSH_PORT=`+port+"\n")

		_, _, err := LoadFromPath(path)
		if err == nil || !strings.Contains(err.Error(), "SSH_PORT") {
			t.Errorf("SSH_PORT=%s: err = %v, want invalid-port error", port, err)
		}
	}
}

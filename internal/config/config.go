// Package config loads deployment configuration from a flat KEY=VALUE
// environment file.
//
// The file answers two questions: where is the target host (connection
// settings) and how should code get there (sync method and pipeline
// toggles). Missing required keys are reported as a configuration error
// before any remote side effect occurs.
//
// File locations (priority order):
//  1. $SENTINELCTL_ENV
//  2. ./.env
//  3. ~/.config/sentinelctl/env
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// SyncMethod selects how local source reaches the remote path.
type SyncMethod string

const (
	// SyncMirror mirrors the local tree with rsync, deleting remote
	// files that no longer exist locally.
	SyncMirror SyncMethod = "mirror"
	// SyncGit publishes local commits and fast-forwards the remote
	// checkout.
	SyncGit SyncMethod = "git"
)

// ErrMissingRequired indicates a required configuration key is absent.
var ErrMissingRequired = errors.New("config: missing required key")

// Config holds everything sentinelctl needs for one invocation.
type Config struct {
	// Connection
	RemoteHost  string
	RemoteUser  string
	RemotePort  int
	SSHKeyPath  string
	SSHPassword string

	// Target layout
	RemotePath  string
	ComposeFile string
	DataDirs    []string

	// Sync
	Method         SyncMethod
	Branch         string
	FallbackBranch string

	// Pipeline toggles
	BuildRemote     bool
	RestartServices bool
	CopyEnv         bool
	EnvFile         string

	// Convergence
	BuilderName       string
	GPUDefaultRuntime bool
	DNSServers        []string

	// Process
	JournalDB      string
	LogLevel       string
	ConnectTimeout time.Duration
	CommandTimeout time.Duration

	// portErr holds a malformed SSH_PORT value for Validate to report;
	// a bad port must not silently become the default.
	portErr error
}

// Load finds the environment file and builds a validated Config.
// The returned path is the file actually used ("" when only defaults
// applied, which always fails validation because the connection keys
// have no defaults).
func Load() (*Config, string, error) {
	path := findEnvPath()
	return LoadFromPath(path)
}

// LoadFromPath builds a Config from a specific environment file.
func LoadFromPath(path string) (*Config, string, error) {
	vars := map[string]string{}
	if path != "" {
		loaded, err := ReadEnvFile(path)
		if err != nil {
			return nil, path, err
		}
		vars = loaded
	}

	cfg := fromVars(vars)
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, path, err
	}

	return cfg, path, nil
}

// LoadLenient builds a Config without requiring the connection keys,
// for commands that never touch the remote host.
func LoadLenient() *Config {
	vars := map[string]string{}
	if path := findEnvPath(); path != "" {
		if loaded, err := ReadEnvFile(path); err == nil {
			vars = loaded
		}
	}
	cfg := fromVars(vars)
	cfg.applyDefaults()
	return cfg
}

func findEnvPath() string {
	if env := os.Getenv("SENTINELCTL_ENV"); env != "" {
		return env
	}

	candidates := []string{"./.env"}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "sentinelctl", "env"))
	}

	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}

func fromVars(vars map[string]string) *Config {
	cfg := &Config{
		RemoteHost:        vars["REMOTE_HOST"],
		RemoteUser:        vars["REMOTE_USER"],
		SSHKeyPath:        vars["SSH_KEY_PATH"],
		SSHPassword:       vars["SSH_PASSWORD"],
		RemotePath:        vars["REMOTE_PATH"],
		ComposeFile:       vars["COMPOSE_FILE"],
		Method:            SyncMethod(strings.ToLower(vars["DEPLOY_METHOD"])),
		Branch:            vars["BRANCH"],
		FallbackBranch:    vars["FALLBACK_BRANCH"],
		BuildRemote:       parseBool(vars["BUILD_REMOTE"], true),
		RestartServices:   parseBool(vars["RESTART_SERVICES"], true),
		CopyEnv:           parseBool(vars["COPY_ENV"], false),
		EnvFile:           vars["ENV_FILE"],
		BuilderName:       vars["BUILDER_NAME"],
		GPUDefaultRuntime: parseBool(vars["GPU_DEFAULT_RUNTIME"], false),
		JournalDB:         vars["JOURNAL_DB"],
		LogLevel:          vars["LOG_LEVEL"],
	}

	if port := vars["SSH_PORT"]; port != "" {
		n, err := strconv.Atoi(port)
		if err != nil || n < 1 || n > 65535 {
			cfg.portErr = fmt.Errorf("config: invalid SSH_PORT %q", port)
		} else {
			cfg.RemotePort = n
		}
	}
	if servers := vars["DNS_SERVERS"]; servers != "" {
		for _, s := range strings.Split(servers, ",") {
			if s = strings.TrimSpace(s); s != "" {
				cfg.DNSServers = append(cfg.DNSServers, s)
			}
		}
	}
	if dirs := vars["DATA_DIRS"]; dirs != "" {
		for _, d := range strings.Split(dirs, ",") {
			if d = strings.TrimSpace(d); d != "" {
				cfg.DataDirs = append(cfg.DataDirs, d)
			}
		}
	}
	if t := vars["CONNECT_TIMEOUT"]; t != "" {
		if dur, err := time.ParseDuration(t); err == nil {
			cfg.ConnectTimeout = dur
		}
	}
	if t := vars["COMMAND_TIMEOUT"]; t != "" {
		if dur, err := time.ParseDuration(t); err == nil {
			cfg.CommandTimeout = dur
		}
	}

	return cfg
}

func (c *Config) applyDefaults() {
	if c.RemotePort == 0 {
		c.RemotePort = 22
	}
	if c.ComposeFile == "" {
		c.ComposeFile = "docker-compose.yml"
	}
	if len(c.DataDirs) == 0 {
		c.DataDirs = []string{"data", "models", "cache", "screenshots"}
	}
	if c.Method == "" {
		c.Method = SyncMirror
	}
	if c.Branch == "" {
		c.Branch = "main"
	}
	if c.FallbackBranch == "" {
		c.FallbackBranch = "master"
	}
	if c.EnvFile == "" {
		c.EnvFile = ".env"
	}
	if c.BuilderName == "" {
		c.BuilderName = "sentinel-builder"
	}
	if len(c.DNSServers) == 0 {
		c.DNSServers = []string{"1.1.1.1", "8.8.8.8"}
	}
	if c.JournalDB == "" {
		c.JournalDB = "./sentinelctl.db"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.CommandTimeout == 0 {
		c.CommandTimeout = 10 * time.Minute
	}
}

// Validate reports configuration errors. It runs before any remote
// connection is opened.
func (c *Config) Validate() error {
	var missing []string
	if c.RemoteHost == "" {
		missing = append(missing, "REMOTE_HOST")
	}
	if c.RemoteUser == "" {
		missing = append(missing, "REMOTE_USER")
	}
	if c.RemotePath == "" {
		missing = append(missing, "REMOTE_PATH")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingRequired, strings.Join(missing, ", "))
	}

	if c.portErr != nil {
		return c.portErr
	}

	switch c.Method {
	case SyncMirror, SyncGit:
	default:
		return fmt.Errorf("config: unknown DEPLOY_METHOD %q (want mirror or git)", c.Method)
	}

	return nil
}

// Addr returns the host:port dial address for the remote host.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.RemoteHost, c.RemotePort)
}

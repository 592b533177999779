// Package remote is the single I/O boundary to the target host.
//
// Everything sentinelctl does to the outside world is expressed as a
// shell command string plus file upload against an Executor. Higher
// layers never open sockets or spawn processes themselves, which keeps
// convergence and pipeline logic testable against a scripted fake.
package remote

import (
	"context"
	"os"
	"strings"
)

// Result captures one command execution on a host.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// OK reports whether the command exited zero.
func (r Result) OK() bool {
	return r.ExitCode == 0
}

// Output returns trimmed stdout, falling back to stderr when stdout is
// empty. Convenient for version probes and error reporting.
func (r Result) Output() string {
	if out := strings.TrimSpace(r.Stdout); out != "" {
		return out
	}
	return strings.TrimSpace(r.Stderr)
}

// Executor runs commands against a target host. A non-zero exit status
// is reported through Result, not through the error return; the error
// is reserved for transport failures (connection lost, timeout).
type Executor interface {
	// Run executes a shell command string on the target.
	Run(ctx context.Context, cmd string) (Result, error)
	// Upload writes content to remotePath with the given mode,
	// creating parent directories as needed.
	Upload(ctx context.Context, content []byte, remotePath string, mode os.FileMode) error
}

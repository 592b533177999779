// Package syncer transfers the local source tree to the remote path.
//
// Two interchangeable strategies: mirror pushes a one-way rsync
// snapshot, git publishes local commits and fast-forwards the remote
// checkout. Both are safe to re-run; neither assumes anything about the
// remote beyond the path (mirror) or an initialized repository (git).
package syncer

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"sentinelctl/internal/config"
	"sentinelctl/internal/remote"
)

// Confirmer answers a yes/no question put to the operator. Pipelines
// running unattended inject a non-interactive answer instead of a
// terminal prompt.
type Confirmer interface {
	Confirm(prompt string) bool
}

// ConfirmerFunc adapts a function to the Confirmer interface.
type ConfirmerFunc func(prompt string) bool

// Confirm implements Confirmer.
func (f ConfirmerFunc) Confirm(prompt string) bool { return f(prompt) }

// Never declines every prompt, for unattended runs.
var Never = ConfirmerFunc(func(string) bool { return false })

// Strategy synchronizes local source to the remote host.
type Strategy interface {
	Name() string
	Sync(ctx context.Context) error
}

// Options carries what both strategies need to reach the host.
type Options struct {
	LocalPath  string
	RemotePath string
	Host       string
	User       string
	Port       int
	KeyPath    string

	Branch         string
	FallbackBranch string
}

// ForMethod builds the strategy named by the deploy method.
func ForMethod(method config.SyncMethod, exec remote.Executor, opts Options, confirm Confirmer, log zerolog.Logger) (Strategy, error) {
	switch method {
	case config.SyncMirror:
		return NewMirror(exec, opts, log), nil
	case config.SyncGit:
		return NewGit(exec, opts, confirm, log), nil
	default:
		return nil, fmt.Errorf("unknown sync method %q", method)
	}
}

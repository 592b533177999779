package remote

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
)

// Local is an Executor that runs commands on the operator's own
// machine through the shell. Mirror sync uses it to invoke rsync, which
// has to originate locally.
type Local struct{}

// Run executes cmd via sh -c.
func (Local) Run(ctx context.Context, cmd string) (Result, error) {
	c := exec.CommandContext(ctx, "sh", "-c", cmd)

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	err := c.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, err
	}
	return res, nil
}

// Stream executes cmd via sh -c with output wired straight to w.
func (Local) Stream(ctx context.Context, cmd string, w io.Writer) error {
	c := exec.CommandContext(ctx, "sh", "-c", cmd)
	c.Stdout = w
	c.Stderr = w

	err := c.Run()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}

// Upload writes content to a local path.
func (Local) Upload(_ context.Context, content []byte, path string, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, content, mode)
}

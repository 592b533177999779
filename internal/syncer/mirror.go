package syncer

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-git/v5/plumbing/format/gitignore"
	"github.com/rs/zerolog"

	"sentinelctl/internal/remote"
)

// staticExcludes never travel to the host regardless of ignore rules:
// remote-owned data, caches, and local-only secrets.
var staticExcludes = []string{
	".git",
	"data",
	"models",
	"cache",
	"screenshots",
	".env.local",
	"__pycache__",
	".venv",
}

// Mirror pushes a one-way snapshot of the local tree with rsync,
// deleting remote files that no longer exist locally.
type Mirror struct {
	exec remote.Executor
	opts Options
	log  zerolog.Logger

	// runLocal is swapped out in tests.
	runLocal func(ctx context.Context, name string, args ...string) ([]byte, error)
}

// NewMirror creates the mirror strategy.
func NewMirror(executor remote.Executor, opts Options, log zerolog.Logger) *Mirror {
	return &Mirror{
		exec: executor,
		opts: opts,
		log:  log.With().Str("component", "syncer").Str("strategy", "mirror").Logger(),
		runLocal: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, name, args...).CombinedOutput()
		},
	}
}

// Name implements Strategy.
func (m *Mirror) Name() string { return "mirror" }

// Sync implements Strategy.
func (m *Mirror) Sync(ctx context.Context) error {
	if res, err := m.exec.Run(ctx, fmt.Sprintf("mkdir -p %q", m.opts.RemotePath)); err != nil {
		return fmt.Errorf("ensure remote path: %w", err)
	} else if !res.OK() {
		return fmt.Errorf("ensure remote path: %s", res.Output())
	}

	excludes, err := m.excludes()
	if err != nil {
		return err
	}

	args := []string{"-az", "--delete"}
	for _, e := range excludes {
		args = append(args, "--exclude", e)
	}
	args = append(args, "-e", m.sshCommand())
	args = append(args,
		strings.TrimSuffix(m.opts.LocalPath, "/")+"/",
		fmt.Sprintf("%s@%s:%s/", m.opts.User, m.opts.Host, strings.TrimSuffix(m.opts.RemotePath, "/")))

	m.log.Info().Int("excludes", len(excludes)).Msg("mirroring source tree")
	out, err := m.runLocal(ctx, "rsync", args...)
	if err != nil {
		return fmt.Errorf("rsync: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (m *Mirror) sshCommand() string {
	cmd := fmt.Sprintf("ssh -p %d -o StrictHostKeyChecking=no", m.opts.Port)
	if m.opts.KeyPath != "" {
		cmd += " -i " + m.opts.KeyPath
	}
	return cmd
}

// excludes merges the static list with paths matched by the project's
// own ignore rules. Only the topmost ignored path is emitted; rsync
// never descends into an excluded directory.
func (m *Mirror) excludes() ([]string, error) {
	out := append([]string(nil), staticExcludes...)

	patterns, err := gitignore.ReadPatterns(osfs.New(m.opts.LocalPath), nil)
	if err != nil || len(patterns) == 0 {
		// A tree without ignore rules still mirrors fine on the
		// static list alone.
		return out, nil
	}
	matcher := gitignore.NewMatcher(patterns)

	static := make(map[string]bool, len(staticExcludes))
	for _, e := range staticExcludes {
		static[e] = true
	}

	walkErr := fs.WalkDir(os.DirFS(m.opts.LocalPath), ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil || path == "." {
			return err
		}
		parts := strings.Split(filepath.ToSlash(path), "/")
		if static[parts[0]] {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if matcher.Match(parts, d.IsDir()) {
			out = append(out, "/"+path)
			if d.IsDir() {
				return fs.SkipDir
			}
		}
		return nil
	})
	if walkErr != nil {
		return nil, fmt.Errorf("scan ignore rules: %w", walkErr)
	}

	sort.Strings(out[len(staticExcludes):])
	return out, nil
}

package syncer

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-git/go-git/v5"
	"github.com/rs/zerolog"

	"sentinelctl/internal/remote"
)

// Git publishes local commits and fast-forwards the remote checkout.
type Git struct {
	exec    remote.Executor
	opts    Options
	confirm Confirmer
	log     zerolog.Logger
}

// NewGit creates the vcs-pull strategy.
func NewGit(executor remote.Executor, opts Options, confirm Confirmer, log zerolog.Logger) *Git {
	if confirm == nil {
		confirm = Never
	}
	return &Git{
		exec:    executor,
		opts:    opts,
		confirm: confirm,
		log:     log.With().Str("component", "syncer").Str("strategy", "git").Logger(),
	}
}

// Name implements Strategy.
func (g *Git) Name() string { return "git" }

// Sync implements Strategy.
func (g *Git) Sync(ctx context.Context) error {
	if err := g.publish(ctx); err != nil {
		return err
	}
	return g.pull(ctx)
}

// publish commits dirty local state when the operator agrees, then
// pushes whatever is committed. Declining the prompt deploys the last
// committed state instead.
func (g *Git) publish(ctx context.Context) error {
	repo, err := git.PlainOpen(g.opts.LocalPath)
	if err != nil {
		return fmt.Errorf("open local repository: %w", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("local worktree: %w", err)
	}
	status, err := wt.Status()
	if err != nil {
		return fmt.Errorf("local status: %w", err)
	}

	if !status.IsClean() {
		if g.confirm.Confirm("Local tree has uncommitted changes. Commit and push them?") {
			if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
				return fmt.Errorf("stage changes: %w", err)
			}
			if _, err := wt.Commit("deploy: snapshot of working tree", &git.CommitOptions{}); err != nil {
				return fmt.Errorf("commit changes: %w", err)
			}
			g.log.Info().Msg("committed working tree for deployment")
		} else {
			g.log.Warn().Msg("uncommitted changes left behind, deploying last committed state")
		}
	}

	switch err := repo.PushContext(ctx, &git.PushOptions{}); {
	case errors.Is(err, git.NoErrAlreadyUpToDate):
		g.log.Debug().Msg("remote already has the current tip")
	case err != nil:
		return fmt.Errorf("push: %w", err)
	}
	return nil
}

// pull fast-forwards the remote checkout, trying the primary branch
// then the fallback. Only a fast-forward is allowed; a diverged remote
// checkout is an operator problem, not something to force over.
func (g *Git) pull(ctx context.Context) error {
	branches := []string{g.opts.Branch}
	if g.opts.FallbackBranch != "" && g.opts.FallbackBranch != g.opts.Branch {
		branches = append(branches, g.opts.FallbackBranch)
	}

	var lastOut string
	for _, branch := range branches {
		cmd := fmt.Sprintf("cd %q && git fetch --all --prune && git pull --ff-only origin %q",
			g.opts.RemotePath, branch)
		res, err := g.exec.Run(ctx, cmd)
		if err != nil {
			return fmt.Errorf("remote pull: %w", err)
		}
		if res.OK() {
			g.log.Info().Str("branch", branch).Msg("remote checkout fast-forwarded")
			return nil
		}
		lastOut = res.Output()
		g.log.Warn().Str("branch", branch).Msg("remote pull failed, trying fallback branch")
	}
	return fmt.Errorf("remote pull failed on all of %v: %s", branches, lastOut)
}

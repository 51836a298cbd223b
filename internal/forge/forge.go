// Package forge wraps the git and gh command-line tools behind a typed
// API. All repository mutations go through the remote: branches are
// created and reset by pushing refs, never by touching a local checkout,
// so the engine needs no working tree of its own.
package forge

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/franklinbaldo/cadence/internal/util"
)

// Runner executes one subprocess and returns its trimmed stdout. Tests
// substitute a fake; production uses the repo-dir shell runner.
type Runner interface {
	Output(ctx context.Context, name string, args ...string) (string, error)
}

type shellRunner struct {
	dir string
}

func (r shellRunner) Output(ctx context.Context, name string, args ...string) (string, error) {
	return util.ExecOutput(ctx, r.dir, name, args...)
}

// Forge issues git and gh commands against one repository clone.
type Forge struct {
	run Runner
}

// New returns a Forge running commands in repoDir.
func New(repoDir string) *Forge {
	return &Forge{run: shellRunner{dir: repoDir}}
}

// NewWithRunner returns a Forge using a custom runner.
func NewWithRunner(r Runner) *Forge {
	return &Forge{run: r}
}

// RemoteSHA resolves branch on origin. Returns "" with no error when the
// branch does not exist.
func (f *Forge) RemoteSHA(ctx context.Context, branch string) (string, error) {
	out, err := f.run.Output(ctx, "git", "ls-remote", "origin", "refs/heads/"+branch)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", branch, err)
	}
	if out == "" {
		return "", nil
	}
	fields := strings.Fields(out)
	return fields[0], nil
}

// CreateBranch points a new remote branch at the tip of from. It pushes
// the resolved SHA rather than a local ref, so no checkout is involved.
func (f *Forge) CreateBranch(ctx context.Context, branch, from string) error {
	sha, err := f.RemoteSHA(ctx, from)
	if err != nil {
		return err
	}
	if sha == "" {
		return fmt.Errorf("creating %s: source branch %s does not exist", branch, from)
	}
	if _, err := f.run.Output(ctx, "git", "push", "origin", sha+":refs/heads/"+branch); err != nil {
		return fmt.Errorf("creating %s from %s: %w", branch, from, err)
	}
	return nil
}

// ResetBranch force-pushes branch to the tip of from, discarding whatever
// the branch held. Callers back up the old tip first.
func (f *Forge) ResetBranch(ctx context.Context, branch, from string) error {
	sha, err := f.RemoteSHA(ctx, from)
	if err != nil {
		return err
	}
	if sha == "" {
		return fmt.Errorf("resetting %s: source branch %s does not exist", branch, from)
	}
	if _, err := f.run.Output(ctx, "git", "push", "--force", "origin", sha+":refs/heads/"+branch); err != nil {
		return fmt.Errorf("resetting %s to %s: %w", branch, from, err)
	}
	return nil
}

// Fetch updates the local view of the named remote branches.
func (f *Forge) Fetch(ctx context.Context, branches ...string) error {
	args := append([]string{"fetch", "origin"}, branches...)
	if _, err := f.run.Output(ctx, "git", args...); err != nil {
		return fmt.Errorf("fetching %s: %w", strings.Join(branches, ", "), err)
	}
	return nil
}

// AheadBehind reports how many commits branch has that base lacks (ahead)
// and how many base has that branch lacks (behind). Both are measured on
// origin's refs; callers Fetch first.
func (f *Forge) AheadBehind(ctx context.Context, branch, base string) (ahead, behind int, err error) {
	ahead, err = f.revCount(ctx, "origin/"+base, "origin/"+branch)
	if err != nil {
		return 0, 0, err
	}
	behind, err = f.revCount(ctx, "origin/"+branch, "origin/"+base)
	if err != nil {
		return 0, 0, err
	}
	return ahead, behind, nil
}

func (f *Forge) revCount(ctx context.Context, exclude, include string) (int, error) {
	out, err := f.run.Output(ctx, "git", "rev-list", "--count", exclude+".."+include)
	if err != nil {
		return 0, fmt.Errorf("counting %s..%s: %w", exclude, include, err)
	}
	n, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return 0, fmt.Errorf("counting %s..%s: unexpected output %q", exclude, include, out)
	}
	return n, nil
}

// Package pr decides when a pull request may merge and performs the
// merge. The gate is deliberately a single conjunction: a PR merges only
// when it is not a draft, the forge reports it mergeable, and CI passes.
// Anything else waits.
package pr

import (
	"context"
	"fmt"
	"strings"

	"github.com/franklinbaldo/cadence/internal/forge"
	"github.com/franklinbaldo/cadence/internal/lock"
)

// Forge is the slice of the forge API this package needs.
type Forge interface {
	FindPR(ctx context.Context, branch string) (*forge.PullRequest, error)
	ListOpenPRs(ctx context.Context) ([]forge.PullRequest, error)
	MergePR(ctx context.Context, number int) error
}

// IsMergeReady reports whether the PR passes the merge gate.
func IsMergeReady(p *forge.PullRequest) bool {
	return !p.Draft && p.Mergeable && p.CI == forge.CIPassing
}

// HoldReason names what keeps a PR from merging, for audit history.
// Empty when the PR is merge-ready.
func HoldReason(p *forge.PullRequest) string {
	switch {
	case p.Draft:
		return "pr is a draft"
	case !p.Mergeable:
		return "pr is not mergeable"
	case p.CI == forge.CIFailing:
		return "ci failing"
	case p.CI == forge.CIPending:
		return "ci pending"
	default:
		return ""
	}
}

// Manager finds and merges session pull requests.
type Manager struct {
	forge   Forge
	lockDir string
}

// NewManager returns a Manager whose merge locks live in lockDir.
func NewManager(f Forge, lockDir string) *Manager {
	return &Manager{forge: f, lockDir: lockDir}
}

// FindFor locates the open PR for a session. The primary key is the
// session branch; if the session pushed under an unexpected branch name,
// open PRs are scanned for the session ID in the head branch or body.
func (m *Manager) FindFor(ctx context.Context, branch, sessionID string) (*forge.PullRequest, error) {
	p, err := m.forge.FindPR(ctx, branch)
	if err != nil {
		return nil, err
	}
	if p != nil || sessionID == "" {
		return p, nil
	}

	open, err := m.forge.ListOpenPRs(ctx)
	if err != nil {
		return nil, err
	}
	for i := range open {
		if strings.HasSuffix(open[i].HeadBranch, "/"+sessionID) ||
			strings.Contains(open[i].Body, sessionID) {
			return &open[i], nil
		}
	}
	return nil, nil
}

// Merge merges a merge-ready PR, serializing on the base branch so two
// tracks sharing an integration branch cannot merge concurrently.
func (m *Manager) Merge(ctx context.Context, p *forge.PullRequest) error {
	if !IsMergeReady(p) {
		return fmt.Errorf("PR #%d is not merge-ready: %s", p.Number, HoldReason(p))
	}
	unlock, err := lock.Acquire(lock.ForBranch(m.lockDir, p.BaseBranch))
	if err != nil {
		return err
	}
	defer unlock()
	return m.forge.MergePR(ctx, p.Number)
}

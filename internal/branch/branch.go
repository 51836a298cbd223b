// Package branch keeps a track's integration branch healthy relative to
// its base: creating it on first use, fast-forwarding when the base moves
// ahead, and detecting divergence that needs reconciliation.
package branch

import (
	"context"
	"fmt"
)

// Status relates an integration branch to its base.
type Status string

const (
	// StatusCurrent: both tips equal.
	StatusCurrent Status = "current"
	// StatusAhead: the branch holds cycle work the base lacks. Normal.
	StatusAhead Status = "ahead"
	// StatusBehind: the base moved and the branch has no unique commits.
	// Safe to fast-forward.
	StatusBehind Status = "behind"
	// StatusDiverged: both sides have unique commits. Needs reconciliation.
	StatusDiverged Status = "diverged"
)

// Forge is the slice of the forge API this package needs.
type Forge interface {
	RemoteSHA(ctx context.Context, branch string) (string, error)
	CreateBranch(ctx context.Context, branch, from string) error
	ResetBranch(ctx context.Context, branch, from string) error
	Fetch(ctx context.Context, branches ...string) error
	AheadBehind(ctx context.Context, branch, base string) (ahead, behind int, err error)
}

// Manager maintains integration branches.
type Manager struct {
	forge Forge
}

// NewManager returns a Manager over f.
func NewManager(f Forge) *Manager {
	return &Manager{forge: f}
}

// Ensure creates branch from base when it does not exist yet. Reports
// whether it was created.
func (m *Manager) Ensure(ctx context.Context, branch, base string) (bool, error) {
	sha, err := m.forge.RemoteSHA(ctx, branch)
	if err != nil {
		return false, err
	}
	if sha != "" {
		return false, nil
	}
	if err := m.forge.CreateBranch(ctx, branch, base); err != nil {
		return false, err
	}
	return true, nil
}

// Check fetches both branches and classifies their relationship.
func (m *Manager) Check(ctx context.Context, branch, base string) (Status, error) {
	if err := m.forge.Fetch(ctx, branch, base); err != nil {
		return "", err
	}
	ahead, behind, err := m.forge.AheadBehind(ctx, branch, base)
	if err != nil {
		return "", err
	}
	switch {
	case ahead == 0 && behind == 0:
		return StatusCurrent, nil
	case ahead > 0 && behind > 0:
		return StatusDiverged, nil
	case behind > 0:
		return StatusBehind, nil
	default:
		return StatusAhead, nil
	}
}

// FastForward moves branch to the base tip. Only valid when Check
// reported StatusBehind; the branch has no commits to lose.
func (m *Manager) FastForward(ctx context.Context, branch, base string) error {
	if err := m.forge.ResetBranch(ctx, branch, base); err != nil {
		return fmt.Errorf("fast-forwarding %s: %w", branch, err)
	}
	return nil
}

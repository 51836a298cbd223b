// Package drift handles a diverged integration branch: back up the old
// tip, reset the branch to its base, and hand the preserved work to a
// reconciliation session. Each divergence gets exactly one reconciliation
// attempt; a failed attempt escalates to a human instead of looping.
package drift

import (
	"context"
	"fmt"
	"time"

	"github.com/franklinbaldo/cadence/internal/config"
	"github.com/franklinbaldo/cadence/internal/session"
)

// Forge is the slice of the forge API reconciliation needs.
type Forge interface {
	CreateBranch(ctx context.Context, branch, from string) error
	ResetBranch(ctx context.Context, branch, from string) error
}

// Starter starts reconciliation sessions.
type Starter interface {
	StartReconciliation(ctx context.Context, tr *config.Track, backupBranch string) (*session.Created, error)
}

// Reconciliation records an in-flight reconciliation attempt. The engine
// persists it in track state so a crash resumes polling rather than
// resetting the branch again.
type Reconciliation struct {
	BackupBranch  string
	SessionID     string
	SessionBranch string
}

// Reconciler performs the backup-reset-replay sequence.
type Reconciler struct {
	forge   Forge
	starter Starter
	now     func() time.Time
}

// NewReconciler returns a Reconciler over f and s.
func NewReconciler(f Forge, s Starter) *Reconciler {
	return &Reconciler{forge: f, starter: s, now: time.Now}
}

// SetClock overrides the reconciler's clock.
func (r *Reconciler) SetClock(now func() time.Time) { r.now = now }

// BackupName returns the timestamped backup branch for branch.
func (r *Reconciler) BackupName(branch string) string {
	return branch + "-backup-" + r.now().UTC().Format("20060102150405")
}

// Begin backs up the integration branch, resets it to the base, and
// starts the reconciliation session. The backup happens before the reset;
// if anything fails in between, the old tip is still reachable.
func (r *Reconciler) Begin(ctx context.Context, tr *config.Track) (*Reconciliation, error) {
	backup := r.BackupName(tr.IntegrationBranch)
	if err := r.forge.CreateBranch(ctx, backup, tr.IntegrationBranch); err != nil {
		return nil, fmt.Errorf("backing up %s: %w", tr.IntegrationBranch, err)
	}
	if err := r.forge.ResetBranch(ctx, tr.IntegrationBranch, tr.BaseBranch); err != nil {
		return nil, fmt.Errorf("resetting %s after backup to %s: %w", tr.IntegrationBranch, backup, err)
	}

	created, err := r.starter.StartReconciliation(ctx, tr, backup)
	if err != nil {
		return nil, fmt.Errorf("after backup to %s: %w", backup, err)
	}
	return &Reconciliation{
		BackupBranch:  backup,
		SessionID:     created.ID,
		SessionBranch: created.Branch,
	}, nil
}

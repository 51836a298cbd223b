package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/franklinbaldo/cadence/internal/agent"
	"github.com/franklinbaldo/cadence/internal/branch"
	"github.com/franklinbaldo/cadence/internal/config"
	"github.com/franklinbaldo/cadence/internal/pr"
	"github.com/franklinbaldo/cadence/internal/state"
)

// beginReconciliation starts drift handling for a diverged integration
// branch. The one-attempt rule lives in the caller: this path is only
// reachable when no reconciliation is already recorded.
func (e *Engine) beginReconciliation(ctx context.Context, tr *config.Track, st *state.TrackState, dry bool) *Result {
	if dry {
		return &Result{
			Outcome: OutcomeDriftReconciled,
			Reason:  fmt.Sprintf("would back up %s, reset it to %s, and start reconciliation", tr.IntegrationBranch, tr.BaseBranch),
		}
	}

	rec, err := e.reconciler.Begin(ctx, tr)
	if err != nil {
		// The backup may or may not exist at this point; the error says.
		// Blocking is safer than retrying a half-done reset every tick.
		st.Block(fmt.Sprintf("reconciliation of %s failed to start: %v", tr.IntegrationBranch, err))
		e.logf("%s: blocked: %s", tr.Name, st.BlockedReason)
		return &Result{Outcome: OutcomeEscalated, Reason: st.BlockedReason}
	}

	st.ReconcileSessionID = rec.SessionID
	st.ReconcileBackupBranch = rec.BackupBranch
	st.ReconcileStartedAt = e.now().UTC()
	e.logf("%s: %s diverged from %s; backed up to %s, reconciliation session %s started",
		tr.Name, tr.IntegrationBranch, tr.BaseBranch, rec.BackupBranch, rec.SessionID)
	return &Result{
		Outcome:   OutcomeDriftReconciled,
		SessionID: rec.SessionID,
		Reason:    "branch reset; reconciliation session started, backup on " + rec.BackupBranch,
	}
}

// pollReconciliation drives an in-flight reconciliation to its end:
// merge the reconciliation PR when ready, escalate when the session
// failed or stalled, wait otherwise. Normal slot work stays paused
// throughout. Reconciliation sessions are never nudged; a hung one
// blocks the track for a human.
func (e *Engine) pollReconciliation(ctx context.Context, tr *config.Track, st *state.TrackState, status branch.Status, dry bool) *Result {
	sessionID := st.ReconcileSessionID

	snap, err := e.sessions.Status(ctx, sessionID, st.ReconcileStartedAt, time.Time{})
	if err != nil {
		return &Result{Outcome: OutcomeError, SessionID: sessionID, Err: err}
	}

	if snap.State == agent.StateFailed {
		if dry {
			return &Result{Outcome: OutcomeEscalated, SessionID: sessionID, Reason: "would block: reconciliation session failed"}
		}
		st.Block(fmt.Sprintf("reconciliation session %s failed; work preserved on %s", sessionID, st.ReconcileBackupBranch))
		e.logf("%s: blocked: %s", tr.Name, st.BlockedReason)
		return &Result{Outcome: OutcomeEscalated, SessionID: sessionID, Reason: st.BlockedReason}
	}

	if snap.Stuck {
		if dry {
			return &Result{Outcome: OutcomeEscalated, SessionID: sessionID, Reason: "would block: reconciliation stalled"}
		}
		st.Block(fmt.Sprintf("reconciliation session %s stalled; work preserved on %s", sessionID, st.ReconcileBackupBranch))
		e.logf("%s: blocked: %s", tr.Name, st.BlockedReason)
		return &Result{Outcome: OutcomeEscalated, SessionID: sessionID, Reason: st.BlockedReason}
	}

	// The reconciliation session's PR carries the replayed work.
	found, err := e.prs.FindFor(ctx, reconcileBranch(tr, sessionID), sessionID)
	if err != nil {
		return &Result{Outcome: OutcomeError, SessionID: sessionID, Err: err}
	}

	if found != nil && pr.IsMergeReady(found) {
		if dry {
			return &Result{
				Outcome:   OutcomeDriftReconciled,
				SessionID: sessionID,
				PRNumber:  found.Number,
				Reason:    fmt.Sprintf("would merge reconciliation PR #%d", found.Number),
			}
		}
		if err := e.prs.Merge(ctx, found); err != nil {
			return e.handleMergeFailure(tr, st, found, err)
		}
		backup := st.ReconcileBackupBranch
		st.ReconcileSessionID = ""
		st.ReconcileBackupBranch = ""
		st.ReconcileStartedAt = time.Time{}
		e.logf("%s: reconciliation PR #%d merged, drift resolved (backup %s kept)", tr.Name, found.Number, backup)
		return &Result{
			Outcome:   OutcomeDriftReconciled,
			SessionID: sessionID,
			PRNumber:  found.Number,
			Reason:    fmt.Sprintf("reconciliation PR #%d merged", found.Number),
		}
	}

	// The session may have merged its work without a PR surviving, or a
	// human resolved the drift by hand. Either way, a clean branch means
	// the reconciliation is over.
	if snap.State == agent.StateCompleted && found == nil && status != branch.StatusDiverged {
		if dry {
			return &Result{Outcome: OutcomeDriftReconciled, SessionID: sessionID, Reason: "would mark the drift resolved"}
		}
		st.ReconcileSessionID = ""
		st.ReconcileBackupBranch = ""
		st.ReconcileStartedAt = time.Time{}
		e.logf("%s: drift resolved without a reconciliation PR", tr.Name)
		return &Result{Outcome: OutcomeDriftReconciled, SessionID: sessionID, Reason: "drift resolved"}
	}

	reason := "reconciliation in progress"
	prNumber := 0
	if found != nil {
		prNumber = found.Number
		reason = "reconciliation PR waiting: " + pr.HoldReason(found)
	}
	return &Result{Outcome: OutcomeWaited, SessionID: sessionID, PRNumber: prNumber, Reason: reason}
}

func reconcileBranch(tr *config.Track, sessionID string) string {
	return tr.Name + "/reconcile/" + sessionID
}

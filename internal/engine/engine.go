// Package engine implements the tick: one bounded, idempotent pass that
// inspects a track's durable state and the outside world, performs at
// most one meaningful transition, and persists the result. All memory
// lives in the state store; the engine itself holds nothing between
// ticks, which is what makes crashes and concurrent runs survivable.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/franklinbaldo/cadence/internal/agent"
	"github.com/franklinbaldo/cadence/internal/branch"
	"github.com/franklinbaldo/cadence/internal/config"
	"github.com/franklinbaldo/cadence/internal/drift"
	"github.com/franklinbaldo/cadence/internal/forge"
	"github.com/franklinbaldo/cadence/internal/pr"
	"github.com/franklinbaldo/cadence/internal/retry"
	"github.com/franklinbaldo/cadence/internal/session"
	"github.com/franklinbaldo/cadence/internal/state"
)

// Outcome is what a tick did for a track.
type Outcome string

const (
	// OutcomeWaited: nothing was actionable; state unchanged or timestamps only.
	OutcomeWaited Outcome = "waited"
	// OutcomeSessionCreated: a new session was started for the current slot.
	OutcomeSessionCreated Outcome = "session_created"
	// OutcomeMergedAndAdvanced: the slot finished and the cursor moved.
	OutcomeMergedAndAdvanced Outcome = "merged_and_advanced"
	// OutcomeNudged: a stalled or parked session was poked.
	OutcomeNudged Outcome = "nudged"
	// OutcomeDriftReconciled: divergence handling started or finished.
	OutcomeDriftReconciled Outcome = "drift_reconciled"
	// OutcomeEscalated: the track was blocked for a human.
	OutcomeEscalated Outcome = "escalated"
	// OutcomeError: the tick itself failed; nothing was decided.
	OutcomeError Outcome = "error"
)

// Result reports one track's tick.
type Result struct {
	Track     string
	Persona   string
	Cycle     int
	Slot      int
	Outcome   Outcome
	Reason    string
	SessionID string
	PRNumber  int

	// Skipped marks an advance that abandoned the slot rather than
	// merging its work.
	Skipped bool

	DryRun bool
	Err    error
}

// Store is the slice of the state store the engine needs.
type Store interface {
	Load(track string, personas []string) (*state.TrackState, error)
	CompareAndSave(s *state.TrackState, expectedVersion string) error
	AppendHistory(ev state.HistoryEvent) error
}

// Sessions drives agent sessions.
type Sessions interface {
	Create(ctx context.Context, tr *config.Track, p *config.Persona, cycle int) (*session.Created, error)
	Status(ctx context.Context, id string, createdAt, lastNudgeAt time.Time) (*session.Snapshot, error)
	Nudge(ctx context.Context, id string) error
	NudgeForPR(ctx context.Context, id string) error
	ApprovePlan(ctx context.Context, id string) error
}

// PullRequests finds and merges session PRs.
type PullRequests interface {
	FindFor(ctx context.Context, branch, sessionID string) (*forge.PullRequest, error)
	Merge(ctx context.Context, p *forge.PullRequest) error
}

// Branches maintains integration branches.
type Branches interface {
	Ensure(ctx context.Context, branch, base string) (bool, error)
	Check(ctx context.Context, branch, base string) (branch.Status, error)
	FastForward(ctx context.Context, branch, base string) error
}

// Reconciler handles diverged integration branches.
type Reconciler interface {
	Begin(ctx context.Context, tr *config.Track) (*drift.Reconciliation, error)
}

// Engine ticks tracks.
type Engine struct {
	cfg        *config.Config
	store      Store
	sessions   Sessions
	prs        PullRequests
	branches   Branches
	reconciler Reconciler
	output     io.Writer
	now        func() time.Time
}

// New wires an engine from its collaborators.
func New(cfg *config.Config, store Store, sessions Sessions, prs PullRequests, branches Branches, rec Reconciler) *Engine {
	return &Engine{
		cfg:        cfg,
		store:      store,
		sessions:   sessions,
		prs:        prs,
		branches:   branches,
		reconciler: rec,
		output:     io.Discard,
		now:        time.Now,
	}
}

// SetOutput directs the engine's progress lines.
func (e *Engine) SetOutput(w io.Writer) { e.output = w }

// SetClock overrides the engine's clock.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

func (e *Engine) logf(format string, args ...any) {
	fmt.Fprintf(e.output, format+"\n", args...)
}

// Tick runs one scheduling pass for the named track. With dryRun set it
// reports the decision without mutating anything: no pushes, no sessions,
// no messages, no state writes.
func (e *Engine) Tick(ctx context.Context, trackName string, dryRun bool) *Result {
	tr, err := e.cfg.TrackByName(trackName)
	if err != nil {
		return &Result{Track: trackName, Outcome: OutcomeError, Err: err, DryRun: dryRun}
	}

	st, err := e.store.Load(tr.Name, tr.Personas)
	if err != nil {
		return &Result{Track: trackName, Outcome: OutcomeError, Err: err, DryRun: dryRun}
	}
	loadedVersion := st.Version
	// Attribute the result to the slot as it stood when the decision was
	// made; decide may advance the cursor.
	cycle, slot, persona := st.CycleNumber, st.SlotIndex, st.CurrentPersona()

	res := e.decide(ctx, tr, st, dryRun)
	res.Track = tr.Name
	res.Cycle = cycle
	res.Slot = slot
	if res.Persona == "" {
		res.Persona = persona
	}
	res.DryRun = dryRun

	if dryRun || res.Outcome == OutcomeError {
		return res
	}

	if err := e.store.CompareAndSave(st, loadedVersion); err != nil {
		if errors.Is(err, state.ErrConflict) {
			e.logf("%s: state changed under us, yielding to the concurrent tick", tr.Name)
			return &Result{Track: tr.Name, Outcome: OutcomeWaited, Reason: "concurrent tick holds the track"}
		}
		return &Result{Track: tr.Name, Outcome: OutcomeError, Err: err}
	}

	if histErr := e.store.AppendHistory(state.HistoryEvent{
		Track:     tr.Name,
		Persona:   res.Persona,
		Cycle:     res.Cycle,
		Slot:      res.Slot,
		Outcome:   string(res.Outcome),
		Reason:    res.Reason,
		SessionID: res.SessionID,
		PRNumber:  res.PRNumber,
		Skipped:   res.Skipped,
	}); histErr != nil {
		e.logf("%s: recording history: %v", tr.Name, histErr)
	}
	return res
}

// decide performs the single transition for this tick, mutating st in
// memory. The caller persists st afterwards.
func (e *Engine) decide(ctx context.Context, tr *config.Track, st *state.TrackState, dry bool) *Result {
	if st.Blocked {
		// A blocked track stays visible on every tick until an operator
		// runs unblock; exit codes depend on it.
		return &Result{Outcome: OutcomeEscalated, Reason: "blocked: " + st.BlockedReason}
	}

	if res := e.ensureBranch(ctx, tr, dry); res != nil {
		return res
	}

	status, err := e.branches.Check(ctx, tr.IntegrationBranch, tr.BaseBranch)
	if err != nil {
		return &Result{Outcome: OutcomeError, Err: err}
	}

	if st.ReconcileSessionID != "" {
		return e.pollReconciliation(ctx, tr, st, status, dry)
	}

	switch status {
	case branch.StatusBehind:
		if dry {
			return &Result{Outcome: OutcomeWaited, Reason: "would fast-forward " + tr.IntegrationBranch}
		}
		if err := e.branches.FastForward(ctx, tr.IntegrationBranch, tr.BaseBranch); err != nil {
			return &Result{Outcome: OutcomeError, Err: err}
		}
		e.logf("%s: fast-forwarded %s to %s", tr.Name, tr.IntegrationBranch, tr.BaseBranch)
	case branch.StatusDiverged:
		return e.beginReconciliation(ctx, tr, st, dry)
	}

	if st.SessionID == "" {
		return e.startSlot(ctx, tr, st, dry)
	}
	return e.pollSlot(ctx, tr, st, dry)
}

func (e *Engine) ensureBranch(ctx context.Context, tr *config.Track, dry bool) *Result {
	if dry {
		// Reads are fine in dry-run mode, creation is not; probing via
		// Ensure would push. Skip and let Check report what it sees.
		return nil
	}
	created, err := e.branches.Ensure(ctx, tr.IntegrationBranch, tr.BaseBranch)
	if err != nil {
		return &Result{Outcome: OutcomeError, Err: err}
	}
	if created {
		e.logf("%s: created %s from %s", tr.Name, tr.IntegrationBranch, tr.BaseBranch)
	}
	return nil
}

// startSlot begins a session for the persona at the cursor.
func (e *Engine) startSlot(ctx context.Context, tr *config.Track, st *state.TrackState, dry bool) *Result {
	personaID := st.CurrentPersona()
	p, err := e.cfg.PersonaByID(personaID)
	if err != nil {
		st.Block(fmt.Sprintf("persona %s is gone from the configuration", personaID))
		return &Result{Outcome: OutcomeEscalated, Reason: st.BlockedReason}
	}

	if dry {
		return &Result{
			Outcome: OutcomeSessionCreated,
			Persona: personaID,
			Reason:  fmt.Sprintf("would start a session for %s", personaID),
		}
	}

	created, err := e.sessions.Create(ctx, tr, p, st.CycleNumber)
	if err != nil {
		if retry.IsPermanent(err) {
			st.Block(fmt.Sprintf("cannot start session for %s: %v", personaID, err))
			e.logf("%s: blocked: %s", tr.Name, st.BlockedReason)
			return &Result{Outcome: OutcomeEscalated, Persona: personaID, Reason: st.BlockedReason}
		}
		// A transient create failure leaves state untouched; the next tick
		// retries.
		return &Result{Outcome: OutcomeError, Persona: personaID, Err: err}
	}

	st.SessionID = created.ID
	st.SessionBranch = created.Branch
	st.SessionCreatedAt = e.now().UTC()
	e.logf("%s: started session %s for %s on %s", tr.Name, created.ID, personaID, created.Branch)
	return &Result{
		Outcome:   OutcomeSessionCreated,
		Persona:   personaID,
		SessionID: created.ID,
		Reason:    "session started on " + created.Branch,
	}
}

// pollSlot advances the in-flight session's slot as far as one transition
// allows.
func (e *Engine) pollSlot(ctx context.Context, tr *config.Track, st *state.TrackState, dry bool) *Result {
	personaID := st.CurrentPersona()
	p, err := e.cfg.PersonaByID(personaID)
	if err != nil {
		st.Block(fmt.Sprintf("persona %s is gone from the configuration", personaID))
		return &Result{Outcome: OutcomeEscalated, Reason: st.BlockedReason}
	}

	snap, err := e.sessions.Status(ctx, st.SessionID, st.SessionCreatedAt, st.LastNudgeAt)
	if err != nil {
		return &Result{Outcome: OutcomeError, SessionID: st.SessionID, Err: err}
	}

	switch {
	case snap.NeedsPlanApproval:
		if dry {
			return &Result{Outcome: OutcomeNudged, SessionID: st.SessionID, Reason: "would approve the plan"}
		}
		if err := e.sessions.ApprovePlan(ctx, st.SessionID); err != nil {
			return &Result{Outcome: OutcomeError, SessionID: st.SessionID, Err: err}
		}
		st.LastNudgeAt = e.now().UTC()
		e.logf("%s: approved plan for session %s", tr.Name, st.SessionID)
		return &Result{Outcome: OutcomeNudged, SessionID: st.SessionID, Reason: "plan approved"}

	case snap.State == agent.StateFailed:
		return e.skipSlot(ctx, tr, st, dry)

	case snap.State == agent.StateCompleted:
		return e.finishSlot(ctx, tr, p, st, dry)

	case snap.Stuck:
		return e.nudgeSlot(ctx, tr, st, dry)

	default:
		return e.gateRunningPR(ctx, tr, p, st, dry)
	}
}

// gateRunningPR checks whether a still-running session has already opened
// its pull request. Agents push the PR before the service flips the
// session to COMPLETED; a merge-ready PR merges on sight rather than
// waiting out that lag.
func (e *Engine) gateRunningPR(ctx context.Context, tr *config.Track, p *config.Persona, st *state.TrackState, dry bool) *Result {
	if p.AutomationMode == config.ModeAutoCommit {
		return &Result{Outcome: OutcomeWaited, SessionID: st.SessionID, Reason: "session in progress"}
	}

	found, err := e.prs.FindFor(ctx, st.SessionBranch, st.SessionID)
	if err != nil {
		return &Result{Outcome: OutcomeError, SessionID: st.SessionID, Err: err}
	}
	if found == nil {
		return &Result{Outcome: OutcomeWaited, SessionID: st.SessionID, Reason: "session in progress"}
	}
	st.PRNumber = found.Number

	if !pr.IsMergeReady(found) {
		return &Result{
			Outcome:   OutcomeWaited,
			SessionID: st.SessionID,
			PRNumber:  found.Number,
			Reason:    "session in progress; " + pr.HoldReason(found),
		}
	}

	// The session is still non-terminal, so the next slot's session waits
	// for the following tick to keep one tracked session per track.
	return e.mergeOpenPR(ctx, tr, st, found, dry, false)
}

// skipSlot abandons a failed session and moves on.
func (e *Engine) skipSlot(ctx context.Context, tr *config.Track, st *state.TrackState, dry bool) *Result {
	sessionID := st.SessionID
	if dry {
		return &Result{
			Outcome:   OutcomeMergedAndAdvanced,
			Skipped:   true,
			SessionID: sessionID,
			Reason:    "would skip the failed session and advance",
		}
	}
	e.logf("%s: session %s failed, skipping slot %d", tr.Name, sessionID, st.SlotIndex)
	st.Advance()
	res := e.startSlot(ctx, tr, st, dry)
	if res.Outcome == OutcomeError {
		// The advance sticks even when the next session couldn't start;
		// the next tick will try again from the clean slot.
		return &Result{
			Outcome:   OutcomeMergedAndAdvanced,
			Skipped:   true,
			SessionID: sessionID,
			Reason:    "slot skipped; next session deferred: " + res.Err.Error(),
		}
	}
	return &Result{
		Outcome:   OutcomeMergedAndAdvanced,
		Skipped:   true,
		SessionID: sessionID,
		Reason:    "session failed; slot skipped, " + res.Reason,
	}
}

// finishSlot handles a completed session: merge its PR and advance, or
// chase the missing PR.
func (e *Engine) finishSlot(ctx context.Context, tr *config.Track, p *config.Persona, st *state.TrackState, dry bool) *Result {
	sessionID := st.SessionID

	if p.AutomationMode == config.ModeAutoCommit {
		// Direct-commit personas have nothing to merge.
		if dry {
			return &Result{Outcome: OutcomeMergedAndAdvanced, SessionID: sessionID, Reason: "would advance past the auto-commit session"}
		}
		e.logf("%s: auto-commit session %s completed", tr.Name, sessionID)
		st.Advance()
		next := e.startSlot(ctx, tr, st, dry)
		return &Result{
			Outcome:   OutcomeMergedAndAdvanced,
			SessionID: sessionID,
			Reason:    "auto-commit completed; " + nextReason(next),
		}
	}

	found, err := e.prs.FindFor(ctx, st.SessionBranch, sessionID)
	if err != nil {
		return &Result{Outcome: OutcomeError, SessionID: sessionID, Err: err}
	}

	if found == nil {
		return e.chaseMissingPR(ctx, tr, st, dry)
	}
	st.PRNumber = found.Number

	if !pr.IsMergeReady(found) {
		return &Result{
			Outcome:   OutcomeWaited,
			SessionID: sessionID,
			PRNumber:  found.Number,
			Reason:    pr.HoldReason(found),
		}
	}

	return e.mergeOpenPR(ctx, tr, st, found, dry, true)
}

// mergeOpenPR merges a merge-ready PR and advances the cursor. startNext
// controls whether the next slot's session starts in the same tick.
func (e *Engine) mergeOpenPR(ctx context.Context, tr *config.Track, st *state.TrackState, found *forge.PullRequest, dry, startNext bool) *Result {
	sessionID := st.SessionID

	if dry {
		return &Result{
			Outcome:   OutcomeMergedAndAdvanced,
			SessionID: sessionID,
			PRNumber:  found.Number,
			Reason:    fmt.Sprintf("would merge PR #%d and advance", found.Number),
		}
	}

	if err := e.prs.Merge(ctx, found); err != nil {
		var me *forge.MergeError
		if errors.As(err, &me) && me.Kind == forge.MergeConflict {
			// The integration branch moved under the PR. Reconciliation
			// owns conflicts; the slot resumes once the branch is healthy.
			e.logf("%s: PR #%d conflicts with %s, reconciling", tr.Name, found.Number, tr.IntegrationBranch)
			return e.beginReconciliation(ctx, tr, st, dry)
		}
		return e.handleMergeFailure(tr, st, found, err)
	}
	e.logf("%s: merged PR #%d for session %s", tr.Name, found.Number, sessionID)

	st.Advance()
	if !startNext {
		return &Result{
			Outcome:   OutcomeMergedAndAdvanced,
			SessionID: sessionID,
			PRNumber:  found.Number,
			Reason:    fmt.Sprintf("merged PR #%d; next slot starts next tick", found.Number),
		}
	}
	next := e.startSlot(ctx, tr, st, dry)
	return &Result{
		Outcome:   OutcomeMergedAndAdvanced,
		SessionID: sessionID,
		PRNumber:  found.Number,
		Reason:    fmt.Sprintf("merged PR #%d; %s", found.Number, nextReason(next)),
	}
}

func nextReason(next *Result) string {
	if next.Outcome == OutcomeError {
		return "next session deferred: " + next.Err.Error()
	}
	return next.Reason
}

func (e *Engine) handleMergeFailure(tr *config.Track, st *state.TrackState, found *forge.PullRequest, err error) *Result {
	var me *forge.MergeError
	if errors.As(err, &me) && me.Kind == forge.MergePermission {
		st.Block(fmt.Sprintf("cannot merge PR #%d: %v", found.Number, err))
		e.logf("%s: blocked: %s", tr.Name, st.BlockedReason)
		return &Result{
			Outcome:  OutcomeEscalated,
			PRNumber: found.Number,
			Reason:   st.BlockedReason,
		}
	}
	// Conflicts and transient failures resolve themselves or recur; either
	// way the next tick sees fresh facts.
	e.logf("%s: merge of PR #%d failed, waiting: %v", tr.Name, found.Number, err)
	return &Result{
		Outcome:  OutcomeWaited,
		PRNumber: found.Number,
		Reason:   fmt.Sprintf("merge failed, will retry: %v", err),
	}
}

// chaseMissingPR reminds a completed session to open its PR once, then
// escalates.
func (e *Engine) chaseMissingPR(ctx context.Context, tr *config.Track, st *state.TrackState, dry bool) *Result {
	if st.PRNudged {
		if dry {
			return &Result{Outcome: OutcomeEscalated, SessionID: st.SessionID, Reason: "would block: completed without a pull request"}
		}
		st.Block(fmt.Sprintf("session %s completed without a pull request", st.SessionID))
		e.logf("%s: blocked: %s", tr.Name, st.BlockedReason)
		return &Result{Outcome: OutcomeEscalated, SessionID: st.SessionID, Reason: st.BlockedReason}
	}

	if dry {
		return &Result{Outcome: OutcomeNudged, SessionID: st.SessionID, Reason: "would request the missing pull request"}
	}
	if err := e.sessions.NudgeForPR(ctx, st.SessionID); err != nil {
		return &Result{Outcome: OutcomeError, SessionID: st.SessionID, Err: err}
	}
	st.PRNudged = true
	st.LastNudgeAt = e.now().UTC()
	e.logf("%s: session %s completed without a PR, requested one", tr.Name, st.SessionID)
	return &Result{Outcome: OutcomeNudged, SessionID: st.SessionID, Reason: "requested the missing pull request"}
}

// nudgeSlot pokes a stalled session, up to the configured limit.
func (e *Engine) nudgeSlot(ctx context.Context, tr *config.Track, st *state.TrackState, dry bool) *Result {
	if st.NudgeCount >= e.cfg.Settings.MaxNudges {
		if dry {
			return &Result{Outcome: OutcomeEscalated, SessionID: st.SessionID, Reason: "would block: session unresponsive"}
		}
		st.Block(fmt.Sprintf("session %s unresponsive after %d nudges", st.SessionID, st.NudgeCount))
		e.logf("%s: blocked: %s", tr.Name, st.BlockedReason)
		return &Result{Outcome: OutcomeEscalated, SessionID: st.SessionID, Reason: st.BlockedReason}
	}

	if dry {
		return &Result{Outcome: OutcomeNudged, SessionID: st.SessionID, Reason: "would nudge the stalled session"}
	}
	if err := e.sessions.Nudge(ctx, st.SessionID); err != nil {
		return &Result{Outcome: OutcomeError, SessionID: st.SessionID, Err: err}
	}
	st.NudgeCount++
	st.LastNudgeAt = e.now().UTC()
	e.logf("%s: nudged session %s (%d/%d)", tr.Name, st.SessionID, st.NudgeCount, e.cfg.Settings.MaxNudges)
	return &Result{
		Outcome:   OutcomeNudged,
		SessionID: st.SessionID,
		Reason:    fmt.Sprintf("nudged stalled session (%d/%d)", st.NudgeCount, e.cfg.Settings.MaxNudges),
	}
}

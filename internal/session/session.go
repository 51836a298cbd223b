// Package session orchestrates agent sessions for track slots: creation
// with retry, staleness detection, nudging, and plan approval. It owns
// the branch naming convention <track>/<persona>/<session-id> that the
// pull request layer relies on to find a session's PR.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/franklinbaldo/cadence/internal/agent"
	"github.com/franklinbaldo/cadence/internal/config"
	"github.com/franklinbaldo/cadence/internal/retry"
)

// NudgeMessage is sent to sessions that have stalled waiting for input.
const NudgeMessage = "Please make the best decision possible and proceed autonomously to complete the task."

// PRNudgeMessage is sent to completed sessions that never opened a PR.
const PRNudgeMessage = "The work looks complete but no pull request was opened. Please open a pull request for your branch now."

// API is the slice of the agent client the orchestrator needs.
type API interface {
	CreateSession(ctx context.Context, req agent.CreateRequest) (*agent.Session, error)
	GetSession(ctx context.Context, id string) (*agent.Session, error)
	SendMessage(ctx context.Context, id, text string) error
	ApprovePlan(ctx context.Context, id string) error
}

// Created identifies a newly started session.
type Created struct {
	ID     string
	Branch string
}

// Snapshot is the orchestrator's read of a session plus derived flags.
type Snapshot struct {
	State      agent.State
	UpdateTime time.Time

	// Stuck means the session is non-terminal and has shown no activity
	// for longer than the staleness threshold.
	Stuck bool

	// NeedsPlanApproval means the session is parked waiting for a plan
	// approval the engine can grant.
	NeedsPlanApproval bool
}

// Orchestrator drives sessions for the engine.
type Orchestrator struct {
	api        API
	cfg        *config.Config
	createPoly retry.Policy
	now        func() time.Time
}

// New returns an orchestrator over the given client.
func New(client API, cfg *config.Config) *Orchestrator {
	return &Orchestrator{
		api:        client,
		cfg:        cfg,
		createPoly: retry.DefaultPolicy(),
		now:        time.Now,
	}
}

// SetClock overrides the orchestrator's clock.
func (o *Orchestrator) SetClock(now func() time.Time) { o.now = now }

// SetCreatePolicy overrides the retry policy for session creation.
func (o *Orchestrator) SetCreatePolicy(p retry.Policy) { o.createPoly = p }

// BranchPrefix returns the branch namespace for a track slot.
func BranchPrefix(track, persona string) string {
	return track + "/" + persona
}

// Create starts a session for the persona at the track's current slot.
// Transient service failures are retried; a permanent failure is returned
// for the engine to escalate.
func (o *Orchestrator) Create(ctx context.Context, tr *config.Track, p *config.Persona, cycle int) (*Created, error) {
	prompt, err := o.cfg.LoadPrompt(p)
	if err != nil {
		return nil, err
	}

	startingBranch := tr.IntegrationBranch
	if p.IntegrationTargetBranch != "" {
		startingBranch = p.IntegrationTargetBranch
	}

	req := agent.CreateRequest{
		Prompt:              prompt,
		Title:               fmt.Sprintf("%s cycle %d: %s", tr.Name, cycle, p.ID),
		Repository:          o.cfg.Agent.Owner + "/" + o.cfg.Agent.Repo,
		StartingBranch:      startingBranch,
		BranchPrefix:        BranchPrefix(tr.Name, p.ID),
		RequirePlanApproval: p.RequiresPlanApproval,
		AutomationMode:      p.AutomationMode,
	}

	var sess *agent.Session
	err = retry.Do(ctx, o.createPoly, func() error {
		var createErr error
		sess, createErr = o.api.CreateSession(ctx, req)
		return createErr
	})
	if err != nil {
		return nil, fmt.Errorf("starting session for %s/%s: %w", tr.Name, p.ID, err)
	}

	branch := sess.Branch
	if branch == "" {
		branch = BranchPrefix(tr.Name, p.ID) + "/" + sess.ID
	}
	return &Created{ID: sess.ID, Branch: branch}, nil
}

const reconcilePrompt = `The branch %s was reset to match %s after the two diverged. The work that was on it is preserved on branch %s.

Merge the preserved commits from %s into %s, resolving any conflicts in favor of keeping both sets of changes coherent, and open a pull request targeting %s.`

// StartReconciliation starts a session that replays backed-up work onto
// the freshly reset integration branch. Reconciliation sessions never
// require plan approval; they exist to unblock the track.
func (o *Orchestrator) StartReconciliation(ctx context.Context, tr *config.Track, backupBranch string) (*Created, error) {
	prompt := fmt.Sprintf(reconcilePrompt,
		tr.IntegrationBranch, tr.BaseBranch, backupBranch,
		backupBranch, tr.IntegrationBranch, tr.IntegrationBranch)

	req := agent.CreateRequest{
		Prompt:         prompt,
		Title:          fmt.Sprintf("%s: reconcile %s", tr.Name, backupBranch),
		Repository:     o.cfg.Agent.Owner + "/" + o.cfg.Agent.Repo,
		StartingBranch: tr.IntegrationBranch,
		BranchPrefix:   tr.Name + "/reconcile",
		AutomationMode: config.ModeAutoCreatePR,
	}

	var sess *agent.Session
	err := retry.Do(ctx, o.createPoly, func() error {
		var createErr error
		sess, createErr = o.api.CreateSession(ctx, req)
		return createErr
	})
	if err != nil {
		return nil, fmt.Errorf("starting reconciliation for %s: %w", tr.Name, err)
	}

	branch := sess.Branch
	if branch == "" {
		branch = tr.Name + "/reconcile/" + sess.ID
	}
	return &Created{ID: sess.ID, Branch: branch}, nil
}

// Status fetches the session and derives whether it is stuck. Activity is
// the latest of the service's update time, the session's creation, and the
// last nudge, so a fresh nudge restarts the staleness clock.
func (o *Orchestrator) Status(ctx context.Context, id string, createdAt, lastNudgeAt time.Time) (*Snapshot, error) {
	sess, err := o.api.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		State:             sess.State,
		UpdateTime:        sess.UpdateTime,
		NeedsPlanApproval: sess.State == agent.StateAwaitingPlanApproval,
	}

	if !sess.State.Terminal() {
		activity := sess.UpdateTime
		if createdAt.After(activity) {
			activity = createdAt
		}
		if lastNudgeAt.After(activity) {
			activity = lastNudgeAt
		}
		threshold := o.cfg.Settings.StalenessThreshold.Std()
		snap.Stuck = o.now().Sub(activity) > threshold
	}
	return snap, nil
}

// Nudge tells a stalled session to proceed autonomously.
func (o *Orchestrator) Nudge(ctx context.Context, id string) error {
	return o.api.SendMessage(ctx, id, NudgeMessage)
}

// NudgeForPR reminds a completed session to open its pull request.
func (o *Orchestrator) NudgeForPR(ctx context.Context, id string) error {
	return o.api.SendMessage(ctx, id, PRNudgeMessage)
}

// ApprovePlan approves a parked plan.
func (o *Orchestrator) ApprovePlan(ctx context.Context, id string) error {
	return o.api.ApprovePlan(ctx, id)
}

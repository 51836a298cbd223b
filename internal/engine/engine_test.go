package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/franklinbaldo/cadence/internal/agent"
	"github.com/franklinbaldo/cadence/internal/branch"
	"github.com/franklinbaldo/cadence/internal/config"
	"github.com/franklinbaldo/cadence/internal/drift"
	"github.com/franklinbaldo/cadence/internal/forge"
	"github.com/franklinbaldo/cadence/internal/retry"
	"github.com/franklinbaldo/cadence/internal/session"
	"github.com/franklinbaldo/cadence/internal/state"
)

type fakeSessions struct {
	snaps     map[string]*session.Snapshot
	created   int
	createErr error
	nudged    []string
	prNudged  []string
	approved  []string
}

func (f *fakeSessions) Create(ctx context.Context, tr *config.Track, p *config.Persona, cycle int) (*session.Created, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.created++
	id := fmt.Sprintf("sess-%d", f.created)
	return &session.Created{ID: id, Branch: tr.Name + "/" + p.ID + "/" + id}, nil
}

func (f *fakeSessions) Status(ctx context.Context, id string, createdAt, lastNudgeAt time.Time) (*session.Snapshot, error) {
	if snap, ok := f.snaps[id]; ok {
		return snap, nil
	}
	return &session.Snapshot{State: agent.StateInProgress}, nil
}

func (f *fakeSessions) Nudge(ctx context.Context, id string) error {
	f.nudged = append(f.nudged, id)
	return nil
}

func (f *fakeSessions) NudgeForPR(ctx context.Context, id string) error {
	f.prNudged = append(f.prNudged, id)
	return nil
}

func (f *fakeSessions) ApprovePlan(ctx context.Context, id string) error {
	f.approved = append(f.approved, id)
	return nil
}

type fakePRs struct {
	bySession map[string]*forge.PullRequest
	merged    []int
	mergeErr  error
}

func (f *fakePRs) FindFor(ctx context.Context, branch, sessionID string) (*forge.PullRequest, error) {
	return f.bySession[sessionID], nil
}

func (f *fakePRs) Merge(ctx context.Context, p *forge.PullRequest) error {
	if f.mergeErr != nil {
		return f.mergeErr
	}
	f.merged = append(f.merged, p.Number)
	return nil
}

type fakeBranches struct {
	status       branch.Status
	ensured      int
	fastForwards int
}

func (f *fakeBranches) Ensure(ctx context.Context, branch, base string) (bool, error) {
	f.ensured++
	return false, nil
}

func (f *fakeBranches) Check(ctx context.Context, b, base string) (branch.Status, error) {
	if f.status == "" {
		return branch.StatusCurrent, nil
	}
	return f.status, nil
}

func (f *fakeBranches) FastForward(ctx context.Context, branch, base string) error {
	f.fastForwards++
	return nil
}

type fakeReconciler struct {
	begun    int
	beginErr error
}

func (f *fakeReconciler) Begin(ctx context.Context, tr *config.Track) (*drift.Reconciliation, error) {
	if f.beginErr != nil {
		return nil, f.beginErr
	}
	f.begun++
	return &drift.Reconciliation{
		BackupBranch:  tr.IntegrationBranch + "-backup-20260301093000",
		SessionID:     "rec-1",
		SessionBranch: tr.Name + "/reconcile/rec-1",
	}, nil
}

type fixture struct {
	engine   *Engine
	store    *state.Store
	sessions *fakeSessions
	prs      *fakePRs
	branches *fakeBranches
	rec      *fakeReconciler
	cfg      *config.Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := &config.Config{
		Settings: config.Settings{
			BaseBranch:          "main",
			StalenessThreshold:  config.Duration(30 * time.Minute),
			MaxNudges:           2,
			TickTimeout:         config.Duration(time.Minute),
			MaxConcurrentTracks: 2,
		},
		Personas: []config.Persona{
			{ID: "builder", Prompt: "build", AutomationMode: config.ModeAutoCreatePR},
			{ID: "reviewer", Prompt: "review", AutomationMode: config.ModeAutoCreatePR},
			{ID: "committer", Prompt: "commit", AutomationMode: config.ModeAutoCommit},
		},
		Tracks: []config.Track{
			{Name: "core", Personas: []string{"builder", "reviewer"}, IntegrationBranch: "integration/core", BaseBranch: "main"},
		},
	}

	f := &fixture{
		store:    state.NewStore(t.TempDir()),
		sessions: &fakeSessions{snaps: map[string]*session.Snapshot{}},
		prs:      &fakePRs{bySession: map[string]*forge.PullRequest{}},
		branches: &fakeBranches{},
		rec:      &fakeReconciler{},
		cfg:      cfg,
	}
	f.engine = New(cfg, f.store, f.sessions, f.prs, f.branches, f.rec)
	return f
}

// seed persists a state mutation before the tick under test.
func (f *fixture) seed(t *testing.T, mutate func(*state.TrackState)) {
	t.Helper()
	st, err := f.store.Load("core", []string{"builder", "reviewer"})
	if err != nil {
		t.Fatal(err)
	}
	version := st.Version
	mutate(st)
	if err := f.store.CompareAndSave(st, version); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) loadState(t *testing.T) *state.TrackState {
	t.Helper()
	st, err := f.store.Load("core", []string{"builder", "reviewer"})
	if err != nil {
		t.Fatal(err)
	}
	return st
}

func readyPR(number int) *forge.PullRequest {
	return &forge.PullRequest{
		Number:     number,
		BaseBranch: "integration/core",
		Mergeable:  true,
		CI:         forge.CIPassing,
	}
}

func TestTickStartsSessionOnEmptySlot(t *testing.T) {
	f := newFixture(t)
	res := f.engine.Tick(context.Background(), "core", false)

	if res.Outcome != OutcomeSessionCreated {
		t.Fatalf("outcome = %s (%s), err=%v", res.Outcome, res.Reason, res.Err)
	}
	if res.Persona != "builder" {
		t.Errorf("persona = %q, want builder", res.Persona)
	}

	st := f.loadState(t)
	if st.SessionID != "sess-1" || st.SessionBranch != "core/builder/sess-1" {
		t.Errorf("state after tick = %+v", st)
	}
	if st.SessionCreatedAt.IsZero() {
		t.Error("SessionCreatedAt not stamped")
	}
}

func TestTickWaitsOnRunningSession(t *testing.T) {
	f := newFixture(t)
	f.seed(t, func(st *state.TrackState) {
		st.SessionID = "sess-1"
		st.SessionBranch = "core/builder/sess-1"
	})

	res := f.engine.Tick(context.Background(), "core", false)
	if res.Outcome != OutcomeWaited {
		t.Fatalf("outcome = %s (%s)", res.Outcome, res.Reason)
	}
	if f.sessions.created != 0 {
		t.Error("tick created a second session for an occupied slot")
	}
}

func TestTickMergesAndAdvancesAndStartsNext(t *testing.T) {
	f := newFixture(t)
	f.seed(t, func(st *state.TrackState) {
		st.SessionID = "sess-A"
		st.SessionBranch = "core/builder/sess-A"
	})
	f.sessions.snaps["sess-A"] = &session.Snapshot{State: agent.StateCompleted}
	f.prs.bySession["sess-A"] = readyPR(11)

	res := f.engine.Tick(context.Background(), "core", false)
	if res.Outcome != OutcomeMergedAndAdvanced {
		t.Fatalf("outcome = %s (%s), err=%v", res.Outcome, res.Reason, res.Err)
	}
	if res.PRNumber != 11 || res.Skipped {
		t.Errorf("result = %+v", res)
	}
	if len(f.prs.merged) != 1 || f.prs.merged[0] != 11 {
		t.Errorf("merged = %v", f.prs.merged)
	}

	st := f.loadState(t)
	if st.SlotIndex != 1 {
		t.Errorf("SlotIndex = %d, want 1", st.SlotIndex)
	}
	// The same tick seeds the next slot.
	if st.SessionID != "sess-1" {
		t.Errorf("next session not started: %+v", st)
	}
	if st.CurrentPersona() != "reviewer" {
		t.Errorf("CurrentPersona = %q, want reviewer", st.CurrentPersona())
	}
}

func TestTickWrapsCursorIntoNewCycle(t *testing.T) {
	f := newFixture(t)
	f.seed(t, func(st *state.TrackState) {
		st.SlotIndex = 1 // last slot
		st.SessionID = "sess-Z"
		st.SessionBranch = "core/reviewer/sess-Z"
	})
	f.sessions.snaps["sess-Z"] = &session.Snapshot{State: agent.StateCompleted}
	f.prs.bySession["sess-Z"] = readyPR(12)

	res := f.engine.Tick(context.Background(), "core", false)
	if res.Outcome != OutcomeMergedAndAdvanced {
		t.Fatalf("outcome = %s (%s)", res.Outcome, res.Reason)
	}

	st := f.loadState(t)
	if st.SlotIndex != 0 || st.CycleNumber != 1 {
		t.Errorf("cursor = (%d, %d), want (0, 1)", st.SlotIndex, st.CycleNumber)
	}
}

func TestTickWaitsOnUnreadyPR(t *testing.T) {
	holds := []struct {
		name string
		pr   *forge.PullRequest
	}{
		{"draft", &forge.PullRequest{Number: 1, Draft: true, Mergeable: true, CI: forge.CIPassing}},
		{"conflicting", &forge.PullRequest{Number: 1, Mergeable: false, CI: forge.CIPassing}},
		{"ci pending", &forge.PullRequest{Number: 1, Mergeable: true, CI: forge.CIPending}},
		{"ci failing", &forge.PullRequest{Number: 1, Mergeable: true, CI: forge.CIFailing}},
	}

	for _, tt := range holds {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.seed(t, func(st *state.TrackState) {
				st.SessionID = "sess-A"
				st.SessionBranch = "core/builder/sess-A"
			})
			f.sessions.snaps["sess-A"] = &session.Snapshot{State: agent.StateCompleted}
			f.prs.bySession["sess-A"] = tt.pr

			res := f.engine.Tick(context.Background(), "core", false)
			if res.Outcome != OutcomeWaited {
				t.Fatalf("outcome = %s (%s)", res.Outcome, res.Reason)
			}
			if len(f.prs.merged) != 0 {
				t.Error("unready PR was merged")
			}
			// The PR number is remembered for status output.
			if st := f.loadState(t); st.PRNumber != 1 {
				t.Errorf("PRNumber = %d, want 1", st.PRNumber)
			}
		})
	}
}

func TestTickMergesEarlyPRFromRunningSession(t *testing.T) {
	f := newFixture(t)
	f.seed(t, func(st *state.TrackState) {
		st.SessionID = "sess-A"
		st.SessionBranch = "core/builder/sess-A"
	})
	// The session is still IN_PROGRESS but its PR is already green.
	f.prs.bySession["sess-A"] = readyPR(11)

	res := f.engine.Tick(context.Background(), "core", false)
	if res.Outcome != OutcomeMergedAndAdvanced {
		t.Fatalf("outcome = %s (%s), err=%v", res.Outcome, res.Reason, res.Err)
	}
	if len(f.prs.merged) != 1 || f.prs.merged[0] != 11 {
		t.Errorf("merged = %v", f.prs.merged)
	}

	st := f.loadState(t)
	if st.SlotIndex != 1 {
		t.Errorf("SlotIndex = %d, want 1", st.SlotIndex)
	}
	// The running session stays the only tracked one; the next slot's
	// session waits for the following tick.
	if f.sessions.created != 0 || st.SessionID != "" {
		t.Errorf("next session started early: created=%d state=%+v", f.sessions.created, st)
	}
}

func TestTickHoldsUnreadyPRFromRunningSession(t *testing.T) {
	f := newFixture(t)
	f.seed(t, func(st *state.TrackState) {
		st.SessionID = "sess-A"
		st.SessionBranch = "core/builder/sess-A"
	})
	f.prs.bySession["sess-A"] = &forge.PullRequest{Number: 7, Mergeable: true, CI: forge.CIPending}

	res := f.engine.Tick(context.Background(), "core", false)
	if res.Outcome != OutcomeWaited {
		t.Fatalf("outcome = %s (%s)", res.Outcome, res.Reason)
	}
	if len(f.prs.merged) != 0 {
		t.Error("unready PR was merged")
	}
	if st := f.loadState(t); st.PRNumber != 7 {
		t.Errorf("PRNumber = %d, want 7", st.PRNumber)
	}
}

func TestTickBlocksOnPermanentCreateFailure(t *testing.T) {
	f := newFixture(t)
	f.sessions.createErr = retry.Permanent(errors.New("401 unauthorized"))

	res := f.engine.Tick(context.Background(), "core", false)
	if res.Outcome != OutcomeEscalated {
		t.Fatalf("outcome = %s (%s), err=%v", res.Outcome, res.Reason, res.Err)
	}
	st := f.loadState(t)
	if !st.Blocked {
		t.Error("track not blocked after permanent create failure")
	}

	// Transient failures keep retrying across ticks instead of blocking.
	f2 := newFixture(t)
	f2.sessions.createErr = retry.Transient(errors.New("503"))
	res = f2.engine.Tick(context.Background(), "core", false)
	if res.Outcome != OutcomeError {
		t.Fatalf("transient outcome = %s (%s)", res.Outcome, res.Reason)
	}
	if st := f2.loadState(t); st.Blocked {
		t.Error("transient create failure blocked the track")
	}
}

func TestTickSkipsFailedSessionAndAdvances(t *testing.T) {
	f := newFixture(t)
	f.seed(t, func(st *state.TrackState) {
		st.SessionID = "sess-A"
		st.SessionBranch = "core/builder/sess-A"
	})
	f.sessions.snaps["sess-A"] = &session.Snapshot{State: agent.StateFailed}

	res := f.engine.Tick(context.Background(), "core", false)
	if res.Outcome != OutcomeMergedAndAdvanced || !res.Skipped {
		t.Fatalf("result = %+v", res)
	}

	st := f.loadState(t)
	if st.SlotIndex != 1 {
		t.Errorf("SlotIndex = %d, want 1", st.SlotIndex)
	}
	if st.SessionID != "sess-1" {
		t.Errorf("next session not started after skip: %+v", st)
	}
}

func TestTickNudgesCompletedSessionWithoutPR(t *testing.T) {
	f := newFixture(t)
	f.seed(t, func(st *state.TrackState) {
		st.SessionID = "sess-A"
		st.SessionBranch = "core/builder/sess-A"
	})
	f.sessions.snaps["sess-A"] = &session.Snapshot{State: agent.StateCompleted}

	res := f.engine.Tick(context.Background(), "core", false)
	if res.Outcome != OutcomeNudged {
		t.Fatalf("outcome = %s (%s)", res.Outcome, res.Reason)
	}
	if len(f.sessions.prNudged) != 1 {
		t.Errorf("prNudged = %v", f.sessions.prNudged)
	}

	// Second tick with still no PR escalates instead of nudging again.
	res = f.engine.Tick(context.Background(), "core", false)
	if res.Outcome != OutcomeEscalated {
		t.Fatalf("second outcome = %s (%s)", res.Outcome, res.Reason)
	}
	st := f.loadState(t)
	if !st.Blocked {
		t.Error("track not blocked after repeated missing PR")
	}
}

func TestTickNudgesStalledSessionThenEscalates(t *testing.T) {
	f := newFixture(t)
	f.seed(t, func(st *state.TrackState) {
		st.SessionID = "sess-A"
		st.SessionBranch = "core/builder/sess-A"
	})
	f.sessions.snaps["sess-A"] = &session.Snapshot{State: agent.StateAwaitingFeedback, Stuck: true}

	for i := 1; i <= 2; i++ {
		res := f.engine.Tick(context.Background(), "core", false)
		if res.Outcome != OutcomeNudged {
			t.Fatalf("tick %d outcome = %s (%s)", i, res.Outcome, res.Reason)
		}
	}
	if len(f.sessions.nudged) != 2 {
		t.Fatalf("nudged = %v", f.sessions.nudged)
	}

	res := f.engine.Tick(context.Background(), "core", false)
	if res.Outcome != OutcomeEscalated {
		t.Fatalf("outcome after limit = %s (%s)", res.Outcome, res.Reason)
	}
	if st := f.loadState(t); !st.Blocked {
		t.Error("track not blocked after nudge limit")
	}
}

func TestTickApprovesParkedPlan(t *testing.T) {
	f := newFixture(t)
	f.seed(t, func(st *state.TrackState) {
		st.SessionID = "sess-A"
		st.SessionBranch = "core/builder/sess-A"
	})
	f.sessions.snaps["sess-A"] = &session.Snapshot{
		State:             agent.StateAwaitingPlanApproval,
		NeedsPlanApproval: true,
	}

	res := f.engine.Tick(context.Background(), "core", false)
	if res.Outcome != OutcomeNudged {
		t.Fatalf("outcome = %s (%s)", res.Outcome, res.Reason)
	}
	if len(f.sessions.approved) != 1 || f.sessions.approved[0] != "sess-A" {
		t.Errorf("approved = %v", f.sessions.approved)
	}
	if st := f.loadState(t); st.LastNudgeAt.IsZero() {
		t.Error("plan approval did not restart the staleness clock")
	}
}

func TestTickAdvancesAutoCommitPersonaWithoutPR(t *testing.T) {
	f := newFixture(t)
	f.cfg.Tracks[0].Personas = []string{"committer", "builder"}
	f.seed(t, func(st *state.TrackState) {
		st.Personas = []string{"committer", "builder"}
		st.SessionID = "sess-A"
		st.SessionBranch = "core/committer/sess-A"
	})
	f.sessions.snaps["sess-A"] = &session.Snapshot{State: agent.StateCompleted}

	res := f.engine.Tick(context.Background(), "core", false)
	if res.Outcome != OutcomeMergedAndAdvanced {
		t.Fatalf("outcome = %s (%s)", res.Outcome, res.Reason)
	}
	if len(f.prs.merged) != 0 {
		t.Error("auto-commit slot attempted a merge")
	}
	st, _ := f.store.Load("core", []string{"committer", "builder"})
	if st.SlotIndex != 1 {
		t.Errorf("SlotIndex = %d, want 1", st.SlotIndex)
	}
}

func TestTickFastForwardsBehindBranch(t *testing.T) {
	f := newFixture(t)
	f.branches.status = branch.StatusBehind

	res := f.engine.Tick(context.Background(), "core", false)
	if res.Outcome != OutcomeSessionCreated {
		t.Fatalf("outcome = %s (%s)", res.Outcome, res.Reason)
	}
	if f.branches.fastForwards != 1 {
		t.Errorf("fastForwards = %d, want 1", f.branches.fastForwards)
	}
}

func TestTickBeginsReconciliationOnDivergence(t *testing.T) {
	f := newFixture(t)
	f.branches.status = branch.StatusDiverged

	res := f.engine.Tick(context.Background(), "core", false)
	if res.Outcome != OutcomeDriftReconciled {
		t.Fatalf("outcome = %s (%s)", res.Outcome, res.Reason)
	}
	if f.rec.begun != 1 {
		t.Errorf("begun = %d, want 1", f.rec.begun)
	}

	st := f.loadState(t)
	if st.ReconcileSessionID != "rec-1" {
		t.Errorf("ReconcileSessionID = %q", st.ReconcileSessionID)
	}
	if st.ReconcileBackupBranch == "" {
		t.Error("backup branch not recorded")
	}
	if st.ReconcileStartedAt.IsZero() {
		t.Error("reconciliation start not stamped")
	}
}

func TestTickDoesNotReconcileTwice(t *testing.T) {
	f := newFixture(t)
	f.branches.status = branch.StatusDiverged
	f.seed(t, func(st *state.TrackState) {
		st.ReconcileSessionID = "rec-1"
		st.ReconcileBackupBranch = "integration/core-backup-x"
	})
	f.sessions.snaps["rec-1"] = &session.Snapshot{State: agent.StateInProgress}

	res := f.engine.Tick(context.Background(), "core", false)
	if res.Outcome != OutcomeWaited {
		t.Fatalf("outcome = %s (%s)", res.Outcome, res.Reason)
	}
	if f.rec.begun != 0 {
		t.Error("second reconciliation started for the same drift")
	}
}

func TestTickMergesReconciliationPR(t *testing.T) {
	f := newFixture(t)
	f.branches.status = branch.StatusDiverged
	f.seed(t, func(st *state.TrackState) {
		st.ReconcileSessionID = "rec-1"
		st.ReconcileBackupBranch = "integration/core-backup-x"
	})
	f.sessions.snaps["rec-1"] = &session.Snapshot{State: agent.StateCompleted}
	f.prs.bySession["rec-1"] = readyPR(33)

	res := f.engine.Tick(context.Background(), "core", false)
	if res.Outcome != OutcomeDriftReconciled {
		t.Fatalf("outcome = %s (%s)", res.Outcome, res.Reason)
	}
	if len(f.prs.merged) != 1 || f.prs.merged[0] != 33 {
		t.Errorf("merged = %v", f.prs.merged)
	}

	st := f.loadState(t)
	if st.ReconcileSessionID != "" || st.ReconcileBackupBranch != "" {
		t.Errorf("reconciliation not cleared: %+v", st)
	}
}

func TestTickEscalatesFailedReconciliation(t *testing.T) {
	f := newFixture(t)
	f.branches.status = branch.StatusDiverged
	f.seed(t, func(st *state.TrackState) {
		st.ReconcileSessionID = "rec-1"
		st.ReconcileBackupBranch = "integration/core-backup-x"
	})
	f.sessions.snaps["rec-1"] = &session.Snapshot{State: agent.StateFailed}

	res := f.engine.Tick(context.Background(), "core", false)
	if res.Outcome != OutcomeEscalated {
		t.Fatalf("outcome = %s (%s)", res.Outcome, res.Reason)
	}
	st := f.loadState(t)
	if !st.Blocked {
		t.Error("track not blocked after failed reconciliation")
	}
}

func TestTickEscalatesStalledReconciliation(t *testing.T) {
	f := newFixture(t)
	f.branches.status = branch.StatusDiverged
	f.seed(t, func(st *state.TrackState) {
		st.ReconcileSessionID = "rec-1"
		st.ReconcileBackupBranch = "integration/core-backup-x"
		st.ReconcileStartedAt = time.Now().Add(-2 * time.Hour).UTC()
	})
	f.sessions.snaps["rec-1"] = &session.Snapshot{State: agent.StateInProgress, Stuck: true}

	res := f.engine.Tick(context.Background(), "core", false)
	if res.Outcome != OutcomeEscalated {
		t.Fatalf("outcome = %s (%s)", res.Outcome, res.Reason)
	}
	if !strings.Contains(res.Reason, "integration/core-backup-x") {
		t.Errorf("reason = %q, want the backup branch named", res.Reason)
	}
	if st := f.loadState(t); !st.Blocked {
		t.Error("track not blocked after stalled reconciliation")
	}
}

func TestTickEscalatesBlockedTrack(t *testing.T) {
	f := newFixture(t)
	f.seed(t, func(st *state.TrackState) {
		st.Block("needs a human")
	})

	res := f.engine.Tick(context.Background(), "core", false)
	if res.Outcome != OutcomeEscalated {
		t.Fatalf("outcome = %s (%s)", res.Outcome, res.Reason)
	}
	if !strings.Contains(res.Reason, "needs a human") {
		t.Errorf("reason = %q, want the blocked reason", res.Reason)
	}
	if f.sessions.created != 0 || f.branches.ensured != 0 {
		t.Error("blocked track still did work")
	}
}

func TestTickEscalatesOnMergePermissionFailure(t *testing.T) {
	f := newFixture(t)
	f.seed(t, func(st *state.TrackState) {
		st.SessionID = "sess-A"
		st.SessionBranch = "core/builder/sess-A"
	})
	f.sessions.snaps["sess-A"] = &session.Snapshot{State: agent.StateCompleted}
	f.prs.bySession["sess-A"] = readyPR(11)
	f.prs.mergeErr = &forge.MergeError{Kind: forge.MergePermission, Err: errors.New("403")}

	res := f.engine.Tick(context.Background(), "core", false)
	if res.Outcome != OutcomeEscalated {
		t.Fatalf("outcome = %s (%s)", res.Outcome, res.Reason)
	}
	if st := f.loadState(t); !st.Blocked {
		t.Error("track not blocked")
	}
}

func TestTickRoutesMergeConflictToReconciler(t *testing.T) {
	f := newFixture(t)
	f.seed(t, func(st *state.TrackState) {
		st.SessionID = "sess-A"
		st.SessionBranch = "core/builder/sess-A"
	})
	f.sessions.snaps["sess-A"] = &session.Snapshot{State: agent.StateCompleted}
	f.prs.bySession["sess-A"] = readyPR(11)
	f.prs.mergeErr = &forge.MergeError{Kind: forge.MergeConflict, Err: errors.New("not mergeable")}

	res := f.engine.Tick(context.Background(), "core", false)
	if res.Outcome != OutcomeDriftReconciled {
		t.Fatalf("outcome = %s (%s)", res.Outcome, res.Reason)
	}
	if f.rec.begun != 1 {
		t.Errorf("begun = %d, want 1", f.rec.begun)
	}
	st := f.loadState(t)
	if st.ReconcileSessionID == "" {
		t.Error("reconciliation not recorded")
	}
	if st.SlotIndex != 0 {
		t.Error("cursor moved despite the conflicted merge")
	}
}

func TestTickWaitsOnTransientMergeFailure(t *testing.T) {
	f := newFixture(t)
	f.seed(t, func(st *state.TrackState) {
		st.SessionID = "sess-A"
		st.SessionBranch = "core/builder/sess-A"
	})
	f.sessions.snaps["sess-A"] = &session.Snapshot{State: agent.StateCompleted}
	f.prs.bySession["sess-A"] = readyPR(11)
	f.prs.mergeErr = &forge.MergeError{Kind: forge.MergeTransient, Err: errors.New("502")}

	res := f.engine.Tick(context.Background(), "core", false)
	if res.Outcome != OutcomeWaited {
		t.Fatalf("outcome = %s (%s)", res.Outcome, res.Reason)
	}
	if st := f.loadState(t); st.Blocked || st.SlotIndex != 0 {
		t.Errorf("state after transient merge failure = %+v", st)
	}
}

func TestTickYieldsOnConcurrentStateChange(t *testing.T) {
	f := newFixture(t)
	e := New(f.cfg, conflictStore{f.store}, f.sessions, f.prs, f.branches, f.rec)

	res := e.Tick(context.Background(), "core", false)
	if res.Outcome != OutcomeWaited {
		t.Fatalf("outcome = %s (%s), err=%v", res.Outcome, res.Reason, res.Err)
	}
}

// conflictStore makes every save lose the race.
type conflictStore struct {
	*state.Store
}

func (c conflictStore) CompareAndSave(s *state.TrackState, expectedVersion string) error {
	return fmt.Errorf("track %s: %w", s.Name, state.ErrConflict)
}

func TestDryRunMutatesNothing(t *testing.T) {
	f := newFixture(t)

	res := f.engine.Tick(context.Background(), "core", true)
	if res.Outcome != OutcomeSessionCreated || !res.DryRun {
		t.Fatalf("result = %+v", res)
	}
	if f.sessions.created != 0 {
		t.Error("dry run created a session")
	}
	st := f.loadState(t)
	if st.Version != "" {
		t.Error("dry run saved state")
	}
	if events, _ := f.store.History(0); len(events) != 0 {
		t.Error("dry run wrote history")
	}
}

func TestDryRunReportsMerge(t *testing.T) {
	f := newFixture(t)
	f.seed(t, func(st *state.TrackState) {
		st.SessionID = "sess-A"
		st.SessionBranch = "core/builder/sess-A"
	})
	f.sessions.snaps["sess-A"] = &session.Snapshot{State: agent.StateCompleted}
	f.prs.bySession["sess-A"] = readyPR(11)

	res := f.engine.Tick(context.Background(), "core", true)
	if res.Outcome != OutcomeMergedAndAdvanced {
		t.Fatalf("outcome = %s (%s)", res.Outcome, res.Reason)
	}
	if len(f.prs.merged) != 0 {
		t.Error("dry run merged a PR")
	}
	if st := f.loadState(t); st.SlotIndex != 0 {
		t.Error("dry run advanced the cursor")
	}
}

func TestTickWritesHistory(t *testing.T) {
	f := newFixture(t)
	f.engine.Tick(context.Background(), "core", false)

	events, err := f.store.History(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("events = %+v", events)
	}
	ev := events[0]
	if ev.Track != "core" || ev.Outcome != string(OutcomeSessionCreated) || ev.Persona != "builder" {
		t.Errorf("event = %+v", ev)
	}
}

func TestTickUnknownTrack(t *testing.T) {
	f := newFixture(t)
	res := f.engine.Tick(context.Background(), "ghost", false)
	if res.Outcome != OutcomeError || res.Err == nil {
		t.Fatalf("result = %+v", res)
	}
}

func TestTickAll(t *testing.T) {
	f := newFixture(t)
	f.cfg.Tracks = append(f.cfg.Tracks, config.Track{
		Name:              "docs",
		Personas:          []string{"builder"},
		IntegrationBranch: "integration/docs",
		BaseBranch:        "main",
	})

	results := f.engine.TickAll(context.Background(), false)
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	if results[0].Track != "core" || results[1].Track != "docs" {
		t.Errorf("order = %s, %s", results[0].Track, results[1].Track)
	}
	for _, res := range results {
		if res.Outcome != OutcomeSessionCreated {
			t.Errorf("%s outcome = %s (%s), err=%v", res.Track, res.Outcome, res.Reason, res.Err)
		}
	}
	if f.sessions.created != 2 {
		t.Errorf("created = %d, want 2", f.sessions.created)
	}
}

func TestTickIdempotentWhenWaiting(t *testing.T) {
	f := newFixture(t)
	f.seed(t, func(st *state.TrackState) {
		st.SessionID = "sess-A"
		st.SessionBranch = "core/builder/sess-A"
	})

	first := f.engine.Tick(context.Background(), "core", false)
	second := f.engine.Tick(context.Background(), "core", false)
	if first.Outcome != OutcomeWaited || second.Outcome != OutcomeWaited {
		t.Fatalf("outcomes = %s, %s", first.Outcome, second.Outcome)
	}
	st := f.loadState(t)
	if st.SessionID != "sess-A" || st.SlotIndex != 0 || st.NudgeCount != 0 {
		t.Errorf("state drifted across idle ticks: %+v", st)
	}
}

// Package state persists per-track scheduling state as versioned JSON
// records under the state directory, plus an append-only history log.
// Writes go through compare-and-save so two concurrent ticks of the same
// track cannot clobber each other: the loser gets ErrConflict and backs
// off to the next tick.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/franklinbaldo/cadence/internal/lock"
	"github.com/franklinbaldo/cadence/internal/util"
)

// ErrConflict means the record changed between Load and CompareAndSave.
// The caller should treat the tick as a no-op and retry next tick.
var ErrConflict = errors.New("state changed since load")

// TrackState is the durable record for one work track. Everything the
// engine needs to resume after a crash lives here; nothing is kept
// in memory between ticks.
type TrackState struct {
	// Version is an opaque token regenerated on every save. Load returns
	// it and CompareAndSave requires it back.
	Version string `json:"version"`

	Name     string   `json:"name"`
	Personas []string `json:"personas"`

	// SlotIndex is the cursor into Personas. CycleNumber counts completed
	// passes over the roster.
	SlotIndex   int `json:"slot_index"`
	CycleNumber int `json:"cycle_number"`

	// In-flight session for the current slot, if any.
	SessionID        string    `json:"session_id,omitempty"`
	SessionBranch    string    `json:"session_branch,omitempty"`
	SessionCreatedAt time.Time `json:"session_created_at,omitzero"`

	// PRNumber is the pull request found for the current session, once
	// discovered. Zero means not yet found.
	PRNumber int `json:"pr_number,omitempty"`

	// Nudge bookkeeping for the current session. PRNudged marks that the
	// session already got its one reminder to open a pull request.
	NudgeCount  int       `json:"nudge_count,omitempty"`
	LastNudgeAt time.Time `json:"last_nudge_at,omitzero"`
	PRNudged    bool      `json:"pr_nudged,omitempty"`

	// In-flight drift reconciliation, if any. The start time feeds the
	// staleness check that escalates a hung reconciliation session.
	ReconcileSessionID    string    `json:"reconcile_session_id,omitempty"`
	ReconcileBackupBranch string    `json:"reconcile_backup_branch,omitempty"`
	ReconcileStartedAt    time.Time `json:"reconcile_started_at,omitzero"`

	// Blocked tracks are skipped by every tick until a human runs unblock.
	Blocked       bool   `json:"blocked,omitempty"`
	BlockedReason string `json:"blocked_reason,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// CurrentPersona returns the persona ID at the cursor.
func (s *TrackState) CurrentPersona() string {
	if len(s.Personas) == 0 {
		return ""
	}
	return s.Personas[s.SlotIndex%len(s.Personas)]
}

// Advance moves the cursor to the next slot, wrapping into a new cycle,
// and clears all per-session fields.
func (s *TrackState) Advance() {
	s.SlotIndex++
	if s.SlotIndex >= len(s.Personas) {
		s.SlotIndex = 0
		s.CycleNumber++
	}
	s.ClearSession()
}

// ClearSession resets the per-session fields without moving the cursor.
func (s *TrackState) ClearSession() {
	s.SessionID = ""
	s.SessionBranch = ""
	s.SessionCreatedAt = time.Time{}
	s.PRNumber = 0
	s.NudgeCount = 0
	s.LastNudgeAt = time.Time{}
	s.PRNudged = false
	s.ReconcileSessionID = ""
	s.ReconcileBackupBranch = ""
	s.ReconcileStartedAt = time.Time{}
}

// Block marks the track as needing human attention.
func (s *TrackState) Block(reason string) {
	s.Blocked = true
	s.BlockedReason = reason
}

// HistoryEvent is one line of the append-only audit log.
type HistoryEvent struct {
	Time      time.Time `json:"time"`
	Track     string    `json:"track"`
	Persona   string    `json:"persona,omitempty"`
	Cycle     int       `json:"cycle"`
	Slot      int       `json:"slot"`
	Outcome   string    `json:"outcome"`
	Reason    string    `json:"reason,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	PRNumber  int       `json:"pr_number,omitempty"`
	Skipped   bool      `json:"skipped,omitempty"`
}

// Store reads and writes track records under dir:
//
//	<dir>/state/<track>.json
//	<dir>/locks/<track>.lock
//	<dir>/history.jsonl
type Store struct {
	dir string
	now func() time.Time
}

// NewStore returns a store rooted at dir. The directory is created lazily
// on first write.
func NewStore(dir string) *Store {
	return &Store{dir: dir, now: time.Now}
}

// SetClock overrides the store's clock.
func (st *Store) SetClock(now func() time.Time) { st.now = now }

// Dir returns the store's root directory.
func (st *Store) Dir() string { return st.dir }

// LockDir returns the directory holding advisory lock files.
func (st *Store) LockDir() string { return filepath.Join(st.dir, "locks") }

func (st *Store) statePath(track string) string {
	return filepath.Join(st.dir, "state", track+".json")
}

func (st *Store) lockPath(track string) string {
	return filepath.Join(st.LockDir(), track+".lock")
}

func (st *Store) historyPath() string {
	return filepath.Join(st.dir, "history.jsonl")
}

// Load returns the track's record, or a fresh zero-cursor record when the
// track has never been saved. The returned state's Version is what
// CompareAndSave expects back; a fresh record carries an empty version.
func (st *Store) Load(track string, personas []string) (*TrackState, error) {
	data, err := os.ReadFile(st.statePath(track))
	if errors.Is(err, os.ErrNotExist) {
		return &TrackState{Name: track, Personas: personas}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading state for track %s: %w", track, err)
	}

	var s TrackState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("corrupt state for track %s: %w", track, err)
	}
	// Config may have changed the roster since the last save. The cursor
	// stays put if it is still in range, otherwise it resets.
	if len(personas) > 0 && !equalStrings(s.Personas, personas) {
		s.Personas = personas
		if s.SlotIndex >= len(personas) {
			s.SlotIndex = 0
		}
	}
	return &s, nil
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// CompareAndSave persists s if and only if the on-disk record still
// carries expectedVersion. The check and write run under the track's file
// lock, so concurrent processes serialize here. On success s.Version holds
// the new version.
func (st *Store) CompareAndSave(s *TrackState, expectedVersion string) error {
	unlock, err := lock.Acquire(st.lockPath(s.Name))
	if err != nil {
		return err
	}
	defer unlock()

	current := ""
	data, err := os.ReadFile(st.statePath(s.Name))
	if err == nil {
		var onDisk TrackState
		if err := json.Unmarshal(data, &onDisk); err != nil {
			return fmt.Errorf("corrupt state for track %s: %w", s.Name, err)
		}
		current = onDisk.Version
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("reading state for track %s: %w", s.Name, err)
	}

	if current != expectedVersion {
		return fmt.Errorf("track %s: %w", s.Name, ErrConflict)
	}

	s.Version = uuid.NewString()
	s.UpdatedAt = st.now().UTC()
	if err := util.EnsureDirAndWriteJSON(st.statePath(s.Name), s); err != nil {
		return fmt.Errorf("saving state for track %s: %w", s.Name, err)
	}
	return nil
}

// AppendHistory records ev in the audit log. Failures are returned but
// callers typically log and continue; history is observability, not truth.
func (st *Store) AppendHistory(ev HistoryEvent) error {
	if ev.Time.IsZero() {
		ev.Time = st.now().UTC()
	}
	return util.AppendLineJSON(st.historyPath(), ev)
}

// History returns the most recent n events, oldest first. n <= 0 means all.
func (st *Store) History(n int) ([]HistoryEvent, error) {
	data, err := os.ReadFile(st.historyPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading history: %w", err)
	}

	var events []HistoryEvent
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var ev HistoryEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			// Skip torn lines from a crash mid-append.
			continue
		}
		events = append(events, ev)
	}
	if n > 0 && len(events) > n {
		events = events[len(events)-n:]
	}
	return events, nil
}

// List returns the names of all tracks with saved state, sorted by the
// directory listing order.
func (st *Store) List() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(st.dir, "state"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing state dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ".json"))
	}
	return names, nil
}

// Unblock clears the blocked flag on a track. It loads and saves under
// the usual compare-and-save discipline.
func (st *Store) Unblock(track string) error {
	s, err := st.Load(track, nil)
	if err != nil {
		return err
	}
	if !s.Blocked {
		return fmt.Errorf("track %s is not blocked", track)
	}
	version := s.Version
	s.Blocked = false
	s.BlockedReason = ""
	if err := st.CompareAndSave(s, version); err != nil {
		return err
	}
	return st.AppendHistory(HistoryEvent{
		Track:   track,
		Cycle:   s.CycleNumber,
		Slot:    s.SlotIndex,
		Outcome: "unblocked",
	})
}

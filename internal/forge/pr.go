package forge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/franklinbaldo/cadence/internal/util"
)

// CIStatus is the aggregate result of a pull request's checks.
type CIStatus string

const (
	CIPassing CIStatus = "PASSING"
	CIFailing CIStatus = "FAILING"
	CIPending CIStatus = "PENDING"
)

// PullRequest is the forge's view of one PR.
type PullRequest struct {
	Number     int
	Title      string
	HeadBranch string
	BaseBranch string
	Draft      bool
	Mergeable  bool
	CI         CIStatus
	URL        string
	Body       string
}

// MergeKind classifies a failed merge.
type MergeKind int

const (
	// MergeTransient failures may succeed on a later tick.
	MergeTransient MergeKind = iota
	// MergeConflict means the PR cannot merge as-is; the branch has
	// diverged or conflicts with its base.
	MergeConflict
	// MergePermission means the caller lacks rights or the base branch
	// is protected. Retrying without human help is pointless.
	MergePermission
)

// MergeError is a classified merge failure.
type MergeError struct {
	Kind MergeKind
	Err  error
}

func (e *MergeError) Error() string { return e.Err.Error() }
func (e *MergeError) Unwrap() error { return e.Err }

// prFields is the --json field list requested from gh.
const prFields = "number,title,headRefName,baseRefName,isDraft,mergeable,state,url,body,statusCheckRollup"

// ghPR mirrors gh's --json output for a pull request.
type ghPR struct {
	Number            int    `json:"number"`
	Title             string `json:"title"`
	HeadRefName       string `json:"headRefName"`
	BaseRefName       string `json:"baseRefName"`
	IsDraft           bool   `json:"isDraft"`
	Mergeable         string `json:"mergeable"`
	State             string `json:"state"`
	URL               string `json:"url"`
	Body              string `json:"body"`
	StatusCheckRollup []struct {
		Status     string `json:"status"`
		Conclusion string `json:"conclusion"`
		State      string `json:"state"`
	} `json:"statusCheckRollup"`
}

func (p ghPR) toPullRequest() PullRequest {
	out := PullRequest{
		Number:     p.Number,
		Title:      p.Title,
		HeadBranch: p.HeadRefName,
		BaseBranch: p.BaseRefName,
		Draft:      p.IsDraft,
		Mergeable:  p.Mergeable == "MERGEABLE",
		URL:        p.URL,
		Body:       p.Body,
		CI:         CIPassing,
	}
	for _, check := range p.StatusCheckRollup {
		// Check runs report status+conclusion; commit statuses report state.
		verdict := check.Conclusion
		if verdict == "" {
			verdict = check.State
		}
		switch verdict {
		case "SUCCESS", "NEUTRAL", "SKIPPED":
		case "FAILURE", "ERROR", "CANCELLED", "TIMED_OUT", "ACTION_REQUIRED":
			out.CI = CIFailing
			return out
		default:
			out.CI = CIPending
		}
	}
	return out
}

// FindPR returns the open pull request whose head is branch, or nil when
// none exists.
func (f *Forge) FindPR(ctx context.Context, branch string) (*PullRequest, error) {
	out, err := f.run.Output(ctx, "gh", "pr", "list",
		"--head", branch, "--state", "open", "--limit", "1", "--json", prFields)
	if err != nil {
		return nil, fmt.Errorf("listing PRs for %s: %w", branch, err)
	}
	var prs []ghPR
	if err := json.Unmarshal([]byte(out), &prs); err != nil {
		return nil, fmt.Errorf("parsing PR list for %s: %w", branch, err)
	}
	if len(prs) == 0 {
		return nil, nil
	}
	pr := prs[0].toPullRequest()
	return &pr, nil
}

// ListOpenPRs returns all open pull requests, bodies included, for
// session-id scanning when branch naming alone cannot locate a PR.
func (f *Forge) ListOpenPRs(ctx context.Context) ([]PullRequest, error) {
	out, err := f.run.Output(ctx, "gh", "pr", "list",
		"--state", "open", "--limit", "100", "--json", prFields)
	if err != nil {
		return nil, fmt.Errorf("listing open PRs: %w", err)
	}
	var raw []ghPR
	if err := json.Unmarshal([]byte(out), &raw); err != nil {
		return nil, fmt.Errorf("parsing open PR list: %w", err)
	}
	prs := make([]PullRequest, 0, len(raw))
	for _, p := range raw {
		prs = append(prs, p.toPullRequest())
	}
	return prs, nil
}

// MergePR merges the pull request with a merge commit. Failures come back
// as *MergeError so the caller can decide between waiting, reconciling,
// and escalating.
func (f *Forge) MergePR(ctx context.Context, number int) error {
	_, err := f.run.Output(ctx, "gh", "pr", "merge", strconv.Itoa(number), "--merge")
	if err == nil {
		return nil
	}
	return &MergeError{Kind: classifyMergeFailure(err), Err: fmt.Errorf("merging PR #%d: %w", number, err)}
}

func classifyMergeFailure(err error) MergeKind {
	var execErr *util.ExecError
	if !errors.As(err, &execErr) {
		return MergeTransient
	}
	stderr := strings.ToLower(execErr.Stderr)
	switch {
	case strings.Contains(stderr, "not mergeable"),
		strings.Contains(stderr, "merge conflict"),
		strings.Contains(stderr, "conflicting"):
		return MergeConflict
	case strings.Contains(stderr, "protected branch"),
		strings.Contains(stderr, "permission"),
		strings.Contains(stderr, "403"),
		strings.Contains(stderr, "forbidden"):
		return MergePermission
	default:
		return MergeTransient
	}
}

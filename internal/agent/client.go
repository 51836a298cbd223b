// Package agent is the typed HTTP client for the remote agent-execution
// service. Sessions are the unit of work: the engine creates one per
// persona slot, polls its state, and pokes it with messages or plan
// approvals when it stalls.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/franklinbaldo/cadence/internal/retry"
)

// State is the session lifecycle state as reported by the service.
type State string

const (
	StateInProgress           State = "IN_PROGRESS"
	StateAwaitingPlanApproval State = "AWAITING_PLAN_APPROVAL"
	StateAwaitingFeedback     State = "AWAITING_USER_FEEDBACK"
	StatePaused               State = "PAUSED"
	StateCompleted            State = "COMPLETED"
	StateFailed               State = "FAILED"
)

// Terminal reports whether the session will make no further progress.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Parked reports whether the session is waiting on external input rather
// than working.
func (s State) Parked() bool {
	return s == StateAwaitingPlanApproval || s == StateAwaitingFeedback || s == StatePaused
}

// Session is the service's view of one unit of agent work.
type Session struct {
	ID         string    `json:"id"`
	State      State     `json:"state"`
	Title      string    `json:"title,omitempty"`
	Branch     string    `json:"branch,omitempty"`
	UpdateTime time.Time `json:"update_time"`
}

// CreateRequest describes a new session. The service picks the working
// branch and reports it back in the created Session.
type CreateRequest struct {
	Prompt              string `json:"prompt"`
	Title               string `json:"title"`
	Repository          string `json:"repository"`
	StartingBranch      string `json:"starting_branch"`
	BranchPrefix        string `json:"branch_prefix,omitempty"`
	RequirePlanApproval bool   `json:"require_plan_approval"`
	AutomationMode      string `json:"automation_mode"`
}

// Options configures a Client.
type Options struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// Client talks to the agent-execution API. Safe for concurrent use.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient builds a client from opts.
func NewClient(opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: opts.BaseURL,
		token:   opts.Token,
		http:    &http.Client{Timeout: timeout},
	}
}

// CreateSession starts a new session and returns the service's record of it.
func (c *Client) CreateSession(ctx context.Context, req CreateRequest) (*Session, error) {
	var sess Session
	if err := c.do(ctx, http.MethodPost, "/sessions", req, &sess); err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}
	return &sess, nil
}

// GetSession fetches the current state of a session.
func (c *Client) GetSession(ctx context.Context, id string) (*Session, error) {
	var sess Session
	if err := c.do(ctx, http.MethodGet, "/sessions/"+id, nil, &sess); err != nil {
		return nil, fmt.Errorf("fetching session %s: %w", id, err)
	}
	return &sess, nil
}

// SendMessage delivers text to a running session.
func (c *Client) SendMessage(ctx context.Context, id, text string) error {
	body := struct {
		Text string `json:"text"`
	}{Text: text}
	if err := c.do(ctx, http.MethodPost, "/sessions/"+id+"/messages", body, nil); err != nil {
		return fmt.Errorf("messaging session %s: %w", id, err)
	}
	return nil
}

// ApprovePlan approves a session parked in AWAITING_PLAN_APPROVAL.
func (c *Client) ApprovePlan(ctx context.Context, id string) error {
	if err := c.do(ctx, http.MethodPost, "/sessions/"+id+"/approve_plan", nil, nil); err != nil {
		return fmt.Errorf("approving plan for session %s: %w", id, err)
	}
	return nil
}

// do issues one request and classifies the failure for the retry layer.
// Network errors, timeouts, 408, 429, and 5xx are transient; every other
// non-2xx status is permanent.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return retry.Permanent(fmt.Errorf("encoding request: %w", err))
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return retry.Transient(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return classifyStatus(resp)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return retry.Transient(fmt.Errorf("decoding response: %w", err))
		}
	}
	return nil
}

func classifyStatus(resp *http.Response) error {
	msg := apiMessage(resp.Body)
	err := fmt.Errorf("%s: %s", resp.Status, msg)

	switch {
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode >= 500:
		return retry.Transient(err)
	case resp.StatusCode == http.StatusTooManyRequests:
		return &retry.Error{
			Kind:       retry.KindTransient,
			RetryAfter: retryAfter(resp.Header.Get("Retry-After")),
			Err:        err,
		}
	default:
		return retry.Permanent(err)
	}
}

// apiMessage extracts the error message from a service error payload,
// falling back to the raw body.
func apiMessage(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, 4096))
	var payload struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(data, &payload) == nil && payload.Error.Message != "" {
		return payload.Error.Message
	}
	if len(data) == 0 {
		return "no response body"
	}
	return string(data)
}

func retryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

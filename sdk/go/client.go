package cyclelinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Cycleline HTTP API client.
type Client struct {
	BaseURL     string
	CycleID     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, cycleID string) *Client {
	return &Client{
		BaseURL: baseURL,
		CycleID: cycleID,
		Timeout: 10 * time.Second,
	}
}

// Assignment represents the API assignment model (partial).
type Assignment struct {
	ID             string         `json:"id"`
	AssignmentType string         `json:"assignment_type"`
	CycleID        string         `json:"cycle_id"`
	ReportID       string         `json:"report_id,omitempty"`
	PhaseName      string         `json:"phase_name,omitempty"`
	ToUser         string         `json:"to_user,omitempty"`
	ToRole         string         `json:"to_role,omitempty"`
	Title          string         `json:"title"`
	Status         string         `json:"status"`
	Priority       string         `json:"priority,omitempty"`
	DueDate        string         `json:"due_date,omitempty"`
	Revision       int            `json:"revision"`
	Version        int64          `json:"version"`
	Context        map[string]any `json:"context,omitempty"`
	Overdue        bool           `json:"overdue"`
}

// ApprovalItem is one decidable line inside an approval.
type ApprovalItem struct {
	ID          string `json:"id"`
	ItemKey     string `json:"item_key"`
	Description string `json:"description,omitempty"`
	Decision    string `json:"decision"`
	Comments    string `json:"comments,omitempty"`
	DecidedBy   string `json:"decided_by,omitempty"`
	DecidedAt   string `json:"decided_at,omitempty"`
}

// Approval couples a gate assignment with its items.
type Approval struct {
	Assignment  Assignment     `json:"assignment"`
	Items       []ApprovalItem `json:"items"`
	AllDecided  bool           `json:"all_decided"`
	AllApproved bool           `json:"all_approved"`
}

// GateStatus reports one approval gate inside a phase.
type GateStatus struct {
	AssignmentType string `json:"assignment_type"`
	AssignmentID   string `json:"assignment_id,omitempty"`
	Status         string `json:"status,omitempty"`
	Satisfied      bool   `json:"satisfied"`
}

// PhaseStatus is the derived phase view.
type PhaseStatus struct {
	Status            string       `json:"status"`
	CompletionPercent int          `json:"completion_percent"`
	Gates             []GateStatus `json:"gates"`
	MissingActivities []string     `json:"missing_activities"`
	MissingApprovals  []string     `json:"missing_approvals"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	CycleID    string         `json:"cycle_id"`
	ReportID   string         `json:"report_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedAssignments wraps assignment listings with cursors.
type PaginatedAssignments struct {
	Items      []Assignment `json:"items"`
	NextCursor string       `json:"next_cursor"`
}

// PaginatedEvents wraps event listings with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// CreateAssignmentInput mirrors the create request.
type CreateAssignmentInput struct {
	AssignmentType string         `json:"assignment_type"`
	ReportID       string         `json:"report_id,omitempty"`
	PhaseName      string         `json:"phase_name,omitempty"`
	ToUser         string         `json:"to_user,omitempty"`
	ToRole         string         `json:"to_role,omitempty"`
	Title          string         `json:"title"`
	Description    string         `json:"description,omitempty"`
	Context        map[string]any `json:"context,omitempty"`
	Priority       string         `json:"priority,omitempty"`
	DueDate        string         `json:"due_date,omitempty"`
}

// ActionInput carries optional lifecycle parameters.
type ActionInput struct {
	ExpectedVersion *int64         `json:"expected_version,omitempty"`
	Notes           *string        `json:"notes,omitempty"`
	ContextUpdates  map[string]any `json:"context_updates,omitempty"`
}

// CreateAssignment creates an assignment in the client's cycle.
func (c *Client) CreateAssignment(ctx context.Context, in CreateAssignmentInput) (Assignment, error) {
	var resp Assignment
	err := c.do(ctx, http.MethodPost, "v0/assignments", in, &resp)
	return resp, err
}

// GetAssignment fetches an assignment by id.
func (c *Client) GetAssignment(ctx context.Context, id string) (Assignment, error) {
	var resp Assignment
	err := c.do(ctx, http.MethodGet, "v0/assignments/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Acknowledge moves an assignment to acknowledged.
func (c *Client) Acknowledge(ctx context.Context, id string, in ActionInput) (Assignment, error) {
	return c.assignmentAction(ctx, id, "acknowledge", in)
}

// Start moves an assignment to in_progress.
func (c *Client) Start(ctx context.Context, id string, in ActionInput) (Assignment, error) {
	return c.assignmentAction(ctx, id, "start", in)
}

// Complete moves an assignment to completed.
func (c *Client) Complete(ctx context.Context, id string, in ActionInput) (Assignment, error) {
	return c.assignmentAction(ctx, id, "complete", in)
}

// Cancel cancels an assignment.
func (c *Client) Cancel(ctx context.Context, id string, in ActionInput) (Assignment, error) {
	return c.assignmentAction(ctx, id, "cancel", in)
}

// Escalate escalates an assignment.
func (c *Client) Escalate(ctx context.Context, id string, in ActionInput) (Assignment, error) {
	return c.assignmentAction(ctx, id, "escalate", in)
}

func (c *Client) assignmentAction(ctx context.Context, id, action string, in ActionInput) (Assignment, error) {
	var resp Assignment
	endpoint := fmt.Sprintf("v0/assignments/%s/%s", url.PathEscape(id), action)
	err := c.do(ctx, http.MethodPost, endpoint, in, &resp)
	return resp, err
}

// ListAssignments returns a page of assignments matching the filters.
func (c *Client) ListAssignments(ctx context.Context, filters map[string]string, limit int, cursor string) (PaginatedAssignments, error) {
	q := url.Values{}
	for k, v := range filters {
		if v != "" {
			q.Set(k, v)
		}
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "v0/assignments"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedAssignments
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// SubmitApprovalInput mirrors the submit request.
type SubmitApprovalInput struct {
	AssignmentType string              `json:"assignment_type"`
	ReportID       string              `json:"report_id,omitempty"`
	PhaseName      string              `json:"phase_name,omitempty"`
	ToUser         string              `json:"to_user,omitempty"`
	ToRole         string              `json:"to_role,omitempty"`
	Title          string              `json:"title"`
	Description    string              `json:"description,omitempty"`
	Items          []ApprovalItemInput `json:"items"`
}

// ApprovalItemInput names one item to submit.
type ApprovalItemInput struct {
	Key         string `json:"key"`
	Description string `json:"description,omitempty"`
}

// SubmitApproval submits items for approval.
func (c *Client) SubmitApproval(ctx context.Context, in SubmitApprovalInput) (Approval, error) {
	var resp Approval
	err := c.do(ctx, http.MethodPost, "v0/approvals/submit", in, &resp)
	return resp, err
}

// GetApproval fetches the approval view for an assignment.
func (c *Client) GetApproval(ctx context.Context, assignmentID string) (Approval, error) {
	var resp Approval
	err := c.do(ctx, http.MethodGet, "v0/approvals/"+url.PathEscape(assignmentID), nil, &resp)
	return resp, err
}

// Decide records a decision on one approval item.
func (c *Client) Decide(ctx context.Context, assignmentID, itemID, decision, comments string) (Approval, error) {
	body := map[string]any{
		"decision": decision,
		"comments": comments,
	}
	endpoint := fmt.Sprintf("v0/approvals/%s/items/%s/decide", url.PathEscape(assignmentID), url.PathEscape(itemID))
	var resp Approval
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Resubmit reopens an approval after needs-revision decisions.
func (c *Client) Resubmit(ctx context.Context, assignmentID, comments string) (Approval, error) {
	body := map[string]any{"comments": comments}
	endpoint := fmt.Sprintf("v0/approvals/%s/resubmit", url.PathEscape(assignmentID))
	var resp Approval
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// ReportPhaseStatus returns the derived status for one report phase.
func (c *Client) ReportPhaseStatus(ctx context.Context, reportID, phaseName string) (PhaseStatus, error) {
	endpoint := fmt.Sprintf("v0/cycles/%s/reports/%s/phases/%s/status",
		url.PathEscape(c.CycleID), url.PathEscape(reportID), url.PathEscape(phaseName))
	var resp PhaseStatus
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if c.CycleID != "" {
		q.Set("cycle_id", c.CycleID)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "v0/events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.CycleID != "" {
		req.Header.Set("X-Cycle-Id", c.CycleID)
	}
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

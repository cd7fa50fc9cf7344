package caselinesdk

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

// Client is a minimal Caseline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Case represents the API case model (partial).
type Case struct {
	ID        string `json:"id"`
	Agency    string `json:"agency"`
	Subject   string `json:"subject"`
	Status    string `json:"status"`
	Substatus string `json:"substatus,omitempty"`
	Mode      string `json:"mode"`
	UpdatedAt string `json:"updated_at"`
}

// Run represents one pipeline pass over a case.
type Run struct {
	ID          string `json:"id"`
	CaseID      string `json:"case_id"`
	TriggerKind string `json:"trigger_kind"`
	Status      string `json:"status"`
	Error       string `json:"error,omitempty"`
	CreatedAt   string `json:"created_at"`
}

// Message is an inbound or outbound case message.
type Message struct {
	ID         string `json:"id"`
	CaseID     string `json:"case_id"`
	Direction  string `json:"direction"`
	Subject    string `json:"subject,omitempty"`
	Body       string `json:"body,omitempty"`
	ReceivedAt string `json:"received_at"`
}

// Proposal is a drafted outbound action awaiting a decision.
type Proposal struct {
	ID        string   `json:"id"`
	CaseID    string   `json:"case_id"`
	RunID     string   `json:"run_id"`
	Action    string   `json:"action"`
	Status    string   `json:"status"`
	Subject   string   `json:"subject,omitempty"`
	BodyText  string   `json:"body_text,omitempty"`
	RiskFlags []string `json:"risk_flags,omitempty"`
	CreatedAt string   `json:"created_at"`
}

// Execution records one attempt to carry out an approved action.
type Execution struct {
	ID         string `json:"id"`
	CaseID     string `json:"case_id"`
	ProposalID string `json:"proposal_id"`
	Action     string `json:"action"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
	CreatedAt  string `json:"created_at"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	CaseID     string         `json:"case_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// IngestResult pairs the stored message with the run it triggered.
type IngestResult struct {
	Message Message `json:"message"`
	Run     Run     `json:"run"`
}

// DecisionResult is the proposal after a decision, with whether the
// suspended run resumed in the same request.
type DecisionResult struct {
	Proposal Proposal `json:"proposal"`
	Resumed  bool     `json:"resumed"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps event listings with a cursor.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor int64   `json:"next_cursor"`
}

// CreateCase creates a case.
func (c *Client) CreateCase(ctx context.Context, agency, subject, mode string) (Case, error) {
	body := map[string]any{
		"agency":  agency,
		"subject": subject,
	}
	if mode != "" {
		body["mode"] = mode
	}
	var resp Case
	err := c.do(ctx, http.MethodPost, "v0/cases", body, &resp)
	return resp, err
}

// GetCase fetches a case by id.
func (c *Client) GetCase(ctx context.Context, id string) (Case, error) {
	var resp Case
	err := c.do(ctx, http.MethodGet, "v0/cases/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListCases returns cases, optionally filtered by status.
func (c *Client) ListCases(ctx context.Context, status string, limit int) ([]Case, error) {
	endpoint := "v0/cases" + listQuery(status, limit)
	var resp struct {
		Items []Case `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// CancelCase cancels a case and withdraws its pending work.
func (c *Client) CancelCase(ctx context.Context, id, reason string) (Case, error) {
	var resp Case
	endpoint := fmt.Sprintf("v0/cases/%s/cancel", url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"reason": reason}, &resp)
	return resp, err
}

// IngestMessage records an inbound agency response and starts a run.
func (c *Client) IngestMessage(ctx context.Context, caseID, subject, body string) (IngestResult, error) {
	var resp IngestResult
	endpoint := fmt.Sprintf("v0/cases/%s/messages", url.PathEscape(caseID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"subject": subject, "body": body}, &resp)
	return resp, err
}

// ListProposals returns proposals, optionally filtered by status.
func (c *Client) ListProposals(ctx context.Context, status string, limit int) ([]Proposal, error) {
	endpoint := "v0/proposals" + listQuery(status, limit)
	var resp struct {
		Items []Proposal `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// Decide submits a decision on a pending proposal.
func (c *Client) Decide(ctx context.Context, proposalID, decision, note string) (DecisionResult, error) {
	var resp DecisionResult
	endpoint := fmt.Sprintf("v0/proposals/%s/decision", url.PathEscape(proposalID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"decision": decision, "note": note}, &resp)
	return resp, err
}

// ListExecutions returns executions, optionally filtered by case.
func (c *Client) ListExecutions(ctx context.Context, caseID string, limit int) ([]Execution, error) {
	endpoint := "v0/executions"
	q := url.Values{}
	if caseID != "" {
		q.Set("case_id", caseID)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Items []Execution `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, 0)
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor int64) (PaginatedEvents, error) {
	endpoint := "v0/events"
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor > 0 {
		q.Set("cursor", fmt.Sprint(cursor))
	}
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Sweep runs one maintenance pass: expiries, resumes, follow-ups.
func (c *Client) Sweep(ctx context.Context) (map[string]int, error) {
	var resp map[string]int
	err := c.do(ctx, http.MethodPost, "v0/sweep", nil, &resp)
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

func listQuery(status string, limit int) string {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if len(q) > 0 {
		return "?" + q.Encode()
	}
	return ""
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

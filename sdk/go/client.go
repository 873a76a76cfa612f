package hublinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Client is a minimal Hubline HTTP API client bound to one hub.
type Client struct {
	BaseURL     string
	BasePath    string
	HubID       string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, hubID, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BasePath:    "/v1",
		HubID:       hubID,
		BearerToken: token,
		Timeout:     10 * time.Second,
	}
}

type ResourceRef struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

// Decision represents a decision queue item.
type Decision struct {
	ID              string       `json:"id"`
	HubID           string       `json:"hub_id"`
	Title           string       `json:"title"`
	Description     string       `json:"description,omitempty"`
	DueDate         *time.Time   `json:"due_date,omitempty"`
	RequestedBy     string       `json:"requested_by"`
	RequestedByName string       `json:"requested_by_name"`
	Assignee        string       `json:"assignee,omitempty"`
	AssigneeName    string       `json:"assignee_name,omitempty"`
	Status          string       `json:"status"`
	RelatedResource *ResourceRef `json:"related_resource,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
	UpdatedBy       string       `json:"updated_by,omitempty"`
}

type Transition struct {
	ID            string    `json:"id"`
	DecisionID    string    `json:"decision_id"`
	FromStatus    string    `json:"from_status"`
	ToStatus      string    `json:"to_status"`
	Reason        string    `json:"reason,omitempty"`
	Comment       string    `json:"comment,omitempty"`
	ChangedBy     string    `json:"changed_by"`
	ChangedByName string    `json:"changed_by_name"`
	ChangedAt     time.Time `json:"changed_at"`
}

type Pagination struct {
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	TotalItems int `json:"total_items"`
	TotalPages int `json:"total_pages"`
}

type DecisionPage struct {
	Items      []Decision `json:"items"`
	Pagination Pagination `json:"pagination"`
}

type CreateDecisionInput struct {
	Title           string       `json:"title"`
	Description     string       `json:"description,omitempty"`
	DueDate         *time.Time   `json:"due_date,omitempty"`
	Assignee        string       `json:"assignee,omitempty"`
	AssigneeName    string       `json:"assignee_name,omitempty"`
	RelatedResource *ResourceRef `json:"related_resource,omitempty"`
}

type StatusChange struct {
	Status         string `json:"status"`
	Reason         string `json:"reason,omitempty"`
	Comment        string `json:"comment,omitempty"`
	ExpectedStatus string `json:"expected_status,omitempty"`
}

type StatusChangeResult struct {
	Item       Decision   `json:"item"`
	Transition Transition `json:"transition"`
}

// Handle is returned when a job is accepted.
type Handle struct {
	JobID            string    `json:"job_id"`
	Kind             string    `json:"kind"`
	Status           string    `json:"status"`
	CreatedAt        time.Time `json:"created_at"`
	ExpiresAt        time.Time `json:"expires_at"`
	PollIntervalHint int64     `json:"poll_interval_hint_ms"`
}

// Job is a polled job. Result holds the kind-specific payload once ready.
type Job struct {
	JobID            string          `json:"job_id"`
	Kind             string          `json:"kind"`
	MeetingID        string          `json:"meeting_id,omitempty"`
	Status           string          `json:"status"`
	Result           json.RawMessage `json:"result,omitempty"`
	Error            string          `json:"error,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
	ExpiresAt        time.Time       `json:"expires_at"`
	PollIntervalHint int64           `json:"poll_interval_hint_ms"`
}

// Terminal reports whether the job will change no further.
func (j Job) Terminal() bool { return j.Status == "ready" || j.Status == "error" }

type InstantAnswer struct {
	Question   string `json:"question"`
	Answer     string `json:"answer"`
	Source     string `json:"source"`
	Confidence string `json:"confidence"`
}

// APIError wraps non-2xx responses, decoding the error envelope when present.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Retryable  bool
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsStatus reports whether err is an APIError with the given HTTP status.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == status
}

// CreateDecision opens a decision in the client's hub. Staff only.
func (c *Client) CreateDecision(ctx context.Context, in CreateDecisionInput) (Decision, error) {
	var resp Decision
	err := c.do(ctx, http.MethodPost, c.hubPath("decision-queue"), in, &resp)
	return resp, err
}

// ListDecisions returns one page; empty status means every status.
func (c *Client) ListDecisions(ctx context.Context, status string, page, pageSize int) (DecisionPage, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if page > 0 {
		q.Set("page", fmt.Sprint(page))
	}
	if pageSize > 0 {
		q.Set("page_size", fmt.Sprint(pageSize))
	}
	endpoint := c.hubPath("decision-queue")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp DecisionPage
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) GetDecision(ctx context.Context, id string) (Decision, error) {
	var resp Decision
	err := c.do(ctx, http.MethodGet, c.hubPath("decision-queue/"+url.PathEscape(id)), nil, &resp)
	return resp, err
}

// UpdateDecisionStatus applies one transition. An illegal one fails with a 409 APIError
// whose Details carry from and to.
func (c *Client) UpdateDecisionStatus(ctx context.Context, id string, change StatusChange) (StatusChangeResult, error) {
	var resp StatusChangeResult
	err := c.do(ctx, http.MethodPatch, c.hubPath("decision-queue/"+url.PathEscape(id)), change, &resp)
	return resp, err
}

func (c *Client) DecisionHistory(ctx context.Context, id string) ([]Transition, error) {
	var resp struct {
		Items []Transition `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, c.hubPath("decision-queue/"+url.PathEscape(id)+"/history"), nil, &resp)
	return resp.Items, err
}

// AskInstantAnswer queues a question and returns at once.
func (c *Client) AskInstantAnswer(ctx context.Context, question string) (Handle, error) {
	var resp Handle
	err := c.do(ctx, http.MethodPost, c.hubPath("instant-answer/requests"), map[string]any{"question": question}, &resp)
	return resp, err
}

func (c *Client) GetInstantAnswer(ctx context.Context, jobID string) (Job, error) {
	var resp Job
	err := c.do(ctx, http.MethodGet, c.hubPath("instant-answer/"+url.PathEscape(jobID)), nil, &resp)
	return resp, err
}

// WaitForJob polls get no faster than the handle's hint until the job is ready or
// error. Not-found and other non-retryable API errors end the wait, and so does the
// handle's expiry: an expired job is reported as a 404 without another request.
func (c *Client) WaitForJob(ctx context.Context, h Handle, get func(context.Context, string) (Job, error)) (Job, error) {
	interval := time.Duration(h.PollIntervalHint) * time.Millisecond
	if interval <= 0 {
		interval = 2 * time.Second
	}
	pollCtx := ctx
	if !h.ExpiresAt.IsZero() {
		if !time.Now().Before(h.ExpiresAt) {
			return Job{}, expiredError(h)
		}
		var cancel context.CancelFunc
		pollCtx, cancel = context.WithDeadline(ctx, h.ExpiresAt)
		defer cancel()
	}
	var job Job
	op := func() error {
		j, err := get(pollCtx, h.JobID)
		if err != nil {
			var apiErr *APIError
			if errors.As(err, &apiErr) && !apiErr.Retryable {
				return backoff.Permanent(err)
			}
			return err
		}
		job = j
		if !j.Terminal() {
			return errNotTerminal
		}
		return nil
	}
	err := backoff.Retry(op, backoff.WithContext(backoff.NewConstantBackOff(interval), pollCtx))
	if err != nil && ctx.Err() == nil && pollCtx.Err() != nil {
		return job, expiredError(h)
	}
	return job, err
}

func expiredError(h Handle) *APIError {
	return &APIError{
		StatusCode: http.StatusNotFound,
		Code:       "not_found",
		Message:    fmt.Sprintf("job %s expired at %s", h.JobID, h.ExpiresAt.Format(time.RFC3339)),
	}
}

var errNotTerminal = errors.New("job still queued")

// DecodeInstantAnswer reads a ready instant-answer job's result.
func DecodeInstantAnswer(j Job) (InstantAnswer, error) {
	var ans InstantAnswer
	if j.Status != "ready" {
		return ans, fmt.Errorf("job %s is %s", j.JobID, j.Status)
	}
	err := json.Unmarshal(j.Result, &ans)
	return ans, err
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
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return decodeAPIError(resp.StatusCode, b)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func decodeAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status, Body: string(body), Retryable: status >= 500}
	var env struct {
		Error struct {
			Code      string         `json:"code"`
			Message   string         `json:"message"`
			Details   map[string]any `json:"details"`
			Retryable bool           `json:"retryable"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &env) == nil && env.Error.Code != "" {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
		apiErr.Details = env.Error.Details
		apiErr.Retryable = env.Error.Retryable
	}
	return apiErr
}

func (c *Client) hubPath(p string) string {
	base := strings.Trim(c.BasePath, "/")
	if base == "" {
		base = "v1"
	}
	return fmt.Sprintf("%s/hubs/%s/%s", base, url.PathEscape(c.HubID), strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

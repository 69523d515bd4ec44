// Package workqueuesdk is a small client for the work queue HTTP API.
package workqueuesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const apiPath = "api/v1/workqueue"

// Client calls the API as one identity: a bearer token, or the trusted
// X-User-* headers when the server sits behind an authenticating proxy.
type Client struct {
	BaseURL     string
	BearerToken string
	UserID      string
	UserName    string
	Roles       []string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{BaseURL: baseURL, Timeout: 10 * time.Second}
}

// As returns a copy of c acting as another header identity.
func (c *Client) As(userID, userName string, roles ...string) *Client {
	cp := *c
	cp.BearerToken = ""
	cp.UserID, cp.UserName, cp.Roles = userID, userName, roles
	return &cp
}

// WorkItem is the API work item model.
type WorkItem struct {
	ID               string     `json:"id"`
	ApplicationID    string     `json:"applicationId"`
	HumanNumber      string     `json:"humanNumber"`
	ApplicantName    string     `json:"applicantName,omitempty"`
	Country          string     `json:"country,omitempty"`
	Status           string     `json:"status"`
	AssignedTo       string     `json:"assignedToUserId,omitempty"`
	RiskLevel        string     `json:"riskLevel"`
	Priority         string     `json:"priority"`
	RequiresApproval bool       `json:"requiresApproval"`
	DueDate          *time.Time `json:"dueDate,omitempty"`
	RefreshCount     int        `json:"refreshCount"`
	NextRefreshAt    *time.Time `json:"nextRefreshAt,omitempty"`
	CompletedAt      *time.Time `json:"completedAt,omitempty"`
	Version          int64      `json:"version"`
}

type CreateRequest struct {
	ApplicationID string     `json:"applicationId"`
	ApplicantName string     `json:"applicantName,omitempty"`
	Country       string     `json:"country,omitempty"`
	RiskLevel     string     `json:"riskLevel,omitempty"`
	Priority      string     `json:"priority,omitempty"`
	DueDate       *time.Time `json:"dueDate,omitempty"`
}

// Result is returned by every state-changing command.
type Result struct {
	Message string `json:"message"`
	ID      string `json:"id"`
	Status  string `json:"status"`
	Version int64  `json:"version"`
}

type HistoryEntry struct {
	FromStatus  string    `json:"fromStatus"`
	ToStatus    string    `json:"toStatus"`
	Action      string    `json:"action"`
	PerformedBy string    `json:"performedBy"`
	Notes       string    `json:"notes,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

type Comment struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	CreatedBy string    `json:"createdBy"`
	CreatedAt time.Time `json:"createdAt"`
}

type Page struct {
	Items    []WorkItem `json:"items"`
	Page     int        `json:"page"`
	PageSize int        `json:"pageSize"`
	Total    int        `json:"total"`
}

// ListFilter mirrors the list query parameters. Zero values are omitted.
type ListFilter struct {
	Status     string
	AssignedTo string
	RiskLevel  string
	Country    string
	IsOverdue  *bool
	Page       int
	PageSize   int
}

func (f ListFilter) values() url.Values {
	v := url.Values{}
	set := func(k, val string) {
		if val != "" {
			v.Set(k, val)
		}
	}
	set("status", f.Status)
	set("assignedTo", f.AssignedTo)
	set("riskLevel", f.RiskLevel)
	set("country", f.Country)
	if f.IsOverdue != nil {
		v.Set("isOverdue", strconv.FormatBool(*f.IsOverdue))
	}
	if f.Page > 0 {
		v.Set("page", strconv.Itoa(f.Page))
	}
	if f.PageSize > 0 {
		v.Set("pageSize", strconv.Itoa(f.PageSize))
	}
	return v
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
}

func (c *Client) Create(ctx context.Context, req CreateRequest) (WorkItem, error) {
	var resp WorkItem
	err := c.do(ctx, http.MethodPost, "", req, &resp)
	return resp, err
}

func (c *Client) Get(ctx context.Context, id string) (WorkItem, error) {
	var resp WorkItem
	err := c.do(ctx, http.MethodGet, url.PathEscape(id), nil, &resp)
	return resp, err
}

func (c *Client) List(ctx context.Context, f ListFilter) (Page, error) {
	var resp Page
	endpoint := ""
	if q := f.values().Encode(); q != "" {
		endpoint = "?" + q
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) MyItems(ctx context.Context) (Page, error) {
	var resp Page
	err := c.do(ctx, http.MethodGet, "my-items", nil, &resp)
	return resp, err
}

// DueForRefresh lists items whose next refresh falls on or before asOf.
// A zero asOf means now.
func (c *Client) DueForRefresh(ctx context.Context, asOf time.Time) (Page, error) {
	var resp Page
	endpoint := "due-for-refresh"
	if !asOf.IsZero() {
		endpoint += "?asOfDate=" + url.QueryEscape(asOf.UTC().Format(time.RFC3339))
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) History(ctx context.Context, id string) ([]HistoryEntry, error) {
	var resp []HistoryEntry
	err := c.do(ctx, http.MethodGet, url.PathEscape(id)+"/history", nil, &resp)
	return resp, err
}

func (c *Client) AddComment(ctx context.Context, id, text string) (Comment, error) {
	var resp Comment
	err := c.do(ctx, http.MethodPost, url.PathEscape(id)+"/comments", map[string]string{"text": text}, &resp)
	return resp, err
}

func (c *Client) command(ctx context.Context, id, action string, body any) (Result, error) {
	var resp Result
	err := c.do(ctx, http.MethodPost, url.PathEscape(id)+"/"+action, body, &resp)
	return resp, err
}

func (c *Client) Assign(ctx context.Context, id, userID, userName string) (Result, error) {
	return c.command(ctx, id, "assign", map[string]string{"assignedToUserId": userID, "assignedToUserName": userName})
}

func (c *Client) Unassign(ctx context.Context, id string) (Result, error) {
	return c.command(ctx, id, "unassign", nil)
}

func (c *Client) StartReview(ctx context.Context, id string) (Result, error) {
	return c.command(ctx, id, "start-review", nil)
}

func (c *Client) SubmitForApproval(ctx context.Context, id, notes string) (Result, error) {
	return c.command(ctx, id, "submit-for-approval", map[string]string{"notes": notes})
}

func (c *Client) Approve(ctx context.Context, id, notes string) (Result, error) {
	return c.command(ctx, id, "approve", map[string]string{"notes": notes})
}

func (c *Client) Decline(ctx context.Context, id, reason string) (Result, error) {
	return c.command(ctx, id, "decline", map[string]string{"reason": reason})
}

func (c *Client) Complete(ctx context.Context, id, notes string) (Result, error) {
	return c.command(ctx, id, "complete", map[string]string{"notes": notes})
}

func (c *Client) MarkForRefresh(ctx context.Context, id, notes string) (Result, error) {
	return c.command(ctx, id, "mark-for-refresh", map[string]string{"notes": notes})
}

func (c *Client) Cancel(ctx context.Context, id, reason string) (Result, error) {
	return c.command(ctx, id, "cancel", map[string]string{"reason": reason})
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + apiPath
	if endpoint != "" {
		if strings.HasPrefix(endpoint, "?") {
			target += endpoint
		} else {
			target += "/" + strings.TrimLeft(endpoint, "/")
		}
	}
	var reader io.Reader
	if body != nil {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
		reader = &buf
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.UserID != "":
		req.Header.Set("X-User-Id", c.UserID)
		req.Header.Set("X-User-Name", c.UserName)
		req.Header.Set("X-User-Roles", strings.Join(c.Roles, ","))
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		b, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(b, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(b))
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

// Package peers holds the HTTP clients for the services the work queue
// calls out to. Every call goes through the resilience policy of its
// dependency.
package peers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"workqueue/internal/errs"
	"workqueue/internal/resilience"
)

// Dependency names, also used as resilience policy keys and config keys.
const (
	DepDocuments     = "documents"
	DepRisk          = "risk"
	DepChecklist     = "checklist"
	DepNotifications = "notifications"
	DepAudit         = "audit"
)

// Client is a minimal JSON client for one peer service.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Policy     *resilience.Policy
}

func NewClient(baseURL, token string, policy *resilience.Policy) *Client {
	if policy == nil {
		policy = resilience.NewPolicy(baseURL, resilience.Settings{}, nil)
	}
	return &Client{
		BaseURL:    baseURL,
		Token:      token,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		Policy:     policy,
	}
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("peer error: status=%d body=%s", e.StatusCode, e.Body)
}

// ErrorCode classifies the response: server errors, timeouts and throttling
// are transient, everything else is the caller's problem.
func (e *APIError) ErrorCode() errs.Code {
	switch {
	case e.StatusCode >= 500, e.StatusCode == http.StatusRequestTimeout, e.StatusCode == http.StatusTooManyRequests:
		return errs.CodeTransient
	case e.StatusCode == http.StatusNotFound:
		return errs.CodeNotFound
	}
	return errs.CodeValidation
}

// do performs a single attempt.
func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	url := strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
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
	req.Header.Set("Accept", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errs.Wrap(errs.CodeTransient, err, method+" "+endpoint)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
			return errs.Wrap(errs.CodeTransient, err, "decode "+endpoint)
		}
	}
	return nil
}

func (c *Client) policy() *resilience.Policy {
	if c.Policy == nil {
		panic("peers: client for " + c.BaseURL + " has no policy")
	}
	return c.Policy
}

// getJSON performs a single GET attempt decoding into a fresh value.
func getJSON[T any](ctx context.Context, c *Client, endpoint string) (T, error) {
	var out T
	err := c.do(ctx, http.MethodGet, endpoint, nil, &out)
	return out, err
}

// send runs a request without a response body through the policy.
func (c *Client) send(ctx context.Context, method, endpoint string, body any) error {
	return c.policy().Run(ctx, func(ctx context.Context) error {
		return c.do(ctx, method, endpoint, body, nil)
	})
}

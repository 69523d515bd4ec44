package peers

import (
	"context"
	"net/url"

	"workqueue/internal/resilience"
)

type ChecklistStatus struct {
	ApplicationID string   `json:"applicationId"`
	Complete      bool     `json:"complete"`
	Pending       []string `json:"pending,omitempty"`
}

// Checklist reports whether every checklist item of an application is done.
// There is no fallback: a gate that cannot be checked stays closed.
type Checklist struct {
	client *Client
}

func NewChecklist(c *Client) *Checklist {
	return &Checklist{client: c}
}

func (c *Checklist) Status(ctx context.Context, applicationID string) (ChecklistStatus, error) {
	endpoint := "api/v1/applications/" + url.PathEscape(applicationID) + "/checklist"
	return resilience.Execute(ctx, c.client.policy(), func(ctx context.Context) (ChecklistStatus, error) {
		return getJSON[ChecklistStatus](ctx, c.client, endpoint)
	})
}

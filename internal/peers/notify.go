package peers

import (
	"context"
	"net/http"
	"time"
)

type Notification struct {
	Recipient  string         `json:"recipient"`
	Template   string         `json:"template"`
	Subject    string         `json:"subject"`
	WorkItemID string         `json:"workItemId"`
	EventID    string         `json:"eventId"`
	Data       map[string]any `json:"data,omitempty"`
}

// Notifications delivers user notifications.
type Notifications struct {
	client *Client
}

func NewNotifications(c *Client) *Notifications {
	return &Notifications{client: c}
}

func (n *Notifications) Send(ctx context.Context, msg Notification) error {
	return n.client.send(ctx, http.MethodPost, "api/v1/notifications", msg)
}

type AuditEntry struct {
	EventID    string         `json:"eventId"`
	EntityType string         `json:"entityType"`
	EntityID   string         `json:"entityId"`
	Action     string         `json:"action"`
	ActorID    string         `json:"actorId"`
	OccurredAt time.Time      `json:"occurredAt"`
	Details    map[string]any `json:"details,omitempty"`
}

// Audit records entries in the audit trail service.
type Audit struct {
	client *Client
}

func NewAudit(c *Client) *Audit {
	return &Audit{client: c}
}

func (a *Audit) Record(ctx context.Context, entry AuditEntry) error {
	return a.client.send(ctx, http.MethodPost, "api/v1/audit/entries", entry)
}

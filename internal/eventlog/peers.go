package eventlog

import (
	"context"
	"encoding/json"

	"workqueue/internal/domain"
	"workqueue/internal/peers"
)

func payloadMap(evt domain.Event) map[string]any {
	m := map[string]any{}
	if len(evt.Payload) > 0 {
		_ = json.Unmarshal(evt.Payload, &m)
	}
	return m
}

// AuditSink forwards every event to the audit trail service.
type AuditSink struct {
	Audit *peers.Audit
}

func (a AuditSink) Name() string { return "audit" }

func (a AuditSink) Publish(ctx context.Context, evt domain.Event) error {
	return a.Audit.Record(ctx, peers.AuditEntry{
		EventID:    evt.EventID,
		EntityType: "WorkItem",
		EntityID:   evt.WorkItemID,
		Action:     string(evt.Type),
		ActorID:    evt.ActorID,
		OccurredAt: evt.OccurredAt,
		Details:    payloadMap(evt),
	})
}

// NotificationSink tells people about work that needs them: the new
// assignee, and the compliance team when an item waits for approval.
type NotificationSink struct {
	Notifications *peers.Notifications
	// ComplianceRecipient receives approval requests.
	ComplianceRecipient string
}

func (n NotificationSink) Name() string { return "notifications" }

func (n NotificationSink) Publish(ctx context.Context, evt domain.Event) error {
	msg, ok := n.notificationFor(evt)
	if !ok {
		return nil
	}
	return n.Notifications.Send(ctx, msg)
}

func (n NotificationSink) notificationFor(evt domain.Event) (peers.Notification, bool) {
	data := payloadMap(evt)
	msg := peers.Notification{WorkItemID: evt.WorkItemID, EventID: evt.EventID, Data: data}
	switch evt.Type {
	case domain.EventAssigned:
		assignee, _ := data["assignedToUserId"].(string)
		if assignee == "" {
			return msg, false
		}
		msg.Recipient = assignee
		msg.Template = "workitem-assigned"
		msg.Subject = "A KYC review was assigned to you"
	case domain.EventSubmittedForApproval:
		if n.ComplianceRecipient == "" {
			return msg, false
		}
		msg.Recipient = n.ComplianceRecipient
		msg.Template = "workitem-approval-requested"
		msg.Subject = "A KYC review is waiting for approval"
	default:
		return msg, false
	}
	return msg, true
}

// Package machine holds the work item lifecycle rules. Decide is pure: it
// never performs I/O and never mutates the item it is given.
package machine

import (
	"strings"
	"time"

	"workqueue/internal/domain"
	"workqueue/internal/engine/auth"
	"workqueue/internal/errs"
)

type Action string

const (
	ActionAssign            Action = "Assign"
	ActionUnassign          Action = "Unassign"
	ActionStartReview       Action = "StartReview"
	ActionSubmitForApproval Action = "SubmitForApproval"
	ActionApprove           Action = "Approve"
	ActionDecline           Action = "Decline"
	ActionComplete          Action = "Complete"
	ActionMarkForRefresh    Action = "MarkForRefresh"
	ActionCancel            Action = "Cancel"
	ActionUpdateRiskLevel   Action = "UpdateRiskLevel"
)

var Actions = []Action{
	ActionAssign, ActionUnassign, ActionStartReview, ActionSubmitForApproval, ActionApprove,
	ActionDecline, ActionComplete, ActionMarkForRefresh, ActionCancel, ActionUpdateRiskLevel,
}

// Command is a requested lifecycle change. Only the fields relevant to
// Action are read.
type Command struct {
	Action    Action
	UserID    string
	UserName  string
	Notes     string
	Reason    string
	RiskLevel domain.RiskLevel
}

// Policy carries the configurable workflow knobs.
type Policy struct {
	AllowReassign         bool
	AllowRefreshCompleted bool
	// RefreshMonths maps a risk level to the months until its next periodic review.
	RefreshMonths map[domain.RiskLevel]int
}

func DefaultPolicy() Policy {
	return Policy{
		AllowReassign:         true,
		AllowRefreshCompleted: true,
		RefreshMonths: map[domain.RiskLevel]int{
			domain.RiskCritical: 6,
			domain.RiskHigh:     12,
			domain.RiskMedium:   24,
			domain.RiskLow:      36,
			domain.RiskUnknown:  36,
		},
	}
}

// NextRefresh returns when an item of the given risk level is due for review again.
func (p Policy) NextRefresh(level domain.RiskLevel, from time.Time) time.Time {
	months, ok := p.RefreshMonths[level]
	if !ok || months <= 0 {
		months = 36
	}
	return from.AddDate(0, months, 0)
}

// Decision is the outcome of an accepted command.
type Decision struct {
	Item    domain.WorkItem
	Action  Action
	From    domain.Status
	To      domain.Status
	Notes   string
	Event   domain.EventType
	Payload map[string]any
}

// Decide validates cmd against item and returns the resulting state.
func Decide(item domain.WorkItem, actor auth.Actor, cmd Command, p Policy, now time.Time) (Decision, error) {
	next := item
	next.UpdatedAt = now
	d := Decision{Action: cmd.Action, From: item.Status, To: item.Status, Notes: strings.TrimSpace(cmd.Notes)}

	switch cmd.Action {
	case ActionAssign:
		if item.Status != domain.StatusNew && !(item.Status == domain.StatusAssigned && p.AllowReassign) {
			return Decision{}, invalid(item.Status, cmd.Action)
		}
		userID := strings.TrimSpace(cmd.UserID)
		if userID == "" {
			return Decision{}, errs.Validation("assignedToUserId is required")
		}
		name := strings.TrimSpace(cmd.UserName)
		if name == "" {
			name = userID
		}
		next.AssignedTo = &userID
		next.AssignedToName = &name
		d.To = domain.StatusAssigned
		d.Event = domain.EventAssigned
		d.Payload = map[string]any{"assignedToUserId": userID, "assignedToName": name, "previousAssignee": item.AssigneeID()}

	case ActionUnassign:
		if item.Status != domain.StatusAssigned {
			return Decision{}, invalid(item.Status, cmd.Action)
		}
		next.AssignedTo = nil
		next.AssignedToName = nil
		d.To = domain.StatusNew
		d.Event = domain.EventUnassigned
		d.Payload = map[string]any{"previousAssignee": item.AssigneeID()}

	case ActionStartReview:
		if item.AssigneeID() == "" || item.AssigneeID() != actor.ID {
			return Decision{}, errs.New(errs.CodeUnauthorized, "only the assignee can start the review of %s", item.HumanNumber)
		}
		if item.Status != domain.StatusAssigned {
			return Decision{}, invalid(item.Status, cmd.Action)
		}
		d.To = domain.StatusInProgress
		d.Event = domain.EventReviewStarted

	case ActionSubmitForApproval:
		if item.Status != domain.StatusInProgress || !item.RequiresApproval {
			return Decision{}, invalid(item.Status, cmd.Action)
		}
		d.To = domain.StatusPendingApproval
		d.Event = domain.EventSubmittedForApproval
		d.Payload = map[string]any{"riskLevel": item.RiskLevel}

	case ActionApprove:
		if item.Status != domain.StatusPendingApproval {
			return Decision{}, invalid(item.Status, cmd.Action)
		}
		if err := auth.Require(actor, auth.ComplianceManager, auth.Admin); err != nil {
			return Decision{}, err
		}
		d.To = domain.StatusApproved
		d.Event = domain.EventApproved

	case ActionDecline:
		reason := strings.TrimSpace(cmd.Reason)
		if reason == "" {
			return Decision{}, errs.Validation("a decline reason is required")
		}
		if item.Status != domain.StatusPendingApproval {
			return Decision{}, invalid(item.Status, cmd.Action)
		}
		d.To = domain.StatusDeclined
		d.Notes = reason
		d.Event = domain.EventDeclined
		d.Payload = map[string]any{"reason": reason}

	case ActionComplete:
		switch {
		case item.Status == domain.StatusApproved:
		case item.Status == domain.StatusInProgress && !item.RequiresApproval:
		default:
			return Decision{}, invalid(item.Status, cmd.Action)
		}
		completed := now
		refresh := p.NextRefresh(item.RiskLevel, now)
		next.CompletedAt = &completed
		next.NextRefreshAt = &refresh
		d.To = domain.StatusCompleted
		d.Event = domain.EventCompleted
		d.Payload = map[string]any{"riskLevel": item.RiskLevel, "nextRefreshAt": refresh}

	case ActionMarkForRefresh:
		switch {
		case !item.Status.Terminal():
		case item.Status == domain.StatusCompleted && p.AllowRefreshCompleted:
		default:
			return Decision{}, invalid(item.Status, cmd.Action)
		}
		refreshed := now
		next.RefreshCount = item.RefreshCount + 1
		next.LastRefreshAt = &refreshed
		if item.NextRefreshAt != nil {
			due := p.NextRefresh(item.RiskLevel, now)
			next.NextRefreshAt = &due
		}
		d.Event = domain.EventMarkedForRefresh
		d.Payload = map[string]any{"refreshCount": next.RefreshCount}

	case ActionCancel:
		reason := strings.TrimSpace(cmd.Reason)
		if reason == "" {
			return Decision{}, errs.Validation("a cancellation reason is required")
		}
		if item.Status.Terminal() {
			return Decision{}, invalid(item.Status, cmd.Action)
		}
		if err := auth.Require(actor, auth.Admin, auth.ComplianceManager); err != nil {
			return Decision{}, err
		}
		d.To = domain.StatusCancelled
		d.Notes = reason
		d.Event = domain.EventCancelled
		d.Payload = map[string]any{"reason": reason}

	case ActionUpdateRiskLevel:
		level, err := domain.ParseRiskLevel(string(cmd.RiskLevel))
		if err != nil {
			return Decision{}, errs.Validation("%s", err.Error())
		}
		cmd.RiskLevel = level
		if item.Status.Terminal() {
			return Decision{}, invalid(item.Status, cmd.Action)
		}
		if (item.Status == domain.StatusPendingApproval || item.Status == domain.StatusApproved) && !cmd.RiskLevel.RequiresApproval() {
			return Decision{}, errs.New(errs.CodeInvalidTransition,
				"cannot lower risk of %s below High while in %s", item.HumanNumber, item.Status)
		}
		next.SetRiskLevel(cmd.RiskLevel)
		d.Event = domain.EventRiskLevelChanged
		d.Payload = map[string]any{"from": item.RiskLevel, "to": cmd.RiskLevel, "requiresApproval": next.RequiresApproval}
		if d.Notes == "" {
			d.Notes = string(item.RiskLevel) + " -> " + string(cmd.RiskLevel)
		}

	default:
		return Decision{}, errs.Validation("unknown action %q", cmd.Action)
	}

	next.Status = d.To
	d.Item = next
	if d.Payload == nil {
		d.Payload = map[string]any{}
	}
	d.Payload["fromStatus"] = d.From
	d.Payload["toStatus"] = d.To
	if d.Notes != "" {
		if _, ok := d.Payload["reason"]; !ok {
			d.Payload["notes"] = d.Notes
		}
	}
	return d, nil
}

func invalid(from domain.Status, a Action) error {
	return errs.New(errs.CodeInvalidTransition, "cannot %s a work item in status %s", a, from)
}

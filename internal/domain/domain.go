package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type Status string

const (
	StatusNew             Status = "New"
	StatusAssigned        Status = "Assigned"
	StatusInProgress      Status = "InProgress"
	StatusPendingApproval Status = "PendingApproval"
	StatusApproved        Status = "Approved"
	StatusDeclined        Status = "Declined"
	StatusCompleted       Status = "Completed"
	StatusCancelled       Status = "Cancelled"
)

var Statuses = []Status{
	StatusNew, StatusAssigned, StatusInProgress, StatusPendingApproval,
	StatusApproved, StatusDeclined, StatusCompleted, StatusCancelled,
}

// Terminal reports whether no workflow transition may leave the status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusDeclined || s == StatusCancelled
}

func ParseStatus(v string) (Status, error) {
	for _, s := range Statuses {
		if string(s) == v {
			return s, nil
		}
	}
	return "", fmt.Errorf("unknown status %q", v)
}

type RiskLevel string

const (
	RiskUnknown  RiskLevel = "Unknown"
	RiskLow      RiskLevel = "Low"
	RiskMedium   RiskLevel = "Medium"
	RiskHigh     RiskLevel = "High"
	RiskCritical RiskLevel = "Critical"
)

var RiskLevels = []RiskLevel{RiskUnknown, RiskLow, RiskMedium, RiskHigh, RiskCritical}

// Rank orders risk levels from Unknown (0) to Critical (4).
func (r RiskLevel) Rank() int {
	for i, l := range RiskLevels {
		if l == r {
			return i
		}
	}
	return 0
}

// RequiresApproval is true for High and Critical risk.
func (r RiskLevel) RequiresApproval() bool {
	return r == RiskHigh || r == RiskCritical
}

// AtLeast returns every level ranked at or above r.
func (r RiskLevel) AtLeast() []RiskLevel {
	return append([]RiskLevel(nil), RiskLevels[r.Rank():]...)
}

// ParseRiskLevel accepts any letter case and returns the canonical level.
func ParseRiskLevel(v string) (RiskLevel, error) {
	v = strings.TrimSpace(v)
	for _, l := range RiskLevels {
		if strings.EqualFold(string(l), v) {
			return l, nil
		}
	}
	return "", fmt.Errorf("unknown risk level %q", v)
}

type Priority string

const (
	PriorityLow    Priority = "Low"
	PriorityNormal Priority = "Normal"
	PriorityHigh   Priority = "High"
	PriorityUrgent Priority = "Urgent"
)

func ParsePriority(v string) (Priority, error) {
	switch Priority(v) {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return Priority(v), nil
	case "":
		return PriorityNormal, nil
	}
	return "", fmt.Errorf("unknown priority %q", v)
}

type WorkItem struct {
	ID               string     `json:"id"`
	ApplicationID    string     `json:"applicationId"`
	HumanNumber      string     `json:"humanNumber"`
	ApplicantName    string     `json:"applicantName,omitempty"`
	Country          string     `json:"country,omitempty"`
	Status           Status     `json:"status" enum:"New,Assigned,InProgress,PendingApproval,Approved,Declined,Completed,Cancelled"`
	AssignedTo       *string    `json:"assignedToUserId,omitempty"`
	AssignedToName   *string    `json:"assignedToName,omitempty"`
	RiskLevel        RiskLevel  `json:"riskLevel" enum:"Unknown,Low,Medium,High,Critical"`
	Priority         Priority   `json:"priority" enum:"Low,Normal,High,Urgent"`
	RequiresApproval bool       `json:"requiresApproval"`
	DueDate          *time.Time `json:"dueDate,omitempty" format:"date-time"`
	RefreshCount     int        `json:"refreshCount"`
	NextRefreshAt    *time.Time `json:"nextRefreshAt,omitempty" format:"date-time"`
	LastRefreshAt    *time.Time `json:"lastRefreshAt,omitempty" format:"date-time"`
	CompletedAt      *time.Time `json:"completedAt,omitempty" format:"date-time"`
	CreatedAt        time.Time  `json:"createdAt" format:"date-time"`
	UpdatedAt        time.Time  `json:"updatedAt" format:"date-time"`
	Version          int64      `json:"version"`
}

// SetRiskLevel changes the risk level and keeps RequiresApproval derived from it.
func (w *WorkItem) SetRiskLevel(level RiskLevel) {
	w.RiskLevel = level
	w.RequiresApproval = level.RequiresApproval()
}

func (w WorkItem) AssigneeID() string {
	if w.AssignedTo == nil {
		return ""
	}
	return *w.AssignedTo
}

// Overdue reports whether the due date has passed on a live item.
func (w WorkItem) Overdue(now time.Time) bool {
	return w.DueDate != nil && w.DueDate.Before(now) && !w.Status.Terminal()
}

type HistoryEntry struct {
	ID              string    `json:"id"`
	WorkItemID      string    `json:"workItemId"`
	FromStatus      Status    `json:"fromStatus"`
	ToStatus        Status    `json:"toStatus"`
	Action          string    `json:"action"`
	PerformedBy     string    `json:"performedBy"`
	PerformedByName string    `json:"performedByName,omitempty"`
	Notes           string    `json:"notes,omitempty"`
	Timestamp       time.Time `json:"timestamp" format:"date-time"`
}

type Comment struct {
	ID            string    `json:"id"`
	WorkItemID    string    `json:"workItemId"`
	Text          string    `json:"text"`
	CreatedBy     string    `json:"createdBy"`
	CreatedByName string    `json:"createdByName,omitempty"`
	CreatedAt     time.Time `json:"createdAt" format:"date-time"`
}

type EventType string

const (
	EventCreated              EventType = "workitem.created"
	EventAssigned             EventType = "workitem.assigned"
	EventUnassigned           EventType = "workitem.unassigned"
	EventReviewStarted        EventType = "workitem.review_started"
	EventSubmittedForApproval EventType = "workitem.submitted_for_approval"
	EventApproved             EventType = "workitem.approved"
	EventDeclined             EventType = "workitem.declined"
	EventCompleted            EventType = "workitem.completed"
	EventCommentAdded         EventType = "workitem.comment_added"
	EventMarkedForRefresh     EventType = "workitem.marked_for_refresh"
	EventCancelled            EventType = "workitem.cancelled"
	EventRiskLevelChanged     EventType = "workitem.risk_level_changed"
)

// Event is an outbound domain event. Sequence is assigned by the outbox.
type Event struct {
	Sequence    int64           `json:"sequence"`
	EventID     string          `json:"eventId"`
	Type        EventType       `json:"type"`
	WorkItemID  string          `json:"workItemId"`
	ActorID     string          `json:"actorId"`
	Partition   int             `json:"partition"`
	Payload     json.RawMessage `json:"payload"`
	OccurredAt  time.Time       `json:"occurredAt"`
	PublishedAt *time.Time      `json:"publishedAt,omitempty"`
	Attempts    int             `json:"attempts,omitempty"`
	LastError   string          `json:"lastError,omitempty"`
}

// Package ports declares the persistence contracts shared by the sqlite and
// postgres stores.
package ports

import (
	"context"
	"time"

	"workqueue/internal/domain"
)

// Mutation is everything one accepted command writes. It is committed
// atomically, and only if the stored version still equals ExpectedVersion.
type Mutation struct {
	Item            domain.WorkItem
	ExpectedVersion int64
	History         *domain.HistoryEntry
	Events          []domain.Event
}

// Filter selects work items. Zero fields do not constrain the result.
type Filter struct {
	Statuses        []domain.Status
	ExcludeStatuses []domain.Status
	AssignedTo      string
	RiskLevels      []domain.RiskLevel
	Country         string
	// Overdue compares DueDate against Now on non-terminal items.
	Overdue      *bool
	RefreshDueBy *time.Time
	Now          time.Time
	Limit        int
	Offset       int
}

type Store interface {
	// Create assigns HumanNumber and persists a new item with its creation events.
	Create(ctx context.Context, item *domain.WorkItem, events []domain.Event) error
	Get(ctx context.Context, id string) (domain.WorkItem, error)
	Commit(ctx context.Context, m Mutation) error
	AddComment(ctx context.Context, c domain.Comment, events []domain.Event) error
	History(ctx context.Context, workItemID string) ([]domain.HistoryEntry, error)
	Comments(ctx context.Context, workItemID string) ([]domain.Comment, error)
	List(ctx context.Context, f Filter) ([]domain.WorkItem, int, error)
}

// Outbox is read by the relay. Events come back in sequence order.
type Outbox interface {
	PendingEvents(ctx context.Context, limit int) ([]domain.Event, error)
	MarkPublished(ctx context.Context, seq int64, at time.Time) error
	MarkFailed(ctx context.Context, seq int64, reason string) error
}

// Package query serves read-only views of work items.
package query

import (
	"context"
	"strings"
	"time"

	"workqueue/internal/domain"
	"workqueue/internal/errs"
	"workqueue/internal/ports"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

type Service struct {
	Store ports.Store
	Now   func() time.Time
}

func New(store ports.Store) Service {
	return Service{Store: store, Now: time.Now}
}

func (s Service) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// ListOptions are the raw list filters. Empty strings do not filter.
type ListOptions struct {
	Status     string
	AssignedTo string
	RiskLevel  string
	Country    string
	IsOverdue  *bool
	Page       int
	PageSize   int
}

type Page struct {
	Items    []domain.WorkItem `json:"items"`
	Page     int               `json:"page"`
	PageSize int               `json:"pageSize"`
	Total    int               `json:"total"`
}

func paging(page, size int) (int, int, error) {
	if page == 0 {
		page = 1
	}
	if size == 0 {
		size = DefaultPageSize
	}
	if page < 1 {
		return 0, 0, errs.Validation("page must be >= 1")
	}
	if size < 1 || size > MaxPageSize {
		return 0, 0, errs.Validation("pageSize must be between 1 and %d", MaxPageSize)
	}
	return page, size, nil
}

func (s Service) List(ctx context.Context, opts ListOptions) (Page, error) {
	page, size, err := paging(opts.Page, opts.PageSize)
	if err != nil {
		return Page{}, err
	}
	f := ports.Filter{
		AssignedTo: strings.TrimSpace(opts.AssignedTo),
		Country:    strings.TrimSpace(opts.Country),
		Overdue:    opts.IsOverdue,
		Now:        s.now(),
		Limit:      size,
		Offset:     (page - 1) * size,
	}
	if opts.Status != "" {
		st, err := domain.ParseStatus(opts.Status)
		if err != nil {
			return Page{}, errs.Validation("%s", err.Error())
		}
		f.Statuses = []domain.Status{st}
	}
	if opts.RiskLevel != "" {
		lvl, err := domain.ParseRiskLevel(opts.RiskLevel)
		if err != nil {
			return Page{}, errs.Validation("%s", err.Error())
		}
		f.RiskLevels = []domain.RiskLevel{lvl}
	}
	return s.page(ctx, f, page, size)
}

func (s Service) page(ctx context.Context, f ports.Filter, page, size int) (Page, error) {
	items, total, err := s.Store.List(ctx, f)
	if err != nil {
		return Page{}, err
	}
	if items == nil {
		items = []domain.WorkItem{}
	}
	return Page{Items: items, Page: page, PageSize: size, Total: total}, nil
}

// MyItems lists items assigned to userID.
func (s Service) MyItems(ctx context.Context, userID string, page, size int) (Page, error) {
	if strings.TrimSpace(userID) == "" {
		return Page{}, errs.Validation("userId is required")
	}
	page, size, err := paging(page, size)
	if err != nil {
		return Page{}, err
	}
	return s.page(ctx, ports.Filter{AssignedTo: userID, Now: s.now(), Limit: size, Offset: (page - 1) * size}, page, size)
}

// PendingApprovals lists PendingApproval items at or above minRisk
// (High when empty).
func (s Service) PendingApprovals(ctx context.Context, minRisk string, page, size int) (Page, error) {
	level := domain.RiskHigh
	if minRisk != "" {
		l, err := domain.ParseRiskLevel(minRisk)
		if err != nil {
			return Page{}, errs.Validation("%s", err.Error())
		}
		level = l
	}
	page, size, err := paging(page, size)
	if err != nil {
		return Page{}, err
	}
	return s.page(ctx, ports.Filter{
		Statuses:   []domain.Status{domain.StatusPendingApproval},
		RiskLevels: level.AtLeast(),
		Now:        s.now(),
		Limit:      size,
		Offset:     (page - 1) * size,
	}, page, size)
}

// DueForRefresh lists items whose next refresh is at or before asOf.
// Declined and cancelled items are never refreshed.
func (s Service) DueForRefresh(ctx context.Context, asOf *time.Time, page, size int) (Page, error) {
	at := s.now()
	if asOf != nil {
		at = asOf.UTC()
	}
	page, size, err := paging(page, size)
	if err != nil {
		return Page{}, err
	}
	return s.page(ctx, ports.Filter{
		ExcludeStatuses: []domain.Status{domain.StatusDeclined, domain.StatusCancelled},
		RefreshDueBy:    &at,
		Now:             s.now(),
		Limit:           size,
		Offset:          (page - 1) * size,
	}, page, size)
}

func (s Service) Get(ctx context.Context, id string) (domain.WorkItem, error) {
	return s.Store.Get(ctx, id)
}

func (s Service) History(ctx context.Context, id string) ([]domain.HistoryEntry, error) {
	if _, err := s.Store.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.Store.History(ctx, id)
}

func (s Service) Comments(ctx context.Context, id string) ([]domain.Comment, error) {
	if _, err := s.Store.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.Store.Comments(ctx, id)
}

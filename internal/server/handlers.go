package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"workqueue/internal/domain"
	"workqueue/internal/engine"
	"workqueue/internal/engine/auth"
	"workqueue/internal/errs"
	"workqueue/internal/peers"
	"workqueue/internal/query"
)

type handlers struct {
	engine    engine.Engine
	query     query.Service
	documents DocumentSource
	logger    *slog.Logger
}

var commandErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusServiceUnavailable,
}

type idPath struct {
	ID string `path:"id"`
}

type PageQuery struct {
	Page     string `query:"page"`
	PageSize string `query:"pageSize"`
}

func (q PageQuery) parse() (int, int, error) {
	page, err := parseInt("page", q.Page)
	if err != nil {
		return 0, 0, err
	}
	size, err := parseInt("pageSize", q.PageSize)
	if err != nil {
		return 0, 0, err
	}
	return page, size, nil
}

type pageOutput struct {
	Body PageResponse `json:"body"`
}

func toPageOutput(p query.Page) *pageOutput {
	return &pageOutput{Body: PageResponse{Items: p.Items, Page: p.Page, PageSize: p.PageSize, Total: p.Total}}
}

func (h handlers) registerQueries(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-work-items",
		Method:      http.MethodGet,
		Path:        basePath,
		Summary:     "List work items",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Status     string `query:"status"`
		AssignedTo string `query:"assignedTo"`
		RiskLevel  string `query:"riskLevel"`
		Country    string `query:"country"`
		IsOverdue  string `query:"isOverdue"`
		PageQuery
	}) (*pageOutput, error) {
		if _, err := actorFromContext(ctx); err != nil {
			return nil, err
		}
		page, size, err := input.PageQuery.parse()
		if err != nil {
			return nil, h.handleError(err)
		}
		overdue, err := parseBool("isOverdue", input.IsOverdue)
		if err != nil {
			return nil, h.handleError(err)
		}
		p, err := h.query.List(ctx, query.ListOptions{
			Status:     input.Status,
			AssignedTo: input.AssignedTo,
			RiskLevel:  input.RiskLevel,
			Country:    input.Country,
			IsOverdue:  overdue,
			Page:       page,
			PageSize:   size,
		})
		if err != nil {
			return nil, h.handleError(err)
		}
		return toPageOutput(p), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "my-work-items",
		Method:      http.MethodGet,
		Path:        basePath + "/my-items",
		Summary:     "Work items assigned to the caller",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *PageQuery) (*pageOutput, error) {
		actor, err := actorFromContext(ctx)
		if err != nil {
			return nil, err
		}
		page, size, err := input.parse()
		if err != nil {
			return nil, h.handleError(err)
		}
		p, err := h.query.MyItems(ctx, actor.ID, page, size)
		if err != nil {
			return nil, h.handleError(err)
		}
		return toPageOutput(p), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "pending-approvals",
		Method:      http.MethodGet,
		Path:        basePath + "/pending-approvals",
		Summary:     "Work items waiting for compliance approval",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		MinimumRiskLevel string `query:"minimumRiskLevel"`
		PageQuery
	}) (*pageOutput, error) {
		actor, err := actorFromContext(ctx)
		if err != nil {
			return nil, err
		}
		if err := auth.Require(actor, auth.Admin, auth.ComplianceManager); err != nil {
			return nil, h.handleError(err)
		}
		page, size, err := input.PageQuery.parse()
		if err != nil {
			return nil, h.handleError(err)
		}
		p, err := h.query.PendingApprovals(ctx, input.MinimumRiskLevel, page, size)
		if err != nil {
			return nil, h.handleError(err)
		}
		return toPageOutput(p), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "due-for-refresh",
		Method:      http.MethodGet,
		Path:        basePath + "/due-for-refresh",
		Summary:     "Work items due for periodic review",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		AsOfDate string `query:"asOfDate"`
		PageQuery
	}) (*pageOutput, error) {
		if _, err := actorFromContext(ctx); err != nil {
			return nil, err
		}
		asOf, err := parseTime("asOfDate", input.AsOfDate)
		if err != nil {
			return nil, h.handleError(err)
		}
		page, size, err := input.PageQuery.parse()
		if err != nil {
			return nil, h.handleError(err)
		}
		p, err := h.query.DueForRefresh(ctx, asOf, page, size)
		if err != nil {
			return nil, h.handleError(err)
		}
		return toPageOutput(p), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-work-item",
		Method:      http.MethodGet,
		Path:        basePath + "/{id}",
		Summary:     "Get work item",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*struct {
		Body domain.WorkItem `json:"body"`
	}, error) {
		if _, err := actorFromContext(ctx); err != nil {
			return nil, err
		}
		item, err := h.query.Get(ctx, input.ID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body domain.WorkItem `json:"body"`
		}{Body: item}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "work-item-history",
		Method:      http.MethodGet,
		Path:        basePath + "/{id}/history",
		Summary:     "Status history of a work item",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*struct {
		Body []domain.HistoryEntry `json:"body"`
	}, error) {
		if _, err := actorFromContext(ctx); err != nil {
			return nil, err
		}
		hist, err := h.query.History(ctx, input.ID)
		if err != nil {
			return nil, h.handleError(err)
		}
		if hist == nil {
			hist = []domain.HistoryEntry{}
		}
		return &struct {
			Body []domain.HistoryEntry `json:"body"`
		}{Body: hist}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "work-item-comments",
		Method:      http.MethodGet,
		Path:        basePath + "/{id}/comments",
		Summary:     "Comments on a work item",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*struct {
		Body []domain.Comment `json:"body"`
	}, error) {
		if _, err := actorFromContext(ctx); err != nil {
			return nil, err
		}
		comments, err := h.query.Comments(ctx, input.ID)
		if err != nil {
			return nil, h.handleError(err)
		}
		if comments == nil {
			comments = []domain.Comment{}
		}
		return &struct {
			Body []domain.Comment `json:"body"`
		}{Body: comments}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "work-item-documents",
		Method:      http.MethodGet,
		Path:        basePath + "/{id}/documents",
		Summary:     "Documents of the work item's application",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *idPath) (*struct {
		Body []peers.Document `json:"body"`
	}, error) {
		if _, err := actorFromContext(ctx); err != nil {
			return nil, err
		}
		if h.documents == nil {
			return nil, h.handleError(errs.New(errs.CodeDependencyUnavailable, "documents service not configured"))
		}
		item, err := h.query.Get(ctx, input.ID)
		if err != nil {
			return nil, h.handleError(err)
		}
		docs, err := h.documents.List(ctx, item.ApplicationID)
		if err != nil {
			return nil, h.handleError(err)
		}
		if docs == nil {
			docs = []peers.Document{}
		}
		return &struct {
			Body []peers.Document `json:"body"`
		}{Body: docs}, nil
	})
}

type mutationOutput struct {
	Body MutationResponse `json:"body"`
}

// command adapts an engine call to a huma handler returning the mutation
// envelope.
func command[I any](h handlers, message string, run func(ctx context.Context, actor auth.Actor, in *I) (domain.WorkItem, error)) func(context.Context, *I) (*mutationOutput, error) {
	return func(ctx context.Context, in *I) (*mutationOutput, error) {
		actor, err := actorFromContext(ctx)
		if err != nil {
			return nil, err
		}
		item, err := run(ctx, actor, in)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &mutationOutput{Body: mutationResponse(message, item)}, nil
	}
}

func commandOp(id, path, summary string) huma.Operation {
	return huma.Operation{
		OperationID: id,
		Method:      http.MethodPost,
		Path:        basePath + "/{id}/" + path,
		Summary:     summary,
		Errors:      commandErrors,
	}
}

type notesInput struct {
	ID   string        `path:"id"`
	Body *NotesRequest `json:"body,omitempty" required:"false"`
}

func (in *notesInput) notes() string {
	if in.Body == nil {
		return ""
	}
	return in.Body.Notes
}

type reasonInput struct {
	ID   string         `path:"id"`
	Body *ReasonRequest `json:"body,omitempty" required:"false"`
}

func (in *reasonInput) reason() string {
	if in.Body == nil {
		return ""
	}
	return in.Body.Reason
}

func (h handlers) registerCommands(api huma.API) {
	e := h.engine

	huma.Register(api, huma.Operation{
		OperationID:   "create-work-item",
		Method:        http.MethodPost,
		Path:          basePath,
		Summary:       "Open a work item for a submitted onboarding case",
		DefaultStatus: http.StatusCreated,
		Errors:        commandErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateWorkItemRequest `json:"body"`
	}) (*struct {
		Body domain.WorkItem `json:"body"`
	}, error) {
		actor, err := actorFromContext(ctx)
		if err != nil {
			return nil, err
		}
		item, err := e.Create(ctx, actor, engine.CreateOptions{
			ApplicationID: input.Body.ApplicationID,
			ApplicantName: input.Body.ApplicantName,
			Country:       input.Body.Country,
			RiskLevel:     domain.RiskLevel(input.Body.RiskLevel),
			Priority:      domain.Priority(input.Body.Priority),
			DueDate:       input.Body.DueDate,
		})
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body domain.WorkItem `json:"body"`
		}{Body: item}, nil
	})

	huma.Register(api, commandOp("assign-work-item", "assign", "Assign a reviewer"),
		command(h, "Work item assigned", func(ctx context.Context, actor auth.Actor, in *struct {
			ID   string        `path:"id"`
			Body AssignRequest `json:"body"`
		}) (domain.WorkItem, error) {
			return e.Assign(ctx, in.ID, actor, in.Body.UserID, in.Body.UserName)
		}))

	huma.Register(api, commandOp("unassign-work-item", "unassign", "Return a work item to the queue"),
		command(h, "Work item unassigned", func(ctx context.Context, actor auth.Actor, in *idPath) (domain.WorkItem, error) {
			return e.Unassign(ctx, in.ID, actor)
		}))

	huma.Register(api, commandOp("start-review", "start-review", "Start reviewing an assigned work item"),
		command(h, "Review started", func(ctx context.Context, actor auth.Actor, in *idPath) (domain.WorkItem, error) {
			return e.StartReview(ctx, in.ID, actor)
		}))

	huma.Register(api, commandOp("submit-for-approval", "submit-for-approval", "Submit a high-risk review for approval"),
		command(h, "Work item submitted for approval", func(ctx context.Context, actor auth.Actor, in *notesInput) (domain.WorkItem, error) {
			return e.SubmitForApproval(ctx, in.ID, actor, in.notes())
		}))

	huma.Register(api, commandOp("approve-work-item", "approve", "Approve a pending review"),
		command(h, "Work item approved", func(ctx context.Context, actor auth.Actor, in *notesInput) (domain.WorkItem, error) {
			return e.Approve(ctx, in.ID, actor, in.notes())
		}))

	huma.Register(api, commandOp("decline-work-item", "decline", "Decline an onboarding case"),
		command(h, "Work item declined", func(ctx context.Context, actor auth.Actor, in *reasonInput) (domain.WorkItem, error) {
			return e.Decline(ctx, in.ID, actor, in.reason())
		}))

	huma.Register(api, commandOp("complete-work-item", "complete", "Complete a review"),
		command(h, "Work item completed", func(ctx context.Context, actor auth.Actor, in *notesInput) (domain.WorkItem, error) {
			return e.Complete(ctx, in.ID, actor, in.notes())
		}))

	huma.Register(api, commandOp("mark-for-refresh", "mark-for-refresh", "Reopen a work item for periodic review"),
		command(h, "Work item marked for refresh", func(ctx context.Context, actor auth.Actor, in *notesInput) (domain.WorkItem, error) {
			return e.MarkForRefresh(ctx, in.ID, actor, in.notes())
		}))

	huma.Register(api, commandOp("cancel-work-item", "cancel", "Cancel a work item"),
		command(h, "Work item cancelled", func(ctx context.Context, actor auth.Actor, in *reasonInput) (domain.WorkItem, error) {
			return e.Cancel(ctx, in.ID, actor, in.reason())
		}))

	huma.Register(api, commandOp("update-risk-level", "risk-level", "Record a new risk assessment"),
		command(h, "Risk level updated", func(ctx context.Context, actor auth.Actor, in *struct {
			ID   string           `path:"id"`
			Body RiskLevelRequest `json:"body"`
		}) (domain.WorkItem, error) {
			return e.UpdateRiskLevel(ctx, in.ID, actor, domain.RiskLevel(in.Body.RiskLevel), in.Body.Notes)
		}))

	huma.Register(api, huma.Operation{
		OperationID:   "add-comment",
		Method:        http.MethodPost,
		Path:          basePath + "/{id}/comments",
		Summary:       "Comment on a work item",
		DefaultStatus: http.StatusCreated,
		Errors:        commandErrors,
	}, func(ctx context.Context, input *struct {
		ID   string         `path:"id"`
		Body CommentRequest `json:"body"`
	}) (*struct {
		Body domain.Comment `json:"body"`
	}, error) {
		actor, err := actorFromContext(ctx)
		if err != nil {
			return nil, err
		}
		c, err := e.AddComment(ctx, input.ID, actor, input.Body.Text)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body domain.Comment `json:"body"`
		}{Body: c}, nil
	})
}

package engine

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"workqueue/internal/domain"
	"workqueue/internal/engine/auth"
	"workqueue/internal/engine/machine"
	"workqueue/internal/errs"
	"workqueue/internal/events"
	"workqueue/internal/peers"
	"workqueue/internal/ports"
)

// RiskSource confirms an application's risk level before gated transitions.
type RiskSource interface {
	CurrentLevel(ctx context.Context, applicationID string, stored domain.RiskLevel) (domain.RiskLevel, error)
}

// ChecklistSource reports checklist completion for the completion gate.
type ChecklistSource interface {
	Status(ctx context.Context, applicationID string) (peers.ChecklistStatus, error)
}

type Engine struct {
	Store     ports.Store
	Events    events.Writer
	Policy    machine.Policy
	Risk      RiskSource
	Checklist ChecklistSource
	// RequireChecklist closes the completion gate until the checklist is done.
	RequireChecklist bool
	Logger           *slog.Logger
	Now              func() time.Time
}

func New(store ports.Store, policy machine.Policy, logger *slog.Logger) Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return Engine{
		Store:  store,
		Events: events.Writer{},
		Policy: policy,
		Logger: logger,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// CreateOptions are parameters for opening a work item when an onboarding
// case is submitted.
type CreateOptions struct {
	ID            string
	ApplicationID string
	ApplicantName string
	Country       string
	RiskLevel     domain.RiskLevel
	Priority      domain.Priority
	DueDate       *time.Time
}

func (e Engine) Create(ctx context.Context, actor auth.Actor, opts CreateOptions) (domain.WorkItem, error) {
	if err := auth.Require(actor, auth.Admin); err != nil {
		return domain.WorkItem{}, err
	}
	if strings.TrimSpace(opts.ApplicationID) == "" {
		return domain.WorkItem{}, errs.Validation("applicationId is required")
	}
	if opts.RiskLevel == "" {
		opts.RiskLevel = domain.RiskUnknown
	}
	risk, err := domain.ParseRiskLevel(string(opts.RiskLevel))
	if err != nil {
		return domain.WorkItem{}, errs.Validation("%s", err.Error())
	}
	priority, err := domain.ParsePriority(string(opts.Priority))
	if err != nil {
		return domain.WorkItem{}, errs.Validation("%s", err.Error())
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := e.now()
	item := domain.WorkItem{
		ID:            id,
		ApplicationID: strings.TrimSpace(opts.ApplicationID),
		ApplicantName: strings.TrimSpace(opts.ApplicantName),
		Country:       strings.ToUpper(strings.TrimSpace(opts.Country)),
		Status:        domain.StatusNew,
		Priority:      priority,
		DueDate:       opts.DueDate,
		CreatedAt:     now,
		UpdatedAt:     now,
		Version:       1,
	}
	item.SetRiskLevel(risk)
	evt, err := e.record(domain.EventCreated, item.ID, actor.ID, events.EventPayload{
		"applicationId": item.ApplicationID,
		"riskLevel":     item.RiskLevel,
		"priority":      item.Priority,
	})
	if err != nil {
		return domain.WorkItem{}, err
	}
	if err := e.Store.Create(ctx, &item, []domain.Event{evt}); err != nil {
		return domain.WorkItem{}, err
	}
	e.logger().Info("work item created", "work_item", item.HumanNumber, "id", item.ID, "application_id", item.ApplicationID)
	return item, nil
}

func (e Engine) record(t domain.EventType, itemID, actorID string, payload events.EventPayload) (domain.Event, error) {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	evt, err := w.Record(t, itemID, actorID, payload)
	if err != nil {
		return domain.Event{}, errs.Wrap(errs.CodeInternal, err, "build event")
	}
	return evt, nil
}

// prepareFunc may adjust the loaded item before the machine decides, e.g.
// apply a freshly confirmed risk level. Returned events are committed ahead
// of the command's own event.
type prepareFunc func(ctx context.Context, item *domain.WorkItem, actor auth.Actor) ([]domain.Event, error)

// apply loads the item, lets the machine decide and commits the item, one
// history entry and one event together. A rejected command writes nothing.
func (e Engine) apply(ctx context.Context, id string, actor auth.Actor, cmd machine.Command, prepare prepareFunc) (domain.WorkItem, error) {
	item, err := e.Store.Get(ctx, id)
	if err != nil {
		return domain.WorkItem{}, err
	}
	expected := item.Version
	var pending []domain.Event
	if prepare != nil {
		if pending, err = prepare(ctx, &item, actor); err != nil {
			return domain.WorkItem{}, err
		}
	}
	now := e.now()
	d, err := machine.Decide(item, actor, cmd, e.Policy, now)
	if err != nil {
		e.logger().Info("command rejected", "work_item", item.HumanNumber, "action", cmd.Action,
			"status", item.Status, "actor", actor.ID, "code", errs.CodeOf(err), "err", err)
		return domain.WorkItem{}, err
	}
	next := d.Item
	next.Version = expected + 1

	evt, err := e.record(d.Event, next.ID, actor.ID, d.Payload)
	if err != nil {
		return domain.WorkItem{}, err
	}
	h := &domain.HistoryEntry{
		ID:              uuid.NewString(),
		WorkItemID:      next.ID,
		FromStatus:      d.From,
		ToStatus:        d.To,
		Action:          string(d.Action),
		PerformedBy:     actor.ID,
		PerformedByName: actor.Name,
		Notes:           d.Notes,
		Timestamp:       now,
	}
	if err := e.Store.Commit(ctx, ports.Mutation{Item: next, ExpectedVersion: expected, History: h, Events: append(pending, evt)}); err != nil {
		if errs.Is(err, errs.CodeConcurrencyConflict) {
			e.logger().Warn("concurrent modification", "work_item", item.HumanNumber, "action", cmd.Action, "version", expected)
		}
		return domain.WorkItem{}, err
	}
	e.logger().Info("work item transitioned", "work_item", next.HumanNumber, "action", d.Action,
		"from", d.From, "to", d.To, "actor", actor.ID, "version", next.Version)
	return next, nil
}

func (e Engine) Assign(ctx context.Context, id string, actor auth.Actor, userID, userName string) (domain.WorkItem, error) {
	return e.apply(ctx, id, actor, machine.Command{Action: machine.ActionAssign, UserID: userID, UserName: userName}, nil)
}

func (e Engine) Unassign(ctx context.Context, id string, actor auth.Actor) (domain.WorkItem, error) {
	return e.apply(ctx, id, actor, machine.Command{Action: machine.ActionUnassign}, nil)
}

func (e Engine) StartReview(ctx context.Context, id string, actor auth.Actor) (domain.WorkItem, error) {
	return e.apply(ctx, id, actor, machine.Command{Action: machine.ActionStartReview}, nil)
}

func (e Engine) SubmitForApproval(ctx context.Context, id string, actor auth.Actor, notes string) (domain.WorkItem, error) {
	return e.apply(ctx, id, actor, machine.Command{Action: machine.ActionSubmitForApproval, Notes: notes}, e.confirmRisk)
}

func (e Engine) Approve(ctx context.Context, id string, actor auth.Actor, notes string) (domain.WorkItem, error) {
	return e.apply(ctx, id, actor, machine.Command{Action: machine.ActionApprove, Notes: notes}, nil)
}

func (e Engine) Decline(ctx context.Context, id string, actor auth.Actor, reason string) (domain.WorkItem, error) {
	if strings.TrimSpace(reason) == "" {
		return domain.WorkItem{}, errs.Validation("a decline reason is required")
	}
	return e.apply(ctx, id, actor, machine.Command{Action: machine.ActionDecline, Reason: reason}, nil)
}

func (e Engine) Complete(ctx context.Context, id string, actor auth.Actor, notes string) (domain.WorkItem, error) {
	return e.apply(ctx, id, actor, machine.Command{Action: machine.ActionComplete, Notes: notes}, func(ctx context.Context, item *domain.WorkItem, actor auth.Actor) ([]domain.Event, error) {
		evts, err := e.confirmRisk(ctx, item, actor)
		if err != nil {
			return nil, err
		}
		completable := item.Status == domain.StatusApproved ||
			(item.Status == domain.StatusInProgress && !item.RequiresApproval)
		if !completable {
			return evts, nil
		}
		return evts, e.checkChecklist(ctx, *item)
	})
}

func (e Engine) MarkForRefresh(ctx context.Context, id string, actor auth.Actor, notes string) (domain.WorkItem, error) {
	return e.apply(ctx, id, actor, machine.Command{Action: machine.ActionMarkForRefresh, Notes: notes}, nil)
}

func (e Engine) Cancel(ctx context.Context, id string, actor auth.Actor, reason string) (domain.WorkItem, error) {
	return e.apply(ctx, id, actor, machine.Command{Action: machine.ActionCancel, Reason: reason}, nil)
}

func (e Engine) UpdateRiskLevel(ctx context.Context, id string, actor auth.Actor, level domain.RiskLevel, notes string) (domain.WorkItem, error) {
	if err := auth.Require(actor, auth.Admin); err != nil {
		return domain.WorkItem{}, err
	}
	return e.apply(ctx, id, actor, machine.Command{Action: machine.ActionUpdateRiskLevel, RiskLevel: level, Notes: notes}, nil)
}

func (e Engine) AddComment(ctx context.Context, id string, actor auth.Actor, text string) (domain.Comment, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return domain.Comment{}, errs.Validation("comment text is required")
	}
	c := domain.Comment{
		ID:            uuid.NewString(),
		WorkItemID:    id,
		Text:          text,
		CreatedBy:     actor.ID,
		CreatedByName: actor.Name,
		CreatedAt:     e.now(),
	}
	evt, err := e.record(domain.EventCommentAdded, id, actor.ID, events.EventPayload{"commentId": c.ID})
	if err != nil {
		return domain.Comment{}, err
	}
	if err := e.Store.AddComment(ctx, c, []domain.Event{evt}); err != nil {
		return domain.Comment{}, err
	}
	return c, nil
}

// confirmRisk asks the risk service for the current level before a gated
// transition out of InProgress. Confirmation only escalates: a lower answer
// is ignored and lowering stays with UpdateRiskLevel. An escalation is
// returned as a RiskLevelChanged event for the same commit.
func (e Engine) confirmRisk(ctx context.Context, item *domain.WorkItem, actor auth.Actor) ([]domain.Event, error) {
	if e.Risk == nil || item.Status != domain.StatusInProgress {
		return nil, nil
	}
	level, err := e.Risk.CurrentLevel(ctx, item.ApplicationID, item.RiskLevel)
	if err != nil {
		return nil, err
	}
	if level.Rank() <= item.RiskLevel.Rank() {
		if level != item.RiskLevel {
			e.logger().Warn("ignoring lower risk level on confirmation", "work_item", item.HumanNumber,
				"stored", item.RiskLevel, "assessed", level)
		}
		return nil, nil
	}
	from := item.RiskLevel
	item.SetRiskLevel(level)
	e.logger().Info("risk level escalated on confirmation", "work_item", item.HumanNumber, "from", from, "to", level)
	evt, err := e.record(domain.EventRiskLevelChanged, item.ID, actor.ID, events.EventPayload{
		"from":             from,
		"to":               level,
		"requiresApproval": item.RequiresApproval,
		"source":           "risk-service",
	})
	if err != nil {
		return nil, err
	}
	return []domain.Event{evt}, nil
}

func (e Engine) checkChecklist(ctx context.Context, item domain.WorkItem) error {
	if !e.RequireChecklist {
		return nil
	}
	if e.Checklist == nil {
		return errs.New(errs.CodeDependencyUnavailable, "checklist service not configured")
	}
	st, err := e.Checklist.Status(ctx, item.ApplicationID)
	if err != nil {
		if errs.IsCallerFault(err) {
			return err
		}
		return errs.Wrap(errs.CodeDependencyUnavailable, err, "checklist status")
	}
	if !st.Complete {
		return errs.Validation("checklist incomplete: %s", strings.Join(st.Pending, ", "))
	}
	return nil
}

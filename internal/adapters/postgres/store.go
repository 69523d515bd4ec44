package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"workqueue/internal/domain"
	"workqueue/internal/errs"
	"workqueue/internal/ports"
)

var _ ports.Store = (*DB)(nil)
var _ ports.Outbox = (*DB)(nil)

var (
	ErrNotFound = errs.New(errs.CodeNotFound, "not found")
	ErrConflict = errs.New(errs.CodeConcurrencyConflict, "work item was modified concurrently")
)

const workItemColumns = `id::text,application_id,human_number,COALESCE(applicant_name,''),COALESCE(country,''),status,assigned_to,assigned_to_name,
risk_level,priority,requires_approval,due_date,refresh_count,next_refresh_at,last_refresh_at,completed_at,created_at,updated_at,version`

func scanWorkItem(row pgx.Row) (domain.WorkItem, error) {
	var (
		w                      domain.WorkItem
		status, risk, priority string
	)
	err := row.Scan(&w.ID, &w.ApplicationID, &w.HumanNumber, &w.ApplicantName, &w.Country, &status, &w.AssignedTo, &w.AssignedToName,
		&risk, &priority, &w.RequiresApproval, &w.DueDate, &w.RefreshCount, &w.NextRefreshAt, &w.LastRefreshAt, &w.CompletedAt,
		&w.CreatedAt, &w.UpdatedAt, &w.Version)
	w.Status = domain.Status(status)
	w.RiskLevel = domain.RiskLevel(risk)
	w.Priority = domain.Priority(priority)
	for _, t := range []**time.Time{&w.DueDate, &w.NextRefreshAt, &w.LastRefreshAt, &w.CompletedAt} {
		if *t != nil {
			u := (*t).UTC()
			*t = &u
		}
	}
	w.CreatedAt = w.CreatedAt.UTC()
	w.UpdatedAt = w.UpdatedAt.UTC()
	return w, err
}

func emptyNil(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func (db *DB) Get(ctx context.Context, id string) (domain.WorkItem, error) {
	if !validID(id) {
		return domain.WorkItem{}, fmt.Errorf("work item %s: %w", id, ErrNotFound)
	}
	w, err := scanWorkItem(db.Pool.QueryRow(ctx, `SELECT `+workItemColumns+` FROM work_items WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.WorkItem{}, fmt.Errorf("work item %s: %w", id, ErrNotFound)
	}
	return w, err
}

func (db *DB) Create(ctx context.Context, item *domain.WorkItem, evts []domain.Event) (err error) {
	tx, err := db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		} else {
			err = tx.Commit(ctx)
		}
	}()

	var n int64
	if err = tx.QueryRow(ctx, `SELECT nextval('work_item_number_seq')`).Scan(&n); err != nil {
		return fmt.Errorf("next work item number: %w", err)
	}
	item.HumanNumber = fmt.Sprintf("WI-%06d", n)
	if _, err = tx.Exec(ctx, `INSERT INTO work_items(id,application_id,human_number,applicant_name,country,status,assigned_to,assigned_to_name,
risk_level,priority,requires_approval,due_date,refresh_count,next_refresh_at,last_refresh_at,completed_at,created_at,updated_at,version)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
		item.ID, item.ApplicationID, item.HumanNumber, emptyNil(item.ApplicantName), emptyNil(item.Country), string(item.Status),
		item.AssignedTo, item.AssignedToName, string(item.RiskLevel), string(item.Priority), item.RequiresApproval, item.DueDate,
		item.RefreshCount, item.NextRefreshAt, item.LastRefreshAt, item.CompletedAt, item.CreatedAt, item.UpdatedAt, item.Version); err != nil {
		return fmt.Errorf("insert work item: %w", err)
	}
	err = insertEvents(ctx, tx, evts)
	return err
}

func (db *DB) Commit(ctx context.Context, m ports.Mutation) (err error) {
	tx, err := db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		} else {
			err = tx.Commit(ctx)
		}
	}()

	it := m.Item
	if !validID(it.ID) {
		return fmt.Errorf("work item %s: %w", it.ID, ErrNotFound)
	}
	tag, err := tx.Exec(ctx, `UPDATE work_items SET status=$1,assigned_to=$2,assigned_to_name=$3,risk_level=$4,priority=$5,requires_approval=$6,
due_date=$7,refresh_count=$8,next_refresh_at=$9,last_refresh_at=$10,completed_at=$11,updated_at=$12,version=$13
WHERE id=$14 AND version=$15`,
		string(it.Status), it.AssignedTo, it.AssignedToName, string(it.RiskLevel), string(it.Priority), it.RequiresApproval,
		it.DueDate, it.RefreshCount, it.NextRefreshAt, it.LastRefreshAt, it.CompletedAt, it.UpdatedAt, it.Version,
		it.ID, m.ExpectedVersion)
	if err != nil {
		return fmt.Errorf("update work item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var one int
		if qerr := tx.QueryRow(ctx, `SELECT 1 FROM work_items WHERE id=$1`, it.ID).Scan(&one); errors.Is(qerr, pgx.ErrNoRows) {
			err = fmt.Errorf("work item %s: %w", it.ID, ErrNotFound)
			return err
		}
		err = fmt.Errorf("work item %s at version %d: %w", it.ID, m.ExpectedVersion, ErrConflict)
		return err
	}
	if h := m.History; h != nil {
		if _, err = tx.Exec(ctx, `INSERT INTO work_item_history(id,work_item_id,from_status,to_status,action,performed_by,performed_by_name,notes,ts)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
			h.ID, h.WorkItemID, string(h.FromStatus), string(h.ToStatus), h.Action, h.PerformedBy, emptyNil(h.PerformedByName),
			emptyNil(h.Notes), h.Timestamp); err != nil {
			return fmt.Errorf("insert history: %w", err)
		}
	}
	err = insertEvents(ctx, tx, m.Events)
	return err
}

func (db *DB) AddComment(ctx context.Context, c domain.Comment, evts []domain.Event) (err error) {
	tx, err := db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		} else {
			err = tx.Commit(ctx)
		}
	}()

	if !validID(c.WorkItemID) {
		return fmt.Errorf("work item %s: %w", c.WorkItemID, ErrNotFound)
	}
	var one int
	if err = tx.QueryRow(ctx, `SELECT 1 FROM work_items WHERE id=$1`, c.WorkItemID).Scan(&one); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = fmt.Errorf("work item %s: %w", c.WorkItemID, ErrNotFound)
		}
		return err
	}
	if _, err = tx.Exec(ctx, `INSERT INTO work_item_comments(id,work_item_id,text,created_by,created_by_name,created_at) VALUES ($1,$2,$3,$4,$5,$6)`,
		c.ID, c.WorkItemID, c.Text, c.CreatedBy, emptyNil(c.CreatedByName), c.CreatedAt); err != nil {
		return fmt.Errorf("insert comment: %w", err)
	}
	err = insertEvents(ctx, tx, evts)
	return err
}

func (db *DB) History(ctx context.Context, workItemID string) ([]domain.HistoryEntry, error) {
	if !validID(workItemID) {
		return []domain.HistoryEntry{}, nil
	}
	rows, err := db.Pool.Query(ctx, `SELECT id::text,work_item_id::text,from_status,to_status,action,performed_by,COALESCE(performed_by_name,''),COALESCE(notes,''),ts
FROM work_item_history WHERE work_item_id=$1 ORDER BY seq`, workItemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.HistoryEntry{}
	for rows.Next() {
		var (
			h        domain.HistoryEntry
			from, to string
		)
		if err := rows.Scan(&h.ID, &h.WorkItemID, &from, &to, &h.Action, &h.PerformedBy, &h.PerformedByName, &h.Notes, &h.Timestamp); err != nil {
			return nil, err
		}
		h.FromStatus, h.ToStatus = domain.Status(from), domain.Status(to)
		h.Timestamp = h.Timestamp.UTC()
		res = append(res, h)
	}
	return res, rows.Err()
}

func (db *DB) Comments(ctx context.Context, workItemID string) ([]domain.Comment, error) {
	if !validID(workItemID) {
		return []domain.Comment{}, nil
	}
	rows, err := db.Pool.Query(ctx, `SELECT id::text,work_item_id::text,text,created_by,COALESCE(created_by_name,''),created_at
FROM work_item_comments WHERE work_item_id=$1 ORDER BY seq`, workItemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Comment{}
	for rows.Next() {
		var c domain.Comment
		if err := rows.Scan(&c.ID, &c.WorkItemID, &c.Text, &c.CreatedBy, &c.CreatedByName, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.CreatedAt = c.CreatedAt.UTC()
		res = append(res, c)
	}
	return res, rows.Err()
}

type argList []any

func (a *argList) add(v any) string {
	*a = append(*a, v)
	return "$" + strconv.Itoa(len(*a))
}

func (a *argList) in(vals []string) string {
	ph := make([]string, 0, len(vals))
	for _, v := range vals {
		ph = append(ph, a.add(v))
	}
	return strings.Join(ph, ",")
}

func statusStrings(in []domain.Status) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		out = append(out, string(s))
	}
	return out
}

var terminal = statusStrings([]domain.Status{domain.StatusCompleted, domain.StatusDeclined, domain.StatusCancelled})

func (db *DB) List(ctx context.Context, f ports.Filter) ([]domain.WorkItem, int, error) {
	var (
		args    argList
		clauses []string
	)
	if len(f.Statuses) > 0 {
		clauses = append(clauses, "status IN ("+args.in(statusStrings(f.Statuses))+")")
	}
	if len(f.ExcludeStatuses) > 0 {
		clauses = append(clauses, "status NOT IN ("+args.in(statusStrings(f.ExcludeStatuses))+")")
	}
	if f.AssignedTo != "" {
		clauses = append(clauses, "assigned_to="+args.add(f.AssignedTo))
	}
	if len(f.RiskLevels) > 0 {
		levels := make([]string, 0, len(f.RiskLevels))
		for _, l := range f.RiskLevels {
			levels = append(levels, string(l))
		}
		clauses = append(clauses, "risk_level IN ("+args.in(levels)+")")
	}
	if f.Country != "" {
		clauses = append(clauses, "country="+args.add(strings.ToUpper(f.Country)))
	}
	if f.Overdue != nil {
		if *f.Overdue {
			clauses = append(clauses, "(due_date IS NOT NULL AND due_date < "+args.add(f.Now)+" AND status NOT IN ("+args.in(terminal)+"))")
		} else {
			clauses = append(clauses, "(due_date IS NULL OR due_date >= "+args.add(f.Now)+" OR status IN ("+args.in(terminal)+"))")
		}
	}
	if f.RefreshDueBy != nil {
		clauses = append(clauses, "(next_refresh_at IS NOT NULL AND next_refresh_at <= "+args.add(*f.RefreshDueBy)+")")
	}
	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}

	var total int
	if err := db.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM work_items`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	query := `SELECT ` + workItemColumns + ` FROM work_items` + where + ` ORDER BY created_at, human_number`
	if f.Limit > 0 {
		query += " LIMIT " + args.add(f.Limit) + " OFFSET " + args.add(f.Offset)
	}
	rows, err := db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	res := []domain.WorkItem{}
	for rows.Next() {
		w, err := scanWorkItem(rows)
		if err != nil {
			return nil, 0, err
		}
		res = append(res, w)
	}
	return res, total, rows.Err()
}

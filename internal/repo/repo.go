package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"workqueue/internal/domain"
	"workqueue/internal/errs"
	"workqueue/internal/ports"
)

// Repo is the sqlite work item store.
type Repo struct {
	DB *sql.DB
}

var _ ports.Store = Repo{}
var _ ports.Outbox = Repo{}

var (
	ErrNotFound = errs.New(errs.CodeNotFound, "not found")
	ErrConflict = errs.New(errs.CodeConcurrencyConflict, "work item was modified concurrently")
)

// Timestamps are stored fixed-width in UTC so text comparison orders them.
const tsLayout = "2006-01-02T15:04:05.000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(v string) (time.Time, error) {
	t, err := time.Parse(tsLayout, v)
	if err != nil {
		return time.Parse(time.RFC3339Nano, v)
	}
	return t, nil
}

func parseTimePtr(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := parseTime(v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

const workItemColumns = `id,application_id,human_number,COALESCE(applicant_name,''),COALESCE(country,''),status,assigned_to,assigned_to_name,
risk_level,priority,requires_approval,due_date,refresh_count,next_refresh_at,last_refresh_at,completed_at,created_at,updated_at,version`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkItem(row rowScanner) (domain.WorkItem, error) {
	var (
		w                                          domain.WorkItem
		status, risk, priority                     string
		assignedTo, assignedName                   sql.NullString
		due, nextRefresh, lastRefresh, completedAt sql.NullString
		createdAt, updatedAt                       string
		requiresApproval                           int
	)
	err := row.Scan(&w.ID, &w.ApplicationID, &w.HumanNumber, &w.ApplicantName, &w.Country, &status, &assignedTo, &assignedName,
		&risk, &priority, &requiresApproval, &due, &w.RefreshCount, &nextRefresh, &lastRefresh, &completedAt, &createdAt, &updatedAt, &w.Version)
	if err != nil {
		return w, err
	}
	w.Status = domain.Status(status)
	w.RiskLevel = domain.RiskLevel(risk)
	w.Priority = domain.Priority(priority)
	w.RequiresApproval = requiresApproval != 0
	w.AssignedTo = stringPtr(assignedTo)
	w.AssignedToName = stringPtr(assignedName)
	for _, f := range []struct {
		dst **time.Time
		src sql.NullString
	}{{&w.DueDate, due}, {&w.NextRefreshAt, nextRefresh}, {&w.LastRefreshAt, lastRefresh}, {&w.CompletedAt, completedAt}} {
		if *f.dst, err = parseTimePtr(f.src); err != nil {
			return w, err
		}
	}
	if w.CreatedAt, err = parseTime(createdAt); err != nil {
		return w, err
	}
	if w.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return w, err
	}
	return w, nil
}

func (r Repo) Get(ctx context.Context, id string) (domain.WorkItem, error) {
	w, err := scanWorkItem(r.DB.QueryRowContext(ctx, `SELECT `+workItemColumns+` FROM work_items WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.WorkItem{}, fmt.Errorf("work item %s: %w", id, ErrNotFound)
	}
	return w, err
}

func (r Repo) Create(ctx context.Context, item *domain.WorkItem, evts []domain.Event) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var n int64
	if err := tx.QueryRowContext(ctx, `UPDATE counters SET value=value+1 WHERE name='work_item' RETURNING value`).Scan(&n); err != nil {
		return fmt.Errorf("next work item number: %w", err)
	}
	item.HumanNumber = fmt.Sprintf("WI-%06d", n)
	if _, err := tx.ExecContext(ctx, `INSERT INTO work_items(id,application_id,human_number,applicant_name,country,status,assigned_to,assigned_to_name,
risk_level,priority,requires_approval,due_date,refresh_count,next_refresh_at,last_refresh_at,completed_at,created_at,updated_at,version)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		item.ID, item.ApplicationID, item.HumanNumber, nullable(item.ApplicantName), nullable(item.Country), string(item.Status),
		nullableStringPtr(item.AssignedTo), nullableStringPtr(item.AssignedToName), string(item.RiskLevel), string(item.Priority),
		boolInt(item.RequiresApproval), formatTimePtr(item.DueDate), item.RefreshCount, formatTimePtr(item.NextRefreshAt),
		formatTimePtr(item.LastRefreshAt), formatTimePtr(item.CompletedAt), formatTime(item.CreatedAt), formatTime(item.UpdatedAt), item.Version); err != nil {
		return fmt.Errorf("insert work item: %w", err)
	}
	if err := insertEvents(ctx, tx, evts); err != nil {
		return err
	}
	return tx.Commit()
}

// Commit writes an accepted command. Nothing is written when the stored
// version no longer matches.
func (r Repo) Commit(ctx context.Context, m ports.Mutation) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	it := m.Item
	res, err := tx.ExecContext(ctx, `UPDATE work_items SET status=?,assigned_to=?,assigned_to_name=?,risk_level=?,priority=?,requires_approval=?,
due_date=?,refresh_count=?,next_refresh_at=?,last_refresh_at=?,completed_at=?,updated_at=?,version=?
WHERE id=? AND version=?`,
		string(it.Status), nullableStringPtr(it.AssignedTo), nullableStringPtr(it.AssignedToName), string(it.RiskLevel), string(it.Priority),
		boolInt(it.RequiresApproval), formatTimePtr(it.DueDate), it.RefreshCount, formatTimePtr(it.NextRefreshAt),
		formatTimePtr(it.LastRefreshAt), formatTimePtr(it.CompletedAt), formatTime(it.UpdatedAt), it.Version,
		it.ID, m.ExpectedVersion)
	if err != nil {
		return fmt.Errorf("update work item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var one int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM work_items WHERE id=?`, it.ID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("work item %s: %w", it.ID, ErrNotFound)
		}
		return fmt.Errorf("work item %s at version %d: %w", it.ID, m.ExpectedVersion, ErrConflict)
	}
	if h := m.History; h != nil {
		if _, err := tx.ExecContext(ctx, `INSERT INTO work_item_history(id,work_item_id,from_status,to_status,action,performed_by,performed_by_name,notes,ts)
VALUES (?,?,?,?,?,?,?,?,?)`,
			h.ID, h.WorkItemID, string(h.FromStatus), string(h.ToStatus), h.Action, h.PerformedBy, nullable(h.PerformedByName),
			nullable(h.Notes), formatTime(h.Timestamp)); err != nil {
			return fmt.Errorf("insert history: %w", err)
		}
	}
	if err := insertEvents(ctx, tx, m.Events); err != nil {
		return err
	}
	return tx.Commit()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

package repo

import (
	"context"
	"strings"

	"workqueue/internal/domain"
	"workqueue/internal/ports"
)

var terminalStatuses = []domain.Status{domain.StatusCompleted, domain.StatusDeclined, domain.StatusCancelled}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func statusArgs(in []domain.Status) []any {
	out := make([]any, 0, len(in))
	for _, s := range in {
		out = append(out, string(s))
	}
	return out
}

func whereClause(f ports.Filter) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if len(f.Statuses) > 0 {
		clauses = append(clauses, "status IN ("+placeholders(len(f.Statuses))+")")
		args = append(args, statusArgs(f.Statuses)...)
	}
	if len(f.ExcludeStatuses) > 0 {
		clauses = append(clauses, "status NOT IN ("+placeholders(len(f.ExcludeStatuses))+")")
		args = append(args, statusArgs(f.ExcludeStatuses)...)
	}
	if f.AssignedTo != "" {
		clauses = append(clauses, "assigned_to=?")
		args = append(args, f.AssignedTo)
	}
	if len(f.RiskLevels) > 0 {
		clauses = append(clauses, "risk_level IN ("+placeholders(len(f.RiskLevels))+")")
		for _, l := range f.RiskLevels {
			args = append(args, string(l))
		}
	}
	if f.Country != "" {
		clauses = append(clauses, "country=?")
		args = append(args, strings.ToUpper(f.Country))
	}
	if f.Overdue != nil {
		now := formatTime(f.Now)
		if *f.Overdue {
			clauses = append(clauses, "(due_date IS NOT NULL AND due_date < ? AND status NOT IN ("+placeholders(len(terminalStatuses))+"))")
			args = append(args, now)
			args = append(args, statusArgs(terminalStatuses)...)
		} else {
			clauses = append(clauses, "(due_date IS NULL OR due_date >= ? OR status IN ("+placeholders(len(terminalStatuses))+"))")
			args = append(args, now)
			args = append(args, statusArgs(terminalStatuses)...)
		}
	}
	if f.RefreshDueBy != nil {
		clauses = append(clauses, "(next_refresh_at IS NOT NULL AND next_refresh_at <= ?)")
		args = append(args, formatTime(*f.RefreshDueBy))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// List returns one page of matching items and the total match count.
func (r Repo) List(ctx context.Context, f ports.Filter) ([]domain.WorkItem, int, error) {
	where, args := whereClause(f)
	var total int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM work_items`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	query := `SELECT ` + workItemColumns + ` FROM work_items` + where + ` ORDER BY created_at, human_number`
	if f.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, f.Limit, f.Offset)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
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

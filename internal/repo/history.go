package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"workqueue/internal/domain"
)

func (r Repo) AddComment(ctx context.Context, c domain.Comment, evts []domain.Event) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var one int
	if err := tx.QueryRowContext(ctx, `SELECT 1 FROM work_items WHERE id=?`, c.WorkItemID).Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("work item %s: %w", c.WorkItemID, ErrNotFound)
		}
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO work_item_comments(id,work_item_id,text,created_by,created_by_name,created_at) VALUES (?,?,?,?,?,?)`,
		c.ID, c.WorkItemID, c.Text, c.CreatedBy, nullable(c.CreatedByName), formatTime(c.CreatedAt)); err != nil {
		return fmt.Errorf("insert comment: %w", err)
	}
	if err := insertEvents(ctx, tx, evts); err != nil {
		return err
	}
	return tx.Commit()
}

func (r Repo) History(ctx context.Context, workItemID string) ([]domain.HistoryEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,work_item_id,from_status,to_status,action,performed_by,COALESCE(performed_by_name,''),COALESCE(notes,''),ts
FROM work_item_history WHERE work_item_id=? ORDER BY seq`, workItemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.HistoryEntry{}
	for rows.Next() {
		var (
			h        domain.HistoryEntry
			from, to string
			ts       string
		)
		if err := rows.Scan(&h.ID, &h.WorkItemID, &from, &to, &h.Action, &h.PerformedBy, &h.PerformedByName, &h.Notes, &ts); err != nil {
			return nil, err
		}
		h.FromStatus, h.ToStatus = domain.Status(from), domain.Status(to)
		if h.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		res = append(res, h)
	}
	return res, rows.Err()
}

func (r Repo) Comments(ctx context.Context, workItemID string) ([]domain.Comment, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,work_item_id,text,created_by,COALESCE(created_by_name,''),created_at
FROM work_item_comments WHERE work_item_id=? ORDER BY seq`, workItemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Comment{}
	for rows.Next() {
		var (
			c  domain.Comment
			ts string
		)
		if err := rows.Scan(&c.ID, &c.WorkItemID, &c.Text, &c.CreatedBy, &c.CreatedByName, &ts); err != nil {
			return nil, err
		}
		if c.CreatedAt, err = parseTime(ts); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

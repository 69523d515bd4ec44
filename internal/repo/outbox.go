package repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"workqueue/internal/domain"
)

func insertEvents(ctx context.Context, tx *sql.Tx, evts []domain.Event) error {
	for _, e := range evts {
		if _, err := tx.ExecContext(ctx, `INSERT INTO outbox(event_id,work_item_id,type,actor_id,partition_no,payload,occurred_at) VALUES (?,?,?,?,?,?,?)`,
			e.EventID, e.WorkItemID, string(e.Type), e.ActorID, e.Partition, string(e.Payload), formatTime(e.OccurredAt)); err != nil {
			return fmt.Errorf("insert outbox event %s: %w", e.Type, err)
		}
	}
	return nil
}

func (r Repo) PendingEvents(ctx context.Context, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT seq,event_id,work_item_id,type,actor_id,partition_no,payload,occurred_at,attempts,COALESCE(last_error,'')
FROM outbox WHERE published_at IS NULL ORDER BY seq LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var (
			e          domain.Event
			typ        string
			payload    string
			occurredAt string
		)
		if err := rows.Scan(&e.Sequence, &e.EventID, &e.WorkItemID, &typ, &e.ActorID, &e.Partition, &payload, &occurredAt, &e.Attempts, &e.LastError); err != nil {
			return nil, err
		}
		e.Type = domain.EventType(typ)
		e.Payload = []byte(payload)
		if e.OccurredAt, err = parseTime(occurredAt); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) MarkPublished(ctx context.Context, seq int64, at time.Time) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE outbox SET published_at=?, attempts=attempts+1, last_error=NULL WHERE seq=?`, formatTime(at), seq)
	return err
}

func (r Repo) MarkFailed(ctx context.Context, seq int64, reason string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE outbox SET attempts=attempts+1, last_error=? WHERE seq=?`, reason, seq)
	return err
}

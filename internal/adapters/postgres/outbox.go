package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"workqueue/internal/domain"
)

func insertEvents(ctx context.Context, tx pgx.Tx, evts []domain.Event) error {
	for _, e := range evts {
		if _, err := tx.Exec(ctx, `INSERT INTO outbox(event_id,work_item_id,type,actor_id,partition_no,payload,occurred_at) VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			e.EventID, e.WorkItemID, string(e.Type), e.ActorID, e.Partition, string(e.Payload), e.OccurredAt); err != nil {
			return fmt.Errorf("insert outbox event %s: %w", e.Type, err)
		}
	}
	return nil
}

func (db *DB) PendingEvents(ctx context.Context, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Pool.Query(ctx, `SELECT seq,event_id::text,work_item_id::text,type,actor_id,partition_no,payload::text,occurred_at,attempts,COALESCE(last_error,'')
FROM outbox WHERE published_at IS NULL ORDER BY seq LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var (
			e       domain.Event
			typ     string
			payload string
		)
		if err := rows.Scan(&e.Sequence, &e.EventID, &e.WorkItemID, &typ, &e.ActorID, &e.Partition, &payload, &e.OccurredAt, &e.Attempts, &e.LastError); err != nil {
			return nil, err
		}
		e.Type = domain.EventType(typ)
		e.Payload = []byte(payload)
		e.OccurredAt = e.OccurredAt.UTC()
		res = append(res, e)
	}
	return res, rows.Err()
}

func (db *DB) MarkPublished(ctx context.Context, seq int64, at time.Time) error {
	_, err := db.Pool.Exec(ctx, `UPDATE outbox SET published_at=$2, attempts=attempts+1, last_error=NULL WHERE seq=$1`, seq, at)
	return err
}

func (db *DB) MarkFailed(ctx context.Context, seq int64, reason string) error {
	_, err := db.Pool.Exec(ctx, `UPDATE outbox SET attempts=attempts+1, last_error=$2 WHERE seq=$1`, seq, reason)
	return err
}

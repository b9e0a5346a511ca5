package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stemsi/exstem-cbt/internal/model"
)

// MonitorRepository reads attempt progress for the live exam monitor.
type MonitorRepository struct {
	pool *pgxpool.Pool
}

// NewMonitorRepository creates a new MonitorRepository.
func NewMonitorRepository(pool *pgxpool.Pool) *MonitorRepository {
	return &MonitorRepository{pool: pool}
}

// ListInProgress returns the persisted progress of every unfinished attempt
// on the exam. With the Redis store this trails the live state by one
// mirror batch.
func (r *MonitorRepository) ListInProgress(ctx context.Context, examID string) ([]model.AttemptProgress, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT s.user_id,
		        (SELECT COUNT(*) FROM jsonb_object_keys(s.answers)),
		        s.remaining_seconds, s.current_index, s.last_heartbeat_at
		 FROM exam_sessions s
		 WHERE s.exam_id = $1
		   AND NOT EXISTS (SELECT 1 FROM exam_results r WHERE r.user_id = s.user_id AND r.exam_id = s.exam_id)
		 ORDER BY s.user_id`,
		examID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	progress := make([]model.AttemptProgress, 0)
	for rows.Next() {
		var p model.AttemptProgress
		if err := rows.Scan(&p.UserID, &p.Answered, &p.RemainingSeconds, &p.CurrentIndex, &p.LastHeartbeatAt); err != nil {
			return nil, err
		}
		progress = append(progress, p)
	}
	return progress, rows.Err()
}

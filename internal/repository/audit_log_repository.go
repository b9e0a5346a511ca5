package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stemsi/exstem-cbt/internal/model"
)

// AuditLogRepository stores administrative actions.
type AuditLogRepository struct {
	pool *pgxpool.Pool
}

// NewAuditLogRepository creates a new AuditLogRepository.
func NewAuditLogRepository(pool *pgxpool.Pool) *AuditLogRepository {
	return &AuditLogRepository{pool: pool}
}

// Create inserts a log entry.
func (r *AuditLogRepository) Create(ctx context.Context, l *model.AuditLog) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO audit_logs (id, action, actor, created_at) VALUES ($1, $2, $3, $4)`,
		l.ID, l.Action, l.User, l.Time)
	return err
}

// ListLatest returns up to limit entries, newest first.
func (r *AuditLogRepository) ListLatest(ctx context.Context, limit int) ([]model.AuditLog, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, action, actor, created_at FROM audit_logs
		 ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]model.AuditLog, 0)
	for rows.Next() {
		var l model.AuditLog
		if err := rows.Scan(&l.ID, &l.Action, &l.User, &l.Time); err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

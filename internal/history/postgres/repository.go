package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/duckmesh/sqlagent/internal/history"
)

const maxRecentLimit = 100

type Repository struct {
	db  *sql.DB
	now func() time.Time
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (r *Repository) HealthCheck(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping question log: %w", err)
	}
	return nil
}

func (r *Repository) Record(ctx context.Context, entry history.Entry) error {
	if strings.TrimSpace(entry.Question) == "" {
		return fmt.Errorf("question is required")
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = r.now()
	}

	_, err := r.db.ExecContext(ctx, `
INSERT INTO question_log (id, session_id, question, answer, error, generated_sql, steps, model, duration_ms, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		entry.ID,
		entry.SessionID,
		entry.Question,
		entry.Answer,
		entry.Error,
		entry.SQL,
		entry.Steps,
		entry.Model,
		entry.DurationMS,
		entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert question log entry: %w", err)
	}
	return nil
}

// Recent lists the newest entries first. An empty sessionID lists entries of
// every session.
func (r *Repository) Recent(ctx context.Context, sessionID string, limit int) ([]history.Entry, error) {
	if limit <= 0 || limit > maxRecentLimit {
		limit = maxRecentLimit
	}

	var (
		rows *sql.Rows
		err  error
	)
	if sessionID == "" {
		rows, err = r.db.QueryContext(ctx, `
SELECT id, session_id, question, answer, error, generated_sql, steps, model, duration_ms, created_at
FROM question_log
ORDER BY created_at DESC
LIMIT $1`, limit)
	} else {
		rows, err = r.db.QueryContext(ctx, `
SELECT id, session_id, question, answer, error, generated_sql, steps, model, duration_ms, created_at
FROM question_log
WHERE session_id = $1
ORDER BY created_at DESC
LIMIT $2`, sessionID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("query question log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	entries := make([]history.Entry, 0)
	for rows.Next() {
		var entry history.Entry
		if err := rows.Scan(
			&entry.ID,
			&entry.SessionID,
			&entry.Question,
			&entry.Answer,
			&entry.Error,
			&entry.SQL,
			&entry.Steps,
			&entry.Model,
			&entry.DurationMS,
			&entry.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan question log entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate question log: %w", err)
	}
	return entries, nil
}

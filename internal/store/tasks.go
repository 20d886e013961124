package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mkrh/fleetd/internal/queue"
)

// ArchivedTask is a row from the task archive.
type ArchivedTask struct {
	ID          string         `json:"id"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Priority    string         `json:"priority"`
	Status      string         `json:"status"`
	RetryCount  int            `json:"retry_count"`
	QueuedAt    time.Time      `json:"queued_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Result      map[string]any `json:"result,omitempty"`
	ArchivedAt  time.Time      `json:"archived_at"`
}

// ArchiveTask persists a terminal task before the queue forgets it.
// Implements queue.Archive.
func (s *Store) ArchiveTask(ctx context.Context, qt *queue.QueuedTask) error {
	var result []byte
	if r, ok := qt.Metadata["result"]; ok {
		b, err := json.Marshal(r)
		if err == nil {
			result = b
		}
	}

	_, err := s.db.Exec(ctx, `
		INSERT INTO task_archive
			(id, title, description, priority, status, retry_count,
			 queued_at, started_at, completed_at, result, archived_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
		ON CONFLICT (id) DO NOTHING`,
		qt.Task.ID, qt.Task.Title, qt.Task.Description,
		qt.Priority.String(), string(qt.Status), qt.RetryCount,
		qt.QueuedAt, qt.StartedAt, qt.CompletedAt, result,
	)
	if err != nil {
		return fmt.Errorf("archive task %s: %w", qt.Task.ID, err)
	}
	return nil
}

// ListArchived returns the most recently archived tasks, newest first.
func (s *Store) ListArchived(ctx context.Context, limit int) ([]*ArchivedTask, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, title, description, priority, status, retry_count,
		       queued_at, started_at, completed_at, COALESCE(result, 'null'), archived_at
		FROM task_archive
		ORDER BY archived_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list archived tasks: %w", err)
	}
	defer rows.Close()

	var out []*ArchivedTask
	for rows.Next() {
		var (
			at  ArchivedTask
			raw []byte
		)
		if err := rows.Scan(
			&at.ID, &at.Title, &at.Description, &at.Priority, &at.Status,
			&at.RetryCount, &at.QueuedAt, &at.StartedAt, &at.CompletedAt,
			&raw, &at.ArchivedAt,
		); err != nil {
			return nil, fmt.Errorf("scan archived task: %w", err)
		}
		_ = json.Unmarshal(raw, &at.Result)
		out = append(out, &at)
	}
	return out, rows.Err()
}

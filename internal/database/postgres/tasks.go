package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/kozaktomas/objectcamp/internal/database"
)

const taskColumns = `id, target_spec_id, status, asset_ids, total_count, processed_count,
	success_count, failure_count, failed_asset_ids, error_message, created_at, started_at, completed_at`

// CreateTask stores a new task.
func (s *Store) CreateTask(ctx context.Context, task *database.ProcessingTask) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO processing_tasks (`+taskColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`,
		task.ID,
		task.TargetSpecID,
		string(task.Status),
		pq.Array(nonNil(task.AssetIDs)),
		task.TotalCount,
		task.ProcessedCount,
		task.SuccessCount,
		task.FailureCount,
		pq.Array(nonNil(task.FailedAssetIDs)),
		task.ErrorMessage,
		task.CreatedAt,
		nullTime(task.StartedAt),
		nullTime(task.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("create task %s: %w", task.ID, err)
	}
	return nil
}

// UpdateTask overwrites the progress and status of a task.
func (s *Store) UpdateTask(ctx context.Context, task *database.ProcessingTask) error {
	res, err := s.pool.Exec(ctx, `
		UPDATE processing_tasks SET
			status = $2, processed_count = $3, success_count = $4, failure_count = $5,
			failed_asset_ids = $6, error_message = $7, started_at = $8, completed_at = $9
		WHERE id = $1
	`,
		task.ID,
		string(task.Status),
		task.ProcessedCount,
		task.SuccessCount,
		task.FailureCount,
		pq.Array(nonNil(task.FailedAssetIDs)),
		task.ErrorMessage,
		nullTime(task.StartedAt),
		nullTime(task.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("update task %s: %w", task.ID, err)
	}
	return expectOne(res, "task", task.ID)
}

// GetTask retrieves a task by ID, returns nil if not found.
func (s *Store) GetTask(ctx context.Context, id string) (*database.ProcessingTask, error) {
	task, err := scanTask(s.pool.QueryRow(ctx, "SELECT "+taskColumns+" FROM processing_tasks WHERE id = $1", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return task, nil
}

// ListTasks returns the tasks of a spec, newest first.
func (s *Store) ListTasks(ctx context.Context, specID string) ([]database.ProcessingTask, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT "+taskColumns+" FROM processing_tasks WHERE target_spec_id = $1 ORDER BY created_at DESC, id", specID)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []database.ProcessingTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return tasks, nil
}

func scanTask(scanner interface{ Scan(...any) error }) (*database.ProcessingTask, error) {
	var task database.ProcessingTask
	var status string
	var assets, failed pq.StringArray
	var started, completed sql.NullTime

	err := scanner.Scan(
		&task.ID,
		&task.TargetSpecID,
		&status,
		&assets,
		&task.TotalCount,
		&task.ProcessedCount,
		&task.SuccessCount,
		&task.FailureCount,
		&failed,
		&task.ErrorMessage,
		&task.CreatedAt,
		&started,
		&completed,
	)
	if err != nil {
		return nil, err
	}

	task.Status = database.TaskStatus(status)
	task.AssetIDs = []string(assets)
	if len(failed) > 0 {
		task.FailedAssetIDs = []string(failed)
	}
	task.StartedAt = timePtr(started)
	task.CompletedAt = timePtr(completed)
	return &task, nil
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func expectOne(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected for %s %s: %w", kind, id, err)
	}
	if n != 1 {
		return fmt.Errorf("%s %s not found", kind, id)
	}
	return nil
}

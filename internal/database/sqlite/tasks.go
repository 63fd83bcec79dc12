package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/kozaktomas/objectcamp/internal/database"
)

const taskColumns = `id, target_spec_id, status, asset_ids, total_count, processed_count,
	success_count, failure_count, failed_asset_ids, error_message, created_at, started_at, completed_at`

// CreateTask stores a new task.
func (s *Store) CreateTask(ctx context.Context, task *database.ProcessingTask) error {
	assets, err := encodeStrings(task.AssetIDs)
	if err != nil {
		return err
	}
	failed, err := encodeStrings(task.FailedAssetIDs)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO processing_tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		task.ID, task.TargetSpecID, string(task.Status), assets,
		task.TotalCount, task.ProcessedCount, task.SuccessCount, task.FailureCount,
		failed, task.ErrorMessage, toUnix(task.CreatedAt), nullUnix(task.StartedAt), nullUnix(task.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("create task %s: %w", task.ID, err)
	}
	return nil
}

// UpdateTask overwrites the progress and status of a task.
func (s *Store) UpdateTask(ctx context.Context, task *database.ProcessingTask) error {
	failed, err := encodeStrings(task.FailedAssetIDs)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE processing_tasks SET
			status = ?, processed_count = ?, success_count = ?, failure_count = ?,
			failed_asset_ids = ?, error_message = ?, started_at = ?, completed_at = ?
		WHERE id = ?
	`,
		string(task.Status), task.ProcessedCount, task.SuccessCount, task.FailureCount,
		failed, task.ErrorMessage, nullUnix(task.StartedAt), nullUnix(task.CompletedAt), task.ID,
	)
	if err != nil {
		return fmt.Errorf("update task %s: %w", task.ID, err)
	}
	return expectOne(res, "task", task.ID)
}

// GetTask retrieves a task by ID, returns nil if not found.
func (s *Store) GetTask(ctx context.Context, id string) (*database.ProcessingTask, error) {
	task, err := scanTask(s.db.QueryRowContext(ctx, "SELECT "+taskColumns+" FROM processing_tasks WHERE id = ?", id))
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
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+taskColumns+" FROM processing_tasks WHERE target_spec_id = ? ORDER BY created_at DESC, id", specID)
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
	var status, assets, failed string
	var created int64
	var started, completed sql.NullInt64

	err := scanner.Scan(
		&task.ID, &task.TargetSpecID, &status, &assets,
		&task.TotalCount, &task.ProcessedCount, &task.SuccessCount, &task.FailureCount,
		&failed, &task.ErrorMessage, &created, &started, &completed,
	)
	if err != nil {
		return nil, err
	}

	task.Status = database.TaskStatus(status)
	if task.AssetIDs, err = decodeStrings(assets); err != nil {
		return nil, err
	}
	if task.FailedAssetIDs, err = decodeStrings(failed); err != nil {
		return nil, err
	}
	if len(task.FailedAssetIDs) == 0 {
		task.FailedAssetIDs = nil
	}
	task.CreatedAt = fromUnix(created)
	task.StartedAt = timePtr(started)
	task.CompletedAt = timePtr(completed)
	return &task, nil
}

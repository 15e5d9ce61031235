package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/noetl/noetl/pkg/storage"
	"github.com/noetl/noetl/pkg/types"
)

func (s *Store) CreateExecution(ctx context.Context, ex *types.Execution) error {
	workload, err := jsonb(ex.Workload)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO noetl.execution
			(execution_id, parent_execution_id, resource_path, resource_version,
			 workload, status, error, cancel_requested, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		ex.ID, ex.ParentExecutionID, ex.ResourcePath, ex.ResourceVersion,
		workload, ex.Status, ex.Error, ex.CancelRequested, ex.StartedAt, nullTime(ex.FinishedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("execution %d: %w", ex.ID, storage.ErrDuplicate)
		}
		return err
	}
	return nil
}

func (s *Store) GetExecution(ctx context.Context, id int64) (*types.Execution, error) {
	var ex types.Execution
	var workload []byte
	var finishedAt *time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT execution_id, parent_execution_id, resource_path, resource_version,
		       workload, status, error, cancel_requested, started_at, finished_at
		FROM noetl.execution WHERE execution_id = $1`,
		id).Scan(
		&ex.ID, &ex.ParentExecutionID, &ex.ResourcePath, &ex.ResourceVersion,
		&workload, &ex.Status, &ex.Error, &ex.CancelRequested, &ex.StartedAt, &finishedAt,
	)
	if noRows(err) {
		return nil, fmt.Errorf("execution %d: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if err := unjsonb(workload, &ex.Workload); err != nil {
		return nil, err
	}
	ex.FinishedAt = fromNullTime(finishedAt)
	return &ex, nil
}

// TransitionExecution moves an execution from one status to another.
// The status guard in the WHERE clause makes concurrent brokers race
// safely: exactly one caller sees the row transition and returns true.
func (s *Store) TransitionExecution(ctx context.Context, id int64, from, to types.ExecutionStatus, errMsg string, finishedAt time.Time) (bool, error) {
	cmd, err := s.pool.Exec(ctx, `
		UPDATE noetl.execution SET
			status = $3,
			error = CASE WHEN $4 <> '' THEN $4 ELSE error END,
			finished_at = COALESCE($5, finished_at)
		WHERE execution_id = $1 AND status = $2`,
		id, from, to, errMsg, nullTime(finishedAt))
	if err != nil {
		return false, err
	}
	if cmd.RowsAffected() == 1 {
		return true, nil
	}
	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM noetl.execution WHERE execution_id = $1)`,
		id).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, fmt.Errorf("execution %d: %w", id, storage.ErrNotFound)
	}
	return false, nil
}

func (s *Store) RequestCancel(ctx context.Context, id int64) (bool, error) {
	cmd, err := s.pool.Exec(ctx, `
		UPDATE noetl.execution SET cancel_requested = TRUE
		WHERE execution_id = $1 AND status NOT IN ($2, $3, $4)`,
		id, types.ExecutionCompleted, types.ExecutionFailed, types.ExecutionCancelled)
	if err != nil {
		return false, err
	}
	if cmd.RowsAffected() == 1 {
		return true, nil
	}
	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM noetl.execution WHERE execution_id = $1)`,
		id).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, fmt.Errorf("execution %d: %w", id, storage.ErrNotFound)
	}
	return false, nil
}

package postgres

import (
	"context"
	"fmt"

	"github.com/noetl/noetl/pkg/storage"
	"github.com/noetl/noetl/pkg/types"
)

func (s *Store) PutLoopState(ctx context.Context, ls *types.LoopState) error {
	if ls.Version == 0 {
		ls.Version = 1
	}
	items, err := jsonb(ls.Items)
	if err != nil {
		return err
	}
	if items == nil {
		items = []byte("[]")
	}
	results, err := jsonb(ls.Results)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO noetl.loop_state
			(execution_id, step_name, step_event_id, mode, concurrency, element,
			 items, dispatched, completed, failed, results, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		ls.ExecutionID, ls.StepName, ls.StepEventID, ls.Mode, ls.Concurrency, ls.Element,
		items, ls.Dispatched, ls.Completed, ls.Failed, results, ls.Version, ls.CreatedAt, ls.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("loop state %d/%s/%d: %w", ls.ExecutionID, ls.StepName, ls.StepEventID, storage.ErrDuplicate)
		}
		return err
	}
	return nil
}

func (s *Store) GetLoopState(ctx context.Context, executionID int64, stepName string, stepEventID int64) (*types.LoopState, error) {
	var ls types.LoopState
	var items, results []byte
	err := s.pool.QueryRow(ctx, `
		SELECT execution_id, step_name, step_event_id, mode, concurrency, element,
		       items, dispatched, completed, failed, results, version, created_at, updated_at
		FROM noetl.loop_state
		WHERE execution_id = $1 AND step_name = $2 AND step_event_id = $3`,
		executionID, stepName, stepEventID).Scan(
		&ls.ExecutionID, &ls.StepName, &ls.StepEventID, &ls.Mode, &ls.Concurrency, &ls.Element,
		&items, &ls.Dispatched, &ls.Completed, &ls.Failed, &results, &ls.Version, &ls.CreatedAt, &ls.UpdatedAt,
	)
	if noRows(err) {
		return nil, fmt.Errorf("loop state %d/%s/%d: %w", executionID, stepName, stepEventID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if err := unjsonb(items, &ls.Items); err != nil {
		return nil, err
	}
	if err := unjsonb(results, &ls.Results); err != nil {
		return nil, err
	}
	return &ls, nil
}

// UpdateLoopState writes the state back, guarded by the version the
// caller read. Concurrent brokers advancing the same loop serialize
// here: the loser reloads and retries.
func (s *Store) UpdateLoopState(ctx context.Context, ls *types.LoopState) error {
	items, err := jsonb(ls.Items)
	if err != nil {
		return err
	}
	if items == nil {
		items = []byte("[]")
	}
	results, err := jsonb(ls.Results)
	if err != nil {
		return err
	}
	cmd, err := s.pool.Exec(ctx, `
		UPDATE noetl.loop_state SET
			mode = $4, concurrency = $5, element = $6, items = $7,
			dispatched = $8, completed = $9, failed = $10, results = $11,
			version = version + 1, updated_at = $12
		WHERE execution_id = $1 AND step_name = $2 AND step_event_id = $3 AND version = $13`,
		ls.ExecutionID, ls.StepName, ls.StepEventID, ls.Mode, ls.Concurrency, ls.Element,
		items, ls.Dispatched, ls.Completed, ls.Failed, results, ls.UpdatedAt, ls.Version,
	)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx, `
			SELECT EXISTS (SELECT 1 FROM noetl.loop_state
			 WHERE execution_id = $1 AND step_name = $2 AND step_event_id = $3)`,
			ls.ExecutionID, ls.StepName, ls.StepEventID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("loop state %d/%s/%d: %w", ls.ExecutionID, ls.StepName, ls.StepEventID, storage.ErrNotFound)
		}
		return fmt.Errorf("loop state %d/%s/%d stale at version %d: %w",
			ls.ExecutionID, ls.StepName, ls.StepEventID, ls.Version, storage.ErrVersionConflict)
	}
	ls.Version++
	return nil
}

func (s *Store) DeleteLoopState(ctx context.Context, executionID int64, stepName string, stepEventID int64) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM noetl.loop_state
		WHERE execution_id = $1 AND step_name = $2 AND step_event_id = $3`,
		executionID, stepName, stepEventID)
	return err
}

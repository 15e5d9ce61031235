package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/noetl/noetl/pkg/storage"
	"github.com/noetl/noetl/pkg/types"
)

const queueColumns = `queue_id, execution_id, catalog_id, status, action, attempts, max_attempts, priority, available_at, lease_expires_at, worker_id, last_error, result, created_at, updated_at`

func scanJob(row interface{ Scan(...any) error }) (*types.Job, error) {
	var job types.Job
	var action, result []byte
	var leaseExpires *time.Time
	err := row.Scan(
		&job.ID, &job.ExecutionID, &job.CatalogID, &job.Status, &action,
		&job.Attempts, &job.MaxAttempts, &job.Priority, &job.AvailableAt,
		&leaseExpires, &job.WorkerID, &job.LastError, &result,
		&job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := unjsonb(action, &job.Action); err != nil {
		return nil, err
	}
	if err := unjsonb(result, &job.Result); err != nil {
		return nil, err
	}
	job.LeaseExpiresAt = fromNullTime(leaseExpires)
	return &job, nil
}

func (s *Store) EnqueueJob(ctx context.Context, job *types.Job) error {
	action, err := json.Marshal(job.Action)
	if err != nil {
		return fmt.Errorf("failed to marshal action: %w", err)
	}
	result, err := jsonb(job.Result)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO noetl.queue (`+queueColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		job.ID, job.ExecutionID, job.CatalogID, job.Status, action,
		job.Attempts, job.MaxAttempts, job.Priority, job.AvailableAt,
		nullTime(job.LeaseExpiresAt), job.WorkerID, job.LastError, result,
		job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("job %d: %w", job.ID, storage.ErrDuplicate)
		}
		return err
	}
	return nil
}

func (s *Store) GetJob(ctx context.Context, queueID int64) (*types.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `
		SELECT `+queueColumns+` FROM noetl.queue WHERE queue_id = $1`, queueID))
	if noRows(err) {
		return nil, fmt.Errorf("job %d: %w", queueID, storage.ErrNotFound)
	}
	return job, err
}

func (s *Store) ListJobs(ctx context.Context, executionID int64) ([]*types.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+queueColumns+` FROM noetl.queue
		WHERE execution_id = $1 ORDER BY queue_id`,
		executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*types.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *Store) CountLiveJobs(ctx context.Context, executionID int64) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM noetl.queue
		WHERE execution_id = $1 AND status IN ($2, $3, $4)`,
		executionID, types.JobQueued, types.JobLeased, types.JobRetry).Scan(&count)
	return count, err
}

func (s *Store) CountJobsByStatus(ctx context.Context) (map[types.JobStatus]int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT status, count(*) FROM noetl.queue GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[types.JobStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[types.JobStatus(status)] = count
	}
	return counts, rows.Err()
}

// LeaseJobs atomically picks the best available jobs and leases them
// to a worker. SKIP LOCKED lets concurrent workers drain the queue
// without blocking on each other's candidate rows; each row is leased
// at most once. Leasing counts as an attempt.
func (s *Store) LeaseJobs(ctx context.Context, workerID string, capacity int, leaseFor time.Duration, now time.Time) ([]*types.Job, error) {
	if capacity <= 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		WITH picked AS (
			SELECT queue_id FROM noetl.queue
			WHERE status IN ($5, $6) AND available_at <= $3
			ORDER BY priority DESC, queue_id ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE noetl.queue q SET
			status = $7,
			worker_id = $1,
			lease_expires_at = $4,
			attempts = attempts + 1,
			updated_at = $3
		FROM picked
		WHERE q.queue_id = picked.queue_id
		RETURNING `+qualify(queueColumns, "q."),
		workerID, capacity, now, now.Add(leaseFor),
		types.JobQueued, types.JobRetry, types.JobLeased)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*types.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// UPDATE .. RETURNING does not preserve the CTE's ordering.
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].Priority != jobs[j].Priority {
			return jobs[i].Priority > jobs[j].Priority
		}
		return jobs[i].ID < jobs[j].ID
	})
	return jobs, nil
}

func (s *Store) RenewLease(ctx context.Context, queueID int64, workerID string, leaseFor time.Duration, now time.Time) error {
	cmd, err := s.pool.Exec(ctx, `
		UPDATE noetl.queue SET lease_expires_at = $3, updated_at = $4
		WHERE queue_id = $1 AND worker_id = $2 AND status = $5`,
		queueID, workerID, now.Add(leaseFor), now, types.JobLeased)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return s.notFoundOrLost(ctx, queueID)
	}
	return nil
}

func (s *Store) CompleteJob(ctx context.Context, queueID int64, workerID string, result map[string]any, now time.Time) error {
	res, err := jsonb(result)
	if err != nil {
		return err
	}
	cmd, err := s.pool.Exec(ctx, `
		UPDATE noetl.queue SET
			status = $4, result = $3, last_error = '', worker_id = '',
			lease_expires_at = NULL, updated_at = $5
		WHERE queue_id = $1 AND worker_id = $2 AND status = $6`,
		queueID, workerID, res, types.JobDone, now, types.JobLeased)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return s.notFoundOrLost(ctx, queueID)
	}
	return nil
}

func (s *Store) MarkJobRetry(ctx context.Context, queueID int64, workerID string, errMsg string, availableAt time.Time, now time.Time) error {
	cmd, err := s.pool.Exec(ctx, `
		UPDATE noetl.queue SET
			status = $5, last_error = $3, available_at = $4, worker_id = '',
			lease_expires_at = NULL, updated_at = $6
		WHERE queue_id = $1 AND worker_id = $2 AND status = $7`,
		queueID, workerID, errMsg, availableAt, types.JobRetry, now, types.JobLeased)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return s.notFoundOrLost(ctx, queueID)
	}
	return nil
}

func (s *Store) MarkJobDead(ctx context.Context, queueID int64, workerID string, errMsg string, now time.Time) error {
	cmd, err := s.pool.Exec(ctx, `
		UPDATE noetl.queue SET
			status = $4, last_error = $3, worker_id = '',
			lease_expires_at = NULL, updated_at = $5
		WHERE queue_id = $1 AND worker_id = $2 AND status = $6`,
		queueID, workerID, errMsg, types.JobDead, now, types.JobLeased)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return s.notFoundOrLost(ctx, queueID)
	}
	return nil
}

// SweepExpiredLeases returns expired leased jobs to the queue. The
// attempt from the abandoned lease stays counted.
func (s *Store) SweepExpiredLeases(ctx context.Context, now time.Time) ([]*types.Job, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE noetl.queue SET
			status = $2, worker_id = '', lease_expires_at = NULL, updated_at = $1
		WHERE status = $3 AND lease_expires_at < $1
		RETURNING `+queueColumns,
		now, types.JobQueued, types.JobLeased)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*types.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *Store) KillExecutionJobs(ctx context.Context, executionID int64, reason string, now time.Time) (int, error) {
	cmd, err := s.pool.Exec(ctx, `
		UPDATE noetl.queue SET status = $4, last_error = $2, updated_at = $3
		WHERE execution_id = $1 AND status IN ($5, $6)`,
		executionID, reason, now, types.JobDead, types.JobQueued, types.JobRetry)
	if err != nil {
		return 0, err
	}
	return int(cmd.RowsAffected()), nil
}

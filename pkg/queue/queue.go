// Package queue layers scheduling policy over the storage queue rows:
// id allocation, lease duration, attempt budgets, and the exponential
// backoff schedule between retries. Event emission stays with the
// callers; this package only decides what the rows do.
package queue

import (
	"context"
	"math"
	"time"

	"github.com/noetl/noetl/pkg/identity"
	"github.com/noetl/noetl/pkg/storage"
	"github.com/noetl/noetl/pkg/types"
)

// DefaultLeaseDuration is how long a lease holds without renewal
const DefaultLeaseDuration = 60 * time.Second

// defaultBackoffMultiplier applies when the policy leaves it unset
const defaultBackoffMultiplier = 2.0

// Service owns queue row lifecycle decisions
type Service struct {
	store    storage.Store
	ids      *identity.Generator
	leaseFor time.Duration
}

// NewService creates a queue service. leaseFor <= 0 selects the default.
func NewService(store storage.Store, ids *identity.Generator, leaseFor time.Duration) *Service {
	if leaseFor <= 0 {
		leaseFor = DefaultLeaseDuration
	}
	return &Service{store: store, ids: ids, leaseFor: leaseFor}
}

// LeaseDuration reports the configured lease length
func (s *Service) LeaseDuration() time.Duration {
	return s.leaseFor
}

// Enqueue normalizes and persists a new job. A zero ID is allocated;
// a zero MaxAttempts means one attempt and no retries.
func (s *Service) Enqueue(ctx context.Context, job *types.Job) error {
	now := time.Now().UTC()
	if job.ID == 0 {
		job.ID = s.ids.Next()
	}
	job.Status = types.JobQueued
	if job.MaxAttempts <= 0 {
		if job.Action.Retry != nil && job.Action.Retry.MaxAttempts > 0 {
			job.MaxAttempts = job.Action.Retry.MaxAttempts
		} else {
			job.MaxAttempts = 1
		}
	}
	if job.AvailableAt.IsZero() {
		job.AvailableAt = now
	}
	job.CreatedAt = now
	job.UpdatedAt = now
	return s.store.EnqueueJob(ctx, job)
}

// Lease grabs up to capacity available jobs for a worker
func (s *Service) Lease(ctx context.Context, workerID string, capacity int) ([]*types.Job, error) {
	return s.store.LeaseJobs(ctx, workerID, capacity, s.leaseFor, time.Now().UTC())
}

// Renew extends the caller's lease on a job
func (s *Service) Renew(ctx context.Context, queueID int64, workerID string) error {
	return s.store.RenewLease(ctx, queueID, workerID, s.leaseFor, time.Now().UTC())
}

// Complete marks a leased job done with its result
func (s *Service) Complete(ctx context.Context, queueID int64, workerID string, result map[string]any) error {
	return s.store.CompleteJob(ctx, queueID, workerID, result, time.Now().UTC())
}

// Fail records a failed attempt. Retryable failures with budget left
// go back to the queue after the backoff delay; everything else is
// dead. Returns the resulting status and, for retries, the delay.
func (s *Service) Fail(ctx context.Context, job *types.Job, workerID, errMsg string, retryable bool) (types.JobStatus, time.Duration, error) {
	now := time.Now().UTC()
	if retryable && job.Attempts < job.MaxAttempts {
		delay := Backoff(job.Action.Retry, job.Attempts)
		if err := s.store.MarkJobRetry(ctx, job.ID, workerID, errMsg, now.Add(delay), now); err != nil {
			return "", 0, err
		}
		return types.JobRetry, delay, nil
	}
	if err := s.store.MarkJobDead(ctx, job.ID, workerID, errMsg, now); err != nil {
		return "", 0, err
	}
	return types.JobDead, 0, nil
}

// Kill moves an execution's queued and retry jobs to dead
func (s *Service) Kill(ctx context.Context, executionID int64, reason string) (int, error) {
	return s.store.KillExecutionJobs(ctx, executionID, reason, time.Now().UTC())
}

// Sweep reclaims jobs whose leases expired, returning them to queued
func (s *Service) Sweep(ctx context.Context) ([]*types.Job, error) {
	return s.store.SweepExpiredLeases(ctx, time.Now().UTC())
}

// Backoff computes the delay before re-leasing after a failed attempt:
// min(max_delay, initial_delay * multiplier^(attempt-1)), in seconds.
// A zero initial delay disables backoff; a zero max delay means no cap.
func Backoff(policy *types.RetryPolicy, attempt int) time.Duration {
	if policy == nil || policy.InitialDelay <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	multiplier := policy.BackoffMultiplier
	if multiplier <= 0 {
		multiplier = defaultBackoffMultiplier
	}
	delay := policy.InitialDelay * math.Pow(multiplier, float64(attempt-1))
	if policy.MaxDelay > 0 && delay > policy.MaxDelay {
		delay = policy.MaxDelay
	}
	return time.Duration(delay * float64(time.Second))
}

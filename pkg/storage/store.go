package storage

import (
	"context"
	"errors"
	"time"

	"github.com/noetl/noetl/pkg/types"
)

var (
	// ErrNotFound marks a missing row
	ErrNotFound = errors.New("not found")

	// ErrDuplicate marks an insert that collides with an existing key
	ErrDuplicate = errors.New("already exists")

	// ErrLeaseLost marks a queue mutation by a worker that no longer
	// holds the lease
	ErrLeaseLost = errors.New("lease lost")

	// ErrVersionConflict marks a compare-and-swap miss on loop state
	ErrVersionConflict = errors.New("version conflict")
)

// Store defines the persistence interface for the execution core.
// Implemented by the Postgres backend (distributed mode) and the
// BoltDB backend (local mode and tests).
type Store interface {
	// Catalog
	PutCatalogEntry(ctx context.Context, entry *types.CatalogEntry) error
	GetCatalogEntry(ctx context.Context, path, version string) (*types.CatalogEntry, error)
	GetCatalogEntryByID(ctx context.Context, id int64) (*types.CatalogEntry, error)
	GetCatalogLatest(ctx context.Context, path string) (*types.CatalogEntry, error)
	FindCatalogFingerprint(ctx context.Context, path, fingerprint string) (*types.CatalogEntry, error)
	ListCatalog(ctx context.Context, resourceType types.ResourceType) ([]*types.CatalogEntry, error)

	// Executions
	CreateExecution(ctx context.Context, ex *types.Execution) error
	GetExecution(ctx context.Context, id int64) (*types.Execution, error)
	// TransitionExecution flips status only when the row still holds
	// `from`; reports whether this caller won the transition.
	TransitionExecution(ctx context.Context, id int64, from, to types.ExecutionStatus, errMsg string, finishedAt time.Time) (bool, error)
	// RequestCancel flags a non-terminal execution for cancellation.
	RequestCancel(ctx context.Context, id int64) (bool, error)

	// Events
	AppendEvent(ctx context.Context, ev *types.Event) error
	// ListEvents returns events of one execution with ID > afterID,
	// ordered by ID, up to limit (0 means no limit).
	ListEvents(ctx context.Context, executionID, afterID int64, limit int) ([]*types.Event, error)
	// ListUnclaimedEvents returns events across executions that no
	// broker has claimed yet, ordered by ID.
	ListUnclaimedEvents(ctx context.Context, limit int) ([]*types.Event, error)
	// ClaimEvent records (eventID, claimant); first inserter wins.
	ClaimEvent(ctx context.Context, eventID int64, claimant string) (bool, error)
	CountUnclaimedEvents(ctx context.Context, executionID int64) (int, error)

	// Queue
	EnqueueJob(ctx context.Context, job *types.Job) error
	GetJob(ctx context.Context, queueID int64) (*types.Job, error)
	ListJobs(ctx context.Context, executionID int64) ([]*types.Job, error)
	CountLiveJobs(ctx context.Context, executionID int64) (int, error)
	// CountJobsByStatus reports queue depth per status across all
	// executions; metrics poll it.
	CountJobsByStatus(ctx context.Context) (map[types.JobStatus]int, error)
	// LeaseJobs atomically claims up to capacity eligible jobs for
	// workerID, incrementing attempts. Row selection skips rows
	// locked by concurrent lessees.
	LeaseJobs(ctx context.Context, workerID string, capacity int, leaseFor time.Duration, now time.Time) ([]*types.Job, error)
	RenewLease(ctx context.Context, queueID int64, workerID string, leaseFor time.Duration, now time.Time) error
	CompleteJob(ctx context.Context, queueID int64, workerID string, result map[string]any, now time.Time) error
	MarkJobRetry(ctx context.Context, queueID int64, workerID string, errMsg string, availableAt time.Time, now time.Time) error
	MarkJobDead(ctx context.Context, queueID int64, workerID string, errMsg string, now time.Time) error
	// SweepExpiredLeases reverts expired leases to queued and returns
	// the reclaimed jobs.
	SweepExpiredLeases(ctx context.Context, now time.Time) ([]*types.Job, error)
	// KillExecutionJobs marks every non-terminal, non-leased job of
	// an execution dead and returns how many changed.
	KillExecutionJobs(ctx context.Context, executionID int64, reason string, now time.Time) (int, error)

	// Loop state
	PutLoopState(ctx context.Context, ls *types.LoopState) error
	GetLoopState(ctx context.Context, executionID int64, stepName string, stepEventID int64) (*types.LoopState, error)
	// UpdateLoopState writes ls only when the stored version still
	// matches ls.Version, then increments it.
	UpdateLoopState(ctx context.Context, ls *types.LoopState) error
	DeleteLoopState(ctx context.Context, executionID int64, stepName string, stepEventID int64) error

	// Keychain
	PutKeychainEntry(ctx context.Context, entry *types.KeychainEntry) error
	// GetKeychainEntry returns a live entry and bumps its access
	// stats; expired entries read as missing.
	GetKeychainEntry(ctx context.Context, credentialKey string, executionID int64, now time.Time) (*types.KeychainEntry, error)
	EvictExpiredKeychain(ctx context.Context, now time.Time) (int, error)
	DeleteKeychainForExecution(ctx context.Context, executionID int64) (int, error)

	// Utility
	Close() error
}

package bolt

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noetl/noetl/pkg/storage"
	"github.com/noetl/noetl/pkg/types"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCatalogPutGet(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	entry := &types.CatalogEntry{
		ID:          101,
		Path:        "examples/weather",
		Version:     "0.1.0",
		Type:        types.ResourcePlaybook,
		Fingerprint: "abc",
		Payload:     []byte(`{"kind":"Playbook"}`),
		CreatedAt:   time.Now().UTC(),
	}
	require.NoError(t, s.PutCatalogEntry(ctx, entry))

	got, err := s.GetCatalogEntry(ctx, "examples/weather", "0.1.0")
	require.NoError(t, err)
	assert.Equal(t, entry.ID, got.ID)
	assert.Equal(t, entry.Fingerprint, got.Fingerprint)

	byID, err := s.GetCatalogEntryByID(ctx, 101)
	require.NoError(t, err)
	assert.Equal(t, "examples/weather", byID.Path)

	err = s.PutCatalogEntry(ctx, entry)
	assert.ErrorIs(t, err, storage.ErrDuplicate)

	_, err = s.GetCatalogEntry(ctx, "examples/weather", "9.9.9")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCatalogLatestOrdersNumerically(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	for i, v := range []string{"0.1.9", "0.1.10", "0.1.2"} {
		require.NoError(t, s.PutCatalogEntry(ctx, &types.CatalogEntry{
			ID:      int64(200 + i),
			Path:    "examples/load",
			Version: v,
			Type:    types.ResourcePlaybook,
		}))
	}

	latest, err := s.GetCatalogLatest(ctx, "examples/load")
	require.NoError(t, err)
	assert.Equal(t, "0.1.10", latest.Version)

	_, err = s.GetCatalogLatest(ctx, "examples/none")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCatalogFingerprintLookup(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutCatalogEntry(ctx, &types.CatalogEntry{
		ID: 1, Path: "p", Version: "0.1.0", Type: types.ResourcePlaybook, Fingerprint: "aaa",
	}))
	require.NoError(t, s.PutCatalogEntry(ctx, &types.CatalogEntry{
		ID: 2, Path: "p", Version: "0.1.1", Type: types.ResourcePlaybook, Fingerprint: "bbb",
	}))

	found, err := s.FindCatalogFingerprint(ctx, "p", "aaa")
	require.NoError(t, err)
	assert.Equal(t, "0.1.0", found.Version)

	_, err = s.FindCatalogFingerprint(ctx, "p", "zzz")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCatalogList(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutCatalogEntry(ctx, &types.CatalogEntry{
		ID: 1, Path: "pb", Version: "0.1.0", Type: types.ResourcePlaybook,
	}))
	require.NoError(t, s.PutCatalogEntry(ctx, &types.CatalogEntry{
		ID: 2, Path: "cred", Version: "0.1.0", Type: types.ResourceCredential,
	}))

	all, err := s.ListCatalog(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	creds, err := s.ListCatalog(ctx, types.ResourceCredential)
	require.NoError(t, err)
	require.Len(t, creds, 1)
	assert.Equal(t, "cred", creds[0].Path)
}

func TestExecutionTransitions(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	ex := &types.Execution{ID: 500, ResourcePath: "p", ResourceVersion: "0.1.0", Status: types.ExecutionRunning}
	require.NoError(t, s.CreateExecution(ctx, ex))
	assert.ErrorIs(t, s.CreateExecution(ctx, ex), storage.ErrDuplicate)

	done := time.Now().UTC()
	won, err := s.TransitionExecution(ctx, 500, types.ExecutionRunning, types.ExecutionCompleted, "", done)
	require.NoError(t, err)
	assert.True(t, won)

	// Second transition from running loses: the status already moved.
	won, err = s.TransitionExecution(ctx, 500, types.ExecutionRunning, types.ExecutionFailed, "boom", done)
	require.NoError(t, err)
	assert.False(t, won)

	got, err := s.GetExecution(ctx, 500)
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionCompleted, got.Status)
	assert.Empty(t, got.Error)
}

func TestRequestCancel(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateExecution(ctx, &types.Execution{ID: 501, Status: types.ExecutionRunning}))

	flagged, err := s.RequestCancel(ctx, 501)
	require.NoError(t, err)
	assert.True(t, flagged)

	got, err := s.GetExecution(ctx, 501)
	require.NoError(t, err)
	assert.True(t, got.CancelRequested)
	assert.Equal(t, types.ExecutionRunning, got.Status)

	_, err = s.TransitionExecution(ctx, 501, types.ExecutionRunning, types.ExecutionCancelled, "", time.Now())
	require.NoError(t, err)

	flagged, err = s.RequestCancel(ctx, 501)
	require.NoError(t, err)
	assert.False(t, flagged, "terminal executions cannot be cancelled")
}

func TestEventAppendListClaim(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		require.NoError(t, s.AppendEvent(ctx, &types.Event{
			ID:          1000 + i,
			ExecutionID: 77,
			Type:        types.EventStepStarted,
		}))
	}
	require.NoError(t, s.AppendEvent(ctx, &types.Event{ID: 2000, ExecutionID: 88, Type: types.EventExecutionStarted}))

	assert.ErrorIs(t, s.AppendEvent(ctx, &types.Event{ID: 1001, ExecutionID: 77}), storage.ErrDuplicate)

	events, err := s.ListEvents(ctx, 77, 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, int64(1001), events[0].ID)
	assert.Equal(t, int64(1003), events[2].ID)

	after, err := s.ListEvents(ctx, 77, 1001, 0)
	require.NoError(t, err)
	require.Len(t, after, 2)
	assert.Equal(t, int64(1002), after[0].ID)

	limited, err := s.ListEvents(ctx, 77, 0, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	unclaimed, err := s.ListUnclaimedEvents(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, unclaimed, 4)

	claimed, err := s.ClaimEvent(ctx, 1001, "broker-a")
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = s.ClaimEvent(ctx, 1001, "broker-b")
	require.NoError(t, err)
	assert.False(t, claimed, "first claimant wins")

	unclaimed, err = s.ListUnclaimedEvents(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, unclaimed, 3)

	count, err := s.CountUnclaimedEvents(ctx, 77)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestLeaseOrderAndAttempts(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	enqueue := func(id int64, priority int) {
		require.NoError(t, s.EnqueueJob(ctx, &types.Job{
			ID:          id,
			ExecutionID: 9,
			Status:      types.JobQueued,
			Priority:    priority,
			AvailableAt: now,
			CreatedAt:   now,
			UpdatedAt:   now,
		}))
	}
	enqueue(3, 0)
	enqueue(1, 0)
	enqueue(2, 5)

	leased, err := s.LeaseJobs(ctx, "w1", 2, time.Minute, now)
	require.NoError(t, err)
	require.Len(t, leased, 2)
	assert.Equal(t, int64(2), leased[0].ID, "highest priority first")
	assert.Equal(t, int64(1), leased[1].ID, "then lowest queue id")
	assert.Equal(t, 1, leased[0].Attempts)
	assert.Equal(t, "w1", leased[0].WorkerID)

	// Remaining job goes to the next caller; already leased rows are skipped.
	more, err := s.LeaseJobs(ctx, "w2", 5, time.Minute, now)
	require.NoError(t, err)
	require.Len(t, more, 1)
	assert.Equal(t, int64(3), more[0].ID)
}

func TestLeaseRespectsAvailableAt(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.EnqueueJob(ctx, &types.Job{
		ID: 1, ExecutionID: 9, Status: types.JobQueued, AvailableAt: now.Add(time.Hour),
	}))

	leased, err := s.LeaseJobs(ctx, "w1", 1, time.Minute, now)
	require.NoError(t, err)
	assert.Empty(t, leased)

	leased, err = s.LeaseJobs(ctx, "w1", 1, time.Minute, now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Len(t, leased, 1)
}

func TestCompleteRequiresLease(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.EnqueueJob(ctx, &types.Job{ID: 1, Status: types.JobQueued, AvailableAt: now}))
	_, err := s.LeaseJobs(ctx, "w1", 1, time.Minute, now)
	require.NoError(t, err)

	err = s.CompleteJob(ctx, 1, "w2", nil, now)
	assert.ErrorIs(t, err, storage.ErrLeaseLost)

	require.NoError(t, s.CompleteJob(ctx, 1, "w1", map[string]any{"rows": 10}, now))

	job, err := s.GetJob(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, types.JobDone, job.Status)
	assert.Empty(t, job.WorkerID)

	// A done job cannot be completed again.
	err = s.CompleteJob(ctx, 1, "w1", nil, now)
	assert.ErrorIs(t, err, storage.ErrLeaseLost)
}

func TestRetryAndDead(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.EnqueueJob(ctx, &types.Job{ID: 1, Status: types.JobQueued, AvailableAt: now}))
	_, err := s.LeaseJobs(ctx, "w1", 1, time.Minute, now)
	require.NoError(t, err)

	retryAt := now.Add(30 * time.Second)
	require.NoError(t, s.MarkJobRetry(ctx, 1, "w1", "connection refused", retryAt, now))

	job, err := s.GetJob(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, types.JobRetry, job.Status)
	assert.Equal(t, "connection refused", job.LastError)
	assert.True(t, job.AvailableAt.Equal(retryAt))

	// Retry rows lease again once available, bumping attempts.
	leased, err := s.LeaseJobs(ctx, "w1", 1, time.Minute, retryAt.Add(time.Second))
	require.NoError(t, err)
	require.Len(t, leased, 1)
	assert.Equal(t, 2, leased[0].Attempts)

	require.NoError(t, s.MarkJobDead(ctx, 1, "w1", "gave up", now))
	job, err = s.GetJob(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, types.JobDead, job.Status)
	assert.True(t, job.Status.Terminal())
}

func TestSweepExpiredLeases(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.EnqueueJob(ctx, &types.Job{ID: 1, Status: types.JobQueued, AvailableAt: now}))
	require.NoError(t, s.EnqueueJob(ctx, &types.Job{ID: 2, Status: types.JobQueued, AvailableAt: now}))

	_, err := s.LeaseJobs(ctx, "w1", 2, time.Minute, now)
	require.NoError(t, err)

	// Before expiry nothing is swept.
	swept, err := s.SweepExpiredLeases(ctx, now.Add(30*time.Second))
	require.NoError(t, err)
	assert.Empty(t, swept)

	swept, err = s.SweepExpiredLeases(ctx, now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Len(t, swept, 2)

	job, err := s.GetJob(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, types.JobQueued, job.Status)
	assert.Empty(t, job.WorkerID)
	assert.Equal(t, 1, job.Attempts, "sweep must not touch attempts")

	// The old holder lost its lease.
	err = s.CompleteJob(ctx, 1, "w1", nil, now)
	assert.ErrorIs(t, err, storage.ErrLeaseLost)
}

func TestKillExecutionJobs(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.EnqueueJob(ctx, &types.Job{ID: 1, ExecutionID: 7, Status: types.JobQueued, AvailableAt: now}))
	require.NoError(t, s.EnqueueJob(ctx, &types.Job{ID: 2, ExecutionID: 7, Status: types.JobQueued, AvailableAt: now}))
	require.NoError(t, s.EnqueueJob(ctx, &types.Job{ID: 3, ExecutionID: 8, Status: types.JobQueued, AvailableAt: now}))

	// Lease one row; killed rows are only the queued/retry ones.
	_, err := s.LeaseJobs(ctx, "w1", 1, time.Minute, now)
	require.NoError(t, err)

	killed, err := s.KillExecutionJobs(ctx, 7, "execution cancelled", now)
	require.NoError(t, err)
	assert.Equal(t, 1, killed)

	live, err := s.CountLiveJobs(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 1, live, "leased job stays live until its worker notices")

	other, err := s.GetJob(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, types.JobQueued, other.Status)
}

func TestLoopStateCAS(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	ls := &types.LoopState{
		ExecutionID: 7,
		StepName:    "fan_out",
		StepEventID: 42,
		Mode:        types.LoopSequential,
		Items:       []any{"a", "b"},
	}
	require.NoError(t, s.PutLoopState(ctx, ls))
	assert.ErrorIs(t, s.PutLoopState(ctx, ls), storage.ErrDuplicate)

	got, err := s.GetLoopState(ctx, 7, "fan_out", 42)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)

	got.Dispatched = 1
	require.NoError(t, s.UpdateLoopState(ctx, got))
	assert.Equal(t, int64(2), got.Version)

	// A stale copy loses the race.
	stale := *got
	stale.Version = 1
	err = s.UpdateLoopState(ctx, &stale)
	assert.ErrorIs(t, err, storage.ErrVersionConflict)

	require.NoError(t, s.DeleteLoopState(ctx, 7, "fan_out", 42))
	_, err = s.GetLoopState(ctx, 7, "fan_out", 42)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestKeychainLifecycle(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	entry := &types.KeychainEntry{
		CredentialKey: "pg_local",
		ExecutionID:   7,
		Ciphertext:    []byte("sealed"),
		CreatedAt:     now,
		ExpiresAt:     now.Add(time.Hour),
	}
	require.NoError(t, s.PutKeychainEntry(ctx, entry))

	got, err := s.GetKeychainEntry(ctx, "pg_local", 7, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.AccessCount)

	got, err = s.GetKeychainEntry(ctx, "pg_local", 7, now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.AccessCount)

	// Scoped by execution: another execution sees nothing.
	_, err = s.GetKeychainEntry(ctx, "pg_local", 8, now)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// Expired entries read as missing.
	_, err = s.GetKeychainEntry(ctx, "pg_local", 7, now.Add(2*time.Hour))
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestKeychainEviction(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.PutKeychainEntry(ctx, &types.KeychainEntry{
		CredentialKey: "a", ExecutionID: 1, ExpiresAt: now.Add(time.Minute),
	}))
	require.NoError(t, s.PutKeychainEntry(ctx, &types.KeychainEntry{
		CredentialKey: "b", ExecutionID: 1, ExpiresAt: now.Add(time.Hour),
	}))
	require.NoError(t, s.PutKeychainEntry(ctx, &types.KeychainEntry{
		CredentialKey: "c", ExecutionID: 2, ExpiresAt: now.Add(time.Hour),
	}))

	evicted, err := s.EvictExpiredKeychain(ctx, now.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, evicted)

	deleted, err := s.DeleteKeychainForExecution(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	_, err = s.GetKeychainEntry(ctx, "c", 2, now)
	require.NoError(t, err)
}

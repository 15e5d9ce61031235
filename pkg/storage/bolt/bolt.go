// Package bolt implements storage.Store on BoltDB for local-mode runs
// and tests. One process owns the database file; bolt's single-writer
// transactions stand in for the row locking the Postgres backend gets
// from the server.
package bolt

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	bbolt "go.etcd.io/bbolt"

	"github.com/noetl/noetl/pkg/storage"
	"github.com/noetl/noetl/pkg/types"
)

var (
	// Bucket names
	bucketCatalog    = []byte("catalog")
	bucketCatalogID  = []byte("catalog_id")
	bucketExecution  = []byte("execution")
	bucketEvent      = []byte("event")
	bucketEventIdx   = []byte("event_idx")
	bucketEventClaim = []byte("event_claim")
	bucketQueue      = []byte("queue")
	bucketLoop       = []byte("loop_state")
	bucketKeychain   = []byte("keychain")
)

// Store implements storage.Store using BoltDB
type Store struct {
	db *bbolt.DB
}

// Open creates or opens the database under dataDir
func Open(dataDir string) (*Store, error) {
	dbPath := filepath.Join(dataDir, "noetl.db")

	db, err := bbolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bbolt.Tx) error {
		buckets := [][]byte{
			bucketCatalog,
			bucketCatalogID,
			bucketExecution,
			bucketEvent,
			bucketEventIdx,
			bucketEventClaim,
			bucketQueue,
			bucketLoop,
			bucketKeychain,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// Key helpers. Integer components encode big-endian so cursor order
// matches numeric order.

func beInt64(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

func catalogKey(path, version string) []byte {
	k := make([]byte, 0, len(path)+1+len(version))
	k = append(k, path...)
	k = append(k, 0)
	k = append(k, version...)
	return k
}

func eventKey(executionID, eventID int64) []byte {
	k := make([]byte, 0, 16)
	k = append(k, beInt64(executionID)...)
	k = append(k, beInt64(eventID)...)
	return k
}

func loopKey(executionID int64, stepName string, stepEventID int64) []byte {
	k := make([]byte, 0, 16+len(stepName))
	k = append(k, beInt64(executionID)...)
	k = append(k, beInt64(stepEventID)...)
	k = append(k, stepName...)
	return k
}

func keychainKey(executionID int64, credentialKey string) []byte {
	k := make([]byte, 0, 8+len(credentialKey))
	k = append(k, beInt64(executionID)...)
	k = append(k, credentialKey...)
	return k
}

// Catalog operations

func (s *Store) PutCatalogEntry(_ context.Context, entry *types.CatalogEntry) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketCatalog)
		key := catalogKey(entry.Path, entry.Version)
		if b.Get(key) != nil {
			return fmt.Errorf("catalog %s@%s: %w", entry.Path, entry.Version, storage.ErrDuplicate)
		}
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		if err := b.Put(key, data); err != nil {
			return err
		}
		return tx.Bucket(bucketCatalogID).Put(beInt64(entry.ID), key)
	})
}

func (s *Store) GetCatalogEntry(_ context.Context, path, version string) (*types.CatalogEntry, error) {
	var entry types.CatalogEntry
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketCatalog).Get(catalogKey(path, version))
		if data == nil {
			return fmt.Errorf("catalog %s@%s: %w", path, version, storage.ErrNotFound)
		}
		return json.Unmarshal(data, &entry)
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *Store) GetCatalogEntryByID(_ context.Context, id int64) (*types.CatalogEntry, error) {
	var entry types.CatalogEntry
	err := s.db.View(func(tx *bbolt.Tx) error {
		key := tx.Bucket(bucketCatalogID).Get(beInt64(id))
		if key == nil {
			return fmt.Errorf("catalog id %d: %w", id, storage.ErrNotFound)
		}
		data := tx.Bucket(bucketCatalog).Get(key)
		if data == nil {
			return fmt.Errorf("catalog id %d: %w", id, storage.ErrNotFound)
		}
		return json.Unmarshal(data, &entry)
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// scanCatalogPath visits every version registered under a path
func scanCatalogPath(tx *bbolt.Tx, path string, fn func(*types.CatalogEntry) error) error {
	prefix := catalogKey(path, "")
	c := tx.Bucket(bucketCatalog).Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		var entry types.CatalogEntry
		if err := json.Unmarshal(v, &entry); err != nil {
			return err
		}
		if err := fn(&entry); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) GetCatalogLatest(_ context.Context, path string) (*types.CatalogEntry, error) {
	var latest *types.CatalogEntry
	err := s.db.View(func(tx *bbolt.Tx) error {
		return scanCatalogPath(tx, path, func(entry *types.CatalogEntry) error {
			if latest == nil || types.CompareVersions(entry.Version, latest.Version) > 0 {
				latest = entry
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if latest == nil {
		return nil, fmt.Errorf("catalog %s: %w", path, storage.ErrNotFound)
	}
	return latest, nil
}

func (s *Store) FindCatalogFingerprint(_ context.Context, path, fingerprint string) (*types.CatalogEntry, error) {
	var found *types.CatalogEntry
	err := s.db.View(func(tx *bbolt.Tx) error {
		return scanCatalogPath(tx, path, func(entry *types.CatalogEntry) error {
			if entry.Fingerprint != fingerprint {
				return nil
			}
			if found == nil || types.CompareVersions(entry.Version, found.Version) > 0 {
				found = entry
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("catalog %s fingerprint: %w", path, storage.ErrNotFound)
	}
	return found, nil
}

func (s *Store) ListCatalog(_ context.Context, resourceType types.ResourceType) ([]*types.CatalogEntry, error) {
	var entries []*types.CatalogEntry
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketCatalog).ForEach(func(k, v []byte) error {
			var entry types.CatalogEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			if resourceType != "" && entry.Type != resourceType {
				return nil
			}
			entries = append(entries, &entry)
			return nil
		})
	})
	return entries, err
}

// Execution operations

func (s *Store) CreateExecution(_ context.Context, ex *types.Execution) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketExecution)
		key := beInt64(ex.ID)
		if b.Get(key) != nil {
			return fmt.Errorf("execution %d: %w", ex.ID, storage.ErrDuplicate)
		}
		data, err := json.Marshal(ex)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

func (s *Store) GetExecution(_ context.Context, id int64) (*types.Execution, error) {
	var ex types.Execution
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketExecution).Get(beInt64(id))
		if data == nil {
			return fmt.Errorf("execution %d: %w", id, storage.ErrNotFound)
		}
		return json.Unmarshal(data, &ex)
	})
	if err != nil {
		return nil, err
	}
	return &ex, nil
}

func (s *Store) TransitionExecution(_ context.Context, id int64, from, to types.ExecutionStatus, errMsg string, finishedAt time.Time) (bool, error) {
	won := false
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketExecution)
		key := beInt64(id)
		data := b.Get(key)
		if data == nil {
			return fmt.Errorf("execution %d: %w", id, storage.ErrNotFound)
		}
		var ex types.Execution
		if err := json.Unmarshal(data, &ex); err != nil {
			return err
		}
		if ex.Status != from {
			return nil
		}
		ex.Status = to
		if errMsg != "" {
			ex.Error = errMsg
		}
		if !finishedAt.IsZero() {
			ex.FinishedAt = finishedAt
		}
		out, err := json.Marshal(&ex)
		if err != nil {
			return err
		}
		if err := b.Put(key, out); err != nil {
			return err
		}
		won = true
		return nil
	})
	return won, err
}

func (s *Store) RequestCancel(_ context.Context, id int64) (bool, error) {
	flagged := false
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketExecution)
		key := beInt64(id)
		data := b.Get(key)
		if data == nil {
			return fmt.Errorf("execution %d: %w", id, storage.ErrNotFound)
		}
		var ex types.Execution
		if err := json.Unmarshal(data, &ex); err != nil {
			return err
		}
		if ex.Status.Terminal() {
			return nil
		}
		ex.CancelRequested = true
		out, err := json.Marshal(&ex)
		if err != nil {
			return err
		}
		if err := b.Put(key, out); err != nil {
			return err
		}
		flagged = true
		return nil
	})
	return flagged, err
}

// Event operations

func (s *Store) AppendEvent(_ context.Context, ev *types.Event) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		idx := tx.Bucket(bucketEventIdx)
		idKey := beInt64(ev.ID)
		if idx.Get(idKey) != nil {
			return fmt.Errorf("event %d: %w", ev.ID, storage.ErrDuplicate)
		}
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		key := eventKey(ev.ExecutionID, ev.ID)
		if err := tx.Bucket(bucketEvent).Put(key, data); err != nil {
			return err
		}
		return idx.Put(idKey, key)
	})
}

func (s *Store) ListEvents(_ context.Context, executionID, afterID int64, limit int) ([]*types.Event, error) {
	var events []*types.Event
	err := s.db.View(func(tx *bbolt.Tx) error {
		prefix := beInt64(executionID)
		c := tx.Bucket(bucketEvent).Cursor()
		start := eventKey(executionID, afterID+1)
		for k, v := c.Seek(start); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var ev types.Event
			if err := json.Unmarshal(v, &ev); err != nil {
				return err
			}
			events = append(events, &ev)
			if limit > 0 && len(events) >= limit {
				return nil
			}
		}
		return nil
	})
	return events, err
}

func (s *Store) ListUnclaimedEvents(_ context.Context, limit int) ([]*types.Event, error) {
	var events []*types.Event
	err := s.db.View(func(tx *bbolt.Tx) error {
		idx := tx.Bucket(bucketEventIdx)
		claims := tx.Bucket(bucketEventClaim)
		eventsBkt := tx.Bucket(bucketEvent)
		c := idx.Cursor()
		for k, ref := c.First(); k != nil; k, ref = c.Next() {
			if claims.Get(k) != nil {
				continue
			}
			data := eventsBkt.Get(ref)
			if data == nil {
				continue
			}
			var ev types.Event
			if err := json.Unmarshal(data, &ev); err != nil {
				return err
			}
			events = append(events, &ev)
			if limit > 0 && len(events) >= limit {
				return nil
			}
		}
		return nil
	})
	return events, err
}

func (s *Store) ClaimEvent(_ context.Context, eventID int64, claimant string) (bool, error) {
	claimed := false
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketEventClaim)
		key := beInt64(eventID)
		if b.Get(key) != nil {
			return nil
		}
		if err := b.Put(key, []byte(claimant)); err != nil {
			return err
		}
		claimed = true
		return nil
	})
	return claimed, err
}

func (s *Store) CountUnclaimedEvents(_ context.Context, executionID int64) (int, error) {
	count := 0
	err := s.db.View(func(tx *bbolt.Tx) error {
		claims := tx.Bucket(bucketEventClaim)
		prefix := beInt64(executionID)
		c := tx.Bucket(bucketEvent).Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			if claims.Get(k[8:]) == nil {
				count++
			}
		}
		return nil
	})
	return count, err
}

// Queue operations

func (s *Store) EnqueueJob(_ context.Context, job *types.Job) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketQueue)
		key := beInt64(job.ID)
		if b.Get(key) != nil {
			return fmt.Errorf("job %d: %w", job.ID, storage.ErrDuplicate)
		}
		data, err := json.Marshal(job)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

func (s *Store) GetJob(_ context.Context, queueID int64) (*types.Job, error) {
	var job types.Job
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketQueue).Get(beInt64(queueID))
		if data == nil {
			return fmt.Errorf("job %d: %w", queueID, storage.ErrNotFound)
		}
		return json.Unmarshal(data, &job)
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *Store) ListJobs(_ context.Context, executionID int64) ([]*types.Job, error) {
	var jobs []*types.Job
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketQueue).ForEach(func(k, v []byte) error {
			var job types.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			if job.ExecutionID == executionID {
				jobs = append(jobs, &job)
			}
			return nil
		})
	})
	return jobs, err
}

func (s *Store) CountLiveJobs(_ context.Context, executionID int64) (int, error) {
	count := 0
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketQueue).ForEach(func(k, v []byte) error {
			var job types.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			if job.ExecutionID == executionID && !job.Status.Terminal() {
				count++
			}
			return nil
		})
	})
	return count, err
}

func (s *Store) CountJobsByStatus(_ context.Context) (map[types.JobStatus]int, error) {
	counts := make(map[types.JobStatus]int)
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketQueue).ForEach(func(k, v []byte) error {
			var job types.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			counts[job.Status]++
			return nil
		})
	})
	return counts, err
}

func (s *Store) LeaseJobs(_ context.Context, workerID string, capacity int, leaseFor time.Duration, now time.Time) ([]*types.Job, error) {
	if capacity <= 0 {
		return nil, nil
	}
	var leased []*types.Job
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketQueue)

		var eligible []*types.Job
		if err := b.ForEach(func(k, v []byte) error {
			var job types.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			if (job.Status == types.JobQueued || job.Status == types.JobRetry) && !job.AvailableAt.After(now) {
				eligible = append(eligible, &job)
			}
			return nil
		}); err != nil {
			return err
		}

		sort.Slice(eligible, func(i, j int) bool {
			if eligible[i].Priority != eligible[j].Priority {
				return eligible[i].Priority > eligible[j].Priority
			}
			return eligible[i].ID < eligible[j].ID
		})
		if len(eligible) > capacity {
			eligible = eligible[:capacity]
		}

		for _, job := range eligible {
			job.Status = types.JobLeased
			job.WorkerID = workerID
			job.LeaseExpiresAt = now.Add(leaseFor)
			job.Attempts++
			job.UpdatedAt = now
			data, err := json.Marshal(job)
			if err != nil {
				return err
			}
			if err := b.Put(beInt64(job.ID), data); err != nil {
				return err
			}
			leased = append(leased, job)
		}
		return nil
	})
	return leased, err
}

// mutateLeased applies fn to a job after verifying the caller still
// holds its lease.
func (s *Store) mutateLeased(queueID int64, workerID string, fn func(*types.Job) error) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketQueue)
		key := beInt64(queueID)
		data := b.Get(key)
		if data == nil {
			return fmt.Errorf("job %d: %w", queueID, storage.ErrNotFound)
		}
		var job types.Job
		if err := json.Unmarshal(data, &job); err != nil {
			return err
		}
		if job.Status != types.JobLeased || job.WorkerID != workerID {
			return fmt.Errorf("job %d held by %q: %w", queueID, job.WorkerID, storage.ErrLeaseLost)
		}
		if err := fn(&job); err != nil {
			return err
		}
		out, err := json.Marshal(&job)
		if err != nil {
			return err
		}
		return b.Put(key, out)
	})
}

func (s *Store) RenewLease(_ context.Context, queueID int64, workerID string, leaseFor time.Duration, now time.Time) error {
	return s.mutateLeased(queueID, workerID, func(job *types.Job) error {
		job.LeaseExpiresAt = now.Add(leaseFor)
		job.UpdatedAt = now
		return nil
	})
}

func (s *Store) CompleteJob(_ context.Context, queueID int64, workerID string, result map[string]any, now time.Time) error {
	return s.mutateLeased(queueID, workerID, func(job *types.Job) error {
		job.Status = types.JobDone
		job.Result = result
		job.LastError = ""
		job.WorkerID = ""
		job.LeaseExpiresAt = time.Time{}
		job.UpdatedAt = now
		return nil
	})
}

func (s *Store) MarkJobRetry(_ context.Context, queueID int64, workerID string, errMsg string, availableAt time.Time, now time.Time) error {
	return s.mutateLeased(queueID, workerID, func(job *types.Job) error {
		job.Status = types.JobRetry
		job.LastError = errMsg
		job.AvailableAt = availableAt
		job.WorkerID = ""
		job.LeaseExpiresAt = time.Time{}
		job.UpdatedAt = now
		return nil
	})
}

func (s *Store) MarkJobDead(_ context.Context, queueID int64, workerID string, errMsg string, now time.Time) error {
	return s.mutateLeased(queueID, workerID, func(job *types.Job) error {
		job.Status = types.JobDead
		job.LastError = errMsg
		job.WorkerID = ""
		job.LeaseExpiresAt = time.Time{}
		job.UpdatedAt = now
		return nil
	})
}

func (s *Store) SweepExpiredLeases(_ context.Context, now time.Time) ([]*types.Job, error) {
	var swept []*types.Job
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketQueue)

		var expired []*types.Job
		if err := b.ForEach(func(k, v []byte) error {
			var job types.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			if job.Status == types.JobLeased && job.LeaseExpiresAt.Before(now) {
				expired = append(expired, &job)
			}
			return nil
		}); err != nil {
			return err
		}

		for _, job := range expired {
			job.Status = types.JobQueued
			job.WorkerID = ""
			job.LeaseExpiresAt = time.Time{}
			job.UpdatedAt = now
			data, err := json.Marshal(job)
			if err != nil {
				return err
			}
			if err := b.Put(beInt64(job.ID), data); err != nil {
				return err
			}
			swept = append(swept, job)
		}
		return nil
	})
	return swept, err
}

func (s *Store) KillExecutionJobs(_ context.Context, executionID int64, reason string, now time.Time) (int, error) {
	killed := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketQueue)

		var targets []*types.Job
		if err := b.ForEach(func(k, v []byte) error {
			var job types.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			if job.ExecutionID == executionID && (job.Status == types.JobQueued || job.Status == types.JobRetry) {
				targets = append(targets, &job)
			}
			return nil
		}); err != nil {
			return err
		}

		for _, job := range targets {
			job.Status = types.JobDead
			job.LastError = reason
			job.UpdatedAt = now
			data, err := json.Marshal(job)
			if err != nil {
				return err
			}
			if err := b.Put(beInt64(job.ID), data); err != nil {
				return err
			}
			killed++
		}
		return nil
	})
	return killed, err
}

// Loop state operations

func (s *Store) PutLoopState(_ context.Context, ls *types.LoopState) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketLoop)
		key := loopKey(ls.ExecutionID, ls.StepName, ls.StepEventID)
		if b.Get(key) != nil {
			return fmt.Errorf("loop state %d/%s/%d: %w", ls.ExecutionID, ls.StepName, ls.StepEventID, storage.ErrDuplicate)
		}
		if ls.Version == 0 {
			ls.Version = 1
		}
		data, err := json.Marshal(ls)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

func (s *Store) GetLoopState(_ context.Context, executionID int64, stepName string, stepEventID int64) (*types.LoopState, error) {
	var ls types.LoopState
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketLoop).Get(loopKey(executionID, stepName, stepEventID))
		if data == nil {
			return fmt.Errorf("loop state %d/%s/%d: %w", executionID, stepName, stepEventID, storage.ErrNotFound)
		}
		return json.Unmarshal(data, &ls)
	})
	if err != nil {
		return nil, err
	}
	return &ls, nil
}

func (s *Store) UpdateLoopState(_ context.Context, ls *types.LoopState) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketLoop)
		key := loopKey(ls.ExecutionID, ls.StepName, ls.StepEventID)
		data := b.Get(key)
		if data == nil {
			return fmt.Errorf("loop state %d/%s/%d: %w", ls.ExecutionID, ls.StepName, ls.StepEventID, storage.ErrNotFound)
		}
		var current types.LoopState
		if err := json.Unmarshal(data, &current); err != nil {
			return err
		}
		if current.Version != ls.Version {
			return fmt.Errorf("loop state %d/%s/%d at version %d, caller has %d: %w",
				ls.ExecutionID, ls.StepName, ls.StepEventID, current.Version, ls.Version, storage.ErrVersionConflict)
		}
		ls.Version++
		out, err := json.Marshal(ls)
		if err != nil {
			return err
		}
		return b.Put(key, out)
	})
}

func (s *Store) DeleteLoopState(_ context.Context, executionID int64, stepName string, stepEventID int64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketLoop).Delete(loopKey(executionID, stepName, stepEventID))
	})
}

// Keychain operations

func (s *Store) PutKeychainEntry(_ context.Context, entry *types.KeychainEntry) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketKeychain).Put(keychainKey(entry.ExecutionID, entry.CredentialKey), data)
	})
}

func (s *Store) GetKeychainEntry(_ context.Context, credentialKey string, executionID int64, now time.Time) (*types.KeychainEntry, error) {
	var entry types.KeychainEntry
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketKeychain)
		key := keychainKey(executionID, credentialKey)
		data := b.Get(key)
		if data == nil {
			return fmt.Errorf("keychain %s/%d: %w", credentialKey, executionID, storage.ErrNotFound)
		}
		if err := json.Unmarshal(data, &entry); err != nil {
			return err
		}
		if entry.ExpiresAt.Before(now) {
			_ = b.Delete(key)
			return fmt.Errorf("keychain %s/%d: %w", credentialKey, executionID, storage.ErrNotFound)
		}
		entry.AccessedAt = now
		entry.AccessCount++
		out, err := json.Marshal(&entry)
		if err != nil {
			return err
		}
		return b.Put(key, out)
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *Store) EvictExpiredKeychain(_ context.Context, now time.Time) (int, error) {
	evicted := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketKeychain)

		var stale [][]byte
		if err := b.ForEach(func(k, v []byte) error {
			var entry types.KeychainEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			if entry.ExpiresAt.Before(now) {
				key := make([]byte, len(k))
				copy(key, k)
				stale = append(stale, key)
			}
			return nil
		}); err != nil {
			return err
		}

		for _, key := range stale {
			if err := b.Delete(key); err != nil {
				return err
			}
			evicted++
		}
		return nil
	})
	return evicted, err
}

func (s *Store) DeleteKeychainForExecution(_ context.Context, executionID int64) (int, error) {
	deleted := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketKeychain)
		prefix := beInt64(executionID)
		c := b.Cursor()

		var keys [][]byte
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			key := make([]byte, len(k))
			copy(key, k)
			keys = append(keys, key)
		}
		for _, key := range keys {
			if err := b.Delete(key); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}

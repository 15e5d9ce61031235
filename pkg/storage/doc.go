/*
Package storage defines the persistence contract shared by every NoETL
component and the sentinel errors that make its races explicit.

The Store interface is the single seam between the control plane and
its database. Brokers, workers, the catalog, and the CLI all speak to
storage through it; the two implementations live in subpackages:

  - storage/postgres: server mode. Many brokers and workers share one
    PostgreSQL database. Contention resolves inside the database with
    row locks and guarded single-statement updates.
  - storage/bolt: local mode and tests. One process owns a BoltDB
    file; bolt's serialized write transactions provide the same
    atomicity guarantees without a server.

# Architecture

	┌────────────────────── STORE SURFACE ──────────────────────┐
	│                                                            │
	│   catalog      immutable resource versions                 │
	│   execution    run roots with status + cancel flag         │
	│   event        append-only log, ordered by event_id        │
	│   event_claim  first-inserter-wins claims per event        │
	│   queue        leased jobs: queued→leased→done/retry/dead  │
	│   loop_state   per step-instance iteration state (CAS)     │
	│   keychain     sealed credentials, execution-scoped TTL    │
	│                                                            │
	│  ┌──────────────┐                    ┌──────────────┐     │
	│  │   postgres   │                    │     bolt     │     │
	│  │ pgxpool      │                    │ single file  │     │
	│  │ SKIP LOCKED  │                    │ Update/View  │     │
	│  │ ON CONFLICT  │                    │ transactions │     │
	│  └──────────────┘                    └──────────────┘     │
	└────────────────────────────────────────────────────────────┘

# Contention Points

Three operations carry the concurrency story; everything else is
plain reads and writes.

Leasing (LeaseJobs): picks the best available jobs by priority then
queue id and marks them leased in one atomic step. Two workers can
never hold the same job. Leasing increments the attempt counter, so
an attempt is counted even when the worker dies before reporting.
Lease-guarded mutations (RenewLease, CompleteJob, MarkJobRetry,
MarkJobDead) verify the caller still holds the lease and fail with
ErrLeaseLost otherwise; a swept job's late result is dropped rather
than recorded.

Event claims (ClaimEvent): the claim table is keyed by event_id, so
exactly one broker wins the insert for a given event. Brokers apply
an event's side effects only after winning its claim, which keeps
step advancement exactly-once under broker redundancy.

Loop state (UpdateLoopState): optimistic concurrency via a version
column. The update applies only when the stored version matches the
caller's; a loser gets ErrVersionConflict, reloads, and retries. On
success the caller's copy is bumped to the new version.

# Completion Races

TransitionExecution moves an execution between statuses guarded by
the expected current status and reports whether the caller won the
transition. Concurrent brokers deciding an execution is complete all
attempt running→completed; exactly one sees won=true and emits the
terminal event.

# Sentinel Errors

	ErrNotFound         the row does not exist
	ErrDuplicate        insert hit an existing key
	ErrLeaseLost        job mutation without holding the lease
	ErrVersionConflict  loop state CAS lost to a concurrent writer

Callers match with errors.Is; implementations wrap the sentinels with
row identity for log context.

# Time

Mutating queue and keychain operations take the current time as an
argument instead of reading the clock, which keeps lease expiry,
retry availability, and TTL behavior deterministic under test.
*/
package storage

/*
Package types defines the core data structures used throughout NoETL.

This package contains all fundamental types that represent the execution
core's domain model: catalog entries, executions, events, queue jobs,
loop state, credentials, and tool outcomes. These types are used by all
other packages for persistence, coordination, and result reporting.

# Architecture

The types package is the foundation of the data model. It defines:

  - Catalog registration (versioned, content-addressed resources)
  - Execution lifecycle (pending, running, completed, failed, cancelled)
  - Event log records (append-only lifecycle transitions)
  - Queue jobs (leased, retrying units of work)
  - Loop iteration state (keyed by step event identity)
  - Credential payloads and keychain cache entries
  - Tool outcomes and the error taxonomy carried in events

All types are designed to be:
  - Serializable (JSON for BoltDB values and Postgres JSONB columns)
  - Immutable where the model demands it (catalog payloads, events)
  - Self-documenting (clear field names, typed string enums)

# Core Types

Catalog:
  - CatalogEntry: one immutable (path, version) of a registered resource
  - ResourceType: Playbook, Credential, Workflow, Task, Action, Target
  - RegisterStatus: REGISTERED, UPDATED, UNCHANGED

Execution and Events:
  - Execution: root record binding a run to a catalog entry
  - Event: append-only record; ordering within an execution follows ID
  - EventType: the persisted taxonomy (execution_started ... resource_unchanged)

Queue:
  - Job: durable work row with status, attempts, lease, and priority
  - JobStatus: queued, leased, retry, done, dead
  - Action: the rendered work description (step, tasks, auth, retry, iter)
  - RetryPolicy: max_attempts, delays, retry_when, stop_when

Loops:
  - LoopState: per step-instance iteration state with CAS version
  - IterContext: marks a job as one iteration (element, value, index)

Credentials:
  - Credential: typed secret payload, never persisted in events or logs
  - KeychainEntry: execution-scoped cache row with TTL and access stats

Outcomes:
  - Outcome: {status, data, error, meta} returned by every tool
  - ErrorInfo: classified, redacted error (kind, code, message)

# Identity

Executions, events, and jobs carry 64-bit Snowflake-style identifiers
(time | shard | sequence) generated by pkg/identity. IDs are
time-ordered across hosts without coordination, which is what lets
event consumers order an execution's history by ID alone.

# State Machines

Queue jobs:

	queued ──lease──▶ leased ──complete──▶ done
	  ▲                 │
	  │                 ├─fail, attempts<max──▶ retry ─available──▶ leased
	  │                 └─fail, attempts==max─▶ dead
	  └──lease expired──┘

Executions:

	pending → running → completed | failed | cancelled

# Thread Safety

Types here are plain data. Readers may share them; writers must hold
their own synchronization. The storage layer performs all persisted
mutations transactionally; LoopState mutations go through a
compare-and-swap on Version.

# See Also

  - pkg/storage for persistence of every type in this package
  - pkg/queue for the job state machine rules
  - pkg/broker for how events drive queue writes
  - pkg/worker for how jobs become tool invocations and result events
*/
package types

/*
Package runtime assembles the engine. One Runtime owns one store and
every service over it; brokers and workers, embedded or standalone, do
the actual driving.

	            ┌─────────────────────────────────────┐
	 Start /    │               Runtime               │
	 Cancel ──► │  store (bolt or postgres)           │
	            │  catalog · events · queue · keychain│
	            │  tool registry (+ playbook launcher)│
	            └──────┬───────────────────┬──────────┘
	                   │ Serve             │ daemons
	                   ▼                   ▼
	          embedded broker+worker   noetl broker / noetl worker

# Stores and modes

An empty DSN opens a bolt store under DataDir: the local profile, one
process, engine embedded. A DSN opens the shared Postgres store that
any number of broker and worker processes coordinate through. The
keychain seals credentials at rest, so shared-store processes must
agree on NOETL_KEYCHAIN_KEY; local runs generate a throwaway key.

# Starting and stopping executions

StartExecution writes the pending execution row and appends
execution_started; whichever broker claims that event runs the show
from there. Cancel is the inverse: flag the row, kill queued jobs,
flip the status to cancelled, and append the terminal event. Workers
notice the flag at their next lease renewal and abandon mid-run jobs
without a completion.

# Local mode and children

RunLocal starts an execution and drives it to a terminal status with
an embedded broker and worker, streaming events to an optional watch
function. The same embedded pair serves child executions started by
the playbook tool, whose launcher lands back here: Launch is
StartExecution with a parent link, Await polls the child to its
terminal status and lifts the results projection out of its
execution_complete event.
*/
package runtime

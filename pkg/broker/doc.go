/*
Package broker advances executions by reacting to events. It is the
only component that reads the event log to make decisions; workers
execute what the broker enqueues and report back through the same log.

# Architecture

One cycle (Step) fetches a batch of unclaimed events and tries to
claim each one. Winning a claim makes the broker solely responsible
for that event's side effects; losing means another broker already
handled it. The claim is first-inserter-wins in storage, so running
several brokers against one database is safe.

	            ┌──────────── event log ────────────┐
	            │ execution_started                  │
	            │ step_started ──► queue job         │
	            │ action_completed / action_error    │
	            │ step_completed ──► arcs            │
	            │ execution_complete / failed        │
	            └────────────────┬───────────────────┘
	                             │ unclaimed batch
	                             ▼
	                    ┌──────────────┐
	                    │ claim event  │── lost ──► drop
	                    └──────┬───────┘
	                           │ won
	                           ▼
	                    apply side effects
	                (enqueue, route, finish)

Routing is type-directed:

  - execution_started: move the execution pending→running and enter
    the entry step.
  - step_completed: evaluate the step's arcs against the environment;
    enter every target of the first matching arc, fall back to the
    else arc, or check the execution for completion at a dead end.
  - action_completed / action_error with terminal=true: a worker
    finished a job. Loop iterations advance their loop state; plain
    steps are lifted into a step_completed event and re-enter the
    claim loop. Non-terminal progress events are claimed and dropped.

Entering a step pre-allocates the step_started event's id and uses its
decimal rendering as the step instance (NodeInstance). Every later
event for that instance carries the same value, so a step revisited in
a cycle never bleeds state into its earlier incarnations.

# Loops

A step with a loop renders the collection once, stores a LoopState,
and dispatches iterations under the reserve-then-enqueue rule: the
dispatch counter is bumped in a CAS write before the job is enqueued,
so a crash between the two leaves a gap (an iteration that never ran)
rather than a duplicate. Results are index-addressed, which keeps the
aggregate in collection order regardless of completion order. A failed
iteration stops new dispatch and drains what is already in flight.

# Completion

A dead-end step with status ok triggers a quiescence check: no live
queue jobs, no unclaimed events, and every step instance that started
has completed. The winner of the running→completed transition emits
execution_complete with a projection of every step's result. Failures
funnel through one path that kills queued jobs, emits
execution_failed, and drops the execution's keychain entries.

# Housekeeping

On a slower tick the broker sweeps expired leases back to queued and
emits a non-terminal action_error per swept job, then evicts expired
keychain entries. A swept job's original worker may still finish and
lose CompleteJob with ErrLeaseLost; its late result is dropped.

Apply errors after a won claim are logged, not retried: the claim is
spent. Crash windows between claim and append are closed by the
housekeeping sweep or surface as an execution that never completes,
visible in the event log.
*/
package broker

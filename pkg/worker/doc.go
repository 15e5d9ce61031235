/*
Package worker executes the jobs the broker enqueues. A worker owns no
routing decisions: it leases a job, runs its task pipeline, applies the
step's retry policy, and reports the verdict through the queue row and
the event log. The broker reacts to that report.

# Job lifecycle

	lease ──► halted? ──► abandon (execution cancelled or finished)
	   │
	   ▼
	resolve auth + secrets, render args        (resolution errors
	   │                                        surface as outcomes)
	   ▼
	run tasks in order ──► action_started per task,
	   │                   non-terminal action_completed between tasks
	   ▼
	settle: stop_when ──► complete
	        retry?    ──► queue retry + action_retry
	        ok        ──► complete (terminal action_completed)
	        else      ──► dead     (terminal action_error)

The queue row settles before the terminal event appends. A crash
between the two leaves a job acknowledged but unreported, which shows
up as a stalled step in the log; it never produces a second terminal
event for the same attempt.

# Leases and interruption

A watch goroutine renews the lease at a third of its duration and
polls the execution record. Losing the lease cancels the running tools
and drops the result silently: the sweeper has already requeued the
job, and the replacement attempt reports instead. A cancellation flag
on the execution cancels the tools, marks the job dead, and records a
non-terminal action_error; no result event follows, so a cancelled
execution never gains a completion.

# Retry policy

After every attempt the worker evaluates, in order: stop_when (accept
the outcome, even a failed one), retry_when or an automatically
retryable error kind with attempt budget left (schedule a retry after
the policy's backoff), plain success (complete), and otherwise dead.
Validation and fatal errors never retry; resolution errors retry only
when retry_when holds; tool, transient, and timeout failures retry on
budget alone. retry_when and stop_when see the outcome's data keys at
the top level plus status, result, error, and attempt.

# Rendering

The render environment is the broker's context snapshot (workload,
ctx, prior step results, execution_id) extended with the iteration
binding, the process environment under env, resolved credentials under
auth, and secret manager paths referenced as secret["..."]. Credential
material lives only in worker memory; events carry task names, kinds,
and indexes, never rendered arguments.
*/
package worker

/*
Package metrics exposes Prometheus instrumentation and the health
endpoints shared by the broker and worker daemons.

Counters are incremented at their call sites (event appends, job
lifecycle transitions, tool runs); only queue depth lives in the
database and is sampled by the Collector on a fixed interval.

# Metric Groups

	noetl_events_appended_total{type}        writes to the event log
	noetl_broker_events_processed_total     events claimed and applied
	noetl_broker_cycle_duration_seconds     one claim-and-apply cycle
	noetl_executions_*_total                started/completed/failed/cancelled
	noetl_jobs_*_total                      enqueued/leased/completed/retried/dead/swept
	noetl_queue_depth{status}               sampled queue depth
	noetl_tool_run_duration_seconds{kind}   tool invocation latency
	noetl_tool_runs_total{kind,status}      tool invocation outcomes
	noetl_catalog_registrations_total       register outcomes
	noetl_keychain_evictions_total          TTL evictions

# Health

The package also carries a process-wide component registry backing
/health and /ready. Components report in with SetComponent; each
daemon declares its own readiness-critical set with SetCritical, so a
broker waits on the store while a worker waits on the store and its
tool registry.
*/
package metrics

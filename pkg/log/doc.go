/*
Package log provides structured logging for NoETL using zerolog.

The log package wraps the zerolog library to provide JSON-structured
logging with component-specific loggers, configurable log levels, and
helper functions for common logging patterns. All logs include
timestamps and support filtering by severity level.

# Architecture

One global logger is configured at process start; every subsystem
derives child loggers carrying its identifying fields:

	┌─────────────────── LOGGING SYSTEM ────────────────────┐
	│                                                         │
	│  ┌──────────────────────────────────────────┐         │
	│  │            Global Logger                  │         │
	│  │  - Zerolog instance                       │         │
	│  │  - Initialized via log.Init()             │         │
	│  │  - Thread-safe for concurrent use         │         │
	│  └──────────────────┬───────────────────────┘         │
	│                     │                                   │
	│  ┌──────────────────▼───────────────────────┐         │
	│  │         Component Loggers                 │         │
	│  │  - WithComponent("broker")                │         │
	│  │  - WithExecutionID(123456789)             │         │
	│  │  - WithWorkerID("worker-ab12")            │         │
	│  │  - WithStep("fetch_data")                 │         │
	│  └──────────────────┬───────────────────────┘         │
	│                     │                                   │
	│  ┌──────────────────▼───────────────────────┐         │
	│  │            Log Output                     │         │
	│  │  JSON (production) or console (dev)       │         │
	│  └──────────────────────────────────────────┘         │
	└──────────────────────────────────────────────────────┘

# Usage

Initialize once at process start:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
	})

Create component loggers for subsystems:

	logger := log.WithComponent("broker")
	logger.Info().Int64("execution_id", id).Msg("Execution started")

Bind execution context for the duration of a run:

	el := log.WithExecutionID(job.ExecutionID)
	el.Debug().Str("step", action.StepName).Msg("Dispatching tool")

# Output Formats

JSON format (JSONOutput: true):

	{"level":"info","component":"worker","execution_id":123,"time":"2025-06-15T12:30:45Z","message":"Job leased"}

Console format (JSONOutput: false):

	2025-06-15T12:30:45Z INF Job leased component=worker execution_id=123

# Log Levels

Debug Level:
  - Purpose: queue scans, template renders, per-iteration detail
  - Usage: development and troubleshooting
  - Example: "Rendered task inputs: keys=[url, method]"

Info Level:
  - Purpose: lifecycle transitions
  - Usage: default production level
  - Example: "Step completed: fetch_data (status=ok)"

Warn Level:
  - Purpose: recoverable anomalies
  - Usage: situations that may require attention
  - Example: "Lease expired, job requeued (queue_id=42)"

Error Level:
  - Purpose: failed operations that surface to events
  - Example: "Event append failed after retries"

Fatal Level:
  - Purpose: unrecoverable initialization failures
  - Behavior: logs then exits the process

# Redaction

Credential values must never reach this package. Callers log
credential keys and aliases only; resolved secret material stays
inside pkg/keychain and the tool input maps, and diagnostics are
redacted before they are logged or attached to events.

# Thread Safety

zerolog loggers are immutable; child loggers share the configured
writer. Init must run before any goroutine logs, after which all
helpers are safe for concurrent use.

# See Also

  - pkg/keychain for the redaction boundary
  - pkg/worker and pkg/broker for the main logging call sites
*/
package log

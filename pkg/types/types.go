package types

import (
	"strconv"
	"strings"
	"time"
)

// ResourceType classifies catalog entries
type ResourceType string

const (
	ResourcePlaybook   ResourceType = "Playbook"
	ResourceCredential ResourceType = "Credential"
	ResourceWorkflow   ResourceType = "Workflow"
	ResourceTask       ResourceType = "Task"
	ResourceAction     ResourceType = "Action"
	ResourceTarget     ResourceType = "Target"
)

// RegisterStatus is the outcome of a catalog registration
type RegisterStatus string

const (
	RegisterStatusRegistered RegisterStatus = "REGISTERED"
	RegisterStatusUpdated    RegisterStatus = "UPDATED"
	RegisterStatusUnchanged  RegisterStatus = "UNCHANGED"
)

// CatalogEntry is one immutable version of a registered resource
type CatalogEntry struct {
	ID          int64          `json:"catalog_id"`
	Path        string         `json:"resource_path"`
	Version     string         `json:"resource_version"`
	Type        ResourceType   `json:"resource_type"`
	Source      string         `json:"source"`   // origin tag: inline, filesystem, gcs
	Location    string         `json:"resource_location,omitempty"`
	Fingerprint string         `json:"fingerprint"` // SHA-256 of normalized payload
	Payload     []byte         `json:"payload"`     // normalized resource JSON
	Meta        map[string]any `json:"meta,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// CompareVersions orders dotted version strings such as "0.1.0".
// Segments compare numerically when both parse as integers and
// lexically otherwise, so "0.1.10" sorts after "0.1.9". Returns
// -1, 0 or 1.
func CompareVersions(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		var av, bv string
		if i < len(as) {
			av = as[i]
		}
		if i < len(bs) {
			bv = bs[i]
		}
		an, aerr := strconv.Atoi(av)
		bn, berr := strconv.Atoi(bv)
		if aerr == nil && berr == nil {
			if an != bn {
				if an < bn {
					return -1
				}
				return 1
			}
			continue
		}
		if av != bv {
			if av < bv {
				return -1
			}
			return 1
		}
	}
	return 0
}

// NextVersion bumps the last numeric segment of a version string.
// "0.1.0" becomes "0.1.1"; a non-numeric tail gets ".1" appended.
func NextVersion(v string) string {
	segs := strings.Split(v, ".")
	last := segs[len(segs)-1]
	if n, err := strconv.Atoi(last); err == nil {
		segs[len(segs)-1] = strconv.Itoa(n + 1)
		return strings.Join(segs, ".")
	}
	return v + ".1"
}

// ExecutionStatus represents the lifecycle state of an execution
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed || s == ExecutionCancelled
}

// Execution is the root record of one playbook run
type Execution struct {
	ID                int64           `json:"execution_id"`
	ParentExecutionID int64           `json:"parent_execution_id,omitempty"`
	ResourcePath      string          `json:"resource_path"`
	ResourceVersion   string          `json:"resource_version"`
	Workload          map[string]any  `json:"workload,omitempty"`
	Status            ExecutionStatus `json:"status"`
	Error             string          `json:"error,omitempty"`
	CancelRequested   bool            `json:"cancel_requested,omitempty"`
	StartedAt         time.Time       `json:"started_at"`
	FinishedAt        time.Time       `json:"finished_at,omitempty"`
}

// EventType identifies a lifecycle transition in the event log
type EventType string

const (
	EventExecutionStarted  EventType = "execution_started"
	EventExecutionComplete EventType = "execution_complete"
	EventExecutionFailed   EventType = "execution_failed"
	EventStepStarted       EventType = "step_started"
	EventStepCompleted     EventType = "step_completed"
	EventActionStarted     EventType = "action_started"
	EventActionCompleted   EventType = "action_completed"
	EventActionError       EventType = "action_error"
	EventActionRetry       EventType = "action_retry"
	EventResourceRegistered EventType = "resource_registered"
	EventResourceUpdated    EventType = "resource_updated"
	EventResourceUnchanged  EventType = "resource_unchanged"
)

// Event is one immutable record in the append-only log.
// Ordering within an execution follows EventID; CreatedAt is informational.
type Event struct {
	ID              int64          `json:"event_id"`
	ExecutionID     int64          `json:"execution_id"`
	ParentEventID   int64          `json:"parent_event_id,omitempty"`
	Type            EventType      `json:"event_type"`
	NodeName        string         `json:"node_name,omitempty"`
	NodeInstance    string         `json:"node_instance,omitempty"`
	Status          string         `json:"status,omitempty"`
	ResourcePath    string         `json:"resource_path,omitempty"`
	ResourceVersion string         `json:"resource_version,omitempty"`
	Payload         map[string]any `json:"payload,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

// JobStatus represents the queue state machine position of a job
type JobStatus string

const (
	JobQueued JobStatus = "queued"
	JobLeased JobStatus = "leased"
	JobRetry  JobStatus = "retry"
	JobDone   JobStatus = "done"
	JobDead   JobStatus = "dead"
)

// Terminal reports whether the job can never be leased again
func (s JobStatus) Terminal() bool {
	return s == JobDone || s == JobDead
}

// Job is one durable unit of work in the queue
type Job struct {
	ID             int64          `json:"queue_id"`
	ExecutionID    int64          `json:"execution_id"`
	CatalogID      int64          `json:"catalog_id"`
	Status         JobStatus      `json:"status"`
	Action         Action         `json:"action"`
	Attempts       int            `json:"attempts"`
	MaxAttempts    int            `json:"max_attempts"`
	Priority       int            `json:"priority"`
	AvailableAt    time.Time      `json:"available_at"`
	LeaseExpiresAt time.Time      `json:"lease_expires_at,omitempty"`
	WorkerID       string         `json:"worker_id,omitempty"`
	LastError      string         `json:"last_error,omitempty"`
	Result         map[string]any `json:"result,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Action is the rendered work description carried by a queue job.
// StepEventID identifies the step instance so repeated step names,
// retries, and DAG reconvergence never share state.
type Action struct {
	StepName    string             `json:"step_name"`
	StepEventID int64              `json:"step_event_id"`
	Tasks       []TaskSpec         `json:"tasks"`
	Auth        map[string]AuthRef `json:"auth,omitempty"`
	Retry       *RetryPolicy       `json:"retry,omitempty"`
	TimeoutSec  float64            `json:"timeout,omitempty"`
	Iter        *IterContext       `json:"iter,omitempty"`
	Context     map[string]any     `json:"context,omitempty"` // ctx snapshot at enqueue time
}

// TaskSpec is one tool invocation within a step's pipeline
type TaskSpec struct {
	Name string         `json:"name,omitempty" yaml:"name,omitempty"`
	Kind string         `json:"kind" yaml:"kind"`
	Spec map[string]any `json:"spec,omitempty" yaml:"spec,omitempty"`
}

// AuthRef names a credential source for a step alias. Exactly one of
// Credential, Secret, Env, or Inline selects the provider.
type AuthRef struct {
	Type       string         `json:"type,omitempty" yaml:"type,omitempty"`
	Credential string         `json:"credential,omitempty" yaml:"credential,omitempty"`
	Secret     string         `json:"secret,omitempty" yaml:"secret,omitempty"`
	Env        string         `json:"env,omitempty" yaml:"env,omitempty"`
	Inline     map[string]any `json:"inline,omitempty" yaml:"inline,omitempty"`
}

// RetryPolicy controls re-dispatch of a failed or not-yet-successful task.
// Delays are in seconds; zero InitialDelay disables backoff entirely.
type RetryPolicy struct {
	MaxAttempts       int     `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
	InitialDelay      float64 `json:"initial_delay,omitempty" yaml:"initial_delay,omitempty"`
	BackoffMultiplier float64 `json:"backoff_multiplier,omitempty" yaml:"backoff_multiplier,omitempty"`
	MaxDelay          float64 `json:"max_delay,omitempty" yaml:"max_delay,omitempty"`
	RetryWhen         string  `json:"retry_when,omitempty" yaml:"retry_when,omitempty"`
	StopWhen          string  `json:"stop_when,omitempty" yaml:"stop_when,omitempty"`
}

// IterContext marks a job as one iteration of a looped step
type IterContext struct {
	Element string `json:"element"`
	Value   any    `json:"value"`
	Index   int    `json:"index"`
}

// LoopMode selects sequential or bounded-concurrent iteration
type LoopMode string

const (
	LoopSequential LoopMode = "sequential"
	LoopAsync      LoopMode = "async"
)

// LoopState is the per-instance iteration state of a looped step.
// The key includes StepEventID so two uses of the same step name
// keep disjoint state. Version guards compare-and-swap updates.
type LoopState struct {
	ExecutionID int64     `json:"execution_id"`
	StepName    string    `json:"step_name"`
	StepEventID int64     `json:"step_event_id"`
	Mode        LoopMode  `json:"mode"`
	Concurrency int       `json:"concurrency,omitempty"`
	Element     string    `json:"element"`
	Items       []any     `json:"items"`
	Dispatched  int       `json:"dispatched"` // iterations enqueued so far
	Completed   int       `json:"completed"`  // iterations finished so far
	Failed      int       `json:"failed"`
	Results     []any     `json:"results"` // indexed by iteration
	Version     int64     `json:"version"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Done reports whether the loop has drained: no iteration is in
// flight, and either everything was dispatched or a failure stopped
// further dispatch.
func (ls *LoopState) Done() bool {
	inflight := ls.Dispatched - ls.Completed - ls.Failed
	return inflight <= 0 && (ls.Dispatched >= len(ls.Items) || ls.Failed > 0)
}

// InFlight counts dispatched iterations that have not finished
func (ls *LoopState) InFlight() int {
	return ls.Dispatched - ls.Completed - ls.Failed
}

// CredentialType classifies credential payloads
type CredentialType string

const (
	CredentialPostgres  CredentialType = "postgres"
	CredentialSnowflake CredentialType = "snowflake"
	CredentialHMAC      CredentialType = "hmac"
	CredentialBearer    CredentialType = "bearer"
	CredentialBasic     CredentialType = "basic"
	CredentialAPIKey    CredentialType = "api_key"
	CredentialHeader    CredentialType = "header"
)

// Credential is a typed secret payload resolved for one task. Values
// never appear in events, results, or logs.
type Credential struct {
	Type CredentialType    `json:"type"`
	Data map[string]string `json:"data"`
	Meta map[string]string `json:"meta,omitempty"`
}

// KeychainEntry is one cached resolved credential, scoped to the
// owning execution and evicted on TTL expiry.
type KeychainEntry struct {
	CredentialKey string    `json:"credential_key"`
	ExecutionID   int64     `json:"execution_id"`
	Ciphertext    []byte    `json:"ciphertext"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`
	AccessedAt    time.Time `json:"accessed_at"`
	AccessCount   int64     `json:"access_count"`
}

// OutcomeStatus is the binary result state of a tool invocation
type OutcomeStatus string

const (
	OutcomeOK    OutcomeStatus = "ok"
	OutcomeError OutcomeStatus = "error"
)

// Outcome is what a tool returns from one invocation
type Outcome struct {
	Status OutcomeStatus  `json:"status"`
	Data   map[string]any `json:"data,omitempty"`
	Error  *ErrorInfo     `json:"error,omitempty"`
	Meta   map[string]any `json:"meta,omitempty"`
}

// OK reports a successful outcome
func (o Outcome) OK() bool { return o.Status == OutcomeOK }

// ErrorInfo carries a classified, redacted error through events
type ErrorInfo struct {
	Kind    string `json:"kind"`
	Code    string `json:"code,omitempty"` // HTTP status, SQLSTATE, exit code
	Message string `json:"message"`
}

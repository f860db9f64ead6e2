// Package domain holds the core types shared across the execution
// coordination plane: execution records, claims, tasks, commands, and
// events, plus the execution status state machine.
package domain

import "time"

// Status is the execution lifecycle state.
type Status string

const (
	StatusIdle      Status = "Idle"
	StatusCreating  Status = "Creating"
	StatusCreated   Status = "Created"
	StatusRunning   Status = "Running"
	StatusPaused    Status = "Paused"
	StatusStopped   Status = "Stopped"
	StatusCompleted Status = "Completed"
	StatusFailed    Status = "Failed"
)

// Terminal reports whether status is an absorbing state.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusStopped:
		return true
	default:
		return false
	}
}

// legalTransitions encodes the state machine diagram.
// Terminal statuses have no outgoing edges.
var legalTransitions = map[Status]map[Status]bool{
	StatusIdle:     {StatusCreating: true},
	StatusCreating: {StatusCreated: true},
	StatusCreated: {
		StatusRunning: true,
		StatusFailed:  true, // pre-start failure
	},
	StatusRunning: {
		StatusCompleted: true,
		StatusFailed:    true,
		StatusPaused:    true, // breakpoint/explicit
		StatusStopped:   true,
	},
	StatusPaused: {
		StatusRunning: true,
		StatusStopped: true,
		StatusFailed:  true,
	},
}

// CanTransition reports whether moving from `from` to `to` is legal.
// A retry resets status to Created directly (not via Idle); the table has
// no edge back to Created, so that reset is checked separately by
// ValidateRetryReset.
func CanTransition(from, to Status) bool {
	if from == to {
		return false
	}
	if from.Terminal() {
		return false
	}
	return legalTransitions[from][to]
}

// ValidateRetryReset reports whether resetting `from` to Created for a retry
// is legal. Retries originate from Running (engine failure), so only
// Running → Created is accepted here. An execution that fails before
// reaching Running is still Created: a missing flow goes straight to
// Failed, and any other pre-start failure is retried without a reset.
func ValidateRetryReset(from Status) bool {
	return from == StatusRunning
}

// Execution is the durable record per execution.
type Execution struct {
	ID                string
	FlowID            string
	Status            Status
	ParentExecutionID string
	RootExecutionID   string
	ExecutionDepth    int
	ErrorMessage      string
	ErrorNodeID       string
	Integrations      map[string]any
	CreatedAt         time.Time
	StartedAt         *time.Time
	CompletedAt       *time.Time
}

// ClaimStatus is the lifecycle state of an execution claim.
type ClaimStatus string

const (
	ClaimActive   ClaimStatus = "active"
	ClaimReleased ClaimStatus = "released"
	ClaimExpired  ClaimStatus = "expired"
)

// Claim is the exclusive lease a worker holds on an execution.
type Claim struct {
	ExecutionID string
	WorkerID    string
	Status      ClaimStatus
	ExpiresAt   time.Time
	HeartbeatAt time.Time
}

// RetryAttempt is one entry in a task's append-only retry history.
type RetryAttempt struct {
	Attempt   int       `json:"attempt"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
	WorkerID  string    `json:"workerId"`
}

// Task is the Task Queue (C2) payload.
type Task struct {
	ExecutionID    string         `json:"executionId"`
	FlowID         string         `json:"flowId"`
	Timestamp      time.Time      `json:"timestamp"`
	RetryCount     int            `json:"retryCount"`
	MaxRetries     int            `json:"maxRetries"`
	RetryDelayMs   int            `json:"retryDelayMs"`
	RetryHistory   []RetryAttempt `json:"retryHistory"`
	Debug          bool           `json:"debug"`
	ExecutionDepth int            `json:"executionDepth"`
	ParentContext  map[string]any `json:"parentContext,omitempty"`
	Integrations   map[string]any `json:"integrations,omitempty"`
}

// ApplyDefaults fills in defaults a worker applies before processing a task.
func (t *Task) ApplyDefaults() {
	if t.MaxRetries == 0 {
		t.MaxRetries = 3
	}
	if t.RetryDelayMs == 0 {
		t.RetryDelayMs = 1000
	}
}

// RetryDelay computes the exponential backoff delay for the current
// RetryCount: delay = retryDelayMs * 2^(retryCount-1).
func (t *Task) RetryDelay() time.Duration {
	if t.RetryCount <= 0 {
		return 0
	}
	shift := uint(t.RetryCount - 1)
	ms := t.RetryDelayMs << shift
	return time.Duration(ms) * time.Millisecond
}

// CommandKind enumerates Execution command (C3) commands.
type CommandKind string

const (
	CommandCreate    CommandKind = "CREATE"
	CommandStart     CommandKind = "START"
	CommandStop      CommandKind = "STOP"
	CommandPause     CommandKind = "PAUSE"
	CommandResume    CommandKind = "RESUME"
	CommandStep      CommandKind = "STEP"
	CommandHeartbeat CommandKind = "HEARTBEAT"
)

// Command is the Command Bus (C3) payload.
type Command struct {
	ID          string         `json:"id"`
	ExecutionID string         `json:"executionId"`
	Command     CommandKind    `json:"command"`
	Payload     map[string]any `json:"payload,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	IssuedBy    string         `json:"issuedBy"`
}

// EventType enumerates Execution event (C4) event types.
type EventType string

const (
	EventFlowSubscribed EventType = "FLOW_SUBSCRIBED"
	EventFlowStarted    EventType = "FLOW_STARTED"
	EventFlowCompleted  EventType = "FLOW_COMPLETED"
	EventFlowFailed     EventType = "FLOW_FAILED"
	EventFlowCancelled  EventType = "FLOW_CANCELLED"
	EventFlowPaused     EventType = "FLOW_PAUSED"
	EventFlowResumed    EventType = "FLOW_RESUMED"

	EventNodeStarted      EventType = "NODE_STARTED"
	EventNodeBackgrounded EventType = "NODE_BACKGROUNDED"
	EventNodeCompleted    EventType = "NODE_COMPLETED"
	EventNodeFailed       EventType = "NODE_FAILED"
	EventNodeSkipped      EventType = "NODE_SKIPPED"
	EventNodeStatusChange EventType = "NODE_STATUS_CHANGED"
	EventDebugLogString   EventType = "DEBUG_LOG_STRING"

	EventEdgeTransferStarted   EventType = "EDGE_TRANSFER_STARTED"
	EventEdgeTransferCompleted EventType = "EDGE_TRANSFER_COMPLETED"
	EventEdgeTransferFailed    EventType = "EDGE_TRANSFER_FAILED"

	EventDebugBreakpointHit EventType = "DEBUG_BREAKPOINT_HIT"

	EventChildExecutionSpawned  EventType = "CHILD_EXECUTION_SPAWNED"
	EventChildExecutionComplete EventType = "CHILD_EXECUTION_COMPLETED"
	EventChildExecutionFailed   EventType = "CHILD_EXECUTION_FAILED"
)

// Event is the Event Bus (C4) payload.
type Event struct {
	ExecutionID string         `json:"executionId"`
	Index       int64          `json:"index"`
	Type        EventType      `json:"type"`
	Timestamp   time.Time      `json:"timestamp"`
	Data        map[string]any `json:"data,omitempty"`
	WorkerID    string         `json:"workerId"`
}

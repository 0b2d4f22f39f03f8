package model

import "time"

// Execution status constants. The lifecycle is
// queued → running → {succeeded | failed}; a failed execution is either
// re-queued by the retry handler or moved to dead_letter once retries are
// exhausted. dead_letter is terminal for the row.
const (
	ExecutionStatusQueued     = "queued"
	ExecutionStatusRunning    = "running"
	ExecutionStatusSucceeded  = "succeeded"
	ExecutionStatusFailed     = "failed"
	ExecutionStatusDeadLetter = "dead_letter"
)

// WorkflowExecution is one instantiated run of a workflow definition against
// a specific event payload.
type WorkflowExecution struct {
	ID         string `json:"id"`
	WorkflowID string `json:"workflow_id"`
	TenantID   string `json:"tenant_id"`
	Status     string `json:"status"`

	TriggerData TriggerData `json:"trigger_data"`

	RetryCount   int                 `json:"retry_count"`
	LastError    string              `json:"last_error,omitempty"`
	ErrorDetails *ErrorDetails       `json:"error_details,omitempty"`
	ExecutionLog []ExecutionLogEntry `json:"execution_log,omitempty"`

	// Claim bookkeeping. A claim carries a visibility timeout after which
	// the execution becomes re-claimable; an expired claim is treated as a
	// transient failure feeding the retry path.
	NotBefore      *time.Time `json:"not_before,omitempty"`
	ClaimedBy      string     `json:"claimed_by,omitempty"`
	ClaimExpiresAt *time.Time `json:"claim_expires_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ErrorDetails is the structured diagnostic context recorded on a failed
// execution and copied into its dead-letter entry.
type ErrorDetails struct {
	Type    string         `json:"type"`
	Message string         `json:"message"`
	Context map[string]any `json:"context,omitempty"`
}

// ExecutionLogEntry is one step of the ordered trace an execution accumulates
// as its actions run.
type ExecutionLogEntry struct {
	ActionIndex int       `json:"action_index"`
	ActionKind  string    `json:"action_kind"`
	Status      string    `json:"status"`
	Message     string    `json:"message,omitempty"`
	At          time.Time `json:"at"`
}

// Dead-letter entry status constants. failed → retrying (manual requeue) or
// failed → resolved (terminal).
const (
	DeadLetterStatusFailed   = "failed"
	DeadLetterStatusRetrying = "retrying"
	DeadLetterStatusResolved = "resolved"
)

// DeadLetterEntry is the durable record of an execution that exhausted its
// retries, holding full diagnostic context for operator triage. The stored
// trigger_data and error_details are never mutated; manual operations only
// add a fresh execution or stamp the audit fields.
type DeadLetterEntry struct {
	ID                  string `json:"id"`
	WorkflowExecutionID string `json:"workflow_execution_id"`
	WorkflowID          string `json:"workflow_id"`
	TenantID            string `json:"tenant_id"`

	TriggerData  TriggerData         `json:"trigger_data"`
	ExecutionLog []ExecutionLogEntry `json:"execution_log,omitempty"`
	ErrorType    string              `json:"error_type"`
	ErrorMessage string              `json:"error_message"`
	ErrorDetails *ErrorDetails       `json:"error_details,omitempty"`

	// TotalAttempts counts retries only; the original attempt is not
	// included. An execution dead-lettered at max_retries=3 records 3.
	TotalAttempts int       `json:"total_attempts"`
	FirstFailedAt time.Time `json:"first_failed_at"`
	LastAttemptAt time.Time `json:"last_attempt_at"`

	Status                 string     `json:"status"`
	ManualRetryRequestedBy string     `json:"manual_retry_requested_by,omitempty"`
	ManualRetryRequestedAt *time.Time `json:"manual_retry_requested_at,omitempty"`
	ResolvedBy             string     `json:"resolved_by,omitempty"`
	ResolvedAt             *time.Time `json:"resolved_at,omitempty"`
	ResolutionNotes        string     `json:"resolution_notes,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

package domain

import (
	"time"
)

// ErrorType classifies why a row or table failed.
type ErrorType string

const (
	ErrorTypeNullViolation     ErrorType = "NullViolation"
	ErrorTypeDuplicateRow      ErrorType = "DuplicateRow"
	ErrorTypeNegativeValue     ErrorType = "NegativeValue"
	ErrorTypeSchemaMismatch    ErrorType = "SchemaMismatch"
	ErrorTypeForeignKeyMissing ErrorType = "ForeignKeyMissing"
	ErrorTypeLoadFailure       ErrorType = "LoadFailure"
)

// Severity decides whether an error blocks the window.
type Severity string

const (
	SeverityCritical Severity = "Critical"
	SeverityWarning  Severity = "Warning"
)

// MaxRetryCount is the number of failed attempts after which a record is left
// for manual intervention.
const MaxRetryCount = 3

// ErrorRecord is one entry of the append-only error ledger.
type ErrorRecord struct {
	ErrorID           int64       `json:"error_id"`
	SourceTable       string      `json:"source_table"`
	RecordNaturalKey  *NaturalKey `json:"record_natural_key,omitempty"`
	ErrorType         ErrorType   `json:"error_type"`
	ErrorSeverity     Severity    `json:"error_severity"`
	ErrorMessage      string      `json:"error_message"`
	FailedData        Row         `json:"failed_data,omitempty"`
	ProcessingBatchID string      `json:"processing_batch_id"`
	IsRecoverable     bool        `json:"is_recoverable"`
	RetryCount        int         `json:"retry_count"`
	IsResolved        bool        `json:"is_resolved"`
	CreatedAt         time.Time   `json:"created_at"`
	LastAttemptDate   *time.Time  `json:"last_attempt_date,omitempty"`
	ResolvedAt        *time.Time  `json:"resolved_at,omitempty"`
}

// Retryable reports whether the reprocessor may still pick the record up.
func (e ErrorRecord) Retryable() bool {
	return e.IsRecoverable && !e.IsResolved && e.RetryCount < MaxRetryCount
}

// DeadLettered reports whether the record exhausted its automatic retries.
func (e ErrorRecord) DeadLettered() bool {
	return e.IsRecoverable && !e.IsResolved && e.RetryCount >= MaxRetryCount
}

// LastTouched is the ordering key for oldest-attempt-first selection.
func (e ErrorRecord) LastTouched() time.Time {
	if e.LastAttemptDate != nil {
		return *e.LastAttemptDate
	}
	return e.CreatedAt
}

// ErrorFilter narrows ledger listings.
type ErrorFilter struct {
	SourceTable    string
	UnresolvedOnly bool
	DeadLetterOnly bool
	Limit          int
	Offset         int
}

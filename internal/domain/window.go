package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ProcessingWindow is the [From, To] range extracted and merged by one run.
type ProcessingWindow struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Validate rejects inverted windows.
func (w ProcessingWindow) Validate() error {
	if w.To.IsZero() {
		return fmt.Errorf("processing window end is required")
	}
	if !w.From.IsZero() && w.To.Before(w.From) {
		return fmt.Errorf("processing window end %s is before start %s", w.To.Format(time.RFC3339), w.From.Format(time.RFC3339))
	}
	return nil
}

// ProcessingDate is the calendar date new dimension versions start on.
func (w ProcessingWindow) ProcessingDate() time.Time {
	return TruncateDate(w.To)
}

// BatchID returns the processing batch identifier for a table in this window.
func (w ProcessingWindow) BatchID(table string) string {
	return fmt.Sprintf("%s_%s", w.ProcessingDate().Format("20060102"), strings.ToLower(table))
}

// RunStatus is the lifecycle state of a window run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusHalted    RunStatus = "halted"
)

// RunLog is the persisted record of one window run.
type RunLog struct {
	RunID                 uuid.UUID        `json:"run_id"`
	TaskName              string           `json:"task_name"`
	Window                ProcessingWindow `json:"window"`
	Status                RunStatus        `json:"status"`
	StartedAt             time.Time        `json:"started_at"`
	FinishedAt            *time.Time       `json:"finished_at,omitempty"`
	DimensionRowsInserted int              `json:"dimension_rows_inserted"`
	DimensionRowsExpired  int              `json:"dimension_rows_expired"`
	FactsLoaded           int              `json:"facts_loaded"`
	ErrorsRecorded        int              `json:"errors_recorded"`
	ErrorMessage          *string          `json:"error_message,omitempty"`
}

// NewRunLog starts a run log entry for the window.
func NewRunLog(taskName string, window ProcessingWindow) RunLog {
	return RunLog{
		RunID:     uuid.New(),
		TaskName:  taskName,
		Window:    window,
		Status:    RunStatusRunning,
		StartedAt: time.Now().UTC(),
	}
}

// SourceTable names a source table and the column that bounds incremental
// extraction. An empty IncrementalColumn means the whole table is read.
type SourceTable struct {
	Name              string `json:"name"`
	IncrementalColumn string `json:"incremental_column,omitempty"`
}

// Contains reports whether t falls in the half-open window (From, To]. A zero
// From leaves the window unbounded below.
func (w ProcessingWindow) Contains(t time.Time) bool {
	if !w.From.IsZero() && !t.After(w.From) {
		return false
	}
	return !t.After(w.To)
}

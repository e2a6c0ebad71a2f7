// Package pipeline sequences one processing window: validation, dimension
// merges, fact resolution and loading, then error reprocessing.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rpattn/dwhsync/internal/dimension"
	"github.com/rpattn/dwhsync/internal/domain"
	"github.com/rpattn/dwhsync/internal/facts"
	"github.com/rpattn/dwhsync/internal/ledger"
	"github.com/rpattn/dwhsync/internal/lookup"
	"github.com/rpattn/dwhsync/internal/metrics"
	"github.com/rpattn/dwhsync/internal/scd"
	"github.com/rpattn/dwhsync/internal/validator"
)

// FactStore persists resolved fact rows idempotently.
type FactStore interface {
	Insert(ctx context.Context, records []domain.FactRecord) (int, error)
}

// Batch is the extracted content of one source table.
type Batch struct {
	Name   string
	Rows   []domain.Row
	Policy domain.TablePolicy
}

// DimensionBatch pairs a dimension with its incoming batch.
type DimensionBatch struct {
	Table domain.DimensionTable
	Batch Batch
}

// FactBatch pairs a fact table with its incoming batch.
type FactBatch struct {
	Table domain.FactTable
	Batch Batch
}

// Batches is everything extracted for one window.
type Batches struct {
	Dimensions []DimensionBatch
	Facts      []FactBatch
}

// RunSummary reports what one window did.
type RunSummary struct {
	Window         domain.ProcessingWindow          `json:"window"`
	Status         domain.RunStatus                 `json:"status"`
	Checks         []domain.CheckResult             `json:"checks"`
	Dimensions     map[string]dimension.MergeResult `json:"dimensions"`
	FactsLoaded    map[string]int                   `json:"facts_loaded"`
	RowsSkipped    map[string]int                   `json:"rows_skipped"`
	ErrorsRecorded int                              `json:"errors_recorded"`
	FailedStages   []string                         `json:"failed_stages,omitempty"`
	Reprocess      *ledger.ReprocessSummary         `json:"reprocess,omitempty"`
}

// Totals sums dimension and fact counts across tables.
func (s RunSummary) Totals() (inserted, expired, loaded int) {
	for _, result := range s.Dimensions {
		inserted += result.Inserted
		expired += result.Expired
	}
	for _, n := range s.FactsLoaded {
		loaded += n
	}
	return inserted, expired, loaded
}

// Options tune the coordinator.
type Options struct {
	ReprocessAfterWindow bool
	ReprocessLimit       int
}

// Coordinator runs the merge engine stages for one window at a time.
type Coordinator struct {
	dimensions dimension.Store
	merger     *dimension.Merger
	facts      FactStore
	ledger     *ledger.Ledger
	logger     *zap.Logger
	metrics    *metrics.Metrics
	opts       Options
}

// NewCoordinator wires the stages together.
func NewCoordinator(dimensions dimension.Store, factStore FactStore, l *ledger.Ledger, logger *zap.Logger, m *metrics.Metrics, opts Options) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		dimensions: dimensions,
		merger:     dimension.NewMerger(dimensions, logger, m),
		facts:      factStore,
		ledger:     l,
		logger:     logger,
		metrics:    m,
		opts:       opts,
	}
}

// RunWindow processes one window. A critical validation failure halts the
// window before any write and returns an error wrapping
// domain.ErrCriticalValidation. Dimension and fact stage failures are
// recorded in the ledger, do not stop the other tables, and are joined into
// the returned error.
func (c *Coordinator) RunWindow(ctx context.Context, window domain.ProcessingWindow, batches Batches) (RunSummary, error) {
	summary := RunSummary{
		Window:      window,
		Status:      domain.RunStatusRunning,
		Dimensions:  map[string]dimension.MergeResult{},
		FactsLoaded: map[string]int{},
		RowsSkipped: map[string]int{},
	}
	if err := window.Validate(); err != nil {
		summary.Status = domain.RunStatusFailed
		return summary, err
	}

	processingDate := window.ProcessingDate()
	logger := c.logger.With(zap.Time("processing_date", processingDate))

	gated, err := c.gate(ctx, window, batches, &summary)
	if err != nil {
		summary.Status = domain.RunStatusHalted
		if !errors.Is(err, domain.ErrCriticalValidation) {
			summary.Status = domain.RunStatusFailed
		}
		logger.Error("window halted by validation", zap.Error(err))
		return summary, err
	}

	var stageErrs []error

	for _, job := range gated.Dimensions {
		if err := ctx.Err(); err != nil {
			summary.Status = domain.RunStatusFailed
			return summary, err
		}
		result, err := c.mergeDimension(ctx, window, job)
		if err != nil {
			stageErrs = append(stageErrs, err)
			summary.FailedStages = append(summary.FailedStages, job.Table.Name)
			if recErr := c.recordStageFailure(ctx, window, job.Table.Name, err, &summary); recErr != nil {
				summary.Status = domain.RunStatusFailed
				return summary, recErr
			}
			continue
		}
		summary.Dimensions[job.Table.Name] = result
		if err := c.recordConflicts(ctx, window, job.Table, result.Conflicts, &summary); err != nil {
			summary.Status = domain.RunStatusFailed
			return summary, err
		}
	}

	lookups, err := c.lookupMaps(ctx, gated.Facts)
	if err != nil {
		summary.Status = domain.RunStatusFailed
		return summary, err
	}

	for _, job := range gated.Facts {
		if err := ctx.Err(); err != nil {
			summary.Status = domain.RunStatusFailed
			return summary, err
		}
		loaded, err := c.loadFacts(ctx, window, job, lookups, &summary)
		if err != nil {
			if !errors.Is(err, domain.ErrLoadFailure) {
				summary.Status = domain.RunStatusFailed
				return summary, err
			}
			stageErrs = append(stageErrs, err)
			summary.FailedStages = append(summary.FailedStages, job.Table.Name)
			continue
		}
		summary.FactsLoaded[job.Table.Name] = loaded
	}

	if c.opts.ReprocessAfterWindow && c.ledger != nil {
		reprocessed, err := c.ledger.Reprocess(ctx, c.opts.ReprocessLimit)
		if err != nil {
			logger.Warn("reprocess pass failed", zap.Error(err))
		} else {
			summary.Reprocess = &reprocessed
		}
	}

	if len(stageErrs) > 0 {
		summary.Status = domain.RunStatusFailed
		return summary, errors.Join(stageErrs...)
	}

	summary.Status = domain.RunStatusSucceeded
	inserted, expired, loaded := summary.Totals()
	logger.Info("window processed",
		zap.Int("dimension_rows_inserted", inserted),
		zap.Int("dimension_rows_expired", expired),
		zap.Int("facts_loaded", loaded),
		zap.Int("errors_recorded", summary.ErrorsRecorded),
	)
	return summary, nil
}

// gate validates every batch before anything is written. Critical findings
// are recorded and halt the window; warnings are recorded and their rows are
// dropped from the returned batches.
func (c *Coordinator) gate(ctx context.Context, window domain.ProcessingWindow, batches Batches, summary *RunSummary) (Batches, error) {
	type pending struct {
		batch      Batch
		naturalKey string
		verdict    verdict
	}

	var (
		all      []pending
		critical []domain.ErrorRecord
	)

	for _, job := range batches.Dimensions {
		v := classify(job.Batch, validator.Validate(job.Batch.Name, job.Batch.Rows))
		all = append(all, pending{batch: job.Batch, naturalKey: job.Table.NaturalKey, verdict: v})
	}
	for _, job := range batches.Facts {
		v := classify(job.Batch, validator.Validate(job.Batch.Name, job.Batch.Rows))
		all = append(all, pending{batch: job.Batch, naturalKey: job.Table.NaturalKey, verdict: v})
	}

	for _, p := range all {
		summary.Checks = append(summary.Checks, p.verdict.checks...)
		for _, finding := range p.verdict.critical {
			critical = append(critical, domain.ErrorRecord{
				SourceTable:       p.batch.Name,
				ErrorType:         finding.errorType,
				ErrorSeverity:     domain.SeverityCritical,
				ErrorMessage:      finding.message,
				FailedData:        domain.Row{"column": finding.column, "violations": int64(finding.count)},
				ProcessingBatchID: window.BatchID(p.batch.Name),
			})
		}
	}

	if len(critical) > 0 {
		if err := c.record(ctx, critical, summary); err != nil {
			return Batches{}, err
		}
		tables := make([]string, 0, len(critical))
		for _, record := range critical {
			tables = append(tables, fmt.Sprintf("%s (%s)", record.SourceTable, record.ErrorMessage))
		}
		return Batches{}, fmt.Errorf("%w: %s", domain.ErrCriticalValidation, strings.Join(tables, "; "))
	}

	var warnings []domain.ErrorRecord
	for _, p := range all {
		for _, idx := range p.verdict.skippedRows() {
			row := p.batch.Rows[idx]
			var key *domain.NaturalKey
			if p.naturalKey != "" {
				if k, ok := row.Key(p.naturalKey); ok {
					key = &k
				}
			}
			for _, finding := range p.verdict.rowFindings[idx] {
				warnings = append(warnings, domain.ErrorRecord{
					SourceTable:       p.batch.Name,
					RecordNaturalKey:  key,
					ErrorType:         finding.errorType,
					ErrorSeverity:     domain.SeverityWarning,
					ErrorMessage:      finding.message,
					FailedData:        row.Clone(),
					ProcessingBatchID: window.BatchID(p.batch.Name),
				})
			}
		}
		if skipped := len(p.verdict.rowFindings); skipped > 0 {
			summary.RowsSkipped[p.batch.Name] = skipped
			c.logger.Warn("dropping rows that failed non-critical checks",
				zap.String("batch", p.batch.Name),
				zap.Int("rows", skipped),
			)
		}
	}
	if err := c.record(ctx, warnings, summary); err != nil {
		return Batches{}, err
	}

	gated := Batches{}
	pos := 0
	for _, job := range batches.Dimensions {
		job.Batch.Rows = all[pos].verdict.keep(job.Batch.Rows)
		gated.Dimensions = append(gated.Dimensions, job)
		pos++
	}
	for _, job := range batches.Facts {
		job.Batch.Rows = all[pos].verdict.keep(job.Batch.Rows)
		gated.Facts = append(gated.Facts, job)
		pos++
	}
	return gated, nil
}

func (c *Coordinator) mergeDimension(ctx context.Context, window domain.ProcessingWindow, job DimensionBatch) (dimension.MergeResult, error) {
	current, err := c.dimensions.CurrentRows(ctx, job.Table.Name)
	if err != nil {
		return dimension.MergeResult{}, fmt.Errorf("%w: dimension %s snapshot: %v", domain.ErrLoadFailure, job.Table.Name, err)
	}

	diff, err := scd.Diff(current, job.Batch.Rows, job.Table.NaturalKey, job.Table.TrackedColumns)
	if err != nil {
		return dimension.MergeResult{}, fmt.Errorf("dimension %s: %w", job.Table.Name, err)
	}
	diff.Dimension = job.Table.Name

	if diff.Empty() {
		c.logger.Debug("dimension unchanged", zap.String("dimension", job.Table.Name), zap.Int("rows", len(job.Batch.Rows)))
		return dimension.MergeResult{}, nil
	}

	return c.merger.Merge(ctx, job.Table, diff, window.ProcessingDate())
}

// lookupMaps snapshots the current state of every dimension referenced by a
// fact batch. It runs after all merges of the window.
func (c *Coordinator) lookupMaps(ctx context.Context, jobs []FactBatch) (map[string]domain.LookupMap, error) {
	current := map[string][]domain.DimensionRow{}
	for _, job := range jobs {
		for _, name := range lookup.Dimensions(job.Table) {
			if _, ok := current[name]; ok {
				continue
			}
			rows, err := c.dimensions.CurrentRows(ctx, name)
			if err != nil {
				return nil, fmt.Errorf("failed to snapshot dimension %s: %w", name, err)
			}
			current[name] = rows
		}
	}
	return lookup.BuildMaps(current), nil
}

func (c *Coordinator) loadFacts(ctx context.Context, window domain.ProcessingWindow, job FactBatch, lookups map[string]domain.LookupMap, summary *RunSummary) (int, error) {
	batchID := window.BatchID(job.Table.Name)
	logger := c.logger.With(zap.String("fact_table", job.Table.Name), zap.String("batch_id", batchID))

	resolution := facts.Resolve(job.Table, job.Batch.Rows, lookups)
	for idx := range resolution.Errors {
		resolution.Errors[idx].ProcessingBatchID = batchID
	}
	if err := c.record(ctx, resolution.Errors, summary); err != nil {
		return 0, err
	}
	if len(resolution.Errors) > 0 {
		logger.Warn("fact rows could not be resolved", zap.Int("rows", len(resolution.Errors)))
	}

	records := make([]domain.FactRecord, 0, len(resolution.Loadable))
	for idx, row := range resolution.Loadable {
		if err := facts.CheckLoadable(job.Table, row); err != nil {
			return 0, err
		}
		rowKey, err := job.Table.RowKey(resolution.Sources[idx])
		if err != nil {
			return 0, fmt.Errorf("failed to key %s row: %w", job.Table.Name, err)
		}
		records = append(records, domain.FactRecord{
			FactTable:         job.Table.Name,
			RowKey:            rowKey,
			ProcessingBatchID: batchID,
			Data:              row,
		})
	}

	if len(records) == 0 {
		return 0, nil
	}

	loaded, err := c.facts.Insert(ctx, records)
	if err != nil {
		failures := make([]domain.ErrorRecord, 0, len(records))
		for idx := range records {
			source := resolution.Sources[idx]
			failures = append(failures, domain.ErrorRecord{
				SourceTable:       job.Table.Name,
				RecordNaturalKey:  job.Table.RecordKey(source),
				ErrorType:         domain.ErrorTypeLoadFailure,
				ErrorSeverity:     domain.SeverityWarning,
				ErrorMessage:      err.Error(),
				FailedData:        source.Clone(),
				ProcessingBatchID: batchID,
				IsRecoverable:     true,
			})
		}
		if recErr := c.record(ctx, failures, summary); recErr != nil {
			return 0, recErr
		}
		logger.Error("fact load failed", zap.Int("rows", len(records)), zap.Error(err))
		return 0, fmt.Errorf("%w: fact %s: %v", domain.ErrLoadFailure, job.Table.Name, err)
	}

	c.metrics.FactsLoaded(job.Table.Name, loaded)
	logger.Info("facts loaded",
		zap.Int("loaded", loaded),
		zap.Int("already_present", len(records)-loaded),
		zap.Int("unresolved", len(resolution.Errors)),
	)
	return loaded, nil
}

func (c *Coordinator) recordStageFailure(ctx context.Context, window domain.ProcessingWindow, table string, stageErr error, summary *RunSummary) error {
	errorType := domain.ErrorTypeLoadFailure
	if errors.Is(stageErr, domain.ErrSchemaMismatch) {
		errorType = domain.ErrorTypeSchemaMismatch
	}
	c.logger.Error("dimension merge failed", zap.String("dimension", table), zap.String("error_type", string(errorType)), zap.Error(stageErr))
	return c.record(ctx, []domain.ErrorRecord{{
		SourceTable:       table,
		ErrorType:         errorType,
		ErrorSeverity:     domain.SeverityCritical,
		ErrorMessage:      stageErr.Error(),
		ProcessingBatchID: window.BatchID(table),
	}}, summary)
}

// recordConflicts keeps the versions a merge could not apply. They are not
// recoverable by replay: the key's current version belongs to another date.
func (c *Coordinator) recordConflicts(ctx context.Context, window domain.ProcessingWindow, table domain.DimensionTable, conflicts []domain.DimensionRow, summary *RunSummary) error {
	if len(conflicts) == 0 {
		return nil
	}
	records := make([]domain.ErrorRecord, 0, len(conflicts))
	for _, version := range conflicts {
		key := version.NaturalKey
		records = append(records, domain.ErrorRecord{
			SourceTable:       table.Name,
			RecordNaturalKey:  &key,
			ErrorType:         domain.ErrorTypeLoadFailure,
			ErrorSeverity:     domain.SeverityWarning,
			ErrorMessage:      fmt.Sprintf("current version of %s does not start on processing date %s", key, version.ValidFrom.Format(time.DateOnly)),
			FailedData:        version.Attributes.Clone(),
			ProcessingBatchID: window.BatchID(table.Name),
		})
	}
	return c.record(ctx, records, summary)
}

func (c *Coordinator) record(ctx context.Context, records []domain.ErrorRecord, summary *RunSummary) error {
	if len(records) == 0 {
		return nil
	}
	if c.ledger == nil {
		return fmt.Errorf("no error ledger configured for %d error records", len(records))
	}
	stored, err := c.ledger.RecordAll(ctx, records)
	summary.ErrorsRecorded += len(stored)
	return err
}

type finding struct {
	errorType domain.ErrorType
	column    string
	count     int
	message   string
}

type verdict struct {
	checks      []domain.CheckResult
	critical    []finding
	rowFindings map[int][]finding
}

func (v verdict) skippedRows() []int {
	rows := make([]int, 0, len(v.rowFindings))
	for idx := range v.rowFindings {
		rows = append(rows, idx)
	}
	sort.Ints(rows)
	return rows
}

func (v verdict) keep(rows []domain.Row) []domain.Row {
	if len(v.rowFindings) == 0 {
		return rows
	}
	kept := make([]domain.Row, 0, len(rows)-len(v.rowFindings))
	for idx, row := range rows {
		if _, skip := v.rowFindings[idx]; !skip {
			kept = append(kept, row)
		}
	}
	return kept
}

// classify applies the table policy to check results. NULLs in nullable
// columns are accepted, failures in critical columns halt the window, and
// everything else marks the offending rows to be skipped.
func classify(batch Batch, results []domain.CheckResult) verdict {
	v := verdict{checks: results, rowFindings: map[int][]finding{}}

	for _, result := range results {
		if result.Passed {
			continue
		}

		columns := make([]string, 0, len(result.Rows))
		for column := range result.Rows {
			columns = append(columns, column)
		}
		sort.Strings(columns)

		for _, column := range columns {
			rows := result.Rows[column]
			if len(rows) == 0 {
				continue
			}
			if result.Check == domain.CheckNull && batch.Policy.IsNullable(column) {
				continue
			}

			f := finding{
				errorType: result.ErrorType(),
				column:    column,
				count:     len(rows),
				message:   findingMessage(result.Check, column, len(rows)),
			}
			if column != "" && batch.Policy.IsCritical(column) {
				v.critical = append(v.critical, f)
				continue
			}
			for _, idx := range rows {
				v.rowFindings[idx] = append(v.rowFindings[idx], finding{
					errorType: f.errorType,
					column:    column,
					count:     1,
					message:   rowMessage(result.Check, column),
				})
			}
		}
	}
	return v
}

func rowMessage(check, column string) string {
	switch check {
	case domain.CheckNull:
		return "null value in " + column
	case domain.CheckDuplicate:
		return "duplicate of an earlier row in the batch"
	default:
		return "negative value in " + column
	}
}

func findingMessage(check, column string, count int) string {
	switch check {
	case domain.CheckNull:
		return fmt.Sprintf("%d nulls in %s", count, column)
	case domain.CheckDuplicate:
		return fmt.Sprintf("%d duplicate rows", count)
	default:
		return fmt.Sprintf("%d negative values in %s", count, column)
	}
}

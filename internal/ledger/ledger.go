package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rpattn/dwhsync/internal/domain"
	"github.com/rpattn/dwhsync/internal/metrics"
)

// Repository persists error records.
type Repository interface {
	Insert(ctx context.Context, record domain.ErrorRecord) (domain.ErrorRecord, error)
	// SelectRetryable returns unresolved recoverable records with fewer than
	// MaxRetryCount attempts, least recently attempted first.
	SelectRetryable(ctx context.Context, limit int) ([]domain.ErrorRecord, error)
	MarkResolved(ctx context.Context, errorID int64, at time.Time) error
	// RecordAttempt increments the retry count and stamps the attempt time,
	// returning the updated record.
	RecordAttempt(ctx context.Context, errorID int64, at time.Time) (domain.ErrorRecord, error)
	List(ctx context.Context, filter domain.ErrorFilter) ([]domain.ErrorRecord, error)
}

// Retrier re-attempts the operation that produced an error record. A nil
// return means the underlying row has been loaded.
type Retrier interface {
	Retry(ctx context.Context, record domain.ErrorRecord) error
}

// RetrierFunc adapts a function to Retrier.
type RetrierFunc func(ctx context.Context, record domain.ErrorRecord) error

// Retry calls f.
func (f RetrierFunc) Retry(ctx context.Context, record domain.ErrorRecord) error {
	return f(ctx, record)
}

// PassScoped is implemented by retriers that cache lookups for the length of
// one reprocessing pass.
type PassScoped interface {
	BeginPass()
}

// PassLocker is implemented by repositories shared between processes. LockPass
// takes a lock held for the whole reprocessing pass; acquired is false when
// another holder has it.
type PassLocker interface {
	LockPass(ctx context.Context) (release func(), acquired bool, err error)
}

// ErrReprocessInProgress is returned when another reprocessing pass holds the
// ledger.
var ErrReprocessInProgress = errors.New("reprocessing pass already in progress")

// DefaultReprocessLimit bounds one reprocessing pass when no limit is given.
const DefaultReprocessLimit = 100

// Ledger records row and table failures and retries the recoverable ones.
type Ledger struct {
	repo     Repository
	logger   *zap.Logger
	metrics  *metrics.Metrics
	retriers map[domain.ErrorType]Retrier
	now      func() time.Time

	passing sync.Mutex
}

// New creates a ledger over repo.
func New(repo Repository, logger *zap.Logger, m *metrics.Metrics) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{
		repo:     repo,
		logger:   logger,
		metrics:  m,
		retriers: map[domain.ErrorType]Retrier{},
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Register installs the retrier for an error type, replacing any previous one.
func (l *Ledger) Register(errorType domain.ErrorType, retrier Retrier) {
	l.retriers[errorType] = retrier
}

// Record appends a new unresolved entry with a zero retry count.
func (l *Ledger) Record(ctx context.Context, record domain.ErrorRecord) (domain.ErrorRecord, error) {
	if record.SourceTable == "" {
		return domain.ErrorRecord{}, fmt.Errorf("error record source table is required")
	}
	if record.ErrorType == "" {
		return domain.ErrorRecord{}, fmt.Errorf("error record type is required")
	}
	if record.ErrorSeverity == "" {
		record.ErrorSeverity = domain.SeverityWarning
	}

	record.ErrorID = 0
	record.RetryCount = 0
	record.IsResolved = false
	record.LastAttemptDate = nil
	record.ResolvedAt = nil
	if record.CreatedAt.IsZero() {
		record.CreatedAt = l.now()
	}

	stored, err := l.repo.Insert(ctx, record)
	if err != nil {
		return domain.ErrorRecord{}, fmt.Errorf("failed to record %s error for %s: %w", record.ErrorType, record.SourceTable, err)
	}

	l.metrics.ErrorRecorded(stored.SourceTable, string(stored.ErrorType), string(stored.ErrorSeverity))
	l.logger.Debug("error recorded",
		zap.Int64("error_id", stored.ErrorID),
		zap.String("source_table", stored.SourceTable),
		zap.String("error_type", string(stored.ErrorType)),
		zap.String("severity", string(stored.ErrorSeverity)),
		zap.Bool("recoverable", stored.IsRecoverable),
	)
	return stored, nil
}

// RecordAll records every entry, stopping at the first failure.
func (l *Ledger) RecordAll(ctx context.Context, records []domain.ErrorRecord) ([]domain.ErrorRecord, error) {
	stored := make([]domain.ErrorRecord, 0, len(records))
	for _, record := range records {
		out, err := l.Record(ctx, record)
		if err != nil {
			return stored, err
		}
		stored = append(stored, out)
	}
	return stored, nil
}

// List returns ledger entries matching filter.
func (l *Ledger) List(ctx context.Context, filter domain.ErrorFilter) ([]domain.ErrorRecord, error) {
	return l.repo.List(ctx, filter)
}

// ReprocessSummary counts the outcome of one reprocessing pass.
type ReprocessSummary struct {
	Selected     int `json:"selected"`
	Resolved     int `json:"resolved"`
	Failed       int `json:"failed"`
	DeadLettered int `json:"dead_lettered"`
}

// Reprocess retries up to limit recoverable records, oldest attempt first. A
// successful retry resolves the record; a failed one increments its retry
// count, and records reaching MaxRetryCount are no longer selected. Passes
// never overlap: a concurrent call returns ErrReprocessInProgress.
func (l *Ledger) Reprocess(ctx context.Context, limit int) (ReprocessSummary, error) {
	if limit <= 0 {
		limit = DefaultReprocessLimit
	}

	if !l.passing.TryLock() {
		return ReprocessSummary{}, ErrReprocessInProgress
	}
	defer l.passing.Unlock()

	if locker, ok := l.repo.(PassLocker); ok {
		release, acquired, err := locker.LockPass(ctx)
		if err != nil {
			return ReprocessSummary{}, fmt.Errorf("failed to lock reprocessing pass: %w", err)
		}
		if !acquired {
			return ReprocessSummary{}, ErrReprocessInProgress
		}
		defer release()
	}

	records, err := l.repo.SelectRetryable(ctx, limit)
	if err != nil {
		return ReprocessSummary{}, fmt.Errorf("failed to select retryable errors: %w", err)
	}

	summary := ReprocessSummary{Selected: len(records)}
	if len(records) > 0 {
		l.beginPass()
	}

	for _, record := range records {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		retryErr := l.retry(ctx, record)
		if retryErr != nil && errors.Is(retryErr, context.Canceled) {
			return summary, retryErr
		}

		now := l.now()
		if retryErr == nil {
			if err := l.repo.MarkResolved(ctx, record.ErrorID, now); err != nil {
				return summary, fmt.Errorf("failed to resolve error %d: %w", record.ErrorID, err)
			}
			summary.Resolved++
			l.metrics.Reprocessed("resolved")
			l.logger.Info("error resolved",
				zap.Int64("error_id", record.ErrorID),
				zap.String("source_table", record.SourceTable),
				zap.String("error_type", string(record.ErrorType)),
			)
			continue
		}

		updated, err := l.repo.RecordAttempt(ctx, record.ErrorID, now)
		if err != nil {
			return summary, fmt.Errorf("failed to record attempt for error %d: %w", record.ErrorID, err)
		}
		summary.Failed++

		if updated.DeadLettered() {
			summary.DeadLettered++
			l.metrics.Reprocessed("dead_lettered")
			l.logger.Warn("error exhausted retries",
				zap.Int64("error_id", record.ErrorID),
				zap.String("source_table", record.SourceTable),
				zap.String("error_type", string(record.ErrorType)),
				zap.Int("retry_count", updated.RetryCount),
				zap.Error(retryErr),
			)
			continue
		}

		l.metrics.Reprocessed("failed")
		l.logger.Info("error retry failed",
			zap.Int64("error_id", record.ErrorID),
			zap.Int("retry_count", updated.RetryCount),
			zap.Error(retryErr),
		)
	}

	return summary, nil
}

func (l *Ledger) beginPass() {
	seen := map[PassScoped]struct{}{}
	for _, retrier := range l.retriers {
		scoped, ok := retrier.(PassScoped)
		if !ok {
			continue
		}
		if _, done := seen[scoped]; done {
			continue
		}
		seen[scoped] = struct{}{}
		scoped.BeginPass()
	}
}

func (l *Ledger) retry(ctx context.Context, record domain.ErrorRecord) error {
	retrier, ok := l.retriers[record.ErrorType]
	if !ok {
		return fmt.Errorf("no retrier registered for %s", record.ErrorType)
	}
	return retrier.Retry(ctx, record)
}

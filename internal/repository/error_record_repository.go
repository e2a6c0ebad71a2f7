package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rpattn/dwhsync/internal/domain"
	"github.com/rpattn/dwhsync/internal/ledger"
)

const errorRecordColumns = `error_id, source_table, record_natural_key, error_type, error_severity, error_message,
	failed_data, processing_batch_id, is_recoverable, retry_count, is_resolved, created_at, last_attempt_date, resolved_at`

// reprocessLockKey is the advisory lock serializing reprocessing passes across
// processes sharing one database.
const reprocessLockKey int64 = 0x64776873796e63

type errorRecordRepository struct {
	pool *pgxpool.Pool
}

// NewErrorRecordRepository wires the error ledger to error_records.
func NewErrorRecordRepository(pool *pgxpool.Pool) ledger.Repository {
	return &errorRecordRepository{pool: pool}
}

var _ ledger.PassLocker = (*errorRecordRepository)(nil)

func (r *errorRecordRepository) Insert(ctx context.Context, record domain.ErrorRecord) (domain.ErrorRecord, error) {
	if r.pool == nil {
		return domain.ErrorRecord{}, fmt.Errorf("error record repository not initialized")
	}

	var naturalKey any
	if record.RecordNaturalKey != nil {
		naturalKey = string(*record.RecordNaturalKey)
	}

	var failedData any
	if record.FailedData != nil {
		encoded, err := domain.EncodeRow(record.FailedData)
		if err != nil {
			return domain.ErrorRecord{}, fmt.Errorf("failed to encode failed data: %w", err)
		}
		failedData = encoded
	}

	row := r.pool.QueryRow(ctx,
		`INSERT INTO error_records (source_table, record_natural_key, error_type, error_severity, error_message,
		     failed_data, processing_batch_id, is_recoverable, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING `+errorRecordColumns,
		record.SourceTable,
		naturalKey,
		string(record.ErrorType),
		string(record.ErrorSeverity),
		record.ErrorMessage,
		failedData,
		record.ProcessingBatchID,
		record.IsRecoverable,
		record.CreatedAt,
	)

	stored, err := scanErrorRecord(row)
	if err != nil {
		return domain.ErrorRecord{}, fmt.Errorf("failed to record error: %w", err)
	}
	return stored, nil
}

func (r *errorRecordRepository) SelectRetryable(ctx context.Context, limit int) ([]domain.ErrorRecord, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+errorRecordColumns+`
		 FROM error_records
		 WHERE is_recoverable AND NOT is_resolved AND retry_count < $1
		 ORDER BY COALESCE(last_attempt_date, created_at), error_id
		 LIMIT $2`,
		domain.MaxRetryCount, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to select retryable errors: %w", err)
	}
	return collectErrorRecords(rows)
}

// LockPass holds a session advisory lock on a dedicated connection until
// release is called.
func (r *errorRecordRepository) LockPass(ctx context.Context) (func(), bool, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, reprocessLockKey).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("failed to take reprocess lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	release := func() {
		if _, err := conn.Exec(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1)`, reprocessLockKey); err != nil {
			// The lock dies with the session.
			conn.Conn().Close(context.WithoutCancel(ctx))
		}
		conn.Release()
	}
	return release, true, nil
}

func (r *errorRecordRepository) MarkResolved(ctx context.Context, errorID int64, at time.Time) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE error_records
		 SET is_resolved = TRUE, resolved_at = $2, last_attempt_date = $2
		 WHERE error_id = $1`,
		errorID, at,
	)
	if err != nil {
		return fmt.Errorf("failed to resolve error %d: %w", errorID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("error record %d: %w", errorID, domain.ErrNotFound)
	}
	return nil
}

func (r *errorRecordRepository) RecordAttempt(ctx context.Context, errorID int64, at time.Time) (domain.ErrorRecord, error) {
	row := r.pool.QueryRow(ctx,
		`UPDATE error_records
		 SET retry_count = retry_count + 1, last_attempt_date = $2
		 WHERE error_id = $1
		 RETURNING `+errorRecordColumns,
		errorID, at,
	)
	record, err := scanErrorRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrorRecord{}, fmt.Errorf("error record %d: %w", errorID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.ErrorRecord{}, fmt.Errorf("failed to record attempt for error %d: %w", errorID, err)
	}
	return record, nil
}

func (r *errorRecordRepository) List(ctx context.Context, filter domain.ErrorFilter) ([]domain.ErrorRecord, error) {
	query, args := buildErrorListQuery(filter)
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list error records: %w", err)
	}
	return collectErrorRecords(rows)
}

func buildErrorListQuery(filter domain.ErrorFilter) (string, []any) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 200
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	conditions := []string{}
	args := []any{}
	if filter.SourceTable != "" {
		args = append(args, filter.SourceTable)
		conditions = append(conditions, fmt.Sprintf("source_table = $%d", len(args)))
	}
	if filter.UnresolvedOnly {
		conditions = append(conditions, "NOT is_resolved")
	}
	if filter.DeadLetterOnly {
		args = append(args, domain.MaxRetryCount)
		conditions = append(conditions, fmt.Sprintf("is_recoverable AND NOT is_resolved AND retry_count >= $%d", len(args)))
	}

	var sb strings.Builder
	sb.WriteString("SELECT ")
	sb.WriteString(errorRecordColumns)
	sb.WriteString("\nFROM error_records")
	if len(conditions) > 0 {
		sb.WriteString("\nWHERE ")
		sb.WriteString(strings.Join(conditions, " AND "))
	}
	args = append(args, limit, offset)
	sb.WriteString(fmt.Sprintf("\nORDER BY created_at, error_id\nLIMIT $%d OFFSET $%d", len(args)-1, len(args)))

	return sb.String(), args
}

func collectErrorRecords(rows pgx.Rows) ([]domain.ErrorRecord, error) {
	defer rows.Close()

	records := []domain.ErrorRecord{}
	for rows.Next() {
		record, err := scanErrorRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan error record: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate error records: %w", err)
	}
	return records, nil
}

func scanErrorRecord(row pgx.Row) (domain.ErrorRecord, error) {
	var (
		record      domain.ErrorRecord
		naturalKey  pgtype.Text
		errorType   string
		severity    string
		failedData  []byte
		createdAt   pgtype.Timestamptz
		lastAttempt pgtype.Timestamptz
		resolvedAt  pgtype.Timestamptz
	)
	if err := row.Scan(
		&record.ErrorID,
		&record.SourceTable,
		&naturalKey,
		&errorType,
		&severity,
		&record.ErrorMessage,
		&failedData,
		&record.ProcessingBatchID,
		&record.IsRecoverable,
		&record.RetryCount,
		&record.IsResolved,
		&createdAt,
		&lastAttempt,
		&resolvedAt,
	); err != nil {
		return domain.ErrorRecord{}, err
	}

	record.ErrorType = domain.ErrorType(errorType)
	record.ErrorSeverity = domain.Severity(severity)
	if naturalKey.Valid {
		key := domain.NaturalKey(naturalKey.String)
		record.RecordNaturalKey = &key
	}
	if len(failedData) > 0 {
		data, err := domain.DecodeRow(failedData)
		if err != nil {
			return domain.ErrorRecord{}, err
		}
		record.FailedData = data
	}
	if createdAt.Valid {
		record.CreatedAt = createdAt.Time
	}
	if lastAttempt.Valid {
		at := lastAttempt.Time
		record.LastAttemptDate = &at
	}
	if resolvedAt.Valid {
		at := resolvedAt.Time
		record.ResolvedAt = &at
	}
	return record, nil
}

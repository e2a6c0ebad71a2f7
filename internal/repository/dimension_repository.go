package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/rpattn/dwhsync/internal/db"
	"github.com/rpattn/dwhsync/internal/dimension"
	"github.com/rpattn/dwhsync/internal/domain"
)

const dimensionColumns = `surrogate_key, dimension, natural_key, attributes, valid_from, valid_to, is_current`

// DimensionRepository stores dimension versions in dimension_versions.
type DimensionRepository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewDimensionRepository wires a repository backed by pgxpool.
func NewDimensionRepository(pool *pgxpool.Pool, logger *zap.Logger) *DimensionRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DimensionRepository{pool: pool, logger: logger}
}

var _ dimension.Store = (*DimensionRepository)(nil)

// CurrentRows returns the current version of every key in the dimension.
func (r *DimensionRepository) CurrentRows(ctx context.Context, dimensionName string) ([]domain.DimensionRow, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+dimensionColumns+`
		 FROM dimension_versions
		 WHERE dimension = $1 AND is_current
		 ORDER BY surrogate_key`,
		dimensionName,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query current %s rows: %w", dimensionName, err)
	}
	return collectDimensionRows(rows)
}

// History returns every version of one key ordered by valid_from.
func (r *DimensionRepository) History(ctx context.Context, dimensionName string, key domain.NaturalKey) ([]domain.DimensionRow, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+dimensionColumns+`
		 FROM dimension_versions
		 WHERE dimension = $1 AND natural_key = $2
		 ORDER BY valid_from, surrogate_key`,
		dimensionName, string(key),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s history for %s: %w", dimensionName, key, err)
	}
	return collectDimensionRows(rows)
}

// SurrogateKeys maps natural keys to the surrogate keys of their current
// versions. Keys without a current version are absent from the result.
func (r *DimensionRepository) SurrogateKeys(ctx context.Context, dimensionName string, keys []domain.NaturalKey) (domain.LookupMap, error) {
	lookup := domain.LookupMap{}
	if len(keys) == 0 {
		return lookup, nil
	}

	raw := make([]string, len(keys))
	for i, key := range keys {
		raw[i] = string(key)
	}

	rows, err := r.pool.Query(ctx,
		`SELECT natural_key, surrogate_key
		 FROM dimension_versions
		 WHERE dimension = $1 AND is_current AND natural_key = ANY($2)`,
		dimensionName, raw,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to look up %s surrogate keys: %w", dimensionName, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			key       string
			surrogate int64
		)
		if err := rows.Scan(&key, &surrogate); err != nil {
			return nil, fmt.Errorf("failed to scan surrogate key: %w", err)
		}
		lookup[domain.NaturalKey(key)] = surrogate
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate surrogate keys: %w", err)
	}
	return lookup, nil
}

// WithinTx runs fn with a writer bound to one transaction.
func (r *DimensionRepository) WithinTx(ctx context.Context, fn func(dimension.Writer) error) error {
	return db.WithTx(ctx, r.pool, r.logger, func(tx pgx.Tx) error {
		return fn(&dimensionWriter{q: tx})
	})
}

type dimensionWriter struct {
	q querier
}

func (w *dimensionWriter) ExpireCurrent(ctx context.Context, dimensionName string, key domain.NaturalKey, validTo, processingDate time.Time) (int64, error) {
	tag, err := w.q.Exec(ctx,
		`UPDATE dimension_versions
		 SET valid_to = $3, is_current = FALSE
		 WHERE dimension = $1
		   AND natural_key = $2
		   AND is_current
		   AND valid_from < $4`,
		dimensionName, string(key), dateParam(validTo), dateParam(processingDate),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to expire %s key %s: %w", dimensionName, key, err)
	}
	return tag.RowsAffected(), nil
}

func (w *dimensionWriter) InsertVersion(ctx context.Context, version domain.DimensionRow) (bool, error) {
	attributes, err := domain.EncodeRow(version.Attributes)
	if err != nil {
		return false, fmt.Errorf("failed to encode %s attributes: %w", version.Dimension, err)
	}

	var surrogate int64
	err = w.q.QueryRow(ctx,
		`INSERT INTO dimension_versions (dimension, natural_key, attributes, valid_from, valid_to, is_current)
		 SELECT $1::text, $2::text, $3::jsonb, $4::date, NULL, TRUE
		 WHERE NOT EXISTS (
		     SELECT 1 FROM dimension_versions
		     WHERE dimension = $1::text AND natural_key = $2::text AND is_current
		 )
		 RETURNING surrogate_key`,
		version.Dimension, string(version.NaturalKey), attributes, dateParam(version.ValidFrom),
	).Scan(&surrogate)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to insert %s key %s: %w", version.Dimension, version.NaturalKey, err)
	}
	return true, nil
}

func (w *dimensionWriter) ReviseCurrent(ctx context.Context, version domain.DimensionRow) (dimension.Revision, error) {
	var (
		surrogate int64
		validFrom pgtype.Date
		stored    []byte
	)
	err := w.q.QueryRow(ctx,
		`SELECT surrogate_key, valid_from, attributes
		 FROM dimension_versions
		 WHERE dimension = $1 AND natural_key = $2 AND is_current
		 FOR UPDATE`,
		version.Dimension, string(version.NaturalKey),
	).Scan(&surrogate, &validFrom, &stored)
	if errors.Is(err, pgx.ErrNoRows) {
		return dimension.RevisionNone, nil
	}
	if err != nil {
		return dimension.RevisionNone, fmt.Errorf("failed to lock current %s key %s: %w", version.Dimension, version.NaturalKey, err)
	}

	if !validFrom.Time.Equal(domain.TruncateDate(version.ValidFrom)) {
		return dimension.RevisionConflict, nil
	}
	current, err := domain.DecodeRow(stored)
	if err != nil {
		return dimension.RevisionNone, fmt.Errorf("failed to decode attributes of surrogate key %d: %w", surrogate, err)
	}
	if domain.RowsEqual(current, version.Attributes) {
		return dimension.RevisionNone, nil
	}

	attributes, err := domain.EncodeRow(version.Attributes)
	if err != nil {
		return dimension.RevisionNone, fmt.Errorf("failed to encode %s attributes: %w", version.Dimension, err)
	}
	if _, err := w.q.Exec(ctx,
		`UPDATE dimension_versions SET attributes = $2::jsonb WHERE surrogate_key = $1`,
		surrogate, attributes,
	); err != nil {
		return dimension.RevisionNone, fmt.Errorf("failed to revise %s key %s: %w", version.Dimension, version.NaturalKey, err)
	}
	return dimension.RevisionApplied, nil
}

func dateParam(t time.Time) pgtype.Date {
	return pgtype.Date{Time: domain.TruncateDate(t), Valid: true}
}

func collectDimensionRows(rows pgx.Rows) ([]domain.DimensionRow, error) {
	defer rows.Close()

	out := []domain.DimensionRow{}
	for rows.Next() {
		var (
			row        domain.DimensionRow
			key        string
			attributes []byte
			validFrom  pgtype.Date
			validTo    pgtype.Date
		)
		if err := rows.Scan(&row.SurrogateKey, &row.Dimension, &key, &attributes, &validFrom, &validTo, &row.IsCurrent); err != nil {
			return nil, fmt.Errorf("failed to scan dimension row: %w", err)
		}

		decoded, err := domain.DecodeRow(attributes)
		if err != nil {
			return nil, fmt.Errorf("failed to decode attributes of surrogate key %d: %w", row.SurrogateKey, err)
		}

		row.NaturalKey = domain.NaturalKey(key)
		row.Attributes = decoded
		row.ValidFrom = validFrom.Time
		if validTo.Valid {
			end := validTo.Time
			row.ValidTo = &end
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate dimension rows: %w", err)
	}
	return out, nil
}

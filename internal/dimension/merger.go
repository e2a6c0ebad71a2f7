package dimension

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rpattn/dwhsync/internal/domain"
	"github.com/rpattn/dwhsync/internal/metrics"
)

// Writer applies version changes for a dimension inside one transaction.
type Writer interface {
	// ExpireCurrent closes the current version of key if it started before
	// processingDate, returning the number of versions closed.
	ExpireCurrent(ctx context.Context, dimension string, key domain.NaturalKey, validTo, processingDate time.Time) (int64, error)
	// InsertVersion stores a new current version unless the key already has
	// one, reporting whether a row was written.
	InsertVersion(ctx context.Context, version domain.DimensionRow) (bool, error)
	// ReviseCurrent overwrites the attributes of the key's current version
	// when that version starts on version.ValidFrom.
	ReviseCurrent(ctx context.Context, version domain.DimensionRow) (Revision, error)
}

// Revision is the outcome of ReviseCurrent.
type Revision int

const (
	// RevisionNone means the current version already holds the attributes.
	RevisionNone Revision = iota
	// RevisionApplied means the current version was overwritten in place.
	RevisionApplied
	// RevisionConflict means the current version does not start on the
	// processing date, so it can neither be expired nor revised.
	RevisionConflict
)

// Store is the dimension side of the warehouse.
type Store interface {
	CurrentRows(ctx context.Context, dimension string) ([]domain.DimensionRow, error)
	WithinTx(ctx context.Context, fn func(Writer) error) error
}

// MergeResult counts the effects of one merge.
type MergeResult struct {
	Inserted int `json:"inserted"`
	Expired  int `json:"expired"`
	// Revised counts current versions opened on the processing date whose
	// attributes were overwritten by a later batch of the same day.
	Revised int `json:"revised,omitempty"`
	// Skipped counts new versions identical to the key's current version.
	Skipped int `json:"skipped"`
	// Conflicts holds the versions that could not be applied because the
	// key's current version starts on another date than the processing date.
	Conflicts []domain.DimensionRow `json:"conflicts,omitempty"`
}

// Merger turns SCD diffs into dimension writes.
type Merger struct {
	store   Store
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewMerger creates a merger over the given store.
func NewMerger(store Store, logger *zap.Logger, m *metrics.Metrics) *Merger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Merger{store: store, logger: logger, metrics: m}
}

// Merge applies the diff as a single transaction: every expiry first, then
// every insert. Expiry is scoped to the current version that started before
// processingDate. A key that still has a current version after expiry opened
// it on processingDate, so that version is revised in place instead; replaying
// the same diff for the same date writes nothing.
func (m *Merger) Merge(ctx context.Context, table domain.DimensionTable, diff domain.SCDDiff, processingDate time.Time) (MergeResult, error) {
	processingDate = domain.TruncateDate(processingDate)
	validTo := domain.PreviousDay(processingDate)

	versions, err := buildVersions(table, diff, processingDate)
	if err != nil {
		return MergeResult{}, err
	}

	var result MergeResult
	err = m.store.WithinTx(ctx, func(w Writer) error {
		result = MergeResult{}

		for _, update := range diff.Updates {
			expired, err := w.ExpireCurrent(ctx, table.Name, update.NaturalKey, validTo, processingDate)
			if err != nil {
				return fmt.Errorf("failed to expire %s key %s: %w", table.Name, update.NaturalKey, err)
			}
			result.Expired += int(expired)
		}

		for _, version := range versions {
			inserted, err := w.InsertVersion(ctx, version)
			if err != nil {
				return fmt.Errorf("failed to insert %s key %s: %w", table.Name, version.NaturalKey, err)
			}
			if inserted {
				result.Inserted++
				continue
			}

			revision, err := w.ReviseCurrent(ctx, version)
			if err != nil {
				return fmt.Errorf("failed to revise %s key %s: %w", table.Name, version.NaturalKey, err)
			}
			switch revision {
			case RevisionApplied:
				result.Revised++
			case RevisionConflict:
				result.Conflicts = append(result.Conflicts, version)
			default:
				result.Skipped++
			}
		}

		return nil
	})
	if err != nil {
		return MergeResult{}, fmt.Errorf("%w: dimension %s: %v", domain.ErrLoadFailure, table.Name, err)
	}

	m.metrics.DimensionMerged(table.Name, result.Inserted, result.Expired, result.Revised, result.Skipped)
	m.logger.Info("dimension merged",
		zap.String("dimension", table.Name),
		zap.Time("processing_date", processingDate),
		zap.Int("inserted", result.Inserted),
		zap.Int("expired", result.Expired),
		zap.Int("revised", result.Revised),
		zap.Int("skipped", result.Skipped),
		zap.Int("unchanged", diff.Unchanged),
	)
	if len(result.Conflicts) > 0 {
		m.logger.Warn("dimension versions conflict with current versions",
			zap.String("dimension", table.Name),
			zap.Time("processing_date", processingDate),
			zap.Int("conflicts", len(result.Conflicts)),
		)
	}

	return result, nil
}

// buildVersions stamps validity onto the diff inserts and checks that every
// expired key gets a replacement.
func buildVersions(table domain.DimensionTable, diff domain.SCDDiff, processingDate time.Time) ([]domain.DimensionRow, error) {
	versions := make([]domain.DimensionRow, 0, len(diff.Inserts))
	inserted := make(map[domain.NaturalKey]struct{}, len(diff.Inserts))

	for idx, row := range diff.Inserts {
		key, ok := row.Key(table.NaturalKey)
		if !ok {
			return nil, fmt.Errorf("%w: insert %d for %s has no natural key %s", domain.ErrSchemaMismatch, idx, table.Name, table.NaturalKey)
		}
		if _, dup := inserted[key]; dup {
			return nil, fmt.Errorf("diff for %s inserts key %s twice", table.Name, key)
		}
		inserted[key] = struct{}{}
		versions = append(versions, domain.NewDimensionVersion(table.Name, key, row, processingDate))
	}

	for _, update := range diff.Updates {
		if _, ok := inserted[update.NaturalKey]; !ok {
			return nil, fmt.Errorf("diff for %s expires key %s without a new version", table.Name, update.NaturalKey)
		}
	}

	return versions, nil
}

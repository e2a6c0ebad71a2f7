package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rpattn/dwhsync/internal/domain"
)

// MemoryRepository keeps error records in process.
type MemoryRepository struct {
	mu      sync.Mutex
	records []domain.ErrorRecord
	nextID  int64
}

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{nextID: 1}
}

func (r *MemoryRepository) Insert(ctx context.Context, record domain.ErrorRecord) (domain.ErrorRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	record.ErrorID = r.nextID
	r.nextID++
	record.FailedData = record.FailedData.Clone()
	r.records = append(r.records, record)
	return record, nil
}

func (r *MemoryRepository) SelectRetryable(ctx context.Context, limit int) ([]domain.ErrorRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := []domain.ErrorRecord{}
	for _, record := range r.records {
		if record.Retryable() {
			out = append(out, record)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		ti, tj := out[i].LastTouched(), out[j].LastTouched()
		if ti.Equal(tj) {
			return out[i].ErrorID < out[j].ErrorID
		}
		return ti.Before(tj)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepository) MarkResolved(ctx context.Context, errorID int64, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, err := r.find(errorID)
	if err != nil {
		return err
	}
	record.IsResolved = true
	record.LastAttemptDate = &at
	record.ResolvedAt = &at
	return nil
}

func (r *MemoryRepository) RecordAttempt(ctx context.Context, errorID int64, at time.Time) (domain.ErrorRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, err := r.find(errorID)
	if err != nil {
		return domain.ErrorRecord{}, err
	}
	record.RetryCount++
	record.LastAttemptDate = &at
	return *record, nil
}

func (r *MemoryRepository) List(ctx context.Context, filter domain.ErrorFilter) ([]domain.ErrorRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := []domain.ErrorRecord{}
	for _, record := range r.records {
		if filter.SourceTable != "" && record.SourceTable != filter.SourceTable {
			continue
		}
		if filter.UnresolvedOnly && record.IsResolved {
			continue
		}
		if filter.DeadLetterOnly && !record.DeadLettered() {
			continue
		}
		out = append(out, record)
	}

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return []domain.ErrorRecord{}, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Get returns a stored record by id.
func (r *MemoryRepository) Get(errorID int64) (domain.ErrorRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, err := r.find(errorID)
	if err != nil {
		return domain.ErrorRecord{}, err
	}
	return *record, nil
}

func (r *MemoryRepository) find(errorID int64) (*domain.ErrorRecord, error) {
	for idx := range r.records {
		if r.records[idx].ErrorID == errorID {
			return &r.records[idx], nil
		}
	}
	return nil, fmt.Errorf("error record %d: %w", errorID, domain.ErrNotFound)
}

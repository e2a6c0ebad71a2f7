package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rpattn/dwhsync/internal/domain"
)

type memoryFacts struct {
	mu      sync.Mutex
	rows    map[string]domain.FactRecord
	failing error
}

func newMemoryFacts() *memoryFacts {
	return &memoryFacts{rows: map[string]domain.FactRecord{}}
}

func (m *memoryFacts) Insert(ctx context.Context, records []domain.FactRecord) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing != nil {
		return 0, m.failing
	}
	written := 0
	for _, record := range records {
		id := record.FactTable + "/" + record.RowKey
		if _, ok := m.rows[id]; ok {
			continue
		}
		m.rows[id] = record
		written++
	}
	return written, nil
}

func (m *memoryFacts) byTable(table string) []domain.FactRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []domain.FactRecord{}
	for _, record := range m.rows {
		if record.FactTable == table {
			out = append(out, record)
		}
	}
	return out
}

type staticSource struct {
	rows map[string][]domain.Row
	err  error
}

func (s *staticSource) Extract(ctx context.Context, table domain.SourceTable, window domain.ProcessingWindow) ([]domain.Row, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.rows[table.Name], nil
}

type memoryBookmarks struct {
	marks map[string]time.Time
}

func (m *memoryBookmarks) Get(ctx context.Context, taskName string) (time.Time, bool, error) {
	end, ok := m.marks[taskName]
	return end, ok, nil
}

func (m *memoryBookmarks) Set(ctx context.Context, taskName string, windowEnd time.Time) error {
	if m.marks == nil {
		m.marks = map[string]time.Time{}
	}
	m.marks[taskName] = windowEnd
	return nil
}

type memoryRuns struct {
	runs []domain.RunLog
}

func (m *memoryRuns) Start(ctx context.Context, run domain.RunLog) error {
	m.runs = append(m.runs, run)
	return nil
}

func (m *memoryRuns) Finish(ctx context.Context, run domain.RunLog) error {
	for idx := range m.runs {
		if m.runs[idx].RunID == run.RunID {
			m.runs[idx] = run
			return nil
		}
	}
	return errors.New("unknown run")
}

func (m *memoryRuns) List(ctx context.Context, taskName string, limit int) ([]domain.RunLog, error) {
	return m.runs, nil
}

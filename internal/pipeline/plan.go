package pipeline

import (
	"context"
	"fmt"

	"github.com/rpattn/dwhsync/internal/config"
	"github.com/rpattn/dwhsync/internal/domain"
)

// Source extracts the rows of one source table for a window.
type Source interface {
	Extract(ctx context.Context, table domain.SourceTable, window domain.ProcessingWindow) ([]domain.Row, error)
}

// DimensionPlan binds a dimension to where its rows come from.
type DimensionPlan struct {
	Table  domain.DimensionTable
	Source domain.SourceTable
	Policy domain.TablePolicy
}

// FactPlan binds a fact table to where its rows come from.
type FactPlan struct {
	Table  domain.FactTable
	Source domain.SourceTable
	Policy domain.TablePolicy
}

// Plan lists the tables processed by every window, dimensions first.
type Plan struct {
	Dimensions []DimensionPlan
	Facts      []FactPlan
}

// NewPlan builds the window plan from configuration.
func NewPlan(cfg config.Config) Plan {
	var plan Plan
	for _, dim := range cfg.Dimensions {
		source := domain.SourceTable{Name: dim.SourceName(), IncrementalColumn: dim.IncrementalColumn}
		plan.Dimensions = append(plan.Dimensions, DimensionPlan{
			Table:  dim.DimensionTable(),
			Source: source,
			Policy: cfg.Policy(source.Name),
		})
	}
	for _, fact := range cfg.Facts {
		source := domain.SourceTable{Name: fact.SourceName(), IncrementalColumn: fact.IncrementalColumn}
		plan.Facts = append(plan.Facts, FactPlan{
			Table:  fact.FactTable(),
			Source: source,
			Policy: cfg.Policy(source.Name),
		})
	}
	return plan
}

// FactTables returns the fact table definitions of the plan.
func (p Plan) FactTables() []domain.FactTable {
	tables := make([]domain.FactTable, 0, len(p.Facts))
	for _, fact := range p.Facts {
		tables = append(tables, fact.Table)
	}
	return tables
}

// Extract pulls every planned table from source.
func (p Plan) Extract(ctx context.Context, source Source, window domain.ProcessingWindow) (Batches, error) {
	var batches Batches
	for _, dim := range p.Dimensions {
		rows, err := source.Extract(ctx, dim.Source, window)
		if err != nil {
			return Batches{}, fmt.Errorf("failed to extract %s: %w", dim.Source.Name, err)
		}
		batches.Dimensions = append(batches.Dimensions, DimensionBatch{
			Table: dim.Table,
			Batch: Batch{Name: dim.Source.Name, Rows: rows, Policy: dim.Policy},
		})
	}
	for _, fact := range p.Facts {
		rows, err := source.Extract(ctx, fact.Source, window)
		if err != nil {
			return Batches{}, fmt.Errorf("failed to extract %s: %w", fact.Source.Name, err)
		}
		batches.Facts = append(batches.Facts, FactBatch{
			Table: fact.Table,
			Batch: Batch{Name: fact.Source.Name, Rows: rows, Policy: fact.Policy},
		})
	}
	return batches, nil
}

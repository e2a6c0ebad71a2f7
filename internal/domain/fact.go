package domain

import (
	"crypto/sha256"
	"encoding/hex"
)

// ForeignKey maps a fact column holding a source natural key onto the
// surrogate key of a dimension. KeyColumn receives the surrogate key; when it
// is empty the natural key column is rewritten in place.
type ForeignKey struct {
	Dimension string `json:"dimension"`
	Column    string `json:"column"`
	KeyColumn string `json:"key_column,omitempty"`
}

// TargetColumn is the column that holds the surrogate key after resolution.
func (f ForeignKey) TargetColumn() string {
	if f.KeyColumn != "" {
		return f.KeyColumn
	}
	return f.Column
}

// FactTable describes a fact table and its dimension references.
type FactTable struct {
	Name        string       `json:"name"`
	NaturalKey  string       `json:"natural_key,omitempty"`
	ForeignKeys []ForeignKey `json:"foreign_keys"`
}

// LookupMap resolves natural keys of one dimension to the surrogate key of its
// current version.
type LookupMap map[NaturalKey]int64

// FactRecord is a resolved fact row ready for the fact store.
type FactRecord struct {
	FactTable         string `json:"fact_table"`
	RowKey            string `json:"row_key"`
	ProcessingBatchID string `json:"processing_batch_id"`
	Data              Row    `json:"data"`
}

// RowKey identifies a fact row for idempotent loading: the configured natural
// key when present, otherwise a digest of the row contents.
func (f FactTable) RowKey(row Row) (string, error) {
	if f.NaturalKey != "" {
		if key, ok := row.Key(f.NaturalKey); ok {
			return string(key), nil
		}
	}

	encoded, err := EncodeRow(row)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(encoded)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// RecordKey returns the natural key reported in error records for a fact row.
func (f FactTable) RecordKey(row Row) *NaturalKey {
	if f.NaturalKey == "" {
		return nil
	}
	key, ok := row.Key(f.NaturalKey)
	if !ok {
		return nil
	}
	return &key
}

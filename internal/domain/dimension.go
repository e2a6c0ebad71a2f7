package domain

import (
	"time"
)

// DimensionTable describes one SCD Type 2 dimension.
type DimensionTable struct {
	Name           string   `json:"name"`
	NaturalKey     string   `json:"natural_key"`
	TrackedColumns []string `json:"tracked_columns"`
}

// DimensionRow is one stored version of a dimension entity.
type DimensionRow struct {
	SurrogateKey int64      `json:"surrogate_key"`
	Dimension    string     `json:"dimension"`
	NaturalKey   NaturalKey `json:"natural_key"`
	Attributes   Row        `json:"attributes"`
	ValidFrom    time.Time  `json:"valid_from"`
	ValidTo      *time.Time `json:"valid_to,omitempty"`
	IsCurrent    bool       `json:"is_current"`
}

// NewDimensionVersion opens a new current version starting at processingDate.
func NewDimensionVersion(dimension string, key NaturalKey, attributes Row, processingDate time.Time) DimensionRow {
	return DimensionRow{
		Dimension:  dimension,
		NaturalKey: key,
		Attributes: attributes.Clone(),
		ValidFrom:  TruncateDate(processingDate),
		ValidTo:    nil,
		IsCurrent:  true,
	}
}

// Covers reports whether the version is valid on the given date.
func (d DimensionRow) Covers(date time.Time) bool {
	date = TruncateDate(date)
	if date.Before(d.ValidFrom) {
		return false
	}
	return d.ValidTo == nil || !date.After(*d.ValidTo)
}

// SCDDiff is the outcome of comparing a current snapshot with an incoming
// batch. Inserts holds new versions (new keys and changed keys), Updates holds
// the current versions that must be expired. Every key in Updates has exactly
// one row in Inserts.
type SCDDiff struct {
	Dimension string         `json:"dimension"`
	Inserts   []Row          `json:"inserts"`
	Updates   []DimensionRow `json:"updates"`
	Unchanged int            `json:"unchanged"`
}

// Empty reports whether applying the diff would write nothing.
func (d SCDDiff) Empty() bool {
	return len(d.Inserts) == 0 && len(d.Updates) == 0
}

// NewKeys returns the number of inserts that open a key for the first time.
func (d SCDDiff) NewKeys() int {
	return len(d.Inserts) - len(d.Updates)
}

// TruncateDate drops the time of day, keeping the calendar date in UTC.
func TruncateDate(t time.Time) time.Time {
	y, m, day := t.UTC().Date()
	return time.Date(y, m, day, 0, 0, 0, 0, time.UTC)
}

// PreviousDay returns the calendar day before t.
func PreviousDay(t time.Time) time.Time {
	return TruncateDate(t).AddDate(0, 0, -1)
}

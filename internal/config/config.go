package config

import (
	"fmt"
	"strings"

	"github.com/rpattn/dwhsync/internal/db"
	"github.com/rpattn/dwhsync/internal/domain"
)

// SourceKind selects where batches are extracted from.
type SourceKind string

const (
	SourceDatabase SourceKind = "database"
	SourceFiles    SourceKind = "files"
)

// Config is the complete runtime configuration.
type Config struct {
	Warehouse  db.Config                     `mapstructure:"warehouse"`
	Source     SourceConfig                  `mapstructure:"source"`
	Dimensions []DimensionConfig             `mapstructure:"dimensions"`
	Facts      []FactConfig                  `mapstructure:"facts"`
	Policies   map[string]domain.TablePolicy `mapstructure:"policies"`
	Ledger     LedgerConfig                  `mapstructure:"ledger"`
	Schedule   ScheduleConfig                `mapstructure:"schedule"`
	Server     ServerConfig                  `mapstructure:"server"`
	Log        LogConfig                     `mapstructure:"log"`
}

// SourceConfig describes the operational source system.
type SourceConfig struct {
	Kind     SourceKind `mapstructure:"kind"`
	Driver   string     `mapstructure:"driver"`
	Host     string     `mapstructure:"host"`
	Port     int        `mapstructure:"port"`
	User     string     `mapstructure:"user"`
	Password string     `mapstructure:"password"`
	DBName   string     `mapstructure:"dbname"`
	SSLMode  string     `mapstructure:"sslmode"`
	Dir      string     `mapstructure:"dir"`
}

// DimensionConfig binds a dimension table to its source.
type DimensionConfig struct {
	Name              string   `mapstructure:"name"`
	NaturalKey        string   `mapstructure:"natural_key"`
	TrackedColumns    []string `mapstructure:"tracked_columns"`
	SourceTable       string   `mapstructure:"source_table"`
	IncrementalColumn string   `mapstructure:"incremental_column"`
}

// ForeignKeyConfig maps a fact column onto a dimension.
type ForeignKeyConfig struct {
	Dimension string `mapstructure:"dimension"`
	Column    string `mapstructure:"column"`
	KeyColumn string `mapstructure:"key_column"`
}

// FactConfig binds a fact table to its source.
type FactConfig struct {
	Name              string             `mapstructure:"name"`
	NaturalKey        string             `mapstructure:"natural_key"`
	SourceTable       string             `mapstructure:"source_table"`
	IncrementalColumn string             `mapstructure:"incremental_column"`
	ForeignKeys       []ForeignKeyConfig `mapstructure:"foreign_keys"`
}

type LedgerConfig struct {
	ReprocessLimit int  `mapstructure:"reprocess_limit"`
	ReprocessAfter bool `mapstructure:"reprocess_after_window"`
}

type ScheduleConfig struct {
	TaskName string `mapstructure:"task_name"`
	Cron     string `mapstructure:"cron"`
}

type ServerConfig struct {
	Addr           string   `mapstructure:"addr"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// DimensionTable converts the entry into the merge engine's table definition.
func (d DimensionConfig) DimensionTable() domain.DimensionTable {
	return domain.DimensionTable{
		Name:           d.Name,
		NaturalKey:     d.NaturalKey,
		TrackedColumns: append([]string(nil), d.TrackedColumns...),
	}
}

// SourceName returns the source table, defaulting to the dimension name.
func (d DimensionConfig) SourceName() string {
	if d.SourceTable != "" {
		return d.SourceTable
	}
	return d.Name
}

// FactTable converts the entry into the resolver's table definition.
func (f FactConfig) FactTable() domain.FactTable {
	table := domain.FactTable{Name: f.Name, NaturalKey: f.NaturalKey}
	for _, fk := range f.ForeignKeys {
		table.ForeignKeys = append(table.ForeignKeys, domain.ForeignKey{
			Dimension: fk.Dimension,
			Column:    fk.Column,
			KeyColumn: fk.KeyColumn,
		})
	}
	return table
}

// SourceName returns the source table, defaulting to the fact name.
func (f FactConfig) SourceName() string {
	if f.SourceTable != "" {
		return f.SourceTable
	}
	return f.Name
}

// Policy returns the table policy, which is empty when none is configured.
func (c Config) Policy(table string) domain.TablePolicy {
	if policy, ok := c.Policies[table]; ok {
		return policy
	}
	if policy, ok := c.Policies[strings.ToLower(table)]; ok {
		return policy
	}
	return domain.TablePolicy{}
}

// Validate reports configuration that would make a window run meaningless.
func (c Config) Validate() error {
	var problems []string

	switch c.Source.Kind {
	case SourceDatabase:
		if c.Source.Driver != "postgres" && c.Source.Driver != "mysql" {
			problems = append(problems, fmt.Sprintf("source.driver %q must be postgres or mysql", c.Source.Driver))
		}
	case SourceFiles:
		if c.Source.Dir == "" {
			problems = append(problems, "source.dir is required for file sources")
		}
	default:
		problems = append(problems, fmt.Sprintf("source.kind %q must be database or files", c.Source.Kind))
	}

	dimensions := map[string]struct{}{}
	for idx, dim := range c.Dimensions {
		if dim.Name == "" {
			problems = append(problems, fmt.Sprintf("dimensions[%d] has no name", idx))
			continue
		}
		if _, dup := dimensions[dim.Name]; dup {
			problems = append(problems, fmt.Sprintf("dimension %s is configured twice", dim.Name))
		}
		dimensions[dim.Name] = struct{}{}
		if dim.NaturalKey == "" {
			problems = append(problems, fmt.Sprintf("dimension %s has no natural_key", dim.Name))
		}
		if len(dim.TrackedColumns) == 0 {
			problems = append(problems, fmt.Sprintf("dimension %s has no tracked_columns", dim.Name))
		}
	}

	for idx, fact := range c.Facts {
		if fact.Name == "" {
			problems = append(problems, fmt.Sprintf("facts[%d] has no name", idx))
			continue
		}
		policy := c.Policy(fact.SourceName())
		for _, fk := range fact.ForeignKeys {
			if fk.Column == "" {
				problems = append(problems, fmt.Sprintf("fact %s has a foreign key without column", fact.Name))
			} else if policy.IsNullable(fk.Column) {
				problems = append(problems, fmt.Sprintf("fact %s foreign key column %s must not be nullable in policy %s",
					fact.Name, fk.Column, fact.SourceName()))
			}
			if _, ok := dimensions[fk.Dimension]; !ok {
				problems = append(problems, fmt.Sprintf("fact %s references unknown dimension %q", fact.Name, fk.Dimension))
			}
		}
	}

	if c.Ledger.ReprocessLimit < 0 {
		problems = append(problems, "ledger.reprocess_limit must not be negative")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

package extract

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"github.com/rpattn/dwhsync/internal/domain"
)

// Driver names accepted by Open.
const (
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
)

// Config describes the operational source database.
type Config struct {
	Driver   string
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// Extractor pulls incremental batches out of a source database.
type Extractor struct {
	db      *sql.DB
	dialect dialect
	logger  *zap.Logger
}

// Open connects to the source database described by cfg.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*Extractor, error) {
	d, err := dialectFor(cfg.Driver)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(d.sqlDriver, d.dsn(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open source database: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping source database: %w", err)
	}

	return New(db, cfg.Driver, logger)
}

// New wraps an existing connection.
func New(db *sql.DB, driver string, logger *zap.Logger) (*Extractor, error) {
	d, err := dialectFor(driver)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{db: db, dialect: d, logger: logger}, nil
}

// Close releases the source connection.
func (e *Extractor) Close() error {
	return e.db.Close()
}

// Extract selects the rows of table modified inside the window.
func (e *Extractor) Extract(ctx context.Context, table domain.SourceTable, window domain.ProcessingWindow) ([]domain.Row, error) {
	query, args := e.dialect.selectQuery(table, window)

	started := time.Now()
	rows, err := e.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", table.Name, err)
	}
	defer rows.Close()

	columns, err := rows.ColumnTypes()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s columns: %w", table.Name, err)
	}

	out := []domain.Row{}
	for rows.Next() {
		values := make([]any, len(columns))
		targets := make([]any, len(columns))
		for i := range values {
			targets[i] = &values[i]
		}
		if err := rows.Scan(targets...); err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", table.Name, err)
		}

		row := make(domain.Row, len(columns))
		for i, column := range columns {
			row[column.Name()] = NormalizeValue(values[i], column.DatabaseTypeName())
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate %s rows: %w", table.Name, err)
	}

	e.logger.Info("extracted source batch",
		zap.String("table", table.Name),
		zap.Int("rows", len(out)),
		zap.Duration("elapsed", time.Since(started)),
	)
	return out, nil
}

type dialect struct {
	sqlDriver   string
	quote       func(string) string
	placeholder func(int) string
	dsn         func(Config) string
}

func dialectFor(driver string) (dialect, error) {
	switch driver {
	case DriverPostgres:
		return dialect{
			sqlDriver:   "pgx",
			quote:       func(name string) string { return `"` + strings.ReplaceAll(name, `"`, `""`) + `"` },
			placeholder: func(n int) string { return "$" + strconv.Itoa(n) },
			dsn: func(cfg Config) string {
				return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
					cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode)
			},
		}, nil
	case DriverMySQL:
		return dialect{
			sqlDriver:   "mysql",
			quote:       func(name string) string { return "`" + strings.ReplaceAll(name, "`", "``") + "`" },
			placeholder: func(int) string { return "?" },
			dsn: func(cfg Config) string {
				mc := mysql.NewConfig()
				mc.User = cfg.User
				mc.Passwd = cfg.Password
				mc.Net = "tcp"
				mc.Addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
				mc.DBName = cfg.DBName
				mc.ParseTime = true
				mc.Loc = time.UTC
				return mc.FormatDSN()
			},
		}, nil
	default:
		return dialect{}, fmt.Errorf("unsupported source driver %q", driver)
	}
}

func (d dialect) selectQuery(table domain.SourceTable, window domain.ProcessingWindow) (string, []any) {
	query := "SELECT * FROM " + d.quote(table.Name)
	if table.IncrementalColumn == "" {
		return query, nil
	}

	column := d.quote(table.IncrementalColumn)
	var (
		conditions []string
		args       []any
	)
	if !window.From.IsZero() {
		args = append(args, window.From)
		conditions = append(conditions, column+" > "+d.placeholder(len(args)))
	}
	args = append(args, window.To)
	conditions = append(conditions, column+" <= "+d.placeholder(len(args)))

	return query + " WHERE " + strings.Join(conditions, " AND ") + " ORDER BY " + column, args
}

// NormalizeValue maps driver values onto int64, float64, string, bool,
// time.Time or nil.
func NormalizeValue(value any, databaseType string) any {
	switch typed := value.(type) {
	case nil:
		return nil
	case []byte:
		return normalizeText(string(typed), databaseType)
	case string:
		return normalizeText(typed, databaseType)
	case int:
		return int64(typed)
	case int8:
		return int64(typed)
	case int16:
		return int64(typed)
	case int32:
		return int64(typed)
	case uint8:
		return int64(typed)
	case uint16:
		return int64(typed)
	case uint32:
		return int64(typed)
	case uint:
		return narrowUnsigned(uint64(typed))
	case uint64:
		return narrowUnsigned(typed)
	case float32:
		return float64(typed)
	case time.Time:
		return typed.UTC()
	default:
		return value
	}
}

// narrowUnsigned keeps values above MaxInt64 unsigned rather than wrapping
// them negative.
func narrowUnsigned(value uint64) any {
	if value > math.MaxInt64 {
		return value
	}
	return int64(value)
}

func normalizeText(value, databaseType string) any {
	switch strings.ToUpper(databaseType) {
	case "NUMERIC", "DECIMAL", "MONEY":
		if f, err := strconv.ParseFloat(strings.TrimPrefix(value, "$"), 64); err == nil {
			return f
		}
	case "INT", "INTEGER", "BIGINT", "SMALLINT", "TINYINT", "MEDIUMINT", "INT2", "INT4", "INT8",
		"UNSIGNED INT", "UNSIGNED BIGINT", "UNSIGNED SMALLINT", "UNSIGNED TINYINT", "UNSIGNED MEDIUMINT":
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
		if u, err := strconv.ParseUint(value, 10, 64); err == nil {
			return narrowUnsigned(u)
		}
	}
	return value
}

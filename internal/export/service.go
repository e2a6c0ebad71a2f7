package export

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/rpattn/dwhsync/internal/domain"
)

// ErrorLister pages through the error ledger.
type ErrorLister interface {
	List(ctx context.Context, filter domain.ErrorFilter) ([]domain.ErrorRecord, error)
}

// Format is an export file format.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// ParseFormat accepts csv or xlsx.
func ParseFormat(raw string) (Format, error) {
	switch Format(raw) {
	case FormatCSV, FormatXLSX:
		return Format(raw), nil
	default:
		return "", fmt.Errorf("unsupported export format %q", raw)
	}
}

// ContentType returns the MIME type served for the format.
func (f Format) ContentType() string {
	if f == FormatXLSX {
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	return "text/csv; charset=utf-8"
}

// Stats describes a finished export.
type Stats struct {
	Rows  int   `json:"rows"`
	Bytes int64 `json:"bytes"`
}

var columns = []string{
	"error_id",
	"source_table",
	"record_natural_key",
	"error_type",
	"error_severity",
	"error_message",
	"processing_batch_id",
	"is_recoverable",
	"retry_count",
	"is_resolved",
	"created_at",
	"last_attempt_date",
	"failed_data",
}

const sheetName = "errors"

type Service struct {
	errors   ErrorLister
	pageSize int
	logger   *zap.Logger
}

type Option func(*Service)

func WithPageSize(size int) Option {
	return func(s *Service) {
		if size > 0 {
			s.pageSize = size
		}
	}
}

// NewService creates an exporter reading from the ledger.
func NewService(errors ErrorLister, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	service := &Service{errors: errors, pageSize: 500, logger: logger}
	for _, opt := range opts {
		opt(service)
	}
	return service
}

// DeadLetterFilter selects records that exhausted their automatic retries.
func DeadLetterFilter(sourceTable string) domain.ErrorFilter {
	return domain.ErrorFilter{SourceTable: sourceTable, DeadLetterOnly: true, UnresolvedOnly: true}
}

// Write streams every record matching filter to w. filter.Limit caps the
// number of rows; zero exports everything.
func (s *Service) Write(ctx context.Context, w io.Writer, format Format, filter domain.ErrorFilter) (Stats, error) {
	switch format {
	case FormatCSV:
		return s.writeCSV(ctx, w, filter)
	case FormatXLSX:
		return s.writeXLSX(ctx, w, filter)
	default:
		return Stats{}, fmt.Errorf("unsupported export format %q", format)
	}
}

func (s *Service) writeCSV(ctx context.Context, w io.Writer, filter domain.ErrorFilter) (Stats, error) {
	buffered := bufio.NewWriterSize(w, 64<<10)
	counter := &countingWriter{writer: buffered}
	csvWriter := csv.NewWriter(counter)

	if err := csvWriter.Write(columns); err != nil {
		return Stats{}, fmt.Errorf("write header: %w", err)
	}

	rows, err := s.each(ctx, filter, func(record domain.ErrorRecord) error {
		return csvWriter.Write(recordCells(record))
	})
	if err != nil {
		return Stats{Rows: rows, Bytes: counter.count}, err
	}

	csvWriter.Flush()
	if err := csvWriter.Error(); err != nil {
		return Stats{Rows: rows, Bytes: counter.count}, fmt.Errorf("flush csv: %w", err)
	}
	if err := buffered.Flush(); err != nil {
		return Stats{Rows: rows, Bytes: counter.count}, fmt.Errorf("flush export: %w", err)
	}

	s.logger.Info("errors exported", zap.String("format", string(FormatCSV)), zap.Int("rows", rows), zap.Int64("bytes", counter.count))
	return Stats{Rows: rows, Bytes: counter.count}, nil
}

func (s *Service) writeXLSX(ctx context.Context, w io.Writer, filter domain.ErrorFilter) (Stats, error) {
	file := excelize.NewFile()
	defer file.Close()

	if err := file.SetSheetName("Sheet1", sheetName); err != nil {
		return Stats{}, fmt.Errorf("name sheet: %w", err)
	}
	stream, err := file.NewStreamWriter(sheetName)
	if err != nil {
		return Stats{}, fmt.Errorf("open sheet stream: %w", err)
	}

	header := make([]interface{}, len(columns))
	for idx, column := range columns {
		header[idx] = column
	}
	if err := stream.SetRow("A1", header); err != nil {
		return Stats{}, fmt.Errorf("write header: %w", err)
	}

	next := 2
	rows, err := s.each(ctx, filter, func(record domain.ErrorRecord) error {
		cells := recordCells(record)
		values := make([]interface{}, len(cells))
		for idx, cell := range cells {
			values[idx] = cell
		}
		cell, err := excelize.CoordinatesToCellName(1, next)
		if err != nil {
			return err
		}
		next++
		return stream.SetRow(cell, values)
	})
	if err != nil {
		return Stats{Rows: rows}, err
	}
	if err := stream.Flush(); err != nil {
		return Stats{Rows: rows}, fmt.Errorf("flush sheet: %w", err)
	}

	counter := &countingWriter{writer: bufio.NewWriter(w)}
	if _, err := file.WriteTo(counter); err != nil {
		return Stats{Rows: rows, Bytes: counter.count}, fmt.Errorf("write workbook: %w", err)
	}
	if err := counter.writer.Flush(); err != nil {
		return Stats{Rows: rows, Bytes: counter.count}, fmt.Errorf("flush export: %w", err)
	}

	s.logger.Info("errors exported", zap.String("format", string(FormatXLSX)), zap.Int("rows", rows), zap.Int64("bytes", counter.count))
	return Stats{Rows: rows, Bytes: counter.count}, nil
}

// each pages through the ledger, calling fn per record.
func (s *Service) each(ctx context.Context, filter domain.ErrorFilter, fn func(domain.ErrorRecord) error) (int, error) {
	remaining := filter.Limit
	page := filter
	written := 0

	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		page.Limit = s.pageSize
		if remaining > 0 && remaining < page.Limit {
			page.Limit = remaining
		}

		records, err := s.errors.List(ctx, page)
		if err != nil {
			return written, fmt.Errorf("list error records: %w", err)
		}
		for _, record := range records {
			if err := fn(record); err != nil {
				return written, fmt.Errorf("write error %d: %w", record.ErrorID, err)
			}
			written++
		}

		if remaining > 0 {
			remaining -= len(records)
			if remaining <= 0 {
				return written, nil
			}
		}
		if len(records) < page.Limit {
			return written, nil
		}
		page.Offset += len(records)
	}
}

func recordCells(record domain.ErrorRecord) []string {
	naturalKey := ""
	if record.RecordNaturalKey != nil {
		naturalKey = string(*record.RecordNaturalKey)
	}
	return []string{
		strconv.FormatInt(record.ErrorID, 10),
		record.SourceTable,
		naturalKey,
		string(record.ErrorType),
		string(record.ErrorSeverity),
		truncate(record.ErrorMessage),
		record.ProcessingBatchID,
		formatValue(record.IsRecoverable),
		strconv.Itoa(record.RetryCount),
		formatValue(record.IsResolved),
		formatValue(record.CreatedAt),
		formatValue(record.LastAttemptDate),
		formatValue(record.FailedData),
	}
}

type countingWriter struct {
	writer *bufio.Writer
	count  int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.writer.Write(p)
	c.count += int64(n)
	return n, err
}

func formatValue(value any) string {
	if value == nil {
		return ""
	}
	switch v := value.(type) {
	case string:
		return v
	case time.Time:
		return v.UTC().Format(time.RFC3339)
	case *time.Time:
		if v == nil {
			return ""
		}
		return v.UTC().Format(time.RFC3339)
	case bool:
		if v {
			return "true"
		}
		return "false"
	case domain.Row:
		if v == nil {
			return ""
		}
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", map[string]any(v))
		}
		return string(encoded)
	case []byte:
		return string(v)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func truncate(message string) string {
	const maxLen = 512
	if len(message) > maxLen {
		return message[:maxLen]
	}
	return message
}

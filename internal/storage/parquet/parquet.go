// Package parquet encodes financial facts to and from partition files.
package parquet

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"

	"github.com/factfeed/factfeed/internal/facts"
)

// Options configures the Parquet writer.
type Options struct {
	// Compression algorithm
	Compression CompressionType

	// CompressionLevel for algorithms that support it (zstd: 1-22)
	CompressionLevel int
}

// CompressionType represents a Parquet compression algorithm.
type CompressionType int

const (
	CompressionNone CompressionType = iota
	CompressionSnappy
	CompressionZstd
	CompressionLZ4
	CompressionGzip
)

// DefaultOptions returns default Parquet options.
func DefaultOptions() Options {
	return Options{
		Compression:      CompressionZstd,
		CompressionLevel: 3,
	}
}

// ParseCompressionType parses a compression type string.
func ParseCompressionType(s string) CompressionType {
	switch s {
	case "snappy":
		return CompressionSnappy
	case "zstd":
		return CompressionZstd
	case "lz4":
		return CompressionLZ4
	case "gzip":
		return CompressionGzip
	case "none", "":
		return CompressionNone
	default:
		return CompressionZstd
	}
}

// getCompression returns the parquet-go compression codec.
func getCompression(ct CompressionType) compress.Codec {
	switch ct {
	case CompressionSnappy:
		return &parquet.Snappy
	case CompressionZstd:
		return &parquet.Zstd
	case CompressionLZ4:
		return &parquet.Lz4Raw
	case CompressionGzip:
		return &parquet.Gzip
	default:
		return &parquet.Uncompressed
	}
}

const dateLayout = "2006-01-02"

// FactRow represents a financial fact in Parquet format. Dates are
// stored as ISO strings; absent optional fields are empty or null.
type FactRow struct {
	Ticker       string   `parquet:"ticker,zstd"`
	Label        string   `parquet:"label,zstd"`
	Description  string   `parquet:"description,optional,zstd"`
	Value        *float64 `parquet:"value,optional"`
	Unit         string   `parquet:"unit,optional,zstd"`
	StartDate    string   `parquet:"start_date,optional,zstd"`
	EndDate      string   `parquet:"end_date,optional,zstd"`
	InstantDate  string   `parquet:"instant_date,optional,zstd"`
	Form         string   `parquet:"form,optional,zstd"`
	FiscalYear   int32    `parquet:"fiscal_year"`
	FiscalPeriod string   `parquet:"fiscal_period,optional,zstd"`
	Frame        string   `parquet:"frame,optional,zstd"`
}

// FactToRow converts a FinancialFact to a FactRow.
func FactToRow(ticker string, f *facts.FinancialFact) FactRow {
	return FactRow{
		Ticker:       ticker,
		Label:        f.Label,
		Description:  f.Description,
		Value:        f.Value,
		Unit:         string(f.Unit),
		StartDate:    formatDate(f.StartDate),
		EndDate:      formatDate(f.EndDate),
		InstantDate:  formatDate(f.InstantDate),
		Form:         string(f.Form),
		FiscalYear:   int32(f.FiscalYear),
		FiscalPeriod: f.FiscalPeriod,
		Frame:        f.Frame,
	}
}

// RowToFact converts a FactRow back to a FinancialFact.
func RowToFact(r *FactRow) facts.FinancialFact {
	return facts.FinancialFact{
		Label:        r.Label,
		Description:  r.Description,
		Value:        r.Value,
		Unit:         facts.UnitType(r.Unit),
		StartDate:    parseDate(r.StartDate),
		EndDate:      parseDate(r.EndDate),
		InstantDate:  parseDate(r.InstantDate),
		Form:         facts.FormType(r.Form),
		FiscalYear:   int(r.FiscalYear),
		FiscalPeriod: r.FiscalPeriod,
		Frame:        r.Frame,
	}
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(dateLayout)
}

func parseDate(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// FactWriter writes facts to a Parquet file.
type FactWriter struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	writer   *parquet.GenericWriter[FactRow]
	rowCount int64
	closed   bool
}

// NewFactWriter creates a new fact Parquet writer, creating parent
// directories as needed.
func NewFactWriter(path string, opts Options) (*FactWriter, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create file: %w", err)
	}

	writerOpts := []parquet.WriterOption{
		parquet.Compression(getCompression(opts.Compression)),
	}

	writer := parquet.NewGenericWriter[FactRow](f, writerOpts...)

	return &FactWriter{
		path:   path,
		file:   f,
		writer: writer,
	}, nil
}

// Write writes facts to the Parquet file.
func (w *FactWriter) Write(ticker string, ff []facts.FinancialFact) error {
	if len(ff) == 0 {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWriterClosed
	}

	rows := make([]FactRow, len(ff))
	for i := range ff {
		rows[i] = FactToRow(ticker, &ff[i])
	}

	n, err := w.writer.Write(rows)
	if err != nil {
		return fmt.Errorf("write rows: %w", err)
	}

	w.rowCount += int64(n)
	return nil
}

// Close closes the writer.
func (w *FactWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.writer.Close(); err != nil {
		w.file.Close()
		return fmt.Errorf("close writer: %w", err)
	}

	return w.file.Close()
}

// RowCount returns the number of rows written.
func (w *FactWriter) RowCount() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rowCount
}

// Path returns the file path.
func (w *FactWriter) Path() string {
	return w.path
}

// FactReader reads facts from a Parquet file.
type FactReader struct {
	file   *os.File
	reader *parquet.GenericReader[FactRow]
	path   string
}

// NewFactReader creates a new fact Parquet reader.
func NewFactReader(path string) (*FactReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}

	reader := parquet.NewGenericReader[FactRow](f)

	return &FactReader{
		file:   f,
		reader: reader,
		path:   path,
	}, nil
}

// ReadAll reads all facts from the file.
func (r *FactReader) ReadAll() ([]facts.FinancialFact, error) {
	numRows := r.reader.NumRows()
	if numRows == 0 {
		return nil, nil
	}

	rows := make([]FactRow, numRows)
	n, err := r.reader.Read(rows)
	if err != nil && n == 0 {
		return nil, err
	}

	out := make([]facts.FinancialFact, n)
	for i := 0; i < n; i++ {
		out[i] = RowToFact(&rows[i])
	}

	return out, nil
}

// NumRows returns the total number of rows in the file.
func (r *FactReader) NumRows() int64 {
	return r.reader.NumRows()
}

// Close closes the reader.
func (r *FactReader) Close() error {
	if err := r.reader.Close(); err != nil {
		r.file.Close()
		return err
	}
	return r.file.Close()
}

// Path returns the file path.
func (r *FactReader) Path() string {
	return r.path
}

// ErrWriterClosed is returned when writing to a closed writer.
var ErrWriterClosed = fmt.Errorf("parquet writer is closed")

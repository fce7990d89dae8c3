// Package parquetio is the columnar I/O seam between the pipeline stages
// and parquet files on disk. It offers a streaming writer, a pull-based
// record-batch source, an eager whole-file reader, and push-based sinks in
// two flavors: Stream (write batches as they arrive) and Materialize
// (retain everything, write once on close). Every artifact is written
// zstd-compressed with the arrow schema stored in the footer.
package parquetio

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/apache/arrow/go/v16/arrow"
	"github.com/apache/arrow/go/v16/arrow/array"
	"github.com/apache/arrow/go/v16/arrow/memory"
	"github.com/apache/arrow/go/v16/parquet"
	"github.com/apache/arrow/go/v16/parquet/compress"
	"github.com/apache/arrow/go/v16/parquet/file"
	"github.com/apache/arrow/go/v16/parquet/pqarrow"
	"github.com/rotisserie/eris"
)

// DefaultBatchSize is the row count per batch when scanning a file.
const DefaultBatchSize = 64 * 1024

// defaultRowGroupLength bounds rows per row group in written artifacts.
const defaultRowGroupLength int64 = 128 * 1024

type writerConfig struct {
	rowGroupLength int64
	metadata       map[string]string
}

// WriterOption adjusts how an artifact is written.
type WriterOption func(*writerConfig)

// WithRowGroupLength caps the number of rows per row group.
func WithRowGroupLength(n int64) WriterOption {
	return func(c *writerConfig) { c.rowGroupLength = n }
}

// WithMetadata adds a key-value pair to the parquet footer.
func WithMetadata(key, value string) WriterOption {
	return func(c *writerConfig) { c.metadata[key] = value }
}

// Writer appends record batches to a single zstd parquet file.
type Writer struct {
	path           string
	f              *os.File
	fw             *pqarrow.FileWriter
	rowGroupLength int64
	rows           int64
}

// NewWriter creates path (and its parent directory) and opens a parquet
// writer over it with the given schema.
func NewWriter(path string, schema *arrow.Schema, opts ...WriterOption) (*Writer, error) {
	cfg := writerConfig{
		rowGroupLength: defaultRowGroupLength,
		metadata:       map[string]string{},
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, eris.Wrapf(err, "parquetio: create directory for %s", filepath.Base(path))
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, eris.Wrapf(err, "parquetio: create %s", filepath.Base(path))
	}

	props := parquet.NewWriterProperties(
		parquet.WithCompression(compress.Codecs.Zstd),
		parquet.WithMaxRowGroupLength(cfg.rowGroupLength),
	)
	arrProps := pqarrow.NewArrowWriterProperties(pqarrow.WithStoreSchema())
	fw, err := pqarrow.NewFileWriter(schema, f, props, arrProps)
	if err != nil {
		f.Close() //nolint:errcheck
		return nil, eris.Wrapf(err, "parquetio: open writer for %s", filepath.Base(path))
	}

	keys := make([]string, 0, len(cfg.metadata))
	for k := range cfg.metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := fw.AppendKeyValueMetadata(k, cfg.metadata[k]); err != nil {
			fw.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "parquetio: set metadata %s", k)
		}
	}

	return &Writer{path: path, f: f, fw: fw, rowGroupLength: cfg.rowGroupLength}, nil
}

// Write appends one record batch.
func (w *Writer) Write(rec arrow.Record) error {
	if err := w.fw.Write(rec); err != nil {
		return eris.Wrapf(err, "parquetio: write batch to %s", filepath.Base(w.path))
	}
	w.rows += rec.NumRows()
	return nil
}

// WriteTable appends a whole table, chunked by the row group length.
func (w *Writer) WriteTable(tbl arrow.Table) error {
	if err := w.fw.WriteTable(tbl, w.rowGroupLength); err != nil {
		return eris.Wrapf(err, "parquetio: write table to %s", filepath.Base(w.path))
	}
	w.rows += tbl.NumRows()
	return nil
}

// Rows reports rows written so far.
func (w *Writer) Rows() int64 { return w.rows }

// Path reports the artifact location.
func (w *Writer) Path() string { return w.path }

// Close finalizes the footer and closes the file.
func (w *Writer) Close() error {
	if err := w.fw.Close(); err != nil {
		w.f.Close() //nolint:errcheck
		return eris.Wrapf(err, "parquetio: finalize %s", filepath.Base(w.path))
	}
	// the parquet writer may or may not own the file handle; tolerate both
	if err := w.f.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		return eris.Wrapf(err, "parquetio: close %s", filepath.Base(w.path))
	}
	return nil
}

// BatchSource pulls record batches out of a parquet file with bounded
// memory. Records returned by Record are valid until the next call to Next;
// callers that keep one must Retain it.
type BatchSource struct {
	path   string
	pf     *file.Reader
	rr     pqarrow.RecordReader
	schema *arrow.Schema
	rows   int64
}

// OpenBatchSource opens path for scanning in batches of batchSize rows.
func OpenBatchSource(ctx context.Context, path string, batchSize int64, mem memory.Allocator) (*BatchSource, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	pf, err := file.OpenParquetFile(path, false)
	if err != nil {
		return nil, eris.Wrapf(err, "parquetio: open %s", filepath.Base(path))
	}
	fr, err := pqarrow.NewFileReader(pf, pqarrow.ArrowReadProperties{BatchSize: batchSize}, mem)
	if err != nil {
		pf.Close() //nolint:errcheck
		return nil, eris.Wrapf(err, "parquetio: read %s", filepath.Base(path))
	}
	schema, err := fr.Schema()
	if err != nil {
		pf.Close() //nolint:errcheck
		return nil, eris.Wrapf(err, "parquetio: schema of %s", filepath.Base(path))
	}
	rr, err := fr.GetRecordReader(ctx, nil, nil)
	if err != nil {
		pf.Close() //nolint:errcheck
		return nil, eris.Wrapf(err, "parquetio: scan %s", filepath.Base(path))
	}
	return &BatchSource{path: path, pf: pf, rr: rr, schema: schema, rows: pf.NumRows()}, nil
}

// Schema is the file's arrow schema, metadata included.
func (s *BatchSource) Schema() *arrow.Schema { return s.schema }

// NumRows is the total row count from the footer.
func (s *BatchSource) NumRows() int64 { return s.rows }

// Next advances to the next batch.
func (s *BatchSource) Next() bool { return s.rr.Next() }

// Record returns the current batch.
func (s *BatchSource) Record() arrow.Record { return s.rr.Record() }

// Err reports a scan failure, if any. The reader surfaces io.EOF on a
// normally exhausted scan; that is clean termination, not an error.
func (s *BatchSource) Err() error {
	if err := s.rr.Err(); err != nil && !errors.Is(err, io.EOF) {
		return eris.Wrapf(err, "parquetio: scan %s", filepath.Base(s.path))
	}
	return nil
}

// Close releases the scanner and the file.
func (s *BatchSource) Close() error {
	s.rr.Release()
	if err := s.pf.Close(); err != nil {
		return eris.Wrapf(err, "parquetio: close %s", filepath.Base(s.path))
	}
	return nil
}

// ReadFile reads a whole parquet file into a single record batch. Meant for
// inputs that are processed file-at-a-time; the caller releases the record.
func ReadFile(ctx context.Context, path string, mem memory.Allocator) (arrow.Record, error) {
	pf, err := file.OpenParquetFile(path, false)
	if err != nil {
		return nil, eris.Wrapf(err, "parquetio: open %s", filepath.Base(path))
	}
	defer pf.Close() //nolint:errcheck
	fr, err := pqarrow.NewFileReader(pf, pqarrow.ArrowReadProperties{BatchSize: DefaultBatchSize}, mem)
	if err != nil {
		return nil, eris.Wrapf(err, "parquetio: read %s", filepath.Base(path))
	}
	tbl, err := fr.ReadTable(ctx)
	if err != nil {
		return nil, eris.Wrapf(err, "parquetio: read %s", filepath.Base(path))
	}
	defer tbl.Release()
	rec, err := tableToRecord(mem, tbl)
	if err != nil {
		return nil, eris.Wrapf(err, "parquetio: assemble %s", filepath.Base(path))
	}
	return rec, nil
}

// tableToRecord flattens a possibly chunked table into one record.
func tableToRecord(mem memory.Allocator, tbl arrow.Table) (arrow.Record, error) {
	cols := make([]arrow.Array, tbl.NumCols())
	release := func() {
		for _, c := range cols {
			if c != nil {
				c.Release()
			}
		}
	}
	for i := range cols {
		chunks := tbl.Column(i).Data().Chunks()
		switch len(chunks) {
		case 0:
			cols[i] = array.MakeArrayOfNull(mem, tbl.Schema().Field(i).Type, 0)
		case 1:
			chunks[0].Retain()
			cols[i] = chunks[0]
		default:
			arr, err := array.Concatenate(chunks, mem)
			if err != nil {
				release()
				return nil, eris.Wrapf(err, "parquetio: concatenate column %s", tbl.Schema().Field(i).Name)
			}
			cols[i] = arr
		}
	}
	rec := array.NewRecord(tbl.Schema(), cols, tbl.NumRows())
	release()
	return rec, nil
}

package parquetio

import (
	"github.com/apache/arrow/go/v16/arrow"
	"github.com/apache/arrow/go/v16/arrow/array"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Sink accepts record batches bound for one artifact. Close finalizes the
// artifact; a sink with zero writes still produces a valid empty file.
type Sink interface {
	Write(rec arrow.Record) error
	Rows() int64
	Path() string
	// Strategy names how the sink gets bytes to disk: stream or materialize.
	Strategy() string
	Close() error
}

// StreamSink writes each batch as it arrives; memory stays bounded by the
// batch size.
type StreamSink struct {
	w *Writer
}

// NewStreamSink opens a streaming sink at path.
func NewStreamSink(path string, schema *arrow.Schema, opts ...WriterOption) (*StreamSink, error) {
	w, err := NewWriter(path, schema, opts...)
	if err != nil {
		return nil, err
	}
	return &StreamSink{w: w}, nil
}

func (s *StreamSink) Write(rec arrow.Record) error { return s.w.Write(rec) }
func (s *StreamSink) Rows() int64                  { return s.w.Rows() }
func (s *StreamSink) Path() string                 { return s.w.Path() }
func (s *StreamSink) Strategy() string             { return "stream" }
func (s *StreamSink) Close() error                 { return s.w.Close() }

// MaterializeSink retains every batch in memory and writes the whole
// artifact once on Close. It is the degraded strategy: always available at
// construction, but memory grows with the data.
type MaterializeSink struct {
	path   string
	schema *arrow.Schema
	opts   []WriterOption
	recs   []arrow.Record
	rows   int64
	closed bool
}

// NewMaterializeSink builds a materializing sink; nothing touches disk
// until Close.
func NewMaterializeSink(path string, schema *arrow.Schema, opts ...WriterOption) *MaterializeSink {
	return &MaterializeSink{path: path, schema: schema, opts: opts}
}

// Write retains rec until Close.
func (s *MaterializeSink) Write(rec arrow.Record) error {
	if s.closed {
		return eris.Errorf("parquetio: write to closed sink %s", s.path)
	}
	rec.Retain()
	s.recs = append(s.recs, rec)
	s.rows += rec.NumRows()
	return nil
}

func (s *MaterializeSink) Rows() int64      { return s.rows }
func (s *MaterializeSink) Path() string     { return s.path }
func (s *MaterializeSink) Strategy() string { return "materialize" }

// Close writes the retained batches as one table and releases them.
func (s *MaterializeSink) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	defer func() {
		for _, r := range s.recs {
			r.Release()
		}
		s.recs = nil
	}()

	w, err := NewWriter(s.path, s.schema, s.opts...)
	if err != nil {
		return err
	}
	if len(s.recs) > 0 {
		tbl := array.NewTableFromRecords(s.schema, s.recs)
		err = w.WriteTable(tbl)
		tbl.Release()
		if err != nil {
			w.Close() //nolint:errcheck
			return err
		}
	}
	return w.Close()
}

// OpenSink opens a sink at path, preferring the streaming strategy and
// falling back to materialization when the stream writer cannot open. The
// fallback is logged; callers surface the choice through Sink.Strategy.
func OpenSink(path string, schema *arrow.Schema, opts ...WriterOption) Sink {
	ss, err := NewStreamSink(path, schema, opts...)
	if err == nil {
		return ss
	}
	zap.L().With(zap.String("component", "parquetio")).Warn("stream sink unavailable, materializing instead",
		zap.String("path", path),
		zap.Error(err))
	return NewMaterializeSink(path, schema, opts...)
}

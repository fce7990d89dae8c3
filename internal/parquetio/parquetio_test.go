package parquetio

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/apache/arrow/go/v16/arrow"
	"github.com/apache/arrow/go/v16/arrow/array"
	"github.com/apache/arrow/go/v16/arrow/memory"
	"github.com/apache/arrow/go/v16/parquet/file"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSchema = arrow.NewSchema([]arrow.Field{
	{Name: "id", Type: arrow.PrimitiveTypes.Int64, Nullable: true},
	{Name: "name", Type: arrow.BinaryTypes.String, Nullable: true},
	{Name: "score", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
}, nil)

// testBatch builds n rows with ids start..start+n-1; every third score is
// null.
func testBatch(t *testing.T, start, n int) arrow.Record {
	t.Helper()
	b := array.NewRecordBuilder(memory.NewGoAllocator(), testSchema)
	defer b.Release()
	for i := 0; i < n; i++ {
		id := start + i
		b.Field(0).(*array.Int64Builder).Append(int64(id))
		b.Field(1).(*array.StringBuilder).Append(fmt.Sprintf("r%d", id))
		if id%3 == 0 {
			b.Field(2).(*array.Float64Builder).AppendNull()
		} else {
			b.Field(2).(*array.Float64Builder).Append(float64(id) / 2)
		}
	}
	rec := b.NewRecord()
	t.Cleanup(rec.Release)
	return rec
}

func TestWriterRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.parquet")

	w, err := NewWriter(path, testSchema, WithMetadata("pipeline:stage", "bronze"))
	require.NoError(t, err)
	require.NoError(t, w.Write(testBatch(t, 0, 3)))
	require.NoError(t, w.Write(testBatch(t, 3, 2)))
	assert.Equal(t, int64(5), w.Rows())
	assert.Equal(t, path, w.Path())
	require.NoError(t, w.Close())

	src, err := OpenBatchSource(context.Background(), path, 2, memory.NewGoAllocator())
	require.NoError(t, err)
	defer src.Close() //nolint:errcheck

	assert.Equal(t, int64(5), src.NumRows())
	require.Len(t, src.Schema().Fields(), 3)
	for i, f := range src.Schema().Fields() {
		assert.Equal(t, testSchema.Field(i).Name, f.Name)
		assert.True(t, arrow.TypeEqual(testSchema.Field(i).Type, f.Type), f.Name)
	}

	var rows int64
	var lastID int64 = -1
	for src.Next() {
		rec := src.Record()
		rows += rec.NumRows()
		ids := rec.Column(0).(*array.Int64)
		for i := 0; i < ids.Len(); i++ {
			assert.Equal(t, lastID+1, ids.Value(i))
			lastID = ids.Value(i)
		}
	}
	require.NoError(t, src.Err())
	assert.Equal(t, int64(5), rows)
}

// An exhausted scan must read as clean termination: the underlying record
// reader parks on io.EOF after the last batch, and Err must not report it.
func TestBatchSourceExhaustedScanIsClean(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.parquet")

	w, err := NewWriter(path, testSchema)
	require.NoError(t, err)
	require.NoError(t, w.Write(testBatch(t, 0, 7)))
	require.NoError(t, w.Close())

	src, err := OpenBatchSource(context.Background(), path, 3, memory.NewGoAllocator())
	require.NoError(t, err)
	defer src.Close() //nolint:errcheck

	var rows int64
	for src.Next() {
		rows += src.Record().NumRows()
	}
	assert.Equal(t, int64(7), rows)
	require.NoError(t, src.Err())
	assert.False(t, src.Next())
	require.NoError(t, src.Err())
}

func TestWriterStampsFooterMetadata(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.parquet")

	w, err := NewWriter(path, testSchema, WithMetadata("pipeline:contract", "1"))
	require.NoError(t, err)
	require.NoError(t, w.Write(testBatch(t, 0, 2)))
	require.NoError(t, w.Close())

	pf, err := file.OpenParquetFile(path, false)
	require.NoError(t, err)
	defer pf.Close() //nolint:errcheck

	got := pf.MetaData().KeyValueMetadata().FindValue("pipeline:contract")
	require.NotNil(t, got)
	assert.Equal(t, "1", *got)
}

func TestReadFileMergesRowGroups(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.parquet")

	w, err := NewWriter(path, testSchema, WithRowGroupLength(2))
	require.NoError(t, err)
	require.NoError(t, w.Write(testBatch(t, 0, 5)))
	require.NoError(t, w.Close())

	rec, err := ReadFile(context.Background(), path, memory.NewGoAllocator())
	require.NoError(t, err)
	defer rec.Release()

	require.Equal(t, int64(5), rec.NumRows())
	ids := rec.Column(0).(*array.Int64)
	scores := rec.Column(2).(*array.Float64)
	for i := 0; i < 5; i++ {
		assert.Equal(t, int64(i), ids.Value(i))
		assert.Equal(t, i%3 == 0, scores.IsNull(i), "row %d", i)
	}
}

func TestSinkStrategiesAgree(t *testing.T) {
	dir := t.TempDir()
	streamPath := filepath.Join(dir, "stream.parquet")
	matPath := filepath.Join(dir, "materialize.parquet")

	stream, err := NewStreamSink(streamPath, testSchema)
	require.NoError(t, err)
	mat := NewMaterializeSink(matPath, testSchema)

	assert.Equal(t, "stream", stream.Strategy())
	assert.Equal(t, "materialize", mat.Strategy())

	for _, sink := range []Sink{stream, mat} {
		require.NoError(t, sink.Write(testBatch(t, 0, 4)))
		require.NoError(t, sink.Write(testBatch(t, 4, 3)))
		assert.Equal(t, int64(7), sink.Rows())
		require.NoError(t, sink.Close())
	}

	mem := memory.NewGoAllocator()
	a, err := ReadFile(context.Background(), streamPath, mem)
	require.NoError(t, err)
	defer a.Release()
	b, err := ReadFile(context.Background(), matPath, mem)
	require.NoError(t, err)
	defer b.Release()

	require.Equal(t, a.NumRows(), b.NumRows())
	for i := 0; i < int(a.NumRows()); i++ {
		assert.Equal(t, a.Column(0).(*array.Int64).Value(i), b.Column(0).(*array.Int64).Value(i))
		assert.Equal(t, a.Column(1).(*array.String).Value(i), b.Column(1).(*array.String).Value(i))
	}
}

func TestMaterializeSinkEmptyArtifact(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.parquet")
	sink := NewMaterializeSink(path, testSchema)
	require.NoError(t, sink.Close())

	src, err := OpenBatchSource(context.Background(), path, 0, memory.NewGoAllocator())
	require.NoError(t, err)
	defer src.Close() //nolint:errcheck
	assert.Equal(t, int64(0), src.NumRows())
	assert.Len(t, src.Schema().Fields(), 3)
}

func TestOpenSinkFallsBack(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	// parent "directory" is a regular file: the stream sink cannot open
	sink := OpenSink(filepath.Join(blocker, "sub", "out.parquet"), testSchema)
	assert.Equal(t, "materialize", sink.Strategy())
	assert.Error(t, sink.Close())

	// a writable path picks the preferred strategy
	sink = OpenSink(filepath.Join(dir, "ok.parquet"), testSchema)
	assert.Equal(t, "stream", sink.Strategy())
	require.NoError(t, sink.Close())
}

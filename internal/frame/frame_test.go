package frame

import (
	"testing"

	"github.com/apache/arrow/go/v16/arrow"
	"github.com/apache/arrow/go/v16/arrow/array"
	"github.com/apache/arrow/go/v16/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRecord(t *testing.T) arrow.Record {
	t.Helper()
	mem := memory.NewGoAllocator()
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: arrow.PrimitiveTypes.Int64, Nullable: true},
		{Name: "fare", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
		{Name: "flag", Type: arrow.BinaryTypes.String, Nullable: true},
	}, nil)

	b := array.NewRecordBuilder(mem, schema)
	defer b.Release()

	b.Field(0).(*array.Int64Builder).AppendValues([]int64{1, 2, 3, 4}, nil)
	b.Field(1).(*array.Float64Builder).AppendValues([]float64{10.5, 0, 7.25, 3.0}, []bool{true, false, true, true})
	b.Field(2).(*array.StringBuilder).AppendValues([]string{"N", "Y", "N", "Y"}, nil)

	rec := b.NewRecord()
	t.Cleanup(rec.Release)
	return rec
}

func TestColumnIndex(t *testing.T) {
	rec := testRecord(t)

	assert.Equal(t, 1, ColumnIndex(rec, "fare"))
	assert.Equal(t, -1, ColumnIndex(rec, "missing"))
	assert.True(t, HasColumn(rec, "flag"))
	assert.False(t, HasColumn(rec, "missing"))
}

func TestRename(t *testing.T) {
	rec := testRecord(t)

	out, err := Rename(rec, map[string]string{"fare": "fare_amount", "nope": "ignored"})
	require.NoError(t, err)
	defer out.Release()

	assert.Equal(t, []string{"id", "fare_amount", "flag"}, schemaNames(out))
	// data untouched
	assert.Equal(t, 10.5, out.Column(1).(*array.Float64).Value(0))
}

func TestRenameCollision(t *testing.T) {
	rec := testRecord(t)

	_, err := Rename(rec, map[string]string{"fare": "id"})
	assert.Error(t, err)
}

func TestWithColumnReplace(t *testing.T) {
	rec := testRecord(t)
	mem := memory.NewGoAllocator()

	b := array.NewInt32Builder(mem)
	b.AppendValues([]int32{9, 8, 7, 6}, nil)
	col := b.NewArray()
	b.Release()
	defer col.Release()

	out, err := WithColumn(rec, "id", col)
	require.NoError(t, err)
	defer out.Release()

	assert.Equal(t, []string{"id", "fare", "flag"}, schemaNames(out))
	assert.Equal(t, arrow.PrimitiveTypes.Int32, out.Schema().Field(0).Type)
	assert.Equal(t, int32(9), out.Column(0).(*array.Int32).Value(0))
}

func TestWithColumnAppend(t *testing.T) {
	rec := testRecord(t)
	mem := memory.NewGoAllocator()

	b := array.NewBooleanBuilder(mem)
	b.AppendValues([]bool{true, false, true, false}, nil)
	col := b.NewArray()
	b.Release()
	defer col.Release()

	out, err := WithColumn(rec, "qa", col)
	require.NoError(t, err)
	defer out.Release()

	assert.Equal(t, []string{"id", "fare", "flag", "qa"}, schemaNames(out))
}

func TestWithColumnLengthMismatch(t *testing.T) {
	rec := testRecord(t)
	mem := memory.NewGoAllocator()

	b := array.NewBooleanBuilder(mem)
	b.AppendValues([]bool{true}, nil)
	col := b.NewArray()
	b.Release()
	defer col.Release()

	_, err := WithColumn(rec, "qa", col)
	assert.Error(t, err)
}

func TestDrop(t *testing.T) {
	rec := testRecord(t)

	out := Drop(rec, "flag", "not_there")
	defer out.Release()

	assert.Equal(t, []string{"id", "fare"}, schemaNames(out))
	assert.Equal(t, int64(4), out.NumRows())
}

func TestTake(t *testing.T) {
	rec := testRecord(t)
	mem := memory.NewGoAllocator()

	out, err := Take(mem, rec, []int{3, 1, 1})
	require.NoError(t, err)
	defer out.Release()

	require.Equal(t, int64(3), out.NumRows())
	ids := out.Column(0).(*array.Int64)
	assert.Equal(t, int64(4), ids.Value(0))
	assert.Equal(t, int64(2), ids.Value(1))
	assert.Equal(t, int64(2), ids.Value(2))

	// null travels with its row
	fares := out.Column(1).(*array.Float64)
	assert.True(t, fares.IsNull(1))
	assert.True(t, fares.IsNull(2))
}

func TestTakeEmpty(t *testing.T) {
	rec := testRecord(t)
	mem := memory.NewGoAllocator()

	out, err := Take(mem, rec, nil)
	require.NoError(t, err)
	defer out.Release()

	assert.Equal(t, int64(0), out.NumRows())
	assert.Equal(t, int64(3), out.NumCols())
}

func TestFilterMask(t *testing.T) {
	rec := testRecord(t)
	mem := memory.NewGoAllocator()

	out, err := FilterMask(mem, rec, []bool{true, false, false, true})
	require.NoError(t, err)
	defer out.Release()

	require.Equal(t, int64(2), out.NumRows())
	ids := out.Column(0).(*array.Int64)
	assert.Equal(t, int64(1), ids.Value(0))
	assert.Equal(t, int64(4), ids.Value(1))
}

func TestFilterMaskWrongLength(t *testing.T) {
	rec := testRecord(t)
	mem := memory.NewGoAllocator()

	_, err := FilterMask(mem, rec, []bool{true})
	assert.Error(t, err)
}

func TestAppendColumns(t *testing.T) {
	rec := testRecord(t)
	mem := memory.NewGoAllocator()

	b := array.NewFloat64Builder(mem)
	b.AppendValues([]float64{1, 2, 3, 4}, nil)
	col := b.NewArray()
	b.Release()
	defer col.Release()

	out, err := AppendColumns(rec,
		[]arrow.Field{{Name: "speed", Type: arrow.PrimitiveTypes.Float64, Nullable: true}},
		[]arrow.Array{col},
	)
	require.NoError(t, err)
	defer out.Release()

	assert.Equal(t, []string{"id", "fare", "flag", "speed"}, schemaNames(out))
}

func schemaNames(rec arrow.Record) []string {
	names := make([]string, 0, rec.NumCols())
	for _, f := range rec.Schema().Fields() {
		names = append(names, f.Name)
	}
	return names
}

// Package frame provides small helpers for manipulating Arrow record
// batches by column name: renames, column replacement, row selection.
// Batches are immutable; every operation returns a new record and leaves
// the input untouched.
package frame

import (
	"github.com/apache/arrow/go/v16/arrow"
	"github.com/apache/arrow/go/v16/arrow/array"
	"github.com/apache/arrow/go/v16/arrow/memory"
	"github.com/rotisserie/eris"
)

// ColumnIndex returns the index of the named column, or -1 when absent.
func ColumnIndex(rec arrow.Record, name string) int {
	idx := rec.Schema().FieldIndices(name)
	if len(idx) == 0 {
		return -1
	}
	return idx[0]
}

// Column returns the named column, or false when absent.
func Column(rec arrow.Record, name string) (arrow.Array, bool) {
	i := ColumnIndex(rec, name)
	if i < 0 {
		return nil, false
	}
	return rec.Column(i), true
}

// HasColumn reports whether the record has the named column.
func HasColumn(rec arrow.Record, name string) bool {
	return ColumnIndex(rec, name) >= 0
}

// Rename returns a record with known column names replaced per renames.
// Columns not in the map pass through unchanged. Renaming two columns onto
// the same target is an error.
func Rename(rec arrow.Record, renames map[string]string) (arrow.Record, error) {
	schema := rec.Schema()
	fields := make([]arrow.Field, len(schema.Fields()))
	seen := make(map[string]bool, len(fields))
	for i, f := range schema.Fields() {
		if to, ok := renames[f.Name]; ok {
			f.Name = to
		}
		if seen[f.Name] {
			return nil, eris.Errorf("frame: rename collides on column %q", f.Name)
		}
		seen[f.Name] = true
		fields[i] = f
	}

	cols := make([]arrow.Array, rec.NumCols())
	for i := range cols {
		cols[i] = rec.Column(i)
	}
	md := schema.Metadata()
	return array.NewRecord(arrow.NewSchema(fields, &md), cols, rec.NumRows()), nil
}

// WithColumn returns a record where the named column is replaced by col, or
// appended when absent. The field type follows col. The caller keeps its
// reference to col.
func WithColumn(rec arrow.Record, name string, col arrow.Array) (arrow.Record, error) {
	if int64(col.Len()) != rec.NumRows() {
		return nil, eris.Errorf("frame: column %q has %d rows, record has %d", name, col.Len(), rec.NumRows())
	}

	schema := rec.Schema()
	fields := make([]arrow.Field, 0, len(schema.Fields())+1)
	cols := make([]arrow.Array, 0, rec.NumCols()+1)
	replaced := false
	for i, f := range schema.Fields() {
		if f.Name == name {
			fields = append(fields, arrow.Field{Name: name, Type: col.DataType(), Nullable: true})
			cols = append(cols, col)
			replaced = true
			continue
		}
		fields = append(fields, f)
		cols = append(cols, rec.Column(i))
	}
	if !replaced {
		fields = append(fields, arrow.Field{Name: name, Type: col.DataType(), Nullable: true})
		cols = append(cols, col)
	}

	md := schema.Metadata()
	return array.NewRecord(arrow.NewSchema(fields, &md), cols, rec.NumRows()), nil
}

// AppendColumns returns a record with the given fields appended in order.
// len(fields) must equal len(cols) and every column must match the record's
// row count.
func AppendColumns(rec arrow.Record, fields []arrow.Field, cols []arrow.Array) (arrow.Record, error) {
	if len(fields) != len(cols) {
		return nil, eris.Errorf("frame: %d fields for %d columns", len(fields), len(cols))
	}
	schema := rec.Schema()
	outFields := make([]arrow.Field, 0, len(schema.Fields())+len(fields))
	outCols := make([]arrow.Array, 0, rec.NumCols()+int64(len(cols)))
	outFields = append(outFields, schema.Fields()...)
	for i := 0; i < int(rec.NumCols()); i++ {
		outCols = append(outCols, rec.Column(i))
	}
	for i, f := range fields {
		if int64(cols[i].Len()) != rec.NumRows() {
			return nil, eris.Errorf("frame: column %q has %d rows, record has %d", f.Name, cols[i].Len(), rec.NumRows())
		}
		outFields = append(outFields, f)
		outCols = append(outCols, cols[i])
	}
	md := schema.Metadata()
	return array.NewRecord(arrow.NewSchema(outFields, &md), outCols, rec.NumRows()), nil
}

// Drop returns a record without the named columns. Unknown names are
// ignored.
func Drop(rec arrow.Record, names ...string) arrow.Record {
	unwanted := make(map[string]bool, len(names))
	for _, n := range names {
		unwanted[n] = true
	}

	schema := rec.Schema()
	fields := make([]arrow.Field, 0, len(schema.Fields()))
	cols := make([]arrow.Array, 0, rec.NumCols())
	for i, f := range schema.Fields() {
		if unwanted[f.Name] {
			continue
		}
		fields = append(fields, f)
		cols = append(cols, rec.Column(i))
	}
	md := schema.Metadata()
	return array.NewRecord(arrow.NewSchema(fields, &md), cols, rec.NumRows())
}

// Take returns a record holding the rows of rec at the given indices, in
// index order. Indices may repeat and need not be sorted.
func Take(mem memory.Allocator, rec arrow.Record, indices []int) (arrow.Record, error) {
	cols := make([]arrow.Array, rec.NumCols())
	for i := range cols {
		col, err := takeArray(mem, rec.Column(i), indices)
		if err != nil {
			for _, c := range cols[:i] {
				c.Release()
			}
			return nil, eris.Wrapf(err, "frame: take column %q", rec.ColumnName(i))
		}
		cols[i] = col
	}
	out := array.NewRecord(rec.Schema(), cols, int64(len(indices)))
	for _, c := range cols {
		c.Release()
	}
	return out, nil
}

// FilterMask returns a record holding the rows of rec where mask is true.
// len(mask) must equal the record's row count.
func FilterMask(mem memory.Allocator, rec arrow.Record, mask []bool) (arrow.Record, error) {
	if int64(len(mask)) != rec.NumRows() {
		return nil, eris.Errorf("frame: mask has %d rows, record has %d", len(mask), rec.NumRows())
	}
	indices := make([]int, 0, len(mask))
	for i, keep := range mask {
		if keep {
			indices = append(indices, i)
		}
	}
	return Take(mem, rec, indices)
}

// takeArray gathers arr values at indices. Contract types get typed paths;
// anything else survives through its string representation.
func takeArray(mem memory.Allocator, arr arrow.Array, indices []int) (arrow.Array, error) {
	switch a := arr.(type) {
	case *array.Int16:
		b := array.NewInt16Builder(mem)
		defer b.Release()
		b.Reserve(len(indices))
		for _, i := range indices {
			if a.IsNull(i) {
				b.AppendNull()
			} else {
				b.Append(a.Value(i))
			}
		}
		return b.NewArray(), nil
	case *array.Int32:
		b := array.NewInt32Builder(mem)
		defer b.Release()
		b.Reserve(len(indices))
		for _, i := range indices {
			if a.IsNull(i) {
				b.AppendNull()
			} else {
				b.Append(a.Value(i))
			}
		}
		return b.NewArray(), nil
	case *array.Int64:
		b := array.NewInt64Builder(mem)
		defer b.Release()
		b.Reserve(len(indices))
		for _, i := range indices {
			if a.IsNull(i) {
				b.AppendNull()
			} else {
				b.Append(a.Value(i))
			}
		}
		return b.NewArray(), nil
	case *array.Float64:
		b := array.NewFloat64Builder(mem)
		defer b.Release()
		b.Reserve(len(indices))
		for _, i := range indices {
			if a.IsNull(i) {
				b.AppendNull()
			} else {
				b.Append(a.Value(i))
			}
		}
		return b.NewArray(), nil
	case *array.Boolean:
		b := array.NewBooleanBuilder(mem)
		defer b.Release()
		b.Reserve(len(indices))
		for _, i := range indices {
			if a.IsNull(i) {
				b.AppendNull()
			} else {
				b.Append(a.Value(i))
			}
		}
		return b.NewArray(), nil
	case *array.String:
		b := array.NewStringBuilder(mem)
		defer b.Release()
		b.Reserve(len(indices))
		for _, i := range indices {
			if a.IsNull(i) {
				b.AppendNull()
			} else {
				b.Append(a.Value(i))
			}
		}
		return b.NewArray(), nil
	case *array.Timestamp:
		b := array.NewTimestampBuilder(mem, a.DataType().(*arrow.TimestampType))
		defer b.Release()
		b.Reserve(len(indices))
		for _, i := range indices {
			if a.IsNull(i) {
				b.AppendNull()
			} else {
				b.Append(a.Value(i))
			}
		}
		return b.NewArray(), nil
	default:
		b := array.NewBuilder(mem, arr.DataType())
		defer b.Release()
		for _, i := range indices {
			if arr.IsNull(i) {
				b.AppendNull()
				continue
			}
			if err := b.AppendValueFromString(arr.ValueStr(i)); err != nil {
				return nil, eris.Wrapf(err, "frame: take %s value", arr.DataType().Name())
			}
		}
		return b.NewArray(), nil
	}
}

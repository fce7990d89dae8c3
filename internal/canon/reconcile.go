package canon

import (
	"github.com/apache/arrow/go/v16/arrow"
	"github.com/apache/arrow/go/v16/arrow/array"
	"github.com/apache/arrow/go/v16/arrow/memory"
	"github.com/rotisserie/eris"

	"github.com/sells-group/triplake/internal/contract"
	"github.com/sells-group/triplake/internal/frame"
)

// Synthesis names an absent column and the constant it should be filled
// with.
type Synthesis struct {
	Name    string
	Default float64
}

// ReconcileMoney compares a batch schema against the monetary components
// and returns the columns that must be synthesized. Absent components
// default to zero: a fee column missing from a monthly file means the fee
// did not apply that month, not that it is unknown. total_amount is never
// synthesized; when absent it stays null so downstream rules can reject or
// coalesce it.
func ReconcileMoney(schema *arrow.Schema) []Synthesis {
	var out []Synthesis
	for _, name := range contract.MoneyComponents() {
		if !schema.HasField(name) {
			out = append(out, Synthesis{Name: name, Default: 0})
		}
	}
	return out
}

// EnsureMoney applies ReconcileMoney to a batch, appending a constant
// float64 column for every absent monetary component. When nothing is
// missing the input is returned with an extra reference.
func EnsureMoney(mem memory.Allocator, rec arrow.Record) (arrow.Record, error) {
	syn := ReconcileMoney(rec.Schema())
	if len(syn) == 0 {
		rec.Retain()
		return rec, nil
	}

	fields := make([]arrow.Field, len(syn))
	cols := make([]arrow.Array, len(syn))
	for i, s := range syn {
		fields[i] = arrow.Field{Name: s.Name, Type: arrow.PrimitiveTypes.Float64, Nullable: true}
		cols[i] = ConstantFloat64(mem, s.Default, int(rec.NumRows()))
	}

	out, err := frame.AppendColumns(rec, fields, cols)
	for _, c := range cols {
		c.Release()
	}
	if err != nil {
		return nil, eris.Wrap(err, "canon: ensure money columns")
	}
	return out, nil
}

// ConstantFloat64 builds a float64 column of n copies of v.
func ConstantFloat64(mem memory.Allocator, v float64, n int) arrow.Array {
	b := array.NewFloat64Builder(mem)
	defer b.Release()
	b.Reserve(n)
	for i := 0; i < n; i++ {
		b.Append(v)
	}
	return b.NewArray()
}

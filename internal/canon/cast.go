package canon

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/apache/arrow/go/v16/arrow"
	"github.com/apache/arrow/go/v16/arrow/array"
	"github.com/apache/arrow/go/v16/arrow/memory"
	"github.com/rotisserie/eris"
)

// timeLayouts are tried in order when parsing string timestamps. Fractional
// seconds are optional in every layout.
var timeLayouts = []string{
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	time.RFC3339Nano,
	"2006-01-02",
}

// CastTo casts arr to the target type, value by value. Values that cannot
// be represented in the target (overflow, unparseable strings, alien types)
// become null; the cast itself only fails for target types outside the
// contract's vocabulary. When arr already has the target type it is
// returned as-is with an extra reference.
func CastTo(mem memory.Allocator, arr arrow.Array, target arrow.DataType) (arrow.Array, error) {
	if arrow.TypeEqual(arr.DataType(), target) {
		arr.Retain()
		return arr, nil
	}

	n := arr.Len()
	switch dt := target.(type) {
	case *arrow.Int16Type:
		b := array.NewInt16Builder(mem)
		defer b.Release()
		b.Reserve(n)
		for i := 0; i < n; i++ {
			if v, ok := intAt(arr, i); ok && v >= math.MinInt16 && v <= math.MaxInt16 {
				b.Append(int16(v))
			} else {
				b.AppendNull()
			}
		}
		return b.NewArray(), nil

	case *arrow.Int32Type:
		b := array.NewInt32Builder(mem)
		defer b.Release()
		b.Reserve(n)
		for i := 0; i < n; i++ {
			if v, ok := intAt(arr, i); ok && v >= math.MinInt32 && v <= math.MaxInt32 {
				b.Append(int32(v))
			} else {
				b.AppendNull()
			}
		}
		return b.NewArray(), nil

	case *arrow.Int64Type:
		b := array.NewInt64Builder(mem)
		defer b.Release()
		b.Reserve(n)
		for i := 0; i < n; i++ {
			if v, ok := intAt(arr, i); ok {
				b.Append(v)
			} else {
				b.AppendNull()
			}
		}
		return b.NewArray(), nil

	case *arrow.Float64Type:
		b := array.NewFloat64Builder(mem)
		defer b.Release()
		b.Reserve(n)
		for i := 0; i < n; i++ {
			if v, ok := floatAt(arr, i); ok {
				b.Append(v)
			} else {
				b.AppendNull()
			}
		}
		return b.NewArray(), nil

	case *arrow.BooleanType:
		b := array.NewBooleanBuilder(mem)
		defer b.Release()
		b.Reserve(n)
		for i := 0; i < n; i++ {
			if v, ok := boolAt(arr, i); ok {
				b.Append(v)
			} else {
				b.AppendNull()
			}
		}
		return b.NewArray(), nil

	case *arrow.StringType:
		b := array.NewStringBuilder(mem)
		defer b.Release()
		b.Reserve(n)
		for i := 0; i < n; i++ {
			if arr.IsNull(i) {
				b.AppendNull()
			} else {
				b.Append(arr.ValueStr(i))
			}
		}
		return b.NewArray(), nil

	case *arrow.TimestampType:
		if dt.Unit != arrow.Microsecond {
			return nil, eris.Errorf("canon: unsupported timestamp unit %s", dt.Unit)
		}
		b := array.NewTimestampBuilder(mem, dt)
		defer b.Release()
		b.Reserve(n)
		for i := 0; i < n; i++ {
			if v, ok := microsAt(arr, i); ok {
				b.Append(arrow.Timestamp(v))
			} else {
				b.AppendNull()
			}
		}
		return b.NewArray(), nil

	default:
		return nil, eris.Errorf("canon: unsupported cast target %s", target.Name())
	}
}

// intAt reads row i as an int64.
func intAt(arr arrow.Array, i int) (int64, bool) {
	if arr.IsNull(i) {
		return 0, false
	}
	switch a := arr.(type) {
	case *array.Int8:
		return int64(a.Value(i)), true
	case *array.Int16:
		return int64(a.Value(i)), true
	case *array.Int32:
		return int64(a.Value(i)), true
	case *array.Int64:
		return a.Value(i), true
	case *array.Uint8:
		return int64(a.Value(i)), true
	case *array.Uint16:
		return int64(a.Value(i)), true
	case *array.Uint32:
		return int64(a.Value(i)), true
	case *array.Uint64:
		v := a.Value(i)
		if v > math.MaxInt64 {
			return 0, false
		}
		return int64(v), true
	case *array.Float32:
		return floatToInt(float64(a.Value(i)))
	case *array.Float64:
		return floatToInt(a.Value(i))
	case *array.Boolean:
		if a.Value(i) {
			return 1, true
		}
		return 0, true
	case *array.String:
		v, err := strconv.ParseInt(strings.TrimSpace(a.Value(i)), 10, 64)
		if err != nil {
			return 0, false
		}
		return v, true
	default:
		return 0, false
	}
}

// floatToInt truncates toward zero, rejecting non-finite or out-of-range
// values.
func floatToInt(f float64) (int64, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f < math.MinInt64 || f > math.MaxInt64 {
		return 0, false
	}
	return int64(f), true
}

// floatAt reads row i as a float64.
func floatAt(arr arrow.Array, i int) (float64, bool) {
	if arr.IsNull(i) {
		return 0, false
	}
	switch a := arr.(type) {
	case *array.Float64:
		return a.Value(i), true
	case *array.Float32:
		return float64(a.Value(i)), true
	case *array.Int8:
		return float64(a.Value(i)), true
	case *array.Int16:
		return float64(a.Value(i)), true
	case *array.Int32:
		return float64(a.Value(i)), true
	case *array.Int64:
		return float64(a.Value(i)), true
	case *array.Uint8:
		return float64(a.Value(i)), true
	case *array.Uint16:
		return float64(a.Value(i)), true
	case *array.Uint32:
		return float64(a.Value(i)), true
	case *array.Uint64:
		return float64(a.Value(i)), true
	case *array.Boolean:
		if a.Value(i) {
			return 1, true
		}
		return 0, true
	case *array.String:
		v, err := strconv.ParseFloat(strings.TrimSpace(a.Value(i)), 64)
		if err != nil {
			return 0, false
		}
		return v, true
	default:
		return 0, false
	}
}

// boolAt reads row i as a bool.
func boolAt(arr arrow.Array, i int) (bool, bool) {
	if arr.IsNull(i) {
		return false, false
	}
	switch a := arr.(type) {
	case *array.Boolean:
		return a.Value(i), true
	case *array.String:
		switch strings.ToLower(strings.TrimSpace(a.Value(i))) {
		case "true", "1", "t":
			return true, true
		case "false", "0", "f":
			return false, true
		}
		return false, false
	default:
		if v, ok := intAt(arr, i); ok {
			return v != 0, true
		}
		return false, false
	}
}

// microsAt reads row i as naive microseconds since the Unix epoch. Three
// coercion paths: temporal types rescale by unit, calendar dates become
// midnight, strings go through the fixed layout list.
func microsAt(arr arrow.Array, i int) (int64, bool) {
	if arr.IsNull(i) {
		return 0, false
	}
	switch a := arr.(type) {
	case *array.Timestamp:
		unit := a.DataType().(*arrow.TimestampType).Unit
		return a.Value(i).ToTime(unit).UnixMicro(), true
	case *array.Date32:
		return a.Value(i).ToTime().UnixMicro(), true
	case *array.Date64:
		return a.Value(i).ToTime().UnixMicro(), true
	case *array.String:
		s := strings.TrimSpace(a.Value(i))
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UnixMicro(), true
			}
		}
		return 0, false
	default:
		return 0, false
	}
}

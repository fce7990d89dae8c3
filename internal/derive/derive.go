// Package derive computes trip metrics and quality flags over canonical
// batches. It is pure: no I/O, no configuration, every threshold a package
// constant. Derived metrics stay null where they are undefined; the quality
// flags always materialize as non-null booleans so downstream partitioning
// never has to reason about three-valued logic.
package derive

import (
	"math"
	"time"

	"github.com/apache/arrow/go/v16/arrow"
	"github.com/apache/arrow/go/v16/arrow/array"
	"github.com/apache/arrow/go/v16/arrow/memory"
	"github.com/rotisserie/eris"

	"github.com/sells-group/triplake/internal/contract"
	"github.com/sells-group/triplake/internal/frame"
)

const (
	// FareTolerance is the absolute dollar gap between the recomputed and
	// reported totals beyond which a trip is flagged as a fare mismatch.
	FareTolerance = 0.50

	// WindowPadDays widens a file's nominal month on both sides before
	// checking whether a trip falls inside it.
	WindowPadDays = 2

	// MaxDistanceMi bounds plausible trip distances; distances must fall in
	// (0, MaxDistanceMi] to pass.
	MaxDistanceMi = 150.0

	// MinDurationMin and MaxDurationMin bound plausible trip durations in
	// minutes.
	MinDurationMin = 1.0
	MaxDurationMin = 360.0

	// MaxSpeedMPH is the highest average speed considered plausible.
	MaxSpeedMPH = 80.0
)

// adjustmentPayments are the payment codes that mark a record as
// administrative rather than a revenue trip: 3 no charge, 4 dispute,
// 6 voided.
var adjustmentPayments = map[int64]bool{3: true, 4: true, 6: true}

const microsPerMinute = 60_000_000

// Window is a closed timestamp interval.
type Window struct {
	Start time.Time
	End   time.Time
}

// FileWindow returns the plausible pickup/dropoff interval for a monthly
// file: the calendar month padded by WindowPadDays on each side, both ends
// inclusive.
func FileWindow(year, month int) Window {
	first := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
	return Window{
		Start: first.AddDate(0, 0, -WindowPadDays),
		End:   first.AddDate(0, 1, WindowPadDays),
	}
}

// Contains reports whether t falls inside the window, ends included.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && !t.After(w.End)
}

// Apply appends the derived metric columns and the five quality flags to a
// canonical batch:
//
//	manual_total      sum of the monetary components, nulls counted as zero
//	duration_minutes  dropoff minus pickup, signed; null when either end is
//	                  missing
//	speed_mph         distance over duration; null unless duration > 0
//	qa_in_file_window both ends inside win
//	qa_outlier_distance  distance outside (0, MaxDistanceMi]
//	qa_outlier_speed  duration under MinDurationMin, over MaxDurationMin, or
//	                  speed over MaxSpeedMPH
//	qa_is_fare_mismatch  |manual_total - total_amount| > FareTolerance
//	qa_is_adjustment  a negative component or total, or an adjustment
//	                  payment code
//
// A null term never raises a flag: an unknowable condition is not an
// anomaly. Columns the batch lacks read as all null. The input batch is
// left untouched.
func Apply(mem memory.Allocator, rec arrow.Record, win Window) (arrow.Record, error) {
	n := int(rec.NumRows())

	pickup := timestampColumn(rec, "pickup_at")
	dropoff := timestampColumn(rec, "dropoff_at")
	distance := floatColumn(rec, "trip_distance_mi")
	total := floatColumn(rec, "total_amount")
	payment := intColumn(rec, "payment_type")

	componentNames := contract.MoneyComponents()
	components := make([]floatGetter, len(componentNames))
	for i, name := range componentNames {
		components[i] = floatColumn(rec, name)
	}

	startUS := win.Start.UnixMicro()
	endUS := win.End.UnixMicro()

	manualB := array.NewFloat64Builder(mem)
	defer manualB.Release()
	durationB := array.NewFloat64Builder(mem)
	defer durationB.Release()
	speedB := array.NewFloat64Builder(mem)
	defer speedB.Release()
	flagBs := make([]*array.BooleanBuilder, 5)
	for i := range flagBs {
		flagBs[i] = array.NewBooleanBuilder(mem)
	}
	defer func() {
		for _, b := range flagBs {
			b.Release()
		}
	}()
	inWindowB, distOutB, speedOutB, mismatchB, adjustB := flagBs[0], flagBs[1], flagBs[2], flagBs[3], flagBs[4]

	for i := 0; i < n; i++ {
		pu, puOK := pickup(i)
		do, doOK := dropoff(i)
		durOK := puOK && doOK
		var dur float64
		if durOK {
			dur = float64(do-pu) / microsPerMinute
		}

		dist, distOK := distance(i)
		speedOK := durOK && dur > 0 && distOK
		var speed float64
		if speedOK {
			speed = dist / (dur / 60)
		}

		var manual float64
		adjust := false
		for _, comp := range components {
			if v, ok := comp(i); ok {
				manual += v
				if v < 0 {
					adjust = true
				}
			}
		}

		tot, totOK := total(i)
		if totOK && tot < 0 {
			adjust = true
		}
		if p, ok := payment(i); ok && adjustmentPayments[p] {
			adjust = true
		}

		manualB.Append(manual)
		if durOK {
			durationB.Append(dur)
		} else {
			durationB.AppendNull()
		}
		if speedOK {
			speedB.Append(speed)
		} else {
			speedB.AppendNull()
		}

		inWindowB.Append(durOK && pu >= startUS && pu <= endUS && do >= startUS && do <= endUS)
		distOutB.Append(distOK && (dist <= 0 || dist > MaxDistanceMi))
		speedOutB.Append((durOK && dur < MinDurationMin) || (durOK && dur > MaxDurationMin) || (speedOK && speed > MaxSpeedMPH))
		mismatchB.Append(totOK && math.Abs(manual-tot) > FareTolerance)
		adjustB.Append(adjust)
	}

	names := []string{
		"manual_total", "duration_minutes", "speed_mph",
		"qa_in_file_window", "qa_outlier_distance", "qa_outlier_speed",
		"qa_is_fare_mismatch", "qa_is_adjustment",
	}
	cols := []arrow.Array{
		manualB.NewArray(), durationB.NewArray(), speedB.NewArray(),
		inWindowB.NewArray(), distOutB.NewArray(), speedOutB.NewArray(),
		mismatchB.NewArray(), adjustB.NewArray(),
	}
	fields := make([]arrow.Field, len(names))
	for i, name := range names {
		fields[i] = arrow.Field{Name: name, Type: cols[i].DataType(), Nullable: true}
	}

	out, err := frame.AppendColumns(rec, fields, cols)
	for _, c := range cols {
		c.Release()
	}
	if err != nil {
		return nil, eris.Wrap(err, "derive: append columns")
	}
	return out, nil
}

type floatGetter func(i int) (float64, bool)
type intGetter func(i int) (int64, bool)

func absentFloat(int) (float64, bool) { return 0, false }
func absentInt(int) (int64, bool)     { return 0, false }

// floatColumn reads a float64 column by name, treating a missing column or a
// non-float column as all null.
func floatColumn(rec arrow.Record, name string) floatGetter {
	col, ok := frame.Column(rec, name)
	if !ok {
		return absentFloat
	}
	f, ok := col.(*array.Float64)
	if !ok {
		return absentFloat
	}
	return func(i int) (float64, bool) {
		if f.IsNull(i) {
			return 0, false
		}
		return f.Value(i), true
	}
}

// intColumn reads an integer column at any contract width.
func intColumn(rec arrow.Record, name string) intGetter {
	col, ok := frame.Column(rec, name)
	if !ok {
		return absentInt
	}
	switch c := col.(type) {
	case *array.Int16:
		return func(i int) (int64, bool) {
			if c.IsNull(i) {
				return 0, false
			}
			return int64(c.Value(i)), true
		}
	case *array.Int32:
		return func(i int) (int64, bool) {
			if c.IsNull(i) {
				return 0, false
			}
			return int64(c.Value(i)), true
		}
	case *array.Int64:
		return func(i int) (int64, bool) {
			if c.IsNull(i) {
				return 0, false
			}
			return c.Value(i), true
		}
	default:
		return absentInt
	}
}

// timestampColumn reads a timestamp column as epoch microseconds.
func timestampColumn(rec arrow.Record, name string) intGetter {
	col, ok := frame.Column(rec, name)
	if !ok {
		return absentInt
	}
	ts, ok := col.(*array.Timestamp)
	if !ok {
		return absentInt
	}
	unit := ts.DataType().(*arrow.TimestampType).Unit
	return func(i int) (int64, bool) {
		if ts.IsNull(i) {
			return 0, false
		}
		return ts.Value(i).ToTime(unit).UnixMicro(), true
	}
}

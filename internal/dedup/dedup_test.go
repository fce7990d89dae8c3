package dedup

import (
	"strings"
	"testing"

	"github.com/apache/arrow/go/v16/arrow"
	"github.com/apache/arrow/go/v16/arrow/array"
	"github.com/apache/arrow/go/v16/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/triplake/internal/contract"
)

type dupRow struct {
	vendor   int16
	pickup   int64 // epoch micros
	dropoff  int64
	pu, do   int32
	fare     float64
	fareNull bool
	dist     float64
	tip      float64
}

func dupRecord(t *testing.T, withDO bool, rows []dupRow) arrow.Record {
	t.Helper()
	mem := memory.NewGoAllocator()

	fields := []arrow.Field{
		{Name: "vendor_id", Type: arrow.PrimitiveTypes.Int16, Nullable: true},
		{Name: "pickup_at", Type: contract.TimestampUS, Nullable: true},
		{Name: "dropoff_at", Type: contract.TimestampUS, Nullable: true},
		{Name: "pu_location_id", Type: arrow.PrimitiveTypes.Int32, Nullable: true},
		{Name: "do_location_id", Type: arrow.PrimitiveTypes.Int32, Nullable: true},
		{Name: "fare_amount", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
		{Name: "trip_distance_mi", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
		{Name: "tip_amount", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
	}
	if !withDO {
		fields = append(fields[:4], fields[5:]...)
	}
	b := array.NewRecordBuilder(mem, arrow.NewSchema(fields, nil))
	defer b.Release()

	for _, r := range rows {
		i := 0
		next := func() array.Builder { fb := b.Field(i); i++; return fb }
		next().(*array.Int16Builder).Append(r.vendor)
		next().(*array.TimestampBuilder).Append(arrow.Timestamp(r.pickup))
		next().(*array.TimestampBuilder).Append(arrow.Timestamp(r.dropoff))
		next().(*array.Int32Builder).Append(r.pu)
		if withDO {
			next().(*array.Int32Builder).Append(r.do)
		}
		if r.fareNull {
			next().(*array.Float64Builder).AppendNull()
		} else {
			next().(*array.Float64Builder).Append(r.fare)
		}
		next().(*array.Float64Builder).Append(r.dist)
		next().(*array.Float64Builder).Append(r.tip)
	}

	rec := b.NewRecord()
	t.Cleanup(rec.Release)
	return rec
}

func keysOf(t *testing.T, rec arrow.Record) []string {
	t.Helper()
	idx := rec.Schema().FieldIndices("dup_key")
	require.Len(t, idx, 1)
	col := rec.Column(idx[0]).(*array.String)
	require.Zero(t, col.NullN(), "dup_key must never be null")
	out := make([]string, col.Len())
	for i := range out {
		out[i] = col.Value(i)
	}
	return out
}

func TestStrategiesOrderAndHealth(t *testing.T) {
	ss := Strategies()
	require.Len(t, ss, 3)
	assert.Equal(t, "xxh3", ss[0].Name())
	assert.Equal(t, "fnv64a", ss[1].Name())
	assert.Equal(t, "sha1", ss[2].Name())
	for _, s := range ss {
		assert.NoError(t, s.Probe(), s.Name())
	}
}

func TestNewKeyBuilderPrefersXXH3(t *testing.T) {
	kb, err := NewKeyBuilder()
	require.NoError(t, err)
	assert.Equal(t, "xxh3", kb.Strategy())
}

func TestAppendKeysEqualTuplesEqualKeys(t *testing.T) {
	base := dupRow{vendor: 2, pickup: 1_705_323_600_000_000, dropoff: 1_705_325_400_000_000, pu: 142, do: 236, fare: 17.5, dist: 3.2}
	twin := base
	twin.tip = 5 // outside the tuple
	other := base
	other.fare = 18.0

	rec := dupRecord(t, true, []dupRow{base, twin, other})

	kb, err := NewKeyBuilder()
	require.NoError(t, err)
	out, err := kb.AppendKeys(memory.NewGoAllocator(), rec)
	require.NoError(t, err)
	defer out.Release()

	keys := keysOf(t, out)
	assert.Equal(t, keys[0], keys[1], "tip is not part of the identity tuple")
	assert.NotEqual(t, keys[0], keys[2], "fare is")
}

func TestAppendKeysDeterministicAcrossBuilders(t *testing.T) {
	rows := []dupRow{
		{vendor: 1, pickup: 1_705_000_000_000_000, dropoff: 1_705_000_600_000_000, pu: 10, do: 20, fare: 9, dist: 1.1},
		{vendor: 2, pickup: 1_705_100_000_000_000, dropoff: 1_705_100_900_000_000, pu: 30, do: 40, fare: 12, dist: 2.2, fareNull: true},
	}
	rec := dupRecord(t, true, rows)
	mem := memory.NewGoAllocator()

	kb1, err := NewKeyBuilder()
	require.NoError(t, err)
	out1, err := kb1.AppendKeys(mem, rec)
	require.NoError(t, err)
	defer out1.Release()

	kb2, err := NewKeyBuilder()
	require.NoError(t, err)
	out2, err := kb2.AppendKeys(mem, rec)
	require.NoError(t, err)
	defer out2.Release()

	assert.Equal(t, keysOf(t, out1), keysOf(t, out2))
}

func TestAppendKeysNullIsNotZero(t *testing.T) {
	rows := []dupRow{
		{vendor: 1, pickup: 1, dropoff: 2, pu: 3, do: 4, fare: 0, dist: 1},
		{vendor: 1, pickup: 1, dropoff: 2, pu: 3, do: 4, fareNull: true, dist: 1},
	}
	rec := dupRecord(t, true, rows)

	kb, err := NewKeyBuilder()
	require.NoError(t, err)
	out, err := kb.AppendKeys(memory.NewGoAllocator(), rec)
	require.NoError(t, err)
	defer out.Release()

	keys := keysOf(t, out)
	assert.NotEqual(t, keys[0], keys[1], "a null fare and a zero fare are different identities")
}

func TestAppendKeysMissingColumnReadsNull(t *testing.T) {
	row := dupRow{vendor: 1, pickup: 1, dropoff: 2, pu: 3, do: 4, fare: 5, dist: 6}
	with := dupRecord(t, true, []dupRow{row})
	without := dupRecord(t, false, []dupRow{row})

	kb, err := NewKeyBuilder()
	require.NoError(t, err)
	mem := memory.NewGoAllocator()

	outWith, err := kb.AppendKeys(mem, with)
	require.NoError(t, err)
	defer outWith.Release()
	outWithout, err := kb.AppendKeys(mem, without)
	require.NoError(t, err)
	defer outWithout.Release()

	assert.NotEqual(t, keysOf(t, outWith)[0], keysOf(t, outWithout)[0])

	// but the absence itself is deterministic
	again, err := kb.AppendKeys(mem, without)
	require.NoError(t, err)
	defer again.Release()
	assert.Equal(t, keysOf(t, outWithout), keysOf(t, again))
}

func TestStrategyKeyFormats(t *testing.T) {
	isDecimal := func(s string) bool {
		for _, r := range s {
			if r < '0' || r > '9' {
				return false
			}
		}
		return len(s) > 0
	}

	for _, s := range Strategies() {
		key := s.Key(probeRow)
		switch s.Name() {
		case "xxh3", "fnv64a":
			assert.True(t, isDecimal(key), "%s key %q", s.Name(), key)
		case "sha1":
			assert.Len(t, key, 40)
			assert.Equal(t, strings.ToLower(key), key)
		}
	}
}

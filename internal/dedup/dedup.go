// Package dedup builds deterministic duplicate keys over trip batches. A
// key digests a fixed seven-field tuple; two rows with equal tuples get
// equal keys on any machine, so in-file duplicate removal never depends on
// row order or platform. Hashing uses a priority chain:
//
//  1. xxh3: seeded 64-bit xxh3 over the binary tuple encoding.
//  2. fnv64a: stdlib FNV-1a over the same binary encoding.
//  3. sha1: crypto digest over a string encoding; hex keys.
//
// Each strategy probes itself before use; the first healthy one wins and
// the choice is observable through KeyBuilder.Strategy.
package dedup

import (
	"crypto/sha1" //nolint:gosec // keying, not authentication
	"encoding/binary"
	"encoding/hex"
	"hash/fnv"
	"math"
	"strconv"
	"strings"

	"github.com/apache/arrow/go/v16/arrow"
	"github.com/apache/arrow/go/v16/arrow/array"
	"github.com/apache/arrow/go/v16/arrow/memory"
	"github.com/rotisserie/eris"
	"github.com/zeebo/xxh3"
	"go.uber.org/zap"

	"github.com/sells-group/triplake/internal/frame"
)

// Seed pins every strategy to the same key space across runs.
const Seed uint64 = 42

// keyColumns is the identity tuple: who, when, where, and how much. Rows
// equal on all seven are duplicates regardless of the remaining columns.
var keyColumns = []string{
	"vendor_id",
	"pickup_at",
	"dropoff_at",
	"pu_location_id",
	"do_location_id",
	"fare_amount",
	"trip_distance_mi",
}

// field kinds in the binary tuple encoding
const (
	kindNull  byte = 0
	kindInt   byte = 1
	kindFloat byte = 2
)

// value is one extracted tuple field.
type value struct {
	kind byte
	i    int64
	f    float64
}

// Strategy hashes a tuple of field values into a duplicate key.
type Strategy interface {
	// Name identifies the strategy in logs and stats.
	Name() string
	// Probe verifies the strategy works on this platform.
	Probe() error
	// Key digests one row's tuple.
	Key(row []value) string
}

// Strategies returns the hash strategies in preference order.
func Strategies() []Strategy {
	return []Strategy{&xxh3Strategy{}, &fnvStrategy{}, &sha1Strategy{}}
}

// KeyBuilder appends duplicate keys to batches using the first healthy
// strategy. Not safe for concurrent use.
type KeyBuilder struct {
	strategy Strategy
	row      []value
	log      *zap.Logger
}

// NewKeyBuilder probes the strategy chain and settles on the first healthy
// entry. Probe failures are logged and skipped.
func NewKeyBuilder() (*KeyBuilder, error) {
	log := zap.L().With(zap.String("component", "dedup"))
	for _, s := range Strategies() {
		if err := s.Probe(); err != nil {
			log.Warn("hash strategy failed probe, trying next",
				zap.String("strategy", s.Name()),
				zap.Error(err))
			continue
		}
		return &KeyBuilder{
			strategy: s,
			row:      make([]value, len(keyColumns)),
			log:      log,
		}, nil
	}
	return nil, eris.New("dedup: no hash strategy passed its probe")
}

// Strategy reports the name of the selected hash strategy.
func (kb *KeyBuilder) Strategy() string {
	return kb.strategy.Name()
}

// AppendKeys returns the batch with a dup_key utf8 column appended. Keys
// are never null; a column missing from the batch contributes a null field
// to every row's tuple. The input batch is left untouched.
func (kb *KeyBuilder) AppendKeys(mem memory.Allocator, rec arrow.Record) (arrow.Record, error) {
	getters := make([]func(i int) value, len(keyColumns))
	for i, name := range keyColumns {
		getters[i] = tupleField(rec, name)
	}

	b := array.NewStringBuilder(mem)
	defer b.Release()
	n := int(rec.NumRows())
	b.Reserve(n)
	for i := 0; i < n; i++ {
		for j, get := range getters {
			kb.row[j] = get(i)
		}
		b.Append(kb.strategy.Key(kb.row))
	}
	keys := b.NewArray()
	defer keys.Release()

	out, err := frame.AppendColumns(rec,
		[]arrow.Field{{Name: "dup_key", Type: arrow.BinaryTypes.String, Nullable: true}},
		[]arrow.Array{keys})
	if err != nil {
		return nil, eris.Wrap(err, "dedup: append dup_key")
	}
	return out, nil
}

// tupleField extracts one key column as tuple values. Missing columns and
// unexpected types read as null for every row.
func tupleField(rec arrow.Record, name string) func(i int) value {
	null := func(int) value { return value{kind: kindNull} }
	col, ok := frame.Column(rec, name)
	if !ok {
		return null
	}
	switch c := col.(type) {
	case *array.Int16:
		return func(i int) value {
			if c.IsNull(i) {
				return value{kind: kindNull}
			}
			return value{kind: kindInt, i: int64(c.Value(i))}
		}
	case *array.Int32:
		return func(i int) value {
			if c.IsNull(i) {
				return value{kind: kindNull}
			}
			return value{kind: kindInt, i: int64(c.Value(i))}
		}
	case *array.Int64:
		return func(i int) value {
			if c.IsNull(i) {
				return value{kind: kindNull}
			}
			return value{kind: kindInt, i: c.Value(i)}
		}
	case *array.Timestamp:
		unit := c.DataType().(*arrow.TimestampType).Unit
		return func(i int) value {
			if c.IsNull(i) {
				return value{kind: kindNull}
			}
			return value{kind: kindInt, i: c.Value(i).ToTime(unit).UnixMicro()}
		}
	case *array.Float64:
		return func(i int) value {
			if c.IsNull(i) {
				return value{kind: kindNull}
			}
			return value{kind: kindFloat, f: c.Value(i)}
		}
	default:
		return null
	}
}

// encodeBinary appends the tuple's binary encoding to buf: one kind byte
// per field, followed by eight little-endian bytes for non-null fields.
func encodeBinary(buf []byte, row []value) []byte {
	for _, v := range row {
		buf = append(buf, v.kind)
		switch v.kind {
		case kindInt:
			buf = binary.LittleEndian.AppendUint64(buf, uint64(v.i))
		case kindFloat:
			buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(v.f))
		}
	}
	return buf
}

// probeRow is the fixed tuple every strategy hashes during its probe.
var probeRow = []value{
	{kind: kindInt, i: 2},
	{kind: kindInt, i: 1705323600000000},
	{kind: kindInt, i: 1705325400000000},
	{kind: kindNull},
	{kind: kindInt, i: 142},
	{kind: kindFloat, f: 17.5},
	{kind: kindFloat, f: 3.2},
}

// probe hashes the fixed tuple twice and demands a stable, non-empty key.
func probe(s Strategy) error {
	a := s.Key(probeRow)
	b := s.Key(probeRow)
	if a == "" {
		return eris.Errorf("dedup: %s produced an empty key", s.Name())
	}
	if a != b {
		return eris.Errorf("dedup: %s is not deterministic", s.Name())
	}
	return nil
}

type xxh3Strategy struct {
	buf []byte
}

func (s *xxh3Strategy) Name() string { return "xxh3" }
func (s *xxh3Strategy) Probe() error { return probe(s) }

func (s *xxh3Strategy) Key(row []value) string {
	s.buf = encodeBinary(s.buf[:0], row)
	return strconv.FormatUint(xxh3.HashSeed(s.buf, Seed), 10)
}

type fnvStrategy struct {
	buf []byte
}

func (s *fnvStrategy) Name() string { return "fnv64a" }
func (s *fnvStrategy) Probe() error { return probe(s) }

func (s *fnvStrategy) Key(row []value) string {
	s.buf = binary.LittleEndian.AppendUint64(s.buf[:0], Seed)
	s.buf = encodeBinary(s.buf, row)
	h := fnv.New64a()
	h.Write(s.buf) //nolint:errcheck // never fails
	return strconv.FormatUint(h.Sum64(), 10)
}

type sha1Strategy struct {
	sb strings.Builder
}

func (s *sha1Strategy) Name() string { return "sha1" }
func (s *sha1Strategy) Probe() error { return probe(s) }

func (s *sha1Strategy) Key(row []value) string {
	s.sb.Reset()
	s.sb.WriteString(strconv.FormatUint(Seed, 10))
	for _, v := range row {
		s.sb.WriteByte('|')
		switch v.kind {
		case kindNull:
			s.sb.WriteString("null")
		case kindInt:
			s.sb.WriteString("i:")
			s.sb.WriteString(strconv.FormatInt(v.i, 10))
		case kindFloat:
			s.sb.WriteString("f:")
			s.sb.WriteString(strconv.FormatUint(math.Float64bits(v.f), 16))
		}
	}
	sum := sha1.Sum([]byte(s.sb.String())) //nolint:gosec // keying, not authentication
	return hex.EncodeToString(sum[:])
}

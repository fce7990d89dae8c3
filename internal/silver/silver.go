// Package silver partitions the bronze artifact into quality tiers. The
// input is scanned once in bounded batches; every row lands in exactly one
// of four disjoint partitions (rejected, administrative, anomalous, clean),
// and clean rows whose reported total disagrees with the recomputed one are
// additionally copied to a fare-miss partition for reconciliation work.
// Rules only ever read the contract columns and the QA flags bronze
// computed; nothing is repaired here.
package silver

import (
	"context"
	"os"
	"path/filepath"

	"github.com/apache/arrow/go/v16/arrow"
	"github.com/apache/arrow/go/v16/arrow/array"
	"github.com/apache/arrow/go/v16/arrow/memory"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/triplake/internal/canon"
	"github.com/sells-group/triplake/internal/contract"
	"github.com/sells-group/triplake/internal/frame"
	"github.com/sells-group/triplake/internal/parquetio"
)

// partitions fixes the tier order and artifact file names. The first four
// cover every row exactly once; fare_miss duplicates a subset of clean.
var partitions = []struct {
	name string
	file string
}{
	{"rejected", "silver.rejected.parquet"},
	{"administrative", "silver.trips_admin.parquet"},
	{"anomalous", "silver.trips_anomalies.parquet"},
	{"clean", "silver.trips_clean.parquet"},
	{"fare_miss", "silver.trips_fare_miss.parquet"},
}

// coalesced flags must be non-null booleans before classification.
var coalesced = map[string]bool{
	"qa_in_file_window":       true,
	"qa_outlier_distance":     true,
	"qa_outlier_speed":        true,
	"qa_is_fare_mismatch":     true,
	"qa_is_adjustment":        true,
	"qa_is_duplicate_in_file": true,
}

// PartitionStats reports one written partition.
type PartitionStats struct {
	Name string
	Path string
	Rows int64
}

// Stats totals one split run.
type Stats struct {
	Total        int64
	Partitions   []PartitionStats
	SinkStrategy string
	CoverageOK   bool
}

// Rows returns the row count of the named partition.
func (s *Stats) Rows(name string) int64 {
	for _, p := range s.Partitions {
		if p.Name == name {
			return p.Rows
		}
	}
	return 0
}

// Splitter drives the silver stage.
type Splitter struct {
	mem       memory.Allocator
	log       *zap.Logger
	batchSize int64
}

// NewSplitter returns a Splitter scanning batchSize rows at a time;
// batchSize <= 0 selects the default.
func NewSplitter(batchSize int64) *Splitter {
	if batchSize <= 0 {
		batchSize = parquetio.DefaultBatchSize
	}
	return &Splitter{
		mem:       memory.NewGoAllocator(),
		log:       zap.L().With(zap.String("component", "silver.splitter")),
		batchSize: batchSize,
	}
}

// Run splits bronzePath into the five partition artifacts under outDir. The
// bronze schema must carry exactly the contract columns (deprecated names
// are tolerated and dropped); anything else is fatal before any output is
// written.
func (s *Splitter) Run(ctx context.Context, bronzePath, outDir string) (*Stats, error) {
	src, err := parquetio.OpenBatchSource(ctx, bronzePath, s.batchSize, s.mem)
	if err != nil {
		return nil, err
	}
	defer src.Close() //nolint:errcheck

	missing, extra := contract.Matches(fieldNames(src.Schema()))
	if len(missing) > 0 || len(extra) > 0 {
		return nil, eris.Errorf("silver: %s does not match the contract (missing %v, extra %v)",
			filepath.Base(bronzePath), missing, extra)
	}

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, eris.Wrapf(err, "silver: create %s", outDir)
	}

	sinks := make([]parquetio.Sink, len(partitions))
	for i, p := range partitions {
		sinks[i] = parquetio.OpenSink(filepath.Join(outDir, p.file), contract.Schema(),
			parquetio.WithMetadata(contract.MetadataKey, contract.Version))
	}
	sinksOpen := true
	closeSinks := func() error {
		if !sinksOpen {
			return nil
		}
		sinksOpen = false
		var first error
		for i, sk := range sinks {
			if err := sk.Close(); err != nil && first == nil {
				first = eris.Wrapf(err, "silver: close %s", partitions[i].name)
			}
		}
		return first
	}
	defer closeSinks() //nolint:errcheck

	s.log.Info("silver split starting",
		zap.String("bronze", bronzePath),
		zap.Int64("rows", src.NumRows()),
		zap.String("sink_strategy", sinks[0].Strategy()))

	var total int64
	for src.Next() {
		if err := ctx.Err(); err != nil {
			return nil, eris.Wrap(err, "silver: canceled")
		}
		batch := src.Record()
		total += batch.NumRows()

		proj, err := s.projectContract(batch)
		if err != nil {
			return nil, err
		}
		masks := classify(proj)

		g, _ := errgroup.WithContext(ctx)
		for i := range sinks {
			part, err := frame.FilterMask(s.mem, proj, masks[i])
			if err != nil {
				proj.Release()
				return nil, eris.Wrapf(err, "silver: filter %s", partitions[i].name)
			}
			sink := sinks[i]
			g.Go(func() error {
				defer part.Release()
				return sink.Write(part)
			})
		}
		err = g.Wait()
		proj.Release()
		if err != nil {
			return nil, err
		}
	}
	if err := src.Err(); err != nil {
		return nil, err
	}

	stats := &Stats{
		Total:        total,
		SinkStrategy: sinks[0].Strategy(),
		Partitions:   make([]PartitionStats, len(partitions)),
	}
	for i, p := range partitions {
		stats.Partitions[i] = PartitionStats{Name: p.name, Path: sinks[i].Path(), Rows: sinks[i].Rows()}
	}
	if err := closeSinks(); err != nil {
		return nil, err
	}

	covered := stats.Rows("rejected") + stats.Rows("administrative") +
		stats.Rows("anomalous") + stats.Rows("clean")
	stats.CoverageOK = covered == total
	if !stats.CoverageOK {
		s.log.Warn("partition coverage mismatch",
			zap.Int64("total", total),
			zap.Int64("covered", covered))
	}

	s.log.Info("silver split complete",
		zap.Int64("total", total),
		zap.Int64("rejected", stats.Rows("rejected")),
		zap.Int64("administrative", stats.Rows("administrative")),
		zap.Int64("anomalous", stats.Rows("anomalous")),
		zap.Int64("clean", stats.Rows("clean")),
		zap.Int64("fare_miss", stats.Rows("fare_miss")),
		zap.Bool("coverage_ok", stats.CoverageOK))
	return stats, nil
}

// projectContract reshapes a batch onto the contract: exact column order,
// contract types, QA flags coalesced to non-null. Deprecated or unknown
// extra columns fall away here.
func (s *Splitter) projectContract(rec arrow.Record) (arrow.Record, error) {
	spec := contract.Columns()
	cols := make([]arrow.Array, 0, len(spec))
	fail := func(err error) (arrow.Record, error) {
		for _, c := range cols {
			c.Release()
		}
		return nil, err
	}

	for _, c := range spec {
		arr, ok := frame.Column(rec, c.Name)
		if !ok {
			return fail(eris.Errorf("silver: column %s vanished mid-scan", c.Name))
		}
		cast, err := canon.CastTo(s.mem, arr, c.Type)
		if err != nil {
			return fail(eris.Wrapf(err, "silver: normalize %s", c.Name))
		}
		if coalesced[c.Name] && cast.NullN() > 0 {
			filled := fillFalse(s.mem, cast.(*array.Boolean))
			cast.Release()
			cast = filled
		}
		cols = append(cols, cast)
	}

	out := array.NewRecord(contract.Schema(), cols, rec.NumRows())
	for _, c := range cols {
		c.Release()
	}
	return out, nil
}

// fillFalse copies a boolean column with nulls turned into false.
func fillFalse(mem memory.Allocator, col *array.Boolean) arrow.Array {
	b := array.NewBooleanBuilder(mem)
	defer b.Release()
	b.Reserve(col.Len())
	for i := 0; i < col.Len(); i++ {
		b.Append(!col.IsNull(i) && col.Value(i))
	}
	return b.NewArray()
}

// classify computes the five partition masks over a contract-shaped batch.
// Order matches partitions: rejected, administrative, anomalous, clean,
// fare_miss. The first four are disjoint and exhaustive; fare_miss marks
// the clean rows with a fare mismatch.
func classify(rec arrow.Record) [5][]bool {
	pickup := mustColumn(rec, "pickup_at").(*array.Timestamp)
	dropoff := mustColumn(rec, "dropoff_at").(*array.Timestamp)
	distance := mustColumn(rec, "trip_distance_mi").(*array.Float64)
	total := mustColumn(rec, "total_amount").(*array.Float64)
	pu := mustColumn(rec, "pu_location_id").(*array.Int32)
	do := mustColumn(rec, "do_location_id").(*array.Int32)
	inWindow := mustColumn(rec, "qa_in_file_window").(*array.Boolean)
	distOut := mustColumn(rec, "qa_outlier_distance").(*array.Boolean)
	speedOut := mustColumn(rec, "qa_outlier_speed").(*array.Boolean)
	mismatch := mustColumn(rec, "qa_is_fare_mismatch").(*array.Boolean)
	adjust := mustColumn(rec, "qa_is_adjustment").(*array.Boolean)

	n := int(rec.NumRows())
	var masks [5][]bool
	for i := range masks {
		masks[i] = make([]bool, n)
	}

	for i := 0; i < n; i++ {
		rejected := pickup.IsNull(i) || dropoff.IsNull(i) ||
			distance.IsNull(i) || total.IsNull(i) ||
			pu.IsNull(i) || pu.Value(i) <= 0 ||
			do.IsNull(i) || do.Value(i) <= 0

		admin := !rejected && adjust.Value(i)
		base := !rejected && !admin
		anomalous := base &&
			(!inWindow.Value(i) || distOut.Value(i) || speedOut.Value(i)) &&
			!mismatch.Value(i)
		clean := base && !anomalous
		fareMiss := clean && mismatch.Value(i)

		masks[0][i] = rejected
		masks[1][i] = admin
		masks[2][i] = anomalous
		masks[3][i] = clean
		masks[4][i] = fareMiss
	}
	return masks
}

func mustColumn(rec arrow.Record, name string) arrow.Array {
	arr, ok := frame.Column(rec, name)
	if !ok {
		// projectContract guarantees the contract layout
		panic("silver: contract column missing: " + name)
	}
	return arr
}

func fieldNames(schema *arrow.Schema) []string {
	out := make([]string, 0, len(schema.Fields()))
	for _, f := range schema.Fields() {
		out = append(out, f.Name)
	}
	return out
}

// Package bronze turns a directory of raw monthly trip files into the
// single normalized artifact every later stage reads. Files are processed
// one at a time in name order; each is canonicalized, reconciled against
// the contract, enriched with derived metrics and duplicate keys, purged of
// in-file duplicates, and appended to one shared zstd parquet writer opened
// on the first file. A bad file aborts the whole build: the artifact is
// rebuilt from scratch on every run, never patched.
package bronze

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/apache/arrow/go/v16/arrow"
	"github.com/apache/arrow/go/v16/arrow/array"
	"github.com/apache/arrow/go/v16/arrow/memory"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/triplake/internal/canon"
	"github.com/sells-group/triplake/internal/contract"
	"github.com/sells-group/triplake/internal/dedup"
	"github.com/sells-group/triplake/internal/derive"
	"github.com/sells-group/triplake/internal/frame"
	"github.com/sells-group/triplake/internal/parquetio"
)

// monthRe locates the YYYY-MM stamp in a raw file name.
var monthRe = regexp.MustCompile(`(\d{4})-(\d{2})`)

// Stats totals one build.
type Stats struct {
	Files             int
	RowsIn            int64
	RowsWritten       int64
	DuplicatesRemoved int64
	Bytes             int64
	HashStrategy      string
}

// Builder drives the bronze stage.
type Builder struct {
	mem       memory.Allocator
	log       *zap.Logger
	sliceRows int64
}

// NewBuilder returns a Builder with default allocator and batching.
func NewBuilder() *Builder {
	return &Builder{
		mem:       memory.NewGoAllocator(),
		log:       zap.L().With(zap.String("component", "bronze.builder")),
		sliceRows: parquetio.DefaultBatchSize,
	}
}

// Run builds outPath from every *.parquet under rawDir, in file name order.
// An empty directory, an unstampable file name, or any per-file failure
// aborts the run.
func (b *Builder) Run(ctx context.Context, rawDir, outPath string) (*Stats, error) {
	files, err := filepath.Glob(filepath.Join(rawDir, "*.parquet"))
	if err != nil {
		return nil, eris.Wrapf(err, "bronze: list %s", rawDir)
	}
	sort.Strings(files)
	if len(files) == 0 {
		return nil, eris.Errorf("bronze: no parquet files under %s", rawDir)
	}
	if err := os.Remove(outPath); err != nil && !os.IsNotExist(err) {
		return nil, eris.Wrapf(err, "bronze: remove stale %s", outPath)
	}

	kb, err := dedup.NewKeyBuilder()
	if err != nil {
		return nil, err
	}
	stats := &Stats{HashStrategy: kb.Strategy()}
	b.log.Info("bronze build starting",
		zap.Int("files", len(files)),
		zap.String("out", outPath),
		zap.String("hash_strategy", kb.Strategy()))

	var w *parquetio.Writer
	defer func() {
		if w != nil {
			w.Close() //nolint:errcheck
		}
	}()

	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return nil, eris.Wrap(err, "bronze: canceled")
		}
		name := filepath.Base(path)
		year, month, err := fileMonth(name)
		if err != nil {
			return nil, err
		}

		rec, rowsIn, removed, err := b.buildFile(ctx, path, year, month, kb)
		if err != nil {
			return nil, eris.Wrapf(err, "bronze: %s", name)
		}

		if w == nil {
			w, err = parquetio.NewWriter(outPath, contract.Schema(),
				parquetio.WithMetadata(contract.MetadataKey, contract.Version))
			if err != nil {
				rec.Release()
				return nil, err
			}
		}
		written := rec.NumRows()
		err = b.writeSliced(w, rec)
		rec.Release()
		if err != nil {
			return nil, err
		}

		stats.Files++
		stats.RowsIn += rowsIn
		stats.RowsWritten += written
		stats.DuplicatesRemoved += removed
		b.log.Info("file appended",
			zap.String("file", name),
			zap.Int64("rows_in", rowsIn),
			zap.Int64("rows_written", written),
			zap.Int64("duplicates_removed", removed))
	}

	werr := w.Close()
	w = nil
	if werr != nil {
		return nil, werr
	}
	if fi, err := os.Stat(outPath); err == nil {
		stats.Bytes = fi.Size()
	}
	b.log.Info("bronze build complete",
		zap.Int("files", stats.Files),
		zap.Int64("rows_in", stats.RowsIn),
		zap.Int64("rows_written", stats.RowsWritten),
		zap.Int64("duplicates_removed", stats.DuplicatesRemoved),
		zap.Int64("bytes", stats.Bytes))
	return stats, nil
}

// buildFile runs the per-file normalization chain and returns the rows to
// append: contract-shaped, sorted, in-file duplicates removed.
func (b *Builder) buildFile(ctx context.Context, path string, year, month int, kb *dedup.KeyBuilder) (arrow.Record, int64, int64, error) {
	cur, err := parquetio.ReadFile(ctx, path, b.mem)
	if err != nil {
		return nil, 0, 0, err
	}
	rowsIn := cur.NumRows()

	step := func(next arrow.Record, err error) error {
		cur.Release()
		cur = next
		return err
	}

	if err := step(withSourceFile(b.mem, cur, filepath.Base(path))); err != nil {
		return nil, 0, 0, err
	}
	if err := step(canon.Canonicalize(b.mem, cur)); err != nil {
		return nil, 0, 0, err
	}
	if err := step(canon.EnsureMoney(b.mem, cur)); err != nil {
		return nil, 0, 0, err
	}
	if frame.HasColumn(cur, "trip_distance") {
		if err := step(frame.Rename(cur, map[string]string{"trip_distance": "trip_distance_mi"})); err != nil {
			return nil, 0, 0, err
		}
	}
	if err := step(narrowBase(b.mem, cur)); err != nil {
		return nil, 0, 0, err
	}
	if err := step(derive.Apply(b.mem, cur, derive.FileWindow(year, month))); err != nil {
		return nil, 0, 0, err
	}
	if err := step(kb.AppendKeys(b.mem, cur)); err != nil {
		return nil, 0, 0, err
	}
	if err := step(castContract(b.mem, cur, year, month)); err != nil {
		return nil, 0, 0, err
	}
	if err := step(sortForDedup(b.mem, cur)); err != nil {
		return nil, 0, 0, err
	}

	out, removed, err := dropDuplicates(b.mem, cur)
	cur.Release()
	if err != nil {
		return nil, 0, 0, err
	}
	return out, rowsIn, removed, nil
}

// writeSliced appends rec in bounded row-count slices.
func (b *Builder) writeSliced(w *parquetio.Writer, rec arrow.Record) error {
	n := rec.NumRows()
	for lo := int64(0); lo < n; lo += b.sliceRows {
		hi := lo + b.sliceRows
		if hi > n {
			hi = n
		}
		sl := rec.NewSlice(lo, hi)
		err := w.Write(sl)
		sl.Release()
		if err != nil {
			return err
		}
	}
	return nil
}

// fileMonth reads the YYYY-MM stamp out of a raw file name.
func fileMonth(name string) (year, month int, err error) {
	m := monthRe.FindStringSubmatch(name)
	if m == nil {
		return 0, 0, eris.Errorf("bronze: no YYYY-MM stamp in file name %q", name)
	}
	year, _ = strconv.Atoi(m[1])
	month, _ = strconv.Atoi(m[2])
	if month < 1 || month > 12 {
		return 0, 0, eris.Errorf("bronze: implausible month %02d in file name %q", month, name)
	}
	return year, month, nil
}

// withSourceFile stamps every row with the file it came from.
func withSourceFile(mem memory.Allocator, rec arrow.Record, name string) (arrow.Record, error) {
	col := constString(mem, name, int(rec.NumRows()))
	defer col.Release()
	out, err := frame.WithColumn(rec, "source_file", col)
	if err != nil {
		return nil, eris.Wrap(err, "bronze: stamp source_file")
	}
	return out, nil
}

// narrowBase casts every contract column present in the batch to its
// contract type; absent columns wait for castContract to fill them.
func narrowBase(mem memory.Allocator, rec arrow.Record) (arrow.Record, error) {
	cur := rec
	cur.Retain()
	for _, c := range contract.Columns() {
		arr, ok := frame.Column(cur, c.Name)
		if !ok || arrow.TypeEqual(arr.DataType(), c.Type) {
			continue
		}
		cast, err := canon.CastTo(mem, arr, c.Type)
		if err != nil {
			cur.Release()
			return nil, eris.Wrapf(err, "bronze: narrow %s", c.Name)
		}
		next, err := frame.WithColumn(cur, c.Name, cast)
		cast.Release()
		if err != nil {
			cur.Release()
			return nil, eris.Wrapf(err, "bronze: narrow %s", c.Name)
		}
		cur.Release()
		cur = next
	}
	return cur, nil
}

// castContract projects the batch onto the contract: exact column order,
// exact types, missing columns as typed nulls, lineage columns filled from
// the file stamp.
func castContract(mem memory.Allocator, rec arrow.Record, year, month int) (arrow.Record, error) {
	n := int(rec.NumRows())
	spec := contract.Columns()
	cols := make([]arrow.Array, 0, len(spec))
	fail := func(err error) (arrow.Record, error) {
		for _, c := range cols {
			c.Release()
		}
		return nil, err
	}

	for _, c := range spec {
		switch c.Name {
		case "source_year":
			cols = append(cols, constInt32(mem, int32(year), n))
		case "source_month":
			cols = append(cols, constInt32(mem, int32(month), n))
		default:
			arr, ok := frame.Column(rec, c.Name)
			if !ok {
				cols = append(cols, array.MakeArrayOfNull(mem, c.Type, n))
				continue
			}
			cast, err := canon.CastTo(mem, arr, c.Type)
			if err != nil {
				return fail(eris.Wrapf(err, "bronze: cast %s", c.Name))
			}
			cols = append(cols, cast)
		}
	}

	out := array.NewRecord(contract.Schema(), cols, int64(n))
	for _, c := range cols {
		c.Release()
	}
	return out, nil
}

// sortForDedup orders rows by (dup_key, pickup_at, dropoff_at, source_file)
// ascending, null timestamps last, so duplicate groups are contiguous and
// the surviving first row is deterministic.
func sortForDedup(mem memory.Allocator, rec arrow.Record) (arrow.Record, error) {
	key, kOK := frame.Column(rec, "dup_key")
	pick, pOK := frame.Column(rec, "pickup_at")
	drop, dOK := frame.Column(rec, "dropoff_at")
	src, sOK := frame.Column(rec, "source_file")
	if !kOK || !pOK || !dOK || !sOK {
		return nil, eris.New("bronze: sort keys missing from contract batch")
	}
	dk, kOK := key.(*array.String)
	pu, pOK := pick.(*array.Timestamp)
	do, dOK := drop.(*array.Timestamp)
	sf, sOK := src.(*array.String)
	if !kOK || !pOK || !dOK || !sOK {
		return nil, eris.New("bronze: sort keys carry unexpected types")
	}

	idx := make([]int, rec.NumRows())
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(x, y int) bool {
		a, b := idx[x], idx[y]
		if c := strings.Compare(dk.Value(a), dk.Value(b)); c != 0 {
			return c < 0
		}
		if c := compareTimestamps(pu, a, b); c != 0 {
			return c < 0
		}
		if c := compareTimestamps(do, a, b); c != 0 {
			return c < 0
		}
		return sf.Value(a) < sf.Value(b)
	})
	return frame.Take(mem, rec, idx)
}

// compareTimestamps orders two rows of a timestamp column, nulls last.
func compareTimestamps(ts *array.Timestamp, a, b int) int {
	an, bn := ts.IsNull(a), ts.IsNull(b)
	switch {
	case an && bn:
		return 0
	case an:
		return 1
	case bn:
		return -1
	}
	av, bv := ts.Value(a), ts.Value(b)
	switch {
	case av < bv:
		return -1
	case av > bv:
		return 1
	}
	return 0
}

// dropDuplicates keeps the first row of each contiguous dup_key run and
// drops the rest, reporting how many went. Kept rows get a definitive
// qa_is_duplicate_in_file = false.
func dropDuplicates(mem memory.Allocator, rec arrow.Record) (arrow.Record, int64, error) {
	arr, ok := frame.Column(rec, "dup_key")
	if !ok {
		return nil, 0, eris.New("bronze: dup_key missing from contract batch")
	}
	dk, ok := arr.(*array.String)
	if !ok {
		return nil, 0, eris.New("bronze: dup_key carries an unexpected type")
	}

	n := int(rec.NumRows())
	keep := make([]bool, n)
	kept := 0
	for i := 0; i < n; i++ {
		if i == 0 || dk.Value(i) != dk.Value(i-1) {
			keep[i] = true
			kept++
		}
	}

	filtered, err := frame.FilterMask(mem, rec, keep)
	if err != nil {
		return nil, 0, eris.Wrap(err, "bronze: drop duplicates")
	}
	flag := constBool(mem, false, kept)
	out, err := frame.WithColumn(filtered, "qa_is_duplicate_in_file", flag)
	flag.Release()
	filtered.Release()
	if err != nil {
		return nil, 0, eris.Wrap(err, "bronze: mark survivors")
	}
	return out, int64(n - kept), nil
}

func constString(mem memory.Allocator, v string, n int) arrow.Array {
	b := array.NewStringBuilder(mem)
	defer b.Release()
	b.Reserve(n)
	for i := 0; i < n; i++ {
		b.Append(v)
	}
	return b.NewArray()
}

func constInt32(mem memory.Allocator, v int32, n int) arrow.Array {
	b := array.NewInt32Builder(mem)
	defer b.Release()
	b.Reserve(n)
	for i := 0; i < n; i++ {
		b.Append(v)
	}
	return b.NewArray()
}

func constBool(mem memory.Allocator, v bool, n int) arrow.Array {
	b := array.NewBooleanBuilder(mem)
	defer b.Release()
	b.Reserve(n)
	for i := 0; i < n; i++ {
		b.Append(v)
	}
	return b.NewArray()
}

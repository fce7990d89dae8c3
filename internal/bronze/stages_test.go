package bronze

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/triplake/internal/silver"
)

// The two stages composed end to end: one January 2024 file with 100 rows
// holding three exact duplicate pairs by identity tuple, two rows with an
// unusable pickup zone, and one row whose total is off by 1.20.
func TestBronzeThenSilverSplit(t *testing.T) {
	rawDir := t.TempDir()
	bronzeOut := filepath.Join(t.TempDir(), "bronze.parquet")
	silverDir := t.TempDir()

	rows := make([]rawRow, 0, 100)
	for i := 0; i < 97; i++ {
		rows = append(rows, plainRow(i))
	}
	rows[3].pu = 0
	rows[60].pu = 0
	rows[20].total = 12.20 // components sum to 11.00: mismatch past tolerance
	for _, src := range []int{10, 40, 70} {
		dup := rows[src]
		dup.tip = 9 // outside the identity tuple
		rows = append(rows, dup)
	}
	writeRawFile(t, filepath.Join(rawDir, "yellow_tripdata_2024-01.parquet"), true, rows)

	bstats, err := NewBuilder().Run(context.Background(), rawDir, bronzeOut)
	require.NoError(t, err)
	require.Equal(t, int64(100), bstats.RowsIn)
	require.Equal(t, int64(97), bstats.RowsWritten)
	require.Equal(t, int64(3), bstats.DuplicatesRemoved)

	sstats, err := silver.NewSplitter(16).Run(context.Background(), bronzeOut, silverDir)
	require.NoError(t, err)

	assert.Equal(t, int64(97), sstats.Total)
	assert.Equal(t, int64(2), sstats.Rows("rejected"))
	assert.Zero(t, sstats.Rows("administrative"))
	assert.Equal(t, int64(1), sstats.Rows("fare_miss"))
	assert.Equal(t, int64(95), sstats.Rows("clean")+sstats.Rows("anomalous"))
	assert.Zero(t, sstats.Rows("anomalous"), "well-behaved trips stay clean")
	assert.True(t, sstats.CoverageOK)
}

package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/triplake/internal/bronze"
	"github.com/sells-group/triplake/internal/runlog"
)

var bronzeCmd = &cobra.Command{
	Use:   "bronze",
	Short: "Build the bronze artifact from raw trip files",
	Long: `Normalize every raw monthly file against the contract, derive metrics and
QA flags, drop in-file duplicates, and append everything to one zstd parquet
artifact. The artifact is rebuilt whole; any file failure aborts the run.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		log := zap.L().With(zap.String("command", "bronze"))

		rawDir, _ := cmd.Flags().GetString("raw-dir")
		outPath, _ := cmd.Flags().GetString("out")
		if rawDir == "" {
			rawDir = cfg.Data.RawDir
		}
		if outPath == "" {
			outPath = cfg.Data.BronzePath
		}

		rl, err := openRunLog(ctx)
		if err != nil {
			return err
		}
		defer rl.Close() //nolint:errcheck

		runID, err := rl.Start(ctx, runlog.StageBronze)
		if err != nil {
			return eris.Wrap(err, "bronze: record run start")
		}

		log.Info("building bronze artifact",
			zap.String("raw_dir", rawDir),
			zap.String("out", outPath))

		stats, err := bronze.NewBuilder().Run(ctx, rawDir, outPath)
		if err != nil {
			_ = rl.Fail(ctx, runID, err.Error())
			return eris.Wrap(err, "bronze")
		}

		if err := rl.Complete(ctx, runID, &runlog.Result{
			Rows: stats.RowsWritten,
			Metadata: map[string]any{
				"files":              stats.Files,
				"rows_in":            stats.RowsIn,
				"duplicates_removed": stats.DuplicatesRemoved,
				"bytes":              stats.Bytes,
				"hash_strategy":      stats.HashStrategy,
				"out":                outPath,
			},
		}); err != nil {
			log.Warn("record run completion", zap.Error(err))
		}

		printBronzeStats(outPath, stats)
		return nil
	},
}

func init() {
	bronzeCmd.Flags().String("raw-dir", "", "directory of raw monthly parquet files (default from config)")
	bronzeCmd.Flags().String("out", "", "bronze artifact path (default from config)")
	rootCmd.AddCommand(bronzeCmd)
}

func printBronzeStats(outPath string, stats *bronze.Stats) {
	fmt.Fprintf(os.Stdout,
		"Bronze complete: %d files, %d rows in, %d rows written, %d duplicates removed, %d bytes -> %s (hash: %s)\n",
		stats.Files, stats.RowsIn, stats.RowsWritten, stats.DuplicatesRemoved,
		stats.Bytes, outPath, stats.HashStrategy)
}

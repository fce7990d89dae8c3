package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/triplake/internal/fetcher"
	"github.com/sells-group/triplake/internal/runlog"
	"github.com/sells-group/triplake/internal/stage"
)

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Stage monthly trip-record files",
	Long: `Download monthly trip-record parquet files into the raw directory.

Files are written atomically (.part then rename) and months that already
exist are skipped unless --overwrite is set. A month that fails to download
is reported and the range continues.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		log := zap.L().With(zap.String("command", "fetch"))

		opts, err := parseFetchOpts(cmd)
		if err != nil {
			return err
		}

		f := fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
			UserAgent:  cfg.Fetch.UserAgent,
			Timeout:    time.Duration(cfg.Fetch.TimeoutSecs) * time.Second,
			MaxRetries: cfg.Fetch.MaxRetries,
			RatePerSec: cfg.Fetch.RatePerSec,
		})
		stager := stage.NewStager(f)

		log.Info("staging trip files",
			zap.String("service", opts.Service),
			zap.String("start", opts.Start.String()),
			zap.String("end", opts.End.String()),
			zap.Bool("overwrite", opts.Overwrite),
			zap.Bool("dry_run", opts.DryRun),
		)

		if opts.DryRun {
			sum, err := stager.Run(ctx, opts)
			if err != nil {
				return eris.Wrap(err, "fetch")
			}
			formatStageResults(os.Stdout, sum)
			return nil
		}

		rl, err := openRunLog(ctx)
		if err != nil {
			return err
		}
		defer rl.Close() //nolint:errcheck

		runID, err := rl.Start(ctx, runlog.StageFetch)
		if err != nil {
			return eris.Wrap(err, "fetch: record run start")
		}

		sum, err := stager.Run(ctx, opts)
		if err != nil {
			_ = rl.Fail(ctx, runID, err.Error())
			return eris.Wrap(err, "fetch")
		}

		if err := rl.Complete(ctx, runID, &runlog.Result{
			Rows: int64(sum.OK),
			Metadata: map[string]any{
				"service": opts.Service,
				"start":   opts.Start.String(),
				"end":     opts.End.String(),
				"ok":      sum.OK,
				"skipped": sum.Skipped,
				"failed":  sum.Failed,
			},
		}); err != nil {
			log.Warn("record run completion", zap.Error(err))
		}

		formatStageResults(os.Stdout, sum)
		return nil
	},
}

func init() {
	fetchCmd.Flags().String("service", "", "trip service: yellow, green, fhv (default from config)")
	fetchCmd.Flags().String("start", "", "first month, YYYY-MM (required)")
	fetchCmd.Flags().String("end", "", "last month, YYYY-MM (required)")
	fetchCmd.Flags().Bool("overwrite", false, "re-download months that already exist")
	fetchCmd.Flags().Bool("dry-run", false, "report what would be downloaded without fetching")
	_ = fetchCmd.MarkFlagRequired("start")
	_ = fetchCmd.MarkFlagRequired("end")
	rootCmd.AddCommand(fetchCmd)
}

// parseFetchOpts extracts stage.Options from the cobra command flags.
func parseFetchOpts(cmd *cobra.Command) (stage.Options, error) {
	service, _ := cmd.Flags().GetString("service")
	startStr, _ := cmd.Flags().GetString("start")
	endStr, _ := cmd.Flags().GetString("end")
	overwrite, _ := cmd.Flags().GetBool("overwrite")
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	if service == "" {
		service = cfg.Fetch.Service
	}

	start, err := stage.ParseMonth(startStr)
	if err != nil {
		return stage.Options{}, err
	}
	end, err := stage.ParseMonth(endStr)
	if err != nil {
		return stage.Options{}, err
	}
	if start.After(end) {
		return stage.Options{}, eris.Errorf("fetch: start %s is after end %s", start, end)
	}

	return stage.Options{
		Service:   service,
		Start:     start,
		End:       end,
		RawDir:    cfg.Data.RawDir,
		BaseURL:   cfg.Fetch.BaseURL,
		Overwrite: overwrite,
		DryRun:    dryRun,
	}, nil
}

// formatStageResults writes a tabular per-month report plus totals.
func formatStageResults(out io.Writer, sum *stage.Summary) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "MONTH\tFILE\tSTATUS\tBYTES\tERROR")
	_, _ = fmt.Fprintln(w, "-----\t----\t------\t-----\t-----")
	for _, r := range sum.Results {
		errMsg := ""
		if r.Err != nil {
			errMsg = truncate(r.Err.Error(), 60)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", r.Month, r.File, r.Status, r.Bytes, errMsg)
	}
	_ = w.Flush()
	_, _ = fmt.Fprintf(out, "\n%d downloaded, %d skipped, %d planned, %d failed\n",
		sum.OK, sum.Skipped, sum.Planned, sum.Failed)
}

// truncate shortens s to max runes, appending an ellipsis when cut.
func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "..."
}

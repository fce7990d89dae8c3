package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/apache/arrow/go/v16/arrow/memory"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/triplake/internal/inspect"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect [artifact...]",
	Short: "Export artifact schemas as a YAML report",
	Long: `Read structural metadata (columns, types, row counts, compression, contract
version) from parquet artifacts and emit a YAML report. With no arguments,
inspects the configured bronze and silver artifacts that exist on disk.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		log := zap.L().With(zap.String("command", "inspect"))

		outFile, _ := cmd.Flags().GetString("out")

		paths := args
		if len(paths) == 0 {
			paths = defaultArtifacts()
		}
		if len(paths) == 0 {
			return eris.New("inspect: no artifacts found; run bronze/silver first or pass paths")
		}

		rep, err := inspect.BuildReport(paths, memory.NewGoAllocator())
		if err != nil {
			return eris.Wrap(err, "inspect")
		}
		out, err := rep.Render()
		if err != nil {
			return eris.Wrap(err, "inspect")
		}

		if outFile == "" {
			fmt.Print(string(out))
			return nil
		}
		if err := os.WriteFile(outFile, out, 0o644); err != nil {
			return eris.Wrapf(err, "inspect: write %s", outFile)
		}
		log.Info("report written",
			zap.String("file", outFile),
			zap.Int("artifacts", len(rep.Artifacts)))
		fmt.Printf("Report written to %s (%d artifacts)\n", outFile, len(rep.Artifacts))
		return nil
	},
}

func init() {
	inspectCmd.Flags().String("out", "", "write the report to a file instead of stdout")
	rootCmd.AddCommand(inspectCmd)
}

// defaultArtifacts lists the configured pipeline outputs present on disk.
func defaultArtifacts() []string {
	var paths []string
	if _, err := os.Stat(cfg.Data.BronzePath); err == nil {
		paths = append(paths, cfg.Data.BronzePath)
	}
	matches, _ := filepath.Glob(filepath.Join(cfg.Data.SilverDir, "silver.*.parquet"))
	paths = append(paths, matches...)
	return paths
}

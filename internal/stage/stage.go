// Package stage downloads monthly trip-record parquet files into the raw
// directory. Writes are atomic (.part then rename), undersized downloads are
// rejected, and existing files are skipped unless overwrite is requested. A
// failed month never aborts the run; it is counted and the range continues.
package stage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/triplake/internal/fetcher"
)

// DefaultBaseURL is the public trip-record file host.
const DefaultBaseURL = "https://d37ci6vzurychx.cloudfront.net/trip-data"

// DefaultMinBytes rejects downloads smaller than 10KB; a real monthly
// parquet file is megabytes, so anything smaller is an error page.
const DefaultMinBytes int64 = 10 * 1024

var services = map[string]bool{
	"yellow": true,
	"green":  true,
	"fhv":    true,
}

// Month is a calendar month.
type Month struct {
	Year  int
	Month int
}

// ParseMonth parses "YYYY-MM".
func ParseMonth(s string) (Month, error) {
	t, err := time.Parse("2006-01", s)
	if err != nil {
		return Month{}, eris.Wrapf(err, "stage: parse month %q", s)
	}
	return Month{Year: t.Year(), Month: int(t.Month())}, nil
}

func (m Month) String() string {
	return fmt.Sprintf("%04d-%02d", m.Year, m.Month)
}

// Next returns the following calendar month.
func (m Month) Next() Month {
	if m.Month == 12 {
		return Month{Year: m.Year + 1, Month: 1}
	}
	return Month{Year: m.Year, Month: m.Month + 1}
}

// After reports whether m is strictly later than o.
func (m Month) After(o Month) bool {
	if m.Year != o.Year {
		return m.Year > o.Year
	}
	return m.Month > o.Month
}

// MonthRange returns all months from start through end inclusive. A start
// after end yields nothing.
func MonthRange(start, end Month) []Month {
	var out []Month
	for cur := start; !cur.After(end); cur = cur.Next() {
		out = append(out, cur)
	}
	return out
}

// FileName returns the canonical raw file name for a service and month,
// the shape the bronze stage expects to find in the raw directory.
func FileName(service string, m Month) string {
	return fmt.Sprintf("%s_tripdata_%s.parquet", service, m)
}

// URL joins the base URL and the canonical file name.
func URL(baseURL, service string, m Month) string {
	return strings.TrimSuffix(baseURL, "/") + "/" + FileName(service, m)
}

// Options configures one staging run.
type Options struct {
	Service   string
	Start     Month
	End       Month
	RawDir    string
	BaseURL   string // empty means DefaultBaseURL
	Overwrite bool
	DryRun    bool
	MinBytes  int64 // zero means DefaultMinBytes
}

// Result records the outcome for one month.
type Result struct {
	Month  Month
	File   string
	URL    string
	Status string // ok, skip, planned, fail
	Bytes  int64
	Err    error
}

// Summary totals a staging run. Failed months are counted, not fatal.
type Summary struct {
	OK      int
	Skipped int
	Planned int
	Failed  int
	Results []Result
}

// Stager drives the fetcher across a month range.
type Stager struct {
	fetcher fetcher.Fetcher
	log     *zap.Logger
}

// NewStager creates a Stager on top of the given fetcher.
func NewStager(f fetcher.Fetcher) *Stager {
	return &Stager{
		fetcher: f,
		log:     zap.L().With(zap.String("component", "stage.stager")),
	}
}

// Run stages every month in the range. It returns an error only for setup
// problems or cancellation; per-month download failures land in the summary.
func (s *Stager) Run(ctx context.Context, opts Options) (*Summary, error) {
	if !services[opts.Service] {
		return nil, eris.Errorf("stage: unknown service %q (yellow, green, fhv)", opts.Service)
	}
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	minBytes := opts.MinBytes
	if minBytes <= 0 {
		minBytes = DefaultMinBytes
	}

	months := MonthRange(opts.Start, opts.End)
	sum := &Summary{}
	if len(months) == 0 {
		s.log.Info("no months to stage",
			zap.String("start", opts.Start.String()),
			zap.String("end", opts.End.String()))
		return sum, nil
	}

	if err := os.MkdirAll(opts.RawDir, 0o755); err != nil {
		return nil, eris.Wrapf(err, "stage: create raw dir %s", opts.RawDir)
	}

	for _, m := range months {
		if err := ctx.Err(); err != nil {
			return sum, eris.Wrap(err, "stage: interrupted")
		}

		res := Result{
			Month: m,
			File:  FileName(opts.Service, m),
			URL:   URL(baseURL, opts.Service, m),
		}
		dest := filepath.Join(opts.RawDir, res.File)

		if _, err := os.Stat(dest); err == nil && !opts.Overwrite {
			res.Status = "skip"
			sum.Skipped++
			sum.Results = append(sum.Results, res)
			s.log.Info("skip (exists)", zap.String("file", res.File))
			continue
		}

		if opts.DryRun {
			res.Status = "planned"
			sum.Planned++
			sum.Results = append(sum.Results, res)
			s.log.Info("would download",
				zap.String("url", res.URL),
				zap.String("dest", dest))
			continue
		}

		n, err := s.stageOne(ctx, res.URL, dest, minBytes)
		if err != nil {
			res.Status = "fail"
			res.Err = err
			sum.Failed++
			sum.Results = append(sum.Results, res)
			s.log.Warn("stage failed",
				zap.String("month", m.String()),
				zap.String("url", res.URL),
				zap.Error(err))
			continue
		}
		res.Status = "ok"
		res.Bytes = n
		sum.OK++
		sum.Results = append(sum.Results, res)
		s.log.Info("file staged",
			zap.String("file", res.File),
			zap.Int64("bytes", n))
	}

	s.log.Info("staging complete",
		zap.Int("ok", sum.OK),
		zap.Int("skip", sum.Skipped),
		zap.Int("planned", sum.Planned),
		zap.Int("fail", sum.Failed))
	return sum, nil
}

// stageOne downloads to a .part file, checks the size floor, and renames
// into place. The .part file never survives a failure.
func (s *Stager) stageOne(ctx context.Context, url, dest string, minBytes int64) (int64, error) {
	part := dest + ".part"
	n, err := s.fetcher.DownloadToFile(ctx, url, part)
	if err != nil {
		removeQuiet(part)
		return 0, err
	}
	if n < minBytes {
		removeQuiet(part)
		return 0, eris.Errorf("stage: downloaded %d bytes, below the %d byte floor", n, minBytes)
	}
	if err := os.Rename(part, dest); err != nil {
		removeQuiet(part)
		return 0, eris.Wrapf(err, "stage: move %s into place", part)
	}
	return n, nil
}

func removeQuiet(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		zap.L().Warn("could not remove partial download",
			zap.String("path", path),
			zap.Error(err))
	}
}

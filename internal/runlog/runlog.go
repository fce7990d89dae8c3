// Package runlog records pipeline run history: one row per stage execution
// with status, row counts, and free-form metadata. Backends exist for
// SQLite, Postgres, and "off".
package runlog

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Run statuses.
const (
	StatusRunning  = "running"
	StatusComplete = "complete"
	StatusFailed   = "failed"
)

// Pipeline stages recorded in the log.
const (
	StageFetch  = "fetch"
	StageBronze = "bronze"
	StageSilver = "silver"
)

// Entry is one recorded pipeline run.
type Entry struct {
	ID          string
	Stage       string
	Status      string
	StartedAt   time.Time
	CompletedAt *time.Time
	Rows        int64
	Error       string
	Metadata    map[string]any
}

// Result holds the outcome of a successful run, passed to Complete.
type Result struct {
	Rows     int64
	Metadata map[string]any
}

// Filter narrows List output.
type Filter struct {
	Stage string
	Limit int
}

// Log provides read/write access to the run history.
type Log interface {
	// Migrate creates the backing table if it does not exist.
	Migrate(ctx context.Context) error

	// Start records the beginning of a run and returns its ID.
	Start(ctx context.Context, stage string) (string, error)

	// Complete marks a run as successfully finished.
	Complete(ctx context.Context, id string, result *Result) error

	// Fail marks a run as failed with an error message.
	Fail(ctx context.Context, id string, errMsg string) error

	// List returns runs, most recent first.
	List(ctx context.Context, filter Filter) ([]Entry, error)

	Close() error
}

// NopLog discards everything; the backend for runlog.driver "off".
type NopLog struct{}

// NewNop returns a Log that records nothing.
func NewNop() *NopLog { return &NopLog{} }

func (*NopLog) Migrate(context.Context) error { return nil }

func (*NopLog) Start(context.Context, string) (string, error) {
	return uuid.New().String(), nil
}

func (*NopLog) Complete(context.Context, string, *Result) error { return nil }

func (*NopLog) Fail(context.Context, string, string) error { return nil }

func (*NopLog) List(context.Context, Filter) ([]Entry, error) { return nil, nil }

func (*NopLog) Close() error { return nil }

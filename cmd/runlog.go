package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/triplake/internal/runlog"
)

// openRunLog builds the configured run-history backend and runs its
// migration. Callers own Close.
func openRunLog(ctx context.Context) (runlog.Log, error) {
	var (
		log runlog.Log
		err error
	)
	switch cfg.Runlog.Driver {
	case "sqlite":
		dsn := cfg.Runlog.DatabaseURL
		if dsn == "" {
			dsn = "triplake_runs.db"
		}
		log, err = runlog.NewSQLite(dsn)
	case "postgres":
		log, err = runlog.NewPostgres(ctx, cfg.Runlog.DatabaseURL)
	case "off":
		log = runlog.NewNop()
	default:
		return nil, eris.Errorf("unsupported runlog driver: %s", cfg.Runlog.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := log.Migrate(ctx); err != nil {
		log.Close() //nolint:errcheck
		return nil, err
	}
	return log, nil
}

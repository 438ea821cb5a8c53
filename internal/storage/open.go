package storage

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"

	logx "deferq/pkg/logx"
)

// Store is the journal API used by the recorder and the CLI.
type Store interface {
	Append(ctx context.Context, e Entry) error
	// History returns the entries of one execution, oldest first. limit <= 0
	// means all of them.
	History(ctx context.Context, executionID string, limit int) ([]Entry, error)
	Close() error
}

// Open returns the journal for cfg, or (nil, nil) when storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("component", "storage"), logx.String("driver", driver))

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.Newf("unknown storage driver %q", driver)
	}
}

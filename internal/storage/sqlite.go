package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	_ "modernc.org/sqlite"

	logx "deferq/pkg/logx"
)

//go:embed migrations.sql
var migrations string

const pruneEvery = 500

const insertTransition = `INSERT INTO transitions
	(at, event, execution_id, function_id, function_name, state, error_code, retry_of, schedule_for)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

const selectHistory = `SELECT at, event, execution_id, function_id, function_name, state, error_code, retry_of, schedule_for
	FROM transitions WHERE execution_id = ? ORDER BY id`

type sqliteStore struct {
	db     *sql.DB
	insert *sql.Stmt
	log    logx.Logger

	retention time.Duration
	appends   atomic.Uint64
}

// sqliteDSN applies pragmas through the connection string so every pooled
// connection gets them.
func sqliteDSN(path string, busy time.Duration) string {
	q := url.Values{}
	if busy > 0 {
		q.Add("_pragma", "busy_timeout("+strconv.FormatInt(busy.Milliseconds(), 10)+")")
	}
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	return "file:" + path + "?" + q.Encode()
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, errors.Wrap(err, "create journal dir")
		}
	}

	db, err := sql.Open("sqlite", sqliteDSN(path, cfg.BusyTimeout))
	if err != nil {
		return nil, errors.Wrap(err, "open journal")
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, migrations); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "migrate journal")
	}
	insert, err := db.PrepareContext(ctx, insertTransition)
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "prepare journal insert")
	}

	log.Debug("journal opened", logx.String("path", path), logx.Duration("retention", cfg.Retention))
	return &sqliteStore{db: db, insert: insert, log: log, retention: cfg.Retention}, nil
}

func (s *sqliteStore) Close() error {
	if s.db == nil {
		return nil
	}
	_ = s.insert.Close()
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *sqliteStore) Append(ctx context.Context, e Entry) error {
	if s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	var scheduleFor sql.NullInt64
	if !e.ScheduleFor.IsZero() {
		scheduleFor = sql.NullInt64{Int64: e.ScheduleFor.UnixNano(), Valid: true}
	}
	if _, err := s.insert.ExecContext(ctx,
		e.At.UnixNano(), e.Event, e.ExecutionID, e.FunctionID, e.FunctionName, e.State,
		optional(e.ErrorCode), optional(e.RetryOf), scheduleFor,
	); err != nil {
		return errors.Wrapf(err, "append %s", e.ExecutionID)
	}
	if s.retention > 0 && s.appends.Add(1)%pruneEvery == 0 {
		s.prune(e.At.Add(-s.retention))
	}
	return nil
}

func (s *sqliteStore) prune(before time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	res, err := s.db.ExecContext(ctx, `DELETE FROM transitions WHERE at < ?`, before.UnixNano())
	if err != nil {
		s.log.Debug("journal prune failed", logx.Err(err))
		return
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.log.Debug("journal pruned", logx.Int64("rows", n))
	}
}

func (s *sqliteStore) History(ctx context.Context, executionID string, limit int) ([]Entry, error) {
	if s.db == nil {
		return nil, ErrDisabled
	}
	q, args := selectHistory, []any{executionID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query history")
	}
	defer rows.Close()

	out := []Entry{}
	for rows.Next() {
		var (
			e                Entry
			at               int64
			errCode, retryOf sql.NullString
			scheduleFor      sql.NullInt64
		)
		if err := rows.Scan(&at, &e.Event, &e.ExecutionID, &e.FunctionID, &e.FunctionName, &e.State, &errCode, &retryOf, &scheduleFor); err != nil {
			return nil, errors.Wrap(err, "scan history")
		}
		e.At = time.Unix(0, at).UTC()
		e.ErrorCode, e.RetryOf = errCode.String, retryOf.String
		if scheduleFor.Valid {
			e.ScheduleFor = time.Unix(0, scheduleFor.Int64).UTC()
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func optional(v string) sql.NullString {
	v = strings.TrimSpace(v)
	return sql.NullString{String: v, Valid: v != ""}
}

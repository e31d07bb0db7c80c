package tracedb

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/reprozip/reprozip/core/trace"
)

const (
	FileName      = "trace.sqlite3"
	schemaVersion = 1
)

//go:embed schema.sql
var schemaDDL string

// Run is one traced command. A trace directory may hold several runs when
// traced with --continue.
type Run struct {
	ID         int
	StartedAt  time.Time
	FinishedAt time.Time
	Argv       []string
	WorkingDir string
	ExitCode   int
	Signal     int
	Processes  int
	Events     int64
}

type DB struct {
	db   *sql.DB
	path string
}

// Open opens or creates the trace database at path.
func Open(ctx context.Context, path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create trace dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// one connection keeps writes serialized
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	store := &DB{db: db, path: path}
	if err := store.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// OpenExisting is Open for a database that must already exist.
func OpenExisting(ctx context.Context, path string) (*DB, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("trace database: %w", err)
	}
	return Open(ctx, path)
}

func (d *DB) Path() string { return d.path }

func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) migrate(ctx context.Context) error {
	if _, err := d.db.ExecContext(ctx, schemaDDL); err != nil {
		return fmt.Errorf("create trace schema: %w", err)
	}
	var version int
	err := d.db.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := d.db.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
			return fmt.Errorf("record schema version: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("read schema version: %w", err)
	case version != schemaVersion:
		return fmt.Errorf("unsupported trace schema version %d (want %d)", version, schemaVersion)
	}
	return nil
}

func (d *DB) NextRunID(ctx context.Context) (int, error) {
	var maxID sql.NullInt64
	if err := d.db.QueryRowContext(ctx, "SELECT MAX(id) FROM runs").Scan(&maxID); err != nil {
		return 0, fmt.Errorf("query run ids: %w", err)
	}
	return int(maxID.Int64) + 1, nil
}

func (d *DB) BeginRun(ctx context.Context, run Run) error {
	argv, err := json.Marshal(run.Argv)
	if err != nil {
		return fmt.Errorf("encode argv: %w", err)
	}
	_, err = d.db.ExecContext(ctx,
		"INSERT INTO runs (id, started_at, argv, workingdir) VALUES (?, ?, ?, ?)",
		run.ID, run.StartedAt.UTC().Format(time.RFC3339Nano), string(argv), run.WorkingDir)
	if err != nil {
		return fmt.Errorf("insert run %d: %w", run.ID, err)
	}
	return nil
}

func (d *DB) FinishRun(ctx context.Context, runID int, result trace.Result) error {
	_, err := d.db.ExecContext(ctx,
		"UPDATE runs SET finished_at = ?, exit_code = ?, signal = ?, processes = ?, events = ? WHERE id = ?",
		time.Now().UTC().Format(time.RFC3339Nano), result.ExitCode, result.Signal, result.Processes, result.Events, runID)
	if err != nil {
		return fmt.Errorf("finish run %d: %w", runID, err)
	}
	return nil
}

func (d *DB) Runs(ctx context.Context) ([]Run, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT id, started_at, COALESCE(finished_at, ''), argv, workingdir,
			COALESCE(exit_code, 0), COALESCE(signal, 0), COALESCE(processes, 0), COALESCE(events, 0)
		FROM runs ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []Run
	for rows.Next() {
		var (
			run               Run
			started, finished string
			argv              string
		)
		if err := rows.Scan(&run.ID, &started, &finished, &argv, &run.WorkingDir,
			&run.ExitCode, &run.Signal, &run.Processes, &run.Events); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		run.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
		if finished != "" {
			run.FinishedAt, _ = time.Parse(time.RFC3339Nano, finished)
		}
		if err := json.Unmarshal([]byte(argv), &run.Argv); err != nil {
			return nil, fmt.Errorf("decode argv of run %d: %w", run.ID, err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// Events returns every stored event ordered by run, then sequence number.
func (d *DB) Events(ctx context.Context) ([]trace.Event, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT run_id, seq, process_id, parent_process_id, pid, kind, path, target, binary_path,
			mode, ts, result, is_directory, argv, envp, workingdir, address, exit_code, signal
		FROM events ORDER BY run_id, seq`)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []trace.Event
	for rows.Next() {
		var (
			event      trace.Event
			kind, ts   string
			isDir      int
			argv, envp sql.NullString
		)
		if err := rows.Scan(&event.RunID, &event.Seq, &event.ProcessID, &event.ParentProcessID, &event.PID,
			&kind, &event.Path, &event.Target, &event.Binary, &event.Mode, &ts, &event.Result, &isDir,
			&argv, &envp, &event.WorkingDir, &event.Address, &event.ExitCode, &event.Signal); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		event.Kind = trace.Kind(kind)
		if !event.Kind.Valid() {
			return nil, fmt.Errorf("event %d/%d: unknown kind %q", event.RunID, event.Seq, kind)
		}
		event.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		event.IsDirectory = isDir != 0
		if event.Argv, err = decodeList(argv); err != nil {
			return nil, fmt.Errorf("event %d/%d argv: %w", event.RunID, event.Seq, err)
		}
		if event.Envp, err = decodeList(envp); err != nil {
			return nil, fmt.Errorf("event %d/%d envp: %w", event.RunID, event.Seq, err)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func encodeList(values []string) (any, error) {
	if values == nil {
		return nil, nil
	}
	raw, err := json.Marshal(values)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

func decodeList(value sql.NullString) ([]string, error) {
	if !value.Valid {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(value.String), &out); err != nil {
		return nil, err
	}
	return out, nil
}

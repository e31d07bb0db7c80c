package tracedb

import (
	"context"
	"fmt"
	"time"

	"github.com/reprozip/reprozip/core/trace"
)

const DefaultBatchSize = 256

// Writer buffers events and inserts them in batches, one transaction per
// batch. It implements trace.Sink.
type Writer struct {
	db        *DB
	batchSize int
	pending   []trace.Event
	written   int64
}

func (d *DB) NewWriter(batchSize int) *Writer {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Writer{db: d, batchSize: batchSize, pending: make([]trace.Event, 0, batchSize)}
}

func (w *Writer) Write(ctx context.Context, event trace.Event) error {
	w.pending = append(w.pending, event)
	if len(w.pending) >= w.batchSize {
		return w.Flush(ctx)
	}
	return nil
}

func (w *Writer) Written() int64 { return w.written }

func (w *Writer) Flush(ctx context.Context) error {
	if len(w.pending) == 0 {
		return nil
	}
	tx, err := w.db.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin event batch: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO events (run_id, seq, process_id, parent_process_id, pid, kind, path, target, binary_path,
			mode, ts, result, is_directory, argv, envp, workingdir, address, exit_code, signal)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("prepare event insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, event := range w.pending {
		argv, err := encodeList(event.Argv)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("encode argv: %w", err)
		}
		envp, err := encodeList(event.Envp)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("encode envp: %w", err)
		}
		isDir := 0
		if event.IsDirectory {
			isDir = 1
		}
		if _, err := stmt.ExecContext(ctx,
			event.RunID, event.Seq, event.ProcessID, event.ParentProcessID, event.PID, string(event.Kind),
			event.Path, event.Target, event.Binary, uint32(event.Mode), event.Timestamp.UTC().Format(time.RFC3339Nano),
			event.Result, isDir, argv, envp, event.WorkingDir, event.Address, event.ExitCode, event.Signal); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert event %d/%d: %w", event.RunID, event.Seq, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event batch: %w", err)
	}
	w.written += int64(len(w.pending))
	w.pending = w.pending[:0]
	return nil
}

// Package sqlite provides a SQLite implementation of the trace recorder.
//
// The recorder persists complete trace runs: a run row per traced process
// and an event row per trace-log or trace-error event, keyed by a per-run
// sequence number so replay order is exact even when timestamps collide.
//
// # Calling Conventions
//
// The recorder is a pure data access layer. Single-statement methods
// (BeginRun, FinishRun, Record) are atomic by themselves because each SQL
// statement executes in its own implicit transaction. RecordBatch wraps its
// inserts in an explicit transaction so a batch lands all-or-nothing.
//
// # Reader/Writer Implications
//
// The on-disk database is opened with WAL (Write-Ahead Logging) mode, so a
// reader replaying events does not block the writer appending them. Readers
// see a consistent snapshot from when their statement began.
//
// # Prepared Statements
//
// All SQL queries use prepared statements rather than inline SQL strings.
// The SQL is parsed and compiled once in prepareStatements, and subsequent
// executions reuse the compiled representation. For transactional use,
// tx.StmtContext creates transaction-bound handles that reference the
// already-compiled master statements; the masters are never invalidated by
// transaction lifecycle events.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	tracetap "github.com/frobware/go-tracetap"
	"github.com/frobware/go-tracetap/store"
)

// msec formats a duration as milliseconds with 3 decimal places.
func msec(d time.Duration) string {
	return fmt.Sprintf("%.3f", float64(d.Microseconds())/1000)
}

//go:embed schema.sql
var schemaSQL string

// Run describes one recorded trace run.
type Run struct {
	ID        string    `json:"id"`
	TargetPID int       `json:"target_pid"`
	StartedAt time.Time `json:"started_at"`

	// FinishedAt is zero while the run is still open.
	FinishedAt time.Time `json:"finished_at,omitzero"`
}

// Recorder persists trace events to a SQLite database.
type Recorder struct {
	db     *sql.DB
	logger *slog.Logger

	// Prepared statements for run operations
	stmtInsertRun *sql.Stmt
	stmtFinishRun *sql.Stmt
	stmtListRuns  *sql.Stmt

	// Prepared statements for event operations
	stmtInsertEvent  *sql.Stmt
	stmtListEvents   *sql.Stmt
	stmtEventsByHook *sql.Stmt

	mu    sync.Mutex
	runID string // active run, empty when none
	seq   int64  // next sequence number within the active run
}

// New creates a new SQLite recorder at the given path.
func New(ctx context.Context, dbPath string, logger *slog.Logger) (*Recorder, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "store", "db", dbPath)

	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open(driverName, dsn(dbPath, [][2]string{{"journal_mode", "WAL"}, {"foreign_keys", "1"}}))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	r := &Recorder{db: db, logger: logger}
	if err := r.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	if err := r.prepareStatements(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	logger.Info("opened trace database", "path", dbPath)
	return r, nil
}

// NewInMemory creates an in-memory SQLite recorder for testing.
func NewInMemory(ctx context.Context, logger *slog.Logger) (*Recorder, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "store", "db", ":memory:")

	db, err := sql.Open(driverName, dsn(":memory:", [][2]string{{"foreign_keys", "1"}}))
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory database: %w", err)
	}

	r := &Recorder{db: db, logger: logger}
	if err := r.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	if err := r.prepareStatements(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	logger.Info("opened in-memory trace database")
	return r, nil
}

// Close closes all prepared statements and the database connection.
func (r *Recorder) Close() error {
	r.closeStatements()
	return r.db.Close()
}

// closeStatements closes all prepared statements. Each close error
// is silently ignored because the database is about to be closed.
func (r *Recorder) closeStatements() {
	stmts := []*sql.Stmt{
		r.stmtInsertRun,
		r.stmtFinishRun,
		r.stmtListRuns,
		r.stmtInsertEvent,
		r.stmtListEvents,
		r.stmtEventsByHook,
	}
	for _, stmt := range stmts {
		if stmt != nil {
			stmt.Close()
		}
	}
}

func (r *Recorder) migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	return nil
}

// prepareStatements prepares all SQL statements for reuse.
func (r *Recorder) prepareStatements(ctx context.Context) error {
	var err error

	const sqlInsertRun = "INSERT INTO runs (id, target_pid, started_at) VALUES (?, ?, ?)"
	if r.stmtInsertRun, err = r.db.PrepareContext(ctx, sqlInsertRun); err != nil {
		return fmt.Errorf("prepare InsertRun: %w", err)
	}

	const sqlFinishRun = "UPDATE runs SET finished_at = ? WHERE id = ? AND finished_at IS NULL"
	if r.stmtFinishRun, err = r.db.PrepareContext(ctx, sqlFinishRun); err != nil {
		return fmt.Errorf("prepare FinishRun: %w", err)
	}

	const sqlListRuns = `
		SELECT id, target_pid, started_at, finished_at
		FROM runs
		ORDER BY started_at, id`
	if r.stmtListRuns, err = r.db.PrepareContext(ctx, sqlListRuns); err != nil {
		return fmt.Errorf("prepare ListRuns: %w", err)
	}

	const sqlInsertEvent = `
		INSERT INTO events
		(run_id, seq, kind, hook_id, ts_ms, thread_id, depth, caller, backtrace, payload, message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if r.stmtInsertEvent, err = r.db.PrepareContext(ctx, sqlInsertEvent); err != nil {
		return fmt.Errorf("prepare InsertEvent: %w", err)
	}

	const sqlListEvents = `
		SELECT kind, hook_id, ts_ms, thread_id, depth, caller, backtrace, payload, message
		FROM events
		WHERE run_id = ?
		ORDER BY seq`
	if r.stmtListEvents, err = r.db.PrepareContext(ctx, sqlListEvents); err != nil {
		return fmt.Errorf("prepare ListEvents: %w", err)
	}

	const sqlEventsByHook = `
		SELECT kind, hook_id, ts_ms, thread_id, depth, caller, backtrace, payload, message
		FROM events
		WHERE run_id = ? AND hook_id = ?
		ORDER BY seq`
	if r.stmtEventsByHook, err = r.db.PrepareContext(ctx, sqlEventsByHook); err != nil {
		return fmt.Errorf("prepare EventsByHook: %w", err)
	}

	return nil
}

// BeginRun opens a new run for the given target process and makes it the
// active run. Events recorded afterwards belong to this run.
func (r *Recorder) BeginRun(ctx context.Context, targetPID int) (string, error) {
	id := uuid.New().String()
	startedAt := time.Now().UTC().Format(time.RFC3339Nano)

	start := time.Now()
	if _, err := r.stmtInsertRun.ExecContext(ctx, id, targetPID, startedAt); err != nil {
		r.logger.Debug("sql", "stmt", "InsertRun", "args", []any{id, targetPID}, "duration_ms", msec(time.Since(start)), "error", err)
		return "", fmt.Errorf("failed to insert run: %w", err)
	}
	r.logger.Debug("sql", "stmt", "InsertRun", "args", []any{id, targetPID}, "duration_ms", msec(time.Since(start)))

	r.mu.Lock()
	r.runID = id
	r.seq = 0
	r.mu.Unlock()

	r.logger.Info("run started", "run", id, "pid", targetPID)
	return id, nil
}

// FinishRun stamps the active run as finished and clears it. Events can no
// longer be recorded until the next BeginRun.
func (r *Recorder) FinishRun(ctx context.Context) error {
	r.mu.Lock()
	id := r.runID
	r.runID = ""
	r.mu.Unlock()

	if id == "" {
		return store.ErrNoActiveRun
	}

	finishedAt := time.Now().UTC().Format(time.RFC3339Nano)

	start := time.Now()
	result, err := r.stmtFinishRun.ExecContext(ctx, finishedAt, id)
	if err != nil {
		r.logger.Debug("sql", "stmt", "FinishRun", "args", []any{id}, "duration_ms", msec(time.Since(start)), "error", err)
		return fmt.Errorf("failed to finish run: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	r.logger.Debug("sql", "stmt", "FinishRun", "args", []any{id}, "duration_ms", msec(time.Since(start)), "rows_affected", rows)
	if rows == 0 {
		return fmt.Errorf("run %s: %w", id, store.ErrNotFound)
	}

	r.logger.Info("run finished", "run", id)
	return nil
}

// Record appends a single event to the active run.
func (r *Recorder) Record(ctx context.Context, ev tracetap.Event) error {
	r.mu.Lock()
	id := r.runID
	seq := r.seq
	if id != "" {
		r.seq++
	}
	r.mu.Unlock()

	if id == "" {
		return store.ErrNoActiveRun
	}

	args, err := eventArgs(id, seq, ev)
	if err != nil {
		return err
	}

	start := time.Now()
	if _, err := r.stmtInsertEvent.ExecContext(ctx, args...); err != nil {
		r.logger.Debug("sql", "stmt", "InsertEvent", "args", []any{id, seq, ev.Kind}, "duration_ms", msec(time.Since(start)), "error", err)
		return fmt.Errorf("failed to insert event: %w", err)
	}
	r.logger.Debug("sql", "stmt", "InsertEvent", "args", []any{id, seq, ev.Kind}, "duration_ms", msec(time.Since(start)))
	return nil
}

// RecordBatch appends events to the active run within a single transaction.
// Either the whole batch lands or none of it does.
func (r *Recorder) RecordBatch(ctx context.Context, evs []tracetap.Event) error {
	if len(evs) == 0 {
		return nil
	}

	r.mu.Lock()
	id := r.runID
	seq := r.seq
	if id != "" {
		r.seq += int64(len(evs))
	}
	r.mu.Unlock()

	if id == "" {
		return store.ErrNoActiveRun
	}

	start := time.Now()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	insert := tx.StmtContext(ctx, r.stmtInsertEvent)
	for i, ev := range evs {
		args, err := eventArgs(id, seq+int64(i), ev)
		if err != nil {
			return err
		}
		if _, err := insert.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("failed to insert event %d of batch: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}

	r.logger.Debug("sql", "stmt", "InsertEvent", "batch", len(evs), "duration_ms", msec(time.Since(start)))
	return nil
}

// eventArgs flattens an event into insert parameters. Backtrace and payload
// are stored as JSON text; the caller address is stored as a signed integer
// and round-trips through two's complement.
func eventArgs(runID string, seq int64, ev tracetap.Event) ([]any, error) {
	var backtrace any
	if len(ev.Backtrace) > 0 {
		b, err := json.Marshal(ev.Backtrace)
		if err != nil {
			return nil, fmt.Errorf("failed to encode backtrace: %w", err)
		}
		backtrace = string(b)
	}

	var payload any
	if len(ev.Payload) > 0 {
		b, err := json.Marshal(ev.Payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode payload: %w", err)
		}
		payload = string(b)
	}

	var message any
	if ev.Message != "" {
		message = ev.Message
	}

	return []any{
		runID,
		seq,
		string(ev.Kind),
		ev.HookID,
		ev.Timestamp,
		int64(ev.ThreadID),
		ev.Depth,
		int64(ev.Caller),
		backtrace,
		payload,
		message,
	}, nil
}

// Events returns the events of a run in recording order. An empty hookID
// returns every event; otherwise only events for that hook.
func (r *Recorder) Events(ctx context.Context, runID, hookID string) ([]tracetap.Event, error) {
	start := time.Now()

	var rows *sql.Rows
	var err error
	if hookID == "" {
		rows, err = r.stmtListEvents.QueryContext(ctx, runID)
	} else {
		rows, err = r.stmtEventsByHook.QueryContext(ctx, runID, hookID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []tracetap.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate events: %w", err)
	}

	r.logger.Debug("sql", "stmt", "ListEvents", "args", []any{runID, hookID}, "duration_ms", msec(time.Since(start)), "rows", len(events))
	return events, nil
}

func scanEvent(rows *sql.Rows) (tracetap.Event, error) {
	var (
		kind      string
		hookID    string
		tsMS      int64
		threadID  int64
		depth     int
		caller    int64
		backtrace sql.NullString
		payload   sql.NullString
		message   sql.NullString
	)
	if err := rows.Scan(&kind, &hookID, &tsMS, &threadID, &depth, &caller, &backtrace, &payload, &message); err != nil {
		return tracetap.Event{}, fmt.Errorf("failed to scan event: %w", err)
	}

	k, ok := tracetap.ParseEventKind(kind)
	if !ok {
		return tracetap.Event{}, fmt.Errorf("event has unknown kind %q", kind)
	}

	ev := tracetap.Event{
		Kind:      k,
		HookID:    hookID,
		Timestamp: tsMS,
		ThreadID:  uint32(threadID),
		Depth:     depth,
		Caller:    uint64(caller),
		Message:   message.String,
	}
	if backtrace.Valid {
		if err := json.Unmarshal([]byte(backtrace.String), &ev.Backtrace); err != nil {
			return tracetap.Event{}, fmt.Errorf("failed to decode backtrace: %w", err)
		}
	}
	if payload.Valid {
		if err := json.Unmarshal([]byte(payload.String), &ev.Payload); err != nil {
			return tracetap.Event{}, fmt.Errorf("failed to decode payload: %w", err)
		}
	}
	return ev, nil
}

// Runs returns all recorded runs in start order.
func (r *Recorder) Runs(ctx context.Context) ([]Run, error) {
	start := time.Now()

	rows, err := r.stmtListRuns.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			run        Run
			startedAt  string
			finishedAt sql.NullString
		)
		if err := rows.Scan(&run.ID, &run.TargetPID, &startedAt, &finishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		if run.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt); err != nil {
			return nil, fmt.Errorf("run %s has malformed start time: %w", run.ID, err)
		}
		if finishedAt.Valid {
			if run.FinishedAt, err = time.Parse(time.RFC3339Nano, finishedAt.String); err != nil {
				return nil, fmt.Errorf("run %s has malformed finish time: %w", run.ID, err)
			}
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}

	r.logger.Debug("sql", "stmt", "ListRuns", "duration_ms", msec(time.Since(start)), "rows", len(runs))
	return runs, nil
}

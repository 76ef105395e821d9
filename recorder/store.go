// Package recorder persists simulation runs and the frames ticked during them in a
// SQLite database.
package recorder

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MegaGrindStone/carla-mcp/metrics"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/oklog/ulid/v2"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Status is the lifecycle state of a run.
type Status string

// Run statuses.
const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Run is one recorded simulation run.
type Run struct {
	ID                string     `json:"id"`
	Name              string     `json:"name,omitempty"`
	MapName           string     `json:"map_name"`
	Status            Status     `json:"status"`
	Frames            int        `json:"frames"`
	FixedDeltaSeconds *float64   `json:"fixed_delta_seconds,omitempty"`
	Error             string     `json:"error,omitempty"`
	StartedAt         time.Time  `json:"started_at"`
	FinishedAt        *time.Time `json:"finished_at,omitempty"`
}

// Frame is one simulation step recorded during a run.
type Frame struct {
	RunID      string    `json:"-"`
	Index      int       `json:"index"`
	Frame      uint64    `json:"frame"`
	ElapsedMS  int64     `json:"elapsed_ms"`
	ActorCount int       `json:"actor_count"`
	RecordedAt time.Time `json:"recorded_at"`
}

// NewRun describes a run about to start.
type NewRun struct {
	Name              string
	MapName           string
	FixedDeltaSeconds *float64
}

var (
	// ErrRunNotFound is returned when a run id is unknown.
	ErrRunNotFound = errors.New("recorder: run not found")

	// ErrRunFinished is returned when recording into, or finishing, a run that already
	// finished.
	ErrRunFinished = errors.New("recorder: run already finished")
)

const defaultRunsLimit = 20

// Option represents the options for the Store.
type Option func(*Store)

// Store is a SQLite backed run recorder. It is safe for concurrent use.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger.With(slog.String("component", "recorder"))
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// Open opens (creating if needed) the database at path and migrates it to the latest
// schema.
func Open(ctx context.Context, path string, options ...Option) (*Store, error) {
	s := &Store{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range options {
		opt(s)
	}

	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open recorder database: %w", err)
	}
	// SQLite serialises writers anyway; one connection avoids SQLITE_BUSY between them.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open recorder database: %w", err)
	}
	s.db = db

	if err := s.migrateUp(); err != nil {
		db.Close()
		return nil, err
	}

	s.logger.Info("recorder database ready", slog.String("path", path))

	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrateUp() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = &migrateLogger{logger: s.logger}
	// m is not closed: closing it closes the shared database handle.

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// StartRun records a new run in the running state.
func (s *Store) StartRun(ctx context.Context, nr NewRun) (Run, error) {
	run := Run{
		ID:                ulid.Make().String(),
		Name:              nr.Name,
		MapName:           nr.MapName,
		Status:            StatusRunning,
		FixedDeltaSeconds: nr.FixedDeltaSeconds,
		StartedAt:         s.now().UTC().Truncate(time.Millisecond),
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, name, map_name, status, fixed_delta_seconds, started_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID, run.Name, run.MapName, run.Status, nullFloat(run.FixedDeltaSeconds), run.StartedAt.UnixMilli())
	if err != nil {
		return Run{}, fmt.Errorf("failed to start run: %w", err)
	}

	s.logger.Debug("run started", slog.String("run_id", run.ID), slog.String("map", run.MapName))

	return run, nil
}

// RecordFrame appends a frame to a running run. The frame's Index is assigned by the
// store.
func (s *Store) RecordFrame(ctx context.Context, runID string, frame Frame) (Frame, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Frame{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	status, frames, err := runState(ctx, tx, runID)
	if err != nil {
		return Frame{}, err
	}
	if status != StatusRunning {
		return Frame{}, fmt.Errorf("%w: %s is %s", ErrRunFinished, runID, status)
	}

	frame.RunID = runID
	frame.Index = frames
	if frame.RecordedAt.IsZero() {
		frame.RecordedAt = s.now().UTC().Truncate(time.Millisecond)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO frames (run_id, idx, frame, elapsed_ms, actor_count, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		runID, frame.Index, int64(frame.Frame), frame.ElapsedMS, frame.ActorCount, frame.RecordedAt.UnixMilli()); err != nil {
		return Frame{}, fmt.Errorf("failed to record frame: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE runs SET frames = frames + 1 WHERE id = ?`, runID); err != nil {
		return Frame{}, fmt.Errorf("failed to record frame: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Frame{}, fmt.Errorf("failed to commit frame: %w", err)
	}

	metrics.AddFramesRecorded(1)

	return frame, nil
}

// FinishRun moves a running run to a final status. runErr, when not nil, is stored as
// the run's error message.
func (s *Store) FinishRun(ctx context.Context, runID string, status Status, runErr error) (Run, error) {
	if status == StatusRunning {
		return Run{}, fmt.Errorf("invalid final status %q", status)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Run{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	current, _, err := runState(ctx, tx, runID)
	if err != nil {
		return Run{}, err
	}
	if current != StatusRunning {
		return Run{}, fmt.Errorf("%w: %s is %s", ErrRunFinished, runID, current)
	}

	msg := ""
	if runErr != nil {
		msg = runErr.Error()
	}
	finished := s.now().UTC().Truncate(time.Millisecond)
	if _, err := tx.ExecContext(ctx,
		`UPDATE runs SET status = ?, error = ?, finished_at = ? WHERE id = ?`,
		status, msg, finished.UnixMilli(), runID); err != nil {
		return Run{}, fmt.Errorf("failed to finish run: %w", err)
	}

	run, err := scanRun(tx.QueryRowContext(ctx, selectRun+` WHERE id = ?`, runID))
	if err != nil {
		return Run{}, err
	}
	if err := tx.Commit(); err != nil {
		return Run{}, fmt.Errorf("failed to commit run: %w", err)
	}

	s.logger.Debug("run finished",
		slog.String("run_id", runID),
		slog.String("status", string(status)),
		slog.Int("frames", run.Frames))

	return run, nil
}

// Runs returns the most recent runs, newest first. A non-positive limit selects the
// default of 20.
func (s *Store) Runs(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = defaultRunsLimit
	}

	rows, err := s.db.QueryContext(ctx, selectRun+` ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := make([]Run, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return runs, nil
}

// Run returns one run.
func (s *Store) Run(ctx context.Context, runID string) (Run, error) {
	return scanRun(s.db.QueryRowContext(ctx, selectRun+` WHERE id = ?`, runID))
}

// Frames returns the frames of a run in recording order.
func (s *Store) Frames(ctx context.Context, runID string) ([]Frame, error) {
	if _, err := s.Run(ctx, runID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT idx, frame, elapsed_ms, actor_count, recorded_at
		FROM frames WHERE run_id = ? ORDER BY idx`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list frames: %w", err)
	}
	defer rows.Close()

	frames := make([]Frame, 0)
	for rows.Next() {
		var (
			f          Frame
			frame      int64
			recordedAt int64
		)
		if err := rows.Scan(&f.Index, &frame, &f.ElapsedMS, &f.ActorCount, &recordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan frame: %w", err)
		}
		f.RunID = runID
		f.Frame = uint64(frame)
		f.RecordedAt = time.UnixMilli(recordedAt).UTC()
		frames = append(frames, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list frames: %w", err)
	}
	return frames, nil
}

const selectRun = `
	SELECT id, name, map_name, status, frames, fixed_delta_seconds, error, started_at, finished_at
	FROM runs`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (Run, error) {
	var (
		run        Run
		delta      sql.NullFloat64
		startedAt  int64
		finishedAt sql.NullInt64
	)
	err := row.Scan(&run.ID, &run.Name, &run.MapName, &run.Status, &run.Frames,
		&delta, &run.Error, &startedAt, &finishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, ErrRunNotFound
	}
	if err != nil {
		return Run{}, fmt.Errorf("failed to scan run: %w", err)
	}
	if delta.Valid {
		run.FixedDeltaSeconds = &delta.Float64
	}
	run.StartedAt = time.UnixMilli(startedAt).UTC()
	if finishedAt.Valid {
		t := time.UnixMilli(finishedAt.Int64).UTC()
		run.FinishedAt = &t
	}
	return run, nil
}

func runState(ctx context.Context, tx *sql.Tx, runID string) (Status, int, error) {
	var (
		status Status
		frames int
	)
	err := tx.QueryRowContext(ctx, `SELECT status, frames FROM runs WHERE id = ?`, runID).Scan(&status, &frames)
	if errors.Is(err, sql.ErrNoRows) {
		return "", 0, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return "", 0, fmt.Errorf("failed to read run: %w", err)
	}
	return status, frames, nil
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

// migrateLogger implements migrate.Logger on top of slog.
type migrateLogger struct {
	logger *slog.Logger
}

func (l *migrateLogger) Printf(format string, v ...any) {
	l.logger.Debug(fmt.Sprintf("migrate: "+format, v...))
}

func (l *migrateLogger) Verbose() bool {
	return false
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kilnvm/kiln/internal/model"

	_ "modernc.org/sqlite"
)

const createCompilationsTable = `
CREATE TABLE IF NOT EXISTS compilations (
    id          TEXT PRIMARY KEY,
    unit_id     TEXT NOT NULL,
    unit_name   TEXT NOT NULL,
    tier        TEXT NOT NULL,
    state       TEXT NOT NULL,
    artifact_id TEXT,
    reason      TEXT,
    error       TEXT,
    queue_ms    INTEGER,
    compile_ms  INTEGER,
    created_at  DATETIME NOT NULL,
    started_at  DATETIME,
    finished_at DATETIME
)`

const createEventsTable = `
CREATE TABLE IF NOT EXISTS events (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    unit_id    TEXT NOT NULL,
    seq        INTEGER NOT NULL,
    line       TEXT NOT NULL,
    created_at DATETIME NOT NULL
)`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, stmt := range []string{createCompilationsTable, createEventsTable} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("run migration: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateCompilation inserts a new compilation record.
func (s *SQLiteStore) CreateCompilation(ctx context.Context, c *model.Compilation) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO compilations (
			id, unit_id, unit_name, tier, state, artifact_id, reason,
			error, queue_ms, compile_ms, created_at, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.UnitID, c.UnitName, c.Tier, c.State, c.ArtifactID, c.Reason,
		c.Error, c.QueueMS, c.CompileMS, c.CreatedAt, c.StartedAt, c.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert compilation: %w", err)
	}
	return nil
}

// GetCompilation retrieves a compilation record by ID.
func (s *SQLiteStore) GetCompilation(ctx context.Context, id string) (*model.Compilation, error) {
	return s.scanOne(s.db.QueryRowContext(ctx,
		`SELECT id, unit_id, unit_name, tier, state, artifact_id, reason,
			error, queue_ms, compile_ms, created_at, started_at, finished_at
		FROM compilations WHERE id = ?`, id,
	))
}

// GetLatestCompilationForUnit retrieves the most recent compilation record
// for the given unit.
func (s *SQLiteStore) GetLatestCompilationForUnit(ctx context.Context, unitID string) (*model.Compilation, error) {
	return s.scanOne(s.db.QueryRowContext(ctx,
		`SELECT id, unit_id, unit_name, tier, state, artifact_id, reason,
			error, queue_ms, compile_ms, created_at, started_at, finished_at
		FROM compilations WHERE unit_id = ?
		ORDER BY created_at DESC, id DESC LIMIT 1`, unitID,
	))
}

func (s *SQLiteStore) scanOne(row *sql.Row) (*model.Compilation, error) {
	c := &model.Compilation{}
	err := row.Scan(
		&c.ID, &c.UnitID, &c.UnitName, &c.Tier, &c.State, &c.ArtifactID, &c.Reason,
		&c.Error, &c.QueueMS, &c.CompileMS, &c.CreatedAt, &c.StartedAt, &c.FinishedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get compilation: %w", err)
	}
	return c, nil
}

// ListCompilations returns a paginated list of compilation records ordered by
// created_at DESC, along with the total count.
func (s *SQLiteStore) ListCompilations(ctx context.Context, limit, offset int) ([]*model.Compilation, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM compilations").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count compilations: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT id, unit_id, unit_name, tier, state, artifact_id, reason,
			error, queue_ms, compile_ms, created_at, started_at, finished_at
		FROM compilations ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list compilations: %w", err)
	}
	defer rows.Close()

	var comps []*model.Compilation
	for rows.Next() {
		c := &model.Compilation{}
		if err := rows.Scan(
			&c.ID, &c.UnitID, &c.UnitName, &c.Tier, &c.State, &c.ArtifactID, &c.Reason,
			&c.Error, &c.QueueMS, &c.CompileMS, &c.CreatedAt, &c.StartedAt, &c.FinishedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("scan compilation: %w", err)
		}
		comps = append(comps, c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate compilations: %w", err)
	}

	return comps, total, nil
}

// UpdateCompilationState moves a compilation to the given state, enforcing
// the task transition table. For terminal states it also sets finished_at.
func (s *SQLiteStore) UpdateCompilationState(ctx context.Context, id, state string) error {
	cur, err := s.GetCompilation(ctx, id)
	if err != nil {
		return err
	}
	if !model.ValidTransition(cur.State, state) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.State, state)
	}

	var result sql.Result
	now := time.Now().UTC()
	switch {
	case model.TerminalState(state):
		result, err = s.db.ExecContext(ctx,
			"UPDATE compilations SET state = ?, finished_at = ? WHERE id = ?",
			state, now, id,
		)
	case state == model.StateRunning:
		result, err = s.db.ExecContext(ctx,
			"UPDATE compilations SET state = ?, started_at = ? WHERE id = ?",
			state, now, id,
		)
	default:
		result, err = s.db.ExecContext(ctx,
			"UPDATE compilations SET state = ? WHERE id = ?",
			state, id,
		)
	}
	if err != nil {
		return fmt.Errorf("update compilation state: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateCompilation rewrites the mutable fields of a compilation record.
// Used by the manager to persist terminal outcomes in one statement.
func (s *SQLiteStore) UpdateCompilation(ctx context.Context, c *model.Compilation) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE compilations SET state = ?, artifact_id = ?, error = ?,
			queue_ms = ?, compile_ms = ?, started_at = ?, finished_at = ?
		WHERE id = ?`,
		c.State, c.ArtifactID, c.Error, c.QueueMS, c.CompileMS,
		c.StartedAt, c.FinishedAt, c.ID,
	)
	if err != nil {
		return fmt.Errorf("update compilation: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetCompileStats aggregates compilation statistics across all records.
func (s *SQLiteStore) GetCompileStats(ctx context.Context) (*CompileStats, error) {
	stats := &CompileStats{
		CountByState: make(map[string]int),
		CountByTier:  make(map[string]int),
	}

	rows, err := s.db.QueryContext(ctx, "SELECT state, COUNT(*) FROM compilations GROUP BY state")
	if err != nil {
		return nil, fmt.Errorf("count by state: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("scan state count: %w", err)
		}
		stats.CountByState[state] = n
		stats.Total += n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate state counts: %w", err)
	}

	tierRows, err := s.db.QueryContext(ctx, "SELECT tier, COUNT(*) FROM compilations GROUP BY tier")
	if err != nil {
		return nil, fmt.Errorf("count by tier: %w", err)
	}
	defer tierRows.Close()
	for tierRows.Next() {
		var tier string
		var n int
		if err := tierRows.Scan(&tier, &n); err != nil {
			return nil, fmt.Errorf("scan tier count: %w", err)
		}
		stats.CountByTier[tier] = n
	}
	if err := tierRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tier counts: %w", err)
	}

	var avg sql.NullFloat64
	err = s.db.QueryRowContext(ctx,
		"SELECT AVG(compile_ms) FROM compilations WHERE compile_ms IS NOT NULL",
	).Scan(&avg)
	if err != nil {
		return nil, fmt.Errorf("average compile time: %w", err)
	}
	if avg.Valid {
		stats.AvgCompileMS = avg.Float64
	}

	return stats, nil
}

// InsertEventLine persists one compilation event line for a unit.
func (s *SQLiteStore) InsertEventLine(ctx context.Context, unitID string, seq int, line string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO events (unit_id, seq, line, created_at) VALUES (?, ?, ?, ?)",
		unitID, seq, line, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert event line: %w", err)
	}
	return nil
}

// GetEventLines returns all persisted event lines for a unit in sequence order.
func (s *SQLiteStore) GetEventLines(ctx context.Context, unitID string) ([]model.EventLine, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, unit_id, seq, line, created_at FROM events WHERE unit_id = ? ORDER BY seq ASC",
		unitID,
	)
	if err != nil {
		return nil, fmt.Errorf("get event lines: %w", err)
	}
	defer rows.Close()

	var lines []model.EventLine
	for rows.Next() {
		var l model.EventLine
		if err := rows.Scan(&l.ID, &l.UnitID, &l.Seq, &l.Line, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event line: %w", err)
		}
		lines = append(lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate event lines: %w", err)
	}

	return lines, nil
}

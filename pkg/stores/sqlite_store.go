package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/rs/zerolog"

	"github.com/cloudferry/cloudferry/pkg/model"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db       *sql.DB
	cfg      Config
	registry *model.Registry
	logger   zerolog.Logger
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance. Objects are
// reconstructed using the schemas of registry.
func NewSQLiteStore(cfg Config, registry *model.Registry, logger zerolog.Logger) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if registry == nil {
		return nil, fmt.Errorf("schema registry is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 8
	}
	if cfg.Path == ":memory:" {
		// every connection would see its own empty database
		cfg.MaxOpenConns = 1
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	return &SQLiteStore{
		cfg:      cfg,
		registry: registry,
		logger:   logger.With().Str("component", "store").Logger(),
	}, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate", s.cfg.Path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	s.logger.Debug().Str("path", s.cfg.Path).Msg("Store opened")
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// EnsureTables creates the storage tables declared by registered schemas
// beyond objects and links. They share the objects layout.
func (s *SQLiteStore) EnsureTables(ctx context.Context) error {
	for _, table := range s.registry.Tables() {
		if table == model.DefaultTable || table == model.LinksTable {
			continue
		}
		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				uuid  TEXT NOT NULL,
				cloud TEXT NOT NULL,
				type  TEXT NOT NULL,
				json  TEXT,
				PRIMARY KEY (uuid, cloud, type)
			)`, table)
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to create table %s: %w", table, err)
		}
		s.logger.Debug().Str("table", table).Msg("Storage table ensured")
	}
	return nil
}

func (s *SQLiteStore) knownTable(table string) bool {
	for _, t := range s.registry.Tables() {
		if t == table {
			return true
		}
	}
	return false
}

// Registry returns the schemas used to reconstruct objects.
func (s *SQLiteStore) Registry() *model.Registry {
	return s.registry
}

// CreateRun creates a new run record
func (s *SQLiteStore) CreateRun(ctx context.Context, run *Run) error {
	query := `
		INSERT INTO runs (id, migration, status, started_at, completed_at, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		run.ID,
		run.Migration,
		run.Status,
		run.StartedAt,
		run.CompletedAt,
		run.Error,
		run.CreatedAt,
		run.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}

	return nil
}

// GetRun retrieves a run by ID
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	query := `
		SELECT id, migration, status, started_at, completed_at, error, created_at, updated_at
		FROM runs
		WHERE id = ?
	`

	run, err := scanRun(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	return run, nil
}

// UpdateRunStatus updates the status of a run
func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, id string, status RunStatus, errMsg *string) error {
	query := `
		UPDATE runs
		SET status = ?, error = ?, completed_at = ?, updated_at = ?
		WHERE id = ?
	`

	now := time.Now()
	var completedAt *time.Time
	if status.IsTerminal() {
		completedAt = &now
	}

	result, err := s.db.ExecContext(ctx, query, status, errMsg, completedAt, now, id)
	if err != nil {
		return fmt.Errorf("failed to update run status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("run not found: %s", id)
	}

	return nil
}

// ListRuns lists runs with pagination, newest first
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*Run, error) {
	query := `
		SELECT id, migration, status, started_at, completed_at, error, created_at, updated_at
		FROM runs
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// DeleteRun deletes a run and its results
func (s *SQLiteStore) DeleteRun(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("run not found: %s", id)
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	run := &Run{}
	err := row.Scan(
		&run.ID,
		&run.Migration,
		&run.Status,
		&run.StartedAt,
		&run.CompletedAt,
		&run.Error,
		&run.CreatedAt,
		&run.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return run, nil
}

// RecordFlowResult appends the outcome of a sub-flow
func (s *SQLiteStore) RecordFlowResult(ctx context.Context, result *FlowResult) error {
	query := `
		INSERT INTO flow_results (run_id, flow, status, error, completed_at)
		VALUES (?, ?, ?, ?, ?)
	`

	if result.CompletedAt.IsZero() {
		result.CompletedAt = time.Now()
	}

	res, err := s.db.ExecContext(ctx, query,
		result.RunID,
		result.Flow,
		result.Status,
		result.Error,
		result.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record flow result: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get flow result ID: %w", err)
	}
	result.ID = id

	return nil
}

// ListFlowResults returns the sub-flow outcomes of a run in recording order
func (s *SQLiteStore) ListFlowResults(ctx context.Context, runID string) ([]*FlowResult, error) {
	query := `
		SELECT id, run_id, flow, status, error, completed_at
		FROM flow_results
		WHERE run_id = ?
		ORDER BY id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list flow results: %w", err)
	}
	defer rows.Close()

	results := []*FlowResult{}
	for rows.Next() {
		r := &FlowResult{}
		if err := rows.Scan(&r.ID, &r.RunID, &r.Flow, &r.Status, &r.Error, &r.CompletedAt); err != nil {
			return nil, fmt.Errorf("failed to scan flow result: %w", err)
		}
		results = append(results, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating flow results: %w", err)
	}

	return results, nil
}

// RecordDestructorResult appends the outcome of a destructor
func (s *SQLiteStore) RecordDestructorResult(ctx context.Context, result *DestructorResult) error {
	query := `
		INSERT INTO destructor_results (run_id, kind, signature, error, executed_at)
		VALUES (?, ?, ?, ?, ?)
	`

	if result.ExecutedAt.IsZero() {
		result.ExecutedAt = time.Now()
	}

	res, err := s.db.ExecContext(ctx, query,
		result.RunID,
		result.Kind,
		result.Signature,
		result.Error,
		result.ExecutedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record destructor result: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get destructor result ID: %w", err)
	}
	result.ID = id

	return nil
}

// ListDestructorResults returns the destructor outcomes of a run
func (s *SQLiteStore) ListDestructorResults(ctx context.Context, runID string) ([]*DestructorResult, error) {
	query := `
		SELECT id, run_id, kind, signature, error, executed_at
		FROM destructor_results
		WHERE run_id = ?
		ORDER BY id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list destructor results: %w", err)
	}
	defer rows.Close()

	results := []*DestructorResult{}
	for rows.Next() {
		r := &DestructorResult{}
		if err := rows.Scan(&r.ID, &r.RunID, &r.Kind, &r.Signature, &r.Error, &r.ExecutedAt); err != nil {
			return nil, fmt.Errorf("failed to scan destructor result: %w", err)
		}
		results = append(results, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating destructor results: %w", err)
	}

	return results, nil
}

// SaveLinkSignature stores the signature computed when a migration was linked
func (s *SQLiteStore) SaveLinkSignature(ctx context.Context, migration string, signature []string) error {
	data, err := json.Marshal(signature)
	if err != nil {
		return fmt.Errorf("failed to marshal signature: %w", err)
	}

	query := `
		INSERT INTO link_signatures (migration, signature, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(migration) DO UPDATE SET
			signature = excluded.signature,
			updated_at = excluded.updated_at
	`

	if _, err := s.db.ExecContext(ctx, query, migration, string(data), time.Now()); err != nil {
		return fmt.Errorf("failed to save link signature: %w", err)
	}

	return nil
}

// GetLinkSignature returns the stored signature of a migration, if any
func (s *SQLiteStore) GetLinkSignature(ctx context.Context, migration string) ([]string, bool, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT signature FROM link_signatures WHERE migration = ?`, migration).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get link signature: %w", err)
	}

	var sig []string
	if err := json.Unmarshal([]byte(data), &sig); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal signature: %w", err)
	}

	return sig, true, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	var result int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("database query failed: %w", err)
	}

	return nil
}

// selectObjectsQuery builds a query returning the (uuid, cloud, type) key
// and the json of every table used by schema, objects first.
func selectObjectsQuery(schema *model.Schema, where string) string {
	tables := schema.Tables()

	var cols, joins strings.Builder
	cols.WriteString("o.uuid, o.cloud, o.type, o.json")
	for i, table := range tables[1:] {
		alias := fmt.Sprintf("t%d", i)
		fmt.Fprintf(&cols, ", %s.json", alias)
		fmt.Fprintf(&joins, " LEFT JOIN %s %s ON %s.uuid = o.uuid AND %s.cloud = o.cloud AND %s.type = o.type",
			table, alias, alias, alias, alias)
	}

	return fmt.Sprintf("SELECT %s FROM %s o%s WHERE %s", cols.String(), model.DefaultTable, joins.String(), where)
}

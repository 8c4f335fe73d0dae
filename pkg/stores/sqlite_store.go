package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/rs/zerolog"

	"github.com/winsync/winsync/pkg/engine"
	"github.com/winsync/winsync/pkg/telemetry"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a run or installed package does not exist.
var ErrNotFound = errors.New("not found")

// SQLiteStore persists the installed-state record and run history in
// SQLite. It implements engine.StateStore and engine.RunRecorder.
type SQLiteStore struct {
	db   *sql.DB
	cfg  Config
	path string
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	return &SQLiteStore{
		cfg:  cfg,
		path: cfg.Path,
	}, nil
}

// OpenSQLiteStore creates, initializes, and migrates a store.
func OpenSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	s, err := NewSQLiteStore(Config{Path: path})
	if err != nil {
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Init opens the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate", s.path)

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
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// HealthCheck verifies the database is reachable.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
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

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Load reads the installed-state record.
func (s *SQLiteStore) Load(ctx context.Context) (*engine.InstalledRecord, error) {
	pkgs, err := s.ListInstalled(ctx)
	if err != nil {
		return nil, err
	}
	entries := make([]engine.RecordEntry, 0, len(pkgs))
	for _, p := range pkgs {
		entries = append(entries, engine.RecordEntry{
			ID:           p.ID,
			Name:         p.Name,
			InstallerRef: p.InstallerRef,
			Version:      p.Version,
			Priority:     p.Priority,
			IsMeta:       p.IsMeta,
		})
	}
	return engine.NewInstalledRecord(entries...), nil
}

// Save replaces the installed-state record in one transaction. Entries
// whose content did not change keep their updated_at.
func (s *SQLiteStore) Save(ctx context.Context, record *engine.InstalledRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	upsert := `
		INSERT INTO installed_packages (id, name, installer, version, priority, meta, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			updated_at = CASE
				WHEN installed_packages.version != excluded.version
				  OR installed_packages.installer != excluded.installer
				  OR installed_packages.meta != excluded.meta
				THEN excluded.updated_at
				ELSE installed_packages.updated_at
			END,
			name = excluded.name,
			installer = excluded.installer,
			version = excluded.version,
			priority = excluded.priority,
			meta = excluded.meta
	`

	now := time.Now().UTC()
	keep := make(map[string]bool, record.Len())
	for _, e := range record.Entries() {
		keep[e.ID] = true
		if _, err := tx.ExecContext(ctx, upsert,
			e.ID, e.Name, e.InstallerRef, e.Version, e.Priority, e.IsMeta, now,
		); err != nil {
			return fmt.Errorf("failed to save installed package %s: %w", e.ID, err)
		}
	}

	rows, err := tx.QueryContext(ctx, `SELECT id FROM installed_packages`)
	if err != nil {
		return fmt.Errorf("failed to list installed packages: %w", err)
	}
	var stale []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan installed package: %w", err)
		}
		if !keep[id] {
			stale = append(stale, id)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating installed packages: %w", err)
	}

	for _, id := range stale {
		if _, err := tx.ExecContext(ctx, `DELETE FROM installed_packages WHERE id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete installed package %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit installed record: %w", err)
	}
	return nil
}

// ListInstalled returns the installed packages ordered by id.
func (s *SQLiteStore) ListInstalled(ctx context.Context) ([]*InstalledPackage, error) {
	query := `
		SELECT id, name, installer, version, priority, meta, updated_at
		FROM installed_packages
		ORDER BY id
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list installed packages: %w", err)
	}
	defer rows.Close()

	pkgs := []*InstalledPackage{}
	for rows.Next() {
		p := &InstalledPackage{}
		if err := rows.Scan(&p.ID, &p.Name, &p.InstallerRef, &p.Version, &p.Priority, &p.IsMeta, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan installed package: %w", err)
		}
		pkgs = append(pkgs, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating installed packages: %w", err)
	}
	return pkgs, nil
}

// GetInstalled returns one installed package.
func (s *SQLiteStore) GetInstalled(ctx context.Context, id string) (*InstalledPackage, error) {
	query := `
		SELECT id, name, installer, version, priority, meta, updated_at
		FROM installed_packages
		WHERE id = ?
	`

	p := &InstalledPackage{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&p.ID, &p.Name, &p.InstallerRef, &p.Version, &p.Priority, &p.IsMeta, &p.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("installed package %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get installed package: %w", err)
	}
	return p, nil
}

// ForgetPackage drops a package from the installed record without running
// its installer. The next run treats it as not installed.
func (s *SQLiteStore) ForgetPackage(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM installed_packages WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to forget package: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("installed package %s: %w", id, ErrNotFound)
	}
	return nil
}

// BeginRun records the start of a run.
func (s *SQLiteStore) BeginRun(ctx context.Context, runID string, startedAt time.Time) error {
	query := `INSERT INTO runs (id, status, started_at) VALUES (?, ?, ?)`

	if _, err := s.db.ExecContext(ctx, query, runID, RunStatusRunning, startedAt.UTC()); err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// FinishRun records the outcome of a run and its packages.
func (s *SQLiteStore) FinishRun(ctx context.Context, result *engine.RunResult, runErr error) error {
	status := RunStatusCompleted
	var errCode, errMsg *string
	if runErr != nil {
		status = RunStatusFailed
		code := engine.ErrorCode(runErr)
		msg := runErr.Error()
		errCode, errMsg = &code, &msg
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	update := `
		UPDATE runs
		SET status = ?, finished_at = ?, reboot_required = ?,
			install_count = ?, upgrade_count = ?, remove_count = ?,
			error_code = ?, error = ?
		WHERE id = ?
	`
	res, err := tx.ExecContext(ctx, update,
		status,
		result.FinishedAt.UTC(),
		result.RebootRequired,
		result.Summary.Install,
		result.Summary.Upgrade,
		result.Summary.Remove,
		errCode,
		errMsg,
		result.RunID,
	)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("run %s: %w", result.RunID, ErrNotFound)
	}

	insert := `
		INSERT INTO run_packages (run_id, seq, package_id, method, status, duration_ms, error)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	for i, o := range result.Outcomes {
		var oerr *string
		if o.Error != "" {
			msg := o.Error
			oerr = &msg
		}
		if _, err := tx.ExecContext(ctx, insert,
			result.RunID, i, o.PackageID, o.Method.String(), string(o.Status), o.Duration.Milliseconds(), oerr,
		); err != nil {
			return fmt.Errorf("failed to record package outcome: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run: %w", err)
	}
	return nil
}

const runColumns = `id, status, started_at, finished_at, reboot_required,
	install_count, upgrade_count, remove_count, error_code, error`

func scanRun(row interface{ Scan(...any) error }) (*Run, error) {
	run := &Run{}
	var finished sql.NullTime
	err := row.Scan(
		&run.ID,
		&run.Status,
		&run.StartedAt,
		&finished,
		&run.RebootRequired,
		&run.Install,
		&run.Upgrade,
		&run.Remove,
		&run.ErrorCode,
		&run.Error,
	)
	if err != nil {
		return nil, err
	}
	if finished.Valid {
		run.FinishedAt = &finished.Time
	}
	return run, nil
}

// GetRun retrieves a run by ID
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns lists runs, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs ORDER BY started_at DESC LIMIT ? OFFSET ?`

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

// ListRunPackages returns the package outcomes of a run in processing order.
func (s *SQLiteStore) ListRunPackages(ctx context.Context, runID string) ([]*RunPackage, error) {
	query := `
		SELECT run_id, seq, package_id, method, status, duration_ms, error
		FROM run_packages
		WHERE run_id = ?
		ORDER BY seq
	`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list run packages: %w", err)
	}
	defer rows.Close()

	pkgs := []*RunPackage{}
	for rows.Next() {
		p := &RunPackage{}
		var ms int64
		if err := rows.Scan(&p.RunID, &p.Seq, &p.PackageID, &p.Method, &p.Status, &ms, &p.Error); err != nil {
			return nil, fmt.Errorf("failed to scan run package: %w", err)
		}
		p.Duration = time.Duration(ms) * time.Millisecond
		pkgs = append(pkgs, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating run packages: %w", err)
	}
	return pkgs, nil
}

// AppendEvent persists a telemetry event. Events without a run id are
// ignored.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event telemetry.Event) error {
	if event.RunID == "" {
		return nil
	}

	var data *string
	if len(event.Data) > 0 {
		b, err := json.Marshal(event.Data)
		if err != nil {
			return fmt.Errorf("failed to encode event data: %w", err)
		}
		str := string(b)
		data = &str
	}

	query := `
		INSERT INTO run_events (id, run_id, package_id, type, level, phase, message, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		event.ID,
		event.RunID,
		nullString(event.PackageID),
		event.Type,
		event.Level,
		nullString(event.Phase),
		event.Message,
		data,
		event.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// ListEvents returns the events of a run in the order they happened.
func (s *SQLiteStore) ListEvents(ctx context.Context, runID string) ([]*RunEvent, error) {
	query := `
		SELECT id, run_id, package_id, type, level, phase, message, data, created_at
		FROM run_events
		WHERE run_id = ?
		ORDER BY created_at, rowid
	`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := []*RunEvent{}
	for rows.Next() {
		e := &RunEvent{}
		if err := rows.Scan(&e.ID, &e.RunID, &e.PackageID, &e.Type, &e.Level, &e.Phase, &e.Message, &e.Data, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}

// EventSubscriber returns a subscriber that persists events. Write errors
// are logged and dropped.
func (s *SQLiteStore) EventSubscriber(logger zerolog.Logger) telemetry.EventSubscriber {
	return func(event telemetry.Event) {
		if err := s.AppendEvent(context.Background(), event); err != nil {
			logger.Warn().Err(err).Str("event_type", event.Type).Msg("Failed to persist event")
		}
	}
}

// PruneRuns keeps the newest keep runs and deletes older runs together
// with their packages and events.
func (s *SQLiteStore) PruneRuns(ctx context.Context, keep int) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		DELETE FROM runs WHERE id NOT IN (
			SELECT id FROM runs ORDER BY started_at DESC LIMIT ?
		)`, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune runs: %w", err)
	}
	pruned, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	for _, q := range []string{
		`DELETE FROM run_packages WHERE run_id NOT IN (SELECT id FROM runs)`,
		`DELETE FROM run_events WHERE run_id NOT IN (SELECT id FROM runs)`,
	} {
		if _, err := tx.ExecContext(ctx, q); err != nil {
			return 0, fmt.Errorf("failed to prune run details: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit prune: %w", err)
	}
	return pruned, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

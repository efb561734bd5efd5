package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vidfriends/livesched/internal/config"
	"github.com/vidfriends/livesched/internal/db"
	"github.com/vidfriends/livesched/internal/logging"
)

const (
	migrationMaxAttempts = 3
	migrationBaseBackoff = 100 * time.Millisecond
	migrationMaxBackoff  = 3 * time.Second
)

var retryablePgErrorCodes = map[string]struct{}{
	"40001": {}, // serialization_failure
	"40P01": {}, // deadlock_detected
	"55P03": {}, // lock_not_available
}

// migrator applies the SQL files of dir in lexical order, recording each
// applied file in schema_migrations.
type migrator struct {
	conn   *pgxpool.Conn
	dir    string
	logger *slog.Logger
}

func runMigrations(ctx context.Context, args []string, w io.Writer) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := logging.New(os.Stdout, cfg.LogLevel)

	command := "up"
	if len(args) > 0 {
		command = args[0]
	}
	if command == "down" {
		return errors.New("down migrations are not supported")
	}
	if command != "up" && command != "status" {
		return fmt.Errorf("unknown migrate command %q", command)
	}

	dir, err := resolveMigrationDir(cfg.MigrationDir)
	if err != nil {
		return err
	}
	files, err := listMigrations(dir)
	if err != nil {
		return err
	}

	pool, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	m := migrator{conn: conn, dir: dir, logger: logger.With(slog.String("migrationDir", dir))}
	applied, err := m.applied(ctx)
	if err != nil {
		return err
	}

	if command == "status" {
		writeMigrationStatus(w, files, applied)
		return nil
	}
	return m.up(ctx, files, applied)
}

func resolveMigrationDir(dir string) (string, error) {
	if filepath.IsAbs(dir) {
		return dir, nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("determine working directory: %w", err)
	}
	return filepath.Join(wd, dir), nil
}

// listMigrations returns the .sql file names of dir, sorted.
func listMigrations(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations directory: %w", err)
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".sql" {
			continue
		}
		files = append(files, entry.Name())
	}
	sort.Strings(files)
	return files, nil
}

func writeMigrationStatus(w io.Writer, files []string, applied map[string]struct{}) {
	for _, name := range files {
		mark := " "
		if _, ok := applied[name]; ok {
			mark = "x"
		}
		fmt.Fprintf(w, "[%s] %s\n", mark, name)
	}
}

func (m migrator) applied(ctx context.Context) (map[string]struct{}, error) {
	if _, err := m.conn.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`); err != nil {
		return nil, fmt.Errorf("ensure schema_migrations table: %w", err)
	}

	rows, err := m.conn.Query(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("fetch applied migrations: %w", err)
	}
	versions, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan applied migrations: %w", err)
	}

	applied := make(map[string]struct{}, len(versions))
	for _, version := range versions {
		applied[version] = struct{}{}
	}
	return applied, nil
}

func (m migrator) up(ctx context.Context, files []string, applied map[string]struct{}) error {
	pending := 0
	for _, name := range files {
		if _, ok := applied[name]; ok {
			continue
		}
		contents, err := os.ReadFile(filepath.Join(m.dir, name))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if err := m.applyWithRetry(ctx, name, string(contents)); err != nil {
			return err
		}
		pending++
		m.logger.Info("migration applied", slog.String("migration", name))
	}
	if pending == 0 {
		m.logger.Info("schema up to date", slog.Int("migrations", len(files)))
	}
	return nil
}

func (m migrator) applyWithRetry(ctx context.Context, name, contents string) error {
	for attempt := 1; ; attempt++ {
		stage, err := m.apply(ctx, name, contents)
		if err == nil {
			return nil
		}
		if !shouldRetryMigration(err) || attempt == migrationMaxAttempts {
			return fmt.Errorf("%s migration %s: %w", stage, name, err)
		}

		backoff := migrationBackoff(attempt)
		m.logger.Warn("transient migration error",
			slog.String("migration", name),
			slog.String("stage", stage),
			slog.Int("attempt", attempt),
			slog.Duration("backoff", backoff),
			slog.String("error", err.Error()),
		)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// apply runs one migration in a serializable transaction and reports the
// stage that failed.
func (m migrator) apply(ctx context.Context, name, contents string) (string, error) {
	tx, err := m.conn.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return "begin", err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, contents); err != nil {
		return "apply", err
	}
	if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, name); err != nil {
		return "record", err
	}
	if err := tx.Commit(ctx); err != nil {
		return "commit", err
	}
	return "", nil
}

// migrationBackoff doubles from migrationBaseBackoff after each failed
// attempt, capped at migrationMaxBackoff.
func migrationBackoff(attempt int) time.Duration {
	backoff := migrationBaseBackoff
	for i := 1; i < attempt && backoff < migrationMaxBackoff; i++ {
		backoff *= 2
	}
	return min(backoff, migrationMaxBackoff)
}

func shouldRetryMigration(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, pgx.ErrTxClosed) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		_, ok := retryablePgErrorCodes[pgErr.Code]
		return ok
	}
	return false
}

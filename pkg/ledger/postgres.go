package ledger

import (
	"context"
	stdsql "database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx driver for database/sql
)

//go:embed migrations
var migrationsFS embed.FS

// PostgresSink journals entries to a cost_entries table. It also
// implements Querier for the rollup queries.
type PostgresSink struct {
	db      *stdsql.DB
	ownedDB bool
}

// NewPostgresSink shares an existing connection, typically the cold
// store's, and applies the ledger migrations on it.
func NewPostgresSink(db *stdsql.DB) (*PostgresSink, error) {
	if err := runMigrations(db); err != nil {
		return nil, fmt.Errorf("run ledger migrations: %w", err)
	}
	return &PostgresSink{db: db}, nil
}

// NewPostgresSinkFromDB wraps a connection without migrating. Useful for
// tests.
func NewPostgresSinkFromDB(db *stdsql.DB) *PostgresSink {
	return &PostgresSink{db: db}
}

func (s *PostgresSink) WriteBatch(ctx context.Context, entries []CostEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin ledger tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO cost_entries
		 (recorded_at, session_id, task_id, worker, model, input_tokens, output_tokens, cost_usd)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`)
	if err != nil {
		return fmt.Errorf("prepare ledger insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx,
			e.Timestamp, e.SessionID, e.TaskID, e.Worker, e.Model,
			e.InputTokens, e.OutputTokens, e.CostUSD); err != nil {
			return fmt.Errorf("insert ledger entry: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit ledger tx: %w", err)
	}
	return nil
}

// Close is a no-op. The connection belongs to whoever opened it.
func (s *PostgresSink) Close() error { return nil }

func (s *PostgresSink) SpendBySession(ctx context.Context, sessionID string) (float64, error) {
	var total float64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(cost_usd), 0) FROM cost_entries WHERE session_id = $1`,
		sessionID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("spend by session: %w", err)
	}
	return total, nil
}

func (s *PostgresSink) SpendByWorker(ctx context.Context, since time.Time) (map[string]float64, error) {
	return s.groupedSpend(ctx,
		`SELECT worker, COALESCE(SUM(cost_usd), 0)
		 FROM cost_entries WHERE recorded_at >= $1 GROUP BY worker`, since)
}

func (s *PostgresSink) SpendByModel(ctx context.Context, since time.Time) (map[string]float64, error) {
	return s.groupedSpend(ctx,
		`SELECT model, COALESCE(SUM(cost_usd), 0)
		 FROM cost_entries WHERE recorded_at >= $1 GROUP BY model`, since)
}

func (s *PostgresSink) SpendByHour(ctx context.Context, since time.Time) ([]HourlySpend, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT to_char(date_trunc('hour', recorded_at), 'YYYY-MM-DD-HH24') AS hour,
		        COALESCE(SUM(cost_usd), 0)
		 FROM cost_entries WHERE recorded_at >= $1
		 GROUP BY hour ORDER BY hour`, since)
	if err != nil {
		return nil, fmt.Errorf("spend by hour: %w", err)
	}
	defer rows.Close()

	var out []HourlySpend
	for rows.Next() {
		var h HourlySpend
		if err := rows.Scan(&h.Hour, &h.CostUSD); err != nil {
			return nil, fmt.Errorf("scan hourly spend: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *PostgresSink) groupedSpend(ctx context.Context, query string, since time.Time) (map[string]float64, error) {
	rows, err := s.db.QueryContext(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("grouped spend: %w", err)
	}
	defer rows.Close()

	out := make(map[string]float64)
	for rows.Next() {
		var key string
		var total float64
		if err := rows.Scan(&key, &total); err != nil {
			return nil, fmt.Errorf("scan grouped spend: %w", err)
		}
		out[key] = total
	}
	return out, rows.Err()
}

func runMigrations(db *stdsql.DB) error {
	// Separate migrations table so the ledger and the cold store can
	// version independently on a shared database.
	driver, err := postgres.WithInstance(db, &postgres.Config{
		MigrationsTable: "ledger_schema_migrations",
	})
	if err != nil {
		return fmt.Errorf("create postgres driver: %w", err)
	}
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "kaya", driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}
	if err := sourceDriver.Close(); err != nil {
		return fmt.Errorf("close migration source: %w", err)
	}
	return nil
}

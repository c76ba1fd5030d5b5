package coldstore

import (
	"context"
	stdsql "database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx driver for database/sql
)

//go:embed migrations
var migrationsFS embed.FS

// scanLimit bounds how many recent records one search will score in
// process. Past that, older patterns are effectively archived.
const scanLimit = 1000

// Postgres persists records in a cold_records table and ranks them by
// in-process cosine similarity over stored embeddings.
type Postgres struct {
	db       *stdsql.DB
	embedder Embedder
	logger   *slog.Logger
}

// NewPostgres opens the database, applies pending migrations, and returns
// a ready store.
func NewPostgres(ctx context.Context, dsn string, embedder Embedder, logger *slog.Logger) (*Postgres, error) {
	db, err := stdsql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return NewPostgresFromDB(db, embedder, logger), nil
}

// NewPostgresFromDB wraps an existing connection without migrating.
// Useful for tests.
func NewPostgresFromDB(db *stdsql.DB, embedder Embedder, logger *slog.Logger) *Postgres {
	if logger == nil {
		logger = slog.Default()
	}
	return &Postgres{db: db, embedder: embedder, logger: logger}
}

// DB returns the underlying connection for health checks.
func (p *Postgres) DB() *stdsql.DB { return p.db }

// Close closes the database connection.
func (p *Postgres) Close() error { return p.db.Close() }

func (p *Postgres) Save(ctx context.Context, collection Collection, id, text string, metadata map[string]string) error {
	vec, err := p.embedder.Embed(ctx, text)
	if err != nil {
		return fmt.Errorf("embed record: %w", err)
	}
	embJSON, err := json.Marshal(vec)
	if err != nil {
		return fmt.Errorf("encode embedding: %w", err)
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	res, err := p.db.ExecContext(ctx,
		`INSERT INTO cold_records (collection, record_id, content, metadata, embedding, created_at)
		 VALUES ($1, $2, $3, $4, $5, NOW())
		 ON CONFLICT (collection, record_id) DO NOTHING`,
		string(collection), id, text, metaJSON, embJSON)
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrDuplicate
	}
	return nil
}

func (p *Postgres) Search(ctx context.Context, collection Collection, query string, k int, minSimilarity float64) []Match {
	if k <= 0 {
		k = DefaultK
	}
	qvec, err := p.embedder.Embed(ctx, query)
	if err != nil {
		p.logger.Warn("cold store query embed failed", "collection", collection, "error", err)
		return nil
	}

	rows, err := p.db.QueryContext(ctx,
		`SELECT record_id, content, metadata, embedding
		 FROM cold_records
		 WHERE collection = $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		string(collection), scanLimit)
	if err != nil {
		p.logger.Warn("cold store search failed", "collection", collection, "error", err)
		return nil
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var (
			id, content       string
			metaJSON, embJSON []byte
		)
		if err := rows.Scan(&id, &content, &metaJSON, &embJSON); err != nil {
			p.logger.Warn("cold store row scan failed", "collection", collection, "error", err)
			return nil
		}
		var vec []float32
		if err := json.Unmarshal(embJSON, &vec); err != nil {
			continue
		}
		sim := cosineSimilarity(qvec, vec)
		if sim < minSimilarity {
			continue
		}
		var meta map[string]string
		_ = json.Unmarshal(metaJSON, &meta)
		matches = append(matches, Match{ID: id, Text: content, Metadata: meta, Similarity: sim})
	}
	if err := rows.Err(); err != nil {
		p.logger.Warn("cold store search failed", "collection", collection, "error", err)
		return nil
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].Similarity > matches[j].Similarity })
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches
}

func runMigrations(db *stdsql.DB) error {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
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
	// Close only the source driver. m.Close() would also close the shared
	// *sql.DB handed to postgres.WithInstance.
	if err := sourceDriver.Close(); err != nil {
		return fmt.Errorf("close migration source: %w", err)
	}
	return nil
}

package history

import (
	"context"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const historyTable = "deploy_history"

var historyColumns = []string{
	"id", "config_key", "original_key", "outcome", "error", "started_at", "finished_at",
}

// Entry is one finished deploy.
type Entry struct {
	ID          string
	ConfigKey   string
	OriginalKey string
	Outcome     string
	Error       string
	StartedAt   time.Time
	FinishedAt  time.Time
}

// Repository reads and writes deploy history rows.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository connects to the database at dsn.
func NewRepository(ctx context.Context, dsn string) (*Repository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse pgx config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}
	return &Repository{db: pool}, nil
}

// Close releases the connection pool.
func (r *Repository) Close() { r.db.Close() }

func insertQuery(e Entry) (string, []any, error) {
	return squirrel.Insert(historyTable).
		Columns(historyColumns...).
		Values(e.ID, e.ConfigKey, e.OriginalKey, e.Outcome, e.Error, e.StartedAt, e.FinishedAt).
		Suffix("ON CONFLICT (id) DO NOTHING").
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
}

func recentQuery(limit uint64) (string, []any, error) {
	return squirrel.Select(historyColumns...).
		From(historyTable).
		OrderBy("finished_at DESC").
		Limit(limit).
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
}

// Record stores e.
func (r *Repository) Record(ctx context.Context, e Entry) error {
	sql, args, err := insertQuery(e)
	if err != nil {
		return fmt.Errorf("failed to create db request: %w", err)
	}
	if _, err := r.db.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("failed to insert deploy %s: %w", e.ID, err)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (r *Repository) Recent(ctx context.Context, limit uint64) ([]Entry, error) {
	sql, args, err := recentQuery(limit)
	if err != nil {
		return nil, fmt.Errorf("failed to create db request: %w", err)
	}
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query deploy history: %w", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Entry, error) {
		var e Entry
		err := row.Scan(&e.ID, &e.ConfigKey, &e.OriginalKey, &e.Outcome, &e.Error, &e.StartedAt, &e.FinishedAt)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan deploy history: %w", err)
	}
	return entries, nil
}

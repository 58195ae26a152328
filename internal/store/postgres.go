package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver for database/sql, used by goose
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// PostgresConfig holds pool settings for the primary datastore.
type PostgresConfig struct {
	DSN             string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

// NewPool creates a pgxpool connection pool and pings it.
func NewPool(ctx context.Context, cfg PostgresConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return pool, nil
}

// Migrate applies the embedded goose migrations.
func Migrate(ctx context.Context, dsn string) error {
	goose.SetBaseFS(migrations)

	db, err := goose.OpenDBWithDriver("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open db for migrations: %w", err)
	}
	defer func() { _ = db.Close() }()

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// PostgresBackend stores records in the hosted primary datastore.
type PostgresBackend struct {
	pool *pgxpool.Pool
}

func NewPostgresBackend(pool *pgxpool.Pool) *PostgresBackend {
	return &PostgresBackend{pool: pool}
}

// Put replaces every column of the row in one statement, so a concurrent
// reader sees either the old record or the new one, never a mix.
func (p *PostgresBackend) Put(ctx context.Context, rec Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	_, err := p.pool.Exec(ctx,
		`INSERT INTO records (collection, owner_id, id, payload, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (collection, owner_id, id)
		 DO UPDATE SET payload = EXCLUDED.payload, updated_at = EXCLUDED.updated_at`,
		rec.Collection, rec.OwnerID, rec.ID, []byte(rec.Payload), rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres put %s/%s: %w", rec.Collection, rec.ID, err)
	}
	return nil
}

func (p *PostgresBackend) Get(ctx context.Context, collection, ownerID, id string) (Record, error) {
	rec := Record{Collection: collection, OwnerID: ownerID, ID: id}
	var payload []byte
	err := p.pool.QueryRow(ctx,
		`SELECT payload, updated_at FROM records
		 WHERE collection = $1 AND owner_id = $2 AND id = $3`,
		collection, ownerID, id,
	).Scan(&payload, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("postgres get %s/%s: %w", collection, id, err)
	}
	rec.Payload = payload
	return rec, nil
}

func (p *PostgresBackend) List(ctx context.Context, collection, ownerID string) ([]Record, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, payload, updated_at FROM records
		 WHERE collection = $1 AND owner_id = $2
		 ORDER BY updated_at DESC`,
		collection, ownerID)
	if err != nil {
		return nil, fmt.Errorf("postgres list %s: %w", collection, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec := Record{Collection: collection, OwnerID: ownerID}
		var payload []byte
		if err := rows.Scan(&rec.ID, &payload, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres scan %s: %w", collection, err)
		}
		rec.Payload = payload
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (p *PostgresBackend) Delete(ctx context.Context, collection, ownerID, id string) error {
	_, err := p.pool.Exec(ctx,
		`DELETE FROM records WHERE collection = $1 AND owner_id = $2 AND id = $3`,
		collection, ownerID, id)
	if err != nil {
		return fmt.Errorf("postgres delete %s/%s: %w", collection, id, err)
	}
	return nil
}

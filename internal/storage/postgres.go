package storage

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgtype"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"go.uber.org/zap"

	"roomchat/internal/storage/zapadapter"
)

const createDocumentsTable = `create table if not exists chat_documents (
	collection text not null,
	id         text not null,
	body       jsonb not null,
	updated_at timestamptz not null default now(),
	primary key (collection, id)
)`

// PostgresBackend stores documents in a single jsonb table keyed by (collection, id)
type PostgresBackend struct {
	logger *zap.SugaredLogger
	db     *pgxpool.Pool
}

// NewPostgresBackend sets provided zap.Logger via zapadapter to pgxpool.Pool, makes sure
// the documents table exists and returns instance of PostgresBackend
func NewPostgresBackend(ctx context.Context, logger *zap.SugaredLogger, cfg Config, opts ...Option) (*PostgresBackend, error) {
	config, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, err
	}
	config.ConnConfig.Logger = zapadapter.NewLogger(logger.Desugar())

	for _, opt := range opts {
		opt.apply(config)
	}

	pool, err := pgxpool.ConnectConfig(ctx, config)
	if err != nil {
		return nil, err
	}

	if _, err := pool.Exec(ctx, createDocumentsTable); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresBackend{
		logger: logger,
		db:     pool,
	}, nil
}

func (b *PostgresBackend) Load(ctx context.Context, collection, id string) ([]byte, error) {
	var body pgtype.JSONB
	sql := "select body from chat_documents where collection = $1 and id = $2"
	err := b.db.QueryRow(ctx, sql, collection, id).Scan(&body)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || isUndefinedTable(err) {
			return nil, nil
		}
		return nil, err
	}

	if body.Status != pgtype.Present {
		return nil, nil
	}

	return body.Bytes, nil
}

func (b *PostgresBackend) Store(ctx context.Context, collection, id string, doc []byte) error {
	body := pgtype.JSONB{Bytes: doc, Status: pgtype.Present}
	sql := `insert into chat_documents (collection, id, body, updated_at) values ($1, $2, $3, now())
			on conflict (collection, id) do update set body = excluded.body, updated_at = excluded.updated_at`
	_, err := b.db.Exec(ctx, sql, collection, id, &body)
	return err
}

func (b *PostgresBackend) Delete(ctx context.Context, collection, id string) error {
	sql := "delete from chat_documents where collection = $1 and id = $2"
	_, err := b.db.Exec(ctx, sql, collection, id)
	if isUndefinedTable(err) {
		return nil
	}
	return err
}

func (b *PostgresBackend) Dump(ctx context.Context, collection string) (map[string]json.RawMessage, error) {
	sql := "select id, body from chat_documents where collection = $1 order by id"
	rows, err := b.db.Query(ctx, sql, collection)
	if err != nil {
		if isUndefinedTable(err) {
			return map[string]json.RawMessage{}, nil
		}
		return nil, err
	}

	defer rows.Close()

	out := make(map[string]json.RawMessage)
	for rows.Next() {
		var (
			id   string
			body pgtype.JSONB
		)
		if err := rows.Scan(&id, &body); err != nil {
			return nil, err
		}
		out[id] = body.Bytes
	}

	if rows.Err() != nil {
		return nil, rows.Err()
	}

	return out, nil
}

func (b *PostgresBackend) Close() {
	b.db.Close()
}

// isUndefinedTable reports whether err is caused by a dropped documents table.
// A missing table reads as an empty collection.
func isUndefinedTable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.UndefinedTable
	}
	return false
}

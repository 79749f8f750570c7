package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

const schema = `
CREATE TABLE IF NOT EXISTS players (
	email           TEXT PRIMARY KEY,
	handle          TEXT NOT NULL UNIQUE,
	passhash        TEXT NOT NULL,
	passsalt        TEXT NOT NULL,
	passiterations  INTEGER NOT NULL,
	verified        BOOLEAN NOT NULL DEFAULT FALSE,
	verifytoken     TEXT NOT NULL DEFAULT '',
	state           TEXT NOT NULL,
	serverstate     TEXT NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS players_verifytoken ON players (verifytoken) WHERE verifytoken <> '';
`

const playerColumns = `email, handle, passhash, passsalt, passiterations, verified, verifytoken, state, serverstate, created_at`

// PostgresStore keeps players in PostgreSQL
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to url and checks the connection
func OpenPostgres(ctx context.Context, url string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// EnsureSchema creates the players table when it does not exist
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Transact(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(&postgresTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

type postgresTx struct {
	tx pgx.Tx
}

func scanPlayer(row pgx.Row) (*PlayerRecord, error) {
	record := new(PlayerRecord)
	err := row.Scan(
		&record.Email,
		&record.Handle,
		&record.PasswordHash,
		&record.Salt,
		&record.Iterations,
		&record.Verified,
		&record.VerifyToken,
		&record.State,
		&record.ServerState,
		&record.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return record, nil
}

func (t *postgresTx) FindPlayer(ctx context.Context, email, handle string) (*PlayerRecord, error) {
	row := t.tx.QueryRow(ctx,
		`SELECT `+playerColumns+` FROM players WHERE email = $1 OR handle = $2 ORDER BY email = $1 DESC LIMIT 1`,
		email, handle)
	return scanPlayer(row)
}

func (t *postgresTx) InsertPlayer(ctx context.Context, record *PlayerRecord) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO players (email, handle, passhash, passsalt, passiterations, verified, verifytoken, state, serverstate)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		record.Email, record.Handle, record.PasswordHash, record.Salt, record.Iterations,
		record.Verified, record.VerifyToken, record.State, record.ServerState)

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", ErrDuplicate, record.Email)
	}
	return err
}

func (t *postgresTx) SaveServerState(ctx context.Context, email, serverState string) error {
	tag, err := t.tx.Exec(ctx, `UPDATE players SET serverstate = $2 WHERE email = $1`, email, serverState)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, email)
	}
	return nil
}

func (t *postgresTx) Verify(ctx context.Context, token string) (*PlayerRecord, error) {
	if token == "" {
		return nil, ErrNotFound
	}
	row := t.tx.QueryRow(ctx,
		`UPDATE players SET verified = TRUE, verifytoken = '' WHERE verifytoken = $1 RETURNING `+playerColumns,
		token)
	return scanPlayer(row)
}

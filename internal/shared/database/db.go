// Package database implements the Postgres-backed token store.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/promptgate/promptgate/internal/auth"
)

const schema = `
CREATE TABLE IF NOT EXISTS tokens (
    id           TEXT PRIMARY KEY,
    token_hash   TEXT UNIQUE NOT NULL,
    subject      TEXT NOT NULL,
    scopes       TEXT NOT NULL,
    created_at   TIMESTAMPTZ NOT NULL,
    expires_at   TIMESTAMPTZ,
    revoked      BOOLEAN NOT NULL DEFAULT FALSE,
    last_used_at TIMESTAMPTZ
)`

// TokenDB is an auth.Store backed by Postgres.
type TokenDB struct {
	conn *sql.DB
}

// New opens the database and ensures the tokens table exists.
func New(databaseURL string) (*TokenDB, error) {
	conn, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Configure connection pool
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(10)
	conn.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("database ping failed: %w", err)
	}
	if _, err := conn.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("schema setup failed: %w", err)
	}

	return &TokenDB{conn: conn}, nil
}

func (db *TokenDB) Close() error {
	return db.conn.Close()
}

func (db *TokenDB) Get(ctx context.Context, hash string) (*auth.Token, error) {
	query := `
		SELECT id, token_hash, subject, scopes, created_at, expires_at, revoked, last_used_at
		FROM tokens
		WHERE token_hash = $1
	`

	var (
		tok    auth.Token
		scopes string
	)
	err := db.conn.QueryRowContext(ctx, query, hash).Scan(
		&tok.ID,
		&tok.Hash,
		&tok.Subject,
		&scopes,
		&tok.CreatedAt,
		&tok.ExpiresAt,
		&tok.Revoked,
		&tok.LastUsedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrTokenNotFound
	}
	if err != nil {
		return nil, &auth.StorageError{Op: "get", Err: err}
	}

	tok.Scopes = splitScopes(scopes)
	return &tok, nil
}

func (db *TokenDB) Save(ctx context.Context, token *auth.Token) error {
	query := `
		INSERT INTO tokens (id, token_hash, subject, scopes, created_at, expires_at, revoked, last_used_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (token_hash) DO UPDATE SET
			subject = EXCLUDED.subject,
			scopes = EXCLUDED.scopes,
			expires_at = EXCLUDED.expires_at,
			revoked = EXCLUDED.revoked,
			last_used_at = EXCLUDED.last_used_at
	`

	_, err := db.conn.ExecContext(ctx, query,
		token.ID,
		token.Hash,
		token.Subject,
		joinScopes(token.Scopes),
		token.CreatedAt,
		token.ExpiresAt,
		token.Revoked,
		token.LastUsedAt,
	)
	if err != nil {
		return &auth.StorageError{Op: "save", Err: err}
	}
	return nil
}

func (db *TokenDB) Revoke(ctx context.Context, hash string) error {
	_, err := db.conn.ExecContext(ctx, `UPDATE tokens SET revoked = TRUE WHERE token_hash = $1`, hash)
	if err != nil {
		return &auth.StorageError{Op: "revoke", Err: err}
	}
	return nil
}

func (db *TokenDB) Touch(ctx context.Context, hash string, at time.Time) error {
	_, err := db.conn.ExecContext(ctx, `UPDATE tokens SET last_used_at = $2 WHERE token_hash = $1`, hash, at)
	if err != nil {
		return &auth.StorageError{Op: "touch", Err: err}
	}
	return nil
}

func (db *TokenDB) List(ctx context.Context) ([]*auth.Token, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, token_hash, subject, scopes, created_at, expires_at, revoked, last_used_at
		FROM tokens ORDER BY created_at
	`)
	if err != nil {
		return nil, &auth.StorageError{Op: "list", Err: err}
	}
	defer rows.Close()

	var out []*auth.Token
	for rows.Next() {
		var (
			tok    auth.Token
			scopes string
		)
		if err := rows.Scan(&tok.ID, &tok.Hash, &tok.Subject, &scopes,
			&tok.CreatedAt, &tok.ExpiresAt, &tok.Revoked, &tok.LastUsedAt); err != nil {
			return nil, &auth.StorageError{Op: "list", Err: err}
		}
		tok.Scopes = splitScopes(scopes)
		out = append(out, &tok)
	}
	if err := rows.Err(); err != nil {
		return nil, &auth.StorageError{Op: "list", Err: err}
	}
	return out, nil
}

func joinScopes(scopes []auth.Scope) string {
	parts := make([]string, len(scopes))
	for i, s := range scopes {
		parts[i] = string(s)
	}
	return strings.Join(parts, ",")
}

func splitScopes(s string) []auth.Scope {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]auth.Scope, len(parts))
	for i, p := range parts {
		out[i] = auth.Scope(p)
	}
	return out
}

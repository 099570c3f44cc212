package kvstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"dtesync/pkg/platform/sentinel"
	"dtesync/pkg/platform/tx"
)

// DefaultTable is the table used when none is configured.
const DefaultTable = "dte_kv"

// PostgresStore keeps keys in a two-column table. Statements join a
// transaction carried in ctx (see pkg/platform/tx).
type PostgresStore struct {
	db    *sql.DB
	table string
	owned bool
}

// NewPostgres wraps db. table defaults to DefaultTable.
func NewPostgres(db *sql.DB, table string) (*PostgresStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database is required")
	}
	table = strings.TrimSpace(table)
	if table == "" {
		table = DefaultTable
	}
	return &PostgresStore{db: db, table: pq.QuoteIdentifier(table)}, nil
}

// Migrate creates the backing table if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	return tx.Run(ctx, s.db, func(ctx context.Context) error {
		exec := tx.Exec(ctx, s.db)
		stmt := `CREATE TABLE IF NOT EXISTS ` + s.table + ` (
			key        TEXT PRIMARY KEY,
			value      JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`
		if _, err := exec.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create kv table: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := tx.Exec(ctx, s.db).
		QueryRowContext(ctx, `SELECT value FROM `+s.table+` WHERE key = $1`, key).
		Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("key %q: %w", key, sentinel.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("select %q: %w", key, errors.Join(sentinel.ErrUnavailable, err))
	}
	return value, nil
}

func (s *PostgresStore) Set(ctx context.Context, key string, value []byte) error {
	if !validKey(key) {
		return fmt.Errorf("key is required")
	}
	_, err := tx.Exec(ctx, s.db).ExecContext(ctx,
		`INSERT INTO `+s.table+` (key, value, updated_at) VALUES ($1, $2, now())
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("upsert %q: %w", key, errors.Join(sentinel.ErrUnavailable, err))
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	if _, err := tx.Exec(ctx, s.db).ExecContext(ctx, `DELETE FROM `+s.table+` WHERE key = $1`, key); err != nil {
		return fmt.Errorf("delete %q: %w", key, errors.Join(sentinel.ErrUnavailable, err))
	}
	return nil
}

func (s *PostgresStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := tx.Exec(ctx, s.db).QueryContext(ctx,
		`SELECT key FROM `+s.table+` WHERE key LIKE $1 ESCAPE '\' ORDER BY key COLLATE "C"`,
		likeEscape(prefix)+"%",
	)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", errors.Join(sentinel.ErrUnavailable, err))
	}
	defer rows.Close()

	keys := make([]string, 0)
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	return keys, nil
}

func (s *PostgresStore) Close() error {
	if s.owned {
		return s.db.Close()
	}
	return nil
}

func likeEscape(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

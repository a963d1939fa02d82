// Copyright 2022 The emqx-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// PostgresConfig configures PostgresStore.
type PostgresConfig struct {
	DSN             string
	Table           string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// PostgresStore keeps metadata in a single key/value table. Create maps to
// INSERT ... ON CONFLICT DO NOTHING.
type PostgresStore struct {
	db    *sql.DB
	table string
}

// NewPostgresStore opens the database and creates the table when needed.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	table := cfg.Table
	if table == "" {
		table = "pulsar_metadata"
	}
	if !validIdentifier(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL connection: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	ddl := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (key TEXT PRIMARY KEY, value BYTEA NOT NULL)", table)
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create table %s: %w", table, err)
	}
	return &PostgresStore{db: db, table: table}, nil
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	q := fmt.Sprintf("SELECT value FROM %s WHERE key = $1", s.table)
	err := s.db.QueryRowContext(ctx, q, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres get %s: %w", key, err)
	}
	return value, nil
}

// Put implements Store.
func (s *PostgresStore) Put(ctx context.Context, key string, value []byte) error {
	q := fmt.Sprintf("INSERT INTO %s (key, value) VALUES ($1, $2) ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value", s.table)
	if _, err := s.db.ExecContext(ctx, q, key, value); err != nil {
		return fmt.Errorf("postgres put %s: %w", key, err)
	}
	return nil
}

// Create implements Store.
func (s *PostgresStore) Create(ctx context.Context, key string, value []byte) error {
	q := fmt.Sprintf("INSERT INTO %s (key, value) VALUES ($1, $2) ON CONFLICT (key) DO NOTHING", s.table)
	res, err := s.db.ExecContext(ctx, q, key, value)
	if err != nil {
		return fmt.Errorf("postgres create %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("postgres create %s: %w", key, err)
	}
	if n == 0 {
		return ErrExists
	}
	return nil
}

// Delete implements Store.
func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	q := fmt.Sprintf("DELETE FROM %s WHERE key = $1", s.table)
	if _, err := s.db.ExecContext(ctx, q, key); err != nil {
		return fmt.Errorf("postgres delete %s: %w", key, err)
	}
	return nil
}

// List implements Store.
func (s *PostgresStore) List(ctx context.Context, prefix string) ([]string, error) {
	q := fmt.Sprintf("SELECT key FROM %s WHERE key LIKE $1 ESCAPE '\\' ORDER BY key", s.table)
	rows, err := s.db.QueryContext(ctx, q, likeEscaper.Replace(prefix)+"%")
	if err != nil {
		return nil, fmt.Errorf("postgres list %s: %w", prefix, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Close implements Store.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

var likeEscaper = strings.NewReplacer("\\", "\\\\", "%", "\\%", "_", "\\_")

func validIdentifier(s string) bool {
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return s != ""
}

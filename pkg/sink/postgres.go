// Copyright 2023 The emqx-lite Authors
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

package sink

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/pkg/errors"
)

// PostgresConfig holds PostgreSQL-specific configuration.
type PostgresConfig struct {
	DSN   string `yaml:"dsn" json:"dsn"`
	Table string `yaml:"table" json:"table"`
	// CreateTable creates the table on startup if it does not exist.
	CreateTable  bool `yaml:"create_table" json:"create_table" split_words:"true"`
	MaxOpenConns int  `yaml:"max_open_conns" json:"max_open_conns" split_words:"true"`
}

// execer is the part of *sql.DB the backend uses.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// PostgresBackend inserts one row per point.
type PostgresBackend struct {
	db     execer
	close  func() error
	insert string
}

// NewPostgresBackend opens the database and verifies it is reachable.
func NewPostgresBackend(ctx context.Context, cfg PostgresConfig) (*PostgresBackend, error) {
	if cfg.Table == "" {
		return nil, errors.New("postgres table is required")
	}
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, errors.Wrap(err, "open postgres")
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	db.SetConnMaxIdleTime(10 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}
	b := newPostgresBackend(db, db.Close, cfg.Table)
	if cfg.CreateTable {
		if _, err := db.ExecContext(ctx, createTableQuery(cfg.Table)); err != nil {
			_ = db.Close()
			return nil, errors.Wrapf(err, "create table %s", cfg.Table)
		}
	}
	return b, nil
}

func newPostgresBackend(db execer, closeFn func() error, table string) *PostgresBackend {
	return &PostgresBackend{
		db:     db,
		close:  closeFn,
		insert: insertQuery(table),
	}
}

func insertQuery(table string) string {
	return fmt.Sprintf("INSERT INTO %s (topic, payload, recorded_at) VALUES ($1, $2, $3)",
		pq.QuoteIdentifier(table))
}

func createTableQuery(table string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id BIGSERIAL PRIMARY KEY,
	topic TEXT NOT NULL,
	payload BYTEA NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL
)`, pq.QuoteIdentifier(table))
}

func (b *PostgresBackend) Name() string { return string(TypePostgres) }

func (b *PostgresBackend) Write(ctx context.Context, p Point) error {
	if _, err := b.db.ExecContext(ctx, b.insert, p.Topic, p.Payload, p.Time); err != nil {
		return errors.Wrap(err, "insert point")
	}
	return nil
}

func (b *PostgresBackend) Close() error {
	if b.close == nil {
		return nil
	}
	return b.close()
}

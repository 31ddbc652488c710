package sqlstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/navraksha/relay/pkg/errmodel"
)

// migration is one versioned schema step. Steps must be non-destructive
// to records in partitions they do not touch.
type migration struct {
	version    int64
	statements []string
}

// Schema history. Version 2 added the kind column and attempt counter
// used by the outbound queue.
var migrations = []migration{
	{
		version: 1,
		statements: []string{
			`CREATE TABLE IF NOT EXISTS records (
				partition  TEXT    NOT NULL,
				id         BIGINT  NOT NULL,
				event_id   TEXT    NOT NULL DEFAULT '',
				payload    TEXT,
				created_at TEXT    NOT NULL,
				PRIMARY KEY (partition, id)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_records_partition ON records (partition)`,
			`CREATE INDEX IF NOT EXISTS idx_records_created_at ON records (partition, created_at)`,
		},
	},
	{
		version: 2,
		statements: []string{
			`ALTER TABLE records ADD COLUMN kind TEXT NOT NULL DEFAULT ''`,
			`ALTER TABLE records ADD COLUMN attempts BIGINT NOT NULL DEFAULT 0`,
			`CREATE INDEX IF NOT EXISTS idx_records_kind ON records (partition, kind)`,
		},
	},
}

// Migrate creates or upgrades the database schema. Each step runs at
// most once, inside a transaction together with its version record, so
// calling Migrate repeatedly is a no-op and a crashed upgrade leaves no
// half-applied version behind.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS schema_migrations (
			version    BIGINT PRIMARY KEY,
			applied_at TEXT   NOT NULL
		)`)
	if err != nil {
		return errmodel.Schema("create schema_migrations", err)
	}

	var current sql.NullInt64
	row := s.db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_migrations`)
	if err := row.Scan(&current); err != nil {
		return errmodel.Schema("read schema version", err)
	}

	for _, m := range migrations {
		if current.Valid && m.version <= current.Int64 {
			continue
		}
		if err := s.applyMigration(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) applyMigration(ctx context.Context, m migration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errmodel.Schema("begin migration tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range m.statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return errmodel.Schema("apply migration", err)
		}
	}
	_, err = tx.ExecContext(ctx, s.rebind(
		`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`),
		m.version, time.Now().UTC().Format(timeLayout))
	if err != nil {
		return errmodel.Schema("record migration", err)
	}
	if err := tx.Commit(); err != nil {
		return errmodel.Schema("commit migration", err)
	}
	return nil
}

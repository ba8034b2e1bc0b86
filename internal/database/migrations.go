package database

import _ "embed"

//go:embed schema.sql
var schemaSQL string

// Migrate applies the full schema. It's idempotent (every statement is
// CREATE ... IF NOT EXISTS) so it's safe to call on every startup rather
// than tracking a migration version table — the schema has never
// branched, so there's nothing to track yet.
func (db *DB) Migrate() error {
	if _, err := db.conn.Exec(schemaSQL); err != nil {
		return err
	}
	return nil
}

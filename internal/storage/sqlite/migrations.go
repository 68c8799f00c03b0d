package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/itsgrimetime/melee-decomp-sub001/internal/debug"
)

// migration is a named, idempotent schema change. Migrations run in order on
// every open; each one must be safe to re-run against a database that already
// has it applied.
type migration struct {
	name string
	run  func(ctx context.Context, db *sql.DB) error
}

var migrations = []migration{
	{
		name: "add_build_diagnosis_column",
		run: func(ctx context.Context, db *sql.DB) error {
			return addColumnIfMissing(ctx, db, "functions", "build_diagnosis", "TEXT NOT NULL DEFAULT ''")
		},
	},
	{
		name: "add_scratch_claim_token_column",
		run: func(ctx context.Context, db *sql.DB) error {
			return addColumnIfMissing(ctx, db, "scratches", "claim_token", "TEXT NOT NULL DEFAULT ''")
		},
	},
}

// runMigrations applies pending migrations and records the schema version.
// A database written by a newer major schema version is rejected rather than
// silently corrupted.
func runMigrations(ctx context.Context, db *sql.DB) error {
	var existing string
	err := db.QueryRowContext(ctx, "SELECT value FROM meta WHERE key = 'schema_version'").Scan(&existing)
	switch {
	case err == sql.ErrNoRows:
		// Fresh database.
	case err != nil:
		return fmt.Errorf("failed to read schema version: %w", err)
	case existing > schemaVersion:
		return fmt.Errorf("database schema version %s is newer than supported version %s; upgrade the decomp tool", existing, schemaVersion)
	}

	for _, m := range migrations {
		if err := m.run(ctx, db); err != nil {
			return fmt.Errorf("migration %s failed: %w", m.name, err)
		}
		debug.Logf("migration %s applied", m.name)
	}

	_, err = db.ExecContext(ctx,
		"INSERT INTO meta (key, value) VALUES ('schema_version', ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		schemaVersion)
	if err != nil {
		return fmt.Errorf("failed to record schema version: %w", err)
	}
	return nil
}

func addColumnIfMissing(ctx context.Context, db *sql.DB, table, column, decl string) error {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return err
	}
	defer rows.Close()

	found := false
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notnull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return err
		}
		if name == column {
			found = true
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if found {
		return nil
	}
	_, err = db.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, decl))
	return err
}

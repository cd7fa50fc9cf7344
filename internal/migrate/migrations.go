// Package migrate applies the embedded schema steps to a workspace database.
package migrate

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"
)

//go:embed sql/*.sql
var schemaFS embed.FS

// A step is one numbered schema file, named NNN_description.sql.
type step struct {
	version int
	file    string
	stmts   string
}

func steps() ([]step, error) {
	entries, err := fs.ReadDir(schemaFS, "sql")
	if err != nil {
		return nil, err
	}
	out := make([]step, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		prefix, _, ok := strings.Cut(e.Name(), "_")
		if !ok {
			return nil, fmt.Errorf("schema file %s has no version prefix", e.Name())
		}
		v, err := strconv.Atoi(prefix)
		if err != nil {
			return nil, fmt.Errorf("schema file %s: version prefix is not a number", e.Name())
		}
		body, err := schemaFS.ReadFile("sql/" + e.Name())
		if err != nil {
			return nil, err
		}
		out = append(out, step{version: v, file: e.Name(), stmts: string(body)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

// SchemaVersion reports the last applied step, 0 for a fresh database.
func SchemaVersion(conn *sql.DB) (int, error) {
	var v int
	err := conn.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		if isMissingTable(err) {
			return 0, nil
		}
		return 0, err
	}
	return v, nil
}

func isMissingTable(err error) bool {
	return strings.Contains(err.Error(), "no such table")
}

// Migrate brings the database up to the newest embedded step. Each step runs
// in its own transaction together with the version bump, so a failed step
// leaves the database at the last good version.
func Migrate(conn *sql.DB) error {
	all, err := steps()
	if err != nil {
		return err
	}
	if _, err := conn.Exec(`CREATE TABLE IF NOT EXISTS schema_version(version INTEGER NOT NULL);`); err != nil {
		return fmt.Errorf("prepare schema_version: %w", err)
	}
	current, err := SchemaVersion(conn)
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	for _, s := range all {
		if s.version <= current {
			continue
		}
		if err := applyStep(conn, s); err != nil {
			return err
		}
		current = s.version
	}
	return nil
}

func applyStep(conn *sql.DB, s step) error {
	tx, err := conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(s.stmts); err != nil {
		return fmt.Errorf("apply %s: %w", s.file, err)
	}
	if _, err := tx.Exec(`DELETE FROM schema_version`); err != nil {
		return fmt.Errorf("bump to %d: %w", s.version, err)
	}
	if _, err := tx.Exec(`INSERT INTO schema_version(version) VALUES (?)`, s.version); err != nil {
		return fmt.Errorf("bump to %d: %w", s.version, err)
	}
	return tx.Commit()
}

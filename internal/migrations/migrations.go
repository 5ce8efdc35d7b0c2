// Package migrations applies the embedded schema for the fixed warehouse
// tables. Per-year raw and derived tables are created by the pipeline itself.
package migrations

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"circularity-platform/pkg/database"
	"circularity-platform/pkg/logging"
)

//go:embed sql/*.sql
var files embed.FS

// Migration is one numbered schema step.
type Migration struct {
	Version int
	Name    string
	Up      string
	Down    string
}

// All returns the embedded migrations in version order.
func All() ([]Migration, error) {
	names, err := fs.Glob(files, "sql/*.sql")
	if err != nil {
		return nil, err
	}

	byVersion := make(map[int]*Migration)
	for _, path := range names {
		base := strings.TrimPrefix(path, "sql/")
		stem, direction, ok := cutDirection(base)
		if !ok {
			return nil, fmt.Errorf("migration %s: expected .up.sql or .down.sql", base)
		}
		num, name, ok := strings.Cut(stem, "_")
		if !ok {
			return nil, fmt.Errorf("migration %s: missing version prefix", base)
		}
		version, err := strconv.Atoi(num)
		if err != nil {
			return nil, fmt.Errorf("migration %s: invalid version: %w", base, err)
		}

		body, err := files.ReadFile(path)
		if err != nil {
			return nil, err
		}
		m, ok := byVersion[version]
		if !ok {
			m = &Migration{Version: version, Name: name}
			byVersion[version] = m
		}
		if direction == "up" {
			m.Up = string(body)
		} else {
			m.Down = string(body)
		}
	}

	out := make([]Migration, 0, len(byVersion))
	for _, m := range byVersion {
		if m.Up == "" || m.Down == "" {
			return nil, fmt.Errorf("migration %03d_%s: missing up or down script", m.Version, m.Name)
		}
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func cutDirection(name string) (string, string, bool) {
	if s, ok := strings.CutSuffix(name, ".up.sql"); ok {
		return s, "up", true
	}
	if s, ok := strings.CutSuffix(name, ".down.sql"); ok {
		return s, "down", true
	}
	return "", "", false
}

// statements splits a script on semicolons at line ends. The scripts hold
// plain DDL without procedural bodies.
func statements(script string) []string {
	var out []string
	for _, s := range strings.Split(script, ";\n") {
		s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), ";"))
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

const ledgerDDL = `CREATE TABLE IF NOT EXISTS schema_migrations (
    version    INTEGER PRIMARY KEY,
    name       TEXT NOT NULL,
    applied_at TEXT NOT NULL
)`

// Applied returns the versions already applied, ascending.
func Applied(ctx context.Context, db *database.DB) ([]int, error) {
	if _, err := db.ExecContext(ctx, "migrations_ledger", ledgerDDL); err != nil {
		return nil, fmt.Errorf("failed to create migration ledger: %w", err)
	}
	var versions []int
	if err := db.SelectContext(ctx, "migrations_applied", &versions,
		`SELECT version FROM schema_migrations ORDER BY version`); err != nil {
		return nil, fmt.Errorf("failed to read migration ledger: %w", err)
	}
	return versions, nil
}

// Up applies every pending migration, each in its own transaction. It
// returns the number applied.
func Up(ctx context.Context, db *database.DB, logger *logging.StructuredLogger) (int, error) {
	all, err := All()
	if err != nil {
		return 0, err
	}
	applied, err := Applied(ctx, db)
	if err != nil {
		return 0, err
	}
	done := make(map[int]bool, len(applied))
	for _, v := range applied {
		done[v] = true
	}

	n := 0
	for _, m := range all {
		if done[m.Version] {
			continue
		}
		err := db.RunTx(ctx, "migrate_up", func(tx *sqlx.Tx) error {
			for _, stmt := range statements(m.Up) {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return err
				}
			}
			_, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)`),
				m.Version, m.Name, time.Now().UTC().Format(time.RFC3339))
			return err
		})
		if err != nil {
			return n, fmt.Errorf("failed to apply migration %03d_%s: %w", m.Version, m.Name, err)
		}
		logger.Info(ctx, "[MIGRATE_UP] Migration applied", logging.Fields{
			"version": m.Version,
			"name":    m.Name,
		})
		n++
	}
	return n, nil
}

// Down reverts the most recent steps migrations. It returns the number
// reverted.
func Down(ctx context.Context, db *database.DB, logger *logging.StructuredLogger, steps int) (int, error) {
	all, err := All()
	if err != nil {
		return 0, err
	}
	byVersion := make(map[int]Migration, len(all))
	for _, m := range all {
		byVersion[m.Version] = m
	}
	applied, err := Applied(ctx, db)
	if err != nil {
		return 0, err
	}

	n := 0
	for i := len(applied) - 1; i >= 0 && n < steps; i-- {
		m, ok := byVersion[applied[i]]
		if !ok {
			return n, fmt.Errorf("applied migration %d is not embedded in this binary", applied[i])
		}
		err := db.RunTx(ctx, "migrate_down", func(tx *sqlx.Tx) error {
			for _, stmt := range statements(m.Down) {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return err
				}
			}
			_, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM schema_migrations WHERE version = ?`), m.Version)
			return err
		})
		if err != nil {
			return n, fmt.Errorf("failed to revert migration %03d_%s: %w", m.Version, m.Name, err)
		}
		logger.Info(ctx, "[MIGRATE_DOWN] Migration reverted", logging.Fields{
			"version": m.Version,
			"name":    m.Name,
		})
		n++
	}
	return n, nil
}

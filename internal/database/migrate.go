package database

import (
	"database/sql"
	"fmt"

	"go.uber.org/zap"
)

func getSchemaVersion(conn *sql.DB) (int, error) {
	var version int
	if err := conn.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("reading schema version: %w", err)
	}
	return version, nil
}

func setSchemaVersion(conn *sql.DB, version int) error {
	// PRAGMA does not take bind parameters.
	if _, err := conn.Exec(fmt.Sprintf("PRAGMA user_version = %d", version)); err != nil {
		return fmt.Errorf("setting schema version %d: %w", version, err)
	}
	return nil
}

func tableExists(conn *sql.DB, name string) (bool, error) {
	var n int
	err := conn.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", name,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("looking up table %s: %w", name, err)
	}
	return n > 0, nil
}

// inferVersion finds the last migration whose tables are all present in
// an unversioned database. Steps are checked in order and the first gap
// ends the search.
func inferVersion(conn *sql.DB) (int, error) {
	version := 0
	for _, m := range migrations {
		for _, table := range m.Tables {
			ok, err := tableExists(conn, table)
			if err != nil {
				return 0, err
			}
			if !ok {
				return version, nil
			}
		}
		version = m.Version
	}
	return version, nil
}

func applyMigration(conn *sql.DB, m Migration) error {
	tx, err := conn.Begin()
	if err != nil {
		return fmt.Errorf("migration %d: begin: %w", m.Version, err)
	}
	if err := m.Up(tx); err != nil {
		tx.Rollback()
		return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("migration %d: commit: %w", m.Version, err)
	}
	// modernc/sqlite needs user_version set outside the transaction.
	// Migration DDL is idempotent, so a crash here re-runs it.
	return setSchemaVersion(conn, m.Version)
}

// migrate applies every migration newer than the stored user_version.
func migrate(conn *sql.DB, logger *zap.Logger) error {
	current, err := getSchemaVersion(conn)
	if err != nil {
		return err
	}

	if current == 0 {
		inferred, err := inferVersion(conn)
		if err != nil {
			return err
		}
		if inferred > 0 {
			logger.Info("unversioned database, stamping from existing tables", zap.Int("version", inferred))
			if err := setSchemaVersion(conn, inferred); err != nil {
				return err
			}
			current = inferred
		}
	}

	if latest := latestVersion(); current > latest {
		return fmt.Errorf("schema version %d is newer than supported version %d", current, latest)
	}
	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		logger.Info("applying migration", zap.Int("version", m.Version), zap.String("description", m.Description))
		if err := applyMigration(conn, m); err != nil {
			return err
		}
	}
	return nil
}

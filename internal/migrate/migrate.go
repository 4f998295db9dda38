// Copyright 2025 James Ross
package migrate

import (
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// Run applies all pending migrations from dir against databaseURL, holding a
// Postgres advisory lock keyed on schemaPrefix so concurrent migrators
// serialize instead of racing DDL. Migrations must be idempotent; ErrNoChange
// is not an error.
func Run(databaseURL, dir, schemaPrefix string) error {
	conn, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return fmt.Errorf("migrate: open: %w", err)
	}
	defer conn.Close()

	lockKey := advisoryLockKey(schemaPrefix)
	if _, err := conn.Exec(`SELECT pg_advisory_lock($1)`, lockKey); err != nil {
		return fmt.Errorf("migrate: acquire advisory lock: %w", err)
	}
	defer conn.Exec(`SELECT pg_advisory_unlock($1)`, lockKey)

	m, err := migrate.New("file://"+dir, databaseURL)
	if err != nil {
		return fmt.Errorf("migrate: new: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate: up: %w", err)
	}
	return nil
}

// advisoryLockKey hashes "engram_migrate:<schemaPrefix|default>" to a stable
// bigint suitable for pg_advisory_lock.
func advisoryLockKey(schemaPrefix string) int64 {
	if schemaPrefix == "" {
		schemaPrefix = "default"
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte("engram_migrate:" + schemaPrefix))
	return int64(h.Sum64())
}

// ApplyRoles grants the restricted application role access to the schema
// when PublicPolicy requires it. Grounded on the migrator's narrower
// privilege model: the admin connection owns DDL, the app connection only
// gets DML on the tables it needs.
func ApplyRoles(databaseURL, appRole string, strict bool) error {
	conn, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return fmt.Errorf("migrate: apply roles: open: %w", err)
	}
	defer conn.Close()

	stmts := []string{
		fmt.Sprintf(`GRANT USAGE ON SCHEMA public TO %s`, pqIdent(appRole)),
		fmt.Sprintf(`GRANT SELECT, INSERT, UPDATE ON ALL TABLES IN SCHEMA public TO %s`, pqIdent(appRole)),
	}
	if strict {
		stmts = append(stmts, fmt.Sprintf(`REVOKE DELETE ON ALL TABLES IN SCHEMA public FROM %s`, pqIdent(appRole)))
	}
	for _, s := range stmts {
		if _, err := conn.Exec(s); err != nil {
			return fmt.Errorf("migrate: apply roles: %w", err)
		}
	}
	return nil
}

func pqIdent(name string) string {
	return `"` + name + `"`
}

package migrate

import (
	"bytes"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"text/template"
)

//go:embed sql/*.sql
var migrationsFS embed.FS

type Migration struct {
	Version int
	Name    string
	UpSQL   string
}

// Tables names the configurable tables the schema is rendered against.
type Tables struct {
	FaultsTable    string
	EquipmentTable string
}

var funcs = template.FuncMap{
	// ident turns a possibly schema-qualified table name into something
	// usable inside an index name.
	"ident": func(s string) string { return strings.ReplaceAll(s, ".", "_") },
}

func loadMigrations(tables Tables) ([]Migration, error) {
	files, err := fs.ReadDir(migrationsFS, "sql")
	if err != nil {
		return nil, err
	}
	var migrations []Migration
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		data, err := migrationsFS.ReadFile("sql/" + f.Name())
		if err != nil {
			return nil, err
		}
		var v int
		_, err = fmt.Sscanf(f.Name(), "%d_", &v)
		if err != nil {
			return nil, fmt.Errorf("invalid migration filename %s: %w", f.Name(), err)
		}
		tpl, err := template.New(f.Name()).Funcs(funcs).Parse(string(data))
		if err != nil {
			return nil, fmt.Errorf("parse migration %s: %w", f.Name(), err)
		}
		var buf bytes.Buffer
		if err := tpl.Execute(&buf, tables); err != nil {
			return nil, fmt.Errorf("render migration %s: %w", f.Name(), err)
		}
		migrations = append(migrations, Migration{
			Version: v,
			Name:    f.Name(),
			UpSQL:   buf.String(),
		})
	}
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].Version < migrations[j].Version })
	return migrations, nil
}

// Migrate bootstraps a local sqlite workspace by applying the embedded
// migrations in order. Shared mysql and postgres databases are provisioned
// by their owners and never migrated from here.
func Migrate(db *sql.DB, tables Tables) error {
	if tables.FaultsTable == "" || tables.EquipmentTable == "" {
		return fmt.Errorf("table names required")
	}
	migrations, err := loadMigrations(tables)
	if err != nil {
		return err
	}
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`CREATE TABLE IF NOT EXISTS schema_version(version INTEGER NOT NULL);`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	var currentVersion int
	err = tx.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&currentVersion)
	if err == sql.ErrNoRows {
		if _, err := tx.Exec(`INSERT INTO schema_version(version) VALUES (0)`); err != nil {
			return fmt.Errorf("init schema_version: %w", err)
		}
		currentVersion = 0
	} else if err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= currentVersion {
			continue
		}
		if _, err := tx.Exec(m.UpSQL); err != nil {
			return fmt.Errorf("migration %s: %w", m.Name, err)
		}
		if _, err := tx.Exec(`UPDATE schema_version SET version=?`, m.Version); err != nil {
			return fmt.Errorf("update schema_version: %w", err)
		}
		currentVersion = m.Version
	}
	return tx.Commit()
}

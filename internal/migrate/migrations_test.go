package migrate

import (
	"strings"
	"testing"

	"faultdesk/internal/db"
)

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()
	tables := Tables{FaultsTable: "equipment_faults", EquipmentTable: "equipments"}
	if err := Migrate(conn, tables); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := Migrate(conn, tables); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	var version int
	if err := conn.QueryRow(`SELECT version FROM schema_version`).Scan(&version); err != nil {
		t.Fatalf("read version: %v", err)
	}
	if version != 2 {
		t.Fatalf("version = %d, want 2", version)
	}
	for _, table := range []string{"equipment_faults", "equipments", "events", "api_keys"} {
		var name string
		if err := conn.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name); err != nil {
			t.Fatalf("table %s missing: %v", table, err)
		}
	}
}

func TestMigrateRendersTableNames(t *testing.T) {
	migrations, err := loadMigrations(Tables{FaultsTable: "faults_x", EquipmentTable: "eq_x"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(migrations) == 0 {
		t.Fatalf("no migrations")
	}
	sql := migrations[0].UpSQL
	for _, want := range []string{"CREATE TABLE IF NOT EXISTS faults_x", "CREATE TABLE IF NOT EXISTS eq_x", "idx_faults_x_fault_id"} {
		if !strings.Contains(sql, want) {
			t.Fatalf("rendered sql missing %q", want)
		}
	}
}

func TestMigrateRequiresTables(t *testing.T) {
	if err := Migrate(nil, Tables{}); err == nil {
		t.Fatalf("expected error")
	}
}

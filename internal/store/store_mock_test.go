package store

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"faultdesk/internal/db"
)

func TestInsertRollsBackWhenEventFails(t *testing.T) {
	conn, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer conn.Close()

	s := New(conn, Options{Driver: db.DriverMySQL, RecordEvents: true})
	s.NewID = func() string { return "row-1" }

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO equipment_faults (id,equipment_id,fault_type")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO events (ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)")).
		WillReturnError(errors.New("events table missing"))
	mock.ExpectRollback()

	_, err = s.Insert(context.Background(), record("A013", "EQ1", "High", time.Now()), "op-1")
	var se *StoreError
	if !errors.As(err, &se) || se.Op != "append event" {
		t.Fatalf("expected append event store error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestInsertHonoursDeadline(t *testing.T) {
	conn, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer conn.Close()

	s := New(conn, Options{Driver: db.DriverMySQL})
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO equipment_faults")).
		WillDelayFor(time.Second).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectRollback()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = s.Insert(ctx, record("A013", "EQ1", "High", time.Now()), "")
	if err == nil {
		t.Fatalf("expected timeout error")
	}
	var se *StoreError
	if !errors.As(err, &se) {
		t.Fatalf("expected store error, got %T", err)
	}
}

func TestPgxUsesDollarPlaceholders(t *testing.T) {
	conn, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer conn.Close()

	s := New(conn, Options{Driver: db.DriverPgx, FaultsTable: "inel.equipment_faults"})
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM inel.equipment_faults")).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT fault_id FROM inel.equipment_faults WHERE fault_id IS NOT NULL")).
		WillReturnRows(sqlmock.NewRows([]string{"fault_id"}).AddRow("A001").AddRow(nil))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, ts, type, entity_kind, entity_id, actor_id, payload_json FROM events WHERE id > $1 ORDER BY id ASC LIMIT 100")).
		WithArgs(int64(4)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "ts", "type", "entity_kind", "entity_id", "actor_id", "payload_json"}))

	n, err := s.FaultRecordCount(context.Background())
	if err != nil || n != 7 {
		t.Fatalf("count = %d, err = %v", n, err)
	}
	ids, err := s.AllHistoricalFaultIdentifiers(context.Background())
	if err != nil || len(ids) != 1 || ids[0] != "A001" {
		t.Fatalf("ids = %v, err = %v", ids, err)
	}
	if _, err := s.EventsAfter(context.Background(), 0, 4); err != nil {
		t.Fatalf("events after: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestReadFailureIsStoreError(t *testing.T) {
	conn, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer conn.Close()

	s := New(conn, Options{Driver: db.DriverMySQL})
	boom := errors.New("connection reset")
	mock.ExpectQuery(regexp.QuoteMeta("SELECT equipment_id, equipment_name, production_line_id FROM equipments")).
		WillReturnError(boom)
	_, err = s.ListEquipment(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped driver error, got %v", err)
	}
}

// Package store persists fault records and serves the reads the directory,
// identifier policy and renderers need. Queries are built with squirrel so
// one code path serves sqlite, mysql and postgres.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"faultdesk/internal/db"
	"faultdesk/internal/domain"
	"faultdesk/internal/events"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrDuplicateFaultID = errors.New("fault id already recorded")
)

// StoreError wraps a driver failure with the operation that hit it.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrDuplicateFaultID) {
		return err
	}
	return &StoreError{Op: op, Err: errors.WithStack(err)}
}

// Options configures a Store.
type Options struct {
	Driver         string
	FaultsTable    string
	EquipmentTable string
	QueryTimeout   time.Duration
	UniqueFaultIDs bool
	RecordEvents   bool
}

type Store struct {
	DB             *sql.DB
	Builder        sq.StatementBuilderType
	FaultsTable    string
	EquipmentTable string
	QueryTimeout   time.Duration
	UniqueFaultIDs bool
	RecordEvents   bool
	Events         events.Writer
	Now            func() time.Time
	NewID          func() string
}

// New returns a Store over conn.
func New(conn *sql.DB, opts Options) Store {
	b := db.Builder(opts.Driver)
	faults := opts.FaultsTable
	if faults == "" {
		faults = "equipment_faults"
	}
	equipment := opts.EquipmentTable
	if equipment == "" {
		equipment = "equipments"
	}
	return Store{
		DB:             conn,
		Builder:        b,
		FaultsTable:    faults,
		EquipmentTable: equipment,
		QueryTimeout:   opts.QueryTimeout,
		UniqueFaultIDs: opts.UniqueFaultIDs,
		RecordEvents:   opts.RecordEvents,
		Events:         events.Writer{Builder: b},
	}
}

// Ack confirms a committed insert.
type Ack struct {
	ID         string    `json:"id"`
	FaultID    string    `json:"fault_id"`
	RecordedAt time.Time `json:"recorded_at"`
}

func (s Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s Store) newID() string {
	if s.NewID != nil {
		return s.NewID()
	}
	return uuid.NewString()
}

func (s Store) queryCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.QueryTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.QueryTimeout)
}

// Insert writes rec and, when enabled, its fault.recorded event in one
// transaction. Any failure rolls back, so a failed call leaves no row.
// The caller bounds the call with ctx.
func (s Store) Insert(ctx context.Context, rec domain.FaultRecord, actorID string) (Ack, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return Ack{}, wrap("begin insert", err)
	}
	defer tx.Rollback()

	if s.UniqueFaultIDs {
		query, args, err := s.Builder.Select("COUNT(*)").From(s.FaultsTable).
			Where(sq.Eq{"fault_id": rec.FaultID}).ToSql()
		if err != nil {
			return Ack{}, wrap("build duplicate check", err)
		}
		var n int
		if err := tx.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
			return Ack{}, wrap("duplicate check", err)
		}
		if n > 0 {
			return Ack{}, ErrDuplicateFaultID
		}
	}

	ack := Ack{ID: s.newID(), FaultID: rec.FaultID, RecordedAt: s.now().UTC()}
	var resolution any
	if rec.ResolutionTimestamp != nil {
		resolution = rec.ResolutionTimestamp.UTC()
	}
	var description any
	if rec.Description != nil {
		description = *rec.Description
	}
	query, args, err := s.Builder.Insert(s.FaultsTable).
		Columns(
			"id", "equipment_id", "fault_type", "severity_level", "equipment_status",
			"fault_date", "resolution_date", "product_id", "fault_status",
			"message_received_ts", "description", "fault_id", "recorded_by", "recorded_at",
		).
		Values(
			ack.ID, rec.EquipmentKey, rec.FaultType, rec.SeverityLevel, rec.EquipmentStatus,
			rec.FaultTimestamp.UTC(), resolution, rec.ProductID, rec.FaultStatus,
			rec.MessageReceivedTimestamp.UTC(), description, rec.FaultID, nullable(actorID), ack.RecordedAt,
		).ToSql()
	if err != nil {
		return Ack{}, wrap("build insert", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return Ack{}, wrap("insert fault", err)
	}
	if s.RecordEvents {
		if actorID == "" {
			actorID = "unknown"
		}
		payload := events.EventPayload{
			"fault_id":       rec.FaultID,
			"equipment_key":  rec.EquipmentKey,
			"fault_type":     rec.FaultType,
			"severity_level": rec.SeverityLevel,
			"fault_status":   rec.FaultStatus,
		}
		if err := s.Events.Append(ctx, tx, events.TypeFaultRecorded, events.KindFault, ack.ID, actorID, payload); err != nil {
			return Ack{}, wrap("append event", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return Ack{}, wrap("commit insert", err)
	}
	return ack, nil
}

// ListEquipment returns the equipment directory ordered by key.
func (s Store) ListEquipment(ctx context.Context) ([]domain.EquipmentEntry, error) {
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()
	query, args, err := s.Builder.Select("equipment_id", "equipment_name", "production_line_id").
		From(s.EquipmentTable).OrderBy("equipment_id").ToSql()
	if err != nil {
		return nil, wrap("build list equipment", err)
	}
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrap("list equipment", err)
	}
	defer rows.Close()
	var res []domain.EquipmentEntry
	for rows.Next() {
		var e domain.EquipmentEntry
		var name, line sql.NullString
		if err := rows.Scan(&e.EquipmentKey, &name, &line); err != nil {
			return nil, wrap("scan equipment", err)
		}
		e.DisplayName = name.String
		e.ProductionLine = line.String
		res = append(res, e)
	}
	return res, wrap("list equipment", rows.Err())
}

// DistinctHistoricalEquipmentKeys returns every equipment key that appears in
// the fault table, ordered.
func (s Store) DistinctHistoricalEquipmentKeys(ctx context.Context) ([]string, error) {
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()
	query, args, err := s.Builder.Select("equipment_id").Distinct().From(s.FaultsTable).
		Where(sq.NotEq{"equipment_id": nil}).OrderBy("equipment_id").ToSql()
	if err != nil {
		return nil, wrap("build distinct equipment", err)
	}
	return s.queryStrings(ctx, "distinct equipment", query, args)
}

// AllHistoricalFaultIdentifiers returns every non-null fault id, unordered.
func (s Store) AllHistoricalFaultIdentifiers(ctx context.Context) ([]string, error) {
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()
	query, args, err := s.Builder.Select("fault_id").From(s.FaultsTable).
		Where(sq.NotEq{"fault_id": nil}).ToSql()
	if err != nil {
		return nil, wrap("build fault ids", err)
	}
	return s.queryStrings(ctx, "fault ids", query, args)
}

// FaultRecordCount returns the number of stored fault records.
func (s Store) FaultRecordCount(ctx context.Context) (int, error) {
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()
	query, args, err := s.Builder.Select("COUNT(*)").From(s.FaultsTable).ToSql()
	if err != nil {
		return 0, wrap("build count", err)
	}
	var n int
	if err := s.DB.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, wrap("count faults", err)
	}
	return n, nil
}

func (s Store) queryStrings(ctx context.Context, op, query string, args []any) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrap(op, err)
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var v sql.NullString
		if err := rows.Scan(&v); err != nil {
			return nil, wrap(op, err)
		}
		if v.Valid {
			res = append(res, v.String)
		}
	}
	return res, wrap(op, rows.Err())
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

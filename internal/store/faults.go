package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/pkg/errors"

	"faultdesk/internal/domain"
)

const defaultFaultLimit = 50

// FaultFilter narrows ListFaults. Cursor is the opaque value returned by a
// previous page.
type FaultFilter struct {
	EquipmentKey  string
	SeverityLevel string
	FaultStatus   string
	Since         *time.Time
	Limit         int
	Cursor        string
}

// ListFaults returns faults newest first, paged by (fault_date, id).
func (s Store) ListFaults(ctx context.Context, f FaultFilter) ([]domain.StoredFault, string, error) {
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()
	limit := f.Limit
	if limit <= 0 {
		limit = defaultFaultLimit
	}
	q := s.Builder.Select(
		"id", "equipment_id", "fault_type", "severity_level", "equipment_status",
		"fault_date", "resolution_date", "product_id", "fault_status",
		"message_received_ts", "description", "fault_id", "recorded_by", "recorded_at",
	).From(s.FaultsTable)
	if f.EquipmentKey != "" {
		q = q.Where(sq.Eq{"equipment_id": f.EquipmentKey})
	}
	if f.SeverityLevel != "" {
		q = q.Where(sq.Eq{"severity_level": f.SeverityLevel})
	}
	if f.FaultStatus != "" {
		q = q.Where(sq.Eq{"fault_status": f.FaultStatus})
	}
	if f.Since != nil {
		q = q.Where(sq.GtOrEq{"fault_date": f.Since.UTC()})
	}
	if f.Cursor != "" {
		ts, id, err := DecodeCursor(f.Cursor)
		if err != nil {
			return nil, "", err
		}
		q = q.Where(sq.Or{
			sq.Lt{"fault_date": ts},
			sq.And{sq.Eq{"fault_date": ts}, sq.Lt{"id": id}},
		})
	}
	query, args, err := q.OrderBy("fault_date DESC", "id DESC").Limit(uint64(limit + 1)).ToSql()
	if err != nil {
		return nil, "", wrap("build list faults", err)
	}
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, "", wrap("list faults", err)
	}
	defer rows.Close()
	var res []domain.StoredFault
	for rows.Next() {
		var (
			sf                          domain.StoredFault
			faultTS, received, recorded dbTime
			resolution                  dbTime
			description, recordedBy     sql.NullString
		)
		if err := rows.Scan(&sf.ID, &sf.EquipmentKey, &sf.FaultType, &sf.SeverityLevel, &sf.EquipmentStatus,
			&faultTS, &resolution, &sf.ProductID, &sf.FaultStatus,
			&received, &description, &sf.FaultID, &recordedBy, &recorded); err != nil {
			return nil, "", wrap("scan fault", err)
		}
		sf.FaultTimestamp = faultTS.Time
		sf.MessageReceivedTimestamp = received.Time
		if resolution.Valid {
			t := resolution.Time
			sf.ResolutionTimestamp = &t
		}
		if description.Valid {
			d := description.String
			sf.Description = &d
		}
		sf.RecordedBy = recordedBy.String
		if recorded.Valid {
			sf.RecordedAt = recorded.Time.UTC().Format(time.RFC3339)
		}
		res = append(res, sf)
	}
	if err := rows.Err(); err != nil {
		return nil, "", wrap("list faults", err)
	}
	next := ""
	if len(res) > limit {
		res = res[:limit]
		last := res[len(res)-1]
		next = EncodeCursor(last.FaultTimestamp, last.ID)
	}
	return res, next, nil
}

// DailyCounts returns the number of faults per UTC day and severity since the
// given time, ordered by day then severity.
func (s Store) DailyCounts(ctx context.Context, since time.Time) ([]domain.DailyCount, error) {
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()
	query, args, err := s.Builder.Select("fault_date", "severity_level").From(s.FaultsTable).
		Where(sq.GtOrEq{"fault_date": since.UTC()}).ToSql()
	if err != nil {
		return nil, wrap("build daily counts", err)
	}
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrap("daily counts", err)
	}
	defer rows.Close()
	type bucket struct{ day, severity string }
	counts := map[bucket]int{}
	for rows.Next() {
		var ts dbTime
		var severity string
		if err := rows.Scan(&ts, &severity); err != nil {
			return nil, wrap("scan daily counts", err)
		}
		counts[bucket{day: ts.Time.UTC().Format("2006-01-02"), severity: severity}]++
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("daily counts", err)
	}
	res := make([]domain.DailyCount, 0, len(counts))
	for b, n := range counts {
		res = append(res, domain.DailyCount{Day: b.day, SeverityLevel: b.severity, Count: n})
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].Day != res[j].Day {
			return res[i].Day < res[j].Day
		}
		return res[i].SeverityLevel < res[j].SeverityLevel
	})
	return res, nil
}

// EncodeCursor renders a keyset cursor for ListFaults.
func EncodeCursor(ts time.Time, id string) string {
	return ts.UTC().Format(time.RFC3339Nano) + "|" + id
}

// DecodeCursor parses a cursor produced by EncodeCursor.
func DecodeCursor(cursor string) (time.Time, string, error) {
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[1] == "" {
		return time.Time{}, "", errors.Errorf("invalid cursor %q", cursor)
	}
	ts, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return time.Time{}, "", errors.Wrapf(err, "invalid cursor %q", cursor)
	}
	return ts, parts[1], nil
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999 -0700 MST",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02",
}

// dbTime scans timestamps from drivers that return time.Time as well as
// those that hand back text.
type dbTime struct {
	Time  time.Time
	Valid bool
}

func (t *dbTime) Scan(v any) error {
	switch x := v.(type) {
	case nil:
		t.Time, t.Valid = time.Time{}, false
		return nil
	case time.Time:
		t.Time, t.Valid = x, true
		return nil
	case []byte:
		return t.parse(string(x))
	case string:
		return t.parse(x)
	default:
		return fmt.Errorf("unsupported timestamp type %T", v)
	}
}

func (t *dbTime) parse(s string) error {
	for _, layout := range timeLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time, t.Valid = parsed, true
			return nil
		}
	}
	return fmt.Errorf("unparseable timestamp %q", s)
}

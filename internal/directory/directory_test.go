package directory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"faultdesk/internal/domain"
	"faultdesk/internal/log"
)

type fakeSource struct {
	entries      []domain.EquipmentEntry
	keys         []string
	entriesErr   error
	keysErr      error
	entryCalls   int
	historyCalls int
}

func (f *fakeSource) ListEquipment(context.Context) ([]domain.EquipmentEntry, error) {
	f.entryCalls++
	return f.entries, f.entriesErr
}

func (f *fakeSource) DistinctHistoricalEquipmentKeys(context.Context) ([]string, error) {
	f.historyCalls++
	return f.keys, f.keysErr
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newDirectory(src Source, c *clock) *Directory {
	return New(src, Options{CacheTTL: 10 * time.Minute, DegradedTTL: 30 * time.Second, Logger: log.NewNop(), Now: c.now})
}

func TestListPrimaryIsCached(t *testing.T) {
	src := &fakeSource{entries: []domain.EquipmentEntry{{EquipmentKey: "EQ1", DisplayName: "Press", ProductionLine: "L2"}}}
	c := &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	d := newDirectory(src, c)
	hits := testutil.ToFloat64(cacheHitsTotal)

	l := d.List(context.Background())
	assert.Equal(t, ModePrimary, l.Mode)
	assert.Equal(t, []string{"EQ1 - Press (Line:L2)"}, l.Labels())

	c.t = c.t.Add(9 * time.Minute)
	d.List(context.Background())
	assert.Equal(t, 1, src.entryCalls)
	assert.Equal(t, hits+1, testutil.ToFloat64(cacheHitsTotal))

	c.t = c.t.Add(2 * time.Minute)
	d.List(context.Background())
	assert.Equal(t, 2, src.entryCalls, "expired snapshot must be reloaded")
}

func TestListFallsBackToHistory(t *testing.T) {
	src := &fakeSource{entriesErr: errors.New("no such table"), keys: []string{"EQ7", " ", "EQ9"}}
	c := &clock{t: time.Now()}
	d := newDirectory(src, c)
	before := testutil.ToFloat64(sourceErrorsTotal.WithLabelValues("equipment"))

	l := d.List(context.Background())
	require.Equal(t, ModeFallback, l.Mode)
	assert.Equal(t, []string{"EQ7", "EQ9"}, l.Labels())
	for _, e := range l.Entries {
		assert.Empty(t, e.DisplayName)
	}
	assert.False(t, l.ManualEntry())
	assert.Equal(t, before+1, testutil.ToFloat64(sourceErrorsTotal.WithLabelValues("equipment")))

	// degraded listings expire sooner so recovery is picked up
	src.entriesErr = nil
	src.entries = []domain.EquipmentEntry{{EquipmentKey: "EQ7", DisplayName: "Oven"}}
	c.t = c.t.Add(31 * time.Second)
	l = d.List(context.Background())
	assert.Equal(t, ModePrimary, l.Mode)
}

func TestListManualWhenBothFail(t *testing.T) {
	src := &fakeSource{entriesErr: errors.New("down"), keysErr: errors.New("down too")}
	d := newDirectory(src, &clock{t: time.Now()})

	l := d.List(context.Background())
	assert.Equal(t, ModeManual, l.Mode)
	assert.True(t, l.ManualEntry())
	assert.NotNil(t, l.Entries)
	assert.Equal(t, 1, src.historyCalls)
}

func TestListEmptyPrimaryIsManual(t *testing.T) {
	src := &fakeSource{}
	d := newDirectory(src, &clock{t: time.Now()})
	l := d.List(context.Background())
	assert.Equal(t, ModeManual, l.Mode)
	assert.Zero(t, src.historyCalls)
}

func TestInvalidate(t *testing.T) {
	src := &fakeSource{entries: []domain.EquipmentEntry{{EquipmentKey: "EQ1"}}}
	d := newDirectory(src, &clock{t: time.Now()})
	d.List(context.Background())
	d.Invalidate()
	d.List(context.Background())
	assert.Equal(t, 2, src.entryCalls)
}

func TestResolve(t *testing.T) {
	l := Listing{Entries: []domain.EquipmentEntry{
		{EquipmentKey: "EQ1", DisplayName: "Press", ProductionLine: "L2"},
		{EquipmentKey: "EQ2"},
	}, Mode: ModePrimary}

	key, ok := l.Resolve("EQ1 - Press (Line:L2)")
	require.True(t, ok)
	assert.Equal(t, "EQ1", key)

	key, ok = l.Resolve(" EQ2 ")
	require.True(t, ok)
	assert.Equal(t, "EQ2", key)

	_, ok = l.Resolve("EQ3")
	assert.False(t, ok)
	_, ok = l.Resolve("")
	assert.False(t, ok)
}

package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"faultdesk/internal/config"
	"faultdesk/internal/db"
	"faultdesk/internal/directory"
	"faultdesk/internal/domain"
	"faultdesk/internal/identifier"
	"faultdesk/internal/log"
	"faultdesk/internal/migrate"
	"faultdesk/internal/store"
	"faultdesk/internal/validation"
)

var t0 = time.Date(2024, 2, 3, 4, 5, 6, 0, time.UTC)

type fakeStore struct {
	mu       sync.Mutex
	records  []domain.FaultRecord
	err      error
	block    bool
	ctxErrAt error
}

func (f *fakeStore) Insert(ctx context.Context, rec domain.FaultRecord, actorID string) (store.Ack, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ctxErrAt = ctx.Err()
	if f.block {
		<-ctx.Done()
		return store.Ack{}, ctx.Err()
	}
	if f.err != nil {
		return store.Ack{}, f.err
	}
	f.records = append(f.records, rec)
	return store.Ack{ID: "row-1", FaultID: rec.FaultID, RecordedAt: t0}, nil
}

type fakeHistory struct{ err error }

func (h fakeHistory) AllHistoricalFaultIdentifiers(context.Context) ([]string, error) {
	return nil, h.err
}

func (h fakeHistory) FaultRecordCount(context.Context) (int, error) { return 0, h.err }

func newWorkflow(t *testing.T, ins Inserter) Workflow {
	t.Helper()
	v, err := validation.New(config.Default().Choices, func() time.Time { return t0 })
	require.NoError(t, err)
	return Workflow{
		Store:         ins,
		Validator:     v,
		Policy:        identifier.Policy{History: fakeHistory{}},
		InsertTimeout: time.Second,
		Logger:        log.NewNop(),
	}
}

func exampleDraft() domain.Draft {
	return domain.Draft{
		EquipmentSelection:       "EQ1",
		FaultType:                "Breakdown",
		SeverityLevel:            "High",
		EquipmentStatus:          "Running",
		FaultTimestamp:           t0,
		ProductID:                "PR1",
		FaultStatus:              "Open",
		MessageReceivedTimestamp: t0,
		Description:              "",
		FaultID:                  "A013",
	}
}

func TestHandleSubmitSucceeds(t *testing.T) {
	fs := &fakeStore{}
	w := newWorkflow(t, fs)
	sess := NewSession("op-1", identifier.DefaultSuggestion)

	res := w.HandleSubmit(context.Background(), exampleDraft(), sess)

	require.Equal(t, StateSucceeded, res.State)
	assert.Equal(t, []State{StateIdle, StateValidating, StatePersisting, StateSucceeded}, res.Transitions)
	assert.Equal(t, "A014", sess.Suggestion())
	assert.Equal(t, "A014", res.Suggestion)
	assert.Equal(t, "Fault inserted successfully with Faultid: A013", res.Message)
	require.Len(t, fs.records, 1)
	assert.Nil(t, fs.records[0].Description)
	assert.Nil(t, fs.records[0].ResolutionTimestamp)
	assert.Equal(t, t0, fs.records[0].FaultTimestamp)
}

func TestHandleSubmitRejectsBadIdentifier(t *testing.T) {
	fs := &fakeStore{}
	w := newWorkflow(t, fs)
	sess := NewSession("op-1", "A013")
	d := exampleDraft()
	d.FaultID = "13"

	res := w.HandleSubmit(context.Background(), d, sess)

	require.Equal(t, StateRejected, res.State)
	assert.Equal(t, []State{StateIdle, StateValidating, StateRejected}, res.Transitions)
	require.NotNil(t, res.FieldError)
	assert.Equal(t, validation.InvalidFaultID, res.FieldError.Code)
	assert.Equal(t, "A013", sess.Suggestion())
	assert.Empty(t, fs.records)
}

func TestHandleSubmitFailsOnTimeout(t *testing.T) {
	fs := &fakeStore{block: true}
	w := newWorkflow(t, fs)
	w.InsertTimeout = 20 * time.Millisecond
	sess := NewSession("op-1", "A013")

	res := w.HandleSubmit(context.Background(), exampleDraft(), sess)

	require.Equal(t, StateFailed, res.State)
	assert.Equal(t, []State{StateIdle, StateValidating, StatePersisting, StateFailed}, res.Transitions)
	assert.Equal(t, FailedMessage, res.Message)
	assert.Equal(t, "A013", sess.Suggestion())
	assert.Nil(t, res.Ack)
}

func TestHandleSubmitHidesStoreError(t *testing.T) {
	fs := &fakeStore{err: errors.New("dial tcp 10.0.0.5:1433: connection refused")}
	w := newWorkflow(t, fs)
	sess := NewSession("op-1", "A020")

	res := w.HandleSubmit(context.Background(), exampleDraft(), sess)

	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, FailedMessage, res.Message)
	assert.NotContains(t, res.Message, "10.0.0.5")
	assert.Equal(t, "A020", sess.Suggestion())
}

func TestHandleSubmitIgnoresCallerCancellation(t *testing.T) {
	fs := &fakeStore{}
	w := newWorkflow(t, fs)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := w.HandleSubmit(ctx, exampleDraft(), NewSession("op-1", "A013"))

	assert.Equal(t, StateSucceeded, res.State)
	assert.NoError(t, fs.ctxErrAt)
}

type failingSuggester struct{}

func (failingSuggester) Next(context.Context, string) (string, error) {
	return "", errors.New("history unavailable")
}

func TestHandleSubmitSuggestionFallback(t *testing.T) {
	w := newWorkflow(t, &fakeStore{})
	w.Policy = failingSuggester{}
	sess := NewSession("op-1", "A050")

	res := w.HandleSubmit(context.Background(), exampleDraft(), sess)

	assert.Equal(t, StateSucceeded, res.State)
	assert.Equal(t, identifier.DefaultSuggestion, sess.Suggestion())
}

func TestHandleSubmitSuggestionFallbackUsesConfiguredDefault(t *testing.T) {
	w := newWorkflow(t, &fakeStore{})
	w.Policy = failingSuggester{}
	w.DefaultSuggestion = "B001"
	sess := NewSession("op-1", "A050")

	res := w.HandleSubmit(context.Background(), exampleDraft(), sess)

	assert.Equal(t, StateSucceeded, res.State)
	assert.Equal(t, "B001", res.Suggestion)
	assert.Equal(t, "B001", sess.Suggestion())
}

func TestHandleSubmitDuplicateIdentifier(t *testing.T) {
	w := newWorkflow(t, &fakeStore{err: store.ErrDuplicateFaultID})
	sess := NewSession("op-1", "A013")

	res := w.HandleSubmit(context.Background(), exampleDraft(), sess)

	require.Equal(t, StateFailed, res.State)
	assert.True(t, res.Duplicate)
	assert.Contains(t, res.Message, "A013")
	assert.NotEqual(t, FailedMessage, res.Message)
	assert.Equal(t, "A013", sess.Suggestion())

	res = newWorkflow(t, &fakeStore{err: errors.New("disk full")}).HandleSubmit(context.Background(), exampleDraft(), sess)
	assert.False(t, res.Duplicate)
	assert.Equal(t, FailedMessage, res.Message)
}

type staticSource struct{ entries []domain.EquipmentEntry }

func (s staticSource) ListEquipment(context.Context) ([]domain.EquipmentEntry, error) {
	return s.entries, nil
}

func (s staticSource) DistinctHistoricalEquipmentKeys(context.Context) ([]string, error) {
	return nil, nil
}

func TestHandleSubmitResolvesLabel(t *testing.T) {
	fs := &fakeStore{}
	w := newWorkflow(t, fs)
	w.Directory = directory.New(staticSource{entries: []domain.EquipmentEntry{
		{EquipmentKey: "EQ1", DisplayName: "Press", ProductionLine: "L2"},
	}}, directory.Options{Logger: log.NewNop()})
	d := exampleDraft()
	d.EquipmentSelection = "EQ1 - Press (Line:L2)"

	res := w.HandleSubmit(context.Background(), d, NewSession("op-1", "A013"))

	require.Equal(t, StateSucceeded, res.State)
	assert.Equal(t, "EQ1", fs.records[0].EquipmentKey)
}

func TestHandleSubmitRejectsSelectionOutsideDirectory(t *testing.T) {
	fs := &fakeStore{}
	w := newWorkflow(t, fs)
	w.Directory = directory.New(staticSource{entries: []domain.EquipmentEntry{
		{EquipmentKey: "EQ1", DisplayName: "Press"},
	}}, directory.Options{Logger: log.NewNop()})
	d := exampleDraft()
	d.EquipmentSelection = "NOT-IN-DIRECTORY"

	res := w.HandleSubmit(context.Background(), d, NewSession("op-1", "A013"))

	require.Equal(t, StateRejected, res.State)
	require.NotNil(t, res.FieldError)
	assert.Equal(t, validation.MissingEquipment, res.FieldError.Code)
	assert.Empty(t, fs.records)

	d.EquipmentManual = "EQ7"
	res = w.HandleSubmit(context.Background(), d, NewSession("op-1", "A013"))
	require.Equal(t, StateSucceeded, res.State)
	assert.Equal(t, "EQ7", fs.records[0].EquipmentKey)
}

func TestHandleSubmitKeepsSelectionInManualMode(t *testing.T) {
	fs := &fakeStore{}
	w := newWorkflow(t, fs)
	w.Directory = directory.New(staticSource{}, directory.Options{Logger: log.NewNop()})
	d := exampleDraft()
	d.EquipmentSelection = "EQ42"

	res := w.HandleSubmit(context.Background(), d, NewSession("op-1", "A013"))

	require.Equal(t, StateSucceeded, res.State)
	assert.Equal(t, "EQ42", fs.records[0].EquipmentKey)
}

func TestHandleSubmitLeavesNoPartialRow(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn, migrate.Tables{FaultsTable: "equipment_faults", EquipmentTable: "equipments"}))
	st := store.New(conn, store.Options{Driver: db.DriverSQLite, RecordEvents: true})

	// the fault row is written first; the audit insert then fails and the
	// transaction must take the fault row with it
	_, err = conn.Exec(`DROP TABLE events`)
	require.NoError(t, err)

	w := newWorkflow(t, st)
	w.Policy = identifier.Policy{History: st}
	sess := NewSession("op-1", "A013")

	res := w.HandleSubmit(context.Background(), exampleDraft(), sess)

	require.Equal(t, StateFailed, res.State)
	assert.Equal(t, "A013", sess.Suggestion())
	n, err := st.FaultRecordCount(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	ids, err := st.AllHistoricalFaultIdentifiers(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestSessions(t *testing.T) {
	reg := NewSessions("A013", 0, 0)
	a := reg.Get("op-1")
	assert.Same(t, a, reg.Get("op-1"))
	b := reg.Get("op-2")
	assert.NotSame(t, a, b)
	assert.Equal(t, 2, reg.Len())

	a.setSuggestion("A014")
	assert.Equal(t, "A013", b.Suggestion(), "sessions do not share suggestions")

	assert.Equal(t, identifier.DefaultSuggestion, NewSession("x", "bogus").Suggestion())
}

func TestSessionsAreBounded(t *testing.T) {
	reg := NewSessions("A013", 2, time.Hour)
	a := reg.Get("op-1")
	a.setSuggestion("A020")
	reg.Get("op-2")
	reg.Get("op-1")
	reg.Get("op-3")

	assert.Equal(t, 2, reg.Len())
	assert.Same(t, a, reg.Get("op-1"), "recently used session survives")
	assert.Equal(t, "A013", reg.Get("op-2").Suggestion(), "evicted session starts over")
}

func TestSessionsExpireWhenIdle(t *testing.T) {
	reg := NewSessions("A013", 10, 20*time.Millisecond)
	reg.Get("op-1").setSuggestion("A020")

	require.Eventually(t, func() bool { return reg.Len() == 0 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, "A013", reg.Get("op-1").Suggestion())
}

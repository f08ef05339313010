package identifier

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsValid(t *testing.T) {
	valid := []string{"A013", "a7", "Z0", "B123456", "  A013  "}
	for _, s := range valid {
		assert.Truef(t, IsValid(s), "expected %q to be valid", s)
	}
	invalid := []string{"", " ", "13", "A", "AB12", "A12x", "A-12", "1A", "A 12", "Ä12"}
	for _, s := range invalid {
		assert.Falsef(t, IsValid(s), "expected %q to be invalid", s)
	}
}

func TestAdvance(t *testing.T) {
	cases := map[string]string{
		"A013": "A014",
		"A099": "A100",
		"a007": "a008",
		"A999": "A1000",
		"A9":   "A10",
		"B0":   "B1",
		" A01": "A02",
		// suffixes beyond the range of int still advance
		"A9223372036854775807":  "A9223372036854775808",
		"A99999999999999999999": "A100000000000000000000",
		"A00000000000000000009": "A00000000000000000010",
	}
	for in, want := range cases {
		got, ok := Advance(in)
		require.Truef(t, ok, "advance %q", in)
		assert.Equalf(t, want, got, "advance %q", in)
	}
	_, ok := Advance("13")
	assert.False(t, ok)
}

func TestAdvanceKeepsIdentifiersValid(t *testing.T) {
	for _, id := range []string{"A0", "z9", "A9223372036854775807", "B" + strings.Repeat("9", 40)} {
		next, ok := Advance(id)
		require.Truef(t, ok, "advance %q", id)
		assert.Truef(t, IsValid(next), "advance %q gave invalid %q", id, next)
	}
}

func TestDeriveFromCount(t *testing.T) {
	assert.Equal(t, "A06", Derive(nil, 5))
	assert.Equal(t, "A01", Derive(nil, 0))
	assert.Equal(t, "A12", Derive(nil, 11))
	assert.Equal(t, "A013", Derive(nil, 12))
	assert.Equal(t, "A013", Derive([]string{"junk", "13"}, 40))
}

func TestDeriveFromIdentifiers(t *testing.T) {
	assert.Equal(t, "A006", Derive([]string{"A001", "A005", "A003"}, 3))
	assert.Equal(t, "A06", Derive([]string{"A01", "A05"}, 2))
	assert.Equal(t, "A100", Derive([]string{"A99"}, 1))
	assert.Equal(t, "A1000", Derive([]string{"A999", "x"}, 2))
	assert.Equal(t, "A08", Derive([]string{"b7"}, 1))
	assert.Equal(t, "A100000000000000000000", Derive([]string{"A99999999999999999999", "A500"}, 2))
	assert.Equal(t, "A0011", Derive([]string{"A010", "A0010"}, 2))
}

type fakeHistory struct {
	ids      []string
	count    int
	idsErr   error
	countErr error
	calls    int
}

func (f *fakeHistory) AllHistoricalFaultIdentifiers(context.Context) ([]string, error) {
	f.calls++
	return f.ids, f.idsErr
}

func (f *fakeHistory) FaultRecordCount(context.Context) (int, error) {
	return f.count, f.countErr
}

func TestPolicyNext(t *testing.T) {
	ctx := context.Background()
	h := &fakeHistory{ids: []string{"A020"}}
	p := Policy{History: h}

	next, err := p.Next(ctx, "A013")
	require.NoError(t, err)
	assert.Equal(t, "A014", next)
	assert.Zero(t, h.calls, "history must not be read when the id parses")

	next, err = p.Next(ctx, "not-an-id")
	require.NoError(t, err)
	assert.Equal(t, "A021", next)
}

func TestPolicyFromHistoryFallsBackToCount(t *testing.T) {
	p := Policy{History: &fakeHistory{count: 5}}
	next, err := p.FromHistory(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "A06", next)
}

func TestPolicyFromHistoryUsesCountAlongsideIdentifiers(t *testing.T) {
	p := Policy{History: &fakeHistory{ids: []string{"junk", "13"}, count: 40}}
	next, err := p.FromHistory(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "A013", next)

	p = Policy{History: &fakeHistory{ids: []string{"A99999999999999999999"}, count: 40}}
	next, err = p.FromHistory(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "A100000000000000000000", next)
}

func TestPolicyFromHistoryErrors(t *testing.T) {
	boom := errors.New("boom")
	_, err := Policy{History: &fakeHistory{idsErr: boom}}.FromHistory(context.Background())
	require.ErrorIs(t, err, boom)

	_, err = Policy{History: &fakeHistory{countErr: boom}}.FromHistory(context.Background())
	require.ErrorIs(t, err, boom)
}

func TestPolicyWithoutHistory(t *testing.T) {
	next, err := Policy{}.FromHistory(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DefaultSuggestion, next)
}

package validation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"faultdesk/internal/config"
	"faultdesk/internal/domain"
)

var fixedNow = time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)

func newValidator(t *testing.T) *Validator {
	t.Helper()
	v, err := New(config.Default().Choices, func() time.Time { return fixedNow })
	require.NoError(t, err)
	return v
}

func validDraft() domain.Draft {
	return domain.Draft{
		EquipmentSelection: "EQ1",
		FaultType:          "Breakdown",
		SeverityLevel:      "High",
		EquipmentStatus:    "Stopped",
		ProductID:          "PR2",
		FaultStatus:        "Open",
		FaultID:            " A013 ",
	}
}

func TestValidateAcceptsCompleteDraft(t *testing.T) {
	v := newValidator(t)
	rec, ferr := v.Validate(validDraft())
	require.Nil(t, ferr)
	assert.Equal(t, "EQ1", rec.EquipmentKey)
	assert.Equal(t, "A013", rec.FaultID)
	assert.Equal(t, fixedNow, rec.FaultTimestamp)
	assert.Equal(t, fixedNow, rec.MessageReceivedTimestamp)
	assert.Nil(t, rec.ResolutionTimestamp)
	assert.Nil(t, rec.Description)
}

func TestValidateMissingProductShortCircuits(t *testing.T) {
	v := newValidator(t)
	d := validDraft()
	d.ProductID = ""
	_, ferr := v.Validate(d)
	require.NotNil(t, ferr)
	assert.Equal(t, MissingProduct, ferr.Code)
	assert.Equal(t, "Please choose a ProductID (PR1 / PR2 / PR3).", ferr.Message)

	// every later field is broken too; product is still the one reported
	d.FaultType = ""
	d.FaultStatus = "nope"
	d.SeverityLevel = Unselected
	d.EquipmentStatus = ""
	d.FaultID = "13"
	_, ferr = v.Validate(d)
	require.NotNil(t, ferr)
	assert.Equal(t, MissingProduct, ferr.Code)
}

func TestValidateOrder(t *testing.T) {
	v := newValidator(t)
	steps := []struct {
		code       Code
		breakField func(*domain.Draft)
	}{
		{MissingEquipment, func(d *domain.Draft) { d.EquipmentSelection = Unselected }},
		{MissingProduct, func(d *domain.Draft) { d.ProductID = "PR9" }},
		{MissingFaultType, func(d *domain.Draft) { d.FaultType = Unselected }},
		{MissingFaultStatus, func(d *domain.Draft) { d.FaultStatus = "" }},
		{MissingSeverity, func(d *domain.Draft) { d.SeverityLevel = "Critical" }},
		{MissingEquipmentStatus, func(d *domain.Draft) { d.EquipmentStatus = "" }},
		{InvalidFaultID, func(d *domain.Draft) { d.FaultID = "A12x" }},
	}
	// break fields from last to first; each time the earliest broken rule wins
	d := validDraft()
	for i := len(steps) - 1; i >= 0; i-- {
		steps[i].breakField(&d)
		_, ferr := v.Validate(d)
		require.NotNil(t, ferr)
		assert.Equal(t, steps[i].code, ferr.Code)
	}
}

func TestValidateManualEquipment(t *testing.T) {
	v := newValidator(t)
	d := validDraft()
	d.EquipmentSelection = ""
	d.EquipmentManual = "  EQ42 "
	rec, ferr := v.Validate(d)
	require.Nil(t, ferr)
	assert.Equal(t, "EQ42", rec.EquipmentKey)

	d.EquipmentManual = "   "
	_, ferr = v.Validate(d)
	require.NotNil(t, ferr)
	assert.Equal(t, MissingEquipment, ferr.Code)
	assert.Equal(t, "equipment", ferr.Field)
}

func TestValidateFaultID(t *testing.T) {
	v := newValidator(t)
	for _, id := range []string{"", "   ", "013", "AA13", "A13 B"} {
		d := validDraft()
		d.FaultID = id
		_, ferr := v.Validate(d)
		require.NotNilf(t, ferr, "fault id %q", id)
		assert.Equal(t, InvalidFaultID, ferr.Code)
	}
}

func TestValidateOptionalFields(t *testing.T) {
	v := newValidator(t)
	resolved := fixedNow.Add(2 * time.Hour)
	faultAt := fixedNow.Add(-time.Hour)

	d := validDraft()
	d.FaultTimestamp = faultAt
	d.ResolutionTimestamp = &resolved
	d.Description = "  "
	rec, ferr := v.Validate(d)
	require.Nil(t, ferr)
	assert.Nil(t, rec.ResolutionTimestamp, "resolution only kept when included")
	assert.Nil(t, rec.Description)
	assert.Equal(t, faultAt, rec.FaultTimestamp)

	d.IncludeResolution = true
	d.Description = "  bearing noise\n"
	rec, ferr = v.Validate(d)
	require.Nil(t, ferr)
	require.NotNil(t, rec.ResolutionTimestamp)
	assert.Equal(t, resolved, *rec.ResolutionTimestamp)
	require.NotNil(t, rec.Description)
	assert.Equal(t, "bearing noise", *rec.Description)
}

func TestFieldErrorMessage(t *testing.T) {
	var err error = &FieldError{Code: MissingSeverity, Message: "Please choose Severity Level."}
	assert.EqualError(t, err, "Please choose Severity Level.")
}

// Package validation turns a form draft into a fault record, or reports the
// first field that blocks it.
package validation

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"faultdesk/internal/config"
	"faultdesk/internal/domain"
	"faultdesk/internal/identifier"
)

// Code names the reason a draft was rejected.
type Code string

const (
	MissingEquipment       Code = "MissingEquipment"
	MissingProduct         Code = "MissingProduct"
	MissingFaultType       Code = "MissingFaultType"
	MissingFaultStatus     Code = "MissingFaultStatus"
	MissingSeverity        Code = "MissingSeverity"
	MissingEquipmentStatus Code = "MissingEquipmentStatus"
	InvalidFaultID         Code = "InvalidFaultId"
)

// Unselected is the placeholder a select box shows before a choice is made.
const Unselected = "--select--"

// FieldError is the first rule a draft broke.
type FieldError struct {
	Code    Code   `json:"code"`
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *FieldError) Error() string {
	return e.Message
}

type rule struct {
	code    Code
	field   string
	tag     string
	message string
	value   func(d domain.Draft) string
}

// Validator checks drafts against the configured choice sets.
type Validator struct {
	validate *validator.Validate
	rules    []rule
	now      func() time.Time
}

// New builds a Validator. A nil now uses time.Now.
func New(choices config.Choices, now func() time.Time) (*Validator, error) {
	if now == nil {
		now = time.Now
	}
	v := validator.New()
	sets := map[string][]string{
		"product":          choices.Products,
		"fault_type":       choices.FaultTypes,
		"fault_status":     choices.FaultStatuses,
		"severity":         choices.Severities,
		"equipment_status": choices.EquipmentStatuses,
	}
	for tag, values := range sets {
		if err := v.RegisterValidation(tag, oneOf(values)); err != nil {
			return nil, fmt.Errorf("register %s: %w", tag, err)
		}
	}
	if err := v.RegisterValidation("fault_identifier", func(fl validator.FieldLevel) bool {
		return identifier.IsValid(fl.Field().String())
	}); err != nil {
		return nil, fmt.Errorf("register fault_identifier: %w", err)
	}

	rules := []rule{
		{MissingEquipment, "equipment", "required", "Please select or enter an Equipment ID.", equipmentKey},
		{MissingProduct, "product_id", "product", fmt.Sprintf("Please choose a ProductID (%s).", strings.Join(choices.Products, " / ")),
			func(d domain.Draft) string { return d.ProductID }},
		{MissingFaultType, "fault_type", "fault_type", "Please choose Fault Type.",
			func(d domain.Draft) string { return d.FaultType }},
		{MissingFaultStatus, "fault_status", "fault_status", "Please choose Fault Status.",
			func(d domain.Draft) string { return d.FaultStatus }},
		{MissingSeverity, "severity_level", "severity", "Please choose Severity Level.",
			func(d domain.Draft) string { return d.SeverityLevel }},
		{MissingEquipmentStatus, "equipment_status", "equipment_status", "Please choose Equipment Status.",
			func(d domain.Draft) string { return d.EquipmentStatus }},
		{InvalidFaultID, "fault_id", "required,fault_identifier", "Faultid is required and must be a letter followed by digits (e.g. A013).",
			func(d domain.Draft) string { return strings.TrimSpace(d.FaultID) }},
	}
	return &Validator{validate: v, rules: rules, now: now}, nil
}

func oneOf(values []string) validator.Func {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		if s == "" || s == Unselected {
			return false
		}
		_, ok := set[s]
		return ok
	}
}

func equipmentKey(d domain.Draft) string {
	if key := strings.TrimSpace(d.EquipmentSelection); key != "" && key != Unselected {
		return key
	}
	return strings.TrimSpace(d.EquipmentManual)
}

// Validate runs the rules in a fixed order and stops at the first failure.
func (v *Validator) Validate(d domain.Draft) (domain.FaultRecord, *FieldError) {
	for _, r := range v.rules {
		if err := v.validate.Var(r.value(d), r.tag); err != nil {
			return domain.FaultRecord{}, &FieldError{Code: r.code, Field: r.field, Message: r.message}
		}
	}

	now := v.now()
	rec := domain.FaultRecord{
		EquipmentKey:             equipmentKey(d),
		FaultType:                d.FaultType,
		SeverityLevel:            d.SeverityLevel,
		EquipmentStatus:          d.EquipmentStatus,
		FaultTimestamp:           d.FaultTimestamp,
		ProductID:                d.ProductID,
		FaultStatus:              d.FaultStatus,
		MessageReceivedTimestamp: d.MessageReceivedTimestamp,
		FaultID:                  strings.TrimSpace(d.FaultID),
	}
	if rec.FaultTimestamp.IsZero() {
		rec.FaultTimestamp = now
	}
	if rec.MessageReceivedTimestamp.IsZero() {
		rec.MessageReceivedTimestamp = now
	}
	if d.IncludeResolution && d.ResolutionTimestamp != nil && !d.ResolutionTimestamp.IsZero() {
		ts := *d.ResolutionTimestamp
		rec.ResolutionTimestamp = &ts
	}
	if desc := strings.TrimSpace(d.Description); desc != "" {
		rec.Description = &desc
	}
	return rec, nil
}

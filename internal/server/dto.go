package server

import (
	"encoding/json"
	"time"

	"faultdesk/internal/config"
	"faultdesk/internal/directory"
	"faultdesk/internal/domain"
	"faultdesk/internal/workflow"
)

// Request payloads

// SubmitFaultRequest is the entry form as posted by a client. equipment may
// be a key or a picker label; equipment_manual is the free-text fallback.
type SubmitFaultRequest struct {
	Equipment                string     `json:"equipment,omitempty"`
	EquipmentManual          string     `json:"equipment_manual,omitempty"`
	FaultType                string     `json:"fault_type,omitempty"`
	SeverityLevel            string     `json:"severity_level,omitempty"`
	EquipmentStatus          string     `json:"equipment_status,omitempty"`
	FaultTimestamp           *time.Time `json:"fault_ts,omitempty"`
	IncludeResolution        bool       `json:"include_resolution,omitempty"`
	ResolutionTimestamp      *time.Time `json:"resolution_ts,omitempty"`
	ProductID                string     `json:"product_id,omitempty"`
	FaultStatus              string     `json:"fault_status,omitempty"`
	MessageReceivedTimestamp *time.Time `json:"message_received_ts,omitempty"`
	Description              string     `json:"description,omitempty"`
	FaultID                  string     `json:"fault_id,omitempty"`
}

func (r SubmitFaultRequest) draft() domain.Draft {
	d := domain.Draft{
		EquipmentSelection:  r.Equipment,
		EquipmentManual:     r.EquipmentManual,
		FaultType:           r.FaultType,
		SeverityLevel:       r.SeverityLevel,
		EquipmentStatus:     r.EquipmentStatus,
		IncludeResolution:   r.IncludeResolution,
		ResolutionTimestamp: r.ResolutionTimestamp,
		ProductID:           r.ProductID,
		FaultStatus:         r.FaultStatus,
		Description:         r.Description,
		FaultID:             r.FaultID,
	}
	if r.FaultTimestamp != nil {
		d.FaultTimestamp = *r.FaultTimestamp
	}
	if r.MessageReceivedTimestamp != nil {
		d.MessageReceivedTimestamp = *r.MessageReceivedTimestamp
	}
	return d
}

type DevLoginRequest struct {
	ActorID     string   `json:"actor_id"`
	Permissions []string `json:"permissions,omitempty"`
}

// Responses

type DevLoginResponse struct {
	Token string `json:"token"`
}

type EquipmentItem struct {
	Key            string `json:"key"`
	Label          string `json:"label"`
	DisplayName    string `json:"display_name,omitempty"`
	ProductionLine string `json:"production_line,omitempty"`
}

type EquipmentResponse struct {
	Mode        string          `json:"mode" enum:"primary,fallback,manual"`
	ManualEntry bool            `json:"manual_entry"`
	Items       []EquipmentItem `json:"items"`
}

type FormResponse struct {
	Choices    config.Choices    `json:"choices"`
	Equipment  EquipmentResponse `json:"equipment"`
	Suggestion string            `json:"suggestion"`
}

type SuggestionResponse struct {
	Suggestion string `json:"suggestion"`
	Source     string `json:"source" enum:"session,history"`
}

type SubmitFaultResponse struct {
	State       string             `json:"state"`
	Transitions []string           `json:"transitions"`
	Message     string             `json:"message"`
	ID          string             `json:"id"`
	RecordedAt  string             `json:"recorded_at" format:"date-time"`
	Record      domain.FaultRecord `json:"record"`
	Suggestion  string             `json:"suggestion"`
}

type TrendResponse struct {
	Since string              `json:"since" format:"date-time"`
	Items []domain.DailyCount `json:"items"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

type paginatedFaults struct {
	Items      []domain.StoredFault `json:"items"`
	NextCursor string               `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func equipmentResponse(l directory.Listing) EquipmentResponse {
	items := make([]EquipmentItem, 0, len(l.Entries))
	for _, e := range l.Entries {
		items = append(items, EquipmentItem{
			Key:            e.EquipmentKey,
			Label:          e.Label(),
			DisplayName:    e.DisplayName,
			ProductionLine: e.ProductionLine,
		})
	}
	return EquipmentResponse{Mode: string(l.Mode), ManualEntry: l.ManualEntry(), Items: items}
}

func submitResponse(res workflow.Result) SubmitFaultResponse {
	out := SubmitFaultResponse{
		State:      string(res.State),
		Message:    res.Message,
		Suggestion: res.Suggestion,
	}
	for _, s := range res.Transitions {
		out.Transitions = append(out.Transitions, string(s))
	}
	if res.Record != nil {
		out.Record = *res.Record
	}
	if res.Ack != nil {
		out.ID = res.Ack.ID
		out.RecordedAt = res.Ack.RecordedAt.Format(time.RFC3339)
	}
	return out
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil
	}
	return obj
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

package domain

import "time"

// FaultRecord is one validated equipment-fault event, ready to persist.
type FaultRecord struct {
	EquipmentKey             string     `json:"equipment_key"`
	FaultType                string     `json:"fault_type"`
	SeverityLevel            string     `json:"severity_level"`
	EquipmentStatus          string     `json:"equipment_status"`
	FaultTimestamp           time.Time  `json:"fault_ts" format:"date-time"`
	ResolutionTimestamp      *time.Time `json:"resolution_ts,omitempty" format:"date-time"`
	ProductID                string     `json:"product_id"`
	FaultStatus              string     `json:"fault_status"`
	MessageReceivedTimestamp time.Time  `json:"message_received_ts" format:"date-time"`
	Description              *string    `json:"description,omitempty"`
	FaultID                  string     `json:"fault_id" pattern:"^[A-Za-z]\\d+$"`
}

// StoredFault is a fault record as read back from the store.
type StoredFault struct {
	ID         string `json:"id"`
	RecordedBy string `json:"recorded_by,omitempty"`
	RecordedAt string `json:"recorded_at" format:"date-time"`
	FaultRecord
}

// Draft is the unvalidated candidate fault record entered on the form.
// EquipmentSelection comes from the directory picker, EquipmentManual from the
// free-text fallback shown when the directory is empty.
type Draft struct {
	EquipmentSelection       string     `json:"equipment_selection,omitempty"`
	EquipmentManual          string     `json:"equipment_manual,omitempty"`
	FaultType                string     `json:"fault_type"`
	SeverityLevel            string     `json:"severity_level"`
	EquipmentStatus          string     `json:"equipment_status"`
	FaultTimestamp           time.Time  `json:"fault_ts,omitempty" format:"date-time"`
	IncludeResolution        bool       `json:"include_resolution,omitempty"`
	ResolutionTimestamp      *time.Time `json:"resolution_ts,omitempty" format:"date-time"`
	ProductID                string     `json:"product_id"`
	FaultStatus              string     `json:"fault_status"`
	MessageReceivedTimestamp time.Time  `json:"message_received_ts,omitempty" format:"date-time"`
	Description              string     `json:"description,omitempty"`
	FaultID                  string     `json:"fault_id"`
}

// EquipmentEntry is a read-only directory row.
type EquipmentEntry struct {
	EquipmentKey   string `json:"equipment_key"`
	DisplayName    string `json:"display_name,omitempty"`
	ProductionLine string `json:"production_line,omitempty"`
}

// Label renders the picker text, e.g. "EQ1 - Press (Line:L2)".
// Key-only entries render as the bare key.
func (e EquipmentEntry) Label() string {
	label := e.EquipmentKey
	if e.DisplayName != "" {
		label += " - " + e.DisplayName
	}
	if e.ProductionLine != "" {
		label += " (Line:" + e.ProductionLine + ")"
	}
	return label
}

// DailyCount is one bucket of the fault trend series.
type DailyCount struct {
	Day           string `json:"day" format:"date"`
	SeverityLevel string `json:"severity_level"`
	Count         int    `json:"count"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

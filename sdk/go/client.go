package faultdesksdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal faultdesk HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 35 * time.Second,
	}
}

// Draft is the fault entry form as submitted.
type Draft struct {
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

// Fault is a stored fault record.
type Fault struct {
	ID                       string     `json:"id"`
	RecordedBy               string     `json:"recorded_by,omitempty"`
	RecordedAt               string     `json:"recorded_at"`
	EquipmentKey             string     `json:"equipment_key"`
	FaultType                string     `json:"fault_type"`
	SeverityLevel            string     `json:"severity_level"`
	EquipmentStatus          string     `json:"equipment_status"`
	FaultTimestamp           time.Time  `json:"fault_ts"`
	ResolutionTimestamp      *time.Time `json:"resolution_ts,omitempty"`
	ProductID                string     `json:"product_id"`
	FaultStatus              string     `json:"fault_status"`
	MessageReceivedTimestamp time.Time  `json:"message_received_ts"`
	Description              *string    `json:"description,omitempty"`
	FaultID                  string     `json:"fault_id"`
}

// Submission is the outcome of a successful submit.
type Submission struct {
	State       string   `json:"state"`
	Transitions []string `json:"transitions"`
	Message     string   `json:"message"`
	ID          string   `json:"id"`
	RecordedAt  string   `json:"recorded_at"`
	Record      Fault    `json:"record"`
	Suggestion  string   `json:"suggestion"`
}

type EquipmentItem struct {
	Key            string `json:"key"`
	Label          string `json:"label"`
	DisplayName    string `json:"display_name,omitempty"`
	ProductionLine string `json:"production_line,omitempty"`
}

// Equipment is the directory listing. ManualEntry means the form should offer
// free-text entry instead of a picker.
type Equipment struct {
	Mode        string          `json:"mode"`
	ManualEntry bool            `json:"manual_entry"`
	Items       []EquipmentItem `json:"items"`
}

type Choices struct {
	FaultTypes        []string `json:"fault_types"`
	Severities        []string `json:"severities"`
	EquipmentStatuses []string `json:"equipment_statuses"`
	Products          []string `json:"products"`
	FaultStatuses     []string `json:"fault_statuses"`
}

// Form is everything needed to render the entry form.
type Form struct {
	Choices    Choices   `json:"choices"`
	Equipment  Equipment `json:"equipment"`
	Suggestion string    `json:"suggestion"`
}

type DailyCount struct {
	Day           string `json:"day"`
	SeverityLevel string `json:"severity_level"`
	Count         int    `json:"count"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// FaultQuery narrows a fault listing. Zero values are ignored.
type FaultQuery struct {
	Equipment string
	Severity  string
	Status    string
	Since     time.Time
	Limit     int
	Cursor    string
}

// PaginatedFaults wraps fault listings with cursors.
type PaginatedFaults struct {
	Items      []Fault `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code and Message are filled from the
// error envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// SubmitFault posts a draft. A rejected draft returns an *APIError with the
// field error code, e.g. MissingProduct or InvalidFaultId.
func (c *Client) SubmitFault(ctx context.Context, d Draft) (Submission, error) {
	var resp Submission
	err := c.do(ctx, http.MethodPost, "v0/faults", d, &resp)
	return resp, err
}

// Suggestion returns the next fault identifier. source is session or history.
func (c *Client) Suggestion(ctx context.Context, source string) (string, error) {
	endpoint := "v0/suggestion"
	if source != "" {
		endpoint += "?source=" + url.QueryEscape(source)
	}
	var resp struct {
		Suggestion string `json:"suggestion"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Suggestion, err
}

func (c *Client) Equipment(ctx context.Context) (Equipment, error) {
	var resp Equipment
	err := c.do(ctx, http.MethodGet, "v0/equipment", nil, &resp)
	return resp, err
}

// RefreshEquipment drops the server's cached directory and returns a fresh one.
func (c *Client) RefreshEquipment(ctx context.Context) (Equipment, error) {
	var resp Equipment
	err := c.do(ctx, http.MethodPost, "v0/equipment/refresh", nil, &resp)
	return resp, err
}

func (c *Client) Form(ctx context.Context) (Form, error) {
	var resp Form
	err := c.do(ctx, http.MethodGet, "v0/form", nil, &resp)
	return resp, err
}

// Faults returns one page of stored faults, newest first.
func (c *Client) Faults(ctx context.Context, q FaultQuery) (PaginatedFaults, error) {
	values := url.Values{}
	if q.Equipment != "" {
		values.Set("equipment", q.Equipment)
	}
	if q.Severity != "" {
		values.Set("severity", q.Severity)
	}
	if q.Status != "" {
		values.Set("status", q.Status)
	}
	if !q.Since.IsZero() {
		values.Set("since", q.Since.UTC().Format(time.RFC3339))
	}
	if q.Limit > 0 {
		values.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Cursor != "" {
		values.Set("cursor", q.Cursor)
	}
	var resp PaginatedFaults
	err := c.do(ctx, http.MethodGet, withQuery("v0/faults", values), nil, &resp)
	return resp, err
}

// Trend returns per-day, per-severity fault counts for the last days.
func (c *Client) Trend(ctx context.Context, days int) ([]DailyCount, error) {
	endpoint := "v0/faults/trend"
	if days > 0 {
		endpoint = fmt.Sprintf("%s?days=%d", endpoint, days)
	}
	var resp struct {
		Items []DailyCount `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	values := url.Values{}
	if limit > 0 {
		values.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		values.Set("cursor", cursor)
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, withQuery("v0/events", values), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
			apiErr.Details = env.Error.Details
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func withQuery(endpoint string, values url.Values) string {
	if len(values) == 0 {
		return endpoint
	}
	return endpoint + "?" + values.Encode()
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

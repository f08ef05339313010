package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"faultdesk/internal/identifier"
	"faultdesk/internal/log"
)

// Config models faultdesk.yml.
type Config struct {
	Choices   Choices         `yaml:"choices" json:"choices"`
	Session   SessionConfig   `yaml:"session" json:"session"`
	Directory DirectoryConfig `yaml:"directory" json:"directory"`
	Store     StoreConfig     `yaml:"store" json:"store"`
	Logging   log.LogCfg      `yaml:"logging" json:"logging"`
	Webhooks  []WebhookConfig `yaml:"webhooks" json:"webhooks,omitempty"`
}

// Choices are the fixed value sets offered on the entry form.
type Choices struct {
	FaultTypes        []string `yaml:"fault_types" json:"fault_types"`
	Severities        []string `yaml:"severities" json:"severities"`
	EquipmentStatuses []string `yaml:"equipment_statuses" json:"equipment_statuses"`
	Products          []string `yaml:"products" json:"products"`
	FaultStatuses     []string `yaml:"fault_statuses" json:"fault_statuses"`
}

type SessionConfig struct {
	DefaultSuggestion string        `yaml:"default_suggestion" json:"default_suggestion"`
	MaxSessions       int           `yaml:"max_sessions" json:"max_sessions"`
	IdleTTL           time.Duration `yaml:"idle_ttl" json:"idle_ttl"`
}

type DirectoryConfig struct {
	CacheTTL    time.Duration `yaml:"cache_ttl" json:"cache_ttl"`
	DegradedTTL time.Duration `yaml:"degraded_ttl" json:"degraded_ttl"`
}

type StoreConfig struct {
	Driver         string        `yaml:"driver" json:"driver"`
	DSN            string        `yaml:"dsn" json:"-"`
	FaultsTable    string        `yaml:"faults_table" json:"faults_table"`
	EquipmentTable string        `yaml:"equipment_table" json:"equipment_table"`
	InsertTimeout  time.Duration `yaml:"insert_timeout" json:"insert_timeout"`
	QueryTimeout   time.Duration `yaml:"query_timeout" json:"query_timeout"`
	UniqueFaultIDs bool          `yaml:"unique_fault_ids" json:"unique_fault_ids"`
	// RecordEvents appends a fault.recorded event in the insert transaction.
	// Turn it off for shared databases without an events table.
	RecordEvents bool `yaml:"record_events" json:"record_events"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Events         []string `yaml:"events" json:"events,omitempty"`
	Secret         string   `yaml:"secret" json:"-"`
	TimeoutSeconds int      `yaml:"timeout_seconds" json:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled" json:"enabled,omitempty"`
}

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

var drivers = map[string]bool{"sqlite": true, "mysql": true, "pgx": true}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	sets := []struct {
		name   string
		values []string
	}{
		{"choices.fault_types", c.Choices.FaultTypes},
		{"choices.severities", c.Choices.Severities},
		{"choices.equipment_statuses", c.Choices.EquipmentStatuses},
		{"choices.products", c.Choices.Products},
		{"choices.fault_statuses", c.Choices.FaultStatuses},
	}
	for _, set := range sets {
		if len(set.values) == 0 {
			return fmt.Errorf("config.%s is required", set.name)
		}
		seen := map[string]bool{}
		for _, v := range set.values {
			if strings.TrimSpace(v) == "" {
				return fmt.Errorf("config.%s contains an empty value", set.name)
			}
			if seen[v] {
				return fmt.Errorf("config.%s contains duplicate value %q", set.name, v)
			}
			seen[v] = true
		}
	}
	if !identifier.IsValid(c.Session.DefaultSuggestion) {
		return fmt.Errorf("config.session.default_suggestion %q must match %s", c.Session.DefaultSuggestion, identifier.Pattern)
	}
	if c.Session.MaxSessions <= 0 {
		return fmt.Errorf("config.session.max_sessions must be positive")
	}
	if c.Session.IdleTTL <= 0 {
		return fmt.Errorf("config.session.idle_ttl must be positive")
	}
	if c.Directory.CacheTTL <= 0 {
		return fmt.Errorf("config.directory.cache_ttl must be positive")
	}
	if c.Directory.DegradedTTL <= 0 || c.Directory.DegradedTTL > c.Directory.CacheTTL {
		return fmt.Errorf("config.directory.degraded_ttl must be positive and not exceed cache_ttl")
	}
	if !drivers[c.Store.Driver] {
		return fmt.Errorf("config.store.driver must be one of sqlite, mysql, pgx")
	}
	if c.Store.Driver != "sqlite" && strings.TrimSpace(c.Store.DSN) == "" {
		return fmt.Errorf("config.store.dsn is required for driver %s", c.Store.Driver)
	}
	for name, table := range map[string]string{"faults_table": c.Store.FaultsTable, "equipment_table": c.Store.EquipmentTable} {
		if !tableNamePattern.MatchString(table) {
			return fmt.Errorf("config.store.%s %q is not a valid table name", name, table)
		}
	}
	if c.Store.InsertTimeout <= 0 {
		return fmt.Errorf("config.store.insert_timeout must be positive")
	}
	if c.Store.QueryTimeout <= 0 {
		return fmt.Errorf("config.store.query_timeout must be positive")
	}
	for i, hook := range c.Webhooks {
		u, err := url.Parse(strings.TrimSpace(hook.URL))
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("config.webhooks[%d].url must be an absolute http(s) url", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "faultdesk.yml")
}

// GenerateDefault returns the default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with faultdesk config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns Default() if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys missing from
// data keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `choices:
  fault_types: [Breakdown, Under Maintenance, No Power, No Raw Material, OverHeating]
  severities: [High, Medium, Low]
  equipment_statuses: [Running, Stopped, Under Maintenance]
  products: [PR1, PR2, PR3]
  fault_statuses: [Open, Closed, InProgress, Escalated, "True", "False"]

session:
  default_suggestion: A013
  max_sessions: 1024
  idle_ttl: 12h

directory:
  cache_ttl: 10m
  degraded_ttl: 30s

store:
  driver: sqlite
  dsn: ""
  faults_table: equipment_faults
  equipment_table: equipments
  insert_timeout: 30s
  query_timeout: 10s
  unique_fault_ids: false
  record_events: true

logging:
  file_path: ""
  level: info
  max_size_mb: 50
  max_age_days: 14
  max_backups: 5
  compress: true
  development: false
`

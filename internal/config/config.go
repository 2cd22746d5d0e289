// Package config loads settings.json (or settings.yaml).
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/chmdznr/batchsync/internal/ledger"
)

// Config is the whole settings document. Durations are whole seconds, as in
// existing settings files.
type Config struct {
	VPN           VPNConfig           `yaml:"vpn"`
	Paths         PathsConfig         `yaml:"paths"`
	Excel         ExcelConfig         `yaml:"excel"`
	Destination   DestinationConfig   `yaml:"destination"`
	Sync          SyncConfig          `yaml:"sync"`
	Ledger        LedgerConfig        `yaml:"ledger"`
	Logging       LoggingConfig       `yaml:"logging"`
	Notifications NotificationsConfig `yaml:"notifications"`
	System        SystemConfig        `yaml:"system"`

	// Source is the file the settings were read from.
	Source string `yaml:"-"`
}

type VPNConfig struct {
	ConnectionName string `yaml:"connection_name"`
	MaxRetries     int    `yaml:"max_retries"`
	RetryDelay     int    `yaml:"retry_delay"`
	AttemptTimeout int    `yaml:"attempt_timeout"`
	SettleDelay    int    `yaml:"settle_delay"`
}

type PathsConfig struct {
	RemoteServer   string `yaml:"remote_server"`
	ExcelFile      string `yaml:"excel_file"`
	BatchDocuments string `yaml:"batch_documents"`
	LocalGDrive    string `yaml:"local_gdrive"`
}

type FilterCriteria struct {
	InitialsColumn      string `yaml:"initials_column"`
	InitialsValue       string `yaml:"initials_value"`
	ReleaseStatusColumn string `yaml:"release_status_column"`
}

type ExcelConfig struct {
	FilterCriteria FilterCriteria `yaml:"filter_criteria"`
	IDColumns      []string       `yaml:"id_columns"`
	Sheet          string         `yaml:"sheet"`
	MaxRetries     int            `yaml:"max_retries"`
	RetryDelay     int            `yaml:"retry_delay"`
}

type MinioConfig struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Secure    bool   `yaml:"secure"`
	Region    string `yaml:"region"`
}

type DestinationConfig struct {
	// Type is "local" (the local_gdrive path) or "minio".
	Type  string      `yaml:"type"`
	Minio MinioConfig `yaml:"minio"`
}

type SyncConfig struct {
	ChecksumThresholdMB int  `yaml:"checksum_threshold_mb"`
	CompareContent      bool `yaml:"compare_content"`
	FileTimeout         int  `yaml:"file_timeout"`
	Workers             int  `yaml:"workers"`
}

type LedgerConfig struct {
	// Backend is "json" or "sqlite".
	Backend       string `yaml:"backend"`
	Path          string `yaml:"path"`
	RetentionDays int    `yaml:"retention_days"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	Dir   string `yaml:"dir"`
}

type NotificationsConfig struct {
	HistoryFile string `yaml:"history_file"`
	MetricsFile string `yaml:"metrics_file"`
}

type SystemConfig struct {
	TestMode bool `yaml:"test_mode"`
	// VPNEnabled false bypasses the connectivity guard.
	VPNEnabled *bool `yaml:"vpn_enabled"`
}

// ErrNotFound is returned when no settings file exists on the search path.
var ErrNotFound = errors.New("settings file not found")

// SearchPaths lists where Load looks when no explicit path is given.
func SearchPaths() []string {
	names := []string{"settings.json", filepath.Join("config", "settings.json"),
		"settings.yaml", filepath.Join("config", "settings.yaml")}

	var paths []string
	paths = append(paths, names...)
	if exe, err := os.Executable(); err == nil {
		dir := filepath.Dir(exe)
		for _, n := range names {
			paths = append(paths, filepath.Join(dir, n))
		}
	}
	return paths
}

// Load reads the settings file at path, or the first one found on
// SearchPaths when path is empty. ${VAR} references in string values are
// replaced from the environment, then the env overrides are applied.
func Load(fs afero.Fs, path string) (*Config, error) {
	candidates := SearchPaths()
	if path != "" {
		candidates = []string{path}
	}

	for _, p := range candidates {
		data, err := afero.ReadFile(fs, p)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		cfg, err := Parse(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p, err)
		}
		cfg.Source = p
		return cfg, nil
	}
	return nil, fmt.Errorf("%w in %v", ErrNotFound, candidates)
}

// Parse decodes a settings document. JSON is read as YAML.
func Parse(data []byte) (*Config, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		// Tab-indented JSON is valid JSON but not valid YAML.
		var doc interface{}
		if jerr := json.Unmarshal(data, &doc); jerr != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
		if err := root.Encode(doc); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	expandNode(&root)

	var cfg Config
	if len(root.Content) > 0 {
		if err := root.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	cfg.applyEnv()
	cfg.setDefaults()
	return &cfg, nil
}

// expandNode substitutes environment variables in string scalars, after
// parsing so that substituted backslashes need no escaping.
func expandNode(n *yaml.Node) {
	if n.Kind == yaml.ScalarNode && n.Tag == "!!str" {
		n.Value = os.Expand(n.Value, os.Getenv)
	}
	for _, c := range n.Content {
		expandNode(c)
	}
}

func (c *Config) applyEnv() {
	overrides := []struct {
		env    string
		target *string
	}{
		{"VPN_NAME", &c.VPN.ConnectionName},
		{"REMOTE_PATH", &c.Paths.RemoteServer},
		{"EXCEL_PATH", &c.Paths.ExcelFile},
		{"BATCH_DOCS_PATH", &c.Paths.BatchDocuments},
		{"GDRIVE_PATH", &c.Paths.LocalGDrive},
		{"INITIALS", &c.Excel.FilterCriteria.InitialsValue},
	}
	for _, o := range overrides {
		if v, ok := os.LookupEnv(o.env); ok && v != "" {
			*o.target = v
		}
	}
	if v, ok := os.LookupEnv("TEST_MODE"); ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			c.System.TestMode = b
		}
	}
}

func (c *Config) setDefaults() {
	if c.VPN.MaxRetries == 0 {
		c.VPN.MaxRetries = 3
	}
	if c.VPN.RetryDelay == 0 {
		c.VPN.RetryDelay = 5
	}
	if c.VPN.AttemptTimeout == 0 {
		c.VPN.AttemptTimeout = 30
	}
	if c.VPN.SettleDelay == 0 {
		c.VPN.SettleDelay = 2
	}
	if c.Excel.MaxRetries == 0 {
		c.Excel.MaxRetries = 3
	}
	if c.Excel.RetryDelay == 0 {
		c.Excel.RetryDelay = 5
	}
	if c.Destination.Type == "" {
		c.Destination.Type = "local"
	}
	if c.Sync.ChecksumThresholdMB == 0 {
		c.Sync.ChecksumThresholdMB = 10
	}
	if c.Sync.Workers == 0 {
		c.Sync.Workers = 1
	}
	if c.Ledger.Backend == "" {
		c.Ledger.Backend = "json"
	}
	if c.Ledger.Path == "" {
		c.Ledger.Path = ledger.DefaultPath
		if c.Ledger.Backend == "sqlite" {
			c.Ledger.Path = filepath.Join("logs", "transfer_transactions.db")
		}
	}
	if c.Ledger.RetentionDays == 0 {
		c.Ledger.RetentionDays = ledger.DefaultRetentionDays
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Dir == "" {
		c.Logging.Dir = "logs"
	}
	if c.Notifications.HistoryFile == "" {
		c.Notifications.HistoryFile = filepath.Join(c.Logging.Dir, "transfer_history.json")
	}
}

// Validate reports the first missing required setting.
func (c *Config) Validate() error {
	required := []struct {
		name  string
		value string
	}{
		{"paths.remote_server", c.Paths.RemoteServer},
		{"paths.excel_file", c.Paths.ExcelFile},
		{"paths.batch_documents", c.Paths.BatchDocuments},
		{"excel.filter_criteria.initials_column", c.Excel.FilterCriteria.InitialsColumn},
		{"excel.filter_criteria.initials_value", c.Excel.FilterCriteria.InitialsValue},
		{"excel.filter_criteria.release_status_column", c.Excel.FilterCriteria.ReleaseStatusColumn},
	}
	switch c.Destination.Type {
	case "local":
		required = append(required, struct {
			name  string
			value string
		}{"paths.local_gdrive", c.Paths.LocalGDrive})
	case "minio":
		required = append(required, []struct {
			name  string
			value string
		}{
			{"destination.minio.endpoint", c.Destination.Minio.Endpoint},
			{"destination.minio.bucket", c.Destination.Minio.Bucket},
		}...)
	default:
		return fmt.Errorf("unknown destination type %q", c.Destination.Type)
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return fmt.Errorf("missing required setting: %s", r.name)
		}
	}

	switch c.Ledger.Backend {
	case "json", "sqlite":
	default:
		return fmt.Errorf("unknown ledger backend %q", c.Ledger.Backend)
	}
	if c.VPNRequired() && strings.TrimSpace(c.VPN.ConnectionName) == "" {
		return errors.New("missing required setting: vpn.connection_name")
	}
	return nil
}

// VPNRequired reports whether the connectivity guard must run.
func (c *Config) VPNRequired() bool {
	if c.System.TestMode {
		return false
	}
	return c.System.VPNEnabled == nil || *c.System.VPNEnabled
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func (v VPNConfig) RetryDelayDuration() time.Duration     { return seconds(v.RetryDelay) }
func (v VPNConfig) AttemptTimeoutDuration() time.Duration { return seconds(v.AttemptTimeout) }

// SettleDelayDuration is negative when settling is disabled with a negative value.
func (v VPNConfig) SettleDelayDuration() time.Duration { return seconds(v.SettleDelay) }

func (e ExcelConfig) RetryDelayDuration() time.Duration { return seconds(e.RetryDelay) }

func (s SyncConfig) FileTimeoutDuration() time.Duration { return seconds(s.FileTimeout) }

// ChecksumThreshold is the threshold in bytes.
func (s SyncConfig) ChecksumThreshold() int64 {
	return int64(s.ChecksumThresholdMB) * 1024 * 1024
}

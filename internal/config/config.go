package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ixs/knxcal/internal/model"
)

// CalendarConfig describes the iCal subscription the gateway watches.
type CalendarConfig struct {
	// URL is the ICS endpoint.
	URL string `yaml:"url" json:"url"`

	// CacheDir, if set, enables conditional fetching (ETag/Last-Modified)
	// with a disk-backed body cache that is reused when the network fails.
	CacheDir string `yaml:"cache_dir,omitempty" json:"cache_dir,omitempty"`

	// HorizonDays is how far into the future events are expanded.
	HorizonDays int `yaml:"horizon_days" json:"horizon_days"`
}

// MatchConfig selects which events are considered by the trigger evaluator.
type MatchConfig struct {
	// Pattern is matched against the event summary.
	Pattern string `yaml:"pattern" json:"pattern"`

	// Mode is "exact", "substring" or "regex". Empty means "exact", which is
	// what the original gateway did.
	Mode string `yaml:"mode,omitempty" json:"mode,omitempty"`
}

// HeartbeatConfig describes the periodic liveness signal. The section is
// optional; a nil HeartbeatConfig disables the heartbeat entirely.
type HeartbeatConfig struct {
	Address   string `yaml:"address" json:"address"`
	ValueType string `yaml:"value_type" json:"value_type"`

	// Value is parsed as a boolean ("true", "1", "on", ...).
	Value string `yaml:"value" json:"value"`

	// FrequencyMinutes is the minimum interval between heartbeat sends.
	FrequencyMinutes int `yaml:"frequency_minutes" json:"frequency_minutes"`
}

// ConnectionConfig describes how to reach the KNX installation.
type ConnectionConfig struct {
	// Type is "tunneling", "routing" or "auto". With "auto", tunneling is
	// used when a gateway address is configured, routing otherwise.
	Type string `yaml:"type,omitempty" json:"type,omitempty"`

	// Gateway is the KNXnet/IP gateway address ("ip:port") for tunneling.
	Gateway string `yaml:"gateway,omitempty" json:"gateway,omitempty"`

	// Multicast is the routing multicast group ("ip:port").
	Multicast string `yaml:"multicast,omitempty" json:"multicast,omitempty"`
}

// Config is the top-level application configuration.
type Config struct {
	Calendar CalendarConfig `yaml:"calendar" json:"calendar"`
	Match    MatchConfig    `yaml:"match" json:"match"`

	// StateFile is the notification ledger database path.
	StateFile string `yaml:"state_file" json:"state_file"`

	// Schedule is an optional cron expression. When set, the gateway runs
	// cycles on that schedule instead of exiting after one cycle.
	Schedule string `yaml:"schedule,omitempty" json:"schedule,omitempty"`

	Triggers  []model.TriggerRule `yaml:"triggers" json:"triggers"`
	Heartbeat *HeartbeatConfig    `yaml:"heartbeat,omitempty" json:"heartbeat,omitempty"`

	Connection ConnectionConfig `yaml:"connection,omitempty" json:"connection,omitempty"`
}

// DefaultConfig returns a starter configuration for -write-config.
func DefaultConfig() *Config {
	return &Config{
		Calendar: CalendarConfig{
			URL:         "https://example.com/calendar.ics",
			HorizonDays: 60,
		},
		Match: MatchConfig{
			Pattern: "Vacation",
			Mode:    MatchExact,
		},
		StateFile: "knxcal.db",
		Triggers: []model.TriggerRule{
			{
				Name:        "prewarm",
				OffsetHours: 24,
				Base:        model.BaseBegin,
				Address:     "1/2/3",
				ValueType:   "1.001",
				Value:       "true",
			},
		},
		Connection: ConnectionConfig{Type: ConnAuto},
	}
}

// Normalize fills in missing values with defaults so partially-filled
// configs still behave correctly. It does not validate; see Validate.
func (c *Config) Normalize() {
	if c.Calendar.HorizonDays <= 0 {
		c.Calendar.HorizonDays = 60
	}
	if c.Match.Mode == "" {
		c.Match.Mode = MatchExact
	}
	if c.Connection.Type == "" {
		c.Connection.Type = ConnAuto
	}
	if c.Connection.Multicast == "" {
		c.Connection.Multicast = "224.0.23.12:3671"
	}
}

// Match modes.
const (
	MatchExact     = "exact"
	MatchSubstring = "substring"
	MatchRegex     = "regex"
)

// Connection types.
const (
	ConnAuto      = "auto"
	ConnTunneling = "tunneling"
	ConnRouting   = "routing"
)

// Validate reports the first configuration error found. Everything caught
// here is fatal at startup.
func (c *Config) Validate() error {
	if c.Calendar.URL == "" {
		return errors.New("calendar.url is required")
	}
	if c.Match.Pattern == "" {
		return errors.New("match.pattern is required")
	}
	if c.StateFile == "" {
		return errors.New("state_file is required")
	}
	if _, err := NewMatcher(c.Match); err != nil {
		return err
	}

	switch c.Connection.Type {
	case ConnAuto, ConnRouting:
	case ConnTunneling:
		if c.Connection.Gateway == "" {
			return errors.New("connection.gateway is required for tunneling")
		}
	default:
		return fmt.Errorf("connection.type must be %q, %q or %q, got %q",
			ConnAuto, ConnTunneling, ConnRouting, c.Connection.Type)
	}

	for _, t := range c.Triggers {
		if t.Name == "" {
			return errors.New("trigger name is required")
		}
		if t.Base != model.BaseBegin && t.Base != model.BaseEnd {
			return fmt.Errorf("trigger %q: base must be %q or %q, got %q",
				t.Name, model.BaseBegin, model.BaseEnd, t.Base)
		}
		if t.Address == "" {
			return fmt.Errorf("trigger %q: address is required", t.Name)
		}
	}

	if hb := c.Heartbeat; hb != nil {
		if hb.Address == "" {
			return errors.New("heartbeat.address is required")
		}
		if hb.FrequencyMinutes <= 0 {
			return errors.New("heartbeat.frequency_minutes must be positive")
		}
		if _, err := ParseBoolValue(hb.Value); err != nil {
			return fmt.Errorf("heartbeat.value: %w", err)
		}
	}

	return nil
}

// ParseBoolValue parses a configured boolean payload. It accepts the
// strconv forms plus "on"/"off".
func ParseBoolValue(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "on":
		return true, nil
	case "off":
		return false, nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(s))
	if err != nil {
		return false, fmt.Errorf("not a boolean value: %q", s)
	}
	return b, nil
}

// Matcher decides whether an event summary passes the configured name
// filter. Build one with NewMatcher.
type Matcher struct {
	mode    string
	pattern string
	re      *regexp.Regexp
}

// NewMatcher compiles the configured match rule.
func NewMatcher(m MatchConfig) (*Matcher, error) {
	mode := m.Mode
	if mode == "" {
		mode = MatchExact
	}
	switch mode {
	case MatchExact, MatchSubstring:
		return &Matcher{mode: mode, pattern: m.Pattern}, nil
	case MatchRegex:
		re, err := regexp.Compile(m.Pattern)
		if err != nil {
			return nil, fmt.Errorf("match.pattern: %w", err)
		}
		return &Matcher{mode: mode, pattern: m.Pattern, re: re}, nil
	default:
		return nil, fmt.Errorf("match.mode must be %q, %q or %q, got %q",
			MatchExact, MatchSubstring, MatchRegex, mode)
	}
}

// Matches reports whether summary passes the filter.
func (m *Matcher) Matches(summary string) bool {
	switch m.mode {
	case MatchSubstring:
		return strings.Contains(summary, m.pattern)
	case MatchRegex:
		return m.re.MatchString(summary)
	default:
		return summary == m.pattern
	}
}

// Load loads configuration from the given YAML path and normalizes it.
// Validation is a separate step so -write-config can operate on paths that
// do not exist yet.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save writes the given configuration to the specified path.
//
//   - Ensures the parent directory exists (0700).
//   - Writes atomically via a temp file + rename.
//   - Final file permissions are 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".knxcal-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}

	return os.Rename(tmpName, path)
}

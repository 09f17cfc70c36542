package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/vinayprograms/farmkit/control"
	"github.com/vinayprograms/farmkit/errors"
	"github.com/vinayprograms/farmkit/logging"
	"github.com/vinayprograms/farmkit/protocol"
)

// Config is the supervisor configuration file.
type Config struct {
	Server     ServerConfig              `toml:"server" yaml:"server"`
	Session    SessionConfig             `toml:"session" yaml:"session"`
	Supervisor SupervisorConfig          `toml:"supervisor" yaml:"supervisor"`
	Schedule   map[string]IntervalConfig `toml:"schedule" yaml:"schedule"`
	Settings   map[string]interface{}    `toml:"settings" yaml:"settings"`
	Policy     PolicyConfig              `toml:"policy" yaml:"policy"`
	Accounts   []control.Account         `toml:"accounts" yaml:"accounts"`
	Bus        BusConfig                 `toml:"bus" yaml:"bus"`
	State      StateConfig               `toml:"state" yaml:"state"`
	Telemetry  TelemetryConfig           `toml:"telemetry" yaml:"telemetry"`
	Log        LogConfig                 `toml:"log" yaml:"log"`
}

// ServerConfig describes the remote game endpoint.
type ServerConfig struct {
	URL              string   `toml:"url" yaml:"url"`
	Origin           string   `toml:"origin" yaml:"origin"`
	Codec            string   `toml:"codec" yaml:"codec"`
	Binary           bool     `toml:"binary" yaml:"binary"`
	HandshakeTimeout Duration `toml:"handshake_timeout" yaml:"handshake_timeout"`
	WriteTimeout     Duration `toml:"write_timeout" yaml:"write_timeout"`
	PingInterval     Duration `toml:"ping_interval" yaml:"ping_interval"`
	MaxMessageSize   int64    `toml:"max_message_size" yaml:"max_message_size"`
}

// SessionConfig tunes each worker's session.
type SessionConfig struct {
	CallTimeout       Duration          `toml:"call_timeout" yaml:"call_timeout"`
	HeartbeatInterval Duration          `toml:"heartbeat_interval" yaml:"heartbeat_interval"`
	Probe             protocol.Endpoint `toml:"probe" yaml:"probe"`
	RateLimit         int               `toml:"rate_limit" yaml:"rate_limit"`
	RateWindow        Duration          `toml:"rate_window" yaml:"rate_window"`
	ThrottleCodes     []int64           `toml:"throttle_codes" yaml:"throttle_codes"`
}

// SupervisorConfig tunes worker management.
type SupervisorConfig struct {
	StopGrace           Duration `toml:"stop_grace" yaml:"stop_grace"`
	APITimeout          Duration `toml:"api_timeout" yaml:"api_timeout"`
	StatusInterval      Duration `toml:"status_interval" yaml:"status_interval"`
	DisconnectThreshold Duration `toml:"disconnect_threshold" yaml:"disconnect_threshold"`
	AutoRemove          bool     `toml:"auto_remove" yaml:"auto_remove"`
	ReconnectMin        Duration `toml:"reconnect_min" yaml:"reconnect_min"`
	ReconnectMax        Duration `toml:"reconnect_max" yaml:"reconnect_max"`
	LogRetention        int      `toml:"log_retention" yaml:"log_retention"`
}

// IntervalConfig bounds the random delay between two runs of a task kind.
type IntervalConfig struct {
	Min Duration `toml:"min" yaml:"min"`
	Max Duration `toml:"max" yaml:"max"`
}

// PolicyConfig mirrors control.Policy.
type PolicyConfig struct {
	TreatUnknownAsTerminal bool `toml:"treat_unknown_as_terminal" yaml:"treat_unknown_as_terminal"`
}

// BusConfig selects the status broadcast bus. An empty URL keeps it in memory.
type BusConfig struct {
	URL  string `toml:"url" yaml:"url"`
	Name string `toml:"name" yaml:"name"`
}

// StateConfig selects the status store. An empty URL keeps it in memory.
type StateConfig struct {
	URL    string `toml:"url" yaml:"url"`
	Bucket string `toml:"bucket" yaml:"bucket"`
}

// TelemetryConfig enables OTLP trace export.
type TelemetryConfig struct {
	Enabled     bool              `toml:"enabled" yaml:"enabled"`
	Endpoint    string            `toml:"endpoint" yaml:"endpoint"`
	Protocol    string            `toml:"protocol" yaml:"protocol"`
	Insecure    bool              `toml:"insecure" yaml:"insecure"`
	ServiceName string            `toml:"service_name" yaml:"service_name"`
	SampleRatio float64           `toml:"sample_ratio" yaml:"sample_ratio"`
	Debug       bool              `toml:"debug" yaml:"debug"`
	Headers     map[string]string `toml:"headers" yaml:"headers"`
}

// LogConfig sets the log level.
type LogConfig struct {
	Level string `toml:"level" yaml:"level"`
}

// Defaults returns a configuration with every tunable set.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Codec:            protocol.JSONCodec{}.Name(),
			HandshakeTimeout: Duration(10 * time.Second),
			WriteTimeout:     Duration(10 * time.Second),
			PingInterval:     Duration(30 * time.Second),
			MaxMessageSize:   1 << 20,
		},
		Session: SessionConfig{
			CallTimeout:       Duration(10 * time.Second),
			HeartbeatInterval: Duration(25 * time.Second),
			Probe:             protocol.Endpoint{Service: "gamepb.userpb.UserService", Method: "Heartbeat"},
			RateWindow:        Duration(time.Minute),
		},
		Supervisor: SupervisorConfig{
			StopGrace:           Duration(5 * time.Second),
			APITimeout:          Duration(30 * time.Second),
			StatusInterval:      Duration(10 * time.Second),
			DisconnectThreshold: Duration(10 * time.Minute),
			ReconnectMin:        Duration(time.Second),
			ReconnectMax:        Duration(2 * time.Minute),
			LogRetention:        5000,
		},
		Schedule: map[string]IntervalConfig{},
		Settings: map[string]interface{}{},
		Bus:      BusConfig{Name: "farmd"},
		State:    StateConfig{Bucket: "farmd"},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			ServiceName: "farmd",
		},
		Log: LogConfig{Level: string(logging.LevelInfo)},
	}
}

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := Parse(data, formatOf(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes data in the given format ("toml" or "yaml") over Defaults
// and validates the result.
func Parse(data []byte, format string) (*Config, error) {
	cfg := Defaults()
	switch format {
	case "toml":
		if _, err := toml.NewDecoder(bytes.NewReader(data)).Decode(cfg); err != nil {
			return nil, errors.InvalidInput("parse toml", errors.WithCause(err))
		}
	case "yaml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.InvalidInput("parse yaml", errors.WithCause(err))
		}
	default:
		return nil, errors.InvalidInput("unknown config format " + format)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func formatOf(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	default:
		return "toml"
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.URL == "" {
		return errors.InvalidInput("server.url is required")
	}
	if _, err := protocol.CodecByName(c.Server.Codec); err != nil {
		return err
	}
	if c.Session.CallTimeout <= 0 {
		return errors.InvalidInput("session.call_timeout must be positive")
	}
	if c.Session.HeartbeatInterval <= 0 {
		return errors.InvalidInput("session.heartbeat_interval must be positive")
	}
	if c.Session.Probe.Service == "" || c.Session.Probe.Method == "" {
		return errors.InvalidInput("session.probe needs service and method")
	}
	if c.Session.RateLimit < 0 {
		return errors.InvalidInput("session.rate_limit cannot be negative")
	}
	if c.Session.RateLimit > 0 && c.Session.RateWindow <= 0 {
		return errors.InvalidInput("session.rate_window must be positive when rate_limit is set")
	}
	if c.Supervisor.StopGrace < 0 || c.Supervisor.APITimeout <= 0 {
		return errors.InvalidInput("supervisor.stop_grace and api_timeout must be positive")
	}
	if c.Supervisor.ReconnectMin <= 0 || c.Supervisor.ReconnectMax < c.Supervisor.ReconnectMin {
		return errors.InvalidInput("supervisor.reconnect_min must be positive and not above reconnect_max")
	}
	for kind, iv := range c.Schedule {
		if iv.Min <= 0 || iv.Max < iv.Min {
			return errors.InvalidInput(fmt.Sprintf("schedule.%s: need 0 < min <= max", kind))
		}
	}
	seen := make(map[string]bool, len(c.Accounts))
	for i, a := range c.Accounts {
		if a.ID == "" {
			return errors.InvalidInput(fmt.Sprintf("accounts[%d]: id is required", i))
		}
		if seen[a.ID] {
			return errors.InvalidInput("duplicate account id " + a.ID)
		}
		seen[a.ID] = true
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return errors.InvalidInput("telemetry.sample_ratio must be within [0, 1]")
	}
	return nil
}

// Account returns the account with the given id.
func (c *Config) Account(id string) (control.Account, bool) {
	for _, a := range c.Accounts {
		if a.ID == id {
			return a, true
		}
	}
	return control.Account{}, false
}

// EnabledAccounts returns the accounts to start.
func (c *Config) EnabledAccounts() []control.Account {
	var out []control.Account
	for _, a := range c.Accounts {
		if a.IsEnabled() {
			out = append(out, a)
		}
	}
	return out
}

// Snapshot returns the content pushed to workers. Revision is left zero;
// the supervisor assigns it.
func (c *Config) Snapshot() *control.Snapshot {
	s := &control.Snapshot{
		Schedule: make(map[string]control.Interval, len(c.Schedule)),
		Settings: make(map[string]interface{}, len(c.Settings)),
		Policy:   control.Policy{TreatUnknownAsTerminal: c.Policy.TreatUnknownAsTerminal},
	}
	for kind, iv := range c.Schedule {
		s.Schedule[kind] = control.Interval{Min: iv.Min.D(), Max: iv.Max.D()}
	}
	for k, v := range c.Settings {
		s.Settings[k] = v
	}
	return s
}

// ErrInsecurePermissions is returned when a config file holding tokens is
// readable by group or others.
var ErrInsecurePermissions = errors.New(errors.ErrCodeInvalidInput, "config file has insecure permissions")

// CheckPermissions reports ErrInsecurePermissions when path holds account
// tokens and is group or world readable.
func CheckPermissions(path string, cfg *Config) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	hasToken := false
	for _, a := range cfg.Accounts {
		if a.Token != "" {
			hasToken = true
			break
		}
	}
	if !hasToken {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.Mode().Perm()&0o077 != 0 {
		return errors.Wrap(ErrInsecurePermissions,
			fmt.Sprintf("%s has mode %04o, want 0600", path, info.Mode().Perm()))
	}
	return nil
}

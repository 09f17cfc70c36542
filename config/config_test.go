package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/vinayprograms/farmkit/errors"
)

const sampleTOML = `
[server]
url = "ws://127.0.0.1:9000/ws"
codec = "cbor"

[session]
call_timeout = "3s"
heartbeat_interval = "20s"
rate_limit = 30
rate_window = "1m"
throttle_codes = [429]

[session.probe]
service = "pb.User"
method = "Ping"

[supervisor]
disconnect_threshold = "5m"
auto_remove = true

[schedule.farm]
min = "5m"
max = "8m"

[settings]
crop = "wheat"

[policy]
treat_unknown_as_terminal = true

[[accounts]]
id = "alice"
name = "Alice"

[[accounts]]
id = "bob"
enabled = false
`

const sampleYAML = `
server:
  url: ws://127.0.0.1:9000/ws
session:
  call_timeout: 4s
schedule:
  farm:
    min: 1m
    max: 2m
accounts:
  - id: carol
    settings:
      crop: corn
`

func TestParse_TOML(t *testing.T) {
	cfg, err := Parse([]byte(sampleTOML), "toml")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Server.Codec != "cbor" {
		t.Errorf("codec = %q", cfg.Server.Codec)
	}
	if cfg.Session.CallTimeout.D() != 3*time.Second {
		t.Errorf("call_timeout = %s", cfg.Session.CallTimeout)
	}
	if cfg.Session.Probe.Method != "Ping" {
		t.Errorf("probe = %+v", cfg.Session.Probe)
	}
	if len(cfg.Session.ThrottleCodes) != 1 || cfg.Session.ThrottleCodes[0] != 429 {
		t.Errorf("throttle_codes = %v", cfg.Session.ThrottleCodes)
	}
	if cfg.Supervisor.DisconnectThreshold.D() != 5*time.Minute || !cfg.Supervisor.AutoRemove {
		t.Errorf("supervisor = %+v", cfg.Supervisor)
	}
	// Untouched values keep their defaults.
	if cfg.Supervisor.StopGrace.D() != 5*time.Second {
		t.Errorf("stop_grace default lost: %s", cfg.Supervisor.StopGrace)
	}
	if iv := cfg.Schedule["farm"]; iv.Min.D() != 5*time.Minute || iv.Max.D() != 8*time.Minute {
		t.Errorf("schedule = %+v", cfg.Schedule)
	}
	if len(cfg.EnabledAccounts()) != 1 {
		t.Errorf("enabled accounts = %v", cfg.EnabledAccounts())
	}
	if a, ok := cfg.Account("bob"); !ok || a.IsEnabled() {
		t.Errorf("bob = %+v, %v", a, ok)
	}
}

func TestParse_YAML(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML), "yaml")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Session.CallTimeout.D() != 4*time.Second {
		t.Errorf("call_timeout = %s", cfg.Session.CallTimeout)
	}
	if cfg.Session.HeartbeatInterval.D() != 25*time.Second {
		t.Errorf("heartbeat default lost: %s", cfg.Session.HeartbeatInterval)
	}
	if iv := cfg.Schedule["farm"]; iv.Max.D() != 2*time.Minute {
		t.Errorf("schedule = %+v", cfg.Schedule)
	}
	if len(cfg.Accounts) != 1 || cfg.Accounts[0].Settings["crop"] != "corn" {
		t.Errorf("accounts = %+v", cfg.Accounts)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing url", func(c *Config) { c.Server.URL = "" }},
		{"bad codec", func(c *Config) { c.Server.Codec = "xml" }},
		{"zero call timeout", func(c *Config) { c.Session.CallTimeout = 0 }},
		{"zero heartbeat", func(c *Config) { c.Session.HeartbeatInterval = 0 }},
		{"empty probe", func(c *Config) { c.Session.Probe.Method = "" }},
		{"rate without window", func(c *Config) { c.Session.RateLimit = 5; c.Session.RateWindow = 0 }},
		{"inverted reconnect", func(c *Config) { c.Supervisor.ReconnectMax = 0 }},
		{"inverted schedule", func(c *Config) {
			c.Schedule["farm"] = IntervalConfig{Min: Duration(time.Minute), Max: Duration(time.Second)}
		}},
		{"account without id", func(c *Config) { c.Accounts = append(c.Accounts, c.Accounts[0]); c.Accounts[1].ID = "" }},
		{"duplicate account", func(c *Config) { c.Accounts = append(c.Accounts, c.Accounts[0]) }},
		{"sample ratio", func(c *Config) { c.Telemetry.SampleRatio = 2 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Parse([]byte(sampleTOML), "toml")
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			tt.mutate(cfg)
			err = cfg.Validate()
			if !errors.Is(err, errors.ErrCodeInvalidInput) {
				t.Errorf("expected INVALID_INPUT, got %v", err)
			}
		})
	}
}

func TestParse_Errors(t *testing.T) {
	if _, err := Parse([]byte("[server\n"), "toml"); err == nil {
		t.Error("expected toml syntax error")
	}
	if _, err := Parse([]byte("server: [1"), "yaml"); err == nil {
		t.Error("expected yaml syntax error")
	}
	if _, err := Parse([]byte("[session]\ncall_timeout = \"soon\"\n"), "toml"); err == nil {
		t.Error("expected bad duration error")
	}
	if _, err := Parse(nil, "ini"); err == nil {
		t.Error("expected unknown format error")
	}
}

func TestSnapshot(t *testing.T) {
	cfg, err := Parse([]byte(sampleTOML), "toml")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	s := cfg.Snapshot()
	if s.Revision != 0 {
		t.Errorf("revision = %d", s.Revision)
	}
	if s.Schedule["farm"].Min != 5*time.Minute {
		t.Errorf("schedule = %+v", s.Schedule)
	}
	if s.Settings["crop"] != "wheat" || !s.Policy.TreatUnknownAsTerminal {
		t.Errorf("snapshot = %+v", s)
	}

	// The snapshot is a copy.
	s.Settings["crop"] = "rice"
	if cfg.Settings["crop"] != "wheat" {
		t.Error("snapshot shares settings with config")
	}
}

func TestLoad_ByExtension(t *testing.T) {
	dir := t.TempDir()
	yml := filepath.Join(dir, "farm.yml")
	if err := os.WriteFile(yml, []byte(sampleYAML), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(yml)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Accounts[0].ID != "carol" {
		t.Errorf("accounts = %+v", cfg.Accounts)
	}

	if _, err := Load(filepath.Join(dir, "missing.toml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestCheckPermissions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "farm.toml")
	if err := os.WriteFile(path, []byte(sampleTOML), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(path, 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, _ := Parse([]byte(sampleTOML), "toml")

	// No tokens, nothing to protect.
	if err := CheckPermissions(path, cfg); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	cfg.Accounts[0].Token = "secret"
	if err := CheckPermissions(path, cfg); !errors.Is(err, errors.ErrCodeInvalidInput) {
		t.Errorf("expected insecure permissions error, got %v", err)
	}

	if err := os.Chmod(path, 0o600); err != nil {
		t.Fatal(err)
	}
	if err := CheckPermissions(path, cfg); err != nil {
		t.Errorf("unexpected error after chmod: %v", err)
	}
}

func TestWatcher_Reload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "farm.toml")
	if err := os.WriteFile(path, []byte(sampleTOML), 0o600); err != nil {
		t.Fatal(err)
	}

	changes := make(chan *Config, 4)
	w := NewWatcher(path, func(c *Config) { changes <- c }, nil)
	w.SetDebounce(20 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Give the watcher time to register.
	time.Sleep(50 * time.Millisecond)

	// An invalid file is skipped.
	if err := os.WriteFile(path, []byte("[server]\nurl = \"\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	select {
	case c := <-changes:
		t.Fatalf("invalid config delivered: %+v", c)
	case <-time.After(150 * time.Millisecond):
	}

	updated := sampleTOML + "\n[schedule.water]\nmin = \"1m\"\nmax = \"1m\"\n"
	if err := os.WriteFile(path, []byte(updated), 0o600); err != nil {
		t.Fatal(err)
	}
	select {
	case c := <-changes:
		if _, ok := c.Schedule["water"]; !ok {
			t.Errorf("reloaded schedule = %+v", c.Schedule)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for reload")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("watcher did not stop")
	}
}

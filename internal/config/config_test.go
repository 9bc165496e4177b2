package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pion/logging"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultsAreValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "glimpse.yaml", `
log_level: debug
cast:
  listen: 127.0.0.1:9000
  source: synthetic
  fps: 15
  max_viewers: 3
  lease: 20s
receive:
  caster: 10.0.0.2:9000
  register_timeout: 2s
control:
  addr: 127.0.0.1:8080
  token: abc
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	if cfg.Cast.Listen != "127.0.0.1:9000" || cfg.Cast.FPS != 15 || cfg.Cast.MaxViewers != 3 {
		t.Errorf("cast = %+v", cfg.Cast)
	}
	if cfg.Cast.Lease != 20*time.Second || cfg.Receive.RegisterTimeout != 2*time.Second {
		t.Errorf("durations not parsed: lease=%v timeout=%v", cfg.Cast.Lease, cfg.Receive.RegisterTimeout)
	}
	// Unset fields keep their defaults.
	if cfg.Cast.MaxDatagram != 1200 || cfg.Receive.RetryInterval != 500*time.Millisecond {
		t.Errorf("defaults lost: %+v %+v", cfg.Cast, cfg.Receive)
	}
	if cfg.Control.Token != "abc" {
		t.Errorf("token = %q", cfg.Control.Token)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("Load of a missing file succeeded")
	}
}

func TestLoadBadYAML(t *testing.T) {
	path := writeFile(t, "bad.yaml", "cast: [unterminated")
	if _, err := Load(path); err == nil {
		t.Fatal("Load of malformed YAML succeeded")
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"GLIMPSE_CAST_FPS":         "60",
		"GLIMPSE_CASTER":           "192.168.1.5:7070",
		"GLIMPSE_REGISTER_TIMEOUT": "750ms",
		"GLIMPSE_TOKEN":            "t0k",
		"GLIMPSE_TLS":              "true",
	}
	cfg := Default()
	err := cfg.ApplyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Cast.FPS != 60 || cfg.Receive.Caster != "192.168.1.5:7070" ||
		cfg.Receive.RegisterTimeout != 750*time.Millisecond || cfg.Control.Token != "t0k" || !cfg.Control.TLS {
		t.Errorf("env not applied: %+v", cfg)
	}
}

func TestApplyEnvReportsBadValues(t *testing.T) {
	env := map[string]string{"GLIMPSE_CAST_FPS": "fast", "GLIMPSE_LEASE": "forever", "GLIMPSE_TLS": "maybe"}
	err := Default().ApplyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
	if err == nil {
		t.Fatal("bad env values accepted")
	}
	for _, name := range []string{"GLIMPSE_CAST_FPS", "GLIMPSE_LEASE", "GLIMPSE_TLS"} {
		if !strings.Contains(err.Error(), name) {
			t.Errorf("error %q does not mention %s", err, name)
		}
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeFile(t, "glimpse.yaml", "cast:\n  fps: 10\n")
	t.Setenv("GLIMPSE_CAST_FPS", "25")
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Cast.FPS != 25 {
		t.Errorf("FPS = %d, want the env value 25", cfg.Cast.FPS)
	}
}

func TestLoadDotEnv(t *testing.T) {
	if err := LoadDotEnv(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("missing .env: %v", err)
	}

	path := writeFile(t, ".env", "GLIMPSE_TEST_DOTENV=from-file\n")
	t.Setenv("GLIMPSE_TEST_DOTENV", "")
	os.Unsetenv("GLIMPSE_TEST_DOTENV")
	if err := LoadDotEnv(path); err != nil {
		t.Fatal(err)
	}
	if got := os.Getenv("GLIMPSE_TEST_DOTENV"); got != "from-file" {
		t.Errorf("GLIMPSE_TEST_DOTENV = %q", got)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"log level", func(c *Config) { c.LogLevel = "loud" }, "log_level"},
		{"listen", func(c *Config) { c.Cast.Listen = "nohost" }, "cast.listen"},
		{"source", func(c *Config) { c.Cast.Source = "webcam" }, "cast.source"},
		{"fps", func(c *Config) { c.Cast.FPS = 0 }, "cast.fps"},
		{"viewers", func(c *Config) { c.Cast.MaxViewers = -1 }, "cast.max_viewers"},
		{"datagram", func(c *Config) { c.Cast.MaxDatagram = 70000 }, "cast.max_datagram"},
		{"caster", func(c *Config) { c.Receive.Caster = "host:port" }, "receive.caster"},
		{"timeout", func(c *Config) { c.Receive.RegisterTimeout = 0 }, "register_timeout"},
		{"heartbeat", func(c *Config) { c.Receive.HeartbeatInterval = time.Minute }, "heartbeat_interval"},
		{"control", func(c *Config) { c.Control.Addr = "::" }, "control.addr"},
		{"tls pair", func(c *Config) { c.Control.TLSCert = "cert.pem" }, "tls_key"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate = %v, want mention of %s", err, tt.want)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("DEBUG")
	if err != nil || lvl != logging.LogLevelDebug {
		t.Errorf("ParseLevel(DEBUG) = %v, %v", lvl, err)
	}
	if _, err := ParseLevel("chatty"); err == nil {
		t.Error("unknown level accepted")
	}
}

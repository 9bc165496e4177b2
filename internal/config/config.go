// Package config loads glimpse settings from a YAML file, the environment
// and an optional .env file, in increasing order of precedence. Command
// line flags are applied on top by the caller.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pion/logging"
	"gopkg.in/yaml.v3"
)

// EnvPrefix namespaces every environment override.
const EnvPrefix = "GLIMPSE_"

type Config struct {
	LogLevel string        `yaml:"log_level"` // error, warn, info, debug, trace
	Cast     CastConfig    `yaml:"cast"`
	Receive  ReceiveConfig `yaml:"receive"`
	Control  ControlConfig `yaml:"control"`
}

type CastConfig struct {
	Listen        string        `yaml:"listen"`
	Source        string        `yaml:"source"`  // screen or synthetic
	Display       int           `yaml:"display"` // index into the monitor list
	FPS           int           `yaml:"fps"`
	MaxViewers    int           `yaml:"max_viewers"` // 0 = unlimited
	Lease         time.Duration `yaml:"lease"`
	MaxDatagram   int           `yaml:"max_datagram"`
	SocketBuffer  int           `yaml:"socket_buffer"`
	StatsInterval time.Duration `yaml:"stats_interval"`
	StartBlanked  bool          `yaml:"start_blanked"`
}

type ReceiveConfig struct {
	Caster            string        `yaml:"caster"`
	Listen            string        `yaml:"listen"`
	RegisterTimeout   time.Duration `yaml:"register_timeout"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	SocketBuffer      int           `yaml:"socket_buffer"`
	// Snapshot, when set, is a PNG path rewritten with the newest frame.
	Snapshot     string        `yaml:"snapshot"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

type ControlConfig struct {
	Addr  string `yaml:"addr"` // empty disables the control server
	Token string `yaml:"token"`
	// TLS enables HTTPS with a self-signed certificate unless TLSCert
	// and TLSKey name a key pair on disk.
	TLS     bool   `yaml:"tls"`
	TLSCert string `yaml:"tls_cert"`
	TLSKey  string `yaml:"tls_key"`
}

func Default() *Config {
	return &Config{
		LogLevel: "info",
		Cast: CastConfig{
			Listen:       ":7070",
			Source:       "screen",
			FPS:          30,
			Lease:        10 * time.Second,
			MaxDatagram:  1200,
			SocketBuffer: 32 << 20,
		},
		Receive: ReceiveConfig{
			RegisterTimeout:   5 * time.Second,
			RetryInterval:     500 * time.Millisecond,
			HeartbeatInterval: 3 * time.Second,
			SocketBuffer:      32 << 20,
			PollInterval:      100 * time.Millisecond,
		},
	}
}

// Load builds a Config from defaults, the YAML file at path (skipped when
// path is empty) and GLIMPSE_* environment variables. It does not validate;
// call Validate once flags have been applied.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDotEnv exports the variables in a .env file that are not already set.
// A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides fields from the environment as seen through lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		if v, ok := lookup(EnvPrefix + name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	boolean := func(name string, dst *bool) {
		if v, ok := lookup(EnvPrefix + name); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = b
		}
	}
	dur := func(name string, dst *time.Duration) {
		if v, ok := lookup(EnvPrefix + name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = d
		}
	}

	str("LOG_LEVEL", &c.LogLevel)
	str("CAST_LISTEN", &c.Cast.Listen)
	str("CAST_SOURCE", &c.Cast.Source)
	num("CAST_DISPLAY", &c.Cast.Display)
	num("CAST_FPS", &c.Cast.FPS)
	num("MAX_VIEWERS", &c.Cast.MaxViewers)
	dur("LEASE", &c.Cast.Lease)
	num("MAX_DATAGRAM", &c.Cast.MaxDatagram)
	str("CASTER", &c.Receive.Caster)
	str("RECEIVE_LISTEN", &c.Receive.Listen)
	dur("REGISTER_TIMEOUT", &c.Receive.RegisterTimeout)
	str("SNAPSHOT", &c.Receive.Snapshot)
	str("CONTROL_ADDR", &c.Control.Addr)
	str("TOKEN", &c.Control.Token)
	boolean("TLS", &c.Control.TLS)
	str("TLS_CERT", &c.Control.TLSCert)
	str("TLS_KEY", &c.Control.TLSKey)
	return errors.Join(errs...)
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if err := checkAddr(c.Cast.Listen); err != nil {
		errs = append(errs, fmt.Errorf("cast.listen: %w", err))
	}
	switch c.Cast.Source {
	case "screen", "synthetic":
	default:
		errs = append(errs, fmt.Errorf("cast.source: unknown source %q (want screen or synthetic)", c.Cast.Source))
	}
	if c.Cast.Display < 0 {
		errs = append(errs, fmt.Errorf("cast.display: must not be negative, got %d", c.Cast.Display))
	}
	if c.Cast.FPS <= 0 || c.Cast.FPS > 240 {
		errs = append(errs, fmt.Errorf("cast.fps: must be in 1..240, got %d", c.Cast.FPS))
	}
	if c.Cast.MaxViewers < 0 {
		errs = append(errs, fmt.Errorf("cast.max_viewers: must not be negative, got %d", c.Cast.MaxViewers))
	}
	if c.Cast.MaxDatagram != 0 && (c.Cast.MaxDatagram < 128 || c.Cast.MaxDatagram > 65507) {
		errs = append(errs, fmt.Errorf("cast.max_datagram: must be in 128..65507, got %d", c.Cast.MaxDatagram))
	}
	if c.Receive.Caster != "" {
		if err := checkAddr(c.Receive.Caster); err != nil {
			errs = append(errs, fmt.Errorf("receive.caster: %w", err))
		}
	}
	if c.Receive.RegisterTimeout <= 0 {
		errs = append(errs, fmt.Errorf("receive.register_timeout: must be positive, got %v", c.Receive.RegisterTimeout))
	}
	if c.Receive.RetryInterval <= 0 || c.Receive.RetryInterval > c.Receive.RegisterTimeout {
		errs = append(errs, fmt.Errorf("receive.retry_interval: must be positive and at most register_timeout, got %v", c.Receive.RetryInterval))
	}
	if c.Cast.Lease > 0 && c.Receive.HeartbeatInterval >= c.Cast.Lease {
		errs = append(errs, fmt.Errorf("receive.heartbeat_interval %v must be shorter than cast.lease %v", c.Receive.HeartbeatInterval, c.Cast.Lease))
	}
	if c.Control.Addr != "" {
		if err := checkAddr(c.Control.Addr); err != nil {
			errs = append(errs, fmt.Errorf("control.addr: %w", err))
		}
	}
	if (c.Control.TLSCert != "") != (c.Control.TLSKey != "") {
		errs = append(errs, errors.New("control.tls_cert and control.tls_key must both be set"))
	}
	return errors.Join(errs...)
}

func checkAddr(addr string) error {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	if n, err := strconv.Atoi(port); err != nil || n < 0 || n > 65535 {
		return fmt.Errorf("invalid port %q", port)
	}
	return nil
}

// ParseLevel maps a level name onto a pion log level.
func ParseLevel(name string) (logging.LogLevel, error) {
	switch strings.ToLower(name) {
	case "disabled", "off":
		return logging.LogLevelDisabled, nil
	case "error":
		return logging.LogLevelError, nil
	case "warn", "warning":
		return logging.LogLevelWarn, nil
	case "info", "":
		return logging.LogLevelInfo, nil
	case "debug":
		return logging.LogLevelDebug, nil
	case "trace":
		return logging.LogLevelTrace, nil
	}
	return logging.LogLevelDisabled, fmt.Errorf("log_level: unknown level %q", name)
}

// LoggerFactory returns a pion logger factory at the configured level.
func (c *Config) LoggerFactory() logging.LoggerFactory {
	f := logging.NewDefaultLoggerFactory()
	if lvl, err := ParseLevel(c.LogLevel); err == nil {
		f.DefaultLogLevel = lvl
	}
	return f
}

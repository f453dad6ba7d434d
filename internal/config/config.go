// Package config loads padlink configuration.
//
// Values are resolved in three layers, each overriding the previous one:
//
//  1. Defaults from Default, optionally replaced field by field by a YAML
//     file named with --config or PADLINK_CONFIG.
//  2. PADLINK_* environment variables.
//  3. Command-line flags.
//
// Durations are written as Go duration strings ("1h", "100ms") in every
// layer. A Config is not modified after Load returns.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/exp/slices"
	"gopkg.in/yaml.v3"
)

// Encodings accepted for telemetry bodies.
const (
	EncodingJSON = "json"
	EncodingCBOR = "cbor"
)

// Client transports.
const (
	TransportHTTP      = "http"
	TransportWebSocket = "websocket"
)

// Directory storage backends.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
)

// Config is the full padlink configuration. Each binary reads the sections
// it needs and ignores the rest.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Tunnel    TunnelConfig    `yaml:"tunnel"`
	Directory DirectoryConfig `yaml:"directory"`
	Client    ClientConfig    `yaml:"client"`
	Health    HealthConfig    `yaml:"health"`
	Storage   StorageConfig   `yaml:"storage"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig configures the ingest endpoint and the publication loop.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// RefreshInterval is how long a published URL is left in place before
	// the tunnel is restarted.
	RefreshInterval string `yaml:"refresh_interval"`

	// RecoverBackoff is the pause after a failed cycle.
	RecoverBackoff string `yaml:"recover_backoff"`
}

// TunnelConfig configures the tunnel provider process.
type TunnelConfig struct {
	Executable   string   `yaml:"executable"`
	Args         []string `yaml:"args"`
	ControlURL   string   `yaml:"control_url"`
	PollInterval string   `yaml:"poll_interval"`
	MaxAttempts  int      `yaml:"max_attempts"`
	StopGrace    string   `yaml:"stop_grace"`
}

// DirectoryConfig names the directory used for rendezvous. Listen is only
// read by padlink-directory.
type DirectoryConfig struct {
	URL     string `yaml:"url"`
	Token   string `yaml:"token"`
	Timeout string `yaml:"timeout"`
	Listen  string `yaml:"listen"`
}

// ClientConfig configures the telemetry client.
type ClientConfig struct {
	RequestTimeout  string `yaml:"request_timeout"`
	MinSendInterval string `yaml:"min_send_interval"`
	Encoding        string `yaml:"encoding"`
	Transport       string `yaml:"transport"`
	SampleRate      int    `yaml:"sample_rate"`

	// MaxJoystickID bounds the device indices probed for a controller.
	MaxJoystickID int `yaml:"max_joystick_id"`
}

// HealthConfig configures the public URL health monitor. An interval of
// "0s" disables it.
type HealthConfig struct {
	Interval    string `yaml:"interval"`
	MaxFailures int    `yaml:"max_failures"`
}

// StorageConfig selects the backend behind a self-hosted directory.
type StorageConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

// LogConfig configures the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            5000,
			RefreshInterval: "1h",
			RecoverBackoff:  "10s",
		},
		Tunnel: TunnelConfig{
			Executable:   "ngrok",
			ControlURL:   "http://localhost:4040",
			PollInterval: "1s",
			MaxAttempts:  30,
			StopGrace:    "3s",
		},
		Directory: DirectoryConfig{
			URL:     "http://127.0.0.1:5050",
			Timeout: "10s",
			Listen:  ":5050",
		},
		Client: ClientConfig{
			RequestTimeout:  "10s",
			MinSendInterval: "100ms",
			Encoding:        EncodingJSON,
			Transport:       TransportHTTP,
			SampleRate:      60,
			MaxJoystickID:   8,
		},
		Health: HealthConfig{
			Interval:    "1m",
			MaxFailures: 3,
		},
		Storage: StorageConfig{
			Backend: BackendMemory,
			Path:    "padlink-directory.db",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadFile reads a YAML file over the defaults. Keys missing from the file
// keep their default values; unknown keys are rejected.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides fields from PADLINK_* variables. getenv is normally
// os.Getenv; an empty value leaves the field unchanged.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	var errs []error

	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		v := getenv(key)
		if v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %q is not an integer", key, v))
			return
		}
		*dst = n
	}

	str("PADLINK_HOST", &c.Server.Host)
	num("PADLINK_PORT", &c.Server.Port)
	str("PADLINK_REFRESH_INTERVAL", &c.Server.RefreshInterval)
	str("PADLINK_RECOVER_BACKOFF", &c.Server.RecoverBackoff)

	str("PADLINK_TUNNEL_EXECUTABLE", &c.Tunnel.Executable)
	str("PADLINK_TUNNEL_CONTROL_URL", &c.Tunnel.ControlURL)
	str("PADLINK_TUNNEL_POLL_INTERVAL", &c.Tunnel.PollInterval)
	num("PADLINK_TUNNEL_MAX_ATTEMPTS", &c.Tunnel.MaxAttempts)
	str("PADLINK_TUNNEL_STOP_GRACE", &c.Tunnel.StopGrace)

	str("PADLINK_DIRECTORY_URL", &c.Directory.URL)
	str("PADLINK_DIRECTORY_TOKEN", &c.Directory.Token)
	str("PADLINK_DIRECTORY_TIMEOUT", &c.Directory.Timeout)
	str("PADLINK_DIRECTORY_LISTEN", &c.Directory.Listen)

	str("PADLINK_REQUEST_TIMEOUT", &c.Client.RequestTimeout)
	str("PADLINK_MIN_SEND_INTERVAL", &c.Client.MinSendInterval)
	str("PADLINK_ENCODING", &c.Client.Encoding)
	str("PADLINK_TRANSPORT", &c.Client.Transport)
	num("PADLINK_SAMPLE_RATE", &c.Client.SampleRate)

	str("PADLINK_HEALTH_INTERVAL", &c.Health.Interval)
	num("PADLINK_HEALTH_MAX_FAILURES", &c.Health.MaxFailures)

	str("PADLINK_STORAGE_BACKEND", &c.Storage.Backend)
	str("PADLINK_STORAGE_PATH", &c.Storage.Path)

	str("PADLINK_LOG_LEVEL", &c.Log.Level)
	str("PADLINK_LOG_FORMAT", &c.Log.Format)

	return errors.Join(errs...)
}

// AddFlags registers one flag per option, bound to the current field
// values so that unset flags keep whatever the file and environment chose.
func (c *Config) AddFlags(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&c.Server.Host, "host", c.Server.Host, "ingest listen host")
	flagSet.IntVar(&c.Server.Port, "port", c.Server.Port, "ingest listen port")
	flagSet.StringVar(&c.Server.RefreshInterval, "refresh-interval", c.Server.RefreshInterval, "time between tunnel restarts")
	flagSet.StringVar(&c.Server.RecoverBackoff, "recover-backoff", c.Server.RecoverBackoff, "pause after a failed publication cycle")

	flagSet.StringVar(&c.Tunnel.Executable, "tunnel-executable", c.Tunnel.Executable, "tunnel provider executable")
	flagSet.StringSliceVar(&c.Tunnel.Args, "tunnel-arg", c.Tunnel.Args, "extra argument passed to the tunnel provider (repeatable)")
	flagSet.StringVar(&c.Tunnel.ControlURL, "tunnel-control-url", c.Tunnel.ControlURL, "tunnel provider local control API")
	flagSet.StringVar(&c.Tunnel.PollInterval, "tunnel-poll-interval", c.Tunnel.PollInterval, "delay between tunnel readiness polls")
	flagSet.IntVar(&c.Tunnel.MaxAttempts, "tunnel-max-attempts", c.Tunnel.MaxAttempts, "readiness polls before giving up")
	flagSet.StringVar(&c.Tunnel.StopGrace, "tunnel-stop-grace", c.Tunnel.StopGrace, "wait between SIGTERM and SIGKILL when stopping the provider")

	flagSet.StringVar(&c.Directory.URL, "directory-url", c.Directory.URL, "directory base URL")
	flagSet.StringVar(&c.Directory.Token, "directory-token", c.Directory.Token, "directory auth token")
	flagSet.StringVar(&c.Directory.Timeout, "directory-timeout", c.Directory.Timeout, "directory request timeout")
	flagSet.StringVar(&c.Directory.Listen, "directory-listen", c.Directory.Listen, "listen address of padlink-directory")

	flagSet.StringVar(&c.Client.RequestTimeout, "request-timeout", c.Client.RequestTimeout, "telemetry request timeout")
	flagSet.StringVar(&c.Client.MinSendInterval, "min-send-interval", c.Client.MinSendInterval, "minimum time between telemetry sends")
	flagSet.StringVar(&c.Client.Encoding, "encoding", c.Client.Encoding, "telemetry encoding (json, cbor)")
	flagSet.StringVar(&c.Client.Transport, "transport", c.Client.Transport, "telemetry transport (http, websocket)")
	flagSet.IntVar(&c.Client.SampleRate, "sample-rate", c.Client.SampleRate, "controller samples per second")
	flagSet.IntVar(&c.Client.MaxJoystickID, "max-joystick-id", c.Client.MaxJoystickID, "highest joystick index to probe")

	flagSet.StringVar(&c.Health.Interval, "health-interval", c.Health.Interval, "public URL health check interval (0s disables)")
	flagSet.IntVar(&c.Health.MaxFailures, "health-max-failures", c.Health.MaxFailures, "failed checks before the tunnel is restarted")

	flagSet.StringVar(&c.Storage.Backend, "storage-backend", c.Storage.Backend, "directory storage backend (memory, sqlite)")
	flagSet.StringVar(&c.Storage.Path, "storage-path", c.Storage.Path, "SQLite database path")

	flagSet.StringVar(&c.Log.Level, "log-level", c.Log.Level, "log level (debug, info, warn, error)")
	flagSet.StringVar(&c.Log.Format, "log-format", c.Log.Format, "log format (text, json)")
}

// Load resolves the configuration for the named binary from args (without
// the program name) and the environment. It returns pflag.ErrHelp when
// help was requested; usage has already been printed in that case.
func Load(name string, args []string, getenv func(string) string) (*Config, error) {
	path, err := configPath(name, args, getenv)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(getenv); err != nil {
		return nil, err
	}

	flagSet := pflag.NewFlagSet(name, pflag.ContinueOnError)
	flagSet.String("config", path, "YAML configuration file")
	cfg.AddFlags(flagSet)
	if err := flagSet.Parse(args); err != nil {
		return nil, err
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return nil, fmt.Errorf("unexpected argument: %s", rest[0])
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// configPath finds --config ahead of the full parse, since the file has to
// be loaded before flags are bound to their final defaults.
func configPath(name string, args []string, getenv func(string) string) (string, error) {
	var path string
	flagSet := pflag.NewFlagSet(name, pflag.ContinueOnError)
	flagSet.ParseErrorsWhitelist.UnknownFlags = true
	flagSet.SetOutput(io.Discard)
	flagSet.Usage = func() {}
	flagSet.StringVar(&path, "config", getenv("PADLINK_CONFIG"), "")
	if err := flagSet.Parse(args); err != nil && !errors.Is(err, pflag.ErrHelp) {
		return "", err
	}
	return path, nil
}

// Validate checks every option, reporting all problems at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Host == "" {
		errs = append(errs, fmt.Errorf("server.host is required"))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port))
	}
	errs = appendPositive(errs, "server.refresh_interval", c.Server.RefreshInterval)
	errs = appendPositive(errs, "server.recover_backoff", c.Server.RecoverBackoff)

	if c.Tunnel.Executable == "" {
		errs = append(errs, fmt.Errorf("tunnel.executable is required"))
	}
	if c.Tunnel.ControlURL == "" {
		errs = append(errs, fmt.Errorf("tunnel.control_url is required"))
	}
	errs = appendPositive(errs, "tunnel.poll_interval", c.Tunnel.PollInterval)
	errs = appendPositive(errs, "tunnel.stop_grace", c.Tunnel.StopGrace)
	if c.Tunnel.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("tunnel.max_attempts must be positive, got %d", c.Tunnel.MaxAttempts))
	}

	if c.Directory.URL == "" {
		errs = append(errs, fmt.Errorf("directory.url is required"))
	}
	errs = appendPositive(errs, "directory.timeout", c.Directory.Timeout)
	if c.Directory.Listen == "" {
		errs = append(errs, fmt.Errorf("directory.listen is required"))
	}

	errs = appendPositive(errs, "client.request_timeout", c.Client.RequestTimeout)
	errs = appendPositive(errs, "client.min_send_interval", c.Client.MinSendInterval)
	if !slices.Contains([]string{EncodingJSON, EncodingCBOR}, c.Client.Encoding) {
		errs = append(errs, fmt.Errorf("client.encoding must be one of: json, cbor"))
	}
	if !slices.Contains([]string{TransportHTTP, TransportWebSocket}, c.Client.Transport) {
		errs = append(errs, fmt.Errorf("client.transport must be one of: http, websocket"))
	}
	if c.Client.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("client.sample_rate must be positive, got %d", c.Client.SampleRate))
	}
	if c.Client.MaxJoystickID < 0 {
		errs = append(errs, fmt.Errorf("client.max_joystick_id must not be negative"))
	}

	if d, err := time.ParseDuration(c.Health.Interval); err != nil || d < 0 {
		errs = append(errs, fmt.Errorf("health.interval must be a non-negative duration, got %q", c.Health.Interval))
	}
	if c.Health.MaxFailures <= 0 {
		errs = append(errs, fmt.Errorf("health.max_failures must be positive, got %d", c.Health.MaxFailures))
	}

	switch c.Storage.Backend {
	case BackendMemory:
	case BackendSQLite:
		if c.Storage.Path == "" {
			errs = append(errs, fmt.Errorf("storage.path is required for the sqlite backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.backend must be one of: memory, sqlite"))
	}

	if !slices.Contains([]string{"debug", "info", "warn", "error"}, c.Log.Level) {
		errs = append(errs, fmt.Errorf("log.level must be one of: debug, info, warn, error"))
	}
	if !slices.Contains([]string{"text", "json"}, c.Log.Format) {
		errs = append(errs, fmt.Errorf("log.format must be one of: text, json"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed: %w", errors.Join(errs...))
	}
	return nil
}

func appendPositive(errs []error, field, value string) []error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", field, err))
	}
	if d <= 0 {
		return append(errs, fmt.Errorf("%s must be positive, got %s", field, value))
	}
	return errs
}

// ListenAddr is the ingest server's host:port.
func (s ServerConfig) ListenAddr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// Refresh returns the parsed refresh interval.
func (s ServerConfig) Refresh() time.Duration { return duration(s.RefreshInterval) }

// Backoff returns the parsed recover backoff.
func (s ServerConfig) Backoff() time.Duration { return duration(s.RecoverBackoff) }

// Poll returns the parsed readiness poll interval.
func (t TunnelConfig) Poll() time.Duration { return duration(t.PollInterval) }

// Grace returns the stop grace as a duration.
func (t TunnelConfig) Grace() time.Duration { return duration(t.StopGrace) }

// RequestTimeout returns the parsed directory timeout.
func (d DirectoryConfig) RequestTimeout() time.Duration { return duration(d.Timeout) }

// Timeout returns the parsed telemetry request timeout.
func (c ClientConfig) Timeout() time.Duration { return duration(c.RequestTimeout) }

// SendInterval returns the parsed minimum send interval.
func (c ClientConfig) SendInterval() time.Duration { return duration(c.MinSendInterval) }

// SampleInterval is the time between controller samples.
func (c ClientConfig) SampleInterval() time.Duration {
	if c.SampleRate <= 0 {
		return 0
	}
	return time.Second / time.Duration(c.SampleRate)
}

// CheckInterval returns the parsed health check interval.
func (h HealthConfig) CheckInterval() time.Duration { return duration(h.Interval) }

// duration parses a value already accepted by Validate.
func duration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}

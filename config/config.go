// Package config loads carla-mcp configuration from a YAML file and CARLA_MCP_*
// environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CARLA_MCP_"

// Transports.
const (
	TransportStdio = "stdio"
	TransportSSE   = "sse"
)

// Config is the complete carla-mcp configuration.
type Config struct {
	Carla    CarlaConfig    `yaml:"carla"`
	Server   ServerConfig   `yaml:"server"`
	Recorder RecorderConfig `yaml:"recorder"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Log      LogConfig      `yaml:"log"`
}

// CarlaConfig locates the simulator.
type CarlaConfig struct {
	Host              string        `yaml:"host"`
	Port              int           `yaml:"port"`
	Timeout           time.Duration `yaml:"timeout"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
}

// ServerConfig configures the MCP server.
type ServerConfig struct {
	Transport string `yaml:"transport"`
	// Addr is the listen address of the SSE transport.
	Addr string `yaml:"addr"`
	// BaseURL is the externally visible URL of the SSE transport. Empty means
	// http://Addr.
	BaseURL      string        `yaml:"base_url"`
	PingInterval time.Duration `yaml:"ping_interval"`
}

// RecorderConfig configures run recording. An empty path disables it.
type RecorderConfig struct {
	Path string `yaml:"path"`
}

// MetricsConfig configures the standalone metrics listener used with the stdio
// transport. An empty address disables it.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Carla: CarlaConfig{
			Host:              "localhost",
			Port:              2000,
			Timeout:           10 * time.Second,
			ReconnectInterval: 5 * time.Second,
		},
		Server: ServerConfig{
			Transport:    TransportStdio,
			Addr:         "127.0.0.1:8080",
			PingInterval: 30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if not empty),
// then environment overrides read through lookupEnv. A nil lookupEnv reads the process
// environment.
func Load(path string, lookupEnv func(string) (string, bool)) (Config, error) {
	cfg := Default()

	if path != "" {
		// #nosec G304 -- the configuration path is provided by the operator
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := decodeStrict(data, &cfg); err != nil {
			return Config{}, err
		}
	}

	if lookupEnv == nil {
		lookupEnv = os.LookupEnv
	}
	if err := applyEnv(&cfg, lookupEnv); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func decodeStrict(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("strict config parse error: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return fmt.Errorf("config file contains multiple documents or trailing content")
	}
	return nil
}

type envBinding struct {
	key string
	set func(string) error
}

func bindings(cfg *Config) []envBinding {
	str := func(p *string) func(string) error {
		return func(v string) error { *p = v; return nil }
	}
	num := func(p *int) func(string) error {
		return func(v string) error {
			n, err := strconv.Atoi(v)
			if err != nil {
				return err
			}
			*p = n
			return nil
		}
	}
	dur := func(p *time.Duration) func(string) error {
		return func(v string) error {
			d, err := time.ParseDuration(v)
			if err != nil {
				return err
			}
			*p = d
			return nil
		}
	}

	return []envBinding{
		{"CARLA_HOST", str(&cfg.Carla.Host)},
		{"CARLA_PORT", num(&cfg.Carla.Port)},
		{"CARLA_TIMEOUT", dur(&cfg.Carla.Timeout)},
		{"CARLA_RECONNECT_INTERVAL", dur(&cfg.Carla.ReconnectInterval)},
		{"SERVER_TRANSPORT", str(&cfg.Server.Transport)},
		{"SERVER_ADDR", str(&cfg.Server.Addr)},
		{"SERVER_BASE_URL", str(&cfg.Server.BaseURL)},
		{"SERVER_PING_INTERVAL", dur(&cfg.Server.PingInterval)},
		{"RECORDER_PATH", str(&cfg.Recorder.Path)},
		{"METRICS_ADDR", str(&cfg.Metrics.Addr)},
		{"LOG_LEVEL", str(&cfg.Log.Level)},
		{"LOG_FORMAT", str(&cfg.Log.Format)},
	}
}

func applyEnv(cfg *Config, lookupEnv func(string) (string, bool)) error {
	for _, b := range bindings(cfg) {
		v, ok := lookupEnv(EnvPrefix + b.key)
		if !ok {
			continue
		}
		if err := b.set(strings.TrimSpace(v)); err != nil {
			return fmt.Errorf("invalid %s%s: %w", EnvPrefix, b.key, err)
		}
	}
	return nil
}

// Validate reports every problem with the configuration.
func (c Config) Validate() error {
	var errs []error

	if c.Carla.Host == "" {
		errs = append(errs, errors.New("carla.host must not be empty"))
	}
	if c.Carla.Port < 1 || c.Carla.Port > 65535 {
		errs = append(errs, fmt.Errorf("carla.port %d out of range", c.Carla.Port))
	}
	if c.Carla.Timeout <= 0 {
		errs = append(errs, errors.New("carla.timeout must be positive"))
	}
	if c.Carla.ReconnectInterval < 0 {
		errs = append(errs, errors.New("carla.reconnect_interval must not be negative"))
	}

	switch c.Server.Transport {
	case TransportStdio:
	case TransportSSE:
		if c.Server.Addr == "" {
			errs = append(errs, errors.New("server.addr is required for the sse transport"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown server.transport %q", c.Server.Transport))
	}
	if c.Server.PingInterval <= 0 {
		errs = append(errs, errors.New("server.ping_interval must be positive"))
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown log.level %q", c.Log.Level))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log.format %q", c.Log.Format))
	}

	return errors.Join(errs...)
}

// ResolvedBaseURL returns the URL SSE clients reach the server at.
func (s ServerConfig) ResolvedBaseURL() string {
	if s.BaseURL != "" {
		return strings.TrimSuffix(s.BaseURL, "/")
	}
	return "http://" + s.Addr
}

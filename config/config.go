// Package config loads the streaming service configuration.
//
// Every value has a default, so the YAML file is optional. The file is
// named by the --config flag or the STREAMING_CONFIG environment variable.
// A small set of environment variables override file values for container
// deployments: STREAMING_ADDR, STREAMING_LOG_LEVEL and STREAMING_SINK_URL.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	EnvConfigPath = "STREAMING_CONFIG"
	EnvAddr       = "STREAMING_ADDR"
	EnvLogLevel   = "STREAMING_LOG_LEVEL"
	EnvSinkURL    = "STREAMING_SINK_URL"
)

// Config is the full service configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Log     LogConfig     `yaml:"log"`
	Reader  ReaderConfig  `yaml:"reader"`
	Capture CaptureConfig `yaml:"capture"`
	Bus     BusConfig     `yaml:"bus"`
	Sink    SinkConfig    `yaml:"sink"`
}

// ServerConfig configures the control-plane HTTP server.
type ServerConfig struct {
	Addr string `yaml:"addr"`
	// ShutdownTimeout bounds graceful HTTP shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
}

// ReaderConfig configures source connections.
type ReaderConfig struct {
	ReconnectDelay       time.Duration `yaml:"reconnect_delay"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	// ProbeTimeout bounds the wait for the first frame after ffmpeg starts.
	ProbeTimeout  time.Duration `yaml:"probe_timeout"`
	FFmpegPath    string        `yaml:"ffmpeg_path"`
	DefaultWidth  int           `yaml:"default_width"`
	DefaultHeight int           `yaml:"default_height"`
}

// CaptureConfig configures the per-session capture loop.
type CaptureConfig struct {
	DisconnectedBackoff time.Duration `yaml:"disconnected_backoff"`
	IdleBackoff         time.Duration `yaml:"idle_backoff"`
}

// BusConfig configures the frame bus.
type BusConfig struct {
	QueueCapacity   int           `yaml:"queue_capacity"`
	DequeueTimeout  time.Duration `yaml:"dequeue_timeout"`
	DeliveryTimeout time.Duration `yaml:"delivery_timeout"`
	JPEGQuality     int           `yaml:"jpeg_quality"`
}

// SinkConfig names the downstream consumer.
type SinkConfig struct {
	// Kind is http, websocket or log.
	Kind string `yaml:"kind"`
	URL  string `yaml:"url"`
}

// Default returns the production defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8001",
			ShutdownTimeout: 5 * time.Second,
		},
		Log: LogConfig{Level: "info"},
		Reader: ReaderConfig{
			ReconnectDelay:       2 * time.Second,
			MaxReconnectAttempts: 10,
			ProbeTimeout:         10 * time.Second,
			FFmpegPath:           "ffmpeg",
			DefaultWidth:         640,
			DefaultHeight:        480,
		},
		Capture: CaptureConfig{
			DisconnectedBackoff: time.Second,
			IdleBackoff:         10 * time.Millisecond,
		},
		Bus: BusConfig{
			QueueCapacity:   2,
			DequeueTimeout:  time.Second,
			DeliveryTimeout: 5 * time.Second,
			JPEGQuality:     85,
		},
		Sink: SinkConfig{
			Kind: "http",
			URL:  "http://api:8000/api/v1/inference/process",
		},
	}
}

// Load reads the file at path, falling back to STREAMING_CONFIG, then
// applies environment overrides and validates. With neither set it
// returns validated defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv(os.LookupEnv)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFile merges the YAML file into the current config.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvAddr); ok && v != "" {
		c.Server.Addr = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.Log.Level = v
	}
	if v, ok := lookup(EnvSinkURL); ok && v != "" {
		c.Sink.URL = v
	}
}

// Validate reports every invalid value at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}
	if c.Reader.MaxReconnectAttempts <= 0 {
		errs = append(errs, errors.New("reader.max_reconnect_attempts must be positive"))
	}
	if c.Reader.ReconnectDelay < 0 {
		errs = append(errs, errors.New("reader.reconnect_delay must not be negative"))
	}
	if c.Reader.DefaultWidth <= 0 || c.Reader.DefaultHeight <= 0 {
		errs = append(errs, errors.New("reader.default_width and reader.default_height must be positive"))
	}
	if c.Bus.QueueCapacity <= 0 {
		errs = append(errs, errors.New("bus.queue_capacity must be positive"))
	}
	if c.Bus.DequeueTimeout <= 0 {
		errs = append(errs, errors.New("bus.dequeue_timeout must be positive"))
	}
	if c.Bus.JPEGQuality < 1 || c.Bus.JPEGQuality > 100 {
		errs = append(errs, fmt.Errorf("bus.jpeg_quality %d is outside 1-100", c.Bus.JPEGQuality))
	}
	switch strings.ToLower(c.Sink.Kind) {
	case "http", "websocket":
		if c.Sink.URL == "" {
			errs = append(errs, fmt.Errorf("sink.url is required for %s sinks", c.Sink.Kind))
		}
	case "log":
	default:
		errs = append(errs, fmt.Errorf("sink.kind %q is not one of http, websocket, log", c.Sink.Kind))
	}

	return errors.Join(errs...)
}

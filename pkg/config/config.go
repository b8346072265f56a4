// Copyright 2023 The emqx-lite Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config provides configuration management for emqx-lite: defaults,
// a YAML or JSON file, then EMQX_LITE_* environment overrides.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v2"

	"github.com/turtacn/emqx-lite/pkg/protocol/mqtt"
	"github.com/turtacn/emqx-lite/pkg/sink"
)

// EnvPrefix prefixes every environment override, e.g.
// EMQX_LITE_BROKER_LISTEN_ADDR or EMQX_LITE_SINK_REDIS_ADDR.
const EnvPrefix = "EMQX_LITE"

// ErrUnsupportedFormat is returned for config files that are neither YAML nor JSON.
var ErrUnsupportedFormat = errors.New("unsupported config file format")

// BrokerConfig holds the MQTT listener and connection settings.
type BrokerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listen_addr" split_words:"true"`
	// Backlog is the listen(2) queue length. Only applied on Linux.
	Backlog int `yaml:"backlog" json:"backlog"`
	// MaxConnections caps concurrently open connections. Zero is unlimited.
	MaxConnections int `yaml:"max_connections" json:"max_connections" split_words:"true"`
	// IdleTimeout closes a connection with no processed packet for this long.
	IdleTimeout  time.Duration `yaml:"idle_timeout" json:"idle_timeout" split_words:"true"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout" split_words:"true"`
	// ReadBufferSize is the size of each socket read.
	ReadBufferSize int `yaml:"read_buffer_size" json:"read_buffer_size" split_words:"true"`
	// MaxPacketSize bounds a single frame. Zero means the protocol maximum.
	MaxPacketSize int `yaml:"max_packet_size" json:"max_packet_size" split_words:"true"`
	// StrictConnect rejects PUBLISH and SUBSCRIBE before CONNECT.
	StrictConnect bool `yaml:"strict_connect" json:"strict_connect" split_words:"true"`
}

// MetricsConfig holds the Prometheus endpoint and publish-rate sampler settings.
type MetricsConfig struct {
	Enabled     bool          `yaml:"enabled" json:"enabled"`
	Listen      string        `yaml:"listen" json:"listen"`
	RateWindow  time.Duration `yaml:"rate_window" json:"rate_window" split_words:"true"`
	RateHistory int           `yaml:"rate_history" json:"rate_history" split_words:"true"`
}

// LogConfig holds the logger settings.
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// Config holds the complete configuration
type Config struct {
	Broker  BrokerConfig  `yaml:"broker" json:"broker"`
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`
	Sink    sink.Config   `yaml:"sink" json:"sink"`
	Log     LogConfig     `yaml:"log" json:"log"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Broker: BrokerConfig{
			ListenAddr:     ":1883",
			Backlog:        128,
			MaxConnections: 0,
			IdleTimeout:    120 * time.Second,
			WriteTimeout:   10 * time.Second,
			ReadBufferSize: 4096,
			MaxPacketSize:  0,
			StrictConnect:  true,
		},
		Metrics: MetricsConfig{
			Enabled:     true,
			Listen:      ":8082",
			RateWindow:  time.Minute,
			RateHistory: 30,
		},
		Sink: sink.DefaultConfig(),
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load builds the configuration from the defaults, the file at configPath if
// it is not empty, and the environment, then validates it.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath != "" {
		if err := loadFile(cfg, configPath); err != nil {
			return nil, err
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, errors.Wrap(err, "failed to apply environment overrides")
	}

	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return cfg, nil
}

func loadFile(cfg *Config, configPath string) error {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return errors.Wrapf(err, "failed to read config file %s", configPath)
	}

	switch ext := strings.ToLower(filepath.Ext(configPath)); ext {
	case ".yaml", ".yml", ".json":
		// JSON is valid YAML, and the YAML decoder also accepts duration
		// strings such as "120s".
		err = yaml.Unmarshal(data, cfg)
	default:
		return errors.Wrapf(ErrUnsupportedFormat, "%s (supported: .yaml, .yml, .json)", ext)
	}
	if err != nil {
		return errors.Wrapf(err, "failed to parse config file %s", configPath)
	}
	return nil
}

// Save writes cfg to configPath in the format given by its extension.
func Save(cfg *Config, configPath string) error {
	data, err := Marshal(cfg, strings.TrimPrefix(strings.ToLower(filepath.Ext(configPath)), "."))
	if err != nil {
		return err
	}
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return errors.Wrapf(err, "failed to write config file %s", configPath)
	}
	return nil
}

// Marshal encodes cfg as "yaml" (or "yml") or "json".
func Marshal(cfg *Config, format string) ([]byte, error) {
	var (
		data []byte
		err  error
	)
	switch format {
	case "yaml", "yml":
		data, err = yaml.Marshal(cfg)
	case "json":
		data, err = json.MarshalIndent(cfg, "", "  ")
	default:
		return nil, errors.Wrapf(ErrUnsupportedFormat, "%q (supported: yaml, json)", format)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal config")
	}
	return data, nil
}

// Validate checks the configuration for values the broker cannot run with.
func (c *Config) Validate() error {
	b := c.Broker
	if b.ListenAddr == "" {
		return errors.New("broker.listen_addr cannot be empty")
	}
	if b.Backlog < 0 {
		return errors.Errorf("broker.backlog must not be negative, got %d", b.Backlog)
	}
	if b.MaxConnections < 0 {
		return errors.Errorf("broker.max_connections must not be negative, got %d", b.MaxConnections)
	}
	if b.IdleTimeout < 0 || b.WriteTimeout < 0 {
		return errors.New("broker timeouts must not be negative")
	}
	if b.ReadBufferSize <= 0 {
		return errors.Errorf("broker.read_buffer_size must be positive, got %d", b.ReadBufferSize)
	}
	if b.MaxPacketSize < 0 || b.MaxPacketSize > mqtt.MaxRemainingLength+5 {
		return errors.Errorf("broker.max_packet_size out of range: %d", b.MaxPacketSize)
	}

	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		return errors.New("metrics.listen cannot be empty when metrics are enabled")
	}
	if c.Metrics.RateWindow < 0 || c.Metrics.RateHistory < 0 {
		return errors.New("metrics rate settings must not be negative")
	}

	if err := validateSink(c.Sink); err != nil {
		return err
	}

	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return errors.Wrap(err, "log.level")
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return errors.Errorf("log.format must be console or json, got %q", c.Log.Format)
	}
	return nil
}

func validateSink(s sink.Config) error {
	if s.QueueSize <= 0 {
		return errors.Errorf("sink.queue_size must be positive, got %d", s.QueueSize)
	}
	if s.RetryAfter < 0 {
		return errors.New("sink.retry_after must not be negative")
	}
	switch s.Type {
	case sink.TypeNone, sink.TypeLog, "":
	case sink.TypePostgres:
		if s.Postgres.DSN == "" || s.Postgres.Table == "" {
			return errors.New("sink.postgres requires dsn and table")
		}
	case sink.TypeRedis:
		if s.Redis.Addr == "" {
			return errors.New("sink.redis.addr cannot be empty")
		}
	case sink.TypeKafka:
		if len(s.Kafka.Brokers) == 0 || s.Kafka.Topic == "" {
			return errors.New("sink.kafka requires brokers and topic")
		}
	default:
		return errors.Wrapf(sink.ErrUnknownType, "%q", s.Type)
	}
	return nil
}

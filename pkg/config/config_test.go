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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/emqx-lite/pkg/sink"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NotNil(t, cfg)

	// Test broker defaults
	assert.Equal(t, ":1883", cfg.Broker.ListenAddr)
	assert.Equal(t, 128, cfg.Broker.Backlog)
	assert.Equal(t, 120*time.Second, cfg.Broker.IdleTimeout)
	assert.Equal(t, 4096, cfg.Broker.ReadBufferSize)
	assert.True(t, cfg.Broker.StrictConnect)

	// Test metrics and sink defaults
	assert.Equal(t, ":8082", cfg.Metrics.Listen)
	assert.Equal(t, time.Minute, cfg.Metrics.RateWindow)
	assert.Equal(t, 30, cfg.Metrics.RateHistory)
	assert.Equal(t, sink.TypeNone, cfg.Sink.Type)

	assert.NoError(t, cfg.Validate())
}

func TestLoadConfigYAML(t *testing.T) {
	yamlContent := `
broker:
  listen_addr: ":1884"
  idle_timeout: 30s
  strict_connect: false
metrics:
  enabled: false
sink:
  type: redis
  retry_after: 1m
  redis:
    addr: "redis:6379"
    key_prefix: "telemetry:"
log:
  level: debug
  format: json
`
	tmpFile := createTempFile(t, "config.yaml", yamlContent)

	cfg, err := Load(tmpFile)
	require.NoError(t, err)

	assert.Equal(t, ":1884", cfg.Broker.ListenAddr)
	assert.Equal(t, 30*time.Second, cfg.Broker.IdleTimeout)
	assert.False(t, cfg.Broker.StrictConnect)
	assert.False(t, cfg.Metrics.Enabled)
	assert.Equal(t, sink.TypeRedis, cfg.Sink.Type)
	assert.Equal(t, time.Minute, cfg.Sink.RetryAfter)
	assert.Equal(t, "redis:6379", cfg.Sink.Redis.Addr)
	assert.Equal(t, "telemetry:", cfg.Sink.Redis.KeyPrefix)
	assert.Equal(t, "debug", cfg.Log.Level)

	// Values absent from the file keep their defaults.
	assert.Equal(t, 128, cfg.Broker.Backlog)
	assert.Equal(t, 1024, cfg.Sink.QueueSize)
}

func TestLoadConfigJSON(t *testing.T) {
	jsonContent := `{
  "broker": {"listen_addr": "127.0.0.1:1885", "write_timeout": "2s"},
  "sink": {"type": "kafka", "kafka": {"brokers": ["k1:9092", "k2:9092"], "topic": "mqtt"}}
}`
	tmpFile := createTempFile(t, "config.json", jsonContent)

	cfg, err := Load(tmpFile)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:1885", cfg.Broker.ListenAddr)
	assert.Equal(t, 2*time.Second, cfg.Broker.WriteTimeout)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Sink.Kafka.Brokers)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	tmpFile := createTempFile(t, "config.yaml", "broker:\n  listen_addr: \":1884\"\n")

	t.Setenv("EMQX_LITE_BROKER_LISTEN_ADDR", ":2883")
	t.Setenv("EMQX_LITE_BROKER_IDLE_TIMEOUT", "45s")
	t.Setenv("EMQX_LITE_BROKER_STRICT_CONNECT", "false")
	t.Setenv("EMQX_LITE_SINK_TYPE", "postgres")
	t.Setenv("EMQX_LITE_SINK_POSTGRES_DSN", "postgres://db/mqtt")
	t.Setenv("EMQX_LITE_LOG_LEVEL", "warn")

	cfg, err := Load(tmpFile)
	require.NoError(t, err)
	assert.Equal(t, ":2883", cfg.Broker.ListenAddr, "environment wins over the file")
	assert.Equal(t, 45*time.Second, cfg.Broker.IdleTimeout)
	assert.False(t, cfg.Broker.StrictConnect)
	assert.Equal(t, sink.TypePostgres, cfg.Sink.Type)
	assert.Equal(t, "postgres://db/mqtt", cfg.Sink.Postgres.DSN)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadConfigNoFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfigNonExistent(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestLoadConfigInvalid(t *testing.T) {
	tmpFile := createTempFile(t, "invalid.yaml", "broker: [not a map")
	_, err := Load(tmpFile)
	assert.Error(t, err)

	tmpFile = createTempFile(t, "bad.yaml", "broker:\n  read_buffer_size: 0\n")
	_, err = Load(tmpFile)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")

	tmpFile = createTempFile(t, "config.toml", "x = 1")
	_, err = Load(tmpFile)
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestValidate(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"empty listen addr", func(c *Config) { c.Broker.ListenAddr = "" }},
		{"negative backlog", func(c *Config) { c.Broker.Backlog = -1 }},
		{"negative max connections", func(c *Config) { c.Broker.MaxConnections = -1 }},
		{"negative idle timeout", func(c *Config) { c.Broker.IdleTimeout = -time.Second }},
		{"huge packet size", func(c *Config) { c.Broker.MaxPacketSize = 1 << 30 }},
		{"metrics without listen", func(c *Config) { c.Metrics.Listen = "" }},
		{"zero queue", func(c *Config) { c.Sink.QueueSize = 0 }},
		{"unknown sink", func(c *Config) { c.Sink.Type = "influx" }},
		{"kafka without brokers", func(c *Config) {
			c.Sink.Type = sink.TypeKafka
			c.Sink.Kafka.Brokers = nil
		}},
		{"redis without addr", func(c *Config) {
			c.Sink.Type = sink.TypeRedis
			c.Sink.Redis.Addr = ""
		}},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestSaveConfigYAML(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Broker.ListenAddr = ":1999"
	cfg.Broker.IdleTimeout = 90 * time.Second

	tmpFile := filepath.Join(t.TempDir(), "save_test.yaml")
	require.NoError(t, Save(cfg, tmpFile))

	loadedCfg, err := Load(tmpFile)
	require.NoError(t, err)
	assert.Equal(t, cfg, loadedCfg)
}

func TestSaveConfigJSON(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Sink.Type = sink.TypeLog

	tmpFile := filepath.Join(t.TempDir(), "save_test.json")
	require.NoError(t, Save(cfg, tmpFile))

	loadedCfg, err := Load(tmpFile)
	require.NoError(t, err)
	assert.Equal(t, cfg, loadedCfg)
}

func TestGetFileFormat(t *testing.T) {
	testCases := []struct {
		filename string
		expected string
	}{
		{"config.yaml", "yaml"},
		{"config.yml", "yaml"},
		{"config.json", "json"},
		{"config.txt", "unsupported"},
		{"config", "unsupported"},
	}

	for _, tc := range testCases {
		t.Run(tc.filename, func(t *testing.T) {
			err := Save(DefaultConfig(), filepath.Join(t.TempDir(), tc.filename))
			if tc.expected == "unsupported" {
				assert.ErrorIs(t, err, ErrUnsupportedFormat)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

// Helper functions
func createTempFile(t *testing.T, filename, content string) string {
	tmpFile := filepath.Join(t.TempDir(), filename)
	err := os.WriteFile(tmpFile, []byte(content), 0644)
	require.NoError(t, err)
	return tmpFile
}

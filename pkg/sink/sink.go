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

// Package sink records published messages to an external time-series or
// streaming backend. The broker only sees the Sink interface; writes are
// asynchronous and never block message routing.
package sink

import (
	"context"
	"time"
)

// Sink accepts published messages for recording.
type Sink interface {
	Record(topic string, payload []byte)
}

// Point is one recorded message.
type Point struct {
	Topic   string
	Payload []byte
	Time    time.Time
}

// Backend writes points to a concrete store.
type Backend interface {
	// Name identifies the backend in logs.
	Name() string
	// Write stores a single point.
	Write(ctx context.Context, p Point) error
	// Close releases the backend's resources.
	Close() error
}

// Nop discards everything.
type Nop struct{}

// Record implements Sink.
func (Nop) Record(string, []byte) {}

// Type selects a backend.
type Type string

const (
	TypeNone     Type = "none"
	TypeLog      Type = "log"
	TypePostgres Type = "postgres"
	TypeRedis    Type = "redis"
	TypeKafka    Type = "kafka"
)

// Config holds the sink configuration.
type Config struct {
	Type Type `yaml:"type" json:"type"`
	// QueueSize bounds the number of points waiting for the worker.
	QueueSize int `yaml:"queue_size" json:"queue_size" split_words:"true"`
	// RetryAfter re-enables a sink disabled by a failed write after this
	// cooldown. Zero keeps it disabled for the life of the process.
	RetryAfter time.Duration `yaml:"retry_after" json:"retry_after" split_words:"true"`
	// WriteTimeout bounds a single backend write.
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout" split_words:"true"`

	Postgres PostgresConfig `yaml:"postgres" json:"postgres"`
	Redis    RedisConfig    `yaml:"redis" json:"redis"`
	Kafka    KafkaConfig    `yaml:"kafka" json:"kafka"`
}

// DefaultConfig returns a disabled sink configuration.
func DefaultConfig() Config {
	return Config{
		Type:         TypeNone,
		QueueSize:    1024,
		RetryAfter:   0,
		WriteTimeout: 5 * time.Second,
		Postgres: PostgresConfig{
			DSN:         "postgres://postgres@localhost:5432/mqtt_data?sslmode=disable",
			Table:       "mqtt_messages",
			CreateTable: true,
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			KeyPrefix: "mqtt:",
			MaxLen:    10000,
		},
		Kafka: KafkaConfig{
			Brokers: []string{"localhost:9092"},
			Topic:   "mqtt-messages",
			Version: "2.8.0",
		},
	}
}

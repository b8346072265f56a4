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

package sink

import (
	"context"
	"time"

	"github.com/IBM/sarama"
	"github.com/pkg/errors"
)

// KafkaConfig holds Kafka-specific configuration.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers" json:"brokers"`
	Topic   string   `yaml:"topic" json:"topic"`
	Version string   `yaml:"version" json:"version"`
}

// KafkaBackend produces one message per point, keyed by MQTT topic so that
// points of one topic stay ordered within a partition.
type KafkaBackend struct {
	producer sarama.SyncProducer
	topic    string
}

// NewKafkaBackend creates a synchronous producer.
func NewKafkaBackend(cfg KafkaConfig) (*KafkaBackend, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers cannot be empty")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka topic is required")
	}
	version := sarama.V2_8_0_0
	if cfg.Version != "" {
		v, err := sarama.ParseKafkaVersion(cfg.Version)
		if err != nil {
			return nil, errors.Wrap(err, "invalid kafka version")
		}
		version = v
	}

	kafkaConfig := sarama.NewConfig()
	kafkaConfig.Version = version
	kafkaConfig.ClientID = "emqx-lite"
	kafkaConfig.Producer.Return.Successes = true
	kafkaConfig.Producer.Return.Errors = true
	kafkaConfig.Producer.Retry.Max = 3
	kafkaConfig.Producer.RequiredAcks = sarama.WaitForLocal
	kafkaConfig.Net.DialTimeout = 10 * time.Second
	kafkaConfig.Net.WriteTimeout = 10 * time.Second

	producer, err := sarama.NewSyncProducer(cfg.Brokers, kafkaConfig)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create kafka producer")
	}
	return newKafkaBackend(producer, cfg.Topic), nil
}

func newKafkaBackend(producer sarama.SyncProducer, topic string) *KafkaBackend {
	return &KafkaBackend{producer: producer, topic: topic}
}

func (b *KafkaBackend) Name() string { return string(TypeKafka) }

// Write sends p. The sarama producer has its own timeouts, so ctx is only
// checked before sending.
func (b *KafkaBackend) Write(ctx context.Context, p Point) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic:     b.topic,
		Key:       sarama.StringEncoder(p.Topic),
		Value:     sarama.ByteEncoder(p.Payload),
		Timestamp: p.Time,
	}
	if _, _, err := b.producer.SendMessage(msg); err != nil {
		return errors.Wrapf(err, "produce to %s", b.topic)
	}
	return nil
}

func (b *KafkaBackend) Close() error {
	return b.producer.Close()
}

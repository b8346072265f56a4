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
	"strconv"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// RedisConfig holds Redis-specific configuration.
type RedisConfig struct {
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password" json:"password"`
	DB       int    `yaml:"db" json:"db"`
	// KeyPrefix is prepended to the MQTT topic to form the stream key.
	KeyPrefix string `yaml:"key_prefix" json:"key_prefix" split_words:"true"`
	// MaxLen caps each stream approximately. Zero means no cap.
	MaxLen int64 `yaml:"max_len" json:"max_len" split_words:"true"`
}

// streamAdder is the part of the redis client the backend uses.
type streamAdder interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// RedisBackend appends each point to a per-topic stream.
type RedisBackend struct {
	client    streamAdder
	close     func() error
	keyPrefix string
	maxLen    int64
}

// NewRedisBackend connects to Redis and verifies it is reachable.
func NewRedisBackend(ctx context.Context, cfg RedisConfig) (*RedisBackend, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrapf(err, "ping redis %s", cfg.Addr)
	}
	return newRedisBackend(client, client.Close, cfg), nil
}

func newRedisBackend(client streamAdder, closeFn func() error, cfg RedisConfig) *RedisBackend {
	return &RedisBackend{
		client:    client,
		close:     closeFn,
		keyPrefix: cfg.KeyPrefix,
		maxLen:    cfg.MaxLen,
	}
}

func (b *RedisBackend) Name() string { return string(TypeRedis) }

func (b *RedisBackend) Write(ctx context.Context, p Point) error {
	args := &redis.XAddArgs{
		Stream: b.keyPrefix + p.Topic,
		Values: map[string]interface{}{
			"payload": p.Payload,
			"ts":      strconv.FormatInt(p.Time.UnixMilli(), 10),
		},
	}
	if b.maxLen > 0 {
		args.MaxLen = b.maxLen
		args.Approx = true
	}
	if err := b.client.XAdd(ctx, args).Err(); err != nil {
		return errors.Wrapf(err, "xadd %s", args.Stream)
	}
	return nil
}

func (b *RedisBackend) Close() error {
	if b.close == nil {
		return nil
	}
	return b.close()
}

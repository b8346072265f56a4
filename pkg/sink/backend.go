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

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ErrUnknownType is returned for an unrecognised sink type.
var ErrUnknownType = errors.New("unknown sink type")

// OpenBackend connects the backend selected by cfg.Type. It returns a nil
// Backend for TypeNone.
func OpenBackend(ctx context.Context, cfg Config, logger *zap.Logger) (Backend, error) {
	switch cfg.Type {
	case TypeNone, "":
		return nil, nil
	case TypeLog:
		return NewLogBackend(logger), nil
	}

	var (
		b   Backend
		err error
	)
	switch cfg.Type {
	case TypePostgres:
		b, err = NewPostgresBackend(ctx, cfg.Postgres)
	case TypeRedis:
		b, err = NewRedisBackend(ctx, cfg.Redis)
	case TypeKafka:
		b, err = NewKafkaBackend(cfg.Kafka)
	default:
		return nil, errors.Wrapf(ErrUnknownType, "%q", cfg.Type)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "open %s sink", cfg.Type)
	}
	return b, nil
}

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

	"go.uber.org/zap"
)

// LogBackend writes every point as a debug log line.
type LogBackend struct {
	logger *zap.Logger
}

// NewLogBackend creates a LogBackend.
func NewLogBackend(logger *zap.Logger) *LogBackend {
	return &LogBackend{logger: logger}
}

func (b *LogBackend) Name() string { return string(TypeLog) }

func (b *LogBackend) Write(_ context.Context, p Point) error {
	b.logger.Debug("message recorded",
		zap.String("topic", p.Topic),
		zap.Int("size", len(p.Payload)),
		zap.Time("time", p.Time))
	return nil
}

func (b *LogBackend) Close() error { return nil }

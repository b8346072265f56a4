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
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/turtacn/emqx-lite/pkg/metrics"
)

// State is the recorder's availability.
type State int32

const (
	// StateEnabled forwards points to the backend.
	StateEnabled State = iota
	// StateDisabled follows a failed write; points are skipped.
	StateDisabled
)

func (s State) String() string {
	switch s {
	case StateEnabled:
		return "enabled"
	case StateDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// Recorder is a Sink that queues points for a single background worker.
// A failed write disables it; see Config.RetryAfter.
type Recorder struct {
	backend      Backend
	logger       *zap.Logger
	queue        chan Point
	retryAfter   time.Duration
	writeTimeout time.Duration
	now          func() time.Time

	state      atomic.Int32
	disabledAt atomic.Int64
}

// NewRecorder wraps backend. Run must be called for points to be written.
func NewRecorder(backend Backend, cfg Config, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = 1
	}
	return &Recorder{
		backend:      backend,
		logger:       logger.With(zap.String("sink", backend.Name())),
		queue:        make(chan Point, size),
		retryAfter:   cfg.RetryAfter,
		writeTimeout: cfg.WriteTimeout,
		now:          time.Now,
	}
}

// Record enqueues a point. It never blocks: when the queue is full or the
// recorder is disabled the point is dropped.
func (r *Recorder) Record(topic string, payload []byte) {
	if !r.available() {
		metrics.SinkWritesTotal.WithLabelValues("skipped").Inc()
		return
	}
	p := Point{
		Topic:   topic,
		Payload: append([]byte(nil), payload...),
		Time:    r.now(),
	}
	select {
	case r.queue <- p:
	default:
		metrics.SinkWritesTotal.WithLabelValues("dropped").Inc()
	}
}

// Run drains the queue until ctx is done.
func (r *Recorder) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case p := <-r.queue:
			r.write(ctx, p)
		}
	}
}

// State returns the current state.
func (r *Recorder) State() State {
	return State(r.state.Load())
}

// Close closes the backend.
func (r *Recorder) Close() error {
	return r.backend.Close()
}

// available reports whether points should be accepted, re-enabling the
// recorder once the cooldown has passed.
func (r *Recorder) available() bool {
	if r.State() == StateEnabled {
		return true
	}
	if r.retryAfter <= 0 {
		return false
	}
	since := r.now().Sub(time.Unix(0, r.disabledAt.Load()))
	if since < r.retryAfter {
		return false
	}
	if r.state.CompareAndSwap(int32(StateDisabled), int32(StateEnabled)) {
		r.logger.Info("sink re-enabled", zap.Duration("disabled_for", since))
	}
	return true
}

func (r *Recorder) write(ctx context.Context, p Point) {
	if r.State() != StateEnabled {
		metrics.SinkWritesTotal.WithLabelValues("skipped").Inc()
		return
	}
	if r.writeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.writeTimeout)
		defer cancel()
	}
	if err := r.backend.Write(ctx, p); err != nil {
		metrics.SinkWritesTotal.WithLabelValues("error").Inc()
		r.disabledAt.Store(r.now().UnixNano())
		if r.state.CompareAndSwap(int32(StateEnabled), int32(StateDisabled)) {
			r.logger.Warn("sink write failed, disabling sink",
				zap.String("topic", p.Topic),
				zap.Duration("retry_after", r.retryAfter),
				zap.Error(err))
		}
		return
	}
	metrics.SinkWritesTotal.WithLabelValues("ok").Inc()
}

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
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

type fakeBackend struct {
	mu      sync.Mutex
	points  []Point
	fail    bool
	block   chan struct{}
	written chan Point
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{written: make(chan Point, 100)}
}

func (f *fakeBackend) Name() string { return "fake" }

func (f *fakeBackend) Write(ctx context.Context, p Point) error {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	fail := f.fail
	if !fail {
		f.points = append(f.points, p)
	}
	f.mu.Unlock()
	f.written <- p
	if fail {
		return errors.New("backend unavailable")
	}
	return nil
}

func (f *fakeBackend) Close() error { return nil }

func (f *fakeBackend) setFail(v bool) {
	f.mu.Lock()
	f.fail = v
	f.mu.Unlock()
}

func (f *fakeBackend) stored() []Point {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Point(nil), f.points...)
}

func runRecorder(t *testing.T, r *Recorder) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = r.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func waitWritten(t *testing.T, f *fakeBackend) Point {
	t.Helper()
	select {
	case p := <-f.written:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("point was not written")
		return Point{}
	}
}

func TestRecorder_Record(t *testing.T) {
	backend := newFakeBackend()
	r := NewRecorder(backend, Config{QueueSize: 8}, zaptest.NewLogger(t))
	runRecorder(t, r)

	payload := []byte("22.5")
	r.Record("sensor/temp", payload)
	payload[0] = 'x'

	p := waitWritten(t, backend)
	assert.Equal(t, "sensor/temp", p.Topic)
	assert.Equal(t, []byte("22.5"), p.Payload, "payload must be copied")
	assert.False(t, p.Time.IsZero())
	assert.Equal(t, StateEnabled, r.State())
}

func TestRecorder_DisablesAfterFailure(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	backend := newFakeBackend()
	backend.setFail(true)
	r := NewRecorder(backend, Config{QueueSize: 8}, zap.New(core))
	runRecorder(t, r)

	r.Record("a", []byte("1"))
	waitWritten(t, backend)

	require.Eventually(t, func() bool {
		return logs.FilterMessage("sink write failed, disabling sink").Len() == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, StateDisabled, r.State())

	// No cooldown: the sink stays disabled even once the backend recovers.
	backend.setFail(false)
	r.Record("a", []byte("2"))
	select {
	case <-backend.written:
		t.Fatal("disabled recorder wrote a point")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Empty(t, backend.stored())
}

func TestRecorder_ReenablesAfterCooldown(t *testing.T) {
	backend := newFakeBackend()
	backend.setFail(true)
	r := NewRecorder(backend, Config{QueueSize: 8, RetryAfter: time.Minute}, zaptest.NewLogger(t))

	var mu sync.Mutex
	now := time.Unix(1700000000, 0)
	r.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}
	runRecorder(t, r)

	r.Record("a", []byte("1"))
	waitWritten(t, backend)
	assert.Eventually(t, func() bool { return r.State() == StateDisabled }, time.Second, 5*time.Millisecond)

	backend.setFail(false)
	advance(30 * time.Second)
	r.Record("a", []byte("2"))
	assert.Equal(t, StateDisabled, r.State(), "still cooling down")

	advance(31 * time.Second)
	r.Record("a", []byte("3"))
	assert.Equal(t, StateEnabled, r.State())

	p := waitWritten(t, backend)
	assert.Equal(t, []byte("3"), p.Payload)
}

func TestRecorder_FullQueueDrops(t *testing.T) {
	backend := newFakeBackend()
	backend.block = make(chan struct{})
	r := NewRecorder(backend, Config{QueueSize: 2}, zaptest.NewLogger(t))
	runRecorder(t, r)
	defer close(backend.block)

	start := time.Now()
	for i := 0; i < 100; i++ {
		r.Record("flood", []byte("x"))
	}
	assert.Less(t, time.Since(start), time.Second, "Record must not block")
	assert.LessOrEqual(t, len(r.queue), 2)
}

func TestNop(t *testing.T) {
	var s Sink = Nop{}
	s.Record("any", []byte("thing"))
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "enabled", StateEnabled.String())
	assert.Equal(t, "disabled", StateDisabled.String())
}

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

package metrics

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// RateSampler counts events in fixed windows and keeps the most recent
// window totals. The last completed window is exported as PublishRate.
type RateSampler struct {
	window  time.Duration
	history int

	current atomic.Int64

	mu     sync.Mutex
	recent []int64
}

// NewRateSampler creates a sampler. Non-positive arguments fall back to a
// 60s window and 30 retained samples.
func NewRateSampler(window time.Duration, history int) *RateSampler {
	if window <= 0 {
		window = time.Minute
	}
	if history <= 0 {
		history = 30
	}
	return &RateSampler{
		window:  window,
		history: history,
		recent:  make([]int64, 0, history),
	}
}

// Observe records one event in the current window.
func (s *RateSampler) Observe() {
	s.current.Add(1)
}

// Run closes a window every tick until ctx is done.
func (s *RateSampler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.window)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.rotate()
		}
	}
}

func (s *RateSampler) rotate() {
	n := s.current.Swap(0)

	s.mu.Lock()
	if len(s.recent) == s.history {
		copy(s.recent, s.recent[1:])
		s.recent = s.recent[:len(s.recent)-1]
	}
	s.recent = append(s.recent, n)
	s.mu.Unlock()

	PublishRate.Set(float64(n) / s.window.Seconds())
}

// Recent returns the completed window totals, oldest first.
func (s *RateSampler) Recent() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int64, len(s.recent))
	copy(out, s.recent)
	return out
}

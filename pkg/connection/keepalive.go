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

package connection

import (
	"sync"
	"time"
)

// idleMonitor fires expire once no touch has happened for timeout. It runs
// on the runtime timer, separate from the connection's read loop; expiry
// closes the socket, which unblocks any pending read.
type idleMonitor struct {
	mu      sync.Mutex
	timeout time.Duration
	timer   *time.Timer
	stopped bool
}

func newIdleMonitor(timeout time.Duration) *idleMonitor {
	return &idleMonitor{timeout: timeout}
}

// start arms the timer. It must be called after the monitor is reachable
// from expire.
func (m *idleMonitor) start(expire func()) {
	if m.timeout <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.stopped && m.timer == nil {
		m.timer = time.AfterFunc(m.timeout, expire)
	}
}

func (m *idleMonitor) touch() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.stopped && m.timer != nil {
		m.timer.Reset(m.timeout)
	}
}

func (m *idleMonitor) stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	if m.timer != nil {
		m.timer.Stop()
	}
}

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

// Package connection holds the per-socket client state: identity, lifecycle
// state, the idle timer and serialized writes.
package connection

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrSendFailure is returned when writing to the socket fails.
	ErrSendFailure = errors.New("send failure")
	// ErrClosed is returned for operations on a closed connection.
	ErrClosed = errors.New("connection closed")
	// ErrNotConnected is returned when a packet that requires an accepted
	// CONNECT arrives before one.
	ErrNotConnected = errors.New("not connected")
	// ErrAlreadyConnected is returned for a second CONNECT on one socket.
	ErrAlreadyConnected = errors.New("already connected")
)

// State is the lifecycle state of a Connection.
type State int32

const (
	// StateAwaitingConnect is the initial state right after accept.
	StateAwaitingConnect State = iota
	// StateActive follows a processed CONNECT.
	StateActive
	// StateClosed is terminal.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAwaitingConnect:
		return "awaiting-connect"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Reason records why a connection was closed.
type Reason string

const (
	ReasonEOF         Reason = "eof"
	ReasonReadError   Reason = "read-error"
	ReasonDecodeError Reason = "decode-error"
	ReasonProtocol    Reason = "protocol-violation"
	ReasonDisconnect  Reason = "disconnect"
	ReasonKeepAlive   Reason = "keepalive-timeout"
	ReasonSendFailure Reason = "send-failure"
	ReasonShutdown    Reason = "shutdown"
	ReasonPanic       Reason = "panic"
)

// Options configures a Connection.
type Options struct {
	// IdleTimeout closes the connection when no packet is processed for this
	// long. Zero disables the idle timer.
	IdleTimeout time.Duration
	// WriteTimeout bounds a single Send. Zero means no deadline.
	WriteTimeout time.Duration
	// OnClose runs exactly once, after the socket is closed, with the reason
	// of the first Close call.
	OnClose func(c *Connection, reason Reason)
}

// Connection is one accepted client socket. Protocol state is written only
// by the connection's own handler; Send and Close may be called from any
// goroutine.
type Connection struct {
	id   uint64
	conn net.Conn
	opts Options

	state        atomic.Int32
	lastActivity atomic.Int64
	createdAt    time.Time

	mu        sync.RWMutex
	clientID  string
	keepAlive uint16

	writeMu sync.Mutex

	idle      *idleMonitor
	closeOnce sync.Once
	reason    Reason
	done      chan struct{}
}

// New wraps conn. The idle timer starts immediately.
func New(id uint64, conn net.Conn, opts Options) *Connection {
	now := time.Now()
	c := &Connection{
		id:        id,
		conn:      conn,
		opts:      opts,
		createdAt: now,
		done:      make(chan struct{}),
	}
	c.lastActivity.Store(now.UnixNano())
	c.idle = newIdleMonitor(opts.IdleTimeout)
	c.idle.start(func() {
		c.Close(ReasonKeepAlive)
	})
	return c
}

// ID returns the broker-assigned identity. It implements topic.Subscriber.
func (c *Connection) ID() uint64 { return c.id }

// RemoteAddr returns the peer address.
func (c *Connection) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// ClientID returns the client identifier from CONNECT, or "" before it.
func (c *Connection) ClientID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.clientID
}

// KeepAlive returns the keep-alive interval the client declared.
func (c *Connection) KeepAlive() uint16 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.keepAlive
}

// State returns the current lifecycle state.
func (c *Connection) State() State { return State(c.state.Load()) }

// CreatedAt returns the accept time.
func (c *Connection) CreatedAt() time.Time { return c.createdAt }

// Activate moves the connection from AwaitingConnect to Active and records
// the client identity. The identity is immutable afterwards.
func (c *Connection) Activate(clientID string, keepAlive uint16) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.state.CompareAndSwap(int32(StateAwaitingConnect), int32(StateActive)) {
		if c.State() == StateClosed {
			return ErrClosed
		}
		return ErrAlreadyConnected
	}
	c.clientID = clientID
	c.keepAlive = keepAlive
	return nil
}

// Touch records activity and re-arms the idle timer.
func (c *Connection) Touch() {
	c.lastActivity.Store(time.Now().UnixNano())
	c.idle.touch()
}

// LastActivity returns the time of the last processed packet.
func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// Read reads from the underlying socket.
func (c *Connection) Read(p []byte) (int, error) {
	return c.conn.Read(p)
}

// Send writes one encoded frame. Concurrent senders are serialized so
// frames never interleave on the wire.
func (c *Connection) Send(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.State() == StateClosed {
		return ErrClosed
	}
	if c.opts.WriteTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
			return errors.Wrapf(ErrSendFailure, "set write deadline: %v", err)
		}
	}
	if _, err := c.conn.Write(frame); err != nil {
		return errors.Wrapf(ErrSendFailure, "write to %s: %v", c.conn.RemoteAddr(), err)
	}
	return nil
}

// Close tears the connection down. Only the first call has any effect and
// reports true; it is safe to call concurrently from the handler, the idle
// timer and a failed fan-out.
func (c *Connection) Close(reason Reason) bool {
	closed := false
	c.closeOnce.Do(func() {
		closed = true
		c.reason = reason
		c.state.Store(int32(StateClosed))
		c.idle.stop()
		_ = c.conn.Close()
		close(c.done)
		if c.opts.OnClose != nil {
			c.opts.OnClose(c, reason)
		}
	})
	return closed
}

// Done is closed once the connection is closed.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Reason returns the close reason, or "" while open.
func (c *Connection) Reason() Reason {
	select {
	case <-c.done:
		return c.reason
	default:
		return ""
	}
}

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

// package transport is responsible for the network transport layer of the
// MQTT server. It owns the TCP listener and the accept loop, and hands every
// accepted socket to a Handler.
package transport

import (
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Handler takes ownership of an accepted connection.
type Handler func(conn net.Conn)

// Server manages the accepting of raw TCP connections.
type Server struct {
	handler Handler
	logger  *zap.Logger

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
	quit     chan struct{}
	stopOnce sync.Once
}

// NewServer creates and returns a new transport Server.
func NewServer(handler Handler, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		handler: handler,
		logger:  logger,
		quit:    make(chan struct{}),
	}
}

// Start listens on addr and starts the accept loop in a new goroutine.
func (s *Server) Start(addr string, opts ListenOptions) error {
	ln, err := Listen(addr, opts)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", addr)
	}
	return s.Serve(ln)
}

// Serve starts the accept loop on an existing listener. The server owns ln
// from then on.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return errors.New("server already started")
	}
	select {
	case <-s.quit:
		return errors.New("server stopped")
	default:
	}
	s.listener = ln

	s.wg.Add(1)
	go s.acceptLoop(ln)

	s.logger.Info("TCP server started", zap.String("addr", ln.Addr().String()))
	return nil
}

// Stop closes the listener and waits for the accept loop to exit. Accepted
// connections are not touched; they belong to the handler.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.quit)
		s.mu.Lock()
		ln := s.listener
		s.mu.Unlock()
		if ln != nil {
			_ = ln.Close()
		}
		s.wg.Wait()
		s.logger.Info("TCP server stopped")
	})
}

// Done is closed once Stop has been called.
func (s *Server) Done() <-chan struct{} {
	return s.quit
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()

	var delay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				s.logger.Warn("listener closed unexpectedly", zap.Error(err))
				return
			}
			// Back off on transient errors such as EMFILE.
			if delay == 0 {
				delay = 5 * time.Millisecond
			} else if delay *= 2; delay > time.Second {
				delay = time.Second
			}
			s.logger.Error("error accepting connection", zap.Error(err), zap.Duration("retry_in", delay))
			select {
			case <-s.quit:
				return
			case <-time.After(delay):
			}
			continue
		}
		delay = 0
		s.handler(conn)
	}
}

// Addr returns the network address that the server is listening on.
// It returns nil if the server is not listening.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

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

// package broker contains the main MQTT broker service: it accepts client
// sockets, decodes their packets and routes PUBLISH messages to the
// subscribers of the exact topic.
package broker

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/turtacn/emqx-lite/pkg/config"
	"github.com/turtacn/emqx-lite/pkg/connection"
	"github.com/turtacn/emqx-lite/pkg/metrics"
	"github.com/turtacn/emqx-lite/pkg/sink"
	"github.com/turtacn/emqx-lite/pkg/storage"
	"github.com/turtacn/emqx-lite/pkg/supervisor"
	"github.com/turtacn/emqx-lite/pkg/topic"
	"github.com/turtacn/emqx-lite/pkg/transport"
)

var (
	// ErrServing is returned when Serve is called on a broker that is already
	// serving or has been shut down.
	ErrServing = errors.New("broker already serving")
	// ErrNotServing is reported by Ready before the listener is up.
	ErrNotServing = errors.New("broker not serving")
	// ErrStopped is reported by Ready after Shutdown.
	ErrStopped = errors.New("broker stopped")
)

// Option configures a Broker.
type Option func(*Broker)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(b *Broker) { b.logger = logger }
}

// WithSink sets the sink every accepted PUBLISH is recorded to. If s also
// has a Run(context.Context) error method, the broker runs it under its
// supervisor while serving.
func WithSink(s sink.Sink) Option {
	return func(b *Broker) { b.sink = s }
}

// WithRateSampler counts every accepted PUBLISH in s. The broker runs the
// sampler while serving.
func WithRateSampler(s *metrics.RateSampler) Option {
	return func(b *Broker) { b.sampler = s }
}

// Broker is the MQTT broker: the topic registry, the table of live
// connections and the supervised connection handlers.
type Broker struct {
	cfg      config.BrokerConfig
	logger   *zap.Logger
	registry *topic.Registry
	conns    *storage.MemStore[uint64, *connection.Connection]
	sup      *supervisor.OneForOneSupervisor
	server   *transport.Server
	sink     sink.Sink
	sampler  *metrics.RateSampler

	nextID atomic.Uint64

	mu           sync.Mutex
	ctx          context.Context
	cancel       context.CancelFunc
	serving      bool
	shutdownOnce sync.Once
	stopped      chan struct{}
}

// New creates a new Broker.
func New(cfg config.BrokerConfig, opts ...Option) *Broker {
	b := &Broker{
		cfg:      cfg,
		logger:   zap.NewNop(),
		registry: topic.NewRegistry(),
		conns:    storage.NewMemStore[uint64, *connection.Connection](),
		sink:     sink.Nop{},
		stopped:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.cfg.ReadBufferSize <= 0 {
		b.cfg.ReadBufferSize = 4096
	}
	b.ctx, b.cancel = context.WithCancel(context.Background())
	b.sup = supervisor.NewOneForOneSupervisor(b.logger)
	b.server = transport.NewServer(b.accept, b.logger)
	return b
}

// ListenAndServe listens on the configured address and serves until ctx is
// done or Shutdown is called. A listen failure is returned immediately.
func (b *Broker) ListenAndServe(ctx context.Context) error {
	ln, err := transport.Listen(b.cfg.ListenAddr, transport.ListenOptions{
		Backlog:        b.cfg.Backlog,
		MaxConnections: b.cfg.MaxConnections,
	})
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", b.cfg.ListenAddr)
	}
	return b.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done or Shutdown is called,
// then shuts the broker down. The broker owns ln.
func (b *Broker) Serve(ctx context.Context, ln net.Listener) error {
	b.mu.Lock()
	if b.serving {
		b.mu.Unlock()
		_ = ln.Close()
		return ErrServing
	}
	b.serving = true
	runCtx := b.ctx
	b.mu.Unlock()

	select {
	case <-b.stopped:
		_ = ln.Close()
		return ErrServing
	default:
	}

	b.startBackground(runCtx)
	if err := b.server.Serve(ln); err != nil {
		b.Shutdown()
		return err
	}
	b.logger.Info("MQTT broker listening", zap.String("addr", ln.Addr().String()))

	select {
	case <-ctx.Done():
	case <-runCtx.Done():
	}
	b.Shutdown()
	return nil
}

// Shutdown stops accepting, closes every live connection and waits for all
// connection handlers to return. It is safe to call more than once.
func (b *Broker) Shutdown() {
	b.shutdownOnce.Do(func() {
		b.logger.Info("broker shutting down")
		b.cancel()
		b.server.Stop()
		b.conns.Range(func(_ uint64, c *connection.Connection) bool {
			c.Close(connection.ReasonShutdown)
			return true
		})
		b.sup.Wait()
		close(b.stopped)
		b.logger.Info("broker stopped")
	})
	<-b.stopped
}

// Addr returns the listening address, or nil before Serve.
func (b *Broker) Addr() net.Addr {
	return b.server.Addr()
}

// Ready reports whether the broker is accepting connections.
func (b *Broker) Ready() error {
	select {
	case <-b.ctx.Done():
		return ErrStopped
	default:
	}
	if b.Addr() == nil {
		return ErrNotServing
	}
	return nil
}

// Registry returns the topic registry.
func (b *Broker) Registry() *topic.Registry {
	return b.registry
}

// ConnectionCount returns the number of live connections.
func (b *Broker) ConnectionCount() int {
	return b.conns.Len()
}

type runner interface {
	Run(ctx context.Context) error
}

func (b *Broker) startBackground(ctx context.Context) {
	if r, ok := b.sink.(runner); ok {
		b.sup.StartChild(ctx, supervisor.Spec{
			ID:      "sink",
			Group:   "sink",
			Run:     r.Run,
			Restart: supervisor.RestartPermanent,
		})
	}
	if b.sampler != nil {
		b.sup.StartChild(ctx, supervisor.Spec{
			ID:    "rate-sampler",
			Group: "sampler",
			Run: func(ctx context.Context) error {
				b.sampler.Run(ctx)
				return nil
			},
			Restart: supervisor.RestartPermanent,
		})
	}
}

// accept runs on the transport accept loop for every new socket.
func (b *Broker) accept(conn net.Conn) {
	id := b.nextID.Add(1)
	metrics.ConnectionsTotal.Inc()
	metrics.ConnectionsActive.Inc()
	c := connection.New(id, conn, connection.Options{
		IdleTimeout:  b.cfg.IdleTimeout,
		WriteTimeout: b.cfg.WriteTimeout,
		OnClose:      b.onClose,
	})
	_ = b.conns.Set(id, c)
	if c.State() == connection.StateClosed {
		_ = b.conns.Delete(id)
	}

	log := b.logger.With(zap.Uint64("conn_id", id), zap.String("remote", conn.RemoteAddr().String()))
	log.Debug("accepted connection")

	b.sup.StartChild(b.ctx, b.connSpec(c, log))
}

// connSpec runs the connection's read loop once. A panic closes the
// connection.
func (b *Broker) connSpec(c *connection.Connection, log *zap.Logger) supervisor.Spec {
	return supervisor.Spec{
		ID:      fmt.Sprintf("conn-%d", c.ID()),
		Group:   "connection",
		Run:     func(context.Context) error { return b.serveConn(c, log) },
		Restart: supervisor.RestartTemporary,
		OnExit: func(err error) {
			if errors.Is(err, supervisor.ErrPanic) {
				c.Close(connection.ReasonPanic)
			}
		},
	}
}

// onClose tears the connection out of the registry and the table. It runs
// once per connection, on whichever goroutine closed it first.
func (b *Broker) onClose(c *connection.Connection, reason connection.Reason) {
	removed := b.registry.UnsubscribeAll(c)
	_ = b.conns.Delete(c.ID())
	metrics.ConnectionsActive.Dec()
	metrics.ConnectionsClosedTotal.WithLabelValues(string(reason)).Inc()

	b.logger.Info("connection closed",
		zap.Uint64("conn_id", c.ID()),
		zap.String("client_id", c.ClientID()),
		zap.String("reason", string(reason)),
		zap.Int("subscriptions_removed", len(removed)))
}

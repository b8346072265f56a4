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

// package metrics provides Prometheus metrics for the broker.
package metrics

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal is a counter for the total number of accepted connections.
	ConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "emqx_lite_connections_total",
		Help: "The total number of connections made to the broker.",
	})

	// ConnectionsActive is the number of currently open connections.
	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "emqx_lite_connections_active",
		Help: "The number of connections currently open.",
	})

	// ConnectionsClosedTotal counts closed connections by close reason.
	ConnectionsClosedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "emqx_lite_connections_closed_total",
		Help: "The total number of closed connections, by reason.",
	},
		[]string{"reason"},
	)

	// PacketsReceivedTotal counts decoded packets by packet type.
	PacketsReceivedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "emqx_lite_packets_received_total",
		Help: "The total number of packets received, by type.",
	},
		[]string{"type"},
	)

	// MessagesPublishedTotal counts PUBLISH packets accepted for routing.
	MessagesPublishedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "emqx_lite_messages_published_total",
		Help: "The total number of messages published to the broker.",
	})

	// MessagesDeliveredTotal counts successful deliveries to subscribers.
	MessagesDeliveredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "emqx_lite_messages_delivered_total",
		Help: "The total number of messages delivered to subscribers.",
	})

	// FanoutFailuresTotal counts deliveries that failed and closed the subscriber.
	FanoutFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "emqx_lite_fanout_failures_total",
		Help: "The total number of failed deliveries to subscribers.",
	})

	// SinkWritesTotal counts sink writes by result (ok, error, dropped, skipped).
	SinkWritesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "emqx_lite_sink_writes_total",
		Help: "The total number of message sink writes, by result.",
	},
		[]string{"result"},
	)

	// SupervisorPanicsTotal counts recovered panics in supervised goroutines by group.
	SupervisorPanicsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "emqx_lite_supervisor_panics_total",
		Help: "The total number of panics recovered by the supervisor.",
	},
		[]string{"group"},
	)

	// PublishRate is the publish rate measured over the last completed window.
	PublishRate = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "emqx_lite_publish_rate",
		Help: "Messages per second published during the last sampling window.",
	})
)

// Handler returns a mux exposing the default registry on /metrics. Callers
// may register further routes on it.
func Handler() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Serve serves h on ln until ctx is cancelled. A nil h serves Handler().
func Serve(ctx context.Context, ln net.Listener, h http.Handler) error {
	if h == nil {
		h = Handler()
	}
	server := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "metrics server failed")
	}
	return nil
}

// ListenAndServe listens on addr and calls Serve.
func ListenAndServe(ctx context.Context, addr string, h http.Handler) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "metrics listen on %s", addr)
	}
	return Serve(ctx, ln, h)
}

// Copyright 2023 The emqx-go Authors
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

// package metrics provides Prometheus metrics for the application.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	// ConnectionsTotal is a counter for the total number of connections.
	ConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "emqx_edge_connections_total",
		Help: "The total number of connections made to the broker.",
	})

	// PublishesTotal counts inbound publishes by distribution result.
	PublishesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "emqx_edge_publishes_total",
		Help: "The total number of publishes handled by the distribution pipeline.",
	},
		[]string{"result"},
	)

	// DroppedMessagesTotal counts messages dropped by the client queues.
	DroppedMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "emqx_edge_dropped_messages_total",
		Help: "The total number of messages dropped before delivery.",
	},
		[]string{"reason"},
	)

	// SingleWriterTasksTotal counts executed single writer tasks per domain and outcome.
	SingleWriterTasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "emqx_edge_single_writer_tasks_total",
		Help: "The total number of tasks executed by the single writer.",
	},
		[]string{"domain", "outcome"},
	)

	// SingleWriterPendingTasks is the number of submitted but not yet executed tasks.
	SingleWriterPendingTasks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "emqx_edge_single_writer_pending_tasks",
		Help: "The number of tasks waiting in single writer queues.",
	})

	// CleanupRunsTotal counts cleanup invocations per domain and outcome.
	CleanupRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "emqx_edge_cleanup_runs_total",
		Help: "The total number of bucket cleanup runs.",
	},
		[]string{"domain", "outcome"},
	)

	// PollingErrorsTotal counts failed adapter polls.
	PollingErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "emqx_edge_polling_errors_total",
		Help: "The total number of failed adapter polling invocations.",
	},
		[]string{"adapter_id"},
	)

	// PollingJobsRemovedTotal counts polling jobs removed after too many errors.
	PollingJobsRemovedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "emqx_edge_polling_jobs_removed_total",
		Help: "The total number of polling jobs removed after repeated failures.",
	},
		[]string{"adapter_id"},
	)

	// AdapterTransitionsTotal counts lifecycle transitions by machine and status.
	AdapterTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "emqx_edge_adapter_transitions_total",
		Help: "The total number of protocol adapter state transitions.",
	},
		[]string{"machine", "status"},
	)

	// EventsTotal counts fired events by source and severity.
	EventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "emqx_edge_events_total",
		Help: "The total number of events fired.",
	},
		[]string{"source", "severity"},
	)

	// BlacklistBlocks counts refused connections by matching entry type.
	BlacklistBlocks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "emqx_edge_blacklist_blocks_total",
		Help: "The total number of connections refused by the blacklist.",
	},
		[]string{"type"},
	)
)

// Handler returns the HTTP handler exposing the registered metrics, plus
// whatever routes adds.
func Handler(routes ...func(*http.ServeMux)) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	for _, route := range routes {
		route(mux)
	}
	return mux
}

// Serve exposes the Prometheus metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, logger *zap.Logger, routes ...func(*http.ServeMux)) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           Handler(routes...),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics server listening", zap.String("addr", addr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}

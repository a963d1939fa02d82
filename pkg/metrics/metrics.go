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

// Package metrics provides Prometheus metrics for the application.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/turtacn/pulsar-go/pkg/logger"
)

var (
	// ConnectionsTotal is a counter for the total number of connections.
	ConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pulsar_go_connections_total",
		Help: "The total number of connections made to the broker.",
	})

	// ActiveConnections tracks the client connections currently open on the broker.
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pulsar_go_active_connections",
		Help: "The number of client connections currently open.",
	})

	// SupervisorRestartsTotal is a counter for the total number of supervisor restarts.
	SupervisorRestartsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulsar_go_supervisor_restarts_total",
		Help: "The total number of times a supervised worker has been restarted.",
	},
		[]string{"worker_id"},
	)

	// LookupRequestsTotal counts topic lookups by outcome
	// (connect, redirect, failed, rejected).
	LookupRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulsar_go_lookup_requests_total",
		Help: "The total number of topic lookup requests served.",
	},
		[]string{"result"},
	)

	// AdmissionRejectionsTotal counts requests refused by a concurrency gate.
	AdmissionRejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulsar_go_admission_rejections_total",
		Help: "The total number of requests rejected with TooManyRequests.",
	},
		[]string{"gate"},
	)

	// TopicLoadsTotal counts topics loaded on this broker.
	TopicLoadsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pulsar_go_topic_loads_total",
		Help: "The total number of topics loaded.",
	})

	// BundlesOwned is the number of namespace bundles owned by this broker.
	BundlesOwned = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pulsar_go_bundles_owned",
		Help: "The number of namespace bundles currently owned.",
	})

	// BundleUnloadsTotal counts completed bundle unloads.
	BundleUnloadsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pulsar_go_bundle_unloads_total",
		Help: "The total number of namespace bundles unloaded.",
	})

	// MessagesPublishedTotal counts entries appended to topic ledgers.
	MessagesPublishedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pulsar_go_messages_published_total",
		Help: "The total number of entries published.",
	})

	// MessagesDispatchedTotal counts entries pushed to consumers.
	MessagesDispatchedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pulsar_go_messages_dispatched_total",
		Help: "The total number of entries dispatched to consumers.",
	})

	// RedeliveriesTotal counts entries scheduled for redelivery.
	RedeliveriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pulsar_go_redeliveries_total",
		Help: "The total number of entries scheduled for redelivery.",
	})

	// IncompatibleConsumerClosesTotal counts consumers force-closed because
	// they cannot decode a batched entry.
	IncompatibleConsumerClosesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pulsar_go_incompatible_consumer_closes_total",
		Help: "The total number of consumers closed for an unsupported protocol version.",
	})

	// DynamicConfigReloadsTotal counts dynamic configuration reloads by outcome.
	DynamicConfigReloadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulsar_go_dynamic_config_reloads_total",
		Help: "The total number of dynamic configuration reloads.",
	},
		[]string{"result"},
	)

	// CursorResetsTotal counts subscription cursor resets.
	CursorResetsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pulsar_go_cursor_resets_total",
		Help: "The total number of subscription cursor resets.",
	})

	// ClientReconnectsTotal counts reconnection attempts made by client handles.
	ClientReconnectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulsar_go_client_reconnects_total",
		Help: "The total number of reconnection attempts by client producers and consumers.",
	},
		[]string{"kind"},
	)

	// SinkMessagesTotal counts messages forwarded by a sink by outcome.
	SinkMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulsar_go_sink_messages_total",
		Help: "The total number of messages handled by sinks.",
	},
		[]string{"sink", "result"},
	)

	// ClusterPeers tracks the peers seen by the last discovery refresh.
	ClusterPeers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pulsar_go_cluster_peers",
		Help: "The number of cluster peers by health.",
	},
		[]string{"state"},
	)

	// ClusterForwardsTotal counts admin operations sent to another broker.
	ClusterForwardsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulsar_go_cluster_forwards_total",
		Help: "The total number of admin operations forwarded to peers.",
	},
		[]string{"operation", "result"},
	)
)

// Handler returns the HTTP handler exposing the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve starts an HTTP server to expose the Prometheus metrics.
func Serve(addr string, log *zap.Logger) {
	log = logger.OrNop(log)
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	log.Info("metrics server listening", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		logFatalf("Metrics server failed: %v", err)
	}
}

// logFatalf can be replaced by tests to prevent process exit.
var logFatalf = func(format string, v ...interface{}) {
	zap.S().Fatalf(format, v...)
}

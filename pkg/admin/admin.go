// Copyright 2022 The emqx-go Authors
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


// Package admin provides the REST API used to operate a pulsar-go broker:
// health, ownership, dynamic configuration, bundle unloads, retention
// policies and cursor resets.
package admin

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/turtacn/pulsar-go/pkg/broker"
	"github.com/turtacn/pulsar-go/pkg/bundle"
	"github.com/turtacn/pulsar-go/pkg/cluster"
	"github.com/turtacn/pulsar-go/pkg/config"
	"github.com/turtacn/pulsar-go/pkg/logger"
	"github.com/turtacn/pulsar-go/pkg/metrics"
	"github.com/turtacn/pulsar-go/pkg/monitor"
	"github.com/turtacn/pulsar-go/pkg/naming"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// APIResponse is the envelope of every admin answer.
type APIResponse struct {
	Code    int         `json:"code"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// PeerLister reports the cluster peers. *cluster.Manager implements it.
type PeerLister interface {
	Peers() []cluster.PeerStatus
}

// APIServer serves the admin API of one broker.
type APIServer struct {
	broker *broker.Broker
	health *monitor.HealthChecker
	peers  PeerLister
	log    *zap.Logger
}

// NewAPIServer creates an APIServer. health and peers may be nil.
func NewAPIServer(b *broker.Broker, health *monitor.HealthChecker, peers PeerLister, log *zap.Logger) *APIServer {
	return &APIServer{broker: b, health: health, peers: peers, log: logger.OrNop(log).Named("admin")}
}

// Routes returns the admin router.
func (s *APIServer) Routes() http.Handler {
	r := chi.NewRouter()
	r.Handle("/metrics", metrics.Handler())

	r.Route("/admin/v2", func(r chi.Router) {
		r.Route("/brokers", func(r chi.Router) {
			r.Get("/health", s.handleHealth)
			r.Get("/ownedBundles", s.handleOwnedBundles)
			r.Get("/connections", s.handleConnections)
			r.Get("/peers", s.handlePeers)
			r.Post("/disable", s.handleDisable)
			r.Get("/configuration", s.handleGetConfiguration)
			r.Post("/configuration/{key}/{value}", s.handleUpdateConfiguration)
		})
		r.Route("/namespaces/{tenant}/{namespace}", func(r chi.Router) {
			r.Put("/{bundle}/unload", s.handleUnload)
			r.Get("/retention", s.handleGetRetention)
			r.Post("/retention", s.handleSetRetention)
		})
		r.Route("/persistent/{tenant}/{namespace}/{topic}", func(r chi.Router) {
			r.Get("/subscriptions", s.handleSubscriptions)
			r.Route("/subscription/{subscription}", func(r chi.Router) {
				r.Get("/stats", s.handleSubscriptionStats)
				r.Delete("/", s.handleDeleteSubscription)
				r.Post("/resetcursor/{timestamp}", s.handleResetCursor)
			})
		})
	})
	return r
}

func (s *APIServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		if err := s.broker.CheckHealth(r.Context()); err != nil {
			s.writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		s.writeSuccess(w, map[string]string{"status": "healthy"})
		return
	}
	st := s.health.RunChecks(r.Context())
	if !s.health.IsHealthy() {
		s.writeJSON(w, http.StatusServiceUnavailable, APIResponse{Code: http.StatusServiceUnavailable, Message: "unhealthy", Data: st})
		return
	}
	s.writeSuccess(w, st)
}

func (s *APIServer) handleOwnedBundles(w http.ResponseWriter, r *http.Request) {
	s.writeSuccess(w, s.broker.OwnedBundles())
}

func (s *APIServer) handleConnections(w http.ResponseWriter, r *http.Request) {
	s.writeSuccess(w, s.broker.Connections())
}

func (s *APIServer) handlePeers(w http.ResponseWriter, r *http.Request) {
	if s.peers == nil {
		s.writeSuccess(w, []cluster.PeerStatus{})
		return
	}
	s.writeSuccess(w, s.peers.Peers())
}

func (s *APIServer) handleDisable(w http.ResponseWriter, r *http.Request) {
	if err := s.broker.Disable(r.Context()); err != nil {
		s.writeErr(w, err)
		return
	}
	s.log.Info("broker disabled through admin api")
	s.writeSuccess(w, nil)
}

// configurationView is the JSON form of a dynamic configuration snapshot.
type configurationView struct {
	Version   uint64            `json:"version"`
	Values    map[string]string `json:"values"`
	Overrides map[string]string `json:"overrides"`
}

func (s *APIServer) handleGetConfiguration(w http.ResponseWriter, r *http.Request) {
	cur := s.broker.DynamicConfig()
	s.writeSuccess(w, configurationView{
		Version: cur.Version,
		Values: map[string]string{
			config.KeyMaxConcurrentLookupRequest:    strconv.Itoa(cur.MaxConcurrentLookupRequest),
			config.KeyMaxConcurrentTopicLoadRequest: strconv.Itoa(cur.MaxConcurrentTopicLoadRequest),
			config.KeyLoadManagerClassName:          cur.LoadManagerClassName,
			config.KeyActiveConsumerFailoverDelayMs: strconv.FormatInt(cur.ActiveConsumerFailoverDelay.Milliseconds(), 10),
		},
		Overrides: s.broker.DynamicOverrides(),
	})
}

func (s *APIServer) handleUpdateConfiguration(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	value := chi.URLParam(r, "value")
	if err := s.broker.UpdateDynamicConfig(r.Context(), key, value); err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeSuccess(w, nil)
}

func namespaceOf(r *http.Request) string {
	return chi.URLParam(r, "tenant") + "/" + chi.URLParam(r, "namespace")
}

func topicOf(r *http.Request) string {
	return naming.DomainPersistent + "://" + namespaceOf(r) + "/" + chi.URLParam(r, "topic")
}

func (s *APIServer) handleUnload(w http.ResponseWriter, r *http.Request) {
	name := namespaceOf(r) + "/" + chi.URLParam(r, "bundle")
	if err := s.broker.Unload(r.Context(), name); err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeSuccess(w, nil)
}

func (s *APIServer) handleGetRetention(w http.ResponseWriter, r *http.Request) {
	rp, err := s.broker.Namespaces().Retention(r.Context(), namespaceOf(r))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if rp == nil {
		rp = &broker.RetentionPolicy{}
	}
	s.writeSuccess(w, rp)
}

func (s *APIServer) handleSetRetention(w http.ResponseWriter, r *http.Request) {
	var rp broker.RetentionPolicy
	if err := json.NewDecoder(r.Body).Decode(&rp); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid retention policy: %v", err))
		return
	}
	if rp.RetentionTimeInMinutes < 0 || rp.RetentionSizeInMB < 0 {
		s.writeError(w, http.StatusBadRequest, "retention values must not be negative")
		return
	}
	if err := s.broker.Namespaces().SetRetention(r.Context(), namespaceOf(r), rp); err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeSuccess(w, rp)
}

func (s *APIServer) handleSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs, err := s.broker.Subscriptions(r.Context(), topicOf(r))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if subs == nil {
		subs = []string{}
	}
	s.writeSuccess(w, subs)
}

func (s *APIServer) handleSubscriptionStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.broker.SubscriptionStats(topicOf(r), chi.URLParam(r, "subscription"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeSuccess(w, st)
}

func (s *APIServer) handleDeleteSubscription(w http.ResponseWriter, r *http.Request) {
	if err := s.broker.DeleteSubscription(r.Context(), topicOf(r), chi.URLParam(r, "subscription")); err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeSuccess(w, nil)
}

func (s *APIServer) handleResetCursor(w http.ResponseWriter, r *http.Request) {
	ts, err := strconv.ParseInt(chi.URLParam(r, "timestamp"), 10, 64)
	if err != nil {
		s.writeErr(w, fmt.Errorf("%w: %q", broker.ErrInvalidTimestamp, chi.URLParam(r, "timestamp")))
		return
	}
	if err := s.broker.ResetCursor(r.Context(), topicOf(r), chi.URLParam(r, "subscription"), ts); err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeSuccess(w, nil)
}

// statusOf maps a broker error onto an HTTP status.
func statusOf(err error) int {
	switch {
	case errors.Is(err, broker.ErrSubscriptionNotFound), errors.Is(err, broker.ErrBundleNotOwned):
		return http.StatusNotFound
	case errors.Is(err, broker.ErrInvalidTimestamp), errors.Is(err, config.ErrInvalidConfiguration),
		errors.Is(err, naming.ErrInvalidTopic), errors.Is(err, naming.ErrInvalidNamespace),
		errors.Is(err, bundle.ErrInvalidBundle):
		return http.StatusBadRequest
	case errors.Is(err, broker.ErrConsumerBusy):
		return http.StatusConflict
	case errors.Is(err, broker.ErrBrokerDisabled), errors.Is(err, broker.ErrBundleUnloading),
		errors.Is(err, broker.ErrNoForwarder), errors.Is(err, broker.ErrBundleOwnedElsewhere),
		errors.Is(err, broker.ErrTopicClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (s *APIServer) writeErr(w http.ResponseWriter, err error) {
	code := statusOf(err)
	if code >= http.StatusInternalServerError {
		s.log.Warn("admin request failed", zap.Int("status", code), zap.Error(err))
	}
	s.writeError(w, code, err.Error())
}

func (s *APIServer) writeSuccess(w http.ResponseWriter, data interface{}) {
	s.writeJSON(w, http.StatusOK, APIResponse{Code: 0, Data: data})
}

func (s *APIServer) writeError(w http.ResponseWriter, statusCode int, message string) {
	s.writeJSON(w, statusCode, APIResponse{Code: statusCode, Message: message})
}

func (s *APIServer) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Warn("failed to encode response", zap.Error(err))
	}
}

// Serve runs the admin API on addr until ctx is done.
func (s *APIServer) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.log.Info("admin api listening", zap.String("addr", addr))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

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

// Package broker implements the pulsar-go broker service: the lookup and
// namespace service, bundle ownership, topics with their subscriptions, and
// the server side of client connections.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	protoactor "github.com/asynkron/protoactor-go/actor"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/turtacn/pulsar-go/pkg/admission"
	"github.com/turtacn/pulsar-go/pkg/config"
	"github.com/turtacn/pulsar-go/pkg/logger"
	"github.com/turtacn/pulsar-go/pkg/registry"
	"github.com/turtacn/pulsar-go/pkg/storage"
	"github.com/turtacn/pulsar-go/pkg/storage/messages"
	"github.com/turtacn/pulsar-go/pkg/supervisor"
	"github.com/turtacn/pulsar-go/pkg/transport"
)

// Metadata store layout.
const (
	brokersPrefix    = "/loadbalance/brokers/"
	ownerPrefix      = "/namespace/"
	policiesPrefix   = "/admin/policies/"
	dynamicConfigKey = "/admin/configuration"
	cursorsPrefix    = "/cursors/"
)

const (
	actorRequestTimeout   = 10 * time.Second
	defaultReadBatch      = 100
	defaultPollInterval   = 10 * time.Second
	defaultRetentionCheck = time.Minute
)

// BrokerData is the registration record of an active broker.
type BrokerData struct {
	ServiceURL string `json:"service_url"`
	GRPCAddr   string `json:"grpc_addr,omitempty"`
	NodeID     string `json:"node_id"`
	StartedAt  int64  `json:"started_at"`
}

// Forwarder runs admin operations on another broker.
type Forwarder interface {
	UnloadBundle(ctx context.Context, target, bundle string) error
	ResetCursor(ctx context.Context, target, topic, subscription string, timestamp int64) error
}

// Broker serves topics of the bundles it owns.
type Broker struct {
	cfg     config.BrokerConfig
	url     string
	store   storage.Store
	ledgers *messages.MessageStorage
	log     *zap.Logger

	dynamic    *config.DynamicHolder
	admission  *admission.Controller
	namespaces *NamespaceService
	ownership  *ownership

	system *protoactor.ActorSystem
	sup    *supervisor.OneForOneSupervisor
	server *transport.Server

	conns      *registry.Registry[*serverConn]
	connSeq    atomic.Uint64
	topicLoads singleflight.Group

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	forwarder Forwarder
	started   bool
	closed    bool
}

// New creates a broker. The dynamic configuration persisted in the metadata
// store is applied on top of cfg; an invalid persisted value fails with
// config.ErrInvalidConfiguration.
func New(ctx context.Context, cfg config.BrokerConfig, store storage.Store, ledgers *messages.MessageStorage, log *zap.Logger) (*Broker, error) {
	if cfg.DefaultNumBundles <= 0 {
		cfg.DefaultNumBundles = 4
	}
	if cfg.DispatcherMaxReadBatch <= 0 {
		cfg.DispatcherMaxReadBatch = defaultReadBatch
	}
	if cfg.ConfigPollInterval <= 0 {
		cfg.ConfigPollInterval = defaultPollInterval
	}
	if cfg.RetentionCheckInterval <= 0 {
		cfg.RetentionCheckInterval = defaultRetentionCheck
	}
	log = logger.OrNop(log).Named("broker").With(zap.String("node_id", cfg.NodeID))

	holder, err := config.NewDynamicHolder(config.DynamicFromBroker(cfg))
	if err != nil {
		return nil, err
	}
	overrides, err := loadOverrides(ctx, store)
	if err != nil {
		return nil, err
	}
	if err := holder.Reload(overrides); err != nil {
		return nil, fmt.Errorf("persisted dynamic configuration: %w", err)
	}

	adm := admission.NewController(holder.Load(), log)
	holder.OnChange(func(_, next config.DynamicConfig) {
		adm.Apply(next)
		log.Info("dynamic configuration applied",
			zap.Uint64("version", next.Version),
			zap.String("load_manager", next.LoadManagerClassName),
			zap.Duration("failover_delay", next.ActiveConsumerFailoverDelay))
	})

	b := &Broker{
		cfg:       cfg,
		url:       cfg.AdvertisedServiceURL(),
		store:     store,
		ledgers:   ledgers,
		log:       log,
		dynamic:   holder,
		admission: adm,
		system:    protoactor.NewActorSystem(),
		sup:       supervisor.NewOneForOneSupervisor(log),
		conns:     registry.New[*serverConn](),
	}
	b.ctx, b.cancel = context.WithCancel(context.Background())
	b.namespaces = newNamespaceService(b)
	b.ownership = newOwnership(b)
	b.server = transport.NewServer(b.handleConn, log)
	return b, nil
}

func loadOverrides(ctx context.Context, store storage.Store) (map[string]string, error) {
	overrides := make(map[string]string)
	err := storage.GetJSON(ctx, store, dynamicConfigKey, &overrides)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("load dynamic configuration: %w", err)
	}
	return overrides, nil
}

// Start registers the broker as active and serves connections from ln.
func (b *Broker) Start(ctx context.Context, ln transport.Listener) error {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return errors.New("broker already started")
	}
	b.started = true
	b.mu.Unlock()

	data := BrokerData{
		ServiceURL: b.url,
		GRPCAddr:   b.AdvertisedGRPCAddr(),
		NodeID:     b.cfg.NodeID,
		StartedAt:  time.Now().UnixMilli(),
	}
	if err := storage.PutJSON(ctx, b.store, brokersPrefix+b.url, data); err != nil {
		return fmt.Errorf("register broker: %w", err)
	}

	b.server.Start(ln)
	err := b.sup.Start(b.ctx, []supervisor.Spec{
		{
			ID:      "retention-trimmer",
			Actor:   supervisor.Ticker(b.cfg.RetentionCheckInterval, b.trimRetention),
			Restart: supervisor.RestartPermanent,
		},
		{
			ID:      "config-watcher",
			Actor:   supervisor.Ticker(b.cfg.ConfigPollInterval, b.pollDynamicConfig),
			Restart: supervisor.RestartPermanent,
		},
	})
	if err != nil {
		return err
	}
	b.log.Info("broker started", zap.String("url", b.url), zap.String("addr", ln.Addr()))
	return nil
}

// StartChild runs an extra background service under the broker supervisor.
func (b *Broker) StartChild(spec supervisor.Spec) {
	b.sup.StartChild(b.ctx, spec)
}

// Close stops accepting connections, releases every owned bundle and drops
// the active broker registration.
func (b *Broker) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.server.Stop()
	err := b.ownership.CloseAll(ctx)
	for _, c := range b.conns.Values() {
		c.close()
	}
	if derr := b.store.Delete(ctx, brokersPrefix+b.url); derr != nil {
		err = errors.Join(err, derr)
	}
	b.cancel()
	b.sup.Wait()
	b.log.Info("broker closed")
	return err
}

// URL returns the advertised service URL.
func (b *Broker) URL() string { return b.url }

// NodeID returns the configured node id.
func (b *Broker) NodeID() string { return b.cfg.NodeID }

// AdvertisedGRPCAddr returns the cluster service address peers should dial.
func (b *Broker) AdvertisedGRPCAddr() string {
	addr := b.cfg.GRPCAddr
	if addr == "" || !strings.HasPrefix(addr, ":") {
		return addr
	}
	host, _ := transport.HostPort(b.url)
	if i := strings.LastIndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	return host + addr
}

// SetForwarder installs the client used to reach other brokers.
func (b *Broker) SetForwarder(f Forwarder) {
	b.mu.Lock()
	b.forwarder = f
	b.mu.Unlock()
}

func (b *Broker) getForwarder() Forwarder {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.forwarder
}

// Namespaces returns the namespace service.
func (b *Broker) Namespaces() *NamespaceService { return b.namespaces }

// Admission returns the admission controller.
func (b *Broker) Admission() *admission.Controller { return b.admission }

// Ledgers returns the message storage the broker writes to.
func (b *Broker) Ledgers() *messages.MessageStorage { return b.ledgers }

// Store returns the metadata store.
func (b *Broker) Store() storage.Store { return b.store }

// OwnedBundles returns the bundles served by this broker, sorted.
func (b *Broker) OwnedBundles() []string { return b.ownership.OwnedBundles() }

// IsDisabled reports whether Disable was called.
func (b *Broker) IsDisabled() bool { return b.ownership.isDisabled() }

// Disable takes the broker out of the active list. Lookups fail and no
// bundle is acquired from then on.
func (b *Broker) Disable(ctx context.Context) error {
	return b.ownership.Disable(ctx)
}

// CheckHealth fails when the broker is disabled or its registration cannot
// be read back from the metadata store.
func (b *Broker) CheckHealth(ctx context.Context) error {
	if b.IsDisabled() {
		return ErrBrokerDisabled
	}
	if _, err := b.store.Get(ctx, brokersPrefix+b.url); err != nil {
		return fmt.Errorf("read broker registration: %w", err)
	}
	return nil
}

// CloseAll unloads every owned bundle.
func (b *Broker) CloseAll(ctx context.Context) error {
	return b.ownership.CloseAll(ctx)
}

// DynamicConfig returns the current dynamic configuration snapshot.
func (b *Broker) DynamicConfig() config.DynamicConfig { return b.dynamic.Load() }

// DynamicOverrides returns the dynamic settings that differ from the static
// configuration.
func (b *Broker) DynamicOverrides() map[string]string { return b.dynamic.Overrides() }

// UpdateDynamicConfig validates and applies one dynamic setting, then
// persists the override set so the other brokers pick it up.
func (b *Broker) UpdateDynamicConfig(ctx context.Context, key, value string) error {
	overrides, err := b.dynamic.Update(key, value)
	if err != nil {
		return err
	}
	if err := storage.PutJSON(ctx, b.store, dynamicConfigKey, overrides); err != nil {
		return fmt.Errorf("persist dynamic configuration: %w", err)
	}
	return nil
}

// ConnectionInfo describes one client connection.
type ConnectionInfo struct {
	ID                  string `json:"id"`
	RemoteAddr          string `json:"remote_addr"`
	ProtocolVersion     int32  `json:"protocol_version"`
	Producers           int    `json:"producers"`
	Consumers           int    `json:"consumers"`
	LookupRejections    int64  `json:"lookup_rejections"`
	TopicLoadRejections int64  `json:"topic_load_rejections"`
}

// Connections lists the open client connections.
func (b *Broker) Connections() []ConnectionInfo {
	var out []ConnectionInfo
	for _, c := range b.conns.Values() {
		lookups, loads := b.admission.Rejections(c.id)
		out = append(out, ConnectionInfo{
			ID:                  c.id,
			RemoteAddr:          c.conn.RemoteAddr(),
			ProtocolVersion:     c.remoteVersion,
			Producers:           c.producers.Len(),
			Consumers:           c.consumers.Len(),
			LookupRejections:    lookups,
			TopicLoadRejections: loads,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

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


package cluster

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/turtacn/pulsar-go/pkg/discovery"
	"github.com/turtacn/pulsar-go/pkg/logger"
	"github.com/turtacn/pulsar-go/pkg/metrics"
)

const pingTimeout = 3 * time.Second

// PeerStatus is the outcome of the last health check of a peer.
type PeerStatus struct {
	ID       string    `json:"id"`
	Address  string    `json:"address"`
	Info     PeerInfo  `json:"info"`
	Healthy  bool      `json:"healthy"`
	LastSeen time.Time `json:"last_seen,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// Manager keeps one client per peer and forwards admin operations to the
// broker owning a bundle. It satisfies broker.Forwarder.
type Manager struct {
	nodeID    string
	discovery discovery.Discovery
	dialOpts  []grpc.DialOption
	log       *zap.Logger

	mu      sync.Mutex
	clients map[string]*Client
	peers   map[string]PeerStatus
}

// NewManager creates a Manager. d may be nil when peers are only reached
// through ownership records.
func NewManager(nodeID string, d discovery.Discovery, log *zap.Logger, opts ...grpc.DialOption) *Manager {
	return &Manager{
		nodeID:    nodeID,
		discovery: d,
		dialOpts:  opts,
		log:       logger.OrNop(log).Named("cluster"),
		clients:   make(map[string]*Client),
		peers:     make(map[string]PeerStatus),
	}
}

func (m *Manager) client(target string) (*Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.clients[target]; ok {
		return c, nil
	}
	c, err := NewClient(m.nodeID, target, m.dialOpts...)
	if err != nil {
		return nil, err
	}
	m.clients[target] = c
	return c, nil
}

// UnloadBundle forwards an unload to the broker at target.
func (m *Manager) UnloadBundle(ctx context.Context, target, bundle string) error {
	c, err := m.client(target)
	if err == nil {
		err = c.UnloadBundle(ctx, bundle)
	}
	m.record("unload", target, err)
	return err
}

// ResetCursor forwards a cursor reset to the broker at target.
func (m *Manager) ResetCursor(ctx context.Context, target, topic, subscription string, timestamp int64) error {
	c, err := m.client(target)
	if err == nil {
		err = c.ResetCursor(ctx, topic, subscription, timestamp)
	}
	m.record("reset_cursor", target, err)
	return err
}

func (m *Manager) record(op, target string, err error) {
	if err != nil {
		metrics.ClusterForwardsTotal.WithLabelValues(op, "failed").Inc()
		m.log.Warn("forwarded request failed", zap.String("operation", op), zap.String("peer", target), zap.Error(err))
		return
	}
	metrics.ClusterForwardsTotal.WithLabelValues(op, "ok").Inc()
	m.log.Info("forwarded request", zap.String("operation", op), zap.String("peer", target))
}

// Refresh rediscovers the peers and pings each of them. Clients of peers
// that left are closed. Unreachable peers are recorded, not returned as an
// error, so a supervised refresher keeps running.
func (m *Manager) Refresh(ctx context.Context) error {
	if m.discovery == nil {
		return nil
	}
	found, err := m.discovery.DiscoverPeers(ctx)
	if err != nil {
		m.log.Warn("peer discovery failed", zap.Error(err))
		return nil
	}

	statuses := make([]PeerStatus, len(found))
	var wg sync.WaitGroup
	for i, p := range found {
		wg.Add(1)
		go func() {
			defer wg.Done()
			statuses[i] = m.ping(ctx, p)
		}()
	}
	wg.Wait()

	next := make(map[string]PeerStatus, len(statuses))
	healthy := 0
	for _, st := range statuses {
		next[st.Address] = st
		if st.Healthy {
			healthy++
		}
	}

	m.mu.Lock()
	var stale []*Client
	for addr, c := range m.clients {
		if _, ok := next[addr]; !ok {
			if _, known := m.peers[addr]; known {
				stale = append(stale, c)
				delete(m.clients, addr)
			}
		}
	}
	m.peers = next
	m.mu.Unlock()

	for _, c := range stale {
		m.log.Info("peer left", zap.String("peer", c.Target()))
		_ = c.Close()
	}
	metrics.ClusterPeers.WithLabelValues("healthy").Set(float64(healthy))
	metrics.ClusterPeers.WithLabelValues("unhealthy").Set(float64(len(statuses) - healthy))
	return nil
}

func (m *Manager) ping(ctx context.Context, p discovery.Peer) PeerStatus {
	st := PeerStatus{ID: p.ID, Address: p.Address}
	c, err := m.client(p.Address)
	if err == nil {
		pctx, cancel := context.WithTimeout(ctx, pingTimeout)
		st.Info, err = c.Ping(pctx)
		cancel()
	}
	if err != nil {
		st.Error = err.Error()
		m.mu.Lock()
		if prev, ok := m.peers[p.Address]; ok {
			st.LastSeen = prev.LastSeen
		}
		m.mu.Unlock()
		return st
	}
	st.Healthy = true
	st.LastSeen = time.Now()
	return st
}

// Peers returns the last refresh result ordered by address.
func (m *Manager) Peers() []PeerStatus {
	m.mu.Lock()
	out := make([]PeerStatus, 0, len(m.peers))
	for _, st := range m.peers {
		out = append(out, st)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// Close closes every peer client.
func (m *Manager) Close() error {
	m.mu.Lock()
	clients := m.clients
	m.clients = make(map[string]*Client)
	m.mu.Unlock()
	var errs []error
	for _, c := range clients {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

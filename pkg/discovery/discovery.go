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


// Package discovery finds the cluster service endpoints of peer brokers.
package discovery

import (
	"context"
	"fmt"

	"github.com/turtacn/pulsar-go/pkg/config"
)

// Peer is another broker's cluster service endpoint.
type Peer struct {
	ID      string
	Address string
}

// Discovery lists the peers currently known.
type Discovery interface {
	// DiscoverPeers returns every peer except the local broker.
	DiscoverPeers(ctx context.Context) ([]Peer, error)
}

// StaticDiscovery returns a fixed peer list.
type StaticDiscovery struct {
	peers []Peer
}

// NewStaticDiscovery builds a StaticDiscovery from addresses. self is left
// out so a shared peer list can be used by every broker.
func NewStaticDiscovery(addrs []string, self string) *StaticDiscovery {
	seen := make(map[string]bool, len(addrs))
	var peers []Peer
	for _, a := range addrs {
		if a == "" || a == self || seen[a] {
			continue
		}
		seen[a] = true
		peers = append(peers, Peer{ID: a, Address: a})
	}
	return &StaticDiscovery{peers: peers}
}

// DiscoverPeers implements Discovery.
func (s *StaticDiscovery) DiscoverPeers(context.Context) ([]Peer, error) {
	out := make([]Peer, len(s.peers))
	copy(out, s.peers)
	return out, nil
}

// New returns the Discovery selected by cfg. self is the local cluster
// service address.
func New(cfg config.DiscoveryConfig, self string) (Discovery, error) {
	switch cfg.Mode {
	case "", config.DiscoveryStatic:
		return NewStaticDiscovery(cfg.Peers, self), nil
	case config.DiscoveryKubernetes:
		return NewKubeDiscovery(cfg.Namespace, cfg.Service, cfg.PortName)
	default:
		return nil, fmt.Errorf("unsupported discovery mode: %s", cfg.Mode)
	}
}

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

package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/turtacn/pulsar-go/pkg/bundle"
	"github.com/turtacn/pulsar-go/pkg/metrics"
	"github.com/turtacn/pulsar-go/pkg/naming"
	"github.com/turtacn/pulsar-go/pkg/protocol"
	"github.com/turtacn/pulsar-go/pkg/storage"
)

// LookupResult is the answer to a topic lookup.
type LookupResult struct {
	Type          protocol.LookupType
	BrokerURL     string
	Authoritative bool
}

// RetentionPolicy bounds how long and how much acknowledged data a
// namespace keeps. Zero or negative values mean unlimited.
type RetentionPolicy struct {
	RetentionTimeInMinutes int   `json:"retentionTimeInMinutes"`
	RetentionSizeInMB      int64 `json:"retentionSizeInMB"`
}

// Policies are the persisted settings of a namespace.
type Policies struct {
	Retention *RetentionPolicy `json:"retention_policies,omitempty"`
}

// NamespaceService maps topics to bundles and answers lookups.
type NamespaceService struct {
	b   *Broker
	log *zap.Logger
}

func newNamespaceService(b *Broker) *NamespaceService {
	return &NamespaceService{b: b, log: b.log.Named("namespace")}
}

// BundleOf returns the bundle serving topic.
func (ns *NamespaceService) BundleOf(topic string) (naming.TopicName, bundle.Bundle, error) {
	tn, err := naming.ParseTopic(topic)
	if err != nil {
		return tn, bundle.Bundle{}, err
	}
	full := tn.String()
	return tn, bundle.Find(tn.Namespace, ns.b.cfg.DefaultNumBundles, full), nil
}

// Bundles returns every bundle of namespace.
func (ns *NamespaceService) Bundles(namespace string) ([]bundle.Bundle, error) {
	if err := naming.ValidateNamespace(namespace); err != nil {
		return nil, err
	}
	return bundle.NamespaceBundles(namespace, ns.b.cfg.DefaultNumBundles), nil
}

// ActiveBrokers returns the service URLs of the registered brokers.
func (ns *NamespaceService) ActiveBrokers(ctx context.Context) ([]string, error) {
	keys, err := ns.b.store.List(ctx, brokersPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, strings.TrimPrefix(k, brokersPrefix))
	}
	return out, nil
}

// Owner reads the ownership record of bnd.
func (ns *NamespaceService) Owner(ctx context.Context, bnd bundle.Bundle) (OwnerData, bool, error) {
	var od OwnerData
	err := storage.GetJSON(ctx, ns.b.store, ownerKey(bnd), &od)
	if errors.Is(err, storage.ErrNotFound) {
		return od, false, nil
	}
	if err != nil {
		return od, false, err
	}
	return od, true, nil
}

func (ns *NamespaceService) ownedCounts(ctx context.Context) (map[string]int, error) {
	keys, err := ns.b.store.List(ctx, ownerPrefix)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int)
	for _, k := range keys {
		var od OwnerData
		if err := storage.GetJSON(ctx, ns.b.store, k, &od); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, err
		}
		counts[od.BrokerURL]++
	}
	return counts, nil
}

// Lookup finds the broker serving topic. An unowned bundle is placed by the
// configured load manager: this broker takes it when selected or when the
// request is authoritative, otherwise the client is redirected.
func (ns *NamespaceService) Lookup(ctx context.Context, topic string, authoritative bool) (LookupResult, error) {
	res, err := ns.lookup(ctx, topic, authoritative)
	switch {
	case err != nil:
		metrics.LookupRequestsTotal.WithLabelValues("failed").Inc()
	case res.Type == protocol.LookupRedirect:
		metrics.LookupRequestsTotal.WithLabelValues("redirect").Inc()
	default:
		metrics.LookupRequestsTotal.WithLabelValues("connect").Inc()
	}
	return res, err
}

func (ns *NamespaceService) lookup(ctx context.Context, topic string, authoritative bool) (LookupResult, error) {
	if ns.b.IsDisabled() {
		return LookupResult{}, ErrBrokerDisabled
	}
	_, bnd, err := ns.BundleOf(topic)
	if err != nil {
		return LookupResult{}, err
	}
	self := LookupResult{Type: protocol.LookupConnect, BrokerURL: ns.b.url}

	if st, ok := ns.b.ownership.state(bnd); ok {
		if st == bundleUnloading {
			return LookupResult{}, ErrBundleUnloading
		}
		return self, nil
	}

	owner, found, err := ns.Owner(ctx, bnd)
	if err != nil {
		return LookupResult{}, fmt.Errorf("read owner: %w", err)
	}
	if found {
		if owner.BrokerURL != ns.b.url {
			return LookupResult{Type: protocol.LookupConnect, BrokerURL: owner.BrokerURL}, nil
		}
		if err := ns.b.ownership.TryAcquire(ctx, bnd); err != nil {
			return LookupResult{}, err
		}
		return self, nil
	}

	candidate, err := ns.selectBroker(ctx, bnd)
	if err != nil {
		return LookupResult{}, err
	}
	if candidate != ns.b.url && !authoritative {
		ns.log.Debug("lookup redirected",
			zap.String("topic", topic),
			zap.String("bundle", bnd.String()),
			zap.String("candidate", candidate))
		return LookupResult{Type: protocol.LookupRedirect, BrokerURL: candidate, Authoritative: true}, nil
	}

	err = ns.b.ownership.TryAcquire(ctx, bnd)
	if errors.Is(err, ErrBundleOwnedElsewhere) {
		// Lost the race, point the client at the winner.
		if owner, found, oerr := ns.Owner(ctx, bnd); oerr == nil && found {
			return LookupResult{Type: protocol.LookupConnect, BrokerURL: owner.BrokerURL}, nil
		}
	}
	if err != nil {
		return LookupResult{}, err
	}
	return self, nil
}

func (ns *NamespaceService) selectBroker(ctx context.Context, bnd bundle.Bundle) (string, error) {
	brokers, err := ns.ActiveBrokers(ctx)
	if err != nil {
		return "", fmt.Errorf("list brokers: %w", err)
	}
	if len(brokers) == 0 {
		return ns.b.url, nil
	}
	lm, err := bundle.NewLoadManager(ns.b.dynamic.Load().LoadManagerClassName)
	if err != nil {
		return "", err
	}
	counts, err := ns.ownedCounts(ctx)
	if err != nil {
		return "", fmt.Errorf("count owned bundles: %w", err)
	}
	return lm.SelectBroker(bnd, brokers, counts)
}

// Policies returns the stored policies of namespace.
func (ns *NamespaceService) Policies(ctx context.Context, namespace string) (Policies, error) {
	var p Policies
	if err := naming.ValidateNamespace(namespace); err != nil {
		return p, err
	}
	err := storage.GetJSON(ctx, ns.b.store, policiesPrefix+namespace, &p)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return p, err
	}
	return p, nil
}

// Retention returns the retention policy of namespace, or nil when none is set.
func (ns *NamespaceService) Retention(ctx context.Context, namespace string) (*RetentionPolicy, error) {
	p, err := ns.Policies(ctx, namespace)
	if err != nil {
		return nil, err
	}
	return p.Retention, nil
}

// SetRetention stores the retention policy of namespace.
func (ns *NamespaceService) SetRetention(ctx context.Context, namespace string, rp RetentionPolicy) error {
	p, err := ns.Policies(ctx, namespace)
	if err != nil {
		return err
	}
	p.Retention = &rp
	if err := storage.PutJSON(ctx, ns.b.store, policiesPrefix+namespace, p); err != nil {
		return err
	}
	ns.log.Info("retention policy updated",
		zap.String("namespace", namespace),
		zap.Int("minutes", rp.RetentionTimeInMinutes),
		zap.Int64("size_mb", rp.RetentionSizeInMB))
	return nil
}

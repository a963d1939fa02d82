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
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/turtacn/pulsar-go/pkg/bundle"
	"github.com/turtacn/pulsar-go/pkg/metrics"
	"github.com/turtacn/pulsar-go/pkg/storage"
)

// OwnerData is the ownership record of a bundle.
type OwnerData struct {
	BrokerURL  string `json:"broker_url"`
	GRPCAddr   string `json:"grpc_addr,omitempty"`
	AcquiredAt int64  `json:"acquired_at"`
}

type bundleState int

const (
	bundleOwned bundleState = iota
	bundleUnloading
)

type ownedBundle struct {
	bundle bundle.Bundle
	state  bundleState
	topics map[string]*Topic
}

// ownership tracks the bundles this broker owns. The metadata record is the
// source of truth across brokers; the local map answers lookups and topic
// loads without a store round trip.
type ownership struct {
	b     *Broker
	log   *zap.Logger
	group singleflight.Group

	mu       sync.Mutex
	bundles  map[string]*ownedBundle
	disabled bool
}

func newOwnership(b *Broker) *ownership {
	return &ownership{
		b:       b,
		log:     b.log.Named("ownership"),
		bundles: make(map[string]*ownedBundle),
	}
}

func ownerKey(bnd bundle.Bundle) string {
	return ownerPrefix + bnd.String()
}

// state returns the local state of bnd and whether it is known.
func (o *ownership) state(bnd bundle.Bundle) (bundleState, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	ob, ok := o.bundles[bnd.String()]
	if !ok {
		return 0, false
	}
	return ob.state, true
}

func (o *ownership) isDisabled() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.disabled
}

// TryAcquire claims bnd by creating its ownership record. A record that
// already names this broker is adopted.
func (o *ownership) TryAcquire(ctx context.Context, bnd bundle.Bundle) error {
	key := bnd.String()
	_, err, _ := o.group.Do(key, func() (any, error) {
		o.mu.Lock()
		if o.disabled {
			o.mu.Unlock()
			return nil, ErrBrokerDisabled
		}
		if ob, ok := o.bundles[key]; ok {
			o.mu.Unlock()
			if ob.state == bundleUnloading {
				return nil, ErrBundleUnloading
			}
			return nil, nil
		}
		o.mu.Unlock()

		data := OwnerData{
			BrokerURL:  o.b.url,
			GRPCAddr:   o.b.AdvertisedGRPCAddr(),
			AcquiredAt: time.Now().UnixMilli(),
		}
		err := storage.CreateJSON(ctx, o.b.store, ownerKey(bnd), data)
		if errors.Is(err, storage.ErrExists) {
			var cur OwnerData
			if gerr := storage.GetJSON(ctx, o.b.store, ownerKey(bnd), &cur); gerr != nil {
				return nil, fmt.Errorf("read owner of %s: %w", key, gerr)
			}
			if cur.BrokerURL != o.b.url {
				return nil, fmt.Errorf("%w: %s", ErrBundleOwnedElsewhere, cur.BrokerURL)
			}
		} else if err != nil {
			return nil, fmt.Errorf("acquire %s: %w", key, err)
		}

		o.mu.Lock()
		if o.disabled {
			o.mu.Unlock()
			_ = o.b.store.Delete(ctx, ownerKey(bnd))
			return nil, ErrBrokerDisabled
		}
		o.bundles[key] = &ownedBundle{bundle: bnd, state: bundleOwned, topics: make(map[string]*Topic)}
		metrics.BundlesOwned.Set(float64(len(o.bundles)))
		o.mu.Unlock()

		o.log.Info("bundle acquired", zap.String("bundle", key))
		return nil, nil
	})
	return err
}

// topic returns a loaded topic of an owned bundle. A bundle that is not
// owned yields ErrBundleNotOwned and one being unloaded ErrBundleUnloading.
func (o *ownership) topic(bnd bundle.Bundle, name string) (*Topic, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	ob, ok := o.bundles[bnd.String()]
	if !ok {
		return nil, ErrBundleNotOwned
	}
	if ob.state == bundleUnloading {
		return nil, ErrBundleUnloading
	}
	return ob.topics[name], nil
}

// addTopic publishes a freshly loaded topic. The bundle state is checked
// again because an unload may have started while the topic was loading.
func (o *ownership) addTopic(t *Topic) (*Topic, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	ob, ok := o.bundles[t.bundle.String()]
	if !ok {
		return nil, ErrBundleNotOwned
	}
	if ob.state == bundleUnloading {
		return nil, ErrBundleUnloading
	}
	if cur, ok := ob.topics[t.name]; ok {
		return cur, nil
	}
	ob.topics[t.name] = t
	return t, nil
}

// topics returns every loaded topic.
func (o *ownership) topics() []*Topic {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []*Topic
	for _, ob := range o.bundles {
		for _, t := range ob.topics {
			out = append(out, t)
		}
	}
	return out
}

// Unload releases bnd: the bundle is marked unloading, its ownership record
// is deleted, every topic is closed and the connections left without any
// producer or consumer are closed.
func (o *ownership) Unload(ctx context.Context, bnd bundle.Bundle) error {
	key := bnd.String()
	o.mu.Lock()
	ob, ok := o.bundles[key]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrBundleNotOwned, key)
	}
	if ob.state == bundleUnloading {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrBundleUnloading, key)
	}
	ob.state = bundleUnloading
	topics := make([]*Topic, 0, len(ob.topics))
	for _, t := range ob.topics {
		topics = append(topics, t)
	}
	o.mu.Unlock()

	if err := o.b.store.Delete(ctx, ownerKey(bnd)); err != nil {
		o.mu.Lock()
		ob.state = bundleOwned
		o.mu.Unlock()
		return fmt.Errorf("release %s: %w", key, err)
	}

	affected := make(map[*serverConn]struct{})
	for _, t := range topics {
		for _, c := range t.close(ctx) {
			affected[c] = struct{}{}
		}
	}
	for c := range affected {
		if c.handleCount() == 0 {
			c.closeWhenFlushed()
		}
	}

	o.mu.Lock()
	delete(o.bundles, key)
	metrics.BundlesOwned.Set(float64(len(o.bundles)))
	o.mu.Unlock()
	metrics.BundleUnloadsTotal.Inc()

	o.log.Info("bundle unloaded",
		zap.String("bundle", key),
		zap.Int("topics", len(topics)),
		zap.Int("connections", len(affected)))
	return nil
}

// CloseAll unloads every owned bundle in parallel.
func (o *ownership) CloseAll(ctx context.Context) error {
	o.mu.Lock()
	owned := make([]bundle.Bundle, 0, len(o.bundles))
	for _, ob := range o.bundles {
		if ob.state == bundleOwned {
			owned = append(owned, ob.bundle)
		}
	}
	o.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, bnd := range owned {
		g.Go(func() error {
			return o.Unload(gctx, bnd)
		})
	}
	return g.Wait()
}

// Disable deregisters the broker. Bundles already owned stay until they
// are unloaded.
func (o *ownership) Disable(ctx context.Context) error {
	o.mu.Lock()
	o.disabled = true
	o.mu.Unlock()
	if err := o.b.store.Delete(ctx, brokersPrefix+o.b.url); err != nil {
		return fmt.Errorf("deregister broker: %w", err)
	}
	o.log.Info("broker disabled")
	return nil
}

// OwnedBundles returns the owned bundle names, sorted.
func (o *ownership) OwnedBundles() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, 0, len(o.bundles))
	for k := range o.bundles {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

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
	"strings"

	"go.uber.org/zap"

	"github.com/turtacn/pulsar-go/pkg/bundle"
	"github.com/turtacn/pulsar-go/pkg/metrics"
	"github.com/turtacn/pulsar-go/pkg/storage"
)

const adminConnID = "admin"

// Unload releases a bundle. A bundle owned by another broker is unloaded
// there through the forwarder.
func (b *Broker) Unload(ctx context.Context, bundleName string) error {
	bnd, err := bundle.ParseBundle(bundleName)
	if err != nil {
		return err
	}
	if _, ok := b.ownership.state(bnd); ok {
		return b.ownership.Unload(ctx, bnd)
	}
	owner, ok, err := b.namespaces.Owner(ctx, bnd)
	if err != nil {
		return fmt.Errorf("read owner of %s: %w", bundleName, err)
	}
	if !ok || owner.BrokerURL == b.url {
		return fmt.Errorf("%w: %s", ErrBundleNotOwned, bundleName)
	}
	return b.forward(func(f Forwarder) error {
		b.log.Info("forwarding unload", zap.String("bundle", bundleName), zap.String("owner", owner.BrokerURL))
		return f.UnloadBundle(ctx, owner.GRPCAddr, bundleName)
	})
}

// UnloadLocal releases a bundle only if this broker owns it.
func (b *Broker) UnloadLocal(ctx context.Context, bundleName string) error {
	bnd, err := bundle.ParseBundle(bundleName)
	if err != nil {
		return err
	}
	return b.ownership.Unload(ctx, bnd)
}

func (b *Broker) forward(fn func(Forwarder) error) error {
	f := b.getForwarder()
	if f == nil {
		return ErrNoForwarder
	}
	return fn(f)
}

// ResetCursor moves a subscription back or forward to the first entry
// published at or after timestamp (unix ms). Attached consumers are
// disconnected and resume from the new position. Repeating the last reset
// timestamp is a no-op. Topics whose bundle lives on another broker are
// reset there.
func (b *Broker) ResetCursor(ctx context.Context, topic, subscription string, timestamp int64) error {
	if timestamp < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidTimestamp, timestamp)
	}
	t, err := b.adminTopic(ctx, topic)
	var elsewhere *ownedElsewhereError
	if errors.As(err, &elsewhere) {
		owner := elsewhere.owner
		return b.forward(func(f Forwarder) error {
			b.log.Info("forwarding cursor reset",
				zap.String("topic", topic),
				zap.String("subscription", subscription),
				zap.String("owner", owner.BrokerURL))
			return f.ResetCursor(ctx, owner.GRPCAddr, topic, subscription, timestamp)
		})
	}
	if err != nil {
		return err
	}
	return t.resetCursor(ctx, subscription, timestamp)
}

// ResetCursorLocal resets a cursor of a topic served here, loading the
// topic when needed.
func (b *Broker) ResetCursorLocal(ctx context.Context, topic, subscription string, timestamp int64) error {
	if timestamp < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidTimestamp, timestamp)
	}
	t, err := b.getOrLoadTopic(ctx, adminConnID, topic)
	if err != nil {
		return err
	}
	if t == nil {
		return ErrBundleNotOwned
	}
	return t.resetCursor(ctx, subscription, timestamp)
}

// ownedElsewhereError carries the owner of a bundle held by another broker.
type ownedElsewhereError struct {
	owner OwnerData
}

func (e *ownedElsewhereError) Error() string {
	return ErrBundleOwnedElsewhere.Error() + ": " + e.owner.BrokerURL
}

func (e *ownedElsewhereError) Unwrap() error { return ErrBundleOwnedElsewhere }

// adminTopic loads topic for an admin operation. An unowned bundle is
// acquired; a bundle owned elsewhere yields an *ownedElsewhereError.
func (b *Broker) adminTopic(ctx context.Context, topic string) (*Topic, error) {
	t, err := b.getOrLoadTopic(ctx, adminConnID, topic)
	if err == nil && t != nil {
		return t, nil
	}
	if err != nil && !errors.Is(err, ErrBundleNotOwned) {
		return nil, err
	}
	_, bnd, err := b.namespaces.BundleOf(topic)
	if err != nil {
		return nil, err
	}
	owner, ok, err := b.namespaces.Owner(ctx, bnd)
	if err != nil {
		return nil, err
	}
	if ok && owner.BrokerURL != b.url {
		return nil, &ownedElsewhereError{owner: owner}
	}
	if err := b.ownership.TryAcquire(ctx, bnd); err != nil {
		return nil, err
	}
	t, err = b.getOrLoadTopic(ctx, adminConnID, topic)
	if err == nil && t == nil {
		err = ErrBundleNotOwned
	}
	return t, err
}

func (t *Topic) resetCursor(ctx context.Context, subscription string, timestamp int64) error {
	s := t.Subscription(subscription)
	if s == nil {
		return fmt.Errorf("%w: %s on %s", ErrSubscriptionNotFound, subscription, t.name)
	}
	if _, err := t.applyRetention(ctx); err != nil {
		t.log.Warn("retention trim before reset failed", zap.Error(err))
	}
	pos, err := t.ledger.Seek(ctx, timestamp)
	if err != nil {
		return fmt.Errorf("seek %s: %w", t.name, err)
	}
	res, err := s.request(&resetCursor{timestamp: timestamp, position: pos})
	if err != nil {
		return err
	}
	r := res.(*resetResult)
	if r.skipped {
		t.log.Debug("cursor reset skipped, same timestamp", zap.String("subscription", subscription), zap.Int64("timestamp", timestamp))
		return nil
	}
	t.persistCursor(ctx, subscription, r.state)
	metrics.CursorResetsTotal.Inc()
	return nil
}

// Subscriptions lists the subscriptions of topic. Topics not loaded here
// are answered from the persisted cursors.
func (b *Broker) Subscriptions(ctx context.Context, topic string) ([]string, error) {
	t, err := b.loadedTopic(topic)
	if err == nil && t != nil {
		return t.SubscriptionNames(), nil
	}
	tn, _, perr := b.namespaces.BundleOf(topic)
	if perr != nil {
		return nil, perr
	}
	prefix := cursorPrefix(tn.String())
	keys, err := b.store.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if name := strings.TrimPrefix(k, prefix); name != "" && !strings.Contains(name, "/") {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}

// SubscriptionStats returns the state of one subscription of a topic
// loaded here.
func (b *Broker) SubscriptionStats(topic, subscription string) (SubscriptionStats, error) {
	t, err := b.loadedTopic(topic)
	if err != nil {
		return SubscriptionStats{}, err
	}
	if t == nil {
		return SubscriptionStats{}, fmt.Errorf("%w: topic %s is not loaded", ErrBundleNotOwned, topic)
	}
	s := t.Subscription(subscription)
	if s == nil {
		return SubscriptionStats{}, fmt.Errorf("%w: %s", ErrSubscriptionNotFound, subscription)
	}
	return s.Stats()
}

// DeleteSubscription drops a subscription that has no attached consumer.
func (b *Broker) DeleteSubscription(ctx context.Context, topic, subscription string) error {
	t, err := b.loadedTopic(topic)
	if err == nil && t != nil {
		if err := t.deleteSubscription(subscription); err != nil {
			return err
		}
	}
	tn, _, err := b.namespaces.BundleOf(topic)
	if err != nil {
		return err
	}
	err = b.store.Delete(ctx, cursorKey(tn.String(), subscription))
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	return err
}

func (t *Topic) deleteSubscription(name string) error {
	t.mu.Lock()
	s, ok := t.subscriptions[name]
	t.mu.Unlock()
	if !ok {
		return nil
	}
	st, err := s.Stats()
	if err != nil {
		return err
	}
	if st.Consumers > 0 {
		return fmt.Errorf("%w: %s has %d consumers", ErrConsumerBusy, name, st.Consumers)
	}
	t.mu.Lock()
	if t.subscriptions[name] == s {
		delete(t.subscriptions, name)
	}
	t.mu.Unlock()
	s.stop()
	t.log.Info("subscription deleted", zap.String("subscription", name))
	return nil
}

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
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/turtacn/pulsar-go/pkg/bundle"
	"github.com/turtacn/pulsar-go/pkg/metrics"
	"github.com/turtacn/pulsar-go/pkg/naming"
	"github.com/turtacn/pulsar-go/pkg/protocol"
	"github.com/turtacn/pulsar-go/pkg/storage"
	"github.com/turtacn/pulsar-go/pkg/storage/messages"
)

// Topic is a loaded topic: its ledger, the attached producers and the
// subscriptions.
type Topic struct {
	broker *Broker
	tn     naming.TopicName
	name   string
	bundle bundle.Bundle
	ledger *messages.Ledger
	log    *zap.Logger

	mu            sync.Mutex
	closed        bool
	producers     map[string]*serverProducer
	subscriptions map[string]*Subscription
}

func newTopic(b *Broker, tn naming.TopicName, bnd bundle.Bundle) *Topic {
	name := tn.String()
	return &Topic{
		broker:        b,
		tn:            tn,
		name:          name,
		bundle:        bnd,
		ledger:        b.ledgers.Ledger(name),
		log:           b.log.Named("topic").With(zap.String("topic", name)),
		producers:     make(map[string]*serverProducer),
		subscriptions: make(map[string]*Subscription),
	}
}

// Name returns the fully qualified topic name.
func (t *Topic) Name() string { return t.name }

func cursorPrefix(topic string) string {
	return cursorsPrefix + topic + "/"
}

func cursorKey(topic, sub string) string {
	return cursorPrefix(topic) + sub
}

// restoreCursors respawns the subscriptions persisted for the topic.
func (t *Topic) restoreCursors(ctx context.Context) error {
	prefix := cursorPrefix(t.name)
	keys, err := t.broker.store.List(ctx, prefix)
	if err != nil {
		return fmt.Errorf("list cursors: %w", err)
	}
	for _, k := range keys {
		name := strings.TrimPrefix(k, prefix)
		if name == "" || strings.Contains(name, "/") {
			continue
		}
		var st cursorState
		if err := storage.GetJSON(ctx, t.broker.store, k, &st); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return fmt.Errorf("read cursor %s: %w", name, err)
		}
		t.mu.Lock()
		t.subscriptions[name] = newSubscription(t, name, protocol.SubscriptionType(st.Type), restoreCursor(st))
		t.mu.Unlock()
		t.log.Debug("cursor restored",
			zap.String("subscription", name),
			zap.Uint64("mark_delete", st.MarkDelete))
	}
	return nil
}

func (t *Topic) persistCursor(ctx context.Context, sub string, st cursorState) {
	if err := storage.PutJSON(ctx, t.broker.store, cursorKey(t.name, sub), st); err != nil {
		t.log.Error("failed to persist cursor", zap.String("subscription", sub), zap.Error(err))
	}
}

func (t *Topic) addProducer(c *serverConn, id uint64, name string) (*serverProducer, error) {
	if name == "" {
		name = t.broker.cfg.NodeID + "-" + uuid.NewString()[:8]
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrTopicClosed
	}
	if _, ok := t.producers[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrProducerBusy, name)
	}
	p := &serverProducer{id: id, name: name, topic: t, conn: c}
	t.producers[name] = p
	return p, nil
}

func (t *Topic) removeProducer(p *serverProducer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.producers[p.name] == p {
		delete(t.producers, p.name)
	}
}

// publish appends one entry and wakes the subscriptions.
func (t *Topic) publish(ctx context.Context, p *serverProducer, f *protocol.Frame) (messages.Entry, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return messages.Entry{}, ErrTopicClosed
	}
	subs := t.subscriptionsLocked()
	t.mu.Unlock()

	e, err := t.ledger.Append(ctx, messages.Entry{
		ProducerName: p.name,
		SequenceID:   f.SequenceID,
		Batched:      f.Batched,
		Messages:     f.Messages,
	})
	if err != nil {
		return e, err
	}
	metrics.MessagesPublishedTotal.Add(float64(e.NumMessages()))
	for _, s := range subs {
		s.send(&entriesAdded{})
	}
	return e, nil
}

func (t *Topic) subscriptionsLocked() []*Subscription {
	out := make([]*Subscription, 0, len(t.subscriptions))
	for _, s := range t.subscriptions {
		out = append(out, s)
	}
	return out
}

// subscribe attaches cons to the named subscription, creating it at the end
// of the ledger when it does not exist.
func (t *Topic) subscribe(ctx context.Context, cons *serverConsumer, name string) (*Subscription, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrTopicClosed
	}
	s, ok := t.subscriptions[name]
	if !ok {
		bounds, err := t.ledger.Bounds(ctx)
		if err != nil {
			t.mu.Unlock()
			return nil, err
		}
		s = newSubscription(t, name, cons.subType, newCursor(bounds.Next))
		t.subscriptions[name] = s
		t.log.Info("subscription created", zap.String("subscription", name), zap.Uint64("start", bounds.Next))
	}
	t.mu.Unlock()

	res, err := s.request(&addConsumer{consumer: cons})
	if err != nil {
		return nil, err
	}
	if r, ok := res.(*addResult); ok && r.err != nil {
		return nil, r.err
	}
	return s, nil
}

// Subscription returns the named subscription, or nil.
func (t *Topic) Subscription(name string) *Subscription {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.subscriptions[name]
}

// SubscriptionNames returns the subscription names, sorted.
func (t *Topic) SubscriptionNames() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.subscriptions))
	for n := range t.subscriptions {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// close detaches every producer and consumer, persists the cursors and
// stops the subscription actors. It returns the connections that carried a
// handle of the topic.
func (t *Topic) close(ctx context.Context) []*serverConn {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	producers := make([]*serverProducer, 0, len(t.producers))
	for _, p := range t.producers {
		producers = append(producers, p)
	}
	t.producers = make(map[string]*serverProducer)
	subs := make(map[string]*Subscription, len(t.subscriptions))
	for n, s := range t.subscriptions {
		subs[n] = s
	}
	t.mu.Unlock()

	seen := make(map[*serverConn]struct{})
	for _, p := range producers {
		p.conn.closeProducer(p.id)
		seen[p.conn] = struct{}{}
	}
	for name, s := range subs {
		res, err := s.request(&closeSubscription{})
		if err != nil {
			t.log.Error("failed to close subscription", zap.String("subscription", name), zap.Error(err))
		} else if r, ok := res.(*closeResult); ok {
			for _, c := range r.conns {
				seen[c] = struct{}{}
			}
			t.persistCursor(ctx, name, r.state)
		}
		s.stop()
	}

	out := make([]*serverConn, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	t.log.Info("topic closed", zap.Int("producers", len(producers)), zap.Int("subscriptions", len(subs)))
	return out
}

// getOrLoadTopic returns the loaded topic, loading it when its bundle is
// owned. New loads pass the topic-load gate on behalf of connID.
func (b *Broker) getOrLoadTopic(ctx context.Context, connID, name string) (*Topic, error) {
	tn, bnd, err := b.namespaces.BundleOf(name)
	if err != nil {
		return nil, err
	}
	full := tn.String()
	t, err := b.ownership.topic(bnd, full)
	if err != nil || t != nil {
		return t, err
	}

	release, err := b.admission.AcquireTopicLoad(connID)
	if err != nil {
		return nil, err
	}
	defer release()

	v, err, _ := b.topicLoads.Do(full, func() (any, error) {
		if t, err := b.ownership.topic(bnd, full); err != nil || t != nil {
			return t, err
		}
		t := newTopic(b, tn, bnd)
		if err := t.restoreCursors(ctx); err != nil {
			t.close(ctx)
			return nil, err
		}
		cur, err := b.ownership.addTopic(t)
		if err != nil || cur != t {
			t.close(ctx)
			return cur, err
		}
		metrics.TopicLoadsTotal.Inc()
		t.log.Info("topic loaded", zap.String("bundle", bnd.String()))
		return t, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Topic), nil
}

// loadedTopic returns a topic only if it is already loaded here.
func (b *Broker) loadedTopic(name string) (*Topic, error) {
	tn, bnd, err := b.namespaces.BundleOf(name)
	if err != nil {
		return nil, err
	}
	return b.ownership.topic(bnd, tn.String())
}

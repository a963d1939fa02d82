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
	"fmt"
	"time"

	protoactor "github.com/asynkron/protoactor-go/actor"
	"github.com/emirpasic/gods/sets/treeset"
	"github.com/emirpasic/gods/utils"
	"go.uber.org/zap"

	"github.com/turtacn/pulsar-go/pkg/metrics"
	"github.com/turtacn/pulsar-go/pkg/protocol"
	"github.com/turtacn/pulsar-go/pkg/storage/messages"
)

// SubscriptionStats describes a subscription.
type SubscriptionStats struct {
	Name           string                    `json:"name"`
	Type           protocol.SubscriptionType `json:"type"`
	Consumers      int                       `json:"consumers"`
	MarkDelete     uint64                    `json:"mark_delete"`
	ReadPosition   uint64                    `json:"read_position"`
	Backlog        uint64                    `json:"backlog"`
	PendingEntries int                       `json:"pending_entries"`
	Redeliveries   int                       `json:"redeliveries"`
}

// Subscription is a named cursor on a topic together with the consumers
// attached to it. Its state lives in an actor; the handle only sends
// messages to it.
type Subscription struct {
	name  string
	topic *Topic
	root  *protoactor.RootContext
	pid   *protoactor.PID
}

func newSubscription(t *Topic, name string, subType protocol.SubscriptionType, c *cursor) *Subscription {
	if !subType.Valid() {
		subType = protocol.SubExclusive
	}
	s := &Subscription{name: name, topic: t, root: t.broker.system.Root}
	a := &subscriptionActor{
		sub:          s,
		log:          t.log.With(zap.String("subscription", name)),
		subType:      subType,
		cursor:       c,
		pending:      make(map[uint64]*serverConsumer),
		redelivery:   treeset.NewWith(utils.UInt64Comparator),
		redeliveries: make(map[uint64]uint32),
	}
	// The producer hands back the same instance so a restart keeps state.
	props := protoactor.PropsFromProducer(func() protoactor.Actor { return a })
	s.pid = s.root.Spawn(props)
	return s
}

// Name returns the subscription name.
func (s *Subscription) Name() string { return s.name }

func (s *Subscription) send(msg any) {
	s.root.Send(s.pid, msg)
}

func (s *Subscription) request(msg any) (any, error) {
	return s.root.RequestFuture(s.pid, msg, actorRequestTimeout).Result()
}

func (s *Subscription) stop() {
	if err := s.root.StopFuture(s.pid).Wait(); err != nil {
		s.topic.log.Debug("subscription actor stop timed out", zap.String("subscription", s.name), zap.Error(err))
	}
}

// Stats returns a snapshot of the subscription state.
func (s *Subscription) Stats() (SubscriptionStats, error) {
	res, err := s.request(&statsRequest{})
	if err != nil {
		return SubscriptionStats{}, err
	}
	return res.(SubscriptionStats), nil
}

// subscriptionActor owns the cursor and the dispatch state of one
// subscription. Every field is only touched from Receive.
type subscriptionActor struct {
	sub *Subscription
	log *zap.Logger

	subType   protocol.SubscriptionType
	cursor    *cursor
	consumers []*serverConsumer
	closed    bool

	// pending maps dispatched, unacknowledged entries to their consumer.
	pending      map[uint64]*serverConsumer
	redelivery   *treeset.Set
	redeliveries map[uint64]uint32

	rr         int
	active     *serverConsumer
	activeAt   int64
	generation uint64
}

func (a *subscriptionActor) Receive(ctx protoactor.Context) {
	switch m := ctx.Message().(type) {
	case *protoactor.Started:
		a.log.Debug("subscription actor started", zap.Stringer("pid", ctx.Self()))
	case *addConsumer:
		err := a.addConsumer(m.consumer)
		ctx.Respond(&addResult{err: err})
		if err == nil {
			a.dispatch()
		}
	case *removeConsumer:
		a.removeConsumer(m.consumer)
		a.dispatch()
	case *flowPermits:
		if a.attached(m.consumer) {
			m.consumer.permits += int(m.permits)
			a.dispatch()
		}
	case *ackEntry:
		a.ack(m.consumer, m.entryID)
	case *redeliverUnacked:
		a.redeliverPending(m.consumer)
		a.dispatch()
	case *entriesAdded:
		a.dispatch()
	case *activationDue:
		if m.generation == a.generation {
			a.dispatch()
		}
	case *resetCursor:
		ctx.Respond(a.reset(m))
	case *closeSubscription:
		ctx.Respond(a.close())
	case *statsRequest:
		ctx.Respond(a.stats())
	}
}

func (a *subscriptionActor) attached(c *serverConsumer) bool {
	for _, cur := range a.consumers {
		if cur == c {
			return true
		}
	}
	return false
}

func (a *subscriptionActor) addConsumer(c *serverConsumer) error {
	if a.closed {
		return ErrTopicClosed
	}
	if len(a.consumers) > 0 {
		if c.subType != a.subType {
			return fmt.Errorf("%w: subscription %s is %s", ErrConsumerBusy, a.sub.name, a.subType)
		}
		if a.subType == protocol.SubExclusive {
			return fmt.Errorf("%w: exclusive subscription %s already has a consumer", ErrConsumerBusy, a.sub.name)
		}
	} else {
		a.subType = c.subType
	}
	a.consumers = append(a.consumers, c)
	a.log.Info("consumer attached",
		zap.Uint64("consumer_id", c.id),
		zap.String("consumer_name", c.name),
		zap.String("conn_id", c.conn.id),
		zap.Int32("protocol_version", c.version),
		zap.String("type", string(a.subType)))
	return nil
}

// removeConsumer detaches c and queues its unacknowledged entries for
// redelivery.
func (a *subscriptionActor) removeConsumer(c *serverConsumer) {
	idx := -1
	for i, cur := range a.consumers {
		if cur == c {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}
	a.consumers = append(a.consumers[:idx], a.consumers[idx+1:]...)
	a.requeue(c)
	if len(a.consumers) == 0 {
		a.active = nil
		a.activeAt = 0
		a.rr = 0
	}
	a.log.Info("consumer detached", zap.Uint64("consumer_id", c.id), zap.String("conn_id", c.conn.id))
}

// requeue moves every entry pending on c to the redelivery set.
func (a *subscriptionActor) requeue(c *serverConsumer) int {
	n := 0
	for id, owner := range a.pending {
		if owner != c {
			continue
		}
		delete(a.pending, id)
		a.redelivery.Add(id)
		a.redeliveries[id]++
		n++
	}
	if n > 0 {
		metrics.RedeliveriesTotal.Add(float64(n))
	}
	return n
}

func (a *subscriptionActor) ack(c *serverConsumer, id uint64) {
	if !a.attached(c) || id >= a.cursor.readPosition && !a.redelivery.Contains(id) {
		return
	}
	delete(a.pending, id)
	delete(a.redeliveries, id)
	a.redelivery.Remove(id)
	a.cursor.ack(id)
}

func (a *subscriptionActor) redeliverPending(c *serverConsumer) {
	if !a.attached(c) {
		return
	}
	if n := a.requeue(c); n > 0 {
		a.log.Debug("redelivering unacked entries", zap.Uint64("consumer_id", c.id), zap.Int("entries", n))
	}
}

// reset moves the cursor to m.position and disconnects every consumer so
// they resume from there. Repeating the last reset timestamp does nothing.
func (a *subscriptionActor) reset(m *resetCursor) *resetResult {
	if a.cursor.lastReset == m.timestamp {
		return &resetResult{skipped: true, state: a.cursor.snapshot(string(a.subType))}
	}
	a.cursor.reset(m.position, m.timestamp)
	a.pending = make(map[uint64]*serverConsumer)
	a.redelivery.Clear()
	a.redeliveries = make(map[uint64]uint32)

	consumers := a.consumers
	a.consumers = nil
	a.active = nil
	a.activeAt = 0
	a.rr = 0
	a.generation++
	for _, c := range consumers {
		c.conn.closeConsumer(c.id)
	}
	a.log.Info("cursor reset",
		zap.Int64("timestamp", m.timestamp),
		zap.Uint64("position", m.position),
		zap.Int("disconnected", len(consumers)))
	return &resetResult{state: a.cursor.snapshot(string(a.subType))}
}

func (a *subscriptionActor) close() *closeResult {
	a.closed = true
	var conns []*serverConn
	for _, c := range a.consumers {
		c.conn.closeConsumer(c.id)
		conns = append(conns, c.conn)
	}
	a.consumers = nil
	a.active = nil
	return &closeResult{conns: conns, state: a.cursor.snapshot(string(a.subType))}
}

func (a *subscriptionActor) stats() SubscriptionStats {
	var next uint64
	if bounds, err := a.sub.topic.ledger.Bounds(context.Background()); err == nil {
		next = bounds.Next
	}
	return SubscriptionStats{
		Name:           a.sub.name,
		Type:           a.subType,
		Consumers:      len(a.consumers),
		MarkDelete:     a.cursor.markDelete,
		ReadPosition:   a.cursor.readPosition,
		Backlog:        a.cursor.backlog(next),
		PendingEntries: len(a.pending),
		Redeliveries:   a.redelivery.Size(),
	}
}

// dispatch pushes entries to consumers while permits last. It yields after
// DispatcherMaxReadBatch entries so other messages get a turn.
func (a *subscriptionActor) dispatch() {
	if a.closed || len(a.consumers) == 0 {
		return
	}
	ctx := context.Background()
	bounds, err := a.sub.topic.ledger.Bounds(ctx)
	if err != nil {
		a.log.Error("failed to read ledger bounds", zap.Error(err))
		return
	}
	a.cursor.clamp(bounds.First)

	for i := 0; i < a.sub.topic.broker.cfg.DispatcherMaxReadBatch; i++ {
		c := a.pickConsumer()
		if c == nil {
			return
		}
		e, redelivered, ok := a.nextEntry(ctx, bounds)
		if !ok {
			return
		}
		if e.Batched && c.version < protocol.VersionBatchSupport {
			a.rejectIncompatible(c, e.ID)
			continue
		}
		a.deliver(c, e, redelivered)
	}
	a.sub.send(&entriesAdded{})
}

// pickConsumer returns the consumer the next entry goes to, or nil when
// nobody can take it now.
func (a *subscriptionActor) pickConsumer() *serverConsumer {
	if len(a.consumers) == 0 {
		return nil
	}
	switch a.subType {
	case protocol.SubShared:
		for i := 0; i < len(a.consumers); i++ {
			c := a.consumers[(a.rr+i)%len(a.consumers)]
			if c.permits > 0 {
				a.rr = (a.rr + i + 1) % len(a.consumers)
				return c
			}
		}
		return nil
	case protocol.SubFailover:
		c := a.failoverActive()
		if c == nil || c.permits <= 0 {
			return nil
		}
		return c
	default:
		if c := a.consumers[0]; c.permits > 0 {
			return c
		}
		return nil
	}
}

// failoverActive returns the active failover consumer once its activation
// delay has passed. The first activation is immediate.
func (a *subscriptionActor) failoverActive() *serverConsumer {
	want := a.consumers[0]
	if a.active != want {
		first := a.active == nil && a.activeAt == 0
		a.active = want
		a.generation++
		delay := a.sub.topic.broker.dynamic.Load().ActiveConsumerFailoverDelay
		if first || delay <= 0 {
			a.activeAt = time.Now().UnixNano()
		} else {
			a.activeAt = time.Now().Add(delay).UnixNano()
			gen := a.generation
			time.AfterFunc(delay, func() { a.sub.send(&activationDue{generation: gen}) })
			a.log.Info("failover consumer activation delayed",
				zap.Uint64("consumer_id", want.id),
				zap.Duration("delay", delay))
		}
	}
	if time.Now().UnixNano() < a.activeAt {
		return nil
	}
	return a.active
}

// nextEntry returns the lowest entry waiting for redelivery, or else the
// next unread one. Acked and in-flight entries are skipped.
func (a *subscriptionActor) nextEntry(ctx context.Context, bounds messages.Bounds) (messages.Entry, bool, bool) {
	for !a.redelivery.Empty() {
		it := a.redelivery.Iterator()
		it.First()
		id := it.Value().(uint64)
		a.redelivery.Remove(id)
		if id < bounds.First || a.cursor.isAcked(id) {
			delete(a.redeliveries, id)
			continue
		}
		if e, ok := a.readEntry(ctx, id); ok {
			return e, true, true
		}
	}
	for a.cursor.readPosition < bounds.Next {
		id := a.cursor.readPosition
		a.cursor.readPosition++
		if a.cursor.isAcked(id) {
			continue
		}
		if _, inflight := a.pending[id]; inflight {
			continue
		}
		if e, ok := a.readEntry(ctx, id); ok {
			return e, false, true
		}
	}
	return messages.Entry{}, false, false
}

func (a *subscriptionActor) readEntry(ctx context.Context, id uint64) (messages.Entry, bool) {
	entries, err := a.sub.topic.ledger.Read(ctx, id, 1)
	if err != nil {
		a.log.Error("failed to read entry", zap.Uint64("entry_id", id), zap.Error(err))
		return messages.Entry{}, false
	}
	if len(entries) == 0 || entries[0].ID != id {
		return messages.Entry{}, false
	}
	return entries[0], true
}

// rejectIncompatible force-closes a consumer that cannot decode batched
// entries. The entry stays queued for the next compatible consumer.
func (a *subscriptionActor) rejectIncompatible(c *serverConsumer, id uint64) {
	a.log.Warn("closing consumer that does not support batched entries",
		zap.Uint64("consumer_id", c.id),
		zap.String("conn_id", c.conn.id),
		zap.Int32("protocol_version", c.version),
		zap.Uint64("entry_id", id),
		zap.Error(ErrIncompatibleConsumer))
	metrics.IncompatibleConsumerClosesTotal.Inc()
	a.redelivery.Add(id)
	a.removeConsumer(c)
	c.conn.closeConsumer(c.id)
}

func (a *subscriptionActor) deliver(c *serverConsumer, e messages.Entry, redelivered bool) {
	f := &protocol.Frame{
		Type:            protocol.CmdMessage,
		ConsumerID:      c.id,
		MessageID:       &protocol.MessageID{EntryID: e.ID, BatchIndex: -1},
		PublishTime:     e.PublishTime,
		ProducerName:    e.ProducerName,
		SequenceID:      e.SequenceID,
		Batched:         e.Batched,
		Messages:        e.Messages,
		RedeliveryCount: a.redeliveries[e.ID],
	}
	if err := c.conn.send(f); err != nil {
		a.log.Debug("dispatch failed, consumer dropped", zap.Uint64("consumer_id", c.id), zap.Error(err))
		a.redelivery.Add(e.ID)
		a.removeConsumer(c)
		return
	}
	a.pending[e.ID] = c
	c.permits--
	metrics.MessagesDispatchedTotal.Add(float64(e.NumMessages()))
	if redelivered {
		a.log.Debug("entry redelivered", zap.Uint64("entry_id", e.ID), zap.Uint64("consumer_id", c.id))
	}
}

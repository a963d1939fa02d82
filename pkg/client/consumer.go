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

package client

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/turtacn/pulsar-go/pkg/protocol"
)

// Message is a message delivered to a Consumer.
type Message struct {
	Topic           string
	ID              protocol.MessageID
	Key             string
	Payload         []byte
	Properties      map[string]string
	EventTime       time.Time
	PublishTime     time.Time
	ProducerName    string
	RedeliveryCount uint32

	// entryEnd marks the last message of a ledger entry; consuming it
	// returns one permit to the broker.
	entryEnd bool
}

// batchTracker remembers which messages of a batched entry were acked.
type batchTracker struct {
	acked     []bool
	remaining int
}

// Consumer receives messages from a subscription.
type Consumer struct {
	client *Client
	id     uint64
	opts   ConsumerOptions
	h      *connectionHandler
	log    *zap.Logger

	mu       sync.Mutex
	cnx      *clientConn
	queue    []*Message
	permits  int
	trackers map[uint64]*batchTracker

	signal    chan struct{}
	closedCh  chan struct{}
	closeOnce sync.Once
}

func newConsumer(client *Client, id uint64, opts ConsumerOptions) *Consumer {
	opts.applyDefaults()
	c := &Consumer{
		client:   client,
		id:       id,
		opts:     opts,
		trackers: make(map[uint64]*batchTracker),
		signal:   make(chan struct{}, 1),
		closedCh: make(chan struct{}),
	}
	c.log = client.log.With(
		zap.String("topic", opts.Topic),
		zap.String("subscription", opts.SubscriptionName),
		zap.Uint64("consumer_id", id))
	c.h = newConnectionHandler(client, c, c.log)
	return c
}

// Topic returns the subscribed topic.
func (c *Consumer) Topic() string { return c.opts.Topic }

// Subscription returns the subscription name.
func (c *Consumer) Subscription() string { return c.opts.SubscriptionName }

// State returns the lifecycle state.
func (c *Consumer) State() State { return c.h.State() }

func (c *Consumer) kind() handleKind { return kindConsumer }
func (c *Consumer) topic() string    { return c.opts.Topic }

func (c *Consumer) attach(ctx context.Context, cnx *clientConn) error {
	if err := cnx.registerHandle(kindConsumer, c.id, c); err != nil {
		return err
	}
	_, err := cnx.sendRequest(ctx, &protocol.Frame{
		Type:         protocol.CmdSubscribe,
		ConsumerID:   c.id,
		Topic:        c.opts.Topic,
		Subscription: c.opts.SubscriptionName,
		SubType:      c.opts.Type,
		ConsumerName: c.opts.Name,
	})
	if err != nil {
		cnx.dropHandle(kindConsumer, c.id)
		if isTimeout(err) {
			cnx.abandon(&protocol.Frame{Type: protocol.CmdCloseConsumer, ConsumerID: c.id})
		}
		return err
	}

	// Whatever was queued came from the previous connection and will be
	// redelivered by the broker.
	c.mu.Lock()
	c.cnx = cnx
	c.queue = nil
	c.permits = 0
	c.trackers = make(map[uint64]*batchTracker)
	c.mu.Unlock()

	return cnx.writeFrame(&protocol.Frame{
		Type:       protocol.CmdFlow,
		ConsumerID: c.id,
		Permits:    uint32(c.opts.ReceiverQueueSize),
	})
}

func (c *Consumer) detach(cnx *clientConn) {
	ctx, cancel := context.WithTimeout(context.Background(), c.client.opts.OperationTimeout)
	defer cancel()
	if _, err := cnx.sendRequest(ctx, &protocol.Frame{Type: protocol.CmdCloseConsumer, ConsumerID: c.id}); err != nil {
		c.log.Debug("close consumer request failed", zap.Error(err))
	}
	c.clearConn(cnx)
	cnx.unregisterHandle(kindConsumer, c.id)
}

func (c *Consumer) detached(cnx *clientConn) {
	c.clearConn(cnx)
}

func (c *Consumer) clearConn(cnx *clientConn) {
	c.mu.Lock()
	if c.cnx == cnx {
		c.cnx = nil
	}
	c.mu.Unlock()
}

func (c *Consumer) connectionClosed(cnx *clientConn) {
	c.h.connectionClosed(cnx)
}

func (c *Consumer) receive(cnx *clientConn, f *protocol.Frame) {
	switch f.Type {
	case protocol.CmdMessage:
		c.enqueue(cnx, f)
	case protocol.CmdCloseConsumer:
		c.log.Info("broker closed consumer")
		// Unregister before reconnecting: the reconnect may land on cnx again.
		cnx.unregisterHandle(kindConsumer, c.id)
		c.h.connectionClosed(cnx)
	}
}

func (c *Consumer) enqueue(cnx *clientConn, f *protocol.Frame) {
	if f.MessageID == nil || len(f.Messages) == 0 {
		return
	}
	entryID := f.MessageID.EntryID
	n := len(f.Messages)
	msgs := make([]*Message, 0, n)
	for i, sm := range f.Messages {
		m := &Message{
			Topic:           c.opts.Topic,
			ID:              protocol.MessageID{EntryID: entryID, BatchIndex: -1},
			Key:             sm.Key,
			Payload:         sm.Payload,
			Properties:      sm.Properties,
			PublishTime:     time.UnixMilli(f.PublishTime),
			ProducerName:    f.ProducerName,
			RedeliveryCount: f.RedeliveryCount,
			entryEnd:        i == n-1,
		}
		if sm.EventTime != 0 {
			m.EventTime = time.UnixMilli(sm.EventTime)
		}
		if f.Batched {
			m.ID.BatchIndex = int32(i)
			m.ID.BatchSize = int32(n)
		}
		msgs = append(msgs, m)
	}

	c.mu.Lock()
	if c.cnx != cnx {
		c.mu.Unlock()
		return
	}
	if f.Batched {
		c.trackers[entryID] = &batchTracker{acked: make([]bool, n), remaining: n}
	}
	c.queue = append(c.queue, msgs...)
	c.mu.Unlock()
	c.notify()
}

func (c *Consumer) notify() {
	select {
	case c.signal <- struct{}{}:
	default:
	}
}

// Receive blocks until a message is available.
func (c *Consumer) Receive(ctx context.Context) (*Message, error) {
	for {
		select {
		case <-c.closedCh:
			return nil, ErrAlreadyClosed
		default:
		}

		c.mu.Lock()
		if len(c.queue) > 0 {
			m := c.queue[0]
			c.queue[0] = nil
			c.queue = c.queue[1:]
			more := len(c.queue) > 0
			var flow int
			if m.entryEnd {
				c.permits++
				if c.permits >= c.flowThreshold() {
					flow = c.permits
					c.permits = 0
				}
			}
			cnx := c.cnx
			c.mu.Unlock()

			if more {
				c.notify()
			}
			if flow > 0 && cnx != nil {
				c.sendFlow(cnx, flow)
			}
			return m, nil
		}
		c.mu.Unlock()

		select {
		case <-c.signal:
		case <-c.closedCh:
			return nil, ErrAlreadyClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (c *Consumer) flowThreshold() int {
	return max(1, c.opts.ReceiverQueueSize/2)
}

func (c *Consumer) sendFlow(cnx *clientConn, permits int) {
	err := cnx.writeFrame(&protocol.Frame{
		Type:       protocol.CmdFlow,
		ConsumerID: c.id,
		Permits:    uint32(permits),
	})
	if err != nil {
		c.log.Debug("flow not sent", zap.Error(err))
	}
}

// Ack acknowledges m. A batched entry is acknowledged to the broker once
// every message in it has been acked.
func (c *Consumer) Ack(m *Message) error {
	c.mu.Lock()
	if m.ID.BatchIndex >= 0 && m.ID.BatchSize > 0 {
		t, ok := c.trackers[m.ID.EntryID]
		if !ok {
			c.mu.Unlock()
			return nil
		}
		idx := int(m.ID.BatchIndex)
		if idx < len(t.acked) && !t.acked[idx] {
			t.acked[idx] = true
			t.remaining--
		}
		if t.remaining > 0 {
			c.mu.Unlock()
			return nil
		}
		delete(c.trackers, m.ID.EntryID)
	}
	cnx := c.cnx
	c.mu.Unlock()

	if cnx == nil {
		return ErrNotConnected
	}
	return cnx.writeFrame(&protocol.Frame{
		Type:       protocol.CmdAck,
		ConsumerID: c.id,
		MessageID:  &protocol.MessageID{EntryID: m.ID.EntryID},
	})
}

// Nack asks for every unacknowledged message to be delivered again.
func (c *Consumer) Nack(*Message) {
	c.RedeliverUnacknowledged()
}

// RedeliverUnacknowledged drops the local queue and asks the broker to
// redeliver everything dispatched to this consumer and not yet acked.
func (c *Consumer) RedeliverUnacknowledged() {
	c.mu.Lock()
	cnx := c.cnx
	if cnx == nil {
		c.mu.Unlock()
		return
	}
	cleared := 0
	for _, m := range c.queue {
		if m.entryEnd {
			cleared++
		}
	}
	c.queue = nil
	c.trackers = make(map[uint64]*batchTracker)
	flow := cleared + c.permits
	c.permits = 0
	c.mu.Unlock()

	if err := cnx.writeFrame(&protocol.Frame{Type: protocol.CmdRedeliverUnacked, ConsumerID: c.id}); err != nil {
		c.log.Debug("redeliver request not sent", zap.Error(err))
		return
	}
	if flow > 0 {
		c.sendFlow(cnx, flow)
	}
}

func (c *Consumer) runListener() {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-c.closedCh
		cancel()
	}()
	for {
		m, err := c.Receive(ctx)
		if err != nil {
			return
		}
		c.opts.MessageListener(c, m)
	}
}

// Close detaches from the broker and stops the listener.
func (c *Consumer) Close() error {
	c.closeOnce.Do(func() {
		close(c.closedCh)
		c.h.close()
		c.client.consumers.Remove(c.id)
	})
	return nil
}

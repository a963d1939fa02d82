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

// ProducerMessage is a message handed to a Producer.
type ProducerMessage struct {
	Key        string
	Payload    []byte
	Properties map[string]string
	EventTime  time.Time
}

func (m *ProducerMessage) single() protocol.SingleMessage {
	sm := protocol.SingleMessage{Key: m.Key, Payload: m.Payload, Properties: m.Properties}
	if !m.EventTime.IsZero() {
		sm.EventTime = m.EventTime.UnixMilli()
	}
	return sm
}

type sendCallback func(protocol.MessageID, error)

type pendingItem struct {
	msg      protocol.SingleMessage
	callback sendCallback
}

// Producer publishes messages to one topic.
type Producer struct {
	client *Client
	id     uint64
	opts   ProducerOptions
	h      *connectionHandler
	log    *zap.Logger

	mu         sync.Mutex
	name       string
	sequenceID uint64
	pending    map[uint64][]pendingItem
	batch      []pendingItem
	batchTimer *time.Timer
	closed     bool
}

func newProducer(client *Client, id uint64, opts ProducerOptions) *Producer {
	opts.applyDefaults()
	p := &Producer{
		client:  client,
		id:      id,
		opts:    opts,
		name:    opts.Name,
		pending: make(map[uint64][]pendingItem),
	}
	p.log = client.log.With(zap.String("topic", opts.Topic), zap.Uint64("producer_id", id))
	p.h = newConnectionHandler(client, p, p.log)
	return p
}

// Topic returns the topic the producer publishes to.
func (p *Producer) Topic() string { return p.opts.Topic }

// Name returns the producer name, assigned by the broker when none was given.
func (p *Producer) Name() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.name
}

// State returns the lifecycle state.
func (p *Producer) State() State { return p.h.State() }

func (p *Producer) kind() handleKind { return kindProducer }
func (p *Producer) topic() string    { return p.opts.Topic }

func (p *Producer) attach(ctx context.Context, c *clientConn) error {
	if err := c.registerHandle(kindProducer, p.id, p); err != nil {
		return err
	}
	p.mu.Lock()
	name := p.name
	p.mu.Unlock()

	resp, err := c.sendRequest(ctx, &protocol.Frame{
		Type:         protocol.CmdProducer,
		ProducerID:   p.id,
		Topic:        p.opts.Topic,
		ProducerName: name,
	})
	if err != nil {
		c.dropHandle(kindProducer, p.id)
		if isTimeout(err) {
			c.abandon(&protocol.Frame{Type: protocol.CmdCloseProducer, ProducerID: p.id})
		}
		return err
	}
	p.mu.Lock()
	p.name = resp.ProducerName
	p.mu.Unlock()
	return nil
}

func (p *Producer) detach(c *clientConn) {
	ctx, cancel := context.WithTimeout(context.Background(), p.client.opts.OperationTimeout)
	defer cancel()
	if _, err := c.sendRequest(ctx, &protocol.Frame{Type: protocol.CmdCloseProducer, ProducerID: p.id}); err != nil {
		p.log.Debug("close producer request failed", zap.Error(err))
	}
	c.unregisterHandle(kindProducer, p.id)
}

func (p *Producer) detached(*clientConn) {
	p.failPending(ErrConnectionLost)
}

func (p *Producer) connectionClosed(c *clientConn) {
	p.h.connectionClosed(c)
}

func (p *Producer) receive(c *clientConn, f *protocol.Frame) {
	switch f.Type {
	case protocol.CmdSendReceipt:
		p.mu.Lock()
		items := p.pending[f.SequenceID]
		delete(p.pending, f.SequenceID)
		p.mu.Unlock()

		var entryID uint64
		if f.MessageID != nil {
			entryID = f.MessageID.EntryID
		}
		for i, it := range items {
			id := protocol.MessageID{EntryID: entryID, BatchIndex: -1}
			if len(items) > 1 || p.opts.BatchingEnabled {
				id.BatchIndex = int32(i)
				id.BatchSize = int32(len(items))
			}
			it.callback(id, nil)
		}
	case protocol.CmdSendError:
		p.mu.Lock()
		items := p.pending[f.SequenceID]
		delete(p.pending, f.SequenceID)
		p.mu.Unlock()
		err := serverError(f)
		for _, it := range items {
			it.callback(protocol.MessageID{}, err)
		}
	case protocol.CmdCloseProducer:
		p.log.Info("broker closed producer")
		c.unregisterHandle(kindProducer, p.id)
		p.h.connectionClosed(c)
	}
}

// SendAsync publishes msg and reports the outcome to callback, which runs
// on a client goroutine.
func (p *Producer) SendAsync(msg *ProducerMessage, callback func(protocol.MessageID, error)) {
	item := pendingItem{msg: msg.single(), callback: callback}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		callback(protocol.MessageID{}, ErrAlreadyClosed)
		return
	}
	if !p.opts.BatchingEnabled {
		seq, c, err := p.enqueueLocked([]pendingItem{item})
		p.mu.Unlock()
		if err != nil {
			callback(protocol.MessageID{}, err)
			return
		}
		p.write(c, seq, false, []pendingItem{item})
		return
	}

	p.batch = append(p.batch, item)
	if len(p.batch) == 1 {
		p.batchTimer = time.AfterFunc(p.opts.BatchingMaxPublishDelay, func() { p.flushBatch() })
	}
	full := len(p.batch) >= p.opts.BatchingMaxMessages
	p.mu.Unlock()
	if full {
		p.flushBatch()
	}
}

// Send publishes msg and waits for the broker receipt.
func (p *Producer) Send(ctx context.Context, msg *ProducerMessage) (protocol.MessageID, error) {
	type result struct {
		id  protocol.MessageID
		err error
	}
	ch := make(chan result, 1)
	p.SendAsync(msg, func(id protocol.MessageID, err error) { ch <- result{id, err} })
	select {
	case r := <-ch:
		return r.id, r.err
	case <-ctx.Done():
		return protocol.MessageID{}, ctx.Err()
	}
}

// Flush sends the buffered batch immediately.
func (p *Producer) Flush() {
	p.flushBatch()
}

func (p *Producer) flushBatch() {
	p.mu.Lock()
	if p.batchTimer != nil {
		p.batchTimer.Stop()
		p.batchTimer = nil
	}
	items := p.batch
	p.batch = nil
	if len(items) == 0 {
		p.mu.Unlock()
		return
	}
	seq, c, err := p.enqueueLocked(items)
	p.mu.Unlock()
	if err != nil {
		for _, it := range items {
			it.callback(protocol.MessageID{}, err)
		}
		return
	}
	p.write(c, seq, true, items)
}

// enqueueLocked assigns the next sequence id and records items as pending.
func (p *Producer) enqueueLocked(items []pendingItem) (uint64, *clientConn, error) {
	c := p.h.Connection()
	if c == nil {
		return 0, nil, ErrNotConnected
	}
	seq := p.sequenceID
	p.sequenceID++
	p.pending[seq] = items
	return seq, c, nil
}

func (p *Producer) write(c *clientConn, seq uint64, batched bool, items []pendingItem) {
	msgs := make([]protocol.SingleMessage, len(items))
	for i, it := range items {
		msgs[i] = it.msg
	}
	err := c.writeFrame(&protocol.Frame{
		Type:       protocol.CmdSend,
		ProducerID: p.id,
		SequenceID: seq,
		Batched:    batched,
		Messages:   msgs,
	})
	if err == nil {
		return
	}
	p.mu.Lock()
	failed, ok := p.pending[seq]
	delete(p.pending, seq)
	p.mu.Unlock()
	if ok {
		for _, it := range failed {
			it.callback(protocol.MessageID{}, ErrConnectionLost)
		}
	}
}

func (p *Producer) failPending(err error) {
	p.mu.Lock()
	pending := p.pending
	p.pending = make(map[uint64][]pendingItem)
	p.mu.Unlock()
	for _, items := range pending {
		for _, it := range items {
			it.callback(protocol.MessageID{}, err)
		}
	}
}

// Close flushes the pending batch, detaches from the broker and fails what
// is still waiting for a receipt.
func (p *Producer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()
	p.flushBatch()

	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	p.h.close()
	p.failPending(ErrAlreadyClosed)
	p.client.producers.Remove(p.id)
	return nil
}

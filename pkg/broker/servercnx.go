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
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/turtacn/pulsar-go/pkg/actor"
	"github.com/turtacn/pulsar-go/pkg/metrics"
	"github.com/turtacn/pulsar-go/pkg/protocol"
	"github.com/turtacn/pulsar-go/pkg/registry"
	"github.com/turtacn/pulsar-go/pkg/supervisor"
	"github.com/turtacn/pulsar-go/pkg/transport"
)

const (
	outboundQueueSize = 1024
	handshakeTimeout  = 10 * time.Second
	requestTimeout    = 30 * time.Second
)

var errConnClosed = errors.New("connection closed")

// closeRequest asks the writer to close the connection once every frame
// queued before it has been written.
type closeRequest struct{}

// serverProducer is a producer attached to a topic through a connection.
type serverProducer struct {
	id    uint64
	name  string
	topic *Topic
	conn  *serverConn
}

// serverConsumer is a consumer attached to a subscription. permits is only
// touched by the subscription actor.
type serverConsumer struct {
	id      uint64
	conn    *serverConn
	name    string
	subType protocol.SubscriptionType
	version int32
	permits int
	sub     *Subscription
}

// serverConn is the broker side of one client connection. Reads happen on
// the goroutine the transport server started; writes go through the
// outbound mailbox drained by the connection's writer actor.
type serverConn struct {
	broker *Broker
	id     string
	seq    uint64
	conn   transport.Conn
	log    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	outbound      *actor.Mailbox
	remoteVersion int32

	// attachMu orders attach completion against CloseProducer and
	// CloseConsumer so a handle closed mid-attach is never left behind.
	attachMu         sync.Mutex
	producers        *registry.Registry[*serverProducer]
	consumers        *registry.Registry[*serverConsumer]
	pendingProducers *registry.Registry[*protocol.Frame]

	closed    atomic.Bool
	closeOnce sync.Once
}

// handleConn serves one accepted connection until it closes.
func (b *Broker) handleConn(tc transport.Conn) {
	metrics.ConnectionsTotal.Inc()
	sc := &serverConn{
		broker:    b,
		id:        uuid.NewString(),
		seq:       b.connSeq.Add(1),
		conn:      tc,
		outbound:  actor.NewMailbox(outboundQueueSize),
		producers: registry.New[*serverProducer](),
		consumers: registry.New[*serverConsumer](),

		pendingProducers: registry.New[*protocol.Frame](),
	}
	sc.ctx, sc.cancel = context.WithCancel(b.ctx)
	sc.log = b.log.With(zap.String("conn_id", sc.id), zap.String("remote_addr", tc.RemoteAddr()))

	if err := sc.handshake(); err != nil {
		sc.log.Debug("handshake failed", zap.Error(err))
		sc.cancel()
		_ = tc.Close()
		return
	}

	b.conns.Insert(sc.seq, sc)
	metrics.ActiveConnections.Inc()
	b.StartChild(supervisor.Spec{
		ID:      "conn-writer-" + sc.id,
		Actor:   sc,
		Restart: supervisor.RestartTemporary,
		Mailbox: sc.outbound,
	})
	sc.log.Debug("connection accepted", zap.Int32("protocol_version", sc.remoteVersion))
	sc.readLoop()
}

func (sc *serverConn) handshake() error {
	type result struct {
		f   *protocol.Frame
		err error
	}
	ch := make(chan result, 1)
	go func() {
		f, err := sc.conn.ReadFrame()
		ch <- result{f, err}
	}()

	var f *protocol.Frame
	select {
	case r := <-ch:
		if r.err != nil {
			return r.err
		}
		f = r.f
	case <-time.After(handshakeTimeout):
		return errors.New("handshake timed out")
	case <-sc.ctx.Done():
		return sc.ctx.Err()
	}
	if f.Type != protocol.CmdConnect {
		return errors.New("expected CONNECT, got " + string(f.Type))
	}

	version := f.ProtocolVersion
	if version <= 0 {
		version = protocol.VersionLegacy
	}
	if version > protocol.VersionCurrent {
		version = protocol.VersionCurrent
	}
	sc.remoteVersion = version
	return sc.conn.WriteFrame(&protocol.Frame{
		Type:            protocol.CmdConnected,
		ProtocolVersion: version,
		ClientVersion:   sc.broker.cfg.NodeID,
	})
}

// Start runs the writer loop.
func (sc *serverConn) Start(ctx context.Context, mb *actor.Mailbox) error {
	for {
		select {
		case <-ctx.Done():
			sc.close()
			return nil
		case <-sc.ctx.Done():
			return nil
		case msg := <-mb.Chan():
			switch m := msg.(type) {
			case *protocol.Frame:
				if err := sc.conn.WriteFrame(m); err != nil {
					sc.log.Debug("write failed", zap.Error(err))
					sc.close()
					return nil
				}
			case closeRequest:
				sc.log.Info("closing connection without handles")
				sc.close()
				return nil
			}
		}
	}
}

func (sc *serverConn) readLoop() {
	defer sc.close()
	for {
		f, err := sc.conn.ReadFrame()
		if err != nil {
			if !sc.closed.Load() {
				sc.log.Debug("read loop ended", zap.Error(err))
			}
			return
		}
		sc.handleFrame(f)
	}
}

func (sc *serverConn) handleFrame(f *protocol.Frame) {
	switch f.Type {
	case protocol.CmdLookup:
		go sc.handleLookup(f)
	case protocol.CmdProducer:
		sc.pendingProducers.Swap(f.ProducerID, f)
		go sc.handleProducer(f)
	case protocol.CmdSubscribe:
		if cons, ok := sc.beginSubscribe(f); ok {
			go sc.handleSubscribe(f, cons)
		}
	case protocol.CmdSend:
		sc.handleSend(f)
	case protocol.CmdAck:
		if c := sc.consumer(f.ConsumerID); c != nil && f.MessageID != nil {
			c.sub.send(&ackEntry{consumer: c, entryID: f.MessageID.EntryID})
		}
	case protocol.CmdFlow:
		if c := sc.consumer(f.ConsumerID); c != nil {
			c.sub.send(&flowPermits{consumer: c, permits: f.Permits})
		}
	case protocol.CmdRedeliverUnacked:
		if c := sc.consumer(f.ConsumerID); c != nil {
			c.sub.send(&redeliverUnacked{consumer: c})
		}
	case protocol.CmdCloseProducer:
		sc.detachProducer(f.ProducerID)
		sc.reply(protocol.NewSuccess(f.RequestID))
	case protocol.CmdCloseConsumer:
		sc.detachConsumer(f.ConsumerID)
		sc.reply(protocol.NewSuccess(f.RequestID))
	case protocol.CmdPing:
		sc.reply(&protocol.Frame{Type: protocol.CmdPong, RequestID: f.RequestID})
	case protocol.CmdPong:
	default:
		sc.log.Warn("unexpected command", zap.String("type", string(f.Type)))
		sc.reply(protocol.NewError(f.RequestID, protocol.ErrCodeNotAllowed, "unexpected command "+string(f.Type)))
	}
}

// consumer returns an attached consumer, or nil while its subscribe is
// still in flight.
func (sc *serverConn) consumer(id uint64) *serverConsumer {
	sc.attachMu.Lock()
	defer sc.attachMu.Unlock()
	c, ok := sc.consumers.Get(id)
	if !ok || c.sub == nil {
		return nil
	}
	return c
}

// detachProducer handles a client CloseProducer. A producer whose attach
// is still in flight is cancelled.
func (sc *serverConn) detachProducer(id uint64) {
	sc.attachMu.Lock()
	sc.pendingProducers.Remove(id)
	p, ok := sc.producers.Remove(id)
	sc.attachMu.Unlock()
	if ok {
		p.topic.removeProducer(p)
	}
}

// detachConsumer handles a client CloseConsumer. A consumer whose
// subscribe is still in flight is cancelled.
func (sc *serverConn) detachConsumer(id uint64) {
	sc.attachMu.Lock()
	c, ok := sc.consumers.Remove(id)
	var sub *Subscription
	if ok {
		sub = c.sub
	}
	sc.attachMu.Unlock()
	if sub != nil {
		sub.send(&removeConsumer{consumer: c})
	}
}

// activateProducer publishes p unless the client closed it while the
// request was running.
func (sc *serverConn) activateProducer(f *protocol.Frame, p *serverProducer) bool {
	sc.attachMu.Lock()
	defer sc.attachMu.Unlock()
	if !sc.pendingProducers.RemoveIf(f.ProducerID, func(req *protocol.Frame) bool { return req == f }) {
		return false
	}
	if old, replaced := sc.producers.Swap(p.id, p); replaced {
		old.topic.removeProducer(old)
	}
	return true
}

// activateConsumer makes cons reachable for acks and flow unless the
// client closed it while the subscribe was running.
func (sc *serverConn) activateConsumer(cons *serverConsumer, s *Subscription) bool {
	sc.attachMu.Lock()
	defer sc.attachMu.Unlock()
	if cur, ok := sc.consumers.Get(cons.id); !ok || cur != cons {
		return false
	}
	cons.sub = s
	return true
}

func (sc *serverConn) requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(sc.ctx, requestTimeout)
}

func (sc *serverConn) handleLookup(f *protocol.Frame) {
	release, err := sc.broker.admission.AcquireLookup(sc.id)
	if err != nil {
		metrics.LookupRequestsTotal.WithLabelValues("rejected").Inc()
		sc.log.Debug("lookup rejected", zap.String("topic", f.Topic), zap.Error(err))
		sc.reply(&protocol.Frame{
			Type:         protocol.CmdLookupResponse,
			RequestID:    f.RequestID,
			LookupType:   protocol.LookupFailed,
			Error:        protocol.ErrCodeTooManyRequests,
			ErrorMessage: err.Error(),
		})
		return
	}
	defer release()

	ctx, cancel := sc.requestContext()
	defer cancel()
	res, err := sc.broker.namespaces.Lookup(ctx, f.Topic, f.Authoritative)
	if err != nil {
		sc.reply(&protocol.Frame{
			Type:         protocol.CmdLookupResponse,
			RequestID:    f.RequestID,
			LookupType:   protocol.LookupFailed,
			Error:        serverErrorCode(err),
			ErrorMessage: err.Error(),
		})
		return
	}
	sc.reply(&protocol.Frame{
		Type:          protocol.CmdLookupResponse,
		RequestID:     f.RequestID,
		LookupType:    res.Type,
		BrokerURL:     res.BrokerURL,
		Authoritative: res.Authoritative,
	})
}

func (sc *serverConn) handleProducer(f *protocol.Frame) {
	ctx, cancel := sc.requestContext()
	defer cancel()
	t, err := sc.broker.getOrLoadTopic(ctx, sc.id, f.Topic)
	if err == nil && t == nil {
		err = ErrBundleNotOwned
	}
	if err != nil {
		sc.pendingProducers.RemoveIf(f.ProducerID, func(req *protocol.Frame) bool { return req == f })
		sc.replyError(f.RequestID, err)
		return
	}
	p, err := t.addProducer(sc, f.ProducerID, f.ProducerName)
	if err == nil && !sc.activateProducer(f, p) {
		t.removeProducer(p)
		err = ErrClosedWhileAttaching
	}
	if err != nil {
		sc.pendingProducers.RemoveIf(f.ProducerID, func(req *protocol.Frame) bool { return req == f })
		sc.replyError(f.RequestID, err)
		return
	}
	sc.log.Info("producer attached",
		zap.String("topic", t.name),
		zap.Uint64("producer_id", p.id),
		zap.String("producer_name", p.name))
	sc.reply(&protocol.Frame{
		Type:         protocol.CmdProducerSuccess,
		RequestID:    f.RequestID,
		ProducerID:   p.id,
		ProducerName: p.name,
	})
}

// beginSubscribe reserves the consumer id on the read loop, so a
// CloseConsumer that follows the request always finds it.
func (sc *serverConn) beginSubscribe(f *protocol.Frame) (*serverConsumer, bool) {
	subType := f.SubType
	if !subType.Valid() {
		subType = protocol.SubExclusive
	}
	cons := &serverConsumer{
		id:      f.ConsumerID,
		conn:    sc,
		name:    f.ConsumerName,
		subType: subType,
		version: sc.remoteVersion,
	}
	if !sc.consumers.Insert(cons.id, cons) {
		sc.replyError(f.RequestID, ErrConsumerBusy)
		return nil, false
	}
	return cons, true
}

func (sc *serverConn) handleSubscribe(f *protocol.Frame, cons *serverConsumer) {
	ctx, cancel := sc.requestContext()
	defer cancel()
	t, err := sc.broker.getOrLoadTopic(ctx, sc.id, f.Topic)
	if err == nil && t == nil {
		err = ErrBundleNotOwned
	}
	var s *Subscription
	if err == nil {
		s, err = t.subscribe(ctx, cons, f.Subscription)
	}
	if err == nil && !sc.activateConsumer(cons, s) {
		s.send(&removeConsumer{consumer: cons})
		err = ErrClosedWhileAttaching
	}
	if err != nil {
		sc.consumers.RemoveIf(cons.id, func(c *serverConsumer) bool { return c == cons })
		sc.replyError(f.RequestID, err)
		return
	}
	sc.reply(protocol.NewSuccess(f.RequestID))
}

func (sc *serverConn) handleSend(f *protocol.Frame) {
	p, ok := sc.producers.Get(f.ProducerID)
	if !ok {
		sc.reply(&protocol.Frame{
			Type:         protocol.CmdSendError,
			ProducerID:   f.ProducerID,
			SequenceID:   f.SequenceID,
			Error:        protocol.ErrCodeNotAllowed,
			ErrorMessage: "producer is not attached",
		})
		return
	}
	ctx, cancel := sc.requestContext()
	defer cancel()
	e, err := p.topic.publish(ctx, p, f)
	if err != nil {
		sc.reply(&protocol.Frame{
			Type:         protocol.CmdSendError,
			ProducerID:   f.ProducerID,
			SequenceID:   f.SequenceID,
			Error:        protocol.ErrCodePersistence,
			ErrorMessage: err.Error(),
		})
		return
	}
	sc.reply(&protocol.Frame{
		Type:        protocol.CmdSendReceipt,
		ProducerID:  f.ProducerID,
		SequenceID:  f.SequenceID,
		MessageID:   &protocol.MessageID{EntryID: e.ID, BatchIndex: -1},
		PublishTime: e.PublishTime,
	})
}

func (sc *serverConn) replyError(requestID uint64, err error) {
	sc.log.Debug("request failed", zap.Uint64("request_id", requestID), zap.Error(err))
	sc.reply(protocol.NewError(requestID, serverErrorCode(err), err.Error()))
}

func (sc *serverConn) reply(f *protocol.Frame) {
	if err := sc.send(f); err != nil {
		sc.log.Debug("dropping reply", zap.String("type", string(f.Type)), zap.Error(err))
	}
}

// send queues f for the writer.
func (sc *serverConn) send(f *protocol.Frame) error {
	if sc.closed.Load() {
		return errConnClosed
	}
	if err := sc.outbound.SendContext(sc.ctx, f); err != nil {
		return errConnClosed
	}
	return nil
}

// closeProducer detaches a producer on the broker's initiative and tells
// the client.
func (sc *serverConn) closeProducer(id uint64) {
	if _, ok := sc.producers.Remove(id); !ok {
		return
	}
	sc.reply(&protocol.Frame{Type: protocol.CmdCloseProducer, ProducerID: id})
}

// closeConsumer detaches a consumer on the broker's initiative and tells
// the client.
func (sc *serverConn) closeConsumer(id uint64) {
	if _, ok := sc.consumers.Remove(id); !ok {
		return
	}
	sc.reply(&protocol.Frame{Type: protocol.CmdCloseConsumer, ConsumerID: id})
}

func (sc *serverConn) handleCount() int {
	return sc.producers.Len() + sc.consumers.Len()
}

// closeWhenFlushed closes the connection after the frames already queued
// are written.
func (sc *serverConn) closeWhenFlushed() {
	if sc.closed.Load() {
		return
	}
	go func() {
		_ = sc.outbound.SendContext(sc.ctx, closeRequest{})
	}()
}

func (sc *serverConn) close() {
	sc.closeOnce.Do(func() {
		sc.closed.Store(true)
		sc.cancel()
		_ = sc.conn.Close()
		sc.broker.conns.Remove(sc.seq)
		sc.attachMu.Lock()
		sc.pendingProducers.Clear()
		producers := sc.producers.Clear()
		consumers := sc.consumers.Clear()
		sc.attachMu.Unlock()
		for _, p := range producers {
			p.topic.removeProducer(p)
		}
		for _, c := range consumers {
			if c.sub != nil {
				c.sub.send(&removeConsumer{consumer: c})
			}
		}
		sc.broker.admission.Forget(sc.id)
		metrics.ActiveConnections.Dec()
		sc.log.Debug("connection closed")
	})
}

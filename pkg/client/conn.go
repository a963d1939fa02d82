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
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/turtacn/pulsar-go/pkg/protocol"
	"github.com/turtacn/pulsar-go/pkg/registry"
	"github.com/turtacn/pulsar-go/pkg/transport"
)

// handle is a producer or consumer multiplexed on a clientConn.
type handle interface {
	// receive is called from the read loop for frames addressed to the handle.
	receive(c *clientConn, f *protocol.Frame)
	// connectionClosed is called once when c goes away.
	connectionClosed(c *clientConn)
}

// handleKind selects the registry of a clientConn a handle lives in.
type handleKind int

const (
	kindProducer handleKind = iota
	kindConsumer
)

func (k handleKind) String() string {
	if k == kindProducer {
		return "producer"
	}
	return "consumer"
}

// clientConn is one physical connection to a broker. It multiplexes
// producers and consumers and correlates requests with responses.
type clientConn struct {
	pool *connPool
	url  string
	slot int
	id   string
	conn transport.Conn
	log  *zap.Logger

	maxRejected   int
	remoteVersion int32

	requestID atomic.Uint64
	writeMu   sync.Mutex

	mu     sync.Mutex
	closed bool
	done   chan struct{}
	once   sync.Once

	producers *registry.Registry[handle]
	consumers *registry.Registry[handle]
	pending   *registry.Registry[chan *protocol.Frame]

	rejections atomic.Int64
}

// dialConn opens a channel to url, runs the CONNECT handshake and starts the
// read loop.
func dialConn(ctx context.Context, pool *connPool, url string, slot int) (*clientConn, error) {
	opts := pool.opts
	addr, err := transport.HostPort(url)
	if err != nil {
		return nil, err
	}
	tc, err := opts.Dialer.Dial(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	c := &clientConn{
		pool:        pool,
		url:         url,
		slot:        slot,
		id:          uuid.NewString(),
		conn:        tc,
		maxRejected: opts.MaxRejectedRequestsPerConnection,
		done:        make(chan struct{}),
		producers:   registry.New[handle](),
		consumers:   registry.New[handle](),
		pending:     registry.New[chan *protocol.Frame](),
	}
	c.log = pool.log.With(zap.String("conn_id", c.id), zap.String("broker", url))

	if err := c.handshake(ctx, opts.ProtocolVersion); err != nil {
		tc.Close()
		return nil, err
	}
	go c.readLoop()
	c.log.Debug("connection established", zap.Int32("protocol_version", c.remoteVersion))
	return c, nil
}

func (c *clientConn) handshake(ctx context.Context, version int32) error {
	if err := c.conn.WriteFrame(&protocol.Frame{
		Type:            protocol.CmdConnect,
		ProtocolVersion: version,
		ClientVersion:   clientVersion,
	}); err != nil {
		return fmt.Errorf("send connect: %w", err)
	}

	type result struct {
		f   *protocol.Frame
		err error
	}
	ch := make(chan result, 1)
	go func() {
		f, err := c.conn.ReadFrame()
		ch <- result{f, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return fmt.Errorf("read connected: %w", r.err)
		}
		switch r.f.Type {
		case protocol.CmdConnected:
			c.remoteVersion = r.f.ProtocolVersion
			return nil
		case protocol.CmdError:
			return serverError(r.f)
		default:
			return fmt.Errorf("unexpected %s during handshake", r.f.Type)
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *clientConn) readLoop() {
	defer c.notifyConnectionClosed()
	for {
		f, err := c.conn.ReadFrame()
		if err != nil {
			c.log.Debug("read loop stopped", zap.Error(err))
			return
		}
		c.dispatchInbound(f)
	}
}

func (c *clientConn) dispatchInbound(f *protocol.Frame) {
	if f.IsResponse() {
		c.completeRequest(f)
		return
	}
	switch f.Type {
	case protocol.CmdSendReceipt, protocol.CmdSendError, protocol.CmdCloseProducer:
		c.deliver(c.producers, f.ProducerID, kindProducer, f)
	case protocol.CmdMessage, protocol.CmdCloseConsumer:
		c.deliver(c.consumers, f.ConsumerID, kindConsumer, f)
	case protocol.CmdPing:
		if err := c.writeFrame(&protocol.Frame{Type: protocol.CmdPong}); err != nil {
			c.log.Debug("failed to answer ping", zap.Error(err))
		}
	case protocol.CmdPong:
	default:
		c.log.Warn("unexpected frame from broker", zap.String("type", string(f.Type)))
	}
}

func (c *clientConn) deliver(reg *registry.Registry[handle], id uint64, kind handleKind, f *protocol.Frame) {
	h, ok := reg.Get(id)
	if !ok {
		c.log.Warn("frame for unknown handle dropped",
			zap.String("type", string(f.Type)),
			zap.Stringer("kind", kind),
			zap.Uint64("id", id))
		return
	}
	h.receive(c, f)
}

func (c *clientConn) completeRequest(f *protocol.Frame) {
	ch, ok := c.pending.Remove(f.RequestID)
	if !ok {
		c.log.Debug("response for unknown request", zap.Uint64("request_id", f.RequestID))
		return
	}
	ch <- f
}

// sendRequest writes f with a fresh request id and waits for the matching
// response. Error answers are returned as errors.
func (c *clientConn) sendRequest(ctx context.Context, f *protocol.Frame) (*protocol.Frame, error) {
	reqID := c.requestID.Add(1)
	f.RequestID = reqID
	resp := make(chan *protocol.Frame, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrConnectionLost
	}
	c.pending.Insert(reqID, resp)
	c.mu.Unlock()

	if err := c.writeFrame(f); err != nil {
		c.pending.Remove(reqID)
		return nil, fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}

	select {
	case r := <-resp:
		return c.checkResponse(r)
	case <-c.done:
		// A response may have raced with the close.
		select {
		case r := <-resp:
			return c.checkResponse(r)
		default:
		}
		return nil, ErrConnectionLost
	case <-ctx.Done():
		c.pending.Remove(reqID)
		return nil, ctx.Err()
	}
}

// abandon writes the close command for a request that timed out, so the
// broker drops whatever the request still creates. The answer is ignored.
func (c *clientConn) abandon(f *protocol.Frame) {
	f.RequestID = c.requestID.Add(1)
	if err := c.writeFrame(f); err != nil {
		c.log.Debug("failed to cancel timed out request", zap.String("type", string(f.Type)), zap.Error(err))
	}
}

func isTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}

func (c *clientConn) checkResponse(f *protocol.Frame) (*protocol.Frame, error) {
	if f.Type == protocol.CmdError || (f.Type == protocol.CmdLookupResponse && f.LookupType == protocol.LookupFailed) {
		c.handleServerError(f.Error)
		return nil, serverError(f)
	}
	return f, nil
}

// handleServerError applies the connection level reaction to an error code:
// too many TooManyRequests answers or a ServiceNotReady close the connection.
func (c *clientConn) handleServerError(code protocol.ServerError) {
	switch code {
	case protocol.ErrCodeTooManyRequests:
		n := c.rejections.Add(1)
		if c.maxRejected >= 0 && n > int64(c.maxRejected) {
			c.log.Warn("closing connection after repeated rejections", zap.Int64("rejections", n))
			c.close()
		}
	case protocol.ErrCodeServiceNotReady:
		c.log.Info("closing connection, broker not ready for topic")
		c.close()
	}
}

func (c *clientConn) writeFrame(f *protocol.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteFrame(f)
}

func (c *clientConn) registry(kind handleKind) *registry.Registry[handle] {
	if kind == kindProducer {
		return c.producers
	}
	return c.consumers
}

// registerHandle attaches h under id. It fails once the connection is closed
// so a handle never ends up on a dead connection.
func (c *clientConn) registerHandle(kind handleKind, id uint64, h handle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnectionLost
	}
	c.registry(kind).Swap(id, h)
	return nil
}

// dropHandle removes id without touching the connection.
func (c *clientConn) dropHandle(kind handleKind, id uint64) {
	c.registry(kind).Remove(id)
}

// unregisterHandle detaches id. The connection is closed when it no longer
// carries any handle.
func (c *clientConn) unregisterHandle(kind handleKind, id uint64) {
	c.mu.Lock()
	c.registry(kind).Remove(id)
	idle := !c.closed && c.producers.Len() == 0 && c.consumers.Len() == 0
	c.mu.Unlock()
	if idle {
		c.close()
	}
}

func (c *clientConn) handleCount() int {
	return c.producers.Len() + c.consumers.Len()
}

func (c *clientConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Done is closed when the connection goes away.
func (c *clientConn) Done() <-chan struct{} { return c.done }

// ID identifies the connection in logs.
func (c *clientConn) ID() string { return c.id }

func (c *clientConn) close() {
	c.conn.Close()
	c.notifyConnectionClosed()
}

// notifyConnectionClosed tears the connection down exactly once and tells
// every attached handle.
func (c *clientConn) notifyConnectionClosed() {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		c.conn.Close()
		close(c.done)
		c.pool.remove(c)

		handles := append(c.producers.Clear(), c.consumers.Clear()...)
		c.log.Debug("connection closed", zap.Int("handles", len(handles)))
		for _, h := range handles {
			h.connectionClosed(c)
		}
	})
}

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

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/turtacn/pulsar-go/pkg/metrics"
)

// State is the lifecycle state of a producer or consumer.
type State int

const (
	StateUninitialized State = iota
	StateConnecting
	StateReady
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "Uninitialized"
	case StateConnecting:
		return "Connecting"
	case StateReady:
		return "Ready"
	case StateClosing:
		return "Closing"
	case StateClosed:
		return "Closed"
	}
	return "Unknown"
}

// connector is the part of a producer or consumer that knows how to bind
// itself to a connection.
type connector interface {
	kind() handleKind
	topic() string
	// attach registers on c and runs the creation request.
	attach(ctx context.Context, c *clientConn) error
	// detach releases the handle on c during a user close.
	detach(c *clientConn)
	// detached is called after the bound connection went away.
	detached(c *clientConn)
}

// connectionHandler owns the state machine shared by producers and
// consumers: it finds the owning broker, binds to a pooled connection and
// reconnects with backoff when that connection is lost.
type connectionHandler struct {
	client *Client
	ops    connector
	log    *zap.Logger

	mu      sync.Mutex
	state   State
	conn    *clientConn
	timer   *time.Timer
	backoff *backoff.ExponentialBackOff
}

func newConnectionHandler(client *Client, ops connector, log *zap.Logger) *connectionHandler {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = client.opts.InitialBackoff
	bo.MaxInterval = client.opts.MaxBackoff
	bo.MaxElapsedTime = 0
	bo.Reset()
	return &connectionHandler{client: client, ops: ops, log: log, backoff: bo}
}

// State returns the current lifecycle state.
func (h *connectionHandler) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Connection returns the bound connection, or nil.
func (h *connectionHandler) Connection() *clientConn {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conn
}

// connect performs the first attach, retrying retriable failures until ctx
// expires.
func (h *connectionHandler) connect(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = h.client.opts.InitialBackoff
	bo.MaxInterval = h.client.opts.MaxBackoff
	bo.MaxElapsedTime = 0

	op := func() error {
		err := h.grabConnection(ctx)
		if err != nil && !isRetriable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, d time.Duration) {
		h.log.Debug("attach failed, retrying", zap.Error(err), zap.Duration("backoff", d))
	}
	return backoff.RetryNotify(op, backoff.WithContext(bo, ctx), notify)
}

// grabConnection runs one lookup and attach attempt.
func (h *connectionHandler) grabConnection(ctx context.Context) error {
	h.mu.Lock()
	if h.state == StateClosing || h.state == StateClosed {
		h.mu.Unlock()
		return ErrAlreadyClosed
	}
	h.state = StateConnecting
	h.mu.Unlock()

	url, err := h.client.lookup(ctx, h.ops.topic())
	if err != nil {
		return err
	}
	c, err := h.client.pool.get(ctx, url)
	if err != nil {
		return err
	}
	if err := h.ops.attach(ctx, c); err != nil {
		return err
	}

	h.mu.Lock()
	if h.state == StateClosing || h.state == StateClosed {
		h.mu.Unlock()
		h.ops.detach(c)
		return ErrAlreadyClosed
	}
	h.conn = c
	h.state = StateReady
	h.backoff.Reset()
	h.mu.Unlock()
	h.log.Info("attached to broker", zap.String("broker", c.url), zap.String("conn_id", c.id))

	// The connection may have died between attach and bind, in which case
	// its close notification found nothing bound.
	if c.isClosed() {
		h.connectionClosed(c)
	}
	return nil
}

// connectionClosed moves the handle back to Connecting and schedules a
// reconnect. Notifications for a connection that is not the bound one are
// ignored.
func (h *connectionHandler) connectionClosed(c *clientConn) {
	h.mu.Lock()
	if h.conn != c {
		h.mu.Unlock()
		return
	}
	h.conn = nil
	if h.state != StateReady {
		h.mu.Unlock()
		return
	}
	h.state = StateConnecting
	h.mu.Unlock()

	h.ops.detached(c)
	h.scheduleReconnect()
}

func (h *connectionHandler) scheduleReconnect() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != StateConnecting {
		return
	}
	d := h.backoff.NextBackOff()
	if d == backoff.Stop {
		d = h.client.opts.MaxBackoff
	}
	h.log.Info("connection lost, reconnecting", zap.Duration("backoff", d))
	metrics.ClientReconnectsTotal.WithLabelValues(h.ops.kind().String()).Inc()
	h.timer = time.AfterFunc(d, h.reconnect)
}

func (h *connectionHandler) reconnect() {
	ctx, cancel := context.WithTimeout(context.Background(), h.client.opts.OperationTimeout)
	defer cancel()
	if err := h.grabConnection(ctx); err != nil {
		h.log.Debug("reconnect attempt failed", zap.Error(err))
		h.scheduleReconnect()
	}
}

// close detaches from the broker. It is safe to call more than once.
func (h *connectionHandler) close() {
	h.mu.Lock()
	if h.state == StateClosing || h.state == StateClosed {
		h.mu.Unlock()
		return
	}
	h.state = StateClosing
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
	c := h.conn
	h.conn = nil
	h.mu.Unlock()

	if c != nil {
		h.ops.detach(c)
	}

	h.mu.Lock()
	h.state = StateClosed
	h.mu.Unlock()
}

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

// Package client implements the pulsar-go client: connection pooling to the
// brokers, topic lookup, and producers and consumers that survive broker
// side bundle moves by reconnecting on their own.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/turtacn/pulsar-go/pkg/logger"
	"github.com/turtacn/pulsar-go/pkg/registry"
	"github.com/turtacn/pulsar-go/pkg/transport"
)

// Client is the entry point for creating producers and consumers. It is
// safe for concurrent use.
type Client struct {
	opts ClientOptions
	log  *zap.Logger
	pool *connPool

	producerIDs atomic.Uint64
	consumerIDs atomic.Uint64
	producers   *registry.Registry[*Producer]
	consumers   *registry.Registry[*Consumer]

	mu     sync.Mutex
	closed bool
}

// NewClient creates a client. No connection is opened until the first
// lookup.
func NewClient(opts ClientOptions) (*Client, error) {
	if opts.ServiceURL == "" {
		return nil, errors.New("service url is required")
	}
	if _, err := transport.HostPort(opts.ServiceURL); err != nil {
		return nil, err
	}
	opts.applyDefaults()
	log := logger.OrNop(opts.Logger).Named("client")
	return &Client{
		opts:      opts,
		log:       log,
		pool:      newConnPool(opts, log),
		producers: registry.New[*Producer](),
		consumers: registry.New[*Consumer](),
	}, nil
}

// CreateProducer creates a producer and waits until it is attached to the
// broker owning its topic, or OperationTimeout expires.
func (cl *Client) CreateProducer(ctx context.Context, opts ProducerOptions) (*Producer, error) {
	if opts.Topic == "" {
		return nil, errors.New("producer topic is required")
	}
	if cl.isClosed() {
		return nil, ErrClientClosed
	}
	id := cl.producerIDs.Add(1) - 1
	p := newProducer(cl, id, opts)
	cl.producers.Insert(id, p)

	ctx, cancel := context.WithTimeout(ctx, cl.opts.OperationTimeout)
	defer cancel()
	if err := p.h.connect(ctx); err != nil {
		p.Close()
		return nil, fmt.Errorf("create producer on %s: %w", opts.Topic, err)
	}
	return p, nil
}

// Subscribe creates a consumer and waits until it is attached.
func (cl *Client) Subscribe(ctx context.Context, opts ConsumerOptions) (*Consumer, error) {
	if opts.Topic == "" || opts.SubscriptionName == "" {
		return nil, errors.New("topic and subscription name are required")
	}
	if opts.Type != "" && !opts.Type.Valid() {
		return nil, fmt.Errorf("unknown subscription type %q", opts.Type)
	}
	if cl.isClosed() {
		return nil, ErrClientClosed
	}
	id := cl.consumerIDs.Add(1) - 1
	c := newConsumer(cl, id, opts)
	cl.consumers.Insert(id, c)

	ctx, cancel := context.WithTimeout(ctx, cl.opts.OperationTimeout)
	defer cancel()
	if err := c.h.connect(ctx); err != nil {
		c.Close()
		return nil, fmt.Errorf("subscribe %s on %s: %w", opts.SubscriptionName, opts.Topic, err)
	}
	if c.opts.MessageListener != nil {
		go c.runListener()
	}
	return c, nil
}

// ProducerCount returns the number of open producers.
func (cl *Client) ProducerCount() int { return cl.producers.Len() }

// ConsumerCount returns the number of open consumers.
func (cl *Client) ConsumerCount() int { return cl.consumers.Len() }

func (cl *Client) isClosed() bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.closed
}

// Close closes every producer and consumer, then the connections.
func (cl *Client) Close() error {
	cl.mu.Lock()
	if cl.closed {
		cl.mu.Unlock()
		return nil
	}
	cl.closed = true
	cl.mu.Unlock()

	for _, p := range cl.producers.Values() {
		p.Close()
	}
	for _, c := range cl.consumers.Values() {
		c.Close()
	}
	cl.pool.close()
	return nil
}

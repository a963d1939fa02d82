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

// Package admission bounds the number of concurrent lookup and topic-load
// requests a broker serves. Gates never queue: a request either gets a slot
// immediately or is rejected with ErrServiceBusy.
package admission

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/turtacn/pulsar-go/pkg/config"
	"github.com/turtacn/pulsar-go/pkg/logger"
	"github.com/turtacn/pulsar-go/pkg/metrics"
)

// Gate names.
const (
	GateLookup    = "lookup"
	GateTopicLoad = "topic-load"
)

// ErrServiceBusy is returned when a gate has no free slot.
var ErrServiceBusy = errors.New("service busy: too many concurrent requests")

// Release returns a slot to the gate it was taken from. Calling it more
// than once is harmless.
type Release func()

func noopRelease() {}

type bound struct {
	sem      *semaphore.Weighted
	capacity int64
}

// Gate is a named non-blocking concurrency limiter. Capacity 0 means
// unbounded.
type Gate struct {
	name     string
	bound    atomic.Pointer[bound]
	inFlight atomic.Int64
}

// NewGate creates a gate with the given capacity.
func NewGate(name string, capacity int) *Gate {
	g := &Gate{name: name}
	g.SetCapacity(capacity)
	return g
}

// Name returns the gate name.
func (g *Gate) Name() string { return g.name }

// SetCapacity swaps in a new limit. Holders of the previous limit release
// into the semaphore they acquired from and still count against the new
// limit until they do.
func (g *Gate) SetCapacity(capacity int) {
	if capacity <= 0 {
		g.bound.Store(nil)
		return
	}
	if cur := g.bound.Load(); cur != nil && cur.capacity == int64(capacity) {
		return
	}
	g.bound.Store(&bound{sem: semaphore.NewWeighted(int64(capacity)), capacity: int64(capacity)})
}

// Capacity returns the current limit, 0 when unbounded.
func (g *Gate) Capacity() int {
	if b := g.bound.Load(); b != nil {
		return int(b.capacity)
	}
	return 0
}

// InFlight returns the number of slots currently held.
func (g *Gate) InFlight() int64 { return g.inFlight.Load() }

// TryAcquire takes a slot without blocking.
func (g *Gate) TryAcquire() (Release, bool) {
	b := g.bound.Load()
	n := g.inFlight.Add(1)
	if b != nil && (n > b.capacity || !b.sem.TryAcquire(1)) {
		g.inFlight.Add(-1)
		return noopRelease, false
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			g.inFlight.Add(-1)
			if b != nil {
				b.sem.Release(1)
			}
		})
	}, true
}

type connRejections struct {
	lookup    atomic.Int64
	topicLoad atomic.Int64
}

// Controller owns the lookup and topic-load gates of a broker and counts
// rejections per connection.
type Controller struct {
	lookup    *Gate
	topicLoad *Gate
	perConn   sync.Map // connection id -> *connRejections
	log       *zap.Logger
}

// NewController builds the gates from a dynamic configuration snapshot.
func NewController(cfg config.DynamicConfig, log *zap.Logger) *Controller {
	return &Controller{
		lookup:    NewGate(GateLookup, cfg.MaxConcurrentLookupRequest),
		topicLoad: NewGate(GateTopicLoad, cfg.MaxConcurrentTopicLoadRequest),
		log:       logger.OrNop(log).Named("admission"),
	}
}

// Apply resizes the gates to a new configuration snapshot.
func (c *Controller) Apply(cfg config.DynamicConfig) {
	c.lookup.SetCapacity(cfg.MaxConcurrentLookupRequest)
	c.topicLoad.SetCapacity(cfg.MaxConcurrentTopicLoadRequest)
	c.log.Info("admission limits updated",
		zap.Int("lookup", cfg.MaxConcurrentLookupRequest),
		zap.Int("topicLoad", cfg.MaxConcurrentTopicLoadRequest))
}

// LookupGate returns the lookup gate.
func (c *Controller) LookupGate() *Gate { return c.lookup }

// TopicLoadGate returns the topic-load gate.
func (c *Controller) TopicLoadGate() *Gate { return c.topicLoad }

// AcquireLookup admits one lookup served on connection connID.
func (c *Controller) AcquireLookup(connID string) (Release, error) {
	return c.acquire(c.lookup, connID)
}

// AcquireTopicLoad admits one topic load requested on connection connID.
func (c *Controller) AcquireTopicLoad(connID string) (Release, error) {
	return c.acquire(c.topicLoad, connID)
}

func (c *Controller) acquire(g *Gate, connID string) (Release, error) {
	release, ok := g.TryAcquire()
	if ok {
		return release, nil
	}
	rc := c.counters(connID)
	var n int64
	if g == c.lookup {
		n = rc.lookup.Add(1)
	} else {
		n = rc.topicLoad.Add(1)
	}
	metrics.AdmissionRejectionsTotal.WithLabelValues(g.Name()).Inc()
	c.log.Debug("request rejected",
		zap.String("gate", g.Name()),
		zap.String("conn", connID),
		zap.Int64("rejections", n))
	return noopRelease, fmt.Errorf("%s: %w", g.Name(), ErrServiceBusy)
}

func (c *Controller) counters(connID string) *connRejections {
	if v, ok := c.perConn.Load(connID); ok {
		return v.(*connRejections)
	}
	v, _ := c.perConn.LoadOrStore(connID, &connRejections{})
	return v.(*connRejections)
}

// Rejections returns how many lookup and topic-load requests were rejected
// on connection connID.
func (c *Controller) Rejections(connID string) (lookup, topicLoad int64) {
	v, ok := c.perConn.Load(connID)
	if !ok {
		return 0, 0
	}
	rc := v.(*connRejections)
	return rc.lookup.Load(), rc.topicLoad.Load()
}

// Forget drops the counters of a closed connection.
func (c *Controller) Forget(connID string) {
	c.perConn.Delete(connID)
}

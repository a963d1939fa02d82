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
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// connPool keeps up to ConnectionsPerBroker connections per broker URL and
// hands them out round robin. Concurrent requests for the same slot share
// one dial.
type connPool struct {
	opts ClientOptions
	log  *zap.Logger

	group singleflight.Group
	next  atomic.Uint64

	mu     sync.Mutex
	conns  map[string][]*clientConn
	closed bool
}

func newConnPool(opts ClientOptions, log *zap.Logger) *connPool {
	return &connPool{opts: opts, log: log, conns: make(map[string][]*clientConn)}
}

// get returns a live connection to url, dialing one if needed.
func (p *connPool) get(ctx context.Context, url string) (*clientConn, error) {
	slot := int(p.next.Add(1) % uint64(p.opts.ConnectionsPerBroker))

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClientClosed
	}
	if c := p.slotLocked(url, slot); c != nil && !c.isClosed() {
		p.mu.Unlock()
		return c, nil
	}
	p.mu.Unlock()

	key := fmt.Sprintf("%s#%d", url, slot)
	ch := p.group.DoChan(key, func() (any, error) {
		// Detached from the caller so a cancelled waiter does not abort a
		// dial others share.
		dialCtx, cancel := context.WithTimeout(context.Background(), p.opts.OperationTimeout)
		defer cancel()
		c, err := dialConn(dialCtx, p, url, slot)
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.closed {
			go c.close()
			return nil, ErrClientClosed
		}
		p.storeLocked(url, slot, c)
		return c, nil
	})

	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*clientConn), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *connPool) slotLocked(url string, slot int) *clientConn {
	slots := p.conns[url]
	if slot >= len(slots) {
		return nil
	}
	return slots[slot]
}

func (p *connPool) storeLocked(url string, slot int, c *clientConn) {
	slots := p.conns[url]
	for len(slots) <= slot {
		slots = append(slots, nil)
	}
	slots[slot] = c
	p.conns[url] = slots
}

// remove forgets c if it still occupies its slot.
func (p *connPool) remove(c *clientConn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.slotLocked(c.url, c.slot) == c {
		p.conns[c.url][c.slot] = nil
	}
}

// connections returns the live connections.
func (p *connPool) connections() []*clientConn {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*clientConn
	for _, slots := range p.conns {
		for _, c := range slots {
			if c != nil {
				out = append(out, c)
			}
		}
	}
	return out
}

func (p *connPool) close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	for _, c := range p.connections() {
		c.close()
	}
}

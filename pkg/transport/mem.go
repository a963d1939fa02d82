// Copyright 2023 The emqx-go Authors
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

package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/turtacn/pulsar-go/pkg/protocol"
)

const memQueueSize = 4096

// MemNetwork is an in-process network. Frames still go through the codec so
// that nothing is shared between the two ends of a channel.
type MemNetwork struct {
	mu        sync.Mutex
	listeners map[string]*memListener
	seq       atomic.Uint64
}

// NewMemNetwork returns an empty network.
func NewMemNetwork() *MemNetwork {
	return &MemNetwork{listeners: make(map[string]*memListener)}
}

// Listen registers a listener at addr.
func (n *MemNetwork) Listen(addr string) (Listener, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.listeners[addr]; ok {
		return nil, fmt.Errorf("listen %s: address already in use", addr)
	}
	l := &memListener{
		net:    n,
		addr:   addr,
		accept: make(chan Conn),
		done:   make(chan struct{}),
	}
	n.listeners[addr] = l
	return l, nil
}

// Dial connects to the listener at addr.
func (n *MemNetwork) Dial(ctx context.Context, addr string) (Conn, error) {
	n.mu.Lock()
	l, ok := n.listeners[addr]
	n.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("dial %s: connection refused", addr)
	}

	clientAddr := fmt.Sprintf("mem-client-%d", n.seq.Add(1))
	p := &memPipe{done: make(chan struct{})}
	a2b := make(chan []byte, memQueueSize)
	b2a := make(chan []byte, memQueueSize)
	client := &memConn{in: b2a, out: a2b, pipe: p, local: clientAddr, remote: addr}
	server := &memConn{in: a2b, out: b2a, pipe: p, local: addr, remote: clientAddr}

	select {
	case l.accept <- server:
		return client, nil
	case <-l.done:
		return nil, fmt.Errorf("dial %s: connection refused", addr)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type memListener struct {
	net    *MemNetwork
	addr   string
	accept chan Conn
	done   chan struct{}
	once   sync.Once
}

func (l *memListener) Accept() (Conn, error) {
	select {
	case c := <-l.accept:
		return c, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

func (l *memListener) Close() error {
	l.once.Do(func() {
		close(l.done)
		l.net.mu.Lock()
		if l.net.listeners[l.addr] == l {
			delete(l.net.listeners, l.addr)
		}
		l.net.mu.Unlock()
	})
	return nil
}

func (l *memListener) Addr() string { return l.addr }

type memPipe struct {
	done chan struct{}
	once sync.Once
}

type memConn struct {
	in     <-chan []byte
	out    chan<- []byte
	pipe   *memPipe
	local  string
	remote string
}

func (c *memConn) WriteFrame(f *protocol.Frame) error {
	data, err := protocol.Encode(f)
	if err != nil {
		return err
	}
	select {
	case <-c.pipe.done:
		return net.ErrClosed
	default:
	}
	select {
	case c.out <- data:
		return nil
	case <-c.pipe.done:
		return net.ErrClosed
	}
}

func (c *memConn) ReadFrame() (*protocol.Frame, error) {
	select {
	case data := <-c.in:
		return protocol.Decode(data)
	case <-c.pipe.done:
		return nil, io.EOF
	}
}

func (c *memConn) Close() error {
	c.pipe.once.Do(func() { close(c.pipe.done) })
	return nil
}

func (c *memConn) LocalAddr() string  { return c.local }
func (c *memConn) RemoteAddr() string { return c.remote }

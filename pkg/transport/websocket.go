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
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/turtacn/pulsar-go/pkg/protocol"
)

// WebSocketPath is the HTTP path brokers upgrade on.
const WebSocketPath = "/pulsar"

const wsWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// WebSocketListener accepts websocket channels on a TCP address.
type WebSocketListener struct {
	ln    net.Listener
	srv   *http.Server
	conns chan Conn
	done  chan struct{}
	once  sync.Once
}

// ListenWebSocket starts an HTTP server on addr that upgrades requests on
// WebSocketPath into channels.
func ListenWebSocket(addr string) (*WebSocketListener, error) {
	return ListenWebSocketTLS(addr, nil)
}

// ListenWebSocketTLS is ListenWebSocket over TLS. A nil cfg serves plain
// websocket.
func ListenWebSocketTLS(addr string, cfg *tls.Config) (*WebSocketListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	if cfg != nil {
		ln = tls.NewListener(ln, cfg)
	}
	l := &WebSocketListener{
		ln:    ln,
		conns: make(chan Conn),
		done:  make(chan struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc(WebSocketPath, l.upgrade)
	l.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() { _ = l.srv.Serve(ln) }()
	return l, nil
}

func (l *WebSocketListener) upgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := newWSConn(ws)
	select {
	case l.conns <- c:
	case <-l.done:
		_ = c.Close()
	}
}

// Accept waits for the next upgraded channel.
func (l *WebSocketListener) Accept() (Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

// Close stops the HTTP server. Channels already accepted stay open.
func (l *WebSocketListener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.done)
		err = l.srv.Close()
	})
	return err
}

// Addr returns the bound TCP address.
func (l *WebSocketListener) Addr() string { return l.ln.Addr().String() }

// WebSocketDialer dials brokers listening with ListenWebSocket.
type WebSocketDialer struct {
	HandshakeTimeout time.Duration
	// TLSConfig switches the dialer to wss.
	TLSConfig *tls.Config
}

// Dial opens a channel to addr (host:port).
func (d WebSocketDialer) Dial(ctx context.Context, addr string) (Conn, error) {
	dialer := *websocket.DefaultDialer
	if d.HandshakeTimeout > 0 {
		dialer.HandshakeTimeout = d.HandshakeTimeout
	}
	scheme := "ws://"
	if d.TLSConfig != nil {
		dialer.TLSClientConfig = d.TLSConfig
		scheme = "wss://"
	}
	ws, _, err := dialer.DialContext(ctx, scheme+addr+WebSocketPath, nil)
	if err != nil {
		return nil, err
	}
	return newWSConn(ws), nil
}

type wsConn struct {
	ws   *websocket.Conn
	wmu  sync.Mutex
	once sync.Once
}

func newWSConn(ws *websocket.Conn) *wsConn {
	ws.SetReadLimit(protocol.MaxFrameSize + 1024)
	return &wsConn{ws: ws}
}

func (c *wsConn) WriteFrame(f *protocol.Frame) error {
	data, err := protocol.Encode(f)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.ws.WriteMessage(websocket.BinaryMessage, data)
}

func (c *wsConn) ReadFrame() (*protocol.Frame, error) {
	kind, data, err := c.ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	if kind != websocket.BinaryMessage && kind != websocket.TextMessage {
		return nil, errors.New("unexpected websocket message type")
	}
	return protocol.Decode(data)
}

func (c *wsConn) Close() error {
	var err error
	c.once.Do(func() {
		c.wmu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.wmu.Unlock()
		err = c.ws.Close()
	})
	return err
}

func (c *wsConn) LocalAddr() string  { return c.ws.LocalAddr().String() }
func (c *wsConn) RemoteAddr() string { return c.ws.RemoteAddr().String() }

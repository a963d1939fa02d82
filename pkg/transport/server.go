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

// Package transport is responsible for the physical channels between clients
// and brokers. A channel carries whole protocol frames; two implementations
// exist, an in-process network used by tests and embedded setups, and a
// websocket transport for real deployments.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/turtacn/pulsar-go/pkg/logger"
	"github.com/turtacn/pulsar-go/pkg/protocol"
)

// ServiceURLScheme prefixes broker service URLs.
const ServiceURLScheme = "pulsar://"

// Conn is one physical channel. WriteFrame may be called concurrently with
// ReadFrame; concurrent writers must be serialized by the caller or by the
// implementation.
type Conn interface {
	WriteFrame(f *protocol.Frame) error
	ReadFrame() (*protocol.Frame, error)
	Close() error
	LocalAddr() string
	RemoteAddr() string
}

// Listener accepts channels.
type Listener interface {
	Accept() (Conn, error)
	Close() error
	Addr() string
}

// Dialer opens channels to an address.
type Dialer interface {
	Dial(ctx context.Context, addr string) (Conn, error)
}

// ServiceURL turns a host:port into a broker service URL.
func ServiceURL(addr string) string {
	if strings.HasPrefix(addr, ServiceURLScheme) {
		return addr
	}
	return ServiceURLScheme + addr
}

// HostPort strips the scheme from a broker service URL.
func HostPort(serviceURL string) (string, error) {
	addr := strings.TrimPrefix(serviceURL, ServiceURLScheme)
	if addr == "" || strings.Contains(addr, "://") {
		return "", fmt.Errorf("invalid service url %q", serviceURL)
	}
	return addr, nil
}

// Server runs an accept loop over a Listener and hands every accepted
// channel to a handler in its own goroutine.
type Server struct {
	listener Listener
	handler  func(Conn)
	wg       sync.WaitGroup
	quit     chan struct{}
	stopOnce sync.Once
	log      *zap.Logger
}

// NewServer creates a Server that passes accepted channels to handler.
func NewServer(handler func(Conn), log *zap.Logger) *Server {
	return &Server{
		handler: handler,
		quit:    make(chan struct{}),
		log:     logger.OrNop(log).Named("transport"),
	}
}

// Start begins accepting on ln.
func (s *Server) Start(ln Listener) {
	s.listener = ln
	s.wg.Add(1)
	go s.acceptLoop()
	s.log.Info("listening", zap.String("addr", ln.Addr()))
}

// Stop closes the listener and waits for the accept loop to exit. Handler
// goroutines are not waited for; they own their channels.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.quit)
		if s.listener != nil {
			_ = s.listener.Close()
		}
	})
	s.wg.Wait()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn("accept failed", zap.Error(err))
			continue
		}
		go s.handler(conn)
	}
}

// Addr returns the listening address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr()
}

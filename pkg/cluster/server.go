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


package cluster

import (
	"context"
	"errors"
	"net"
	"strconv"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/turtacn/pulsar-go/pkg/logger"
)

// LocalBroker is the part of the broker the cluster service drives. The
// *Local methods never forward, so a request cannot bounce between peers.
type LocalBroker interface {
	NodeID() string
	URL() string
	UnloadLocal(ctx context.Context, bundle string) error
	ResetCursorLocal(ctx context.Context, topic, subscription string, timestamp int64) error
}

// Server answers cluster requests on behalf of the local broker.
type Server struct {
	b    LocalBroker
	log  *zap.Logger
	grpc *grpc.Server
}

// NewServer creates a Server for b.
func NewServer(b LocalBroker, log *zap.Logger, opts ...grpc.ServerOption) *Server {
	s := &Server{
		b:    b,
		log:  logger.OrNop(log).Named("cluster"),
		grpc: grpc.NewServer(opts...),
	}
	RegisterClusterServer(s.grpc, s)
	return s
}

// Serve accepts cluster connections on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	s.log.Info("cluster service listening", zap.String("addr", lis.Addr().String()))
	err := s.grpc.Serve(lis)
	if errors.Is(err, grpc.ErrServerStopped) {
		return nil
	}
	return err
}

// Stop finishes in-flight requests and closes the listener.
func (s *Server) Stop() {
	s.grpc.GracefulStop()
}

// UnloadBundle implements ClusterServer.
func (s *Server) UnloadBundle(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	bundle := stringField(req, "bundle")
	if bundle == "" {
		return nil, status.Error(codes.InvalidArgument, "bundle is required")
	}
	s.log.Info("forwarded unload", zap.String("bundle", bundle), zap.String("from", stringField(req, "from")))
	if err := s.b.UnloadLocal(ctx, bundle); err != nil {
		return nil, toStatus(err)
	}
	return &structpb.Struct{}, nil
}

// ResetCursor implements ClusterServer.
func (s *Server) ResetCursor(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	topic := stringField(req, "topic")
	sub := stringField(req, "subscription")
	ts, err := strconv.ParseInt(stringField(req, "timestamp"), 10, 64)
	if topic == "" || sub == "" || err != nil {
		return nil, status.Error(codes.InvalidArgument, "topic, subscription and timestamp are required")
	}
	s.log.Info("forwarded cursor reset",
		zap.String("topic", topic),
		zap.String("subscription", sub),
		zap.Int64("timestamp", ts))
	if err := s.b.ResetCursorLocal(ctx, topic, sub, ts); err != nil {
		return nil, toStatus(err)
	}
	return &structpb.Struct{}, nil
}

// Ping implements ClusterServer. It reports who answers on this address.
func (s *Server) Ping(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"node_id":     s.b.NodeID(),
		"service_url": s.b.URL(),
	})
}

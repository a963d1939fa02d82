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


// Package cluster carries admin operations between brokers. A broker that
// receives an unload or cursor reset for a bundle it does not own forwards
// it over gRPC to the owner, whose address comes from the ownership record.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/turtacn/pulsar-go/pkg/broker"
	"github.com/turtacn/pulsar-go/pkg/naming"
)

const serviceName = "pulsargo.cluster.v1.Cluster"

const (
	methodUnloadBundle = "/" + serviceName + "/UnloadBundle"
	methodResetCursor  = "/" + serviceName + "/ResetCursor"
	methodPing         = "/" + serviceName + "/Ping"
)

// ClusterServer is the server side of the cluster service. Requests and
// responses are structpb.Struct values.
type ClusterServer interface {
	UnloadBundle(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ResetCursor(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Ping(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// RegisterClusterServer registers srv on s.
func RegisterClusterServer(s grpc.ServiceRegistrar, srv ClusterServer) {
	s.RegisterService(&serviceDesc, srv)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*ClusterServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "UnloadBundle", Handler: unaryHandler(methodUnloadBundle, ClusterServer.UnloadBundle)},
		{MethodName: "ResetCursor", Handler: unaryHandler(methodResetCursor, ClusterServer.ResetCursor)},
		{MethodName: "Ping", Handler: unaryHandler(methodPing, ClusterServer.Ping)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "cluster.proto",
}

type unaryMethod func(ClusterServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(fullMethod string, call unaryMethod) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(ClusterServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(ClusterServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// statusMapping pairs broker errors with the gRPC codes they travel as.
var statusMapping = []struct {
	err  error
	code codes.Code
}{
	{broker.ErrSubscriptionNotFound, codes.NotFound},
	{broker.ErrInvalidTimestamp, codes.InvalidArgument},
	{naming.ErrInvalidTopic, codes.InvalidArgument},
	{broker.ErrBundleNotOwned, codes.FailedPrecondition},
	{broker.ErrBundleOwnedElsewhere, codes.Aborted},
	{broker.ErrBundleUnloading, codes.Unavailable},
	{broker.ErrBrokerDisabled, codes.Unavailable},
	{broker.ErrTopicClosed, codes.Unavailable},
	{broker.ErrConsumerBusy, codes.ResourceExhausted},
}

func toStatus(err error) error {
	if err == nil {
		return nil
	}
	for _, m := range statusMapping {
		if errors.Is(err, m.err) {
			return status.Error(m.code, err.Error())
		}
	}
	return status.Error(codes.Internal, err.Error())
}

// fromStatus restores the broker error a peer answered with, so callers can
// match it with errors.Is.
func fromStatus(target string, err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("peer %s: %w", target, err)
	}
	for _, m := range statusMapping {
		if st.Code() == m.code && strings.Contains(st.Message(), m.err.Error()) {
			return fmt.Errorf("peer %s: %w: %s", target, m.err, st.Message())
		}
	}
	return fmt.Errorf("peer %s: %w", target, err)
}

func stringField(s *structpb.Struct, name string) string {
	return s.GetFields()[name].GetStringValue()
}

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
	"strconv"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// PeerInfo identifies the broker behind a cluster address.
type PeerInfo struct {
	NodeID     string `json:"node_id"`
	ServiceURL string `json:"service_url"`
}

// Client calls the cluster service of one peer.
type Client struct {
	nodeID string
	target string
	conn   *grpc.ClientConn
}

// NewClient prepares a client for target. The connection is established on
// first use.
func NewClient(nodeID, target string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{nodeID: nodeID, target: target, conn: conn}, nil
}

// Target returns the address the client dials.
func (c *Client) Target() string { return c.target }

// Close releases the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) call(ctx context.Context, method string, fields map[string]any) (*structpb.Struct, error) {
	fields["from"] = c.nodeID
	in, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, method, in, out); err != nil {
		return nil, fromStatus(c.target, err)
	}
	return out, nil
}

// UnloadBundle asks the peer to unload bundle.
func (c *Client) UnloadBundle(ctx context.Context, bundle string) error {
	_, err := c.call(ctx, methodUnloadBundle, map[string]any{"bundle": bundle})
	return err
}

// ResetCursor asks the peer to reset a subscription it serves.
func (c *Client) ResetCursor(ctx context.Context, topic, subscription string, timestamp int64) error {
	_, err := c.call(ctx, methodResetCursor, map[string]any{
		"topic":        topic,
		"subscription": subscription,
		"timestamp":    strconv.FormatInt(timestamp, 10),
	})
	return err
}

// Ping returns the identity of the peer.
func (c *Client) Ping(ctx context.Context) (PeerInfo, error) {
	out, err := c.call(ctx, methodPing, map[string]any{})
	if err != nil {
		return PeerInfo{}, err
	}
	return PeerInfo{
		NodeID:     stringField(out, "node_id"),
		ServiceURL: stringField(out, "service_url"),
	}, nil
}

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
	"time"

	"go.uber.org/zap"

	"github.com/turtacn/pulsar-go/pkg/protocol"
	"github.com/turtacn/pulsar-go/pkg/transport"
)

const (
	clientVersion = "pulsar-go/1.0"

	defaultOperationTimeout        = 30 * time.Second
	defaultInitialBackoff          = 100 * time.Millisecond
	defaultMaxBackoff              = 60 * time.Second
	defaultMaxRejectedRequests     = 50
	defaultReceiverQueueSize       = 1000
	defaultBatchingMaxMessages     = 1000
	defaultBatchingMaxPublishDelay = 10 * time.Millisecond
	maxLookupRedirects             = 20
)

// ClientOptions configures a Client.
type ClientOptions struct {
	// ServiceURL is the "pulsar://host:port" address used for lookups.
	ServiceURL string
	// Dialer opens physical channels. Defaults to a websocket dialer.
	Dialer transport.Dialer
	// OperationTimeout bounds lookups, producer and consumer creation.
	OperationTimeout time.Duration
	// ConnectionsPerBroker is the size of the pool kept per broker.
	ConnectionsPerBroker int
	// MaxRejectedRequestsPerConnection closes a connection once it has seen
	// more than that many TooManyRequests answers. 0 closes on the first
	// rejection and a negative value never closes.
	MaxRejectedRequestsPerConnection int
	// InitialBackoff and MaxBackoff bound the reconnect delay.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// ProtocolVersion is advertised in the CONNECT handshake.
	ProtocolVersion int32
	Logger          *zap.Logger
}

// DefaultClientOptions returns options with every default filled in.
func DefaultClientOptions(serviceURL string) ClientOptions {
	opts := ClientOptions{
		ServiceURL:                       serviceURL,
		MaxRejectedRequestsPerConnection: defaultMaxRejectedRequests,
	}
	opts.applyDefaults()
	return opts
}

func (o *ClientOptions) applyDefaults() {
	if o.OperationTimeout <= 0 {
		o.OperationTimeout = defaultOperationTimeout
	}
	if o.ConnectionsPerBroker <= 0 {
		o.ConnectionsPerBroker = 1
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = defaultInitialBackoff
	}
	if o.MaxBackoff < o.InitialBackoff {
		o.MaxBackoff = defaultMaxBackoff
		if o.MaxBackoff < o.InitialBackoff {
			o.MaxBackoff = o.InitialBackoff
		}
	}
	if o.ProtocolVersion <= 0 {
		o.ProtocolVersion = protocol.VersionCurrent
	}
	if o.Dialer == nil {
		o.Dialer = transport.WebSocketDialer{HandshakeTimeout: o.OperationTimeout}
	}
}

// ProducerOptions configures a Producer.
type ProducerOptions struct {
	Topic string
	// Name is assigned by the broker when empty.
	Name string

	// BatchingEnabled groups messages into one ledger entry, flushed after
	// BatchingMaxMessages messages or BatchingMaxPublishDelay.
	BatchingEnabled         bool
	BatchingMaxMessages     int
	BatchingMaxPublishDelay time.Duration
}

func (o *ProducerOptions) applyDefaults() {
	if o.BatchingMaxMessages <= 0 {
		o.BatchingMaxMessages = defaultBatchingMaxMessages
	}
	if o.BatchingMaxPublishDelay <= 0 {
		o.BatchingMaxPublishDelay = defaultBatchingMaxPublishDelay
	}
}

// ConsumerOptions configures a Consumer.
type ConsumerOptions struct {
	Topic            string
	SubscriptionName string
	// Type defaults to protocol.SubExclusive.
	Type protocol.SubscriptionType
	Name string
	// ReceiverQueueSize is the number of entries the broker may push ahead
	// of Receive.
	ReceiverQueueSize int
	// MessageListener, when set, is called for every message from a
	// dedicated goroutine instead of the application calling Receive.
	MessageListener func(*Consumer, *Message)
}

func (o *ConsumerOptions) applyDefaults() {
	if o.Type == "" {
		o.Type = protocol.SubExclusive
	}
	if o.ReceiverQueueSize <= 0 {
		o.ReceiverQueueSize = defaultReceiverQueueSize
	}
}

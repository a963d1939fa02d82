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

// Package protocol defines the commands exchanged between clients and brokers
// over a physical connection. Every frame is a single Frame value; which
// fields are meaningful depends on Type.
package protocol

// Protocol versions negotiated in the CONNECT handshake.
const (
	// VersionLegacy is the last version without batched entries.
	VersionLegacy int32 = 3
	// VersionBatchSupport is the first version that understands batched entries.
	VersionBatchSupport int32 = 4
	// VersionCurrent is advertised by default.
	VersionCurrent int32 = 6
)

// CommandType names a frame.
type CommandType string

const (
	CmdConnect          CommandType = "CONNECT"
	CmdConnected        CommandType = "CONNECTED"
	CmdLookup           CommandType = "LOOKUP"
	CmdLookupResponse   CommandType = "LOOKUP_RESPONSE"
	CmdProducer         CommandType = "PRODUCER"
	CmdProducerSuccess  CommandType = "PRODUCER_SUCCESS"
	CmdSubscribe        CommandType = "SUBSCRIBE"
	CmdSuccess          CommandType = "SUCCESS"
	CmdError            CommandType = "ERROR"
	CmdSend             CommandType = "SEND"
	CmdSendReceipt      CommandType = "SEND_RECEIPT"
	CmdSendError        CommandType = "SEND_ERROR"
	CmdMessage          CommandType = "MESSAGE"
	CmdAck              CommandType = "ACK"
	CmdFlow             CommandType = "FLOW"
	CmdRedeliverUnacked CommandType = "REDELIVER_UNACKED"
	CmdCloseProducer    CommandType = "CLOSE_PRODUCER"
	CmdCloseConsumer    CommandType = "CLOSE_CONSUMER"
	CmdPing             CommandType = "PING"
	CmdPong             CommandType = "PONG"
)

// SubscriptionType selects how a subscription spreads entries over its consumers.
type SubscriptionType string

const (
	SubExclusive SubscriptionType = "Exclusive"
	SubShared    SubscriptionType = "Shared"
	SubFailover  SubscriptionType = "Failover"
)

// Valid reports whether t is a known subscription type.
func (t SubscriptionType) Valid() bool {
	switch t {
	case SubExclusive, SubShared, SubFailover:
		return true
	}
	return false
}

// LookupType is the outcome carried by a LOOKUP_RESPONSE.
type LookupType string

const (
	LookupConnect  LookupType = "Connect"
	LookupRedirect LookupType = "Redirect"
	LookupFailed   LookupType = "Failed"
)

// MessageID addresses one message: an entry of the topic ledger plus the
// index inside a batched entry.
type MessageID struct {
	EntryID    uint64 `json:"entry_id"`
	BatchIndex int32  `json:"batch_index"`
	BatchSize  int32  `json:"batch_size,omitempty"`
}

// SingleMessage is one logical message. A SEND or MESSAGE frame carries one
// of them, or several when the entry is batched.
type SingleMessage struct {
	Key        string            `json:"key,omitempty"`
	Payload    []byte            `json:"payload"`
	Properties map[string]string `json:"properties,omitempty"`
	EventTime  int64             `json:"event_time,omitempty"`
}

// Frame is the unit of exchange on a connection.
type Frame struct {
	Type CommandType `json:"type"`

	RequestID  uint64 `json:"request_id,omitempty"`
	ProducerID uint64 `json:"producer_id,omitempty"`
	ConsumerID uint64 `json:"consumer_id,omitempty"`

	// CONNECT / CONNECTED
	ProtocolVersion int32  `json:"protocol_version,omitempty"`
	ClientVersion   string `json:"client_version,omitempty"`

	// LOOKUP / PRODUCER / SUBSCRIBE
	Topic         string           `json:"topic,omitempty"`
	Subscription  string           `json:"subscription,omitempty"`
	SubType       SubscriptionType `json:"sub_type,omitempty"`
	ConsumerName  string           `json:"consumer_name,omitempty"`
	ProducerName  string           `json:"producer_name,omitempty"`
	Authoritative bool             `json:"authoritative,omitempty"`

	// LOOKUP_RESPONSE
	LookupType LookupType `json:"lookup_type,omitempty"`
	BrokerURL  string     `json:"broker_url,omitempty"`

	// SEND / SEND_RECEIPT / MESSAGE / ACK
	SequenceID      uint64          `json:"sequence_id,omitempty"`
	MessageID       *MessageID      `json:"message_id,omitempty"`
	PublishTime     int64           `json:"publish_time,omitempty"`
	Batched         bool            `json:"batched,omitempty"`
	Messages        []SingleMessage `json:"messages,omitempty"`
	RedeliveryCount uint32          `json:"redelivery_count,omitempty"`

	// FLOW
	Permits uint32 `json:"permits,omitempty"`

	// ERROR / SEND_ERROR / LOOKUP_RESPONSE(Failed)
	Error        ServerError `json:"error,omitempty"`
	ErrorMessage string      `json:"error_message,omitempty"`
}

// IsResponse reports whether f answers a request identified by RequestID.
func (f *Frame) IsResponse() bool {
	switch f.Type {
	case CmdConnected, CmdLookupResponse, CmdProducerSuccess, CmdSuccess, CmdError:
		return true
	}
	return false
}

// NewError builds an ERROR frame for requestID.
func NewError(requestID uint64, code ServerError, msg string) *Frame {
	return &Frame{Type: CmdError, RequestID: requestID, Error: code, ErrorMessage: msg}
}

// NewSuccess builds a SUCCESS frame for requestID.
func NewSuccess(requestID uint64) *Frame {
	return &Frame{Type: CmdSuccess, RequestID: requestID}
}

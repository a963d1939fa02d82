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

package broker

import (
	"errors"

	"github.com/turtacn/pulsar-go/pkg/admission"
	"github.com/turtacn/pulsar-go/pkg/naming"
	"github.com/turtacn/pulsar-go/pkg/protocol"
	"github.com/turtacn/pulsar-go/pkg/storage"
)

var (
	// ErrIncompatibleConsumer is logged when a consumer is closed because its
	// protocol version cannot decode batched entries.
	ErrIncompatibleConsumer = errors.New("consumer does not support batched entries")
	// ErrSubscriptionNotFound is returned for cursor operations on an unknown
	// subscription.
	ErrSubscriptionNotFound = errors.New("subscription not found")
	// ErrInvalidTimestamp rejects a negative reset timestamp.
	ErrInvalidTimestamp = errors.New("invalid timestamp")
	// ErrBundleNotOwned means the bundle is not served by this broker.
	ErrBundleNotOwned = errors.New("bundle not owned by this broker")
	// ErrBundleUnloading means the bundle is being released.
	ErrBundleUnloading = errors.New("bundle is being unloaded")
	// ErrBundleOwnedElsewhere is returned when another broker won the
	// ownership record.
	ErrBundleOwnedElsewhere = errors.New("bundle owned by another broker")
	// ErrBrokerDisabled is returned once the broker stopped taking bundles.
	ErrBrokerDisabled = errors.New("broker is disabled")
	// ErrTopicClosed is returned by operations on a topic being unloaded.
	ErrTopicClosed = errors.New("topic is closed")
	// ErrConsumerBusy rejects a consumer the subscription cannot take.
	ErrConsumerBusy = errors.New("subscription cannot take another consumer")
	// ErrNoForwarder is returned when an admin operation targets a bundle
	// owned by another broker and no cluster client is installed.
	ErrNoForwarder = errors.New("no cluster forwarder configured")
	// ErrProducerBusy rejects a producer whose name is already in use.
	ErrProducerBusy = errors.New("producer with the same name is already connected")
	// ErrClosedWhileAttaching answers a producer or subscribe request the
	// client closed before it completed.
	ErrClosedWhileAttaching = errors.New("closed before the attach completed")
)

// serverErrorCode maps an internal error onto the wire code sent to clients.
func serverErrorCode(err error) protocol.ServerError {
	switch {
	case errors.Is(err, admission.ErrServiceBusy):
		return protocol.ErrCodeTooManyRequests
	case errors.Is(err, ErrBundleNotOwned):
		return protocol.ErrCodeServiceNotReady
	case errors.Is(err, ErrBundleUnloading), errors.Is(err, ErrBrokerDisabled),
		errors.Is(err, ErrTopicClosed), errors.Is(err, ErrBundleOwnedElsewhere):
		return protocol.ErrCodeServiceUnitNotReady
	case errors.Is(err, naming.ErrInvalidTopic):
		return protocol.ErrCodeInvalidTopic
	case errors.Is(err, ErrConsumerBusy):
		return protocol.ErrCodeConsumerBusy
	case errors.Is(err, ErrProducerBusy):
		return protocol.ErrCodeProducerBusy
	case errors.Is(err, ErrSubscriptionNotFound):
		return protocol.ErrCodeTopicNotFound
	case errors.Is(err, storage.ErrNotFound):
		return protocol.ErrCodeMetadataError
	}
	return protocol.ErrCodeUnknown
}

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
	"errors"
	"fmt"

	"github.com/turtacn/pulsar-go/pkg/protocol"
)

var (
	// ErrNotConnected is returned when a producer or consumer is used while
	// it is not attached to a broker.
	ErrNotConnected = errors.New("not connected")
	// ErrConnectionLost fails requests pending on a connection that went away.
	ErrConnectionLost = errors.New("connection lost")
	// ErrServiceBusy wraps TooManyRequests answers from the broker.
	ErrServiceBusy = errors.New("service busy")
	// ErrAlreadyClosed is returned by operations on a closed handle.
	ErrAlreadyClosed = errors.New("already closed")
	// ErrClientClosed is returned by operations on a closed client.
	ErrClientClosed = errors.New("client closed")
	// ErrTooManyRedirects ends a lookup that keeps being redirected.
	ErrTooManyRedirects = errors.New("too many lookup redirects")
)

// serverError converts an error answer into a Go error. TooManyRequests
// matches both ErrServiceBusy and its protocol.Error.
func serverError(f *protocol.Frame) error {
	perr := protocol.AsError(f)
	if f.Error == protocol.ErrCodeTooManyRequests {
		return fmt.Errorf("%w: %w", ErrServiceBusy, perr)
	}
	return perr
}

// isRetriable reports whether a failed attach may succeed later.
func isRetriable(err error) bool {
	if errors.Is(err, ErrAlreadyClosed) || errors.Is(err, ErrClientClosed) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var perr *protocol.Error
	if errors.As(err, &perr) {
		return perr.Code.Retriable()
	}
	return true
}

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

// Package actor holds the mailbox based worker primitives shared by the
// broker's background loops and its per-connection writers.
package actor

import (
	"context"
	"errors"
)

// ErrMailboxFull is returned by TrySend when the buffer has no room.
var ErrMailboxFull = errors.New("mailbox full")

// Actor is a long running worker. Start blocks until ctx is cancelled or the
// worker fails; messages arrive through mb.
type Actor interface {
	Start(ctx context.Context, mb *Mailbox) error
}

// Func adapts a plain function to the Actor interface.
type Func func(ctx context.Context, mb *Mailbox) error

// Start calls f.
func (f Func) Start(ctx context.Context, mb *Mailbox) error {
	return f(ctx, mb)
}

// Mailbox is a buffered, channel based message queue.
type Mailbox struct {
	messages chan any
}

// NewMailbox creates a new mailbox with the given buffer size.
func NewMailbox(size int) *Mailbox {
	return &Mailbox{
		messages: make(chan any, size),
	}
}

// Send puts a message into the mailbox, blocking while the buffer is full.
func (mb *Mailbox) Send(msg any) {
	mb.messages <- msg
}

// SendContext is like Send but gives up when ctx is done.
func (mb *Mailbox) SendContext(ctx context.Context, msg any) error {
	select {
	case mb.messages <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySend enqueues msg only if there is room.
func (mb *Mailbox) TrySend(msg any) error {
	select {
	case mb.messages <- msg:
		return nil
	default:
		return ErrMailboxFull
	}
}

// Receive blocks until a message is received from the mailbox or the context
// is canceled.
func (mb *Mailbox) Receive(ctx context.Context) (any, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg := <-mb.messages:
		return msg, nil
	}
}

// Chan returns the underlying message channel for use in select statements.
func (mb *Mailbox) Chan() <-chan any {
	return mb.messages
}

// Len reports the number of queued messages.
func (mb *Mailbox) Len() int {
	return len(mb.messages)
}

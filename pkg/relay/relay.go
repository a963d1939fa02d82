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

// Package relay copies messages from a pulsar-go subscription into a sink
// and settles each one on the subscription once the sink reports back.
package relay

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/turtacn/pulsar-go/pkg/actor"
	"github.com/turtacn/pulsar-go/pkg/client"
	"github.com/turtacn/pulsar-go/pkg/logger"
	"github.com/turtacn/pulsar-go/pkg/metrics"
	"github.com/turtacn/pulsar-go/pkg/sink"
)

// Source is the consumer side of a Relay. *client.Consumer satisfies it.
type Source interface {
	Receive(ctx context.Context) (*client.Message, error)
	Ack(msg *client.Message) error
	Nack(msg *client.Message)
}

// Relay feeds every message received from a subscription into a sink.
// A stored record is acknowledged on the subscription; a rejected one is
// negatively acknowledged so that the broker redelivers it.
type Relay struct {
	source Source
	sink   sink.Sink
	log    *zap.Logger
}

// New wires source to s.
func New(source Source, s sink.Sink, log *zap.Logger) *Relay {
	return &Relay{
		source: source,
		sink:   s,
		log:    logger.OrNop(log).Named("relay"),
	}
}

var _ actor.Actor = (*Relay)(nil)

// Start runs the copy loop under a supervisor.
func (r *Relay) Start(ctx context.Context, _ *actor.Mailbox) error {
	return r.Run(ctx)
}

// Run copies messages until ctx is cancelled or the source fails.
func (r *Relay) Run(ctx context.Context) error {
	for {
		msg, err := r.source.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("relay: receive: %w", err)
		}

		rec := r.record(msg)
		if err := r.sink.Write(ctx, rec); err != nil {
			rec.Fail(err)
			if ctx.Err() != nil || errors.Is(err, sink.ErrSinkClosed) {
				return nil
			}
			return fmt.Errorf("relay: write: %w", err)
		}
	}
}

func (r *Relay) record(m *client.Message) sink.Record {
	name := r.sink.Name()
	rec := sink.NewRecord(m.Key, m.Payload, m.Properties,
		func() {
			metrics.SinkMessagesTotal.WithLabelValues(name, "acked").Inc()
			if err := r.source.Ack(m); err != nil {
				r.log.Warn("ack failed", zap.Uint64("entry_id", m.ID.EntryID), zap.Error(err))
			}
		},
		func(err error) {
			metrics.SinkMessagesTotal.WithLabelValues(name, "failed").Inc()
			r.log.Debug("record failed, requesting redelivery", zap.Uint64("entry_id", m.ID.EntryID), zap.Error(err))
			r.source.Nack(m)
		})
	if !m.EventTime.IsZero() {
		rec.EventTime = m.EventTime.UnixMilli()
	}
	return rec
}

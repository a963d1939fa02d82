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

package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/pulsar-go/pkg/client"
	"github.com/turtacn/pulsar-go/pkg/protocol"
	"github.com/turtacn/pulsar-go/pkg/sink"
)

type fakeSource struct {
	mu     sync.Mutex
	queue  chan *client.Message
	acked  []uint64
	nacked []uint64
}

func (f *fakeSource) Receive(ctx context.Context) (*client.Message, error) {
	select {
	case m := <-f.queue:
		return m, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeSource) Ack(m *client.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, m.ID.EntryID)
	return nil
}

func (f *fakeSource) Nack(m *client.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nacked = append(f.nacked, m.ID.EntryID)
}

func (f *fakeSource) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.acked), len(f.nacked)
}

// oddFailSink acks even sized payloads and fails odd ones.
type oddFailSink struct{}

func (oddFailSink) Name() string { return "test" }
func (oddFailSink) Close() error { return nil }
func (oddFailSink) Write(_ context.Context, r sink.Record) error {
	if len(r.Value)%2 == 0 {
		go r.Ack()
	} else {
		go r.Fail(errors.New("rejected"))
	}
	return nil
}

func TestRelay_AckAndNack(t *testing.T) {
	src := &fakeSource{queue: make(chan *client.Message, 10)}
	for i := 1; i <= 6; i++ {
		src.queue <- &client.Message{
			ID:      protocol.MessageID{EntryID: uint64(i), BatchIndex: -1},
			Payload: make([]byte, i),
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- New(src, oddFailSink{}, nil).Run(ctx) }()

	assert.Eventually(t, func() bool {
		a, n := src.counts()
		return a == 3 && n == 3
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
	src.mu.Lock()
	assert.ElementsMatch(t, []uint64{2, 4, 6}, src.acked)
	assert.ElementsMatch(t, []uint64{1, 3, 5}, src.nacked)
	src.mu.Unlock()
}

func TestRelay_EventTimeReachesKafka(t *testing.T) {
	eventTime := time.UnixMilli(1_700_000_000_123)

	sc := mocks.NewTestConfig()
	sc.Producer.Return.Successes = true
	mp := mocks.NewAsyncProducer(t, sc)
	seen := make(chan *sarama.ProducerMessage, 2)
	check := func(m *sarama.ProducerMessage) error {
		seen <- m
		return nil
	}
	mp.ExpectInputWithMessageCheckerFunctionAndSucceed(check)
	mp.ExpectInputWithMessageCheckerFunctionAndSucceed(check)
	out := sink.NewSaramaSinkFromProducer("out", mp, nil)

	src := &fakeSource{queue: make(chan *client.Message, 2)}
	src.queue <- &client.Message{
		ID:        protocol.MessageID{EntryID: 1, BatchIndex: -1},
		Key:       "k",
		Payload:   []byte("with-time"),
		EventTime: eventTime,
	}
	src.queue <- &client.Message{
		ID:      protocol.MessageID{EntryID: 2, BatchIndex: -1},
		Payload: []byte("without-time"),
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- New(src, out, nil).Run(ctx) }()

	var msgs []*sarama.ProducerMessage
	for len(msgs) < 2 {
		select {
		case m := <-seen:
			msgs = append(msgs, m)
		case <-time.After(2 * time.Second):
			t.Fatal("records did not reach the producer")
		}
	}
	assert.True(t, eventTime.Equal(msgs[0].Timestamp), "got %v", msgs[0].Timestamp)
	assert.True(t, msgs[1].Timestamp.IsZero())

	assert.Eventually(t, func() bool {
		a, _ := src.counts()
		return a == 2
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
	require.NoError(t, out.Close())
}

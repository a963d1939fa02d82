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
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/pulsar-go/pkg/config"
	"github.com/turtacn/pulsar-go/pkg/protocol"
	"github.com/turtacn/pulsar-go/pkg/storage"
	"github.com/turtacn/pulsar-go/pkg/storage/messages"
	"github.com/turtacn/pulsar-go/pkg/transport"
)

const testTopic = "persistent://public/default/orders"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// testEnv is a set of brokers sharing one metadata store and one message
// storage over an in-memory network.
type testEnv struct {
	t       *testing.T
	network *transport.MemNetwork
	store   *storage.MemStore
	ledgers *messages.MessageStorage
	clock   *fakeClock
}

func newTestEnv(t *testing.T) *testEnv {
	ledgers, err := messages.NewMessageStorage(nil)
	require.NoError(t, err)
	t.Cleanup(func() { ledgers.Close() })
	clock := &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
	ledgers.SetClock(clock.Now)
	return &testEnv{
		t:       t,
		network: transport.NewMemNetwork(),
		store:   storage.NewMemStore(),
		ledgers: ledgers,
		clock:   clock,
	}
}

func (e *testEnv) brokerConfig(name string) config.BrokerConfig {
	cfg := config.DefaultConfig().Broker
	cfg.NodeID = name
	cfg.ServiceAddr = name + ":6650"
	cfg.AdvertisedAddr = name + ":6650"
	cfg.GRPCAddr = ""
	cfg.ActiveConsumerFailoverDelay = 0
	return cfg
}

func (e *testEnv) startBroker(name string) *Broker {
	return e.startBrokerWith(e.brokerConfig(name))
}

func (e *testEnv) startBrokerWith(cfg config.BrokerConfig) *Broker {
	ctx := context.Background()
	b, err := New(ctx, cfg, e.store, e.ledgers, nil)
	require.NoError(e.t, err)
	ln, err := e.network.Listen(cfg.ServiceAddr)
	require.NoError(e.t, err)
	require.NoError(e.t, b.Start(ctx, ln))
	e.t.Cleanup(func() { _ = b.Close(context.Background()) })
	return b
}

// rawClient speaks the wire protocol directly.
type rawClient struct {
	t       *testing.T
	conn    transport.Conn
	frames  chan *protocol.Frame
	backlog []*protocol.Frame
	reqID   uint64
	version int32
}

func (e *testEnv) dial(b *Broker, version int32) *rawClient {
	addr, err := transport.HostPort(b.URL())
	require.NoError(e.t, err)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	c, err := e.network.Dial(ctx, addr)
	require.NoError(e.t, err)
	e.t.Cleanup(func() { c.Close() })

	require.NoError(e.t, c.WriteFrame(&protocol.Frame{Type: protocol.CmdConnect, ProtocolVersion: version, ClientVersion: "raw"}))
	f, err := c.ReadFrame()
	require.NoError(e.t, err)
	require.Equal(e.t, protocol.CmdConnected, f.Type)

	rc := &rawClient{t: e.t, conn: c, frames: make(chan *protocol.Frame, 256), version: f.ProtocolVersion}
	go func() {
		defer close(rc.frames)
		for {
			f, err := c.ReadFrame()
			if err != nil {
				return
			}
			rc.frames <- f
		}
	}()
	return rc
}

func (rc *rawClient) write(f *protocol.Frame) {
	require.NoError(rc.t, rc.conn.WriteFrame(f))
}

func (rc *rawClient) request(f *protocol.Frame) *protocol.Frame {
	rc.reqID++
	f.RequestID = rc.reqID
	rc.write(f)
	id := f.RequestID
	return rc.expect(func(r *protocol.Frame) bool { return r.IsResponse() && r.RequestID == id })
}

// expect returns the first frame matching match. Frames that do not match
// are kept for later calls.
func (rc *rawClient) expect(match func(*protocol.Frame) bool) *protocol.Frame {
	for i, f := range rc.backlog {
		if match(f) {
			rc.backlog = append(rc.backlog[:i], rc.backlog[i+1:]...)
			return f
		}
	}
	timeout := time.After(3 * time.Second)
	for {
		select {
		case f, ok := <-rc.frames:
			if !ok {
				rc.t.Fatal("connection closed while waiting for a frame")
			}
			if match(f) {
				return f
			}
			rc.backlog = append(rc.backlog, f)
		case <-timeout:
			rc.t.Fatal("timed out waiting for a frame")
		}
	}
}

func (rc *rawClient) expectType(ct protocol.CommandType) *protocol.Frame {
	return rc.expect(func(f *protocol.Frame) bool { return f.Type == ct })
}

func (rc *rawClient) expectNone(ct protocol.CommandType, wait time.Duration) {
	for _, f := range rc.backlog {
		require.NotEqual(rc.t, ct, f.Type)
	}
	timeout := time.After(wait)
	for {
		select {
		case f, ok := <-rc.frames:
			if !ok {
				return
			}
			require.NotEqual(rc.t, ct, f.Type, "unexpected %s", ct)
			rc.backlog = append(rc.backlog, f)
		case <-timeout:
			return
		}
	}
}

func (rc *rawClient) expectClosed() {
	timeout := time.After(3 * time.Second)
	for {
		select {
		case _, ok := <-rc.frames:
			if !ok {
				return
			}
		case <-timeout:
			rc.t.Fatal("connection still open")
		}
	}
}

func (rc *rawClient) lookup(topic string, authoritative bool) *protocol.Frame {
	return rc.request(&protocol.Frame{Type: protocol.CmdLookup, Topic: topic, Authoritative: authoritative})
}

func (rc *rawClient) producer(id uint64, topic string) *protocol.Frame {
	return rc.request(&protocol.Frame{Type: protocol.CmdProducer, ProducerID: id, Topic: topic})
}

func (rc *rawClient) subscribe(id uint64, topic, sub string, subType protocol.SubscriptionType) *protocol.Frame {
	return rc.request(&protocol.Frame{
		Type:         protocol.CmdSubscribe,
		ConsumerID:   id,
		Topic:        topic,
		Subscription: sub,
		SubType:      subType,
		ConsumerName: "raw-consumer",
	})
}

func (rc *rawClient) send(producerID, seq uint64, batched bool, payloads ...string) *protocol.Frame {
	msgs := make([]protocol.SingleMessage, 0, len(payloads))
	for _, p := range payloads {
		msgs = append(msgs, protocol.SingleMessage{Payload: []byte(p)})
	}
	rc.write(&protocol.Frame{
		Type:       protocol.CmdSend,
		ProducerID: producerID,
		SequenceID: seq,
		Batched:    batched,
		Messages:   msgs,
	})
	return rc.expect(func(f *protocol.Frame) bool {
		return (f.Type == protocol.CmdSendReceipt || f.Type == protocol.CmdSendError) && f.SequenceID == seq
	})
}

func (rc *rawClient) flow(consumerID uint64, permits uint32) {
	rc.write(&protocol.Frame{Type: protocol.CmdFlow, ConsumerID: consumerID, Permits: permits})
}

func (rc *rawClient) ack(consumerID, entryID uint64) {
	rc.write(&protocol.Frame{Type: protocol.CmdAck, ConsumerID: consumerID, MessageID: &protocol.MessageID{EntryID: entryID, BatchIndex: -1}})
}

func (rc *rawClient) message(consumerID uint64) *protocol.Frame {
	return rc.expect(func(f *protocol.Frame) bool { return f.Type == protocol.CmdMessage && f.ConsumerID == consumerID })
}

func TestHandshake_VersionNegotiation(t *testing.T) {
	env := newTestEnv(t)
	b := env.startBroker("broker-a")

	assert.Equal(t, protocol.VersionCurrent, env.dial(b, 99).version)
	assert.Equal(t, protocol.VersionBatchSupport, env.dial(b, protocol.VersionBatchSupport).version)
	assert.Equal(t, protocol.VersionLegacy, env.dial(b, 0).version)
}

func TestBroker_LookupProduceConsume(t *testing.T) {
	env := newTestEnv(t)
	b := env.startBroker("broker-a")
	rc := env.dial(b, protocol.VersionCurrent)

	resp := rc.lookup(testTopic, false)
	require.Equal(t, protocol.LookupConnect, resp.LookupType)
	assert.Equal(t, b.URL(), resp.BrokerURL)

	_, bnd, err := b.Namespaces().BundleOf(testTopic)
	require.NoError(t, err)
	assert.Equal(t, []string{bnd.String()}, b.OwnedBundles())

	resp = rc.producer(1, testTopic)
	require.Equal(t, protocol.CmdProducerSuccess, resp.Type)
	assert.NotEmpty(t, resp.ProducerName)

	resp = rc.subscribe(7, testTopic, "audit", protocol.SubShared)
	require.Equal(t, protocol.CmdSuccess, resp.Type)
	rc.flow(7, 10)

	receipt := rc.send(1, 1, false, "hello")
	require.Equal(t, protocol.CmdSendReceipt, receipt.Type)
	require.NotNil(t, receipt.MessageID)
	assert.Equal(t, uint64(0), receipt.MessageID.EntryID)

	msg := rc.message(7)
	require.Len(t, msg.Messages, 1)
	assert.Equal(t, "hello", string(msg.Messages[0].Payload))
	assert.False(t, msg.Batched)
	rc.ack(7, msg.MessageID.EntryID)

	require.Eventually(t, func() bool {
		st, err := b.SubscriptionStats(testTopic, "audit")
		return err == nil && st.MarkDelete == 1 && st.Backlog == 0
	}, 2*time.Second, 10*time.Millisecond)

	names, err := b.Subscriptions(context.Background(), testTopic)
	require.NoError(t, err)
	assert.Equal(t, []string{"audit"}, names)

	conns := b.Connections()
	require.Len(t, conns, 1)
	assert.Equal(t, 1, conns[0].Producers)
	assert.Equal(t, 1, conns[0].Consumers)
}

func TestBroker_ExclusiveRejectsSecondConsumer(t *testing.T) {
	env := newTestEnv(t)
	b := env.startBroker("broker-a")
	first := env.dial(b, protocol.VersionCurrent)
	second := env.dial(b, protocol.VersionCurrent)

	require.Equal(t, protocol.LookupConnect, first.lookup(testTopic, false).LookupType)
	require.Equal(t, protocol.CmdSuccess, first.subscribe(1, testTopic, "only", protocol.SubExclusive).Type)

	resp := second.subscribe(1, testTopic, "only", protocol.SubExclusive)
	require.Equal(t, protocol.CmdError, resp.Type)
	assert.Equal(t, protocol.ErrCodeConsumerBusy, resp.Error)

	// A different type is rejected too while a consumer is attached.
	resp = second.subscribe(2, testTopic, "only", protocol.SubShared)
	assert.Equal(t, protocol.ErrCodeConsumerBusy, resp.Error)
}

func TestBroker_DuplicateProducerName(t *testing.T) {
	env := newTestEnv(t)
	b := env.startBroker("broker-a")
	rc := env.dial(b, protocol.VersionCurrent)
	rc.lookup(testTopic, false)

	resp := rc.request(&protocol.Frame{Type: protocol.CmdProducer, ProducerID: 1, Topic: testTopic, ProducerName: "p"})
	require.Equal(t, protocol.CmdProducerSuccess, resp.Type)
	assert.Equal(t, "p", resp.ProducerName)

	resp = rc.request(&protocol.Frame{Type: protocol.CmdProducer, ProducerID: 2, Topic: testTopic, ProducerName: "p"})
	assert.Equal(t, protocol.ErrCodeProducerBusy, resp.Error)
}

func TestBroker_NotOwnedAnswersServiceNotReady(t *testing.T) {
	env := newTestEnv(t)
	a := env.startBroker("broker-a")
	b := env.startBroker("broker-b")

	ra := env.dial(a, protocol.VersionCurrent)
	require.Equal(t, protocol.LookupConnect, ra.lookup(testTopic, true).LookupType)

	rb := env.dial(b, protocol.VersionCurrent)
	resp := rb.producer(1, testTopic)
	require.Equal(t, protocol.CmdError, resp.Type)
	assert.Equal(t, protocol.ErrCodeServiceNotReady, resp.Error)

	// A lookup on the other broker points at the owner.
	resp = rb.lookup(testTopic, false)
	require.Equal(t, protocol.LookupConnect, resp.LookupType)
	assert.Equal(t, a.URL(), resp.BrokerURL)
}

func TestBroker_LookupRedirectsToSelectedBroker(t *testing.T) {
	env := newTestEnv(t)
	a := env.startBroker("broker-a")
	b := env.startBroker("broker-b")
	brokers := map[string]*Broker{a.URL(): a, b.URL(): b}

	rc := env.dial(a, protocol.VersionCurrent)
	resp := rc.lookup(testTopic, false)
	owner := a
	if resp.LookupType == protocol.LookupRedirect {
		assert.True(t, resp.Authoritative)
		owner = brokers[resp.BrokerURL]
		require.NotNil(t, owner)
		resp = env.dial(owner, protocol.VersionCurrent).lookup(testTopic, resp.Authoritative)
	}
	require.Equal(t, protocol.LookupConnect, resp.LookupType)
	assert.Equal(t, owner.URL(), resp.BrokerURL)
	assert.Len(t, owner.OwnedBundles(), 1)
}

func TestBroker_UnloadClosesHandlesAndConnection(t *testing.T) {
	env := newTestEnv(t)
	b := env.startBroker("broker-a")
	rc := env.dial(b, protocol.VersionCurrent)
	rc.lookup(testTopic, false)
	require.Equal(t, protocol.CmdProducerSuccess, rc.producer(1, testTopic).Type)

	_, bnd, err := b.Namespaces().BundleOf(testTopic)
	require.NoError(t, err)
	require.NoError(t, b.Unload(context.Background(), bnd.String()))

	f := rc.expectType(protocol.CmdCloseProducer)
	assert.Equal(t, uint64(1), f.ProducerID)
	rc.expectClosed()
	assert.Empty(t, b.OwnedBundles())

	_, owned, err := b.Namespaces().Owner(context.Background(), bnd)
	require.NoError(t, err)
	assert.False(t, owned)

	err = b.Unload(context.Background(), bnd.String())
	assert.ErrorIs(t, err, ErrBundleNotOwned)
}

func TestBroker_UnloadKeepsConnectionsWithOtherHandles(t *testing.T) {
	env := newTestEnv(t)
	b := env.startBroker("broker-a")
	rc := env.dial(b, protocol.VersionCurrent)

	// Find a topic in another bundle.
	_, first, err := b.Namespaces().BundleOf(testTopic)
	require.NoError(t, err)
	other := ""
	for _, name := range []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j"} {
		topic := "persistent://public/default/" + name
		_, bnd, err := b.Namespaces().BundleOf(topic)
		require.NoError(t, err)
		if bnd != first {
			other = topic
			break
		}
	}
	require.NotEmpty(t, other)

	rc.lookup(testTopic, false)
	rc.lookup(other, false)
	require.Equal(t, protocol.CmdProducerSuccess, rc.producer(1, testTopic).Type)
	require.Equal(t, protocol.CmdProducerSuccess, rc.producer(2, other).Type)

	require.NoError(t, b.Unload(context.Background(), first.String()))
	f := rc.expectType(protocol.CmdCloseProducer)
	assert.Equal(t, uint64(1), f.ProducerID)

	// The connection still serves the producer of the other bundle.
	receipt := rc.send(2, 1, false, "still here")
	assert.Equal(t, protocol.CmdSendReceipt, receipt.Type)
	assert.Len(t, b.OwnedBundles(), 1)
}

func TestBroker_BatchedEntryClosesLegacyConsumer(t *testing.T) {
	env := newTestEnv(t)
	b := env.startBroker("broker-a")
	prod := env.dial(b, protocol.VersionCurrent)
	legacy := env.dial(b, protocol.VersionLegacy)
	modern := env.dial(b, protocol.VersionCurrent)

	prod.lookup(testTopic, false)
	require.Equal(t, protocol.CmdProducerSuccess, prod.producer(1, testTopic).Type)
	require.Equal(t, protocol.CmdSuccess, legacy.subscribe(1, testTopic, "mixed", protocol.SubShared).Type)
	legacy.flow(1, 10)

	// Plain entries reach any consumer.
	require.Equal(t, protocol.CmdSendReceipt, prod.send(1, 1, false, "plain").Type)
	msg := legacy.message(1)
	assert.Equal(t, "plain", string(msg.Messages[0].Payload))
	legacy.ack(1, msg.MessageID.EntryID)
	require.Eventually(t, func() bool {
		st, err := b.SubscriptionStats(testTopic, "mixed")
		return err == nil && st.MarkDelete == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.Equal(t, protocol.CmdSendReceipt, prod.send(1, 2, true, "b0", "b1").Type)
	closed := legacy.expectType(protocol.CmdCloseConsumer)
	assert.Equal(t, uint64(1), closed.ConsumerID)

	// The batched entry goes to the next compatible consumer.
	require.Equal(t, protocol.CmdSuccess, modern.subscribe(5, testTopic, "mixed", protocol.SubShared).Type)
	modern.flow(5, 10)
	msg = modern.message(5)
	assert.True(t, msg.Batched)
	assert.Equal(t, uint64(1), msg.MessageID.EntryID)
	require.Len(t, msg.Messages, 2)
	assert.Equal(t, "b1", string(msg.Messages[1].Payload))
}

func TestBroker_RedeliveryAfterConsumerLeaves(t *testing.T) {
	env := newTestEnv(t)
	b := env.startBroker("broker-a")
	rc := env.dial(b, protocol.VersionCurrent)
	rc.lookup(testTopic, false)
	require.Equal(t, protocol.CmdProducerSuccess, rc.producer(1, testTopic).Type)
	require.Equal(t, protocol.CmdSuccess, rc.subscribe(1, testTopic, "work", protocol.SubShared).Type)
	rc.flow(1, 10)
	rc.send(1, 1, false, "job")
	first := rc.message(1)
	assert.Zero(t, first.RedeliveryCount)

	require.Equal(t, protocol.CmdSuccess, rc.request(&protocol.Frame{Type: protocol.CmdCloseConsumer, ConsumerID: 1}).Type)

	require.Equal(t, protocol.CmdSuccess, rc.subscribe(2, testTopic, "work", protocol.SubShared).Type)
	rc.flow(2, 10)
	again := rc.message(2)
	assert.Equal(t, first.MessageID.EntryID, again.MessageID.EntryID)
	assert.Equal(t, uint32(1), again.RedeliveryCount)
}

func TestBroker_ResetCursor(t *testing.T) {
	env := newTestEnv(t)
	b := env.startBroker("broker-a")
	rc := env.dial(b, protocol.VersionCurrent)
	rc.lookup(testTopic, false)
	require.Equal(t, protocol.CmdProducerSuccess, rc.producer(1, testTopic).Type)
	require.Equal(t, protocol.CmdSuccess, rc.subscribe(1, testTopic, "replay", protocol.SubExclusive).Type)
	rc.flow(1, 10)

	var stamps []int64
	for i := uint64(1); i <= 3; i++ {
		rc.send(1, i, false, "m")
		m := rc.message(1)
		stamps = append(stamps, m.PublishTime)
		rc.ack(1, m.MessageID.EntryID)
	}

	ctx := context.Background()
	assert.ErrorIs(t, b.ResetCursor(ctx, testTopic, "replay", -1), ErrInvalidTimestamp)
	assert.ErrorIs(t, b.ResetCursor(ctx, testTopic, "missing", stamps[1]), ErrSubscriptionNotFound)

	require.NoError(t, b.ResetCursor(ctx, testTopic, "replay", stamps[1]))
	rc.expectType(protocol.CmdCloseConsumer)

	require.Equal(t, protocol.CmdSuccess, rc.subscribe(2, testTopic, "replay", protocol.SubExclusive).Type)
	rc.flow(2, 10)
	assert.Equal(t, uint64(1), rc.message(2).MessageID.EntryID)
	assert.Equal(t, uint64(2), rc.message(2).MessageID.EntryID)

	// The same timestamp again leaves the consumer alone.
	require.NoError(t, b.ResetCursor(ctx, testTopic, "replay", stamps[1]))
	rc.expectNone(protocol.CmdCloseConsumer, 200*time.Millisecond)

	var st cursorState
	require.NoError(t, storage.GetJSON(ctx, env.store, cursorKey(testTopic, "replay"), &st))
	assert.Equal(t, stamps[1], st.LastReset)
	assert.Equal(t, uint64(1), st.MarkDelete)
}

func TestBroker_CursorSurvivesUnload(t *testing.T) {
	env := newTestEnv(t)
	b := env.startBroker("broker-a")
	rc := env.dial(b, protocol.VersionCurrent)
	rc.lookup(testTopic, false)
	require.Equal(t, protocol.CmdProducerSuccess, rc.producer(1, testTopic).Type)
	require.Equal(t, protocol.CmdSuccess, rc.subscribe(1, testTopic, "durable", protocol.SubFailover).Type)
	rc.flow(1, 10)
	rc.send(1, 1, false, "one")
	rc.send(1, 2, false, "two")
	rc.ack(1, rc.message(1).MessageID.EntryID)
	rc.message(1)

	require.Eventually(t, func() bool {
		st, err := b.SubscriptionStats(testTopic, "durable")
		return err == nil && st.MarkDelete == 1
	}, 2*time.Second, 10*time.Millisecond)

	_, bnd, err := b.Namespaces().BundleOf(testTopic)
	require.NoError(t, err)
	require.NoError(t, b.Unload(context.Background(), bnd.String()))
	rc.expectClosed()

	names, err := b.Subscriptions(context.Background(), testTopic)
	require.NoError(t, err)
	assert.Equal(t, []string{"durable"}, names)

	rc = env.dial(b, protocol.VersionCurrent)
	require.Equal(t, protocol.LookupConnect, rc.lookup(testTopic, false).LookupType)
	require.Equal(t, protocol.CmdSuccess, rc.subscribe(3, testTopic, "durable", protocol.SubFailover).Type)
	rc.flow(3, 10)
	m := rc.message(3)
	assert.Equal(t, uint64(1), m.MessageID.EntryID)
	assert.Equal(t, "two", string(m.Messages[0].Payload))
}

func TestBroker_LookupRejectedWhenGateFull(t *testing.T) {
	env := newTestEnv(t)
	b := env.startBroker("broker-a")
	ctx := context.Background()
	require.NoError(t, b.UpdateDynamicConfig(ctx, config.KeyMaxConcurrentLookupRequest, "1"))
	assert.Equal(t, 1, b.Admission().LookupGate().Capacity())

	release, ok := b.Admission().LookupGate().TryAcquire()
	require.True(t, ok)

	rc := env.dial(b, protocol.VersionCurrent)
	resp := rc.lookup(testTopic, false)
	assert.Equal(t, protocol.LookupFailed, resp.LookupType)
	assert.Equal(t, protocol.ErrCodeTooManyRequests, resp.Error)

	conns := b.Connections()
	require.Len(t, conns, 1)
	assert.Equal(t, int64(1), conns[0].LookupRejections)

	release()
	assert.Equal(t, protocol.LookupConnect, rc.lookup(testTopic, false).LookupType)

	var overrides map[string]string
	require.NoError(t, storage.GetJSON(ctx, env.store, dynamicConfigKey, &overrides))
	assert.Equal(t, "1", overrides[config.KeyMaxConcurrentLookupRequest])
}

func TestBroker_TopicLoadGate(t *testing.T) {
	env := newTestEnv(t)
	b := env.startBroker("broker-a")
	require.NoError(t, b.UpdateDynamicConfig(context.Background(), config.KeyMaxConcurrentTopicLoadRequest, "1"))

	rc := env.dial(b, protocol.VersionCurrent)
	rc.lookup(testTopic, false)

	release, ok := b.Admission().TopicLoadGate().TryAcquire()
	require.True(t, ok)
	resp := rc.producer(1, testTopic)
	assert.Equal(t, protocol.ErrCodeTooManyRequests, resp.Error)
	release()

	assert.Equal(t, protocol.CmdProducerSuccess, rc.producer(1, testTopic).Type)
}

func TestNew_RejectsInvalidPersistedConfig(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, storage.PutJSON(ctx, env.store, dynamicConfigKey, map[string]string{
		config.KeyMaxConcurrentLookupRequest: "many",
	}))
	_, err := New(ctx, env.brokerConfig("broker-a"), env.store, env.ledgers, nil)
	assert.ErrorIs(t, err, config.ErrInvalidConfiguration)
}

func TestBroker_PollDynamicConfig(t *testing.T) {
	env := newTestEnv(t)
	b := env.startBroker("broker-a")
	ctx := context.Background()

	require.NoError(t, storage.PutJSON(ctx, env.store, dynamicConfigKey, map[string]string{
		config.KeyMaxConcurrentTopicLoadRequest: "3",
		config.KeyLoadManagerClassName:          config.LoadManagerLeastBundles,
	}))
	require.NoError(t, b.pollDynamicConfig(ctx))
	assert.Equal(t, 3, b.DynamicConfig().MaxConcurrentTopicLoadRequest)
	assert.Equal(t, 3, b.Admission().TopicLoadGate().Capacity())
	assert.Equal(t, config.LoadManagerLeastBundles, b.DynamicConfig().LoadManagerClassName)

	// A bad value written by someone else is ignored.
	version := b.DynamicConfig().Version
	require.NoError(t, storage.PutJSON(ctx, env.store, dynamicConfigKey, map[string]string{
		config.KeyLoadManagerClassName: "Nope",
	}))
	require.NoError(t, b.pollDynamicConfig(ctx))
	assert.Equal(t, version, b.DynamicConfig().Version)
	assert.Equal(t, config.LoadManagerLeastBundles, b.DynamicConfig().LoadManagerClassName)
}

func TestBroker_DisableStopsLookups(t *testing.T) {
	env := newTestEnv(t)
	b := env.startBroker("broker-a")
	ctx := context.Background()

	require.NoError(t, b.Disable(ctx))
	assert.True(t, b.IsDisabled())
	active, err := b.Namespaces().ActiveBrokers(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	rc := env.dial(b, protocol.VersionCurrent)
	resp := rc.lookup(testTopic, false)
	assert.Equal(t, protocol.LookupFailed, resp.LookupType)
	assert.Equal(t, protocol.ErrCodeServiceUnitNotReady, resp.Error)
}

func TestBroker_RetentionTrimsLedger(t *testing.T) {
	env := newTestEnv(t)
	b := env.startBroker("broker-a")
	ctx := context.Background()
	rc := env.dial(b, protocol.VersionCurrent)
	rc.lookup(testTopic, false)
	require.Equal(t, protocol.CmdProducerSuccess, rc.producer(1, testTopic).Type)
	require.Equal(t, protocol.CmdSuccess, rc.subscribe(1, testTopic, "slow", protocol.SubShared).Type)
	rc.send(1, 1, false, "old-1")
	rc.send(1, 2, false, "old-2")
	env.clock.advance(2 * time.Minute)
	rc.send(1, 3, false, "recent")

	// The cutoff follows the storage clock, so only the entries it stamped
	// more than a minute ago go.
	require.NoError(t, b.Namespaces().SetRetention(ctx, "public/default", RetentionPolicy{RetentionTimeInMinutes: 1}))
	require.NoError(t, b.trimRetention(ctx))

	bounds, err := env.ledgers.Ledger(testTopic).Bounds(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), bounds.First)
	assert.Equal(t, uint64(3), bounds.Next)

	rc.flow(1, 10)
	rc.send(1, 4, false, "fresh")
	m := rc.message(1)
	assert.Equal(t, uint64(2), m.MessageID.EntryID)
	assert.Equal(t, "recent", string(m.Messages[0].Payload))
	assert.Equal(t, uint64(3), rc.message(1).MessageID.EntryID)
}

func TestBroker_ResetCursorBeforeRetentionFloor(t *testing.T) {
	env := newTestEnv(t)
	b := env.startBroker("broker-a")
	ctx := context.Background()
	rc := env.dial(b, protocol.VersionCurrent)
	rc.lookup(testTopic, false)
	require.Equal(t, protocol.CmdProducerSuccess, rc.producer(1, testTopic).Type)
	require.Equal(t, protocol.CmdSuccess, rc.subscribe(1, testTopic, "floor", protocol.SubExclusive).Type)
	rc.flow(1, 10)

	var stamps []int64
	for i := uint64(1); i <= 5; i++ {
		if i == 3 {
			env.clock.advance(2 * time.Minute)
		}
		rc.send(1, i, false, fmt.Sprintf("m%d", i-1))
		m := rc.message(1)
		stamps = append(stamps, m.PublishTime)
		rc.ack(1, m.MessageID.EntryID)
	}
	require.Eventually(t, func() bool {
		st, err := b.SubscriptionStats(testTopic, "floor")
		return err == nil && st.MarkDelete == 5
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, b.Namespaces().SetRetention(ctx, "public/default", RetentionPolicy{RetentionTimeInMinutes: 1}))
	require.NoError(t, b.trimRetention(ctx))
	ledger := env.ledgers.Ledger(testTopic)
	bounds, err := ledger.Bounds(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(2), bounds.First)

	// The requested time predates everything retained: the cursor lands
	// on the first retained entry.
	require.NoError(t, b.ResetCursor(ctx, testTopic, "floor", stamps[0]))
	rc.expectType(protocol.CmdCloseConsumer)
	want, err := ledger.CountFrom(ctx, stamps[0])
	require.NoError(t, err)
	assert.Equal(t, 3, want)

	require.Equal(t, protocol.CmdSuccess, rc.subscribe(2, testTopic, "floor", protocol.SubExclusive).Type)
	rc.flow(2, 10)
	var got []uint64
	for i := 0; i < want; i++ {
		got = append(got, rc.message(2).MessageID.EntryID)
	}
	assert.Equal(t, []uint64{2, 3, 4}, got)
	rc.expectNone(protocol.CmdMessage, 200*time.Millisecond)
}

func TestBroker_CloseDuringAttachLeavesNoHandle(t *testing.T) {
	env := newTestEnv(t)
	slow := &slowStore{Store: env.store, prefix: cursorsPrefix, delay: 300 * time.Millisecond}
	cfg := env.brokerConfig("broker-a")
	ctx := context.Background()
	b, err := New(ctx, cfg, slow, env.ledgers, nil)
	require.NoError(t, err)
	ln, err := env.network.Listen(cfg.ServiceAddr)
	require.NoError(t, err)
	require.NoError(t, b.Start(ctx, ln))
	t.Cleanup(func() { _ = b.Close(context.Background()) })

	rc := env.dial(b, protocol.VersionCurrent)
	rc.lookup(testTopic, false)

	// Both requests wait on the topic load; the client gives up on them
	// before it finishes.
	rc.write(&protocol.Frame{Type: protocol.CmdSubscribe, RequestID: 100, ConsumerID: 1, Topic: testTopic, Subscription: "only", SubType: protocol.SubExclusive})
	rc.write(&protocol.Frame{Type: protocol.CmdProducer, RequestID: 101, ProducerID: 1, Topic: testTopic, ProducerName: "solo"})
	require.Equal(t, protocol.CmdSuccess, rc.request(&protocol.Frame{Type: protocol.CmdCloseConsumer, ConsumerID: 1}).Type)
	require.Equal(t, protocol.CmdSuccess, rc.request(&protocol.Frame{Type: protocol.CmdCloseProducer, ProducerID: 1}).Type)

	sub := rc.expect(func(f *protocol.Frame) bool { return f.RequestID == 100 })
	assert.Equal(t, protocol.CmdError, sub.Type)
	prod := rc.expect(func(f *protocol.Frame) bool { return f.RequestID == 101 })
	assert.Equal(t, protocol.CmdError, prod.Type)

	st, err := b.SubscriptionStats(testTopic, "only")
	require.NoError(t, err)
	assert.Zero(t, st.Consumers)

	other := env.dial(b, protocol.VersionCurrent)
	assert.Equal(t, protocol.CmdSuccess, other.subscribe(7, testTopic, "only", protocol.SubExclusive).Type)
	other.write(&protocol.Frame{Type: protocol.CmdProducer, RequestID: 50, ProducerID: 7, Topic: testTopic, ProducerName: "solo"})
	assert.Equal(t, protocol.CmdProducerSuccess, other.expect(func(f *protocol.Frame) bool { return f.RequestID == 50 }).Type)
}

// slowStore delays listings under prefix, which stretches topic loads.
type slowStore struct {
	storage.Store
	prefix string
	delay  time.Duration
}

func (s *slowStore) List(ctx context.Context, prefix string) ([]string, error) {
	if strings.HasPrefix(prefix, s.prefix) {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.Store.List(ctx, prefix)
}

func TestServerErrorCode(t *testing.T) {
	assert.Equal(t, protocol.ErrCodeServiceNotReady, serverErrorCode(ErrBundleNotOwned))
	assert.Equal(t, protocol.ErrCodeServiceUnitNotReady, serverErrorCode(ErrBundleUnloading))
	assert.Equal(t, protocol.ErrCodeTopicNotFound, serverErrorCode(ErrSubscriptionNotFound))
	assert.Equal(t, protocol.ErrCodeUnknown, serverErrorCode(assert.AnError))
}

func TestBroker_CheckHealth(t *testing.T) {
	env := newTestEnv(t)
	b := env.startBroker("broker-h")
	ctx := context.Background()

	assert.NoError(t, b.CheckHealth(ctx))

	// A lost registration is reported.
	require.NoError(t, env.store.Delete(ctx, brokersPrefix+b.URL()))
	assert.Error(t, b.CheckHealth(ctx))

	require.NoError(t, b.Disable(ctx))
	assert.ErrorIs(t, b.CheckHealth(ctx), ErrBrokerDisabled)
}

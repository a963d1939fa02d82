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

package sink

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/turtacn/pulsar-go/pkg/logger"
)

// KafkaGoSink produces records through an asynchronous kafka.Writer.
type KafkaGoSink struct {
	writer *kafka.Writer
	log    *zap.Logger

	mu     sync.RWMutex
	closed bool
}

func buildWriter(cfg Config) (*kafka.Writer, error) {
	acks, err := requiredAcks(cfg.Acks)
	if err != nil {
		return nil, err
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers()...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchBytes:   int64(cfg.MaxRequestSize),
		RequiredAcks: kafka.RequiredAcks(acks),
		Async:        true,
	}
	if cfg.FlushFrequency > 0 {
		w.BatchTimeout = cfg.FlushFrequency
	}

	switch strings.ToLower(cfg.Compression) {
	case "", "none":
	case "gzip":
		w.Compression = kafka.Gzip
	case "snappy":
		w.Compression = kafka.Snappy
	case "lz4":
		w.Compression = kafka.Lz4
	case "zstd":
		w.Compression = kafka.Zstd
	default:
		return nil, fmt.Errorf("%w: invalid compression %q", ErrInvalidConfig, cfg.Compression)
	}
	return w, nil
}

// NewKafkaGoSink creates a writer for cfg.Topic. Connections are opened
// lazily by the writer.
func NewKafkaGoSink(cfg Config, log *zap.Logger) (*KafkaGoSink, error) {
	w, err := buildWriter(cfg)
	if err != nil {
		return nil, err
	}
	s := &KafkaGoSink{writer: w, log: logger.OrNop(log).Named("kafka-go-sink")}
	w.Completion = s.complete
	return s, nil
}

// Name returns the driver name.
func (s *KafkaGoSink) Name() string { return DriverKafkaGo }

// Write hands r to the writer's batching goroutine.
func (s *KafkaGoSink) Write(ctx context.Context, r Record) error {
	msg := kafka.Message{
		Value:      r.Value,
		WriterData: r,
	}
	if r.Key != "" {
		msg.Key = []byte(r.Key)
	}
	for k, v := range r.Properties {
		msg.Headers = append(msg.Headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	if r.EventTime > 0 {
		msg.Time = time.UnixMilli(r.EventTime)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrSinkClosed
	}
	return s.writer.WriteMessages(ctx, msg)
}

// complete reports the outcome of one written batch.
func (s *KafkaGoSink) complete(messages []kafka.Message, err error) {
	if err != nil {
		s.log.Warn("batch rejected", zap.String("topic", s.writer.Topic), zap.Int("records", len(messages)), zap.Error(err))
	}
	for _, m := range messages {
		r, ok := m.WriterData.(Record)
		if !ok {
			continue
		}
		if err != nil {
			r.Fail(err)
		} else {
			r.Ack()
		}
	}
}

// Close flushes pending batches.
func (s *KafkaGoSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if err := s.writer.Close(); err != nil {
		return fmt.Errorf("kafka-go sink: %w", err)
	}
	s.log.Info("kafka sink stopped", zap.String("topic", s.writer.Topic))
	return nil
}

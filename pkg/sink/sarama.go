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

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/turtacn/pulsar-go/pkg/logger"
)

// SaramaSink produces records through a sarama.AsyncProducer.
type SaramaSink struct {
	topic    string
	producer sarama.AsyncProducer
	log      *zap.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func buildSaramaConfig(cfg Config) (*sarama.Config, error) {
	sc := sarama.NewConfig()

	acks, err := requiredAcks(cfg.Acks)
	if err != nil {
		return nil, err
	}
	sc.Producer.RequiredAcks = sarama.RequiredAcks(acks)
	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true
	sc.Producer.Flush.Bytes = cfg.BatchSize
	sc.Producer.MaxMessageBytes = cfg.MaxRequestSize
	if cfg.FlushFrequency > 0 {
		sc.Producer.Flush.Frequency = cfg.FlushFrequency
	}

	switch strings.ToLower(cfg.Compression) {
	case "", "none":
		sc.Producer.Compression = sarama.CompressionNone
	case "gzip":
		sc.Producer.Compression = sarama.CompressionGZIP
	case "snappy":
		sc.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		sc.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		sc.Producer.Compression = sarama.CompressionZSTD
		sc.Version = sarama.V2_1_0_0
	default:
		return nil, fmt.Errorf("%w: invalid compression %q", ErrInvalidConfig, cfg.Compression)
	}

	if err := sc.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return sc, nil
}

// NewSaramaSink connects an async producer to cfg.BootstrapServers.
func NewSaramaSink(cfg Config, log *zap.Logger) (*SaramaSink, error) {
	sc, err := buildSaramaConfig(cfg)
	if err != nil {
		return nil, err
	}
	p, err := sarama.NewAsyncProducer(cfg.Brokers(), sc)
	if err != nil {
		return nil, fmt.Errorf("sarama sink: %w", err)
	}
	return NewSaramaSinkFromProducer(cfg.Topic, p, log), nil
}

// NewSaramaSinkFromProducer wraps an already built producer.
func NewSaramaSinkFromProducer(topic string, p sarama.AsyncProducer, log *zap.Logger) *SaramaSink {
	s := &SaramaSink{
		topic:    topic,
		producer: p,
		log:      logger.OrNop(log).Named("sarama-sink"),
	}
	s.wg.Add(2)
	go s.drainSuccesses()
	go s.drainErrors()
	return s
}

// Name returns the driver name.
func (s *SaramaSink) Name() string { return DriverSarama }

// Write queues r on the producer input.
func (s *SaramaSink) Write(ctx context.Context, r Record) error {
	msg := &sarama.ProducerMessage{
		Topic:    s.topic,
		Value:    sarama.ByteEncoder(r.Value),
		Metadata: r,
	}
	if r.Key != "" {
		msg.Key = sarama.StringEncoder(r.Key)
	}
	for k, v := range r.Properties {
		msg.Headers = append(msg.Headers, sarama.RecordHeader{Key: []byte(k), Value: []byte(v)})
	}
	if r.EventTime > 0 {
		msg.Timestamp = time.UnixMilli(r.EventTime)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrSinkClosed
	}
	select {
	case s.producer.Input() <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *SaramaSink) drainSuccesses() {
	defer s.wg.Done()
	for msg := range s.producer.Successes() {
		if r, ok := msg.Metadata.(Record); ok {
			r.Ack()
		}
	}
}

func (s *SaramaSink) drainErrors() {
	defer s.wg.Done()
	for perr := range s.producer.Errors() {
		s.log.Warn("record rejected", zap.String("topic", s.topic), zap.Error(perr.Err))
		if perr.Msg == nil {
			continue
		}
		if r, ok := perr.Msg.Metadata.(Record); ok {
			r.Fail(perr.Err)
		}
	}
}

// Close flushes buffered records and waits until every outcome has been
// reported.
func (s *SaramaSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.producer.AsyncClose()
	s.wg.Wait()
	s.log.Info("kafka sink stopped", zap.String("topic", s.topic))
	return nil
}

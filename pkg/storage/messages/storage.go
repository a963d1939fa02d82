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

// Package messages provides the append-only topic ledgers that back
// persistent topics. Every topic owns a ledger of entries with sequential IDs
// and non-decreasing publish times, together with a TimestampIndex used to
// reposition cursors by time. The storage is shared by all brokers of a
// cluster, so a topic keeps its entries when its bundle moves.
package messages

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/turtacn/pulsar-go/pkg/protocol"
)

// ErrClosed is returned by operations on a closed storage.
var ErrClosed = errors.New("message storage closed")

// Entry is one ledger entry. A batched entry carries several messages that
// were published together and share the entry ID.
type Entry struct {
	ID           uint64                   `json:"id"`
	PublishTime  int64                    `json:"publish_time"`
	ProducerName string                   `json:"producer_name,omitempty"`
	SequenceID   uint64                   `json:"sequence_id"`
	Batched      bool                     `json:"batched,omitempty"`
	Messages     []protocol.SingleMessage `json:"messages"`
}

// NumMessages returns the number of messages carried by the entry.
func (e Entry) NumMessages() int {
	return len(e.Messages)
}

// Size approximates the payload bytes held by the entry.
func (e Entry) Size() int64 {
	var n int64
	for _, m := range e.Messages {
		n += int64(len(m.Payload) + len(m.Key))
	}
	return n
}

// Bounds describes the live range of a ledger: entries First..Next-1.
type Bounds struct {
	First uint64 `json:"first"`
	Next  uint64 `json:"next"`
}

// Empty reports whether the ledger holds no entries.
func (b Bounds) Empty() bool { return b.First >= b.Next }

// TrimOptions selects what a trim removes. Zero fields are ignored.
type TrimOptions struct {
	// Before removes entries published strictly before this unix ms time.
	Before int64
	// MaxBytes removes the oldest entries until the ledger fits.
	MaxBytes int64
}

// StorageBackend defines the interface for ledger storage implementations.
type StorageBackend interface {
	Append(ctx context.Context, topic string, entry Entry) (Entry, error)
	Read(ctx context.Context, topic string, from uint64, limit int) ([]Entry, error)
	Bounds(ctx context.Context, topic string) (Bounds, error)
	Seek(ctx context.Context, topic string, ts int64) (uint64, error)
	CountFrom(ctx context.Context, topic string, ts int64) (int, error)
	Trim(ctx context.Context, topic string, opts TrimOptions) (int, error)
	Topics(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, topic string) error

	Close() error
	Stats() StorageStats
}

// StorageStats provides storage backend statistics
type StorageStats struct {
	TotalEntries  uint64 `json:"total_entries"`
	TotalMessages uint64 `json:"total_messages"`
	TotalTopics   uint64 `json:"total_topics"`
	StorageSize   uint64 `json:"storage_size_bytes"`
	BackendType   string `json:"backend_type"`
}

// Config defines storage configuration options
type Config struct {
	Backend string `yaml:"backend" json:"backend" mapstructure:"backend"` // memory
	// MaxEntriesPerTopic caps each ledger; the oldest entries are dropped
	// first. Zero means unlimited.
	MaxEntriesPerTopic uint64 `yaml:"max_entries_per_topic" json:"max_entries_per_topic" mapstructure:"max_entries_per_topic"`
}

// DefaultConfig returns a default storage configuration
func DefaultConfig() *Config {
	return &Config{
		Backend: "memory",
	}
}

// MessageStorage is the entry point to the ledgers of all topics.
type MessageStorage struct {
	backend StorageBackend
	config  *Config

	mu    sync.RWMutex
	clock func() time.Time
}

// NewMessageStorage creates a new message storage instance
func NewMessageStorage(config *Config) (*MessageStorage, error) {
	if config == nil {
		config = DefaultConfig()
	}

	var backend StorageBackend
	var err error

	switch config.Backend {
	case "memory", "":
		backend, err = NewMemoryBackend(config)
	default:
		return nil, fmt.Errorf("unsupported backend: %s", config.Backend)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to create backend: %w", err)
	}

	return &MessageStorage{
		backend: backend,
		config:  config,
		clock:   time.Now,
	}, nil
}

// SetClock replaces the time source used to stamp entries.
func (ms *MessageStorage) SetClock(clock func() time.Time) {
	ms.mu.Lock()
	ms.clock = clock
	ms.mu.Unlock()
}

// Now returns the current time of the storage clock in unix ms.
func (ms *MessageStorage) Now() int64 {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return ms.clock().UnixMilli()
}

// Ledger returns the ledger of topic. Ledgers are created on first append.
func (ms *MessageStorage) Ledger(topic string) *Ledger {
	return &Ledger{ms: ms, topic: topic}
}

// Topics lists the topics that have a ledger.
func (ms *MessageStorage) Topics(ctx context.Context) ([]string, error) {
	return ms.backend.Topics(ctx)
}

// GetStats returns storage statistics
func (ms *MessageStorage) GetStats() StorageStats {
	return ms.backend.Stats()
}

// Close shuts down the storage system
func (ms *MessageStorage) Close() error {
	return ms.backend.Close()
}

// Ledger is the append-only log of one topic.
type Ledger struct {
	ms    *MessageStorage
	topic string
}

// Topic returns the topic the ledger belongs to.
func (l *Ledger) Topic() string { return l.topic }

// Now reads the storage clock that stamps this ledger's entries, in unix ms.
func (l *Ledger) Now() int64 { return l.ms.Now() }

// Append stores entry and returns it with its assigned ID and publish time.
func (l *Ledger) Append(ctx context.Context, entry Entry) (Entry, error) {
	if entry.PublishTime == 0 {
		entry.PublishTime = l.ms.Now()
	}
	return l.ms.backend.Append(ctx, l.topic, entry)
}

// Read returns up to limit entries starting at from. Entries that were
// trimmed are skipped.
func (l *Ledger) Read(ctx context.Context, from uint64, limit int) ([]Entry, error) {
	return l.ms.backend.Read(ctx, l.topic, from, limit)
}

// Bounds returns the live entry range.
func (l *Ledger) Bounds(ctx context.Context) (Bounds, error) {
	return l.ms.backend.Bounds(ctx, l.topic)
}

// Seek returns the first retained entry published at or after ts, or the
// next entry ID when there is none.
func (l *Ledger) Seek(ctx context.Context, ts int64) (uint64, error) {
	return l.ms.backend.Seek(ctx, l.topic, ts)
}

// CountFrom counts the messages published at or after ts.
func (l *Ledger) CountFrom(ctx context.Context, ts int64) (int, error) {
	return l.ms.backend.CountFrom(ctx, l.topic, ts)
}

// Trim drops entries selected by opts and reports how many were removed.
func (l *Ledger) Trim(ctx context.Context, opts TrimOptions) (int, error) {
	return l.ms.backend.Trim(ctx, l.topic, opts)
}

// Delete drops the whole ledger.
func (l *Ledger) Delete(ctx context.Context) error {
	return l.ms.backend.Delete(ctx, l.topic)
}

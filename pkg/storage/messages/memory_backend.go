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

package messages

import (
	"context"
	"sort"
	"sync"
)

// MemoryBackend implements StorageBackend using in-memory data structures
type MemoryBackend struct {
	ledgers map[string]*memoryLedger
	config  *Config
	closed  bool
	mu      sync.RWMutex
}

type memoryLedger struct {
	mu          sync.Mutex
	entries     []Entry
	first       uint64
	next        uint64
	lastPublish int64
	bytes       int64
	messages    uint64
	index       *TimestampIndex
}

// NewMemoryBackend creates a new in-memory storage backend
func NewMemoryBackend(config *Config) (*MemoryBackend, error) {
	return &MemoryBackend{
		ledgers: make(map[string]*memoryLedger),
		config:  config,
	}, nil
}

func (mb *MemoryBackend) ledger(topic string, create bool) (*memoryLedger, error) {
	mb.mu.RLock()
	l, ok := mb.ledgers[topic]
	closed := mb.closed
	mb.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	if ok || !create {
		return l, nil
	}

	mb.mu.Lock()
	defer mb.mu.Unlock()
	if l, ok = mb.ledgers[topic]; ok {
		return l, nil
	}
	l = &memoryLedger{index: NewTimestampIndex()}
	mb.ledgers[topic] = l
	return l, nil
}

// Append adds an entry, assigning the next ID. Publish times are clamped so
// that they never go backwards.
func (mb *MemoryBackend) Append(_ context.Context, topic string, entry Entry) (Entry, error) {
	l, err := mb.ledger(topic, true)
	if err != nil {
		return Entry{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if entry.PublishTime < l.lastPublish {
		entry.PublishTime = l.lastPublish
	}
	entry.ID = l.next
	l.next++
	l.lastPublish = entry.PublishTime
	l.entries = append(l.entries, entry)
	l.bytes += entry.Size()
	l.messages += uint64(entry.NumMessages())
	l.index.Add(entry.PublishTime, entry.ID)

	if limit := mb.config.MaxEntriesPerTopic; limit > 0 && uint64(len(l.entries)) > limit {
		l.dropHead(len(l.entries) - int(limit))
	}
	return entry, nil
}

// Read returns copies of up to limit entries starting at from.
func (mb *MemoryBackend) Read(_ context.Context, topic string, from uint64, limit int) ([]Entry, error) {
	l, err := mb.ledger(topic, false)
	if err != nil || l == nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if from < l.first {
		from = l.first
	}
	if from >= l.next || limit <= 0 {
		return nil, nil
	}
	start := int(from - l.first)
	end := start + limit
	if end > len(l.entries) {
		end = len(l.entries)
	}
	out := make([]Entry, end-start)
	copy(out, l.entries[start:end])
	return out, nil
}

// Bounds returns the live range of the ledger.
func (mb *MemoryBackend) Bounds(_ context.Context, topic string) (Bounds, error) {
	l, err := mb.ledger(topic, false)
	if err != nil || l == nil {
		return Bounds{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return Bounds{First: l.first, Next: l.next}, nil
}

// Seek resolves ts through the timestamp index.
func (mb *MemoryBackend) Seek(_ context.Context, topic string, ts int64) (uint64, error) {
	l, err := mb.ledger(topic, false)
	if err != nil || l == nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seekLocked(ts), nil
}

func (l *memoryLedger) seekLocked(ts int64) uint64 {
	id, ok := l.index.Ceiling(ts)
	if !ok {
		return l.next
	}
	if id < l.first {
		return l.first
	}
	return id
}

// CountFrom counts the messages of every entry at or after ts.
func (mb *MemoryBackend) CountFrom(_ context.Context, topic string, ts int64) (int, error) {
	l, err := mb.ledger(topic, false)
	if err != nil || l == nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for _, e := range l.entries[int(l.seekLocked(ts)-l.first):] {
		n += e.NumMessages()
	}
	return n, nil
}

// Trim removes the entries selected by opts from the head of the ledger.
func (mb *MemoryBackend) Trim(_ context.Context, topic string, opts TrimOptions) (int, error) {
	l, err := mb.ledger(topic, false)
	if err != nil || l == nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	drop := 0
	if opts.Before > 0 {
		drop = sort.Search(len(l.entries), func(i int) bool {
			return l.entries[i].PublishTime >= opts.Before
		})
	}
	if opts.MaxBytes > 0 {
		size := l.bytes
		for i := 0; i < drop; i++ {
			size -= l.entries[i].Size()
		}
		for drop < len(l.entries) && size > opts.MaxBytes {
			size -= l.entries[drop].Size()
			drop++
		}
	}
	l.dropHead(drop)
	return drop, nil
}

func (l *memoryLedger) dropHead(n int) {
	if n <= 0 {
		return
	}
	for _, e := range l.entries[:n] {
		l.bytes -= e.Size()
		l.messages -= uint64(e.NumMessages())
	}
	rest := make([]Entry, len(l.entries)-n)
	copy(rest, l.entries[n:])
	l.entries = rest
	l.first += uint64(n)
	if len(l.entries) == 0 {
		l.index.Clear()
		return
	}
	l.index.TrimTo(l.first, l.entries[0].PublishTime)
}

// Topics lists every topic with a ledger, sorted.
func (mb *MemoryBackend) Topics(_ context.Context) ([]string, error) {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	topics := make([]string, 0, len(mb.ledgers))
	for t := range mb.ledgers {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics, nil
}

// Delete drops the ledger of topic.
func (mb *MemoryBackend) Delete(_ context.Context, topic string) error {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	delete(mb.ledgers, topic)
	return nil
}

// Stats returns storage statistics
func (mb *MemoryBackend) Stats() StorageStats {
	mb.mu.RLock()
	defer mb.mu.RUnlock()

	stats := StorageStats{
		TotalTopics: uint64(len(mb.ledgers)),
		BackendType: "memory",
	}
	for _, l := range mb.ledgers {
		l.mu.Lock()
		stats.TotalEntries += uint64(len(l.entries))
		stats.TotalMessages += l.messages
		stats.StorageSize += uint64(l.bytes)
		l.mu.Unlock()
	}
	return stats
}

// Close releases all ledgers.
func (mb *MemoryBackend) Close() error {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.closed = true
	mb.ledgers = make(map[string]*memoryLedger)
	return nil
}

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
	"github.com/emirpasic/gods/sets/treeset"
	"github.com/emirpasic/gods/utils"
)

// cursorState is the persisted form of a subscription cursor.
type cursorState struct {
	Type         string   `json:"type"`
	MarkDelete   uint64   `json:"mark_delete"`
	ReadPosition uint64   `json:"read_position"`
	Acked        []uint64 `json:"acked,omitempty"`
	LastReset    int64    `json:"last_reset"`
}

// cursor tracks consumption of a ledger. Every entry below markDelete is
// acknowledged; acked holds the individually acknowledged entries at or
// above it. It is owned by a subscription actor and not safe for concurrent
// use.
type cursor struct {
	markDelete   uint64
	readPosition uint64
	acked        *treeset.Set
	lastReset    int64
}

func newCursor(start uint64) *cursor {
	return &cursor{
		markDelete:   start,
		readPosition: start,
		acked:        treeset.NewWith(utils.UInt64Comparator),
		lastReset:    -1,
	}
}

func restoreCursor(st cursorState) *cursor {
	c := newCursor(st.MarkDelete)
	for _, id := range st.Acked {
		c.ack(id)
	}
	c.lastReset = st.LastReset
	return c
}

// ack records id and slides markDelete over the contiguous acked prefix.
func (c *cursor) ack(id uint64) {
	if id < c.markDelete {
		return
	}
	c.acked.Add(id)
	for c.acked.Contains(c.markDelete) {
		c.acked.Remove(c.markDelete)
		c.markDelete++
	}
	if c.readPosition < c.markDelete {
		c.readPosition = c.markDelete
	}
}

func (c *cursor) isAcked(id uint64) bool {
	return id < c.markDelete || c.acked.Contains(id)
}

// clamp moves the cursor past entries that were trimmed from the ledger.
func (c *cursor) clamp(first uint64) {
	if c.markDelete >= first {
		return
	}
	c.markDelete = first
	for _, v := range c.acked.Values() {
		if v.(uint64) < first {
			c.acked.Remove(v)
		}
	}
	for c.acked.Contains(c.markDelete) {
		c.acked.Remove(c.markDelete)
		c.markDelete++
	}
	if c.readPosition < c.markDelete {
		c.readPosition = c.markDelete
	}
}

// reset moves both positions to pos and forgets every individual ack.
func (c *cursor) reset(pos uint64, ts int64) {
	c.markDelete = pos
	c.readPosition = pos
	c.acked.Clear()
	c.lastReset = ts
}

// backlog counts the unacknowledged entries below next.
func (c *cursor) backlog(next uint64) uint64 {
	if next <= c.markDelete {
		return 0
	}
	return next - c.markDelete - uint64(c.acked.Size())
}

func (c *cursor) snapshot(subType string) cursorState {
	st := cursorState{
		Type:         subType,
		MarkDelete:   c.markDelete,
		ReadPosition: c.readPosition,
		LastReset:    c.lastReset,
	}
	for _, v := range c.acked.Values() {
		st.Acked = append(st.Acked, v.(uint64))
	}
	return st
}

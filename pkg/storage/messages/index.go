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
	"github.com/emirpasic/gods/maps/treemap"
	"github.com/emirpasic/gods/utils"
)

// TimestampIndex maps a publish time (unix ms) to the first entry ID
// published at that time. Because publish times never decrease along a
// ledger, a ceiling lookup yields the first entry at or after a timestamp.
// It is not safe for concurrent use; the owning ledger serializes access.
type TimestampIndex struct {
	tree *treemap.Map
}

// NewTimestampIndex returns an empty index.
func NewTimestampIndex() *TimestampIndex {
	return &TimestampIndex{tree: treemap.NewWith(utils.Int64Comparator)}
}

// Add records id under ts unless an earlier entry already holds ts.
func (ix *TimestampIndex) Add(ts int64, id uint64) {
	if _, found := ix.tree.Get(ts); found {
		return
	}
	ix.tree.Put(ts, id)
}

// Ceiling returns the first entry ID with publish time >= ts.
func (ix *TimestampIndex) Ceiling(ts int64) (uint64, bool) {
	_, v := ix.tree.Ceiling(ts)
	if v == nil {
		return 0, false
	}
	return v.(uint64), true
}

// Floor returns the first entry ID of the greatest publish time <= ts.
func (ix *TimestampIndex) Floor(ts int64) (uint64, bool) {
	_, v := ix.tree.Floor(ts)
	if v == nil {
		return 0, false
	}
	return v.(uint64), true
}

// Earliest returns the oldest indexed publish time and its entry.
func (ix *TimestampIndex) Earliest() (int64, uint64, bool) {
	k, v := ix.tree.Min()
	if k == nil {
		return 0, 0, false
	}
	return k.(int64), v.(uint64), true
}

// Latest returns the newest indexed publish time and its first entry.
func (ix *TimestampIndex) Latest() (int64, uint64, bool) {
	k, v := ix.tree.Max()
	if k == nil {
		return 0, 0, false
	}
	return k.(int64), v.(uint64), true
}

// TrimTo drops everything older than the new head of the ledger, whose
// first entry is firstID published at firstTS.
func (ix *TimestampIndex) TrimTo(firstID uint64, firstTS int64) {
	for {
		k, v := ix.tree.Min()
		if k == nil {
			return
		}
		ts := k.(int64)
		switch {
		case ts < firstTS:
			ix.tree.Remove(ts)
		case ts == firstTS && v.(uint64) < firstID:
			ix.tree.Put(ts, firstID)
			return
		default:
			return
		}
	}
}

// Clear empties the index.
func (ix *TimestampIndex) Clear() {
	ix.tree.Clear()
}

// Len returns the number of distinct publish times indexed.
func (ix *TimestampIndex) Len() int {
	return ix.tree.Size()
}

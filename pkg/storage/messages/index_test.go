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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTimestampIndex(t *testing.T) {
	ix := NewTimestampIndex()
	_, _, ok := ix.Earliest()
	assert.False(t, ok)

	ix.Add(10, 0)
	ix.Add(10, 1) // same publish time keeps the first entry
	ix.Add(20, 2)
	ix.Add(30, 5)
	assert.Equal(t, 3, ix.Len())

	id, ok := ix.Ceiling(10)
	assert.True(t, ok)
	assert.Equal(t, uint64(0), id)

	id, ok = ix.Ceiling(11)
	assert.True(t, ok)
	assert.Equal(t, uint64(2), id)

	_, ok = ix.Ceiling(31)
	assert.False(t, ok)

	id, ok = ix.Floor(25)
	assert.True(t, ok)
	assert.Equal(t, uint64(2), id)

	ts, id, ok := ix.Latest()
	assert.True(t, ok)
	assert.Equal(t, int64(30), ts)
	assert.Equal(t, uint64(5), id)
}

func TestTimestampIndex_TrimTo(t *testing.T) {
	ix := NewTimestampIndex()
	ix.Add(10, 0)
	ix.Add(20, 2)
	ix.Add(30, 5)

	// The head moves into the middle of the entries stamped 20.
	ix.TrimTo(3, 20)
	ts, id, ok := ix.Earliest()
	assert.True(t, ok)
	assert.Equal(t, int64(20), ts)
	assert.Equal(t, uint64(3), id)
	assert.Equal(t, 2, ix.Len())

	ix.TrimTo(5, 30)
	ts, id, _ = ix.Earliest()
	assert.Equal(t, int64(30), ts)
	assert.Equal(t, uint64(5), id)

	ix.Clear()
	assert.Zero(t, ix.Len())
}

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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursor_AckSlidesMarkDelete(t *testing.T) {
	c := newCursor(10)
	c.readPosition = 15

	c.ack(12)
	c.ack(11)
	assert.Equal(t, uint64(10), c.markDelete)
	assert.True(t, c.isAcked(12))
	assert.False(t, c.isAcked(10))

	c.ack(10)
	assert.Equal(t, uint64(13), c.markDelete)
	assert.Zero(t, c.acked.Size())

	// Acks below the mark are ignored.
	c.ack(3)
	assert.Equal(t, uint64(13), c.markDelete)
	assert.Equal(t, uint64(2), c.backlog(15))
}

func TestCursor_Clamp(t *testing.T) {
	c := newCursor(0)
	c.ack(4)
	c.ack(6)
	c.clamp(4)
	assert.Equal(t, uint64(5), c.markDelete)
	assert.Equal(t, uint64(5), c.readPosition)
	assert.True(t, c.isAcked(6))

	// Clamping to an older first entry changes nothing.
	c.clamp(1)
	assert.Equal(t, uint64(5), c.markDelete)
}

func TestCursor_ResetAndSnapshot(t *testing.T) {
	c := newCursor(0)
	c.readPosition = 8
	c.ack(0)
	c.ack(5)

	st := c.snapshot("Shared")
	assert.Equal(t, "Shared", st.Type)
	assert.Equal(t, uint64(1), st.MarkDelete)
	assert.Equal(t, []uint64{5}, st.Acked)
	assert.Equal(t, int64(-1), st.LastReset)

	restored := restoreCursor(st)
	assert.Equal(t, c.markDelete, restored.markDelete)
	// Unacked entries past the mark are read again after a restore.
	assert.Equal(t, restored.markDelete, restored.readPosition)
	assert.True(t, restored.isAcked(5))

	c.reset(3, 1_000)
	assert.Equal(t, uint64(3), c.markDelete)
	assert.Equal(t, uint64(3), c.readPosition)
	assert.Zero(t, c.acked.Size())
	assert.Equal(t, int64(1_000), c.lastReset)
	require.Equal(t, uint64(5), c.backlog(8))
	assert.Zero(t, c.backlog(2))
}

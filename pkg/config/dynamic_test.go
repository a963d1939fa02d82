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

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newHolder(t *testing.T) *DynamicHolder {
	h, err := NewDynamicHolder(DynamicFromBroker(DefaultConfig().Broker))
	require.NoError(t, err)
	return h
}

func TestDynamicHolder_Update(t *testing.T) {
	h := newHolder(t)
	assert.Equal(t, uint64(0), h.Load().Version)

	var seen []DynamicConfig
	h.OnChange(func(old, new DynamicConfig) { seen = append(seen, new) })

	overrides, err := h.Update(KeyMaxConcurrentLookupRequest, "1")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{KeyMaxConcurrentLookupRequest: "1"}, overrides)

	cur := h.Load()
	assert.Equal(t, 1, cur.MaxConcurrentLookupRequest)
	assert.Equal(t, uint64(1), cur.Version)
	require.Len(t, seen, 1)
	assert.Equal(t, cur, seen[0])

	_, err = h.Update(KeyActiveConsumerFailoverDelayMs, "1500")
	require.NoError(t, err)
	assert.Equal(t, 1500*time.Millisecond, h.Load().ActiveConsumerFailoverDelay)
	assert.Equal(t, 1, h.Load().MaxConcurrentLookupRequest)
}

func TestDynamicHolder_RejectsInvalid(t *testing.T) {
	h := newHolder(t)
	before := h.Load()

	testCases := []struct{ key, value string }{
		{KeyMaxConcurrentLookupRequest, "abc"},
		{KeyMaxConcurrentTopicLoadRequest, "-3"},
		{KeyLoadManagerClassName, "RandomLoadManager"},
		{KeyActiveConsumerFailoverDelayMs, "soon"},
		{"brokerServicePort", "6651"},
	}
	for _, tc := range testCases {
		_, err := h.Update(tc.key, tc.value)
		assert.ErrorIs(t, err, ErrInvalidConfiguration, tc.key)
	}

	assert.Equal(t, before, h.Load())
	assert.Empty(t, h.Overrides())
}

func TestDynamicHolder_Reload(t *testing.T) {
	h := newHolder(t)

	require.NoError(t, h.Reload(map[string]string{
		KeyLoadManagerClassName:          LoadManagerLeastBundles,
		KeyMaxConcurrentTopicLoadRequest: "2",
	}))
	cur := h.Load()
	assert.Equal(t, LoadManagerLeastBundles, cur.LoadManagerClassName)
	assert.Equal(t, 2, cur.MaxConcurrentTopicLoadRequest)

	// Same overrides do not publish a new version.
	require.NoError(t, h.Reload(map[string]string{
		KeyLoadManagerClassName:          LoadManagerLeastBundles,
		KeyMaxConcurrentTopicLoadRequest: "2",
	}))
	assert.Equal(t, cur.Version, h.Load().Version)

	// An invalid set keeps the previous snapshot.
	err := h.Reload(map[string]string{KeyMaxConcurrentLookupRequest: "x"})
	assert.ErrorIs(t, err, ErrInvalidConfiguration)
	assert.Equal(t, cur, h.Load())

	// Dropping an override falls back to the static value.
	require.NoError(t, h.Reload(map[string]string{}))
	assert.Equal(t, LoadManagerHRW, h.Load().LoadManagerClassName)
	assert.Zero(t, h.Load().MaxConcurrentTopicLoadRequest)
}

func TestNewDynamicHolder_InvalidBase(t *testing.T) {
	b := DefaultConfig().Broker
	b.LoadManagerClassName = "nope"
	_, err := NewDynamicHolder(DynamicFromBroker(b))
	assert.ErrorIs(t, err, ErrInvalidConfiguration)
}

func TestIsDynamicKey(t *testing.T) {
	assert.True(t, IsDynamicKey(KeyMaxConcurrentLookupRequest))
	assert.False(t, IsDynamicKey("node_id"))
}

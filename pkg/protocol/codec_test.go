// Copyright 2023 The emqx-go Authors
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

package protocol

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_BatchedMessage(t *testing.T) {
	in := &Frame{
		Type:       CmdMessage,
		ConsumerID: 7,
		MessageID:  &MessageID{EntryID: 0, BatchSize: 2},
		Batched:    true,
		Messages: []SingleMessage{
			{Key: "k1", Payload: []byte("a")},
			{Payload: []byte("b"), Properties: map[string]string{"x": "y"}},
		},
	}
	data, err := Encode(in)
	require.NoError(t, err)

	out, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, CmdMessage, out.Type)
	assert.Equal(t, uint64(7), out.ConsumerID)
	require.NotNil(t, out.MessageID)
	assert.Equal(t, uint64(0), out.MessageID.EntryID)
	assert.True(t, out.Batched)
	require.Len(t, out.Messages, 2)
	assert.Equal(t, []byte("b"), out.Messages[1].Payload)
	assert.Equal(t, "y", out.Messages[1].Properties["x"])
}

func TestDecode_Rejects(t *testing.T) {
	_, err := Decode([]byte(`{"request_id":1}`))
	assert.Error(t, err)

	_, err = Decode([]byte(`not json`))
	assert.Error(t, err)
}

func TestEncode_TooLarge(t *testing.T) {
	f := &Frame{Type: CmdSend, Messages: []SingleMessage{{Payload: make([]byte, MaxFrameSize)}}}
	_, err := Encode(f)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestAsError(t *testing.T) {
	err := AsError(NewError(3, ErrCodeTooManyRequests, "lookup gate full"))
	assert.True(t, errors.Is(err, CodeError(ErrCodeTooManyRequests)))
	assert.False(t, errors.Is(err, CodeError(ErrCodeServiceNotReady)))
	assert.Contains(t, err.Error(), "lookup gate full")

	err = AsError(&Frame{Type: CmdError})
	assert.True(t, errors.Is(err, CodeError(ErrCodeUnknown)))
}

func TestServerError_Retriable(t *testing.T) {
	assert.True(t, ErrCodeTooManyRequests.Retriable())
	assert.True(t, ErrCodeServiceUnitNotReady.Retriable())
	assert.False(t, ErrCodeConsumerBusy.Retriable())
}

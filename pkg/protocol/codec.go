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
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

// MaxFrameSize bounds a single encoded frame.
const MaxFrameSize = 5 * 1024 * 1024

// ErrFrameTooLarge is returned when an encoded frame exceeds MaxFrameSize.
var ErrFrameTooLarge = errors.New("frame too large")

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Encode serializes f.
func Encode(f *Frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", f.Type, err)
	}
	if len(data) > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(data))
	}
	return data, nil
}

// Decode parses a frame produced by Encode.
func Decode(data []byte) (*Frame, error) {
	if len(data) > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(data))
	}
	f := &Frame{}
	if err := json.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if f.Type == "" {
		return nil, errors.New("decode frame: missing type")
	}
	return f, nil
}

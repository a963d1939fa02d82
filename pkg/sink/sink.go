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
	"errors"
	"sync"

	"go.uber.org/zap"
)

// ErrSinkClosed is returned by Write after Close.
var ErrSinkClosed = errors.New("sink closed")

// Record is one message handed to a sink. Exactly one of Ack or Fail takes
// effect, whichever is called first.
type Record struct {
	Key        string
	Value      []byte
	Properties map[string]string
	EventTime  int64

	done *recordDone
}

type recordDone struct {
	once sync.Once
	ack  func()
	fail func(error)
}

// NewRecord builds a record whose outcome is reported to ack or fail.
// Either callback may be nil.
func NewRecord(key string, value []byte, props map[string]string, ack func(), fail func(error)) Record {
	return Record{
		Key:        key,
		Value:      value,
		Properties: props,
		done:       &recordDone{ack: ack, fail: fail},
	}
}

// Ack reports that the target stored the record.
func (r Record) Ack() {
	if r.done == nil {
		return
	}
	r.done.once.Do(func() {
		if r.done.ack != nil {
			r.done.ack()
		}
	})
}

// Fail reports that the target rejected the record.
func (r Record) Fail(err error) {
	if r.done == nil {
		return
	}
	r.done.once.Do(func() {
		if r.done.fail != nil {
			r.done.fail(err)
		}
	})
}

// Sink writes records asynchronously. Write returns once the record is
// queued; the outcome arrives later through Record.Ack or Record.Fail.
type Sink interface {
	Name() string
	Write(ctx context.Context, r Record) error
	Close() error
}

// New opens the sink selected by cfg.Driver.
func New(cfg Config, log *zap.Logger) (Sink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Driver {
	case DriverKafkaGo:
		return NewKafkaGoSink(cfg, log)
	default:
		return NewSaramaSink(cfg, log)
	}
}

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
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/turtacn/pulsar-go/pkg/storage/messages"
)

// trimRetention applies the namespace retention policies to every loaded
// topic. Failures are logged; the trimmer keeps running.
func (b *Broker) trimRetention(ctx context.Context) error {
	for _, t := range b.ownership.topics() {
		if _, err := t.applyRetention(ctx); err != nil {
			t.log.Warn("retention trim failed", zap.Error(err))
		}
	}
	return nil
}

// applyRetention trims the topic ledger according to its namespace policy
// and returns the number of entries removed.
func (t *Topic) applyRetention(ctx context.Context) (int, error) {
	rp, err := t.broker.namespaces.Retention(ctx, t.tn.Namespace)
	if err != nil || rp == nil {
		return 0, err
	}
	var opts messages.TrimOptions
	if rp.RetentionTimeInMinutes > 0 {
		opts.Before = t.ledger.Now() - (time.Duration(rp.RetentionTimeInMinutes) * time.Minute).Milliseconds()
	}
	if rp.RetentionSizeInMB > 0 {
		opts.MaxBytes = rp.RetentionSizeInMB << 20
	}
	if opts == (messages.TrimOptions{}) {
		return 0, nil
	}
	n, err := t.ledger.Trim(ctx, opts)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		t.log.Info("ledger trimmed", zap.Int("entries", n))
		t.mu.Lock()
		subs := t.subscriptionsLocked()
		t.mu.Unlock()
		for _, s := range subs {
			s.send(&entriesAdded{})
		}
	}
	return n, nil
}

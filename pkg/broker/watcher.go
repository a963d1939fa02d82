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

	"go.uber.org/zap"

	"github.com/turtacn/pulsar-go/pkg/metrics"
)

// pollDynamicConfig picks up dynamic settings written by other brokers. A
// rejected override set leaves the current snapshot in place.
func (b *Broker) pollDynamicConfig(ctx context.Context) error {
	overrides, err := loadOverrides(ctx, b.store)
	if err != nil {
		b.log.Warn("failed to read dynamic configuration", zap.Error(err))
		return nil
	}
	before := b.dynamic.Load().Version
	if err := b.dynamic.Reload(overrides); err != nil {
		metrics.DynamicConfigReloadsTotal.WithLabelValues("rejected").Inc()
		b.log.Error("rejected dynamic configuration", zap.Error(err), zap.Any("overrides", overrides))
		return nil
	}
	if b.dynamic.Load().Version != before {
		metrics.DynamicConfigReloadsTotal.WithLabelValues("applied").Inc()
	}
	return nil
}

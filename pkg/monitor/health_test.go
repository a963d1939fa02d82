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

package monitor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewHealthChecker(t *testing.T) {
	hc := NewHealthChecker("broker-a", "1.0.0", nil)
	assert.True(t, hc.IsHealthy())

	st := hc.Status()
	assert.Equal(t, "healthy", st.Status)
	assert.Equal(t, "broker-a", st.Node)
	assert.Equal(t, "1.0.0", st.Version)
	require.Contains(t, st.Checks, "goroutines")
	assert.Equal(t, StatusUnknown, st.Checks["goroutines"].Status)
}

func TestRunChecks_CriticalFailure(t *testing.T) {
	hc := NewHealthChecker("broker-a", "dev", nil)
	var storeErr error
	hc.RegisterCheck("metadata", func(context.Context) error { return storeErr }, true)
	hc.RegisterCheck("disk", func(context.Context) error { return errors.New("slow disk") }, false)

	st := hc.RunChecks(context.Background())
	assert.Equal(t, "healthy", st.Status)
	assert.Equal(t, StatusPassed, st.Checks["metadata"].Status)
	assert.Equal(t, StatusFailed, st.Checks["disk"].Status)
	assert.Equal(t, "slow disk", st.Checks["disk"].Message)
	assert.False(t, st.Checks["metadata"].LastChecked.IsZero())

	storeErr = errors.New("connection refused")
	st = hc.RunChecks(context.Background())
	assert.Equal(t, "unhealthy", st.Status)
	assert.False(t, hc.IsHealthy())
	assert.True(t, st.Checks["metadata"].Critical)

	storeErr = nil
	require.NoError(t, hc.Run(context.Background()))
	assert.True(t, hc.IsHealthy())
}

func TestRunChecks_Timeout(t *testing.T) {
	hc := NewHealthChecker("broker-a", "dev", nil)
	hc.timeout = 20 * time.Millisecond
	hc.RegisterCheck("stuck", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, true)

	st := hc.RunChecks(context.Background())
	assert.Equal(t, StatusFailed, st.Checks["stuck"].Status)
	assert.False(t, hc.IsHealthy())
}

func TestSetEnabledAndUnregister(t *testing.T) {
	hc := NewHealthChecker("broker-a", "dev", nil)
	calls := 0
	hc.RegisterCheck("counted", func(context.Context) error { calls++; return errors.New("down") }, true)

	hc.SetEnabled("counted", false)
	st := hc.RunChecks(context.Background())
	assert.Zero(t, calls)
	assert.NotContains(t, st.Checks, "counted")
	assert.True(t, hc.IsHealthy())

	hc.SetEnabled("counted", true)
	hc.RunChecks(context.Background())
	assert.Equal(t, 1, calls)
	assert.False(t, hc.IsHealthy())

	hc.UnregisterCheck("counted")
	hc.RunChecks(context.Background())
	assert.True(t, hc.IsHealthy())
	assert.Equal(t, 1, calls)
}

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

package config

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// Keys of the settings that may be changed while a broker runs.
const (
	KeyMaxConcurrentLookupRequest    = "maxConcurrentLookupRequest"
	KeyMaxConcurrentTopicLoadRequest = "maxConcurrentTopicLoadRequest"
	KeyLoadManagerClassName          = "loadManagerClassName"
	KeyActiveConsumerFailoverDelayMs = "activeConsumerFailoverDelayTimeMillis"
)

// ErrInvalidConfiguration is wrapped by every rejected dynamic value.
var ErrInvalidConfiguration = errors.New("invalid configuration")

// DynamicKeys lists the keys accepted by DynamicHolder.Update.
func DynamicKeys() []string {
	return []string{
		KeyActiveConsumerFailoverDelayMs,
		KeyLoadManagerClassName,
		KeyMaxConcurrentLookupRequest,
		KeyMaxConcurrentTopicLoadRequest,
	}
}

// IsDynamicKey reports whether key can be updated at runtime.
func IsDynamicKey(key string) bool {
	for _, k := range DynamicKeys() {
		if k == key {
			return true
		}
	}
	return false
}

// DynamicConfig is an immutable snapshot of the runtime settings. A zero
// concurrency limit means unbounded.
type DynamicConfig struct {
	MaxConcurrentLookupRequest    int
	MaxConcurrentTopicLoadRequest int
	LoadManagerClassName          string
	ActiveConsumerFailoverDelay   time.Duration

	// Version increases every time a new snapshot is published.
	Version uint64
}

// DynamicFromBroker extracts the runtime settings from the static
// configuration.
func DynamicFromBroker(b BrokerConfig) DynamicConfig {
	return DynamicConfig{
		MaxConcurrentLookupRequest:    b.MaxConcurrentLookupRequest,
		MaxConcurrentTopicLoadRequest: b.MaxConcurrentTopicLoadRequest,
		LoadManagerClassName:          b.LoadManagerClassName,
		ActiveConsumerFailoverDelay:   b.ActiveConsumerFailoverDelay,
	}
}

func (d DynamicConfig) validate() (DynamicConfig, error) {
	if d.MaxConcurrentLookupRequest < 0 {
		return d, fmt.Errorf("%w: %s must not be negative", ErrInvalidConfiguration, KeyMaxConcurrentLookupRequest)
	}
	if d.MaxConcurrentTopicLoadRequest < 0 {
		return d, fmt.Errorf("%w: %s must not be negative", ErrInvalidConfiguration, KeyMaxConcurrentTopicLoadRequest)
	}
	switch d.LoadManagerClassName {
	case LoadManagerHRW, LoadManagerLeastBundles:
	default:
		return d, fmt.Errorf("%w: unknown %s %q", ErrInvalidConfiguration, KeyLoadManagerClassName, d.LoadManagerClassName)
	}
	if d.ActiveConsumerFailoverDelay < 0 {
		return d, fmt.Errorf("%w: %s must not be negative", ErrInvalidConfiguration, KeyActiveConsumerFailoverDelayMs)
	}
	return d, nil
}

// With returns a copy of d with key set to the parsed value.
func (d DynamicConfig) With(key, value string) (DynamicConfig, error) {
	switch key {
	case KeyMaxConcurrentLookupRequest:
		n, err := strconv.Atoi(value)
		if err != nil {
			return d, fmt.Errorf("%w: %s=%q: %v", ErrInvalidConfiguration, key, value, err)
		}
		d.MaxConcurrentLookupRequest = n
	case KeyMaxConcurrentTopicLoadRequest:
		n, err := strconv.Atoi(value)
		if err != nil {
			return d, fmt.Errorf("%w: %s=%q: %v", ErrInvalidConfiguration, key, value, err)
		}
		d.MaxConcurrentTopicLoadRequest = n
	case KeyLoadManagerClassName:
		d.LoadManagerClassName = value
	case KeyActiveConsumerFailoverDelayMs:
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return d, fmt.Errorf("%w: %s=%q: %v", ErrInvalidConfiguration, key, value, err)
		}
		d.ActiveConsumerFailoverDelay = time.Duration(ms) * time.Millisecond
	default:
		return d, fmt.Errorf("%w: %q is not a dynamic setting", ErrInvalidConfiguration, key)
	}
	return d.validate()
}

// Apply folds every override into d. The first invalid entry aborts.
func (d DynamicConfig) Apply(overrides map[string]string) (DynamicConfig, error) {
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var err error
	for _, k := range keys {
		if d, err = d.With(k, overrides[k]); err != nil {
			return d, err
		}
	}
	return d.validate()
}

// DynamicHolder publishes DynamicConfig snapshots. Readers call Load on every
// use and never see a partially applied update.
type DynamicHolder struct {
	base    DynamicConfig
	current atomic.Pointer[DynamicConfig]

	mu        sync.Mutex
	overrides map[string]string
	listeners []func(old, new DynamicConfig)
}

// NewDynamicHolder creates a holder whose defaults come from base.
func NewDynamicHolder(base DynamicConfig) (*DynamicHolder, error) {
	base, err := base.validate()
	if err != nil {
		return nil, err
	}
	h := &DynamicHolder{base: base, overrides: make(map[string]string)}
	snap := base
	h.current.Store(&snap)
	return h, nil
}

// Load returns the current snapshot.
func (h *DynamicHolder) Load() DynamicConfig {
	return *h.current.Load()
}

// OnChange registers fn to be called after every published snapshot.
func (h *DynamicHolder) OnChange(fn func(old, new DynamicConfig)) {
	h.mu.Lock()
	h.listeners = append(h.listeners, fn)
	h.mu.Unlock()
}

// Update validates and publishes a single override. It returns the full
// override set so the caller can persist it.
func (h *DynamicHolder) Update(key, value string) (map[string]string, error) {
	h.mu.Lock()
	next := copyOverrides(h.overrides)
	next[key] = value
	if err := h.publishLocked(next); err != nil {
		h.mu.Unlock()
		return nil, err
	}
	out := copyOverrides(h.overrides)
	h.mu.Unlock()
	return out, nil
}

// Reload replaces all overrides. On error the previous snapshot is kept.
func (h *DynamicHolder) Reload(overrides map[string]string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if equalOverrides(h.overrides, overrides) {
		return nil
	}
	return h.publishLocked(copyOverrides(overrides))
}

// Overrides returns a copy of the overrides currently applied.
func (h *DynamicHolder) Overrides() map[string]string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return copyOverrides(h.overrides)
}

func (h *DynamicHolder) publishLocked(overrides map[string]string) error {
	next, err := h.base.Apply(overrides)
	if err != nil {
		return err
	}
	old := *h.current.Load()
	next.Version = old.Version + 1
	h.overrides = overrides
	h.current.Store(&next)
	for _, fn := range h.listeners {
		fn(old, next)
	}
	return nil
}

func copyOverrides(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func equalOverrides(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}

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

package bundle

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"golang.org/x/crypto/blake2b"
)

// Load manager names, matching the loadManagerClassName setting.
const (
	HRWLoadManagerName          = "HRWLoadManager"
	LeastBundlesLoadManagerName = "LeastBundlesLoadManager"
)

// ErrNoBrokers is returned when no active broker can take a bundle.
var ErrNoBrokers = errors.New("no active brokers")

// LoadManager picks the broker that should own an unassigned bundle.
// brokers lists the active broker URLs; owned holds the number of bundles
// each of them currently owns.
type LoadManager interface {
	Name() string
	SelectBroker(b Bundle, brokers []string, owned map[string]int) (string, error)
}

// NewLoadManager returns the load manager registered under name.
func NewLoadManager(name string) (LoadManager, error) {
	switch name {
	case HRWLoadManagerName:
		return HRWLoadManager{}, nil
	case LeastBundlesLoadManagerName:
		return LeastBundlesLoadManager{}, nil
	default:
		return nil, fmt.Errorf("unknown load manager %q", name)
	}
}

// HRWLoadManager places bundles by rendezvous hashing: every broker scores
// the bundle and the highest score wins. Placement is stable across brokers
// and only the bundles of a departed broker move.
type HRWLoadManager struct{}

// Name implements LoadManager.
func (HRWLoadManager) Name() string { return HRWLoadManagerName }

// SelectBroker implements LoadManager.
func (HRWLoadManager) SelectBroker(b Bundle, brokers []string, _ map[string]int) (string, error) {
	if len(brokers) == 0 {
		return "", ErrNoBrokers
	}
	key := b.String()
	var (
		best      string
		bestScore uint64
	)
	for i, broker := range brokers {
		s := score(key, broker)
		if i == 0 || s > bestScore || (s == bestScore && broker < best) {
			best, bestScore = broker, s
		}
	}
	return best, nil
}

func score(bundle, broker string) uint64 {
	sum := blake2b.Sum256([]byte(bundle + "|" + broker))
	return binary.BigEndian.Uint64(sum[:8])
}

// LeastBundlesLoadManager places a bundle on the broker owning the fewest
// bundles. Ties go to the smallest URL.
type LeastBundlesLoadManager struct{}

// Name implements LoadManager.
func (LeastBundlesLoadManager) Name() string { return LeastBundlesLoadManagerName }

// SelectBroker implements LoadManager.
func (LeastBundlesLoadManager) SelectBroker(_ Bundle, brokers []string, owned map[string]int) (string, error) {
	if len(brokers) == 0 {
		return "", ErrNoBrokers
	}
	sorted := append([]string(nil), brokers...)
	sort.Strings(sorted)
	best := sorted[0]
	for _, broker := range sorted[1:] {
		if owned[broker] < owned[best] {
			best = broker
		}
	}
	return best, nil
}

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

// Package bundle splits namespaces into hash ranges. A bundle is the unit of
// ownership: every topic of a namespace hashes into exactly one bundle and is
// served by the broker that owns it.
package bundle

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// MaxHash is the upper bound of the hash space. The last range of a
// namespace includes it.
const MaxHash uint32 = 0xFFFFFFFF

// ErrInvalidBundle is returned for unparsable bundle names.
var ErrInvalidBundle = errors.New("invalid bundle")

// Range is a half-open hash interval [Lower, Upper). A range ending at
// MaxHash also contains MaxHash.
type Range struct {
	Lower uint32 `json:"lower"`
	Upper uint32 `json:"upper"`
}

// Contains reports whether h falls into r.
func (r Range) Contains(h uint32) bool {
	if h < r.Lower {
		return false
	}
	return h < r.Upper || (r.Upper == MaxHash && h == MaxHash)
}

// String renders r as "0x00000000_0x40000000".
func (r Range) String() string {
	return fmt.Sprintf("0x%08x_0x%08x", r.Lower, r.Upper)
}

// ParseRange parses the String form.
func ParseRange(s string) (Range, error) {
	lo, hi, ok := strings.Cut(s, "_")
	if !ok {
		return Range{}, fmt.Errorf("%w: range %q", ErrInvalidBundle, s)
	}
	l, err := strconv.ParseUint(strings.TrimPrefix(lo, "0x"), 16, 32)
	if err != nil {
		return Range{}, fmt.Errorf("%w: range %q: %v", ErrInvalidBundle, s, err)
	}
	u, err := strconv.ParseUint(strings.TrimPrefix(hi, "0x"), 16, 32)
	if err != nil {
		return Range{}, fmt.Errorf("%w: range %q: %v", ErrInvalidBundle, s, err)
	}
	if l >= u {
		return Range{}, fmt.Errorf("%w: empty range %q", ErrInvalidBundle, s)
	}
	return Range{Lower: uint32(l), Upper: uint32(u)}, nil
}

// Bundle is one hash range of a namespace.
type Bundle struct {
	Namespace string `json:"namespace"`
	Range     Range  `json:"range"`
}

// String renders "tenant/ns/0x00000000_0x40000000".
func (b Bundle) String() string {
	return b.Namespace + "/" + b.Range.String()
}

// ParseBundle parses the String form.
func ParseBundle(s string) (Bundle, error) {
	i := strings.LastIndexByte(s, '/')
	if i <= 0 {
		return Bundle{}, fmt.Errorf("%w: %q", ErrInvalidBundle, s)
	}
	r, err := ParseRange(s[i+1:])
	if err != nil {
		return Bundle{}, err
	}
	return Bundle{Namespace: s[:i], Range: r}, nil
}

// Hash maps a topic name into the bundle hash space.
func Hash(topic string) uint32 {
	return uint32(xxhash.Sum64String(topic) >> 32)
}

// Partition splits the hash space into n contiguous ranges of equal width.
func Partition(n int) []Range {
	if n <= 0 {
		n = 1
	}
	const space = uint64(1) << 32
	out := make([]Range, n)
	for i := 0; i < n; i++ {
		lower := uint64(i) * space / uint64(n)
		upper := uint64(i+1) * space / uint64(n)
		if i == n-1 {
			upper = uint64(MaxHash)
		}
		out[i] = Range{Lower: uint32(lower), Upper: uint32(upper)}
	}
	return out
}

// NamespaceBundles returns the n bundles of ns.
func NamespaceBundles(ns string, n int) []Bundle {
	ranges := Partition(n)
	out := make([]Bundle, len(ranges))
	for i, r := range ranges {
		out[i] = Bundle{Namespace: ns, Range: r}
	}
	return out
}

// Find returns the bundle of ns, split into n bundles, that holds topic.
func Find(ns string, n int, topic string) Bundle {
	h := Hash(topic)
	for _, b := range NamespaceBundles(ns, n) {
		if b.Range.Contains(h) {
			return b
		}
	}
	// Unreachable: the ranges cover the whole space.
	return Bundle{Namespace: ns, Range: Range{Lower: 0, Upper: MaxHash}}
}

// FindTopic resolves the namespace of topic from its bundle list.
func FindTopic(bundles []Bundle, topic string) (Bundle, bool) {
	h := Hash(topic)
	for _, b := range bundles {
		if b.Range.Contains(h) {
			return b, true
		}
	}
	return Bundle{}, false
}

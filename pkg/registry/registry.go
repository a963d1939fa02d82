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

// Package registry provides the ID keyed handle maps kept per connection by
// both the client and the broker. Lookups, inserts and removals go through a
// sharded concurrent map so that no single lock is shared between
// connections or even between shards of the same connection.
package registry

import (
	"strconv"

	cmap "github.com/orcaman/concurrent-map"
)

// Registry maps small numeric IDs to values of type T.
type Registry[T any] struct {
	m cmap.ConcurrentMap
}

// New returns an empty registry.
func New[T any]() *Registry[T] {
	return &Registry[T]{m: cmap.New()}
}

func key(id uint64) string {
	return strconv.FormatUint(id, 10)
}

// Insert stores v at id unless the id is taken. It reports whether v was stored.
func (r *Registry[T]) Insert(id uint64, v T) bool {
	return r.m.SetIfAbsent(key(id), v)
}

// Swap stores v at id and returns the value it replaced, if any.
func (r *Registry[T]) Swap(id uint64, v T) (old T, replaced bool) {
	r.m.Upsert(key(id), v, func(exist bool, inMap interface{}, newValue interface{}) interface{} {
		if exist {
			old, replaced = inMap.(T)
		}
		return newValue
	})
	return old, replaced
}

// Get returns the value stored at id.
func (r *Registry[T]) Get(id uint64) (T, bool) {
	v, ok := r.m.Get(key(id))
	if !ok {
		var zero T
		return zero, false
	}
	return v.(T), true
}

// Remove deletes id and returns the value it held.
func (r *Registry[T]) Remove(id uint64) (T, bool) {
	v, ok := r.m.Pop(key(id))
	if !ok {
		var zero T
		return zero, false
	}
	return v.(T), true
}

// RemoveIf deletes id only when pred accepts the stored value.
func (r *Registry[T]) RemoveIf(id uint64, pred func(T) bool) bool {
	return r.m.RemoveCb(key(id), func(_ string, v interface{}, exists bool) bool {
		return exists && pred(v.(T))
	})
}

// Len returns the number of entries.
func (r *Registry[T]) Len() int {
	return r.m.Count()
}

// Range calls fn for a snapshot of the entries until fn returns false.
func (r *Registry[T]) Range(fn func(id uint64, v T) bool) {
	for item := range r.m.IterBuffered() {
		id, err := strconv.ParseUint(item.Key, 10, 64)
		if err != nil {
			continue
		}
		if !fn(id, item.Val.(T)) {
			return
		}
	}
}

// Values returns a snapshot of the stored values.
func (r *Registry[T]) Values() []T {
	out := make([]T, 0, r.m.Count())
	r.Range(func(_ uint64, v T) bool {
		out = append(out, v)
		return true
	})
	return out
}

// Clear removes every entry and returns what was removed.
func (r *Registry[T]) Clear() []T {
	var out []T
	for _, k := range r.m.Keys() {
		if v, ok := r.m.Pop(k); ok {
			out = append(out, v.(T))
		}
	}
	return out
}

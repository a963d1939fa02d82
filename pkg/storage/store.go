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

// Package storage provides the metadata store used by brokers to coordinate
// bundle ownership, broker registration, namespace policies, dynamic
// configuration and persisted cursors. Three backends exist: an in-memory
// store for tests and single process setups, Redis and PostgreSQL.
package storage

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	jsoniter "github.com/json-iterator/go"
)

var (
	// ErrNotFound is returned when a key is not found in the store.
	ErrNotFound = errors.New("not found")
	// ErrExists is returned by Create when the key is already present.
	ErrExists = errors.New("key already exists")
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Store is a flat key/value store with an atomic create.
type Store interface {
	// Get returns the value under key or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Put writes value under key, replacing any previous value.
	Put(ctx context.Context, key string, value []byte) error
	// Create writes value only if key is absent, otherwise ErrExists.
	Create(ctx context.Context, key string, value []byte) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// List returns the sorted keys that start with prefix.
	List(ctx context.Context, prefix string) ([]string, error)
	// Close releases the backend.
	Close() error
}

// GetJSON decodes the value under key into v.
func GetJSON(ctx context.Context, s Store, key string, v any) error {
	data, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// PutJSON encodes v and stores it under key.
func PutJSON(ctx context.Context, s Store, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.Put(ctx, key, data)
}

// CreateJSON encodes v and creates key with it.
func CreateJSON(ctx context.Context, s Store, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.Create(ctx, key, data)
}

// MemStore is an in-memory implementation of the Store interface.
// It uses a map to store key-value pairs and a RWMutex to ensure thread safety,
// making it safe for concurrent use.
type MemStore struct {
	data map[string][]byte
	mu   sync.RWMutex
}

// NewMemStore creates and returns a new instance of MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		data: make(map[string][]byte),
	}
}

// Get retrieves a copy of the value stored under key.
func (s *MemStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), value...), nil
}

// Put adds or updates a value in the in-memory store.
func (s *MemStore) Put(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = append([]byte(nil), value...)
	return nil
}

// Create stores value only if key is absent.
func (s *MemStore) Create(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[key]; ok {
		return ErrExists
	}
	s.data[key] = append([]byte(nil), value...)
	return nil
}

// Delete removes a value from the in-memory store.
func (s *MemStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

// List returns the sorted keys starting with prefix.
func (s *MemStore) List(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []string
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Close is a no-op.
func (s *MemStore) Close() error { return nil }

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

package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures RedisStore.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// KeyPrefix namespaces every key, so several clusters can share a server.
	KeyPrefix    string
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// RedisStore keeps metadata in Redis. Create maps to SETNX.
type RedisStore struct {
	client redis.Cmdable
	closer func() error
	prefix string
}

// NewRedisStore connects to Redis and verifies the connection with PING.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	options := &redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	client := redis.NewClient(options)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	return &RedisStore{client: client, closer: client.Close, prefix: cfg.KeyPrefix}, nil
}

func (s *RedisStore) key(k string) string { return s.prefix + k }

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return v, nil
}

// Put implements Store.
func (s *RedisStore) Put(ctx context.Context, key string, value []byte) error {
	if err := s.client.Set(ctx, s.key(key), value, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Create implements Store.
func (s *RedisStore) Create(ctx context.Context, key string, value []byte) error {
	ok, err := s.client.SetNX(ctx, s.key(key), value, 0).Result()
	if err != nil {
		return fmt.Errorf("redis setnx %s: %w", key, err)
	}
	if !ok {
		return ErrExists
	}
	return nil
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

// List implements Store with SCAN, so it never blocks the server.
func (s *RedisStore) List(ctx context.Context, prefix string) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	match := escapeGlob(s.key(prefix)) + "*"
	for {
		batch, next, err := s.client.Scan(ctx, cursor, match, 256).Result()
		if err != nil {
			return nil, fmt.Errorf("redis scan %s: %w", prefix, err)
		}
		for _, k := range batch {
			keys = append(keys, strings.TrimPrefix(k, s.prefix))
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	sort.Strings(keys)
	return dedupSorted(keys), nil
}

// Close implements Store.
func (s *RedisStore) Close() error {
	if s.closer != nil {
		return s.closer()
	}
	return nil
}

var globEscaper = strings.NewReplacer("*", "\\*", "?", "\\?", "[", "\\[", "]", "\\]")

func escapeGlob(s string) string { return globEscaper.Replace(s) }

// SCAN may return a key more than once.
func dedupSorted(keys []string) []string {
	out := keys[:0]
	for i, k := range keys {
		if i == 0 || k != keys[i-1] {
			out = append(out, k)
		}
	}
	return out
}

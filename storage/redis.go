// Copyright 2025 Blink Labs Software
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
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

const redisChangeChannel = "extconnect:changes"

// RedisBackend is a Backend over a Redis server, for deployments where the
// registry is shared across processes. Change notifications ride a pub/sub
// channel carrying only the changed key; subscribers still re-read the
// store for current state
type RedisBackend struct {
	client    *redis.Client
	keyPrefix string
	onceClose sync.Once
	doneChan  chan struct{}
}

// RedisBackendOptionFunc is a function that modifies the RedisBackend
// configuration
type RedisBackendOptionFunc func(*RedisBackend)

// WithKeyPrefix specifies a prefix applied to every key, allowing multiple
// registries to share one Redis database
func WithKeyPrefix(prefix string) RedisBackendOptionFunc {
	return func(b *RedisBackend) {
		b.keyPrefix = prefix
	}
}

// NewRedisBackend returns a new RedisBackend connected to the provided
// address
func NewRedisBackend(addr string, options ...RedisBackendOptionFunc) *RedisBackend {
	b := &RedisBackend{
		client:   redis.NewClient(&redis.Options{Addr: addr}),
		doneChan: make(chan struct{}),
	}
	for _, option := range options {
		option(b)
	}
	return b
}

func (b *RedisBackend) GetRaw(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := b.client.Get(ctx, b.keyPrefix+key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (b *RedisBackend) SetRaw(ctx context.Context, key string, value []byte) error {
	if err := b.client.Set(ctx, b.keyPrefix+key, value, 0).Err(); err != nil {
		return err
	}
	return b.publishChange(ctx, key)
}

func (b *RedisBackend) RemoveRaw(ctx context.Context, key string) error {
	if err := b.client.Del(ctx, b.keyPrefix+key).Err(); err != nil {
		return err
	}
	return b.publishChange(ctx, key)
}

func (b *RedisBackend) Keys(ctx context.Context) ([]string, error) {
	var ret []string
	iter := b.client.Scan(ctx, 0, b.keyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		ret = append(ret, strings.TrimPrefix(iter.Val(), b.keyPrefix))
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return ret, nil
}

func (b *RedisBackend) OnChange(prefix string, callback func()) func() {
	ctx, cancel := context.WithCancel(context.Background())
	pubsub := b.client.Subscribe(ctx, b.keyPrefix+redisChangeChannel)
	go func() {
		for {
			select {
			case <-b.doneChan:
				return
			case <-ctx.Done():
				return
			case msg, ok := <-pubsub.Channel():
				if !ok {
					return
				}
				if strings.HasPrefix(msg.Payload, prefix) {
					callback()
				}
			}
		}
	}()
	return func() {
		cancel()
		pubsub.Close()
	}
}

// Close releases the underlying Redis client
func (b *RedisBackend) Close() error {
	var err error
	b.onceClose.Do(func() {
		close(b.doneChan)
		err = b.client.Close()
	})
	return err
}

func (b *RedisBackend) publishChange(ctx context.Context, key string) error {
	return b.client.Publish(ctx, b.keyPrefix+redisChangeChannel, key).Err()
}

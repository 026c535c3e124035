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
)

// MemoryBackend is an in-memory Backend. It is the default for
// single-process deployments and the test double for the store logic
type MemoryBackend struct {
	mutex       sync.Mutex
	values      map[string][]byte
	subscribers map[int]memorySubscriber
	nextSubId   int
}

type memorySubscriber struct {
	prefix   string
	callback func()
}

// NewMemoryBackend returns a new empty MemoryBackend
func NewMemoryBackend() *MemoryBackend {
	b := &MemoryBackend{
		values:      make(map[string][]byte),
		subscribers: make(map[int]memorySubscriber),
	}
	return b
}

func (b *MemoryBackend) GetRaw(_ context.Context, key string) ([]byte, bool, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	value, ok := b.values[key]
	if !ok {
		return nil, false, nil
	}
	// Copy to keep callers from aliasing stored bytes
	ret := make([]byte, len(value))
	copy(ret, value)
	return ret, true, nil
}

func (b *MemoryBackend) SetRaw(_ context.Context, key string, value []byte) error {
	b.mutex.Lock()
	tmpValue := make([]byte, len(value))
	copy(tmpValue, value)
	b.values[key] = tmpValue
	callbacks := b.matchingCallbacks(key)
	b.mutex.Unlock()
	// Callbacks run outside the lock so subscribers can re-read the store
	for _, callback := range callbacks {
		callback()
	}
	return nil
}

func (b *MemoryBackend) RemoveRaw(_ context.Context, key string) error {
	b.mutex.Lock()
	_, existed := b.values[key]
	delete(b.values, key)
	var callbacks []func()
	if existed {
		callbacks = b.matchingCallbacks(key)
	}
	b.mutex.Unlock()
	for _, callback := range callbacks {
		callback()
	}
	return nil
}

func (b *MemoryBackend) Keys(_ context.Context) ([]string, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	ret := make([]string, 0, len(b.values))
	for key := range b.values {
		ret = append(ret, key)
	}
	return ret, nil
}

func (b *MemoryBackend) OnChange(prefix string, callback func()) func() {
	b.mutex.Lock()
	subId := b.nextSubId
	b.nextSubId++
	b.subscribers[subId] = memorySubscriber{
		prefix:   prefix,
		callback: callback,
	}
	b.mutex.Unlock()
	return func() {
		b.mutex.Lock()
		delete(b.subscribers, subId)
		b.mutex.Unlock()
	}
}

func (b *MemoryBackend) matchingCallbacks(key string) []func() {
	var ret []func()
	for _, subscriber := range b.subscribers {
		if strings.HasPrefix(key, subscriber.prefix) {
			ret = append(ret, subscriber.callback)
		}
	}
	return ret
}

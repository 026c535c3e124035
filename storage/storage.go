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

// Package storage implements the typed state registry shared between the
// extension background and its diagnostics surfaces. The registry is an
// asynchronous key-value abstraction over an external persistent store,
// plus one derived aggregate: the set of active chain connections.
//
// The aggregate is partitioned by writer. Each browser tab writes only its
// own activeChains partition, keyed by its tab ID, so concurrent tabs never
// race on a shared list. Reading the full set enumerates all partitions and
// concatenates them. Writes are frequent and reads are rare, so the
// aggregation cost sits on the read side
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/goccy/go-json"
)

// Backend is the minimal asynchronous interface over the process-external
// persistent store. GetRaw returns false for a key that has never been
// written; an error always means the operation itself failed, never that
// the key was absent
type Backend interface {
	GetRaw(ctx context.Context, key string) ([]byte, bool, error)
	SetRaw(ctx context.Context, key string, value []byte) error
	RemoveRaw(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
	// OnChange registers a callback fired after any key with the given
	// prefix changes. The callback carries no payload; subscribers re-read
	// the store for current state. The returned func cancels the
	// subscription
	OnChange(prefix string, callback func()) func()
}

// Store provides typed access to the registry entries
type Store struct {
	backend Backend
	logger  *slog.Logger
}

// StoreOptionFunc is a function that modifies the Store configuration
type StoreOptionFunc func(*Store)

// WithLogger specifies the logger to use. Defaults to slog.Default()
func WithLogger(logger *slog.Logger) StoreOptionFunc {
	return func(s *Store) {
		s.logger = logger
	}
}

// NewStore returns a new Store backed by the provided Backend
func NewStore(backend Backend, options ...StoreOptionFunc) *Store {
	s := &Store{
		backend: backend,
	}
	for _, option := range options {
		option(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Remove deletes the value for the given entry. Removing an absent entry is
// not an error
func (s *Store) Remove(ctx context.Context, entry Entry) error {
	key, err := entry.Key()
	if err != nil {
		return err
	}
	return s.backend.RemoveRaw(ctx, key)
}

// GetBraveSetting returns the global Brave shields flag. The second return
// value is false when the flag has never been written
func (s *Store) GetBraveSetting(ctx context.Context) (bool, bool, error) {
	data, found, err := s.getRaw(ctx, Entry{Type: EntryTypeBraveSetting})
	if err != nil || !found {
		return false, found, err
	}
	var value bool
	if err := json.Unmarshal(data, &value); err != nil {
		return false, false, fmt.Errorf("braveSetting: decode error: %w", err)
	}
	return value, true, nil
}

// SetBraveSetting stores the global Brave shields flag
func (s *Store) SetBraveSetting(ctx context.Context, value bool) error {
	return s.setJson(ctx, Entry{Type: EntryTypeBraveSetting}, value)
}

// GetDatabase returns the raw database blob for a chain
func (s *Store) GetDatabase(ctx context.Context, chainName string) (string, bool, error) {
	data, found, err := s.getRaw(
		ctx,
		Entry{Type: EntryTypeDatabase, ChainName: chainName},
	)
	if err != nil || !found {
		return "", found, err
	}
	return string(data), true, nil
}

// SetDatabase stores the raw database blob for a chain
func (s *Store) SetDatabase(ctx context.Context, chainName string, value string) error {
	key, err := Entry{Type: EntryTypeDatabase, ChainName: chainName}.Key()
	if err != nil {
		return err
	}
	return s.backend.SetRaw(ctx, key, []byte(value))
}

// GetBootnodes returns the bootnode addresses for a chain
func (s *Store) GetBootnodes(ctx context.Context, chainName string) ([]string, bool, error) {
	data, found, err := s.getRaw(
		ctx,
		Entry{Type: EntryTypeBootnodes, ChainName: chainName},
	)
	if err != nil || !found {
		return nil, found, err
	}
	var value []string
	if err := json.Unmarshal(data, &value); err != nil {
		return nil, false, fmt.Errorf("bootnodes: decode error: %w", err)
	}
	return value, true, nil
}

// SetBootnodes stores the bootnode addresses for a chain
func (s *Store) SetBootnodes(ctx context.Context, chainName string, value []string) error {
	return s.setJson(
		ctx,
		Entry{Type: EntryTypeBootnodes, ChainName: chainName},
		value,
	)
}

// GetActiveChains returns the active chain connections for a single tab
func (s *Store) GetActiveChains(ctx context.Context, tabId int) ([]ExposedChainConnection, bool, error) {
	data, found, err := s.getRaw(
		ctx,
		Entry{Type: EntryTypeActiveChains, TabId: tabId},
	)
	if err != nil || !found {
		return nil, found, err
	}
	var value []ExposedChainConnection
	if err := json.Unmarshal(data, &value); err != nil {
		return nil, false, fmt.Errorf("activeChains: decode error: %w", err)
	}
	return value, true, nil
}

// SetActiveChains stores the active chain connections for a single tab. A
// tab only ever writes its own partition
func (s *Store) SetActiveChains(
	ctx context.Context,
	tabId int,
	connections []ExposedChainConnection,
) error {
	return s.setJson(
		ctx,
		Entry{Type: EntryTypeActiveChains, TabId: tabId},
		connections,
	)
}

// RemoveActiveChains deletes the active-chains partition for a tab
func (s *Store) RemoveActiveChains(ctx context.Context, tabId int) error {
	return s.Remove(ctx, Entry{Type: EntryTypeActiveChains, TabId: tabId})
}

// GetAllActiveChains returns the union of every tab's active chain
// connections, ordered by tab ID. This is the fan-in read over all
// partitions; it never blocks concurrent partition writers
func (s *Store) GetAllActiveChains(ctx context.Context) ([]ExposedChainConnection, error) {
	keys, err := s.backend.Keys(ctx)
	if err != nil {
		return nil, err
	}
	var tabIds []int
	for _, key := range keys {
		if tabId, ok := parseActiveChainsKey(key); ok {
			tabIds = append(tabIds, tabId)
		}
	}
	sort.Ints(tabIds)
	var ret []ExposedChainConnection
	for _, tabId := range tabIds {
		connections, found, err := s.GetActiveChains(ctx, tabId)
		if err != nil {
			return nil, err
		}
		// A partition removed between the key scan and the read is treated
		// as empty
		if !found {
			continue
		}
		ret = append(ret, connections...)
	}
	return ret, nil
}

// ClearAllActiveChains deletes every active-chains partition. This runs at
// extension startup to clear stale state from a previous browser lifecycle
func (s *Store) ClearAllActiveChains(ctx context.Context) error {
	keys, err := s.backend.Keys(ctx)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if _, ok := parseActiveChainsKey(key); !ok {
			continue
		}
		if err := s.backend.RemoveRaw(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

// OnActiveChainsChange registers a callback fired whenever any tab's
// active-chains partition changes. The callback carries no payload; callers
// re-read via GetAllActiveChains. The returned func cancels the
// subscription
func (s *Store) OnActiveChainsChange(callback func()) func() {
	return s.backend.OnChange(prefixActiveChains, callback)
}

func (s *Store) getRaw(ctx context.Context, entry Entry) ([]byte, bool, error) {
	key, err := entry.Key()
	if err != nil {
		return nil, false, err
	}
	return s.backend.GetRaw(ctx, key)
}

func (s *Store) setJson(ctx context.Context, entry Entry, value any) error {
	key, err := entry.Key()
	if err != nil {
		return err
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("%s: encode error: %w", entry.Type, err)
	}
	return s.backend.SetRaw(ctx, key, data)
}

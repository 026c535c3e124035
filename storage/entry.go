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
	"fmt"
	"strconv"
	"strings"
)

// EntryType represents the closed set of entry classes held in the store.
// Each type fixes the value shape and the key derivation for its entries
type EntryType uint16

const (
	EntryTypeNone EntryType = iota

	// EntryTypeBraveSetting is a global boolean flag
	EntryTypeBraveSetting
	// EntryTypeDatabase is a raw database blob keyed by chain name
	EntryTypeDatabase
	// EntryTypeBootnodes is a list of bootnode addresses keyed by chain name
	EntryTypeBootnodes
	// EntryTypeActiveChains is the list of active chain connections owned by
	// a single browser tab, keyed by tab ID
	EntryTypeActiveChains
)

func (e EntryType) String() string {
	tmp := map[EntryType]string{
		EntryTypeBraveSetting: "braveSetting",
		EntryTypeDatabase:     "database",
		EntryTypeBootnodes:    "bootnodes",
		EntryTypeActiveChains: "activeChains",
	}
	ret, ok := tmp[e]
	if !ok {
		return "Unknown"
	}
	return ret
}

const (
	keyBraveSetting    = "braveSetting"
	prefixBootnodes    = "bootNodes_"
	prefixActiveChains = "activeChains_"
)

// Entry identifies a single stored value by its type tag and discriminant
// fields. Only the discriminant matching the type is consulted
type Entry struct {
	Type EntryType
	// ChainName is the discriminant for database and bootnode entries
	ChainName string
	// TabId is the discriminant for active-chain entries
	TabId int
}

// Key returns the storage key for the entry. The mapping is a pure function
// of the entry type and its discriminant.
//
// Database entries are keyed by the bare chain name with no namespace
// prefix. This mirrors the historical key layout and carries a latent
// collision risk with the prefixed key spaces if a chain is ever named to
// collide; it is kept as-is for compatibility with existing persisted state
func (e Entry) Key() (string, error) {
	switch e.Type {
	case EntryTypeBraveSetting:
		return keyBraveSetting, nil
	case EntryTypeDatabase:
		if e.ChainName == "" {
			return "", fmt.Errorf("database entry requires a chain name")
		}
		return e.ChainName, nil
	case EntryTypeBootnodes:
		if e.ChainName == "" {
			return "", fmt.Errorf("bootnodes entry requires a chain name")
		}
		return prefixBootnodes + e.ChainName, nil
	case EntryTypeActiveChains:
		return prefixActiveChains + strconv.Itoa(e.TabId), nil
	default:
		return "", fmt.Errorf("unknown entry type: %d", e.Type)
	}
}

// parseActiveChainsKey extracts the tab ID from an active-chains key. The
// second return value is false when the key does not belong to the
// active-chains partition space
func parseActiveChainsKey(key string) (int, bool) {
	if !strings.HasPrefix(key, prefixActiveChains) {
		return 0, false
	}
	tabId, err := strconv.Atoi(strings.TrimPrefix(key, prefixActiveChains))
	if err != nil {
		return 0, false
	}
	return tabId, true
}

// TabInfo identifies the browser tab that owns a chain connection
type TabInfo struct {
	Id  int    `json:"id"`
	Url string `json:"url"`
}

// ExposedChainConnection is one active chain connection as observable from
// the diagnostics surface. It is created when a connect action succeeds,
// updated as sync and peer state change, and removed when the owning tab
// disconnects or closes
type ExposedChainConnection struct {
	ChainId         string  `json:"chainId"`
	ChainName       string  `json:"chainName"`
	Tab             TabInfo `json:"tab"`
	IsSyncing       bool    `json:"isSyncing"`
	Peers           int     `json:"peers"`
	BestBlockHeight *uint64 `json:"bestBlockHeight,omitempty"`
}

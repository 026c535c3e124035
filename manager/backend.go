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

package manager

import "context"

// StartParams carries the chain identity and specification for a new chain
// connection
type StartParams struct {
	ChainName     string
	ChainSpec     string
	ParachainSpec string
}

// HealthStatus is a point-in-time health report for a running chain
// connection
type HealthStatus struct {
	IsSyncing       bool
	Peers           int
	BestBlockHeight *uint64
}

// ChainSession is one running chain connection inside the blockchain
// client. Responses and Health are closed when the session ends
type ChainSession interface {
	// SendRpc submits a JSON-RPC request string to the chain client
	SendRpc(rpc string) error
	// Responses returns JSON-RPC response strings in order
	Responses() <-chan string
	// Health returns periodic health reports
	Health() <-chan HealthStatus
	Close() error
}

// ChainBackend is the interface to the blockchain client that executes the
// actual JSON-RPC business logic. The connection manager treats it as
// opaque: payloads pass through unparsed
type ChainBackend interface {
	Start(ctx context.Context, params StartParams) (ChainSession, error)
}

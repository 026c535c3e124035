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

// Package transport provides the message port abstraction used between the
// application, content-script, and extension background contexts. A port is
// a named bidirectional byte channel with FIFO ordering per port and no
// ordering guarantees across ports.
package transport

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrPortClosed is returned when sending on a closed port
	ErrPortClosed = errors.New("port is closed")
	// ErrRuntimeClosed is returned when connecting through a closed runtime
	ErrRuntimeClosed = errors.New("runtime is closed")
)

// PortInfo identifies a port and the browser tab it belongs to. The name of
// a session port carries the session identity, the tab fields carry the
// identity of the originating tab
type PortInfo struct {
	Name  string
	TabId int
	Url   string
}

// SessionPortName builds the port name for a chain session
func SessionPortName(chainId int, url string) string {
	return fmt.Sprintf("%d::%s", chainId, url)
}

// ParseSessionPortName splits a session port name into its chain ID and URL
func ParseSessionPortName(name string) (int, string, error) {
	idx := strings.Index(name, "::")
	if idx < 0 {
		return 0, "", fmt.Errorf("invalid session port name: %q", name)
	}
	chainId, err := strconv.Atoi(name[:idx])
	if err != nil {
		return 0, "", fmt.Errorf("invalid session port name: %q", name)
	}
	return chainId, name[idx+2:], nil
}

// Port is one end of a bidirectional message channel between two contexts.
// Closing either end closes both, and Done is closed on both ends once the
// port shuts down. Messages already queued may still be drained from Receive
// after closure
type Port interface {
	Info() PortInfo
	Send(data []byte) error
	Receive() <-chan []byte
	Done() <-chan struct{}
	Close() error
}

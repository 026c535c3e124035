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

package transport

import "sync"

// Runtime is the in-process analog of the browser messaging runtime. One
// side opens ports with Connect, the other side receives the far ends from
// Accept. Closing the runtime closes every port it has vended
type Runtime struct {
	acceptChan chan Port
	doneChan   chan struct{}
	onceClose  sync.Once
	portsMutex sync.Mutex
	ports      []Port
}

// NewRuntime returns a new Runtime
func NewRuntime() *Runtime {
	r := &Runtime{
		acceptChan: make(chan Port, pipeBufferSize),
		doneChan:   make(chan struct{}),
	}
	return r
}

// Connect opens a new port through the runtime and returns the near end.
// The far end is delivered to the accepting side
func (r *Runtime) Connect(info PortInfo) (Port, error) {
	select {
	case <-r.doneChan:
		return nil, ErrRuntimeClosed
	default:
	}
	near, far := Pipe(info)
	r.portsMutex.Lock()
	r.ports = append(r.ports, near)
	r.portsMutex.Unlock()
	select {
	case r.acceptChan <- far:
		return near, nil
	case <-r.doneChan:
		near.Close()
		return nil, ErrRuntimeClosed
	}
}

// Accept returns the channel on which far ends of newly connected ports are
// delivered
func (r *Runtime) Accept() <-chan Port {
	return r.acceptChan
}

// Close shuts down the runtime and every port opened through it
func (r *Runtime) Close() error {
	r.onceClose.Do(func() {
		close(r.doneChan)
		r.portsMutex.Lock()
		for _, port := range r.ports {
			port.Close()
		}
		r.portsMutex.Unlock()
	})
	return nil
}

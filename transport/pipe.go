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

const pipeBufferSize = 16

type pipePort struct {
	info      PortInfo
	sendChan  chan<- []byte
	recvChan  <-chan []byte
	doneChan  chan struct{}
	onceClose *sync.Once
}

// Pipe returns two connected in-memory ports sharing the provided info.
// Sends on one end are received on the other in order. Closing either end
// shuts down both
func Pipe(info PortInfo) (Port, Port) {
	nearToFar := make(chan []byte, pipeBufferSize)
	farToNear := make(chan []byte, pipeBufferSize)
	doneChan := make(chan struct{})
	onceClose := &sync.Once{}
	near := &pipePort{
		info:      info,
		sendChan:  nearToFar,
		recvChan:  farToNear,
		doneChan:  doneChan,
		onceClose: onceClose,
	}
	far := &pipePort{
		info:      info,
		sendChan:  farToNear,
		recvChan:  nearToFar,
		doneChan:  doneChan,
		onceClose: onceClose,
	}
	return near, far
}

func (p *pipePort) Info() PortInfo {
	return p.info
}

func (p *pipePort) Send(data []byte) error {
	// Check for closure first so a send on a closed port fails even when
	// buffer space is available
	select {
	case <-p.doneChan:
		return ErrPortClosed
	default:
	}
	select {
	case p.sendChan <- data:
		return nil
	case <-p.doneChan:
		return ErrPortClosed
	}
}

func (p *pipePort) Receive() <-chan []byte {
	return p.recvChan
}

func (p *pipePort) Done() <-chan struct{} {
	return p.doneChan
}

func (p *pipePort) Close() error {
	p.onceClose.Do(func() {
		close(p.doneChan)
	})
	return nil
}

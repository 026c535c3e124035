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

// Package wsport provides a transport.Port over a WebSocket connection for
// deployments where the relay and the background run in separate
// processes. A CBOR-encoded control frame carrying the port identity is
// exchanged when the port opens; every following frame is one opaque
// envelope
package wsport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/blinklabs-io/extconnect/transport"
	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/websocket"
)

const (
	portBufferSize    = 16
	closeWriteTimeout = 2 * time.Second
)

type openFrame struct {
	// Tells the CBOR decoder to convert to/from a struct and a CBOR array
	_     struct{} `cbor:",toarray"`
	Name  string
	TabId int
	Url   string
}

type wsPort struct {
	conn      *websocket.Conn
	info      transport.PortInfo
	sendChan  chan []byte
	recvChan  chan []byte
	doneChan  chan struct{}
	onceClose sync.Once
}

func newPort(conn *websocket.Conn, info transport.PortInfo) *wsPort {
	p := &wsPort{
		conn:     conn,
		info:     info,
		sendChan: make(chan []byte, portBufferSize),
		recvChan: make(chan []byte, portBufferSize),
		doneChan: make(chan struct{}),
	}
	go p.readPump()
	go p.writePump()
	return p
}

// Dial opens a WebSocket port to the provided URL and announces the port
// identity to the far side
func Dial(ctx context.Context, url string, info transport.PortInfo) (transport.Port, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	frame := openFrame{
		Name:  info.Name,
		TabId: info.TabId,
		Url:   info.Url,
	}
	data, err := cbor.Marshal(frame)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		conn.Close()
		return nil, err
	}
	return newPort(conn, info), nil
}

func (p *wsPort) Info() transport.PortInfo {
	return p.info
}

func (p *wsPort) Send(data []byte) error {
	select {
	case <-p.doneChan:
		return transport.ErrPortClosed
	default:
	}
	select {
	case p.sendChan <- data:
		return nil
	case <-p.doneChan:
		return transport.ErrPortClosed
	}
}

func (p *wsPort) Receive() <-chan []byte {
	return p.recvChan
}

func (p *wsPort) Done() <-chan struct{} {
	return p.doneChan
}

func (p *wsPort) Close() error {
	p.shutdown()
	return nil
}

func (p *wsPort) readPump() {
	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			p.shutdown()
			return
		}
		select {
		case p.recvChan <- data:
		case <-p.doneChan:
			return
		}
	}
}

func (p *wsPort) writePump() {
	for {
		select {
		case <-p.doneChan:
			return
		case data := <-p.sendChan:
			if err := p.conn.WriteMessage(
				websocket.BinaryMessage,
				data,
			); err != nil {
				p.shutdown()
				return
			}
		}
	}
}

func (p *wsPort) shutdown() {
	p.onceClose.Do(func() {
		close(p.doneChan)
		// Best-effort close handshake before dropping the socket
		_ = p.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeWriteTimeout),
		)
		p.conn.Close()
	})
}

// Listener accepts WebSocket ports over HTTP. It implements http.Handler
// and can be mounted on any mux
type Listener struct {
	upgrader   websocket.Upgrader
	acceptChan chan transport.Port
	doneChan   chan struct{}
	onceClose  sync.Once
}

// NewListener returns a new Listener
func NewListener() *Listener {
	l := &Listener{
		upgrader: websocket.Upgrader{
			// Both ends of this transport sit inside the same trust
			// perimeter; origin checking happens at the envelope layer
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		acceptChan: make(chan transport.Port, portBufferSize),
		doneChan:   make(chan struct{}),
	}
	return l
}

// Accept returns the channel on which newly opened ports are delivered
func (l *Listener) Accept() <-chan transport.Port {
	return l.acceptChan
}

// Close shuts down the listener. Already-accepted ports are unaffected
func (l *Listener) Close() error {
	l.onceClose.Do(func() {
		close(l.doneChan)
	})
	return nil
}

func (l *Listener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	// The first frame announces the port identity
	_, data, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return
	}
	var frame openFrame
	if err := cbor.Unmarshal(data, &frame); err != nil {
		conn.Close()
		return
	}
	port := newPort(
		conn,
		transport.PortInfo{
			Name:  frame.Name,
			TabId: frame.TabId,
			Url:   frame.Url,
		},
	)
	select {
	case l.acceptChan <- port:
	case <-l.doneChan:
		port.Close()
	}
}

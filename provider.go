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

// Package extconnect implements the application side of the browser
// extension chain relay. An application's chain client library holds one
// Provider per chain session; the provider originates ToExtension
// envelopes, consumes ToApplication envelopes, and hides the relay
// protocol behind a send/receive RPC interface.
//
// The relay path consists of the content-script router (package router)
// and the extension background connection manager (package manager); the
// other packages can be used outside of this one, but it's not a primary
// design goal.
package extconnect

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/blinklabs-io/extconnect/protocol"
	"github.com/blinklabs-io/extconnect/transport"
)

// nextChainId allocates session IDs unique within this application
// process. The chain ID is the only demultiplexing key the relay has, so
// it must never repeat for the lifetime of a session
var nextChainId atomic.Int64

// ConnectorFunc opens a port toward the content-script relay
type ConnectorFunc func(transport.PortInfo) (transport.Port, error)

// RpcError is a protocol-level error reported by the far side of the
// relay for one chain session
type RpcError struct {
	ChainId   int
	ChainName string
	Message   string
}

func (e *RpcError) Error() string {
	return fmt.Sprintf("%s (chain %d): %s", e.ChainName, e.ChainId, e.Message)
}

// Provider is one logical chain session from the application's point of
// view
type Provider struct {
	appName        string
	chainName      string
	chainSpec      string
	parachainSpec  string
	connector      ConnectorFunc
	tabId          int
	url            string
	logger         *slog.Logger
	errorChan      chan error
	chainId        int
	port           transport.Port
	recvChan       chan string
	doneChan       chan struct{}
	onceDisconnect sync.Once
	stateMutex     sync.Mutex
	state          protocol.State
	waitGroup      sync.WaitGroup
}

// NewProvider returns a new Provider with the specified options. An error
// is returned when no connector or chain name is provided
func NewProvider(options ...ProviderOptionFunc) (*Provider, error) {
	p := &Provider{
		chainId:  int(nextChainId.Add(1)),
		recvChan: make(chan string, 10),
		doneChan: make(chan struct{}),
		state:    protocol.StateIdle,
	}
	for _, option := range options {
		option(p)
	}
	if p.connector == nil {
		return nil, fmt.Errorf("no connector provided")
	}
	if p.chainName == "" {
		return nil, fmt.Errorf("no chain name provided")
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.errorChan == nil {
		p.errorChan = make(chan error, 10)
	}
	return p, nil
}

// ChainId returns the session ID allocated to this provider
func (p *Provider) ChainId() int {
	return p.chainId
}

// ErrorChan returns the channel for asynchronous errors, including
// protocol-level RpcError messages from the far side
func (p *Provider) ErrorChan() chan error {
	return p.errorChan
}

// Receive returns the channel of JSON-RPC response payloads for this
// session, in arrival order. The channel is closed when the session
// disconnects
func (p *Provider) Receive() <-chan string {
	return p.recvChan
}

// Connect opens the session port and sends the connect envelope, followed
// by the chain specification when one was provided
func (p *Provider) Connect(ctx context.Context) error {
	p.stateMutex.Lock()
	if p.state != protocol.StateIdle {
		p.stateMutex.Unlock()
		return ErrAlreadyConnected
	}
	p.stateMutex.Unlock()
	port, err := p.connector(
		transport.PortInfo{
			Name:  transport.SessionPortName(p.chainId, p.url),
			TabId: p.tabId,
			Url:   p.url,
		},
	)
	if err != nil {
		return fmt.Errorf("connector error: %w", err)
	}
	p.port = port
	if err := p.sendMessage(
		protocol.NewMsgConnect(p.appName, p.chainId, p.chainName),
	); err != nil {
		p.shutdown()
		close(p.recvChan)
		return err
	}
	p.setState(protocol.StateConnecting)
	if p.chainSpec != "" {
		if err := p.sendMessage(
			protocol.NewMsgForwardSpec(
				p.appName,
				p.chainId,
				p.chainName,
				p.chainSpec,
				p.parachainSpec,
			),
		); err != nil {
			p.shutdown()
			close(p.recvChan)
			return err
		}
	}
	p.waitGroup.Add(1)
	go func() {
		defer p.waitGroup.Done()
		p.recvLoop(ctx)
	}()
	return nil
}

// Send submits a JSON-RPC request string for this session
func (p *Provider) Send(rpc string) error {
	p.stateMutex.Lock()
	state := p.state
	p.stateMutex.Unlock()
	switch state {
	case protocol.StateIdle:
		return ErrNotConnected
	case protocol.StateDisconnected:
		return ErrDisconnected
	}
	return p.sendMessage(
		protocol.NewMsgForwardRpc(p.appName, p.chainId, p.chainName, rpc),
	)
}

// Disconnect tears down the session. Any responses still in flight are
// abandoned. Disconnecting an already-disconnected provider is a no-op
func (p *Provider) Disconnect() error {
	p.stateMutex.Lock()
	state := p.state
	p.stateMutex.Unlock()
	if state == protocol.StateIdle {
		return ErrNotConnected
	}
	if state != protocol.StateDisconnected {
		_ = p.sendMessage(
			protocol.NewMsgDisconnect(p.appName, p.chainId, p.chainName),
		)
	}
	p.shutdown()
	p.waitGroup.Wait()
	return nil
}

func (p *Provider) recvLoop(ctx context.Context) {
	defer close(p.recvChan)
	for {
		select {
		case <-ctx.Done():
			p.shutdown()
			return
		case <-p.doneChan:
			return
		case <-p.port.Done():
			p.shutdown()
			return
		case data, ok := <-p.port.Receive():
			if !ok {
				p.shutdown()
				return
			}
			msg, err := protocol.DecodeToApplication(data)
			if err != nil {
				// Only the content script may speak on this channel;
				// anything else is dropped
				p.logger.Debug(
					"dropping invalid envelope",
					"chainId", p.chainId,
					"error", err,
				)
				continue
			}
			if msg.Disconnect {
				p.shutdown()
				return
			}
			switch msg.MessageType {
			case protocol.MessageTypeRpc:
				p.stateMutex.Lock()
				if p.state == protocol.StateConnecting {
					p.state = protocol.StateConnected
				}
				p.stateMutex.Unlock()
				select {
				case p.recvChan <- msg.Payload:
				case <-p.doneChan:
					return
				}
			case protocol.MessageTypeError:
				p.sendError(
					&RpcError{
						ChainId:   p.chainId,
						ChainName: p.chainName,
						Message:   msg.Payload,
					},
				)
			}
		}
	}
}

// shutdown is the single terminal path for the session, shared by remote
// disconnects, transport closure, and local teardown. The receive channel
// is closed by the receive loop on its way out, since it is the only
// sender
func (p *Provider) shutdown() {
	p.onceDisconnect.Do(func() {
		p.setState(protocol.StateDisconnected)
		close(p.doneChan)
		if p.port != nil {
			p.port.Close()
		}
	})
}

func (p *Provider) setState(state protocol.State) {
	p.stateMutex.Lock()
	p.state = state
	p.stateMutex.Unlock()
}

func (p *Provider) sendMessage(msg *protocol.MessageToExtension) error {
	data, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("encode error: %w", err)
	}
	if err := p.port.Send(data); err != nil {
		return fmt.Errorf("send error: %w", err)
	}
	return nil
}

func (p *Provider) sendError(err error) {
	select {
	case p.errorChan <- err:
	default:
		p.logger.Warn("error channel full", "error", err)
	}
}

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

// Package router implements the content-script relay between application
// ports and extension background ports. The router is payload-opaque: it
// inspects only envelope metadata to demultiplex sessions by chain ID and
// never parses or transforms the inner payload. Malformed envelopes are
// dropped, and a transport closure on either side of a session produces
// exactly one terminal disconnect envelope for that session
package router

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/blinklabs-io/extconnect/protocol"
	"github.com/blinklabs-io/extconnect/transport"
)

// ConnectorFunc opens a port toward the extension background for a new
// session. It is the analog of connecting a named runtime port
type ConnectorFunc func(transport.PortInfo) (transport.Port, error)

// Config is used to configure the Router
type Config struct {
	connector ConnectorFunc
	logger    *slog.Logger
	errorChan chan error
}

// RouterOptionFunc is a function that modifies the Router config
type RouterOptionFunc func(*Config)

// NewConfig returns a new Router config object with the provided options
func NewConfig(options ...RouterOptionFunc) Config {
	c := Config{}
	for _, option := range options {
		option(&c)
	}
	return c
}

// WithConnector specifies the connector used to reach the extension
// background
func WithConnector(connector ConnectorFunc) RouterOptionFunc {
	return func(c *Config) {
		c.connector = connector
	}
}

// WithLogger specifies the logger to use. Defaults to slog.Default()
func WithLogger(logger *slog.Logger) RouterOptionFunc {
	return func(c *Config) {
		c.logger = logger
	}
}

// WithErrorChan specifies the error channel to use. If none is provided,
// one will be created
func WithErrorChan(errorChan chan error) RouterOptionFunc {
	return func(c *Config) {
		c.errorChan = errorChan
	}
}

// SessionInfo is a diagnostic snapshot of one relayed session
type SessionInfo struct {
	ChainId   int
	ChainName string
	AppName   string
	State     protocol.State
}

// Router relays envelopes between application ports and the extension
// background
type Router struct {
	config        Config
	logger        *slog.Logger
	errorChan     chan error
	doneChan      chan struct{}
	onceStop      sync.Once
	waitGroup     sync.WaitGroup
	sessionsMutex sync.Mutex
	sessions      map[int]*session
}

type session struct {
	chainId        int
	chainName      string
	appName        string
	appPort        transport.Port
	extPort        transport.Port
	stateMutex     sync.Mutex
	state          protocol.State
	onceDisconnect sync.Once
}

// New returns a new Router with the provided config
func New(cfg *Config) *Router {
	if cfg == nil {
		tmpCfg := NewConfig()
		cfg = &tmpCfg
	}
	r := &Router{
		config:    *cfg,
		logger:    cfg.logger,
		errorChan: cfg.errorChan,
		doneChan:  make(chan struct{}),
		sessions:  make(map[int]*session),
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.errorChan == nil {
		r.errorChan = make(chan error, 10)
	}
	return r
}

// ErrorChan returns the channel for asynchronous errors
func (r *Router) ErrorChan() chan error {
	return r.errorChan
}

// AddAppPort attaches an application-side port to the router. Envelopes
// received on the port are demultiplexed by chain ID; one port may carry
// any number of sessions
func (r *Router) AddAppPort(port transport.Port) {
	r.waitGroup.Add(1)
	go func() {
		defer r.waitGroup.Done()
		r.appLoop(port)
	}()
}

// Sessions returns a snapshot of the currently relayed sessions
func (r *Router) Sessions() []SessionInfo {
	r.sessionsMutex.Lock()
	defer r.sessionsMutex.Unlock()
	ret := make([]SessionInfo, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sess.stateMutex.Lock()
		ret = append(
			ret,
			SessionInfo{
				ChainId:   sess.chainId,
				ChainName: sess.chainName,
				AppName:   sess.appName,
				State:     sess.state,
			},
		)
		sess.stateMutex.Unlock()
	}
	return ret
}

// Stop shuts down the router. Every active session receives its terminal
// disconnect envelope so no application is left waiting
func (r *Router) Stop() {
	r.onceStop.Do(func() {
		close(r.doneChan)
		r.sessionsMutex.Lock()
		sessions := make([]*session, 0, len(r.sessions))
		for _, sess := range r.sessions {
			sessions = append(sessions, sess)
		}
		r.sessionsMutex.Unlock()
		for _, sess := range sessions {
			r.terminateSession(sess, true)
		}
		r.waitGroup.Wait()
	})
}

func (r *Router) appLoop(port transport.Port) {
	for {
		select {
		case <-r.doneChan:
			return
		case <-port.Done():
			r.appPortClosed(port)
			return
		case data, ok := <-port.Receive():
			if !ok {
				r.appPortClosed(port)
				return
			}
			msg, err := protocol.DecodeToExtension(data)
			if err != nil {
				// Malformed envelopes from the far side of a trust
				// boundary are dropped, never forwarded
				r.logger.Debug(
					"dropping invalid envelope from application",
					"error", err,
				)
				continue
			}
			r.handleToExtension(port, msg, data)
		}
	}
}

func (r *Router) handleToExtension(
	port transport.Port,
	msg *protocol.MessageToExtension,
	data []byte,
) {
	switch msg.Action {
	case protocol.ActionConnect:
		r.handleConnect(port, msg, data)
	case protocol.ActionForward:
		r.handleForward(msg, data)
	case protocol.ActionDisconnect:
		r.handleDisconnect(msg, data)
	}
}

func (r *Router) handleConnect(
	port transport.Port,
	msg *protocol.MessageToExtension,
	data []byte,
) {
	r.sessionsMutex.Lock()
	if _, ok := r.sessions[msg.ChainId]; ok {
		r.sessionsMutex.Unlock()
		r.logger.Warn(
			"dropping connect for existing session",
			"chainId", msg.ChainId,
		)
		return
	}
	r.sessionsMutex.Unlock()
	if r.config.connector == nil {
		r.sendError(fmt.Errorf("no connector configured"))
		r.sendToApp(port, protocol.NewMsgPortClosed())
		return
	}
	extPort, err := r.config.connector(
		transport.PortInfo{
			Name:  transport.SessionPortName(msg.ChainId, port.Info().Url),
			TabId: port.Info().TabId,
			Url:   port.Info().Url,
		},
	)
	if err != nil {
		r.sendError(fmt.Errorf("connector error: %w", err))
		// The session never came up, so the application gets an error
		// followed by the terminal disconnect
		r.sendToApp(port, protocol.NewMsgError(err.Error()))
		r.sendToApp(port, protocol.NewMsgPortClosed())
		return
	}
	sess := &session{
		chainId:   msg.ChainId,
		chainName: msg.ChainName,
		appName:   msg.AppName,
		appPort:   port,
		extPort:   extPort,
		state:     protocol.StateConnecting,
	}
	r.sessionsMutex.Lock()
	r.sessions[msg.ChainId] = sess
	r.sessionsMutex.Unlock()
	if err := extPort.Send(data); err != nil {
		r.terminateSession(sess, true)
		return
	}
	r.waitGroup.Add(1)
	go func() {
		defer r.waitGroup.Done()
		r.extLoop(sess)
	}()
}

func (r *Router) handleForward(msg *protocol.MessageToExtension, data []byte) {
	sess := r.lookupSession(msg.ChainId)
	if sess == nil {
		r.logger.Debug(
			"dropping forward for unknown session",
			"chainId", msg.ChainId,
		)
		return
	}
	if err := sess.transition(protocol.EventForward); err != nil {
		r.logger.Debug(
			"dropping forward",
			"chainId", msg.ChainId,
			"error", err,
		)
		return
	}
	// Pass the envelope through byte-for-byte; the payload is opaque
	if err := sess.extPort.Send(data); err != nil {
		r.terminateSession(sess, true)
	}
}

func (r *Router) handleDisconnect(msg *protocol.MessageToExtension, data []byte) {
	sess := r.lookupSession(msg.ChainId)
	if sess == nil {
		r.logger.Debug(
			"dropping disconnect for unknown session",
			"chainId", msg.ChainId,
		)
		return
	}
	// Propagate the teardown to the background before closing. The
	// application initiated it, so no terminal envelope flows back
	_ = sess.extPort.Send(data)
	r.terminateSession(sess, false)
}

func (r *Router) extLoop(sess *session) {
	for {
		select {
		case <-r.doneChan:
			r.terminateSession(sess, true)
			return
		case <-sess.extPort.Done():
			r.terminateSession(sess, true)
			return
		case data, ok := <-sess.extPort.Receive():
			if !ok {
				r.terminateSession(sess, true)
				return
			}
			msg, err := protocol.DecodeToApplication(data)
			if err != nil {
				r.logger.Debug(
					"dropping invalid envelope from background",
					"chainId", sess.chainId,
					"error", err,
				)
				continue
			}
			if msg.Disconnect {
				r.terminateSession(sess, true)
				return
			}
			if msg.MessageType == protocol.MessageTypeRpc {
				// The first response relayed back acknowledges the session
				if err := sess.transition(protocol.EventAck); err != nil {
					r.logger.Debug(
						"dropping response",
						"chainId", sess.chainId,
						"error", err,
					)
					continue
				}
			}
			if err := sess.appPort.Send(data); err != nil {
				r.terminateSession(sess, true)
				return
			}
		}
	}
}

// appPortClosed tears down every session routed through a closed
// application port. The background side sees a disconnect action for each
// session so it can release the chain connections
func (r *Router) appPortClosed(port transport.Port) {
	r.sessionsMutex.Lock()
	var affected []*session
	for _, sess := range r.sessions {
		if sess.appPort == port {
			affected = append(affected, sess)
		}
	}
	r.sessionsMutex.Unlock()
	for _, sess := range affected {
		msg := protocol.NewMsgDisconnect(
			sess.appName,
			sess.chainId,
			sess.chainName,
		)
		if data, err := msg.Encode(); err == nil {
			_ = sess.extPort.Send(data)
		}
		r.terminateSession(sess, false)
	}
}

// terminateSession moves a session to its terminal state. With deliver set,
// the application side receives a single disconnect envelope; the once
// guard ensures at most one terminal delivery per session no matter how
// many paths race here
func (r *Router) terminateSession(sess *session, deliver bool) {
	sess.onceDisconnect.Do(func() {
		sess.stateMutex.Lock()
		sess.state = protocol.StateDisconnected
		sess.stateMutex.Unlock()
		if deliver {
			r.sendToApp(sess.appPort, protocol.NewMsgPortClosed())
		}
	})
	r.sessionsMutex.Lock()
	delete(r.sessions, sess.chainId)
	r.sessionsMutex.Unlock()
	sess.extPort.Close()
}

func (r *Router) lookupSession(chainId int) *session {
	r.sessionsMutex.Lock()
	defer r.sessionsMutex.Unlock()
	return r.sessions[chainId]
}

func (r *Router) sendToApp(port transport.Port, msg *protocol.MessageToApplication) {
	data, err := msg.Encode()
	if err != nil {
		r.sendError(fmt.Errorf("encode error: %w", err))
		return
	}
	_ = port.Send(data)
}

func (r *Router) sendError(err error) {
	select {
	case r.errorChan <- err:
	default:
		r.logger.Warn("error channel full", "error", err)
	}
}

func (s *session) transition(event protocol.Event) error {
	s.stateMutex.Lock()
	defer s.stateMutex.Unlock()
	newState, err := protocol.SessionStateMap.Transition(s.state, event)
	if err != nil {
		return err
	}
	s.state = newState
	return nil
}

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

// Package manager implements the extension background side of the relay:
// it owns the actual chain connections, consumes forwarded ToExtension
// envelopes, emits ToApplication envelopes, and is the primary writer of
// the state registry. Registry writes are partitioned by originating tab,
// so concurrent tabs never contend on a shared list
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"

	"github.com/blinklabs-io/extconnect/protocol"
	"github.com/blinklabs-io/extconnect/storage"
	"github.com/blinklabs-io/extconnect/transport"
	"github.com/jinzhu/copier"
)

// ConnClosedFunc is a function that takes the tab and chain IDs of a
// connection that has closed
type ConnClosedFunc func(tabId int, chainId int)

// Config is used to configure the ConnectionManager
type Config struct {
	backend        ChainBackend
	store          *storage.Store
	logger         *slog.Logger
	errorChan      chan error
	connClosedFunc ConnClosedFunc
}

// ConnectionManagerOptionFunc is a function that modifies the
// ConnectionManager config
type ConnectionManagerOptionFunc func(*Config)

// NewConfig returns a new ConnectionManager config object with the provided
// options
func NewConfig(options ...ConnectionManagerOptionFunc) Config {
	c := Config{}
	for _, option := range options {
		option(&c)
	}
	return c
}

// WithBackend specifies the chain backend executing the JSON-RPC business
// logic
func WithBackend(backend ChainBackend) ConnectionManagerOptionFunc {
	return func(c *Config) {
		c.backend = backend
	}
}

// WithStore specifies the state registry store. If none is provided, an
// in-memory store will be created
func WithStore(store *storage.Store) ConnectionManagerOptionFunc {
	return func(c *Config) {
		c.store = store
	}
}

// WithLogger specifies the logger to use. Defaults to slog.Default()
func WithLogger(logger *slog.Logger) ConnectionManagerOptionFunc {
	return func(c *Config) {
		c.logger = logger
	}
}

// WithErrorChan specifies the error channel to use. If none is provided,
// one will be created
func WithErrorChan(errorChan chan error) ConnectionManagerOptionFunc {
	return func(c *Config) {
		c.errorChan = errorChan
	}
}

// WithConnClosedFunc specifies a callback invoked after a connection closes
func WithConnClosedFunc(connClosedFunc ConnClosedFunc) ConnectionManagerOptionFunc {
	return func(c *Config) {
		c.connClosedFunc = connClosedFunc
	}
}

type connKey struct {
	tabId   int
	chainId int
}

type managedConnection struct {
	key       connKey
	chainName string
	appName   string
	port      transport.Port
	session   ChainSession
	started   bool
	infoMutex sync.Mutex
	info      storage.ExposedChainConnection
	onceClose sync.Once
}

// ConnectionManager owns the chain connections on behalf of every
// application tab and keeps the state registry current
type ConnectionManager struct {
	config     Config
	logger     *slog.Logger
	errorChan  chan error
	ctx        context.Context
	doneChan   chan struct{}
	onceStop   sync.Once
	waitGroup  sync.WaitGroup
	connsMutex sync.Mutex
	conns      map[connKey]*managedConnection
}

// NewConnectionManager returns a new ConnectionManager with the provided
// config
func NewConnectionManager(cfg *Config) *ConnectionManager {
	if cfg == nil {
		tmpCfg := NewConfig()
		cfg = &tmpCfg
	}
	c := &ConnectionManager{
		config:    *cfg,
		logger:    cfg.logger,
		errorChan: cfg.errorChan,
		ctx:       context.Background(),
		doneChan:  make(chan struct{}),
		conns:     make(map[connKey]*managedConnection),
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.errorChan == nil {
		c.errorChan = make(chan error, 10)
	}
	if c.config.store == nil {
		c.config.store = storage.NewStore(storage.NewMemoryBackend())
	}
	return c
}

// ErrorChan returns the channel for asynchronous errors
func (c *ConnectionManager) ErrorChan() chan error {
	return c.errorChan
}

// Store returns the state registry store
func (c *ConnectionManager) Store() *storage.Store {
	return c.config.store
}

// Start prepares the manager for accepting ports. Any active-chains
// partitions persisted by a previous extension lifecycle are cleared, since
// their owning tabs no longer exist
func (c *ConnectionManager) Start(ctx context.Context) error {
	c.ctx = ctx
	if err := c.config.store.ClearAllActiveChains(ctx); err != nil {
		return fmt.Errorf("clearing stale active chains: %w", err)
	}
	return nil
}

// Stop shuts down the manager and every chain connection it owns
func (c *ConnectionManager) Stop() {
	c.onceStop.Do(func() {
		close(c.doneChan)
		c.connsMutex.Lock()
		conns := make([]*managedConnection, 0, len(c.conns))
		for _, conn := range c.conns {
			conns = append(conns, conn)
		}
		c.connsMutex.Unlock()
		for _, conn := range conns {
			c.closeConnection(conn, true)
		}
		c.waitGroup.Wait()
	})
}

// AcceptPort attaches a forwarded session port from the content-script
// relay. One port carries exactly one chain session
func (c *ConnectionManager) AcceptPort(port transport.Port) {
	c.waitGroup.Add(1)
	go func() {
		defer c.waitGroup.Done()
		c.portLoop(port)
	}()
}

// Connections returns a deep-copied snapshot of every active chain
// connection. Callers cannot mutate registry state through the result
func (c *ConnectionManager) Connections() []storage.ExposedChainConnection {
	c.connsMutex.Lock()
	infos := make([]storage.ExposedChainConnection, 0, len(c.conns))
	for _, conn := range c.conns {
		conn.infoMutex.Lock()
		infos = append(infos, conn.info)
		conn.infoMutex.Unlock()
	}
	c.connsMutex.Unlock()
	var ret []storage.ExposedChainConnection
	if err := copier.CopyWithOption(
		&ret,
		&infos,
		copier.Option{DeepCopy: true},
	); err != nil {
		c.sendError(fmt.Errorf("connection snapshot: %w", err))
		return nil
	}
	return ret
}

func (c *ConnectionManager) portLoop(port transport.Port) {
	var conn *managedConnection
	for {
		select {
		case <-c.doneChan:
			return
		case <-port.Done():
			if conn != nil {
				c.closeConnection(conn, false)
			}
			return
		case data, ok := <-port.Receive():
			if !ok {
				if conn != nil {
					c.closeConnection(conn, false)
				}
				return
			}
			msg, err := protocol.DecodeToExtension(data)
			if err != nil {
				c.logger.Debug(
					"dropping invalid envelope from relay",
					"error", err,
				)
				continue
			}
			switch msg.Action {
			case protocol.ActionConnect:
				conn = c.handleConnect(port, msg)
			case protocol.ActionForward:
				c.handleForward(port, conn, msg)
			case protocol.ActionDisconnect:
				if conn != nil {
					c.closeConnection(conn, false)
				}
				return
			}
		}
	}
}

func (c *ConnectionManager) handleConnect(
	port transport.Port,
	msg *protocol.MessageToExtension,
) *managedConnection {
	key := connKey{
		tabId:   port.Info().TabId,
		chainId: msg.ChainId,
	}
	c.connsMutex.Lock()
	if _, ok := c.conns[key]; ok {
		c.connsMutex.Unlock()
		c.logger.Warn(
			"dropping connect for existing connection",
			"tabId", key.tabId,
			"chainId", key.chainId,
		)
		return nil
	}
	conn := &managedConnection{
		key:       key,
		chainName: msg.ChainName,
		appName:   msg.AppName,
		port:      port,
		info: storage.ExposedChainConnection{
			ChainId:   strconv.Itoa(msg.ChainId),
			ChainName: msg.ChainName,
			Tab: storage.TabInfo{
				Id:  port.Info().TabId,
				Url: port.Info().Url,
			},
		},
	}
	c.conns[key] = conn
	c.connsMutex.Unlock()
	c.writeTabPartition(key.tabId)
	// A connect envelope may carry the chain spec inline; otherwise the
	// spec arrives in a following forward envelope
	if msg.Payload != "" {
		c.startBackend(conn, msg.Payload, msg.ParachainPayload)
	}
	return conn
}

func (c *ConnectionManager) handleForward(
	port transport.Port,
	conn *managedConnection,
	msg *protocol.MessageToExtension,
) {
	if conn == nil {
		c.logger.Debug(
			"dropping forward before connect",
			"chainId", msg.ChainId,
		)
		return
	}
	switch msg.PayloadType {
	case protocol.PayloadTypeSpec:
		if conn.started {
			c.logger.Debug(
				"dropping spec for started chain",
				"chainId", msg.ChainId,
			)
			return
		}
		c.startBackend(conn, msg.Payload, msg.ParachainPayload)
	case protocol.PayloadTypeRpc:
		if !conn.started {
			c.sendToApp(
				port,
				protocol.NewMsgError("chain connection not ready"),
			)
			return
		}
		if err := conn.session.SendRpc(msg.Payload); err != nil {
			c.sendToApp(port, protocol.NewMsgError(err.Error()))
		}
	}
}

func (c *ConnectionManager) startBackend(
	conn *managedConnection,
	chainSpec string,
	parachainSpec string,
) {
	if c.config.backend == nil {
		c.sendToApp(
			conn.port,
			protocol.NewMsgError("no chain backend configured"),
		)
		return
	}
	session, err := c.config.backend.Start(
		c.ctx,
		StartParams{
			ChainName:     conn.chainName,
			ChainSpec:     chainSpec,
			ParachainSpec: parachainSpec,
		},
	)
	if err != nil {
		// Backend failures are a protocol-level error message to the
		// application, never a crash
		c.sendToApp(conn.port, protocol.NewMsgError(err.Error()))
		return
	}
	conn.session = session
	conn.started = true
	c.waitGroup.Add(2)
	go func() {
		defer c.waitGroup.Done()
		c.responsePump(conn)
	}()
	go func() {
		defer c.waitGroup.Done()
		c.healthPump(conn)
	}()
}

func (c *ConnectionManager) responsePump(conn *managedConnection) {
	for {
		select {
		case <-c.doneChan:
			return
		case resp, ok := <-conn.session.Responses():
			if !ok {
				// The backend session ended on its own; the application
				// gets the terminal disconnect
				c.closeConnection(conn, true)
				return
			}
			c.sendToApp(conn.port, protocol.NewMsgRpcResponse(resp))
		}
	}
}

func (c *ConnectionManager) healthPump(conn *managedConnection) {
	for {
		select {
		case <-c.doneChan:
			return
		case health, ok := <-conn.session.Health():
			if !ok {
				return
			}
			conn.infoMutex.Lock()
			conn.info.IsSyncing = health.IsSyncing
			conn.info.Peers = health.Peers
			conn.info.BestBlockHeight = health.BestBlockHeight
			conn.infoMutex.Unlock()
			c.writeTabPartition(conn.key.tabId)
		}
	}
}

// closeConnection releases a chain connection and removes it from its
// tab's registry partition. With sendTerminal set, the application side
// receives a single disconnect envelope
func (c *ConnectionManager) closeConnection(conn *managedConnection, sendTerminal bool) {
	conn.onceClose.Do(func() {
		if sendTerminal {
			c.sendToApp(conn.port, protocol.NewMsgPortClosed())
		}
		if conn.session != nil {
			conn.session.Close()
		}
		c.connsMutex.Lock()
		delete(c.conns, conn.key)
		c.connsMutex.Unlock()
		c.writeTabPartition(conn.key.tabId)
		conn.port.Close()
		if c.config.connClosedFunc != nil {
			c.config.connClosedFunc(conn.key.tabId, conn.key.chainId)
		}
	})
}

// writeTabPartition rewrites the active-chains partition owned by a single
// tab from the current connection set. No other tab's partition is touched
func (c *ConnectionManager) writeTabPartition(tabId int) {
	c.connsMutex.Lock()
	var conns []*managedConnection
	for _, conn := range c.conns {
		if conn.key.tabId == tabId {
			conns = append(conns, conn)
		}
	}
	sort.Slice(conns, func(i, j int) bool {
		return conns[i].key.chainId < conns[j].key.chainId
	})
	infos := make([]storage.ExposedChainConnection, 0, len(conns))
	for _, conn := range conns {
		conn.infoMutex.Lock()
		infos = append(infos, conn.info)
		conn.infoMutex.Unlock()
	}
	c.connsMutex.Unlock()
	var err error
	if len(infos) == 0 {
		err = c.config.store.RemoveActiveChains(c.ctx, tabId)
	} else {
		err = c.config.store.SetActiveChains(c.ctx, tabId, infos)
	}
	if err != nil {
		// Registry write failures must surface, not vanish
		c.sendError(fmt.Errorf("registry write for tab %d: %w", tabId, err))
	}
}

func (c *ConnectionManager) sendToApp(
	port transport.Port,
	msg *protocol.MessageToApplication,
) {
	data, err := msg.Encode()
	if err != nil {
		c.sendError(fmt.Errorf("encode error: %w", err))
		return
	}
	_ = port.Send(data)
}

func (c *ConnectionManager) sendError(err error) {
	select {
	case c.errorChan <- err:
	default:
		c.logger.Warn("error channel full", "error", err)
	}
}

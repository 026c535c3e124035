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

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/blinklabs-io/extconnect/manager"
	"github.com/blinklabs-io/extconnect/storage"
	"github.com/blinklabs-io/extconnect/transport/wsport"
)

func runDaemon(f *globalFlags, cfg *config) {
	var backend storage.Backend
	switch cfg.Storage.Backend {
	case "redis":
		redisBackend := storage.NewRedisBackend(
			cfg.Storage.RedisAddr,
			storage.WithKeyPrefix(cfg.Storage.KeyPrefix),
		)
		defer redisBackend.Close()
		backend = redisBackend
	default:
		backend = storage.NewMemoryBackend()
	}
	store := storage.NewStore(backend)

	ctx := context.Background()
	mgrCfg := manager.NewConfig(
		manager.WithBackend(&echoBackend{}),
		manager.WithStore(store),
		manager.WithLogger(slog.Default()),
	)
	mgr := manager.NewConnectionManager(&mgrCfg)
	if err := mgr.Start(ctx); err != nil {
		fmt.Printf("failed to start connection manager: %s\n", err)
		os.Exit(1)
	}
	defer mgr.Stop()

	go func() {
		for err := range mgr.ErrorChan() {
			slog.Error("connection manager error", "error", err)
		}
	}()

	// Log the aggregate view whenever any tab's partition changes
	cancel := store.OnActiveChainsChange(func() {
		connections, err := store.GetAllActiveChains(ctx)
		if err != nil {
			slog.Error("failed to read active chains", "error", err)
			return
		}
		slog.Info("active chains changed", "count", len(connections))
	})
	defer cancel()

	listener := wsport.NewListener()
	defer listener.Close()
	go func() {
		for port := range listener.Accept() {
			slog.Debug(
				"accepted port",
				"name", port.Info().Name,
				"tabId", port.Info().TabId,
			)
			mgr.AcceptPort(port)
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/", listener)
	slog.Info("listening", "address", cfg.Listen)
	if err := http.ListenAndServe(cfg.Listen, mux); err != nil {
		fmt.Printf("HTTP server error: %s\n", err)
		os.Exit(1)
	}
}

// echoBackend is a stand-in chain backend that echoes every RPC request
// back as its response. It exists so the daemon can run without a real
// chain client attached
type echoBackend struct{}

func (b *echoBackend) Start(
	_ context.Context,
	params manager.StartParams,
) (manager.ChainSession, error) {
	s := &echoSession{
		chainName:  params.ChainName,
		respChan:   make(chan string, 16),
		healthChan: make(chan manager.HealthStatus, 1),
	}
	s.healthChan <- manager.HealthStatus{Peers: 1}
	return s, nil
}

type echoSession struct {
	chainName  string
	mutex      sync.Mutex
	closed     bool
	respChan   chan string
	healthChan chan manager.HealthStatus
}

func (s *echoSession) SendRpc(rpc string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.closed {
		return fmt.Errorf("%s: session is closed", s.chainName)
	}
	select {
	case s.respChan <- rpc:
		return nil
	default:
		return fmt.Errorf("%s: response queue full", s.chainName)
	}
}

func (s *echoSession) Responses() <-chan string {
	return s.respChan
}

func (s *echoSession) Health() <-chan manager.HealthStatus {
	return s.healthChan
}

func (s *echoSession) Close() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if !s.closed {
		s.closed = true
		close(s.respChan)
		close(s.healthChan)
	}
	return nil
}

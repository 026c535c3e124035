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

package extconnect_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/blinklabs-io/extconnect"
	"github.com/blinklabs-io/extconnect/manager"
	"github.com/blinklabs-io/extconnect/router"
	"github.com/blinklabs-io/extconnect/storage"
	"github.com/blinklabs-io/extconnect/transport"
	"go.uber.org/goleak"
)

const testTimeout = 2 * time.Second

// echoBackend echoes every RPC request back as its response
type echoBackend struct{}

func (b *echoBackend) Start(
	_ context.Context,
	_ manager.StartParams,
) (manager.ChainSession, error) {
	return &echoSession{
		respChan:   make(chan string, 8),
		healthChan: make(chan manager.HealthStatus),
	}, nil
}

type echoSession struct {
	respChan   chan string
	healthChan chan manager.HealthStatus
}

func (s *echoSession) SendRpc(rpc string) error {
	select {
	case s.respChan <- rpc:
		return nil
	default:
		return errors.New("response queue full")
	}
}

func (s *echoSession) Responses() <-chan string {
	return s.respChan
}

func (s *echoSession) Health() <-chan manager.HealthStatus {
	return s.healthChan
}

func (s *echoSession) Close() error {
	return nil
}

// relayStack wires the full relay path in-process: provider ports feed the
// router through one runtime, router session ports feed the connection
// manager through another
type relayStack struct {
	store    *storage.Store
	manager  *manager.ConnectionManager
	router   *router.Router
	appRt    *transport.Runtime
	bgRt     *transport.Runtime
	quitChan chan struct{}
}

func newRelayStack(t *testing.T) *relayStack {
	t.Helper()
	s := &relayStack{
		store:    storage.NewStore(storage.NewMemoryBackend()),
		appRt:    transport.NewRuntime(),
		bgRt:     transport.NewRuntime(),
		quitChan: make(chan struct{}),
	}
	mgrCfg := manager.NewConfig(
		manager.WithBackend(&echoBackend{}),
		manager.WithStore(s.store),
	)
	s.manager = manager.NewConnectionManager(&mgrCfg)
	if err := s.manager.Start(t.Context()); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	routerCfg := router.NewConfig(
		router.WithConnector(s.bgRt.Connect),
	)
	s.router = router.New(&routerCfg)
	go func() {
		for {
			select {
			case <-s.quitChan:
				return
			case port := <-s.appRt.Accept():
				s.router.AddAppPort(port)
			}
		}
	}()
	go func() {
		for {
			select {
			case <-s.quitChan:
				return
			case port := <-s.bgRt.Accept():
				s.manager.AcceptPort(port)
			}
		}
	}()
	return s
}

func (s *relayStack) shutdown() {
	close(s.quitChan)
	s.router.Stop()
	s.manager.Stop()
	s.appRt.Close()
	s.bgRt.Close()
}

func newTestProvider(
	t *testing.T,
	stack *relayStack,
	chainName string,
) *extconnect.Provider {
	t.Helper()
	provider, err := extconnect.NewProvider(
		extconnect.WithAppName("test-app"),
		extconnect.WithChainName(chainName),
		extconnect.WithChainSpec(`{"name":"`+chainName+`"}`),
		extconnect.WithConnector(stack.appRt.Connect),
		extconnect.WithTabInfo(3, "https://app.example.com"),
	)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	return provider
}

func waitFor(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", desc)
}

func TestProviderEndToEnd(t *testing.T) {
	defer goleak.VerifyNone(t)
	stack := newRelayStack(t)
	defer stack.shutdown()
	provider := newTestProvider(t, stack, "westend")
	if err := provider.Connect(t.Context()); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if err := provider.Send("request-1"); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	select {
	case resp, ok := <-provider.Receive():
		if !ok {
			t.Fatalf("session disconnected before a response arrived")
		}
		if resp != "request-1" {
			t.Fatalf("did not get expected response: %q", resp)
		}
	case <-time.After(testTimeout):
		t.Fatalf("timeout waiting for response")
	}
	// The session shows up in the registry under the provider's tab
	waitFor(t, "registry entry", func() bool {
		conns, found, err := stack.store.GetActiveChains(t.Context(), 3)
		return err == nil && found && len(conns) == 1 &&
			conns[0].ChainName == "westend"
	})
	if err := provider.Disconnect(); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	waitFor(t, "registry entry removal", func() bool {
		conns, err := stack.store.GetAllActiveChains(t.Context())
		return err == nil && len(conns) == 0
	})
}

func TestProviderConcurrentSessions(t *testing.T) {
	defer goleak.VerifyNone(t)
	stack := newRelayStack(t)
	defer stack.shutdown()
	providerA := newTestProvider(t, stack, "westend")
	providerB := newTestProvider(t, stack, "kusama")
	if providerA.ChainId() == providerB.ChainId() {
		t.Fatalf("providers share a chain ID")
	}
	if err := providerA.Connect(t.Context()); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if err := providerB.Connect(t.Context()); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if err := providerA.Send("request-a"); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if err := providerB.Send("request-b"); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	// Each session receives only its own responses
	for _, testDef := range []struct {
		provider *extconnect.Provider
		expected string
	}{
		{providerA, "request-a"},
		{providerB, "request-b"},
	} {
		select {
		case resp := <-testDef.provider.Receive():
			if resp != testDef.expected {
				t.Fatalf(
					"did not get expected response: got %q, wanted %q",
					resp,
					testDef.expected,
				)
			}
		case <-time.After(testTimeout):
			t.Fatalf("timeout waiting for response")
		}
	}
	waitFor(t, "both sessions in registry", func() bool {
		conns, err := stack.store.GetAllActiveChains(t.Context())
		return err == nil && len(conns) == 2
	})
	if err := providerA.Disconnect(); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	waitFor(t, "one session left in registry", func() bool {
		conns, err := stack.store.GetAllActiveChains(t.Context())
		return err == nil && len(conns) == 1 &&
			conns[0].ChainName == "kusama"
	})
	// The surviving session is unaffected by the teardown
	if err := providerB.Send("request-b2"); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	select {
	case resp := <-providerB.Receive():
		if resp != "request-b2" {
			t.Fatalf("did not get expected response: %q", resp)
		}
	case <-time.After(testTimeout):
		t.Fatalf("timeout waiting for response")
	}
	if err := providerB.Disconnect(); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
}

func TestProviderRemoteDisconnect(t *testing.T) {
	defer goleak.VerifyNone(t)
	stack := newRelayStack(t)
	defer stack.shutdown()
	provider := newTestProvider(t, stack, "westend")
	if err := provider.Connect(t.Context()); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if err := provider.Send("request-1"); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	select {
	case <-provider.Receive():
	case <-time.After(testTimeout):
		t.Fatalf("timeout waiting for response")
	}
	// Tearing down the relay delivers the terminal disconnect and closes
	// the receive channel
	stack.router.Stop()
	waitFor(t, "receive channel closure", func() bool {
		select {
		case _, ok := <-provider.Receive():
			return !ok
		default:
			return false
		}
	})
	if err := provider.Send("late"); !errors.Is(err, extconnect.ErrDisconnected) {
		t.Fatalf("did not get expected error: %v", err)
	}
}

func TestProviderSendBeforeConnect(t *testing.T) {
	defer goleak.VerifyNone(t)
	stack := newRelayStack(t)
	defer stack.shutdown()
	provider := newTestProvider(t, stack, "westend")
	if err := provider.Send("early"); !errors.Is(err, extconnect.ErrNotConnected) {
		t.Fatalf("did not get expected error: %v", err)
	}
	if err := provider.Disconnect(); !errors.Is(err, extconnect.ErrNotConnected) {
		t.Fatalf("did not get expected error: %v", err)
	}
}

func TestProviderDoubleConnect(t *testing.T) {
	defer goleak.VerifyNone(t)
	stack := newRelayStack(t)
	defer stack.shutdown()
	provider := newTestProvider(t, stack, "westend")
	if err := provider.Connect(t.Context()); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if err := provider.Connect(t.Context()); !errors.Is(err, extconnect.ErrAlreadyConnected) {
		t.Fatalf("did not get expected error: %v", err)
	}
	if err := provider.Disconnect(); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
}

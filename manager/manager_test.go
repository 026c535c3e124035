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

package manager_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/blinklabs-io/extconnect/manager"
	"github.com/blinklabs-io/extconnect/protocol"
	"github.com/blinklabs-io/extconnect/storage"
	"github.com/blinklabs-io/extconnect/transport"
	"go.uber.org/goleak"
)

const testTimeout = 2 * time.Second

// mockBackend records started sessions and echoes every RPC request back
// with a fixed prefix
type mockBackend struct {
	startErr error
	mutex    sync.Mutex
	sessions []*mockSession
}

func (b *mockBackend) Start(
	_ context.Context,
	params manager.StartParams,
) (manager.ChainSession, error) {
	if b.startErr != nil {
		return nil, b.startErr
	}
	s := &mockSession{
		params:     params,
		respChan:   make(chan string, 8),
		healthChan: make(chan manager.HealthStatus, 8),
	}
	b.mutex.Lock()
	b.sessions = append(b.sessions, s)
	b.mutex.Unlock()
	return s, nil
}

func (b *mockBackend) session(t *testing.T, idx int) *mockSession {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for time.Now().Before(deadline) {
		b.mutex.Lock()
		if len(b.sessions) > idx {
			s := b.sessions[idx]
			b.mutex.Unlock()
			return s
		}
		b.mutex.Unlock()
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for backend session %d", idx)
	return nil
}

type mockSession struct {
	params     manager.StartParams
	mutex      sync.Mutex
	closed     bool
	respChan   chan string
	healthChan chan manager.HealthStatus
}

func (s *mockSession) SendRpc(rpc string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.closed {
		return errors.New("session is closed")
	}
	s.respChan <- "echo:" + rpc
	return nil
}

func (s *mockSession) Responses() <-chan string {
	return s.respChan
}

func (s *mockSession) Health() <-chan manager.HealthStatus {
	return s.healthChan
}

func (s *mockSession) pushHealth(health manager.HealthStatus) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if !s.closed {
		s.healthChan <- health
	}
}

func (s *mockSession) Close() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if !s.closed {
		s.closed = true
		close(s.respChan)
		close(s.healthChan)
	}
	return nil
}

func newTestManager(
	t *testing.T,
	backend manager.ChainBackend,
) (*manager.ConnectionManager, *storage.Store) {
	t.Helper()
	store := storage.NewStore(storage.NewMemoryBackend())
	cfg := manager.NewConfig(
		manager.WithBackend(backend),
		manager.WithStore(store),
	)
	mgr := manager.NewConnectionManager(&cfg)
	if err := mgr.Start(t.Context()); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	return mgr, store
}

// newSessionPort attaches a fresh session port for the given tab and returns
// the application-facing end
func newSessionPort(
	mgr *manager.ConnectionManager,
	chainId int,
	tabId int,
	url string,
) transport.Port {
	near, far := transport.Pipe(
		transport.PortInfo{
			Name:  transport.SessionPortName(chainId, url),
			TabId: tabId,
			Url:   url,
		},
	)
	mgr.AcceptPort(far)
	return near
}

func mustSendMsg(
	t *testing.T,
	port transport.Port,
	msg *protocol.MessageToExtension,
) {
	t.Helper()
	data, err := msg.Encode()
	if err != nil {
		t.Fatalf("unexpected encode error: %s", err)
	}
	if err := port.Send(data); err != nil {
		t.Fatalf("unexpected send error: %s", err)
	}
}

func recvMsg(t *testing.T, port transport.Port) *protocol.MessageToApplication {
	t.Helper()
	select {
	case data := <-port.Receive():
		msg, err := protocol.DecodeToApplication(data)
		if err != nil {
			t.Fatalf("unexpected decode error: %s", err)
		}
		return msg
	case <-time.After(testTimeout):
		t.Fatalf("timeout waiting for message")
		return nil
	}
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

func TestManagerConnectRegistersPartition(t *testing.T) {
	defer goleak.VerifyNone(t)
	backend := &mockBackend{}
	mgr, store := newTestManager(t, backend)
	defer mgr.Stop()
	port := newSessionPort(mgr, 1, 7, "https://app.example.com")
	mustSendMsg(t, port, protocol.NewMsgConnect("test-app", 1, "westend"))
	waitFor(t, "registry partition for tab 7", func() bool {
		conns, found, err := store.GetActiveChains(t.Context(), 7)
		if err != nil || !found || len(conns) != 1 {
			return false
		}
		return conns[0].ChainName == "westend" &&
			conns[0].ChainId == "1" &&
			conns[0].Tab.Id == 7 &&
			conns[0].Tab.Url == "https://app.example.com"
	})
	mustSendMsg(t, port, protocol.NewMsgDisconnect("test-app", 1, "westend"))
	waitFor(t, "registry partition removal", func() bool {
		_, found, err := store.GetActiveChains(t.Context(), 7)
		return err == nil && !found
	})
	select {
	case <-port.Done():
	case <-time.After(testTimeout):
		t.Fatalf("session port not closed after disconnect")
	}
}

func TestManagerSpecThenRpc(t *testing.T) {
	defer goleak.VerifyNone(t)
	backend := &mockBackend{}
	mgr, _ := newTestManager(t, backend)
	defer mgr.Stop()
	port := newSessionPort(mgr, 1, 7, "https://app.example.com")
	mustSendMsg(t, port, protocol.NewMsgConnect("test-app", 1, "westend"))
	mustSendMsg(
		t,
		port,
		protocol.NewMsgForwardSpec(
			"test-app",
			1,
			"westend",
			`{"name":"Westend"}`,
			`{"name":"Westmint"}`,
		),
	)
	session := backend.session(t, 0)
	if session.params.ChainName != "westend" {
		t.Fatalf(
			"did not get expected chain name: %q",
			session.params.ChainName,
		)
	}
	if session.params.ChainSpec != `{"name":"Westend"}` {
		t.Fatalf("did not get expected chain spec: %q", session.params.ChainSpec)
	}
	if session.params.ParachainSpec != `{"name":"Westmint"}` {
		t.Fatalf(
			"did not get expected parachain spec: %q",
			session.params.ParachainSpec,
		)
	}
	mustSendMsg(
		t,
		port,
		protocol.NewMsgForwardRpc("test-app", 1, "westend", "request-1"),
	)
	msg := recvMsg(t, port)
	if msg.MessageType != protocol.MessageTypeRpc {
		t.Fatalf("did not get expected message type: %q", msg.MessageType)
	}
	if msg.Payload != "echo:request-1" {
		t.Fatalf("did not get expected payload: %q", msg.Payload)
	}
}

func TestManagerConnectInlineSpec(t *testing.T) {
	defer goleak.VerifyNone(t)
	backend := &mockBackend{}
	mgr, _ := newTestManager(t, backend)
	defer mgr.Stop()
	port := newSessionPort(mgr, 1, 7, "https://app.example.com")
	msg := protocol.NewMsgConnect("test-app", 1, "westend")
	msg.Payload = `{"name":"Westend"}`
	mustSendMsg(t, port, msg)
	session := backend.session(t, 0)
	if session.params.ChainSpec != `{"name":"Westend"}` {
		t.Fatalf("did not get expected chain spec: %q", session.params.ChainSpec)
	}
}

func TestManagerRpcBeforeSpec(t *testing.T) {
	defer goleak.VerifyNone(t)
	backend := &mockBackend{}
	mgr, _ := newTestManager(t, backend)
	defer mgr.Stop()
	port := newSessionPort(mgr, 1, 7, "https://app.example.com")
	mustSendMsg(t, port, protocol.NewMsgConnect("test-app", 1, "westend"))
	mustSendMsg(
		t,
		port,
		protocol.NewMsgForwardRpc("test-app", 1, "westend", "request-1"),
	)
	msg := recvMsg(t, port)
	if msg.MessageType != protocol.MessageTypeError {
		t.Fatalf("did not get expected error envelope: %#v", msg)
	}
}

func TestManagerBackendStartError(t *testing.T) {
	defer goleak.VerifyNone(t)
	backend := &mockBackend{startErr: errors.New("bad chain spec")}
	mgr, _ := newTestManager(t, backend)
	defer mgr.Stop()
	port := newSessionPort(mgr, 1, 7, "https://app.example.com")
	mustSendMsg(t, port, protocol.NewMsgConnect("test-app", 1, "westend"))
	mustSendMsg(
		t,
		port,
		protocol.NewMsgForwardSpec("test-app", 1, "westend", "{}", ""),
	)
	// A backend failure is reported as an error envelope, not a crash
	msg := recvMsg(t, port)
	if msg.MessageType != protocol.MessageTypeError {
		t.Fatalf("did not get expected error envelope: %#v", msg)
	}
	if msg.Payload != "bad chain spec" {
		t.Fatalf("did not get expected payload: %q", msg.Payload)
	}
}

func TestManagerHealthUpdatesOwnPartitionOnly(t *testing.T) {
	defer goleak.VerifyNone(t)
	backend := &mockBackend{}
	mgr, store := newTestManager(t, backend)
	defer mgr.Stop()
	portA := newSessionPort(mgr, 1, 7, "https://app-a.example.com")
	mustSendMsg(t, portA, protocol.NewMsgConnect("app-a", 1, "westend"))
	mustSendMsg(
		t,
		portA,
		protocol.NewMsgForwardSpec("app-a", 1, "westend", "{}", ""),
	)
	portB := newSessionPort(mgr, 2, 9, "https://app-b.example.com")
	mustSendMsg(t, portB, protocol.NewMsgConnect("app-b", 2, "kusama"))
	mustSendMsg(
		t,
		portB,
		protocol.NewMsgForwardSpec("app-b", 2, "kusama", "{}", ""),
	)
	sessionA := backend.session(t, 0)
	backend.session(t, 1)
	height := uint64(12345)
	sessionA.pushHealth(
		manager.HealthStatus{
			IsSyncing:       true,
			Peers:           4,
			BestBlockHeight: &height,
		},
	)
	waitFor(t, "health update in tab 7 partition", func() bool {
		conns, found, err := store.GetActiveChains(t.Context(), 7)
		if err != nil || !found || len(conns) != 1 {
			return false
		}
		return conns[0].IsSyncing &&
			conns[0].Peers == 4 &&
			conns[0].BestBlockHeight != nil &&
			*conns[0].BestBlockHeight == height
	})
	// The other tab's partition is untouched
	conns, found, err := store.GetActiveChains(t.Context(), 9)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if !found || len(conns) != 1 {
		t.Fatalf("did not find partition for tab 9")
	}
	if conns[0].Peers != 0 || conns[0].IsSyncing {
		t.Fatalf("tab 9 partition was modified: %#v", conns[0])
	}
	// The fan-in read sees both connections
	allConns, err := store.GetAllActiveChains(t.Context())
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if len(allConns) != 2 {
		t.Fatalf("expected 2 connections, got %d", len(allConns))
	}
	if len(mgr.Connections()) != 2 {
		t.Fatalf("expected 2 connections in snapshot")
	}
}

func TestManagerStartClearsStaleState(t *testing.T) {
	defer goleak.VerifyNone(t)
	store := storage.NewStore(storage.NewMemoryBackend())
	ctx := t.Context()
	// Partitions persisted by a previous lifecycle
	if err := store.SetActiveChains(
		ctx,
		1,
		[]storage.ExposedChainConnection{{ChainId: "9", ChainName: "stale"}},
	); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	cfg := manager.NewConfig(
		manager.WithBackend(&mockBackend{}),
		manager.WithStore(store),
	)
	mgr := manager.NewConnectionManager(&cfg)
	if err := mgr.Start(ctx); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	defer mgr.Stop()
	conns, err := store.GetAllActiveChains(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if len(conns) != 0 {
		t.Fatalf("stale partitions survived startup: %#v", conns)
	}
}

func TestManagerConnClosedCallback(t *testing.T) {
	defer goleak.VerifyNone(t)
	var mutex sync.Mutex
	var closedTab, closedChain int
	store := storage.NewStore(storage.NewMemoryBackend())
	cfg := manager.NewConfig(
		manager.WithBackend(&mockBackend{}),
		manager.WithStore(store),
		manager.WithConnClosedFunc(func(tabId int, chainId int) {
			mutex.Lock()
			closedTab = tabId
			closedChain = chainId
			mutex.Unlock()
		}),
	)
	mgr := manager.NewConnectionManager(&cfg)
	if err := mgr.Start(t.Context()); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	defer mgr.Stop()
	port := newSessionPort(mgr, 5, 7, "https://app.example.com")
	mustSendMsg(t, port, protocol.NewMsgConnect("test-app", 5, "westend"))
	mustSendMsg(t, port, protocol.NewMsgDisconnect("test-app", 5, "westend"))
	waitFor(t, "close callback", func() bool {
		mutex.Lock()
		defer mutex.Unlock()
		return closedTab == 7 && closedChain == 5
	})
}

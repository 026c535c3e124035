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
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/blinklabs-io/extconnect"
	"github.com/blinklabs-io/extconnect/router"
	"github.com/blinklabs-io/extconnect/transport"
	"github.com/blinklabs-io/extconnect/transport/wsport"
)

type callFlags struct {
	flagset   *flag.FlagSet
	url       string
	chainName string
	chainSpec string
	appName   string
	rpc       string
	timeout   time.Duration
}

func newCallFlags(cfg *config) *callFlags {
	f := &callFlags{
		flagset: flag.NewFlagSet("call", flag.ExitOnError),
	}
	f.flagset.StringVar(
		&f.url,
		"url",
		fmt.Sprintf("ws://%s/", cfg.Listen),
		"WebSocket URL of the extconnect daemon",
	)
	f.flagset.StringVar(&f.chainName, "chain", "westend", "chain name")
	f.flagset.StringVar(
		&f.chainSpec,
		"spec",
		"{}",
		"chain specification JSON",
	)
	f.flagset.StringVar(&f.appName, "app", "extconnect-cli", "application name")
	f.flagset.StringVar(
		&f.rpc,
		"rpc",
		`{"id":1,"jsonrpc":"2.0","method":"system_health","params":[]}`,
		"JSON-RPC request to send",
	)
	f.flagset.DurationVar(
		&f.timeout,
		"timeout",
		10*time.Second,
		"time to wait for a response",
	)
	return f
}

func runCall(f *globalFlags, cfg *config) {
	callF := newCallFlags(cfg)
	if err := callF.flagset.Parse(f.flagset.Args()[1:]); err != nil {
		fmt.Printf("failed to parse command args: %s\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), callF.timeout)
	defer cancel()

	// The runtime stands in for window messaging between the provider and
	// the relay; the relay reaches the daemon over WebSocket
	rt := transport.NewRuntime()
	defer rt.Close()
	routerCfg := router.NewConfig(
		router.WithConnector(
			func(info transport.PortInfo) (transport.Port, error) {
				return wsport.Dial(ctx, callF.url, info)
			},
		),
	)
	rtr := router.New(&routerCfg)
	defer rtr.Stop()
	go func() {
		for port := range rt.Accept() {
			rtr.AddAppPort(port)
		}
	}()

	provider, err := extconnect.NewProvider(
		extconnect.WithAppName(callF.appName),
		extconnect.WithChainName(callF.chainName),
		extconnect.WithChainSpec(callF.chainSpec),
		extconnect.WithConnector(rt.Connect),
		extconnect.WithTabInfo(1, "cli://extconnect"),
	)
	if err != nil {
		fmt.Printf("failed to create provider: %s\n", err)
		os.Exit(1)
	}
	if err := provider.Connect(ctx); err != nil {
		fmt.Printf("failed to connect: %s\n", err)
		os.Exit(1)
	}
	if err := provider.Send(callF.rpc); err != nil {
		fmt.Printf("failed to send RPC: %s\n", err)
		os.Exit(1)
	}

	select {
	case resp, ok := <-provider.Receive():
		if !ok {
			fmt.Printf("session disconnected before a response arrived\n")
			os.Exit(1)
		}
		fmt.Println(resp)
	case err := <-provider.ErrorChan():
		fmt.Printf("RPC error: %s\n", err)
		os.Exit(1)
	case <-ctx.Done():
		fmt.Printf("timed out waiting for a response\n")
		os.Exit(1)
	}
	_ = provider.Disconnect()
}

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

package extconnect

import "log/slog"

// ProviderOptionFunc is a type that represents functions that modify the
// Provider config
type ProviderOptionFunc func(*Provider)

// WithAppName specifies the display name of the requesting application
func WithAppName(appName string) ProviderOptionFunc {
	return func(p *Provider) {
		p.appName = appName
	}
}

// WithChainName specifies the logical network to connect to
func WithChainName(chainName string) ProviderOptionFunc {
	return func(p *Provider) {
		p.chainName = chainName
	}
}

// WithChainSpec specifies the chain specification sent after connecting
func WithChainSpec(chainSpec string) ProviderOptionFunc {
	return func(p *Provider) {
		p.chainSpec = chainSpec
	}
}

// WithParachainSpec specifies the parachain specification sent alongside
// the chain spec
func WithParachainSpec(parachainSpec string) ProviderOptionFunc {
	return func(p *Provider) {
		p.parachainSpec = parachainSpec
	}
}

// WithConnector specifies how the provider reaches the content-script
// relay
func WithConnector(connector ConnectorFunc) ProviderOptionFunc {
	return func(p *Provider) {
		p.connector = connector
	}
}

// WithTabInfo specifies the identity of the browser tab hosting the
// application
func WithTabInfo(tabId int, url string) ProviderOptionFunc {
	return func(p *Provider) {
		p.tabId = tabId
		p.url = url
	}
}

// WithLogger specifies the logger to use. Defaults to slog.Default()
func WithLogger(logger *slog.Logger) ProviderOptionFunc {
	return func(p *Provider) {
		p.logger = logger
	}
}

// WithErrorChan specifies the error channel to use. If none is provided,
// one will be created
func WithErrorChan(errorChan chan error) ProviderOptionFunc {
	return func(p *Provider) {
		p.errorChan = errorChan
	}
}

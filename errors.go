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

import "errors"

var (
	// ErrNotConnected is returned when using a provider before Connect
	ErrNotConnected = errors.New("provider is not connected")
	// ErrAlreadyConnected is returned when connecting a provider twice
	ErrAlreadyConnected = errors.New("provider is already connected")
	// ErrDisconnected is returned when using a provider whose session has
	// terminated
	ErrDisconnected = errors.New("provider is disconnected")
)

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

package protocol

import "errors"

// Envelope validation errors. A relay or endpoint receiving an envelope
// that fails validation drops it rather than terminating the process
var (
	ErrInvalidOrigin      = errors.New("invalid envelope origin")
	ErrInvalidAction      = errors.New("invalid envelope action")
	ErrInvalidPayloadType = errors.New("invalid envelope payload type")
	ErrInvalidMessageType = errors.New("invalid envelope message type")
)

// ErrProtocolViolationInvalidTransition is returned when an event is applied
// to a session state that has no matching transition
var ErrProtocolViolationInvalidTransition = errors.New(
	"protocol violation: invalid state transition",
)

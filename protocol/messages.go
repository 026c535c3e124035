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

import (
	"fmt"

	"github.com/goccy/go-json"
)

// Origin tags identify the sending role of an envelope. A receiver must
// ignore envelopes whose origin does not match the expected sender for
// its channel
const (
	OriginExtensionProvider = "extension-provider"
	OriginContentScript     = "content-script"
)

// Connection lifecycle actions carried by MessageToExtension
const (
	ActionForward    = "forward"
	ActionConnect    = "connect"
	ActionDisconnect = "disconnect"
)

// Payload discriminators for MessageToExtension with action "forward"
const (
	PayloadTypeRpc  = "rpc"
	PayloadTypeSpec = "spec"
)

// Payload discriminators for MessageToApplication
const (
	MessageTypeRpc   = "rpc"
	MessageTypeError = "error"
)

// MessageToExtension is the envelope sent from the extension provider in the
// application context toward the extension background. The content-script
// relay forwards it without inspecting the payload
type MessageToExtension struct {
	Origin           string `json:"origin"`
	AppName          string `json:"appName"`
	ChainId          int    `json:"chainId"`
	ChainName        string `json:"chainName"`
	Action           string `json:"action"`
	PayloadType      string `json:"type,omitempty"`
	Payload          string `json:"payload,omitempty"`
	ParachainPayload string `json:"parachainPayload,omitempty"`
}

// MessageToApplication is the envelope sent from the extension background
// toward the application. Disconnect set to true is a terminal signal for
// the session and makes the other fields irrelevant
type MessageToApplication struct {
	Origin      string `json:"origin"`
	Disconnect  bool   `json:"disconnect,omitempty"`
	MessageType string `json:"type,omitempty"`
	Payload     string `json:"payload,omitempty"`
}

// NewMsgConnect returns a connect envelope establishing a new chain session
func NewMsgConnect(appName string, chainId int, chainName string) *MessageToExtension {
	msg := &MessageToExtension{
		Origin:    OriginExtensionProvider,
		AppName:   appName,
		ChainId:   chainId,
		ChainName: chainName,
		Action:    ActionConnect,
	}
	return msg
}

// NewMsgForwardRpc returns a forward envelope carrying a JSON-RPC request
func NewMsgForwardRpc(appName string, chainId int, chainName string, rpc string) *MessageToExtension {
	msg := &MessageToExtension{
		Origin:      OriginExtensionProvider,
		AppName:     appName,
		ChainId:     chainId,
		ChainName:   chainName,
		Action:      ActionForward,
		PayloadType: PayloadTypeRpc,
		Payload:     rpc,
	}
	return msg
}

// NewMsgForwardSpec returns a forward envelope carrying a chain specification.
// The parachain spec may be empty when connecting directly to a relay chain
func NewMsgForwardSpec(
	appName string,
	chainId int,
	chainName string,
	chainSpec string,
	parachainSpec string,
) *MessageToExtension {
	msg := &MessageToExtension{
		Origin:           OriginExtensionProvider,
		AppName:          appName,
		ChainId:          chainId,
		ChainName:        chainName,
		Action:           ActionForward,
		PayloadType:      PayloadTypeSpec,
		Payload:          chainSpec,
		ParachainPayload: parachainSpec,
	}
	return msg
}

// NewMsgDisconnect returns a disconnect envelope tearing down a chain session
func NewMsgDisconnect(appName string, chainId int, chainName string) *MessageToExtension {
	msg := &MessageToExtension{
		Origin:    OriginExtensionProvider,
		AppName:   appName,
		ChainId:   chainId,
		ChainName: chainName,
		Action:    ActionDisconnect,
	}
	return msg
}

// NewMsgRpcResponse returns an envelope carrying a JSON-RPC response
func NewMsgRpcResponse(rpc string) *MessageToApplication {
	msg := &MessageToApplication{
		Origin:      OriginContentScript,
		MessageType: MessageTypeRpc,
		Payload:     rpc,
	}
	return msg
}

// NewMsgError returns an envelope reporting a protocol-level error. This is
// a normal informational message, not a terminal signal
func NewMsgError(message string) *MessageToApplication {
	msg := &MessageToApplication{
		Origin:      OriginContentScript,
		MessageType: MessageTypeError,
		Payload:     message,
	}
	return msg
}

// NewMsgPortClosed returns the terminal disconnect envelope delivered when
// the underlying transport for a session has closed
func NewMsgPortClosed() *MessageToApplication {
	msg := &MessageToApplication{
		Origin:     OriginContentScript,
		Disconnect: true,
	}
	return msg
}

// Encode returns the JSON encoding of the envelope
func (m *MessageToExtension) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Encode returns the JSON encoding of the envelope
func (m *MessageToApplication) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeToExtension decodes and validates a MessageToExtension envelope.
// Envelopes with the wrong origin tag, an unknown action, or a forward
// action without a valid payload type are rejected. Callers on a trust
// boundary are expected to drop rejected envelopes rather than fail
func DecodeToExtension(data []byte) (*MessageToExtension, error) {
	var msg MessageToExtension
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode error: %w", err)
	}
	if msg.Origin != OriginExtensionProvider {
		return nil, fmt.Errorf(
			"%w: expected %q but received %q",
			ErrInvalidOrigin,
			OriginExtensionProvider,
			msg.Origin,
		)
	}
	switch msg.Action {
	case ActionConnect, ActionDisconnect:
		// No payload type on lifecycle actions
	case ActionForward:
		if msg.PayloadType != PayloadTypeRpc &&
			msg.PayloadType != PayloadTypeSpec {
			return nil, fmt.Errorf(
				"%w: %q",
				ErrInvalidPayloadType,
				msg.PayloadType,
			)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidAction, msg.Action)
	}
	return &msg, nil
}

// DecodeToApplication decodes and validates a MessageToApplication envelope.
// A disconnect envelope is always valid regardless of the remaining fields
func DecodeToApplication(data []byte) (*MessageToApplication, error) {
	var msg MessageToApplication
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode error: %w", err)
	}
	if msg.Origin != OriginContentScript {
		return nil, fmt.Errorf(
			"%w: expected %q but received %q",
			ErrInvalidOrigin,
			OriginContentScript,
			msg.Origin,
		)
	}
	if !msg.Disconnect {
		if msg.MessageType != MessageTypeRpc &&
			msg.MessageType != MessageTypeError {
			return nil, fmt.Errorf(
				"%w: %q",
				ErrInvalidMessageType,
				msg.MessageType,
			)
		}
	}
	return &msg, nil
}

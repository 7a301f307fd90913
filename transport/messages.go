// Copyright 2021-2022 The connhub Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package transport

import (
	"encoding/json"
)

// Client to server message types
const (
	MsgRegister   = "register"
	MsgResponse   = "response"
	MsgRequest    = "request"
	MsgUnregister = "unregister"
	MsgHeartbeat  = "heartbeat"
)

// Server to client message types, in addition to the hub envelopes
const (
	MsgRegistered = "registered"
	MsgResult     = "result"
	MsgError      = "error"
)

// ClientMessage a message from a client
type ClientMessage struct {
	// Type message type
	Type string `json:"type" validate:"required,oneof=register response request unregister heartbeat"`
	// ClientID client ID. Optional on a WebSocket register; required on every NATS message.
	ClientID string `json:"clientId,omitempty"`
	// Metadata client metadata, for register
	Metadata map[string]interface{} `json:"metadata,omitempty"`
	// Procedures procedures the client exposes, for register
	Procedures []string `json:"procedures,omitempty"`
	// ID correlation ID, for response and request
	ID string `json:"id,omitempty" validate:"required_if=Type response,required_if=Type request"`
	// Path procedure name, for request
	Path string `json:"path,omitempty" validate:"required_if=Type request"`
	// Input procedure input, for request
	Input json.RawMessage `json:"input,omitempty"`
	// Result procedure result, for response
	Result json.RawMessage `json:"result,omitempty"`
	// Error procedure error, for response
	Error string `json:"error,omitempty"`
}

// RegisteredMessage acknowledges a register
type RegisteredMessage struct {
	Type     string `json:"type"`
	ClientID string `json:"clientId"`
	ServerID string `json:"serverId"`
}

// ResultMessage the outcome of a client request
type ResultMessage struct {
	Type   string      `json:"type"`
	ID     string      `json:"id"`
	Result interface{} `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// ErrorMessage reports a message the server could not process
type ErrorMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// responseResult the response result as passed to the hub
func (m ClientMessage) responseResult() interface{} {
	if len(m.Result) == 0 {
		return nil
	}
	return m.Result
}

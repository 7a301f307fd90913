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

package dataplane

import (
	"context"
	"errors"
	"time"
)

// ErrConnectionNotFound the target client is not currently registered
var ErrConnectionNotFound = errors.New("connection not found")

// ErrRequestTimeout no response arrived before the request deadline
var ErrRequestTimeout = errors.New("request timeout")

// ErrDeliveryFailed the transport rejected a message to a client
var ErrDeliveryFailed = errors.New("delivery failed")

// ErrHubStopped the hub stopped while the request was outstanding
var ErrHubStopped = errors.New("connection hub stopped")

// ClientError is an error message reported by a client in its response
type ClientError struct {
	Message string
}

// Error implements error
func (e *ClientError) Error() string {
	return e.Message
}

// ==============================================================================

// DeliverMessageCB function which transmits a message to one specific client.
// The message is a JSON serializable envelope.
type DeliverMessageCB func(ctxt context.Context, msg interface{}) error

// TrackedConnection a registered client connection
type TrackedConnection struct {
	// ID the client ID
	ID string `validate:"required"`
	// ConnectedAt when the client connected
	ConnectedAt time.Time
	// Metadata free-form client metadata
	Metadata map[string]interface{}
	// Procedures names of the procedures the client exposes
	Procedures []string
	// Deliver transmits a message to the client
	Deliver DeliverMessageCB `validate:"required"`
}

// ConnectionInfo external view of a TrackedConnection
type ConnectionInfo struct {
	ID          string                 `json:"id"`
	ConnectedAt string                 `json:"connectedAt"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	Procedures  []string               `json:"procedures,omitempty"`
}

// isoTimestampFormat millisecond precision ISO-8601 in UTC
const isoTimestampFormat = "2006-01-02T15:04:05.000Z07:00"

// FormatTimestamp format a timestamp for external consumption
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(isoTimestampFormat)
}

// Subscription a client's interest in one topic
type Subscription struct {
	ID        string    `json:"id"`
	Topic     string    `json:"topic"`
	ClientID  string    `json:"clientId"`
	CreatedAt time.Time `json:"createdAt"`
}

// ==============================================================================

// Message types of the envelopes sent to clients
const (
	EnvelopeServerRequest = "server-request"
	EnvelopeEvent         = "event"
)

// ServerRequest a server to client procedure call
type ServerRequest struct {
	Type  string      `json:"type"`
	ID    string      `json:"id"`
	Path  []string    `json:"path"`
	Input interface{} `json:"input,omitempty"`
}

// TopicEvent a published message delivered to a subscriber
type TopicEvent struct {
	Type           string      `json:"type"`
	Topic          string      `json:"topic"`
	Data           interface{} `json:"data"`
	SubscriptionID string      `json:"subscriptionId"`
}

// BroadcastParams broadcast call options
type BroadcastParams struct {
	// WaitForResponses whether to wait for every client to respond
	WaitForResponses bool
	// Timeout per client request timeout. Zero uses the hub default.
	Timeout time.Duration
}

// BroadcastResult the outcome of a broadcast call to one client
type BroadcastResult struct {
	ClientID string      `json:"clientId"`
	Result   interface{} `json:"result,omitempty"`
	Error    string      `json:"error,omitempty"`
}

// BroadcastReport the outcome of a broadcast call
type BroadcastReport struct {
	// Sent number of clients targeted
	Sent int
	// Results per client outcome. Only set when waiting for responses.
	Results []BroadcastResult
}

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

package procedures

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/alwitt/connhub/common"
	"github.com/alwitt/connhub/dataplane"
)

// ListInput connection.list input
type ListInput struct {
	// ServerID is accepted for client compatibility. Every connection of this hub is listed.
	ServerID *string `json:"serverId,omitempty" jsonschema:"description=Server ID (informational)"`
}

// ListOutput connection.list output
type ListOutput struct {
	Connections []dataplane.ConnectionInfo `json:"connections"`
}

// GetInput connection.get input
type GetInput struct {
	ClientID string `json:"clientId" validate:"required" jsonschema:"minLength=1,description=Client ID"`
}

// GetOutput connection.get output
type GetOutput struct {
	Connection *dataplane.ConnectionInfo `json:"connection"`
}

// CallInput connection.call input
type CallInput struct {
	ClientID string      `json:"clientId" validate:"required" jsonschema:"minLength=1,description=Client ID"`
	Path     []string    `json:"path" validate:"required,min=1,dive,required" jsonschema:"minItems=1,description=Procedure path on the client"`
	Input    interface{} `json:"input,omitempty" jsonschema:"description=Procedure input"`
	Timeout  *int64      `json:"timeout,omitempty" validate:"omitempty,gt=0" jsonschema:"minimum=1,description=Timeout in milliseconds"`
}

// CallOutput connection.call output
type CallOutput struct {
	Result   interface{} `json:"result"`
	ClientID string      `json:"clientId"`
}

// BroadcastInput connection.broadcast input
type BroadcastInput struct {
	Path             []string    `json:"path" validate:"required,min=1,dive,required" jsonschema:"minItems=1,description=Procedure path on the clients"`
	Input            interface{} `json:"input,omitempty" jsonschema:"description=Procedure input"`
	WaitForResponses bool        `json:"waitForResponses,omitempty" jsonschema:"default=false,description=Wait for every client to respond"`
	Timeout          *int64      `json:"timeout,omitempty" validate:"omitempty,gt=0" jsonschema:"minimum=1,description=Per client timeout in milliseconds"`
}

// BroadcastOutput connection.broadcast output
type BroadcastOutput struct {
	Sent    int                          `json:"sent"`
	Results *[]dataplane.BroadcastResult `json:"results,omitempty"`
}

// SubscribeInput connection.subscribe input
type SubscribeInput struct {
	Topic    *string `json:"topic" validate:"required" jsonschema:"description=Topic"`
	ClientID string  `json:"clientId,omitempty" jsonschema:"description=Subscribing client ID. Defaults to the calling client."`
}

// SubscribeOutput connection.subscribe output
type SubscribeOutput struct {
	SubscriptionID string `json:"subscriptionId"`
	Topic          string `json:"topic"`
}

// UnsubscribeInput connection.unsubscribe input
type UnsubscribeInput struct {
	SubscriptionID string `json:"subscriptionId" validate:"required" jsonschema:"minLength=1,description=Subscription ID"`
}

// UnsubscribeOutput connection.unsubscribe output
type UnsubscribeOutput struct {
	Success        bool   `json:"success"`
	SubscriptionID string `json:"subscriptionId"`
}

// PublishInput connection.publish input
type PublishInput struct {
	Topic *string     `json:"topic" validate:"required" jsonschema:"description=Topic"`
	Data  interface{} `json:"data" jsonschema:"description=Payload delivered to the subscribers"`
}

// PublishOutput connection.publish output
type PublishOutput struct {
	Delivered int    `json:"delivered"`
	Topic     string `json:"topic"`
}

// millisToDuration convert an optional millisecond timeout
func millisToDuration(timeout *int64) time.Duration {
	if timeout == nil {
		return 0
	}
	return time.Duration(*timeout) * time.Millisecond
}

// DefineConnectionProcedures define the "connection.*" procedures operating on a hub
func DefineConnectionProcedures(hub dataplane.ConnectionHub) []Procedure {
	return []Procedure{
		DefineProcedure(
			"connection.list",
			ProcedureMeta{
				Description: "List all connected clients",
				Shorts:      map[string]string{"serverId": "s"},
			},
			func(ctxt context.Context, input ListInput) (ListOutput, error) {
				result := ListOutput{Connections: []dataplane.ConnectionInfo{}}
				conns := hub.ListConnections()
				sort.Slice(conns, func(i, j int) bool {
					if conns[i].ConnectedAt.Equal(conns[j].ConnectedAt) {
						return conns[i].ID < conns[j].ID
					}
					return conns[i].ConnectedAt.Before(conns[j].ConnectedAt)
				})
				for _, conn := range conns {
					result.Connections = append(result.Connections, dataplane.ToConnectionInfo(conn))
				}
				return result, nil
			},
		),
		DefineProcedure(
			"connection.get",
			ProcedureMeta{
				Description: "Get specific connection info",
				Args:        []string{"clientId"},
			},
			func(ctxt context.Context, input GetInput) (GetOutput, error) {
				info, ok := hub.GetConnectionInfo(input.ClientID)
				if !ok {
					return GetOutput{}, nil
				}
				return GetOutput{Connection: &info}, nil
			},
		),
		DefineProcedure(
			"connection.call",
			ProcedureMeta{
				Description: "Call procedure on specific client",
				Args:        []string{"clientId"},
				Shorts:      map[string]string{"timeout": "t"},
			},
			func(ctxt context.Context, input CallInput) (CallOutput, error) {
				result, err := hub.CallClient(
					ctxt, input.ClientID, input.Path, input.Input, millisToDuration(input.Timeout),
				)
				if err != nil {
					return CallOutput{}, err
				}
				return CallOutput{Result: result, ClientID: input.ClientID}, nil
			},
		),
		DefineProcedure(
			"connection.broadcast",
			ProcedureMeta{
				Description: "Call procedure on all connected clients",
				Shorts:      map[string]string{"waitForResponses": "w", "timeout": "t"},
			},
			func(ctxt context.Context, input BroadcastInput) (BroadcastOutput, error) {
				report := hub.Broadcast(
					ctxt,
					input.Path,
					input.Input,
					dataplane.BroadcastParams{
						WaitForResponses: input.WaitForResponses,
						Timeout:          millisToDuration(input.Timeout),
					},
				)
				output := BroadcastOutput{Sent: report.Sent}
				if input.WaitForResponses {
					results := report.Results
					if results == nil {
						results = []dataplane.BroadcastResult{}
					}
					output.Results = &results
				}
				return output, nil
			},
		),
		DefineProcedure(
			"connection.subscribe",
			ProcedureMeta{
				Description: "Subscribe to a topic",
				Args:        []string{"topic"},
			},
			func(ctxt context.Context, input SubscribeInput) (SubscribeOutput, error) {
				clientID := input.ClientID
				if clientID == "" {
					if caller, ok := common.CallerFromContext(ctxt); ok {
						clientID = caller.ClientID
					}
				}
				if clientID == "" {
					return SubscribeOutput{}, fmt.Errorf("%w: clientId is required", ErrValidationFailed)
				}
				subID, err := hub.Subscribe(clientID, *input.Topic)
				if err != nil {
					return SubscribeOutput{}, err
				}
				return SubscribeOutput{SubscriptionID: subID, Topic: *input.Topic}, nil
			},
		),
		DefineProcedure(
			"connection.unsubscribe",
			ProcedureMeta{
				Description: "Unsubscribe from a topic",
				Args:        []string{"subscriptionId"},
			},
			func(ctxt context.Context, input UnsubscribeInput) (UnsubscribeOutput, error) {
				return UnsubscribeOutput{
					Success:        hub.Unsubscribe(input.SubscriptionID),
					SubscriptionID: input.SubscriptionID,
				}, nil
			},
		),
		DefineProcedure(
			"connection.publish",
			ProcedureMeta{
				Description: "Publish data to topic subscribers",
				Args:        []string{"topic"},
			},
			func(ctxt context.Context, input PublishInput) (PublishOutput, error) {
				return PublishOutput{
					Delivered: hub.Publish(ctxt, *input.Topic, input.Data),
					Topic:     *input.Topic,
				}, nil
			},
		),
	}
}

// RegisterConnectionProcedures register the "connection.*" procedures with a registrar
func RegisterConnectionProcedures(registrar Registrar, hub dataplane.ConnectionHub) error {
	return registrar.RegisterProcedures(DefineConnectionProcedures(hub)...)
}

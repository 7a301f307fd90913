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

package common

import (
	"context"

	"github.com/apex/log"
)

type callerContextKey struct{}

// CallerParam is a helper object for recording which connected client is
// invoking a procedure.
type CallerParam struct {
	// ClientID is the ID of the calling client
	ClientID string `json:"clientId"`
	// Transport is the transport the call arrived on: "websocket", "nats", "http"
	Transport string `json:"transport"`
}

// UpdateLogTags updates Apex log.Fields map with values of the caller's parameters
func (i CallerParam) UpdateLogTags(tags log.Fields) {
	if i.ClientID != "" {
		tags["caller_client_id"] = i.ClientID
	}
	tags["caller_transport"] = i.Transport
}

// WithCaller attach caller parameters to a context
func WithCaller(ctxt context.Context, caller CallerParam) context.Context {
	return context.WithValue(ctxt, callerContextKey{}, caller)
}

// CallerFromContext fetch the caller parameters from a context
func CallerFromContext(ctxt context.Context) (CallerParam, bool) {
	v, ok := ctxt.Value(callerContextKey{}).(CallerParam)
	return v, ok
}

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
	"context"
	"fmt"
	"time"

	"github.com/alwitt/connhub/common"
	"github.com/alwitt/connhub/dataplane"
	"github.com/alwitt/connhub/procedures"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// sessionHandler common client message processing shared by the transports
type sessionHandler struct {
	common.Component
	transport string
	hub       dataplane.ConnectionHub
	router    procedures.ProcedureRouter
	validate  *validator.Validate
}

func newSessionHandler(
	transport string, hub dataplane.ConnectionHub, router procedures.ProcedureRouter,
) sessionHandler {
	return sessionHandler{
		Component: common.Component{
			LogTags: log.Fields{
				"module": "transport", "component": transport, "instance": hub.Instance(),
			},
		},
		transport: transport,
		hub:       hub,
		router:    router,
		validate:  validator.New(),
	}
}

// register add a client connection to the hub. Returns the client ID and the
// registration time.
func (s sessionHandler) register(
	msg ClientMessage, deliver dataplane.DeliverMessageCB,
) (string, time.Time, error) {
	if msg.Type != MsgRegister {
		return "", time.Time{}, fmt.Errorf("expected %s message, got '%s'", MsgRegister, msg.Type)
	}
	clientID := msg.ClientID
	if clientID == "" {
		clientID = uuid.New().String()
	}
	connectedAt := time.Now()
	err := s.hub.AddConnection(dataplane.TrackedConnection{
		ID:          clientID,
		ConnectedAt: connectedAt,
		Metadata:    msg.Metadata,
		Procedures:  msg.Procedures,
		Deliver:     deliver,
	})
	return clientID, connectedAt, err
}

// release remove a client connection, unless the client ID has since been
// registered again by another session
func (s sessionHandler) release(clientID string, connectedAt time.Time) {
	if !s.hub.RemoveConnectionIfSince(clientID, connectedAt) {
		log.WithFields(s.LogTags).Debugf("Client %s already replaced or removed", clientID)
	}
}

// handleMessage process a message from a registered client
func (s sessionHandler) handleMessage(
	ctxt context.Context, clientID string, msg ClientMessage, reply dataplane.DeliverMessageCB,
) error {
	if err := s.validate.Struct(&msg); err != nil {
		return err
	}
	switch msg.Type {
	case MsgResponse:
		s.hub.HandleResponse(msg.ID, msg.responseResult(), msg.Error)
	case MsgRequest:
		// Run outside of the read path, so the client's own responses can arrive
		go s.serveRequest(ctxt, clientID, msg, reply)
	case MsgHeartbeat:
		// Receiving it already marked the client as alive
	case MsgRegister:
		return fmt.Errorf("client %s is already registered", clientID)
	default:
		return fmt.Errorf("message type '%s' not supported on %s", msg.Type, s.transport)
	}
	return nil
}

// serveRequest run a procedure for a client, then reply with the outcome
func (s sessionHandler) serveRequest(
	ctxt context.Context, clientID string, msg ClientMessage, reply dataplane.DeliverMessageCB,
) {
	callCtxt := common.WithCaller(
		ctxt, common.CallerParam{ClientID: clientID, Transport: s.transport},
	)
	outcome := ResultMessage{Type: MsgResult, ID: msg.ID}
	result, err := s.router.Invoke(callCtxt, msg.Path, msg.Input)
	if err != nil {
		outcome.Error = err.Error()
	} else {
		outcome.Result = result
	}
	if err := reply(callCtxt, outcome); err != nil {
		log.WithError(err).WithFields(s.GetLogTagsForContext(callCtxt)).Errorf(
			"Unable to reply to request %s", msg.ID,
		)
	}
}

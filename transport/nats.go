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
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/connhub/common"
	"github.com/alwitt/connhub/core"
	"github.com/alwitt/connhub/dataplane"
	"github.com/alwitt/connhub/procedures"
	"github.com/apex/log"
	"github.com/nats-io/nats.go"
)

// NATSTransportParams NATS transport parameters
type NATSTransportParams struct {
	// SubjectPrefix prefix of the subjects used to exchange messages with clients
	SubjectPrefix string `validate:"required"`
	// SessionTimeout a client which sends nothing for this long is removed. Zero disables.
	SessionTimeout time.Duration `validate:"gte=0"`
}

// ConvertNATSConfig convert the NATS config into transport parameters
func ConvertNATSConfig(cfg common.NATSConfig) NATSTransportParams {
	return NATSTransportParams{
		SubjectPrefix:  cfg.SubjectPrefix,
		SessionTimeout: time.Second * time.Duration(cfg.SessionTimeout),
	}
}

// natsSession one registered NATS client
type natsSession struct {
	connectedAt time.Time
	lastSeen    time.Time
}

// NATSTransport accepts client connections over NATS subjects.
//
// Clients publish their messages to "<prefix>.server". Messages for a client are
// published to "<prefix>.client.<client ID>". Clients with nothing else to send
// publish "heartbeat" messages to stay registered.
type NATSTransport struct {
	sessionHandler
	client      core.NatsClient
	params      NATSTransportParams
	runtimeCtxt context.Context
	sub         *nats.Subscription
	reaper      common.IntervalTimer
	lock        sync.Mutex
	sessions    map[string]*natsSession
}

// GetNATSTransport define a new NATS client transport
func GetNATSTransport(
	ctxt context.Context,
	client core.NatsClient,
	params NATSTransportParams,
	hub dataplane.ConnectionHub,
	router procedures.ProcedureRouter,
	wg *sync.WaitGroup,
) (*NATSTransport, error) {
	session := newSessionHandler("nats", hub, router)
	if err := session.validate.Struct(&params); err != nil {
		log.WithError(err).WithFields(session.LogTags).Error("Invalid NATS transport parameters")
		return nil, err
	}
	session.LogTags["subject_prefix"] = params.SubjectPrefix
	reaper, err := common.GetIntervalTimerInstance(
		ctxt, wg, fmt.Sprintf("%s.session-reaper", params.SubjectPrefix),
	)
	if err != nil {
		return nil, err
	}
	return &NATSTransport{
		sessionHandler: session,
		client:         client,
		params:         params,
		runtimeCtxt:    ctxt,
		reaper:         reaper,
		sessions:       make(map[string]*natsSession),
	}, nil
}

// ServerSubject subject the clients publish to
func (t *NATSTransport) ServerSubject() string {
	return fmt.Sprintf("%s.server", t.params.SubjectPrefix)
}

// ClientSubject subject messages for a client are published to
func (t *NATSTransport) ClientSubject(clientID string) string {
	return fmt.Sprintf("%s.client.%s", t.params.SubjectPrefix, clientID)
}

// Start begin accepting client messages
func (t *NATSTransport) Start() error {
	sub, err := t.client.NATs().Subscribe(t.ServerSubject(), t.processMessage)
	if err != nil {
		log.WithError(err).WithFields(t.LogTags).Errorf("Failed to subscribe to %s", t.ServerSubject())
		return err
	}
	t.sub = sub
	if t.params.SessionTimeout > 0 {
		if err := t.reaper.Start(t.params.SessionTimeout/2, func() error {
			t.releaseIdleSessions(time.Now().Add(-t.params.SessionTimeout))
			return nil
		}, false); err != nil {
			log.WithError(err).WithFields(t.LogTags).Error("Failed to start session reaper")
			_ = sub.Unsubscribe()
			return err
		}
	}
	log.WithFields(t.LogTags).Infof("Listening on %s", t.ServerSubject())
	return nil
}

// Stop stop accepting client messages, and remove the NATS clients from the hub
func (t *NATSTransport) Stop() error {
	_ = t.reaper.Stop()
	if t.sub != nil {
		if err := t.sub.Unsubscribe(); err != nil {
			log.WithError(err).WithFields(t.LogTags).Error("Failed to unsubscribe")
			return err
		}
	}
	t.lock.Lock()
	sessions := t.sessions
	t.sessions = make(map[string]*natsSession)
	t.lock.Unlock()
	for clientID, session := range sessions {
		t.release(clientID, session.connectedAt)
	}
	return nil
}

// trackSession record a newly registered client
func (t *NATSTransport) trackSession(clientID string, connectedAt time.Time) {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.sessions[clientID] = &natsSession{connectedAt: connectedAt, lastSeen: time.Now()}
}

// touchSession mark a client as active. Returns false if the client is not registered.
func (t *NATSTransport) touchSession(clientID string) bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	session, ok := t.sessions[clientID]
	if ok {
		session.lastSeen = time.Now()
	}
	return ok
}

// dropSession stop tracking a client
func (t *NATSTransport) dropSession(clientID string) (time.Time, bool) {
	t.lock.Lock()
	defer t.lock.Unlock()
	session, ok := t.sessions[clientID]
	delete(t.sessions, clientID)
	if !ok {
		return time.Time{}, false
	}
	return session.connectedAt, true
}

// releaseIdleSessions remove the clients not heard from since the cutoff.
// Returns the number of clients removed.
func (t *NATSTransport) releaseIdleSessions(cutoff time.Time) int {
	idle := map[string]time.Time{}
	t.lock.Lock()
	for clientID, session := range t.sessions {
		if session.lastSeen.Before(cutoff) {
			idle[clientID] = session.connectedAt
			delete(t.sessions, clientID)
		}
	}
	t.lock.Unlock()
	for clientID, connectedAt := range idle {
		log.WithFields(t.LogTags).Infof("NATS client %s timed out", clientID)
		t.release(clientID, connectedAt)
	}
	return len(idle)
}

// deliverTo define the delivery function for a client
func (t *NATSTransport) deliverTo(clientID string) dataplane.DeliverMessageCB {
	subject := t.ClientSubject(clientID)
	return func(_ context.Context, msg interface{}) error {
		payload, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		return t.client.NATs().Publish(subject, payload)
	}
}

// processMessage handle one client message
func (t *NATSTransport) processMessage(natsMsg *nats.Msg) {
	var msg ClientMessage
	if err := json.Unmarshal(natsMsg.Data, &msg); err != nil {
		log.WithError(err).WithFields(t.LogTags).Errorf(
			"Unable to parse message on %s", natsMsg.Subject,
		)
		return
	}
	if msg.ClientID == "" {
		log.WithFields(t.LogTags).Errorf("Dropping '%s' message without client ID", msg.Type)
		return
	}
	logTags := t.GetLogTagsForContext(t.runtimeCtxt)
	logTags["client_id"] = msg.ClientID
	deliver := t.deliverTo(msg.ClientID)

	switch msg.Type {
	case MsgRegister:
		clientID, connectedAt, err := t.register(msg, deliver)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Registration failed")
			_ = deliver(t.runtimeCtxt, ErrorMessage{Type: MsgError, Error: err.Error()})
			return
		}
		t.trackSession(clientID, connectedAt)
		if err := deliver(t.runtimeCtxt, RegisteredMessage{
			Type: MsgRegistered, ClientID: clientID, ServerID: t.hub.Instance(),
		}); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failed to acknowledge registration")
		}
		log.WithFields(logTags).Info("NATS client connected")

	case MsgUnregister:
		if connectedAt, ok := t.dropSession(msg.ClientID); ok {
			t.release(msg.ClientID, connectedAt)
			log.WithFields(logTags).Info("NATS client disconnected")
		}

	default:
		if !t.touchSession(msg.ClientID) {
			log.WithFields(logTags).Errorf("Dropping '%s' message from unregistered client", msg.Type)
			_ = deliver(t.runtimeCtxt, ErrorMessage{Type: MsgError, Error: "client is not registered"})
			return
		}
		if err := t.handleMessage(t.runtimeCtxt, msg.ClientID, msg, deliver); err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to process client message")
			_ = deliver(t.runtimeCtxt, ErrorMessage{Type: MsgError, Error: err.Error()})
		}
	}
}

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
	"os"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/connhub/core"
	"github.com/alwitt/connhub/dataplane"
	"github.com/alwitt/connhub/procedures"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
)

func TestNATSTransport(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	natsHost := os.Getenv("NATS_HOST")
	if natsHost == "" {
		t.Skip("NATS_HOST not set")
	}

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	natsParam := core.NATSConnectParams{
		ServerURI:           fmt.Sprintf("nats://%s:4222", natsHost),
		ConnectTimeout:      time.Second,
		MaxReconnectAttempt: 0,
		ReconnectWait:       time.Second,
		OnDisconnectCallback: func(_ *nats.Conn, e error) {
			if e != nil {
				log.WithError(e).Error("Disconnect callback triggered with failure")
			}
		},
		OnReconnectCallback: func(_ *nats.Conn) {
			log.Debug("Reconnected with NATs server")
		},
		OnCloseCallback: func(_ *nats.Conn) {
			log.Debug("Disconnected from NATs server")
		},
	}
	nc, err := core.GetNatsClient(natsParam)
	assert.Nil(err)
	defer nc.Close(ctxt)
	assert.True(nc.IsConnected())

	hub, err := dataplane.GetConnectionHub(ctxt, dataplane.GetDefaultHubParams("hub-nats"), &wg)
	assert.Nil(err)
	defer func() {
		assert.Nil(hub.Stop())
	}()
	router := procedures.GetProcedureRouter("testing")
	assert.Nil(procedures.RegisterConnectionProcedures(router, hub))

	// Case 0: invalid prefix
	{
		_, err := GetNATSTransport(ctxt, nc, NATSTransportParams{}, hub, router, &wg)
		assert.NotNil(err)
	}

	prefix := uuid.New().String()
	uut, err := GetNATSTransport(
		ctxt,
		nc,
		NATSTransportParams{SubjectPrefix: prefix, SessionTimeout: time.Millisecond * 600},
		hub,
		router,
		&wg,
	)
	assert.Nil(err)
	assert.Nil(uut.Start())
	defer func() {
		assert.Nil(uut.Stop())
	}()

	clientID := uuid.New().String()
	inbox := make(chan map[string]interface{}, 8)
	clientSub, err := nc.NATs().Subscribe(uut.ClientSubject(clientID), func(msg *nats.Msg) {
		var parsed map[string]interface{}
		if err := json.Unmarshal(msg.Data, &parsed); err == nil {
			inbox <- parsed
		}
	})
	assert.Nil(err)
	defer func() {
		_ = clientSub.Unsubscribe()
	}()

	send := func(msg map[string]interface{}) {
		msg["clientId"] = clientID
		payload, err := json.Marshal(msg)
		assert.Nil(err)
		assert.Nil(nc.NATs().Publish(uut.ServerSubject(), payload))
	}
	receive := func() map[string]interface{} {
		select {
		case msg := <-inbox:
			return msg
		case <-time.After(time.Second * 2):
			assert.Fail("no message received")
			return map[string]interface{}{}
		}
	}

	// Case 1: not registered
	{
		send(map[string]interface{}{"type": "request", "id": "r0", "path": "connection.list"})
		assert.Equal(MsgError, receive()["type"])
	}

	// Case 2: register
	{
		send(map[string]interface{}{"type": "register", "metadata": map[string]interface{}{"k": "v"}})
		msg := receive()
		assert.Equal(MsgRegistered, msg["type"])
		assert.Equal(clientID, msg["clientId"])
		_, ok := hub.GetConnection(clientID)
		assert.True(ok)
	}

	// Case 3: server calls the client
	{
		results := make(chan interface{}, 1)
		go func() {
			result, err := hub.CallClient(ctxt, clientID, []string{"ping"}, nil, time.Second*2)
			assert.Nil(err)
			results <- result
		}()
		req := receive()
		assert.Equal(dataplane.EnvelopeServerRequest, req["type"])
		send(map[string]interface{}{"type": "response", "id": req["id"], "result": "pong"})
		raw := (<-results).(json.RawMessage)
		assert.JSONEq(`"pong"`, string(raw))
	}

	// Case 4: client calls a procedure, then receives a publish
	{
		send(map[string]interface{}{
			"type": "request", "id": "r1", "path": "connection.subscribe",
			"input": map[string]interface{}{"topic": "alerts"},
		})
		msg := receive()
		assert.Equal(MsgResult, msg["type"])
		assert.Equal("r1", msg["id"])
		assert.Equal(1, hub.Publish(ctxt, "alerts", "fire"))
		event := receive()
		assert.Equal(dataplane.EnvelopeEvent, event["type"])
		assert.Equal("fire", event["data"])
	}

	// Case 5: heartbeats keep the client registered past the session timeout
	{
		for itr := 0; itr < 6; itr++ {
			send(map[string]interface{}{"type": "heartbeat"})
			time.Sleep(time.Millisecond * 200)
		}
		_, ok := hub.GetConnection(clientID)
		assert.True(ok)
	}

	// Case 6: unregister
	{
		send(map[string]interface{}{"type": "unregister"})
		assert.Eventually(func() bool {
			_, ok := hub.GetConnection(clientID)
			return !ok
		}, time.Second*2, time.Millisecond*10)
		assert.Len(hub.ListTopicSubscriptions("alerts"), 0)
	}

	// Case 7: a silent client is removed after the session timeout
	{
		send(map[string]interface{}{"type": "register"})
		assert.Equal(MsgRegistered, receive()["type"])
		assert.Eventually(func() bool {
			_, ok := hub.GetConnection(clientID)
			return !ok
		}, time.Second*3, time.Millisecond*50)
	}
}

func TestNATSSessionTimeout(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub, err := dataplane.GetConnectionHub(ctxt, dataplane.GetDefaultHubParams("hub-nats"), &wg)
	assert.Nil(err)
	defer func() {
		assert.Nil(hub.Stop())
	}()
	router := procedures.GetProcedureRouter("testing")

	// Case 0: invalid parameters
	{
		_, err := GetNATSTransport(
			ctxt,
			core.NatsClient{},
			NATSTransportParams{SubjectPrefix: "connhub", SessionTimeout: -time.Second},
			hub,
			router,
			&wg,
		)
		assert.NotNil(err)
	}

	uut, err := GetNATSTransport(
		ctxt,
		core.NatsClient{},
		NATSTransportParams{SubjectPrefix: "connhub", SessionTimeout: time.Minute},
		hub,
		router,
		&wg,
	)
	assert.Nil(err)
	assert.Equal("connhub.server", uut.ServerSubject())
	assert.Equal("connhub.client.abc", uut.ClientSubject("abc"))

	noop := func(ctxt context.Context, msg interface{}) error { return nil }
	for _, clientID := range []string{"idle", "active"} {
		registered, connectedAt, err := uut.register(
			ClientMessage{Type: MsgRegister, ClientID: clientID}, noop,
		)
		assert.Nil(err)
		assert.Equal(clientID, registered)
		uut.trackSession(registered, connectedAt)
	}

	// Case 1: only the client not heard from is removed
	{
		uut.lock.Lock()
		uut.sessions["idle"].lastSeen = time.Now().Add(-time.Minute * 2)
		uut.lock.Unlock()
		assert.True(uut.touchSession("active"))
		assert.False(uut.touchSession("unknown"))

		assert.Equal(1, uut.releaseIdleSessions(time.Now().Add(-time.Minute)))
		_, ok := hub.GetConnection("idle")
		assert.False(ok)
		_, ok = hub.GetConnection("active")
		assert.True(ok)
		assert.False(uut.touchSession("idle"))
		assert.Equal(0, uut.releaseIdleSessions(time.Now().Add(-time.Minute)))
	}

	// Case 2: heartbeat from a registered client is accepted
	{
		assert.Nil(uut.handleMessage(
			ctxt, "active", ClientMessage{Type: MsgHeartbeat, ClientID: "active"}, noop,
		))
	}

	// Case 3: stopping releases the remaining clients
	{
		assert.Nil(uut.Stop())
		_, ok := hub.GetConnection("active")
		assert.False(ok)
	}
}

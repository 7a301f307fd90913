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
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/connhub/common"
	"github.com/alwitt/connhub/dataplane"
	"github.com/alwitt/connhub/procedures"
	"github.com/apex/log"
	"github.com/gorilla/websocket"
)

// WebSocketParams WebSocket transport parameters
type WebSocketParams struct {
	// HandshakeTimeout max time to wait for the register message
	HandshakeTimeout time.Duration `validate:"gt=0"`
	// PingInterval interval between keep-alive pings
	PingInterval time.Duration `validate:"gt=0"`
	// PongTimeout max time without any activity from the client
	PongTimeout time.Duration `validate:"gtfield=PingInterval"`
	// WriteTimeout max time for writing one message
	WriteTimeout time.Duration `validate:"gt=0"`
	// MaxMessageSize max size of a message from the client
	MaxMessageSize int64 `validate:"gt=0"`
}

// ConvertWebSocketConfig convert the WebSocket config into transport parameters
func ConvertWebSocketConfig(cfg common.WebSocketConfig) WebSocketParams {
	return WebSocketParams{
		HandshakeTimeout: time.Second * time.Duration(cfg.HandshakeTimeout),
		PingInterval:     time.Second * time.Duration(cfg.PingInterval),
		PongTimeout:      time.Second * time.Duration(cfg.PongTimeout),
		WriteTimeout:     time.Second * time.Duration(cfg.WriteTimeout),
		MaxMessageSize:   cfg.MaxMessageSize,
	}
}

// WebSocketHandler accepts client connections over WebSocket
type WebSocketHandler struct {
	sessionHandler
	params      WebSocketParams
	upgrader    websocket.Upgrader
	runtimeCtxt context.Context
	wg          *sync.WaitGroup
}

// GetWebSocketHandler define a new WebSocket transport handler.
//
// Sessions end when the parent context is cancelled.
func GetWebSocketHandler(
	ctxt context.Context,
	hub dataplane.ConnectionHub,
	router procedures.ProcedureRouter,
	params WebSocketParams,
	wg *sync.WaitGroup,
) (*WebSocketHandler, error) {
	session := newSessionHandler("websocket", hub, router)
	if err := session.validate.Struct(&params); err != nil {
		log.WithError(err).WithFields(session.LogTags).Error("Invalid WebSocket parameters")
		return nil, err
	}
	return &WebSocketHandler{
		sessionHandler: session,
		params:         params,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Clients are not browsers bound to an origin
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		runtimeCtxt: ctxt,
		wg:          wg,
	}, nil
}

// wsConnection one client WebSocket
type wsConnection struct {
	conn         *websocket.Conn
	writeLock    sync.Mutex
	writeTimeout time.Duration
}

// send write one JSON message to the client
func (c *wsConnection) send(_ context.Context, msg interface{}) error {
	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteJSON(msg)
}

// ping send a keep-alive ping
func (c *wsConnection) ping() error {
	return c.conn.WriteControl(
		websocket.PingMessage, nil, time.Now().Add(c.writeTimeout),
	)
}

// ServeHTTP upgrade the request, then run the client session until the socket closes
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).WithFields(h.LogTags).Error("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	client := &wsConnection{conn: conn, writeTimeout: h.params.WriteTimeout}
	conn.SetReadLimit(h.params.MaxMessageSize)

	// Registration handshake
	_ = conn.SetReadDeadline(time.Now().Add(h.params.HandshakeTimeout))
	var first ClientMessage
	if err := conn.ReadJSON(&first); err != nil {
		log.WithError(err).WithFields(h.LogTags).Errorf(
			"Failed to read register message from %s", r.RemoteAddr,
		)
		return
	}
	clientID, connectedAt, err := h.register(first, client.send)
	if err != nil {
		log.WithError(err).WithFields(h.LogTags).Errorf("Registration from %s failed", r.RemoteAddr)
		_ = client.send(h.runtimeCtxt, ErrorMessage{Type: MsgError, Error: err.Error()})
		return
	}
	defer h.release(clientID, connectedAt)

	logTags := h.GetLogTagsForContext(r.Context())
	logTags["client_id"] = clientID
	logTags["remote"] = r.RemoteAddr

	if err := client.send(h.runtimeCtxt, RegisteredMessage{
		Type: MsgRegistered, ClientID: clientID, ServerID: h.hub.Instance(),
	}); err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to acknowledge registration")
		return
	}
	log.WithFields(logTags).Info("WebSocket client connected")

	sessionCtxt, sessionCancel := context.WithCancel(h.runtimeCtxt)
	defer sessionCancel()

	// Close the socket on shutdown, to break the read loop
	go func() {
		<-sessionCtxt.Done()
		_ = conn.Close()
	}()

	// Keep-alive
	_ = conn.SetReadDeadline(time.Now().Add(h.params.PongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.params.PongTimeout))
	})
	pinger, err := common.GetIntervalTimerInstance(
		sessionCtxt, h.wg, fmt.Sprintf("%s.ping", clientID),
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to define ping timer")
		return
	}
	if err := pinger.Start(h.params.PingInterval, client.ping, false); err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to start ping timer")
		return
	}
	defer func() {
		_ = pinger.Stop()
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(
				err, websocket.CloseGoingAway, websocket.CloseNormalClosure,
			) && sessionCtxt.Err() == nil {
				log.WithError(err).WithFields(logTags).Error("WebSocket read failed")
			}
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(h.params.PongTimeout))
		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to parse client message")
			_ = client.send(sessionCtxt, ErrorMessage{Type: MsgError, Error: err.Error()})
			continue
		}
		if err := h.handleMessage(sessionCtxt, clientID, msg, client.send); err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to process client message")
			_ = client.send(sessionCtxt, ErrorMessage{Type: MsgError, Error: err.Error()})
		}
	}
	log.WithFields(logTags).Info("WebSocket client disconnected")
}

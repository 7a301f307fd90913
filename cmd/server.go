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

package cmd

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/connhub/apis"
	"github.com/alwitt/connhub/common"
	"github.com/alwitt/connhub/core"
	"github.com/alwitt/connhub/dataplane"
	"github.com/alwitt/connhub/procedures"
	"github.com/alwitt/connhub/transport"
	"github.com/apex/log"
	"github.com/gorilla/mux"
	"github.com/nats-io/nats.go"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// DefineHubParams convert the hub config into connection hub parameters
func DefineHubParams(config common.HubConfig) dataplane.HubParams {
	return dataplane.HubParams{
		Instance:              config.Instance,
		DefaultRequestTimeout: time.Millisecond * time.Duration(config.DefaultRequestTimeout),
		DeliveryWorkers:       config.DeliveryWorkers,
		DeliveryQueueDepth:    config.DeliveryQueueDepth,
	}
}

// DefineProcedureRouter define the procedure router with the connection procedures installed
func DefineProcedureRouter(
	instance string, hub dataplane.ConnectionHub,
) (procedures.ProcedureRouter, error) {
	router := procedures.GetProcedureRouter(instance)
	if err := procedures.RegisterConnectionProcedures(router, hub); err != nil {
		return nil, err
	}
	return router, nil
}

// PrepareNATSClient define the NATS client used by the NATS transport
func PrepareNATSClient(
	config common.NATSConfig, ctxtCancel context.CancelFunc,
) (core.NatsClient, error) {
	logTags := log.Fields{
		"module": "cmd", "component": "nats-client", "instance": config.ServerURI,
	}
	natsParam := core.NATSConnectParams{
		ServerURI:           config.ServerURI,
		ConnectTimeout:      time.Second * time.Duration(config.ConnectTimeout),
		MaxReconnectAttempt: config.Reconnect.MaxAttempts,
		ReconnectWait:       time.Second * time.Duration(config.Reconnect.WaitInterval),
		OnDisconnectCallback: func(_ *nats.Conn, e error) {
			log.WithError(e).WithFields(logTags).Errorf(
				"NATS client disconnected from server %s", config.ServerURI,
			)
		},
		OnReconnectCallback: func(_ *nats.Conn) {
			log.WithFields(logTags).Warnf(
				"NATS client reconnected with server %s", config.ServerURI,
			)
		},
		OnCloseCallback: func(_ *nats.Conn) {
			log.WithFields(logTags).Error("NATS client closed connection")
			ctxtCancel()
		},
	}
	return core.GetNatsClient(natsParam)
}

// RunServer run the connhub server until the runtime context is cancelled
func RunServer(
	config common.SystemConfig,
	runTimeContext context.Context,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "server",
		"instance":  config.Hub.Instance,
	}

	localCtxt, lclCancel := context.WithCancel(runTimeContext)
	defer lclCancel()

	hub, err := dataplane.GetConnectionHub(localCtxt, DefineHubParams(config.Hub), wg)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define connection hub")
		return err
	}
	defer func() {
		if err := hub.Stop(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Connection hub stop failure")
		}
	}()

	router, err := DefineProcedureRouter(config.Hub.Instance, hub)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define procedure router")
		return err
	}

	// -------------------------------------------------------------------
	// Client transports

	wsHandler, err := transport.GetWebSocketHandler(
		localCtxt, hub, router, transport.ConvertWebSocketConfig(config.WebSocket), wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define WebSocket transport")
		return err
	}

	readiness := func() error { return nil }
	if config.NATS.Enabled {
		natsClient, err := PrepareNATSClient(config.NATS, lclCancel)
		if err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Failed to define NATS client with %s", config.NATS.ServerURI,
			)
			return err
		}
		defer natsClient.Close(context.Background())
		natsTransport, err := transport.GetNATSTransport(
			localCtxt, natsClient, transport.ConvertNATSConfig(config.NATS), hub, router, wg,
		)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to define NATS transport")
			return err
		}
		if err := natsTransport.Start(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to start NATS transport")
			return err
		}
		defer func() {
			if err := natsTransport.Stop(); err != nil {
				log.WithError(err).WithFields(logTags).Error("NATS transport stop failure")
			}
		}()
		readiness = func() error {
			if !natsClient.IsConnected() {
				return fmt.Errorf("NATS client not connected to %s", config.NATS.ServerURI)
			}
			return nil
		}
	}

	httpHandler, err := apis.GetAPIRestProcedureHandler(&config.HTTPSetting, router, readiness)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define HTTP handler")
		return err
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	httpRouter := mux.NewRouter()
	mainRouter := apis.RegisterPathPrefix(httpRouter, config.Endpoints.PathPrefix, nil)

	// Procedures
	_ = apis.RegisterPathPrefix(
		mainRouter, "/v1/procedure/{procedureName}", apis.MethodHandlers{
			"post": httpHandler.RequestLoggingMiddleware(httpHandler.InvokeProcedureHandler()),
		},
	)
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/procedure", apis.MethodHandlers{
		"get": httpHandler.RequestLoggingMiddleware(httpHandler.DescribeProceduresHandler()),
	})

	// WebSocket client transport. The upgrade needs the raw connection.
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/ws", apis.MethodHandlers{
		"get": wsHandler.ServeHTTP,
	})

	// Health check
	_ = apis.RegisterPathPrefix(mainRouter, "/alive", apis.MethodHandlers{
		"get": httpHandler.RequestLoggingMiddleware(httpHandler.AliveHandler()),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/ready", apis.MethodHandlers{
		"get": httpHandler.RequestLoggingMiddleware(httpHandler.ReadyHandler()),
	})

	serverListen := fmt.Sprintf(
		"%s:%d", config.HTTPSetting.Server.ListenOn, config.HTTPSetting.Server.Port,
	)
	httpSrv := &http.Server{
		Addr:         serverListen,
		WriteTimeout: time.Second * time.Duration(config.HTTPSetting.Server.WriteTimeout),
		ReadTimeout:  time.Second * time.Duration(config.HTTPSetting.Server.ReadTimeout),
		IdleTimeout:  time.Second * time.Duration(config.HTTPSetting.Server.IdleTimeout),
		Handler:      h2c.NewHandler(httpRouter, &http2.Server{}),
	}

	// Cancel runtime context on shutdown
	httpSrv.RegisterOnShutdown(lclCancel)

	// Start the server
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).WithFields(logTags).Error("HTTP Server Failure")
			lclCancel()
		}
	}()

	log.WithFields(logTags).Infof("Started HTTP server on http://%s", serverListen)

	// ============================================================================

	<-localCtxt.Done()

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failure during HTTP shutdown")
		}
	}

	return nil
}

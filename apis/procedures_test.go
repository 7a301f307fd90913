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

package apis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/connhub/common"
	"github.com/alwitt/connhub/dataplane"
	"github.com/alwitt/connhub/procedures"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
)

func TestErrorToHTTPStatus(t *testing.T) {
	assert := assert.New(t)

	wrap := func(err error) error { return fmt.Errorf("%w: detail", err) }
	assert.Equal(http.StatusBadRequest, errorToHTTPStatus(wrap(procedures.ErrValidationFailed)))
	assert.Equal(http.StatusNotFound, errorToHTTPStatus(wrap(procedures.ErrProcedureNotFound)))
	assert.Equal(http.StatusNotFound, errorToHTTPStatus(wrap(dataplane.ErrConnectionNotFound)))
	assert.Equal(http.StatusGatewayTimeout, errorToHTTPStatus(wrap(dataplane.ErrRequestTimeout)))
	assert.Equal(http.StatusBadGateway, errorToHTTPStatus(wrap(dataplane.ErrDeliveryFailed)))
	assert.Equal(http.StatusBadGateway, errorToHTTPStatus(&dataplane.ClientError{Message: "x"}))
	assert.Equal(http.StatusInternalServerError, errorToHTTPStatus(fmt.Errorf("other")))
}

func TestProcedureAPI(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	hubParams := dataplane.GetDefaultHubParams("hub-api")
	hubParams.DefaultRequestTimeout = time.Second
	hub, err := dataplane.GetConnectionHub(ctxt, hubParams, &wg)
	assert.Nil(err)
	defer func() {
		assert.Nil(hub.Stop())
	}()
	router := procedures.GetProcedureRouter("testing")
	assert.Nil(procedures.RegisterConnectionProcedures(router, hub))

	// Client which answers every call with its ID
	assert.Nil(hub.AddConnection(dataplane.TrackedConnection{
		ID: "client-1",
		Deliver: func(ctxt context.Context, msg interface{}) error {
			if req, ok := msg.(dataplane.ServerRequest); ok {
				go hub.HandleResponse(req.ID, "client-1", "")
			}
			return nil
		},
	}))
	// Client which never answers
	assert.Nil(hub.AddConnection(dataplane.TrackedConnection{
		ID:      "silent",
		Deliver: func(ctxt context.Context, msg interface{}) error { return nil },
	}))

	ready := fmt.Errorf("starting")
	var readyLock sync.Mutex
	uut, err := GetAPIRestProcedureHandler(
		&common.HTTPConfig{
			Logging: common.HTTPRequestLogging{RequestIDHeader: "Connhub-Request-ID"},
		},
		router,
		func() error {
			readyLock.Lock()
			defer readyLock.Unlock()
			return ready
		},
	)
	assert.Nil(err)

	testRouter := mux.NewRouter()
	_ = RegisterPathPrefix(testRouter, "/v1/procedure/{procedureName}", MethodHandlers{
		"post": uut.InvokeProcedureHandler(),
	})
	_ = RegisterPathPrefix(testRouter, "/v1/procedure", MethodHandlers{
		"get": uut.DescribeProceduresHandler(),
	})
	_ = RegisterPathPrefix(testRouter, "/alive", MethodHandlers{"get": uut.AliveHandler()})
	_ = RegisterPathPrefix(testRouter, "/ready", MethodHandlers{"get": uut.ReadyHandler()})

	invoke := func(name string, body string) *httptest.ResponseRecorder {
		req, err := http.NewRequest(
			"POST", fmt.Sprintf("/v1/procedure/%s", name), bytes.NewBufferString(body),
		)
		assert.Nil(err)
		respRecorder := httptest.NewRecorder()
		testRouter.ServeHTTP(respRecorder, req)
		return respRecorder
	}

	// Case 0: health checks
	{
		req, err := http.NewRequest("GET", "/alive", nil)
		assert.Nil(err)
		respRecorder := httptest.NewRecorder()
		testRouter.ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusOK, respRecorder.Code)

		req, err = http.NewRequest("GET", "/ready", nil)
		assert.Nil(err)
		respRecorder = httptest.NewRecorder()
		testRouter.ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusInternalServerError, respRecorder.Code)

		readyLock.Lock()
		ready = nil
		readyLock.Unlock()
		respRecorder = httptest.NewRecorder()
		testRouter.ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusOK, respRecorder.Code)
	}

	// Case 1: describe
	{
		req, err := http.NewRequest("GET", "/v1/procedure", nil)
		assert.Nil(err)
		respRecorder := httptest.NewRecorder()
		testRouter.ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusOK, respRecorder.Code)
		var msg struct {
			goutils.RestAPIBaseResponse
			Procedures []map[string]interface{} `json:"procedures"`
		}
		assert.Nil(json.Unmarshal(respRecorder.Body.Bytes(), &msg))
		assert.True(msg.Success)
		assert.Len(msg.Procedures, 7)
		assert.Equal("connection.broadcast", msg.Procedures[0]["path"])
	}

	type resultResponse struct {
		goutils.RestAPIBaseResponse
		Result map[string]interface{} `json:"result"`
	}

	// Case 2: list
	{
		resp := invoke("connection.list", `{}`)
		assert.Equal(http.StatusOK, resp.Code)
		var msg resultResponse
		assert.Nil(json.Unmarshal(resp.Body.Bytes(), &msg))
		assert.True(msg.Success)
		assert.Len(msg.Result["connections"], 2)
	}

	// Case 3: call
	{
		resp := invoke("connection.call", `{"clientId":"client-1","path":["whoami"]}`)
		assert.Equal(http.StatusOK, resp.Code)
		var msg resultResponse
		assert.Nil(json.Unmarshal(resp.Body.Bytes(), &msg))
		assert.True(msg.Success)
		assert.Equal("client-1", msg.Result["result"])
		assert.Equal("client-1", msg.Result["clientId"])
	}

	// Case 4: error mapping
	{
		resp := invoke("connection.unknown", `{}`)
		assert.Equal(http.StatusNotFound, resp.Code)
		var msg goutils.RestAPIBaseResponse
		assert.Nil(json.Unmarshal(resp.Body.Bytes(), &msg))
		assert.False(msg.Success)

		resp = invoke("connection.call", `{"clientId":"nobody","path":["whoami"]}`)
		assert.Equal(http.StatusNotFound, resp.Code)

		resp = invoke("connection.call", `{"path":["whoami"]}`)
		assert.Equal(http.StatusBadRequest, resp.Code)

		resp = invoke("connection.call", `{"clientId":"silent","path":["whoami"],"timeout":50}`)
		assert.Equal(http.StatusGatewayTimeout, resp.Code)

		resp = invoke("connection.subscribe", `{"topic":"news"}`)
		assert.Equal(http.StatusBadRequest, resp.Code)
	}

	// Case 5: subscribe and publish
	{
		resp := invoke("connection.subscribe", `{"topic":"news","clientId":"silent"}`)
		assert.Equal(http.StatusOK, resp.Code)
		resp = invoke("connection.publish", `{"topic":"news","data":1}`)
		assert.Equal(http.StatusOK, resp.Code)
		var msg resultResponse
		assert.Nil(json.Unmarshal(resp.Body.Bytes(), &msg))
		assert.Equal(float64(1), msg.Result["delivered"])
	}
}

func TestRequestLoggingMiddleware(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	router := procedures.GetProcedureRouter("testing")
	uut, err := GetAPIRestProcedureHandler(
		&common.HTTPConfig{
			Logging: common.HTTPRequestLogging{
				RequestIDHeader: "Connhub-Request-ID",
				DoNotLogHeaders: []string{"Authorization"},
			},
		},
		router,
		nil,
	)
	assert.Nil(err)

	// Case 0: status and body of the wrapped handler pass through
	{
		called := false
		handler := uut.RequestLoggingMiddleware(func(w http.ResponseWriter, r *http.Request) {
			called = true
			w.WriteHeader(http.StatusTeapot)
			_, _ = w.Write([]byte("short and stout"))
		})
		req, err := http.NewRequest("GET", "/teapot", nil)
		assert.Nil(err)
		req.Header.Set("Authorization", "secret")
		respRecorder := httptest.NewRecorder()
		handler(respRecorder, req)
		assert.True(called)
		assert.Equal(http.StatusTeapot, respRecorder.Code)
		assert.Equal("short and stout", respRecorder.Body.String())
	}

	// Case 1: handler which never writes a status
	{
		handler := uut.RequestLoggingMiddleware(func(w http.ResponseWriter, r *http.Request) {})
		req, err := http.NewRequest("GET", "/nothing", nil)
		assert.Nil(err)
		respRecorder := httptest.NewRecorder()
		handler(respRecorder, req)
		assert.Equal(http.StatusOK, respRecorder.Code)
	}
}

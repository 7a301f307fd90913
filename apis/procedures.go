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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/alwitt/connhub/common"
	"github.com/alwitt/connhub/dataplane"
	"github.com/alwitt/connhub/procedures"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/gorilla/mux"
)

// maxProcedureInputBytes max size of a procedure input body
const maxProcedureInputBytes = 4 << 20

// ReadinessCheck reports whether the server is ready for use
type ReadinessCheck func() error

// APIRestProcedureHandler REST handler for invoking and describing procedures
type APIRestProcedureHandler struct {
	goutils.RestAPIHandler
	router    procedures.ProcedureRouter
	readiness ReadinessCheck
}

// GetAPIRestProcedureHandler define APIRestProcedureHandler
func GetAPIRestProcedureHandler(
	httpConfig *common.HTTPConfig,
	router procedures.ProcedureRouter,
	readiness ReadinessCheck,
) (APIRestProcedureHandler, error) {
	if router == nil {
		return APIRestProcedureHandler{}, fmt.Errorf("procedure router is required")
	}
	logTags := log.Fields{
		"module":    "apis",
		"component": "procedures",
	}
	return APIRestProcedureHandler{
		RestAPIHandler: goutils.RestAPIHandler{
			Component: goutils.Component{
				LogTags: logTags,
				LogTagModifiers: []goutils.LogMetadataModifier{
					goutils.ModifyLogMetadataByRestRequestParam,
				},
			},
			CallRequestIDHeaderField: &httpConfig.Logging.RequestIDHeader,
			DoNotLogHeaders: func() map[string]bool {
				result := map[string]bool{}
				for _, v := range httpConfig.Logging.DoNotLogHeaders {
					result[v] = true
					result[http.CanonicalHeaderKey(v)] = true
				}
				return result
			}(),
		},
		router:    router,
		readiness: readiness,
	}, nil
}

// errorToHTTPStatus map a procedure error to a HTTP status code
func errorToHTTPStatus(err error) int {
	var clientErr *dataplane.ClientError
	switch {
	case errors.Is(err, procedures.ErrValidationFailed):
		return http.StatusBadRequest
	case errors.Is(err, procedures.ErrProcedureNotFound),
		errors.Is(err, dataplane.ErrConnectionNotFound):
		return http.StatusNotFound
	case errors.Is(err, dataplane.ErrRequestTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, dataplane.ErrDeliveryFailed), errors.As(err, &clientErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// =======================================================================
// Procedures

// APIRestRespProcedures response listing the registered procedures
type APIRestRespProcedures struct {
	goutils.RestAPIBaseResponse
	Procedures []procedures.ProcedureDescriptor `json:"procedures"`
}

// DescribeProcedures godoc
// @Summary List procedures
// @Description List the registered procedures, with their metadata and input schema
// @tags Procedures
// @Produce json
// @Param Connhub-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} APIRestRespProcedures "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,500 {string} Connhub-Request-ID "Request ID to match against logs"
// @Router /v1/procedure [get]
func (h APIRestProcedureHandler) DescribeProcedures(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w,
		http.StatusOK,
		APIRestRespProcedures{
			RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()),
			Procedures:          h.router.Describe(),
		},
		nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// DescribeProceduresHandler Wrapper around DescribeProcedures
func (h APIRestProcedureHandler) DescribeProceduresHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.DescribeProcedures(w, r)
	}
}

// -----------------------------------------------------------------------

// APIRestRespProcedureResult response carrying a procedure result
type APIRestRespProcedureResult struct {
	goutils.RestAPIBaseResponse
	Result interface{} `json:"result,omitempty"`
}

// InvokeProcedure godoc
// @Summary Invoke a procedure
// @Description Invoke a registered procedure, such as "connection.call", with a JSON input
// @tags Procedures
// @Accept json
// @Produce json
// @Param Connhub-Request-ID header string false "User provided request ID to match against logs"
// @Param procedureName path string true "Procedure name"
// @Param input body string false "Procedure input"
// @Success 200 {object} APIRestRespProcedureResult "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Failure 502 {object} goutils.RestAPIBaseResponse "error"
// @Failure 504 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,404,500,502,504 {string} Connhub-Request-ID "Request ID to match against logs"
// @Router /v1/procedure/{procedureName} [post]
func (h APIRestProcedureHandler) InvokeProcedure(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	vars := mux.Vars(r)
	procedureName, ok := vars["procedureName"]
	if !ok || procedureName == "" {
		msg := "No procedure name provided"
		log.WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
		return
	}

	input, err := io.ReadAll(io.LimitReader(r.Body, maxProcedureInputBytes))
	if err != nil {
		msg := "Unable to read procedure input"
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	callCtxt := common.WithCaller(r.Context(), common.CallerParam{Transport: "http"})
	result, err := h.router.Invoke(callCtxt, procedureName, json.RawMessage(input))
	if err != nil {
		msg := fmt.Sprintf("Procedure %s failed", procedureName)
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		respCode = errorToHTTPStatus(err)
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespProcedureResult{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()),
		Result:              result,
	}
}

// InvokeProcedureHandler Wrapper around InvokeProcedure
func (h APIRestProcedureHandler) InvokeProcedureHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.InvokeProcedure(w, r)
	}
}

// =======================================================================
// Health Checks

// -----------------------------------------------------------------------

// Alive godoc
// @Summary For REST API liveness check
// @Description Will return success to indicate REST API module is live
// @tags Management
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /alive [get]
func (h APIRestProcedureHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestProcedureHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// -----------------------------------------------------------------------

// Ready godoc
// @Summary For REST API readiness check
// @Description Will return success if the server is ready for use
// @tags Management
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /ready [get]
func (h APIRestProcedureHandler) Ready(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	if h.readiness != nil {
		if err := h.readiness(); err != nil {
			msg := "not ready"
			log.WithError(err).WithFields(localLogTags).Error("Readiness check failed")
			respCode = http.StatusInternalServerError
			respBody = h.GetStdRESTErrorMsg(
				r.Context(), http.StatusInternalServerError, msg, err.Error(),
			)
			return
		}
	}
	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// ReadyHandler Wrapper around Ready
func (h APIRestProcedureHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}

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
	"net/http"
	"time"

	"github.com/apex/log"
	"github.com/urfave/negroni"
)

// RequestLoggingMiddleware log the outcome of each request passing through the handler
func (h APIRestProcedureHandler) RequestLoggingMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()
		respWriter := negroni.NewResponseWriter(w)
		next(respWriter, r)
		localLogTags := h.GetLogTagsForContext(r.Context())
		fields := log.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"remote":      r.RemoteAddr,
			"status":      respWriter.Status(),
			"resp_bytes":  respWriter.Size(),
			"duration_ms": time.Since(startTime).Milliseconds(),
		}
		for header, values := range r.Header {
			if h.DoNotLogHeaders[header] || len(values) == 0 {
				continue
			}
			fields[header] = values[0]
		}
		entry := log.WithFields(localLogTags).WithFields(fields)
		if respWriter.Status() >= http.StatusInternalServerError {
			entry.Warn("Request failed")
		} else {
			entry.Info("Request served")
		}
	}
}

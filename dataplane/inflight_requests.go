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

package dataplane

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/connhub/common"
	"github.com/apex/log"
	"github.com/google/uuid"
)

// newRequestID generate a new correlation ID
func newRequestID() string {
	return fmt.Sprintf("req_%s", uuid.New().String())
}

// PendingRequestCount number of requests awaiting a response
func (h *connectionHubImpl) PendingRequestCount() int {
	h.pendingLock.Lock()
	defer h.pendingLock.Unlock()
	return len(h.pending)
}

// settle remove a pending request, then pass it its outcome.
//
// Only the caller which removes the entry writes the outcome, so every request
// is settled once. Returns false if the request was already settled.
func (h *connectionHubImpl) settle(requestID string, outcome requestOutcome) bool {
	h.pendingLock.Lock()
	entry, ok := h.pending[requestID]
	if ok {
		delete(h.pending, requestID)
	}
	h.pendingLock.Unlock()
	if !ok {
		return false
	}
	_ = entry.timer.Stop()
	entry.result <- outcome
	return true
}

// CallClient call a procedure on a client, and wait for its response
func (h *connectionHubImpl) CallClient(
	ctxt context.Context,
	clientID string,
	path []string,
	input interface{},
	timeout time.Duration,
) (interface{}, error) {
	conn, ok := h.GetConnection(clientID)
	if !ok {
		err := fmt.Errorf("%w: %s", ErrConnectionNotFound, clientID)
		log.WithError(err).WithFields(h.GetLogTagsForContext(ctxt)).Error("Unable to call client")
		return nil, err
	}
	return h.callConnection(ctxt, conn, path, input, timeout)
}

// callConnection call a procedure on a known connection record
func (h *connectionHubImpl) callConnection(
	ctxt context.Context,
	conn TrackedConnection,
	path []string,
	input interface{},
	timeout time.Duration,
) (interface{}, error) {
	if timeout <= 0 {
		timeout = h.params.DefaultRequestTimeout
	}
	logTags := h.GetLogTagsForContext(ctxt)
	requestID := newRequestID()
	logTags["request_id"] = requestID
	logTags["client_id"] = conn.ID

	timer, err := common.GetIntervalTimerInstance(h.runtimeCtxt, h.wg, requestID)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define request timer")
		return nil, err
	}
	entry := &pendingRequest{result: make(chan requestOutcome, 1), timer: timer}
	timeoutErr := fmt.Errorf("%w after %dms", ErrRequestTimeout, timeout.Milliseconds())
	onTimeout := func() error {
		if h.settle(requestID, requestOutcome{err: timeoutErr}) {
			log.WithFields(logTags).Debug("Request timed out")
		}
		return nil
	}

	// Register and arm the deadline together, so a settle never sees an unarmed timer
	h.pendingLock.Lock()
	h.pending[requestID] = entry
	err = timer.Start(timeout, onTimeout, true)
	if err != nil {
		delete(h.pending, requestID)
	}
	h.pendingLock.Unlock()
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start request timer")
		return nil, err
	}

	request := ServerRequest{
		Type: EnvelopeServerRequest, ID: requestID, Path: path, Input: input,
	}
	if err := conn.Deliver(ctxt, request); err != nil {
		h.settle(requestID, requestOutcome{err: fmt.Errorf("%w: %w", ErrDeliveryFailed, err)})
	}

	var outcome requestOutcome
	select {
	case outcome = <-entry.result:
	case <-ctxt.Done():
		h.settle(requestID, requestOutcome{err: ctxt.Err()})
		outcome = <-entry.result
	case <-h.runtimeCtxt.Done():
		h.settle(requestID, requestOutcome{err: ErrHubStopped})
		outcome = <-entry.result
	}

	if outcome.err != nil {
		log.WithError(outcome.err).WithFields(logTags).Errorf("Call to %v failed", path)
		return nil, outcome.err
	}
	log.WithFields(logTags).Debugf("Call to %v completed", path)
	return outcome.result, nil
}

// HandleResponse process a response from a client
func (h *connectionHubImpl) HandleResponse(requestID string, result interface{}, errMsg string) {
	outcome := requestOutcome{result: result}
	if errMsg != "" {
		outcome = requestOutcome{err: &ClientError{Message: errMsg}}
	}
	if !h.settle(requestID, outcome) {
		log.WithFields(h.LogTags).Debugf("Dropped response for unknown request %s", requestID)
	}
}

// Broadcast call a procedure on all connected clients
func (h *connectionHubImpl) Broadcast(
	ctxt context.Context, path []string, input interface{}, params BroadcastParams,
) BroadcastReport {
	targets := h.ListConnections()
	report := BroadcastReport{Sent: len(targets)}

	if !params.WaitForResponses {
		for _, conn := range targets {
			task := deliveryTask{
				conn: conn,
				msg: ServerRequest{
					Type: EnvelopeServerRequest, ID: newRequestID(), Path: path, Input: input,
				},
			}
			err := h.delivery.TrySubmit(task)
			if err == nil {
				continue
			}
			if !errors.Is(err, common.ErrTaskQueueFull) {
				log.WithError(err).WithFields(h.GetLogTagsForContext(ctxt)).Debugf(
					"Unable to queue broadcast to %s", conn.ID,
				)
				continue
			}
			// Workers are saturated by slow clients. Send outside the pool.
			go func() {
				_ = h.processDeliveryTask(task)
			}()
		}
		return report
	}

	report.Results = make([]BroadcastResult, len(targets))
	wg := sync.WaitGroup{}
	for idx, conn := range targets {
		wg.Add(1)
		go func(idx int, conn TrackedConnection) {
			defer wg.Done()
			entry := BroadcastResult{ClientID: conn.ID}
			if result, err := h.callConnection(ctxt, conn, path, input, params.Timeout); err != nil {
				entry.Error = err.Error()
			} else {
				entry.Result = result
			}
			report.Results[idx] = entry
		}(idx, conn)
	}
	wg.Wait()
	return report
}

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
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/alwitt/connhub/common"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// ConnectionRegistry tracks the live client connections
type ConnectionRegistry interface {
	// AddConnection register a client connection, replacing any record with the same ID
	AddConnection(conn TrackedConnection) error
	// RemoveConnection remove a client connection and all of its subscriptions.
	// Removing an unknown client is a no-op.
	RemoveConnection(clientID string)
	// RemoveConnectionIfSince remove a client connection and all of its subscriptions,
	// only if the current record was registered at connectedAt. Returns whether it was removed.
	RemoveConnectionIfSince(clientID string, connectedAt time.Time) bool
	// GetConnection fetch a client connection
	GetConnection(clientID string) (TrackedConnection, bool)
	// ListConnections snapshot of all client connections
	ListConnections() []TrackedConnection
	// GetConnectionInfo fetch the external view of a client connection
	GetConnectionInfo(clientID string) (ConnectionInfo, bool)
}

// RequestCorrelator issues server to client calls, and matches the client responses
type RequestCorrelator interface {
	// CallClient call a procedure on a client, and wait for its response.
	// A non-positive timeout uses the hub default.
	CallClient(
		ctxt context.Context, clientID string, path []string, input interface{}, timeout time.Duration,
	) (interface{}, error)
	// HandleResponse process a response from a client. An empty errMsg means success.
	// Responses for unknown or already settled requests are dropped.
	HandleResponse(requestID string, result interface{}, errMsg string)
	// Broadcast call a procedure on all connected clients
	Broadcast(
		ctxt context.Context, path []string, input interface{}, params BroadcastParams,
	) BroadcastReport
	// PendingRequestCount number of requests awaiting a response
	PendingRequestCount() int
}

// TopicRouter topic based publish / subscribe over the client connections
type TopicRouter interface {
	// Subscribe subscribe a client to a topic, returning the subscription ID
	Subscribe(clientID string, topic string) (string, error)
	// Unsubscribe remove a subscription. Returns false if it did not exist.
	Unsubscribe(subscriptionID string) bool
	// Publish deliver data to all subscribers of a topic, returning the number of
	// successful deliveries
	Publish(ctxt context.Context, topic string, data interface{}) int
	// ListSubscriptions snapshot of all subscriptions
	ListSubscriptions() []Subscription
	// ListTopicSubscriptions snapshot of the subscriptions to exactly one topic
	ListTopicSubscriptions(topic string) []Subscription
}

// ConnectionHub the connection registry, request correlator, and topic router sharing
// one set of client connections
type ConnectionHub interface {
	ConnectionRegistry
	RequestCorrelator
	TopicRouter
	// Instance the name of this hub
	Instance() string
	// Stop stop the hub. Outstanding requests fail with ErrHubStopped.
	Stop() error
}

// HubParams connection hub parameters
type HubParams struct {
	// Instance name of the hub
	Instance string `validate:"required"`
	// DefaultRequestTimeout request timeout when the caller does not give one
	DefaultRequestTimeout time.Duration `validate:"gt=0"`
	// DeliveryWorkers number of fire-and-forget delivery workers
	DeliveryWorkers int `validate:"gte=1"`
	// DeliveryQueueDepth per worker fire-and-forget delivery queue depth
	DeliveryQueueDepth int `validate:"gte=0"`
}

// GetDefaultHubParams hub parameters with default values
func GetDefaultHubParams(instance string) HubParams {
	return HubParams{
		Instance:              instance,
		DefaultRequestTimeout: time.Second * 30,
		DeliveryWorkers:       4,
		DeliveryQueueDepth:    64,
	}
}

// pendingRequest an outstanding server to client call
type pendingRequest struct {
	result chan requestOutcome
	timer  common.IntervalTimer
}

type requestOutcome struct {
	result interface{}
	err    error
}

// deliveryTask a fire-and-forget message for the delivery workers
type deliveryTask struct {
	conn TrackedConnection
	msg  interface{}
}

// connectionHubImpl implements ConnectionHub
type connectionHubImpl struct {
	common.Component
	params        HubParams
	validate      *validator.Validate
	runtimeCtxt   context.Context
	contextCancel context.CancelFunc
	wg            *sync.WaitGroup
	delivery      common.TaskProcessor

	// lock guards both connections and subscriptions so the disconnect cascade
	// and subscribe never interleave
	lock                sync.RWMutex
	connections         map[string]TrackedConnection
	subscriptions       map[string]Subscription
	subscriptionCounter uint64

	pendingLock sync.Mutex
	pending     map[string]*pendingRequest
}

// GetConnectionHub define a new connection hub
func GetConnectionHub(
	ctxt context.Context, params HubParams, wg *sync.WaitGroup,
) (ConnectionHub, error) {
	validate := validator.New()
	if err := validate.Struct(&params); err != nil {
		return nil, err
	}
	logTags := log.Fields{
		"module": "dataplane", "component": "connection-hub", "instance": params.Instance,
	}
	runtimeCtxt, cancel := context.WithCancel(ctxt)

	delivery, err := common.GetNewTaskDemuxProcessorInstance(
		runtimeCtxt,
		fmt.Sprintf("%s.delivery", params.Instance),
		params.DeliveryQueueDepth,
		params.DeliveryWorkers,
	)
	if err != nil {
		cancel()
		log.WithError(err).WithFields(logTags).Error("Unable to define delivery workers")
		return nil, err
	}

	instance := &connectionHubImpl{
		Component:     common.Component{LogTags: logTags},
		params:        params,
		validate:      validate,
		runtimeCtxt:   runtimeCtxt,
		contextCancel: cancel,
		wg:            wg,
		delivery:      delivery,
		connections:   make(map[string]TrackedConnection),
		subscriptions: make(map[string]Subscription),
		pending:       make(map[string]*pendingRequest),
	}

	if err := delivery.AddToTaskExecutionMap(
		reflect.TypeOf(deliveryTask{}), instance.processDeliveryTask,
	); err != nil {
		cancel()
		return nil, err
	}
	if err := delivery.StartEventLoop(wg); err != nil {
		cancel()
		log.WithError(err).WithFields(logTags).Error("Unable to start delivery workers")
		return nil, err
	}

	log.WithFields(logTags).Info("Connection hub started")
	return instance, nil
}

// Instance the name of this hub
func (h *connectionHubImpl) Instance() string {
	return h.params.Instance
}

// Stop stop the hub
func (h *connectionHubImpl) Stop() error {
	log.WithFields(h.LogTags).Info("Stopping connection hub")
	h.contextCancel()
	return h.delivery.StopEventLoop()
}

// processDeliveryTask support TaskProcessor, handle deliveryTask
func (h *connectionHubImpl) processDeliveryTask(param interface{}) error {
	task, ok := param.(deliveryTask)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for delivery", reflect.TypeOf(param))
	}
	if err := task.conn.Deliver(h.runtimeCtxt, task.msg); err != nil {
		// The sender never learns of this failure
		log.WithError(err).WithFields(h.LogTags).Debugf(
			"Fire-and-forget delivery to %s failed", task.conn.ID,
		)
	}
	return nil
}

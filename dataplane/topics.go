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
	"time"

	"github.com/apex/log"
)

// Subscribe subscribe a client to a topic, returning the subscription ID
func (h *connectionHubImpl) Subscribe(clientID string, topic string) (string, error) {
	h.lock.Lock()
	if _, ok := h.connections[clientID]; !ok {
		h.lock.Unlock()
		err := fmt.Errorf("%w: %s", ErrConnectionNotFound, clientID)
		log.WithError(err).WithFields(h.LogTags).Errorf("Unable to subscribe to %s", topic)
		return "", err
	}
	h.subscriptionCounter++
	now := time.Now()
	sub := Subscription{
		ID:        fmt.Sprintf("sub_%d_%d", h.subscriptionCounter, now.UnixMilli()),
		Topic:     topic,
		ClientID:  clientID,
		CreatedAt: now,
	}
	h.subscriptions[sub.ID] = sub
	h.lock.Unlock()

	log.WithFields(h.LogTags).Debugf("Client %s subscribed to %s as %s", clientID, topic, sub.ID)
	return sub.ID, nil
}

// Unsubscribe remove a subscription
func (h *connectionHubImpl) Unsubscribe(subscriptionID string) bool {
	h.lock.Lock()
	_, ok := h.subscriptions[subscriptionID]
	delete(h.subscriptions, subscriptionID)
	h.lock.Unlock()
	if ok {
		log.WithFields(h.LogTags).Debugf("Removed subscription %s", subscriptionID)
	}
	return ok
}

// ListSubscriptions snapshot of all subscriptions
func (h *connectionHubImpl) ListSubscriptions() []Subscription {
	return h.filterSubscriptions(func(Subscription) bool { return true })
}

// ListTopicSubscriptions snapshot of the subscriptions to exactly one topic
func (h *connectionHubImpl) ListTopicSubscriptions(topic string) []Subscription {
	return h.filterSubscriptions(func(sub Subscription) bool { return sub.Topic == topic })
}

func (h *connectionHubImpl) filterSubscriptions(match func(Subscription) bool) []Subscription {
	h.lock.RLock()
	defer h.lock.RUnlock()
	result := make([]Subscription, 0, len(h.subscriptions))
	for _, sub := range h.subscriptions {
		if match(sub) {
			result = append(result, sub)
		}
	}
	return result
}

// Publish deliver data to all subscribers of a topic
func (h *connectionHubImpl) Publish(ctxt context.Context, topic string, data interface{}) int {
	type target struct {
		sub  Subscription
		conn TrackedConnection
	}

	// Resolve the subscribers while holding the lock, deliver after releasing it
	h.lock.RLock()
	targets := []target{}
	for _, sub := range h.subscriptions {
		if sub.Topic != topic {
			continue
		}
		conn, ok := h.connections[sub.ClientID]
		if !ok {
			// Stale subscription
			continue
		}
		targets = append(targets, target{sub: sub, conn: conn})
	}
	h.lock.RUnlock()

	logTags := h.GetLogTagsForContext(ctxt)
	delivered := 0
	for _, oneTarget := range targets {
		event := TopicEvent{
			Type:           EnvelopeEvent,
			Topic:          topic,
			Data:           data,
			SubscriptionID: oneTarget.sub.ID,
		}
		if err := oneTarget.conn.Deliver(ctxt, event); err != nil {
			log.WithError(err).WithFields(logTags).Debugf(
				"Publish to %s via %s failed", oneTarget.conn.ID, oneTarget.sub.ID,
			)
			continue
		}
		delivered++
	}
	log.WithFields(logTags).Debugf("Published to %s: %d of %d", topic, delivered, len(targets))
	return delivered
}

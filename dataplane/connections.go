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
	"time"

	"github.com/apex/log"
)

// copyConnection copy of the record which does not share the metadata map or
// procedure list
func copyConnection(conn TrackedConnection) TrackedConnection {
	result := conn
	if conn.Metadata != nil {
		result.Metadata = make(map[string]interface{}, len(conn.Metadata))
		for k, v := range conn.Metadata {
			result.Metadata[k] = v
		}
	}
	if conn.Procedures != nil {
		result.Procedures = append([]string{}, conn.Procedures...)
	}
	return result
}

// AddConnection register a client connection, replacing any record with the same ID
func (h *connectionHubImpl) AddConnection(conn TrackedConnection) error {
	if err := h.validate.Struct(&conn); err != nil {
		log.WithError(err).WithFields(h.LogTags).Error("Invalid connection record")
		return err
	}
	record := copyConnection(conn)
	if record.ConnectedAt.IsZero() {
		record.ConnectedAt = time.Now()
	}

	h.lock.Lock()
	_, replaced := h.connections[record.ID]
	h.connections[record.ID] = record
	h.lock.Unlock()

	if replaced {
		log.WithFields(h.LogTags).Infof("Client %s re-registered", record.ID)
	} else {
		log.WithFields(h.LogTags).Infof("Client %s registered", record.ID)
	}
	return nil
}

// RemoveConnection remove a client connection and all of its subscriptions
func (h *connectionHubImpl) RemoveConnection(clientID string) {
	h.removeConnection(clientID, func(TrackedConnection) bool { return true })
}

// RemoveConnectionIfSince remove a client connection and all of its subscriptions,
// only if the current record was registered at connectedAt
func (h *connectionHubImpl) RemoveConnectionIfSince(clientID string, connectedAt time.Time) bool {
	return h.removeConnection(clientID, func(current TrackedConnection) bool {
		return current.ConnectedAt.Equal(connectedAt)
	})
}

func (h *connectionHubImpl) removeConnection(
	clientID string, match func(TrackedConnection) bool,
) bool {
	h.lock.Lock()
	current, ok := h.connections[clientID]
	if !ok || !match(current) {
		h.lock.Unlock()
		return false
	}
	delete(h.connections, clientID)
	removedSubs := 0
	for subID, sub := range h.subscriptions {
		if sub.ClientID == clientID {
			delete(h.subscriptions, subID)
			removedSubs++
		}
	}
	h.lock.Unlock()

	log.WithFields(h.LogTags).Infof(
		"Client %s removed with %d subscriptions", clientID, removedSubs,
	)
	return true
}

// GetConnection fetch a client connection
func (h *connectionHubImpl) GetConnection(clientID string) (TrackedConnection, bool) {
	h.lock.RLock()
	defer h.lock.RUnlock()
	conn, ok := h.connections[clientID]
	if !ok {
		return TrackedConnection{}, false
	}
	return copyConnection(conn), true
}

// ListConnections snapshot of all client connections
func (h *connectionHubImpl) ListConnections() []TrackedConnection {
	h.lock.RLock()
	defer h.lock.RUnlock()
	result := make([]TrackedConnection, 0, len(h.connections))
	for _, conn := range h.connections {
		result = append(result, copyConnection(conn))
	}
	return result
}

// GetConnectionInfo fetch the external view of a client connection
func (h *connectionHubImpl) GetConnectionInfo(clientID string) (ConnectionInfo, bool) {
	conn, ok := h.GetConnection(clientID)
	if !ok {
		return ConnectionInfo{}, false
	}
	return ToConnectionInfo(conn), true
}

// ToConnectionInfo convert a connection record to its external view
func ToConnectionInfo(conn TrackedConnection) ConnectionInfo {
	return ConnectionInfo{
		ID:          conn.ID,
		ConnectedAt: FormatTimestamp(conn.ConnectedAt),
		Metadata:    conn.Metadata,
		Procedures:  conn.Procedures,
	}
}

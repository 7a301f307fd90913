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
	"sync"
	"testing"
	"time"

	"github.com/alwitt/connhub/common"
	"github.com/alwitt/connhub/dataplane"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func TestDefineServerComponents(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	// Case 0: hub config conversion
	params := DefineHubParams(common.HubConfig{
		Instance:              "hub-cmd",
		DefaultRequestTimeout: 1500,
		DeliveryWorkers:       2,
		DeliveryQueueDepth:    8,
	})
	assert.Equal(dataplane.HubParams{
		Instance:              "hub-cmd",
		DefaultRequestTimeout: time.Millisecond * 1500,
		DeliveryWorkers:       2,
		DeliveryQueueDepth:    8,
	}, params)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub, err := dataplane.GetConnectionHub(ctxt, params, &wg)
	assert.Nil(err)
	defer func() {
		assert.Nil(hub.Stop())
	}()

	// Case 1: router carries the connection procedures
	router, err := DefineProcedureRouter("hub-cmd", hub)
	assert.Nil(err)
	paths := map[string]bool{}
	for _, desc := range router.Describe() {
		paths[desc.Path] = true
	}
	for _, path := range []string{
		"connection.list",
		"connection.get",
		"connection.call",
		"connection.broadcast",
		"connection.subscribe",
		"connection.unsubscribe",
		"connection.publish",
	} {
		assert.True(paths[path], path)
	}
}

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

package common

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIntervalTimerOneShot(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, err := GetIntervalTimerInstance(ctxt, &wg, "testing")
	assert.Nil(err)

	var value int32
	callback := func() error {
		atomic.AddInt32(&value, 1)
		return nil
	}

	// Case 0: invalid interval
	{
		assert.NotNil(uut.Start(0, callback, true))
	}

	// Case 1: fires once
	{
		assert.Nil(uut.Start(time.Millisecond*100, callback, true))
		time.Sleep(time.Millisecond * 150)
		assert.Equal(int32(1), atomic.LoadInt32(&value))

		time.Sleep(time.Millisecond * 100)
		assert.Equal(int32(1), atomic.LoadInt32(&value))
	}

	// Case 2: restart
	{
		assert.Nil(uut.Start(time.Millisecond*50, callback, true))
		time.Sleep(time.Millisecond * 100)
		assert.Equal(int32(2), atomic.LoadInt32(&value))
	}

	// Case 3: stopped before expiry
	{
		assert.Nil(uut.Start(time.Millisecond*50, callback, true))
		assert.Nil(uut.Stop())
		time.Sleep(time.Millisecond * 100)
		assert.Equal(int32(2), atomic.LoadInt32(&value))
	}
}

func TestIntervalTimerPeriodic(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, err := GetIntervalTimerInstance(ctxt, &wg, "testing")
	assert.Nil(err)

	var value int32
	callback := func() error {
		atomic.AddInt32(&value, 1)
		return nil
	}

	assert.Nil(uut.Start(time.Millisecond*20, callback, false))
	time.Sleep(time.Millisecond * 110)
	assert.Nil(uut.Stop())
	count := atomic.LoadInt32(&value)
	assert.GreaterOrEqual(count, int32(3))

	// No more calls after stopping
	time.Sleep(time.Millisecond * 60)
	assert.Equal(count, atomic.LoadInt32(&value))

	// Parent context cancel stops the timer too
	assert.Nil(uut.Start(time.Millisecond*20, callback, false))
	cancel()
	wg.Wait()
}

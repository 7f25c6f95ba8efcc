// Copyright 2025 The telemetry-relay Authors
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

package relay

import (
	"fmt"
	"testing"

	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func TestBroadcasterBasicFanout(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut, err := GetBroadcaster(10, "ut-broadcaster")
	assert.Nil(err)

	// Case 0: no subscribers attached, broadcast is a no-op
	assert.Equal(0, uut.SubscriberCount())
	uut.Broadcast([]byte("orphan"))

	// Case 1: a registered subscriber receives messages in publish order
	sub1 := uut.Register()
	assert.Equal(1, uut.SubscriberCount())
	uut.Broadcast([]byte("msg-0"))
	uut.Broadcast([]byte("msg-1"))
	uut.Broadcast([]byte("msg-2"))
	assert.Equal([]byte("msg-0"), <-sub1.Messages())
	assert.Equal([]byte("msg-1"), <-sub1.Messages())
	assert.Equal([]byte("msg-2"), <-sub1.Messages())

	// Case 2: every subscriber gets its own copy
	sub2 := uut.Register()
	assert.Equal(2, uut.SubscriberCount())
	uut.Broadcast([]byte("msg-3"))
	assert.Equal([]byte("msg-3"), <-sub1.Messages())
	assert.Equal([]byte("msg-3"), <-sub2.Messages())

	// Case 3: unregister detaches, and is idempotent
	uut.Unregister(sub1)
	assert.Equal(1, uut.SubscriberCount())
	uut.Unregister(sub1)
	assert.Equal(1, uut.SubscriberCount())
	uut.Broadcast([]byte("msg-4"))
	assert.Equal([]byte("msg-4"), <-sub2.Messages())
	assert.Empty(sub1.Messages())
}

func TestBroadcasterSlowSubscriber(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	queueLen := 10
	uut, err := GetBroadcaster(queueLen, "ut-broadcaster")
	assert.Nil(err)

	slow := uut.Register()
	fast := uut.Register()

	// Case 0: a full queue drops the newest message for that subscriber only.
	// Neither subscriber drains, so both fill to capacity; the extra messages
	// past the queue length vanish without blocking the publisher.
	for itr := 0; itr < queueLen+3; itr++ {
		uut.Broadcast([]byte(fmt.Sprintf("msg-%d", itr)))
	}
	assert.Equal(queueLen, len(slow.Messages()))
	assert.Equal(queueLen, len(fast.Messages()))
	for itr := 0; itr < queueLen; itr++ {
		assert.Equal([]byte(fmt.Sprintf("msg-%d", itr)), <-fast.Messages())
	}

	// Case 1: the drained subscriber receives again while the stalled one,
	// still at capacity, keeps missing
	uut.Broadcast([]byte("after-drain"))
	assert.Equal([]byte("after-drain"), <-fast.Messages())
	assert.Equal(queueLen, len(slow.Messages()))
	assert.Equal([]byte("msg-0"), <-slow.Messages())
}

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
	"sync"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
)

// Subscriber is one connected consumer's bounded message queue. Owned by its
// stream session; registered with the Broadcaster for the session's lifetime.
type Subscriber struct {
	msgs chan []byte
}

// Messages the channel of pending envelopes for this subscriber
func (s *Subscriber) Messages() <-chan []byte {
	return s.msgs
}

// Broadcaster fans published envelopes out to all registered subscribers.
//
// Delivery is best-effort: a subscriber whose queue is full misses the
// message. A publish must never stall behind a stalled consumer, so no
// backpressure ever reaches the caller of Broadcast.
type Broadcaster interface {
	// Register add a new subscriber with an empty queue
	Register() *Subscriber
	// Unregister remove a subscriber. Removing one already gone is a no-op.
	Unregister(subscriber *Subscriber)
	// Broadcast offer an envelope to every current subscriber without blocking
	Broadcast(envelope []byte)
	// SubscriberCount the number of currently registered subscribers
	SubscriberCount() int
}

// broadcasterImpl implements Broadcaster
type broadcasterImpl struct {
	goutils.Component
	lock     sync.Mutex
	queueLen int
	members  map[*Subscriber]bool
}

// GetBroadcaster define a Broadcaster whose subscribers buffer up to queueLen
// pending envelopes each
func GetBroadcaster(queueLen int, instance string) (Broadcaster, error) {
	logTags := log.Fields{
		"module": "relay", "component": "broadcaster", "instance": instance,
	}
	return &broadcasterImpl{
		Component: goutils.Component{LogTags: logTags},
		queueLen:  queueLen,
		members:   make(map[*Subscriber]bool),
	}, nil
}

// Register add a new subscriber with an empty queue
func (b *broadcasterImpl) Register() *Subscriber {
	subscriber := &Subscriber{msgs: make(chan []byte, b.queueLen)}
	b.lock.Lock()
	defer b.lock.Unlock()
	b.members[subscriber] = true
	log.WithFields(b.LogTags).Debugf("Registered subscriber, %d attached", len(b.members))
	return subscriber
}

// Unregister remove a subscriber
func (b *broadcasterImpl) Unregister(subscriber *Subscriber) {
	b.lock.Lock()
	defer b.lock.Unlock()
	delete(b.members, subscriber)
	log.WithFields(b.LogTags).Debugf("Unregistered subscriber, %d attached", len(b.members))
}

// Broadcast offer an envelope to every current subscriber.
//
// The lock guards only the membership snapshot; the per-subscriber enqueue
// happens outside it and never blocks.
func (b *broadcasterImpl) Broadcast(envelope []byte) {
	b.lock.Lock()
	targets := make([]*Subscriber, 0, len(b.members))
	for member := range b.members {
		targets = append(targets, member)
	}
	b.lock.Unlock()

	for _, target := range targets {
		select {
		case target.msgs <- envelope:
		default:
			// Queue full. Drop for this subscriber only.
			log.WithFields(b.LogTags).Debug("Dropped envelope for slow subscriber")
		}
	}
}

// SubscriberCount the number of currently registered subscribers
func (b *broadcasterImpl) SubscriberCount() int {
	b.lock.Lock()
	defer b.lock.Unlock()
	return len(b.members)
}

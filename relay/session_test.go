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
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

// testEventSink captures the session output for inspection
type testEventSink struct {
	lock       sync.Mutex
	events     [][]byte
	keepalives int
	failWrites bool
}

func (s *testEventSink) SendEvent(envelope []byte) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.failWrites {
		return fmt.Errorf("dummy write failure")
	}
	buf := make([]byte, len(envelope))
	copy(buf, envelope)
	s.events = append(s.events, buf)
	return nil
}

func (s *testEventSink) SendKeepalive() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.failWrites {
		return fmt.Errorf("dummy write failure")
	}
	s.keepalives++
	return nil
}

func (s *testEventSink) eventCount() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.events)
}

func (s *testEventSink) keepaliveCount() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.keepalives
}

func (s *testEventSink) eventAt(index int) []byte {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.events[index]
}

// waitForCondition poll check until it passes or the deadline expires
func waitForCondition(t *testing.T, timeout time.Duration, check func() bool) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if check() {
			return
		}
		time.Sleep(time.Millisecond * 5)
	}
	t.Fatal("Condition not met before timeout")
}

func TestStreamSessionRelay(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	store, err := GetSnapshotStore("ut-session")
	assert.Nil(err)
	broadcast, err := GetBroadcaster(10, "ut-session")
	assert.Nil(err)

	params := StreamSessionParam{
		QueuePollInterval: time.Millisecond * 10,
		KeepaliveInterval: time.Hour,
	}
	uut, err := GetStreamSession(store, broadcast, params, "ut-session")
	assert.Nil(err)

	// Case 0: a snapshot published before the session primes the stream
	stored := store.Publish(json.RawMessage(`{"value":1}`), "ut-publisher")
	primed, err := NewEnvelope(stored).Serialize()
	assert.Nil(err)

	utCtxt, cancel := context.WithCancel(context.Background())
	sink := &testEventSink{}
	sessionDone := make(chan error, 1)
	go func() {
		sessionDone <- uut.Run(utCtxt, sink)
	}()

	waitForCondition(t, time.Second, func() bool { return broadcast.SubscriberCount() == 1 })
	waitForCondition(t, time.Second, func() bool { return sink.eventCount() == 1 })
	assert.Equal(primed, sink.eventAt(0))

	// Case 1: broadcast envelopes arrive in order
	updated := store.Publish(json.RawMessage(`{"value":2}`), "ut-publisher")
	second, err := NewEnvelope(updated).Serialize()
	assert.Nil(err)
	broadcast.Broadcast(second)
	third := []byte(`{"receivedAt":3.0,"publisher":"ut-publisher","payload":{"value":3}}`)
	broadcast.Broadcast(third)

	waitForCondition(t, time.Second, func() bool { return sink.eventCount() == 3 })
	assert.Equal(second, sink.eventAt(1))
	assert.Equal(third, sink.eventAt(2))

	// Case 2: cancellation ends the session and releases the subscription
	cancel()
	select {
	case err := <-sessionDone:
		assert.Nil(err)
	case <-time.After(time.Second):
		assert.FailNow("Session did not stop on cancellation")
	}
	waitForCondition(t, time.Second, func() bool { return broadcast.SubscriberCount() == 0 })
	assert.Equal(0, sink.keepaliveCount())
}

// racingSnapshotStore performs a publish and broadcast from inside the first
// Read, landing in the window between session registration and priming
type racingSnapshotStore struct {
	inner     SnapshotStore
	broadcast Broadcaster
	once      sync.Once
}

func (s *racingSnapshotStore) Publish(payload json.RawMessage, publisher string) Snapshot {
	return s.inner.Publish(payload, publisher)
}

func (s *racingSnapshotStore) Read() Snapshot {
	result := s.inner.Read()
	s.once.Do(func() {
		stored := s.inner.Publish(json.RawMessage(`{"value":9}`), "ut-racer")
		envelope, err := NewEnvelope(stored).Serialize()
		if err != nil {
			panic(err)
		}
		s.broadcast.Broadcast(envelope)
	})
	return result
}

func TestStreamSessionPublishDuringPriming(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	inner, err := GetSnapshotStore("ut-priming-race")
	assert.Nil(err)
	broadcast, err := GetBroadcaster(10, "ut-priming-race")
	assert.Nil(err)
	store := &racingSnapshotStore{inner: inner, broadcast: broadcast}

	params := StreamSessionParam{
		QueuePollInterval: time.Millisecond * 10,
		KeepaliveInterval: time.Hour,
	}
	uut, err := GetStreamSession(store, broadcast, params, "ut-priming-race")
	assert.Nil(err)

	// Case 0: the store is empty when the session starts, and a publish lands
	// concurrently with the priming read. The priming read sees the pre-publish
	// state, so the broadcast queue is the only delivery path; the session must
	// already be registered for it.
	utCtxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	sink := &testEventSink{}
	sessionDone := make(chan error, 1)
	go func() {
		sessionDone <- uut.Run(utCtxt, sink)
	}()

	waitForCondition(t, time.Second, func() bool { return sink.eventCount() == 1 })
	stored := inner.Read()
	expected, err := NewEnvelope(stored).Serialize()
	assert.Nil(err)
	assert.Equal(expected, sink.eventAt(0))

	cancel()
	select {
	case err := <-sessionDone:
		assert.Nil(err)
	case <-time.After(time.Second):
		assert.FailNow("Session did not stop on cancellation")
	}
}

func TestStreamSessionPrimingFanout(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	store, err := GetSnapshotStore("ut-priming-fanout")
	assert.Nil(err)
	broadcast, err := GetBroadcaster(10, "ut-priming-fanout")
	assert.Nil(err)

	params := StreamSessionParam{
		QueuePollInterval: time.Millisecond * 10,
		KeepaliveInterval: time.Hour,
	}

	// Case 0: with a snapshot already stored, every new session independently
	// receives it as its first event
	stored := store.Publish(json.RawMessage(`{"value":1}`), "ut-publisher")
	primed, err := NewEnvelope(stored).Serialize()
	assert.Nil(err)

	utCtxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	sinks := []*testEventSink{{}, {}}
	sessionDone := make(chan error, len(sinks))
	for idx, sink := range sinks {
		session, err := GetStreamSession(
			store, broadcast, params, fmt.Sprintf("ut-priming-fanout-%d", idx),
		)
		assert.Nil(err)
		go func(session StreamSession, sink *testEventSink) {
			sessionDone <- session.Run(utCtxt, sink)
		}(session, sink)
	}

	for _, sink := range sinks {
		sink := sink
		waitForCondition(t, time.Second, func() bool { return sink.eventCount() == 1 })
		assert.Equal(primed, sink.eventAt(0))
	}
	assert.Equal(2, broadcast.SubscriberCount())

	// Case 1: a later publish still reaches both
	updated := store.Publish(json.RawMessage(`{"value":2}`), "ut-publisher")
	envelope, err := NewEnvelope(updated).Serialize()
	assert.Nil(err)
	broadcast.Broadcast(envelope)
	for _, sink := range sinks {
		sink := sink
		waitForCondition(t, time.Second, func() bool { return sink.eventCount() == 2 })
		assert.Equal(envelope, sink.eventAt(1))
	}

	cancel()
	for range sinks {
		select {
		case err := <-sessionDone:
			assert.Nil(err)
		case <-time.After(time.Second):
			assert.FailNow("Session did not stop on cancellation")
		}
	}
	waitForCondition(t, time.Second, func() bool { return broadcast.SubscriberCount() == 0 })
}

func TestStreamSessionKeepalive(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	store, err := GetSnapshotStore("ut-keepalive")
	assert.Nil(err)
	broadcast, err := GetBroadcaster(10, "ut-keepalive")
	assert.Nil(err)

	params := StreamSessionParam{
		QueuePollInterval: time.Millisecond * 5,
		KeepaliveInterval: time.Millisecond * 60,
	}
	uut, err := GetStreamSession(store, broadcast, params, "ut-keepalive")
	assert.Nil(err)

	utCtxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	sink := &testEventSink{}
	sessionDone := make(chan error, 1)
	startedAt := time.Now()
	go func() {
		sessionDone <- uut.Run(utCtxt, sink)
	}()

	// Case 0: no keepalive before the idle interval elapses
	time.Sleep(time.Millisecond * 20)
	assert.Equal(0, sink.keepaliveCount())

	// Case 1: keepalives flow once the connection sits idle long enough
	waitForCondition(t, time.Second*2, func() bool { return sink.keepaliveCount() >= 2 })

	cancel()
	select {
	case err := <-sessionDone:
		assert.Nil(err)
	case <-time.After(time.Second):
		assert.FailNow("Session did not stop on cancellation")
	}

	// Case 2: keepalives are spaced at least one interval apart, so the count
	// over the whole run is bounded by the elapsed idle time
	elapsed := time.Since(startedAt)
	maxKeepalives := int(elapsed/params.KeepaliveInterval) + 1
	assert.LessOrEqual(sink.keepaliveCount(), maxKeepalives)

	// Store was never written, so nothing primed and nothing relayed
	assert.Equal(0, sink.eventCount())
}

func TestStreamSessionWriteFailure(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	store, err := GetSnapshotStore("ut-write-failure")
	assert.Nil(err)
	broadcast, err := GetBroadcaster(10, "ut-write-failure")
	assert.Nil(err)

	params := StreamSessionParam{
		QueuePollInterval: time.Millisecond * 10,
		KeepaliveInterval: time.Hour,
	}
	uut, err := GetStreamSession(store, broadcast, params, "ut-write-failure")
	assert.Nil(err)

	// Case 0: a failed priming write is treated as a disconnect, not an error
	store.Publish(json.RawMessage(`{"value":1}`), "ut-publisher")
	assert.Nil(uut.Run(context.Background(), &testEventSink{failWrites: true}))
	assert.Equal(0, broadcast.SubscriberCount())

	// Case 1: a failed relay write ends the session cleanly and releases the
	// subscription
	sink := &testEventSink{}
	utCtxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	sessionDone := make(chan error, 1)
	go func() {
		sessionDone <- uut.Run(utCtxt, sink)
	}()
	waitForCondition(t, time.Second, func() bool { return broadcast.SubscriberCount() == 1 })

	sink.lock.Lock()
	sink.failWrites = true
	sink.lock.Unlock()
	broadcast.Broadcast([]byte("doomed"))

	select {
	case err := <-sessionDone:
		assert.Nil(err)
	case <-time.After(time.Second):
		assert.FailNow("Session did not stop on write failure")
	}
	waitForCondition(t, time.Second, func() bool { return broadcast.SubscriberCount() == 0 })
}

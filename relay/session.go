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
	"time"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
)

// EventSink is where a stream session writes its output. Implemented by the
// REST layer over the subscriber's HTTP connection.
type EventSink interface {
	// SendEvent deliver one serialized envelope
	SendEvent(envelope []byte) error
	// SendKeepalive deliver a no-op marker to keep an idle connection open
	SendKeepalive() error
}

// StreamSessionParam are the tuning parameters of one stream session
type StreamSessionParam struct {
	// QueuePollInterval is how long to wait on the subscriber queue before
	// re-checking for cancellation
	QueuePollInterval time.Duration `validate:"required"`
	// KeepaliveInterval is the minimum spacing between keepalives while idle
	KeepaliveInterval time.Duration `validate:"required"`
}

// StreamSession drives one subscriber connection: prime with the current
// snapshot, then relay broadcast envelopes and keepalives until cancellation.
type StreamSession interface {
	// Run operate the session until ctxt cancels or the sink fails. The
	// subscriber queue is always released on exit.
	Run(ctxt context.Context, sink EventSink) error
}

// streamSessionImpl implements StreamSession
type streamSessionImpl struct {
	goutils.Component
	store     SnapshotStore
	broadcast Broadcaster
	params    StreamSessionParam
}

// GetStreamSession define a StreamSession
func GetStreamSession(
	store SnapshotStore,
	broadcast Broadcaster,
	params StreamSessionParam,
	instance string,
) (StreamSession, error) {
	logTags := log.Fields{
		"module": "relay", "component": "stream-session", "instance": instance,
	}
	return &streamSessionImpl{
		Component: goutils.Component{LogTags: logTags},
		store:     store,
		broadcast: broadcast,
		params:    params,
	}, nil
}

// Run operate the session until ctxt cancels or the sink fails
func (s *streamSessionImpl) Run(ctxt context.Context, sink EventSink) error {
	// Register before the priming read. A publish landing between the two is
	// then both primed and queued, so it arrives twice; registering second
	// would instead lose it entirely. Consumers of latest-value telemetry
	// absorb the duplicate.
	subscriber := s.broadcast.Register()
	defer s.broadcast.Unregister(subscriber)

	if latest := s.store.Read(); !latest.Empty() {
		primed, err := NewEnvelope(latest).Serialize()
		if err != nil {
			log.WithError(err).WithFields(s.LogTags).Error("Unable to serialize snapshot")
			return err
		}
		if err := sink.SendEvent(primed); err != nil {
			log.WithError(err).WithFields(s.LogTags).Info("Subscriber gone before priming")
			return nil
		}
	}

	log.WithFields(s.LogTags).Info("Streaming started")
	defer log.WithFields(s.LogTags).Info("Streaming stopped")

	lastKeepalive := time.Now()
	for {
		select {
		case <-ctxt.Done():
			return nil

		case envelope := <-subscriber.Messages():
			if err := sink.SendEvent(envelope); err != nil {
				// Write failures mean the subscriber disconnected
				log.WithError(err).WithFields(s.LogTags).Info("Subscriber write failed")
				return nil
			}

		case <-time.After(s.params.QueuePollInterval):
			if time.Since(lastKeepalive) < s.params.KeepaliveInterval {
				continue
			}
			if err := sink.SendKeepalive(); err != nil {
				log.WithError(err).WithFields(s.LogTags).Info("Subscriber write failed")
				return nil
			}
			lastKeepalive = time.Now()
		}
	}
}

package relay

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
)

// Snapshot is the single most-recently published telemetry payload along with
// its receipt metadata. The payload is an opaque JSON object; the relay never
// inspects its contents.
type Snapshot struct {
	// ReceivedAt is the unix timestamp in seconds of when the payload arrived
	ReceivedAt float64
	// Publisher is the identity of the principal that published the payload
	Publisher string
	// Payload is the published JSON object, kept verbatim
	Payload json.RawMessage
}

// Empty whether anything was published yet
func (s Snapshot) Empty() bool {
	return s.Payload == nil
}

// SnapshotStore holds the latest published Snapshot. Each publish replaces the
// previous value whole; no history is retained.
type SnapshotStore interface {
	// Publish record a new latest payload, stamping the current time. Returns
	// the stored Snapshot.
	Publish(payload json.RawMessage, publisher string) Snapshot
	// Read fetch the current Snapshot. Empty before the first publish.
	Read() Snapshot
}

// snapshotStoreImpl implements SnapshotStore
type snapshotStoreImpl struct {
	goutils.Component
	lock   sync.Mutex
	latest Snapshot
}

// GetSnapshotStore define a SnapshotStore
func GetSnapshotStore(instance string) (SnapshotStore, error) {
	logTags := log.Fields{
		"module": "relay", "component": "snapshot-store", "instance": instance,
	}
	return &snapshotStoreImpl{Component: goutils.Component{LogTags: logTags}}, nil
}

// Publish record a new latest payload
func (s *snapshotStoreImpl) Publish(payload json.RawMessage, publisher string) Snapshot {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.latest = Snapshot{
		ReceivedAt: float64(time.Now().UnixNano()) / float64(time.Second),
		Publisher:  publisher,
		Payload:    payload,
	}
	log.WithFields(s.LogTags).Debugf("Stored %dB snapshot from '%s'", len(payload), publisher)
	return s.latest
}

// Read fetch the current Snapshot
func (s *snapshotStoreImpl) Read() Snapshot {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.latest
}

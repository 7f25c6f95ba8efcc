package relay

import "encoding/json"

// Envelope is the wire form of a Snapshot sent to subscribers. One Envelope is
// built per publish and shared across all current subscribers.
type Envelope struct {
	// ReceivedAt is the unix timestamp in seconds of the publish
	ReceivedAt float64 `json:"receivedAt"`
	// Publisher is the identity of the publishing principal
	Publisher string `json:"publisher"`
	// Payload is the published JSON object, verbatim
	Payload json.RawMessage `json:"payload"`
}

// NewEnvelope build the Envelope for a Snapshot
func NewEnvelope(snapshot Snapshot) Envelope {
	return Envelope{
		ReceivedAt: snapshot.ReceivedAt,
		Publisher:  snapshot.Publisher,
		Payload:    snapshot.Payload,
	}
}

// Serialize produce the broadcast byte form of the Envelope
func (e Envelope) Serialize() ([]byte, error) {
	return json.Marshal(&e)
}

package relay

import (
	"syncpad/internal/crdt"
	"syncpad/internal/presence"
)

// Message type tags for the relay wire protocol. Every frame on a room
// socket is one JSON-encoded Message.
const (
	// MessageSyncStep1 carries the sender's state vector; the receiver
	// answers with the delta the sender is missing.
	MessageSyncStep1 = "sync-step1"
	// MessageSyncStep2 answers sync-step1: the catch-up delta plus the
	// responder's own state vector, so the joiner can push back anything
	// the responder is missing (offline edits) in a single update.
	MessageSyncStep2 = "sync-step2"
	// MessageUpdate carries incremental document deltas.
	MessageUpdate = "update"
	// MessageAwareness carries ephemeral presence changes.
	MessageAwareness = "awareness"
)

// Message is one frame of the relay protocol. Fields are populated
// according to Type; unused fields are omitted on the wire.
type Message struct {
	Type        string            `json:"type"`
	StateVector map[string]uint64 `json:"stateVector,omitempty"`
	Delta       crdt.Delta        `json:"delta,omitempty"`
	Presence    []presence.State  `json:"presence,omitempty"`
}

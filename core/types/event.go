package types

// Event represents a typed event emitted during state transitions.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

// Copy returns a deep copy so buffered events never alias the emitter's map.
func (e Event) Copy() Event {
	attrs := make(map[string]string, len(e.Attributes))
	for k, v := range e.Attributes {
		attrs[k] = v
	}
	return Event{Type: e.Type, Attributes: attrs}
}

// JournalEntry is an event as persisted in the append-only journal. Sequence
// numbers are assigned by the node in commit order; Digest is the hex BLAKE3
// digest of the canonical event encoding, stable across restarts so downstream
// indexers can dedupe redelivered entries.
type JournalEntry struct {
	Sequence uint64 `json:"sequence"`
	Time     int64  `json:"time"`
	Digest   string `json:"digest"`
	Event    Event  `json:"event"`
}

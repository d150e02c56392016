package types

// Event represents a typed event emitted during state transitions.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

// JournalEntry is an event after the node has committed it: the sequence
// number is assigned once, is strictly monotonic and gap-free, and is the
// cursor downstream mirrors replay from.
type JournalEntry struct {
	Sequence uint64 `json:"sequence"`
	Event    Event  `json:"event"`
}

// Clone returns a copy whose attribute map is safe for the caller to mutate.
func (e Event) Clone() Event {
	clone := Event{Type: e.Type}
	if e.Attributes != nil {
		clone.Attributes = make(map[string]string, len(e.Attributes))
		for k, v := range e.Attributes {
			clone.Attributes[k] = v
		}
	}
	return clone
}

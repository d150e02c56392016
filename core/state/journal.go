package state

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/rlp"

	"vmarket/core/types"
)

// storedEvent flattens an event's attribute map into parallel, key-sorted
// slices so the RLP encoding is deterministic.
type storedEvent struct {
	Type   string
	Keys   []string
	Values []string
}

func journalKey(sequence uint64) []byte {
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], sequence)
	return prefixedKey(journalPrefix, seq[:])
}

// JournalHead returns the sequence of the newest committed or pending journal
// entry; zero means the journal is empty.
func (m *Manager) JournalHead() (uint64, error) {
	data, ok, err := m.get(journalHeadKey)
	if err != nil {
		return 0, err
	}
	if !ok || len(data) == 0 {
		return 0, nil
	}
	var head uint64
	if err := rlp.DecodeBytes(data, &head); err != nil {
		return 0, fmt.Errorf("state: decode journal head: %w", err)
	}
	return head, nil
}

// JournalAppend assigns the next sequence number to the event and writes the
// entry into the overlay. The entry becomes visible to readers only once the
// surrounding operation commits.
func (m *Manager) JournalAppend(event *types.Event) (types.JournalEntry, error) {
	if event == nil {
		return types.JournalEntry{}, fmt.Errorf("state: event must not be nil")
	}
	head, err := m.JournalHead()
	if err != nil {
		return types.JournalEntry{}, err
	}
	sequence := head + 1

	stored := storedEvent{Type: event.Type}
	if len(event.Attributes) > 0 {
		stored.Keys = make([]string, 0, len(event.Attributes))
		for key := range event.Attributes {
			stored.Keys = append(stored.Keys, key)
		}
		sort.Strings(stored.Keys)
		stored.Values = make([]string, len(stored.Keys))
		for i, key := range stored.Keys {
			stored.Values[i] = event.Attributes[key]
		}
	}
	encoded, err := rlp.EncodeToBytes(&stored)
	if err != nil {
		return types.JournalEntry{}, fmt.Errorf("state: encode journal entry: %w", err)
	}
	headEncoded, err := rlp.EncodeToBytes(sequence)
	if err != nil {
		return types.JournalEntry{}, fmt.Errorf("state: encode journal head: %w", err)
	}
	m.set(journalKey(sequence), encoded)
	m.set(journalHeadKey, headEncoded)

	return types.JournalEntry{Sequence: sequence, Event: event.Clone()}, nil
}

// JournalGet loads a single journal entry by sequence.
func (m *Manager) JournalGet(sequence uint64) (types.JournalEntry, bool, error) {
	if sequence == 0 {
		return types.JournalEntry{}, false, nil
	}
	data, ok, err := m.get(journalKey(sequence))
	if err != nil {
		return types.JournalEntry{}, false, err
	}
	if !ok || len(data) == 0 {
		return types.JournalEntry{}, false, nil
	}
	stored := new(storedEvent)
	if err := rlp.DecodeBytes(data, stored); err != nil {
		return types.JournalEntry{}, false, fmt.Errorf("state: decode journal entry %d: %w", sequence, err)
	}
	if len(stored.Keys) != len(stored.Values) {
		return types.JournalEntry{}, false, fmt.Errorf("state: journal entry %d attribute mismatch", sequence)
	}
	event := types.Event{Type: stored.Type}
	if len(stored.Keys) > 0 {
		event.Attributes = make(map[string]string, len(stored.Keys))
		for i, key := range stored.Keys {
			event.Attributes[key] = stored.Values[i]
		}
	}
	return types.JournalEntry{Sequence: sequence, Event: event}, true, nil
}

// JournalList returns up to limit entries with sequence strictly greater than
// after, in sequence order. The journal is gap-free, so a missing entry below
// the head is a corruption and reported as an error.
func (m *Manager) JournalList(after uint64, limit int) ([]types.JournalEntry, error) {
	head, err := m.JournalHead()
	if err != nil {
		return nil, err
	}
	if limit <= 0 || after >= head {
		return nil, nil
	}
	entries := make([]types.JournalEntry, 0, limit)
	for seq := after + 1; seq <= head && len(entries) < limit; seq++ {
		entry, ok, err := m.JournalGet(seq)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("state: journal gap at sequence %d", seq)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

package state

import (
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"vmarket/storage"
)

// Manager provides typed access to ledger state stored in a key-value
// database. All writes land in an in-memory overlay first; an operation's
// effects reach the database only when Commit is called, so a failed
// operation is discarded wholesale by simply dropping the manager.
type Manager struct {
	db      storage.Database
	pending map[string][]byte
}

// NewManager creates a state manager with an empty write overlay on top of
// the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{
		db:      db,
		pending: make(map[string][]byte),
	}
}

func (m *Manager) get(key []byte) ([]byte, bool, error) {
	if value, ok := m.pending[string(key)]; ok {
		return value, true, nil
	}
	value, err := m.db.Get(key)
	if err != nil {
		if err == storage.ErrKeyNotFound {
			return nil, false, nil
		}
		return nil, false, err
	}
	return value, true, nil
}

func (m *Manager) has(key []byte) (bool, error) {
	if _, ok := m.pending[string(key)]; ok {
		return true, nil
	}
	return m.db.Has(key)
}

func (m *Manager) set(key, value []byte) {
	buf := make([]byte, len(value))
	copy(buf, value)
	m.pending[string(key)] = buf
}

// Commit flushes the overlay to the underlying database. The manager can
// keep serving reads afterwards but is not meant to be reused for another
// operation.
func (m *Manager) Commit() error {
	for key, value := range m.pending {
		if err := m.db.Put([]byte(key), value); err != nil {
			return fmt.Errorf("state: commit %x: %w", key, err)
		}
	}
	m.pending = make(map[string][]byte)
	return nil
}

// Revert drops every uncommitted write.
func (m *Manager) Revert() {
	m.pending = make(map[string][]byte)
}

// Dirty reports whether the overlay holds uncommitted writes.
func (m *Manager) Dirty() bool {
	return len(m.pending) > 0
}

// --- key derivation ---
//
// Every record lives under the keccak hash of a prefixed preimage so keys are
// uniform length and caller-chosen listing ids cannot collide with other
// prefixes.

var (
	accountPrefix  = []byte("market/account/")
	listingPrefix  = []byte("market/listing/")
	journalPrefix  = []byte("market/journal/")
	paramsKey      = ethcrypto.Keccak256([]byte("market/params"))
	journalHeadKey = ethcrypto.Keccak256([]byte("market/journal-head"))
)

func prefixedKey(prefix []byte, suffix []byte) []byte {
	buf := make([]byte, len(prefix)+len(suffix))
	copy(buf, prefix)
	copy(buf[len(prefix):], suffix)
	return ethcrypto.Keccak256(buf)
}

func accountKey(addr []byte) []byte {
	return prefixedKey(accountPrefix, addr)
}

func listingKey(id string) []byte {
	return prefixedKey(listingPrefix, []byte(id))
}

package state

import (
	"bytes"
	"fmt"
	"reflect"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"peervault/storage"
)

// Manager provides keyed access to settlement state. All reads and writes go
// through an in-memory overlay on top of the backing database: Commit flushes
// the overlay atomically, Reset discards it. The node wraps every public
// operation in exactly one overlay lifecycle, which is what makes each
// operation an all-or-nothing step: a hard failure anywhere inside an
// operation leaves the persisted state untouched.
type Manager struct {
	db      storage.Database
	overlay map[string]overlayEntry
}

type overlayEntry struct {
	value   []byte
	deleted bool
}

// NewManager creates a state manager operating on the provided database with
// an empty overlay.
func NewManager(db storage.Database) *Manager {
	return &Manager{
		db:      db,
		overlay: make(map[string]overlayEntry),
	}
}

func kvKey(key []byte) []byte {
	return ethcrypto.Keccak256(key)
}

// readRaw resolves a hashed key through the overlay, then the database.
// Missing keys surface as a nil slice with no error.
func (m *Manager) readRaw(hashed []byte) ([]byte, error) {
	if entry, ok := m.overlay[string(hashed)]; ok {
		if entry.deleted {
			return nil, nil
		}
		return entry.value, nil
	}
	data, err := m.db.Get(hashed)
	if err != nil {
		if err == storage.ErrKeyNotFound {
			return nil, nil
		}
		return nil, err
	}
	return data, nil
}

func (m *Manager) writeRaw(hashed, value []byte) {
	m.overlay[string(hashed)] = overlayEntry{value: append([]byte(nil), value...)}
}

func (m *Manager) deleteRaw(hashed []byte) {
	m.overlay[string(hashed)] = overlayEntry{deleted: true}
}

// Commit flushes the overlay to the backing database in a single atomic batch
// and clears it. Calling Commit with an empty overlay is a no-op.
func (m *Manager) Commit() error {
	if len(m.overlay) == 0 {
		return nil
	}
	batch := make(storage.Batch, 0, len(m.overlay))
	for key, entry := range m.overlay {
		if entry.deleted {
			batch = append(batch, storage.BatchOp{Key: []byte(key), Delete: true})
			continue
		}
		batch = append(batch, storage.BatchOp{Key: []byte(key), Value: entry.value})
	}
	if err := m.db.Write(batch); err != nil {
		return err
	}
	m.overlay = make(map[string]overlayEntry)
	return nil
}

// Reset discards every uncommitted mutation, rolling the manager back to the
// last committed state.
func (m *Manager) Reset() {
	if len(m.overlay) == 0 {
		return
	}
	m.overlay = make(map[string]overlayEntry)
}

// Dirty reports whether the overlay holds uncommitted mutations.
func (m *Manager) Dirty() bool {
	return len(m.overlay) > 0
}

// KVPut stores the provided value under the supplied key using RLP encoding.
// The key is automatically hashed with keccak256 so arbitrary-length logical
// keys map onto fixed-width database keys.
func (m *Manager) KVPut(key []byte, value interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	m.writeRaw(kvKey(key), encoded)
	return nil
}

// KVGet retrieves the value stored under the supplied key and decodes it into
// the provided destination. The boolean return value indicates whether the key
// existed in state.
func (m *Manager) KVGet(key []byte, out interface{}) (bool, error) {
	if len(key) == 0 {
		return false, fmt.Errorf("kv: key must not be empty")
	}
	data, err := m.readRaw(kvKey(key))
	if err != nil {
		return false, err
	}
	if len(data) == 0 {
		return false, nil
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}

// KVDelete removes the value stored under the supplied key. Deleting an absent
// key is a no-op.
func (m *Manager) KVDelete(key []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	m.deleteRaw(kvKey(key))
	return nil
}

// KVAppend appends the provided value to the RLP-encoded byte slice list stored
// under the supplied key. Duplicate values are ignored to keep the index
// deterministic.
func (m *Manager) KVAppend(key []byte, value []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	hashed := kvKey(key)
	data, err := m.readRaw(hashed)
	if err != nil {
		return err
	}
	var list [][]byte
	if len(data) > 0 {
		if err := rlp.DecodeBytes(data, &list); err != nil {
			return err
		}
	}
	for _, existing := range list {
		if bytes.Equal(existing, value) {
			return nil
		}
	}
	list = append(list, append([]byte(nil), value...))
	encoded, err := rlp.EncodeToBytes(list)
	if err != nil {
		return err
	}
	m.writeRaw(hashed, encoded)
	return nil
}

// KVGetList retrieves an RLP-encoded slice stored under the provided key and
// decodes it into the supplied destination slice pointer. When no value is
// present the destination is initialised with an empty slice to avoid nil
// surprises for callers.
func (m *Manager) KVGetList(key []byte, out interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	data, err := m.readRaw(kvKey(key))
	if err != nil {
		return err
	}
	if len(data) == 0 {
		val := reflect.ValueOf(out)
		if val.Kind() != reflect.Ptr || val.IsNil() {
			return fmt.Errorf("kv: destination must be a non-nil pointer")
		}
		elem := val.Elem()
		if elem.Kind() != reflect.Slice {
			return fmt.Errorf("kv: destination must point to a slice")
		}
		elem.Set(reflect.MakeSlice(elem.Type(), 0, 0))
		return nil
	}
	return rlp.DecodeBytes(data, out)
}

// ParamStoreSet persists an opaque parameter payload under the canonical
// parameter namespace. Callers own the encoding; policy and pause payloads are
// stored as JSON to align with governance tooling.
func (m *Manager) ParamStoreSet(name string, value []byte) error {
	if name == "" {
		return fmt.Errorf("params: name must not be empty")
	}
	return m.KVPut(paramStoreKey(name), value)
}

// ParamStoreGet loads a parameter payload. The boolean reports presence.
func (m *Manager) ParamStoreGet(name string) ([]byte, bool, error) {
	if name == "" {
		return nil, false, fmt.Errorf("params: name must not be empty")
	}
	var value []byte
	ok, err := m.KVGet(paramStoreKey(name), &value)
	if err != nil || !ok {
		return nil, ok, err
	}
	return value, true, nil
}

func paramStoreKey(name string) []byte {
	buf := make([]byte, len(paramStorePrefix)+len(name))
	copy(buf, paramStorePrefix)
	copy(buf[len(paramStorePrefix):], name)
	return buf
}

package state

import (
	"errors"
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"shillmarket/storage"
)

var errTxClosed = errors.New("state: transaction already committed or discarded")

// Manager owns the committed ledger state. Mutations happen through a Tx,
// which buffers every write and applies them in one storage batch.
//
// Manager does not serialise writers; callers that open concurrent
// transactions over the same accounts must order them externally.
type Manager struct {
	db storage.Database
}

// NewManager creates a state manager operating on the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

// Begin opens a write journal on top of the committed state.
func (m *Manager) Begin() *Tx {
	return &Tx{
		db:      m.db,
		writes:  make(map[string][]byte),
		deletes: make(map[string]struct{}),
	}
}

// View runs fn against a transaction that is always discarded.
func (m *Manager) View(fn func(*Tx) error) error {
	tx := m.Begin()
	defer tx.Discard()
	return fn(tx)
}

func kvKey(key []byte) []byte {
	return ethcrypto.Keccak256(key)
}

// Tx is a journal of pending writes. Reads observe the journal first and fall
// back to committed state. Nothing reaches storage until Commit.
type Tx struct {
	db      storage.Database
	writes  map[string][]byte
	deletes map[string]struct{}
	order   []string
	closed  bool
}

func (tx *Tx) get(key []byte) ([]byte, bool, error) {
	if tx.closed {
		return nil, false, errTxClosed
	}
	k := string(key)
	if value, ok := tx.writes[k]; ok {
		return value, true, nil
	}
	if _, ok := tx.deletes[k]; ok {
		return nil, false, nil
	}
	value, err := tx.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (tx *Tx) put(key, value []byte) error {
	if tx.closed {
		return errTxClosed
	}
	k := string(key)
	if _, seen := tx.writes[k]; !seen {
		if _, deleted := tx.deletes[k]; !deleted {
			tx.order = append(tx.order, k)
		}
	}
	delete(tx.deletes, k)
	tx.writes[k] = append([]byte(nil), value...)
	return nil
}

func (tx *Tx) del(key []byte) error {
	if tx.closed {
		return errTxClosed
	}
	k := string(key)
	if _, seen := tx.writes[k]; !seen {
		if _, deleted := tx.deletes[k]; !deleted {
			tx.order = append(tx.order, k)
		}
	}
	delete(tx.writes, k)
	tx.deletes[k] = struct{}{}
	return nil
}

// Pending reports how many distinct keys the journal would touch.
func (tx *Tx) Pending() int {
	return len(tx.order)
}

// Commit writes the journal atomically. The transaction cannot be reused.
func (tx *Tx) Commit() error {
	if tx.closed {
		return errTxClosed
	}
	tx.closed = true
	if len(tx.order) == 0 {
		return nil
	}
	batch := tx.db.NewBatch()
	for _, k := range tx.order {
		if value, ok := tx.writes[k]; ok {
			batch.Put([]byte(k), value)
			continue
		}
		batch.Delete([]byte(k))
	}
	if err := batch.Write(); err != nil {
		return fmt.Errorf("state: commit: %w", err)
	}
	return nil
}

// Discard drops every pending write. Calling it after Commit is a no-op, so it
// is safe to defer.
func (tx *Tx) Discard() {
	if tx.closed {
		return
	}
	tx.closed = true
	tx.writes = nil
	tx.deletes = nil
	tx.order = nil
}

// KVPut stores the provided value under the supplied key using RLP encoding.
// The key is hashed with keccak256 before it reaches storage.
func (tx *Tx) KVPut(key []byte, value interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	return tx.put(kvKey(key), encoded)
}

// KVGet retrieves the value stored under the supplied key and decodes it into
// the provided destination. The boolean return value indicates whether the key
// existed in state.
func (tx *Tx) KVGet(key []byte, out interface{}) (bool, error) {
	if len(key) == 0 {
		return false, fmt.Errorf("kv: key must not be empty")
	}
	data, ok, err := tx.get(kvKey(key))
	if err != nil || !ok {
		return false, err
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}

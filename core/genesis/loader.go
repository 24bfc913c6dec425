// core/genesis/loader.go
package genesis

import (
	"fmt"

	"shillmarket/core/state"
	"shillmarket/native/ledger"
)

var appliedKey = []byte("genesis/applied")

// Apply credits the spec's allocations in one atomic batch. A database that
// already carries a genesis marker is left untouched and applied is false.
func Apply(spec *GenesisSpec, mgr *state.Manager) (applied bool, err error) {
	if spec == nil {
		return false, fmt.Errorf("genesis spec must not be nil")
	}
	if mgr == nil {
		return false, fmt.Errorf("state manager must not be nil")
	}
	if spec.GenesisTimestamp().IsZero() {
		if err := spec.Validate(); err != nil {
			return false, err
		}
	}

	tx := mgr.Begin()
	defer tx.Discard()

	ok, err := tx.KVGet(appliedKey, nil)
	if err != nil {
		return false, fmt.Errorf("read genesis marker: %w", err)
	}
	if ok {
		return false, nil
	}
	// Allocations mint into user accounts only; no program id is needed.
	view := ledger.New(tx, [20]byte{})
	for _, alloc := range spec.Allocations() {
		if err := view.Mint(alloc.Address, alloc.Amount); err != nil {
			return false, fmt.Errorf("alloc %x: %w", alloc.Address, err)
		}
	}
	if err := tx.KVPut(appliedKey, uint64(spec.GenesisTimestamp().Unix())); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// AppliedAt returns the genesis timestamp recorded in state, if any.
func AppliedAt(mgr *state.Manager) (uint64, bool, error) {
	var ts uint64
	var ok bool
	err := mgr.View(func(tx *state.Tx) error {
		var err error
		ok, err = tx.KVGet(appliedKey, &ts)
		return err
	})
	return ts, ok, err
}

package state

import (
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"

	"shillmarket/core/types"
)

var accountPrefix = []byte("account:")

func accountStateKey(addr [20]byte) []byte {
	buf := make([]byte, len(accountPrefix)+len(addr))
	copy(buf, accountPrefix)
	copy(buf[len(accountPrefix):], addr[:])
	return kvKey(buf)
}

// GetAccount loads the account stored at addr. A missing account is reported
// with ok == false and a zero-valued account so callers can credit it.
func (tx *Tx) GetAccount(addr [20]byte) (*types.Account, bool, error) {
	data, ok, err := tx.get(accountStateKey(addr))
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return &types.Account{}, false, nil
	}
	account := new(types.Account)
	if err := rlp.DecodeBytes(data, account); err != nil {
		return nil, false, fmt.Errorf("state: decode account %x: %w", addr, err)
	}
	return account, true, nil
}

// PutAccount journals the account record.
func (tx *Tx) PutAccount(addr [20]byte, account *types.Account) error {
	if account == nil {
		return fmt.Errorf("state: nil account")
	}
	encoded, err := rlp.EncodeToBytes(account)
	if err != nil {
		return err
	}
	return tx.put(accountStateKey(addr), encoded)
}

// Account reads committed state without opening a caller-visible journal.
func (m *Manager) Account(addr [20]byte) (*types.Account, bool, error) {
	var (
		account *types.Account
		ok      bool
	)
	err := m.View(func(tx *Tx) error {
		var err error
		account, ok, err = tx.GetAccount(addr)
		return err
	})
	return account, ok, err
}

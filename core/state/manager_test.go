package state

import (
	"testing"

	"github.com/stretchr/testify/require"

	"shillmarket/core/types"
	"shillmarket/storage"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	db := storage.NewMemDB()
	t.Cleanup(db.Close)
	return NewManager(db)
}

func TestTxCommitMakesWritesVisible(t *testing.T) {
	mgr := newTestManager(t)
	addr := [20]byte{0x01}

	tx := mgr.Begin()
	require.NoError(t, tx.PutAccount(addr, &types.Account{Balance: 42, Nonce: 1}))

	// Journal is visible inside the transaction only.
	inside, ok, err := tx.GetAccount(addr)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(42), inside.Balance)

	_, ok, err = mgr.Account(addr)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, tx.Commit())

	stored, ok, err := mgr.Account(addr)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(42), stored.Balance)
	require.Equal(t, uint64(1), stored.Nonce)
}

func TestTxDiscardLeavesStateUntouched(t *testing.T) {
	mgr := newTestManager(t)
	addr := [20]byte{0x02}

	seed := mgr.Begin()
	require.NoError(t, seed.PutAccount(addr, &types.Account{Balance: 10}))
	require.NoError(t, seed.Commit())

	tx := mgr.Begin()
	require.NoError(t, tx.PutAccount(addr, &types.Account{Balance: 0}))
	require.NoError(t, tx.PutAccount([20]byte{0x03}, &types.Account{Balance: 10}))
	require.Equal(t, 2, tx.Pending())
	tx.Discard()

	stored, _, err := mgr.Account(addr)
	require.NoError(t, err)
	require.Equal(t, uint64(10), stored.Balance)
	_, ok, err := mgr.Account([20]byte{0x03})
	require.NoError(t, err)
	require.False(t, ok)

	require.ErrorIs(t, tx.Commit(), errTxClosed)
}

func TestKVRoundTrip(t *testing.T) {
	mgr := newTestManager(t)

	tx := mgr.Begin()
	require.NoError(t, tx.KVPut([]byte("genesis/applied"), uint64(1700000000)))
	require.NoError(t, tx.Commit())

	var got uint64
	err := mgr.View(func(tx *Tx) error {
		ok, err := tx.KVGet([]byte("genesis/applied"), &got)
		require.True(t, ok)
		return err
	})
	require.NoError(t, err)
	require.Equal(t, uint64(1700000000), got)

	_, err = mgr.Begin().KVGet(nil, &got)
	require.Error(t, err)
}

func TestMissingAccountIsZeroValue(t *testing.T) {
	mgr := newTestManager(t)
	acc, ok, err := mgr.Account([20]byte{0x09})
	require.NoError(t, err)
	require.False(t, ok)
	require.NotNil(t, acc)
	require.Zero(t, acc.Balance)
}

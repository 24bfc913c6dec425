package ledger

import (
	"encoding/binary"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"shillmarket/core/state"
	"shillmarket/core/types"
	"shillmarket/storage"
)

var testProgram = [20]byte{0xEE, 0x01}

func newTestLedger(t *testing.T, signers ...[20]byte) (*state.Manager, *state.Tx, *Ledger) {
	t.Helper()
	db := storage.NewMemDB()
	t.Cleanup(db.Close)
	mgr := state.NewManager(db)
	tx := mgr.Begin()
	return mgr, tx, New(tx, testProgram, signers...)
}

func orderSeed(id uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, id)
	return buf
}

func TestFindProgramAddressDeterministic(t *testing.T) {
	a1, bump1, err := FindProgramAddress(testProgram, []byte("escrow"), orderSeed(1))
	require.NoError(t, err)
	a2, bump2, err := FindProgramAddress(testProgram, []byte("escrow"), orderSeed(1))
	require.NoError(t, err)
	require.Equal(t, a1, a2)
	require.Equal(t, bump1, bump2)
	require.Equal(t, uint8(255), bump1)

	other, _, err := FindProgramAddress(testProgram, []byte("escrow"), orderSeed(2))
	require.NoError(t, err)
	require.NotEqual(t, a1, other)

	otherProgram, _, err := FindProgramAddress([20]byte{0x01}, []byte("escrow"), orderSeed(1))
	require.NoError(t, err)
	require.NotEqual(t, a1, otherProgram)

	verified, err := CreateProgramAddress(testProgram, [][]byte{[]byte("escrow"), orderSeed(1)}, bump1)
	require.NoError(t, err)
	require.Equal(t, a1, verified)
}

func TestFindProgramAddressRejectsLongSeeds(t *testing.T) {
	_, _, err := FindProgramAddress(testProgram, make([]byte, maxSeedLength+1))
	require.ErrorIs(t, err, ErrInvalidSeeds)
}

func TestCreateAccountRejectsExisting(t *testing.T) {
	payer := [20]byte{0x01}
	_, tx, l := newTestLedger(t, payer)
	addr, _, err := l.DeriveAddress([]byte("treasury"))
	require.NoError(t, err)

	require.NoError(t, l.CreateAccount(addr, 64, payer))
	err = l.CreateAccount(addr, 64, payer)
	require.ErrorIs(t, err, ErrAccountExists)

	withData := [20]byte{0x43}
	require.NoError(t, tx.PutAccount(withData, &types.Account{Data: []byte{1}}))
	require.ErrorIs(t, l.CreateAccount(withData, 64, payer), ErrAccountExists)
}

func TestCreateAccountTakesOverPlainAccount(t *testing.T) {
	payer := [20]byte{0x01}
	_, tx, l := newTestLedger(t, payer)
	addr, _, err := l.DeriveAddress([]byte("escrow"), orderSeed(3))
	require.NoError(t, err)
	require.NoError(t, tx.PutAccount(payer, &types.Account{Balance: 10, Nonce: 4}))
	require.NoError(t, tx.PutAccount(addr, &types.Account{Balance: 7}))

	require.NoError(t, l.CreateAccount(addr, 64, payer))

	acc, ok, err := tx.GetAccount(addr)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, testProgram, acc.Owner)
	require.Equal(t, uint64(64), acc.Space)
	require.Zero(t, acc.Balance)

	refunded, _, err := tx.GetAccount(payer)
	require.NoError(t, err)
	require.Equal(t, uint64(17), refunded.Balance)
	require.Equal(t, uint64(4), refunded.Nonce)

	require.ErrorIs(t, l.CreateAccount(addr, 64, payer), ErrAccountExists)
}

func TestCreateAccountRequiresPayerSignature(t *testing.T) {
	_, _, l := newTestLedger(t)
	err := l.CreateAccount([20]byte{0x05}, 64, [20]byte{0x01})
	require.ErrorIs(t, err, ErrMissingSignature)
}

func TestTransferChecksBalanceAndSignature(t *testing.T) {
	alice := [20]byte{0xA1}
	bob := [20]byte{0xB0}
	_, _, l := newTestLedger(t, alice)
	require.NoError(t, l.Mint(alice, 100))
	require.NoError(t, l.Mint(bob, 100))

	require.NoError(t, l.Transfer(alice, bob, 40))
	bal, err := l.Balance(alice)
	require.NoError(t, err)
	require.Equal(t, uint64(60), bal)
	bal, err = l.Balance(bob)
	require.NoError(t, err)
	require.Equal(t, uint64(140), bal)

	err = l.Transfer(alice, bob, 61)
	require.ErrorIs(t, err, ErrInsufficientBalance)
	bal, _ = l.Balance(alice)
	require.Equal(t, uint64(60), bal, "failed transfer must not debit")

	err = l.Transfer(bob, alice, 1)
	require.ErrorIs(t, err, ErrMissingSignature)
}

func TestTransferDetectsOverflow(t *testing.T) {
	alice := [20]byte{0xA1}
	whale := [20]byte{0xFF}
	_, _, l := newTestLedger(t, alice)
	require.NoError(t, l.Mint(alice, 10))
	require.NoError(t, l.Mint(whale, math.MaxUint64))

	err := l.Transfer(alice, whale, 1)
	require.ErrorIs(t, err, ErrBalanceOverflow)
	bal, _ := l.Balance(alice)
	require.Equal(t, uint64(10), bal)

	require.ErrorIs(t, l.Mint(whale, 1), ErrBalanceOverflow)
}

func TestProgramAccountsGuarded(t *testing.T) {
	payer := [20]byte{0x01}
	_, _, l := newTestLedger(t, payer)
	require.NoError(t, l.Mint(payer, 1_000))

	addr, _, err := l.DeriveAddress([]byte("escrow"), orderSeed(9))
	require.NoError(t, err)
	require.NoError(t, l.CreateAccount(addr, 8, payer))
	require.NoError(t, l.Transfer(payer, addr, 500))

	err = l.UserTransfer(payer, addr, 1)
	require.True(t, errors.Is(err, ErrProgramOwned))
	require.ErrorIs(t, l.Mint(addr, 1), ErrProgramOwned)

	require.NoError(t, l.SetAccountData(addr, []byte("12345678")))
	require.ErrorIs(t, l.SetAccountData(addr, []byte("123456789")), ErrDataTooLarge)
	data, ok, err := l.AccountData(addr)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("12345678"), data)

	// The owning program can move its own funds without a signature.
	require.NoError(t, l.Transfer(addr, payer, 500))
}

func TestForeignProgramCannotDebit(t *testing.T) {
	payer := [20]byte{0x01}
	_, tx, l := newTestLedger(t, payer)
	require.NoError(t, l.Mint(payer, 100))
	addr, _, err := l.DeriveAddress([]byte("treasury"))
	require.NoError(t, err)
	require.NoError(t, l.CreateAccount(addr, 8, payer))
	require.NoError(t, l.Transfer(payer, addr, 100))

	intruder := New(tx, [20]byte{0x77})
	require.ErrorIs(t, intruder.Transfer(addr, payer, 1), ErrWrongOwner)
	_, _, err = intruder.AccountData(addr)
	require.ErrorIs(t, err, ErrWrongOwner)
}

func TestIsSignerIgnoresZeroIdentity(t *testing.T) {
	_, _, l := newTestLedger(t, [20]byte{})
	require.False(t, l.IsSigner([20]byte{}))
}

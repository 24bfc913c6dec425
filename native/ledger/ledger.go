// Package ledger is the account substrate the escrow program runs on: it
// derives deterministic program addresses, creates program-owned accounts,
// moves balances between addresses with checked arithmetic and answers which
// identities signed the instruction being applied.
//
// A Ledger is bound to one state.Tx. Every mutation lands in that journal, so
// the caller decides whether the whole instruction commits or is dropped.
package ledger

import (
	"errors"
	"fmt"
	"math"

	"shillmarket/core/state"
	"shillmarket/core/types"
)

var (
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
	ErrBalanceOverflow     = errors.New("ledger: balance overflow")
	ErrAccountExists       = errors.New("ledger: account already exists")
	ErrAccountNotFound     = errors.New("ledger: account not found")
	ErrProgramOwned        = errors.New("ledger: account is owned by a program")
	ErrWrongOwner          = errors.New("ledger: account is not owned by this program")
	ErrMissingSignature    = errors.New("ledger: missing required signature")
	ErrDataTooLarge        = errors.New("ledger: account data exceeds allocated space")
)

// Ledger exposes the collaborator operations to a single program for the
// duration of one instruction.
type Ledger struct {
	tx      *state.Tx
	program [20]byte
	signers map[[20]byte]struct{}
}

// New binds a ledger view to tx. signers must contain only identities whose
// signatures were verified by the caller.
func New(tx *state.Tx, program [20]byte, signers ...[20]byte) *Ledger {
	set := make(map[[20]byte]struct{}, len(signers))
	for _, s := range signers {
		set[s] = struct{}{}
	}
	return &Ledger{tx: tx, program: program, signers: set}
}

// Program returns the id of the program this view acts for.
func (l *Ledger) Program() [20]byte { return l.program }

// IsSigner reports whether identity proved control of its key for the current
// instruction.
func (l *Ledger) IsSigner(identity [20]byte) bool {
	if identity == ([20]byte{}) {
		return false
	}
	_, ok := l.signers[identity]
	return ok
}

// DeriveAddress finds the canonical program address for seeds.
func (l *Ledger) DeriveAddress(seeds ...[]byte) ([20]byte, uint8, error) {
	return FindProgramAddress(l.program, seeds...)
}

// VerifyAddress reports whether addr is the program address for seeds and
// bump.
func (l *Ledger) VerifyAddress(addr [20]byte, bump uint8, seeds ...[]byte) bool {
	derived, err := CreateProgramAddress(l.program, seeds, bump)
	if err != nil {
		return false
	}
	return derived == addr
}

// CreateAccount allocates a program-owned account at addr. A plain account
// already sitting at addr, typically one funded by a user transfer before the
// program got there, is taken over and its balance is returned to payer. It
// fails with ErrAccountExists only when a program already owns addr or the
// record carries data.
func (l *Ledger) CreateAccount(addr [20]byte, space uint64, payer [20]byte) error {
	if !l.IsSigner(payer) {
		return fmt.Errorf("%w: payer %x", ErrMissingSignature, payer)
	}
	existing, ok, err := l.tx.GetAccount(addr)
	if err != nil {
		return err
	}
	if ok && (existing.ProgramOwned() || len(existing.Data) > 0) {
		return fmt.Errorf("%w: %x", ErrAccountExists, addr)
	}
	if ok && existing.Balance > 0 && addr != payer {
		refund, _, err := l.tx.GetAccount(payer)
		if err != nil {
			return err
		}
		if refund.Balance > math.MaxUint64-existing.Balance {
			return fmt.Errorf("%w: %x", ErrBalanceOverflow, payer)
		}
		refund.Balance += existing.Balance
		if err := l.tx.PutAccount(payer, refund); err != nil {
			return err
		}
	}
	return l.tx.PutAccount(addr, &types.Account{Owner: l.program, Space: space})
}

// Balance returns the spendable balance held at addr.
func (l *Ledger) Balance(addr [20]byte) (uint64, error) {
	account, _, err := l.tx.GetAccount(addr)
	if err != nil {
		return 0, err
	}
	return account.Balance, nil
}

// AccountData returns the record stored in a program-owned account.
func (l *Ledger) AccountData(addr [20]byte) ([]byte, bool, error) {
	account, ok, err := l.tx.GetAccount(addr)
	if err != nil || !ok {
		return nil, false, err
	}
	if account.Owner != l.program {
		return nil, false, fmt.Errorf("%w: %x", ErrWrongOwner, addr)
	}
	return account.Data, len(account.Data) > 0, nil
}

// SetAccountData replaces the record stored in a program-owned account.
func (l *Ledger) SetAccountData(addr [20]byte, data []byte) error {
	account, ok, err := l.tx.GetAccount(addr)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %x", ErrAccountNotFound, addr)
	}
	if account.Owner != l.program {
		return fmt.Errorf("%w: %x", ErrWrongOwner, addr)
	}
	if uint64(len(data)) > account.Space {
		return fmt.Errorf("%w: %d > %d", ErrDataTooLarge, len(data), account.Space)
	}
	account.Data = append([]byte(nil), data...)
	return l.tx.PutAccount(addr, account)
}

// Transfer moves amount from one address to another. Debiting a user account
// requires its signature; debiting a program account requires that this
// program owns it. Both legs are checked before either is journaled.
func (l *Ledger) Transfer(from, to [20]byte, amount uint64) error {
	if amount == 0 || from == to {
		return nil
	}
	src, _, err := l.tx.GetAccount(from)
	if err != nil {
		return err
	}
	if src.ProgramOwned() {
		if src.Owner != l.program {
			return fmt.Errorf("%w: %x", ErrWrongOwner, from)
		}
	} else if !l.IsSigner(from) {
		return fmt.Errorf("%w: %x", ErrMissingSignature, from)
	}
	dst, _, err := l.tx.GetAccount(to)
	if err != nil {
		return err
	}
	if src.Balance < amount {
		return fmt.Errorf("%w: have %d, need %d", ErrInsufficientBalance, src.Balance, amount)
	}
	if dst.Balance > math.MaxUint64-amount {
		return fmt.Errorf("%w: %x", ErrBalanceOverflow, to)
	}
	src.Balance -= amount
	dst.Balance += amount
	if err := l.tx.PutAccount(from, src); err != nil {
		return err
	}
	return l.tx.PutAccount(to, dst)
}

// UserTransfer is the plain transfer available to key holders. Program-owned
// accounts can neither send nor receive through it, so a program's accounts
// only change through the program itself.
func (l *Ledger) UserTransfer(from, to [20]byte, amount uint64) error {
	for _, addr := range [][20]byte{from, to} {
		account, _, err := l.tx.GetAccount(addr)
		if err != nil {
			return err
		}
		if account.ProgramOwned() {
			return fmt.Errorf("%w: %x", ErrProgramOwned, addr)
		}
	}
	return l.Transfer(from, to, amount)
}

// Mint credits addr out of thin air. Only genesis allocation uses it.
func (l *Ledger) Mint(addr [20]byte, amount uint64) error {
	account, _, err := l.tx.GetAccount(addr)
	if err != nil {
		return err
	}
	if account.ProgramOwned() {
		return fmt.Errorf("%w: %x", ErrProgramOwned, addr)
	}
	if account.Balance > math.MaxUint64-amount {
		return fmt.Errorf("%w: %x", ErrBalanceOverflow, addr)
	}
	account.Balance += amount
	return l.tx.PutAccount(addr, account)
}

package core

import (
	"errors"

	"shillmarket/core/state"
	"shillmarket/core/types"
	"shillmarket/native/escrow"
	"shillmarket/native/ledger"
)

// ErrQueryNotSupported indicates the requested lookup is not handled.
var ErrQueryNotSupported = errors.New("query: not supported")

// EscrowView is an escrow record together with where it lives and what the
// address currently holds.
type EscrowView struct {
	Escrow  *escrow.Escrow
	Address [20]byte
	Held    uint64
}

// TreasuryView is the treasury record with its address and collected fees.
type TreasuryView struct {
	Treasury *escrow.Treasury
	Address  [20]byte
	Balance  uint64
}

// DerivedAddresses are the program addresses used for an order.
type DerivedAddresses struct {
	Treasury     [20]byte
	TreasuryBump uint8
	Escrow       [20]byte
	EscrowBump   uint8
}

func (n *Node) readEngine(fn func(*escrow.Engine, *ledger.Ledger) error) error {
	return n.state.View(func(tx *state.Tx) error {
		view := ledger.New(tx, escrow.ProgramID)
		engine := escrow.NewEngine()
		engine.SetState(view)
		return fn(engine, view)
	})
}

// Account returns the committed ledger account at addr. Missing accounts are
// reported as a zero account.
func (n *Node) Account(addr [20]byte) (*types.Account, error) {
	account, _, err := n.state.Account(addr)
	return account, err
}

// Treasury returns the treasury record and its collected balance.
func (n *Node) Treasury() (*TreasuryView, error) {
	var out *TreasuryView
	err := n.readEngine(func(engine *escrow.Engine, view *ledger.Ledger) error {
		treasury, err := engine.Treasury()
		if err != nil {
			return err
		}
		addr, _, err := escrow.TreasuryAddress()
		if err != nil {
			return err
		}
		balance, err := view.Balance(addr)
		if err != nil {
			return err
		}
		out = &TreasuryView{Treasury: treasury, Address: addr, Balance: balance}
		return nil
	})
	return out, err
}

// Escrow returns the escrow for orderID.
func (n *Node) Escrow(orderID uint64) (*EscrowView, error) {
	var out *EscrowView
	err := n.readEngine(func(engine *escrow.Engine, _ *ledger.Ledger) error {
		esc, err := engine.Escrow(orderID)
		if err != nil {
			return err
		}
		held, err := engine.EscrowBalance(orderID)
		if err != nil {
			return err
		}
		addr, _, err := escrow.EscrowAddress(orderID)
		if err != nil {
			return err
		}
		out = &EscrowView{Escrow: esc, Address: addr, Held: held}
		return nil
	})
	return out, err
}

// DeriveAddresses computes the treasury and escrow addresses for orderID
// without touching state.
func (n *Node) DeriveAddresses(orderID uint64) (*DerivedAddresses, error) {
	treasury, tBump, err := escrow.TreasuryAddress()
	if err != nil {
		return nil, err
	}
	esc, eBump, err := escrow.EscrowAddress(orderID)
	if err != nil {
		return nil, err
	}
	return &DerivedAddresses{Treasury: treasury, TreasuryBump: tBump, Escrow: esc, EscrowBump: eBump}, nil
}

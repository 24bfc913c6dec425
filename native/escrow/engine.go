package escrow

import (
	"errors"
	"fmt"
	"time"

	"shillmarket/core/events"
	"shillmarket/core/types"
	"shillmarket/native/ledger"
)

type engineState interface {
	IsSigner(identity [20]byte) bool
	DeriveAddress(seeds ...[]byte) ([20]byte, uint8, error)
	VerifyAddress(addr [20]byte, bump uint8, seeds ...[]byte) bool
	CreateAccount(addr [20]byte, space uint64, payer [20]byte) error
	Transfer(from, to [20]byte, amount uint64) error
	Balance(addr [20]byte) (uint64, error)
	AccountData(addr [20]byte) ([]byte, bool, error)
	SetAccountData(addr [20]byte, data []byte) error
}

// Policy carries the operator switches that shape escrow creation.
type Policy struct {
	// EnforceTreasuryFee rejects escrows whose fee differs from the treasury
	// default. When false each order carries its own rate.
	EnforceTreasuryFee bool
}

// Engine wires the escrow state machine to the ledger view of a single
// instruction and to an event emitter. Every balance movement is made before
// the escrow status is written, and the caller commits or drops the whole
// instruction as one unit.
type Engine struct {
	state   engineState
	emitter events.Emitter
	policy  Policy
	nowFn   func() int64
}

// NewEngine creates an escrow engine with a no-op emitter. Callers can override
// the emitter via SetEmitter.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the ledger view used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetPolicy configures creation rules.
func (e *Engine) SetPolicy(policy Policy) { e.policy = policy }

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter used by the engine. Passing nil resets
// the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(escrowEvent{evt: event})
}

func (e *Engine) now() uint64 {
	var ts int64
	if e == nil || e.nowFn == nil {
		ts = time.Now().Unix()
	} else {
		ts = e.nowFn()
	}
	if ts < 0 {
		return 0
	}
	return uint64(ts)
}

// TreasuryAddress returns the derived treasury address and its bump.
func TreasuryAddress() ([20]byte, uint8, error) {
	return ledger.FindProgramAddress(ProgramID, treasurySeed)
}

// EscrowAddress returns the derived address and bump holding the escrow for
// orderID.
func EscrowAddress(orderID uint64) ([20]byte, uint8, error) {
	return ledger.FindProgramAddress(ProgramID, escrowSeed, OrderSeed(orderID))
}

func (e *Engine) ready() error {
	if e == nil || e.state == nil {
		return errNilState
	}
	return nil
}

func (e *Engine) loadTreasury() (*Treasury, [20]byte, error) {
	addr, _, err := e.state.DeriveAddress(treasurySeed)
	if err != nil {
		return nil, addr, err
	}
	data, ok, err := e.state.AccountData(addr)
	if err != nil {
		return nil, addr, err
	}
	if !ok {
		return nil, addr, ErrTreasuryNotInitialized
	}
	treasury, err := decodeTreasury(data)
	if err != nil {
		return nil, addr, err
	}
	if !e.state.VerifyAddress(addr, treasury.Bump, treasurySeed) {
		return nil, addr, fmt.Errorf("escrow: treasury bump does not match address")
	}
	return treasury, addr, nil
}

func (e *Engine) loadEscrow(orderID uint64) (*Escrow, [20]byte, error) {
	seed := OrderSeed(orderID)
	addr, _, err := e.state.DeriveAddress(escrowSeed, seed)
	if err != nil {
		return nil, addr, err
	}
	data, ok, err := e.state.AccountData(addr)
	if err != nil {
		return nil, addr, err
	}
	if !ok {
		return nil, addr, fmt.Errorf("%w: order %d", ErrEscrowNotFound, orderID)
	}
	esc, err := decodeEscrow(data)
	if err != nil {
		return nil, addr, err
	}
	if esc.OrderID != orderID || !e.state.VerifyAddress(addr, esc.Bump, escrowSeed, seed) {
		return nil, addr, fmt.Errorf("escrow: record at %x does not belong to order %d", addr, orderID)
	}
	return esc, addr, nil
}

func (e *Engine) storeEscrow(addr [20]byte, esc *Escrow) error {
	encoded, err := encodeEscrow(esc)
	if err != nil {
		return err
	}
	return e.state.SetAccountData(addr, encoded)
}

// transfer surfaces a short source balance as ErrInsufficientFunds and keeps
// the ledger error in the chain.
func (e *Engine) transfer(from, to [20]byte, amount uint64) error {
	err := e.state.Transfer(from, to, amount)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return fmt.Errorf("%w: %w", ErrInsufficientFunds, err)
	case errors.Is(err, ledger.ErrBalanceOverflow):
		return fmt.Errorf("%w: %w", ErrArithmeticOverflow, err)
	default:
		return err
	}
}

// InitializeTreasury creates the singleton treasury record. It can succeed at
// most once per deployment.
func (e *Engine) InitializeTreasury(authority [20]byte, feeBps uint16) (*Treasury, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if feeBps > MaxFeeBps {
		return nil, fmt.Errorf("%w: %d", ErrInvalidFeeBps, feeBps)
	}
	if !e.state.IsSigner(authority) {
		return nil, fmt.Errorf("%w: authority must sign", ErrUnauthorized)
	}
	addr, bump, err := e.state.DeriveAddress(treasurySeed)
	if err != nil {
		return nil, err
	}
	if err := e.state.CreateAccount(addr, TreasurySpace, authority); err != nil {
		if errors.Is(err, ledger.ErrAccountExists) {
			return nil, fmt.Errorf("%w: %w", ErrTreasuryExists, err)
		}
		return nil, err
	}
	treasury := &Treasury{Authority: authority, FeeBps: feeBps, Bump: bump}
	encoded, err := encodeTreasury(treasury)
	if err != nil {
		return nil, err
	}
	if err := e.state.SetAccountData(addr, encoded); err != nil {
		return nil, err
	}
	e.emit(NewTreasuryInitializedEvent(treasury, addr))
	return treasury.Clone(), nil
}

// CreateEscrow locks amount from client into a fresh escrow account for
// orderID. The executor does not need to sign.
func (e *Engine) CreateEscrow(client, executor [20]byte, orderID, amount uint64, feeBps uint16) (*Escrow, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if feeBps > MaxFeeBps {
		return nil, fmt.Errorf("%w: %d", ErrInvalidFeeBps, feeBps)
	}
	if amount == 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInsufficientFunds)
	}
	if !e.state.IsSigner(client) {
		return nil, fmt.Errorf("%w: client must sign", ErrUnauthorized)
	}
	if executor == ([20]byte{}) {
		return nil, fmt.Errorf("%w: executor must be set", ErrInvalidExecutor)
	}
	if e.policy.EnforceTreasuryFee {
		treasury, _, err := e.loadTreasury()
		if err != nil {
			return nil, err
		}
		if feeBps != treasury.FeeBps {
			return nil, fmt.Errorf("%w: order fee %d differs from treasury fee %d", ErrInvalidFeeBps, feeBps, treasury.FeeBps)
		}
	}
	addr, bump, err := e.state.DeriveAddress(escrowSeed, OrderSeed(orderID))
	if err != nil {
		return nil, err
	}
	treasuryAddr, _, err := e.state.DeriveAddress(treasurySeed)
	if err != nil {
		return nil, err
	}
	if executor == addr || executor == treasuryAddr {
		return nil, fmt.Errorf("%w: %x is a program account", ErrInvalidExecutor, executor)
	}
	if err := e.state.CreateAccount(addr, EscrowSpace, client); err != nil {
		if errors.Is(err, ledger.ErrAccountExists) {
			return nil, fmt.Errorf("%w: order %d: %w", ErrEscrowExists, orderID, err)
		}
		return nil, err
	}
	if err := e.transfer(client, addr, amount); err != nil {
		return nil, err
	}
	esc := &Escrow{
		OrderID:   orderID,
		Client:    client,
		Executor:  executor,
		Amount:    amount,
		FeeBps:    feeBps,
		Status:    StatusLocked,
		CreatedAt: e.now(),
		Bump:      bump,
	}
	if err := e.storeEscrow(addr, esc); err != nil {
		return nil, err
	}
	e.emit(NewCreatedEvent(esc, addr))
	return esc.Clone(), nil
}

// ReleaseEscrow pays the executor the amount minus the fee and moves the fee
// into the treasury. Only the treasury authority may release, and only once.
func (e *Engine) ReleaseEscrow(caller, payee [20]byte, orderID uint64) (*Settlement, error) {
	return e.settle(caller, payee, orderID, StatusReleased)
}

// RefundEscrow returns the full amount to the client. No fee is taken.
func (e *Engine) RefundEscrow(caller, payee [20]byte, orderID uint64) (*Settlement, error) {
	return e.settle(caller, payee, orderID, StatusRefunded)
}

func (e *Engine) settle(caller, payee [20]byte, orderID uint64, outcome Status) (*Settlement, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	treasury, treasuryAddr, err := e.loadTreasury()
	if err != nil {
		return nil, err
	}
	if !e.state.IsSigner(caller) || caller != treasury.Authority {
		return nil, fmt.Errorf("%w: signer is not the treasury authority", ErrUnauthorized)
	}
	esc, escrowAddr, err := e.loadEscrow(orderID)
	if err != nil {
		return nil, err
	}
	expected := esc.Executor
	if outcome == StatusRefunded {
		expected = esc.Client
	}
	if payee != expected {
		return nil, ErrPayeeMismatch
	}
	if esc.Status != StatusLocked {
		return nil, fmt.Errorf("%w: order %d is %s", ErrEscrowNotLocked, orderID, esc.Status)
	}

	settlement := &Settlement{OrderID: orderID, Status: outcome, Payee: payee, Payout: esc.Amount}
	if outcome == StatusReleased {
		fee, payout, err := ComputeFee(esc.Amount, esc.FeeBps)
		if err != nil {
			return nil, err
		}
		settlement.Fee, settlement.Payout = fee, payout
	}
	if err := e.transfer(escrowAddr, payee, settlement.Payout); err != nil {
		return nil, err
	}
	if settlement.Fee > 0 {
		if err := e.transfer(escrowAddr, treasuryAddr, settlement.Fee); err != nil {
			return nil, err
		}
	}
	held, err := e.state.Balance(escrowAddr)
	if err != nil {
		return nil, err
	}
	if held != 0 {
		return nil, fmt.Errorf("%w: %d left at %x", ErrBalanceMismatch, held, escrowAddr)
	}

	esc.Status = outcome
	if err := e.storeEscrow(escrowAddr, esc); err != nil {
		return nil, err
	}
	if outcome == StatusReleased {
		e.emit(NewReleasedEvent(esc, escrowAddr, settlement))
	} else {
		e.emit(NewRefundedEvent(esc, escrowAddr, settlement))
	}
	return settlement, nil
}

// Treasury returns the stored treasury record.
func (e *Engine) Treasury() (*Treasury, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	treasury, _, err := e.loadTreasury()
	return treasury, err
}

// Escrow returns the stored escrow record for orderID.
func (e *Engine) Escrow(orderID uint64) (*Escrow, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	esc, _, err := e.loadEscrow(orderID)
	return esc, err
}

// EscrowBalance returns the amount currently held for orderID.
func (e *Engine) EscrowBalance(orderID uint64) (uint64, error) {
	if err := e.ready(); err != nil {
		return 0, err
	}
	addr, _, err := e.state.DeriveAddress(escrowSeed, OrderSeed(orderID))
	if err != nil {
		return 0, err
	}
	return e.state.Balance(addr)
}

package core

import (
	"encoding/hex"
	"fmt"
	"time"

	coreerrors "shillmarket/core/errors"
	"shillmarket/core/events"
	"shillmarket/core/state"
	"shillmarket/core/types"
	"shillmarket/native/escrow"
	"shillmarket/native/ledger"
)

// Receipt describes an instruction that was applied and committed.
type Receipt struct {
	Hash       string             `json:"hash"`
	Kind       string             `json:"kind"`
	Signer     [20]byte           `json:"-"`
	Nonce      uint64             `json:"nonce"`
	Treasury   *escrow.Treasury   `json:"-"`
	Escrow     *escrow.Escrow     `json:"-"`
	Settlement *escrow.Settlement `json:"-"`
	Events     []*types.Event     `json:"events"`
}

// StateProcessor turns one signed instruction into journaled state changes.
// It never commits; the caller owns the transaction.
type StateProcessor struct {
	policy escrow.Policy
	nowFn  func() int64
}

// NewStateProcessor builds a processor applying the supplied escrow policy.
func NewStateProcessor(policy escrow.Policy) *StateProcessor {
	return &StateProcessor{policy: policy, nowFn: func() int64 { return time.Now().Unix() }}
}

// SetNowFunc overrides the clock used for escrow creation timestamps.
func (sp *StateProcessor) SetNowFunc(now func() int64) {
	if now == nil {
		now = func() int64 { return time.Now().Unix() }
	}
	sp.nowFn = now
}

// Policy returns the escrow policy in force.
func (sp *StateProcessor) Policy() escrow.Policy { return sp.policy }

// ApplyInstruction verifies the signature and nonce of ins, bumps the signer
// nonce and dispatches the instruction. Events go to emitter as they are
// raised; callers that need commit-ordered delivery pass an events.Buffer.
func (sp *StateProcessor) ApplyInstruction(tx *state.Tx, ins *types.Instruction, emitter events.Emitter) (*Receipt, error) {
	if ins == nil {
		return nil, fmt.Errorf("%w: nil instruction", coreerrors.ErrInvalidInstruction)
	}
	if !ins.Kind.Valid() {
		return nil, fmt.Errorf("%w: unknown kind %d", coreerrors.ErrInvalidInstruction, ins.Kind)
	}
	signer, err := ins.VerifiedSigner()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", coreerrors.ErrInvalidSignature, err)
	}
	hash, err := ins.Hash()
	if err != nil {
		return nil, err
	}

	account, _, err := tx.GetAccount(signer)
	if err != nil {
		return nil, err
	}
	if account.ProgramOwned() {
		return nil, fmt.Errorf("%w: signer is a program account", coreerrors.ErrInvalidInstruction)
	}
	if ins.Nonce != account.Nonce+1 {
		return nil, fmt.Errorf("%w: got %d, want %d", coreerrors.ErrInvalidNonce, ins.Nonce, account.Nonce+1)
	}
	account.Nonce = ins.Nonce
	if err := tx.PutAccount(signer, account); err != nil {
		return nil, err
	}

	view := ledger.New(tx, escrow.ProgramID, signer)
	engine := escrow.NewEngine()
	engine.SetState(view)
	engine.SetPolicy(sp.policy)
	engine.SetNowFunc(sp.nowFn)
	engine.SetEmitter(emitter)

	receipt := &Receipt{
		Hash:   hex.EncodeToString(hash),
		Kind:   ins.Kind.String(),
		Signer: signer,
		Nonce:  ins.Nonce,
	}
	switch ins.Kind {
	case types.InstructionInitializeTreasury:
		receipt.Treasury, err = engine.InitializeTreasury(signer, ins.FeeBps)
	case types.InstructionCreateEscrow:
		executor, cerr := ins.CounterpartyAddress()
		if cerr != nil {
			return nil, fmt.Errorf("%w: %w", coreerrors.ErrInvalidInstruction, cerr)
		}
		receipt.Escrow, err = engine.CreateEscrow(signer, executor, ins.OrderID, ins.Amount, ins.FeeBps)
	case types.InstructionReleaseEscrow:
		payee, cerr := ins.CounterpartyAddress()
		if cerr != nil {
			return nil, fmt.Errorf("%w: %w", coreerrors.ErrInvalidInstruction, cerr)
		}
		receipt.Settlement, err = engine.ReleaseEscrow(signer, payee, ins.OrderID)
	case types.InstructionRefundEscrow:
		payee, cerr := ins.CounterpartyAddress()
		if cerr != nil {
			return nil, fmt.Errorf("%w: %w", coreerrors.ErrInvalidInstruction, cerr)
		}
		receipt.Settlement, err = engine.RefundEscrow(signer, payee, ins.OrderID)
	case types.InstructionTransfer:
		err = sp.applyTransfer(view, signer, ins, emitter)
	}
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

func (sp *StateProcessor) applyTransfer(view *ledger.Ledger, from [20]byte, ins *types.Instruction, emitter events.Emitter) error {
	to, err := ins.CounterpartyAddress()
	if err != nil {
		return fmt.Errorf("%w: %w", coreerrors.ErrInvalidInstruction, err)
	}
	if ins.Amount == 0 {
		return fmt.Errorf("%w: transfer amount must be positive", coreerrors.ErrInvalidInstruction)
	}
	if to == from {
		return fmt.Errorf("%w: cannot transfer to self", coreerrors.ErrInvalidInstruction)
	}
	if err := view.UserTransfer(from, to, ins.Amount); err != nil {
		return err
	}
	if emitter != nil {
		emitter.Emit(events.Transfer{From: from, To: to, Amount: ins.Amount})
	}
	return nil
}

package rpc

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"shillmarket/core"
	"shillmarket/core/types"
	"shillmarket/crypto"
	"shillmarket/indexer"
)

// InstructionParams is the wire form of a signed instruction. Addresses are
// bech32, the signature is 0x-prefixed hex and amount is a decimal string.
type InstructionParams struct {
	Kind         string `json:"kind"`
	Nonce        uint64 `json:"nonce"`
	Signer       string `json:"signer"`
	OrderID      uint64 `json:"orderId,omitempty"`
	Amount       string `json:"amount,omitempty"`
	FeeBps       uint16 `json:"feeBps,omitempty"`
	Counterparty string `json:"counterparty,omitempty"`
	Signature    string `json:"signature"`
}

// NewInstructionParams renders ins for submission.
func NewInstructionParams(ins *types.Instruction) (*InstructionParams, error) {
	if ins == nil {
		return nil, fmt.Errorf("instruction required")
	}
	if len(ins.Signer) != crypto.AddressLength {
		return nil, fmt.Errorf("signer must be %d bytes", crypto.AddressLength)
	}
	out := &InstructionParams{
		Kind:      ins.Kind.String(),
		Nonce:     ins.Nonce,
		Signer:    crypto.NewAddress(crypto.IdentityPrefix, ins.Signer).String(),
		OrderID:   ins.OrderID,
		FeeBps:    ins.FeeBps,
		Signature: "0x" + hex.EncodeToString(ins.Signature),
	}
	if ins.Amount > 0 {
		out.Amount = strconv.FormatUint(ins.Amount, 10)
	}
	if len(ins.Counterparty) > 0 {
		if len(ins.Counterparty) != crypto.AddressLength {
			return nil, fmt.Errorf("counterparty must be %d bytes", crypto.AddressLength)
		}
		out.Counterparty = crypto.NewAddress(crypto.IdentityPrefix, ins.Counterparty).String()
	}
	return out, nil
}

// Instruction decodes the wire form.
func (p *InstructionParams) Instruction() (*types.Instruction, error) {
	kind, err := types.ParseInstructionKind(strings.TrimSpace(p.Kind))
	if err != nil {
		return nil, err
	}
	signer, err := parseAddress(p.Signer)
	if err != nil {
		return nil, fmt.Errorf("signer: %w", err)
	}
	ins := &types.Instruction{
		Kind:    kind,
		Nonce:   p.Nonce,
		Signer:  signer[:],
		OrderID: p.OrderID,
		FeeBps:  p.FeeBps,
	}
	if amount := strings.TrimSpace(p.Amount); amount != "" {
		ins.Amount, err = strconv.ParseUint(amount, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("amount: %w", err)
		}
	}
	if strings.TrimSpace(p.Counterparty) != "" {
		counterparty, err := parseAddress(p.Counterparty)
		if err != nil {
			return nil, fmt.Errorf("counterparty: %w", err)
		}
		ins.Counterparty = counterparty[:]
	}
	sig, err := decodeHex(p.Signature)
	if err != nil {
		return nil, fmt.Errorf("signature: %w", err)
	}
	if len(sig) != crypto.SignatureLength {
		return nil, fmt.Errorf("signature must be %d bytes", crypto.SignatureLength)
	}
	ins.Signature = sig
	return ins, nil
}

// EventResult is one event raised by an applied instruction.
type EventResult struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

// ReceiptResult acknowledges a committed instruction.
type ReceiptResult struct {
	Hash   string        `json:"hash"`
	Kind   string        `json:"kind"`
	Signer string        `json:"signer"`
	Nonce  uint64        `json:"nonce"`
	Events []EventResult `json:"events"`
}

// TreasuryResult describes the treasury account.
type TreasuryResult struct {
	Address   string `json:"address"`
	Authority string `json:"authority"`
	FeeBps    uint16 `json:"feeBps"`
	Bump      uint8  `json:"bump"`
	Balance   string `json:"balance"`
}

// EscrowResult describes one escrow account.
type EscrowResult struct {
	OrderID   uint64 `json:"orderId"`
	Address   string `json:"address"`
	Client    string `json:"client"`
	Executor  string `json:"executor"`
	Amount    string `json:"amount"`
	FeeBps    uint16 `json:"feeBps"`
	Status    string `json:"status"`
	CreatedAt uint64 `json:"createdAt"`
	Bump      uint8  `json:"bump"`
	Held      string `json:"held"`
}

// DerivedAddressesResult lists the program addresses used by an order.
type DerivedAddressesResult struct {
	OrderID      uint64 `json:"orderId"`
	Treasury     string `json:"treasury"`
	TreasuryBump uint8  `json:"treasuryBump"`
	Escrow       string `json:"escrow"`
	EscrowBump   uint8  `json:"escrowBump"`
}

// AccountResult describes a ledger account.
type AccountResult struct {
	Address      string `json:"address"`
	Balance      string `json:"balance"`
	Nonce        uint64 `json:"nonce"`
	ProgramOwned bool   `json:"programOwned"`
}

// ListEscrowsParams filters escrow_listEscrows.
type ListEscrowsParams struct {
	Client   string `json:"client,omitempty"`
	Executor string `json:"executor,omitempty"`
	Status   string `json:"status,omitempty"`
	Limit    int    `json:"limit,omitempty"`
	Offset   int    `json:"offset,omitempty"`
}

// ListEscrowsResult is one page of indexed escrows.
type ListEscrowsResult struct {
	Escrows []indexer.EscrowRecord `json:"escrows"`
	Total   int64                  `json:"total"`
}

type orderIDParams struct {
	OrderID uint64 `json:"orderId"`
}

type addressParams struct {
	Address string `json:"address"`
}

func receiptResult(r *core.Receipt) ReceiptResult {
	out := ReceiptResult{
		Hash:   r.Hash,
		Kind:   r.Kind,
		Signer: identityString(r.Signer),
		Nonce:  r.Nonce,
		Events: make([]EventResult, 0, len(r.Events)),
	}
	for _, evt := range r.Events {
		if evt == nil {
			continue
		}
		out.Events = append(out.Events, EventResult{Type: evt.Type, Attributes: evt.Attributes})
	}
	return out
}

func treasuryResult(v *core.TreasuryView) TreasuryResult {
	return TreasuryResult{
		Address:   programString(v.Address),
		Authority: identityString(v.Treasury.Authority),
		FeeBps:    v.Treasury.FeeBps,
		Bump:      v.Treasury.Bump,
		Balance:   strconv.FormatUint(v.Balance, 10),
	}
}

func escrowResult(v *core.EscrowView) EscrowResult {
	e := v.Escrow
	return EscrowResult{
		OrderID:   e.OrderID,
		Address:   programString(v.Address),
		Client:    identityString(e.Client),
		Executor:  identityString(e.Executor),
		Amount:    strconv.FormatUint(e.Amount, 10),
		FeeBps:    e.FeeBps,
		Status:    e.Status.String(),
		CreatedAt: e.CreatedAt,
		Bump:      e.Bump,
		Held:      strconv.FormatUint(v.Held, 10),
	}
}

func accountResult(addr [20]byte, acct *types.Account) AccountResult {
	out := AccountResult{Address: identityString(addr), Balance: "0"}
	if acct == nil {
		return out
	}
	out.Balance = strconv.FormatUint(acct.Balance, 10)
	out.Nonce = acct.Nonce
	out.ProgramOwned = acct.ProgramOwned()
	if out.ProgramOwned {
		out.Address = programString(addr)
	}
	return out
}

func identityString(addr [20]byte) string {
	return crypto.AddressFromRaw(crypto.IdentityPrefix, addr).String()
}

func programString(addr [20]byte) string {
	return crypto.AddressFromRaw(crypto.ProgramPrefix, addr).String()
}

// parseAddress accepts either bech32 prefix; the prefix is presentation only.
func parseAddress(value string) ([20]byte, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return [20]byte{}, fmt.Errorf("address required")
	}
	addr, err := crypto.DecodeAddress(trimmed)
	if err != nil {
		return [20]byte{}, err
	}
	switch addr.Prefix() {
	case crypto.IdentityPrefix, crypto.ProgramPrefix:
	default:
		return [20]byte{}, fmt.Errorf("unsupported address prefix %q", addr.Prefix())
	}
	return addr.Raw(), nil
}

func decodeHex(value string) ([]byte, error) {
	trimmed := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(value), "0x"), "0X")
	if trimmed == "" {
		return nil, fmt.Errorf("value required")
	}
	return hex.DecodeString(trimmed)
}

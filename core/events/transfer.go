package events

import (
	"strconv"

	"shillmarket/core/types"
	"shillmarket/crypto"
)

const (
	// TypeTransfer is emitted for balance movements requested by a user
	// transfer instruction.
	TypeTransfer = "ledger.transfer"
)

type Transfer struct {
	From   [20]byte
	To     [20]byte
	Amount uint64
}

func (Transfer) EventType() string { return TypeTransfer }

func (e Transfer) Event() *types.Event {
	attrs := map[string]string{
		"from":   crypto.AddressFromRaw(crypto.IdentityPrefix, e.From).String(),
		"to":     crypto.AddressFromRaw(crypto.IdentityPrefix, e.To).String(),
		"amount": strconv.FormatUint(e.Amount, 10),
	}
	return &types.Event{Type: TypeTransfer, Attributes: attrs}
}

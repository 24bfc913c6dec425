package escrow

import (
	"strconv"

	"shillmarket/core/types"
	"shillmarket/crypto"
)

const (
	EventTypeTreasuryInitialized = "treasury.initialized"
	EventTypeEscrowCreated       = "escrow.created"
	EventTypeEscrowReleased      = "escrow.released"
	EventTypeEscrowRefunded      = "escrow.refunded"
)

type escrowEvent struct {
	evt *types.Event
}

func (e escrowEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e escrowEvent) Event() *types.Event { return e.evt }

// NewTreasuryInitializedEvent returns the payload emitted once the treasury
// record exists.
func NewTreasuryInitializedEvent(t *Treasury, addr [20]byte) *types.Event {
	attrs := make(map[string]string)
	if t != nil {
		attrs["authority"] = identity(t.Authority)
		attrs["feeBps"] = strconv.FormatUint(uint64(t.FeeBps), 10)
		attrs["address"] = programAddress(addr)
	}
	return &types.Event{Type: EventTypeTreasuryInitialized, Attributes: attrs}
}

// NewCreatedEvent returns the canonical event payload for a newly locked
// escrow.
func NewCreatedEvent(e *Escrow, addr [20]byte) *types.Event {
	return newEscrowEvent(EventTypeEscrowCreated, e, addr, nil)
}

// NewReleasedEvent returns the canonical event payload for a release of escrow
// funds to the executor.
func NewReleasedEvent(e *Escrow, addr [20]byte, s *Settlement) *types.Event {
	return newEscrowEvent(EventTypeEscrowReleased, e, addr, s)
}

// NewRefundedEvent returns the canonical event payload for a refund to the
// client.
func NewRefundedEvent(e *Escrow, addr [20]byte, s *Settlement) *types.Event {
	return newEscrowEvent(EventTypeEscrowRefunded, e, addr, s)
}

func newEscrowEvent(eventType string, e *Escrow, addr [20]byte, s *Settlement) *types.Event {
	attrs := make(map[string]string)
	if e == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["orderId"] = strconv.FormatUint(e.OrderID, 10)
	attrs["address"] = programAddress(addr)
	attrs["client"] = identity(e.Client)
	attrs["executor"] = identity(e.Executor)
	attrs["amount"] = strconv.FormatUint(e.Amount, 10)
	attrs["feeBps"] = strconv.FormatUint(uint64(e.FeeBps), 10)
	attrs["status"] = e.Status.String()
	attrs["createdAt"] = strconv.FormatUint(e.CreatedAt, 10)
	if s != nil {
		attrs["payee"] = identity(s.Payee)
		attrs["payout"] = strconv.FormatUint(s.Payout, 10)
		attrs["fee"] = strconv.FormatUint(s.Fee, 10)
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}

func identity(addr [20]byte) string {
	return crypto.AddressFromRaw(crypto.IdentityPrefix, addr).String()
}

func programAddress(addr [20]byte) string {
	return crypto.AddressFromRaw(crypto.ProgramPrefix, addr).String()
}

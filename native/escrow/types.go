package escrow

import (
	"encoding/binary"
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
)

// MaxFeeBps is the largest accepted platform fee, expressed in basis points.
const MaxFeeBps = 10_000

const (
	// TreasurySpace is the data allocation reserved for the treasury record.
	TreasurySpace = 64
	// EscrowSpace is the data allocation reserved for each escrow record.
	EscrowSpace = 128
)

var (
	treasurySeed = []byte("treasury")
	escrowSeed   = []byte("escrow")
)

// ProgramID identifies the escrow program. Accounts it owns carry this value
// as their owner and every derived address is namespaced by it.
var ProgramID = func() [20]byte {
	var out [20]byte
	digest := ethcrypto.Keccak256([]byte("shillmarket/program/escrow"))
	copy(out[:], digest[len(digest)-len(out):])
	return out
}()

// Status represents the lifecycle states of an escrow.
type Status uint8

const (
	StatusLocked Status = iota
	StatusReleased
	StatusRefunded
)

// Valid reports whether the status value is within the supported range.
func (s Status) Valid() bool {
	switch s {
	case StatusLocked, StatusReleased, StatusRefunded:
		return true
	default:
		return false
	}
}

func (s Status) String() string {
	switch s {
	case StatusLocked:
		return "locked"
	case StatusReleased:
		return "released"
	case StatusRefunded:
		return "refunded"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// ParseStatus maps the string form back to a status.
func ParseStatus(s string) (Status, error) {
	switch s {
	case "locked":
		return StatusLocked, nil
	case "released":
		return StatusReleased, nil
	case "refunded":
		return StatusRefunded, nil
	default:
		return 0, fmt.Errorf("escrow: unknown status %q", s)
	}
}

// Treasury is the singleton configuration record: the identity allowed to
// settle escrows and the default fee applied to new orders.
type Treasury struct {
	Authority [20]byte
	FeeBps    uint16
	Bump      uint8
}

// Clone returns a copy of the treasury record.
func (t *Treasury) Clone() *Treasury {
	if t == nil {
		return nil
	}
	clone := *t
	return &clone
}

// Escrow captures the terms of one order and where it stands. The fee rate is
// fixed at creation; settlement never consults the treasury's current default.
type Escrow struct {
	OrderID   uint64
	Client    [20]byte
	Executor  [20]byte
	Amount    uint64
	FeeBps    uint16
	Status    Status
	CreatedAt uint64
	Bump      uint8
}

// Clone returns a copy of the escrow so callers can mutate it freely.
func (e *Escrow) Clone() *Escrow {
	if e == nil {
		return nil
	}
	clone := *e
	return &clone
}

// SanitizeEscrow validates a decoded or caller-supplied escrow record.
func SanitizeEscrow(e *Escrow) (*Escrow, error) {
	if e == nil {
		return nil, fmt.Errorf("escrow: nil escrow")
	}
	if e.Amount == 0 {
		return nil, fmt.Errorf("escrow: amount must be positive")
	}
	if e.FeeBps > MaxFeeBps {
		return nil, fmt.Errorf("escrow: fee bps out of range: %d", e.FeeBps)
	}
	if !e.Status.Valid() {
		return nil, fmt.Errorf("escrow: invalid status %d", e.Status)
	}
	if e.Client == ([20]byte{}) || e.Executor == ([20]byte{}) {
		return nil, fmt.Errorf("escrow: parties must be set")
	}
	return e.Clone(), nil
}

// Settlement describes the balance movements performed by a release or a
// refund.
type Settlement struct {
	OrderID uint64
	Status  Status
	Payee   [20]byte
	Payout  uint64
	Fee     uint64
}

// OrderSeed encodes an order id the way escrow addresses are derived from it.
func OrderSeed(orderID uint64) []byte {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], orderID)
	return buf[:]
}

func encodeTreasury(t *Treasury) ([]byte, error) { return rlp.EncodeToBytes(t) }

func decodeTreasury(data []byte) (*Treasury, error) {
	t := new(Treasury)
	if err := rlp.DecodeBytes(data, t); err != nil {
		return nil, fmt.Errorf("escrow: decode treasury: %w", err)
	}
	if t.FeeBps > MaxFeeBps {
		return nil, fmt.Errorf("escrow: stored treasury fee bps out of range: %d", t.FeeBps)
	}
	return t, nil
}

func encodeEscrow(e *Escrow) ([]byte, error) { return rlp.EncodeToBytes(e) }

func decodeEscrow(data []byte) (*Escrow, error) {
	e := new(Escrow)
	if err := rlp.DecodeBytes(data, e); err != nil {
		return nil, fmt.Errorf("escrow: decode escrow: %w", err)
	}
	return SanitizeEscrow(e)
}

package types

import (
	"crypto/ecdsa"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
)

// InstructionKind defines the purpose of an instruction.
type InstructionKind byte

const (
	InstructionInitializeTreasury InstructionKind = 0x01
	InstructionCreateEscrow       InstructionKind = 0x02
	InstructionReleaseEscrow      InstructionKind = 0x03
	InstructionRefundEscrow       InstructionKind = 0x04
	InstructionTransfer           InstructionKind = 0x05 // plain balance transfer between user accounts
)

// instructionDomain separates instruction digests from any other signed
// payload produced with the same key.
const instructionDomain = "shillmarket/instruction/v1"

var (
	ErrUnsignedInstruction = errors.New("instruction: missing signature")
	ErrSignerMismatch      = errors.New("instruction: signature does not match signer")
)

// String renders the kind using the names exposed over RPC.
func (k InstructionKind) String() string {
	switch k {
	case InstructionInitializeTreasury:
		return "initialize_treasury"
	case InstructionCreateEscrow:
		return "create_escrow"
	case InstructionReleaseEscrow:
		return "release_escrow"
	case InstructionRefundEscrow:
		return "refund_escrow"
	case InstructionTransfer:
		return "transfer"
	default:
		return fmt.Sprintf("unknown(%d)", byte(k))
	}
}

// ParseInstructionKind maps an RPC name back to its kind.
func ParseInstructionKind(name string) (InstructionKind, error) {
	for k := InstructionInitializeTreasury; k <= InstructionTransfer; k++ {
		if k.String() == name {
			return k, nil
		}
	}
	return 0, fmt.Errorf("instruction: unknown kind %q", name)
}

// Valid reports whether the kind is one the processor understands.
func (k InstructionKind) Valid() bool {
	return k >= InstructionInitializeTreasury && k <= InstructionTransfer
}

// Instruction is a signed request to apply one state transition. The meaning
// of Counterparty depends on Kind: executor for create, payee for release and
// refund, recipient for transfer.
type Instruction struct {
	Kind         InstructionKind `json:"kind"`
	Nonce        uint64          `json:"nonce"`
	Signer       []byte          `json:"signer"`
	OrderID      uint64          `json:"orderId,omitempty"`
	Amount       uint64          `json:"amount,omitempty"`
	FeeBps       uint16          `json:"feeBps,omitempty"`
	Counterparty []byte          `json:"counterparty,omitempty"`
	Signature    []byte          `json:"signature,omitempty"`
}

// Hash returns the keccak256 digest that the signer commits to.
func (ins *Instruction) Hash() ([]byte, error) {
	payload := struct {
		Domain       string
		Kind         InstructionKind
		Nonce        uint64
		Signer       []byte
		OrderID      uint64
		Amount       uint64
		FeeBps       uint16
		Counterparty []byte
	}{instructionDomain, ins.Kind, ins.Nonce, ins.Signer, ins.OrderID, ins.Amount, ins.FeeBps, ins.Counterparty}

	encoded, err := rlp.EncodeToBytes(payload)
	if err != nil {
		return nil, err
	}
	return crypto.Keccak256(encoded), nil
}

// Sign fills Signer from the key and attaches a recoverable signature.
func (ins *Instruction) Sign(privKey *ecdsa.PrivateKey) error {
	ins.Signer = crypto.PubkeyToAddress(privKey.PublicKey).Bytes()
	hash, err := ins.Hash()
	if err != nil {
		return err
	}
	sig, err := crypto.Sign(hash, privKey)
	if err != nil {
		return err
	}
	ins.Signature = sig
	return nil
}

// VerifiedSigner recovers the signing identity and checks it matches Signer.
func (ins *Instruction) VerifiedSigner() ([20]byte, error) {
	var out [20]byte
	if len(ins.Signature) == 0 {
		return out, ErrUnsignedInstruction
	}
	if len(ins.Signer) != len(out) {
		return out, fmt.Errorf("instruction: signer must be %d bytes", len(out))
	}
	hash, err := ins.Hash()
	if err != nil {
		return out, err
	}
	pub, err := crypto.SigToPub(hash, ins.Signature)
	if err != nil {
		return out, fmt.Errorf("instruction: recover signer: %w", err)
	}
	copy(out[:], crypto.PubkeyToAddress(*pub).Bytes())
	var claimed [20]byte
	copy(claimed[:], ins.Signer)
	if out != claimed {
		return out, ErrSignerMismatch
	}
	return out, nil
}

// CounterpartyAddress returns Counterparty as a fixed-size address.
func (ins *Instruction) CounterpartyAddress() ([20]byte, error) {
	var out [20]byte
	if len(ins.Counterparty) != len(out) {
		return out, fmt.Errorf("instruction: counterparty must be %d bytes", len(out))
	}
	copy(out[:], ins.Counterparty)
	return out, nil
}

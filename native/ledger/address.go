package ledger

import (
	"errors"
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

const (
	maxSeeds      = 16
	maxSeedLength = 32
	derivedMarker = "shillmarket/derived"
)

var (
	ErrInvalidSeeds = errors.New("ledger: invalid derivation seeds")
	ErrNoViableBump = errors.New("ledger: unable to find a viable derivation bump")

	errReservedAddress = errors.New("ledger: derivation produced a reserved address")
)

func validateSeeds(seeds [][]byte) error {
	if len(seeds) > maxSeeds {
		return fmt.Errorf("%w: %d seeds", ErrInvalidSeeds, len(seeds))
	}
	for _, seed := range seeds {
		if len(seed) > maxSeedLength {
			return fmt.Errorf("%w: seed of %d bytes", ErrInvalidSeeds, len(seed))
		}
	}
	return nil
}

// CreateProgramAddress hashes the program id, the seeds and the bump into an
// address: the last 20 bytes of keccak256(program || seeds || bump || marker).
// Reserved results (zero address, the program id itself) are rejected.
func CreateProgramAddress(program [20]byte, seeds [][]byte, bump uint8) ([20]byte, error) {
	var out [20]byte
	if err := validateSeeds(seeds); err != nil {
		return out, err
	}
	parts := make([][]byte, 0, len(seeds)+3)
	parts = append(parts, program[:])
	parts = append(parts, seeds...)
	parts = append(parts, []byte{bump}, []byte(derivedMarker))
	digest := ethcrypto.Keccak256(parts...)
	copy(out[:], digest[len(digest)-len(out):])
	if out == ([20]byte{}) || out == program {
		return [20]byte{}, errReservedAddress
	}
	return out, nil
}

// FindProgramAddress searches bumps from 255 downward and returns the first
// viable address. The same inputs always produce the same address and bump.
func FindProgramAddress(program [20]byte, seeds ...[]byte) ([20]byte, uint8, error) {
	if err := validateSeeds(seeds); err != nil {
		return [20]byte{}, 0, err
	}
	for bump := 255; bump >= 0; bump-- {
		addr, err := CreateProgramAddress(program, seeds, uint8(bump))
		if err == nil {
			return addr, uint8(bump), nil
		}
	}
	return [20]byte{}, 0, ErrNoViableBump
}

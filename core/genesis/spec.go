// core/genesis/spec.go
package genesis

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

// GenesisSpec lists the balances a fresh ledger starts with.
type GenesisSpec struct {
	GenesisTime string            `json:"genesisTime"`
	Alloc       map[string]string `json:"alloc"` // bech32 identity -> amount

	genesisTimestamp time.Time
	allocations      []Allocation
}

// Allocation is one validated genesis credit.
type Allocation struct {
	Address [20]byte
	Amount  uint64
}

func LoadGenesisSpec(path string) (*GenesisSpec, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("genesis spec path must be provided")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read genesis spec %q: %w", path, err)
	}
	var spec GenesisSpec
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&spec); err != nil {
		return nil, fmt.Errorf("decode genesis spec %q: %w", path, err)
	}
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("invalid genesis spec %q: %w", path, err)
	}
	return &spec, nil
}

func (s *GenesisSpec) GenesisTimestamp() time.Time { return s.genesisTimestamp }

// Allocations returns the validated credits ordered by address.
func (s *GenesisSpec) Allocations() []Allocation {
	return append([]Allocation(nil), s.allocations...)
}

// Validate parses the time and every allocation. It must run before the spec
// is applied; LoadGenesisSpec calls it.
func (s *GenesisSpec) Validate() error {
	parsedTime, err := parseGenesisTime(s.GenesisTime)
	if err != nil {
		return err
	}
	allocs := make([]Allocation, 0, len(s.Alloc))
	seen := make(map[[20]byte]struct{}, len(s.Alloc))
	var total uint64
	for addrStr, amountStr := range s.Alloc {
		addr, err := ParseBech32Account(strings.TrimSpace(addrStr))
		if err != nil {
			return fmt.Errorf("alloc %q: %w", addrStr, err)
		}
		if _, dup := seen[addr]; dup {
			return fmt.Errorf("alloc %q: duplicate address", addrStr)
		}
		seen[addr] = struct{}{}
		amount, err := parseAmountString(amountStr)
		if err != nil {
			return fmt.Errorf("alloc %q: %w", addrStr, err)
		}
		if total > math.MaxUint64-amount {
			return fmt.Errorf("alloc total overflows uint64")
		}
		total += amount
		allocs = append(allocs, Allocation{Address: addr, Amount: amount})
	}
	sort.Slice(allocs, func(i, j int) bool {
		return bytes.Compare(allocs[i].Address[:], allocs[j].Address[:]) < 0
	})
	s.genesisTimestamp = parsedTime
	s.allocations = allocs
	return nil
}

func parseAmountString(value string) (uint64, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, fmt.Errorf("amount must be provided")
	}
	amount, err := strconv.ParseUint(trimmed, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q", value)
	}
	return amount, nil
}

func parseGenesisTime(value string) (time.Time, error) {
	if strings.TrimSpace(value) == "" {
		return time.Time{}, fmt.Errorf("genesisTime must be provided")
	}
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts, nil
	}
	if ts, err := time.Parse(time.RFC3339, value); err == nil {
		return ts, nil
	}
	return time.Time{}, fmt.Errorf("invalid genesisTime %q", value)
}

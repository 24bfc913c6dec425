package types

// Account is the ledger record stored at every address. User accounts only
// carry a balance and a nonce; program-owned accounts (the treasury and each
// escrow) also carry the owning program id and an encoded record in Data.
type Account struct {
	Nonce   uint64   `json:"nonce"`
	Balance uint64   `json:"balance"`
	Owner   [20]byte `json:"owner"`
	Space   uint64   `json:"space"`
	Data    []byte   `json:"data"`
}

// Clone returns a deep copy of the account.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	clone := *a
	clone.Data = append([]byte(nil), a.Data...)
	return &clone
}

// ProgramOwned reports whether the account belongs to a program rather than a
// key holder.
func (a *Account) ProgramOwned() bool {
	return a != nil && a.Owner != ([20]byte{})
}

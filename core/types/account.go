package types

import "math/big"

// Account is the native-coin ledger entry for an address. Token balances are
// tracked separately in state keyed by (token, holder).
type Account struct {
	Nonce         uint64   `json:"nonce"`
	BalanceNative *big.Int `json:"balanceNative"`
}

// NewAccount returns an empty account with a zeroed balance so callers never
// see a nil big.Int.
func NewAccount() *Account {
	return &Account{BalanceNative: big.NewInt(0)}
}

// Normalize replaces a nil balance with zero. Records decoded from storage or
// built by hand pass through here before use.
func (a *Account) Normalize() {
	if a.BalanceNative == nil {
		a.BalanceNative = big.NewInt(0)
	}
}

// Clone returns a deep copy so engine mutations never alias a caller's value.
func (a *Account) Clone() *Account {
	if a == nil {
		return NewAccount()
	}
	out := &Account{Nonce: a.Nonce, BalanceNative: big.NewInt(0)}
	if a.BalanceNative != nil {
		out.BalanceNative = new(big.Int).Set(a.BalanceNative)
	}
	return out
}

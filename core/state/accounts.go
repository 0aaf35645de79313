package state

import (
	"fmt"
	"math/big"

	"peervault/core/types"
)

func accountKey(addr [20]byte) []byte {
	buf := make([]byte, len(accountPrefix)+len(addr))
	copy(buf, accountPrefix)
	copy(buf[len(accountPrefix):], addr[:])
	return buf
}

func tokenBalanceKey(token, holder [20]byte) []byte {
	buf := make([]byte, len(tokenBalancePrefix)+len(token)+1+len(holder))
	copy(buf, tokenBalancePrefix)
	copy(buf[len(tokenBalancePrefix):], token[:])
	buf[len(tokenBalancePrefix)+len(token)] = ':'
	copy(buf[len(tokenBalancePrefix)+len(token)+1:], holder[:])
	return buf
}

type storedAccount struct {
	Nonce         uint64
	BalanceNative *big.Int
}

// GetAccount loads the native-coin account for the supplied address. Unknown
// addresses resolve to a fresh zero-balance account so callers never branch on
// existence.
func (m *Manager) GetAccount(addr [20]byte) (*types.Account, error) {
	stored := new(storedAccount)
	ok, err := m.KVGet(accountKey(addr), stored)
	if err != nil {
		return nil, err
	}
	if !ok {
		return types.NewAccount(), nil
	}
	account := &types.Account{Nonce: stored.Nonce, BalanceNative: stored.BalanceNative}
	account.Normalize()
	return account, nil
}

// PutAccount persists the supplied account record.
func (m *Manager) PutAccount(addr [20]byte, account *types.Account) error {
	if account == nil {
		return fmt.Errorf("state: nil account for %x", addr)
	}
	account.Normalize()
	if account.BalanceNative.Sign() < 0 {
		return fmt.Errorf("state: negative native balance for %x", addr)
	}
	return m.KVPut(accountKey(addr), &storedAccount{
		Nonce:         account.Nonce,
		BalanceNative: account.BalanceNative,
	})
}

// TokenBalance resolves the balance held by holder in the supplied token.
// Unknown pairs resolve to zero.
func (m *Manager) TokenBalance(token, holder [20]byte) (*big.Int, error) {
	balance := new(big.Int)
	ok, err := m.KVGet(tokenBalanceKey(token, holder), balance)
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	return balance, nil
}

// SetTokenBalance overwrites the balance held by holder in the supplied token.
func (m *Manager) SetTokenBalance(token, holder [20]byte, amount *big.Int) error {
	if amount == nil {
		return fmt.Errorf("state: nil token balance for %x", holder)
	}
	if amount.Sign() < 0 {
		return fmt.Errorf("state: negative token balance for %x", holder)
	}
	return m.KVPut(tokenBalanceKey(token, holder), amount)
}

package escrow

import (
	"fmt"
	"math/big"
)

// TokenMover moves token funds between holders. The engine verifies every move
// by recipient balance delta, so movers that skim, round or short-pay cause
// the surrounding operation to abort with ErrTransferFailure.
type TokenMover interface {
	Move(token [20]byte, from, to [20]byte, amount *big.Int) error
}

// ledgerTokenMover is the default mover backed by the in-state token ledger.
type ledgerTokenMover struct {
	state engineState
}

func (m ledgerTokenMover) Move(token [20]byte, from, to [20]byte, amount *big.Int) error {
	if m.state == nil {
		return errNilState
	}
	if from == to {
		return nil
	}
	fromBalance, err := m.state.TokenBalance(token, from)
	if err != nil {
		return err
	}
	if fromBalance.Cmp(amount) < 0 {
		return fmt.Errorf("insufficient token balance: have %s, need %s", fromBalance, amount)
	}
	toBalance, err := m.state.TokenBalance(token, to)
	if err != nil {
		return err
	}
	if err := m.state.SetTokenBalance(token, from, new(big.Int).Sub(fromBalance, amount)); err != nil {
		return err
	}
	return m.state.SetTokenBalance(token, to, new(big.Int).Add(toBalance, amount))
}

func (e *Engine) tokenMover() TokenMover {
	if e.mover != nil {
		return e.mover
	}
	return ledgerTokenMover{state: e.state}
}

// transfer routes a fund movement by asset type. Zero amounts are a no-op.
func (e *Engine) transfer(asset [20]byte, from, to [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("%w: negative transfer amount", ErrTransferFailure)
	}
	if amount.Sign() == 0 {
		return nil
	}
	if IsNativeAsset(asset) {
		return e.transferNative(from, to, amount)
	}
	return e.moveTokenVerified(asset, from, to, amount)
}

func (e *Engine) collect(from, vault [20]byte, asset [20]byte, amount *big.Int) error {
	return e.transfer(asset, from, vault, amount)
}

func (e *Engine) payFromVault(vault, to [20]byte, asset [20]byte, amount *big.Int) error {
	return e.transfer(asset, vault, to, amount)
}

func (e *Engine) transferNative(from, to [20]byte, amount *big.Int) error {
	if from == to {
		return nil
	}
	fromAccount, err := e.state.GetAccount(from)
	if err != nil {
		return err
	}
	if fromAccount.BalanceNative.Cmp(amount) < 0 {
		return fmt.Errorf("%w: insufficient native balance: have %s, need %s", ErrTransferFailure, fromAccount.BalanceNative, amount)
	}
	toAccount, err := e.state.GetAccount(to)
	if err != nil {
		return err
	}
	fromAccount.BalanceNative = new(big.Int).Sub(fromAccount.BalanceNative, amount)
	toAccount.BalanceNative = new(big.Int).Add(toAccount.BalanceNative, amount)
	if err := e.state.PutAccount(from, fromAccount); err != nil {
		return err
	}
	return e.state.PutAccount(to, toAccount)
}

// moveTokenVerified performs a token move and confirms the recipient was
// credited exactly the requested amount.
func (e *Engine) moveTokenVerified(token [20]byte, from, to [20]byte, amount *big.Int) error {
	if from == to {
		return nil
	}
	before, err := e.state.TokenBalance(token, to)
	if err != nil {
		return err
	}
	if err := e.tokenMover().Move(token, from, to, amount); err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailure, err)
	}
	after, err := e.state.TokenBalance(token, to)
	if err != nil {
		return err
	}
	delta := new(big.Int).Sub(after, before)
	if delta.Cmp(amount) != 0 {
		return fmt.Errorf("%w: recipient credited %s of requested %s", ErrTransferFailure, delta, amount)
	}
	return nil
}

// freeBalance computes on-hand vault funds minus earmarked totals, and minus
// the dispute-stake pot for the native asset. The result is never negative
// while the ledger invariant holds; a negative value would indicate stray
// vault outflows outside the engine.
func (e *Engine) freeBalance(instance *Instance, asset [20]byte) (*big.Int, error) {
	var onHand *big.Int
	if IsNativeAsset(asset) {
		account, err := e.state.GetAccount(instance.Vault)
		if err != nil {
			return nil, err
		}
		pot, err := e.state.StakePot(instance.Seller)
		if err != nil {
			return nil, err
		}
		onHand = new(big.Int).Sub(account.BalanceNative, pot)
	} else {
		balance, err := e.state.TokenBalance(asset, instance.Vault)
		if err != nil {
			return nil, err
		}
		onHand = new(big.Int).Set(balance)
	}
	inUse, err := e.state.TradeInUse(instance.Seller, asset)
	if err != nil {
		return nil, err
	}
	return onHand.Sub(onHand, inUse), nil
}

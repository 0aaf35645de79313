package escrow

import (
	"fmt"
	"math/big"
)

// settle pays out a trade and resolves its dispute stakes. The trade record
// and both stake markers are removed from state before any funds move, so a
// re-entrant read during payout observes the trade as already settled. The
// protocol fee is charged exactly when value flows to the buyer: release and
// buyer-favoured arbitration. All seller-bound settlements refund principal
// plus fee in full.
//
// Stake disposition covers every combination of staked parties:
//
//	neither staked:   nothing to resolve
//	one party staked: that party is refunded regardless of outcome
//	both staked:      the favoured party (the settlement recipient) is
//	                  refunded, the other stake is forfeited to the fee
//	                  recipient
func (e *Engine) settle(trade *Trade, recipient [20]byte) error {
	instance, err := e.loadInstance(trade.Seller)
	if err != nil {
		return err
	}
	policy, err := e.loadPolicy()
	if err != nil {
		return err
	}
	sellerStake, sellerStaked, err := e.state.TradeStakeGet(trade.ID, trade.Seller)
	if err != nil {
		return err
	}
	buyerStake, buyerStaked, err := e.state.TradeStakeGet(trade.ID, trade.Buyer)
	if err != nil {
		return err
	}

	// Clear the record and stake markers before moving any funds.
	if err := e.state.TradeDelete(trade.ID); err != nil {
		return err
	}
	if err := e.state.TradeStakeDelete(trade.ID, trade.Seller); err != nil {
		return err
	}
	if err := e.state.TradeStakeDelete(trade.ID, trade.Buyer); err != nil {
		return err
	}

	chargeFee := recipient == trade.Buyer
	if chargeFee {
		if err := e.payOut(trade, instance, recipient, trade.Amount); err != nil {
			return err
		}
		if err := e.payOut(trade, instance, policy.FeeRecipient, trade.ProtocolFee); err != nil {
			return err
		}
		partnerShare := new(big.Int).Sub(trade.Fee, trade.ProtocolFee)
		if err := e.payOut(trade, instance, trade.Partner, partnerShare); err != nil {
			return err
		}
	} else {
		refund := new(big.Int).Add(trade.Amount, trade.Fee)
		if err := e.payOut(trade, instance, recipient, refund); err != nil {
			return err
		}
	}

	switch {
	case sellerStaked && buyerStaked:
		favoredStake, forfeitedStake := buyerStake, sellerStake
		if recipient == trade.Seller {
			favoredStake, forfeitedStake = sellerStake, buyerStake
		}
		if err := e.releaseStake(instance, recipient, favoredStake); err != nil {
			return err
		}
		if err := e.releaseStake(instance, policy.FeeRecipient, forfeitedStake); err != nil {
			return err
		}
	case sellerStaked:
		if err := e.releaseStake(instance, trade.Seller, sellerStake); err != nil {
			return err
		}
	case buyerStaked:
		if err := e.releaseStake(instance, trade.Buyer, buyerStake); err != nil {
			return err
		}
	}
	return nil
}

// payOut settles one leg of a trade. For automatic trades every leg releases
// its share of the earmark; the leg flowing back to the seller stops there,
// since the reserved funds already sit in the vault on the seller's behalf.
func (e *Engine) payOut(trade *Trade, instance *Instance, to [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return nil
	}
	if trade.Automatic {
		inUse, err := e.state.TradeInUse(trade.Seller, trade.Asset)
		if err != nil {
			return err
		}
		if inUse.Cmp(amount) < 0 {
			return fmt.Errorf("escrow: earmarked total %s below settlement leg %s", inUse, amount)
		}
		if err := e.state.SetTradeInUse(trade.Seller, trade.Asset, new(big.Int).Sub(inUse, amount)); err != nil {
			return err
		}
		if to == trade.Seller {
			return nil
		}
	}
	return e.payFromVault(instance.Vault, to, trade.Asset, amount)
}

// releaseStake returns or forfeits one recorded stake out of the native pot.
func (e *Engine) releaseStake(instance *Instance, to [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return nil
	}
	pot, err := e.state.StakePot(instance.Seller)
	if err != nil {
		return err
	}
	if pot.Cmp(amount) < 0 {
		return fmt.Errorf("escrow: stake pot %s below release of %s", pot, amount)
	}
	if err := e.state.SetStakePot(instance.Seller, new(big.Int).Sub(pot, amount)); err != nil {
		return err
	}
	return e.transferNative(instance.Vault, to, amount)
}

// Release settles the trade in favour of the buyer, distributing the frozen
// fee to the protocol recipient and any partner.
func (e *Engine) Release(caller [20]byte, terms TradeTerms) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if caller != terms.Seller {
		return fmt.Errorf("%w: only the seller may release", ErrUnauthorized)
	}
	trade, err := e.loadTrade(terms)
	if err != nil {
		return err
	}
	if err := e.settle(trade, trade.Buyer); err != nil {
		return err
	}
	e.emit(NewTradeReleasedEvent(trade))
	return nil
}

// BuyerCancel settles the trade back to the seller with no fee charged.
func (e *Engine) BuyerCancel(caller [20]byte, terms TradeTerms) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if caller != terms.Buyer {
		return fmt.Errorf("%w: only the buyer may cancel in the seller's favour", ErrUnauthorized)
	}
	trade, err := e.loadTrade(terms)
	if err != nil {
		return err
	}
	if err := e.settle(trade, trade.Seller); err != nil {
		return err
	}
	e.emit(NewBuyerCancelledEvent(trade))
	return nil
}

// SellerCancel reclaims an unanswered trade once the waiting time has
// elapsed. While the deadline is pending, or once the buyer has latched the
// payment flag, it returns false with no error and no state change so callers
// can poll it without treating the refusal as a fault.
func (e *Engine) SellerCancel(caller [20]byte, terms TradeTerms) (bool, error) {
	if e == nil || e.state == nil {
		return false, errNilState
	}
	if caller != terms.Seller {
		return false, fmt.Errorf("%w: only the seller may cancel", ErrUnauthorized)
	}
	trade, err := e.loadTrade(terms)
	if err != nil {
		return false, err
	}
	if trade.Paid() {
		return false, nil
	}
	if e.now() < trade.SellerCanCancelAfter {
		return false, nil
	}
	if err := e.settle(trade, trade.Seller); err != nil {
		return false, err
	}
	e.emit(NewSellerCancelledEvent(trade))
	return true, nil
}

// OpenDispute records a party's dispute stake. Disputing requires the payment
// latch, an exact stake attachment, and at most one stake per party.
func (e *Engine) OpenDispute(caller [20]byte, terms TradeTerms, attached *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if caller != terms.Seller && caller != terms.Buyer {
		return fmt.Errorf("%w: only a trade party may open a dispute", ErrUnauthorized)
	}
	trade, err := e.loadTrade(terms)
	if err != nil {
		return err
	}
	if !trade.Paid() {
		return fmt.Errorf("%w: dispute requires a reported payment", ErrInvalidState)
	}
	if _, staked, err := e.state.TradeStakeGet(trade.ID, caller); err != nil {
		return err
	} else if staked {
		return fmt.Errorf("%w: party has already staked", ErrInvalidState)
	}
	policy, err := e.loadPolicy()
	if err != nil {
		return err
	}
	stake := cloneBigInt(policy.DisputeStake)
	attachedAmount := cloneBigInt(attached)
	if attachedAmount.Cmp(stake) != 0 {
		return fmt.Errorf("%w: attached stake %s must equal the required %s", ErrInvalidArgument, attachedAmount, stake)
	}
	instance, err := e.loadInstance(trade.Seller)
	if err != nil {
		return err
	}
	if stake.Sign() > 0 {
		if err := e.transferNative(caller, instance.Vault, stake); err != nil {
			return err
		}
		pot, err := e.state.StakePot(trade.Seller)
		if err != nil {
			return err
		}
		if err := e.state.SetStakePot(trade.Seller, new(big.Int).Add(pot, stake)); err != nil {
			return err
		}
	}
	if err := e.state.TradeStakeSet(trade.ID, caller, stake); err != nil {
		return err
	}
	if !trade.Disputed {
		trade.Disputed = true
		if err := e.state.TradePut(trade); err != nil {
			return err
		}
	}
	e.emit(NewDisputeOpenedEvent(trade, caller))
	return nil
}

// ResolveDispute lets the arbitrator settle a disputed trade for either
// party. The protocol fee applies only when the buyer wins.
func (e *Engine) ResolveDispute(caller [20]byte, terms TradeTerms, winner [20]byte) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	policy, err := e.loadPolicy()
	if err != nil {
		return err
	}
	if caller != policy.Arbitrator {
		return fmt.Errorf("%w: only the arbitrator may resolve disputes", ErrUnauthorized)
	}
	trade, err := e.loadTrade(terms)
	if err != nil {
		return err
	}
	if !trade.Disputed {
		return fmt.Errorf("%w: trade is not disputed", ErrInvalidState)
	}
	if winner != trade.Seller && winner != trade.Buyer {
		return fmt.Errorf("%w: winner must be a trade party", ErrInvalidState)
	}
	if err := e.settle(trade, winner); err != nil {
		return err
	}
	e.emit(NewDisputeResolvedEvent(trade, winner))
	return nil
}

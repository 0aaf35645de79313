package escrow

import (
	"fmt"
	"math/big"
	"time"

	"peervault/core/events"
	"peervault/core/types"
	nativecommon "peervault/native/common"
	"peervault/native/fees"
)

// engineState captures the state manager capabilities required by the trade
// engine. Trade records, stake markers, earmark totals and balances all live
// behind this interface so the engine can be exercised against lightweight
// fixtures.
type engineState interface {
	TradePut(*Trade) error
	TradeGet(id [32]byte) (*Trade, bool, error)
	TradeDelete(id [32]byte) error
	TradeStakeSet(id [32]byte, party [20]byte, amount *big.Int) error
	TradeStakeGet(id [32]byte, party [20]byte) (*big.Int, bool, error)
	TradeStakeDelete(id [32]byte, party [20]byte) error
	TradeInUse(seller, asset [20]byte) (*big.Int, error)
	SetTradeInUse(seller, asset [20]byte, amount *big.Int) error
	StakePot(seller [20]byte) (*big.Int, error)
	SetStakePot(seller [20]byte, amount *big.Int) error
	InstanceGet(seller [20]byte) (*Instance, bool, error)
	TradePolicy() (*Policy, bool, error)
	CredentialHas(holder [20]byte) (bool, error)
	GetAccount(addr [20]byte) (*types.Account, error)
	PutAccount(addr [20]byte, account *types.Account) error
	TokenBalance(token, holder [20]byte) (*big.Int, error)
	SetTokenBalance(token, holder [20]byte, amount *big.Int) error
}

// CredentialChecker resolves fee-discount credential membership. The default
// implementation reads the state registry maintained by the factory; external
// deployments can plug a different verifier.
type CredentialChecker interface {
	Holds(holder [20]byte) (bool, error)
}

type tradeEvent struct {
	evt *types.Event
}

func (e tradeEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e tradeEvent) Event() *types.Event { return e.evt }

// Engine executes the trade lifecycle: creation with frozen fees, the buyer's
// payment latch, direct and arbitrated settlement, dispute staking and the
// working-balance ledger. Hard failures leave state untouched; the node
// discards the state overlay whenever an engine call returns an error.
type Engine struct {
	state       engineState
	emitter     events.Emitter
	pauses      nativecommon.PauseView
	credentials CredentialChecker
	mover       TokenMover
	nowFn       func() int64
}

// NewEngine creates a trade engine with a no-op emitter and the in-state
// ledger as its token mover. Callers override collaborators via the setters.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the engine state backend.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source used for deadlines. Passing nil resets
// to the wall clock.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetPauses wires the module pause view consulted on creation paths.
func (e *Engine) SetPauses(pauses nativecommon.PauseView) { e.pauses = pauses }

// SetCredentialChecker overrides the fee-discount credential verifier.
func (e *Engine) SetCredentialChecker(checker CredentialChecker) { e.credentials = checker }

// SetTokenMover overrides the token transfer backend. Passing nil restores the
// in-state ledger mover.
func (e *Engine) SetTokenMover(mover TokenMover) { e.mover = mover }

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(tradeEvent{evt: event})
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) loadPolicy() (*Policy, error) {
	policy, ok, err := e.state.TradePolicy()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errNilPolicy
	}
	return policy, nil
}

func (e *Engine) loadInstance(seller [20]byte) (*Instance, error) {
	instance, ok, err := e.state.InstanceGet(seller)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: no instance deployed for seller", ErrNotFound)
	}
	return instance, nil
}

func (e *Engine) loadTrade(terms TradeTerms) (*Trade, error) {
	id, err := ComputeTradeID(terms)
	if err != nil {
		return nil, err
	}
	trade, ok, err := e.state.TradeGet(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: no trade for the supplied terms", ErrNotFound)
	}
	return trade, nil
}

func (e *Engine) credentialHolds(holder [20]byte) (bool, error) {
	if e.credentials != nil {
		return e.credentials.Holds(holder)
	}
	return e.state.CredentialHas(holder)
}

// CreateInput carries the arguments for trade creation. Attached is the value
// the seller provides alongside the call: exactly principal plus fee for
// funded trades and exactly zero for automatic ones.
type CreateInput struct {
	Caller      [20]byte
	Terms       TradeTerms
	Partner     [20]byte
	WaitingTime int64
	Automatic   bool
	Attached    *big.Int
}

// Create validates, prices and persists a new trade. Funded trades move
// principal plus fee from the seller into the instance vault; automatic ones
// earmark the same total against the vault's free balance instead.
func (e *Engine) Create(input CreateInput) (*Trade, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := nativecommon.Guard(e.pauses, nativecommon.ModuleTrade); err != nil {
		return nil, err
	}
	terms := input.Terms.Clone()
	if input.Caller != terms.Seller {
		return nil, fmt.Errorf("%w: only the seller may create a trade", ErrUnauthorized)
	}
	if terms.Buyer == ([20]byte{}) {
		return nil, fmt.Errorf("%w: buyer must be set", ErrInvalidArgument)
	}
	if terms.Buyer == terms.Seller {
		return nil, fmt.Errorf("%w: buyer and seller must differ", ErrInvalidArgument)
	}
	if terms.Amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidArgument)
	}
	if input.WaitingTime < MinWaitingTime || input.WaitingTime > MaxWaitingTime {
		return nil, fmt.Errorf("%w: waiting time must be between %d and %d seconds", ErrInvalidArgument, MinWaitingTime, MaxWaitingTime)
	}
	id, err := ComputeTradeID(terms)
	if err != nil {
		return nil, err
	}
	instance, err := e.loadInstance(terms.Seller)
	if err != nil {
		return nil, err
	}
	if _, exists, err := e.state.TradeGet(id); err != nil {
		return nil, err
	} else if exists {
		return nil, fmt.Errorf("%w: trade already exists for these terms", ErrInvalidState)
	}
	policy, err := e.loadPolicy()
	if err != nil {
		return nil, err
	}
	discounted := false
	if policy.DiscountCredential != ([20]byte{}) {
		held, err := e.credentialHolds(terms.Seller)
		if err != nil {
			return nil, err
		}
		discounted = held
	}
	quote, err := fees.Calculate(fees.QuoteInput{
		Principal:       terms.Amount,
		ProtocolBps:     policy.ProtocolFeeBps,
		PartnerBps:      policy.PartnerBps(input.Partner),
		DiscountApplied: discounted,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	now := e.now()
	trade := &Trade{
		ID:                   id,
		OrderID:              terms.OrderID,
		Seller:               terms.Seller,
		Buyer:                terms.Buyer,
		Asset:                terms.Asset,
		Amount:               terms.Amount,
		Fee:                  quote.Total,
		ProtocolFee:          quote.Protocol,
		Partner:              input.Partner,
		SellerCanCancelAfter: now + input.WaitingTime,
		Automatic:            input.Automatic,
		CreatedAt:            now,
	}
	required := trade.FundingRequirement()
	attached := cloneBigInt(input.Attached)
	if input.Automatic {
		if attached.Sign() != 0 {
			return nil, fmt.Errorf("%w: automatic trades must not attach funds", ErrInvalidArgument)
		}
		free, err := e.freeBalance(instance, terms.Asset)
		if err != nil {
			return nil, err
		}
		if free.Cmp(required) < 0 {
			return nil, fmt.Errorf("%w: free balance %s is below the required %s", ErrInvalidArgument, free, required)
		}
		inUse, err := e.state.TradeInUse(trade.Seller, trade.Asset)
		if err != nil {
			return nil, err
		}
		if err := e.state.SetTradeInUse(trade.Seller, trade.Asset, new(big.Int).Add(inUse, required)); err != nil {
			return nil, err
		}
	} else {
		if attached.Cmp(required) != 0 {
			return nil, fmt.Errorf("%w: attached funds %s must equal principal plus fee %s", ErrInvalidArgument, attached, required)
		}
		if err := e.collect(trade.Seller, instance.Vault, trade.Asset, required); err != nil {
			return nil, err
		}
	}
	if err := e.state.TradePut(trade); err != nil {
		return nil, err
	}
	e.emit(NewTradeCreatedEvent(trade))
	return trade.Clone(), nil
}

// MarkAsPaid latches the buyer's payment report. The latch permanently
// disables seller cancellation; repeated calls are accepted without effect.
func (e *Engine) MarkAsPaid(caller [20]byte, terms TradeTerms) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if caller != terms.Buyer {
		return fmt.Errorf("%w: only the buyer may report payment", ErrUnauthorized)
	}
	trade, err := e.loadTrade(terms)
	if err != nil {
		return err
	}
	if trade.Paid() {
		return nil
	}
	trade.SellerCanCancelAfter = SellerCancelDisabled
	if err := e.state.TradePut(trade); err != nil {
		return err
	}
	e.emit(NewSellerCancelDisabledEvent(trade))
	return nil
}

// Deposit moves working balance from the seller into the instance vault so
// later automatic trades can reserve against it.
func (e *Engine) Deposit(caller, seller, asset [20]byte, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if caller != seller {
		return fmt.Errorf("%w: only the seller may deposit", ErrUnauthorized)
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("%w: deposit amount must be positive", ErrInvalidArgument)
	}
	instance, err := e.loadInstance(seller)
	if err != nil {
		return err
	}
	if err := e.collect(seller, instance.Vault, asset, amount); err != nil {
		return err
	}
	e.emit(NewDepositEvent(seller, asset, amount))
	return nil
}

// Withdraw sweeps free vault balance back to the seller. Earmarked totals and
// the dispute-stake pot are untouchable.
func (e *Engine) Withdraw(caller, seller, asset [20]byte, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if caller != seller {
		return fmt.Errorf("%w: only the seller may withdraw", ErrUnauthorized)
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("%w: withdrawal amount must be positive", ErrInvalidArgument)
	}
	instance, err := e.loadInstance(seller)
	if err != nil {
		return err
	}
	free, err := e.freeBalance(instance, asset)
	if err != nil {
		return err
	}
	if amount.Cmp(free) > 0 {
		return fmt.Errorf("%w: withdrawal %s exceeds free balance %s", ErrInvalidArgument, amount, free)
	}
	if err := e.payFromVault(instance.Vault, seller, asset, amount); err != nil {
		return err
	}
	e.emit(NewWithdrawalEvent(seller, asset, amount))
	return nil
}

// FreeBalance resolves the withdrawable vault balance for a seller in one
// asset: on-hand funds minus earmarks, and minus the dispute-stake pot for the
// native asset.
func (e *Engine) FreeBalance(seller, asset [20]byte) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	instance, err := e.loadInstance(seller)
	if err != nil {
		return nil, err
	}
	return e.freeBalance(instance, asset)
}

// TradeByTerms loads the open trade matching the supplied terms tuple.
func (e *Engine) TradeByTerms(terms TradeTerms) (*Trade, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	trade, err := e.loadTrade(terms)
	if err != nil {
		return nil, err
	}
	return trade.Clone(), nil
}

// TradeByID loads the open trade with the supplied identifier.
func (e *Engine) TradeByID(id [32]byte) (*Trade, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	trade, ok, err := e.state.TradeGet(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: no trade with id %x", ErrNotFound, id)
	}
	return trade.Clone(), nil
}

// StakedParties reports the dispute stakes recorded for a trade.
func (e *Engine) StakedParties(trade *Trade) (sellerStake, buyerStake *big.Int, err error) {
	if e == nil || e.state == nil {
		return nil, nil, errNilState
	}
	if trade == nil {
		return nil, nil, fmt.Errorf("%w: nil trade", ErrInvalidArgument)
	}
	sellerStake, _, err = e.state.TradeStakeGet(trade.ID, trade.Seller)
	if err != nil {
		return nil, nil, err
	}
	buyerStake, _, err = e.state.TradeStakeGet(trade.ID, trade.Buyer)
	if err != nil {
		return nil, nil, err
	}
	return sellerStake, buyerStake, nil
}

package escrow

import (
	"errors"
	"math/big"
	"testing"
)

type tradeFixture struct {
	state   *mockState
	engine  *Engine
	emitter *capturingEmitter
	seller  [20]byte
	buyer   [20]byte
	partner [20]byte
	vault   [20]byte
	terms   TradeTerms
}

// newTradeFixture seeds a funded native trade over 1000 units at 30 bps plus
// a 20 bps partner rate: fee 5 total, protocol share 3, partner share 2.
func newTradeFixture(t *testing.T) *tradeFixture {
	t.Helper()
	f := &tradeFixture{
		state:   newMockState(),
		seller:  newTestAddress(0x01),
		buyer:   newTestAddress(0x02),
		partner: newTestAddress(0x03),
	}
	policy := testPolicy()
	policy.SetPartnerBps(f.partner, 20)
	f.state.policy = policy
	inst := seedInstance(f.state, f.seller)
	f.vault = inst.Vault
	fundNative(f.state, f.seller, 1_500)
	fundNative(f.state, f.buyer, 100)

	f.engine = newTestEngine(f.state)
	f.emitter = &capturingEmitter{}
	f.engine.SetEmitter(f.emitter)

	f.terms = testTerms(f.seller, f.buyer, 1000)
	if _, err := f.engine.Create(CreateInput{
		Caller:      f.seller,
		Terms:       f.terms,
		Partner:     f.partner,
		WaitingTime: 3600,
		Attached:    big.NewInt(1005),
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	return f
}

func (f *tradeFixture) balance(t *testing.T, addr [20]byte) *big.Int {
	t.Helper()
	return nativeBalance(t, f.state, addr)
}

func (f *tradeFixture) requireBalance(t *testing.T, addr [20]byte, want int64, label string) {
	t.Helper()
	if got := f.balance(t, addr); got.Cmp(big.NewInt(want)) != 0 {
		t.Fatalf("%s: expected balance %d, got %s", label, want, got)
	}
}

func (f *tradeFixture) markPaid(t *testing.T) {
	t.Helper()
	if err := f.engine.MarkAsPaid(f.buyer, f.terms); err != nil {
		t.Fatalf("mark as paid: %v", err)
	}
}

func (f *tradeFixture) openDispute(t *testing.T, party [20]byte) {
	t.Helper()
	if err := f.engine.OpenDispute(party, f.terms, big.NewInt(50)); err != nil {
		t.Fatalf("open dispute for %x: %v", party[:1], err)
	}
}

// totalNative sums every account known to the mock, the conserved quantity in
// all settlement paths.
func totalNative(t *testing.T, state *mockState) *big.Int {
	t.Helper()
	sum := big.NewInt(0)
	for _, acc := range state.accounts {
		if acc.BalanceNative != nil {
			sum.Add(sum, acc.BalanceNative)
		}
	}
	return sum
}

func TestReleaseDistributesFees(t *testing.T) {
	f := newTradeFixture(t)
	feeRecipient := f.state.policy.FeeRecipient

	if err := f.engine.Release(f.seller, f.terms); err != nil {
		t.Fatalf("release: %v", err)
	}
	f.requireBalance(t, f.buyer, 1_100, "buyer principal")
	f.requireBalance(t, feeRecipient, 3, "protocol fee")
	f.requireBalance(t, f.partner, 2, "partner share")
	f.requireBalance(t, f.vault, 0, "vault drained")
	if len(f.state.trades) != 0 {
		t.Fatalf("trade record survived settlement")
	}
	evts := f.emitter.typed()
	last := evts[len(evts)-1]
	if last.Type != EventTypeTradeReleased {
		t.Fatalf("expected %s event, got %s", EventTypeTradeReleased, last.Type)
	}
}

func TestReleaseZeroFeeSkipsFeeLegs(t *testing.T) {
	state := newMockState()
	state.policy = testPolicy()
	seller := newTestAddress(0x01)
	buyer := newTestAddress(0x02)
	seedInstance(state, seller)
	fundNative(state, seller, 200)

	engine := newTestEngine(state)
	terms := testTerms(seller, buyer, 100)
	if _, err := engine.Create(CreateInput{Caller: seller, Terms: terms, WaitingTime: 3600, Attached: big.NewInt(100)}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := engine.Release(seller, terms); err != nil {
		t.Fatalf("release: %v", err)
	}
	if got := nativeBalance(t, state, buyer); got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("expected buyer balance 100, got %s", got)
	}
	if got := nativeBalance(t, state, state.policy.FeeRecipient); got.Sign() != 0 {
		t.Fatalf("fee recipient credited on zero-fee trade: %s", got)
	}
}

func TestReleaseRequiresSeller(t *testing.T) {
	f := newTradeFixture(t)
	for _, caller := range [][20]byte{f.buyer, f.state.policy.Arbitrator, newTestAddress(0x09)} {
		if err := f.engine.Release(caller, f.terms); !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("caller %x: expected ErrUnauthorized, got %v", caller[:1], err)
		}
	}
	if _, found := f.state.trades[mustTradeID(t, f.terms)]; !found {
		t.Fatalf("trade removed by unauthorized release")
	}
}

func TestReleaseUnknownTrade(t *testing.T) {
	state := newMockState()
	state.policy = testPolicy()
	seller := newTestAddress(0x01)
	buyer := newTestAddress(0x02)
	seedInstance(state, seller)

	engine := newTestEngine(state)
	err := engine.Release(seller, testTerms(seller, buyer, 1000))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestBuyerCancelRefundsWithoutFee(t *testing.T) {
	f := newTradeFixture(t)

	if err := f.engine.BuyerCancel(f.seller, f.terms); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for seller, got %v", err)
	}
	if err := f.engine.BuyerCancel(f.buyer, f.terms); err != nil {
		t.Fatalf("buyer cancel: %v", err)
	}
	// Principal plus the full frozen fee flows back to the seller.
	f.requireBalance(t, f.seller, 1_500, "seller refund")
	f.requireBalance(t, f.state.policy.FeeRecipient, 0, "no protocol fee")
	f.requireBalance(t, f.partner, 0, "no partner share")
	f.requireBalance(t, f.vault, 0, "vault drained")
	evts := f.emitter.typed()
	last := evts[len(evts)-1]
	if last.Type != EventTypeBuyerCancelled {
		t.Fatalf("expected %s event, got %s", EventTypeBuyerCancelled, last.Type)
	}
}

func TestAutomaticReleasePaysFromReservation(t *testing.T) {
	state := newMockState()
	state.policy = testPolicy()
	seller := newTestAddress(0x01)
	buyer := newTestAddress(0x02)
	inst := seedInstance(state, seller)
	fundNative(state, seller, 3_000)

	engine := newTestEngine(state)
	if err := engine.Deposit(seller, seller, nativeAsset, big.NewInt(2_000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	terms := testTerms(seller, buyer, 1000)
	if _, err := engine.Create(CreateInput{Caller: seller, Terms: terms, WaitingTime: 3600, Automatic: true}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := engine.Release(seller, terms); err != nil {
		t.Fatalf("release: %v", err)
	}
	if got := nativeBalance(t, state, buyer); got.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("expected buyer balance 1000, got %s", got)
	}
	if got := nativeBalance(t, state, state.policy.FeeRecipient); got.Cmp(big.NewInt(3)) != 0 {
		t.Fatalf("expected protocol fee 3, got %s", got)
	}
	if got := nativeBalance(t, state, inst.Vault); got.Cmp(big.NewInt(997)) != 0 {
		t.Fatalf("expected vault remainder 997, got %s", got)
	}
	inUse, err := state.TradeInUse(seller, nativeAsset)
	if err != nil {
		t.Fatalf("in-use: %v", err)
	}
	if inUse.Sign() != 0 {
		t.Fatalf("earmark not fully released: %s", inUse)
	}
	free, err := engine.FreeBalance(seller, nativeAsset)
	if err != nil {
		t.Fatalf("free balance: %v", err)
	}
	if free.Cmp(big.NewInt(997)) != 0 {
		t.Fatalf("expected free balance 997, got %s", free)
	}
}

func TestAutomaticSellerCancelKeepsFundsInVault(t *testing.T) {
	state := newMockState()
	state.policy = testPolicy()
	seller := newTestAddress(0x01)
	buyer := newTestAddress(0x02)
	inst := seedInstance(state, seller)
	fundNative(state, seller, 3_000)

	engine := newTestEngine(state)
	if err := engine.Deposit(seller, seller, nativeAsset, big.NewInt(2_000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	terms := testTerms(seller, buyer, 1000)
	if _, err := engine.Create(CreateInput{Caller: seller, Terms: terms, WaitingTime: 3600, Automatic: true}); err != nil {
		t.Fatalf("create: %v", err)
	}

	engine.SetNowFunc(func() int64 { return testNow + 3_600 })
	ok, err := engine.SellerCancel(seller, terms)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !ok {
		t.Fatalf("cancel refused after deadline")
	}
	// Releasing a reservation moves nothing; the deposit stays put and the
	// earmark is fully returned to the free balance.
	if got := nativeBalance(t, state, inst.Vault); got.Cmp(big.NewInt(2_000)) != 0 {
		t.Fatalf("vault balance changed: %s", got)
	}
	free, err := engine.FreeBalance(seller, nativeAsset)
	if err != nil {
		t.Fatalf("free balance: %v", err)
	}
	if free.Cmp(big.NewInt(2_000)) != 0 {
		t.Fatalf("expected restored free balance 2000, got %s", free)
	}
}

func TestOpenDisputeValidations(t *testing.T) {
	f := newTradeFixture(t)
	outsider := newTestAddress(0x09)
	fundNative(f.state, outsider, 100)

	if err := f.engine.OpenDispute(outsider, f.terms, big.NewInt(50)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for outsider, got %v", err)
	}
	if err := f.engine.OpenDispute(f.buyer, f.terms, big.NewInt(50)); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState before payment, got %v", err)
	}

	f.markPaid(t)
	for _, attached := range []*big.Int{big.NewInt(49), big.NewInt(51), nil} {
		if err := f.engine.OpenDispute(f.buyer, f.terms, attached); !errors.Is(err, ErrInvalidArgument) {
			t.Fatalf("attached %v: expected ErrInvalidArgument, got %v", attached, err)
		}
	}

	f.openDispute(t, f.buyer)
	if err := f.engine.OpenDispute(f.buyer, f.terms, big.NewInt(50)); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on second stake, got %v", err)
	}
	// The other party may still stake.
	f.openDispute(t, f.seller)
}

func TestOpenDisputeMovesStakeIntoPot(t *testing.T) {
	f := newTradeFixture(t)
	f.markPaid(t)
	f.openDispute(t, f.buyer)

	f.requireBalance(t, f.buyer, 50, "buyer after stake")
	f.requireBalance(t, f.vault, 1_055, "vault holds principal, fee and stake")
	pot, err := f.state.StakePot(f.seller)
	if err != nil {
		t.Fatalf("stake pot: %v", err)
	}
	if pot.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("expected pot 50, got %s", pot)
	}
	trade, err := f.engine.TradeByTerms(f.terms)
	if err != nil {
		t.Fatalf("load trade: %v", err)
	}
	if !trade.Disputed {
		t.Fatalf("trade not flagged disputed")
	}
	evts := f.emitter.typed()
	last := evts[len(evts)-1]
	if last.Type != EventTypeDisputeOpened {
		t.Fatalf("expected %s event, got %s", EventTypeDisputeOpened, last.Type)
	}
}

func TestResolveValidations(t *testing.T) {
	f := newTradeFixture(t)
	arbitrator := f.state.policy.Arbitrator

	if err := f.engine.ResolveDispute(f.seller, f.terms, f.buyer); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for seller, got %v", err)
	}
	if err := f.engine.ResolveDispute(arbitrator, f.terms, f.buyer); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState without dispute, got %v", err)
	}

	f.markPaid(t)
	f.openDispute(t, f.buyer)
	if err := f.engine.ResolveDispute(arbitrator, f.terms, newTestAddress(0x09)); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState for outsider winner, got %v", err)
	}
}

func TestResolveBuyerWinChargesFeeAndForfeitsSellerStake(t *testing.T) {
	f := newTradeFixture(t)
	f.markPaid(t)
	f.openDispute(t, f.buyer)
	f.openDispute(t, f.seller)
	arbitrator := f.state.policy.Arbitrator
	feeRecipient := f.state.policy.FeeRecipient

	if err := f.engine.ResolveDispute(arbitrator, f.terms, f.buyer); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	// Buyer: principal plus refunded stake on top of the 50 left after
	// staking. Fee recipient: protocol share plus the forfeited seller stake.
	f.requireBalance(t, f.buyer, 1_100, "buyer")
	f.requireBalance(t, feeRecipient, 53, "fee recipient")
	f.requireBalance(t, f.partner, 2, "partner")
	f.requireBalance(t, f.seller, 445, "seller keeps nothing extra")
	f.requireBalance(t, f.vault, 0, "vault drained")

	pot, err := f.state.StakePot(f.seller)
	if err != nil {
		t.Fatalf("stake pot: %v", err)
	}
	if pot.Sign() != 0 {
		t.Fatalf("stake pot not drained: %s", pot)
	}
	if len(f.state.trades) != 0 || len(f.state.stakes) != 0 {
		t.Fatalf("settlement left records behind")
	}
	evts := f.emitter.typed()
	last := evts[len(evts)-1]
	if last.Type != EventTypeDisputeResolved {
		t.Fatalf("expected %s event, got %s", EventTypeDisputeResolved, last.Type)
	}
}

func TestResolveSellerWinSkipsFee(t *testing.T) {
	f := newTradeFixture(t)
	f.markPaid(t)
	f.openDispute(t, f.buyer)
	f.openDispute(t, f.seller)
	arbitrator := f.state.policy.Arbitrator
	feeRecipient := f.state.policy.FeeRecipient

	if err := f.engine.ResolveDispute(arbitrator, f.terms, f.seller); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	// Seller recovers principal, fee and stake: 445 + 1005 + 50.
	f.requireBalance(t, f.seller, 1_500, "seller refund")
	f.requireBalance(t, feeRecipient, 50, "only the forfeited buyer stake")
	f.requireBalance(t, f.partner, 0, "no partner share")
	f.requireBalance(t, f.buyer, 50, "buyer loses the stake")
	f.requireBalance(t, f.vault, 0, "vault drained")
}

func TestStakeDispositionMatrix(t *testing.T) {
	type delta struct {
		seller, buyer, feeRecipient int64
	}
	cases := []struct {
		name    string
		stakers string // "", "seller", "buyer" or "both"
		winner  byte   // 's' or 'b'
		want    delta
	}{
		{"none seller wins", "", 's', delta{}},
		{"none buyer wins", "", 'b', delta{}},
		{"seller staked seller wins", "seller", 's', delta{seller: 50}},
		{"seller staked buyer wins", "seller", 'b', delta{seller: 50}},
		{"buyer staked seller wins", "buyer", 's', delta{buyer: 50}},
		{"buyer staked buyer wins", "buyer", 'b', delta{buyer: 50}},
		{"both staked seller wins", "both", 's', delta{seller: 50, feeRecipient: 50}},
		{"both staked buyer wins", "both", 'b', delta{buyer: 50, feeRecipient: 50}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newTradeFixture(t)
			f.markPaid(t)
			if tc.stakers == "seller" || tc.stakers == "both" {
				f.openDispute(t, f.seller)
			}
			if tc.stakers == "buyer" || tc.stakers == "both" {
				f.openDispute(t, f.buyer)
			}
			// Force the dispute flag so the arbitrator can settle even the
			// zero-staker rows.
			trade, err := f.engine.TradeByTerms(f.terms)
			if err != nil {
				t.Fatalf("load trade: %v", err)
			}
			if !trade.Disputed {
				trade.Disputed = true
				if err := f.state.TradePut(trade); err != nil {
					t.Fatalf("store trade: %v", err)
				}
			}

			sellerBefore := f.balance(t, f.seller).Int64()
			buyerBefore := f.balance(t, f.buyer).Int64()
			feeBefore := f.balance(t, f.state.policy.FeeRecipient).Int64()

			winner := f.seller
			if tc.winner == 'b' {
				winner = f.buyer
			}
			if err := f.engine.ResolveDispute(f.state.policy.Arbitrator, f.terms, winner); err != nil {
				t.Fatalf("resolve: %v", err)
			}

			// Strip the settlement payout so only stake movement remains.
			sellerDelta := f.balance(t, f.seller).Int64() - sellerBefore
			buyerDelta := f.balance(t, f.buyer).Int64() - buyerBefore
			feeDelta := f.balance(t, f.state.policy.FeeRecipient).Int64() - feeBefore
			if tc.winner == 's' {
				sellerDelta -= 1_005
			} else {
				buyerDelta -= 1_000
				feeDelta -= 3
				// Partner share is out of scope for the stake assertion.
			}

			if sellerDelta != tc.want.seller {
				t.Fatalf("seller stake delta %d, want %d", sellerDelta, tc.want.seller)
			}
			if buyerDelta != tc.want.buyer {
				t.Fatalf("buyer stake delta %d, want %d", buyerDelta, tc.want.buyer)
			}
			if feeDelta != tc.want.feeRecipient {
				t.Fatalf("fee recipient stake delta %d, want %d", feeDelta, tc.want.feeRecipient)
			}
			pot, err := f.state.StakePot(f.seller)
			if err != nil {
				t.Fatalf("stake pot: %v", err)
			}
			if pot.Sign() != 0 {
				t.Fatalf("pot not drained: %s", pot)
			}
		})
	}
}

func TestSettlementConservesTotalSupply(t *testing.T) {
	paths := []struct {
		name   string
		settle func(t *testing.T, f *tradeFixture)
	}{
		{"release", func(t *testing.T, f *tradeFixture) {
			if err := f.engine.Release(f.seller, f.terms); err != nil {
				t.Fatalf("release: %v", err)
			}
		}},
		{"buyer cancel", func(t *testing.T, f *tradeFixture) {
			if err := f.engine.BuyerCancel(f.buyer, f.terms); err != nil {
				t.Fatalf("buyer cancel: %v", err)
			}
		}},
		{"seller cancel", func(t *testing.T, f *tradeFixture) {
			f.engine.SetNowFunc(func() int64 { return testNow + 3_600 })
			ok, err := f.engine.SellerCancel(f.seller, f.terms)
			if err != nil || !ok {
				t.Fatalf("seller cancel: ok=%v err=%v", ok, err)
			}
		}},
		{"resolve buyer", func(t *testing.T, f *tradeFixture) {
			f.markPaid(t)
			f.openDispute(t, f.buyer)
			f.openDispute(t, f.seller)
			if err := f.engine.ResolveDispute(f.state.policy.Arbitrator, f.terms, f.buyer); err != nil {
				t.Fatalf("resolve: %v", err)
			}
		}},
		{"resolve seller", func(t *testing.T, f *tradeFixture) {
			f.markPaid(t)
			f.openDispute(t, f.buyer)
			f.openDispute(t, f.seller)
			if err := f.engine.ResolveDispute(f.state.policy.Arbitrator, f.terms, f.seller); err != nil {
				t.Fatalf("resolve: %v", err)
			}
		}},
	}

	for _, tc := range paths {
		t.Run(tc.name, func(t *testing.T) {
			f := newTradeFixture(t)
			before := totalNative(t, f.state)
			tc.settle(t, f)
			after := totalNative(t, f.state)
			if before.Cmp(after) != 0 {
				t.Fatalf("supply changed: before %s after %s", before, after)
			}
			// No account may end up below zero.
			for addr, acc := range f.state.accounts {
				if acc.BalanceNative.Sign() < 0 {
					t.Fatalf("negative balance for %x: %s", addr[:2], acc.BalanceNative)
				}
			}
		})
	}
}

func TestTokenTradeSettlement(t *testing.T) {
	token := newTestAddress(0xEE)
	state := newMockState()
	state.policy = testPolicy()
	seller := newTestAddress(0x01)
	buyer := newTestAddress(0x02)
	inst := seedInstance(state, seller)
	if err := state.SetTokenBalance(token, seller, big.NewInt(1_500)); err != nil {
		t.Fatalf("seed tokens: %v", err)
	}

	engine := newTestEngine(state)
	terms := testTerms(seller, buyer, 1000)
	terms.Asset = token
	if _, err := engine.Create(CreateInput{Caller: seller, Terms: terms, WaitingTime: 3600, Attached: big.NewInt(1003)}); err != nil {
		t.Fatalf("create: %v", err)
	}
	vaultTokens, err := state.TokenBalance(token, inst.Vault)
	if err != nil {
		t.Fatalf("vault tokens: %v", err)
	}
	if vaultTokens.Cmp(big.NewInt(1003)) != 0 {
		t.Fatalf("expected vault token balance 1003, got %s", vaultTokens)
	}

	if err := engine.Release(seller, terms); err != nil {
		t.Fatalf("release: %v", err)
	}
	buyerTokens, err := state.TokenBalance(token, buyer)
	if err != nil {
		t.Fatalf("buyer tokens: %v", err)
	}
	if buyerTokens.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("expected buyer token balance 1000, got %s", buyerTokens)
	}
	feeTokens, err := state.TokenBalance(token, state.policy.FeeRecipient)
	if err != nil {
		t.Fatalf("fee tokens: %v", err)
	}
	if feeTokens.Cmp(big.NewInt(3)) != 0 {
		t.Fatalf("expected fee token balance 3, got %s", feeTokens)
	}
}

// silentMover reports success without crediting anyone. The delta check must
// catch it and abort the operation.
type silentMover struct{}

func (silentMover) Move(token, from, to [20]byte, amount *big.Int) error { return nil }

// shortMover credits half the requested amount.
type shortMover struct {
	state *mockState
}

func (s shortMover) Move(token, from, to [20]byte, amount *big.Int) error {
	half := new(big.Int).Rsh(amount, 1)
	current, err := s.state.TokenBalance(token, to)
	if err != nil {
		return err
	}
	return s.state.SetTokenBalance(token, to, current.Add(current, half))
}

func TestTokenMoverDeltaVerification(t *testing.T) {
	movers := []struct {
		name  string
		build func(state *mockState) TokenMover
	}{
		{"silent", func(*mockState) TokenMover { return silentMover{} }},
		{"short credit", func(state *mockState) TokenMover { return shortMover{state: state} }},
	}
	for _, tc := range movers {
		t.Run(tc.name, func(t *testing.T) {
			token := newTestAddress(0xEE)
			state := newMockState()
			state.policy = testPolicy()
			seller := newTestAddress(0x01)
			buyer := newTestAddress(0x02)
			seedInstance(state, seller)
			if err := state.SetTokenBalance(token, seller, big.NewInt(1_500)); err != nil {
				t.Fatalf("seed tokens: %v", err)
			}

			engine := newTestEngine(state)
			engine.SetTokenMover(tc.build(state))
			terms := testTerms(seller, buyer, 1000)
			terms.Asset = token
			_, err := engine.Create(CreateInput{Caller: seller, Terms: terms, WaitingTime: 3600, Attached: big.NewInt(1003)})
			if !errors.Is(err, ErrTransferFailure) {
				t.Fatalf("expected ErrTransferFailure, got %v", err)
			}
			if len(state.trades) != 0 {
				t.Fatalf("trade persisted despite failed transfer")
			}
		})
	}
}

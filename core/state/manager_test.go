package state

import (
	"math/big"
	"testing"

	"peervault/core/types"
	"peervault/native/escrow"
	"peervault/storage"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	db := storage.NewMemDB()
	t.Cleanup(db.Close)
	return NewManager(db)
}

func testAddress(fill byte) [20]byte {
	var addr [20]byte
	for i := range addr {
		addr[i] = fill
	}
	return addr
}

func testID(fill byte) [32]byte {
	var id [32]byte
	for i := range id {
		id[i] = fill
	}
	return id
}

func TestOverlayResetDiscardsWrites(t *testing.T) {
	db := storage.NewMemDB()
	t.Cleanup(db.Close)
	mgr := NewManager(db)

	addr := testAddress(0x01)
	account := types.NewAccount()
	account.BalanceNative = big.NewInt(500)
	if err := mgr.PutAccount(addr, account); err != nil {
		t.Fatalf("put account: %v", err)
	}
	if !mgr.Dirty() {
		t.Fatalf("expected overlay to be dirty")
	}
	mgr.Reset()
	if mgr.Dirty() {
		t.Fatalf("expected overlay to be clean after reset")
	}
	got, err := mgr.GetAccount(addr)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if got.BalanceNative.Sign() != 0 {
		t.Fatalf("reset should discard balance write, got %s", got.BalanceNative)
	}
}

func TestOverlayCommitPersists(t *testing.T) {
	db := storage.NewMemDB()
	t.Cleanup(db.Close)
	mgr := NewManager(db)

	addr := testAddress(0x02)
	account := types.NewAccount()
	account.BalanceNative = big.NewInt(777)
	account.Nonce = 3
	if err := mgr.PutAccount(addr, account); err != nil {
		t.Fatalf("put account: %v", err)
	}
	if err := mgr.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	fresh := NewManager(db)
	got, err := fresh.GetAccount(addr)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if got.BalanceNative.Cmp(big.NewInt(777)) != 0 || got.Nonce != 3 {
		t.Fatalf("unexpected account after commit: %+v", got)
	}
}

func TestOverlayDeleteShadowsCommitted(t *testing.T) {
	db := storage.NewMemDB()
	t.Cleanup(db.Close)
	mgr := NewManager(db)

	id := testID(0xAA)
	trade := &escrow.Trade{ID: id, Amount: big.NewInt(10), Fee: big.NewInt(1), ProtocolFee: big.NewInt(1)}
	if err := mgr.TradePut(trade); err != nil {
		t.Fatalf("trade put: %v", err)
	}
	if err := mgr.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := mgr.TradeDelete(id); err != nil {
		t.Fatalf("trade delete: %v", err)
	}
	if _, ok, err := mgr.TradeGet(id); err != nil || ok {
		t.Fatalf("expected overlay delete to shadow committed record (ok=%v err=%v)", ok, err)
	}
	mgr.Reset()
	if _, ok, err := mgr.TradeGet(id); err != nil || !ok {
		t.Fatalf("expected committed record to survive reset (ok=%v err=%v)", ok, err)
	}
}

func TestAccountUnknownDefaultsToZero(t *testing.T) {
	mgr := newTestManager(t)
	got, err := mgr.GetAccount(testAddress(0x09))
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if got.BalanceNative == nil || got.BalanceNative.Sign() != 0 || got.Nonce != 0 {
		t.Fatalf("unexpected default account: %+v", got)
	}
}

func TestPutAccountRejectsNegativeBalance(t *testing.T) {
	mgr := newTestManager(t)
	account := types.NewAccount()
	account.BalanceNative = big.NewInt(-1)
	if err := mgr.PutAccount(testAddress(0x0A), account); err == nil {
		t.Fatalf("expected negative balance to be rejected")
	}
}

func TestTokenBalanceRoundTrip(t *testing.T) {
	mgr := newTestManager(t)
	token := testAddress(0xEE)
	holder := testAddress(0x11)

	balance, err := mgr.TokenBalance(token, holder)
	if err != nil {
		t.Fatalf("token balance: %v", err)
	}
	if balance.Sign() != 0 {
		t.Fatalf("expected zero default, got %s", balance)
	}
	if err := mgr.SetTokenBalance(token, holder, big.NewInt(1234)); err != nil {
		t.Fatalf("set token balance: %v", err)
	}
	balance, err = mgr.TokenBalance(token, holder)
	if err != nil {
		t.Fatalf("token balance: %v", err)
	}
	if balance.Cmp(big.NewInt(1234)) != 0 {
		t.Fatalf("unexpected balance %s", balance)
	}
	if err := mgr.SetTokenBalance(token, holder, big.NewInt(-5)); err == nil {
		t.Fatalf("expected negative token balance to be rejected")
	}
}

func TestTradeRoundTripIsolation(t *testing.T) {
	mgr := newTestManager(t)
	id := testID(0x42)
	trade := &escrow.Trade{
		ID:                   id,
		OrderID:              testID(0x01),
		Seller:               testAddress(0x01),
		Buyer:                testAddress(0x02),
		Amount:               big.NewInt(1000),
		Fee:                  big.NewInt(3),
		ProtocolFee:          big.NewInt(3),
		SellerCanCancelAfter: 1_700_000_000,
		Automatic:            true,
		CreatedAt:            1_699_999_100,
	}
	if err := mgr.TradePut(trade); err != nil {
		t.Fatalf("trade put: %v", err)
	}
	trade.Amount.SetInt64(9) // must not leak into the stored record

	got, ok, err := mgr.TradeGet(id)
	if err != nil || !ok {
		t.Fatalf("trade get (ok=%v err=%v)", ok, err)
	}
	if got.Amount.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("stored amount aliased caller value: %s", got.Amount)
	}
	if got.SellerCanCancelAfter != 1_700_000_000 || !got.Automatic {
		t.Fatalf("unexpected record: %+v", got)
	}
	if err := mgr.TradeDelete(id); err != nil {
		t.Fatalf("trade delete: %v", err)
	}
	if _, ok, _ := mgr.TradeGet(id); ok {
		t.Fatalf("expected record to be gone after delete")
	}
}

func TestTradeStakeMarkers(t *testing.T) {
	mgr := newTestManager(t)
	id := testID(0x33)
	party := testAddress(0x07)

	if _, ok, err := mgr.TradeStakeGet(id, party); err != nil || ok {
		t.Fatalf("expected no stake initially (ok=%v err=%v)", ok, err)
	}
	if err := mgr.TradeStakeSet(id, party, big.NewInt(0)); err != nil {
		t.Fatalf("stake set: %v", err)
	}
	amount, ok, err := mgr.TradeStakeGet(id, party)
	if err != nil || !ok {
		t.Fatalf("stake get (ok=%v err=%v)", ok, err)
	}
	if amount.Sign() != 0 {
		t.Fatalf("expected zero stake amount, got %s", amount)
	}
	if err := mgr.TradeStakeDelete(id, party); err != nil {
		t.Fatalf("stake delete: %v", err)
	}
	if _, ok, _ := mgr.TradeStakeGet(id, party); ok {
		t.Fatalf("expected stake marker to be gone")
	}
}

func TestInUseRejectsNegative(t *testing.T) {
	mgr := newTestManager(t)
	seller := testAddress(0x01)
	asset := [20]byte{}
	if err := mgr.SetTradeInUse(seller, asset, big.NewInt(-1)); err == nil {
		t.Fatalf("expected negative in-use total to be rejected")
	}
	if err := mgr.SetTradeInUse(seller, asset, big.NewInt(50)); err != nil {
		t.Fatalf("set in-use: %v", err)
	}
	got, err := mgr.TradeInUse(seller, asset)
	if err != nil {
		t.Fatalf("in-use: %v", err)
	}
	if got.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("unexpected in-use %s", got)
	}
}

func TestInstanceRegistry(t *testing.T) {
	mgr := newTestManager(t)
	sellerA := testAddress(0x01)
	sellerB := testAddress(0x02)

	if _, ok, err := mgr.InstanceGet(sellerA); err != nil || ok {
		t.Fatalf("expected no instance initially (ok=%v err=%v)", ok, err)
	}
	for _, seller := range [][20]byte{sellerA, sellerB, sellerA} {
		if err := mgr.InstancePut(&escrow.Instance{Seller: seller, Vault: escrow.VaultAddress(seller), CreatedAt: 100}); err != nil {
			t.Fatalf("instance put: %v", err)
		}
	}
	list, err := mgr.InstanceList()
	if err != nil {
		t.Fatalf("instance list: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected index to dedupe repeat registration, got %d entries", len(list))
	}
	inst, ok, err := mgr.InstanceGet(sellerB)
	if err != nil || !ok {
		t.Fatalf("instance get (ok=%v err=%v)", ok, err)
	}
	if inst.Vault != escrow.VaultAddress(sellerB) {
		t.Fatalf("unexpected vault %x", inst.Vault)
	}
}

func TestCredentialRegistry(t *testing.T) {
	mgr := newTestManager(t)
	holder := testAddress(0x55)

	held, err := mgr.CredentialHas(holder)
	if err != nil {
		t.Fatalf("credential has: %v", err)
	}
	if held {
		t.Fatalf("expected no credential initially")
	}
	if err := mgr.CredentialSet(holder, true); err != nil {
		t.Fatalf("credential grant: %v", err)
	}
	if held, _ = mgr.CredentialHas(holder); !held {
		t.Fatalf("expected credential after grant")
	}
	if err := mgr.CredentialSet(holder, false); err != nil {
		t.Fatalf("credential revoke: %v", err)
	}
	if held, _ = mgr.CredentialHas(holder); held {
		t.Fatalf("expected credential to be revoked")
	}
}

func TestJournalAppendAndPaging(t *testing.T) {
	mgr := newTestManager(t)

	evtA := &types.Event{Type: "trade.created", Attributes: map[string]string{"id": "aa"}}
	evtB := &types.Event{Type: "trade.released", Attributes: map[string]string{"id": "aa"}}

	first, err := mgr.JournalAppend(evtA, 100)
	if err != nil {
		t.Fatalf("journal append: %v", err)
	}
	if first.Sequence != 1 {
		t.Fatalf("expected first sequence 1, got %d", first.Sequence)
	}
	if first.Time != 100 || first.Digest == "" {
		t.Fatalf("incomplete entry returned: %+v", first)
	}
	second, err := mgr.JournalAppend(evtB, 101)
	if err != nil || second.Sequence != 2 {
		t.Fatalf("journal append (seq=%d err=%v)", second.Sequence, err)
	}

	entries, err := mgr.JournalEntries(0, 10)
	if err != nil {
		t.Fatalf("journal entries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Event.Type != "trade.created" || entries[1].Event.Type != "trade.released" {
		t.Fatalf("unexpected entry order: %+v", entries)
	}
	if entries[0].Digest == "" || entries[0].Digest == entries[1].Digest {
		t.Fatalf("expected distinct non-empty digests")
	}

	page, err := mgr.JournalEntries(2, 10)
	if err != nil {
		t.Fatalf("journal page: %v", err)
	}
	if len(page) != 1 || page[0].Sequence != 2 {
		t.Fatalf("unexpected page: %+v", page)
	}
	empty, err := mgr.JournalEntries(3, 10)
	if err != nil {
		t.Fatalf("journal tail: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("expected empty page past newest, got %d", len(empty))
	}
}

func TestJournalDigestStableAcrossTime(t *testing.T) {
	mgr := newTestManager(t)
	payload := map[string]string{"id": "bb", "amount": "1000"}

	if _, err := mgr.JournalAppend(&types.Event{Type: "trade.created", Attributes: payload}, 100); err != nil {
		t.Fatalf("journal append: %v", err)
	}
	if _, err := mgr.JournalAppend(&types.Event{Type: "trade.created", Attributes: payload}, 999); err != nil {
		t.Fatalf("journal append: %v", err)
	}
	entries, err := mgr.JournalEntries(0, 10)
	if err != nil {
		t.Fatalf("journal entries: %v", err)
	}
	if entries[0].Digest != entries[1].Digest {
		t.Fatalf("digest should depend only on the event payload")
	}
}

func TestTradePolicyRoundTrip(t *testing.T) {
	mgr := newTestManager(t)

	if _, ok, err := mgr.TradePolicy(); err != nil || ok {
		t.Fatalf("expected no policy initially (ok=%v err=%v)", ok, err)
	}
	policy := &escrow.Policy{
		Version:        1,
		Owner:          testAddress(0x01),
		Arbitrator:     testAddress(0x02),
		FeeRecipient:   testAddress(0x03),
		ProtocolFeeBps: 30,
		DisputeStake:   big.NewInt(1000),
	}
	policy.SetPartnerBps(testAddress(0x04), 20)
	if err := mgr.SetTradePolicy(policy); err != nil {
		t.Fatalf("set policy: %v", err)
	}
	got, ok, err := mgr.TradePolicy()
	if err != nil || !ok {
		t.Fatalf("policy get (ok=%v err=%v)", ok, err)
	}
	if got.ProtocolFeeBps != 30 || got.DisputeStake.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("unexpected policy: %+v", got)
	}
	if got.PartnerBps(testAddress(0x04)) != 20 {
		t.Fatalf("partner rate lost in round trip")
	}
	if got.PartnerBps(testAddress(0x09)) != 0 {
		t.Fatalf("unlisted partner should carry no fee")
	}
}

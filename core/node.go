package core

import (
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"peervault/core/events"
	"peervault/core/state"
	"peervault/core/types"
	nativecommon "peervault/native/common"
	"peervault/native/escrow"
	"peervault/observability"
	"peervault/storage"
)

// ErrNetworkMismatch is returned when a node boots against a database that was
// initialised for a different network name.
var ErrNetworkMismatch = errors.New("core: genesis network mismatch")

// subscriberBuffer bounds the per-subscriber event queue. Slow consumers drop
// entries instead of stalling settlement; droppers can re-sync via Events.
const subscriberBuffer = 64

// GenesisAlloc seeds one balance at first boot. A zero token address denotes
// the native coin.
type GenesisAlloc struct {
	Address [20]byte
	Token   [20]byte
	Amount  *big.Int
}

// Genesis describes the initial state applied the first time a node boots on
// an empty database: the trade policy installed as version 1, seed discount
// credentials and the opening balances. Later boots only verify the network
// name and leave the block untouched.
type Genesis struct {
	Network     string
	Policy      *escrow.Policy
	Credentials [][20]byte
	Allocations []GenesisAlloc
}

// Node is the central controller. Every operation runs under the state lock
// against a fresh overlay: the engines mutate the overlay, emitted events are
// journalled into the same overlay, and a single commit makes the whole
// operation durable. A failed operation discards the overlay untouched.
type Node struct {
	db     storage.Database
	logger *slog.Logger

	stateMu sync.Mutex
	network string
	nowFn   func() int64

	subMu   sync.Mutex
	subs    map[uint64]chan types.JournalEntry
	nextSub uint64
}

// NewNode opens a node over the supplied database. An empty database is
// initialised from the genesis block; a populated one must carry the same
// network name.
func NewNode(db storage.Database, genesis Genesis) (*Node, error) {
	if db == nil {
		return nil, fmt.Errorf("core: database must not be nil")
	}
	if genesis.Network == "" {
		return nil, fmt.Errorf("core: network name must be set")
	}
	node := &Node{
		db:      db,
		logger:  slog.Default(),
		network: genesis.Network,
		nowFn:   func() int64 { return time.Now().Unix() },
		subs:    make(map[uint64]chan types.JournalEntry),
	}

	manager := state.NewManager(db)
	stored, initialised, err := manager.GenesisNetwork()
	if err != nil {
		return nil, fmt.Errorf("core: read genesis network: %w", err)
	}
	if initialised {
		if stored != genesis.Network {
			return nil, fmt.Errorf("%w: state holds %q, config wants %q", ErrNetworkMismatch, stored, genesis.Network)
		}
		return node, nil
	}
	if err := applyGenesis(manager, genesis); err != nil {
		return nil, fmt.Errorf("core: apply genesis: %w", err)
	}
	if err := manager.Commit(); err != nil {
		return nil, fmt.Errorf("core: commit genesis: %w", err)
	}
	node.logger.Info("genesis applied",
		"network", genesis.Network,
		"allocations", len(genesis.Allocations),
		"credentials", len(genesis.Credentials),
		"policy", genesis.Policy != nil)
	return node, nil
}

func applyGenesis(manager *state.Manager, genesis Genesis) error {
	if err := manager.SetGenesisNetwork(genesis.Network); err != nil {
		return err
	}
	if genesis.Policy != nil {
		factory := escrow.NewFactory()
		factory.SetState(manager)
		if err := factory.InstallPolicy(genesis.Policy); err != nil {
			return fmt.Errorf("install policy: %w", err)
		}
	}
	for _, holder := range genesis.Credentials {
		if holder == ([20]byte{}) {
			return fmt.Errorf("credential holder must be set")
		}
		if err := manager.CredentialSet(holder, true); err != nil {
			return err
		}
	}
	for i, alloc := range genesis.Allocations {
		if alloc.Address == ([20]byte{}) {
			return fmt.Errorf("allocation %d: address must be set", i)
		}
		if alloc.Amount == nil || alloc.Amount.Sign() < 0 {
			return fmt.Errorf("allocation %d: amount must be a non-negative integer", i)
		}
		if escrow.IsNativeAsset(alloc.Token) {
			account, err := manager.GetAccount(alloc.Address)
			if err != nil {
				return err
			}
			account.BalanceNative = new(big.Int).Add(account.BalanceNative, alloc.Amount)
			if err := manager.PutAccount(alloc.Address, account); err != nil {
				return err
			}
			continue
		}
		balance, err := manager.TokenBalance(alloc.Token, alloc.Address)
		if err != nil {
			return err
		}
		if err := manager.SetTokenBalance(alloc.Token, alloc.Address, new(big.Int).Add(balance, alloc.Amount)); err != nil {
			return err
		}
	}
	return nil
}

// SetLogger replaces the node logger. Passing nil restores the default.
func (n *Node) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	n.logger = logger
}

// SetNowFunc overrides the clock stamped onto trades and journal entries.
// Passing nil restores the wall clock.
func (n *Node) SetNowFunc(now func() int64) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	if now == nil {
		now = func() int64 { return time.Now().Unix() }
	}
	n.nowFn = now
}

// Network returns the network name the node was booted with.
func (n *Node) Network() string {
	return n.network
}

// Close tears down event subscriptions. The database is owned by the caller
// and stays open.
func (n *Node) Close() {
	n.subMu.Lock()
	defer n.subMu.Unlock()
	for id, ch := range n.subs {
		delete(n.subs, id)
		close(ch)
	}
}

// eventWithPayload is implemented by engine events that carry a structured
// payload for the journal.
type eventWithPayload interface {
	Event() *types.Event
}

// tradeEventRecorder journals engine events into the operation's overlay and
// buffers the stored entries for post-commit fan-out. The first append error
// sticks and fails the surrounding operation before commit.
type tradeEventRecorder struct {
	manager *state.Manager
	now     int64
	entries []types.JournalEntry
	err     error
}

func (r *tradeEventRecorder) Emit(evt events.Event) {
	if r == nil || r.err != nil || evt == nil {
		return
	}
	payload, ok := evt.(eventWithPayload)
	if !ok {
		return
	}
	event := payload.Event()
	if event == nil {
		return
	}
	entry, err := r.manager.JournalAppend(event, r.now)
	if err != nil {
		r.err = err
		return
	}
	r.entries = append(r.entries, entry)
}

// policyPauseView exposes the stored policy's paused flag to the engines.
// Reading through the overlay keeps the view consistent with a pause toggled
// earlier in the same operation.
type policyPauseView struct {
	manager *state.Manager
}

func (v policyPauseView) IsPaused(module string) bool {
	if module != nativecommon.ModuleTrade {
		return false
	}
	policy, ok, err := v.manager.TradePolicy()
	if err != nil || !ok {
		return false
	}
	return policy.Paused
}

func (n *Node) newTradeEngine(manager *state.Manager, rec *tradeEventRecorder) *escrow.Engine {
	engine := escrow.NewEngine()
	engine.SetState(manager)
	if rec != nil {
		engine.SetEmitter(rec)
	}
	engine.SetNowFunc(n.nowFn)
	engine.SetPauses(policyPauseView{manager: manager})
	return engine
}

func (n *Node) newTradeFactory(manager *state.Manager, rec *tradeEventRecorder) *escrow.Factory {
	factory := escrow.NewFactory()
	factory.SetState(manager)
	if rec != nil {
		factory.SetEmitter(rec)
	}
	factory.SetNowFunc(n.nowFn)
	factory.SetPauses(policyPauseView{manager: manager})
	return factory
}

// withState runs one mutating operation against a fresh overlay and commits it
// atomically. Any error from the closure or the journal discards the overlay.
func (n *Node) withState(fn func(*state.Manager, *tradeEventRecorder) error) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	manager := state.NewManager(n.db)
	rec := &tradeEventRecorder{manager: manager, now: n.nowFn()}
	if err := fn(manager, rec); err != nil {
		return err
	}
	if rec.err != nil {
		return fmt.Errorf("core: journal append: %w", rec.err)
	}
	if err := manager.Commit(); err != nil {
		return fmt.Errorf("core: commit: %w", err)
	}
	n.publish(rec.entries)
	return nil
}

// readState runs a query against a fresh overlay, which resolves straight to
// the committed database.
func (n *Node) readState(fn func(*state.Manager) error) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return fn(state.NewManager(n.db))
}

func (n *Node) publish(entries []types.JournalEntry) {
	if len(entries) == 0 {
		return
	}
	metrics := observability.Trades()
	for _, entry := range entries {
		metrics.RecordEvent(entry.Event.Type)
		switch entry.Event.Type {
		case escrow.EventTypeTradeReleased, escrow.EventTypeBuyerCancelled,
			escrow.EventTypeSellerCancelled, escrow.EventTypeDisputeResolved:
			attrs := entry.Event.Attributes
			principal, _ := new(big.Int).SetString(attrs["amount"], 10)
			fee, _ := new(big.Int).SetString(attrs["fee"], 10)
			metrics.RecordSettlement(assetLabel(attrs["asset"]), principal, fee)
		}
	}

	n.subMu.Lock()
	defer n.subMu.Unlock()
	for _, entry := range entries {
		for id, ch := range n.subs {
			select {
			case ch <- entry:
			default:
				n.logger.Warn("event subscriber lagging, dropping entry",
					"subscriber", id, "sequence", entry.Sequence, "type", entry.Event.Type)
			}
		}
	}
}

// assetLabel folds the zero asset onto a stable metric label.
func assetLabel(asset string) string {
	cleaned := strings.TrimPrefix(strings.TrimSpace(asset), "0x")
	if cleaned == "" || cleaned == strings.Repeat("0", len(cleaned)) {
		return "native"
	}
	return asset
}

// --- Instance lifecycle ---

// DeployInstance provisions (or returns) the caller's settlement instance.
func (n *Node) DeployInstance(caller [20]byte) (*escrow.Instance, error) {
	var instance *escrow.Instance
	err := n.withState(func(manager *state.Manager, rec *tradeEventRecorder) error {
		var err error
		instance, err = n.newTradeFactory(manager, rec).Deploy(caller)
		return err
	})
	if err != nil {
		return nil, err
	}
	return instance, nil
}

// Instance returns the instance deployed for the seller.
func (n *Node) Instance(seller [20]byte) (*escrow.Instance, error) {
	var instance *escrow.Instance
	err := n.readState(func(manager *state.Manager) error {
		var err error
		instance, err = n.newTradeFactory(manager, nil).Instance(seller)
		return err
	})
	if err != nil {
		return nil, err
	}
	return instance, nil
}

// Instances lists every seller with a deployed instance.
func (n *Node) Instances() ([][20]byte, error) {
	var sellers [][20]byte
	err := n.readState(func(manager *state.Manager) error {
		var err error
		sellers, err = n.newTradeFactory(manager, nil).Instances()
		return err
	})
	if err != nil {
		return nil, err
	}
	return sellers, nil
}

// --- Trade lifecycle ---

// CreateTrade opens a new trade under the seller's instance.
func (n *Node) CreateTrade(input escrow.CreateInput) (*escrow.Trade, error) {
	var trade *escrow.Trade
	err := n.withState(func(manager *state.Manager, rec *tradeEventRecorder) error {
		var err error
		trade, err = n.newTradeEngine(manager, rec).Create(input)
		return err
	})
	if err != nil {
		return nil, err
	}
	return trade, nil
}

// MarkAsPaid records the buyer's payment report, disabling seller cancel.
func (n *Node) MarkAsPaid(caller [20]byte, terms escrow.TradeTerms) error {
	return n.withState(func(manager *state.Manager, rec *tradeEventRecorder) error {
		return n.newTradeEngine(manager, rec).MarkAsPaid(caller, terms)
	})
}

// Release settles the trade in the buyer's favour.
func (n *Node) Release(caller [20]byte, terms escrow.TradeTerms) error {
	return n.withState(func(manager *state.Manager, rec *tradeEventRecorder) error {
		return n.newTradeEngine(manager, rec).Release(caller, terms)
	})
}

// BuyerCancel settles the trade back to the seller without a fee.
func (n *Node) BuyerCancel(caller [20]byte, terms escrow.TradeTerms) error {
	return n.withState(func(manager *state.Manager, rec *tradeEventRecorder) error {
		return n.newTradeEngine(manager, rec).BuyerCancel(caller, terms)
	})
}

// SellerCancel attempts a seller-side cancellation. It reports false, without
// an error, when the trade is paid, unknown or still inside its waiting time.
func (n *Node) SellerCancel(caller [20]byte, terms escrow.TradeTerms) (bool, error) {
	cancelled := false
	err := n.withState(func(manager *state.Manager, rec *tradeEventRecorder) error {
		var err error
		cancelled, err = n.newTradeEngine(manager, rec).SellerCancel(caller, terms)
		return err
	})
	if err != nil {
		return false, err
	}
	return cancelled, nil
}

// OpenDispute escalates a paid trade, staking the attached amount.
func (n *Node) OpenDispute(caller [20]byte, terms escrow.TradeTerms, attached *big.Int) error {
	return n.withState(func(manager *state.Manager, rec *tradeEventRecorder) error {
		return n.newTradeEngine(manager, rec).OpenDispute(caller, terms, attached)
	})
}

// ResolveDispute lets the arbitrator settle a disputed trade for the winner.
func (n *Node) ResolveDispute(caller [20]byte, terms escrow.TradeTerms, winner [20]byte) error {
	return n.withState(func(manager *state.Manager, rec *tradeEventRecorder) error {
		return n.newTradeEngine(manager, rec).ResolveDispute(caller, terms, winner)
	})
}

// Deposit moves funds from the seller into their instance vault.
func (n *Node) Deposit(caller, seller, asset [20]byte, amount *big.Int) error {
	return n.withState(func(manager *state.Manager, rec *tradeEventRecorder) error {
		return n.newTradeEngine(manager, rec).Deposit(caller, seller, asset, amount)
	})
}

// Withdraw moves free vault funds back to the seller.
func (n *Node) Withdraw(caller, seller, asset [20]byte, amount *big.Int) error {
	return n.withState(func(manager *state.Manager, rec *tradeEventRecorder) error {
		return n.newTradeEngine(manager, rec).Withdraw(caller, seller, asset, amount)
	})
}

// --- Queries ---

// TradeByTerms re-derives the trade identifier from the terms and loads the
// record.
func (n *Node) TradeByTerms(terms escrow.TradeTerms) (*escrow.Trade, error) {
	var trade *escrow.Trade
	err := n.readState(func(manager *state.Manager) error {
		var err error
		trade, err = n.newTradeEngine(manager, nil).TradeByTerms(terms)
		return err
	})
	if err != nil {
		return nil, err
	}
	return trade, nil
}

// TradeByID loads a trade record by its identifier.
func (n *Node) TradeByID(id [32]byte) (*escrow.Trade, error) {
	var trade *escrow.Trade
	err := n.readState(func(manager *state.Manager) error {
		var err error
		trade, err = n.newTradeEngine(manager, nil).TradeByID(id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return trade, nil
}

// FreeBalance reports the seller's withdrawable vault balance for the asset.
func (n *Node) FreeBalance(seller, asset [20]byte) (*big.Int, error) {
	var free *big.Int
	err := n.readState(func(manager *state.Manager) error {
		var err error
		free, err = n.newTradeEngine(manager, nil).FreeBalance(seller, asset)
		return err
	})
	if err != nil {
		return nil, err
	}
	return free, nil
}

// Account returns the native account record for the address.
func (n *Node) Account(addr [20]byte) (*types.Account, error) {
	var account *types.Account
	err := n.readState(func(manager *state.Manager) error {
		var err error
		account, err = manager.GetAccount(addr)
		return err
	})
	if err != nil {
		return nil, err
	}
	return account, nil
}

// TokenBalance returns the holder's balance in the supplied token.
func (n *Node) TokenBalance(token, holder [20]byte) (*big.Int, error) {
	var balance *big.Int
	err := n.readState(func(manager *state.Manager) error {
		var err error
		balance, err = manager.TokenBalance(token, holder)
		return err
	})
	if err != nil {
		return nil, err
	}
	return balance, nil
}

// Policy returns the installed trade policy.
func (n *Node) Policy() (*escrow.Policy, error) {
	var policy *escrow.Policy
	err := n.readState(func(manager *state.Manager) error {
		var err error
		policy, err = n.newTradeFactory(manager, nil).Policy()
		return err
	})
	if err != nil {
		return nil, err
	}
	return policy, nil
}

// --- Policy administration ---

// SetOwner hands policy ownership to a new address.
func (n *Node) SetOwner(caller, owner [20]byte) error {
	return n.withState(func(manager *state.Manager, rec *tradeEventRecorder) error {
		return n.newTradeFactory(manager, rec).SetOwner(caller, owner)
	})
}

// SetArbitrator changes the dispute arbitrator.
func (n *Node) SetArbitrator(caller, arbitrator [20]byte) error {
	return n.withState(func(manager *state.Manager, rec *tradeEventRecorder) error {
		return n.newTradeFactory(manager, rec).SetArbitrator(caller, arbitrator)
	})
}

// SetFeeRecipient changes where protocol fees and forfeited stakes land.
func (n *Node) SetFeeRecipient(caller, recipient [20]byte) error {
	return n.withState(func(manager *state.Manager, rec *tradeEventRecorder) error {
		return n.newTradeFactory(manager, rec).SetFeeRecipient(caller, recipient)
	})
}

// SetProtocolFeeBps changes the protocol fee rate.
func (n *Node) SetProtocolFeeBps(caller [20]byte, bps uint32) error {
	return n.withState(func(manager *state.Manager, rec *tradeEventRecorder) error {
		return n.newTradeFactory(manager, rec).SetProtocolFeeBps(caller, bps)
	})
}

// SetPartnerFee sets or clears a partner's additional fee rate.
func (n *Node) SetPartnerFee(caller, partner [20]byte, bps uint32) error {
	return n.withState(func(manager *state.Manager, rec *tradeEventRecorder) error {
		return n.newTradeFactory(manager, rec).SetPartnerFee(caller, partner, bps)
	})
}

// SetDiscountCredential changes the credential that zeroes the protocol fee.
func (n *Node) SetDiscountCredential(caller, credential [20]byte) error {
	return n.withState(func(manager *state.Manager, rec *tradeEventRecorder) error {
		return n.newTradeFactory(manager, rec).SetDiscountCredential(caller, credential)
	})
}

// SetDisputeStake changes the stake required to open a dispute.
func (n *Node) SetDisputeStake(caller [20]byte, stake *big.Int) error {
	return n.withState(func(manager *state.Manager, rec *tradeEventRecorder) error {
		return n.newTradeFactory(manager, rec).SetDisputeStake(caller, stake)
	})
}

// PauseTrading blocks new trade creation and instance deployment.
func (n *Node) PauseTrading(caller [20]byte) error {
	return n.withState(func(manager *state.Manager, rec *tradeEventRecorder) error {
		return n.newTradeFactory(manager, rec).Pause(caller)
	})
}

// ResumeTrading lifts the creation pause.
func (n *Node) ResumeTrading(caller [20]byte) error {
	return n.withState(func(manager *state.Manager, rec *tradeEventRecorder) error {
		return n.newTradeFactory(manager, rec).Resume(caller)
	})
}

// GrantCredential marks the holder as carrying the discount credential.
func (n *Node) GrantCredential(caller, holder [20]byte) error {
	return n.withState(func(manager *state.Manager, rec *tradeEventRecorder) error {
		return n.newTradeFactory(manager, rec).GrantCredential(caller, holder)
	})
}

// RevokeCredential removes the holder's discount credential.
func (n *Node) RevokeCredential(caller, holder [20]byte) error {
	return n.withState(func(manager *state.Manager, rec *tradeEventRecorder) error {
		return n.newTradeFactory(manager, rec).RevokeCredential(caller, holder)
	})
}

// HasCredential reports whether the holder carries the discount credential.
func (n *Node) HasCredential(holder [20]byte) (bool, error) {
	held := false
	err := n.readState(func(manager *state.Manager) error {
		var err error
		held, err = n.newTradeFactory(manager, nil).HasCredential(holder)
		return err
	})
	if err != nil {
		return false, err
	}
	return held, nil
}

// --- Event journal ---

// Events pages the durable journal starting at the given sequence. Sequences
// start at 1; zero is treated as 1.
func (n *Node) Events(from uint64, limit int) ([]types.JournalEntry, error) {
	var entries []types.JournalEntry
	err := n.readState(func(manager *state.Manager) error {
		var err error
		entries, err = manager.JournalEntries(from, limit)
		return err
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// SubscribeEvents registers a live feed of committed journal entries. Entries
// committed while the subscriber's buffer is full are dropped; consumers
// detect gaps by sequence number and backfill via Events.
func (n *Node) SubscribeEvents() (uint64, <-chan types.JournalEntry) {
	n.subMu.Lock()
	defer n.subMu.Unlock()
	n.nextSub++
	id := n.nextSub
	ch := make(chan types.JournalEntry, subscriberBuffer)
	n.subs[id] = ch
	return id, ch
}

// Unsubscribe tears down a live feed and closes its channel.
func (n *Node) Unsubscribe(id uint64) {
	n.subMu.Lock()
	defer n.subMu.Unlock()
	if ch, ok := n.subs[id]; ok {
		delete(n.subs, id)
		close(ch)
	}
}

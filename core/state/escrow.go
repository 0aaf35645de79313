package state

import (
	"fmt"
	"math/big"

	"peervault/native/escrow"
	"peervault/native/params"
)

func tradeKey(id [32]byte) []byte {
	buf := make([]byte, len(tradePrefix)+len(id))
	copy(buf, tradePrefix)
	copy(buf[len(tradePrefix):], id[:])
	return buf
}

func tradeStakeKey(id [32]byte, party [20]byte) []byte {
	buf := make([]byte, len(tradeStakePrefix)+len(id)+1+len(party))
	copy(buf, tradeStakePrefix)
	copy(buf[len(tradeStakePrefix):], id[:])
	buf[len(tradeStakePrefix)+len(id)] = ':'
	copy(buf[len(tradeStakePrefix)+len(id)+1:], party[:])
	return buf
}

func tradeInUseKey(seller, asset [20]byte) []byte {
	buf := make([]byte, len(tradeInUsePrefix)+len(seller)+1+len(asset))
	copy(buf, tradeInUsePrefix)
	copy(buf[len(tradeInUsePrefix):], seller[:])
	buf[len(tradeInUsePrefix)+len(seller)] = ':'
	copy(buf[len(tradeInUsePrefix)+len(seller)+1:], asset[:])
	return buf
}

func stakePotKey(seller [20]byte) []byte {
	buf := make([]byte, len(stakePotPrefix)+len(seller))
	copy(buf, stakePotPrefix)
	copy(buf[len(stakePotPrefix):], seller[:])
	return buf
}

func instanceKey(seller [20]byte) []byte {
	buf := make([]byte, len(instancePrefix)+len(seller))
	copy(buf, instancePrefix)
	copy(buf[len(instancePrefix):], seller[:])
	return buf
}

func credentialKey(holder [20]byte) []byte {
	buf := make([]byte, len(credentialPrefix)+len(holder))
	copy(buf, credentialPrefix)
	copy(buf[len(credentialPrefix):], holder[:])
	return buf
}

// storedTrade mirrors escrow.Trade with RLP-friendly field types. Timestamps
// are persisted unsigned; they are unix seconds or the sentinel value 1, both
// non-negative.
type storedTrade struct {
	ID                   [32]byte
	OrderID              [32]byte
	Seller               [20]byte
	Buyer                [20]byte
	Asset                [20]byte
	Amount               *big.Int
	Fee                  *big.Int
	ProtocolFee          *big.Int
	Partner              [20]byte
	SellerCanCancelAfter uint64
	Disputed             bool
	Automatic            bool
	CreatedAt            uint64
}

func newStoredTrade(t *escrow.Trade) *storedTrade {
	if t == nil {
		return nil
	}
	clone := t.Clone()
	return &storedTrade{
		ID:                   clone.ID,
		OrderID:              clone.OrderID,
		Seller:               clone.Seller,
		Buyer:                clone.Buyer,
		Asset:                clone.Asset,
		Amount:               clone.Amount,
		Fee:                  clone.Fee,
		ProtocolFee:          clone.ProtocolFee,
		Partner:              clone.Partner,
		SellerCanCancelAfter: uint64(clone.SellerCanCancelAfter),
		Disputed:             clone.Disputed,
		Automatic:            clone.Automatic,
		CreatedAt:            uint64(clone.CreatedAt),
	}
}

func (s *storedTrade) toTrade() *escrow.Trade {
	if s == nil {
		return nil
	}
	trade := &escrow.Trade{
		ID:                   s.ID,
		OrderID:              s.OrderID,
		Seller:               s.Seller,
		Buyer:                s.Buyer,
		Asset:                s.Asset,
		Amount:               s.Amount,
		Fee:                  s.Fee,
		ProtocolFee:          s.ProtocolFee,
		Partner:              s.Partner,
		SellerCanCancelAfter: int64(s.SellerCanCancelAfter),
		Disputed:             s.Disputed,
		Automatic:            s.Automatic,
		CreatedAt:            int64(s.CreatedAt),
	}
	return trade.Clone()
}

type storedInstance struct {
	Seller    [20]byte
	Vault     [20]byte
	CreatedAt uint64
}

// TradePut persists the supplied trade record under its identifier.
func (m *Manager) TradePut(trade *escrow.Trade) error {
	if trade == nil {
		return fmt.Errorf("state: nil trade")
	}
	return m.KVPut(tradeKey(trade.ID), newStoredTrade(trade))
}

// TradeGet loads a trade record. The boolean reports presence.
func (m *Manager) TradeGet(id [32]byte) (*escrow.Trade, bool, error) {
	stored := new(storedTrade)
	ok, err := m.KVGet(tradeKey(id), stored)
	if err != nil || !ok {
		return nil, false, err
	}
	return stored.toTrade(), true, nil
}

// TradeDelete removes a trade record. Settlement relies on this running in the
// same atomic step as the fund movements that follow it.
func (m *Manager) TradeDelete(id [32]byte) error {
	return m.KVDelete(tradeKey(id))
}

// TradeStakeSet records the dispute stake amount attached by one party.
func (m *Manager) TradeStakeSet(id [32]byte, party [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("state: stake amount must be non-negative")
	}
	return m.KVPut(tradeStakeKey(id, party), amount)
}

// TradeStakeGet resolves the stake recorded for one party. The boolean reports
// whether the party has staked at all; a staked amount may legitimately be
// zero when the policy stake is zero.
func (m *Manager) TradeStakeGet(id [32]byte, party [20]byte) (*big.Int, bool, error) {
	amount := new(big.Int)
	ok, err := m.KVGet(tradeStakeKey(id, party), amount)
	if err != nil || !ok {
		return nil, false, err
	}
	return amount, true, nil
}

// TradeStakeDelete clears one party's stake marker.
func (m *Manager) TradeStakeDelete(id [32]byte, party [20]byte) error {
	return m.KVDelete(tradeStakeKey(id, party))
}

// TradeInUse resolves the earmarked total for a seller's vault in one asset.
func (m *Manager) TradeInUse(seller, asset [20]byte) (*big.Int, error) {
	amount := new(big.Int)
	ok, err := m.KVGet(tradeInUseKey(seller, asset), amount)
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	return amount, nil
}

// SetTradeInUse overwrites the earmarked total for a seller's vault in one
// asset. Negative totals are rejected outright: the ledger invariant is
// enforced at the storage boundary as well as in the engine.
func (m *Manager) SetTradeInUse(seller, asset [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("state: in-use total must be non-negative")
	}
	return m.KVPut(tradeInUseKey(seller, asset), amount)
}

// StakePot resolves the native dispute-stake pot held for a seller's instance.
func (m *Manager) StakePot(seller [20]byte) (*big.Int, error) {
	amount := new(big.Int)
	ok, err := m.KVGet(stakePotKey(seller), amount)
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	return amount, nil
}

// SetStakePot overwrites the native dispute-stake pot for a seller's instance.
func (m *Manager) SetStakePot(seller [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("state: stake pot must be non-negative")
	}
	return m.KVPut(stakePotKey(seller), amount)
}

// InstancePut registers a seller's instance and records it in the instance
// index.
func (m *Manager) InstancePut(instance *escrow.Instance) error {
	if instance == nil {
		return fmt.Errorf("state: nil instance")
	}
	stored := &storedInstance{
		Seller:    instance.Seller,
		Vault:     instance.Vault,
		CreatedAt: uint64(instance.CreatedAt),
	}
	if err := m.KVPut(instanceKey(instance.Seller), stored); err != nil {
		return err
	}
	return m.KVAppend(instanceIndexKey, instance.Seller[:])
}

// InstanceGet loads the instance registered for a seller. The boolean reports
// presence.
func (m *Manager) InstanceGet(seller [20]byte) (*escrow.Instance, bool, error) {
	stored := new(storedInstance)
	ok, err := m.KVGet(instanceKey(seller), stored)
	if err != nil || !ok {
		return nil, false, err
	}
	return &escrow.Instance{
		Seller:    stored.Seller,
		Vault:     stored.Vault,
		CreatedAt: int64(stored.CreatedAt),
	}, true, nil
}

// InstanceList returns the sellers with registered instances in registration
// order.
func (m *Manager) InstanceList() ([][20]byte, error) {
	var raw [][]byte
	if err := m.KVGetList(instanceIndexKey, &raw); err != nil {
		return nil, err
	}
	out := make([][20]byte, 0, len(raw))
	for _, entry := range raw {
		if len(entry) != 20 {
			return nil, fmt.Errorf("state: malformed instance index entry of %d bytes", len(entry))
		}
		var seller [20]byte
		copy(seller[:], entry)
		out = append(out, seller)
	}
	return out, nil
}

// CredentialSet grants or revokes membership in the fee-discount credential
// registry.
func (m *Manager) CredentialSet(holder [20]byte, held bool) error {
	if !held {
		return m.KVDelete(credentialKey(holder))
	}
	return m.KVPut(credentialKey(holder), true)
}

// CredentialHas reports whether the holder carries the fee-discount
// credential.
func (m *Manager) CredentialHas(holder [20]byte) (bool, error) {
	var held bool
	ok, err := m.KVGet(credentialKey(holder), &held)
	if err != nil || !ok {
		return false, err
	}
	return held, nil
}

// TradePolicy loads the installed factory policy through the parameter store.
func (m *Manager) TradePolicy() (*escrow.Policy, bool, error) {
	return params.NewStore(m).TradePolicy()
}

// SetTradePolicy installs or replaces the factory policy.
func (m *Manager) SetTradePolicy(policy *escrow.Policy) error {
	return params.NewStore(m).SetTradePolicy(policy)
}

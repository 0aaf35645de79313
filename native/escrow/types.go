package escrow

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
)

const (
	// SellerCancelDisabled is the sentinel stored in SellerCanCancelAfter once
	// the buyer reports payment. The value is permanently below any reachable
	// deadline, so the latch can never be cleared by time passing.
	SellerCancelDisabled int64 = 1

	// MinWaitingTime and MaxWaitingTime bound the seller-cancel window, in
	// seconds, accepted at trade creation.
	MinWaitingTime int64 = 15 * 60
	MaxWaitingTime int64 = 24 * 60 * 60
)

// IsNativeAsset reports whether the asset address denotes the native coin.
func IsNativeAsset(asset [20]byte) bool {
	return asset == [20]byte{}
}

// TradeTerms is the caller-supplied tuple that fully determines a trade
// identity. Every lifecycle operation re-derives the identifier from these
// fields, so any altered argument resolves to a different (absent) record.
type TradeTerms struct {
	OrderID [32]byte
	Seller  [20]byte
	Buyer   [20]byte
	Asset   [20]byte
	Amount  *big.Int
}

// Clone returns a deep copy of the terms so engine internals never alias the
// caller's amount.
func (t TradeTerms) Clone() TradeTerms {
	clone := t
	if t.Amount != nil {
		clone.Amount = new(big.Int).Set(t.Amount)
	} else {
		clone.Amount = big.NewInt(0)
	}
	return clone
}

// Trade captures the persisted record of one open trade. The record exists
// only between creation and settlement; settlement deletes it before any funds
// move, so a re-entrant lookup observes the trade as already gone.
type Trade struct {
	ID                   [32]byte
	OrderID              [32]byte
	Seller               [20]byte
	Buyer                [20]byte
	Asset                [20]byte
	Amount               *big.Int
	Fee                  *big.Int
	ProtocolFee          *big.Int
	Partner              [20]byte
	SellerCanCancelAfter int64
	Disputed             bool
	Automatic            bool
	CreatedAt            int64
}

// Clone returns a deep copy of the trade object so callers can safely mutate
// the copy without affecting the stored record.
func (t *Trade) Clone() *Trade {
	if t == nil {
		return nil
	}
	clone := *t
	clone.Amount = cloneBigInt(t.Amount)
	clone.Fee = cloneBigInt(t.Fee)
	clone.ProtocolFee = cloneBigInt(t.ProtocolFee)
	return &clone
}

// Paid reports whether the buyer has latched the payment flag.
func (t *Trade) Paid() bool {
	return t != nil && t.SellerCanCancelAfter == SellerCancelDisabled
}

// Terms reconstructs the identity tuple from the stored record.
func (t *Trade) Terms() TradeTerms {
	if t == nil {
		return TradeTerms{Amount: big.NewInt(0)}
	}
	return TradeTerms{
		OrderID: t.OrderID,
		Seller:  t.Seller,
		Buyer:   t.Buyer,
		Asset:   t.Asset,
		Amount:  cloneBigInt(t.Amount),
	}
}

// FundingRequirement is the amount a seller must provide at creation: the
// principal plus the frozen fee.
func (t *Trade) FundingRequirement() *big.Int {
	total := cloneBigInt(t.Amount)
	return total.Add(total, cloneBigInt(t.Fee))
}

// Instance is the registry entry for one seller's escrow vault.
type Instance struct {
	Seller    [20]byte
	Vault     [20]byte
	CreatedAt int64
}

// Clone returns a copy of the instance record.
func (i *Instance) Clone() *Instance {
	if i == nil {
		return nil
	}
	clone := *i
	return &clone
}

// Policy is the factory-wide configuration shared by all instances. Instances
// read it through a read-only view at call time; the fee frozen into each
// trade record at creation is what makes rate changes prospective-only.
type Policy struct {
	Version            uint64            `json:"version"`
	Owner              [20]byte          `json:"owner"`
	Arbitrator         [20]byte          `json:"arbitrator"`
	FeeRecipient       [20]byte          `json:"feeRecipient"`
	ProtocolFeeBps     uint32            `json:"protocolFeeBps"`
	DisputeStake       *big.Int          `json:"disputeStake"`
	DiscountCredential [20]byte          `json:"discountCredential"`
	Paused             bool              `json:"paused"`
	Partners           map[string]uint32 `json:"partners,omitempty"`
}

// Clone returns a deep copy of the policy to avoid aliasing the partner map
// between callers.
func (p *Policy) Clone() *Policy {
	if p == nil {
		return nil
	}
	clone := *p
	clone.DisputeStake = cloneBigInt(p.DisputeStake)
	clone.Partners = make(map[string]uint32, len(p.Partners))
	for addr, bps := range p.Partners {
		clone.Partners[normalizePartnerKey(addr)] = bps
	}
	return &clone
}

// PartnerBps resolves the additive partner rate for the supplied address. The
// zero address and unlisted partners carry no fee.
func (p *Policy) PartnerBps(partner [20]byte) uint32 {
	if p == nil || partner == ([20]byte{}) || len(p.Partners) == 0 {
		return 0
	}
	return p.Partners[partnerKey(partner)]
}

// SetPartnerBps installs or updates a partner rate. A zero rate removes the
// table entry to keep the persisted policy minimal.
func (p *Policy) SetPartnerBps(partner [20]byte, bps uint32) {
	if p == nil {
		return
	}
	if p.Partners == nil {
		p.Partners = make(map[string]uint32)
	}
	key := partnerKey(partner)
	if bps == 0 {
		delete(p.Partners, key)
		return
	}
	p.Partners[key] = bps
}

func partnerKey(partner [20]byte) string {
	return hex.EncodeToString(partner[:])
}

func normalizePartnerKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

// SanitizePolicy validates and normalises a policy, returning a cloned
// instance with canonical partner keys and a non-nil dispute stake. The
// function does not mutate the original value.
func SanitizePolicy(p *Policy) (*Policy, error) {
	if p == nil {
		return nil, fmt.Errorf("nil policy")
	}
	clone := p.Clone()
	if clone.Owner == ([20]byte{}) {
		return nil, fmt.Errorf("policy owner must be set")
	}
	if clone.Arbitrator == ([20]byte{}) {
		return nil, fmt.Errorf("policy arbitrator must be set")
	}
	if clone.FeeRecipient == ([20]byte{}) {
		return nil, fmt.Errorf("policy fee recipient must be set")
	}
	if clone.ProtocolFeeBps > 10_000 {
		return nil, fmt.Errorf("policy protocol fee bps out of range: %d", clone.ProtocolFeeBps)
	}
	if clone.DisputeStake.Sign() < 0 {
		return nil, fmt.Errorf("policy dispute stake must be non-negative")
	}
	for key, bps := range clone.Partners {
		if bps > 10_000 {
			return nil, fmt.Errorf("partner fee bps out of range for %s: %d", key, bps)
		}
		raw, err := hex.DecodeString(key)
		if err != nil || len(raw) != 20 {
			return nil, fmt.Errorf("invalid partner address key %q", key)
		}
	}
	return clone, nil
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

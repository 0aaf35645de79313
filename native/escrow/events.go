package escrow

import (
	"encoding/hex"
	"math/big"
	"strconv"

	"peervault/core/types"
)

const (
	EventTypeTradeCreated         = "trade.created"
	EventTypeTradeReleased        = "trade.released"
	EventTypeBuyerCancelled       = "trade.cancelled_by_buyer"
	EventTypeSellerCancelled      = "trade.cancelled_by_seller"
	EventTypeSellerCancelDisabled = "trade.seller_cancel_disabled"
	EventTypeDisputeOpened        = "trade.dispute_opened"
	EventTypeDisputeResolved      = "trade.dispute_resolved"
	EventTypeDepositReceived      = "trade.deposit_received"
	EventTypeWithdrawal           = "trade.withdrawal"
	EventTypeInstanceDeployed     = "trade.instance_deployed"
	EventTypePolicyUpdated        = "trade.policy_updated"
)

// NewTradeCreatedEvent returns the canonical event payload for a newly
// created trade.
func NewTradeCreatedEvent(t *Trade) *types.Event {
	return newTradeEvent(EventTypeTradeCreated, t)
}

// NewTradeReleasedEvent returns the payload emitted when the seller releases
// the principal to the buyer.
func NewTradeReleasedEvent(t *Trade) *types.Event {
	return newTradeEvent(EventTypeTradeReleased, t)
}

// NewBuyerCancelledEvent returns the payload emitted when the buyer concedes
// the trade back to the seller.
func NewBuyerCancelledEvent(t *Trade) *types.Event {
	return newTradeEvent(EventTypeBuyerCancelled, t)
}

// NewSellerCancelledEvent returns the payload emitted when the seller reclaims
// an expired trade.
func NewSellerCancelledEvent(t *Trade) *types.Event {
	return newTradeEvent(EventTypeSellerCancelled, t)
}

// NewSellerCancelDisabledEvent returns the payload emitted when the buyer
// reports payment and latches the seller's cancel path shut.
func NewSellerCancelDisabledEvent(t *Trade) *types.Event {
	return newTradeEvent(EventTypeSellerCancelDisabled, t)
}

// NewDisputeOpenedEvent returns the payload emitted when a trade party posts
// a dispute stake.
func NewDisputeOpenedEvent(t *Trade, party [20]byte) *types.Event {
	evt := newTradeEvent(EventTypeDisputeOpened, t)
	evt.Attributes["party"] = hex.EncodeToString(party[:])
	return evt
}

// NewDisputeResolvedEvent returns the payload emitted when the arbitrator
// settles a disputed trade.
func NewDisputeResolvedEvent(t *Trade, winner [20]byte) *types.Event {
	evt := newTradeEvent(EventTypeDisputeResolved, t)
	evt.Attributes["winner"] = hex.EncodeToString(winner[:])
	return evt
}

// NewDepositEvent returns the payload emitted when a depositor tops up a
// seller's vault.
func NewDepositEvent(seller, asset [20]byte, amount *big.Int) *types.Event {
	return newBalanceEvent(EventTypeDepositReceived, seller, asset, amount)
}

// NewWithdrawalEvent returns the payload emitted when the seller withdraws
// free balance from the vault.
func NewWithdrawalEvent(seller, asset [20]byte, amount *big.Int) *types.Event {
	return newBalanceEvent(EventTypeWithdrawal, seller, asset, amount)
}

// NewInstanceDeployedEvent returns the payload emitted when a seller's
// settlement instance is provisioned.
func NewInstanceDeployedEvent(inst *Instance) *types.Event {
	attrs := make(map[string]string)
	if inst != nil {
		attrs["seller"] = hex.EncodeToString(inst.Seller[:])
		attrs["vault"] = hex.EncodeToString(inst.Vault[:])
		attrs["createdAt"] = strconv.FormatInt(inst.CreatedAt, 10)
	}
	return &types.Event{Type: EventTypeInstanceDeployed, Attributes: attrs}
}

// NewPolicyUpdatedEvent returns the payload emitted when governance changes a
// policy field. The field attribute names which knob moved.
func NewPolicyUpdatedEvent(p *Policy, field string) *types.Event {
	attrs := make(map[string]string)
	attrs["field"] = field
	if p != nil {
		attrs["version"] = strconv.FormatUint(p.Version, 10)
		attrs["owner"] = hex.EncodeToString(p.Owner[:])
		attrs["arbitrator"] = hex.EncodeToString(p.Arbitrator[:])
		attrs["feeRecipient"] = hex.EncodeToString(p.FeeRecipient[:])
		attrs["protocolFeeBps"] = strconv.FormatUint(uint64(p.ProtocolFeeBps), 10)
		if p.DisputeStake != nil {
			attrs["disputeStake"] = p.DisputeStake.String()
		}
		attrs["paused"] = strconv.FormatBool(p.Paused)
	}
	return &types.Event{Type: EventTypePolicyUpdated, Attributes: attrs}
}

func newTradeEvent(eventType string, t *Trade) *types.Event {
	attrs := make(map[string]string)
	if t == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["tradeId"] = hex.EncodeToString(t.ID[:])
	attrs["orderId"] = hex.EncodeToString(t.OrderID[:])
	attrs["seller"] = hex.EncodeToString(t.Seller[:])
	attrs["buyer"] = hex.EncodeToString(t.Buyer[:])
	attrs["asset"] = hex.EncodeToString(t.Asset[:])
	if t.Amount != nil {
		attrs["amount"] = t.Amount.String()
	}
	if t.Fee != nil {
		attrs["fee"] = t.Fee.String()
	}
	if t.Partner != ([20]byte{}) {
		attrs["partner"] = hex.EncodeToString(t.Partner[:])
	}
	attrs["automatic"] = strconv.FormatBool(t.Automatic)
	attrs["disputed"] = strconv.FormatBool(t.Disputed)
	attrs["createdAt"] = strconv.FormatInt(t.CreatedAt, 10)
	return &types.Event{Type: eventType, Attributes: attrs}
}

func newBalanceEvent(eventType string, seller, asset [20]byte, amount *big.Int) *types.Event {
	attrs := make(map[string]string)
	attrs["seller"] = hex.EncodeToString(seller[:])
	attrs["asset"] = hex.EncodeToString(asset[:])
	if amount != nil {
		attrs["amount"] = amount.String()
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}

package fees

import (
	"fmt"
	"math/big"
)

// BpsDenominator is the basis-point scale: 10_000 bps equals 100%.
const BpsDenominator = 10_000

// MaxBps caps any configured rate at 100%.
const MaxBps = 10_000

// QuoteInput captures the context required to price a trade at creation time.
// DiscountApplied reflects a credential check already performed by the caller;
// when set the protocol share is waived entirely while any partner rate still
// applies.
type QuoteInput struct {
	Principal       *big.Int
	ProtocolBps     uint32
	PartnerBps      uint32
	DiscountApplied bool
}

// Quote summarises the fee breakdown frozen into a trade record. Total is the
// floor of principal × (protocol + partner) bps; Protocol is the floor of the
// protocol portion alone; Partner absorbs the rounding difference.
type Quote struct {
	Total           *big.Int
	Protocol        *big.Int
	Partner         *big.Int
	ProtocolBps     uint32
	PartnerBps      uint32
	DiscountApplied bool
}

// Calculate prices the supplied principal. There is no minimum fee: small
// principals legitimately floor to zero.
func Calculate(input QuoteInput) (Quote, error) {
	quote := Quote{
		Total:           big.NewInt(0),
		Protocol:        big.NewInt(0),
		Partner:         big.NewInt(0),
		PartnerBps:      input.PartnerBps,
		DiscountApplied: input.DiscountApplied,
	}
	if input.Principal == nil || input.Principal.Sign() < 0 {
		return Quote{}, fmt.Errorf("fees: principal must be a non-negative integer")
	}
	if input.ProtocolBps > MaxBps {
		return Quote{}, fmt.Errorf("fees: protocol bps out of range: %d", input.ProtocolBps)
	}
	if input.PartnerBps > MaxBps {
		return Quote{}, fmt.Errorf("fees: partner bps out of range: %d", input.PartnerBps)
	}
	protocolBps := input.ProtocolBps
	if input.DiscountApplied {
		protocolBps = 0
	}
	quote.ProtocolBps = protocolBps
	totalBps := uint64(protocolBps) + uint64(input.PartnerBps)
	if totalBps > MaxBps {
		return Quote{}, fmt.Errorf("fees: combined bps out of range: %d", totalBps)
	}
	if totalBps == 0 || input.Principal.Sign() == 0 {
		return quote, nil
	}
	quote.Total = Floor(input.Principal, uint32(totalBps))
	quote.Protocol = Floor(input.Principal, protocolBps)
	quote.Partner = new(big.Int).Sub(quote.Total, quote.Protocol)
	return quote, nil
}

// Floor computes principal × bps / BpsDenominator with integer floor division.
func Floor(principal *big.Int, bps uint32) *big.Int {
	if principal == nil || principal.Sign() <= 0 || bps == 0 {
		return big.NewInt(0)
	}
	fee := new(big.Int).Mul(principal, new(big.Int).SetUint64(uint64(bps)))
	return fee.Div(fee, big.NewInt(BpsDenominator))
}

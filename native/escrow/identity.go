package escrow

import (
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// instanceSalt prefixes the vault derivation so instance addresses can never
// collide with trade identifiers or externally held accounts.
var instanceSalt = []byte("peervault/instance/")

// ComputeTradeID derives the deterministic trade identifier from the terms
// tuple. Each field is packed at fixed width, orderID (32 bytes) then seller,
// buyer and asset (20 bytes each) then the amount as a 32-byte big-endian
// word, so no two distinct tuples share an encoding. The amount must fit in
// 256 bits.
func ComputeTradeID(terms TradeTerms) ([32]byte, error) {
	if terms.Amount == nil || terms.Amount.Sign() < 0 {
		return [32]byte{}, fmt.Errorf("%w: amount must be a non-negative integer", ErrInvalidArgument)
	}
	packed, overflow := uint256.FromBig(terms.Amount)
	if overflow {
		return [32]byte{}, fmt.Errorf("%w: amount exceeds 256 bits", ErrInvalidArgument)
	}
	word := packed.Bytes32()
	return ethcrypto.Keccak256Hash(
		terms.OrderID[:],
		terms.Seller[:],
		terms.Buyer[:],
		terms.Asset[:],
		word[:],
	), nil
}

// VaultAddress derives the deterministic vault account for a seller's
// instance: the low 20 bytes of keccak256 over a domain-separated preimage.
// Re-deploying for the same seller therefore always lands on the same vault.
func VaultAddress(seller [20]byte) [20]byte {
	digest := ethcrypto.Keccak256(instanceSalt, seller[:])
	var vault [20]byte
	copy(vault[:], digest[12:])
	return vault
}

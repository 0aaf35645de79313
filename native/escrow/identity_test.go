package escrow

import (
	"bytes"
	"errors"
	"math/big"
	"testing"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

func TestComputeTradeIDPacksFixedWidth(t *testing.T) {
	terms := testTerms(newTestAddress(0x01), newTestAddress(0x02), 1000)
	terms.Asset = newTestAddress(0xEE)

	id, err := ComputeTradeID(terms)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}

	word := make([]byte, 32)
	terms.Amount.FillBytes(word)
	preimage := make([]byte, 0, 32+20+20+20+32)
	preimage = append(preimage, terms.OrderID[:]...)
	preimage = append(preimage, terms.Seller[:]...)
	preimage = append(preimage, terms.Buyer[:]...)
	preimage = append(preimage, terms.Asset[:]...)
	preimage = append(preimage, word...)
	if want := ethcrypto.Keccak256(preimage); !bytes.Equal(id[:], want) {
		t.Fatalf("id %x does not match keccak over packed fields %x", id, want)
	}
}

func TestComputeTradeIDSensitiveToEveryField(t *testing.T) {
	base := testTerms(newTestAddress(0x01), newTestAddress(0x02), 1000)
	baseID := mustTradeID(t, base)

	variants := map[string]func(*TradeTerms){
		"order id": func(tt *TradeTerms) { tt.OrderID[31] ^= 0x01 },
		"seller":   func(tt *TradeTerms) { tt.Seller = newTestAddress(0x05) },
		"buyer":    func(tt *TradeTerms) { tt.Buyer = newTestAddress(0x06) },
		"asset":    func(tt *TradeTerms) { tt.Asset = newTestAddress(0x07) },
		"amount":   func(tt *TradeTerms) { tt.Amount = big.NewInt(1001) },
	}

	seen := map[[32]byte]string{baseID: "base"}
	for name, mutate := range variants {
		terms := base.Clone()
		mutate(&terms)
		id := mustTradeID(t, terms)
		if id == baseID {
			t.Fatalf("%s change did not alter the id", name)
		}
		if prior, dup := seen[id]; dup {
			t.Fatalf("%s collides with %s", name, prior)
		}
		seen[id] = name
	}
}

func TestComputeTradeIDAmountBounds(t *testing.T) {
	terms := testTerms(newTestAddress(0x01), newTestAddress(0x02), 1000)

	terms.Amount = nil
	if _, err := ComputeTradeID(terms); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for nil amount, got %v", err)
	}

	terms.Amount = big.NewInt(-1)
	if _, err := ComputeTradeID(terms); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for negative amount, got %v", err)
	}

	// The largest representable word is accepted; one past it overflows.
	maxWord := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	terms.Amount = maxWord
	if _, err := ComputeTradeID(terms); err != nil {
		t.Fatalf("max word rejected: %v", err)
	}
	terms.Amount = new(big.Int).Lsh(big.NewInt(1), 256)
	if _, err := ComputeTradeID(terms); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument past 256 bits, got %v", err)
	}
}

func TestVaultAddressDerivation(t *testing.T) {
	seller := newTestAddress(0x01)
	first := VaultAddress(seller)
	if first == ([20]byte{}) {
		t.Fatalf("vault derivation produced the zero address")
	}
	if second := VaultAddress(seller); second != first {
		t.Fatalf("derivation is not deterministic")
	}
	if other := VaultAddress(newTestAddress(0x02)); other == first {
		t.Fatalf("distinct sellers share a vault")
	}
	if first == seller {
		t.Fatalf("vault must not equal the seller address")
	}
}

package config

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"peervault/core"
	"peervault/crypto"
	"peervault/native/escrow"
)

// CoreGenesis converts the [policy] and [genesis] blocks into the node's boot
// state. A config without a policy owner yields a genesis with no policy
// seed, which suits read-only tooling but cannot deploy trade instances.
func (c *Config) CoreGenesis() (core.Genesis, error) {
	genesis := core.Genesis{Network: strings.TrimSpace(c.NetworkName)}

	if strings.TrimSpace(c.Policy.Owner) != "" {
		policy, err := c.policySeed()
		if err != nil {
			return core.Genesis{}, err
		}
		genesis.Policy = policy
		for i, holder := range c.Policy.Credentials {
			addr, err := decodeConfigAddress(holder)
			if err != nil {
				return core.Genesis{}, fmt.Errorf("config: policy credential %d: %w", i, err)
			}
			genesis.Credentials = append(genesis.Credentials, addr)
		}
	}

	for i, alloc := range c.Genesis.Allocations {
		address, err := decodeConfigAddress(alloc.Address)
		if err != nil {
			return core.Genesis{}, fmt.Errorf("config: allocation %d address: %w", i, err)
		}
		token, err := decodeConfigToken(alloc.Token)
		if err != nil {
			return core.Genesis{}, fmt.Errorf("config: allocation %d token: %w", i, err)
		}
		amount, err := parseAmount(alloc.Amount)
		if err != nil {
			return core.Genesis{}, fmt.Errorf("config: allocation %d amount: %w", i, err)
		}
		genesis.Allocations = append(genesis.Allocations, core.GenesisAlloc{
			Address: address,
			Token:   token,
			Amount:  amount,
		})
	}

	return genesis, nil
}

// policySeed builds the initial trade policy and runs it through the same
// sanitiser the factory applies, so a bad seed fails at config time instead
// of first boot.
func (c *Config) policySeed() (*escrow.Policy, error) {
	owner, err := decodeConfigAddress(c.Policy.Owner)
	if err != nil {
		return nil, fmt.Errorf("config: policy owner: %w", err)
	}
	arbitrator, err := decodeConfigAddress(c.Policy.Arbitrator)
	if err != nil {
		return nil, fmt.Errorf("config: policy arbitrator: %w", err)
	}
	feeRecipient, err := decodeConfigAddress(c.Policy.FeeRecipient)
	if err != nil {
		return nil, fmt.Errorf("config: policy fee recipient: %w", err)
	}
	stake, err := parseAmount(c.Policy.DisputeStake)
	if err != nil {
		return nil, fmt.Errorf("config: policy dispute stake: %w", err)
	}

	policy := &escrow.Policy{
		Owner:          owner,
		Arbitrator:     arbitrator,
		FeeRecipient:   feeRecipient,
		ProtocolFeeBps: c.Policy.ProtocolFeeBps,
		DisputeStake:   stake,
	}
	if trimmed := strings.TrimSpace(c.Policy.DiscountCredential); trimmed != "" {
		credential, err := decodeConfigAddress(trimmed)
		if err != nil {
			return nil, fmt.Errorf("config: policy discount credential: %w", err)
		}
		policy.DiscountCredential = credential
	}
	for i, partner := range c.Policy.Partners {
		addr, err := decodeConfigAddress(partner.Address)
		if err != nil {
			return nil, fmt.Errorf("config: policy partner %d: %w", i, err)
		}
		if existing := policy.PartnerBps(addr); existing != 0 {
			return nil, fmt.Errorf("config: policy partner %d: duplicate entry for %s", i, strings.TrimSpace(partner.Address))
		}
		policy.SetPartnerBps(addr, partner.Bps)
	}

	return escrow.SanitizePolicy(policy)
}

func decodeConfigAddress(value string) ([20]byte, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return [20]byte{}, fmt.Errorf("address required")
	}
	addr, err := crypto.DecodeAddress(trimmed)
	if err != nil {
		return [20]byte{}, err
	}
	return addr.Raw(), nil
}

// decodeConfigToken parses the asset column of an allocation: empty or
// "native" selects the native coin, otherwise a 0x-prefixed 20-byte hex
// token address.
func decodeConfigToken(value string) ([20]byte, error) {
	var out [20]byte
	trimmed := strings.TrimSpace(value)
	if trimmed == "" || strings.EqualFold(trimmed, "native") {
		return out, nil
	}
	cleaned := strings.TrimPrefix(strings.TrimPrefix(trimmed, "0x"), "0X")
	if len(cleaned) != 40 {
		return out, fmt.Errorf("token must be a 20-byte hex address")
	}
	decoded, err := hex.DecodeString(cleaned)
	if err != nil {
		return out, err
	}
	copy(out[:], decoded)
	return out, nil
}

func parseAmount(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid decimal amount %q", trimmed)
	}
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("amount must not be negative")
	}
	return amount, nil
}

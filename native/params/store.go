package params

import (
	"bytes"
	"encoding/json"
	"fmt"

	"peervault/native/escrow"
)

// StoreState captures the subset of state manager capabilities required by the
// parameter helpers.
type StoreState interface {
	ParamStoreSet(name string, value []byte) error
	ParamStoreGet(name string) ([]byte, bool, error)
}

// Store provides typed accessors for owner-controlled parameters.
type Store struct {
	state StoreState
}

// NewStore constructs a parameter store wrapper using the supplied state
// backend.
func NewStore(state StoreState) *Store {
	return &Store{state: state}
}

func (s *Store) withState() (StoreState, error) {
	if s == nil || s.state == nil {
		return nil, fmt.Errorf("params: state not configured")
	}
	return s.state, nil
}

// SetTradePolicy persists the supplied trade policy under the canonical
// parameter store key. Values are marshalled as JSON to align with admin
// tooling payloads.
func (s *Store) SetTradePolicy(policy *escrow.Policy) error {
	state, err := s.withState()
	if err != nil {
		return err
	}
	sanitized, err := escrow.SanitizePolicy(policy)
	if err != nil {
		return fmt.Errorf("params: invalid trade policy: %w", err)
	}
	encoded, err := json.Marshal(sanitized)
	if err != nil {
		return fmt.Errorf("params: encode trade policy: %w", err)
	}
	return state.ParamStoreSet(KeyTradePolicy, encoded)
}

// TradePolicy loads the persisted trade policy. The boolean reports whether a
// policy has been installed.
func (s *Store) TradePolicy() (*escrow.Policy, bool, error) {
	state, err := s.withState()
	if err != nil {
		return nil, false, err
	}
	raw, ok, err := state.ParamStoreGet(KeyTradePolicy)
	if err != nil {
		return nil, false, err
	}
	if !ok || len(bytes.TrimSpace(raw)) == 0 {
		return nil, false, nil
	}
	policy := new(escrow.Policy)
	if err := json.Unmarshal(raw, policy); err != nil {
		return nil, false, fmt.Errorf("params: decode trade policy: %w", err)
	}
	return policy, true, nil
}

package escrow

import (
	"fmt"
	"math/big"
	"time"

	"peervault/core/events"
	"peervault/core/types"
	nativecommon "peervault/native/common"
	"peervault/native/fees"
)

// factoryState captures the state manager capabilities needed for instance
// provisioning and policy governance.
type factoryState interface {
	InstancePut(*Instance) error
	InstanceGet(seller [20]byte) (*Instance, bool, error)
	InstanceList() ([][20]byte, error)
	TradePolicy() (*Policy, bool, error)
	SetTradePolicy(*Policy) error
	CredentialSet(holder [20]byte, held bool) error
	CredentialHas(holder [20]byte) (bool, error)
}

// Factory provisions per-seller escrow instances and administers the shared
// policy. Policy mutations are owner-only and take effect for subsequent
// operations; fees already frozen into open trades are untouched.
type Factory struct {
	state   factoryState
	emitter events.Emitter
	pauses  nativecommon.PauseView
	nowFn   func() int64
}

// NewFactory creates a factory with a no-op emitter and wall-clock time.
func NewFactory() *Factory {
	return &Factory{
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the factory state backend.
func (f *Factory) SetState(state factoryState) { f.state = state }

// SetEmitter configures the event emitter. Passing nil resets to a no-op
// implementation.
func (f *Factory) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		f.emitter = events.NoopEmitter{}
		return
	}
	f.emitter = emitter
}

// SetNowFunc overrides the time source. Passing nil resets to the wall clock.
func (f *Factory) SetNowFunc(now func() int64) {
	if now == nil {
		f.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	f.nowFn = now
}

// SetPauses wires the module pause view consulted when provisioning.
func (f *Factory) SetPauses(pauses nativecommon.PauseView) { f.pauses = pauses }

func (f *Factory) emit(event *types.Event) {
	if f == nil || f.emitter == nil || event == nil {
		return
	}
	f.emitter.Emit(tradeEvent{evt: event})
}

func (f *Factory) now() int64 {
	if f == nil || f.nowFn == nil {
		return time.Now().Unix()
	}
	return f.nowFn()
}

func (f *Factory) loadPolicy() (*Policy, error) {
	policy, ok, err := f.state.TradePolicy()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errNilPolicy
	}
	return policy, nil
}

func (f *Factory) requireOwner(caller [20]byte) (*Policy, error) {
	policy, err := f.loadPolicy()
	if err != nil {
		return nil, err
	}
	if caller != policy.Owner {
		return nil, fmt.Errorf("%w: only the policy owner may administer the factory", ErrUnauthorized)
	}
	return policy, nil
}

// storePolicy bumps the policy version, persists it and emits the update
// event naming the changed field.
func (f *Factory) storePolicy(policy *Policy, field string) error {
	policy.Version++
	if err := f.state.SetTradePolicy(policy); err != nil {
		return err
	}
	f.emit(NewPolicyUpdatedEvent(policy, field))
	return nil
}

// Deploy provisions the caller's escrow instance, deriving its vault address
// from the seller address alone. Deploying twice returns the existing
// instance unchanged, so retried submissions are harmless.
func (f *Factory) Deploy(caller [20]byte) (*Instance, error) {
	if f == nil || f.state == nil {
		return nil, errNilFactory
	}
	if err := nativecommon.Guard(f.pauses, nativecommon.ModuleTrade); err != nil {
		return nil, err
	}
	if caller == ([20]byte{}) {
		return nil, fmt.Errorf("%w: seller must be set", ErrInvalidArgument)
	}
	if existing, ok, err := f.state.InstanceGet(caller); err != nil {
		return nil, err
	} else if ok {
		return existing.Clone(), nil
	}
	instance := &Instance{
		Seller:    caller,
		Vault:     VaultAddress(caller),
		CreatedAt: f.now(),
	}
	if err := f.state.InstancePut(instance); err != nil {
		return nil, err
	}
	f.emit(NewInstanceDeployedEvent(instance))
	return instance.Clone(), nil
}

// Instance returns the registry entry for the supplied seller.
func (f *Factory) Instance(seller [20]byte) (*Instance, error) {
	if f == nil || f.state == nil {
		return nil, errNilFactory
	}
	instance, ok, err := f.state.InstanceGet(seller)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: no instance deployed for seller", ErrNotFound)
	}
	return instance.Clone(), nil
}

// Instances lists every seller with a deployed instance.
func (f *Factory) Instances() ([][20]byte, error) {
	if f == nil || f.state == nil {
		return nil, errNilFactory
	}
	return f.state.InstanceList()
}

// Policy returns a copy of the current shared policy.
func (f *Factory) Policy() (*Policy, error) {
	if f == nil || f.state == nil {
		return nil, errNilFactory
	}
	policy, err := f.loadPolicy()
	if err != nil {
		return nil, err
	}
	return policy.Clone(), nil
}

// InstallPolicy seeds the initial policy. It refuses to run once a policy
// exists; later changes go through the owner-gated setters.
func (f *Factory) InstallPolicy(policy *Policy) error {
	if f == nil || f.state == nil {
		return errNilFactory
	}
	if _, ok, err := f.state.TradePolicy(); err != nil {
		return err
	} else if ok {
		return fmt.Errorf("%w: policy already installed", ErrInvalidState)
	}
	sanitized, err := SanitizePolicy(policy)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	sanitized.Version = 1
	return f.state.SetTradePolicy(sanitized)
}

// SetOwner hands factory governance to a new owner address.
func (f *Factory) SetOwner(caller, owner [20]byte) error {
	if f == nil || f.state == nil {
		return errNilFactory
	}
	policy, err := f.requireOwner(caller)
	if err != nil {
		return err
	}
	if owner == ([20]byte{}) {
		return fmt.Errorf("%w: owner must be set", ErrInvalidArgument)
	}
	policy.Owner = owner
	return f.storePolicy(policy, "owner")
}

// SetArbitrator changes the address empowered to resolve disputes.
func (f *Factory) SetArbitrator(caller, arbitrator [20]byte) error {
	if f == nil || f.state == nil {
		return errNilFactory
	}
	policy, err := f.requireOwner(caller)
	if err != nil {
		return err
	}
	if arbitrator == ([20]byte{}) {
		return fmt.Errorf("%w: arbitrator must be set", ErrInvalidArgument)
	}
	policy.Arbitrator = arbitrator
	return f.storePolicy(policy, "arbitrator")
}

// SetFeeRecipient changes where protocol fees and forfeited stakes land.
func (f *Factory) SetFeeRecipient(caller, recipient [20]byte) error {
	if f == nil || f.state == nil {
		return errNilFactory
	}
	policy, err := f.requireOwner(caller)
	if err != nil {
		return err
	}
	if recipient == ([20]byte{}) {
		return fmt.Errorf("%w: fee recipient must be set", ErrInvalidArgument)
	}
	policy.FeeRecipient = recipient
	return f.storePolicy(policy, "feeRecipient")
}

// SetProtocolFeeBps changes the protocol rate applied to trades created from
// now on.
func (f *Factory) SetProtocolFeeBps(caller [20]byte, bps uint32) error {
	if f == nil || f.state == nil {
		return errNilFactory
	}
	policy, err := f.requireOwner(caller)
	if err != nil {
		return err
	}
	if bps > fees.MaxBps {
		return fmt.Errorf("%w: protocol fee %d exceeds %d bps", ErrInvalidArgument, bps, fees.MaxBps)
	}
	policy.ProtocolFeeBps = bps
	return f.storePolicy(policy, "protocolFeeBps")
}

// SetPartnerFee installs, updates or removes a partner's additive rate. A
// zero rate removes the table entry.
func (f *Factory) SetPartnerFee(caller, partner [20]byte, bps uint32) error {
	if f == nil || f.state == nil {
		return errNilFactory
	}
	policy, err := f.requireOwner(caller)
	if err != nil {
		return err
	}
	if partner == ([20]byte{}) {
		return fmt.Errorf("%w: partner must be set", ErrInvalidArgument)
	}
	if bps > fees.MaxBps {
		return fmt.Errorf("%w: partner fee %d exceeds %d bps", ErrInvalidArgument, bps, fees.MaxBps)
	}
	policy.SetPartnerBps(partner, bps)
	return f.storePolicy(policy, "partnerFee")
}

// SetDiscountCredential changes the credential that grants a full protocol
// fee discount. The zero address disables the discount entirely.
func (f *Factory) SetDiscountCredential(caller, credential [20]byte) error {
	if f == nil || f.state == nil {
		return errNilFactory
	}
	policy, err := f.requireOwner(caller)
	if err != nil {
		return err
	}
	policy.DiscountCredential = credential
	return f.storePolicy(policy, "discountCredential")
}

// SetDisputeStake changes the exact native amount each party must attach to
// open a dispute.
func (f *Factory) SetDisputeStake(caller [20]byte, stake *big.Int) error {
	if f == nil || f.state == nil {
		return errNilFactory
	}
	policy, err := f.requireOwner(caller)
	if err != nil {
		return err
	}
	if stake == nil || stake.Sign() < 0 {
		return fmt.Errorf("%w: dispute stake must be non-negative", ErrInvalidArgument)
	}
	policy.DisputeStake = new(big.Int).Set(stake)
	return f.storePolicy(policy, "disputeStake")
}

// Pause stops instance provisioning and trade creation. Open trades continue
// through their full lifecycle while paused.
func (f *Factory) Pause(caller [20]byte) error {
	if f == nil || f.state == nil {
		return errNilFactory
	}
	policy, err := f.requireOwner(caller)
	if err != nil {
		return err
	}
	if policy.Paused {
		return nil
	}
	policy.Paused = true
	return f.storePolicy(policy, "paused")
}

// Resume reopens instance provisioning and trade creation.
func (f *Factory) Resume(caller [20]byte) error {
	if f == nil || f.state == nil {
		return errNilFactory
	}
	policy, err := f.requireOwner(caller)
	if err != nil {
		return err
	}
	if !policy.Paused {
		return nil
	}
	policy.Paused = false
	return f.storePolicy(policy, "paused")
}

// GrantCredential marks an address as holding the fee-discount credential.
func (f *Factory) GrantCredential(caller, holder [20]byte) error {
	if f == nil || f.state == nil {
		return errNilFactory
	}
	if _, err := f.requireOwner(caller); err != nil {
		return err
	}
	if holder == ([20]byte{}) {
		return fmt.Errorf("%w: holder must be set", ErrInvalidArgument)
	}
	return f.state.CredentialSet(holder, true)
}

// RevokeCredential clears an address from the credential registry.
func (f *Factory) RevokeCredential(caller, holder [20]byte) error {
	if f == nil || f.state == nil {
		return errNilFactory
	}
	if _, err := f.requireOwner(caller); err != nil {
		return err
	}
	return f.state.CredentialSet(holder, false)
}

// HasCredential reports registry membership for the supplied holder.
func (f *Factory) HasCredential(holder [20]byte) (bool, error) {
	if f == nil || f.state == nil {
		return false, errNilFactory
	}
	return f.state.CredentialHas(holder)
}

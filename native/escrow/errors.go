package escrow

import "errors"

// Failure kinds surfaced by the trade engine and factory. Callers classify
// errors with errors.Is; the RPC layer maps each kind to a stable error code.
var (
	// ErrInvalidArgument marks malformed or out-of-range inputs: zero or
	// oversized amounts, waiting times outside the allowed window, mismatched
	// attached funds, or an automatic reservation exceeding the free balance.
	ErrInvalidArgument = errors.New("escrow: invalid argument")

	// ErrNotFound marks operations that reference a trade or instance with no
	// record in state.
	ErrNotFound = errors.New("escrow: not found")

	// ErrUnauthorized marks callers acting outside their role (seller, buyer,
	// arbitrator or owner).
	ErrUnauthorized = errors.New("escrow: unauthorized")

	// ErrInvalidState marks operations disallowed by the current record shape:
	// duplicate creation, disputing before payment or twice from the same
	// party, or resolving with a non-party winner.
	ErrInvalidState = errors.New("escrow: invalid state")

	// ErrTransferFailure marks fund movements that could not be completed or
	// whose balance delta did not match the requested amount. Any transfer
	// failure aborts the surrounding operation with no state change.
	ErrTransferFailure = errors.New("escrow: transfer failure")
)

var (
	errNilState   = errors.New("trade engine: state not configured")
	errNilPolicy  = errors.New("trade engine: policy not configured")
	errNilFactory = errors.New("escrow factory: state not configured")
)

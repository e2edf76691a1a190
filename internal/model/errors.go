package model

import "errors"

// Protocol error taxonomy. Every core operation is all-or-nothing: any of
// these aborts the entire operation with no partial state change.
var (
	// ErrUnauthorized means the caller lacks the required role. This
	// indicates miswiring, not a transient failure.
	ErrUnauthorized = errors.New("perp: unauthorized caller")

	// ErrInvalidProof means the submitted ciphertext handles failed input
	// verification. The caller must regenerate the input client-side.
	ErrInvalidProof = errors.New("perp: invalid input proof")

	// ErrNotFound is returned for unknown asset, position, or account ids.
	ErrNotFound = errors.New("perp: not found")

	// ErrAssetNotTradeable gates trading on inactive assets.
	ErrAssetNotTradeable = errors.New("perp: asset not tradeable")

	// ErrCapacityExceeded means a pool reservation would breach the backing
	// invariant. Retryable after capital conditions change.
	ErrCapacityExceeded = errors.New("perp: pool capacity exceeded")

	// ErrAlreadyTerminal is returned for close/liquidate on a position that
	// is already Closed or Liquidated.
	ErrAlreadyTerminal = errors.New("perp: position already terminal")

	// ErrInsufficientBalance is returned when the encrypted balance check
	// shows the account cannot cover the requested collateral.
	ErrInsufficientBalance = errors.New("perp: insufficient balance")

	// ErrNotEligible is returned when a liquidation is attempted on a
	// position whose maintenance-margin condition does not hold.
	ErrNotEligible = errors.New("perp: position not eligible for liquidation")
)

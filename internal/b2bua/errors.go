package b2bua

import "errors"

// Sentinel error values wrapped with
// errors.New rather than a custom exception hierarchy, per design note
// "Exceptions as control flow": each entry point returns an outcome, and
// per-step REFER failures stay local instead of aborting the whole
// operation.
var (
	// ErrArgumentFault marks a null/empty send buffer or destination — a
	// programmer error that must be surfaced to the caller, never
	// swallowed.
	ErrArgumentFault = errors.New("b2bua: argument fault")

	// ErrNotFound marks a dialogue/opposite/replaces lookup miss. Callers
	// apply their own fallback policy (e.g. forward_in_dialogue falls
	// through to a dial-plan error event; call_hungup on an unbridged
	// dialogue warns and no-ops).
	ErrNotFound = errors.New("b2bua: not found")

	// ErrParseFault marks a malformed Refer-To or Replaces header.
	ErrParseFault = errors.New("b2bua: parse fault")

	// ErrAlreadyBridged marks an attempt to bridge a dialogue that
	// already carries a non-empty bridge id — create_bridge's
	// precondition.
	ErrAlreadyBridged = errors.New("b2bua: dialogue already bridged")

	// ErrNoEndpoint marks a next-hop resolution failure; this is
	// not an error response, it is a dial-plan error event and a drop.
	ErrNoEndpoint = errors.New("b2bua: no endpoint resolved")
)

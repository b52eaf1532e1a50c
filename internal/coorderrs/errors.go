// Package coorderrs enumerates the coordinator's error taxonomy (spec §7)
// as a closed set of sentinel-wrapped types, the way lnd's channeldb
// enumerates a fixed set of database errors in error.go. Callers match
// with errors.As / errors.Is instead of string comparison.
package coorderrs

import "fmt"

// InvariantViolation means a compare-and-set update affected zero rows,
// or a position/channel state pairing the DAG forbids. Fatal for the
// surrounding transaction; operator intervention is expected.
type InvariantViolation struct {
	Msg string
}

func (e *InvariantViolation) Error() string { return "invariant violation: " + e.Msg }

func NewInvariantViolation(format string, args ...any) error {
	return &InvariantViolation{Msg: fmt.Sprintf(format, args...)}
}

// ProtocolRejected means an offer was rejected, by us (policy, expiry) or
// by the peer. The affected order transitions to Failed, the protocol row
// to Failed, and no position is created.
type ProtocolRejected struct {
	Reason string
}

func (e *ProtocolRejected) Error() string { return "protocol rejected: " + e.Reason }

// CounterpartyMisbehaviour means duplicated or invalid message content;
// the router drops the message and logs. No state change results.
type CounterpartyMisbehaviour struct {
	Msg string
}

func (e *CounterpartyMisbehaviour) Error() string { return "counterparty misbehaviour: " + e.Msg }

// TransientTransport means the connection was lost while a protocol was
// mid-flight. The last outbound message is replayed on reconnect.
type TransientTransport struct {
	Cause error
}

func (e *TransientTransport) Error() string { return fmt.Sprintf("transient transport: %v", e.Cause) }
func (e *TransientTransport) Unwrap() error { return e.Cause }

// OracleUnavailable aborts the current executor call; any position
// created so far is left in Proposed for the recovery supervisor to
// reconcile on the next attempt.
type OracleUnavailable struct {
	Cause error
}

func (e *OracleUnavailable) Error() string { return fmt.Sprintf("oracle unavailable: %v", e.Cause) }
func (e *OracleUnavailable) Unwrap() error { return e.Cause }

// FeeRateUnavailable aborts the current executor call the same way as
// OracleUnavailable.
type FeeRateUnavailable struct {
	Cause error
}

func (e *FeeRateUnavailable) Error() string {
	return fmt.Sprintf("fee rate unavailable: %v", e.Cause)
}
func (e *FeeRateUnavailable) Unwrap() error { return e.Cause }

// InsufficientLiquidity means a market order could not be fully filled;
// the order goes to Failed and the trader is notified with NoMatchFound.
type InsufficientLiquidity struct {
	Requested, Matched string
}

func (e *InsufficientLiquidity) Error() string {
	return fmt.Sprintf("insufficient liquidity: requested %s, matched %s", e.Requested, e.Matched)
}

// ErrNoMatchFound is the taker-facing error for a market order that could
// not be filled in its entirety (no partial fills, spec §4.4).
var ErrNoMatchFound = fmt.Errorf("no match found")

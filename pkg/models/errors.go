package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Error taxonomy. These sentinels classify failures by kind; call sites
// wrap them with context via fmt.Errorf("…: %w", …).
var (
	// ErrAccessDenied — token validation failed. Fatal for the current
	// operation, not for the process.
	ErrAccessDenied = errors.New("access denied")

	// ErrInvalidInput — missing or malformed payload/path.
	ErrInvalidInput = errors.New("invalid input")

	// ErrInsufficientAtoms — a bonder lacks FANIN atoms per channel. This
	// is the normal waiting state, not a failure.
	ErrInsufficientAtoms = errors.New("insufficient atoms")

	// ErrValidatorRejected — the level contract rejected the batch.
	ErrValidatorRejected = errors.New("validator rejected")

	// ErrLedgerIO — persistence failure; retried with back-off.
	ErrLedgerIO = errors.New("ledger I/O error")

	// ErrLedgerUnavailable — repeated I/O failure; writes halted.
	ErrLedgerUnavailable = errors.New("ledger unavailable")

	// ErrLedgerInvariant — hash-chain break or cursor mismatch; the log is
	// quarantined and refuses appends until an operator clears it.
	ErrLedgerInvariant = errors.New("ledger invariant violated")

	// ErrBondQuarantine — lower level consumed but the higher append
	// failed; manual replay required.
	ErrBondQuarantine = errors.New("bond quarantined")

	// ErrClassification — the payload matched no known type.
	ErrClassification = errors.New("classification failed")

	// ErrDeadline — the operation exceeded its timeout.
	ErrDeadline = errors.New("deadline exceeded")

	// ErrNoNodesAvailable — the distribution roster is empty.
	ErrNoNodesAvailable = errors.New("no nodes available")

	// ErrTemporarilyUnavailable — backpressure refusal; retry later.
	ErrTemporarilyUnavailable = errors.New("temporarily unavailable")
)

// AccessDeniedError carries the token-invalid sub-code. It unwraps to
// ErrAccessDenied so callers can match on the kind.
type AccessDeniedError struct {
	Reason TokenInvalidReason
}

func (e *AccessDeniedError) Error() string {
	return fmt.Sprintf("access denied: %s", e.Reason)
}

func (e *AccessDeniedError) Unwrap() error { return ErrAccessDenied }

// CLI exit codes (fission subcommand unless noted).
const (
	ExitOK             = 0
	ExitInvalidToken   = 2
	ExitInputError     = 3
	ExitIOError        = 4
	ExitClassification = 5
	ExitInsufficient   = 10 // bond
	ExitValidator      = 11 // bond
	ExitInternal       = 1
)

// Fault is the single-line JSON emitted to stderr when a CLI subcommand
// fails.
type Fault struct {
	Status string `json:"status"`
	Error  string `json:"error"`
	Code   int    `json:"code"`
}

// FaultLine renders err as the CLI failure contract.
func FaultLine(err error, code int) string {
	b, _ := json.Marshal(Fault{Status: "error", Error: err.Error(), Code: code})
	return string(b)
}

// ExitCodeFor maps an error kind onto the documented CLI exit code.
func ExitCodeFor(err error) int {
	switch {
	case errors.Is(err, ErrAccessDenied):
		return ExitInvalidToken
	case errors.Is(err, ErrInvalidInput):
		return ExitInputError
	case errors.Is(err, ErrClassification):
		return ExitClassification
	case errors.Is(err, ErrInsufficientAtoms):
		return ExitInsufficient
	case errors.Is(err, ErrValidatorRejected):
		return ExitValidator
	case errors.Is(err, ErrLedgerIO), errors.Is(err, ErrLedgerInvariant),
		errors.Is(err, ErrLedgerUnavailable), errors.Is(err, ErrBondQuarantine):
		return ExitIOError
	default:
		return ExitInternal
	}
}

package multisig

import "errors"

var (
	errNilSession       = errors.New("multisig: nil session")
	errSessionConsumed  = errors.New("multisig: session already terminal; start a fresh session")
	errHandleCount      = errors.New("multisig: exactly three wallet handles required")
	errDuplicateRole    = errors.New("multisig: duplicate participant role in handle set")
	errArtifactExists   = errors.New("multisig: artifact already recorded for round/participant")
	errArtifactNotFound = errors.New("multisig: artifact not recorded")
)

// FailReason is the terminal diagnosis attached to a failed session. Failed
// sessions are never resumed; wallet-side mode cannot be rewound after
// prepare_multisig, so recovery always means a brand-new session.
type FailReason string

const (
	// FailTransport: a call kept timing out or erroring past the retry ceiling.
	FailTransport FailReason = "transport"
	// FailProtocol: the wallet reported a mode mismatch; round bookkeeping is
	// inconsistent with wallet-side state.
	FailProtocol FailReason = "protocol_violation"
	// FailCorruption: a round-1 fingerprint collision survived the retry
	// ceiling, or a duplicate artifact was produced where fresh randomness is
	// guaranteed.
	FailCorruption FailReason = "corruption"
	// FailRoundCeiling: exchange_multisig_keys never reported final within the
	// allowed extra rounds.
	FailRoundCeiling FailReason = "round_ceiling"
	// FailAddressMismatch: the three wallets disagreed on the finalized
	// address or threshold metadata.
	FailAddressMismatch FailReason = "address_mismatch"
	// FailMalformed: a structurally invalid payload survived retries.
	FailMalformed FailReason = "malformed_payload"
)

// SessionError wraps the terminal reason with the underlying cause for
// logging. The reason alone is what gets surfaced to users.
type SessionError struct {
	Reason FailReason
	Err    error
}

func (e *SessionError) Error() string {
	if e.Err != nil {
		return "multisig session failed (" + string(e.Reason) + "): " + e.Err.Error()
	}
	return "multisig session failed (" + string(e.Reason) + ")"
}

func (e *SessionError) Unwrap() error { return e.Err }

func sessionErr(reason FailReason, err error) *SessionError {
	return &SessionError{Reason: reason, Err: err}
}

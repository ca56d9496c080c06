package wallet

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrorKind classifies wallet RPC failures so callers can decide between
// retrying, failing the round, or failing the whole session.
type ErrorKind uint8

const (
	// KindTransport covers timeouts and connection failures. Retryable at the
	// round-call level.
	KindTransport ErrorKind = iota
	// KindMalformed marks structurally broken or empty responses. Retryable.
	KindMalformed
	// KindRemote is a wallet-reported failure that does not indicate mode
	// corruption (busy, locked). Retryable.
	KindRemote
	// KindProtocol means the call was wrong for the wallet's current multisig
	// mode ("already multisig", "not multisig"). Never retried: the session's
	// bookkeeping no longer matches wallet-side state.
	KindProtocol
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindMalformed:
		return "malformed"
	case KindRemote:
		return "remote"
	case KindProtocol:
		return "protocol"
	default:
		return "unknown"
	}
}

// RPCError is the typed failure returned by every Client method.
type RPCError struct {
	Kind   ErrorKind
	Method string
	Code   int
	Msg    string
	Err    error
}

func (e *RPCError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("wallet rpc %s: %s: %v", e.Method, e.Kind, e.Err)
	}
	return fmt.Sprintf("wallet rpc %s: %s: %s", e.Method, e.Kind, e.Msg)
}

func (e *RPCError) Unwrap() error { return e.Err }

// Retryable reports whether the round driver may re-issue the failed call.
func (e *RPCError) Retryable() bool { return e.Kind != KindProtocol }

// IsProtocolViolation reports whether err carries a wallet-mode mismatch that
// must fail the session immediately.
func IsProtocolViolation(err error) bool {
	var rpcErr *RPCError
	return errors.As(err, &rpcErr) && rpcErr.Kind == KindProtocol
}

// IsTimeout reports whether err was caused by a call deadline expiring.
func IsTimeout(err error) bool {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) && rpcErr.Kind == KindTransport {
		if errors.Is(rpcErr.Err, context.DeadlineExceeded) {
			return true
		}
		var netErr net.Error
		if errors.As(rpcErr.Err, &netErr) && netErr.Timeout() {
			return true
		}
	}
	return false
}

// Wallet-rpc reports mode mismatches as plain error strings; there are no
// stable numeric codes for them.
var protocolMarkers = []string{
	"already multisig",
	"is not multisig",
	"not in multisig",
	"wallet is already",
	"needs multisig export",
}

func classifyRemote(method string, code int, message string) *RPCError {
	lowered := strings.ToLower(message)
	for _, marker := range protocolMarkers {
		if strings.Contains(lowered, marker) {
			return &RPCError{Kind: KindProtocol, Method: method, Code: code, Msg: message}
		}
	}
	return &RPCError{Kind: KindRemote, Method: method, Code: code, Msg: message}
}

func transportError(method string, err error) *RPCError {
	return &RPCError{Kind: KindTransport, Method: method, Err: err}
}

func malformedError(method, msg string) *RPCError {
	return &RPCError{Kind: KindMalformed, Method: method, Msg: msg}
}

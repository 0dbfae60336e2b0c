// Package util provides the error taxonomy shared across router subsystems,
// plus small helpers that do not belong to any single layer.
package util

import (
	"errors"
	"fmt"
)

// Sentinel errors for the kinds listed in the router's error-handling design.
// Subsystems compare against these with errors.Is; they never cross a
// subsystem boundary uninspected.
var (
	// ErrMalformed indicates a structurally invalid message: bad length
	// field, unsupported signature type, truncated record.
	ErrMalformed = errors.New("malformed message")

	// ErrAuthFailed indicates a MAC, adler32, or signature mismatch.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrDecryptCheckFailed indicates an ElGamal trailing-hash mismatch or
	// a garlic message with no matching tag whose ElGamal fallback also
	// failed.
	ErrDecryptCheckFailed = errors.New("decrypt check failed")

	// ErrExpired indicates a message or lease expiration in the past.
	ErrExpired = errors.New("expired")

	// ErrDuplicate indicates a message ID already seen.
	ErrDuplicate = errors.New("duplicate message")

	// ErrBuildFailed indicates a tunnel build where at least one hop
	// rejected the request.
	ErrBuildFailed = errors.New("tunnel build failed")

	// ErrTimeout indicates a session-confirm, tunnel-build, lease-set
	// request, or stream retransmit deadline passed without a reply.
	ErrTimeout = errors.New("timeout")

	// ErrUnreachable indicates no transport session could be created to a
	// peer.
	ErrUnreachable = errors.New("peer unreachable")

	// ErrBandwidthExceeded indicates the configured bandwidth ceiling was
	// hit and new participating traffic or tunnels are being refused.
	ErrBandwidthExceeded = errors.New("bandwidth exceeded")

	// ErrShutdown indicates the operation was abandoned because the
	// router is shutting down.
	ErrShutdown = errors.New("shutdown")

	// ErrNotFound is a general "no such record" sentinel used by NetDb and
	// the tunnel pool for lookups.
	ErrNotFound = errors.New("not found")
)

// Kind classifies an error into one of the taxonomy buckets above, for
// callers (stats, logging) that want to switch on error category without a
// long errors.Is chain.
type Kind int

const (
	KindUnknown Kind = iota
	KindMalformed
	KindAuthFailed
	KindDecryptCheckFailed
	KindExpired
	KindDuplicate
	KindBuildFailed
	KindTimeout
	KindUnreachable
	KindBandwidthExceeded
	KindShutdown
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindMalformed:
		return "Malformed"
	case KindAuthFailed:
		return "AuthFailed"
	case KindDecryptCheckFailed:
		return "DecryptCheckFailed"
	case KindExpired:
		return "Expired"
	case KindDuplicate:
		return "Duplicate"
	case KindBuildFailed:
		return "BuildFailed"
	case KindTimeout:
		return "Timeout"
	case KindUnreachable:
		return "Unreachable"
	case KindBandwidthExceeded:
		return "BandwidthExceeded"
	case KindShutdown:
		return "Shutdown"
	case KindNotFound:
		return "NotFound"
	default:
		return "Unknown"
	}
}

// Classify maps an error to its Kind by walking the errors.Is chain against
// the sentinels above. Unrecognized errors classify as KindUnknown.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrMalformed):
		return KindMalformed
	case errors.Is(err, ErrAuthFailed):
		return KindAuthFailed
	case errors.Is(err, ErrDecryptCheckFailed):
		return KindDecryptCheckFailed
	case errors.Is(err, ErrExpired):
		return KindExpired
	case errors.Is(err, ErrDuplicate):
		return KindDuplicate
	case errors.Is(err, ErrBuildFailed):
		return KindBuildFailed
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.Is(err, ErrUnreachable):
		return KindUnreachable
	case errors.Is(err, ErrBandwidthExceeded):
		return KindBandwidthExceeded
	case errors.Is(err, ErrShutdown):
		return KindShutdown
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	default:
		return KindUnknown
	}
}

// SubsystemError wraps an error with the subsystem and operation where it
// occurred. Subsystems attach this before logging and dropping a message;
// it never escapes to a caller in another layer.
type SubsystemError struct {
	Subsystem string // e.g. "tunnel", "netdb", "ssu"
	Operation string // e.g. "build", "lookup", "handshake"
	Err       error
}

// NewSubsystemError creates a SubsystemError with context.
func NewSubsystemError(subsystem, operation string, err error) *SubsystemError {
	return &SubsystemError{Subsystem: subsystem, Operation: operation, Err: err}
}

func (e *SubsystemError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Subsystem, e.Operation, e.Err)
}

func (e *SubsystemError) Unwrap() error {
	return e.Err
}

// PeerError wraps an error with the remote peer's identity hash and the
// operation being attempted, for transport and tunnel-build failures that
// need to be attributed to a specific peer.
type PeerError struct {
	PeerHash  string
	Operation string
	Err       error
}

// NewPeerError creates a PeerError with context.
func NewPeerError(peerHash, operation string, err error) *PeerError {
	return &PeerError{PeerHash: peerHash, Operation: operation, Err: err}
}

func (e *PeerError) Error() string {
	if e.PeerHash == "" {
		return fmt.Sprintf("%s: %v", e.Operation, e.Err)
	}
	return fmt.Sprintf("[%s] %s: %v", e.PeerHash, e.Operation, e.Err)
}

func (e *PeerError) Unwrap() error {
	return e.Err
}

// IsRetryable returns true if the error represents a condition that may
// succeed if the operation is retried (possibly with exclusions).
func IsRetryable(err error) bool {
	switch Classify(err) {
	case KindTimeout, KindBuildFailed, KindUnreachable:
		return true
	default:
		return false
	}
}

// IsPermanent returns true if the error represents a failure that will not
// succeed on retry without a change of input (different key, different
// hop set, etc).
func IsPermanent(err error) bool {
	switch Classify(err) {
	case KindMalformed, KindAuthFailed, KindDecryptCheckFailed:
		return true
	default:
		return false
	}
}

// Package qerr defines the error kinds quince's core distinguishes
// between. Submission-path errors of these kinds are surfaced to the
// caller; background retry and file-transfer errors of these kinds are
// logged and reflected in state instead.
package qerr

import "errors"

// Kind identifies one of the error kinds the daemon distinguishes.
type Kind string

const (
	InvalidAddress       Kind = "invalid-address"
	UnknownPeer          Kind = "unknown-peer"
	PeerUnreachable      Kind = "peer-unreachable"
	ACKTimeout           Kind = "ack-timeout"
	SignatureInvalid     Kind = "signature-invalid"
	WhitelistReject      Kind = "whitelist-reject"
	FileTransferTimeout  Kind = "file-transfer-timeout"
	HashMismatch         Kind = "hash-mismatch"
	QueueExpired         Kind = "queue-expired"
	PermissionDenied     Kind = "permission-denied"
	MalformedPacket      Kind = "malformed-packet"
	DuplicateConnection  Kind = "duplicate-connection"
)

// Error wraps an underlying error with a Kind, so callers can distinguish
// "queue and retry" conditions (PeerUnreachable, ACKTimeout) from terminal
// ones (InvalidAddress, UnknownPeer) via errors.As.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// New returns an *Error of the given kind, wrapping err.
func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Newf returns an *Error of the given kind, with a message built from
// errors.New(msg).
func Newf(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Err: errors.New(msg)}
}

// Is reports whether err is a *qerr.Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Retriable reports whether an error of this kind means "queue and
// retry"; peer-unreachable and ack-timeout get the same treatment.
func (k Kind) Retriable() bool {
	return k == PeerUnreachable || k == ACKTimeout
}

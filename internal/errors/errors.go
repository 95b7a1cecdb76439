// Package errors defines the error-kind taxonomy shared by every component.
//
// Kinds are not type names: a Kind is attached to an ordinary wrapped error
// via Wrap/Is so callers can branch on it with errors.Is while %w chains
// keep the underlying cause for logs.
package errors

import (
	"errors"
	"fmt"
)

// Kind enumerates the recoverable/non-recoverable error taxonomy of the
// core runtime (spec §7).
type Kind int

const (
	KindUnknown Kind = iota
	KindTimeout
	KindPeerUnreachable
	KindNotLeader
	KindStaleEpoch
	KindSerializationFailure
	KindPermissionDenied
	KindCertificateInvalid
	KindProofInvalid
	KindQuorumLost
	KindStorageCorruption
	KindCanceled
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "Timeout"
	case KindPeerUnreachable:
		return "PeerUnreachable"
	case KindNotLeader:
		return "NotLeader"
	case KindStaleEpoch:
		return "StaleEpoch"
	case KindSerializationFailure:
		return "SerializationFailure"
	case KindPermissionDenied:
		return "PermissionDenied"
	case KindCertificateInvalid:
		return "CertificateInvalid"
	case KindProofInvalid:
		return "ProofInvalid"
	case KindQuorumLost:
		return "QuorumLost"
	case KindStorageCorruption:
		return "StorageCorruption"
	case KindCanceled:
		return "Canceled"
	default:
		return "Unknown"
	}
}

// Error wraps an underlying cause with a Kind and optional structured detail.
type Error struct {
	Kind   Kind
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		if e.Detail != "" {
			return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a Kind-tagged error with no underlying cause.
func New(kind Kind, detail string) error {
	return &Error{Kind: kind, Detail: detail}
}

// Wrap adds context and a Kind to err. Returns nil if err is nil, matching
// the teacher's pkg/utils.Wrap contract.
func Wrap(kind Kind, err error, detail string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Detail: detail, Err: err}
}

// Is reports whether err (or any error in its chain) carries the given Kind.
func Is(err error, kind Kind) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Kind == kind {
			return true
		}
		err = e.Err
	}
	return false
}

// Timeout constructs a Timeout error carrying the exceeded duration in Detail.
func Timeout(detail string) error { return New(KindTimeout, detail) }

// NotLeader constructs a NotLeader error. hint may be empty during a view
// change, per spec §7's "clients back off and retry" behavior.
func NotLeader(hint string) error { return New(KindNotLeader, hint) }

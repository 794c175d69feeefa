// Package corerr classifies errors by the Kind taxonomy of spec §7, so
// callers up the stack can decide whether an error is fatal, demotes the
// node, or is simply logged and the current unit of work discarded.
package corerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation-policy purposes.
type Kind int

const (
	Unknown Kind = iota
	ConfigInvalid
	ConfigLocked
	Io
	SignatureInvalid
	UnlViolation
	ChallengeFailed
	MessageMalformed
	MessageTooOld
	QuotaExceeded
	SessionNotFound
	CafsHelperGone
	LedgerIntegrityViolation
	SyncAbandoned
	ContractExecFailed
	Shutdown
)

func (k Kind) String() string {
	switch k {
	case ConfigInvalid:
		return "ConfigInvalid"
	case ConfigLocked:
		return "ConfigLocked"
	case Io:
		return "Io"
	case SignatureInvalid:
		return "SignatureInvalid"
	case UnlViolation:
		return "UnlViolation"
	case ChallengeFailed:
		return "ChallengeFailed"
	case MessageMalformed:
		return "MessageMalformed"
	case MessageTooOld:
		return "MessageTooOld"
	case QuotaExceeded:
		return "QuotaExceeded"
	case SessionNotFound:
		return "SessionNotFound"
	case CafsHelperGone:
		return "CafsHelperGone"
	case LedgerIntegrityViolation:
		return "LedgerIntegrityViolation"
	case SyncAbandoned:
		return "SyncAbandoned"
	case ContractExecFailed:
		return "ContractExecFailed"
	case Shutdown:
		return "Shutdown"
	default:
		return "Unknown"
	}
}

// Fatal reports whether an error of this kind should abort the process
// rather than just discard the current unit of work (spec §7).
func (k Kind) Fatal() bool {
	switch k {
	case ConfigInvalid, ConfigLocked, LedgerIntegrityViolation, CafsHelperGone:
		return true
	default:
		return false
	}
}

// Error wraps a cause with a classification Kind.
type Error struct {
	Kind  Kind
	Cause error
}

func New(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Cause)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether err is a *Error of the given kind, unwrapping through
// any wrapping chain (compatible with github.com/pkg/errors.Wrap).
func Is(err error, kind Kind) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind == kind
	}
	return false
}

// KindOf extracts the Kind of err, or Unknown if err is not a classified
// *Error.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return Unknown
}

// Package apperr holds the failure taxonomy shared by the circulation
// core, its stores and its transports.
package apperr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	CardNotFound      Kind = "CardNotFound"
	CardInactive      Kind = "CardInactive"
	UserNotFound      Kind = "UserNotFound"
	FaceNotVerified   Kind = "FaceNotVerified"
	BookNotFound      Kind = "BookNotFound"
	BookUnavailable   Kind = "BookUnavailable"
	DuplicateScan     Kind = "DuplicateScan"
	LoanLimitExceeded Kind = "LoanLimitExceeded"
	LoanNotFound      Kind = "LoanNotFound"
	NoActiveSession   Kind = "NoActiveSession"
	SessionExpired    Kind = "SessionExpired"
	InvalidRequest    Kind = "InvalidRequest"
	ServerError       Kind = "ServerError"
)

// Error is a classified failure. Msg is safe to show to a person; Err, when
// set, is the underlying cause and is only logged.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so errors.Is(err, apperr.E(apperr.BookUnavailable, ""))
// and the sentinels below work regardless of message.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

func E(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

var (
	ErrCardNotFound      = &Error{Kind: CardNotFound}
	ErrCardInactive      = &Error{Kind: CardInactive}
	ErrUserNotFound      = &Error{Kind: UserNotFound}
	ErrFaceNotVerified   = &Error{Kind: FaceNotVerified}
	ErrBookNotFound      = &Error{Kind: BookNotFound}
	ErrBookUnavailable   = &Error{Kind: BookUnavailable}
	ErrDuplicateScan     = &Error{Kind: DuplicateScan}
	ErrLoanLimitExceeded = &Error{Kind: LoanLimitExceeded}
	ErrLoanNotFound      = &Error{Kind: LoanNotFound}
	ErrNoActiveSession   = &Error{Kind: NoActiveSession}
	ErrSessionExpired    = &Error{Kind: SessionExpired}
)

// KindOf classifies err. Anything unclassified is a ServerError.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ServerError
}

// Message returns the human readable text for err. Unclassified errors
// never leak their internals.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Kind != ServerError {
		return e.Msg
	}
	return "internal server error"
}

// Terse is the short status a reader can fit on its display.
func Terse(kind Kind) string {
	switch kind {
	case CardNotFound, UserNotFound:
		return "User not found"
	case CardInactive:
		return "Card inactive"
	case FaceNotVerified:
		return "Face not verified"
	case BookNotFound:
		return "Book not found"
	case BookUnavailable:
		return "Book unavailable"
	case DuplicateScan:
		return "Already scanned"
	case LoanLimitExceeded:
		return "Loan limit reached"
	case LoanNotFound:
		return "Not on loan"
	case NoActiveSession:
		return "Check in first"
	case SessionExpired:
		return "Scan card again"
	default:
		return "System error"
	}
}

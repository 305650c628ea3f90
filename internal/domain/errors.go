package domain

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies a failure for callers. Validation, authorization and
// phase errors are final for the given input; transport errors are retryable.
type ErrorKind string

const (
	KindValidation    ErrorKind = "validation"
	KindAuthorization ErrorKind = "authorization"
	KindPhase         ErrorKind = "phase"
	KindNotFound      ErrorKind = "not_found"
	KindTransport     ErrorKind = "transport"
)

// LedgerError is a classified error with a stable machine-readable code.
// Two LedgerErrors match under errors.Is when their codes are equal.
type LedgerError struct {
	Kind    ErrorKind
	Code    string
	Message string
}

func (e *LedgerError) Error() string { return e.Message }

// Is reports whether target carries the same code.
func (e *LedgerError) Is(target error) bool {
	t, ok := target.(*LedgerError)
	return ok && t.Code == e.Code
}

// Withf returns a copy of e with extra context appended to the message.
func (e *LedgerError) Withf(format string, args ...any) *LedgerError {
	return &LedgerError{
		Kind:    e.Kind,
		Code:    e.Code,
		Message: e.Message + ": " + fmt.Sprintf(format, args...),
	}
}

func newError(kind ErrorKind, code, msg string) *LedgerError {
	return &LedgerError{Kind: kind, Code: code, Message: msg}
}

var (
	// Validation
	ErrTooFewOutcomes       = newError(KindValidation, "too_few_outcomes", "a bet needs at least two outcomes")
	ErrTooManyOutcomes      = newError(KindValidation, "too_many_outcomes", "a bet allows at most ten outcomes")
	ErrEmptyOutcome         = newError(KindValidation, "empty_outcome", "outcome labels must not be empty")
	ErrEmptyTitle           = newError(KindValidation, "empty_title", "title must not be empty")
	ErrInvalidDeadlineOrder = newError(KindValidation, "invalid_deadline_order", "investment deadline must be before settlement deadline")
	ErrDeadlineInPast       = newError(KindValidation, "deadline_in_past", "investment deadline must be in the future")
	ErrInvalidOutcome       = newError(KindValidation, "invalid_outcome", "outcome index out of range")
	ErrNonPositiveAmount    = newError(KindValidation, "non_positive_amount", "amount must be greater than zero")
	ErrInvalidAddress       = newError(KindValidation, "invalid_address", "not a valid account address")
	ErrUnknownCommand       = newError(KindValidation, "unknown_command", "unknown command type")
	ErrMissingDraft         = newError(KindValidation, "missing_draft", "create_bet requires a bet draft")
	ErrUnknownExternalRef   = newError(KindValidation, "unknown_external_ref", "external reference does not resolve to stored metadata")
	ErrInvalidSignature     = newError(KindValidation, "invalid_signature", "signature does not verify")
	ErrStaleEnvelope        = newError(KindValidation, "stale_envelope", "envelope issued outside the accepted window")

	// Authorization
	ErrUnauthorized   = newError(KindAuthorization, "unauthorized", "caller is not permitted to perform this operation")
	ErrCallerMismatch = newError(KindAuthorization, "caller_mismatch", "signer does not match command caller")

	// Phase
	ErrInvestmentWindowClosed = newError(KindPhase, "investment_window_closed", "investment window has closed")
	ErrTooEarly               = newError(KindPhase, "too_early", "investment window has not closed yet")
	ErrAlreadySettled         = newError(KindPhase, "already_settled", "bet is already settled")
	ErrNotSettled             = newError(KindPhase, "not_settled", "bet is not settled")
	ErrAlreadyClaimed         = newError(KindPhase, "already_claimed", "rewards already claimed")
	ErrNotWinningOutcome      = newError(KindPhase, "not_winning_outcome", "outcome is not the winning outcome")
	ErrReplayedNonce          = newError(KindPhase, "replayed_nonce", "envelope nonce already used")

	// Lookup
	ErrNotFound = newError(KindNotFound, "not_found", "not found")

	// Transport
	ErrMetadataUnavailable = newError(KindTransport, "metadata_unavailable", "metadata store unavailable")
	ErrSubmitFailed        = newError(KindTransport, "submit_failed", "submission channel unavailable")
)

var (
	ErrAlreadyExists = errors.New("already exists")
	ErrRateLimited   = errors.New("rate limited")
	ErrLockHeld      = errors.New("lock already held")
	ErrSigningFailed = errors.New("signing failed")
	// ErrAlreadyApplied means the transaction id was recorded by an earlier
	// commit.
	ErrAlreadyApplied = errors.New("transaction already applied")
)

// KindOf maps err onto the error taxonomy. Unclassified errors are treated
// as transport failures so callers retry rather than give up.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var le *LedgerError
	if errors.As(err, &le) {
		return le.Kind
	}
	return KindTransport
}

// IsTimeout reports whether err stems from a cancelled or expired context.
func IsTimeout(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// CodeOf returns the stable code of err, or "internal" when unclassified.
func CodeOf(err error) string {
	var le *LedgerError
	if errors.As(err, &le) {
		return le.Code
	}
	if errors.Is(err, ErrRateLimited) {
		return "rate_limited"
	}
	return "internal"
}

// Retryable reports whether resubmitting the same request may succeed.
func Retryable(err error) bool {
	return err != nil && KindOf(err) == KindTransport
}

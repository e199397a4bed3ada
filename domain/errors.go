package domain

import (
	"errors"
	"fmt"
)

// Kind classifies a settlement failure per the error taxonomy. Kinds are
// comparable with errors.Is through the sentinel errors below.
type Kind string

const (
	KindInvalidParams           Kind = "InvalidParams"
	KindBadPermitSignature      Kind = "BadPermitSignature"
	KindBadAuthSignature        Kind = "BadAuthSignature"
	KindAlreadyUsed             Kind = "AlreadyUsed"
	KindDeadlineExpired         Kind = "DeadlineExpired"
	KindInsufficientBalance     Kind = "InsufficientBalance"
	KindPaused                  Kind = "Paused"
	KindRpcUnavailable          Kind = "RpcUnavailable"
	KindStoreUnavailable        Kind = "StoreUnavailable"
	KindReorgBeyondConfirmations Kind = "ReorgBeyondConfirmations"
)

// Sentinel errors, one per Kind, so callers can classify with errors.Is
// without inspecting the free-text Reason.
var (
	ErrInvalidParams            = errors.New("invalid params")
	ErrBadPermitSignature       = errors.New("permit signature does not recover to owner")
	ErrBadAuthSignature         = errors.New("authorization signature does not recover to owner")
	ErrAlreadyUsed              = errors.New("payment already used")
	ErrDeadlineExpired          = errors.New("deadline expired")
	ErrInsufficientBalance      = errors.New("insufficient balance")
	ErrPaused                   = errors.New("facilitator paused")
	ErrRpcUnavailable           = errors.New("rpc unavailable")
	ErrStoreUnavailable         = errors.New("store unavailable")
	ErrReorgBeyondConfirmations = errors.New("reorg beyond confirmations buffer")
)

var sentinelByKind = map[Kind]error{
	KindInvalidParams:            ErrInvalidParams,
	KindBadPermitSignature:       ErrBadPermitSignature,
	KindBadAuthSignature:         ErrBadAuthSignature,
	KindAlreadyUsed:              ErrAlreadyUsed,
	KindDeadlineExpired:          ErrDeadlineExpired,
	KindInsufficientBalance:      ErrInsufficientBalance,
	KindPaused:                   ErrPaused,
	KindRpcUnavailable:           ErrRpcUnavailable,
	KindStoreUnavailable:         ErrStoreUnavailable,
	KindReorgBeyondConfirmations: ErrReorgBeyondConfirmations,
}

// Retryable kinds drive the shared exponential-backoff helper; every other
// kind is deterministic and must be surfaced to the caller as-is.
func (k Kind) Retryable() bool {
	return k == KindRpcUnavailable || k == KindStoreUnavailable
}

// SettlementError wraps a Kind with an optional free-text reason and the
// underlying cause, giving callers both a stable classification and a
// human-readable detail string. It implements Unwrap so errors.Is/As see
// through to both the sentinel and the wrapped cause.
type SettlementError struct {
	Kind   Kind
	Reason string
	Err    error
}

func NewSettlementError(kind Kind, reason string, cause error) *SettlementError {
	return &SettlementError{Kind: kind, Reason: reason, Err: cause}
}

func (e *SettlementError) Error() string {
	if e.Reason == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

// Unwrap exposes both the underlying cause (if any) and the kind's sentinel,
// so errors.Is(err, domain.ErrAlreadyUsed) works whether or not a cause was
// attached.
func (e *SettlementError) Unwrap() []error {
	sentinel := sentinelByKind[e.Kind]
	if e.Err == nil {
		return []error{sentinel}
	}
	return []error{sentinel, e.Err}
}

// AsSettlementError extracts a *SettlementError from err, or wraps err in
// one classified as InvalidParams, so call sites always have a Kind to act
// on.
func AsSettlementError(err error) *SettlementError {
	if err == nil {
		return nil
	}
	var se *SettlementError
	if errors.As(err, &se) {
		return se
	}
	return NewSettlementError(KindInvalidParams, err.Error(), err)
}

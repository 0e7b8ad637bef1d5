package model

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failure per spec §7.
type ErrorKind string

const (
	KindConfig           ErrorKind = "Config"
	KindTransport        ErrorKind = "Transport"
	KindBrokerRejected   ErrorKind = "BrokerRejected"
	KindTimeout          ErrorKind = "Timeout"
	KindDataQuality      ErrorKind = "DataQuality"
	KindExtractorFailure ErrorKind = "ExtractorFailure"
	KindStoreFailure     ErrorKind = "StoreFailure"
	KindInvariant        ErrorKind = "Invariant"
)

// Error wraps a cause with its propagation-policy kind (spec §7).
type Error struct {
	Kind  ErrorKind
	Cause error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// NewError wraps cause with kind.
func NewError(kind ErrorKind, cause error) *Error {
	return &Error{Kind: kind, Cause: cause}
}

// Sentinel errors used with errors.Is across the pipeline.
var (
	ErrNotConnected       = errors.New("broker bridge: not connected")
	ErrTimeout            = errors.New("broker bridge: request timed out")
	ErrCancelled          = errors.New("broker bridge: request cancelled")
	ErrDuplicatePosition  = errors.New("invariant: duplicate open position for symbol")
	ErrNoAwaiter          = errors.New("registry: no awaiter for request id")
	ErrAwaiterTerminal    = errors.New("registry: awaiter already terminal")
	ErrInsufficientBars   = errors.New("detection: fewer than 10 historical bars available")
	ErrGateClosed         = errors.New("execution: supervisor gate is closed")
	ErrQtyTooSmall        = errors.New("execution: computed quantity is less than one share")
	ErrDuplicateArticle   = errors.New("idempotency: signal already handled for this article")
	ErrShortsDisabled     = errors.New("execution: short signals are disabled")
)

package purchase

import (
	"context"
	"errors"
)

var (
	ErrPurchaseFailed     = errors.New("purchase failed")
	ErrMissingTransaction = errors.New("transaction reference is required")
)

// TransactionRef is the platform queue's opaque handle for one transaction.
type TransactionRef string

type Kind uint8

const (
	KindUnknown Kind = iota
	KindPurchasing
	KindPurchased
	KindRestored
	KindFailed
	KindDeferred
)

func (k Kind) String() string {
	switch k {
	case KindPurchasing:
		return "purchasing"
	case KindPurchased:
		return "purchased"
	case KindRestored:
		return "restored"
	case KindFailed:
		return "failed"
	case KindDeferred:
		return "deferred"
	default:
		return "unknown"
	}
}

// Event is one update from the platform purchase queue.
type Event struct {
	Kind      Kind
	ProductID string
	Ref       TransactionRef

	// Err is only set for failed transactions, and may be nil even then.
	Err error
}

// Queue is the platform purchase queue. Every purchased, restored or failed
// transaction must be finished exactly once or the queue redelivers it.
type Queue interface {
	Finish(ctx context.Context, ref TransactionRef) error
}

type State uint8

const (
	StatePending State = iota
	StateProcessing
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateProcessing:
		return "processing"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

package purchase

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/code-payments/iapkit/entitlement"
)

// FailureHandler is notified once per failed transaction, after it has been
// finished.
type FailureHandler func(ref TransactionRef, err error)

type Option func(*Reducer)

func WithFailureHandler(h FailureHandler) Option {
	return func(r *Reducer) {
		r.onFailed = h
	}
}

// Reducer applies purchase queue events to an entitlement store. Each
// transaction moves from pending to a terminal state once; redelivered
// events for settled or in-flight transactions are ignored.
type Reducer struct {
	log      *zap.Logger
	store    entitlement.Store
	queue    Queue
	onFailed FailureHandler

	statesMu sync.Mutex
	states   map[TransactionRef]State
}

func NewReducer(log *zap.Logger, store entitlement.Store, queue Queue, opts ...Option) *Reducer {
	r := &Reducer{
		log:    log,
		store:  store,
		queue:  queue,
		states: make(map[TransactionRef]State),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// State returns the lifecycle state of ref. Unknown refs are pending.
func (r *Reducer) State(ref TransactionRef) State {
	r.statesMu.Lock()
	defer r.statesMu.Unlock()

	return r.states[ref]
}

// Apply processes a single event. When the store write or the finish call
// fails the transaction returns to pending so a redelivery can retry it. A
// purchase without a product id is finished and settled as failed.
func (r *Reducer) Apply(ctx context.Context, e Event) error {
	switch e.Kind {
	case KindPurchased, KindRestored, KindFailed:
	default:
		r.log.Debug("Ignoring unfinished transaction", zap.String("kind", e.Kind.String()), zap.String("ref", string(e.Ref)))
		return nil
	}

	if e.Ref == "" {
		return ErrMissingTransaction
	}

	log := r.log.With(
		zap.String("ref", string(e.Ref)),
		zap.String("kind", e.Kind.String()),
		zap.String("product_id", e.ProductID),
	)

	if !r.claim(e.Ref) {
		log.Debug("Ignoring redelivered transaction")
		return nil
	}

	if e.Kind == KindFailed {
		return r.fail(ctx, log, e)
	}
	return r.complete(ctx, log, e)
}

// Run applies events until the channel is closed or ctx is done.
func (r *Reducer) Run(ctx context.Context, events <-chan Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-events:
			if !ok {
				return nil
			}
			if err := r.Apply(ctx, e); err != nil {
				r.log.Warn("Failed to apply purchase event", zap.String("ref", string(e.Ref)), zap.Error(err))
			}
		}
	}
}

func (r *Reducer) complete(ctx context.Context, log *zap.Logger, e Event) error {
	err := r.store.MarkPurchased(ctx, e.ProductID)
	if errors.Is(err, entitlement.ErrInvalidProductID) {
		// Permanently invalid, finish it as failed.
		e.Err = err
		return r.fail(ctx, log, e)
	} else if err != nil {
		r.settle(e.Ref, StatePending)
		return fmt.Errorf("failed to mark product purchased: %w", err)
	}

	if err := r.queue.Finish(ctx, e.Ref); err != nil {
		r.settle(e.Ref, StatePending)
		return fmt.Errorf("failed to finish transaction: %w", err)
	}

	r.settle(e.Ref, StateCompleted)
	log.Info("Purchase completed")
	return nil
}

func (r *Reducer) fail(ctx context.Context, log *zap.Logger, e Event) error {
	if err := r.queue.Finish(ctx, e.Ref); err != nil {
		r.settle(e.Ref, StatePending)
		return fmt.Errorf("failed to finish transaction: %w", err)
	}

	cause := e.Err
	if cause == nil {
		cause = ErrPurchaseFailed
	}
	log.Warn("Purchase failed", zap.Error(cause))

	// The transaction is finished, so it can never be applied again even if
	// recording the error fails.
	var storeErr error
	if err := r.store.RecordError(ctx, cause); err != nil {
		storeErr = fmt.Errorf("failed to record purchase error: %w", err)
	}

	if r.onFailed != nil {
		r.onFailed(e.Ref, cause)
	}

	r.settle(e.Ref, StateFailed)
	return storeErr
}

func (r *Reducer) claim(ref TransactionRef) bool {
	r.statesMu.Lock()
	defer r.statesMu.Unlock()

	if r.states[ref] != StatePending {
		return false
	}
	r.states[ref] = StateProcessing
	return true
}

func (r *Reducer) settle(ref TransactionRef, state State) {
	r.statesMu.Lock()
	defer r.statesMu.Unlock()

	if state == StatePending {
		delete(r.states, ref)
		return
	}
	r.states[ref] = state
}

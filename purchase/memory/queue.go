package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/code-payments/iapkit/purchase"
)

// Queue is an in-memory stand-in for the platform purchase queue. It mints
// transaction refs, emits lifecycle events, and counts finish calls.
type Queue struct {
	mu        sync.Mutex
	finished  map[purchase.TransactionRef]int
	finishErr error

	events chan purchase.Event
}

func NewQueue(bufferSize int) *Queue {
	return &Queue{
		finished: make(map[purchase.TransactionRef]int),
		events:   make(chan purchase.Event, bufferSize),
	}
}

func (q *Queue) NewRef() purchase.TransactionRef {
	return purchase.TransactionRef(uuid.NewString())
}

// Events is the stream a purchase.Reducer consumes.
func (q *Queue) Events() <-chan purchase.Event {
	return q.events
}

// Emit delivers e to the event stream, blocking while the buffer is full.
func (q *Queue) Emit(e purchase.Event) {
	q.events <- e
}

// Buy emits the purchasing and purchased events of a successful transaction.
func (q *Queue) Buy(productID string) purchase.TransactionRef {
	ref := q.NewRef()
	q.Emit(purchase.Event{Kind: purchase.KindPurchasing, ProductID: productID, Ref: ref})
	q.Emit(purchase.Event{Kind: purchase.KindPurchased, ProductID: productID, Ref: ref})
	return ref
}

func (q *Queue) Close() {
	close(q.events)
}

func (q *Queue) Finish(_ context.Context, ref purchase.TransactionRef) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.finishErr != nil {
		return q.finishErr
	}
	q.finished[ref]++
	return nil
}

// SetFinishError makes every Finish call fail with err until cleared with nil.
func (q *Queue) SetFinishError(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.finishErr = err
}

func (q *Queue) FinishCount(ref purchase.TransactionRef) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.finished[ref]
}

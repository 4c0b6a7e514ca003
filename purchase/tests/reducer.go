package tests

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/code-payments/iapkit/entitlement"
	"github.com/code-payments/iapkit/purchase"
	"github.com/code-payments/iapkit/purchase/memory"
)

type failedCall struct {
	ref purchase.TransactionRef
	err error
}

type harness struct {
	store   entitlement.Store
	queue   *memory.Queue
	reducer *purchase.Reducer

	mu     sync.Mutex
	failed []failedCall
}

func RunReducerTests(t *testing.T, s entitlement.Store, teardown func()) {
	for _, tf := range []func(t *testing.T, s entitlement.Store){
		testReducer_PurchasedAndRestored,
		testReducer_FailedFinishedOnce,
		testReducer_FailedWithoutError,
		testReducer_RedeliveryIsNoop,
		testReducer_IgnoresUnfinishedKinds,
		testReducer_MissingRef,
		testReducer_FinishFailureAllowsRetry,
		testReducer_InvalidProductFinishedAsFailed,
		testReducer_InvalidProductFinishFailureAllowsRetry,
		testReducer_ConcurrentRedelivery,
		testReducer_Run,
	} {
		tf(t, s)
		teardown()
	}
}

func newHarness(s entitlement.Store) *harness {
	h := &harness{
		store: s,
		queue: memory.NewQueue(16),
	}
	h.reducer = purchase.NewReducer(zap.NewNop(), h.store, h.queue, purchase.WithFailureHandler(func(ref purchase.TransactionRef, err error) {
		h.mu.Lock()
		h.failed = append(h.failed, failedCall{ref, err})
		h.mu.Unlock()
	}))
	return h
}

func testReducer_PurchasedAndRestored(t *testing.T, s entitlement.Store) {
	ctx := context.Background()
	h := newHarness(s)

	for _, kind := range []purchase.Kind{purchase.KindPurchased, purchase.KindRestored} {
		ref := h.queue.NewRef()
		productID := "com.example." + kind.String()

		require.NoError(t, h.reducer.Apply(ctx, purchase.Event{Kind: kind, ProductID: productID, Ref: ref}))
		require.Equal(t, 1, h.queue.FinishCount(ref))
		require.Equal(t, purchase.StateCompleted, h.reducer.State(ref))

		purchased, err := h.store.IsPurchased(ctx, productID)
		require.NoError(t, err)
		require.True(t, purchased)
	}
	require.Empty(t, h.failed)
}

func testReducer_FailedFinishedOnce(t *testing.T, s entitlement.Store) {
	ctx := context.Background()
	h := newHarness(s)

	ref := h.queue.NewRef()
	cause := errors.New("payment cancelled")
	e := purchase.Event{Kind: purchase.KindFailed, ProductID: "com.example.pro", Ref: ref, Err: cause}

	require.NoError(t, h.reducer.Apply(ctx, e))
	require.NoError(t, h.reducer.Apply(ctx, e))

	require.Equal(t, 1, h.queue.FinishCount(ref))
	require.Equal(t, purchase.StateFailed, h.reducer.State(ref))
	require.Equal(t, []failedCall{{ref, cause}}, h.failed)

	snapshot, err := h.store.Snapshot(ctx)
	require.NoError(t, err)
	require.EqualError(t, snapshot.LastError, cause.Error())
	require.Empty(t, snapshot.ProductIDs)
}

func testReducer_FailedWithoutError(t *testing.T, s entitlement.Store) {
	ctx := context.Background()
	h := newHarness(s)

	ref := h.queue.NewRef()
	require.NoError(t, h.reducer.Apply(ctx, purchase.Event{Kind: purchase.KindFailed, Ref: ref}))

	require.Len(t, h.failed, 1)
	require.ErrorIs(t, h.failed[0].err, purchase.ErrPurchaseFailed)

	snapshot, err := h.store.Snapshot(ctx)
	require.NoError(t, err)
	require.EqualError(t, snapshot.LastError, purchase.ErrPurchaseFailed.Error())
}

func testReducer_RedeliveryIsNoop(t *testing.T, s entitlement.Store) {
	ctx := context.Background()
	h := newHarness(s)

	ref := h.queue.NewRef()
	require.NoError(t, h.reducer.Apply(ctx, purchase.Event{Kind: purchase.KindPurchased, ProductID: "a", Ref: ref}))
	require.NoError(t, h.reducer.Apply(ctx, purchase.Event{Kind: purchase.KindPurchased, ProductID: "a", Ref: ref}))
	require.NoError(t, h.reducer.Apply(ctx, purchase.Event{Kind: purchase.KindFailed, Ref: ref}))

	require.Equal(t, 1, h.queue.FinishCount(ref))
	require.Equal(t, purchase.StateCompleted, h.reducer.State(ref))
	require.Empty(t, h.failed)
}

func testReducer_IgnoresUnfinishedKinds(t *testing.T, s entitlement.Store) {
	ctx := context.Background()
	h := newHarness(s)

	ref := h.queue.NewRef()
	for _, kind := range []purchase.Kind{purchase.KindPurchasing, purchase.KindDeferred, purchase.KindUnknown} {
		require.NoError(t, h.reducer.Apply(ctx, purchase.Event{Kind: kind, ProductID: "a", Ref: ref}))
	}

	require.Equal(t, 0, h.queue.FinishCount(ref))
	require.Equal(t, purchase.StatePending, h.reducer.State(ref))

	hasAny, err := h.store.HasAnyEntitlement(ctx)
	require.NoError(t, err)
	require.False(t, hasAny)
}

func testReducer_MissingRef(t *testing.T, s entitlement.Store) {
	h := newHarness(s)
	err := h.reducer.Apply(context.Background(), purchase.Event{Kind: purchase.KindPurchased, ProductID: "a"})
	require.ErrorIs(t, err, purchase.ErrMissingTransaction)
}

func testReducer_FinishFailureAllowsRetry(t *testing.T, s entitlement.Store) {
	ctx := context.Background()
	h := newHarness(s)

	ref := h.queue.NewRef()
	e := purchase.Event{Kind: purchase.KindPurchased, ProductID: "a", Ref: ref}

	h.queue.SetFinishError(errors.New("queue unavailable"))
	require.Error(t, h.reducer.Apply(ctx, e))
	require.Equal(t, purchase.StatePending, h.reducer.State(ref))

	h.queue.SetFinishError(nil)
	require.NoError(t, h.reducer.Apply(ctx, e))
	require.Equal(t, 1, h.queue.FinishCount(ref))
	require.Equal(t, purchase.StateCompleted, h.reducer.State(ref))
}

func testReducer_InvalidProductFinishedAsFailed(t *testing.T, s entitlement.Store) {
	ctx := context.Background()
	h := newHarness(s)

	ref := h.queue.NewRef()
	e := purchase.Event{Kind: purchase.KindPurchased, Ref: ref}
	for i := 0; i < 5; i++ {
		require.NoError(t, h.reducer.Apply(ctx, e))
	}

	require.Equal(t, 1, h.queue.FinishCount(ref))
	require.Equal(t, purchase.StateFailed, h.reducer.State(ref))
	require.Len(t, h.failed, 1)
	require.ErrorIs(t, h.failed[0].err, entitlement.ErrInvalidProductID)

	snapshot, err := h.store.Snapshot(ctx)
	require.NoError(t, err)
	require.EqualError(t, snapshot.LastError, entitlement.ErrInvalidProductID.Error())
	require.Empty(t, snapshot.ProductIDs)
}

func testReducer_InvalidProductFinishFailureAllowsRetry(t *testing.T, s entitlement.Store) {
	ctx := context.Background()
	h := newHarness(s)

	ref := h.queue.NewRef()
	e := purchase.Event{Kind: purchase.KindPurchased, Ref: ref}

	h.queue.SetFinishError(errors.New("queue unavailable"))
	require.Error(t, h.reducer.Apply(ctx, e))
	require.Equal(t, purchase.StatePending, h.reducer.State(ref))
	require.Empty(t, h.failed)

	h.queue.SetFinishError(nil)
	require.NoError(t, h.reducer.Apply(ctx, e))
	require.Equal(t, 1, h.queue.FinishCount(ref))
	require.Equal(t, purchase.StateFailed, h.reducer.State(ref))
}

func testReducer_ConcurrentRedelivery(t *testing.T, s entitlement.Store) {
	ctx := context.Background()
	h := newHarness(s)

	refs := make([]purchase.TransactionRef, 20)
	for i := range refs {
		refs[i] = h.queue.NewRef()
	}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		for j, ref := range refs {
			wg.Add(1)
			go func(j int, ref purchase.TransactionRef) {
				defer wg.Done()
				kind := purchase.KindPurchased
				if j%2 == 1 {
					kind = purchase.KindFailed
				}
				_ = h.reducer.Apply(ctx, purchase.Event{Kind: kind, ProductID: "p", Ref: ref})
			}(j, ref)
		}
	}
	wg.Wait()

	for _, ref := range refs {
		require.Equal(t, 1, h.queue.FinishCount(ref))
		require.True(t, h.reducer.State(ref).IsTerminal())
	}
	require.Len(t, h.failed, len(refs)/2)
}

func testReducer_Run(t *testing.T, s entitlement.Store) {
	h := newHarness(s)

	var refs []purchase.TransactionRef
	for _, productID := range []string{"a", "b", "a"} {
		refs = append(refs, h.queue.Buy(productID))
	}
	h.queue.Close()

	require.NoError(t, h.reducer.Run(context.Background(), h.queue.Events()))

	for _, ref := range refs {
		require.Equal(t, 1, h.queue.FinishCount(ref))
	}

	snapshot, err := h.store.Snapshot(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, snapshot.ProductIDs)
}

package tests

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/code-payments/iapkit/entitlement"
)

func RunStoreTests(t *testing.T, s entitlement.Store, teardown func()) {
	for _, tf := range []func(t *testing.T, s entitlement.Store){
		testEntitlementStore_Empty,
		testEntitlementStore_MarkPurchasedIdempotent,
		testEntitlementStore_InvalidProductID,
		testEntitlementStore_RecordError,
		testEntitlementStore_ConcurrentMarkPurchased,
		testEntitlementStore_SnapshotIsolation,
	} {
		tf(t, s)
		teardown()
	}
}

func testEntitlementStore_Empty(t *testing.T, s entitlement.Store) {
	ctx := context.Background()

	hasAny, err := s.HasAnyEntitlement(ctx)
	require.NoError(t, err)
	require.False(t, hasAny)

	purchased, err := s.IsPurchased(ctx, "com.example.pro")
	require.NoError(t, err)
	require.False(t, purchased)

	snapshot, err := s.Snapshot(ctx)
	require.NoError(t, err)
	require.Empty(t, snapshot.ProductIDs)
	require.NoError(t, snapshot.LastError)
	require.False(t, snapshot.HasAnyEntitlement())
}

func testEntitlementStore_MarkPurchasedIdempotent(t *testing.T, s entitlement.Store) {
	ctx := context.Background()

	require.NoError(t, s.MarkPurchased(ctx, "com.example.pro"))

	before, err := s.Snapshot(ctx)
	require.NoError(t, err)

	require.NoError(t, s.MarkPurchased(ctx, "com.example.pro"))

	after, err := s.Snapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"com.example.pro"}, after.ProductIDs)
	require.Equal(t, before.Version, after.Version)
	require.True(t, after.IsPurchased("com.example.pro"))

	purchased, err := s.IsPurchased(ctx, "com.example.pro")
	require.NoError(t, err)
	require.True(t, purchased)

	hasAny, err := s.HasAnyEntitlement(ctx)
	require.NoError(t, err)
	require.True(t, hasAny)
}

func testEntitlementStore_InvalidProductID(t *testing.T, s entitlement.Store) {
	require.ErrorIs(t, s.MarkPurchased(context.Background(), ""), entitlement.ErrInvalidProductID)

	hasAny, err := s.HasAnyEntitlement(context.Background())
	require.NoError(t, err)
	require.False(t, hasAny)
}

func testEntitlementStore_RecordError(t *testing.T, s entitlement.Store) {
	ctx := context.Background()

	require.NoError(t, s.MarkPurchased(ctx, "com.example.pro"))
	require.NoError(t, s.RecordError(ctx, errors.New("first")))
	require.NoError(t, s.RecordError(ctx, errors.New("second")))

	snapshot, err := s.Snapshot(ctx)
	require.NoError(t, err)
	require.EqualError(t, snapshot.LastError, "second")
	require.Equal(t, []string{"com.example.pro"}, snapshot.ProductIDs)

	require.NoError(t, s.RecordError(ctx, nil))

	snapshot, err = s.Snapshot(ctx)
	require.NoError(t, err)
	require.NoError(t, snapshot.LastError)
}

func testEntitlementStore_ConcurrentMarkPurchased(t *testing.T, s entitlement.Store) {
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 100)
	for i := 0; i < 50; i++ {
		for _, id := range []string{"A", "B"} {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				errs <- s.MarkPurchased(ctx, id)
			}(id)
		}
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	snapshot, err := s.Snapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"A", "B"}, snapshot.ProductIDs)
	require.EqualValues(t, 2, snapshot.Version)
}

func testEntitlementStore_SnapshotIsolation(t *testing.T, s entitlement.Store) {
	ctx := context.Background()

	require.NoError(t, s.MarkPurchased(ctx, "p0"))

	snapshot, err := s.Snapshot(ctx)
	require.NoError(t, err)

	for i := 1; i < 5; i++ {
		require.NoError(t, s.MarkPurchased(ctx, fmt.Sprintf("p%d", i)))
	}
	require.Equal(t, []string{"p0"}, snapshot.ProductIDs)

	snapshot.ProductIDs[0] = "mutated"
	purchased, err := s.IsPurchased(ctx, "p0")
	require.NoError(t, err)
	require.True(t, purchased)

	latest, err := s.Snapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"p0", "p1", "p2", "p3", "p4"}, latest.ProductIDs)
	require.Greater(t, latest.Version, snapshot.Version)
}

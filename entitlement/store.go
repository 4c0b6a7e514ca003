package entitlement

import (
	"context"
	"errors"
	"slices"
)

var ErrInvalidProductID = errors.New("product id is required")

// Snapshot is a fully applied view of the entitlement state. Snapshots are
// never mutated after they are handed out.
type Snapshot struct {
	// ProductIDs is sorted and free of duplicates.
	ProductIDs []string

	// LastError is the most recent failure recorded by any asynchronous
	// operation, or nil.
	LastError error

	// Version increases with every applied mutation.
	Version uint64
}

func (s *Snapshot) IsPurchased(productID string) bool {
	_, found := slices.BinarySearch(s.ProductIDs, productID)
	return found
}

func (s *Snapshot) HasAnyEntitlement() bool {
	return len(s.ProductIDs) > 0
}

func (s *Snapshot) Clone() *Snapshot {
	return &Snapshot{
		ProductIDs: slices.Clone(s.ProductIDs),
		LastError:  s.LastError,
		Version:    s.Version,
	}
}

// Store holds the set of purchased product ids and the last observed error.
//
// Membership is additive: nothing is removed once marked purchased, including
// subscriptions past their expiration. Expiry policy is left to callers.
type Store interface {
	// MarkPurchased adds productID to the purchased set. Marking an already
	// purchased product is a no-op.
	MarkPurchased(ctx context.Context, productID string) error

	// RecordError replaces the last error. A nil err clears it.
	RecordError(ctx context.Context, err error) error

	IsPurchased(ctx context.Context, productID string) (bool, error)
	HasAnyEntitlement(ctx context.Context) (bool, error)
	Snapshot(ctx context.Context) (*Snapshot, error)
}

package cache

import (
	"context"
	"time"

	"github.com/ReneKroon/ttlcache"
	"golang.org/x/sync/singleflight"

	"github.com/code-payments/iapkit/iap"
	"github.com/code-payments/iapkit/receipt"
)

// Verifier caches successful validations by receipt id and collapses
// concurrent validations of the same receipt into a single remote call.
// Failures are never cached.
type Verifier struct {
	verifier iap.Verifier
	cache    *ttlcache.Cache
	group    singleflight.Group
}

func NewInCache(verifier iap.Verifier, ttl time.Duration) *Verifier {
	cache := ttlcache.NewCache()
	cache.SetTTL(ttl)
	return &Verifier{
		verifier: verifier,
		cache:    cache,
	}
}

func (v *Verifier) Validate(ctx context.Context, receiptData []byte) (*receipt.Receipt, error) {
	cacheKey := iap.GetReceiptID(receiptData)

	cached, ok := v.cache.Get(cacheKey)
	if ok {
		return cached.(*receipt.Receipt).Clone(), nil
	}

	// The shared call must not inherit one caller's cancellation. Each caller
	// still stops waiting on its own ctx.
	sharedCtx := context.WithoutCancel(ctx)
	ch := v.group.DoChan(cacheKey, func() (interface{}, error) {
		r, err := v.verifier.Validate(sharedCtx, receiptData)
		if err != nil {
			return nil, err
		}

		v.cache.Set(cacheKey, r.Clone())
		return r, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*receipt.Receipt).Clone(), nil
	}
}

var _ iap.Invalidator = (*Verifier)(nil)

// Invalidate drops the cached validation of receiptData, if any.
func (v *Verifier) Invalidate(receiptData []byte) {
	v.cache.Remove(iap.GetReceiptID(receiptData))
}

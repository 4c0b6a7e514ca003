package android

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"google.golang.org/api/androidpublisher/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/code-payments/iapkit/iap"
	"github.com/code-payments/iapkit/receipt"
)

const (
	// purchaseStatePurchased is ProductPurchase.PurchaseState for a completed
	// one-time purchase. 1 is cancelled and 2 is pending.
	purchaseStatePurchased = 0

	subscriptionStatePending     = "SUBSCRIPTION_STATE_PENDING"
	subscriptionStateUnspecified = "SUBSCRIPTION_STATE_UNSPECIFIED"
)

// Purchase is the subset of the Play Billing purchase JSON (as returned by
// Purchase.getOriginalJson on the device) the verifier needs.
type Purchase struct {
	PackageName   string `json:"packageName"`
	ProductID     string `json:"productId"`
	PurchaseToken string `json:"purchaseToken"`
}

// AndroidVerifier uses the Google Play Developer API to verify purchase tokens.
type AndroidVerifier struct {
	log *zap.Logger
	svc *androidpublisher.Service

	// PackageName is the Android app's package name.
	packageName string

	// Products validated through the subscriptions API instead of the
	// one-time products API.
	subscriptions map[string]struct{}
}

func NewAndroidVerifier(log *zap.Logger, svc *androidpublisher.Service, pkgName string, subscriptionIDs ...string) *AndroidVerifier {
	subscriptions := make(map[string]struct{}, len(subscriptionIDs))
	for _, id := range subscriptionIDs {
		subscriptions[id] = struct{}{}
	}
	return &AndroidVerifier{
		log:           log,
		svc:           svc,
		packageName:   pkgName,
		subscriptions: subscriptions,
	}
}

// NewAndroidVerifierFromCredentials builds the publisher client from the
// contents of a service account JSON file.
func NewAndroidVerifierFromCredentials(ctx context.Context, log *zap.Logger, serviceAccountJSON []byte, pkgName string, subscriptionIDs ...string) (*AndroidVerifier, error) {
	svc, err := androidpublisher.NewService(ctx, option.WithCredentialsJSON(serviceAccountJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to create android publisher client: %w", err)
	}
	return NewAndroidVerifier(log, svc, pkgName, subscriptionIDs...), nil
}

var _ iap.Verifier = (*AndroidVerifier)(nil)

func (v *AndroidVerifier) Validate(ctx context.Context, receiptData []byte) (*receipt.Receipt, error) {
	var purchase Purchase
	if err := json.Unmarshal(receiptData, &purchase); err != nil {
		return nil, &receipt.RejectedError{Status: receipt.StatusMalformedReceipt}
	}
	if purchase.PurchaseToken == "" || purchase.ProductID == "" {
		return nil, &receipt.RejectedError{Status: receipt.StatusMalformedReceipt}
	}
	if purchase.PackageName != "" && purchase.PackageName != v.packageName {
		return nil, &receipt.RejectedError{Status: receipt.StatusUnauthenticated}
	}

	log := v.log.With(zap.String("product_id", purchase.ProductID))

	if _, ok := v.subscriptions[purchase.ProductID]; ok {
		return v.validateSubscription(ctx, log, &purchase)
	}
	return v.validateProduct(ctx, log, &purchase)
}

func (v *AndroidVerifier) validateProduct(ctx context.Context, log *zap.Logger, purchase *Purchase) (*receipt.Receipt, error) {
	productPurchase, err := v.svc.Purchases.Products.Get(v.packageName, purchase.ProductID, purchase.PurchaseToken).Context(ctx).Do()
	if err != nil {
		return nil, toError(err)
	}

	if productPurchase.PurchaseState != purchaseStatePurchased {
		log.Debug("Product is not in a purchased state", zap.Int64("purchase_state", productPurchase.PurchaseState))
		return nil, receipt.ErrNoPurchasesFound
	}

	r := &receipt.Receipt{
		ProductID:     purchase.ProductID,
		TransactionID: productPurchase.OrderId,
	}
	if productPurchase.PurchaseTimeMillis > 0 {
		purchasedAt := time.UnixMilli(productPurchase.PurchaseTimeMillis).UTC()
		r.PurchaseDate = &purchasedAt
	}
	return r, nil
}

func (v *AndroidVerifier) validateSubscription(ctx context.Context, log *zap.Logger, purchase *Purchase) (*receipt.Receipt, error) {
	sub, err := v.svc.Purchases.Subscriptionsv2.Get(v.packageName, purchase.PurchaseToken).Context(ctx).Do()
	if err != nil {
		return nil, toError(err)
	}

	switch sub.SubscriptionState {
	case subscriptionStatePending, subscriptionStateUnspecified, "":
		log.Debug("Subscription has not been paid for", zap.String("state", sub.SubscriptionState))
		return nil, receipt.ErrNoPurchasesFound
	}

	if len(sub.LineItems) == 0 {
		return nil, receipt.ErrNoPurchasesFound
	}

	// The line item with the latest expiry is authoritative, like the latest
	// expiring in-app record of an App Store receipt.
	var (
		best        *androidpublisher.SubscriptionPurchaseLineItem
		bestExpiry  time.Time
		bestIsDated bool
	)
	for _, item := range sub.LineItems {
		if item == nil {
			continue
		}
		expiry, ok := receipt.ParseDate(item.ExpiryTime)
		if best == nil || (ok && (!bestIsDated || expiry.After(bestExpiry))) {
			best, bestExpiry, bestIsDated = item, expiry, ok
		}
	}
	if best == nil {
		return nil, receipt.ErrNoPurchasesFound
	}
	if best.ProductId == "" {
		return nil, receipt.ErrMalformedPurchaseRecord
	}

	r := &receipt.Receipt{
		ProductID:      best.ProductId,
		TransactionID:  sub.LatestOrderId,
		IsSubscription: true,
		IsTrialPeriod:  isFreeTrial(best),
	}
	if bestIsDated {
		r.ExpirationDate = &bestExpiry
	}
	if started, ok := receipt.ParseDate(sub.StartTime); ok {
		r.PurchaseDate = &started
	}
	return r, nil
}

func isFreeTrial(item *androidpublisher.SubscriptionPurchaseLineItem) bool {
	if item.OfferDetails == nil {
		return false
	}
	for _, tag := range item.OfferDetails.OfferTags {
		if tag == "free-trial" {
			return true
		}
	}
	return false
}

// toError maps Play Developer API failures onto the validation error
// taxonomy. An unknown or invalid token rejects the purchase, everything else
// is a transport failure.
func toError(err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusBadRequest, http.StatusNotFound, http.StatusGone:
			return &receipt.RejectedError{Status: int64(apiErr.Code)}
		}
	}
	return &iap.TransportError{Cause: err}
}

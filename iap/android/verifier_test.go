package android

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/api/androidpublisher/v3"
	"google.golang.org/api/option"

	"github.com/code-payments/iapkit/iap"
	"github.com/code-payments/iapkit/receipt"
)

const testPackage = "com.example.app"

func newTestVerifier(t *testing.T, handler http.HandlerFunc, subscriptionIDs ...string) *AndroidVerifier {
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	svc, err := androidpublisher.NewService(
		context.Background(),
		option.WithEndpoint(server.URL+"/"),
		option.WithHTTPClient(server.Client()),
		option.WithoutAuthentication(),
	)
	require.NoError(t, err)

	return NewAndroidVerifier(zap.NewNop(), svc, testPackage, subscriptionIDs...)
}

func purchaseJSON(t *testing.T, productID, token string) []byte {
	data, err := json.Marshal(&Purchase{PackageName: testPackage, ProductID: productID, PurchaseToken: token})
	require.NoError(t, err)
	return data
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func TestAndroidVerifier_Product(t *testing.T) {
	purchasedAt := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	var path string
	verifier := newTestVerifier(t, func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		writeJSON(w, http.StatusOK, map[string]any{
			"orderId":            "GPA.1234",
			"purchaseState":      0,
			"purchaseTimeMillis": "1709294400000",
		})
	})

	r, err := verifier.Validate(context.Background(), purchaseJSON(t, "com.example.pro", "token"))
	require.NoError(t, err)
	require.Equal(t, "com.example.pro", r.ProductID)
	require.Equal(t, "GPA.1234", r.TransactionID)
	require.False(t, r.IsSubscription)
	require.NotNil(t, r.PurchaseDate)
	require.True(t, purchasedAt.Equal(*r.PurchaseDate))
	require.Nil(t, r.ExpirationDate)

	require.True(t, strings.HasSuffix(path, "/applications/"+testPackage+"/purchases/products/com.example.pro/tokens/token"), path)
}

func TestAndroidVerifier_ProductNotPurchased(t *testing.T) {
	verifier := newTestVerifier(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"purchaseState": 2})
	})

	_, err := verifier.Validate(context.Background(), purchaseJSON(t, "com.example.pro", "token"))
	require.ErrorIs(t, err, receipt.ErrNoPurchasesFound)
}

func TestAndroidVerifier_Subscription(t *testing.T) {
	var path string
	verifier := newTestVerifier(t, func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		writeJSON(w, http.StatusOK, map[string]any{
			"subscriptionState": "SUBSCRIPTION_STATE_ACTIVE",
			"latestOrderId":     "GPA.5678..1",
			"startTime":         "2024-01-01T00:00:00Z",
			"lineItems": []map[string]any{
				{"productId": "com.example.monthly", "expiryTime": "2024-02-01T00:00:00Z"},
				{"productId": "com.example.yearly", "expiryTime": "2025-01-01T00:00:00Z", "offerDetails": map[string]any{"offerTags": []string{"free-trial"}}},
				{"productId": "com.example.undated"},
			},
		})
	}, "com.example.yearly")

	r, err := verifier.Validate(context.Background(), purchaseJSON(t, "com.example.yearly", "token"))
	require.NoError(t, err)
	require.Equal(t, "com.example.yearly", r.ProductID)
	require.Equal(t, "GPA.5678..1", r.TransactionID)
	require.True(t, r.IsSubscription)
	require.True(t, r.IsTrialPeriod)
	require.NotNil(t, r.ExpirationDate)
	require.True(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC).Equal(*r.ExpirationDate))
	require.NotNil(t, r.PurchaseDate)

	require.True(t, strings.HasSuffix(path, "/applications/"+testPackage+"/purchases/subscriptionsv2/tokens/token"), path)
}

func TestAndroidVerifier_SubscriptionPending(t *testing.T) {
	verifier := newTestVerifier(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"subscriptionState": "SUBSCRIPTION_STATE_PENDING"})
	}, "com.example.yearly")

	_, err := verifier.Validate(context.Background(), purchaseJSON(t, "com.example.yearly", "token"))
	require.ErrorIs(t, err, receipt.ErrNoPurchasesFound)
}

func TestAndroidVerifier_Errors(t *testing.T) {
	verifier := newTestVerifier(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "unknown") {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": map[string]any{"code": 404, "message": "not found"}})
			return
		}
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": map[string]any{"code": 503, "message": "unavailable"}})
	})
	ctx := context.Background()

	_, err := verifier.Validate(ctx, []byte("invalid"))
	require.ErrorIs(t, err, receipt.ErrRemoteRejected)

	_, err = verifier.Validate(ctx, []byte(`{"packageName": "com.other.app", "productId": "a", "purchaseToken": "t"}`))
	require.ErrorIs(t, err, receipt.ErrRemoteRejected)

	_, err = verifier.Validate(ctx, purchaseJSON(t, "a", "unknown"))
	var rejected *receipt.RejectedError
	require.ErrorAs(t, err, &rejected)
	require.EqualValues(t, http.StatusNotFound, rejected.Status)

	_, err = verifier.Validate(ctx, purchaseJSON(t, "a", "token"))
	require.ErrorIs(t, err, iap.ErrTransport)
}

package tests

import (
	"context"
	"encoding/json"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/code-payments/iapkit/iap"
	"github.com/code-payments/iapkit/receipt"
)

// ValidReceiptFunc returns receipt data that the verifier under test accepts
// as a purchase of productID, backed by the given verification response.
type ValidReceiptFunc func(productID string, body []byte) []byte

func RunGenericVerifierTests(t *testing.T, v iap.Verifier, validReceiptFunc ValidReceiptFunc, teardown func()) {
	for _, testFunc := range []func(t *testing.T, v iap.Verifier, validReceiptFunc ValidReceiptFunc){
		testValidReceipt,
		testLatestExpirationWins,
		testInvalidReceipt,
		testNoPurchases,
	} {
		testFunc(t, v, validReceiptFunc)
		teardown()
	}
}

// InAppRecord builds a single receipt.in_app entry.
func InAppRecord(productID, transactionID string, expires time.Time) map[string]any {
	return map[string]any{
		"product_id":       productID,
		"transaction_id":   transactionID,
		"purchase_date_ms": strconv.FormatInt(expires.Add(-30*24*time.Hour).UnixMilli(), 10),
		"expires_date_ms":  strconv.FormatInt(expires.UnixMilli(), 10),
		"is_trial_period":  "false",
	}
}

// ResponseBody builds a successful verification response listing records.
func ResponseBody(records ...map[string]any) []byte {
	inApp := make([]any, 0, len(records))
	for _, r := range records {
		inApp = append(inApp, r)
	}

	body, err := json.Marshal(map[string]any{
		"status": receipt.StatusOK,
		"receipt": map[string]any{
			"in_app": inApp,
		},
	})
	if err != nil {
		panic(err)
	}
	return body
}

func testValidReceipt(t *testing.T, v iap.Verifier, validReceiptFunc ValidReceiptFunc) {
	ctx := context.Background()

	expires := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	body := ResponseBody(InAppRecord("com.example.pro", "1000", expires))

	r, err := v.Validate(ctx, validReceiptFunc("com.example.pro", body))
	require.NoError(t, err)
	require.Equal(t, "com.example.pro", r.ProductID)
	require.Equal(t, "1000", r.TransactionID)
	require.NotNil(t, r.ExpirationDate)
	require.True(t, expires.Equal(*r.ExpirationDate))
}

func testLatestExpirationWins(t *testing.T, v iap.Verifier, validReceiptFunc ValidReceiptFunc) {
	ctx := context.Background()

	now := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	body := ResponseBody(
		InAppRecord("com.example.monthly", "1", now),
		InAppRecord("com.example.yearly", "2", now.Add(365*24*time.Hour)),
		InAppRecord("com.example.weekly", "3", now.Add(7*24*time.Hour)),
	)

	r, err := v.Validate(ctx, validReceiptFunc("com.example.yearly", body))
	require.NoError(t, err)
	require.Equal(t, "com.example.yearly", r.ProductID)
}

func testInvalidReceipt(t *testing.T, v iap.Verifier, _ ValidReceiptFunc) {
	ctx := context.Background()

	// Just use the word "invalid" as an invalid receipt.
	r, err := v.Validate(ctx, []byte("invalid"))
	require.Error(t, err)
	require.Nil(t, r)
}

func testNoPurchases(t *testing.T, v iap.Verifier, validReceiptFunc ValidReceiptFunc) {
	ctx := context.Background()

	r, err := v.Validate(ctx, validReceiptFunc("", ResponseBody()))
	require.ErrorIs(t, err, receipt.ErrNoPurchasesFound)
	require.Nil(t, r)
}

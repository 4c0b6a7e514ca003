package receipt

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParse_SingleRecord(t *testing.T) {
	body := `{
		"status": 0,
		"receipt": {
			"in_app": [{
				"product_id": "com.example.pro.monthly",
				"transaction_id": "1000000123",
				"expires_date_ms": "1735689600000",
				"purchase_date": "2024-12-01 00:00:00 Etc/GMT",
				"is_trial_period": "true",
				"subscription_group_identifier": "20500000"
			}]
		}
	}`

	r, err := Parse([]byte(body))
	require.NoError(t, err)
	require.Equal(t, "com.example.pro.monthly", r.ProductID)
	require.Equal(t, "1000000123", r.TransactionID)
	require.True(t, r.IsTrialPeriod)
	require.True(t, r.IsSubscription)
	require.NotNil(t, r.ExpirationDate)
	require.True(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC).Equal(*r.ExpirationDate))
	require.NotNil(t, r.PurchaseDate)
	require.True(t, time.Date(2024, 12, 1, 0, 0, 0, 0, time.UTC).Equal(*r.PurchaseDate))
}

func TestParse_NonSubscription(t *testing.T) {
	body := `{"status": 0, "receipt": {"in_app": [{"product_id": "com.example.lifetime", "is_trial_period": "false"}]}}`

	r, err := Parse([]byte(body))
	require.NoError(t, err)
	require.Equal(t, "com.example.lifetime", r.ProductID)
	require.Nil(t, r.ExpirationDate)
	require.Nil(t, r.PurchaseDate)
	require.Empty(t, r.TransactionID)
	require.False(t, r.IsTrialPeriod)
	require.False(t, r.IsSubscription)
	require.True(t, r.ActiveAt(time.Now()))
}

func TestParse_LatestExpirationWins(t *testing.T) {
	older := `{"product_id": "old", "expires_date": "2024-01-01T00:00:00Z"}`
	newer := `{"product_id": "new", "expires_date": "2025-01-01T00:00:00Z"}`

	for _, order := range [][2]string{{older, newer}, {newer, older}} {
		body := `{"status": 0, "receipt": {"in_app": [` + order[0] + `,` + order[1] + `]}}`

		r, err := Parse([]byte(body))
		require.NoError(t, err)
		require.Equal(t, "new", r.ProductID)
	}
}

func TestParse_UndatedRecordRanksLast(t *testing.T) {
	body := `{"status": 0, "receipt": {"in_app": [
		{"product_id": "undated"},
		{"product_id": "dated", "expires_date_ms": "1"},
		{"product_id": "garbage", "expires_date": "not-a-date"}
	]}}`

	r, err := Parse([]byte(body))
	require.NoError(t, err)
	require.Equal(t, "dated", r.ProductID)
}

func TestParse_TieKeepsFirst(t *testing.T) {
	body := `{"status": 0, "receipt": {"in_app": [
		{"product_id": "first", "expires_date_ms": "1700000000000"},
		{"product_id": "second", "expires_date": "2023-11-14T22:13:20Z"}
	]}}`

	r, err := Parse([]byte(body))
	require.NoError(t, err)
	require.Equal(t, "first", r.ProductID)

	body = `{"status": 0, "receipt": {"in_app": [{"product_id": "a"}, {"product_id": "b"}]}}`
	r, err = Parse([]byte(body))
	require.NoError(t, err)
	require.Equal(t, "a", r.ProductID)
}

func TestParse_NumericDateFields(t *testing.T) {
	body := `{"status": 0, "receipt": {"in_app": [{"product_id": "p", "expires_date_ms": 1700000000000}]}}`

	r, err := Parse([]byte(body))
	require.NoError(t, err)
	require.NotNil(t, r.ExpirationDate)
	require.Equal(t, int64(1700000000000), r.ExpirationDate.UnixMilli())
}

func TestParse_SubscriptionGroupNull(t *testing.T) {
	body := `{"status": 0, "receipt": {"in_app": [{"product_id": "p", "subscription_group_identifier": null}]}}`

	r, err := Parse([]byte(body))
	require.NoError(t, err)
	require.False(t, r.IsSubscription)
}

func TestParse_Errors(t *testing.T) {
	for _, tc := range []struct {
		name     string
		body     string
		expected error
	}{
		{"NotJSON", `<html>`, ErrMalformedResponse},
		{"NotObject", `[1, 2]`, ErrMalformedResponse},
		{"TrailingGarbage", `{"status": 0, "receipt": {"in_app": [{"product_id": "a"}]}} garbage`, ErrMalformedResponse},
		{"TrailingObject", `{"status": 0, "receipt": {"in_app": [{"product_id": "a"}]}} {}`, ErrMalformedResponse},
		{"MissingStatus", `{"receipt": {}}`, ErrMalformedResponse},
		{"StringStatus", `{"status": "0"}`, ErrMalformedResponse},
		{"FractionalStatus", `{"status": 0.5}`, ErrMalformedResponse},
		{"Sandbox", `{"status": 21007}`, ErrSandboxRedirect},
		{"Rejected", `{"status": 21002}`, ErrRemoteRejected},
		{"MissingReceipt", `{"status": 0}`, ErrNoPurchasesFound},
		{"MissingInApp", `{"status": 0, "receipt": {}}`, ErrNoPurchasesFound},
		{"EmptyInApp", `{"status": 0, "receipt": {"in_app": []}}`, ErrNoPurchasesFound},
		{"NonObjectRecord", `{"status": 0, "receipt": {"in_app": ["x"]}}`, ErrNoPurchasesFound},
		{"MissingProductID", `{"status": 0, "receipt": {"in_app": [{"transaction_id": "1"}]}}`, ErrMalformedPurchaseRecord},
		{"NumericProductID", `{"status": 0, "receipt": {"in_app": [{"product_id": 7}]}}`, ErrMalformedPurchaseRecord},
	} {
		t.Run(tc.name, func(t *testing.T) {
			r, err := Parse([]byte(tc.body))
			require.Nil(t, r)
			require.ErrorIs(t, err, tc.expected)
		})
	}
}

func TestParse_TrailingWhitespace(t *testing.T) {
	r, err := Parse([]byte("{\"status\": 0, \"receipt\": {\"in_app\": [{\"product_id\": \"a\"}]}}\n\t "))
	require.NoError(t, err)
	require.Equal(t, "a", r.ProductID)
}

func TestParse_RejectedStatus(t *testing.T) {
	_, err := Parse([]byte(`{"status": 21002}`))

	var rejected *RejectedError
	require.True(t, errors.As(err, &rejected))
	require.EqualValues(t, 21002, rejected.Status)
	require.Contains(t, err.Error(), "21002")
	require.NotErrorIs(t, err, ErrSandboxRedirect)

	_, err = Parse([]byte(`{"status": 31337}`))
	require.ErrorIs(t, err, ErrRemoteRejected)
	require.Contains(t, err.Error(), "31337")
}

func TestParseResponse_DecodedMap(t *testing.T) {
	r, err := ParseResponse(map[string]any{
		"status": float64(0),
		"receipt": map[string]any{
			"in_app": []any{
				map[string]any{"product_id": "p", "expires_date_ms": float64(1700000000000)},
			},
		},
	})
	require.NoError(t, err)
	require.Equal(t, "p", r.ProductID)
	require.Equal(t, int64(1700000000000), r.ExpirationDate.UnixMilli())
}
